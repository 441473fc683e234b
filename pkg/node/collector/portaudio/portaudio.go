// Package portaudio provides a collector.Capturer backed by PortAudio in
// blocking read mode.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/micarray/pkg/audio"
	"github.com/MrWong99/micarray/pkg/node/collector"
)

// ErrDeviceNotFound is returned when no input device matches the name.
var ErrDeviceNotFound = errors.New("portaudio: input device not found")

// Capturer records from a PortAudio input device.
type Capturer struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	buf     []int16
	pending []byte
	format  audio.Format
	closed  bool
}

// New initialises PortAudio and opens an input stream. An empty deviceName
// selects the default input device; otherwise the first device whose name
// contains deviceName is used.
func New(deviceName string, channels, rate, framesPerBuffer int) (*Capturer, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	dev, err := findDevice(deviceName)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	if dev.MaxInputChannels < channels {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: device %q has %d input channels, want %d", dev.Name, dev.MaxInputChannels, channels)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(rate)
	params.FramesPerBuffer = framesPerBuffer

	c := &Capturer{
		buf:    make([]int16, framesPerBuffer*channels),
		format: audio.Format{SampleRate: rate, Channels: channels},
	}
	stream, err := portaudio.OpenStream(params, c.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open stream on %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start stream on %q: %w", dev.Name, err)
	}
	c.stream = stream
	slog.Info("portaudio capture started", "device", dev.Name, "format", c.format.String(), "frames_per_buffer", framesPerBuffer)
	return c, nil
}

func findDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" || name == "default" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(d.Name, name) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

func (c *Capturer) Format() audio.Format { return c.format }

// Read fills p from the stream, reading whole PortAudio buffers as needed.
func (c *Capturer) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("portaudio: capturer closed")
	}
	for len(c.pending) < len(p) {
		if err := c.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Warn("portaudio input overflowed")
			} else {
				return 0, fmt.Errorf("portaudio: read: %w", err)
			}
		}
		c.pending = append(c.pending, audio.Bytes(c.buf)...)
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Close stops the stream and terminates PortAudio. Calling Close more than
// once is safe.
func (c *Capturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Join(c.stream.Stop(), c.stream.Close(), portaudio.Terminate())
}

var _ collector.Capturer = (*Capturer)(nil)
