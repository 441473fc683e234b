// Package pulse provides a collector.Capturer backed by the PulseAudio
// simple API.
package pulse

import (
	"fmt"
	"sync"

	"github.com/mesilliac/pulse-simple"

	"github.com/MrWong99/micarray/pkg/audio"
	"github.com/MrWong99/micarray/pkg/node/collector"
)

// ClientName identifies this process to the PulseAudio server.
const ClientName = "micarray"

// Capturer records interleaved S16LE audio from a PulseAudio source.
type Capturer struct {
	mu     sync.Mutex
	stream *pulse.Stream
	format audio.Format
	source string
}

// New opens a record stream on source ("" or "default" selects the server's
// default source) with the given channel count and sample rate.
func New(source string, channels, rate int) (*Capturer, error) {
	if source == "default" {
		source = ""
	}
	spec := pulse.SampleSpec{Format: pulse.SAMPLE_S16LE, Rate: uint32(rate), Channels: uint8(channels)}
	stream, err := pulse.NewStream("", ClientName, pulse.STREAM_RECORD, source, "mic array capture", &spec, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("pulse: open source %q: %w", source, err)
	}
	return &Capturer{
		stream: stream,
		format: audio.Format{SampleRate: rate, Channels: channels},
		source: source,
	}, nil
}

func (c *Capturer) Format() audio.Format { return c.format }

// Read blocks until p is filled.
func (c *Capturer) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return 0, fmt.Errorf("pulse: capturer closed")
	}
	n, err := c.stream.Read(p)
	if err != nil {
		return n, fmt.Errorf("pulse: read: %w", err)
	}
	return n, nil
}

// Close frees the stream. Calling Close more than once is safe.
func (c *Capturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		c.stream.Free()
		c.stream = nil
	}
	return nil
}

var _ collector.Capturer = (*Capturer)(nil)
