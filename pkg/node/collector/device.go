package collector

import (
	"context"
	"fmt"
	"io"

	"github.com/MrWong99/micarray/pkg/audio"
	"github.com/MrWong99/micarray/pkg/pipeline"
)

// Capturer is a live capture backend. Read blocks until len(p) bytes of
// interleaved int16 PCM are available or fails; short reads are retried by
// the caller.
type Capturer interface {
	Format() audio.Format
	Read(p []byte) (int, error)
	Close() error
}

// Device reads blocks from a live [Capturer].
type Device struct {
	opts    options
	c       Capturer
	blockMs int
	in      audio.Format
	conv    *audio.FormatConverter
	buf     []byte
	st      stamper
	closed  bool
}

// NewDevice wraps c. The capturer must already be open; NewDevice fails if
// its format is invalid or blockMs does not divide it into whole samples.
func NewDevice(c Capturer, blockMs int, opts ...Option) (*Device, error) {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}
	in := c.Format()
	if !in.IsValid() {
		return nil, fmt.Errorf("collector: invalid capture format %s", in)
	}
	if err := checkBlock(in.SampleRate, blockMs); err != nil {
		return nil, err
	}
	d := &Device{
		opts:    o,
		c:       c,
		blockMs: blockMs,
		in:      in,
		buf:     make([]byte, in.BytesPerBlock(blockMs)),
		st:      stamper{blockMs: blockMs},
	}
	if o.targetRate > 0 && o.targetRate != in.SampleRate {
		if err := checkBlock(o.targetRate, blockMs); err != nil {
			return nil, err
		}
		d.conv = &audio.FormatConverter{Target: audio.Format{SampleRate: o.targetRate, Channels: in.Channels}}
	}
	return d, nil
}

// NewDevice48kTo16k wraps a 48 kHz capturer and resamples to the 16 kHz
// processing rate.
func NewDevice48kTo16k(c Capturer, blockMs int, opts ...Option) (*Device, error) {
	if rate := c.Format().SampleRate; rate != 48000 {
		return nil, fmt.Errorf("collector: capture rate %d Hz, want 48000", rate)
	}
	return NewDevice(c, blockMs, append(opts, WithTargetRate(16000))...)
}

func (d *Device) Name() string { return d.opts.name }

// Format returns the format of the frames Read produces.
func (d *Device) Format() audio.Format {
	if d.conv != nil {
		return d.conv.Target
	}
	return d.in
}

func (d *Device) Open(context.Context) (audio.Format, error) {
	d.opts.logger.Info("device collector opened",
		"node", d.opts.name,
		"capture", d.in.String(),
		"output", d.Format().String(),
		"block_ms", d.blockMs,
	)
	return d.Format(), nil
}

// Read blocks for one block period while the capturer fills the buffer.
func (d *Device) Read(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	if _, err := io.ReadFull(d.c, d.buf); err != nil {
		return audio.Frame{}, fmt.Errorf("collector: capture: %w", err)
	}
	data := make([]byte, len(d.buf))
	copy(data, d.buf)
	fr := d.st.stamp(data, d.in)
	if d.conv != nil {
		fr = d.conv.Convert(fr)
	}
	return fr, nil
}

// Close closes the capturer. Calls after the first return nil.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.c.Close()
}

var _ pipeline.Source = (*Device)(nil)
