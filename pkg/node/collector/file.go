package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/micarray/pkg/audio"
	"github.com/MrWong99/micarray/pkg/audio/wav"
	"github.com/MrWong99/micarray/pkg/pipeline"
)

// File replays a 16-bit PCM WAV file as a chain head.
type File struct {
	opts    options
	path    string
	blockMs int
	r       *wav.Reader
	format  audio.Format
	st      stamper
	ticker  *time.Ticker
	loops   int
	closed  bool
}

// NewFile opens path and prepares it for block reads. It fails if the file
// cannot be opened, is not 16-bit PCM, or blockMs does not divide the file's
// sample rate into whole samples.
func NewFile(path string, blockMs int, opts ...Option) (*File, error) {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}
	r, err := wav.Open(path)
	if err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}
	if err := checkBlock(r.Format().SampleRate, blockMs); err != nil {
		_ = r.Close()
		return nil, err
	}
	return &File{
		opts:    o,
		path:    path,
		blockMs: blockMs,
		r:       r,
		format:  r.Format(),
		st:      stamper{blockMs: blockMs},
	}, nil
}

func (f *File) Name() string { return f.opts.name }

// Format returns the file's format.
func (f *File) Format() audio.Format { return f.format }

// Loops returns how many times the file has been rewound.
func (f *File) Loops() int { return f.loops }

func (f *File) Open(context.Context) (audio.Format, error) {
	if f.opts.realtime {
		f.ticker = time.NewTicker(time.Duration(f.blockMs) * time.Millisecond)
	}
	f.opts.logger.Info("file collector opened",
		"node", f.opts.name,
		"path", f.path,
		"format", f.format.String(),
		"frames", f.r.Frames(),
		"block_ms", f.blockMs,
		"loop", f.opts.loop,
		"realtime", f.opts.realtime,
	)
	return f.format, nil
}

// Read returns the next block. A short final block is zero-padded. At end of
// file Read rewinds when looping and returns io.EOF otherwise.
func (f *File) Read(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	if f.ticker != nil {
		select {
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		case <-f.ticker.C:
		}
	}

	samples := f.format.SamplesPerBlock(f.blockMs)
	data, err := f.r.ReadBlock(samples)
	if errors.Is(err, io.EOF) && f.opts.loop && f.r.Frames() > 0 {
		if err := f.r.Rewind(); err != nil {
			return audio.Frame{}, fmt.Errorf("collector: %w", err)
		}
		f.loops++
		data, err = f.r.ReadBlock(samples)
	}
	if err != nil {
		return audio.Frame{}, err
	}
	if want := f.format.BytesPerBlock(f.blockMs); len(data) < want {
		padded := make([]byte, want)
		copy(padded, data)
		data = padded
	}
	return f.st.stamp(data, f.format), nil
}

// Close releases the file. Calls after the first return nil.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.ticker != nil {
		f.ticker.Stop()
	}
	return f.r.Close()
}

var _ pipeline.Source = (*File)(nil)
