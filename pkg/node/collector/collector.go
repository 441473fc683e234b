// Package collector implements the head nodes of a microphone-array chain:
// a live capture node fed by a [Capturer] backend and a WAV file node.
//
// Both produce fixed-duration blocks of interleaved int16 PCM and stamp each
// block with a sequence number and a stream-relative timestamp.
package collector

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/micarray/pkg/audio"
)

// DefaultBlockMs is the block duration used by the demos.
const DefaultBlockMs = 8

// DefaultName is the node name used in logs and diagnostics.
const DefaultName = "collector"

// ErrInvalidBlock is returned for block durations that do not yield a whole
// number of samples.
var ErrInvalidBlock = errors.New("collector: invalid block duration")

type options struct {
	name       string
	loop       bool
	realtime   bool
	targetRate int
	logger     *slog.Logger
}

func defaults() options {
	return options{name: DefaultName, logger: slog.Default()}
}

// Option configures a collector node.
type Option func(*options)

// WithName overrides the node name.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLoop makes a file collector rewind at end of file instead of ending
// the stream.
func WithLoop(loop bool) Option {
	return func(o *options) { o.loop = loop }
}

// WithRealtime paces a file collector at one block per block period.
func WithRealtime(rt bool) Option {
	return func(o *options) { o.realtime = rt }
}

// WithTargetRate resamples captured audio to rate Hz.
func WithTargetRate(rate int) Option {
	return func(o *options) { o.targetRate = rate }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func checkBlock(rate, blockMs int) error {
	if blockMs <= 0 || rate*blockMs%1000 != 0 {
		return fmt.Errorf("%w: %d ms at %d Hz", ErrInvalidBlock, blockMs, rate)
	}
	return nil
}

// stamper assigns sequence numbers and timestamps.
type stamper struct {
	seq     uint64
	blockMs int
}

func (s *stamper) stamp(data []byte, f audio.Format) audio.Frame {
	fr := audio.Frame{
		Data:       data,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Seq:        s.seq,
		Timestamp:  time.Duration(s.seq) * time.Duration(s.blockMs) * time.Millisecond,
		Direction:  audio.DirectionUnknown,
	}
	s.seq++
	return fr
}
