// Package energy implements a pure-Go vad.Engine based on frame RMS level
// with hysteresis.
//
// The frame level is mapped to a pseudo-probability on a dBFS scale: 0 at
// FloorDBFS (default -60 dBFS) rising linearly to 1 at 0 dBFS. A speech
// segment starts after StartFrames consecutive frames at or above
// SpeechThreshold and ends after the hangover period of frames below
// SilenceThreshold.
package energy

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/micarray/pkg/audio"
	"github.com/MrWong99/micarray/pkg/provider/vad"
)

// ErrFrameSize is returned by ProcessFrame for frames of the wrong length.
var ErrFrameSize = errors.New("energy: unexpected frame size")

const (
	defaultFloorDBFS   = -60.0
	defaultStartFrames = 3
	defaultHangover    = 300 * time.Millisecond
)

// Option configures an [Engine].
type Option func(*Engine)

// WithFloor sets the dBFS level that maps to probability 0.
func WithFloor(dbfs float64) Option {
	return func(e *Engine) {
		if dbfs < 0 {
			e.floor = dbfs
		}
	}
}

// WithStartFrames sets the number of consecutive loud frames that start a
// speech segment.
func WithStartFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.startFrames = n
		}
	}
}

// WithHangover sets how long the level must stay below SilenceThreshold
// before a speech segment ends.
func WithHangover(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.hangover = d
		}
	}
}

// Engine creates energy VAD sessions.
type Engine struct {
	floor       float64
	startFrames int
	hangover    time.Duration
}

// New returns an Engine with the given options applied.
func New(opts ...Option) *Engine {
	e := &Engine{
		floor:       defaultFloorDBFS,
		startFrames: defaultStartFrames,
		hangover:    defaultHangover,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid config: rate %d, frame %d ms", cfg.SampleRate, cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold <= 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %v out of range (0, 1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v must be in [0, %v]", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	silenceFrames := int(e.hangover / (time.Duration(cfg.FrameSizeMs) * time.Millisecond))
	return &session{
		cfg:           cfg,
		floor:         e.floor,
		frameBytes:    cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		startFrames:   e.startFrames,
		silenceFrames: max(silenceFrames, 1),
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

type session struct {
	cfg           vad.Config
	floor         float64
	frameBytes    int
	startFrames   int
	silenceFrames int

	inSpeech     bool
	speechCount  int
	silenceCount int
	closed       bool
}

func (s *session) probability(pcm []byte) float64 {
	db := audio.DBFS(audio.RMS(audio.Int16s(pcm)))
	p := (db - s.floor) / -s.floor
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errors.New("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), s.frameBytes)
	}
	p := s.probability(frame)
	ev := vad.VADEvent{Probability: p}

	if s.inSpeech {
		if p < s.cfg.SilenceThreshold {
			s.silenceCount++
			if s.silenceCount >= s.silenceFrames {
				s.inSpeech = false
				s.silenceCount = 0
				ev.Type = vad.VADSpeechEnd
				return ev, nil
			}
		} else {
			s.silenceCount = 0
		}
		ev.Type = vad.VADSpeechContinue
		return ev, nil
	}

	if p >= s.cfg.SpeechThreshold {
		s.speechCount++
		if s.speechCount >= s.startFrames {
			s.inSpeech = true
			s.speechCount = 0
			ev.Type = vad.VADSpeechStart
			return ev, nil
		}
	} else {
		s.speechCount = 0
	}
	ev.Type = vad.VADSilence
	return ev, nil
}

func (s *session) Reset() {
	s.inSpeech = false
	s.speechCount = 0
	s.silenceCount = 0
}

func (s *session) Close() error {
	s.closed = true
	return nil
}
