// Package silero implements vad.Engine with the Silero VAD ONNX model via
// github.com/streamer45/silero-vad-go.
//
// Silero scores fixed windows of 512 samples at 16 kHz (256 at 8 kHz), which
// is longer than a pipeline block, so sessions buffer incoming blocks and run
// the detector whenever at least one full window is available. The reported
// event reflects the detector state after the most recent window.
package silero

import (
	"errors"
	"fmt"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/MrWong99/micarray/pkg/provider/vad"
)

// ErrFrameSize is returned by ProcessFrame for frames of the wrong length.
var ErrFrameSize = errors.New("silero: unexpected frame size")

// Engine creates Silero VAD sessions.
type Engine struct {
	modelPath    string
	minSilenceMs int
	speechPadMs  int
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMinSilence sets the silence duration that ends a speech segment.
func WithMinSilence(ms int) Option {
	return func(e *Engine) { e.minSilenceMs = ms }
}

// WithSpeechPad sets the padding added around detected speech.
func WithSpeechPad(ms int) Option {
	return func(e *Engine) { e.speechPadMs = ms }
}

// New returns an Engine that loads the model at modelPath.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("silero: model path is required")
	}
	e := &Engine{modelPath: modelPath, minSilenceMs: 300, speechPadMs: 30}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

func windowSize(rate int) (int, error) {
	switch rate {
	case 16000:
		return 512, nil
	case 8000:
		return 256, nil
	default:
		return 0, fmt.Errorf("silero: unsupported sample rate %d", rate)
	}
}

// NewSession loads a detector instance for cfg.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	window, err := windowSize(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("silero: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	d, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            e.modelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            float32(cfg.SpeechThreshold),
		MinSilenceDurationMs: e.minSilenceMs,
		SpeechPadMs:          e.speechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("silero: new detector: %w", err)
	}
	return &session{
		d:          d,
		window:     window,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

type session struct {
	d          *speech.Detector
	window     int
	frameBytes int
	buf        []float32
	speaking   bool
	closed     bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errors.New("silero: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), s.frameBytes)
	}
	for i := 0; i+1 < len(frame); i += 2 {
		v := int16(frame[i]) | int16(frame[i+1])<<8
		s.buf = append(s.buf, float32(v)/32768)
	}

	was := s.speaking
	// Keep one sample beyond the last full window: the detector only scores
	// windows that are followed by more data.
	if k := (len(s.buf) - 1) / s.window; k > 0 {
		n := k * s.window
		segments, err := s.d.Detect(s.buf[:n+1])
		s.buf = append(s.buf[:0], s.buf[n:]...)
		switch {
		case err != nil && err.Error() == "unexpected speech end":
			// The segment started in an earlier call.
			s.speaking = false
			if rerr := s.d.Reset(); rerr != nil {
				return vad.VADEvent{}, fmt.Errorf("silero: reset: %w", rerr)
			}
		case err != nil:
			return vad.VADEvent{}, fmt.Errorf("silero: detect: %w", err)
		default:
			for _, seg := range segments {
				s.speaking = seg.SpeechEndAt == 0
			}
		}
	}

	ev := vad.VADEvent{}
	switch {
	case s.speaking && !was:
		ev.Type = vad.VADSpeechStart
	case s.speaking:
		ev.Type = vad.VADSpeechContinue
	case was:
		ev.Type = vad.VADSpeechEnd
	default:
		ev.Type = vad.VADSilence
	}
	if s.speaking {
		ev.Probability = 1
	}
	return ev, nil
}

func (s *session) Reset() {
	s.buf = s.buf[:0]
	s.speaking = false
	_ = s.d.Reset()
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.d.Destroy(); err != nil {
		return fmt.Errorf("silero: destroy: %w", err)
	}
	return nil
}
