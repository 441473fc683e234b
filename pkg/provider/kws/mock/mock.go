// Package mock provides test doubles for the kws package interfaces.
//
// Use Engine to verify that spotters are created with the expected Config.
// Use Spotter to script detections: Detections maps the 0-based call number
// of Process to the keyword index it returns.
//
// Example:
//
//	sp := &mock.Spotter{Detections: map[int]int{4: 1}}
//	eng := &mock.Engine{Spotter: sp}
package mock

import (
	"sync"

	"github.com/MrWong99/micarray/pkg/provider/kws"
)

// NewSpotterCall records a single invocation of Engine.NewSpotter.
type NewSpotterCall struct {
	Cfg kws.Config
}

// Engine is a mock implementation of kws.Engine.
type Engine struct {
	mu sync.Mutex

	// Spotter is returned by NewSpotter. If nil, a default Spotter is returned.
	Spotter kws.Spotter

	// NewSpotterErr, if non-nil, is returned as the error from NewSpotter.
	NewSpotterErr error

	// NewSpotterCalls records every call to NewSpotter in order.
	NewSpotterCalls []NewSpotterCall
}

// NewSpotter records the call and returns Spotter, NewSpotterErr.
func (e *Engine) NewSpotter(cfg kws.Config) (kws.Spotter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSpotterCalls = append(e.NewSpotterCalls, NewSpotterCall{Cfg: cfg})
	if e.NewSpotterErr != nil {
		return nil, e.NewSpotterErr
	}
	if e.Spotter != nil {
		return e.Spotter, nil
	}
	return &Spotter{}, nil
}

var _ kws.Engine = (*Engine)(nil)

// Spotter is a mock implementation of kws.Spotter.
type Spotter struct {
	mu sync.Mutex

	// FrameLengthValue is returned by FrameLength. Defaults to 512.
	FrameLengthValue int

	// SampleRateValue is returned by SampleRate. Defaults to 16000.
	SampleRateValue int

	// Detections maps a 0-based Process call number to the index returned.
	Detections map[int]int

	// ProcessErr, if non-nil, is returned by every Process call.
	ProcessErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// Frames holds a copy of every frame passed to Process.
	Frames [][]int16

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

func (s *Spotter) FrameLength() int {
	if s.FrameLengthValue > 0 {
		return s.FrameLengthValue
	}
	return 512
}

func (s *Spotter) SampleRate() int {
	if s.SampleRateValue > 0 {
		return s.SampleRateValue
	}
	return 16000
}

// Process records the frame and returns the scripted detection.
func (s *Spotter) Process(pcm []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := len(s.Frames)
	cp := make([]int16, len(pcm))
	copy(cp, pcm)
	s.Frames = append(s.Frames, cp)
	if s.ProcessErr != nil {
		return 0, s.ProcessErr
	}
	return s.Detections[call], nil
}

// ProcessCalls returns the number of Process calls so far.
func (s *Spotter) ProcessCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// Close records the call and returns CloseErr.
func (s *Spotter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

var _ kws.Spotter = (*Spotter)(nil)
