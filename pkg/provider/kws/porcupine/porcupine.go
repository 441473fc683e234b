// Package porcupine implements kws.Engine on top of the Picovoice Porcupine
// wake-word engine.
//
// Porcupine requires an access key from the Picovoice console. Keyword models
// (.ppn) are passed as kws.Config.ModelPaths; built-in keywords such as
// "alexa" or "porcupine" may be listed in kws.Config.Keywords. ResourcePath,
// when set, overrides the bundled model parameters (.pv).
package porcupine

import (
	"errors"
	"fmt"
	"sync"

	porcupine "github.com/Picovoice/porcupine/binding/go/v2"

	"github.com/MrWong99/micarray/pkg/provider/kws"
)

// ErrMissingAccessKey is returned when kws.Config.AccessKey is empty.
var ErrMissingAccessKey = errors.New("porcupine: access key is required")

// Engine creates Porcupine spotters.
type Engine struct{}

// New returns a Porcupine engine.
func New() *Engine { return &Engine{} }

// NewSpotter initialises a Porcupine instance for cfg.
func (e *Engine) NewSpotter(cfg kws.Config) (kws.Spotter, error) {
	if cfg.AccessKey == "" {
		return nil, ErrMissingAccessKey
	}
	if cfg.KeywordCount() == 0 {
		return nil, kws.ErrNoKeywords
	}

	builtins := make([]porcupine.BuiltInKeyword, 0, len(cfg.Keywords))
	for _, name := range cfg.Keywords {
		k := porcupine.BuiltInKeyword(name)
		if !k.IsValid() {
			return nil, fmt.Errorf("porcupine: unknown built-in keyword %q", name)
		}
		builtins = append(builtins, k)
	}

	sens := float32(cfg.Sensitivity)
	if sens <= 0 || sens > 1 {
		sens = 0.5
	}
	sensitivities := make([]float32, cfg.KeywordCount())
	for i := range sensitivities {
		sensitivities[i] = sens
	}

	p := &porcupine.Porcupine{
		AccessKey:       cfg.AccessKey,
		ModelPath:       cfg.ResourcePath,
		KeywordPaths:    append([]string(nil), cfg.ModelPaths...),
		BuiltInKeywords: builtins,
		Sensitivities:   sensitivities,
	}
	if err := p.Init(); err != nil {
		return nil, fmt.Errorf("porcupine: init: %w", err)
	}
	return &spotter{p: p}, nil
}

var _ kws.Engine = (*Engine)(nil)

type spotter struct {
	mu     sync.Mutex
	p      *porcupine.Porcupine
	closed bool
}

func (s *spotter) FrameLength() int { return porcupine.FrameLength }
func (s *spotter) SampleRate() int  { return porcupine.SampleRate }

// Process maps Porcupine's 0-based index (-1 for none) to the 1-based
// convention of kws.Spotter.
func (s *spotter) Process(pcm []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("porcupine: spotter closed")
	}
	idx, err := s.p.Process(pcm)
	if err != nil {
		return 0, fmt.Errorf("porcupine: process: %w", err)
	}
	return idx + 1, nil
}

func (s *spotter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.p.Delete(); err != nil {
		return fmt.Errorf("porcupine: delete: %w", err)
	}
	return nil
}
