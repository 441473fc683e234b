package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/micarray/pkg/node/collector"
	"github.com/MrWong99/micarray/pkg/provider/kws"
	"github.com/MrWong99/micarray/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps engine names to their constructor functions for keyword
// spotters, VAD engines and live capture backends. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	kws     map[string]func(KWSConfig) (kws.Engine, error)
	vad     map[string]func(VADConfig) (vad.Engine, error)
	capture map[string]func(SourceConfig) (collector.Capturer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		kws:     make(map[string]func(KWSConfig) (kws.Engine, error)),
		vad:     make(map[string]func(VADConfig) (vad.Engine, error)),
		capture: make(map[string]func(SourceConfig) (collector.Capturer, error)),
	}
}

// RegisterKWS registers a keyword-spotting engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterKWS(name string, factory func(KWSConfig) (kws.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kws[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterCapture registers a live capture backend factory under name.
func (r *Registry) RegisterCapture(name string, factory func(SourceConfig) (collector.Capturer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// CreateKWS instantiates the keyword-spotting engine named by cfg.Engine.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateKWS(cfg KWSConfig) (kws.Engine, error) {
	r.mu.RLock()
	factory, ok := r.kws[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: kws/%q", ErrProviderNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// CreateVAD instantiates the VAD engine named by cfg.Engine.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// CreateCapture opens the capture backend named by cfg.Backend.
func (r *Registry) CreateCapture(cfg SourceConfig) (collector.Capturer, error) {
	r.mu.RLock()
	factory, ok := r.capture[string(cfg.Backend)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// Names returns the sorted registered names for kind ("kws", "vad" or
// "capture").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	switch kind {
	case "kws":
		for n := range r.kws {
			out = append(out, n)
		}
	case "vad":
		for n := range r.vad {
			out = append(out, n)
		}
	case "capture":
		for n := range r.capture {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}
