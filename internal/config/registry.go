package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/parleyvoice/parley/pkg/recog"
	"github.com/parleyvoice/parley/pkg/recog/deepgram"
)

// ErrEngineNotRegistered is returned by [Registry.CreateEngine] when no
// factory has been registered under the requested engine name.
var ErrEngineNotRegistered = errors.New("config: engine not registered")

// Registry maps engine names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]func(EngineEntry) (recog.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]func(EngineEntry) (recog.Engine, error)),
	}
}

// DefaultRegistry returns a registry with the built-in engines registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterEngine("deepgram", newDeepgramEngine)
	return r
}

// RegisterEngine registers an engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEngine(name string, factory func(EngineEntry) (recog.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// CreateEngine instantiates a recognition engine using the factory registered
// under entry.Name. Returns [ErrEngineNotRegistered] if no factory has been
// registered for that name, and (nil, nil) when entry.Name is empty so
// callers can treat an unconfigured engine as absent.
func (r *Registry) CreateEngine(entry EngineEntry) (recog.Engine, error) {
	if entry.Name == "" {
		return nil, nil
	}
	r.mu.RLock()
	factory, ok := r.engines[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEngineNotRegistered, entry.Name)
	}
	return factory(entry)
}

func newDeepgramEngine(entry EngineEntry) (recog.Engine, error) {
	var opts []deepgram.Option
	if entry.Model != "" {
		opts = append(opts, deepgram.WithModel(entry.Model))
	}
	if entry.Language != "" {
		opts = append(opts, deepgram.WithLanguage(entry.Language))
	}
	if entry.SampleRate > 0 {
		opts = append(opts, deepgram.WithSampleRate(entry.SampleRate))
	}
	if entry.Endpoint != "" {
		opts = append(opts, deepgram.WithEndpoint(entry.Endpoint))
	}
	return deepgram.New(entry.APIKey, opts...)
}
