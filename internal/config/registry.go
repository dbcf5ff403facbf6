package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/linguavox/pkg/provider/llm"
	"github.com/MrWong99/linguavox/pkg/provider/speech"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	llm    map[string]func(ProviderEntry) (llm.Provider, error)
	speech map[string]func(ProviderEntry) (speech.Backend, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:    make(map[string]func(ProviderEntry) (llm.Provider, error)),
		speech: make(map[string]func(ProviderEntry) (speech.Backend, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSpeech registers a pronunciation assessment backend factory under name.
func (r *Registry) RegisterSpeech(name string, factory func(ProviderEntry) (speech.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSpeech instantiates a speech backend using the factory registered under entry.Name.
func (r *Registry) CreateSpeech(entry ProviderEntry) (speech.Backend, error) {
	r.mu.RLock()
	factory, ok := r.speech[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speech/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered provider names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{"llm": nil, "speech": nil}
	for name := range r.llm {
		out["llm"] = append(out["llm"], name)
	}
	for name := range r.speech {
		out["speech"] = append(out["speech"], name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}

// OptString returns the string option key of entry, or "".
func (e ProviderEntry) OptString(key string) string {
	if v, ok := e.Options[key].(string); ok {
		return v
	}
	return ""
}
