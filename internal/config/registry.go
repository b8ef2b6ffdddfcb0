package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cantinaos/cantina/pkg/provider/llm"
	"github.com/cantinaos/cantina/pkg/provider/stt"
	"github.com/cantinaos/cantina/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]func(ProviderEntry) (llm.Provider, error)
	tts map[string]func(ProviderEntry) (tts.Provider, error)
	stt map[string]func(ProviderEntry) (stt.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]func(ProviderEntry) (llm.Provider, error)),
		tts: make(map[string]func(ProviderEntry) (tts.Provider, error)),
		stt: make(map[string]func(ProviderEntry) (stt.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// CreateLLM instantiates the LLM provider selected by entry.Name.
// Returns (nil, nil) when entry.Name is empty: the capability is optional
// and callers degrade gracefully without it.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	if entry.Name == "" {
		return nil, nil
	}
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates the TTS provider selected by entry.Name.
// Returns (nil, nil) when entry.Name is empty.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	if entry.Name == "" {
		return nil, nil
	}
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates the STT provider selected by entry.Name.
// Returns (nil, nil) when entry.Name is empty.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	if entry.Name == "" {
		return nil, nil
	}
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
