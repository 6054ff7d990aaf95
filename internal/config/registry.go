package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rijantuby/rijantuby/pkg/provider/chat"
	"github.com/rijantuby/rijantuby/pkg/provider/realtime"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ChatFactory constructs a chat provider from its config entry.
type ChatFactory func(ProviderEntry) (chat.Provider, error)

// RealtimeFactory constructs a realtime provider from its config entry.
type RealtimeFactory func(ProviderEntry) (realtime.Provider, error)

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	chat     map[string]ChatFactory
	realtime map[string]RealtimeFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		chat:     make(map[string]ChatFactory),
		realtime: make(map[string]RealtimeFactory),
	}
}

// RegisterChat registers a chat provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterChat(name string, factory ChatFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat[name] = factory
}

// RegisterRealtime registers a realtime provider factory under name.
func (r *Registry) RegisterRealtime(name string, factory RealtimeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// CreateChat instantiates a chat provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateChat(entry ProviderEntry) (chat.Provider, error) {
	r.mu.RLock()
	factory, ok := r.chat[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: chat/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateRealtime instantiates a realtime provider using the factory registered under entry.Name.
func (r *Registry) CreateRealtime(entry ProviderEntry) (realtime.Provider, error) {
	r.mu.RLock()
	factory, ok := r.realtime[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: realtime/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted provider names registered for kind ("chat" or
// "realtime").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "chat":
		for n := range r.chat {
			names = append(names, n)
		}
	case "realtime":
		for n := range r.realtime {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
