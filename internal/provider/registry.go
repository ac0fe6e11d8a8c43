package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Entry couples a provider with its registry configuration.
type Entry struct {
	Provider Provider
	Config   Config
}

// Registry is the process-wide ordered set of provider entries. Entries are
// created once at startup; runtime mutations are limited to enable/disable,
// priority changes and health resets. The mock provider is always present as
// the lowest-priority fallback.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates a registry seeded with the mock fallback provider.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]*Entry)}
	mock := NewMockProvider()
	mock.ResetHealth()
	r.entries[mock.ID()] = &Entry{
		Provider: mock,
		Config:   Config{Enabled: true, Priority: 1},
	}
	return r
}

// Register adds a provider entry. At most one entry per provider identity.
func (r *Registry) Register(p Provider, cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if id == "" {
		return fmt.Errorf("provider must have a non-empty id")
	}
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("provider %s already registered", id)
	}
	r.entries[id] = &Entry{Provider: p, Config: cfg}
	log.Info().Str("provider", id).Int("priority", cfg.Priority).Bool("enabled", cfg.Enabled).
		Msg("provider registered")
	return nil
}

// Get returns the entry for a provider id.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("no provider registered with id: %s", id)
	}
	return e, nil
}

// Enabled returns enabled entries ordered by priority descending.
func (r *Registry) Enabled() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, e := range r.entries {
		if e.Config.Enabled {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Config.Priority != out[j].Config.Priority {
			return out[i].Config.Priority > out[j].Config.Priority
		}
		return out[i].Provider.ID() < out[j].Provider.ID()
	})
	return out
}

// All returns every entry regardless of enabled state.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Config.Priority > out[j].Config.Priority
	})
	return out
}

// SetEnabled flips the enable flag for a provider.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("no provider registered with id: %s", id)
	}
	e.Config.Enabled = enabled
	log.Info().Str("provider", id).Bool("enabled", enabled).Msg("provider enable flag changed")
	return nil
}

// SetPriority changes a provider's priority.
func (r *Registry) SetPriority(id string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("no provider registered with id: %s", id)
	}
	e.Config.Priority = priority
	return nil
}

// ResetHealth forces a provider back to UP.
func (r *Registry) ResetHealth(id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no provider registered with id: %s", id)
	}
	e.Provider.ResetHealth()
	log.Info().Str("provider", id).Msg("provider health reset")
	return nil
}

// Health returns the health snapshot of every registered provider.
func (r *Registry) Health() map[string]HealthSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HealthSnapshot, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.Provider.Health()
	}
	return out
}
