package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CatalogTTL bounds how long a cached provider symbol catalog is trusted.
const CatalogTTL = 5 * time.Minute

type catalogEntry struct {
	symbols   map[string]bool
	fetchedAt time.Time
}

// Resolver maps an internal symbol to the best live provider, walking enabled
// registry entries in priority order and caching per-provider symbol
// catalogs. It never fails for supported symbols: when every provider is
// unusable it falls back to the mock.
type Resolver struct {
	registry *Registry

	mu       sync.RWMutex
	catalogs map[string]*catalogEntry
}

// NewResolver creates a resolver over the given registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{
		registry: registry,
		catalogs: make(map[string]*catalogEntry),
	}
}

// Resolve returns the highest-priority enabled provider that lists the
// symbol. DOWN providers are skipped; the mock is skipped for common symbols
// while real providers exist, and is the terminal fallback otherwise.
func (r *Resolver) Resolve(ctx context.Context, symbol string) Provider {
	entries := r.registry.Enabled()

	var mock Provider
	realProviders := 0
	for _, e := range entries {
		if e.Provider.ID() == MockProviderID {
			mock = e.Provider
		} else {
			realProviders++
		}
	}

	for _, e := range entries {
		p := e.Provider
		if p.Health().Status == StatusDown {
			continue
		}
		if p.ID() == MockProviderID {
			if CommonSymbols[symbol] && realProviders > 0 {
				continue
			}
			return p
		}

		if symbols, ok := r.cachedCatalog(p.ID()); ok {
			if symbols[symbol] {
				return p
			}
			continue
		}

		symbols, err := r.fetchCatalog(ctx, p)
		if err != nil {
			log.Warn().Err(err).Str("provider", p.ID()).Str("symbol", symbol).
				Msg("symbol catalog fetch failed")
			if CommonSymbols[symbol] {
				// Optimistic: common symbols are assumed listed on real venues.
				return p
			}
			continue
		}
		if symbols[symbol] {
			return p
		}
	}

	if mock != nil {
		return mock
	}
	// Registry always seeds the mock; reaching here means it was disabled.
	e, _ := r.registry.Get(MockProviderID)
	if e != nil {
		return e.Provider
	}
	return nil
}

// Registry exposes the underlying registry for administrative callers.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// ClearCache drops all cached symbol catalogs.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogs = make(map[string]*catalogEntry)
}

func (r *Resolver) cachedCatalog(providerID string) (map[string]bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.catalogs[providerID]
	if !ok || time.Since(entry.fetchedAt) > CatalogTTL {
		return nil, false
	}
	return entry.symbols, true
}

func (r *Resolver) fetchCatalog(ctx context.Context, p Provider) (map[string]bool, error) {
	list, err := p.ListSymbols(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make(map[string]bool, len(list))
	for _, s := range list {
		symbols[s] = true
	}
	r.mu.Lock()
	r.catalogs[p.ID()] = &catalogEntry{symbols: symbols, fetchedAt: time.Now()}
	r.mu.Unlock()
	return symbols, nil
}
