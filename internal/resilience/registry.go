package resilience

import (
	"sort"
	"sync"
)

// Registry hands out one breaker per name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   BreakerConfig
}

// NewRegistry creates a registry whose breakers share config.
func NewRegistry(config BreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// Get returns or creates the breaker for name.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := r.breakers[name]; ok {
		return b
	}

	b := NewBreaker(name, r.config)
	r.breakers[name] = b
	return b
}

// AllStats returns statistics for all breakers, sorted by name.
func (r *Registry) AllStats() []BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]BreakerStats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}
