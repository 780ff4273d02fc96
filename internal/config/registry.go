package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	s2s map[string]func(ProviderEntry) (s2s.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s: make(map[string]func(ProviderEntry) (s2s.Provider, error)),
	}
}

// RegisterS2S registers a remote speech provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// CreateS2S instantiates a provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// S2SNames returns the registered provider names in sorted order.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.s2s))
	for n := range r.s2s {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// BuildS2S creates the configured provider and its fallbacks and puts every
// one of them behind a circuit breaker. The result is what a call dials.
func (r *Registry) BuildS2S(p ProvidersConfig) (*resilience.ProviderFallback, error) {
	primary, err := r.CreateS2S(p.S2S)
	if err != nil {
		return nil, err
	}
	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:  p.Breaker.MaxFailures,
		ResetTimeout: p.Breaker.ResetTimeout,
	}
	chain := resilience.NewProviderFallback(primary, p.S2S.Name, breaker)
	for i, entry := range p.Fallbacks {
		fb, err := r.CreateS2S(entry)
		if err != nil {
			return nil, fmt.Errorf("config: fallback %d: %w", i, err)
		}
		chain.AddFallback(fmt.Sprintf("%s#%d", entry.Name, i+1), fb)
	}
	return chain, nil
}
