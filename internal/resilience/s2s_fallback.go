package resilience

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

var _ s2s.Provider = (*ProviderFallback)(nil)

// ProviderFallback implements [s2s.Provider] with failover across several
// remote speech backends. Only the dial is covered: once a session is open,
// its failures end the call like any other remote failure.
type ProviderFallback struct {
	group *FallbackGroup[s2s.Provider]
}

// NewProviderFallback creates a [ProviderFallback] with primary as the
// preferred backend.
func NewProviderFallback(primary s2s.Provider, primaryName string, cfg CircuitBreakerConfig) *ProviderFallback {
	return &ProviderFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after the earlier ones.
func (f *ProviderFallback) AddFallback(name string, p s2s.Provider) {
	f.group.AddFallback(name, p)
}

// Names returns the backend names in try order.
func (f *ProviderFallback) Names() []string { return f.group.Names() }

// Breaker returns the circuit breaker guarding the named backend, or nil.
func (f *ProviderFallback) Breaker(name string) *CircuitBreaker { return f.group.Breaker(name) }

// Connect dials the first healthy backend that accepts cfg.
func (f *ProviderFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	sess, name, err := Execute(ctx, f.group, func(ctx context.Context, p s2s.Provider) (s2s.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	if name != f.group.entries[0].name {
		slog.Info("connected to fallback provider", "provider", name)
	}
	return sess, nil
}

// Capabilities reports the primary backend's capabilities. Fallbacks are
// expected to accept the same session configuration.
func (f *ProviderFallback) Capabilities() s2s.Capabilities {
	return f.group.Primary().Capabilities()
}

// Healthy reports an error while every backend's breaker is open, meaning no
// call could be connected right now.
func (f *ProviderFallback) Healthy() error {
	for _, e := range f.group.entries {
		if e.breaker.State() != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("%w: every circuit breaker is open", ErrAllFailed)
}
