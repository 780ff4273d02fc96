package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/telephony"
)

// ErrAtCapacity is returned by [Manager.Serve] when MaxCalls pairs are live.
var ErrAtCapacity = errors.New("bridge: at call capacity")

// ErrShuttingDown is returned by [Manager.Serve] after Shutdown has begun.
var ErrShuttingDown = errors.New("bridge: shutting down")

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithMaxCalls limits the number of concurrent pairs. Zero means unlimited.
func WithMaxCalls(n int) ManagerOption {
	return func(m *Manager) { m.maxCalls = n }
}

// WithManagerMetrics sets the metrics sink passed to every pair.
func WithManagerMetrics(met *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = met }
}

// Manager tracks every live [Pair] for one process. It is safe for
// concurrent use.
type Manager struct {
	provider s2s.Provider
	cfg      Config
	maxCalls int
	metrics  *observe.Metrics

	mu       sync.Mutex
	pairs    map[string]*Pair
	reserved int
	stopping bool
	wg       sync.WaitGroup
}

// NewManager returns a Manager that bridges calls to provider using cfg.
func NewManager(provider s2s.Provider, cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider: provider,
		cfg:      cfg.WithDefaults(),
		pairs:    make(map[string]*Pair),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Count returns the number of live pairs.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pairs)
}

// AtCapacity reports whether a new call would be rejected.
func (m *Manager) AtCapacity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping || m.full()
}

// full reports whether every call slot is taken. Callers hold mu.
func (m *Manager) full() bool {
	return m.maxCalls > 0 && len(m.pairs)+m.reserved >= m.maxCalls
}

// Slot is a call slot claimed by [Manager.Reserve].
type Slot struct {
	m    *Manager
	once sync.Once
}

// Release frees the slot if it was not handed to Serve. Safe to call more
// than once, but not concurrently with the Serve call that consumes it.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.m.mu.Lock()
		s.m.reserved--
		s.m.mu.Unlock()
	})
}

// Reserve claims a call slot before the telephony leg is upgraded, so that
// calls over capacity can be rejected with a plain HTTP error.
func (m *Manager) Reserve() (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return nil, ErrShuttingDown
	}
	if m.full() {
		return nil, ErrAtCapacity
	}
	m.reserved++
	return &Slot{m: m}, nil
}

// Serve runs a pair for leg and blocks until the call ends. A non-nil slot
// from [Manager.Reserve] is converted into the pair's registration; with a
// nil slot capacity is checked here instead.
func (m *Manager) Serve(ctx context.Context, leg telephony.Leg, slot *Slot) error {
	p := NewPair(leg, m.provider, m.cfg, WithMetrics(m.metrics))

	m.mu.Lock()
	reserved := false
	if slot != nil {
		slot.once.Do(func() {
			m.reserved--
			reserved = true
		})
	}
	var err error
	switch {
	case m.stopping:
		err = ErrShuttingDown
	case !reserved && m.full():
		err = ErrAtCapacity
	}
	if err != nil {
		m.mu.Unlock()
		_ = leg.Close(err.Error())
		return err
	}
	m.pairs[p.ID()] = p
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pairs, p.ID())
		m.mu.Unlock()
		m.wg.Done()
	}()

	slog.Debug("bridge pair registered", "pair_id", p.ID())
	return p.Run(ctx)
}

// Shutdown closes every live pair and waits for them to finish or for ctx to
// expire. New calls are rejected once Shutdown has been called.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	live := make([]*Pair, 0, len(m.pairs))
	for _, p := range m.pairs {
		live = append(live, p)
	}
	m.mu.Unlock()

	for _, p := range live {
		p.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge: shutdown: %w", ctx.Err())
	}
}
