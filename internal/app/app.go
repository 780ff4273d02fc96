// Package app wires the callbridge subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New builds the call manager and the
// route table, Run serves HTTP until the context ends, and Shutdown stops
// accepting calls, drains the live ones, and closes the listener.
//
// For testing, serve [App.Handler] from an httptest server and inject metrics
// via [WithMetrics].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/telephony"
)

// streamReadLimit caps a single inbound media-stream message.
const streamReadLimit = 1 << 16

// healthReporter is implemented by providers that know whether a dial could
// currently succeed, such as a circuit-breaker chain.
type healthReporter interface {
	Healthy() error
}

// App owns the HTTP server and every bridged call.
type App struct {
	cfg      *config.Config
	provider s2s.Provider
	manager  *bridge.Manager
	metrics  *observe.Metrics
	health   *health.Handler

	metricsHandler http.Handler
	handler        http.Handler
	server         *http.Server

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects the metrics sink used by the HTTP middleware and every
// call. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler, normally with
// [observe.Telemetry.Handler]. Defaults to the Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// New creates an App that bridges calls to provider. cfg must already be
// validated.
func New(cfg *config.Config, provider s2s.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: provider is required")
	}
	a := &App{cfg: cfg, provider: provider}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	settings := cfg.BridgeSettings().WithDefaults()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("app: bridge settings: %w", err)
	}
	a.manager = bridge.NewManager(provider, settings,
		bridge.WithMaxCalls(cfg.Server.MaxCalls),
		bridge.WithManagerMetrics(a.metrics),
	)

	mux := http.NewServeMux()
	checkers := []health.Checker{health.Capacity(a.manager.AtCapacity)}
	if hc, ok := provider.(healthReporter); ok {
		checkers = append(checkers, health.Checker{
			Name:  "provider",
			Check: func(context.Context) error { return hc.Healthy() },
		})
	}
	a.health = health.New(checkers...)
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	mux.HandleFunc("GET "+cfg.Server.StreamPath, a.handleStream)
	a.handler = observe.Middleware(a.metrics)(mux)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Handler returns the root HTTP handler with all routes and middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Manager returns the call manager.
func (a *App) Manager() *bridge.Manager { return a.manager }

// handleStream upgrades a telephony media stream and bridges it until the
// call ends.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	slot, err := a.manager.Reserve()
	if err != nil {
		log.Warn("rejecting call", "err", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	leg, err := telephony.Accept(w, r, telephony.AcceptOptions{
		Subprotocol:        a.cfg.Server.Subprotocol,
		RequireSubprotocol: a.cfg.Server.RequireSubprotocol,
		ReadLimit:          streamReadLimit,
	})
	if err != nil {
		slot.Release()
		log.Warn("telephony upgrade failed", "err", err, "remote_addr", r.RemoteAddr)
		return
	}

	log.Info("telephony stream connected",
		"remote_addr", r.RemoteAddr,
		"subprotocol", leg.Subprotocol(),
	)
	if err := a.manager.Serve(r.Context(), leg, slot); err != nil {
		log.Warn("call ended with error", "err", err)
	}
}

// Run serves HTTP until ctx is cancelled or the listener fails. It returns
// nil on cancellation; call [App.Shutdown] afterwards to drain calls.
func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}()

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"stream_path", a.cfg.Server.StreamPath,
		"provider", a.cfg.Providers.S2S.Name,
	)

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops accepting new connections, closes every live call, and
// waits for both to finish. It respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "live_calls", a.manager.Count())
		a.health.SetDraining(true)

		// Hijacked WebSocket connections are not tracked by http.Server, so the
		// manager has to close them.
		var errs []error
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		shutdownErr = errors.Join(errs...)
		if shutdownErr != nil {
			slog.Warn("shutdown incomplete", "err", shutdownErr)
			return
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
