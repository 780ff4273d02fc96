// Package health serves the liveness and readiness probes of the bridge.
//
//   - GET /        plain-text "OK" for telephony providers and load balancers
//     that only probe the root.
//   - GET /healthz liveness; 200 while the process can serve HTTP.
//   - GET /readyz  readiness; 200 only while the server is not draining and
//     every registered [Checker] passes.
//
// /healthz and /readyz answer with {"status": "ok"|"fail", "checks": {...}}.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrUnavailable is reported by [Capacity] when no new call can be accepted.
var ErrUnavailable = errors.New("not accepting calls")

// ErrDraining is reported by /readyz after [Handler.SetDraining].
var ErrDraining = errors.New("draining")

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	// Name keys the result in the "checks" map (e.g. "capacity", "provider").
	Name string

	// Check must respect context cancellation.
	Check func(ctx context.Context) error
}

// Capacity returns a checker that fails while full reports true.
func Capacity(full func() bool) Checker {
	return Checker{
		Name: "capacity",
		Check: func(context.Context) error {
			if full() {
				return ErrUnavailable
			}
			return nil
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New creates a [Handler] that runs checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// SetDraining marks the server as shutting down. /readyz fails from then on
// so load balancers stop routing new calls here while live ones finish.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Root answers the bare "/" probe.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Healthz always returns 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each under a [checkTimeout]
// deadline derived from the request, and returns 503 if any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers)+1)
		failed bool
	)
	report := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			checks[name] = "fail: " + err.Error()
			failed = true
			return
		}
		checks[name] = "ok"
	}

	if h.draining.Load() {
		report("shutdown", ErrDraining)
	}

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			report(c.Name, c.Check(ctx))
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if failed {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Root)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
