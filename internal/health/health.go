// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz reports that the process can serve HTTP; always 200.
//   - /readyz evaluates every registered [Checker] concurrently and returns
//     200 only when all pass.
//
// Responses are JSON objects with a "status" field ("ok" or "fail") and a
// "checks" map holding each checker's outcome.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// maxConcurrentChecks limits how many checkers run at once.
const maxConcurrentChecks = 8

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name labels the check in the JSON response, e.g. "chat_provider".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Configured returns a Checker that fails with err when err is non-nil. It
// is used for dependencies whose readiness is fixed at startup, like a
// provider that could not be built from configuration.
func Configured(name string, err error) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return err }}
}

// ErrCircuitOpen is reported by [Breaker] checkers whose circuit is open.
var ErrCircuitOpen = errors.New("circuit open")

// Breaker returns a Checker that fails while open reports true.
func Breaker(name string, open func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if open() {
			return ErrCircuitOpen
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] for the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe. Each checker gets its own [checkTimeout]
// deadline derived from the request context; one failing checker does not
// cancel the others.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)

	var g errgroup.Group
	g.SetLimit(maxConcurrentChecks)
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
