// Package health serves the liveness and readiness probes of the monitor
// server.
//
//   - /healthz reports whether the process is alive. It fails once the
//     pipeline has terminated, so a supervisor can restart the device.
//   - /readyz runs every registered [Checker] and only passes when all of
//     them do.
//
// Responses are JSON objects with a "status" field ("ok" or "fail") and a
// "checks" map holding the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const checkTimeout = 2 * time.Second

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz.
type Handler struct {
	alive    func() error
	checkers []Checker
}

// New creates a [Handler]. alive backs /healthz; nil means always alive.
func New(alive func() error, checkers ...Checker) *Handler {
	return &Handler{alive: alive, checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	if h.alive != nil {
		if err := h.alive(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, result{
				Status: "fail",
				Checks: map[string]string{"pipeline": "fail: " + err.Error()},
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each bounded by checkTimeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		failed bool
	)
	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res, status := result{Status: "ok", Checks: checks}, http.StatusOK
	if failed {
		res.Status, status = "fail", http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Pipeline is the subset of the orchestrator the stock checkers inspect.
type Pipeline interface {
	Running() int
	Done() <-chan struct{}
}

// PipelineAlive returns a liveness func that fails once p has terminated.
func PipelineAlive(p Pipeline) func() error {
	return func() error {
		select {
		case <-p.Done():
			return fmt.Errorf("pipeline terminated")
		default:
			return nil
		}
	}
}

// PipelineRunning reports ready while at least want node workers are live.
func PipelineRunning(p Pipeline, want int) Checker {
	return Checker{
		Name: "pipeline",
		Check: func(context.Context) error {
			if n := p.Running(); n < want {
				return fmt.Errorf("%d of %d nodes running", n, want)
			}
			return nil
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
