// Package health tracks server readiness and serves the liveness and
// readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// DefaultPingTimeout bounds each dependency check during a readiness probe.
const DefaultPingTimeout = 2 * time.Second

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker tracks the readiness state of the server and the dependencies
// that must answer before it reports ready. It is safe for concurrent use.
type Checker struct {
	state atomic.Int32

	mu          sync.RWMutex
	deps        map[string]Pinger
	pingTimeout time.Duration
}

// NewChecker creates a Checker in the starting state.
func NewChecker() *Checker {
	return &Checker{
		deps:        make(map[string]Pinger),
		pingTimeout: DefaultPingTimeout,
	}
}

// AddDependency registers a named dependency checked by the readiness probe.
func (c *Checker) AddDependency(name string, p Pinger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps[name] = p
}

// SetReady transitions to the ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady reports whether the state is ready. It does not ping dependencies.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state name.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// Check pings every dependency and returns the failures keyed by name.
func (c *Checker) Check(ctx context.Context) map[string]string {
	c.mu.RLock()
	deps := make(map[string]Pinger, len(c.deps))
	for k, v := range c.deps {
		deps[k] = v
	}
	timeout := c.pingTimeout
	c.mu.RUnlock()

	failures := make(map[string]string)
	for name, p := range deps {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			slog.Warn("readiness dependency failed", "dependency", name, "error", err)
			failures[name] = err.Error()
		}
	}
	return failures
}

type healthResponse struct {
	Status string            `json:"status"`
	Failed map[string]string `json:"failed,omitempty"`
}

// LivenessHandler always responds 200 OK. Mount it at /healthz.
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler responds 200 when ready and every dependency answers,
// and 503 otherwise. Mount it at /readyz.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: c.State()})
			return
		}
		if failed := c.Check(r.Context()); len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Failed: failed})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: c.State()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
