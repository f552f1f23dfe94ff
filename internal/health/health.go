// Package health serves liveness and readiness probes next to /metrics.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body returned by health endpoints.
type Response struct {
	Status     Status           `json:"status"`
	Components []ComponentCheck `json:"components,omitempty"`
	Timestamp  string           `json:"timestamp"`
}

// CheckFunc returns nil if the component is healthy, or an error describing the issue.
type CheckFunc func() error

// Checker runs named readiness checks.
type Checker struct {
	mu       sync.RWMutex
	checks   map[string]CheckFunc
	stopping atomic.Bool
}

// New creates a Checker with no checks.
func New() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Register adds or replaces a readiness check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetShuttingDown makes both probes fail from now on.
func (c *Checker) SetShuttingDown() {
	c.stopping.Store(true)
}

// Run evaluates every check, in name order.
func (c *Checker) Run() Response {
	resp := Response{Status: StatusUp, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if c.stopping.Load() {
		resp.Status = StatusDown
		resp.Components = []ComponentCheck{{Name: "process", Status: StatusDown, Message: "shutting down"}}
		return resp
	}

	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for n := range c.checks {
		names = append(names, n)
	}
	checks := make([]CheckFunc, len(names))
	sort.Strings(names)
	for i, n := range names {
		checks[i] = c.checks[n]
	}
	c.mu.RUnlock()

	for i, check := range checks {
		cc := ComponentCheck{Name: names[i], Status: StatusUp}
		if err := check(); err != nil {
			cc.Status = StatusDown
			cc.Message = err.Error()
			resp.Status = StatusDown
		}
		resp.Components = append(resp.Components, cc)
	}
	return resp
}

// LiveHandler reports whether the process is running and not shutting down.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := Response{Status: StatusUp, Timestamp: time.Now().UTC().Format(time.RFC3339)}
		if c.stopping.Load() {
			resp = c.Run()
		}
		writeJSON(w, resp)
	}
}

// ReadyHandler runs all checks; any failure yields 503.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, c.Run())
	}
}

// Mount adds /live and /ready to mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.Handle("/live", c.LiveHandler())
	mux.Handle("/ready", c.ReadyHandler())
}

func writeJSON(w http.ResponseWriter, resp Response) {
	code := http.StatusOK
	if resp.Status == StatusDown {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
