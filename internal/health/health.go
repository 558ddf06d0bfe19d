// Package health serves liveness, readiness and Prometheus metrics over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check reports a dependency problem, or nil when it is healthy.
type Check func() error

// Status represents the readiness state of the process
type Status struct {
	Status        string            `json:"status"` // "healthy", "degraded", "unhealthy"
	Role          string            `json:"role"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// Server is the HTTP health endpoint.
type Server struct {
	role     string
	gatherer prometheus.Gatherer
	started  time.Time

	mu       sync.RWMutex
	critical map[string]Check
	optional map[string]Check

	srv *http.Server
}

// NewServer creates a server exposing metrics from gatherer.
func NewServer(role string, gatherer prometheus.Gatherer) *Server {
	return &Server{
		role:     role,
		gatherer: gatherer,
		started:  time.Now(),
		critical: make(map[string]Check),
		optional: make(map[string]Check),
	}
}

// AddCheck registers a named check. A failing critical check makes the
// process unhealthy, a failing optional one only degraded.
func (s *Server) AddCheck(name string, critical bool, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if critical {
		s.critical[name] = check
	} else {
		s.optional[name] = check
	}
}

// Check returns the current status.
func (s *Server) Check() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		Status:        "healthy",
		Role:          s.role,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Checks:        make(map[string]string),
	}

	run := func(checks map[string]Check, failed string) {
		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := checks[name](); err != nil {
				status.Checks[name] = err.Error()
				if status.Status != "unhealthy" {
					status.Status = failed
				}
				continue
			}
			status.Checks[name] = "ok"
		}
	}
	run(s.optional, "degraded")
	run(s.critical, "unhealthy")

	return status
}

// LivenessHandler handles /health
func (s *Server) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// ReadinessHandler handles /readiness. Degraded is still ready.
func (s *Server) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := s.Check()
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s.srv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server failed", "error", err)
		}
	}()
	return ln.Addr(), nil
}

// Shutdown stops the server if it was started.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
