// Package health provides liveness and readiness reporting for the worker.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is a component's health. Degraded components still count as ready;
// unhealthy ones do not.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is one checker's report. Name, LastCheck and DurationMS are
// filled in by the manager.
type CheckResult struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	LastCheck  time.Time `json:"last_check"`
	DurationMS int64     `json:"duration_ms"`
}

// Checker reports the health of one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// ManagerConfig holds configuration for the health manager.
type ManagerConfig struct {
	// Timeout bounds each individual check.
	Timeout time.Duration
}

// DefaultManagerConfig returns a ManagerConfig with sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{Timeout: 5 * time.Second}
}

// Manager runs the registered checkers.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	results  map[string]CheckResult
	timeout  time.Duration
	logger   *slog.Logger
}

// NewManager creates a new health manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultManagerConfig().Timeout
	}
	return &Manager{
		results: make(map[string]CheckResult),
		timeout: cfg.Timeout,
		logger:  logger.With("component", "health-manager"),
	}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
	m.logger.Debug("registered health checker", "name", c.Name())
}

// CheckAll runs every checker concurrently, each under the manager timeout.
func (m *Manager) CheckAll(ctx context.Context) map[string]CheckResult {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			start := time.Now()
			r := c.Check(checkCtx)
			r.Name = c.Name()
			r.LastCheck = start
			r.DurationMS = time.Since(start).Milliseconds()
			if r.Status != StatusHealthy {
				m.logger.Debug("health check not healthy", "name", r.Name, "status", r.Status, "error", r.Error)
			}
			results[i] = r
		}()
	}
	wg.Wait()

	out := make(map[string]CheckResult, len(results))
	m.mu.Lock()
	for _, r := range results {
		out[r.Name] = r
		m.results[r.Name] = r
	}
	m.mu.Unlock()
	return out
}

// LastResult returns the last result recorded for a checker.
func (m *Manager) LastResult(name string) (CheckResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[name]
	return r, ok
}

// OverallStatus is the aggregated health report.
type OverallStatus struct {
	Status     Status                 `json:"status"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Overall runs every checker and aggregates the results. Any unhealthy
// component makes the whole report unhealthy.
func (m *Manager) Overall(ctx context.Context) OverallStatus {
	results := m.CheckAll(ctx)
	overall := OverallStatus{Status: StatusHealthy, Components: results, Timestamp: time.Now()}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		switch results[name].Status {
		case StatusUnhealthy:
			overall.Status = StatusUnhealthy
			return overall
		case StatusDegraded:
			if overall.Status == StatusHealthy {
				overall.Status = StatusDegraded
			}
		case StatusUnknown:
			if overall.Status == StatusHealthy {
				overall.Status = StatusUnknown
			}
		}
	}
	return overall
}

// IsReady returns true if no component is unhealthy.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.Overall(ctx).Status != StatusUnhealthy
}

// ServerConfig holds configuration for the health server.
type ServerConfig struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   ":8081",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server exposes /health, /health/live and /health/ready.
type Server struct {
	manager *Manager
	mux     *http.ServeMux
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates a new health server.
func NewServer(manager *Manager, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: manager,
		mux:     http.NewServeMux(),
		logger:  logger.With("component", "health-server"),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/live", s.handleLiveness)
	s.mux.HandleFunc("GET /health/ready", s.handleReadiness)

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handle mounts an extra handler, such as the metrics endpoint, on the
// health listener.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Stop is called. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	s.logger.Info("starting health server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop gracefully stops the health server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping health server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.manager.Overall(r.Context())
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

type probeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// The liveness probe only shows that the process serves HTTP; a failed
// stage worker is reported through readiness.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, probeResponse{Status: "alive", Timestamp: time.Now().UTC()})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.manager.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusServiceUnavailable, probeResponse{Status: "not_ready", Timestamp: time.Now().UTC()})
		return
	}
	s.writeJSON(w, http.StatusOK, probeResponse{Status: "ready", Timestamp: time.Now().UTC()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode health response", "error", err)
	}
}
