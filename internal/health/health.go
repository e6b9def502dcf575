// Package health aggregates component probes into one readiness
// verdict served over HTTP next to the metrics endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chagge/kge-server/internal/metrics"
)

// Status grades a component or the whole system.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is one checker's verdict.
type ComponentHealth struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SystemHealth is the aggregate answer served to callers.
type SystemHealth struct {
	Status     Status                      `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	UptimeSecs float64                     `json:"uptime_seconds"`
	Goroutines int                         `json:"goroutines"`
	HeapBytes  uint64                      `json:"heap_bytes"`
	Components map[string]*ComponentHealth `json:"components"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) *ComponentHealth
}

// Manager fans a readiness request out to the registered checkers.
type Manager struct {
	mu       sync.RWMutex
	start    time.Time
	checkers []Checker
	log      zerolog.Logger
}

// NewManager starts with no checkers registered.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		start: time.Now(),
		log:   logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a checker. Duplicate names are not rejected; the one
// registered last wins in the report.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
	m.log.Debug().Str("checker", c.Name()).Msg("health checker registered")
}

// Check runs every checker and folds the worst grade into the overall
// status.
func (m *Manager) Check(ctx context.Context) *SystemHealth {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	out := &SystemHealth{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		UptimeSecs: time.Since(m.start).Seconds(),
		Goroutines: runtime.NumGoroutine(),
		HeapBytes:  ms.HeapAlloc,
		Components: make(map[string]*ComponentHealth, len(checkers)),
	}

	for _, c := range checkers {
		started := time.Now()
		h := c.Check(ctx)
		metrics.HealthCheckDurationSeconds.WithLabelValues(c.Name()).
			Observe(time.Since(started).Seconds())
		metrics.HealthCheckStatus.WithLabelValues(c.Name()).Set(statusValue(h.Status))

		out.Components[c.Name()] = h
		switch {
		case h.Status == StatusUnhealthy:
			out.Status = StatusUnhealthy
		case h.Status == StatusDegraded && out.Status == StatusHealthy:
			out.Status = StatusDegraded
		}
	}
	return out
}

func statusValue(s Status) float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	}
	return 0
}

// Handler serves the aggregate verdict as JSON. Unhealthy answers 503
// so load balancers stop routing here.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			http.Error(w, "failed to encode health response", http.StatusInternalServerError)
		}
	})
}

// LivenessHandler answers 200 unconditionally; it only proves the
// process still serves HTTP.
func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
}

// ProbeChecker adapts a probe function: nil error grades healthy,
// anything else unhealthy with the error as message.
func ProbeChecker(name string, probe func(ctx context.Context) error) Checker {
	return &probeChecker{name: name, probe: probe}
}

type probeChecker struct {
	name  string
	probe func(ctx context.Context) error
}

func (p *probeChecker) Name() string { return p.name }

func (p *probeChecker) Check(ctx context.Context) *ComponentHealth {
	h := &ComponentHealth{Name: p.name, Status: StatusHealthy, LastChecked: time.Now()}
	if err := p.probe(ctx); err != nil {
		h.Status = StatusUnhealthy
		h.Message = err.Error()
	}
	return h
}

// PathChecker verifies a data directory exists and is writable. A
// missing directory grades unhealthy, a read-only one degraded.
func PathChecker(name, path string) Checker {
	return &pathChecker{name: name, path: path}
}

type pathChecker struct {
	name string
	path string
}

func (p *pathChecker) Name() string { return p.name }

func (p *pathChecker) Check(_ context.Context) *ComponentHealth {
	h := &ComponentHealth{
		Name:        p.name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		Metadata:    map[string]any{"path": p.path},
	}

	info, err := os.Stat(p.path)
	if err != nil {
		h.Status = StatusUnhealthy
		h.Message = err.Error()
		return h
	}
	if !info.IsDir() {
		h.Status = StatusUnhealthy
		h.Message = p.path + " is not a directory"
		return h
	}

	probe, err := os.CreateTemp(p.path, ".healthcheck-*")
	if err != nil {
		h.Status = StatusDegraded
		h.Message = "directory is not writable: " + err.Error()
		return h
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return h
}
