package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evident-proof/evident/internal/notify"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration `mapstructure:"interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	FailThreshold int           `mapstructure:"fail_threshold"`
}

// Probe checks one dependency. A nil error means reachable.
type Probe func(ctx context.Context) error

// Dependency is a named probe. Name doubles as the gRPC health service name.
type Dependency struct {
	Name  string
	Probe Probe
}

// Status values reported per dependency.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(dependency string, success bool)

// Checker probes dependencies periodically. A dependency is degraded after
// FailThreshold consecutive failures and healthy again after one success.
// The overall gRPC status ("") is SERVING only while nothing is degraded.
type Checker struct {
	deps       []Dependency
	failCounts map[string]int
	lastErr    map[string]string
	mu         sync.Mutex
	cfg        Config
	grpc       *health.Server
	notifier   notify.Notifier
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a Checker. Every dependency starts healthy.
func New(deps []Dependency, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	h := &Checker{
		deps:       deps,
		failCounts: make(map[string]int),
		lastErr:    make(map[string]string),
		cfg:        cfg,
		grpc:       health.NewServer(),
		logger:     logger,
	}
	for _, d := range deps {
		h.grpc.SetServingStatus(d.Name, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return h
}

// SetNotifier configures where degradation and recovery alerts go.
func (h *Checker) SetNotifier(n notify.Notifier) {
	h.notifier = n
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// GRPCServer returns the standard gRPC health service kept in sync with the
// probes.
func (h *Checker) GRPCServer() *health.Server {
	return h.grpc
}

// Start runs the check loop until ctx is done. It checks once immediately.
func (h *Checker) Start(ctx context.Context) {
	h.CheckAll(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			h.grpc.Shutdown()
			return
		}
	}
}

// CheckAll probes every dependency concurrently and applies transitions.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, d := range h.deps {
		wg.Add(1)
		go func(dep Dependency) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := dep.Probe(pctx)
			cancel()
			h.record(ctx, dep.Name, err)
		}(d)
	}
	wg.Wait()
	h.grpc.SetServingStatus("", h.overall())
}

func (h *Checker) record(ctx context.Context, name string, err error) {
	success := err == nil
	if h.onMetrics != nil {
		h.onMetrics(name, success)
	}

	h.mu.Lock()
	prevCount := h.failCounts[name]
	if success {
		h.failCounts[name] = 0
		delete(h.lastErr, name)
	} else {
		h.failCounts[name]++
		h.lastErr[name] = err.Error()
	}
	count := h.failCounts[name]
	h.mu.Unlock()

	switch {
	case success && prevCount >= h.cfg.FailThreshold:
		// degraded → healthy
		h.grpc.SetServingStatus(name, grpc_health_v1.HealthCheckResponse_SERVING)
		h.logger.Info("health: recovered", zap.String("dependency", name))
		h.alert(ctx, notify.Alert{
			Kind:     "dependency.recovered",
			Severity: notify.SeverityInfo,
			Subject:  fmt.Sprintf("%s recovered", name),
			Fields:   map[string]string{"dependency": name},
		})
	case !success && count == h.cfg.FailThreshold:
		// healthy → degraded, exactly at threshold
		h.grpc.SetServingStatus(name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		h.logger.Warn("health: degraded",
			zap.String("dependency", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
		h.alert(ctx, notify.Alert{
			Kind:     "dependency.degraded",
			Severity: notify.SeverityCritical,
			Subject:  fmt.Sprintf("%s unreachable", name),
			Detail:   err.Error(),
			Fields:   map[string]string{"dependency": name, "fail_count": fmt.Sprint(count)},
		})
	}
}

func (h *Checker) alert(ctx context.Context, a notify.Alert) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(ctx, a); err != nil {
		h.logger.Warn("health: alert delivery failed", zap.String("kind", a.Kind), zap.Error(err))
	}
}

func (h *Checker) overall() grpc_health_v1.HealthCheckResponse_ServingStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range h.failCounts {
		if n >= h.cfg.FailThreshold {
			return grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}

// DependencyStatus is one row of a Report.
type DependencyStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	FailCount int    `json:"failCount,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// Report is the JSON body served on /healthz.
type Report struct {
	Status       string             `json:"status"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// Report returns the current state of every dependency.
func (h *Checker) Report() Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := Report{Status: StatusHealthy, Dependencies: make([]DependencyStatus, 0, len(h.deps))}
	for _, d := range h.deps {
		ds := DependencyStatus{
			Name:      d.Name,
			Status:    StatusHealthy,
			FailCount: h.failCounts[d.Name],
			LastError: h.lastErr[d.Name],
		}
		if ds.FailCount >= h.cfg.FailThreshold {
			ds.Status = StatusDegraded
			r.Status = StatusDegraded
		}
		r.Dependencies = append(r.Dependencies, ds)
	}
	sort.Slice(r.Dependencies, func(i, j int) bool { return r.Dependencies[i].Name < r.Dependencies[j].Name })
	return r
}
