package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/evident-proof/evident/internal/notify"
	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type switchProbe struct {
	mu  sync.Mutex
	err error
}

func (p *switchProbe) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *switchProbe) probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *alertRecorder) Notify(_ context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *alertRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.alerts {
		out = append(out, a.Kind)
	}
	return out
}

func grpcStatus(t *testing.T, h *Checker, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := h.GRPCServer().Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("grpc Check(%q): %v", service, err)
	}
	return resp.Status
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheckAll_degradesAfterThreshold(t *testing.T) {
	store := &switchProbe{err: errors.New("connection refused")}
	rpc := &switchProbe{}
	alerts := &alertRecorder{}

	checker := New([]Dependency{
		{Name: "store", Probe: store.probe},
		{Name: "anchoring", Probe: rpc.probe},
	}, Config{ProbeTimeout: time.Second, FailThreshold: 3}, zap.NewNop())
	checker.SetNotifier(alerts)

	for i := 0; i < 2; i++ {
		checker.CheckAll(context.Background())
	}
	if got := grpcStatus(t, checker, "store"); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("below threshold: got %v", got)
	}

	checker.CheckAll(context.Background())
	if got := grpcStatus(t, checker, "store"); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("store: got %v, want NOT_SERVING", got)
	}
	if got := grpcStatus(t, checker, ""); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("overall: got %v, want NOT_SERVING", got)
	}
	if got := grpcStatus(t, checker, "anchoring"); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("anchoring: got %v, want SERVING", got)
	}

	// Further failures do not re-alert.
	checker.CheckAll(context.Background())
	if k := alerts.kinds(); len(k) != 1 || k[0] != "dependency.degraded" {
		t.Errorf("alerts: got %v", k)
	}

	r := checker.Report()
	if r.Status != StatusDegraded {
		t.Errorf("report status: got %q", r.Status)
	}
	if r.Dependencies[1].Name != "store" || r.Dependencies[1].LastError != "connection refused" {
		t.Errorf("unexpected report row %+v", r.Dependencies[1])
	}
}

func TestCheckAll_recoversOnSuccess(t *testing.T) {
	store := &switchProbe{err: errors.New("timeout")}
	alerts := &alertRecorder{}

	checker := New([]Dependency{{Name: "store", Probe: store.probe}},
		Config{ProbeTimeout: time.Second, FailThreshold: 3}, zap.NewNop())
	checker.SetNotifier(alerts)

	var results []bool
	checker.SetMetricsRecord(func(_ string, ok bool) { results = append(results, ok) })

	for i := 0; i < 3; i++ {
		checker.CheckAll(context.Background())
	}
	store.set(nil)
	checker.CheckAll(context.Background())

	if got := grpcStatus(t, checker, ""); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("overall after recovery: got %v", got)
	}
	if r := checker.Report(); r.Status != StatusHealthy {
		t.Errorf("report status: got %q", r.Status)
	}
	k := alerts.kinds()
	if len(k) != 2 || k[1] != "dependency.recovered" {
		t.Errorf("alerts: got %v", k)
	}
	if len(results) != 4 || results[3] != true {
		t.Errorf("metrics: got %v", results)
	}
}

func TestCheckAll_probeTimeout(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	checker := New([]Dependency{{Name: "rpc", Probe: slow}},
		Config{ProbeTimeout: 10 * time.Millisecond, FailThreshold: 1}, zap.NewNop())

	checker.CheckAll(context.Background())
	if got := grpcStatus(t, checker, "rpc"); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("got %v, want NOT_SERVING", got)
	}
}
