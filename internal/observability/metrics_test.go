package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestSimCollectorRecordsSteps(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	collector.ObserveStep(200*time.Microsecond, 0.001)
	collector.ObserveStep(300*time.Microsecond, 0.002)
	collector.IncOverruns()
	collector.IncFactorization("full")
	collector.IncFactorization("partial")
	collector.IncFactorization("partial")
	collector.AddFrames("out", 2)
	collector.AddFrames("dropped", 0)

	if got := testutil.ToFloat64(collector.StepsTotal); got != 2 {
		t.Fatalf("gridsim_steps_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.SimulationTime); got != 0.002 {
		t.Fatalf("gridsim_simulation_time_seconds = %v, want 0.002", got)
	}
	if got := testutil.ToFloat64(collector.OverrunsTotal); got != 1 {
		t.Fatalf("gridsim_step_overruns_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Factorizations.WithLabelValues("partial")); got != 2 {
		t.Fatalf("partial factorizations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Frames.WithLabelValues("out")); got != 2 {
		t.Fatalf("out frames = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(collector.Frames); got != 1 {
		t.Fatalf("frame series = %d, want 1 (zero adds create no series)", got)
	}
	if count := histogramSampleCount(t, reg, "gridsim_step_duration_seconds", nil); count != 2 {
		t.Fatalf("gridsim_step_duration_seconds sample_count = %d, want 2", count)
	}
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var sim *SimCollector
	sim.ObserveStep(time.Millisecond, 1)
	sim.IncOverruns()
	sim.IncFactorization("full")
	sim.AddFrames("in", 1)

	var sched *SchedulerCollector
	sched.ObserveTask("solve", time.Millisecond)
	sched.SetSchedule(1, 1, 1)
	if sched.Gatherer() != nil {
		t.Fatalf("nil scheduler collector returned a gatherer")
	}
}

func TestRegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("first NewSimCollector: %v", err)
	}
	second, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("second NewSimCollector: %v", err)
	}
	first.ObserveStep(time.Millisecond, 0.5)
	if got := testutil.ToFloat64(second.StepsTotal); got != 1 {
		t.Fatalf("second collector steps = %v, want shared counter value 1", got)
	}
}

func TestSchedulerCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	collector.SetSchedule(7, 3, 4)
	collector.ObserveTask("pre-step", 5*time.Microsecond)

	if got := testutil.ToFloat64(collector.Levels); got != 3 {
		t.Fatalf("gridsim_schedule_levels = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.Tasks); got != 7 {
		t.Fatalf("gridsim_schedule_tasks = %v, want 7", got)
	}
	if count := histogramSampleCount(t, collector.Gatherer(), "gridsim_task_duration_seconds", map[string]string{"phase": "pre-step"}); count != 1 {
		t.Fatalf("task duration sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}
	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("gridsim_rpc_requests_total OK = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("gridsim_rpc_requests_total NotFound = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "gridsim_rpc_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 2 {
		t.Fatalf("gridsim_rpc_duration_seconds sample_count = %d, want 2", count)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"":                             {"unknown", "unknown"},
		"/grpc.health.v1.Health/Check": {"Health", "Check"},
		"Health/Watch":                 {"Health", "Watch"},
		"nomethod":                     {"unknown", "unknown"},
	}
	for in, want := range cases {
		svc, m := SplitMethod(in)
		if svc != want[0] || m != want[1] {
			t.Fatalf("SplitMethod(%q) = %q, %q; want %q, %q", in, svc, m, want[0], want[1])
		}
	}
}

func TestMetricsHandlerExposesSimulationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	collector.ObserveStep(time.Millisecond, 0.25)
	collector.IncFactorization("full")
	collector.AddFrames("in", 3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"gridsim_steps_total 1",
		"gridsim_simulation_time_seconds 0.25",
		`gridsim_factorizations_total{kind="full"} 1`,
		`gridsim_frames_total{direction="in"} 3`,
		"gridsim_step_duration_seconds_count 1",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("GRIDSIM_TRACING_ENABLED", "TRUE")
	t.Setenv("GRIDSIM_TRACING_EXPORTER", "OTLP")
	t.Setenv("GRIDSIM_TRACING_SAMPLE_RATIO", "0.5")
	t.Setenv("GRIDSIM_TRACING_SERVICE_NAME", "")
	t.Setenv("GRIDSIM_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.SampleRatio != 0.5 {
		t.Fatalf("unexpected tracing config %+v", cfg)
	}
	if cfg.ServiceName != "gridsim" || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected tracing identity %+v", cfg)
	}

	merged := cfg.ApplyOverrides(false, "stdout", "", 2)
	if merged.Exporter != "stdout" || merged.SampleRatio != 0.5 || merged.Endpoint != "collector:4317" {
		t.Fatalf("ApplyOverrides = %+v", merged)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := TracingConfig{
		Enabled:     true,
		Exporter:    "STDOUT",
		SampleRatio: 1,
		Output:      &buf,
		Attributes:  map[string]string{"gridsim.simulation": "feeder"},
	}
	shutdown, err := InitTracing(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	_, span := Tracer("simulation").Start(context.Background(), "simulation.Step")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	for _, want := range []string{`"Name":"simulation.Step"`, "gridsim.simulation", "feeder"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("exported spans missing %q:\n%s", want, buf.String())
		}
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil)
	if err == nil || !strings.Contains(err.Error(), "zipkin") {
		t.Fatalf("InitTracing error = %v, want unsupported exporter", err)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
