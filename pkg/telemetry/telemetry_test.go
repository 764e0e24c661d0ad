package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "default", mutate: func(c *Config) {}},
		{name: "production", mutate: func(c *Config) { *c = *ProductionConfig() }},
		{name: "empty service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) { c.Tracing.Exporter = "jaeger" }, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "debug").
		NewComponentLogger("broker").
		WithOperation("create", "ComputeVM").
		WithResourceID("res-1").
		WithEnvironmentID("env-1")

	logger.Info("step")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	want := map[string]string{
		"component":      "broker",
		"operation":      "create",
		"resource_type":  "ComputeVM",
		"resource_id":    "res-1",
		"environment_id": "env-1",
		"message":        "step",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("field %s = %v, want %s", k, entry[k], v)
		}
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "info").WithField("k", "v")
	ctx := logger.WithContext(context.Background())

	FromContext(ctx).Debug("hidden")
	FromContext(ctx).Info("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug line should be filtered at info level")
	}
	if !strings.Contains(out, `"k":"v"`) {
		t.Errorf("context logger lost fields: %s", out)
	}
}

func TestZerologKeepsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "info").NewComponentLogger("monitor")

	logger.Zerolog().Info().Str("action", "suspend").Msg("corrected")
	logger.Zerolog().Debug().Msg("hidden")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one JSON line: %v (%s)", err, buf.String())
	}
	if entry["component"] != "monitor" || entry["action"] != "suspend" || entry["message"] != "corrected" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test", Path: "/metrics"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordContinuationStep("create", "ComputeVM", "InProgress", 10*time.Millisecond)
	m.RecordContinuationStep("create", "ComputeVM", "InProgress", 10*time.Millisecond)
	m.RecordMonitorCheck("Provisioning", "Failed")
	m.RecordError("transient", "")

	if got := testutil.ToFloat64(m.continuationSteps.WithLabelValues("create", "ComputeVM", "InProgress")); got != 2 {
		t.Errorf("continuation steps = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.monitorChecks.WithLabelValues("Provisioning", "Failed")); got != 1 {
		t.Errorf("monitor checks = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.errorsByCode); got != 0 {
		t.Errorf("empty error code should not be recorded, got %d series", got)
	}
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordContinuationStep("create", "OSDisk", "Succeeded", time.Second)
	m.RecordJob("q", "completed")

	var nilMetrics *Metrics
	nilMetrics.RecordTaskUnit("sweep", "ok")

	if m.Registry() != nil {
		t.Error("disabled metrics should not expose a registry")
	}
}

func TestEventPublisherSynchronous(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	received := make(chan Event, 4)
	ep.Subscribe(func(e Event) { received <- e }, FilterByType(EventTypeMonitorCorrected))

	if err := ep.PublishEnvironmentChanged("env-1", "Available", "ShuttingDown", ""); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := ep.PublishMonitorCorrected("env-1", "Provisioning", "Fail"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case e := <-received:
		if e.Type != EventTypeMonitorCorrected || e.EnvironmentID != "env-1" || e.ID == "" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}

	select {
	case e := <-received:
		t.Errorf("filtered event delivered: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNilPublisherIsNoop(t *testing.T) {
	var ep *EventPublisher
	if err := ep.PublishNoCapacity("westus", "quota"); err != nil {
		t.Errorf("nil publisher should not fail: %v", err)
	}
}

func TestStepContext(t *testing.T) {
	var buf bytes.Buffer
	tel := NewNopTelemetry()
	tel.Logger = NewWriterLogger(&buf, "debug")
	ctx := tel.WithContext(context.Background())

	step := StartStep(ctx, "delete", "OSDisk", "disk-1")
	FromContext(step.Ctx).Info("inside")
	step.End("Failed", errors.New("boom"))

	out := buf.String()
	for _, want := range []string{`"resource_id":"disk-1"`, `"operation":"delete"`, `"status":"Failed"`, "boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestRecordProviderOperation(t *testing.T) {
	tel := NewNopTelemetry()
	var err error
	tel.Metrics, err = NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	ctx := tel.WithContext(context.Background())

	wantErr := errors.New("throttled")
	got := RecordProviderOperation(ctx, "azure-compute", "begin_create", func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(got, wantErr) {
		t.Fatalf("error = %v, want %v", got, wantErr)
	}
	if n := testutil.ToFloat64(tel.Metrics.providerErrors.WithLabelValues("azure-compute", "begin_create")); n != 1 {
		t.Errorf("provider errors = %v, want 1", n)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 8})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	var (
		mu  sync.Mutex
		got []string
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.ResourceID)
		mu.Unlock()
	}, nil)

	for _, id := range []string{"r1", "r2", "r3"} {
		if err := ep.PublishResourceDeleted(id, "OSDisk"); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Errorf("delivered %d events, want 3", len(got))
	}
	if err := ep.PublishResourceDeleted("r4", "OSDisk"); err == nil {
		t.Error("publishing after shutdown should fail")
	}
}

func TestLogEvents(t *testing.T) {
	var buf bytes.Buffer
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})
	ep.Subscribe(LogEvents(NewWriterLogger(&buf, "info")), FilterByLevel(EventLevelWarning))

	_ = ep.PublishEnvironmentChanged("env-1", "Starting", "Available", "")
	_ = ep.PublishMonitorCorrected("env-1", "Starting", "ForceSuspend")

	out := buf.String()
	if strings.Contains(out, EventTypeEnvironmentChanged) {
		t.Errorf("info event should be filtered: %s", out)
	}
	for _, want := range []string{`"level":"warn"`, `"event_type":"monitor.corrected"`, `"action":"ForceSuspend"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}
