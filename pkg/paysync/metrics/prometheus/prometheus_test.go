package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestPrometheusMetrics_NewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPrometheusMetrics_RecordEventProcessed(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordEventProcessed("paddle", "subscription.created", "succeeded")
	metrics.RecordEventProcessed("paddle", "subscription.created", "succeeded")
	metrics.RecordEventProcessed("revenuecat", "RENEWAL", "retry")

	family := findMetric(t, reg, "test_events_processed_total")
	if family == nil {
		t.Fatal("Expected events processed metric")
	}
	if len(family.GetMetric()) != 2 {
		t.Errorf("Expected 2 label combinations, got %d", len(family.GetMetric()))
	}
	for _, m := range family.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "source" && l.GetValue() == "paddle" && m.GetCounter().GetValue() != 2 {
				t.Errorf("Expected paddle counter 2, got %v", m.GetCounter().GetValue())
			}
		}
	}
}

func TestPrometheusMetrics_RecordProcessingDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordProcessingDuration("paddle", "subscription.created", 25*time.Millisecond)

	family := findMetric(t, reg, "test_event_processing_duration_seconds")
	if family == nil {
		t.Fatal("Expected processing duration metric")
	}
	if got := family.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("Expected 1 sample, got %d", got)
	}
}

func TestPrometheusMetrics_Sweep(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordSweep(5, 3)
	metrics.RecordSweep(2, 2)

	found := findMetric(t, reg, "test_sweep_rows_found_total")
	recovered := findMetric(t, reg, "test_sweep_rows_recovered_total")
	if found == nil || recovered == nil {
		t.Fatal("Expected sweep metrics")
	}
	if v := found.GetMetric()[0].GetCounter().GetValue(); v != 7 {
		t.Errorf("Expected 7 found, got %v", v)
	}
	if v := recovered.GetMetric()[0].GetCounter().GetValue(); v != 5 {
		t.Errorf("Expected 5 recovered, got %v", v)
	}
}

func TestPrometheusMetrics_QueueDepthAndBreaker(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordQueueDepth(12)
	metrics.RecordQueueDepth(4)
	metrics.RecordCircuitBreakerStateChange(paysync.StateOpen)
	metrics.RecordEntitlementTransition("none", "active")
	metrics.RecordStaleEvent("paddle", "subscription.canceled")

	depth := findMetric(t, reg, "test_dispatch_queue_depth")
	if depth == nil {
		t.Fatal("Expected queue depth metric")
	}
	if v := depth.GetMetric()[0].GetGauge().GetValue(); v != 4 {
		t.Errorf("Expected depth 4, got %v", v)
	}
	for _, name := range []string{
		"test_circuit_breaker_state_changes_total",
		"test_entitlement_transitions_total",
		"test_stale_events_total",
	} {
		if findMetric(t, reg, name) == nil {
			t.Errorf("Expected metric %s", name)
		}
	}
}
