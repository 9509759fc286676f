package shopquery

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestNewPrometheusMetrics tests creating Prometheus metrics
func TestNewPrometheusMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	if metrics.GetRegistry() != registry {
		t.Error("registry not set correctly")
	}
	if len(metrics.counters) == 0 || len(metrics.gauges) == 0 || len(metrics.histograms) == 0 {
		t.Error("expected default metrics to be registered")
	}

	if NewPrometheusMetrics(nil).GetRegistry() == nil {
		t.Error("expected a fresh registry when none is given")
	}
}

func TestPrometheusMetricsIncrement(t *testing.T) {
	metrics := NewPrometheusMetrics(nil)

	metrics.Increment(MetricBackendOps, "operation", "get_user", "backend", "memory")
	metrics.Increment(MetricBackendOps, "operation", "get_user", "backend", "memory")
	metrics.Increment(MetricBackendOps, "operation", "orders_of_user", "backend", "redis")

	counter := metrics.counters[MetricBackendOps]
	if got := testutil.ToFloat64(counter.WithLabelValues("get_user", "memory")); got != 2 {
		t.Errorf("get_user counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(counter.WithLabelValues("orders_of_user", "redis")); got != 1 {
		t.Errorf("orders_of_user counter = %v, want 1", got)
	}
}

func TestPrometheusMetricsGauge(t *testing.T) {
	metrics := NewPrometheusMetrics(nil)

	metrics.Gauge(MetricCircuitState, 2, "backend", "postgres")
	metrics.Gauge(MetricCircuitState, 1, "backend", "postgres")

	if got := testutil.ToFloat64(metrics.gauges[MetricCircuitState].WithLabelValues("postgres")); got != 1 {
		t.Errorf("circuit gauge = %v, want 1", got)
	}
}

func TestPrometheusMetricsHistogram(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	metrics.Timing(MetricQueryDuration, 20*time.Millisecond, "operation", "products_by_user", "strategy", "scan")
	metrics.Histogram(MetricQueryResults, 3, "operation", "products_by_user", "strategy", "scan")

	if n := testutil.CollectAndCount(metrics.histograms[MetricQueryDuration]); n != 1 {
		t.Errorf("expected one duration series, got %d", n)
	}
	if n := testutil.CollectAndCount(metrics.histograms[MetricQueryResults]); n != 1 {
		t.Errorf("expected one results series, got %d", n)
	}
}

func TestPrometheusMetricsDynamic(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	metrics.Increment("shopquery.import.users", "backend", "sqlite")
	metrics.Increment("shopquery.import.users", "backend", "sqlite")

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	found := false
	for _, mf := range families {
		if strings.HasSuffix(mf.GetName(), "shopquery_import_users") {
			found = true
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 2 {
				t.Errorf("dynamic counter = %v, want 2", v)
			}
		}
	}
	if !found {
		t.Error("expected the dynamic counter to be registered")
	}
}

func TestSanitizeMetricName(t *testing.T) {
	tests := map[string]string{
		"shopquery.query.errors": "shopquery_query_errors",
		"already_valid":          "already_valid",
		"with-dash:colon":        "with_dash:colon",
	}
	for in, want := range tests {
		if got := sanitizeMetricName(in); got != want {
			t.Errorf("sanitizeMetricName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrometheusMetricsThroughService(t *testing.T) {
	metrics := NewPrometheusMetrics(nil)
	svc, err := NewQueryServiceWithObservability(newShopMemoryAdapter(t, true), DefaultQueryConfig(), nil, metrics)
	if err != nil {
		t.Fatalf("NewQueryServiceWithObservability failed: %v", err)
	}
	defer svc.Close()

	if _, err := svc.ProductsByUser(context.Background(), "1"); err != nil {
		t.Fatalf("ProductsByUser failed: %v", err)
	}

	counter := metrics.counters[MetricQuerySuccess]
	if got := testutil.ToFloat64(counter.WithLabelValues(OpProductsByUser, string(svc.Strategy()))); got != 1 {
		t.Errorf("success counter = %v, want 1", got)
	}
}
