package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestClientMetricsRegisterAndIncrement(t *testing.T) {
	r := NewRegistry()
	m := NewClientMetrics(r)
	m.Sent.Inc()
	m.Acked.Inc()
	if got := testutil.ToFloat64(m.Sent); got != 1 {
		t.Fatalf("expected 1 sent, got %v", got)
	}
}

func TestServerMetricsGauge(t *testing.T) {
	r := NewRegistry()
	m := NewServerMetrics(r)
	m.ReorderBufferSize.Set(3)
	if got := testutil.ToFloat64(m.ReorderBufferSize); got != 3 {
		t.Fatalf("expected gauge 3, got %v", got)
	}
}

func TestProxyMetricsLabeled(t *testing.T) {
	r := NewRegistry()
	m := NewProxyMetrics(r)
	m.Forwarded.WithLabelValues(DirectionLabel(true)).Inc()
	m.Dropped.WithLabelValues(DirectionLabel(false)).Inc()
	if got := testutil.ToFloat64(m.Forwarded.WithLabelValues("client-to-server")); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}

func TestMountDisabledWithZeroPort(t *testing.T) {
	r := NewRegistry()
	srv, err := r.Mount(0, nil)
	if err != nil || srv != nil {
		t.Fatalf("expected nil server and nil error, got %v %v", srv, err)
	}
	Shutdown(srv)
}
