// Package metrics mounts an optional Prometheus metrics surface on each
// binary, behind --metrics-port. It is the one teacher domain dependency
// (github.com/prometheus/client_golang) carried forward from the teacher
// repository, in its original role of observability.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hqnet/reliagram/lalog"
)

// Registry wraps a dedicated Prometheus registry (rather than the global
// default) so that client, server, and proxy processes never collide on
// metric names when embedded together in tests.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry constructs an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{reg: prometheus.NewRegistry()}
}

// MustRegister registers one or more collectors, panicking on a duplicate or
// inconsistent registration - a programmer error that should fail fast at
// startup, never at request time.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	r.reg.MustRegister(collectors...)
}

// Mount starts an HTTP server exposing /metrics on the given port. Port 0
// disables metrics entirely and Mount returns a nil server. The caller is
// responsible for calling Shutdown on the returned server during cleanup.
func (r *Registry) Mount(port int, logger *lalog.Logger) (*http.Server, error) {
	if port == 0 {
		return nil, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    "127.0.0.1:" + strconv.Itoa(port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warning("metrics", err, "metrics server stopped unexpectedly")
		}
	}()
	logger.Info("metrics", nil, "serving Prometheus metrics on port %d", port)
	return srv, nil
}

// Shutdown gracefully stops a metrics server returned by Mount. It is a
// no-op if srv is nil (metrics were disabled).
func Shutdown(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// ClientMetrics are the counters and histogram mounted by the Client binary.
type ClientMetrics struct {
	Sent          prometheus.Counter
	Acked         prometheus.Counter
	Retransmitted prometheus.Counter
	Failed        prometheus.Counter
	LatencyMS     prometheus.Histogram
}

// NewClientMetrics constructs and registers a ClientMetrics set.
func NewClientMetrics(r *Registry) *ClientMetrics {
	m := &ClientMetrics{
		Sent:          prometheus.NewCounter(prometheus.CounterOpts{Name: "reliagram_client_sent_total", Help: "Total messages sent by the client."}),
		Acked:         prometheus.NewCounter(prometheus.CounterOpts{Name: "reliagram_client_acked_total", Help: "Total messages acknowledged."}),
		Retransmitted: prometheus.NewCounter(prometheus.CounterOpts{Name: "reliagram_client_retransmitted_total", Help: "Total retransmission attempts."}),
		Failed:        prometheus.NewCounter(prometheus.CounterOpts{Name: "reliagram_client_failed_total", Help: "Total messages that exhausted their retry budget."}),
		LatencyMS:     prometheus.NewHistogram(prometheus.HistogramOpts{Name: "reliagram_client_latency_ms", Help: "Observed round-trip latency in milliseconds.", Buckets: prometheus.ExponentialBuckets(1, 2, 12)}),
	}
	r.MustRegister(m.Sent, m.Acked, m.Retransmitted, m.Failed, m.LatencyMS)
	return m
}

// ServerMetrics are the counters and gauge mounted by the Server binary.
type ServerMetrics struct {
	Delivered         prometheus.Counter
	Duplicate         prometheus.Counter
	OutOfOrder        prometheus.Counter
	Acked             prometheus.Counter
	ReorderBufferSize prometheus.Gauge
}

// NewServerMetrics constructs and registers a ServerMetrics set.
func NewServerMetrics(r *Registry) *ServerMetrics {
	m := &ServerMetrics{
		Delivered:         prometheus.NewCounter(prometheus.CounterOpts{Name: "reliagram_server_delivered_total", Help: "Total messages delivered in order."}),
		Duplicate:         prometheus.NewCounter(prometheus.CounterOpts{Name: "reliagram_server_duplicate_total", Help: "Total duplicate arrivals suppressed."}),
		OutOfOrder:        prometheus.NewCounter(prometheus.CounterOpts{Name: "reliagram_server_out_of_order_total", Help: "Total arrivals buffered as out-of-order."}),
		Acked:             prometheus.NewCounter(prometheus.CounterOpts{Name: "reliagram_server_acked_total", Help: "Total acknowledgments sent, including replays."}),
		ReorderBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{Name: "reliagram_server_reorder_buffer_depth", Help: "Current number of entries held in the reorder buffer."}),
	}
	r.MustRegister(m.Delivered, m.Duplicate, m.OutOfOrder, m.Acked, m.ReorderBufferSize)
	return m
}

// ProxyMetrics are the per-direction counters and gauge mounted by the Proxy binary.
type ProxyMetrics struct {
	Forwarded    *prometheus.CounterVec
	Dropped      *prometheus.CounterVec
	Delayed      *prometheus.CounterVec
	PendingQueue *prometheus.GaugeVec
}

// NewProxyMetrics constructs and registers a ProxyMetrics set, labeled by "direction".
func NewProxyMetrics(r *Registry) *ProxyMetrics {
	m := &ProxyMetrics{
		Forwarded:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reliagram_proxy_forwarded_total", Help: "Total datagrams forwarded, by direction."}, []string{"direction"}),
		Dropped:      prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reliagram_proxy_dropped_total", Help: "Total datagrams dropped, by direction."}, []string{"direction"}),
		Delayed:      prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reliagram_proxy_delayed_total", Help: "Total datagrams scheduled for delayed release, by direction."}, []string{"direction"}),
		PendingQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "reliagram_proxy_pending_delayed", Help: "Current length of the delayed-release queue, by direction."}, []string{"direction"}),
	}
	r.MustRegister(m.Forwarded, m.Dropped, m.Delayed, m.PendingQueue)
	return m
}

// DirectionLabel renders the metric label for one of the two traffic directions.
func DirectionLabel(clientToServer bool) string {
	if clientToServer {
		return "client-to-server"
	}
	return "server-to-client"
}
