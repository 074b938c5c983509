package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shizukutanaka/kadnode/internal/lookup"
	"github.com/shizukutanaka/kadnode/internal/routing"
	"github.com/shizukutanaka/kadnode/internal/storage"
	"github.com/shizukutanaka/kadnode/internal/transport"
)

// NodeSource exposes the counters of a running node.
type NodeSource interface {
	RoutingStats() routing.Stats
	RoutingSize() int
	CachedSize() int
	TransportStats() transport.Stats
	LookupStats() lookup.Stats
	StoreStats() storage.Stats
}

// MetricsConfig defines metrics exporter configuration
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ListenAddr  string `yaml:"listen_addr"`
	MetricsPath string `yaml:"metrics_path"`
	Namespace   string `yaml:"namespace"`
	// GoCollector adds Go runtime and process metrics.
	GoCollector bool `yaml:"go_collector"`
}

// DefaultMetricsConfig returns the exporter defaults. The exporter is served
// by the admin API unless ListenAddr is set.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:     true,
		MetricsPath: "/metrics",
		Namespace:   "kadnode",
		GoCollector: true,
	}
}

// MetricsExporter owns a private registry with the node's metrics.
type MetricsExporter struct {
	logger   *zap.Logger
	config   MetricsConfig
	registry *prometheus.Registry
	server   *http.Server

	lookups        *prometheus.CounterVec
	lookupDuration *prometheus.HistogramVec
	lookupHops     *prometheus.HistogramVec
	lookupQueried  *prometheus.HistogramVec
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	incoming       *prometheus.CounterVec
	bootstraps     *prometheus.CounterVec
}

// NewMetricsExporter creates an exporter and registers the static metrics.
func NewMetricsExporter(logger *zap.Logger, config MetricsConfig) *MetricsExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "kadnode"
	}

	me := &MetricsExporter{
		logger:   logger,
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	me.initializeMetrics()
	return me
}

func (me *MetricsExporter) initializeMetrics() {
	ns := me.config.Namespace

	me.lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "lookup",
		Name:      "total",
		Help:      "Finished lookups by kind and outcome",
	}, []string{"kind", "outcome"})

	me.lookupDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "lookup",
		Name:      "duration_seconds",
		Help:      "Lookup duration",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"kind"})

	me.lookupHops = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "lookup",
		Name:      "hops",
		Help:      "Deepest hop that answered a lookup",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	}, []string{"kind"})

	me.lookupQueried = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "lookup",
		Name:      "queried_nodes",
		Help:      "Nodes queried per lookup",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
	}, []string{"kind"})

	me.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "rpc",
		Name:      "outgoing_total",
		Help:      "Outgoing lookup requests by kind and outcome",
	}, []string{"kind", "outcome"})

	me.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "rpc",
		Name:      "latency_seconds",
		Help:      "Round trip time of answered requests",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"kind"})

	me.incoming = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "rpc",
		Name:      "incoming_total",
		Help:      "Incoming requests by op",
	}, []string{"op"})

	me.bootstraps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "node",
		Name:      "bootstrap_total",
		Help:      "Bootstrap attempts by outcome",
	}, []string{"outcome"})

	me.registry.MustRegister(
		me.lookups,
		me.lookupDuration,
		me.lookupHops,
		me.lookupQueried,
		me.requests,
		me.requestLatency,
		me.incoming,
		me.bootstraps,
	)

	if me.config.GoCollector {
		me.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
}

// BindNode registers gauges and counters that read the node's own stats at
// scrape time. It may be called once per exporter.
func (me *MetricsExporter) BindNode(src NodeSource) error {
	ns := me.config.Namespace
	gauge := func(subsystem, name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: subsystem, Name: name, Help: help,
		}, fn)
	}
	counter := func(subsystem, name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: name, Help: help,
		}, fn)
	}

	cs := []prometheus.Collector{
		gauge("routing", "contacts", "Live contacts in the routing table",
			func() float64 { return float64(src.RoutingSize()) }),
		gauge("routing", "cached_contacts", "Contacts held in replacement caches",
			func() float64 { return float64(src.CachedSize()) }),
		counter("routing", "splits_total", "Bucket splits",
			func() float64 { return float64(src.RoutingStats().Splits) }),
		counter("routing", "evictions_total", "Contacts evicted from the live set",
			func() float64 { return float64(src.RoutingStats().Evictions) }),
		counter("routing", "spoof_checks_total", "Identity verification pings",
			func() float64 { return float64(src.RoutingStats().SpoofChecks) }),
		counter("routing", "spoof_rejected_total", "Address claims rejected after verification",
			func() float64 { return float64(src.RoutingStats().SpoofRejected) }),
		counter("routing", "storm_suppressed_total", "Failures ignored during a failure storm",
			func() float64 { return float64(src.RoutingStats().StormSuppressed) }),
		counter("transport", "sent_total", "Datagrams sent",
			func() float64 { return float64(src.TransportStats().Sent) }),
		counter("transport", "received_total", "Datagrams received",
			func() float64 { return float64(src.TransportStats().Received) }),
		counter("transport", "timeouts_total", "Requests that timed out",
			func() float64 { return float64(src.TransportStats().Timeouts) }),
		counter("transport", "malformed_total", "Datagrams dropped as malformed",
			func() float64 { return float64(src.TransportStats().Malformed) }),
		counter("transport", "rate_limited_total", "Requests dropped by the per-IP limiter",
			func() float64 { return float64(src.TransportStats().RateLimited) }),
		gauge("transport", "pending_requests", "Requests awaiting a reply",
			func() float64 { return float64(src.TransportStats().Pending) }),
		gauge("lookup", "active", "Lookups in progress",
			func() float64 { return float64(src.LookupStats().Active) }),
		gauge("storage", "values", "Values held locally",
			func() float64 { return float64(src.StoreStats().Entries) }),
	}
	for _, c := range cs {
		if err := me.registry.Register(c); err != nil {
			return fmt.Errorf("failed to register node metric: %w", err)
		}
	}
	return nil
}

// ObserveLookup records a finished lookup.
func (me *MetricsExporter) ObserveLookup(kind, outcome string, result lookup.Result) {
	me.lookups.WithLabelValues(kind, outcome).Inc()
	me.lookupDuration.WithLabelValues(kind).Observe(result.Elapsed.Seconds())
	me.lookupQueried.WithLabelValues(kind).Observe(float64(result.Queried))
	if result.Hops > 0 {
		me.lookupHops.WithLabelValues(kind).Observe(float64(result.Hops))
	}
}

// ObserveRequest records the outcome of one outgoing lookup request.
func (me *MetricsExporter) ObserveRequest(kind, outcome string, elapsed time.Duration) {
	me.requests.WithLabelValues(kind, outcome).Inc()
	if outcome == "response" {
		me.requestLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

// RecordIncoming counts an incoming request.
func (me *MetricsExporter) RecordIncoming(op string) {
	me.incoming.WithLabelValues(op).Inc()
}

// RecordBootstrap counts a bootstrap attempt.
func (me *MetricsExporter) RecordBootstrap(outcome string) {
	me.bootstraps.WithLabelValues(outcome).Inc()
}

// Registry returns the private registry.
func (me *MetricsExporter) Registry() *prometheus.Registry {
	return me.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (me *MetricsExporter) Handler() http.Handler {
	return promhttp.HandlerFor(me.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Start serves metrics on a dedicated listener until ctx ends. It returns
// immediately when no ListenAddr is configured.
func (me *MetricsExporter) Start(ctx context.Context) error {
	if !me.config.Enabled || me.config.ListenAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(me.config.MetricsPath, me.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	me.server = &http.Server{
		Addr:              me.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		me.logger.Info("Starting metrics exporter",
			zap.String("address", me.config.ListenAddr),
			zap.String("path", me.config.MetricsPath),
		)
		if err := me.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return me.Stop()
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	}
}

// Stop halts the dedicated listener, if any.
func (me *MetricsExporter) Stop() error {
	if me.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := me.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	me.logger.Info("Metrics exporter stopped")
	return nil
}
