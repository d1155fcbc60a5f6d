package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string

	// Prometheus configuration
	MetricsPath string // HTTP path for metrics endpoint (default: /metrics)
	ListenAddr  string // Address for the metrics server (default: 127.0.0.1:9090)

	// Metric options
	Namespace        string    // Prometheus namespace (default: xfer)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Transfer latency buckets in seconds

	// Labels to add to all metrics
	ConstLabels prometheus.Labels
}

// Upgrade outcomes reported through RecordUpgrade
const (
	UpgradeSwitched = "switched"
	UpgradeRefused  = "refused"
	UpgradeRejected = "rejected"
	UpgradeFailed   = "failed"
)

// TransferMetrics receives the engine's transfer and connection events
type TransferMetrics interface {
	// RecordTransfer records one finished transfer with its result name
	RecordTransfer(ctx context.Context, scheme, result string, duration time.Duration)
	// RecordConnection records a connection handed to a transfer
	RecordConnection(ctx context.Context, reused bool)
	// RecordUpgrade records the outcome of a websocket upgrade attempt
	RecordUpgrade(ctx context.Context, outcome string)
	// RecordPoolCall records a pool call that returned a non-OK code
	RecordPoolCall(ctx context.Context, call, code string)
	// RecordActiveTransfers records the change in running transfers
	RecordActiveTransfers(ctx context.Context, delta int)
}

// PrometheusMetricsProvider implements TransferMetrics on a private
// Prometheus registry and can serve it over HTTP
type PrometheusMetricsProvider struct {
	config   MetricsConfig
	registry *prometheus.Registry

	transferDuration *prometheus.HistogramVec
	transferTotal    *prometheus.CounterVec
	connectionTotal  *prometheus.CounterVec
	upgradeTotal     *prometheus.CounterVec
	poolErrorTotal   *prometheus.CounterVec
	activeTransfers  prometheus.Gauge

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// DefaultMetricsConfig returns the configuration used when none is given
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		ServiceName: "xfer",
		MetricsPath: "/metrics",
		ListenAddr:  "127.0.0.1:9090",
		Namespace:   "xfer",
	}
}

// NewMetricsProvider creates a new Prometheus metrics provider
func NewMetricsProvider(config MetricsConfig) (*PrometheusMetricsProvider, error) {
	if config.Namespace == "" {
		config.Namespace = "xfer"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:9090"
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	}

	labels := prometheus.Labels{}
	for k, v := range config.ConstLabels {
		labels[k] = v
	}
	if config.ServiceName != "" {
		labels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		labels["version"] = config.ServiceVersion
	}
	config.ConstLabels = labels

	provider := &PrometheusMetricsProvider{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	provider.initializeMetrics()

	if err := provider.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return provider, nil
}

func (p *PrometheusMetricsProvider) initializeMetrics() {
	p.transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "transfer_duration_seconds",
			Help:        "Duration of transfers in seconds",
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"scheme", "result"},
	)

	p.transferTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "transfers_total",
			Help:        "Total number of finished transfers",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"scheme", "result"},
	)

	p.connectionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "connections_total",
			Help:        "Connections handed to transfers, by whether they were reused",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"kind"},
	)

	p.upgradeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "websocket_upgrades_total",
			Help:        "WebSocket upgrade attempts by outcome",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"outcome"},
	)

	p.poolErrorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "pool_call_errors_total",
			Help:        "Pool calls that returned an error code",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"call", "code"},
	)

	p.activeTransfers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "active_transfers",
			Help:        "Number of transfers currently running",
			ConstLabels: p.config.ConstLabels,
		},
	)
}

func (p *PrometheusMetricsProvider) registerMetrics() error {
	collectors := []prometheus.Collector{
		p.transferDuration,
		p.transferTotal,
		p.connectionTotal,
		p.upgradeTotal,
		p.poolErrorTotal,
		p.activeTransfers,
	}

	for _, collector := range collectors {
		if err := p.registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordTransfer records a finished transfer
func (p *PrometheusMetricsProvider) RecordTransfer(ctx context.Context, scheme, result string, duration time.Duration) {
	p.transferDuration.WithLabelValues(scheme, result).Observe(duration.Seconds())
	p.transferTotal.WithLabelValues(scheme, result).Inc()
}

// RecordConnection records a connection handed to a transfer
func (p *PrometheusMetricsProvider) RecordConnection(ctx context.Context, reused bool) {
	kind := "new"
	if reused {
		kind = "reused"
	}
	p.connectionTotal.WithLabelValues(kind).Inc()
}

// RecordUpgrade records a websocket upgrade outcome
func (p *PrometheusMetricsProvider) RecordUpgrade(ctx context.Context, outcome string) {
	p.upgradeTotal.WithLabelValues(outcome).Inc()
}

// RecordPoolCall records a failed pool call
func (p *PrometheusMetricsProvider) RecordPoolCall(ctx context.Context, call, code string) {
	p.poolErrorTotal.WithLabelValues(call, code).Inc()
}

// RecordActiveTransfers records the change in running transfers
func (p *PrometheusMetricsProvider) RecordActiveTransfers(ctx context.Context, delta int) {
	if delta > 0 {
		p.activeTransfers.Add(float64(delta))
	} else {
		p.activeTransfers.Sub(float64(-delta))
	}
}

// Registry returns the registry holding the transfer metrics
func (p *PrometheusMetricsProvider) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns an http.Handler exposing the registry
func (p *PrometheusMetricsProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Start starts the metrics HTTP server. The listener is bound before Start
// returns so Addr reports the real port when ListenAddr uses port 0.
func (p *PrometheusMetricsProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server != nil {
		return errors.New("metrics server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.ListenAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(p.config.MetricsPath, p.Handler())

	p.listener = ln
	p.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	p.serveErr = make(chan error, 1)

	go func(srv *http.Server, errc chan<- error) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}(p.server, p.serveErr)

	return nil
}

// Addr returns the address the metrics server listens on, or "" before Start
func (p *PrometheusMetricsProvider) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Shutdown gracefully shuts down the metrics server
func (p *PrometheusMetricsProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv, errc := p.server, p.serveErr
	p.server, p.listener, p.serveErr = nil, nil, nil
	p.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-errc
}

// nopMetrics discards every event.
type nopMetrics struct{}

// NopMetrics returns a TransferMetrics that records nothing
func NopMetrics() TransferMetrics { return nopMetrics{} }

func (nopMetrics) RecordTransfer(context.Context, string, string, time.Duration) {}
func (nopMetrics) RecordConnection(context.Context, bool)                        {}
func (nopMetrics) RecordUpgrade(context.Context, string)                         {}
func (nopMetrics) RecordPoolCall(context.Context, string, string)                {}
func (nopMetrics) RecordActiveTransfers(context.Context, int)                    {}
