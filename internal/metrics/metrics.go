// Package metrics provides the pipeline counter sink, its Prometheus
// exposition and the health endpoints.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Pipeline counter names.
const (
	PacketsReceived = "packets_received"
	PacketsDropped  = "packets_dropped"

	UnsupportedNotification     = "unsupported-notification"
	UnauthenticatedNotification = "unauthenticated-notification"

	TrapsReceived   = "traps_received"
	TrapsAccepted   = "traps_accepted"
	TrapsBlackholed = "traps_blackholed"
	DDEFailure      = "dde-failure"

	DBWriteAttempted  = "db_write_attempted"
	DBWriteSuccessful = "db_write_successful"
	DBWriteDuplicate  = "db_write_duplicate"
	DBWriteFailed     = "db_write_failed"
	DBWriteRetried    = "db_write_retried"
	DBCircuitOpen     = "db_circuit_open"

	MailSentAttempted  = "mail_sent_attempted"
	MailSentSuccessful = "mail_sent_successful"
	MailSentFailed     = "mail_sent_failed"
	MailRateLimited    = "mail_rate_limited"

	IndexAttempted  = "index_attempted"
	IndexSuccessful = "index_successful"
	IndexFailed     = "index_failed"

	PolicyReloaded     = "policy_reloaded"
	PolicyReloadFailed = "policy_reload_failed"

	CallbackFailure = "callback-failure"
)

// Names lists every counter the pipeline increments. They are pre-registered
// so that scrapes show zero values before the first trap.
var Names = []string{
	PacketsReceived, PacketsDropped,
	UnsupportedNotification, UnauthenticatedNotification,
	TrapsReceived, TrapsAccepted, TrapsBlackholed, DDEFailure,
	DBWriteAttempted, DBWriteSuccessful, DBWriteDuplicate, DBWriteFailed, DBWriteRetried, DBCircuitOpen,
	MailSentAttempted, MailSentSuccessful, MailSentFailed, MailRateLimited,
	IndexAttempted, IndexSuccessful, IndexFailed,
	PolicyReloaded, PolicyReloadFailed,
	CallbackFailure,
}

// Sink is the process-wide counter service handed to every component.
// Implementations must be safe for concurrent use.
type Sink interface {
	Incr(name string, n int)
}

// Counters is an in-memory Sink.
type Counters struct {
	mu     sync.RWMutex
	values map[string]*atomic.Int64
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]*atomic.Int64)}
}

// Incr adds n to the named counter.
func (c *Counters) Incr(name string, n int) {
	c.mu.RLock()
	v, ok := c.values[name]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if v, ok = c.values[name]; !ok {
			v = new(atomic.Int64)
			c.values[name] = v
		}
		c.mu.Unlock()
	}
	v.Add(int64(n))
}

// Value returns the current value of the named counter.
func (c *Counters) Value(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.values[name]; ok {
		return v.Load()
	}
	return 0
}

// Snapshot returns a copy of every counter.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.values))
	for name, v := range c.values {
		out[name] = v.Load()
	}
	return out
}

// Discard is a Sink that drops every increment.
var Discard Sink = discard{}

type discard struct{}

func (discard) Incr(string, int) {}

// MetricsConfig defines the configuration for the metrics system
type MetricsConfig struct {
	Enabled        bool          `json:"enabled"`
	ListenAddress  string        `json:"listen_address"`
	MetricsPath    string        `json:"metrics_path"`
	HealthPath     string        `json:"health_path"`
	ReadyPath      string        `json:"ready_path"`
	StatsPath      string        `json:"stats_path"`
	UpdateInterval time.Duration `json:"update_interval"`
	Namespace      string        `json:"namespace"`
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:        true,
		ListenAddress:  ":9163",
		MetricsPath:    "/metrics",
		HealthPath:     "/health",
		ReadyPath:      "/ready",
		StatsPath:      "/stats",
		UpdateInterval: 15 * time.Second,
		Namespace:      "trapkeeper",
	}
}

// MetricsManager is the Prometheus-backed Sink. It mirrors every counter in
// memory so the stats endpoint and callers can read values back.
type MetricsManager struct {
	config   *MetricsConfig
	logger   logging.Logger
	registry *prometheus.Registry
	server   *http.Server

	counters   *Counters
	events     *prometheus.CounterVec
	processing *prometheus.HistogramVec
	uptime     prometheus.Gauge
	startTime  time.Time

	healthStatus map[string]bool
	readyStatus  bool
	mu           sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(cfg config.Provider, logger logging.Logger) (*MetricsManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	metricsConfig := loadMetricsConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	manager := &MetricsManager{
		config:       metricsConfig,
		logger:       logger.With("component", "metrics"),
		registry:     prometheus.NewRegistry(),
		counters:     NewCounters(),
		startTime:    time.Now(),
		healthStatus: make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
	}

	if err := manager.initializeMetrics(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return manager, nil
}

// initializeMetrics creates and registers all Prometheus metrics
func (m *MetricsManager) initializeMetrics() error {
	namespace := m.config.Namespace

	m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_events_total",
		Help:      "Trap pipeline events by counter name",
	}, []string{"event"})

	m.processing = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trap_processing_duration_seconds",
		Help:      "Time spent running one message through the pipeline",
		Buckets:   prometheus.DefBuckets,
	}, []string{"admission"})

	m.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the process started",
	})

	for _, c := range []prometheus.Collector{
		m.events,
		m.processing,
		m.uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	} {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}

	for _, name := range Names {
		m.events.WithLabelValues(name)
	}

	return nil
}

// Incr adds n to the named counter.
func (m *MetricsManager) Incr(name string, n int) {
	m.counters.Incr(name, n)
	m.events.WithLabelValues(name).Add(float64(n))
}

// ObserveProcessing records how long one message took, by admission outcome.
func (m *MetricsManager) ObserveProcessing(admission string, d time.Duration) {
	m.processing.WithLabelValues(admission).Observe(d.Seconds())
}

// Value returns the current value of the named counter.
func (m *MetricsManager) Value(name string) int64 {
	return m.counters.Value(name)
}

// Snapshot returns every counter value.
func (m *MetricsManager) Snapshot() map[string]int64 {
	snapshot := m.counters.Snapshot()
	for _, name := range Names {
		if _, ok := snapshot[name]; !ok {
			snapshot[name] = 0
		}
	}
	return snapshot
}

// Registry returns the Prometheus registry.
func (m *MetricsManager) Registry() *prometheus.Registry {
	return m.registry
}

// Start serves the metrics endpoints in the background.
func (m *MetricsManager) Start() error {
	if !m.config.Enabled {
		m.logger.Info("Metrics server is disabled")
		return nil
	}

	m.logger.Info("Starting metrics server",
		"listen_address", m.config.ListenAddress,
		"metrics_path", m.config.MetricsPath)

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", "error", err.Error())
		}
	}()

	m.wg.Add(1)
	go m.collectSystemMetrics()

	return nil
}

// Stop shuts the metrics server down.
func (m *MetricsManager) Stop() error {
	m.cancel()

	var err error
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err = m.server.Shutdown(ctx); err != nil {
			m.logger.Error("Error shutting down metrics server", "error", err.Error())
		}
	}

	m.wg.Wait()
	return err
}

func (m *MetricsManager) collectSystemMetrics() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.UpdateInterval)
	defer ticker.Stop()

	m.uptime.Set(time.Since(m.startTime).Seconds())
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.uptime.Set(time.Since(m.startTime).Seconds())
		}
	}
}

// SetComponentHealth records the health of a named component.
func (m *MetricsManager) SetComponentHealth(component string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthStatus[component] = healthy
}

// SetReady marks the process as ready (or not) to receive traps.
func (m *MetricsManager) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readyStatus = ready
}

func (m *MetricsManager) unhealthy() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var down []string
	for component, healthy := range m.healthStatus {
		if !healthy {
			down = append(down, component)
		}
	}
	sort.Strings(down)
	return down
}

func (m *MetricsManager) ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readyStatus
}

func loadMetricsConfig(cfg config.Provider) *MetricsConfig {
	config := DefaultMetricsConfig()

	if enabled, err := cfg.GetBool("metrics.enabled", config.Enabled); err == nil {
		config.Enabled = enabled
	}

	if listenAddress, err := cfg.GetString("metrics.listen_address", config.ListenAddress); err == nil {
		config.ListenAddress = listenAddress
	}

	if metricsPath, err := cfg.GetString("metrics.metrics_path", config.MetricsPath); err == nil {
		config.MetricsPath = metricsPath
	}

	if healthPath, err := cfg.GetString("metrics.health_path", config.HealthPath); err == nil {
		config.HealthPath = healthPath
	}

	if readyPath, err := cfg.GetString("metrics.ready_path", config.ReadyPath); err == nil {
		config.ReadyPath = readyPath
	}

	if statsPath, err := cfg.GetString("metrics.stats_path", config.StatsPath); err == nil {
		config.StatsPath = statsPath
	}

	if updateInterval, err := cfg.GetDuration("metrics.update_interval", config.UpdateInterval); err == nil && updateInterval > 0 {
		config.UpdateInterval = updateInterval
	}

	if namespace, err := cfg.GetString("metrics.namespace", config.Namespace); err == nil {
		config.Namespace = namespace
	}

	return config
}
