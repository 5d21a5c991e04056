// Package observability provides logging and run metrics for CorrForge.
package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Telemetry bundles the logger and the metrics registry of one CLI run.
type Telemetry struct {
	logger       *zap.Logger
	metrics      *Metrics
	registry     *prometheus.Registry
	config       Config
	shutdownOnce sync.Once
}

// Config configures telemetry
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Logging
	LogLevel  string
	LogFormat string // json, console

	// Metrics are written to a node-exporter textfile on shutdown.
	MetricsEnabled  bool
	MetricsTextfile string
}

// New creates a new Telemetry instance
func New(cfg Config) (*Telemetry, error) {
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	if cfg.ServiceName != "" {
		logger = logger.With(
			zap.String("service", cfg.ServiceName),
			zap.String("version", cfg.ServiceVersion),
		)
	}

	t := &Telemetry{
		logger: logger,
		config: cfg,
	}
	if cfg.MetricsEnabled {
		t.registry = prometheus.NewRegistry()
		t.metrics = NewMetrics(t.registry)
	}
	return t, nil
}

// NewLogger builds a zap logger: JSON with ISO8601 timestamps by default,
// colored console output for format "console".
func NewLogger(level, format string) (*zap.Logger, error) {
	var config zap.Config

	if format == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	// Logs go to stderr so stdout stays clean for command output.
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	return config.Build()
}

// Metrics holds Prometheus metrics for a run. All methods are safe to call on
// a nil *Metrics, which records nothing.
type Metrics struct {
	FilesProcessed   *prometheus.CounterVec
	RecordsWritten   prometheus.Counter
	Classifications  *prometheus.CounterVec
	Localizations    *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	LLMRequests      *prometheus.CounterVec
	LLMDuration      *prometheus.HistogramVec
	RateLimitWait    *prometheus.HistogramVec
	LastRunTimestamp prometheus.Gauge
	LastRunFailures  prometheus.Gauge
}

// NewMetrics registers the run metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	namespace := "corrforge"
	factory := promauto.With(reg)

	return &Metrics{
		FilesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_processed_total",
				Help:      "Files processed by stage and status",
			},
			[]string{"stage", "status"},
		),
		RecordsWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "normalized_records_total",
				Help:      "Normalized records written",
			},
		),
		Classifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifications_total",
				Help:      "Correlations classified by source and tactic",
			},
			[]string{"source", "tactic"},
		),
		Localizations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "localizations_total",
				Help:      "Localization documents generated",
			},
			[]string{"mode", "language"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
			},
			[]string{"stage"},
		),
		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_requests_total",
				Help:      "LLM requests by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		LLMDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "LLM request duration",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"provider"},
		),
		RateLimitWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ratelimit_wait_seconds",
				Help:      "Time spent waiting for an LLM rate limit slot",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"provider"},
		),
		LastRunTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run finished",
			},
		),
		LastRunFailures: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_failures",
				Help:      "Failures recorded by the last run",
			},
		),
	}
}

// RecordFile counts one processed file or correlation.
func (m *Metrics) RecordFile(stage, status string) {
	if m == nil {
		return
	}
	m.FilesProcessed.WithLabelValues(stage, status).Inc()
}

// RecordRecords counts normalized records written.
func (m *Metrics) RecordRecords(n int) {
	if m == nil {
		return
	}
	m.RecordsWritten.Add(float64(n))
}

// RecordClassification counts a written classification.
func (m *Metrics) RecordClassification(source, tactic string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(source, tactic).Inc()
}

// RecordLocalization counts a written localization document.
func (m *Metrics) RecordLocalization(mode, language string) {
	if m == nil {
		return
	}
	m.Localizations.WithLabelValues(mode, language).Inc()
}

// RecordStage observes a stage duration.
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordLLMRequest counts one LLM round-trip.
func (m *Metrics) RecordLLMRequest(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(provider, outcome).Inc()
	m.LLMDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordRateLimitWait observes time spent blocked on the rate limiter.
func (m *Metrics) RecordRateLimitWait(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordRunEnd sets the last-run gauges.
func (m *Metrics) RecordRunEnd(at time.Time, failures int) {
	if m == nil {
		return
	}
	m.LastRunTimestamp.Set(float64(at.Unix()))
	m.LastRunFailures.Set(float64(failures))
}

// Logger returns the logger
func (t *Telemetry) Logger() *zap.Logger {
	return t.logger
}

// Metrics returns the metrics, nil when metrics are disabled.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// WriteMetrics writes the registry to the configured textfile. It is a no-op
// when metrics are disabled or no textfile is configured.
func (t *Telemetry) WriteMetrics() error {
	if t.registry == nil || t.config.MetricsTextfile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(t.config.MetricsTextfile, t.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

// Shutdown flushes metrics and the logger.
func (t *Telemetry) Shutdown() error {
	var err error
	t.shutdownOnce.Do(func() {
		err = t.WriteMetrics()
		_ = t.logger.Sync()
	})
	return err
}
