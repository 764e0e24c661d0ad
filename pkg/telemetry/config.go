package telemetry

import (
	"fmt"
	"time"
)

// Config is the telemetry configuration of a cloudenv process.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Environment names the deployment (development, staging, production)
	// and is attached to every span.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string // trace, debug, info, warn, error, fatal
	Format string // console or json

	// Output is stdout, stderr or a file path opened for append.
	Output string

	EnableCaller bool

	// Sampling keeps SamplingInitial messages per second, then every
	// SamplingThereafter-th one. Continuation steps log at high rates
	// under load, so production enables it.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string
	Headers  map[string]string
	Insecure bool

	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool

	// Path is where the API router mounts Metrics.Handler.
	Path      string
	Namespace string

	// DefaultHistogramBuckets are the latency buckets, in seconds, of the
	// continuation step and provider call histograms.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the in-process event publisher.
type EventsConfig struct {
	Enabled     bool
	EnableAsync bool
	BufferSize  int
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "cloudenv",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stdout",
			EnableCaller:       true,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "cloudenv",
			// Provider operations poll for minutes, so the buckets reach
			// further than a request/response service would need.
			DefaultHistogramBuckets: []float64{
				0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			EnableAsync: true,
			BufferSize:  1000,
		},
	}
}

// ProductionConfig returns DefaultConfig tuned for a shared deployment:
// JSON logs with sampling and 10% of traces exported over OTLP.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	switch c.Tracing.Exporter {
	case "otlp", "stdout", "none":
	default:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}
