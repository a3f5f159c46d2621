package telemetry

import (
	"fmt"
	"time"
)

// Config configures the Telemetry bundle.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Environment is attached to every exported span.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error or fatal.
	Level string
	// Format is "console" or "json".
	Format string
	// Output is "stderr", "stdout" or a file path.
	Output string
	// TimeFormat is "rfc3339", "unix", "unixms" or, for console output,
	// "kitchen".
	TimeFormat string

	EnableCaller bool

	// With EnableSampling set, only every SamplingThereafter-th trace or
	// debug message is kept.
	EnableSampling     bool
	SamplingThereafter int
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool
	// Exporter is "otlp", "stdout" or "none".
	Exporter string
	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint     string
	Headers      map[string]string
	Insecure     bool
	SamplingRate float64

	MaxExportBatchSize int
	ExportTimeout      time.Duration
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool
	// ListenAddress serves Path over HTTP when set. Metrics are collected
	// either way.
	ListenAddress string
	Path          string
	Namespace     string
	// DefaultHistogramBuckets are duration buckets in seconds.
	DefaultHistogramBuckets []float64
}

// DefaultConfig returns the CLI defaults: console logs at info on stderr,
// metrics collected but not served and tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "stackrun",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			TimeFormat:         "rfc3339",
			SamplingThereafter: 100,
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			Headers:            map[string]string{},
			Insecure:           true,
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "stackrun",
			// Engine phases take from under a second to half an hour.
			DefaultHistogramBuckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("service version is required")
	}

	if _, ok := logLevels[c.Logging.Level]; !ok {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if f := c.Logging.Format; f != "console" && f != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", f)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
	}
	if r := c.Tracing.SamplingRate; r < 0 || r > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", r)
	}
	return nil
}
