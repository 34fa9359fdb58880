package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry section of the SDK configuration.
type Config struct {
	ServiceName    string `yaml:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version" validate:"required"`
	Environment    string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`

	// Output is stdout, stderr or a file path. Commands print results on
	// stdout, so logs default to stderr.
	Output string `yaml:"output"`
	Caller bool   `yaml:"caller"`
}

// TracingConfig configures OpenTelemetry spans around dispatcher
// operations and backend calls.
type TracingConfig struct {
	Enabled       bool              `yaml:"enabled"`
	Exporter      string            `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint      string            `yaml:"endpoint" validate:"required_if=Enabled true Exporter otlp"`
	SamplingRate  float64           `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	ExportTimeout time.Duration     `yaml:"export_timeout" validate:"gte=0"`
	Headers       map[string]string `yaml:"headers"`
	Insecure      bool              `yaml:"insecure"`
}

// MetricsConfig configures the Prometheus registry. Metrics are exposed
// by the callback server on /metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace" validate:"required_if=Enabled true"`

	// DurationBuckets are the run and backend call duration buckets, in
	// seconds.
	DurationBuckets []float64 `yaml:"duration_buckets"`
}

// EventsConfig configures the in-process run event stream.
type EventsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size" validate:"required_if=Enabled true,gte=0"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gte=0"`
	MaxBatchSize  int           `yaml:"max_batch_size" validate:"gte=0"`
	EnableAsync   bool          `yaml:"enable_async"`
}

// DefaultConfig logs to stderr and keeps tracing and metrics off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "dhsdk",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Namespace: "dhsdk",
			// Runs last from seconds to hours.
			DurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300, 900, 3600, 14400},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
	}
}

// DevelopmentConfig logs at debug level with caller information.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Caller = true
	return cfg
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
