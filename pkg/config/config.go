package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DHSDK_"

// Config is the SDK configuration.
type Config struct {
	// Project is the default project of CLI commands.
	Project string `yaml:"project" validate:"omitempty,slug"`

	Store       StoreConfig       `yaml:"store"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Docker      DockerConfig      `yaml:"docker"`
	Kubernetes  KubernetesConfig  `yaml:"kubernetes"`
	ObjectStore ObjectStoreConfig `yaml:"objectstore"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	Policy      PolicyConfig      `yaml:"policy"`
	Callback    CallbackConfig    `yaml:"callback"`

	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// StoreConfig configures the SQLite entity store.
type StoreConfig struct {
	Path         string `yaml:"path" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=0"`
}

// DispatcherConfig configures backend retries and the run monitor.
type DispatcherConfig struct {
	// StartRetries bounds retries of a start rejected with BACKEND_UNAVAILABLE.
	StartRetries int           `yaml:"start_retries" validate:"gte=0,lte=20"`
	BackoffBase  time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffMax   time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffBase"`

	// StartTimeout is the liveness timeout of one start attempt.
	StartTimeout time.Duration `yaml:"start_timeout" validate:"gt=0"`

	// PollTimeout is the liveness timeout of one status check.
	PollTimeout time.Duration `yaml:"poll_timeout" validate:"gt=0"`

	CollectTimeout  time.Duration `yaml:"collect_timeout" validate:"gt=0"`
	MonitorInterval time.Duration `yaml:"monitor_interval" validate:"gt=0"`
	Workers         int           `yaml:"workers" validate:"gte=1,lte=256"`
}

// DockerConfig configures the container backend.
type DockerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Network string `yaml:"network"`
}

// KubernetesConfig configures the Kubernetes Job backend.
type KubernetesConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Kubeconfig string `yaml:"kubeconfig"`
	Namespace  string `yaml:"namespace" validate:"required_if=Enabled true"`

	// ServiceAccount runs job pods under the named account when set.
	ServiceAccount string `yaml:"service_account"`
}

// ObjectStoreConfig configures the S3 endpoint used for output files.
type ObjectStoreConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint" validate:"required_if=Enabled true"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket" validate:"required_if=Enabled true"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// PostgresConfig configures the database transform runs write to.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`

	// Schema receives transform outputs. Defaults to public.
	Schema string `yaml:"schema" validate:"omitempty,slug"`
}

// RedisConfig configures the distributed run lock.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr" validate:"required_if=Enabled true"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"gte=0"`
	LockTTL  time.Duration `yaml:"lock_ttl" validate:"gte=0"`
}

// PolicyConfig configures the submission gate.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir holds additional .rego files loaded next to the built-in policies.
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// CallbackConfig configures the callback HTTP server.
type CallbackConfig struct {
	Listen string `yaml:"listen" validate:"required,hostname_port"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Project: "default",
		Store: StoreConfig{
			Path:         filepath.Join(".dhsdk", "store.db"),
			MaxOpenConns: 4,
		},
		Dispatcher: DispatcherConfig{
			StartRetries:    3,
			BackoffBase:     time.Second,
			BackoffMax:      time.Minute,
			StartTimeout:    30 * time.Second,
			PollTimeout:     15 * time.Second,
			CollectTimeout:  2 * time.Minute,
			MonitorInterval: 10 * time.Second,
			Workers:         4,
		},
		Docker: DockerConfig{Enabled: true},
		Kubernetes: KubernetesConfig{
			Namespace: "default",
		},
		ObjectStore: ObjectStoreConfig{
			Bucket: "dhsdk",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			LockTTL: 30 * time.Second,
		},
		Policy:    PolicyConfig{Enabled: true},
		Callback:  CallbackConfig{Listen: "127.0.0.1:8087"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads configuration from path, applies a .env file found next to
// it or in the working directory, then DHSDK_* environment overrides, and
// validates the result. An empty path loads defaults.
func Load(path string) (*Config, error) {
	envFiles := []string{".env"}
	if path != "" {
		envFiles = append([]string{filepath.Join(filepath.Dir(path), ".env")}, envFiles...)
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, engine.NewValidationError("invalid config file", err).WithResource(path)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return engine.NewValidationError(fmt.Sprintf("%s%s must be a boolean", EnvPrefix, name), err)
			}
			*dst = b
		}
		return nil
	}

	str("PROJECT", &c.Project)
	str("STORE_PATH", &c.Store.Path)
	str("DOCKER_HOST", &c.Docker.Host)
	str("KUBECONFIG", &c.Kubernetes.Kubeconfig)
	str("KUBE_NAMESPACE", &c.Kubernetes.Namespace)
	str("S3_ENDPOINT", &c.ObjectStore.Endpoint)
	str("S3_ACCESS_KEY", &c.ObjectStore.AccessKey)
	str("S3_SECRET_KEY", &c.ObjectStore.SecretKey)
	str("S3_BUCKET", &c.ObjectStore.Bucket)
	str("POSTGRES_DSN", &c.Postgres.DSN)
	str("POSTGRES_SCHEMA", &c.Postgres.Schema)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("POLICY_DIR", &c.Policy.Dir)
	str("CALLBACK_LISTEN", &c.Callback.Listen)
	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}
	str("LOG_LEVEL", &c.Telemetry.Logging.Level)

	for name, dst := range map[string]*bool{
		"DOCKER_ENABLED":    &c.Docker.Enabled,
		"KUBE_ENABLED":      &c.Kubernetes.Enabled,
		"S3_ENABLED":        &c.ObjectStore.Enabled,
		"S3_USE_SSL":        &c.ObjectStore.UseSSL,
		"REDIS_ENABLED":     &c.Redis.Enabled,
		"POLICY_ENABLED":    &c.Policy.Enabled,
		"POLICY_WATCH":      &c.Policy.Watch,
		"TELEMETRY_METRICS": &c.Telemetry.Metrics.Enabled,
		"TELEMETRY_TRACING": &c.Telemetry.Tracing.Enabled,
	} {
		if err := boolean(name, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup(EnvPrefix + "WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return engine.NewValidationError(EnvPrefix+"WORKERS must be an integer", err)
		}
		c.Dispatcher.Workers = n
	}
	return nil
}

// Validate checks struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return engine.NewValidationError("invalid configuration", err)
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return engine.NewValidationError("invalid telemetry configuration", err)
		}
	}
	return nil
}

// EngineConfig converts the dispatcher section into retry policies.
func (c *Config) EngineConfig() engine.DispatcherConfig {
	d := c.Dispatcher
	cfg := engine.DefaultDispatcherConfig()
	cfg.Start = engine.RetryPolicy{
		MaxRetries:     d.StartRetries,
		BaseDelay:      d.BackoffBase,
		MaxDelay:       d.BackoffMax,
		AttemptTimeout: d.StartTimeout,
	}
	cfg.Stop = cfg.Start
	cfg.Poll.BaseDelay = d.BackoffBase
	cfg.Poll.MaxDelay = d.BackoffMax
	cfg.Poll.AttemptTimeout = d.PollTimeout
	cfg.Collect.BaseDelay = d.BackoffBase
	cfg.Collect.MaxDelay = d.BackoffMax
	cfg.Collect.AttemptTimeout = d.CollectTimeout
	return cfg
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return engine.IsSlug(fl.Field().String())
	})
	return v
}
