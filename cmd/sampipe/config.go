package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/konpol/sampipe/internal/core/params"
	"github.com/konpol/sampipe/internal/shell/artifacts"
	"github.com/konpol/sampipe/internal/shell/awsclient"
	"github.com/konpol/sampipe/internal/shell/deploy"
	"github.com/konpol/sampipe/internal/shell/telemetry"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Log       LogConfig        `mapstructure:"log"`
	AWS       awsclient.Config `mapstructure:"aws"`
	Docker    DockerConfig     `mapstructure:"docker"`
	Source    SourceConfig     `mapstructure:"source"`
	Artifacts ArtifactsConfig  `mapstructure:"artifacts"`
	Params    ParamsConfig     `mapstructure:"params"`
	Registry  RegistryConfig   `mapstructure:"registry"`
	Deploy    DeployConfig     `mapstructure:"deploy"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
	Workers   WorkersConfig    `mapstructure:"workers"`
	Pipeline  PipelineConfig   `mapstructure:"pipeline"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// WebhookSecret verifies source webhook signatures. Empty disables
	// verification.
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the definition and execution database.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// SourceConfig locates the checked-out source tree.
type SourceConfig struct {
	Root   string   `mapstructure:"root"`
	Ignore []string `mapstructure:"ignore"`
}

// ArtifactsConfig selects where artifacts between actions are kept.
type ArtifactsConfig struct {
	Backend string                `mapstructure:"backend"` // "dir" or "minio"
	Dir     string                `mapstructure:"dir"`
	MinIO   artifacts.MinIOConfig `mapstructure:"minio"`
}

// ParamsConfig selects the indirection store and its keys.
type ParamsConfig struct {
	Backend string `mapstructure:"backend"` // "ssm", "sql" or "memory"
	Driver  string `mapstructure:"driver"`  // sql backend: "sqlite3" or "pgx"
	DSN     string `mapstructure:"dsn"`

	RepositoryARNKey  string `mapstructure:"repository_arn_key"`
	RepositoryNameKey string `mapstructure:"repository_name_key"`
	LatestTagKey      string `mapstructure:"latest_tag_key"`
}

// Keys returns the configured parameter keys.
func (c ParamsConfig) Keys() params.Keys {
	return params.Keys{
		RepositoryARN:  c.RepositoryARNKey,
		RepositoryName: c.RepositoryNameKey,
		LatestTag:      c.LatestTagKey,
	}
}

// RegistryConfig names the image repository created at bootstrap.
type RegistryConfig struct {
	Repository string `mapstructure:"repository"`
}

// DeployConfig selects the compute target.
type DeployConfig struct {
	Target string                    `mapstructure:"target"` // "lambda" or "docker"
	Lambda deploy.LambdaConfig       `mapstructure:"lambda"`
	Docker deploy.DockerTargetConfig `mapstructure:"docker"`
}

// TelemetryConfig holds tracing configuration.
type TelemetryConfig struct {
	Tracing telemetry.TracingConfig `mapstructure:"tracing"`
}

// WorkersConfig holds the background worker settings of serve.
type WorkersConfig struct {
	PollEnabled        bool          `mapstructure:"poll_enabled"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	PollTriggerOnStart bool          `mapstructure:"poll_trigger_on_start"`

	TagReconcileEnabled  bool          `mapstructure:"tag_reconcile_enabled"`
	TagReconcileInterval time.Duration `mapstructure:"tag_reconcile_interval"`
	TagReconcileApply    bool          `mapstructure:"tag_reconcile_apply"`
}

// PipelineConfig names the pipeline and its definition file.
type PipelineConfig struct {
	Name        string            `mapstructure:"name"`
	File        string            `mapstructure:"file"`
	Vars        map[string]string `mapstructure:"vars"`
	MaxParallel int               `mapstructure:"max_parallel"`
	QueueSize   int               `mapstructure:"queue_size"`
	ScratchDir  string            `mapstructure:"scratch_dir"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.webhook_secret", "")
	v.SetDefault("database.dsn", "data/sampipe.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.session_token", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.max_attempts", 0)
	v.SetDefault("docker.host", "")

	v.SetDefault("source.root", ".")
	v.SetDefault("artifacts.backend", "dir")
	v.SetDefault("artifacts.dir", "data/artifacts")
	v.SetDefault("artifacts.minio.endpoint", "")
	v.SetDefault("artifacts.minio.access_key", "")
	v.SetDefault("artifacts.minio.secret_key", "")
	v.SetDefault("artifacts.minio.region", "")
	v.SetDefault("artifacts.minio.use_ssl", true)
	v.SetDefault("artifacts.minio.bucket", "sampipe-artifacts")

	keys := params.DefaultKeys()
	v.SetDefault("params.backend", "ssm")
	v.SetDefault("params.driver", "sqlite3")
	v.SetDefault("params.dsn", "data/params.db")
	v.SetDefault("params.repository_arn_key", keys.RepositoryARN)
	v.SetDefault("params.repository_name_key", keys.RepositoryName)
	v.SetDefault("params.latest_tag_key", keys.LatestTag)

	v.SetDefault("registry.repository", "sam-app")

	v.SetDefault("deploy.target", "lambda")
	v.SetDefault("deploy.lambda.role_arn", "")
	v.SetDefault("deploy.lambda.architecture", "x86_64")
	v.SetDefault("deploy.lambda.memory_mb", 512)
	v.SetDefault("deploy.lambda.timeout_sec", 30)
	v.SetDefault("deploy.lambda.wait_timeout", "2m")
	v.SetDefault("deploy.docker.host", "localhost")
	v.SetDefault("deploy.docker.container_port", 8080)
	v.SetDefault("deploy.docker.host_port", 0)
	v.SetDefault("deploy.docker.invoke_path", deploy.DefaultInvokePath)

	v.SetDefault("telemetry.tracing.enabled", false)
	v.SetDefault("telemetry.tracing.service_name", "sampipe")
	v.SetDefault("telemetry.tracing.pretty_print", false)

	v.SetDefault("workers.poll_enabled", false)
	v.SetDefault("workers.poll_interval", "30s")
	v.SetDefault("workers.poll_trigger_on_start", false)
	v.SetDefault("workers.tag_reconcile_enabled", false)
	v.SetDefault("workers.tag_reconcile_interval", "5m")
	v.SetDefault("workers.tag_reconcile_apply", false)

	v.SetDefault("pipeline.name", "sam-pipeline")
	v.SetDefault("pipeline.file", "pipeline.hcl")
	v.SetDefault("pipeline.max_parallel", 0)
	v.SetDefault("pipeline.queue_size", 16)
	v.SetDefault("pipeline.scratch_dir", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only a file that exists but does not parse is an error.
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("SAMPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	switch c.Artifacts.Backend {
	case "dir", "minio":
	default:
		return fmt.Errorf("artifacts.backend: unknown backend %q", c.Artifacts.Backend)
	}
	switch c.Params.Backend {
	case "ssm", "sql", "memory":
	default:
		return fmt.Errorf("params.backend: unknown backend %q", c.Params.Backend)
	}
	switch c.Deploy.Target {
	case "lambda", "docker":
	default:
		return fmt.Errorf("deploy.target: unknown target %q", c.Deploy.Target)
	}
	if err := c.Params.Keys().Validate(); err != nil {
		return fmt.Errorf("params keys: %w", err)
	}
	if c.Pipeline.Name == "" {
		return fmt.Errorf("pipeline.name is required")
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger writing to w with the configured level and
// format. Commands pass stderr so that their stdout stays machine readable.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}
