package config

import (
	"path/filepath"
	"time"

	"github.com/openfroyo/stackrun/pkg/engine/clients"
	"github.com/openfroyo/stackrun/pkg/engine/local"
	"github.com/openfroyo/stackrun/pkg/engine/remote"
	"github.com/openfroyo/stackrun/pkg/telemetry"
)

// FileName is the project configuration file looked up in the project
// directory.
const FileName = "stackrun.yaml"

// Config is the project configuration read from stackrun.yaml.
type Config struct {
	// App is the synth command, run through a shell-like word splitter.
	App string `yaml:"app" validate:"required"`

	// Output is the synth output directory, relative to the project.
	Output string `yaml:"output" validate:"required"`

	// TerraformBinary is the local engine executable.
	TerraformBinary string `yaml:"terraformBinary" validate:"required"`

	// TerraformVersion is a version constraint the local engine must satisfy.
	TerraformVersion string `yaml:"terraformVersion,omitempty" validate:"omitempty,version_constraint"`

	// Env is added to the synth command's and the engine's environment.
	Env map[string]string `yaml:"env,omitempty"`

	Remote    RemoteConfig    `yaml:"remote"`
	Policies  []string        `yaml:"policies,omitempty" validate:"dive,required"`
	Lock      LockConfig      `yaml:"lock"`
	History   HistoryConfig   `yaml:"history"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Dir is the project directory. Relative paths resolve against it.
	Dir string `yaml:"-"`
}

// RemoteConfig configures the remote engine service.
type RemoteConfig struct {
	Hostname     string        `yaml:"hostname" validate:"required,hostname_port|hostname"`
	Token        string        `yaml:"token,omitempty"`
	PollInterval time.Duration `yaml:"pollInterval" validate:"gte=0"`
}

// LockConfig configures per-stack deploy locks.
type LockConfig struct {
	// RedisAddr selects Redis locks; empty keeps locks in process.
	RedisAddr string        `yaml:"redisAddr,omitempty" validate:"omitempty,hostname_port"`
	TTL       time.Duration `yaml:"ttl" validate:"gte=0"`
}

// HistoryConfig configures the run history database.
type HistoryConfig struct {
	// Path is the SQLite file; empty disables history.
	Path string `yaml:"path,omitempty"`
}

// TelemetryConfig configures logs, metrics and traces.
type TelemetryConfig struct {
	LogLevel     string `yaml:"logLevel" validate:"oneof=trace debug info warn error fatal"`
	LogFormat    string `yaml:"logFormat" validate:"oneof=console json"`
	MetricsAddr  string `yaml:"metricsAddr,omitempty" validate:"omitempty,hostname_port"`
	Tracing      string `yaml:"tracing" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlpEndpoint,omitempty" validate:"required_if=Tracing otlp"`
}

// Default returns the configuration used when stackrun.yaml sets nothing.
func Default() *Config {
	return &Config{
		Output:          "cdktf.out",
		TerraformBinary: local.DefaultBinary,
		Remote: RemoteConfig{
			Hostname:     remote.DefaultHostname,
			PollInterval: 2 * time.Second,
		},
		Lock: LockConfig{
			TTL: 30 * time.Minute,
		},
		History: HistoryConfig{
			Path: filepath.Join(".stackrun", "history.db"),
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "console",
			Tracing:   "none",
		},
	}
}

// Path resolves p against the project directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// OutDir returns the absolute synth output directory.
func (c *Config) OutDir() string {
	return c.Path(c.Output)
}

// HistoryPath returns the history database path, or "" when history is off.
func (c *Config) HistoryPath() string {
	if c.History.Path == ":memory:" {
		return c.History.Path
	}
	return c.Path(c.History.Path)
}

// PolicyPaths returns the policy files and directories, resolved.
func (c *Config) PolicyPaths() []string {
	paths := make([]string, 0, len(c.Policies))
	for _, p := range c.Policies {
		paths = append(paths, c.Path(p))
	}
	return paths
}

// Environ returns Env as KEY=VALUE pairs.
func (c *Config) Environ() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// Clients returns the engine client factory configuration.
func (c *Config) Clients() clients.Config {
	return clients.Config{
		Local: local.Config{
			Binary:            c.TerraformBinary,
			VersionConstraint: c.TerraformVersion,
			Env:               c.Env,
		},
		Remote: remote.Config{
			PollInterval: c.Remote.PollInterval,
		},
		Hostname: c.Remote.Hostname,
		Token:    c.Remote.Token,
	}
}

// TelemetryOptions returns the telemetry configuration for a CLI run.
func (c *Config) TelemetryOptions(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.Logging.Level = c.Telemetry.LogLevel
	cfg.Logging.Format = c.Telemetry.LogFormat
	cfg.Metrics.ListenAddress = c.Telemetry.MetricsAddr
	if c.Telemetry.Tracing != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = c.Telemetry.Tracing
		cfg.Tracing.Endpoint = c.Telemetry.OTLPEndpoint
	}
	return cfg
}
