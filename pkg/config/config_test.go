package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/stackrun/pkg/engine"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
app: "npx ts-node main.ts"
output: build/out
terraformVersion: ">= 1.5, < 2.0"
env:
  TF_LOG: info
remote:
  hostname: tfe.example.com
  pollInterval: 500ms
policies: ["policies/", "/etc/stackrun/extra.rego"]
lock:
  redisAddr: "localhost:6379"
  ttl: 10m
history:
  path: ""
telemetry:
  logLevel: debug
  logFormat: json
  metricsAddr: ":9090"
  tracing: stdout
`)

	cfg, err := LoadWithEnv(path, noEnv)
	if err != nil {
		t.Fatalf("LoadWithEnv() error = %v", err)
	}

	dir := filepath.Dir(path)
	if cfg.Dir != dir {
		t.Errorf("Dir = %s, want %s", cfg.Dir, dir)
	}
	if cfg.App != "npx ts-node main.ts" {
		t.Errorf("App = %q", cfg.App)
	}
	if got, want := cfg.OutDir(), filepath.Join(dir, "build", "out"); got != want {
		t.Errorf("OutDir() = %s, want %s", got, want)
	}
	if cfg.TerraformBinary != "terraform" {
		t.Errorf("TerraformBinary default lost: %q", cfg.TerraformBinary)
	}
	if cfg.Remote.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Remote.PollInterval)
	}
	if cfg.Lock.TTL != 10*time.Minute || cfg.Lock.RedisAddr != "localhost:6379" {
		t.Errorf("Lock = %+v", cfg.Lock)
	}
	if cfg.HistoryPath() != "" {
		t.Errorf("HistoryPath() = %q, want history disabled", cfg.HistoryPath())
	}
	want := []string{filepath.Join(dir, "policies"), "/etc/stackrun/extra.rego"}
	if diff := cmp.Diff(want, cfg.PolicyPaths()); diff != "" {
		t.Errorf("PolicyPaths() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"TF_LOG=info"}, cfg.Environ()); diff != "" {
		t.Errorf("Environ() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	_, err := LoadWithEnv(path, noEnv)
	if !engine.IsUsage(err) {
		t.Fatalf("LoadWithEnv() = %v, want usage error for missing app", err)
	}
	if !strings.Contains(err.Error(), "no synth command configured") {
		t.Errorf("error = %q", err)
	}

	cfg, err := LoadWithEnv(path, envMap(map[string]string{EnvApp: "go run ./infra"}))
	if err != nil {
		t.Fatalf("LoadWithEnv() error = %v", err)
	}
	if cfg.Output != "cdktf.out" || cfg.Remote.Hostname != "app.terraform.io" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if got, want := cfg.HistoryPath(), filepath.Join(filepath.Dir(path), ".stackrun", "history.db"); got != want {
		t.Errorf("HistoryPath() = %s, want %s", got, want)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "app: node main.js\noutput: out\n")

	cfg, err := LoadWithEnv(path, envMap(map[string]string{
		EnvApp:       "python main.py",
		EnvOutput:    "synth.out",
		EnvToken:     "secret",
		EnvLogLevel:  "DEBUG",
		EnvRedisAddr: "redis:6379",
	}))
	if err != nil {
		t.Fatalf("LoadWithEnv() error = %v", err)
	}
	if cfg.App != "python main.py" || cfg.Output != "synth.out" {
		t.Errorf("App/Output = %q/%q", cfg.App, cfg.Output)
	}
	if cfg.Remote.Token != "secret" {
		t.Errorf("Token = %q", cfg.Remote.Token)
	}
	if cfg.Telemetry.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.Telemetry.LogLevel)
	}
	if cfg.Lock.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q", cfg.Lock.RedisAddr)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		parse   bool
		want    []string
	}{
		{
			name:    "unknown key",
			content: "app: x\nterraformBin: tofu\n",
			parse:   true,
		},
		{
			name:    "malformed yaml",
			content: "app: [\n",
			parse:   true,
		},
		{
			name:    "bad values",
			content: "app: x\nterraformVersion: \"~> banana\"\ntelemetry:\n  logLevel: loud\n  logFormat: console\n  tracing: none\n",
			want:    []string{`terraformVersion: "~> banana" is not a version constraint`, `telemetry.logLevel: "loud" is not one of`},
		},
		{
			name:    "otlp without endpoint",
			content: "app: x\ntelemetry:\n  logLevel: info\n  logFormat: console\n  tracing: otlp\n",
			want:    []string{"telemetry.otlpEndpoint: is required when Tracing otlp"},
		},
		{
			name:    "negative ttl",
			content: "app: x\nlock:\n  ttl: -1m\n",
			want:    []string{"lock.ttl: must not be negative"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithEnv(writeConfig(t, tt.content), noEnv)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.parse {
				if !engine.IsParse(err) {
					t.Errorf("got %v, want parse error", err)
				}
				return
			}
			if !engine.IsUsage(err) {
				t.Errorf("got %v, want usage error", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestEmptyFile(t *testing.T) {
	cfg, err := LoadWithEnv(writeConfig(t, ""), envMap(map[string]string{EnvApp: "make synth"}))
	if err != nil {
		t.Fatalf("LoadWithEnv() error = %v", err)
	}
	if cfg.App != "make synth" {
		t.Errorf("App = %q", cfg.App)
	}
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()
	cfg.App = "x"
	cfg.TerraformBinary = "tofu"
	cfg.TerraformVersion = ">= 1.6"
	cfg.Remote.Token = "t"
	cfg.Telemetry.Tracing = "otlp"
	cfg.Telemetry.OTLPEndpoint = "collector:4317"
	cfg.Telemetry.MetricsAddr = ":9090"

	c := cfg.Clients()
	if c.Local.Binary != "tofu" || c.Local.VersionConstraint != ">= 1.6" {
		t.Errorf("Local = %+v", c.Local)
	}
	if c.Hostname != "app.terraform.io" || c.Token != "t" || c.Remote.PollInterval != 2*time.Second {
		t.Errorf("clients config = %+v", c)
	}

	tc := cfg.TelemetryOptions("1.2.3")
	if err := tc.Validate(); err != nil {
		t.Fatalf("telemetry config invalid: %v", err)
	}
	if tc.ServiceVersion != "1.2.3" || !tc.Tracing.Enabled || tc.Tracing.Exporter != "otlp" || tc.Tracing.Endpoint != "collector:4317" {
		t.Errorf("telemetry = %+v", tc)
	}
	if tc.Metrics.ListenAddress != ":9090" {
		t.Errorf("metrics address = %q", tc.Metrics.ListenAddress)
	}
}
