package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stackrun/pkg/engine"
)

// Environment variables that override the file.
const (
	EnvApp       = "STACKRUN_APP"
	EnvOutput    = "STACKRUN_OUTPUT"
	EnvToken     = "STACKRUN_TFE_TOKEN"
	EnvLogLevel  = "STACKRUN_LOG_LEVEL"
	EnvRedisAddr = "STACKRUN_REDIS_ADDR"
)

// LookupFunc reads an environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads the configuration at path on top of Default and applies
// environment overrides. A missing file is not an error by itself; the
// result must still carry a synth command.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, engine.NewUsageError(fmt.Sprintf("invalid config path %q", path), err)
	}

	cfg := Default()
	cfg.Dir = filepath.Dir(abs)

	data, err := os.ReadFile(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, engine.NewUsageError(fmt.Sprintf("failed to read %s", abs), err)
	default:
		if err := decode(data, cfg); err != nil {
			return nil, engine.NewParseError(fmt.Sprintf("failed to parse %s", abs), err)
		}
	}

	applyEnv(cfg, lookup)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode unmarshals YAML strictly: unknown keys are errors.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, lookup LookupFunc) {
	if lookup == nil {
		return
	}
	if v, ok := lookup(EnvApp); ok && v != "" {
		cfg.App = v
	}
	if v, ok := lookup(EnvOutput); ok && v != "" {
		cfg.Output = v
	}
	if v, ok := lookup(EnvToken); ok && v != "" {
		cfg.Remote.Token = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Telemetry.LogLevel = strings.ToLower(v)
	}
	if v, ok := lookup(EnvRedisAddr); ok {
		cfg.Lock.RedisAddr = v
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("version_constraint", func(fl validator.FieldLevel) bool {
		_, err := version.NewConstraint(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the configuration and reports every invalid field.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return engine.NewInternalError("failed to validate configuration", err)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describe(fe))
	}
	sort.Strings(problems)
	return engine.NewUsageError("invalid configuration: "+strings.Join(problems, "; "), nil).
		WithCode(engine.ErrCodeInvalidConfig)
}

func describe(fe validator.FieldError) string {
	// Drop the root struct name.
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}

	switch fe.Tag() {
	case "required":
		if field == "app" {
			return "app: no synth command configured (set app in " + FileName + " or " + EnvApp + ")"
		}
		return field + ": is required"
	case "required_if":
		return field + ": is required when " + fe.Param()
	case "oneof":
		return fmt.Sprintf("%s: %q is not one of [%s]", field, fe.Value(), fe.Param())
	case "version_constraint":
		return fmt.Sprintf("%s: %q is not a version constraint", field, fe.Value())
	case "gte":
		return field + ": must not be negative"
	default:
		return fmt.Sprintf("%s: %v fails %s validation", field, fe.Value(), fe.Tag())
	}
}
