// Package config loads pipeline settings from a YAML file and PIPELINE_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dshills/pipeline-go/pipeline"
)

// Config is the complete runtime configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Redis     RedisConfig     `yaml:"redis"`
	Tracing   TracingConfig   `yaml:"tracing"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// StoreConfig selects the run/step database.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"PIPELINE_DB_DRIVER" validate:"oneof=sqlite mysql postgres pgx memory"`
	DSN    string `yaml:"dsn" env:"PIPELINE_DB_DSN" validate:"required_unless=Driver memory"`
}

// LogConfig configures the slog logger and its optional rotating file.
type LogConfig struct {
	Level      string `yaml:"level" env:"PIPELINE_LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" env:"PIPELINE_LOG_FORMAT" validate:"oneof=text json"`
	File       string `yaml:"file" env:"PIPELINE_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"PIPELINE_LOG_MAX_SIZE_MB" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" env:"PIPELINE_LOG_MAX_BACKUPS" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" env:"PIPELINE_LOG_MAX_AGE_DAYS" validate:"gte=0"`
}

// SchedulerConfig tunes gap workers and claim retries.
type SchedulerConfig struct {
	Threads        int           `yaml:"threads" env:"PIPELINE_THREADS" validate:"gte=0"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"PIPELINE_POLL_INTERVAL" validate:"gt=0"`
	ClaimAttempts  int           `yaml:"claim_attempts" env:"PIPELINE_CLAIM_ATTEMPTS" validate:"gte=1"`
	ClaimBaseDelay time.Duration `yaml:"claim_base_delay" env:"PIPELINE_CLAIM_BASE_DELAY" validate:"gte=0"`
	ClaimMaxDelay  time.Duration `yaml:"claim_max_delay" env:"PIPELINE_CLAIM_MAX_DELAY" validate:"gte=0"`
	TerminateGrace time.Duration `yaml:"terminate_grace" env:"PIPELINE_TERMINATE_GRACE" validate:"gte=0"`
}

// RedisConfig enables the pub/sub waker when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"PIPELINE_REDIS_ADDR"`
	Password string `yaml:"password" env:"PIPELINE_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"PIPELINE_REDIS_DB" validate:"gte=0"`
}

// TracingConfig enables OTLP span export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" env:"PIPELINE_TRACING_ENABLED"`
	Endpoint    string `yaml:"endpoint" env:"PIPELINE_TRACING_ENDPOINT"`
	Insecure    bool   `yaml:"insecure" env:"PIPELINE_TRACING_INSECURE"`
	ServiceName string `yaml:"service_name" env:"PIPELINE_TRACING_SERVICE_NAME"`
}

// HTTPConfig holds the API and metrics listen addresses.
type HTTPConfig struct {
	Addr        string `yaml:"addr" env:"PIPELINE_HTTP_ADDR"`
	MetricsAddr string `yaml:"metrics_addr" env:"PIPELINE_METRICS_ADDR"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "pipeline.db",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Scheduler: SchedulerConfig{
			Threads:        0,
			PollInterval:   pipeline.DefaultPollInterval,
			ClaimAttempts:  pipeline.DefaultClaimRetry.MaxAttempts,
			ClaimBaseDelay: pipeline.DefaultClaimRetry.BaseDelay,
			ClaimMaxDelay:  pipeline.DefaultClaimRetry.MaxDelay,
			TerminateGrace: 5 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName: "pipeline",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// Load reads path (when non-empty and present), then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags of every section.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Scheduler.ClaimMaxDelay > 0 && c.Scheduler.ClaimMaxDelay < c.Scheduler.ClaimBaseDelay {
		return errors.New("invalid configuration: scheduler.claim_max_delay is below claim_base_delay")
	}
	return nil
}

// ClaimRetry converts the scheduler section into a retry policy.
func (c *Config) ClaimRetry() pipeline.RetryPolicy {
	p := pipeline.DefaultClaimRetry
	p.MaxAttempts = c.Scheduler.ClaimAttempts
	p.BaseDelay = c.Scheduler.ClaimBaseDelay
	p.MaxDelay = c.Scheduler.ClaimMaxDelay
	return p
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv walks the struct and overrides every field carrying an env tag
// whose variable is set.
func applyEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}

		key := t.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}
		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
