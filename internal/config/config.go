package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/spidey52/api-logs/apilog"
	"github.com/spidey52/api-logs/apilog/archive"
)

// EnvPrefix scopes the environment variables read by Load. Nested keys use
// a double underscore: APILOG_EXPORTER__BATCH_SIZE=20.
const EnvPrefix = "APILOG_"

type Config struct {
	Primary  Primary        `koanf:"primary" validate:"required"`
	Server   ServerConfig   `koanf:"server" validate:"required"`
	Exporter apilog.Config  `koanf:"exporter"`
	Capture  CaptureConfig  `koanf:"capture"`
	Archive  archive.Config `koanf:"archive"`
}

type Primary struct {
	Env      string `koanf:"env" validate:"required,oneof=dev production"`
	LogLevel string `koanf:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
}

type ServerConfig struct {
	Port            string        `koanf:"port" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// CaptureConfig maps onto the middleware options.
type CaptureConfig struct {
	RequestBody  bool     `koanf:"request_body"`
	ResponseBody bool     `koanf:"response_body"`
	Headers      bool     `koanf:"headers"`
	ExcludePaths []string `koanf:"exclude_paths"`
	MaxBodyBytes int64    `koanf:"max_body_bytes" validate:"gte=0"`
}

// Default is the configuration before any source is applied.
func Default() *Config {
	exporter := apilog.DefaultConfig("")
	exporter.Environment = "" // follows primary.env unless set
	return &Config{
		Primary: Primary{Env: "dev", LogLevel: "info"},
		Server: ServerConfig{
			Port:            "3000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Exporter: exporter,
		Capture: CaptureConfig{
			RequestBody:  true,
			ResponseBody: true,
		},
	}
}

// Flags registers the command line overrides understood by Load.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("env", "", "environment sent to the collector (dev|production)")
	fs.String("port", "", "HTTP listen port")
	fs.String("api-key", "", "collector API key")
	fs.String("base-url", "", "collector base URL")
	fs.Int("batch-size", 0, "entries per batch")
	fs.Duration("flush-interval", 0, "time between scheduled flushes")
	fs.Bool("compress", false, "gzip request bodies")
	fs.String("log-level", "", "trace|debug|info|warn|error")
	return fs
}

// flagKeys maps flag names onto config keys.
var flagKeys = map[string]string{
	"env":            "primary.env",
	"log-level":      "primary.log_level",
	"port":           "server.port",
	"api-key":        "exporter.api_key",
	"base-url":       "exporter.base_url",
	"batch-size":     "exporter.batch_size",
	"flush-interval": "exporter.flush_interval",
	"compress":       "exporter.compress",
}

// Load merges, in increasing priority: defaults, the YAML file named by
// --config, APILOG_* environment variables and explicitly set flags. fs may
// be nil; it must already be parsed.
func Load(fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if fs != nil {
		err = k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		}), nil)
		if err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Capture.ExcludePaths == nil {
		cfg.Capture.ExcludePaths = []string{"/health", "/metrics"}
	}
	if cfg.Exporter.Environment == "" {
		cfg.Exporter.Environment = apilog.Environment(cfg.Primary.Env)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := c.Exporter.Validate(); err != nil {
		return err
	}
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return &apilog.ConfigurationError{Field: fieldErrs[0].Namespace(), Err: err}
		}
		return err
	}
	return nil
}

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}
