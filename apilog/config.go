package apilog

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultEnvironment    = EnvDev
	DefaultBaseURL        = "http://localhost:8080/api/v1"
	DefaultBatchSize      = 10
	DefaultFlushInterval  = 5 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// Config holds the exporter settings. Zero values fall back to the defaults
// above; Enabled and CreateUsers default to true when nil.
type Config struct {
	APIKey         string        `koanf:"api_key" json:"api_key" validate:"required"`
	Environment    Environment   `koanf:"environment" json:"environment" validate:"omitempty,oneof=dev production"`
	BaseURL        string        `koanf:"base_url" json:"base_url" validate:"omitempty,url"`
	BatchSize      int           `koanf:"batch_size" json:"batch_size" validate:"gte=0"`
	FlushInterval  time.Duration `koanf:"flush_interval" json:"flush_interval" validate:"gte=0"`
	Enabled        *bool         `koanf:"enabled" json:"enabled"`
	MaxRetries     int           `koanf:"max_retries" json:"max_retries" validate:"gte=0"`
	RetryDelay     time.Duration `koanf:"retry_delay" json:"retry_delay" validate:"gte=0"`
	CreateUsers    *bool         `koanf:"create_users" json:"create_users"`
	RequestTimeout time.Duration `koanf:"request_timeout" json:"request_timeout" validate:"gte=0"`
	// MaxQueueSize bounds the buffer; when full the oldest entry is dropped.
	// 0 leaves the queue unbounded.
	MaxQueueSize int  `koanf:"max_queue_size" json:"max_queue_size" validate:"gte=0"`
	Compress     bool `koanf:"compress" json:"compress"`
}

// Bool returns a pointer to b, for the optional switches in Config.
func Bool(b bool) *bool { return &b }

// DefaultConfig returns a Config with every default spelled out.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:         apiKey,
		Environment:    DefaultEnvironment,
		BaseURL:        DefaultBaseURL,
		BatchSize:      DefaultBatchSize,
		FlushInterval:  DefaultFlushInterval,
		Enabled:        Bool(true),
		MaxRetries:     DefaultMaxRetries,
		RetryDelay:     DefaultRetryDelay,
		CreateUsers:    Bool(true),
		RequestTimeout: DefaultRequestTimeout,
	}
}

var validate = validator.New()

// Validate checks the configuration as given, before defaults are applied.
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return &ConfigurationError{Field: "APIKey", Err: errors.New("api key is required")}
	}
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return &ConfigurationError{Field: fieldErrs[0].Field(), Err: err}
		}
		return &ConfigurationError{Err: err}
	}
	return nil
}

// withDefaults fills zero values. The receiver is a copy.
func (c Config) withDefaults() Config {
	if c.Environment == "" {
		c.Environment = DefaultEnvironment
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.Enabled == nil {
		c.Enabled = Bool(true)
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.CreateUsers == nil {
		c.CreateUsers = Bool(true)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// Redacted returns a copy that is safe to print or serve: the API key is
// cut to its first 8 characters.
func (c Config) Redacted() Config {
	c.APIKey = MaskAPIKey(c.APIKey)
	if c.Enabled != nil {
		c.Enabled = Bool(*c.Enabled)
	}
	if c.CreateUsers != nil {
		c.CreateUsers = Bool(*c.CreateUsers)
	}
	return c
}

// MaskAPIKey keeps the first 8 characters of key. Keys of 8 characters or
// fewer are hidden entirely so the whole secret never shows.
func MaskAPIKey(key string) string {
	r := []rune(key)
	if len(r) <= 8 {
		return "..."
	}
	return string(r[:8]) + "..."
}
