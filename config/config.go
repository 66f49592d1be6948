package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Failure policies for destinations whose connection fails at start-up.
const (
	// OnFailureFatal makes construction fail so start-up can abort
	OnFailureFatal = "fatal"
	// OnFailureDegrade logs the failure and disables the destination
	OnFailureDegrade = "degrade"
)

// Config is the root configuration structure.
// It is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Logging         LoggingConfig     `yaml:"logging"`
	Connection      ConnectionConfig  `yaml:"connection"`
	EventForward    DestinationConfig `yaml:"event_forward"`
	PositionForward DestinationConfig `yaml:"position_forward"`
	Notificator     DestinationConfig `yaml:"notificator"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ConnectionConfig contains settings shared by every pooled broker connection.
type ConnectionConfig struct {
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	Name           string        `yaml:"name"`
	RecreateClosed bool          `yaml:"recreate_closed"`
}

// DestinationConfig describes where one kind of payload is published.
// A destination with an empty URL is disabled.
type DestinationConfig struct {
	URL       string        `yaml:"url"`
	Exchange  string        `yaml:"exchange"`
	Topic     string        `yaml:"topic"`
	Declare   DeclareConfig `yaml:"declare"`
	OnFailure string        `yaml:"on_failure"`
	Retry     RetryConfig   `yaml:"retry"`
	TLS       *TLSConfig    `yaml:"tls"`
}

// RetryConfig controls how often a failed publish is repeated.
// MaxAttempts of 1 publishes once.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DeclareConfig controls the optional exchange declaration.
type DeclareConfig struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// TLSConfig points at the key and trust stores used for mutual TLS.
type TLSConfig struct {
	Format     string      `yaml:"format"`
	KeyStore   StoreConfig `yaml:"key_store"`
	TrustStore StoreConfig `yaml:"trust_store"`
}

// StoreConfig locates one store on disk.
type StoreConfig struct {
	Path     string `yaml:"path"`
	Password string `yaml:"password"`
}

// Enabled reports whether the destination is configured at all.
func (d DestinationConfig) Enabled() bool {
	return d.URL != ""
}

// Load reads configuration from a YAML file, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when a file leaves fields unset.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Connection: ConnectionConfig{
			DialTimeout: 30 * time.Second,
			Heartbeat:   10 * time.Second,
		},
		EventForward:    defaultDestination(),
		PositionForward: defaultDestination(),
		Notificator:     defaultDestination(),
	}
}

func defaultDestination() DestinationConfig {
	return DestinationConfig{
		Declare:   DeclareConfig{Type: "topic", Durable: true},
		OnFailure: OnFailureFatal,
		Retry: RetryConfig{
			MaxAttempts:     1,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
	}
}

// ApplyEnvOverrides overrides secrets and endpoints from AMQPFORWARD_* variables.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AMQPFORWARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AMQPFORWARD_RECREATE_CLOSED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Connection.RecreateClosed = b
		}
	}

	destinationOverrides("AMQPFORWARD_EVENT", &cfg.EventForward)
	destinationOverrides("AMQPFORWARD_POSITION", &cfg.PositionForward)
	destinationOverrides("AMQPFORWARD_NOTIFICATOR", &cfg.Notificator)
}

func destinationOverrides(prefix string, d *DestinationConfig) {
	if v := os.Getenv(prefix + "_URL"); v != "" {
		d.URL = v
	}
	if v := os.Getenv(prefix + "_EXCHANGE"); v != "" {
		d.Exchange = v
	}
	if v := os.Getenv(prefix + "_TOPIC"); v != "" {
		d.Topic = v
	}
	if d.TLS == nil {
		return
	}
	if v := os.Getenv(prefix + "_KEY_STORE_PASSWORD"); v != "" {
		d.TLS.KeyStore.Password = v
	}
	if v := os.Getenv(prefix + "_TRUST_STORE_PASSWORD"); v != "" {
		d.TLS.TrustStore.Password = v
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be debug, info, warn or error")
	}

	if c.Connection.DialTimeout < 0 {
		errs = append(errs, "connection.dial_timeout must not be negative")
	}
	if c.Connection.Heartbeat < 0 {
		errs = append(errs, "connection.heartbeat must not be negative")
	}

	errs = append(errs, c.EventForward.validate("event_forward")...)
	errs = append(errs, c.PositionForward.validate("position_forward")...)
	errs = append(errs, c.Notificator.validate("notificator")...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (d DestinationConfig) validate(name string) []string {
	if !d.Enabled() {
		return nil
	}

	var errs []string
	if !strings.HasPrefix(d.URL, "amqp://") && !strings.HasPrefix(d.URL, "amqps://") {
		errs = append(errs, name+".url must use the amqp or amqps scheme")
	}
	if d.Topic == "" {
		errs = append(errs, name+".topic is required")
	}
	if d.Declare.Enabled && d.Exchange == "" {
		errs = append(errs, name+".exchange is required when declare is enabled")
	}

	switch strings.ToLower(strings.TrimSpace(d.Declare.Type)) {
	case "", "direct", "fanout", "topic", "headers":
	default:
		errs = append(errs, name+".declare.type must be direct, fanout, topic or headers")
	}

	switch strings.ToLower(d.OnFailure) {
	case OnFailureFatal, OnFailureDegrade:
	default:
		errs = append(errs, name+".on_failure must be fatal or degrade")
	}

	if d.Retry.MaxAttempts < 1 {
		errs = append(errs, name+".retry.max_attempts must be at least 1")
	}
	if d.Retry.MaxAttempts > 1 && d.Retry.InitialInterval <= 0 {
		errs = append(errs, name+".retry.initial_interval must be positive")
	}

	if d.TLS != nil {
		if !strings.HasPrefix(d.URL, "amqps://") {
			errs = append(errs, name+".tls requires an amqps url")
		}
		if d.TLS.KeyStore.Path == "" || d.TLS.TrustStore.Path == "" {
			errs = append(errs, name+".tls needs key_store.path and trust_store.path")
		}
		switch strings.ToLower(d.TLS.Format) {
		case "", "pkcs12", "jks":
		default:
			errs = append(errs, name+".tls.format must be pkcs12 or jks")
		}
	}

	return errs
}
