package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fluxbase-eu/realtime-go/internal/observability"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config represents the realtime client configuration
type Config struct {
	Profile string        `mapstructure:"profile"`
	Client  ClientConfig  `mapstructure:"client"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Relay   RelayConfig   `mapstructure:"relay"`
}

// ClientConfig contains connection settings for the realtime server
type ClientConfig struct {
	URL               string            `mapstructure:"url"`
	APIKey            string            `mapstructure:"api_key"`
	AccessToken       string            `mapstructure:"access_token"`
	HeartbeatInterval time.Duration     `mapstructure:"heartbeat_interval"` // 0 disables heartbeats
	EventsPerSecond   float64           `mapstructure:"events_per_second"`  // 0 disables outbound throttling
	DialTimeout       time.Duration     `mapstructure:"dial_timeout"`
	Params            map[string]string `mapstructure:"params"`
}

// LogConfig contains console logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format string `mapstructure:"format"` // auto, console, json
}

// MetricsConfig contains Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// TracingConfig contains OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
}

// RelayConfig selects where received envelopes are republished
type RelayConfig struct {
	Backend     string `mapstructure:"backend"` // local, redis, postgres
	RedisURL    string `mapstructure:"redis_url"`
	DatabaseURL string `mapstructure:"database_url"`
	Channel     string `mapstructure:"channel"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	v := viper.New()
	v.SetConfigName("realtime")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "realtime"))
	}

	return load(v)
}

// LoadFile loads configuration from an explicit file plus environment variables
func LoadFile(path string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	// Enable environment variable support with underscore replacer
	v.SetEnvPrefix("REALTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("No config file found, using environment variables and defaults")
	} else {
		log.Debug().Str("file", v.ConfigFileUsed()).Msg("Config file loaded")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads environment variables from .env file
func loadEnvFile() error {
	locations := []string{
		".env",
		".env.local",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Debug().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}

	return fmt.Errorf("no .env file found")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("profile", "default")

	// Client defaults
	v.SetDefault("client.url", "http://localhost:54321")
	v.SetDefault("client.api_key", "")
	v.SetDefault("client.access_token", "")
	v.SetDefault("client.heartbeat_interval", "30s")
	v.SetDefault("client.events_per_second", 10)
	v.SetDefault("client.dial_timeout", "10s")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9464")
	v.SetDefault("metrics.path", "/metrics")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "realtime-client")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.insecure", true)

	// Relay defaults
	v.SetDefault("relay.backend", "")
	v.SetDefault("relay.channel", "realtime:events")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client configuration error: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log configuration error: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics configuration error: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing configuration error: %w", err)
	}
	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay configuration error: %w", err)
	}
	return nil
}

// Validate validates client configuration
func (cc *ClientConfig) Validate() error {
	if cc.URL == "" {
		return fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(cc.URL, "http://") && !strings.HasPrefix(cc.URL, "https://") &&
		!strings.HasPrefix(cc.URL, "ws://") && !strings.HasPrefix(cc.URL, "wss://") {
		return fmt.Errorf("url must use http, https, ws or wss: %s", cc.URL)
	}
	if cc.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat_interval cannot be negative")
	}
	if cc.EventsPerSecond < 0 {
		return fmt.Errorf("events_per_second cannot be negative")
	}
	if cc.DialTimeout < 0 {
		return fmt.Errorf("dial_timeout cannot be negative")
	}
	return nil
}

// Validate validates logging configuration
func (lc *LogConfig) Validate() error {
	if lc.Level != "" {
		validLevels := []string{"trace", "debug", "info", "warn", "error"}
		if !contains(validLevels, lc.Level) {
			return fmt.Errorf("invalid level: %s (must be one of: %v)", lc.Level, validLevels)
		}
	}
	if lc.Format != "" {
		validFormats := []string{"auto", "console", "json"}
		if !contains(validFormats, lc.Format) {
			return fmt.Errorf("invalid format: %s (must be one of: %v)", lc.Format, validFormats)
		}
	}
	return nil
}

// Validate validates metrics configuration
func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}
	if mc.Address == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}
	if mc.Path != "" && !strings.HasPrefix(mc.Path, "/") {
		return fmt.Errorf("metrics path must start with /")
	}
	return nil
}

// Validate validates tracing configuration
func (tc *TracingConfig) Validate() error {
	if !tc.Enabled {
		return nil
	}
	if tc.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}
	if tc.SampleRate < 0 || tc.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0.0 and 1.0")
	}
	return nil
}

// TracerConfig converts the section into the observability tracer settings
func (tc *TracingConfig) TracerConfig() observability.TracerConfig {
	return observability.TracerConfig{
		Enabled:     tc.Enabled,
		Endpoint:    tc.Endpoint,
		ServiceName: tc.ServiceName,
		Environment: tc.Environment,
		SampleRate:  tc.SampleRate,
		Insecure:    tc.Insecure,
	}
}

// Validate validates relay configuration
func (rc *RelayConfig) Validate() error {
	switch rc.Backend {
	case "", "local":
	case "redis":
		if rc.RedisURL == "" {
			return fmt.Errorf("redis_url is required for redis relay backend")
		}
	case "postgres":
		if rc.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for postgres relay backend")
		}
	default:
		return fmt.Errorf("invalid relay backend: %s (must be one of: local, redis, postgres)", rc.Backend)
	}
	if rc.Backend != "" && rc.Channel == "" {
		return fmt.Errorf("relay channel is required")
	}
	return nil
}

// Enabled reports whether received envelopes should be relayed
func (rc *RelayConfig) Enabled() bool {
	return rc.Backend != ""
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
