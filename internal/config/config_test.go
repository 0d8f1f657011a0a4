package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestClientConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  ClientConfig
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid http url",
			config: ClientConfig{
				URL:               "http://localhost:54321",
				HeartbeatInterval: 30 * time.Second,
				EventsPerSecond:   10,
			},
			wantErr: false,
		},
		{
			name: "valid wss url",
			config: ClientConfig{
				URL: "wss://example.com/realtime/v1",
			},
			wantErr: false,
		},
		{
			name:    "missing url",
			config:  ClientConfig{},
			wantErr: true,
			errMsg:  "url is required",
		},
		{
			name: "unsupported scheme",
			config: ClientConfig{
				URL: "ftp://example.com",
			},
			wantErr: true,
			errMsg:  "url must use http, https, ws or wss",
		},
		{
			name: "negative heartbeat",
			config: ClientConfig{
				URL:               "http://localhost",
				HeartbeatInterval: -time.Second,
			},
			wantErr: true,
			errMsg:  "heartbeat_interval cannot be negative",
		},
		{
			name: "negative events per second",
			config: ClientConfig{
				URL:             "http://localhost",
				EventsPerSecond: -1,
			},
			wantErr: true,
			errMsg:  "events_per_second cannot be negative",
		},
		{
			name: "negative dial timeout",
			config: ClientConfig{
				URL:         "http://localhost",
				DialTimeout: -time.Second,
			},
			wantErr: true,
			errMsg:  "dial_timeout cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLogConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  LogConfig
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			config:  LogConfig{Level: "debug", Format: "json"},
			wantErr: false,
		},
		{
			name:    "empty values use defaults",
			config:  LogConfig{},
			wantErr: false,
		},
		{
			name:    "invalid level",
			config:  LogConfig{Level: "verbose"},
			wantErr: true,
			errMsg:  "invalid level",
		},
		{
			name:    "invalid format",
			config:  LogConfig{Format: "xml"},
			wantErr: true,
			errMsg:  "invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestMetricsConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  MetricsConfig
		wantErr bool
		errMsg  string
	}{
		{
			name:    "disabled metrics doesn't validate",
			config:  MetricsConfig{Enabled: false},
			wantErr: false,
		},
		{
			name:    "valid enabled config",
			config:  MetricsConfig{Enabled: true, Address: ":9464", Path: "/metrics"},
			wantErr: false,
		},
		{
			name:    "enabled without address",
			config:  MetricsConfig{Enabled: true},
			wantErr: true,
			errMsg:  "metrics address is required",
		},
		{
			name:    "relative path",
			config:  MetricsConfig{Enabled: true, Address: ":9464", Path: "metrics"},
			wantErr: true,
			errMsg:  "metrics path must start with /",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTracingConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  TracingConfig
		wantErr bool
		errMsg  string
	}{
		{
			name: "disabled tracing doesn't validate",
			config: TracingConfig{
				Enabled: false,
			},
			wantErr: false,
		},
		{
			name: "valid enabled config",
			config: TracingConfig{
				Enabled:    true,
				Endpoint:   "localhost:4317",
				SampleRate: 0.5,
			},
			wantErr: false,
		},
		{
			name: "enabled without endpoint",
			config: TracingConfig{
				Enabled:  true,
				Endpoint: "",
			},
			wantErr: true,
			errMsg:  "tracing endpoint is required",
		},
		{
			name: "sample rate too low",
			config: TracingConfig{
				Enabled:    true,
				Endpoint:   "localhost:4317",
				SampleRate: -0.1,
			},
			wantErr: true,
			errMsg:  "sample_rate must be between 0.0 and 1.0",
		},
		{
			name: "sample rate too high",
			config: TracingConfig{
				Enabled:    true,
				Endpoint:   "localhost:4317",
				SampleRate: 1.5,
			},
			wantErr: true,
			errMsg:  "sample_rate must be between 0.0 and 1.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTracingConfig_TracerConfig(t *testing.T) {
	tc := TracingConfig{
		Enabled:     true,
		Endpoint:    "otel:4317",
		ServiceName: "listener",
		Environment: "staging",
		SampleRate:  0.25,
		Insecure:    false,
	}

	got := tc.TracerConfig()
	assert.True(t, got.Enabled)
	assert.Equal(t, "otel:4317", got.Endpoint)
	assert.Equal(t, "listener", got.ServiceName)
	assert.Equal(t, "staging", got.Environment)
	assert.Equal(t, 0.25, got.SampleRate)
	assert.False(t, got.Insecure)
}

func TestRelayConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  RelayConfig
		wantErr bool
		errMsg  string
	}{
		{
			name:    "relay disabled",
			config:  RelayConfig{},
			wantErr: false,
		},
		{
			name: "valid local backend",
			config: RelayConfig{
				Backend: "local",
				Channel: "realtime:events",
			},
			wantErr: false,
		},
		{
			name: "valid postgres backend",
			config: RelayConfig{
				Backend:     "postgres",
				DatabaseURL: "postgres://localhost/realtime",
				Channel:     "realtime:events",
			},
			wantErr: false,
		},
		{
			name: "valid redis backend",
			config: RelayConfig{
				Backend:  "redis",
				RedisURL: "redis://localhost:6379",
				Channel:  "realtime:events",
			},
			wantErr: false,
		},
		{
			name: "invalid backend",
			config: RelayConfig{
				Backend: "memcached",
			},
			wantErr: true,
			errMsg:  "invalid relay backend",
		},
		{
			name: "redis without url",
			config: RelayConfig{
				Backend: "redis",
				Channel: "realtime:events",
			},
			wantErr: true,
			errMsg:  "redis_url is required",
		},
		{
			name: "postgres without url",
			config: RelayConfig{
				Backend: "postgres",
				Channel: "realtime:events",
			},
			wantErr: true,
			errMsg:  "database_url is required",
		},
		{
			name: "missing channel",
			config: RelayConfig{
				Backend: "local",
			},
			wantErr: true,
			errMsg:  "relay channel is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRelayConfig_Enabled(t *testing.T) {
	assert.False(t, (&RelayConfig{}).Enabled())
	assert.True(t, (&RelayConfig{Backend: "local"}).Enabled())
}

func TestConfig_Validate_WrapsSection(t *testing.T) {
	cfg := Config{
		Client: ClientConfig{URL: "http://localhost"},
		Relay:  RelayConfig{Backend: "kafka"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay configuration error")
}

func TestLoadFile(t *testing.T) {
	t.Run("defaults fill missing keys", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "realtime.yaml")
		require.NoError(t, os.WriteFile(path, []byte("client:\n  url: https://project.example.com\n"), 0o600))

		cfg, err := LoadFile(path)
		require.NoError(t, err)

		assert.Equal(t, "https://project.example.com", cfg.Client.URL)
		assert.Equal(t, 30*time.Second, cfg.Client.HeartbeatInterval)
		assert.Equal(t, 10.0, cfg.Client.EventsPerSecond)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "realtime-client", cfg.Tracing.ServiceName)
		assert.False(t, cfg.Relay.Enabled())
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "realtime.yaml")
		require.NoError(t, os.WriteFile(path, []byte("client:\n  url: https://project.example.com\n  api_key: from-file\n"), 0o600))
		t.Setenv("REALTIME_CLIENT_API_KEY", "from-env")
		t.Setenv("REALTIME_CLIENT_EVENTS_PER_SECOND", "0")

		cfg, err := LoadFile(path)
		require.NoError(t, err)

		assert.Equal(t, "from-env", cfg.Client.APIKey)
		assert.Equal(t, 0.0, cfg.Client.EventsPerSecond)
	})

	t.Run("invalid file is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "realtime.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))

		_, err := LoadFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid level")
	})
}

func TestResolveCredentials(t *testing.T) {
	keyring.MockInit()
	store := NewKeychainStore()
	require.NoError(t, store.Save("staging", &Credentials{APIKey: "stored-key", AccessToken: "stored-token"}))

	t.Run("fills empty values from the keychain", func(t *testing.T) {
		cfg := &Config{Profile: "staging"}
		require.NoError(t, cfg.ResolveCredentials(store))
		assert.Equal(t, "stored-key", cfg.Client.APIKey)
		assert.Equal(t, "stored-token", cfg.Client.AccessToken)
	})

	t.Run("configured values win", func(t *testing.T) {
		cfg := &Config{Profile: "staging", Client: ClientConfig{APIKey: "explicit"}}
		require.NoError(t, cfg.ResolveCredentials(store))
		assert.Equal(t, "explicit", cfg.Client.APIKey)
		assert.Equal(t, "stored-token", cfg.Client.AccessToken)
	})

	t.Run("missing profile is not an error", func(t *testing.T) {
		cfg := &Config{Profile: "unknown"}
		require.NoError(t, cfg.ResolveCredentials(store))
		assert.Empty(t, cfg.Client.APIKey)
	})
}

func TestKeychainStore_Delete(t *testing.T) {
	keyring.MockInit()
	store := NewKeychainStore()

	require.NoError(t, store.Save("dev", &Credentials{APIKey: "k"}))
	require.NoError(t, store.Delete("dev"))

	creds, err := store.Load("dev")
	require.NoError(t, err)
	assert.Nil(t, creds)

	assert.NoError(t, store.Delete("dev"), "deleting a missing entry is a no-op")
}
