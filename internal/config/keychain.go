package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/zalando/go-keyring"
)

const (
	// ServiceName is the keychain service identifier
	ServiceName = "realtime-cli"
)

// Credentials holds the secrets used to open a realtime connection
type Credentials struct {
	APIKey      string `json:"api_key"`
	AccessToken string `json:"access_token,omitempty"`
}

// KeychainStore stores credentials in the system keychain
type KeychainStore struct {
	serviceName string
}

// NewKeychainStore creates a new keychain store
func NewKeychainStore() *KeychainStore {
	return &KeychainStore{
		serviceName: ServiceName,
	}
}

// IsAvailable checks if keychain is available on this system
func (k *KeychainStore) IsAvailable() bool {
	switch runtime.GOOS {
	case "darwin", "windows":
		return true
	case "linux":
		// Linux requires a secret service such as gnome-keyring
		if err := keyring.Set(k.serviceName, "__probe__", "probe"); err != nil {
			return false
		}
		_ = keyring.Delete(k.serviceName, "__probe__")
		return true
	default:
		return false
	}
}

// Save stores credentials for a profile
func (k *KeychainStore) Save(profile string, creds *Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := keyring.Set(k.serviceName, profile, string(data)); err != nil {
		return fmt.Errorf("failed to save to keychain: %w", err)
	}
	return nil
}

// Load retrieves credentials for a profile. Missing entries return nil, nil.
func (k *KeychainStore) Load(profile string) (*Credentials, error) {
	data, err := keyring.Get(k.serviceName, profile)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load from keychain: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(data), &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return &creds, nil
}

// Delete removes credentials for a profile
func (k *KeychainStore) Delete(profile string) error {
	err := keyring.Delete(k.serviceName, profile)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete from keychain: %w", err)
	}
	return nil
}

// ResolveCredentials fills an empty api_key or access_token from the keychain
// entry of the active profile. Values already set by file or environment win.
func (c *Config) ResolveCredentials(store *KeychainStore) error {
	if c.Client.APIKey != "" && c.Client.AccessToken != "" {
		return nil
	}

	creds, err := store.Load(c.Profile)
	if err != nil {
		return err
	}
	if creds == nil {
		return nil
	}

	if c.Client.APIKey == "" {
		c.Client.APIKey = creds.APIKey
	}
	if c.Client.AccessToken == "" {
		c.Client.AccessToken = creds.AccessToken
	}
	log.Debug().Str("profile", c.Profile).Msg("Credentials loaded from keychain")
	return nil
}
