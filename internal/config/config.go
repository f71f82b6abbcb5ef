// Package config loads node settings and the long-lived key material.
// It is strictly a boundary concern: engine operations receive host id
// and master key as parameters and never reach into this package.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/i5heu/chainsync/pkg/encryption"
)

// Config holds the node settings persisted in config.yaml.
type Config struct {
	// DBPath is the badger directory of the record store.
	DBPath string `yaml:"db_path"`

	// KeyPath is the master key file.
	KeyPath string `yaml:"key_path"`

	// HostID identifies this device in every record it creates.
	// Generated on first load.
	HostID string `yaml:"host_id"`

	// SyncAddress is the relay base URL. Empty disables sync.
	SyncAddress string `yaml:"sync_address"`

	// PageSize bounds sync pages and upload batches.
	PageSize int `yaml:"page_size"`

	// MinimumFreeGB refuses to open the store below this free space.
	MinimumFreeGB int `yaml:"minimum_free_gb"`

	// LastSync is the watermark of the last successful sync, in Unix
	// nanoseconds. Updated after every completed pass.
	LastSync int64 `yaml:"last_sync"`
}

// DefaultDir returns the chainsync configuration directory.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "chainsync"), nil
}

func defaults(dir string) Config {
	return Config{
		DBPath:        filepath.Join(dir, "records"),
		KeyPath:       filepath.Join(dir, "key"),
		PageSize:      100,
		MinimumFreeGB: 1,
	}
}

// Load reads the config file at path, filling in defaults and
// generating a host id on first use. The file is created if missing.
func Load(path string) (Config, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Config{}, fmt.Errorf("create config dir %q: %w", dir, err)
	}

	conf := defaults(dir)

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &conf); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	changed := false
	if conf.HostID == "" {
		conf.HostID = uuid.NewString()
		changed = true
	}
	if conf.DBPath == "" {
		conf.DBPath = filepath.Join(dir, "records")
		changed = true
	}
	if conf.KeyPath == "" {
		conf.KeyPath = filepath.Join(dir, "key")
		changed = true
	}
	if conf.PageSize <= 0 {
		conf.PageSize = 100
		changed = true
	}

	if changed || os.IsNotExist(err) {
		if err := Save(path, conf); err != nil {
			return Config{}, err
		}
	}

	return conf, nil
}

// Save writes the config file at path.
func Save(path string, conf Config) error {
	data, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %q: %w", path, err)
	}
	return nil
}

// LoadKey reads the base64-encoded master key from path.
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %q: %w", path, err)
	}

	key, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("decode key file %q: %w", path, err)
	}
	if len(key) != encryption.KeySize {
		return nil, fmt.Errorf("key file %q holds %d bytes, want %d", path, len(key), encryption.KeySize)
	}
	return key, nil
}

// GenerateKey creates a fresh random master key and writes it to path,
// refusing to overwrite an existing key file.
func GenerateKey(path string) ([]byte, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("key file %q already exists", path)
	}

	key := make([]byte, encryption.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write key file %q: %w", path, err)
	}
	return key, nil
}

// EnsureKey loads the master key, generating one on first use.
func EnsureKey(path string) ([]byte, error) {
	key, err := LoadKey(path)
	if err == nil {
		return key, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return GenerateKey(path)
	}
	return nil, err
}
