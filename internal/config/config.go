// Package config loads runtime configuration for a cbank node. A JSON file
// provides the base values, defaults fill anything the file leaves out, and
// CBANK_* environment variables override both. Operators usually keep the
// file at /etc/cbank/config.json and point CBANK_CONFIG at it.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// Config holds configurable options for the node.
type Config struct {
	// Capacity and WithdrawalLimit are only used when the ledger database is
	// created; afterwards the stored values win.
	Capacity        uint64 `json:"capacity" env:"CBANK_CAPACITY"`
	WithdrawalLimit uint64 `json:"withdrawal_limit" env:"CBANK_WITHDRAWAL_LIMIT"`

	Port       int    `json:"port" env:"CBANK_PORT"`
	DBFile     string `json:"db_file" env:"CBANK_DB_FILE"`
	KeyFile    string `json:"key_file" env:"CBANK_KEY_FILE"`
	PayoutURL  string `json:"payout_url" env:"CBANK_PAYOUT_URL"`
	DocsDir    string `json:"docs_dir" env:"CBANK_DOCS_DIR"`
	MaxBackups int    `json:"max_backups" env:"CBANK_MAX_BACKUPS"`
	LogLevel   string `json:"log_level" env:"CBANK_LOG_LEVEL"`
	LogMode    string `json:"log_mode" env:"CBANK_LOG_MODE"`
}

// Defaults returns the configuration used when nothing else is provided.
func Defaults() Config {
	return Config{
		Capacity:        5_000_000_000_000_000_000,
		WithdrawalLimit: 500_000_000_000_000_000,
		Port:            8080,
		DBFile:          "ledger.db",
		KeyFile:         "cbank_key.pem",
		DocsDir:         "internal/docs",
		MaxBackups:      20,
		LogLevel:        "info",
		LogMode:         "dev",
	}
}

// Load reads the JSON file at path (skipped when path is empty or the file
// does not exist), merges defaults for zero-value fields, applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	def := Defaults()
	var c Config

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := json.Unmarshal(b, &c); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// merge defaults for any zero-value fields
	if c.Capacity == 0 {
		c.Capacity = def.Capacity
	}
	if c.WithdrawalLimit == 0 {
		c.WithdrawalLimit = def.WithdrawalLimit
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.DBFile == "" {
		c.DBFile = def.DBFile
	}
	if c.KeyFile == "" {
		c.KeyFile = def.KeyFile
	}
	if c.DocsDir == "" {
		c.DocsDir = def.DocsDir
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = def.MaxBackups
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogMode == "" {
		c.LogMode = def.LogMode
	}

	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configurations the node cannot run with.
func (c Config) Validate() error {
	if c.Capacity == 0 {
		return errors.New("capacity must be positive")
	}
	if c.WithdrawalLimit == 0 {
		return errors.New("withdrawal_limit must be positive")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}
