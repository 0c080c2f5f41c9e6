// Package config loads and validates the msdrive configuration file and
// applies the override chain: defaults -> config file -> environment
// variables -> CLI flags. CLI flags always win, matching user expectations
// for one-off overrides without editing the config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// appDirName is the directory under the user config dir holding the config
// file, token files, and the transfer journal.
const appDirName = "msdrive"

// Valid log levels.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Config is the on-disk TOML configuration.
type Config struct {
	LogLevel  string          `toml:"log_level"`
	API       APIConfig       `toml:"api"`
	Auth      AuthConfig      `toml:"auth"`
	Transfers TransfersConfig `toml:"transfers"`
}

// APIConfig selects the REST endpoint.
type APIConfig struct {
	BaseURL string `toml:"base_url"`
}

// AuthConfig overrides the OAuth2 client registration. All fields optional;
// empty values fall back to the built-in public client.
type AuthConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`
	Scope        string `toml:"scope"`
	TokenURL     string `toml:"token_url"`
}

// TransfersConfig tunes the chunked upload engine.
type TransfersConfig struct {
	// FragmentSize in bytes; 0 uses the engine default. Must be a multiple
	// of the 320 KiB alignment unit unless legacy_fragments is set.
	FragmentSize int64 `toml:"fragment_size"`

	// MaxAttempts is the whole-transfer attempt ceiling; 0 uses the default.
	MaxAttempts int `toml:"max_attempts"`

	// LegacyFragments disables the fragment alignment rule for the legacy
	// consumer API.
	LegacyFragments bool `toml:"legacy_fragments"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
	}
}

// Validate checks value ranges. The fragment alignment rule itself is
// enforced by the transfer engine; here we only reject nonsense.
func Validate(cfg *Config) error {
	if cfg.LogLevel != "" && !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("config: invalid log_level %q (debug, info, warn, error)", cfg.LogLevel)
	}

	if cfg.Transfers.FragmentSize < 0 {
		return fmt.Errorf("config: fragment_size must not be negative")
	}

	if cfg.Transfers.MaxAttempts < 0 {
		return fmt.Errorf("config: max_attempts must not be negative")
	}

	return nil
}

// appDir returns the msdrive directory under the user config dir.
func appDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}

	return filepath.Join(base, appDirName)
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	dir := appDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, "config.toml")
}

// TokenPath returns the saved token file location.
func TokenPath() string {
	dir := appDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, "token.json")
}

// JournalPath returns the upload session journal database location.
func JournalPath() string {
	dir := appDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, "journal.db")
}
