// Package config loads bridge configuration from an optional TOML file and
// the environment. Environment variables always win over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the daemon configuration.
type Config struct {
	// ServerURL is the base URL of the relay server API.
	ServerURL string `toml:"server_url"`

	// TetherHome is the directory where tether stores local state
	// (master secret, machine id, logs).
	TetherHome string `toml:"-"`
	// AccessKey is the path to the access key file.
	AccessKey string `toml:"-"`

	// Agent selects the agent backend kind (claude|codex|generic).
	Agent string `toml:"agent"`
	// Model pins the agent model; empty means agent default.
	Model string `toml:"model"`
	// FakeAgent enables an in-memory stub backend for integration tests.
	FakeAgent bool `toml:"fake_agent"`

	// LogLevel is the logger verbosity (trace|debug|info|warn|error).
	LogLevel string `toml:"log_level"`

	// HistoryMaxEntries bounds the conversation history buffer by count.
	HistoryMaxEntries int `toml:"history_max_entries"`
	// HistoryMaxChars bounds the conversation history buffer by total
	// character budget.
	HistoryMaxChars int `toml:"history_max_chars"`

	// PushoverToken is the Pushover application token for ready pushes.
	PushoverToken string `toml:"pushover_token"`
	// PushoverUserKey is the Pushover destination user key.
	PushoverUserKey string `toml:"pushover_user_key"`
}

const (
	defaultServerURL         = "https://api.tether.rest"
	defaultAgent             = "claude"
	defaultHistoryMaxEntries = 40
	defaultHistoryMaxChars   = 24_000
)

// Load loads configuration from defaults, ~/.tether/config.toml (if present)
// and TETHER_* environment overrides.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	tetherHome := os.Getenv("TETHER_HOME_DIR")
	if tetherHome == "" {
		tetherHome = filepath.Join(homeDir, ".tether")
	}
	if err := os.MkdirAll(tetherHome, 0700); err != nil {
		return nil, fmt.Errorf("failed to create tether home: %w", err)
	}

	cfg := &Config{
		ServerURL:         defaultServerURL,
		Agent:             defaultAgent,
		HistoryMaxEntries: defaultHistoryMaxEntries,
		HistoryMaxChars:   defaultHistoryMaxChars,
	}

	if err := readFile(filepath.Join(tetherHome, "config.toml"), cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	cfg.TetherHome = tetherHome
	cfg.AccessKey = filepath.Join(tetherHome, "access.key")

	if cfg.Agent != "claude" && cfg.Agent != "codex" && cfg.Agent != "generic" {
		return nil, fmt.Errorf("invalid agent %q (expected claude, codex, or generic)", cfg.Agent)
	}
	if cfg.HistoryMaxEntries <= 0 || cfg.HistoryMaxChars <= 0 {
		return nil, errors.New("history bounds must be positive")
	}

	return cfg, nil
}

// readFile merges values from a TOML config file into cfg. A missing file is
// not an error.
func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TETHER_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("TETHER_AGENT"); v != "" {
		cfg.Agent = v
	}
	if v := os.Getenv("TETHER_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("TETHER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TETHER_FAKE_AGENT"); v == "true" || v == "1" {
		cfg.FakeAgent = true
	}
	if v := os.Getenv("TETHER_PUSHOVER_TOKEN"); v != "" {
		cfg.PushoverToken = v
	}
	if v := os.Getenv("TETHER_PUSHOVER_USER"); v != "" {
		cfg.PushoverUserKey = v
	}
}
