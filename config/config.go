package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "tourchat"
	// DefaultDatabaseFile is the SQLite file name inside the data directory.
	DefaultDatabaseFile = "chat.db"
	// DefaultTypingIdleTimeoutMS is the typing inactivity timeout in milliseconds.
	DefaultTypingIdleTimeoutMS = 3000
	// DefaultLogLevel is used when no valid level is configured.
	DefaultLogLevel = "info"
	// LogFormatConsole writes human-readable log lines.
	LogFormatConsole = "console"
	// LogFormatJSON writes one JSON object per log line.
	LogFormatJSON = "json"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// EngineConfig contains persistent settings of one local engine instance.
// Fields tagged env can be overridden per process without touching the file.
type EngineConfig struct {
	InstanceID          string `json:"instance_id"`
	DatabaseFile        string `json:"database_file" env:"TOURCHAT_DATABASE_FILE"`
	TypingIdleTimeoutMS int    `json:"typing_idle_timeout_ms" env:"TOURCHAT_TYPING_IDLE_TIMEOUT_MS"`
	LogLevel            string `json:"log_level" env:"TOURCHAT_LOG_LEVEL"`
	LogFormat           string `json:"log_format" env:"TOURCHAT_LOG_FORMAT"`
}

// TypingIdleTimeout returns the configured typing timeout.
func (c *EngineConfig) TypingIdleTimeout() time.Duration {
	return time.Duration(c.TypingIdleTimeoutMS) * time.Millisecond
}

// DatabasePath resolves the database file against dataDir unless it is absolute.
func (c *EngineConfig) DatabasePath(dataDir string) string {
	if filepath.IsAbs(c.DatabaseFile) {
		return c.DatabaseFile
	}
	return filepath.Join(dataDir, c.DatabaseFile)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If TOURCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("TOURCHAT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*EngineConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg EngineConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *EngineConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns the
// config with environment overrides applied, its path and the data directory.
// Overrides are never written back to the file.
func LoadOrCreate() (*EngineConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	case err != nil:
		return nil, "", "", err
	default:
		if normalizeDefaults(cfg) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", "", err
			}
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, "", "", err
	}
	return cfg, cfgPath, dataDir, nil
}

// ApplyEnv overlays the TOURCHAT_* environment variables onto cfg and
// normalizes the result.
func ApplyEnv(cfg *EngineConfig) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}
	normalizeDefaults(cfg)
	return nil
}

func defaultConfig() *EngineConfig {
	return &EngineConfig{
		InstanceID:          uuid.NewString(),
		DatabaseFile:        DefaultDatabaseFile,
		TypingIdleTimeoutMS: DefaultTypingIdleTimeoutMS,
		LogLevel:            DefaultLogLevel,
		LogFormat:           LogFormatConsole,
	}
}

func normalizeDefaults(cfg *EngineConfig) bool {
	updated := false

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.DatabaseFile) == "" {
		cfg.DatabaseFile = DefaultDatabaseFile
		updated = true
	}

	if cfg.TypingIdleTimeoutMS <= 0 {
		cfg.TypingIdleTimeoutMS = DefaultTypingIdleTimeoutMS
		updated = true
	}

	level := normalizeLogLevel(cfg.LogLevel)
	if cfg.LogLevel != level {
		cfg.LogLevel = level
		updated = true
	}

	format := normalizeLogFormat(cfg.LogFormat)
	if cfg.LogFormat != format {
		cfg.LogFormat = format
		updated = true
	}

	return updated
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "info":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return DefaultLogLevel
	}
}

func normalizeLogFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case LogFormatJSON:
		return LogFormatJSON
	default:
		return LogFormatConsole
	}
}
