package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/handiism/batch-downloader/internal/http"
)

// Settings holds all configuration options.
type Settings struct {
	// Download settings
	OutputDir     string `json:"output_dir"`
	MaxConcurrent int    `json:"max_concurrent"`
	ArchiveName   string `json:"archive_name"`

	// Transport settings
	UserAgent        string  `json:"user_agent"`
	TimeoutSeconds   float64 `json:"timeout_seconds"`
	ProgressInterval float64 `json:"progress_interval"` // seconds between progress notifications
	Referer          string  `json:"referer"`

	// Proxy settings
	ProxyURL string `json:"proxy_url"`

	// Logging
	Level string `json:"log_level"` // debug, info, warn, error
}

// DefaultSettings returns settings with default values.
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()
	return &Settings{
		OutputDir:     filepath.Join(homeDir, "Downloads"),
		MaxConcurrent: 1,
		ArchiveName:   "agroup.zip",

		UserAgent:        "BatchDownloader",
		TimeoutSeconds:   60,
		ProgressInterval: 0.2,

		Level: "info",
	}
}

// Load reads settings from a JSON file. A missing file yields the defaults.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}

	settings := DefaultSettings()
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, err
	}

	return settings, nil
}

// Save writes settings to a JSON file.
func (s *Settings) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultPath returns the settings file location under the user config dir.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "batch-downloader.json"
	}
	return filepath.Join(dir, "batch-downloader", "config.json")
}

// ToClientConfig converts settings to the HTTP client config.
func (s *Settings) ToClientConfig() http.Config {
	return http.Config{
		Timeout:          seconds(s.TimeoutSeconds),
		UserAgent:        s.UserAgent,
		Referer:          s.Referer,
		ProxyURL:         s.ProxyURL,
		ProgressInterval: seconds(s.ProgressInterval),
	}
}

// LogLevel parses Level. Unknown values fall back to info.
func (s *Settings) LogLevel() slog.Level {
	switch strings.ToLower(s.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
