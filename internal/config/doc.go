// Package config provides configuration management for batch-downloader.
//
// This package handles:
//   - Loading and saving settings from JSON files
//   - Default configuration values
//   - Conversion to the HTTP client config and the slog level
//
// # Default Settings
//
// Use DefaultSettings() to get sensible defaults:
//
//	settings := config.DefaultSettings()
//	// Saves to ~/Downloads
//	// One download at a time
//	// Batches delivered as agroup.zip
//
// # Loading from File
//
//	settings, err := config.Load("/path/to/config.json")
//	if err != nil {
//	    // Uses defaults if file doesn't exist
//	}
//
// # Saving Settings
//
//	settings.MaxConcurrent = 4
//	err := settings.Save("/path/to/config.json")
package config
