// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Limits   LimitsConfig   `toml:"limits"`
	Database DatabaseConfig `toml:"database"`
}

// ServerConfig controls the HTTP listener and static assets.
type ServerConfig struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	StaticDir string `toml:"static_dir"`
}

// UpstreamConfig points at the hosted model endpoint. APIKey is an
// optional server-side default; a key supplied by the client wins.
type UpstreamConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// LimitsConfig holds the size ceilings and timeouts.
type LimitsConfig struct {
	// MaxBodyMB caps the serialized request the relay accepts.
	MaxBodyMB int `toml:"max_body_mb"`
	// MaxFileMB caps one uploaded file; MaxUploadMB caps a whole batch.
	MaxFileMB   int `toml:"max_file_mb"`
	MaxUploadMB int `toml:"max_upload_mb"`
	// WatchdogSeconds bounds a silent upstream relay call.
	WatchdogSeconds int `toml:"watchdog_seconds"`
}

// DatabaseConfig locates the SQLite file and bounds the startup retry
// loop.
type DatabaseConfig struct {
	Path            string `toml:"path"`
	ConnectAttempts int    `toml:"connect_attempts"`
	ConnectDelaySec int    `toml:"connect_delay_seconds"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      3000,
			StaticDir: "public",
		},
		Upstream: UpstreamConfig{
			URL: "https://api.anthropic.com/v1/messages",
		},
		Limits: LimitsConfig{
			MaxBodyMB:       200,
			MaxFileMB:       200,
			MaxUploadMB:     200,
			WatchdogSeconds: 300,
		},
		Database: DatabaseConfig{
			Path:            filepath.Join("data", "chatrelay.db"),
			ConnectAttempts: 20,
			ConnectDelaySec: 3,
		},
	}
}

// MaxBodyBytes returns the relay body ceiling in bytes.
func (c *Config) MaxBodyBytes() int64 { return int64(c.Limits.MaxBodyMB) << 20 }

// MaxFileBytes returns the per-file upload ceiling in bytes.
func (c *Config) MaxFileBytes() int64 { return int64(c.Limits.MaxFileMB) << 20 }

// MaxUploadBytes returns the cumulative upload ceiling in bytes.
func (c *Config) MaxUploadBytes() int64 { return int64(c.Limits.MaxUploadMB) << 20 }

// WatchdogTimeout returns the relay watchdog duration.
func (c *Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.Limits.WatchdogSeconds) * time.Second
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the TOML file at path (defaults apply when it does not
// exist), applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps CHATRELAY_* variables over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHATRELAY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("CHATRELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CHATRELAY_STATIC_DIR"); v != "" {
		c.Server.StaticDir = v
	}
	if v := os.Getenv("CHATRELAY_UPSTREAM_URL"); v != "" {
		c.Upstream.URL = v
	}
	if v := os.Getenv("CHATRELAY_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("CHATRELAY_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("CHATRELAY_MAX_BODY_MB"); v != "" {
		if mb, err := strconv.Atoi(v); err == nil {
			c.Limits.MaxBodyMB = mb
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Message)
}

// Validate checks ranges. First failure wins.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: "must be 1-65535"}
	}
	if strings.TrimSpace(c.Upstream.URL) == "" {
		return &ValidationError{Field: "upstream.url", Message: "must not be empty"}
	}
	if c.Limits.MaxBodyMB <= 0 {
		return &ValidationError{Field: "limits.max_body_mb", Message: "must be positive"}
	}
	if c.Limits.MaxFileMB <= 0 || c.Limits.MaxUploadMB <= 0 {
		return &ValidationError{Field: "limits", Message: "file and upload ceilings must be positive"}
	}
	if c.Limits.WatchdogSeconds <= 0 {
		return &ValidationError{Field: "limits", Message: "watchdog timeout must be positive"}
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return &ValidationError{Field: "database.path", Message: "must not be empty"}
	}
	if c.Database.ConnectAttempts < 1 {
		return &ValidationError{Field: "database.connect_attempts", Message: "must be at least 1"}
	}
	return nil
}

// =============================================================================
// HOT RELOAD
// =============================================================================

// Watch reloads the config file on change and calls onChange with the
// new value. Returns a stop function. Invalid edits are logged and
// ignored; the previous configuration stays active.
func Watch(path string, onChange func(*Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		var lastReload time.Time
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				// Editors fire bursts of events per save.
				if time.Since(lastReload) < 200*time.Millisecond {
					continue
				}
				lastReload = time.Now()

				cfg, err := Load(path)
				if err != nil {
					log.Printf("[config] reload failed, keeping previous: %v", err)
					continue
				}
				log.Printf("[config] reloaded %s", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[config] watch error: %v", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
