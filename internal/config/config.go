// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads and validates nemorosa's YAML configuration using
// viper, the way the wider qui/autobrr family of tools binds its config
// surface.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/nemorosa/nemorosa/internal/domain"
)

// ConfigError wraps a configuration problem detected at startup. The CLI
// maps this to exit code 2.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Global mirrors the YAML `global` block.
type Global struct {
	LogLevel          string   `mapstructure:"loglevel"`
	NoDownload        bool     `mapstructure:"no_download"`
	ExcludeMP3        bool     `mapstructure:"exclude_mp3"`
	CheckTrackers     []string `mapstructure:"check_trackers"`
	CheckMusicOnly    bool     `mapstructure:"check_music_only"`
	AutoStartTorrents bool     `mapstructure:"auto_start_torrents"`
	Linking           Linking  `mapstructure:"linking"`
	MaxMissingBytes   int64    `mapstructure:"max_missing_bytes"`
}

// Linking mirrors the YAML `global.linking` block.
type Linking struct {
	Mode               string `mapstructure:"mode"`
	AllowPartialPieces bool   `mapstructure:"allow_partial_pieces"`
}

// Server mirrors the YAML `server` block. SearchCadence and
// CleanupCadence drive the scheduled-mode loop server mode runs
// alongside the HTTP listener: cron-like strings of the form
// "N seconds|minutes|hours|days|weeks", same as the cadence format the
// original scheduler config used. Empty disables that job entirely.
type Server struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	APIKey         string `mapstructure:"api_key"`
	SearchCadence  string `mapstructure:"search_cadence"`
	CleanupCadence string `mapstructure:"cleanup_cadence"`
}

// Downloader mirrors the YAML `downloader` block. Client is a URL of the
// form `{kind}+{scheme}://user:pass@host:port[/path][?torrents_dir=...]`.
type Downloader struct {
	Client string `mapstructure:"client"`
	Label  string `mapstructure:"label"`
}

// TargetSite mirrors one entry of the YAML `target_site` list.
type TargetSite struct {
	Server string `mapstructure:"server"`
	Tracker string `mapstructure:"tracker"`
	APIKey string `mapstructure:"api_key"`
	Cookie string `mapstructure:"cookie"`
}

// Config is the fully parsed, validated configuration tree.
type Config struct {
	Global      Global       `mapstructure:"global"`
	Server      Server       `mapstructure:"server"`
	Downloader  Downloader   `mapstructure:"downloader"`
	TargetSites []TargetSite `mapstructure:"target_site"`
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warning": true, "error": true, "critical": true,
}

var defaultCheckTrackers = []string{
	"flacsfor.me", "home.opsfet.ch",
}

// Load reads and validates configuration from path, falling back to
// environment variable overrides prefixed NEMOROSA_. An empty path falls
// back to the platform user-config directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEMOROSA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("global.loglevel", "info")
	v.SetDefault("global.exclude_mp3", true)
	v.SetDefault("global.check_trackers", defaultCheckTrackers)
	v.SetDefault("global.check_music_only", true)
	v.SetDefault("global.auto_start_torrents", true)
	v.SetDefault("global.linking.mode", "hard")
	v.SetDefault("global.linking.allow_partial_pieces", false)
	v.SetDefault("global.max_missing_bytes", 4*1024*1024)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9393)
	v.SetDefault("server.search_cadence", "6 hours")
	v.SetDefault("server.cleanup_cadence", "30 minutes")
	v.SetDefault("downloader.label", "nemorosa")

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, &ConfigError{Msg: "config file not found", Err: err}
	}

	v.SetConfigFile(resolved)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigError{Msg: "failed to read config file", Err: err}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Msg: "failed to unmarshal config", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Msg: "invalid config", Err: err}
	}

	return &cfg, nil
}

func resolvePath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	candidate := filepath.Join(dir, "nemorosa", "config.yml")
	if _, err := os.Stat(candidate); err != nil {
		return "", err
	}
	return candidate, nil
}

// Validate checks the invariants the teacher's Python config layer
// enforced at construction time: log level enumeration, a non-empty
// downloader client URL with a recognized scheme prefix, and every
// target site carrying a server URL, tracker domain, and one of
// api_key/cookie.
func (c *Config) Validate() error {
	if !validLogLevels[c.Global.LogLevel] {
		return fmt.Errorf("invalid loglevel %q", c.Global.LogLevel)
	}

	switch domain.LinkMode(c.Global.Linking.Mode) {
	case domain.LinkNone, domain.LinkHard, domain.LinkSym, domain.LinkReflink:
	default:
		return fmt.Errorf("invalid linking.mode %q", c.Global.Linking.Mode)
	}

	if c.Downloader.Client == "" {
		return fmt.Errorf("downloader client URL is required")
	}
	if !hasAnyPrefix(c.Downloader.Client, "deluge://", "transmission+", "qbittorrent+") {
		return fmt.Errorf("invalid downloader client URL format: %s", c.Downloader.Client)
	}
	if strings.TrimSpace(c.Downloader.Label) == "" {
		return fmt.Errorf("downloader label cannot be empty")
	}

	if _, err := ParseCadence(c.Server.SearchCadence); err != nil {
		return fmt.Errorf("server.search_cadence: %w", err)
	}
	if _, err := ParseCadence(c.Server.CleanupCadence); err != nil {
		return fmt.Errorf("server.cleanup_cadence: %w", err)
	}

	for i, site := range c.TargetSites {
		if site.Server == "" {
			return fmt.Errorf("target_site[%d]: server URL is required", i)
		}
		if !hasAnyPrefix(site.Server, "http://", "https://") {
			return fmt.Errorf("target_site[%d]: invalid server URL format: %s", i, site.Server)
		}
		if site.Tracker == "" {
			return fmt.Errorf("target_site[%d]: tracker is required", i)
		}
		if site.APIKey == "" && site.Cookie == "" {
			return fmt.Errorf("target_site[%d]: must have either api_key or cookie", i)
		}
	}

	return nil
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// LinkingPolicy converts the Global.Linking block into the domain value
// the Matcher and Reconciler consume.
func (c *Config) LinkingPolicy() domain.LinkingPolicy {
	return domain.LinkingPolicy{
		Mode:               domain.LinkMode(c.Global.Linking.Mode),
		AllowPartialPieces: c.Global.Linking.AllowPartialPieces,
		MaxMissingBytes:    c.Global.MaxMissingBytes,
	}
}
