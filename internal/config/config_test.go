// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validConfig = `
downloader:
  client: "qbittorrent+http://localhost:8080"
target_site:
  - server: "https://redacted.sh"
    tracker: "flacsfor.me"
    api_key: "test-key"
`

func TestLoadValidConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.True(t, cfg.Global.ExcludeMP3)
	assert.Equal(t, "hard", cfg.Global.Linking.Mode)
	assert.Equal(t, int64(4*1024*1024), cfg.Global.MaxMissingBytes)
	assert.Equal(t, "nemorosa", cfg.Downloader.Label)
	assert.Equal(t, "6 hours", cfg.Server.SearchCadence)
	assert.Equal(t, "30 minutes", cfg.Server.CleanupCadence)
}

func TestLoadInvalidCadenceFails(t *testing.T) {
	path := writeConfig(t, validConfig+"\nserver:\n  search_cadence: \"soon\"\n")

	_, err := Load(path)

	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestParseCadence(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"  ", 0},
		{"30 minutes", 30 * time.Minute},
		{"6 hours", 6 * time.Hour},
		{"1 hour", time.Hour},
		{"2 days", 48 * time.Hour},
		{"1 week", 7 * 24 * time.Hour},
		{"45 seconds", 45 * time.Second},
	}
	for _, c := range cases {
		got, err := ParseCadence(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseCadenceRejectsGarbage(t *testing.T) {
	_, err := ParseCadence("whenever")
	assert.Error(t, err)
}

func TestLoadMissingDownloaderClientFails(t *testing.T) {
	path := writeConfig(t, `
target_site:
  - server: "https://redacted.sh"
    tracker: "flacsfor.me"
    api_key: "test-key"
`)

	_, err := Load(path)

	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadInvalidDownloaderSchemeFails(t *testing.T) {
	path := writeConfig(t, `
downloader:
  client: "ftp://localhost"
target_site:
  - server: "https://redacted.sh"
    tracker: "flacsfor.me"
    api_key: "test-key"
`)

	_, err := Load(path)

	assert.Error(t, err)
}

func TestLoadTargetSiteMissingCredentialsFails(t *testing.T) {
	path := writeConfig(t, `
downloader:
  client: "qbittorrent+http://localhost:8080"
target_site:
  - server: "https://redacted.sh"
    tracker: "flacsfor.me"
`)

	_, err := Load(path)

	assert.Error(t, err)
}

func TestLoadUnknownConfigFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	assert.Error(t, err)
}

func TestLinkingPolicyConversion(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	policy := cfg.LinkingPolicy()

	assert.Equal(t, "hard", string(policy.Mode))
	assert.Equal(t, int64(4*1024*1024), policy.MaxMissingBytes)
}
