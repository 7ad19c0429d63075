// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package gazelle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTMLClientRejectsUnknownHost(t *testing.T) {
	_, err := NewHTMLClient("myops", "https://not-a-known-tracker.example", "cookie")
	require.Error(t, err)
}

func TestNewHTMLClientAcceptsKnownHost(t *testing.T) {
	c, err := NewHTMLClient("myops", "https://orpheus.network", "cookie")
	require.NoError(t, err)
	assert.Equal(t, "OPS", c.SourceFlag())
}

func TestParseSearchRowsDedupesByTorrentID(t *testing.T) {
	html := `
		<a href="torrents.php?id=10&amp;torrentid=100">dl</a>
		<a href="torrents.php?id=10&amp;torrentid=100">dl again</a>
		<a href="torrents.php?id=10&amp;torrentid=101">dl other</a>
	`
	refs := parseSearchRows(html)
	require.Len(t, refs, 2)
	assert.Equal(t, "100", refs[0].RemoteID)
	assert.Equal(t, "101", refs[1].RemoteID)
}

func TestParseSearchRowsNoMatches(t *testing.T) {
	assert.Empty(t, parseSearchRows("<html>no torrents here</html>"))
}

func TestLooksLikeLoginPage(t *testing.T) {
	assert.True(t, looksLikeLoginPage([]byte("<form action=login.php>password</form>")))
	assert.False(t, looksLikeLoginPage([]byte("<html>torrents.php results</html>")))
}
