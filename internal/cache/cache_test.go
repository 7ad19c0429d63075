// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemorosa/nemorosa/internal/domain"
)

func sampleTorrent(hash, name string, size int64) domain.LocalTorrent {
	return domain.LocalTorrent{
		InfoHash: hash,
		Name:     name,
		Files:    []domain.FileEntry{{Path: name, Length: size}},
		Trackers: []string{"flacsfor.me"},
	}
}

func TestRebuildAndGet(t *testing.T) {
	c := New()
	c.Rebuild([]domain.LocalTorrent{
		sampleTorrent("AAAA", "Artist - Album", 1000),
	})

	entry, ok := c.Get("aaaa")
	require.True(t, ok)
	assert.Equal(t, "Artist - Album", entry.Torrent.Name)
}

func TestByNameLookup(t *testing.T) {
	c := New()
	c.Rebuild([]domain.LocalTorrent{
		sampleTorrent("BBBB", "Artist - Album", 1000),
	})

	matches := c.ByName("artist - album", 1000)
	require.Len(t, matches, 1)
	assert.Equal(t, "bbbb", matches[0].Torrent.InfoHash)
}

func TestUpsertReplacesEntry(t *testing.T) {
	c := New()
	c.Upsert(sampleTorrent("CCCC", "Old Name", 500))
	c.Upsert(sampleTorrent("CCCC", "New Name", 700))

	entry, ok := c.Get("CCCC")
	require.True(t, ok)
	assert.Equal(t, "New Name", entry.Torrent.Name)

	matches := c.ByName("old name", 500)
	assert.Empty(t, matches)
}

func TestRemove(t *testing.T) {
	c := New()
	c.Upsert(sampleTorrent("DDDD", "Name", 123))
	c.Remove("DDDD")

	_, ok := c.Get("DDDD")
	assert.False(t, ok)
}

func TestDiffDetectsAddedAndRemoved(t *testing.T) {
	c := New()
	c.Rebuild([]domain.LocalTorrent{
		sampleTorrent("EEEE", "Name1", 1),
		sampleTorrent("FFFF", "Name2", 2),
	})

	added, removed := c.Diff([]string{"eeee", "gggg"})

	assert.ElementsMatch(t, []string{"gggg"}, added)
	assert.ElementsMatch(t, []string{"ffff"}, removed)
}

func TestAllFilteredByTracker(t *testing.T) {
	c := New()
	c.Rebuild([]domain.LocalTorrent{
		sampleTorrent("HHHH", "Name", 1),
	})

	assert.Len(t, c.AllFiltered([]string{"flacsfor.me"}), 1)
	assert.Empty(t, c.AllFiltered([]string{"home.opsfet.ch"}))
}
