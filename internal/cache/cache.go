// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cache maintains the Torrent Info Cache: an in-memory,
// infohash-keyed index of every torrent held by the configured torrent
// client, rebuilt on a full scan and incrementally updated from
// add/remove diffs, with a TTL-cached normalized-name lookup for
// announce-triggered matching.
package cache

import (
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/moistari/rls"

	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/normalize"
	"github.com/nemorosa/nemorosa/pkg/hashutil"
)

// nameKey is the composite key the by-name index looks candidates up
// by: a loose-normalized display name together with its declared size,
// since two different releases can share a name but never a size.
type nameKey struct {
	name string
	size int64
}

// Cache is the Torrent Info Cache. All exported methods are safe for
// concurrent use; callers from the Orchestrator's single-writer queue
// serialize mutations, but read paths (announce lookups) run
// concurrently with scheduled scans.
type Cache struct {
	mu       sync.RWMutex
	byHash   map[string]domain.TorrentInfoCacheEntry
	byName   map[nameKey][]string // normalized name+size -> infohashes
	releases *ttlcache.Cache[string, rls.Release]
}

// New builds an empty cache. Call Rebuild (or Upsert per entry) to
// populate it from a torrent client snapshot.
func New() *Cache {
	releases := ttlcache.New(ttlcache.Options[string, rls.Release]{}.
		SetDefaultTTL(5 * time.Minute))

	return &Cache{
		byHash:   make(map[string]domain.TorrentInfoCacheEntry),
		byName:   make(map[nameKey][]string),
		releases: releases,
	}
}

// Rebuild replaces the entire cache contents from a full torrent client
// snapshot, used by the Full Scan orchestration mode.
func (c *Cache) Rebuild(torrents []domain.LocalTorrent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byHash = make(map[string]domain.TorrentInfoCacheEntry, len(torrents))
	c.byName = make(map[nameKey][]string, len(torrents))
	for _, t := range torrents {
		c.insertLocked(t)
	}
}

// Upsert adds or replaces one torrent's cache entry, used when the
// Orchestrator observes an added or changed hash between polls.
func (c *Cache) Upsert(t domain.LocalTorrent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(t.InfoHash)
	c.insertLocked(t)
}

// Remove drops one infohash's cache entry, used when the torrent client
// no longer reports it.
func (c *Cache) Remove(infoHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(infoHash)
}

func (c *Cache) insertLocked(t domain.LocalTorrent) {
	hash := hashutil.Normalize(t.InfoHash)
	t.InfoHash = hash
	firstFile := displayName(t)
	normalized := normalize.Normalize(firstFile, normalize.Loose)

	c.byHash[hash] = domain.TorrentInfoCacheEntry{
		Torrent:             t,
		NormalizedFirstFile: normalized,
	}

	key := nameKey{name: normalized, size: totalSize(t)}
	c.byName[key] = append(c.byName[key], hash)
}

func (c *Cache) removeLocked(infoHash string) {
	hash := hashutil.Normalize(infoHash)
	entry, ok := c.byHash[hash]
	if !ok {
		return
	}
	delete(c.byHash, hash)

	key := nameKey{name: entry.NormalizedFirstFile, size: totalSize(entry.Torrent)}
	hashes := c.byName[key]
	for i, h := range hashes {
		if h == hash {
			c.byName[key] = append(hashes[:i], hashes[i+1:]...)
			break
		}
	}
	if len(c.byName[key]) == 0 {
		delete(c.byName, key)
	}
}

// Get looks up one torrent by infohash.
func (c *Cache) Get(infoHash string) (domain.TorrentInfoCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.byHash[hashutil.Normalize(infoHash)]
	return entry, ok
}

// ByName looks up torrents matching a display name and size, the index
// announce-triggered matching consults when the client reports only a
// name, not an infohash.
func (c *Cache) ByName(name string, size int64) []domain.TorrentInfoCacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := nameKey{name: normalize.Normalize(name, normalize.Loose), size: size}
	hashes := c.byName[key]
	out := make([]domain.TorrentInfoCacheEntry, 0, len(hashes))
	for _, h := range hashes {
		if entry, ok := c.byHash[h]; ok {
			out = append(out, entry)
		}
	}
	return out
}

// AllFiltered returns every cached torrent with at least one tracker
// in allowTrackers, the set the Full Scan mode iterates.
func (c *Cache) AllFiltered(allowTrackers []string) []domain.TorrentInfoCacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	allow := make(map[string]bool, len(allowTrackers))
	for _, t := range allowTrackers {
		allow[t] = true
	}

	var out []domain.TorrentInfoCacheEntry
	for _, entry := range c.byHash {
		for _, tr := range entry.Torrent.Trackers {
			if allow[tr] {
				out = append(out, entry)
				break
			}
		}
	}
	return out
}

// Diff computes which infohashes in `current` are new relative to the
// cache's present contents, and which previously cached hashes are no
// longer present, the shape the Orchestrator's poll loop needs to drive
// incremental Upsert/Remove calls.
func (c *Cache) Diff(current []string) (added, removed []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	currentSet := hashutil.NormalizeAll(current)
	currentLookup := make(map[string]bool, len(currentSet))
	for _, h := range currentSet {
		currentLookup[h] = true
	}

	for _, h := range currentSet {
		if _, ok := c.byHash[h]; !ok {
			added = append(added, h)
		}
	}
	for h := range c.byHash {
		if !currentLookup[h] {
			removed = append(removed, h)
		}
	}
	return added, removed
}

// ParseRelease parses a torrent's display name with release-tag
// awareness, cached per name since the same display names recur across
// repeated announce events.
func (c *Cache) ParseRelease(name string) rls.Release {
	if cached, ok := c.releases.Get(name); ok {
		return cached
	}
	release := rls.ParseString(name)
	c.releases.Set(name, release, ttlcache.DefaultTTL)
	return release
}

func displayName(t domain.LocalTorrent) string {
	if t.Name != "" {
		return t.Name
	}
	if len(t.Files) > 0 {
		return t.Files[0].Path
	}
	return ""
}

func totalSize(t domain.LocalTorrent) int64 {
	var total int64
	for _, f := range t.Files {
		total += f.Length
	}
	return total
}
