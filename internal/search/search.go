// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package search implements the Candidate Search Strategy: given a
// local torrent, it asks one site adapter for candidate torrents via a
// hash-then-filename ladder, fetches full metainfo for the survivors,
// and ranks them so the pipeline tries the most likely match first.
package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/metainfo"
	"github.com/nemorosa/nemorosa/internal/tracker"
	"github.com/nemorosa/nemorosa/internal/tracker/gazelle"
)

// Fetcher narrows tracker.Adapter to what the search strategy needs, so
// it can be satisfied by either Gazelle variant or a test double.
type Fetcher interface {
	SiteID() string
	SourceFlag() string
	SearchByHash(ctx context.Context, infoHash string) ([]tracker.CandidateRef, error)
	SearchByFilename(ctx context.Context, query string) ([]tracker.CandidateRef, error)
	FetchTorrent(ctx context.Context, remoteID string) ([]byte, error)
}

// Result pairs a fully fetched candidate with how it was found. RawTorrent
// retains the downloaded .torrent bytes so an accepted match can be
// injected into the client without fetching it a second time.
type Result struct {
	Candidate  domain.CandidateTorrent
	MatchedBy  string // "hash" or "filename"
	RawTorrent []byte
}

const maxSearchFilenames = 5

// hashVariants returns the distinct infohashes a with_source rewrite of
// local could plausibly take on this site: its own flag, the site's
// native flag, and the unflagged original, in that priority order.
func hashVariants(local domain.LocalTorrent, siteFlag string) []string {
	flags := []string{local.SourceFlag, siteFlag, ""}
	seen := make(map[string]bool)
	var hashes []string
	for _, flag := range flags {
		if local.InfoBytes == nil {
			if flag == local.SourceFlag && !seen[local.InfoHash] {
				seen[local.InfoHash] = true
				hashes = append(hashes, local.InfoHash)
			}
			continue
		}
		hash, err := metainfo.InfoHashOf(local.InfoBytes, flag)
		if err != nil || seen[hash] {
			continue
		}
		seen[hash] = true
		hashes = append(hashes, hash)
	}
	return hashes
}

// FindCandidates runs the full ladder against one site for one local
// torrent: hash search across plausible source-flag infohash variants,
// falling back to filename search on the declared file set, then
// fetches and parses metainfo for every surviving candidate. Results
// are returned ranked hash matches first, in discovery order within
// each rank.
func FindCandidates(ctx context.Context, adapter Fetcher, local domain.LocalTorrent) ([]Result, error) {
	seen := make(map[string]bool)
	var results []Result

	for _, hash := range hashVariants(local, adapter.SourceFlag()) {
		refs, err := adapter.SearchByHash(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("search by hash on %s: %w", adapter.SiteID(), err)
		}
		for _, ref := range refs {
			if seen[ref.RemoteID] {
				continue
			}
			seen[ref.RemoteID] = true
			cand, raw, err := fetchCandidate(ctx, adapter, ref)
			if err != nil {
				continue
			}
			results = append(results, Result{Candidate: cand, MatchedBy: "hash", RawTorrent: raw})
		}
	}
	if len(results) > 0 {
		return results, nil
	}

	localFiles := make(map[string]int64, len(local.Files))
	for _, f := range local.Files {
		localFiles[f.Path] = f.Length
	}

	for _, name := range gazelle.SelectSearchFilenames(localFiles, maxSearchFilenames) {
		query := gazelle.MakeSearchQuery(name)
		if query == "" {
			continue
		}
		refs, err := adapter.SearchByFilename(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("search by filename on %s: %w", adapter.SiteID(), err)
		}
		for _, ref := range refs {
			if seen[ref.RemoteID] {
				continue
			}
			seen[ref.RemoteID] = true
			cand, raw, err := fetchCandidate(ctx, adapter, ref)
			if err != nil {
				continue
			}
			results = append(results, Result{Candidate: cand, MatchedBy: "filename", RawTorrent: raw})
		}
		if len(results) > 0 {
			break
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].MatchedBy == "hash" && results[j].MatchedBy != "hash"
	})

	return results, nil
}

// fetchCandidate downloads and parses one candidate's full metainfo, so
// the matcher can compare piece hashes and file layouts.
func fetchCandidate(ctx context.Context, adapter Fetcher, ref tracker.CandidateRef) (domain.CandidateTorrent, []byte, error) {
	raw, err := adapter.FetchTorrent(ctx, ref.RemoteID)
	if err != nil {
		return domain.CandidateTorrent{}, nil, err
	}
	mi, err := metainfo.Parse(raw)
	if err != nil {
		return domain.CandidateTorrent{}, nil, fmt.Errorf("parse candidate metainfo: %w", err)
	}

	return domain.CandidateTorrent{
		SiteID:      adapter.SiteID(),
		RemoteID:    ref.RemoteID,
		InfoHash:    mi.InfoHash(),
		Name:        mi.Name(),
		Files:       mi.Files(),
		PieceLength: mi.PieceLength(),
		Pieces:      mi.Pieces(),
	}, raw, nil
}
