// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/tracker"
)

// fakeFetcher is a test double for Fetcher: hash and filename searches
// each return a canned set of refs, and FetchTorrent serves a matching
// hand-assembled bencode payload per remote ID.
type fakeFetcher struct {
	siteID     string
	sourceFlag string
	byHash     map[string][]tracker.CandidateRef
	byFilename map[string][]tracker.CandidateRef
	torrents   map[string][]byte
	fetchErr   error
	hashErr    error
}

func (f *fakeFetcher) SiteID() string     { return f.siteID }
func (f *fakeFetcher) SourceFlag() string { return f.sourceFlag }

func (f *fakeFetcher) SearchByHash(_ context.Context, infoHash string) ([]tracker.CandidateRef, error) {
	if f.hashErr != nil {
		return nil, f.hashErr
	}
	return f.byHash[infoHash], nil
}

func (f *fakeFetcher) SearchByFilename(_ context.Context, query string) ([]tracker.CandidateRef, error) {
	return f.byFilename[query], nil
}

func (f *fakeFetcher) FetchTorrent(_ context.Context, remoteID string) ([]byte, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	raw, ok := f.torrents[remoteID]
	if !ok {
		return nil, errors.New("no such remote torrent")
	}
	return raw, nil
}

func bstr(s string) string {
	return itoa(len(s)) + ":" + s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func buildTorrent(name string, length int) []byte {
	info := "d" +
		"6:lengthi" + itoa(length) + "e" +
		"4:name" + bstr(name) +
		"12:piece lengthi16384e" +
		"6:pieces" + bstr(string(make([]byte, 20))) +
		"e"
	return []byte("d4:info" + info + "e")
}

func TestFindCandidatesHashMatchShortCircuitsFilenameSearch(t *testing.T) {
	local := domain.LocalTorrent{
		InfoHash: "abc123",
		Files:    []domain.FileEntry{{Path: "track.flac", Length: 9999}},
	}
	adapter := &fakeFetcher{
		siteID:     "redacted.sh",
		sourceFlag: "RED",
		byHash: map[string][]tracker.CandidateRef{
			"abc123": {{RemoteID: "1"}},
		},
		byFilename: map[string][]tracker.CandidateRef{
			"track": {{RemoteID: "2"}},
		},
		torrents: map[string][]byte{
			"1": buildTorrent("hash-match.flac", 9999),
			"2": buildTorrent("filename-match.flac", 9999),
		},
	}

	results, err := FindCandidates(context.Background(), adapter, local)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "hash", results[0].MatchedBy)
	assert.Equal(t, "hash-match.flac", results[0].Candidate.Name)
	assert.NotEmpty(t, results[0].RawTorrent)
}

func TestFindCandidatesFallsBackToFilenameSearch(t *testing.T) {
	local := domain.LocalTorrent{
		InfoHash: "nomatch",
		Files:    []domain.FileEntry{{Path: "Album/01 Track.flac", Length: 9999}},
	}
	adapter := &fakeFetcher{
		siteID:     "redacted.sh",
		sourceFlag: "RED",
		byHash:     map[string][]tracker.CandidateRef{},
		byFilename: map[string][]tracker.CandidateRef{
			"01 Track": {{RemoteID: "2"}},
		},
		torrents: map[string][]byte{
			"2": buildTorrent("filename-match.flac", 9999),
		},
	}

	results, err := FindCandidates(context.Background(), adapter, local)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "filename", results[0].MatchedBy)
}

func TestFindCandidatesSkipsUnparseableCandidates(t *testing.T) {
	local := domain.LocalTorrent{
		InfoHash: "abc123",
		Files:    []domain.FileEntry{{Path: "track.flac", Length: 9999}},
	}
	adapter := &fakeFetcher{
		siteID:     "redacted.sh",
		sourceFlag: "RED",
		byHash: map[string][]tracker.CandidateRef{
			"abc123": {{RemoteID: "bad"}, {RemoteID: "good"}},
		},
		torrents: map[string][]byte{
			"bad":  []byte("not bencode"),
			"good": buildTorrent("ok.flac", 9999),
		},
	}

	results, err := FindCandidates(context.Background(), adapter, local)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ok.flac", results[0].Candidate.Name)
}

func TestFindCandidatesPropagatesSearchError(t *testing.T) {
	local := domain.LocalTorrent{InfoHash: "abc123"}
	sentinel := errors.New("site unreachable")
	adapter := &fakeFetcher{siteID: "redacted.sh", sourceFlag: "RED", hashErr: sentinel}

	_, err := FindCandidates(context.Background(), adapter, local)
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}
