// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemorosa/nemorosa/internal/domain"
)

func piece(b byte) [20]byte {
	var h [20]byte
	for i := range h {
		h[i] = b
	}
	return h
}

func TestMatchIdenticalLayoutAccepts(t *testing.T) {
	local := domain.LocalTorrent{
		PieceLength: 16384,
		Pieces:      [][20]byte{piece(1), piece(2)},
		Files: []domain.FileEntry{
			{Path: "Album/01 Track.flac", Length: 20000},
		},
	}
	candidate := domain.CandidateTorrent{
		PieceLength: 16384,
		Pieces:      [][20]byte{piece(1), piece(2)},
		Files: []domain.FileEntry{
			{Path: "Album/01 Track.flac", Length: 20000},
		},
	}
	policy := domain.LinkingPolicy{Mode: domain.LinkHard, MaxMissingBytes: 0}

	verdict := Match(local, candidate, policy)

	require.True(t, verdict.Accepted)
	require.Len(t, verdict.Mapping.Actions, 1)
	assert.Equal(t, domain.ActionIdentical, verdict.Mapping.Actions[0].Kind)
}

func TestMatchPieceMismatchRejects(t *testing.T) {
	local := domain.LocalTorrent{
		PieceLength: 16384,
		Pieces:      [][20]byte{piece(1)},
		Files: []domain.FileEntry{
			{Path: "track.flac", Length: 10000},
		},
	}
	candidate := domain.CandidateTorrent{
		PieceLength: 16384,
		Pieces:      [][20]byte{piece(9)},
		Files: []domain.FileEntry{
			{Path: "track.flac", Length: 10000},
		},
	}
	policy := domain.LinkingPolicy{Mode: domain.LinkHard}

	verdict := Match(local, candidate, policy)

	require.False(t, verdict.Accepted)
	assert.Equal(t, domain.RejectPieceMismatch, verdict.Reason)
}

func TestMatchRenamesWhenLinkingDisabledSameDir(t *testing.T) {
	local := domain.LocalTorrent{
		Files: []domain.FileEntry{
			{Path: "Album/track_01.flac", Length: 5000},
		},
	}
	candidate := domain.CandidateTorrent{
		Files: []domain.FileEntry{
			{Path: "Album/01 Track.flac", Length: 5000},
		},
	}
	policy := domain.LinkingPolicy{Mode: domain.LinkNone, MaxMissingBytes: 0}

	verdict := Match(local, candidate, policy)

	require.True(t, verdict.Accepted)
	require.Len(t, verdict.Mapping.Actions, 1)
	assert.Equal(t, domain.ActionRename, verdict.Mapping.Actions[0].Kind)
}

func TestMatchConflictWithLinkingDisabled(t *testing.T) {
	local := domain.LocalTorrent{
		Files: []domain.FileEntry{
			{Path: "cover.jpg", Length: 1000},
		},
	}
	candidate := domain.CandidateTorrent{
		Files: []domain.FileEntry{
			{Path: "cover.jpg", Length: 2000},
			{Path: "track.flac", Length: 5000},
		},
	}
	policy := domain.LinkingPolicy{Mode: domain.LinkNone, MaxMissingBytes: 10000}

	verdict := Match(local, candidate, policy)

	require.False(t, verdict.Accepted)
	assert.Equal(t, domain.RejectConflict, verdict.Reason)
}

func TestMatchMissingBytesOverBudgetRejects(t *testing.T) {
	local := domain.LocalTorrent{
		Files: []domain.FileEntry{
			{Path: "track.flac", Length: 5000},
		},
	}
	candidate := domain.CandidateTorrent{
		Files: []domain.FileEntry{
			{Path: "track.flac", Length: 5000},
			{Path: "cover.jpg", Length: 4 * 1024 * 1024},
		},
	}
	policy := domain.LinkingPolicy{Mode: domain.LinkHard, MaxMissingBytes: 1024}

	verdict := Match(local, candidate, policy)

	require.False(t, verdict.Accepted)
	assert.Equal(t, domain.RejectTooMuchMissing, verdict.Reason)
}

func TestMatchMissingBytesWithinBudgetAccepts(t *testing.T) {
	local := domain.LocalTorrent{
		Files: []domain.FileEntry{
			{Path: "track.flac", Length: 5000},
		},
	}
	candidate := domain.CandidateTorrent{
		Files: []domain.FileEntry{
			{Path: "track.flac", Length: 5000},
			{Path: "booklet.pdf", Length: 1000},
		},
	}
	policy := domain.LinkingPolicy{Mode: domain.LinkHard, MaxMissingBytes: 4 * 1024 * 1024}

	verdict := Match(local, candidate, policy)

	require.True(t, verdict.Accepted)

	var missing int64
	for _, a := range verdict.Mapping.Actions {
		if a.Kind == domain.ActionMissing {
			missing += a.Length
		}
	}
	assert.Equal(t, int64(1000), missing)
}

func TestMatchExtraCoverArtIsSkippedNotMissing(t *testing.T) {
	local := domain.LocalTorrent{
		Files: []domain.FileEntry{
			{Path: "track.flac", Length: 5000},
		},
	}
	candidate := domain.CandidateTorrent{
		Files: []domain.FileEntry{
			{Path: "track.flac", Length: 5000},
			{Path: "cover.jpg", Length: 1000},
		},
	}
	// A budget of zero would reject the mapping if cover.jpg counted as
	// Missing; it must not, since small artwork is Skip instead.
	policy := domain.LinkingPolicy{Mode: domain.LinkHard, MaxMissingBytes: 0}

	verdict := Match(local, candidate, policy)

	require.True(t, verdict.Accepted)
	assert.Equal(t, int64(0), verdict.Mapping.MissingBytes())

	var sawSkip bool
	for _, a := range verdict.Mapping.Actions {
		if a.Kind == domain.ActionSkip {
			sawSkip = true
			assert.Equal(t, "cover.jpg", a.TargetPath)
		}
	}
	assert.True(t, sawSkip, "expected an ActionSkip entry for cover.jpg")
}

func TestMatchPieceLengthMismatchRejectsWithoutPartialTolerance(t *testing.T) {
	local := domain.LocalTorrent{
		PieceLength: 16384,
		Pieces:      [][20]byte{piece(1)},
		Files: []domain.FileEntry{
			{Path: "track.flac", Length: 10000},
		},
	}
	candidate := domain.CandidateTorrent{
		PieceLength: 32768,
		Pieces:      [][20]byte{piece(1)},
		Files: []domain.FileEntry{
			{Path: "track.flac", Length: 10000},
		},
	}
	policy := domain.LinkingPolicy{Mode: domain.LinkHard, AllowPartialPieces: false}

	verdict := Match(local, candidate, policy)

	require.False(t, verdict.Accepted)
	assert.Equal(t, domain.RejectPieceMismatch, verdict.Reason)
}

func TestMatchPieceLengthMismatchAcceptsWithPartialTolerance(t *testing.T) {
	local := domain.LocalTorrent{
		PieceLength: 16384,
		Pieces:      [][20]byte{piece(1)},
		Files: []domain.FileEntry{
			{Path: "track.flac", Length: 10000},
		},
	}
	candidate := domain.CandidateTorrent{
		PieceLength: 32768,
		Pieces:      [][20]byte{piece(1)},
		Files: []domain.FileEntry{
			{Path: "track.flac", Length: 10000},
		},
	}
	policy := domain.LinkingPolicy{Mode: domain.LinkReflink, AllowPartialPieces: true}

	verdict := Match(local, candidate, policy)

	require.True(t, verdict.Accepted)
	assert.Equal(t, domain.ActionIdentical, verdict.Mapping.Actions[0].Kind)
}

func TestMatchMisalignedOffsetsRejectEvenWithMatchingPieceLength(t *testing.T) {
	// Same piece_length and even identical piece hash lists, but the
	// paired file starts at a different cumulative offset on each side
	// (a leading file was inserted on the candidate side), so the
	// piece-for-piece comparison below can't be trusted.
	local := domain.LocalTorrent{
		PieceLength: 16384,
		Pieces:      [][20]byte{piece(1), piece(2)},
		Files: []domain.FileEntry{
			{Path: "track.flac", Length: 20000, Offset: 0},
		},
	}
	candidate := domain.CandidateTorrent{
		PieceLength: 16384,
		Pieces:      [][20]byte{piece(1), piece(2)},
		Files: []domain.FileEntry{
			{Path: "00 intro.flac", Length: 500, Offset: 0},
			{Path: "track.flac", Length: 20000, Offset: 500},
		},
	}
	policy := domain.LinkingPolicy{Mode: domain.LinkHard, MaxMissingBytes: 1 << 30}

	verdict := Match(local, candidate, policy)

	require.False(t, verdict.Accepted)
	assert.Equal(t, domain.RejectPieceMismatch, verdict.Reason)
}

func TestMatchIsDeterministicAcrossRuns(t *testing.T) {
	local := domain.LocalTorrent{
		Files: []domain.FileEntry{
			{Path: "Album/a.flac", Length: 1000},
			{Path: "Album/b.flac", Length: 1000},
		},
	}
	candidate := domain.CandidateTorrent{
		Files: []domain.FileEntry{
			{Path: "Album/a.flac", Length: 1000},
			{Path: "Album/b.flac", Length: 1000},
		},
	}
	policy := domain.LinkingPolicy{Mode: domain.LinkHard}

	first := Match(local, candidate, policy)
	second := Match(local, candidate, policy)

	assert.Equal(t, first, second)
}
