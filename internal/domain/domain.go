// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package domain holds the shared value types passed between nemorosa's
// core components: the torrent client snapshot, candidate descriptions,
// file mapping results and the append-only outcome/retry records.
package domain

import "time"

// LocalTorrent is the cache's projection of one torrent currently held by
// the configured torrent client.
type LocalTorrent struct {
	InfoHash    string
	InfoBytes   []byte // raw bencoded info dict, used to mint with_source hash variants
	Name        string
	PieceLength int64
	Pieces      [][20]byte
	Files       []FileEntry
	SavePath    string
	Trackers    []string
	SourceFlag  string
}

// FileEntry is one file inside a torrent's declared file list, in the
// order the metainfo declares it, together with its cumulative byte
// offset into the concatenated piece stream.
type FileEntry struct {
	Path   string
	Length int64
	Offset int64
}

// CandidateTorrent is a remote torrent returned by a tracker search. It
// lives only for the duration of one pipeline run.
type CandidateTorrent struct {
	SiteID           string
	RemoteID         string
	InfoHash         string
	Name             string
	Files            []FileEntry
	PieceLength      int64
	Pieces           [][20]byte
	DownloadURL      string
	SourceFlagTarget string
}

// LinkMode names a Reconciler file-materialization strategy, in
// degrade-chain order: hard link, symbolic link, reflink, or a hard
// failure when none apply.
type LinkMode string

const (
	LinkNone    LinkMode = "none"
	LinkHard    LinkMode = "hard"
	LinkSym     LinkMode = "sym"
	LinkReflink LinkMode = "reflink"
)

// FileActionKind discriminates the FileAction variants of §3's FileMapping.
type FileActionKind string

const (
	ActionIdentical FileActionKind = "identical"
	ActionRename    FileActionKind = "rename"
	ActionLink      FileActionKind = "link"
	ActionSkip      FileActionKind = "skip"
	ActionMissing   FileActionKind = "missing"
)

// FileAction is one line of an accepted FileMapping: how one target file
// is satisfied (or deliberately left unsatisfied) from the local layout.
type FileAction struct {
	Kind        FileActionKind
	LocalPath   string
	TargetPath  string
	Length      int64
	Mode        LinkMode
	PartialCoW  bool // true when accepted only via reflink + allow_partial_pieces tolerance
}

// FileMapping is an ordered, deterministic list of FileAction records
// describing how to materialize a candidate's file layout from the local
// one.
type FileMapping struct {
	Actions []FileAction
}

// MissingBytes sums the length of every Missing action in the mapping.
func (m FileMapping) MissingBytes() int64 {
	var total int64
	for _, a := range m.Actions {
		if a.Kind == ActionMissing {
			total += a.Length
		}
	}
	return total
}

// RejectReason enumerates why the File Matcher refused a candidate.
type RejectReason string

const (
	RejectSizeMismatch           RejectReason = "size_mismatch"
	RejectPieceMismatch          RejectReason = "piece_mismatch"
	RejectConflict               RejectReason = "conflict"
	RejectTooMuchMissing         RejectReason = "too_much_missing"
	RejectLinkingRequiredDisable RejectReason = "linking_required_disabled"
)

// MatchVerdict is the File Matcher's output: either an accepted mapping
// or a rejection with a reason.
type MatchVerdict struct {
	Accepted bool
	Mapping  FileMapping
	Reason   RejectReason
}

// OutcomeResult enumerates the terminal states an OutcomeRecord can settle in.
type OutcomeResult string

const (
	ResultMatched        OutcomeResult = "matched"
	ResultNoCandidates   OutcomeResult = "no_candidates"
	ResultAllRejected    OutcomeResult = "all_rejected"
	ResultDownloadFailed OutcomeResult = "download_failed"
	ResultInjectFailed   OutcomeResult = "inject_failed"
	ResultVerifyFailed   OutcomeResult = "verify_failed"
)

// OutcomeRecord is the append-only (save for retry bookkeeping fields) log
// entry produced at the end of every pipeline run.
type OutcomeRecord struct {
	LocalInfoHash     string
	SiteID            string
	Result            OutcomeResult
	CandidateInfoHash string
	MappingSummary    string
	Timestamp         time.Time
	RetryCount        int
	NextRetryAt       *time.Time

	// RemoteID, Mapping and CandidateFiles carry the accepted verdict's
	// fetch context for a DownloadFailed result so the caller can build a
	// RetryLedgerEntry without re-matching. They are never persisted to
	// the outcome log itself.
	RemoteID       string
	Mapping        FileMapping
	CandidateFiles []FileEntry
}

// RetryLedgerEntry persists a DownloadFailed outcome's fetch context so a
// retry can skip the search and matching phases entirely.
type RetryLedgerEntry struct {
	LocalInfoHash string
	SiteID        string
	RemoteID      string
	TargetFiles   []FileEntry
	Mapping       FileMapping
	Attempts      int
	NextRetryAt   time.Time
}

// TorrentInfoCacheEntry is the cache's stored record for one local
// infohash: the LocalTorrent projection plus the normalized-name index
// key used by announce matching.
type TorrentInfoCacheEntry struct {
	Torrent             LocalTorrent
	NormalizedFirstFile string
}

// LinkingPolicy groups the configuration knobs the Matcher and
// Reconciler consult together.
type LinkingPolicy struct {
	Mode               LinkMode
	AllowPartialPieces bool
	MaxMissingBytes    int64
}
