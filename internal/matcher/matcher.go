// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package matcher implements the bipartite file-pairing and piece-hash
// verification algorithm that decides whether a candidate torrent is an
// acceptable cross-seed target for a local torrent, and if so how every
// local file maps onto the target's declared layout.
package matcher

import (
	"path"
	"sort"
	"strings"

	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/metainfo"
	"github.com/nemorosa/nemorosa/internal/normalize"
	"github.com/nemorosa/nemorosa/pkg/pathcmp"
)

const similarityThreshold = 0.6

// skippableArtworkMaxBytes bounds what counts as non-essential artwork:
// an unpaired target file at or under this size, with an image
// extension, is dropped as Skip rather than counted against the
// missing-bytes budget as Missing. This threshold isn't derived from
// any concrete source; it's a judgment call picked to cover typical
// embedded cover art without swallowing real audio files.
const skippableArtworkMaxBytes = 1 << 20 // 1 MiB

var skippableArtworkExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// pair is an intermediate local-to-target file pairing before the path
// decision and piece verification passes run.
type pair struct {
	local  *domain.FileEntry
	target domain.FileEntry
}

// Match runs the full §4.3 algorithm against a local torrent and one
// candidate, returning either an accepted mapping or a rejection.
func Match(local domain.LocalTorrent, candidate domain.CandidateTorrent, policy domain.LinkingPolicy) domain.MatchVerdict {
	pairs, unpairedTargets, unpairedLocals := pairFiles(local.Files, candidate.Files)

	if ok, reason := detectConflicts(unpairedLocals, candidate.Files, policy); !ok {
		return domain.MatchVerdict{Accepted: false, Reason: reason}
	}

	// Step 2: when neither side exposes piece hashes at all there is
	// nothing to verify and the mapping rests on size+name pairing alone.
	// When both sides expose piece hashes but at different piece_length,
	// verification is impossible outright — that's only acceptable when
	// allow_partial_pieces explicitly tolerates an unverified mapping.
	// Only when piece lengths agree does verifyPieces run the real
	// piece-coverage check.
	switch {
	case !piecesAvailable(local, candidate):
		// Fall through to buildMapping on size+name alone.
	case local.PieceLength != candidate.PieceLength:
		if !policy.AllowPartialPieces {
			return domain.MatchVerdict{Accepted: false, Reason: domain.RejectPieceMismatch}
		}
	default:
		if !verifyPieces(local, candidate, pairs, policy) {
			return domain.MatchVerdict{Accepted: false, Reason: domain.RejectPieceMismatch}
		}
	}

	mapping, err := buildMapping(pairs, unpairedLocals, candidate.Files, unpairedTargets, policy)
	if err != nil {
		return domain.MatchVerdict{Accepted: false, Reason: err.(rejectError).reason}
	}

	if mapping.MissingBytes() > policy.MaxMissingBytes {
		return domain.MatchVerdict{Accepted: false, Reason: domain.RejectTooMuchMissing}
	}

	return domain.MatchVerdict{Accepted: true, Mapping: mapping}
}

type rejectError struct{ reason domain.RejectReason }

func (e rejectError) Error() string { return string(e.reason) }

// pairFiles implements step 1: bipartite pairing by size then by loose
// normalized basename similarity, deterministic tie-breaking by
// lexicographic order of normalized target path.
func pairFiles(localFiles, targetFiles []domain.FileEntry) (pairs []pair, unpairedTargets, unpairedLocals []domain.FileEntry) {
	// Index local files by size.
	bySize := make(map[int64][]*domain.FileEntry)
	locals := make([]domain.FileEntry, len(localFiles))
	copy(locals, localFiles)
	for i := range locals {
		bySize[locals[i].Length] = append(bySize[locals[i].Length], &locals[i])
	}

	used := make(map[*domain.FileEntry]bool)

	// Process targets in deterministic (lexicographic normalized path) order.
	ordered := make([]domain.FileEntry, len(targetFiles))
	copy(ordered, targetFiles)
	sort.Slice(ordered, func(i, j int) bool {
		return normalize.Normalize(pathcmp.NormalizePath(ordered[i].Path), normalize.Strict) < normalize.Normalize(pathcmp.NormalizePath(ordered[j].Path), normalize.Strict)
	})

	for _, t := range ordered {
		candidates := availableOfSize(bySize[t.Length], used)
		switch len(candidates) {
		case 0:
			unpairedTargets = append(unpairedTargets, t)
		case 1:
			used[candidates[0]] = true
			pairs = append(pairs, pair{local: candidates[0], target: t})
		default:
			best := disambiguateByName(candidates, t)
			if best == nil {
				unpairedTargets = append(unpairedTargets, t)
				continue
			}
			used[best] = true
			pairs = append(pairs, pair{local: best, target: t})
		}
	}

	for i := range locals {
		if !used[&locals[i]] {
			unpairedLocals = append(unpairedLocals, locals[i])
		}
	}

	return pairs, unpairedTargets, unpairedLocals
}

func availableOfSize(candidates []*domain.FileEntry, used map[*domain.FileEntry]bool) []*domain.FileEntry {
	var out []*domain.FileEntry
	for _, c := range candidates {
		if !used[c] {
			out = append(out, c)
		}
	}
	return out
}

// disambiguateByName picks the local candidate whose loose-normalized
// basename best matches the target's, subject to the similarity
// threshold, breaking ties by shallower path depth then declared order.
func disambiguateByName(candidates []*domain.FileEntry, target domain.FileEntry) *domain.FileEntry {
	targetBase := path.Base(pathcmp.NormalizePath(target.Path))

	type scored struct {
		entry *domain.FileEntry
		ratio float64
		depth int
		order int
	}

	var scoredCandidates []scored
	for i, c := range candidates {
		ratio := normalize.SimilarityRatio(path.Base(pathcmp.NormalizePath(c.Path)), targetBase)
		scoredCandidates = append(scoredCandidates, scored{
			entry: c,
			ratio: ratio,
			depth: pathDepth(c.Path),
			order: i,
		})
	}

	sort.SliceStable(scoredCandidates, func(i, j int) bool {
		if scoredCandidates[i].ratio != scoredCandidates[j].ratio {
			return scoredCandidates[i].ratio > scoredCandidates[j].ratio
		}
		if scoredCandidates[i].depth != scoredCandidates[j].depth {
			return scoredCandidates[i].depth < scoredCandidates[j].depth
		}
		return scoredCandidates[i].order < scoredCandidates[j].order
	})

	if len(scoredCandidates) == 0 || scoredCandidates[0].ratio < similarityThreshold {
		return nil
	}
	return scoredCandidates[0].entry
}

// isSkippableArtwork reports whether an unpaired target file is small,
// non-essential cover art that should be silently omitted rather than
// counted as Missing.
func isSkippableArtwork(t domain.FileEntry) bool {
	if t.Length > skippableArtworkMaxBytes {
		return false
	}
	ext := strings.ToLower(path.Ext(pathcmp.NormalizePath(t.Path)))
	return skippableArtworkExtensions[ext]
}

func pathDepth(p string) int {
	depth := 0
	for _, r := range pathcmp.NormalizePath(p) {
		if r == '/' {
			depth++
		}
	}
	return depth
}

// detectConflicts implements step 4: an unpaired local file that shares
// a normalized basename with a target file of a different length is a
// conflict. With linking disabled this rejects the whole mapping; with
// linking enabled the conflicting local file is simply left unpaired,
// so the target file ends up Missing via buildMapping (not Skip — Skip
// is reserved for the artwork-size case below that budget).
// The local file is never touched.
func detectConflicts(unpairedLocals []domain.FileEntry, targetFiles []domain.FileEntry, policy domain.LinkingPolicy) (bool, domain.RejectReason) {
	if policy.Mode == domain.LinkNone {
		for _, l := range unpairedLocals {
			lname := normalize.Normalize(path.Base(pathcmp.NormalizePath(l.Path)), normalize.Loose)
			for _, t := range targetFiles {
				if t.Length == l.Length {
					continue
				}
				if normalize.Normalize(path.Base(pathcmp.NormalizePath(t.Path)), normalize.Loose) == lname {
					return false, domain.RejectConflict
				}
			}
		}
	}
	return true, ""
}

// piecesAvailable reports whether both sides expose any piece hashes at
// all, the minimum prerequisite for a piece-coverage check. It says
// nothing about whether the piece lengths actually agree — Match checks
// that separately, since a length mismatch and an outright absence of
// piece data are handled differently (the former needs
// allow_partial_pieces, the latter falls back to size+name silently).
func piecesAvailable(local domain.LocalTorrent, candidate domain.CandidateTorrent) bool {
	return local.PieceLength > 0 && candidate.PieceLength > 0 &&
		len(local.Pieces) > 0 && len(candidate.Pieces) > 0
}

// verifyPieces implements step 2's piece-coverage check. For every
// paired file it recomputes, via metainfo.PiecesForRange, the exact
// sequence of piece ranges each side's declared offset and length
// produce, and requires those ranges to align one-for-one (same
// byte-length and in-piece offset) before comparing the underlying
// piece hashes. A pair whose cumulative file offsets don't line up
// can't be verified piece-for-piece at all — every piece touching it
// would straddle a different boundary on each side — so it is rejected
// outright unless partial-piece tolerance applies.
func verifyPieces(local domain.LocalTorrent, candidate domain.CandidateTorrent, pairs []pair, policy domain.LinkingPolicy) bool {
	tolerate := policy.Mode == domain.LinkReflink && policy.AllowPartialPieces

	localByPath := make(map[string]domain.FileEntry, len(local.Files))
	for _, f := range local.Files {
		localByPath[f.Path] = f
	}
	targetByPath := make(map[string]domain.FileEntry, len(candidate.Files))
	for _, f := range candidate.Files {
		targetByPath[f.Path] = f
	}

	for _, p := range pairs {
		lf, ok := localByPath[p.local.Path]
		if !ok {
			continue
		}
		tf, ok := targetByPath[p.target.Path]
		if !ok {
			continue
		}

		if lf.Length != tf.Length || lf.Offset != tf.Offset {
			if tolerate {
				continue
			}
			return false
		}

		localRanges := metainfo.PiecesForRange(local.PieceLength, lf.Offset, lf.Length)
		targetRanges := metainfo.PiecesForRange(candidate.PieceLength, tf.Offset, tf.Length)
		if len(localRanges) != len(targetRanges) {
			if tolerate {
				continue
			}
			return false
		}

		for i := range localRanges {
			lr, tr := localRanges[i], targetRanges[i]
			if lr.PieceOffset != tr.PieceOffset || lr.ByteLength != tr.ByteLength {
				if tolerate {
					continue
				}
				return false
			}
			if lr.PieceIndex >= len(local.Pieces) || tr.PieceIndex >= len(candidate.Pieces) {
				if tolerate {
					continue
				}
				return false
			}
			if local.Pieces[lr.PieceIndex] != candidate.Pieces[tr.PieceIndex] && !tolerate {
				return false
			}
		}
	}

	return true
}

// buildMapping assigns a FileAction to every target file, applying the
// path decision (Identical / Rename / Link, step 3) to every pair, Skip
// to every unpaired small artwork file and Missing to every other
// unpaired target. It does not check the missing-bytes budget; Match
// does that on the returned mapping.
func buildMapping(pairs []pair, unpairedLocals []domain.FileEntry, targetFiles, unpairedTargets []domain.FileEntry, policy domain.LinkingPolicy) (domain.FileMapping, error) {
	var mapping domain.FileMapping

	pairedByTarget := make(map[string]pair)
	for _, p := range pairs {
		pairedByTarget[p.target.Path] = p
	}

	ordered := make([]domain.FileEntry, len(targetFiles))
	copy(ordered, targetFiles)
	sort.Slice(ordered, func(i, j int) bool {
		return normalize.Normalize(pathcmp.NormalizePath(ordered[i].Path), normalize.Strict) < normalize.Normalize(pathcmp.NormalizePath(ordered[j].Path), normalize.Strict)
	})

	for _, t := range ordered {
		p, ok := pairedByTarget[t.Path]
		if !ok {
			if isSkippableArtwork(t) {
				mapping.Actions = append(mapping.Actions, domain.FileAction{
					Kind: domain.ActionSkip, TargetPath: t.Path, Length: t.Length,
				})
				continue
			}
			mapping.Actions = append(mapping.Actions, domain.FileAction{
				Kind: domain.ActionMissing, TargetPath: t.Path, Length: t.Length,
			})
			continue
		}

		action, err := decidePathAction(*p.local, p.target, policy)
		if err != nil {
			return domain.FileMapping{}, err
		}
		mapping.Actions = append(mapping.Actions, action)
	}

	return mapping, nil
}

// decidePathAction implements step 3: pick Identical, Rename, or Link
// based on whether the paired paths already coincide under strict
// normalization. Paths are run through pathcmp first since a local file
// list sourced from a Windows-origin torrent can carry backslashes the
// tracker's own declared layout never does.
func decidePathAction(local, target domain.FileEntry, policy domain.LinkingPolicy) (domain.FileAction, error) {
	normLocal, normTarget := pathcmp.NormalizePath(local.Path), pathcmp.NormalizePath(target.Path)
	if normalize.Normalize(normLocal, normalize.Strict) == normalize.Normalize(normTarget, normalize.Strict) {
		return domain.FileAction{
			Kind: domain.ActionIdentical, LocalPath: local.Path, TargetPath: target.Path, Length: target.Length,
		}, nil
	}

	if policy.Mode == domain.LinkNone {
		if path.Dir(normLocal) == path.Dir(normTarget) || sameRoot(normLocal, normTarget) {
			return domain.FileAction{
				Kind: domain.ActionRename, LocalPath: local.Path, TargetPath: target.Path, Length: target.Length,
			}, nil
		}
		return domain.FileAction{}, rejectError{reason: domain.RejectLinkingRequiredDisable}
	}

	return domain.FileAction{
		Kind: domain.ActionLink, LocalPath: local.Path, TargetPath: target.Path, Length: target.Length, Mode: policy.Mode,
	}, nil
}

// sameRoot reports whether two relative paths share the same top-level
// directory component, the cheap heuristic decidePathAction uses under
// LinkNone to decide whether a pure in-place rename (rather than a
// cross-root link) can satisfy the pairing. Callers pass pathcmp-normalized paths.
func sameRoot(a, b string) bool {
	return firstComponent(a) == firstComponent(b)
}

func firstComponent(p string) string {
	for i, r := range p {
		if r == '/' {
			return p[:i]
		}
	}
	return p
}
