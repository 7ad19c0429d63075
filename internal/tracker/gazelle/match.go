// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package gazelle

import (
	"context"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nemorosa/nemorosa/internal/normalize"
	"github.com/nemorosa/nemorosa/internal/tracker"
)

const maxSearchFilenames = 5

var musicExtensions = map[string]bool{
	".flac": true, ".mp3": true, ".dsf": true, ".dff": true,
	".m4a": true, ".ogg": true, ".opus": true, ".wav": true, ".aiff": true,
}

func isMusicFile(name string) bool {
	return musicExtensions[strings.ToLower(path.Ext(name))]
}

var genericFilenames = map[string]bool{
	"cover": true, "folder": true, "front": true, "back": true,
	"cd": true, "disc": true, "disk": true, "artwork": true,
	"booklet": true, "inlay": true, "inside": true, "outside": true,
	"scan": true, "scans": true, "thumb": true, "albumart": true,
}

var (
	garbledChars   = regexp.MustCompile(`[^\x20-\x7E]`)
	multipleSpaces = regexp.MustCompile(`\s{2,}`)
	zeroWidthChars = regexp.MustCompile(`[\x{200B}-\x{200F}\x{FEFF}]`)
)

// ParseFileList decodes Gazelle's fileList encoding, a pipe-delimited
// sequence of "name{{{size}}}" entries, into a path-to-size map.
func ParseFileList(fileList string) map[string]int64 {
	files := make(map[string]int64)
	if fileList == "" {
		return files
	}
	for _, entry := range strings.Split(fileList, "|||") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idx := strings.LastIndex(entry, "{{{")
		if idx < 0 || !strings.HasSuffix(entry, "}}}") {
			continue
		}
		name := entry[:idx]
		sizeStr := entry[idx+3 : len(entry)-3]
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			continue
		}
		files[name] = size
	}
	return files
}

// SelectSearchFilenames picks up to maxCount candidate filenames to
// drive a filename search, preferring music files and, within each
// group, longer (more distinctive) names first.
func SelectSearchFilenames(files map[string]int64, maxCount int) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		mi, mj := isMusicFile(names[i]), isMusicFile(names[j])
		if mi != mj {
			return mi
		}
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	if len(names) > maxCount {
		names = names[:maxCount]
	}
	return names
}

// MakeSearchQuery reduces a filename to a search-friendly query, or
// returns "" when the name is too generic or garbled to search with.
func MakeSearchQuery(filename string) string {
	base := path.Base(filename)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	stem = zeroWidthChars.ReplaceAllString(stem, "")
	stem = garbledChars.ReplaceAllString(stem, " ")
	stem = multipleSpaces.ReplaceAllString(stem, " ")
	stem = strings.TrimSpace(stem)

	if stem == "" {
		return ""
	}
	if genericFilenames[strings.ToLower(stem)] {
		return ""
	}
	return stem
}

// filesConflict reports whether two file sets disagree about contents
// in a way no amount of renaming could reconcile: a different file
// count, or names-with-sizes whose normalized signatures don't match
// after stripping the shared root.
func filesConflict(localFiles, remoteFiles map[string]int64) bool {
	if len(localFiles) != len(remoteFiles) {
		return true
	}

	localSigs := fileSignatures(localFiles)
	remoteSigs := fileSignatures(remoteFiles)
	sort.Strings(localSigs)
	sort.Strings(remoteSigs)

	for i := range localSigs {
		if localSigs[i] != remoteSigs[i] {
			return true
		}
	}
	return false
}

func fileSignatures(files map[string]int64) []string {
	sigs := make([]string, 0, len(files))
	for name, size := range files {
		base := stripRoot(name)
		normalized := normalize.Normalize(base, normalize.Loose)
		sigs = append(sigs, normalized+"|"+strconv.FormatInt(size, 10))
	}
	return sigs
}

func stripRoot(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	parts := strings.SplitN(p, "/", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return p
}

// FindCandidateRefs runs the hash-then-filename search ladder for one
// local torrent against a single site adapter, returning deduplicated
// candidate references in priority order (hash hits first).
func FindCandidateRefs(ctx context.Context, adapter tracker.Adapter, infoHashCandidates []string, localFiles map[string]int64) ([]tracker.CandidateRef, error) {
	seen := make(map[string]bool)
	var out []tracker.CandidateRef

	for _, hash := range infoHashCandidates {
		refs, err := adapter.SearchByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			if seen[ref.RemoteID] {
				continue
			}
			seen[ref.RemoteID] = true
			out = append(out, ref)
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	for _, name := range SelectSearchFilenames(localFiles, maxSearchFilenames) {
		query := MakeSearchQuery(name)
		if query == "" {
			continue
		}
		refs, err := adapter.SearchByFilename(ctx, query)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			if seen[ref.RemoteID] {
				continue
			}
			seen[ref.RemoteID] = true
			out = append(out, ref)
		}
		if len(out) > 0 {
			break
		}
	}

	return out, nil
}

// looksLikeTorrentPayload sniffs whether body is a bencoded dict with
// an "info" key, the minimal shape of a valid .torrent file, to catch
// HTML error pages returned with a 200 status.
func looksLikeTorrentPayload(body []byte) bool {
	if len(body) == 0 || body[0] != 'd' {
		return false
	}
	return strings.Contains(string(body[:min(len(body), 4096)]), "4:info")
}
