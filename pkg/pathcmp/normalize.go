// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pathcmp provides shared path normalization helpers the File
// Matcher uses to compare a locally held file's path
// against a tracker's declared layout. A Gazelle-family tracker's
// metainfo always declares forward-slashed paths; a local torrent
// originally downloaded on Windows can carry backslashes in its file
// list, so every path is normalized through path semantics (not
// filepath, which would pick up the host OS's separator) before any
// equality check runs.
package pathcmp

import (
	"path"
	"strings"
)

// IsWindowsDriveAbs returns true if p is a Windows absolute path (e.g., C:/...).
// It requires a drive letter, colon, and forward slash. Backslashes should be
// normalized before calling.
func IsWindowsDriveAbs(p string) bool {
	if len(p) < 3 {
		return false
	}
	c := p[0]
	return ((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')) && p[1] == ':' && p[2] == '/'
}

// NormalizePath normalizes a file path for comparison by:
// - Converting backslashes to forward slashes
// - Removing trailing slashes (preserving Windows drive roots like C:/)
// - Cleaning the path (removing . and .. where possible)
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	// Convert backslashes to forward slashes for cross-platform comparison.
	p = strings.ReplaceAll(p, "\\", "/")

	// Handle Windows drive paths specially to preserve C:/ (path.Clean turns it into C:).
	if len(p) >= 2 && ((p[0] >= 'A' && p[0] <= 'Z') || (p[0] >= 'a' && p[0] <= 'z')) && p[1] == ':' {
		drive := p[:2] // "C:"
		rest := p[2:]  // "/foo/bar" or "/" or "" (drive-relative)

		// Bare drive letter (C:) is drive-relative.
		if rest == "" {
			return drive
		}

		rest = path.Clean(rest)
		// Ensure drive root stays as C:/ not C:
		if rest == "/" || rest == "." {
			return drive + "/"
		}
		return drive + rest
	}

	// Non-Windows path: standard cleaning.
	p = path.Clean(p)
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// NormalizePathFold is a case-folded version of NormalizePath for case-insensitive comparisons.
func NormalizePathFold(p string) string {
	return strings.ToLower(NormalizePath(p))
}
