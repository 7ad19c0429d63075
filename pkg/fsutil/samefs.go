// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fsutil provides the same-filesystem check the Reconciler
// consults before attempting a hard link: hard links cannot cross a
// filesystem boundary, so staging a file under a temporary sibling of
// the target root must confirm both sides resolve to the same device
// before the degrade chain even tries LinkHard, rather than letting the
// link(2) syscall fail and burning a step of the chain on a foregone
// conclusion.
package fsutil

import (
	"errors"
	"fmt"
	"os"
)

// SameFilesystem checks if two paths are on the same filesystem.
// This is required for hardlinks, which cannot span filesystems.
// Returns true if both paths are on the same filesystem, false otherwise.
// Returns an error if either path doesn't exist or cannot be accessed.
//
// The only implementation is the Unix one (samefs_unix.go), which
// compares device IDs from stat(2); there is no Windows implementation.
func SameFilesystem(path1, path2 string) (bool, error) {
	if path1 == "" || path2 == "" {
		return false, errors.New("path must not be empty")
	}
	if _, err := os.Stat(path1); err != nil {
		return false, fmt.Errorf("path does not exist: %s: %w", path1, err)
	}
	if _, err := os.Stat(path2); err != nil {
		return false, fmt.Errorf("path does not exist: %s: %w", path2, err)
	}
	return sameFilesystem(path1, path2)
}
