// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package reconcile executes an accepted file mapping against the
// filesystem: staging every Rename and Link action (Identical, Skip and
// Missing actions stage nothing) under a temporary sibling directory, then atomically swapping it in as the save path the
// injected torrent expects. Linking degrades deterministically through
// hard link, symlink, reflink, in that order, and fails hard only when
// none apply.
package reconcile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/gofrs/flock"

	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/pkg/fsutil"
	"github.com/nemorosa/nemorosa/pkg/hardlink"
	"github.com/nemorosa/nemorosa/pkg/reflinktree"
)

// ReconcileError wraps a filesystem failure the Reconciler could not
// recover from. The pipeline treats this as fatal for the current hash.
type ReconcileError struct {
	Path string
	Err  error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile: %s: %v", e.Path, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// LockManager hands out one advisory flock per local save path, so two
// pipelines targeting the same local files never stage concurrently.
type LockManager struct {
	dir   string
	locks map[string]*flock.Flock
}

// NewLockManager roots every advisory lock file under dir (typically the
// database directory).
func NewLockManager(dir string) *LockManager {
	return &LockManager{dir: dir, locks: make(map[string]*flock.Flock)}
}

// Acquire blocks until the advisory lock for savePath is held, and
// returns a release function.
func (m *LockManager) Acquire(savePath string) (release func(), err error) {
	name := filepath.Join(m.dir, "locks", lockFileName(savePath))
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, err
	}
	fl := flock.New(name)
	if err := fl.Lock(); err != nil {
		return nil, err
	}
	return func() { _ = fl.Unlock() }, nil
}

func lockFileName(savePath string) string {
	return fmt.Sprintf("%x.lock", xxhash.Sum64String(savePath))
}

// Reconcile stages every FileAction of mapping under a temporary sibling
// of targetRoot, then atomically renames it into place. On any staging
// failure the temporary directory is removed and a ReconcileError is
// returned; the original local files are never touched except when an
// action is explicitly Rename and renameInPlace is true.
func Reconcile(mapping domain.FileMapping, localRoot, targetRoot string, policy domain.LinkingPolicy, renameInPlace bool) error {
	staging := targetRoot + ".nemorosa-staging"
	if err := os.RemoveAll(staging); err != nil {
		return &ReconcileError{Path: staging, Err: err}
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return &ReconcileError{Path: staging, Err: err}
	}

	defer func() {
		_ = os.RemoveAll(staging)
	}()

	for _, action := range mapping.Actions {
		switch action.Kind {
		case domain.ActionSkip, domain.ActionMissing:
			continue
		case domain.ActionIdentical:
			continue
		case domain.ActionRename:
			if renameInPlace {
				src := filepath.Join(localRoot, action.LocalPath)
				dst := filepath.Join(localRoot, action.TargetPath)
				if err := renameWithinFilesystem(src, dst); err != nil {
					// Cross-device rename: downgrade to Link rather than
					// failing the whole reconcile outright.
					if linkErr := stageFile(src, dst, domain.LinkHard, policy.AllowPartialPieces); linkErr != nil {
						return &ReconcileError{Path: action.LocalPath, Err: linkErr}
					}
				}
				continue
			}
			if err := stageFile(filepath.Join(localRoot, action.LocalPath), filepath.Join(staging, action.TargetPath), domain.LinkHard, policy.AllowPartialPieces); err != nil {
				return &ReconcileError{Path: action.TargetPath, Err: err}
			}
		case domain.ActionLink:
			if err := stageFile(filepath.Join(localRoot, action.LocalPath), filepath.Join(staging, action.TargetPath), action.Mode, policy.AllowPartialPieces); err != nil {
				return &ReconcileError{Path: action.TargetPath, Err: err}
			}
		}
	}

	if renameInPlace {
		return nil
	}

	if err := os.RemoveAll(targetRoot); err != nil {
		return &ReconcileError{Path: targetRoot, Err: err}
	}
	if err := os.Rename(staging, targetRoot); err != nil {
		return &ReconcileError{Path: targetRoot, Err: err}
	}

	return nil
}

// stageFile materializes one file at dst from src using the degrade
// chain hard -> sym -> reflink -> fail, starting at preferredMode.
func stageFile(src, dst string, preferredMode domain.LinkMode, allowPartialPieces bool) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	_ = os.Remove(dst)

	chain := degradeChain(preferredMode)
	var lastErr error
	for _, mode := range chain {
		switch mode {
		case domain.LinkHard:
			if same, err := fsutil.SameFilesystem(filepath.Dir(src), filepath.Dir(dst)); err != nil || !same {
				lastErr = fmt.Errorf("hardlink requires same filesystem")
				continue
			}
			if err := os.Link(src, dst); err != nil {
				lastErr = err
				continue
			}
			if err := verifySameFile(src, dst); err != nil {
				_ = os.Remove(dst)
				lastErr = err
				continue
			}
			return nil
		case domain.LinkSym:
			if err := os.Symlink(src, dst); err != nil {
				lastErr = err
				continue
			}
			return nil
		case domain.LinkReflink:
			supported, reason := reflinktree.SupportsReflink(filepath.Dir(dst))
			if !supported {
				lastErr = fmt.Errorf("reflink unsupported: %s", reason)
				continue
			}
			if err := reflinktree.CloneInto(src, dst); err != nil {
				lastErr = err
				continue
			}
			return nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no linking mode available")
	}
	return lastErr
}

// verifySameFile confirms src and dst share a physical inode after
// os.Link reports success. Some network and overlay filesystems accept
// the link(2) call without actually aliasing the file, which would
// otherwise surface much later as a silent data divergence.
func verifySameFile(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	dstInfo, err := os.Stat(dst)
	if err != nil {
		return err
	}
	srcID, _, err := hardlink.GetFileID(srcInfo, src)
	if err != nil {
		return err
	}
	dstID, nlink, err := hardlink.GetFileID(dstInfo, dst)
	if err != nil {
		return err
	}
	if srcID != dstID {
		return fmt.Errorf("hardlink did not alias the source file")
	}
	if nlink < 2 {
		return fmt.Errorf("hardlink reports link count %d", nlink)
	}
	return nil
}

// degradeChain returns the fallback sequence starting at mode, per
// §4.4/§4.9's deterministic degrade policy: hard -> sym -> reflink ->
// fail.
func degradeChain(mode domain.LinkMode) []domain.LinkMode {
	full := []domain.LinkMode{domain.LinkHard, domain.LinkSym, domain.LinkReflink}
	for i, m := range full {
		if m == mode {
			return full[i:]
		}
	}
	return full
}

// renameWithinFilesystem performs an atomic in-filesystem move; a
// cross-device rename is reported back to the caller as an error so it
// can downgrade to Link instead, per §4.4.
func renameWithinFilesystem(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}
