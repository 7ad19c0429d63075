// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build linux

// Package reflinktree provides copy-on-write file cloning for the
// Reconciler's reflink linking mode, backed by the Linux FICLONE and
// FICLONERANGE ioctls.
package reflinktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ioctlFileClone and ioctlFileCloneRange are indirected through package
// variables so tests can substitute fakes for transient ioctl failures
// without needing a real CoW-capable filesystem.
var (
	ioctlFileClone      = unix.IoctlFileClone
	ioctlFileCloneRange = unix.IoctlFileCloneRange
)

const maxCloneRetries = 5

// SupportsReflink tests whether the given directory supports reflinks
// by attempting an actual clone operation with temporary files.
// Returns true if reflinks are supported, along with a reason string.
func SupportsReflink(dir string) (supported bool, reason string) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Sprintf("cannot access directory: %v", err)
	}

	srcFile, err := os.CreateTemp(dir, ".reflink_probe_src_*")
	if err != nil {
		return false, fmt.Sprintf("cannot create temp file: %v", err)
	}
	srcPath := srcFile.Name()
	defer os.Remove(srcPath)

	if _, err := srcFile.WriteString("reflink probe test data"); err != nil {
		srcFile.Close()
		return false, fmt.Sprintf("cannot write to temp file: %v", err)
	}
	if err := srcFile.Close(); err != nil {
		return false, fmt.Sprintf("cannot close temp file: %v", err)
	}

	dstPath := filepath.Join(dir, ".reflink_probe_dst_"+filepath.Base(srcPath)[len(".reflink_probe_src_"):])
	defer os.Remove(dstPath)

	if err := cloneFile(srcPath, dstPath); err != nil {
		return false, fmt.Sprintf("reflink not supported: %v", err)
	}

	return true, "reflink supported"
}

// CloneInto creates a reflink clone of src at dst, the Reconciler's
// entry point into this package.
func CloneInto(src, dst string) error {
	return cloneFile(src, dst)
}

// cloneFile creates a reflink (copy-on-write clone) of src at dst.
// On Linux, this uses the FICLONE ioctl with a FICLONERANGE fallback,
// retrying a bounded number of times on EAGAIN/EINTR since CoW ioctls
// can be interrupted under concurrent filesystem load.
func cloneFile(src, dst string) (retErr error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, srcInfo.Mode())
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer func() {
		_ = dstFile.Close()
		if retErr != nil {
			_ = os.Remove(dst)
		}
	}()

	srcFd := int(srcFile.Fd())
	dstFd := int(dstFile.Fd())

	var cloneErr error
	for attempt := 0; attempt < maxCloneRetries; attempt++ {
		cloneErr = ioctlFileClone(dstFd, srcFd)
		if cloneErr == nil {
			return nil
		}
		if !errors.Is(cloneErr, unix.EAGAIN) && !errors.Is(cloneErr, unix.EINTR) {
			break
		}
	}

	if shouldTryCloneRange(cloneErr) {
		cloneRange := unix.FileCloneRange{
			Src_fd:      int64(srcFd),
			Src_offset:  0,
			Src_length:  0,
			Dest_offset: 0,
		}
		if rangeErr := ioctlFileCloneRange(dstFd, &cloneRange); rangeErr != nil {
			return fmt.Errorf("ioctl FICLONERANGE: %w", rangeErr)
		}
		return nil
	}

	return fmt.Errorf("ioctl FICLONE: %w", cloneErr)
}

func shouldTryCloneRange(err error) bool {
	return errors.Is(err, unix.EOPNOTSUPP) ||
		errors.Is(err, unix.ENOTTY) ||
		errors.Is(err, unix.ENOSYS)
}
