// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !windows

package fsutil

import (
	"errors"
	"os"
	"syscall"
)

func sameFilesystem(path1, path2 string) (bool, error) {
	fi1, err := os.Stat(path1)
	if err != nil {
		return false, err
	}
	fi2, err := os.Stat(path2)
	if err != nil {
		return false, err
	}

	st1, ok := fi1.Sys().(*syscall.Stat_t)
	if !ok {
		return false, errors.New("failed to get syscall.Stat_t for " + path1)
	}
	st2, ok := fi2.Sys().(*syscall.Stat_t)
	if !ok {
		return false, errors.New("failed to get syscall.Stat_t for " + path2)
	}

	return st1.Dev == st2.Dev, nil
}
