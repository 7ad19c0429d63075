// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var cadencePattern = regexp.MustCompile(`(?i)^\s*(\d+)\s*(second|minute|hour|day|week)s?\s*$`)

// ParseCadence parses a "N seconds|minutes|hours|days|weeks" string,
// the same cadence format server.search_cadence and
// server.cleanup_cadence use, into a time.Duration. An empty or
// all-whitespace string returns a zero duration, which the scheduled
// mode loop treats as "this job is disabled".
func ParseCadence(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}

	m := cadencePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid cadence %q: expected \"N seconds|minutes|hours|days|weeks\"", s)
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid cadence %q: %w", s, err)
	}

	var unit time.Duration
	switch strings.ToLower(m[2]) {
	case "second":
		unit = time.Second
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	case "week":
		unit = 7 * 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}
