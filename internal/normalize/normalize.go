// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package normalize canonicalizes filenames and display strings for
// comparison. It exposes two profiles: Strict (NFC only, for exact
// equality checks that decide whether a rename is needed) and Loose
// (NFKC plus zero-width stripping, whitespace collapse, case folding and
// CJK half/full-width unification, for fuzzy name similarity).
package normalize

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"github.com/nemorosa/nemorosa/pkg/stringutils"
)

// Profile selects a normalization strength.
type Profile string

const (
	Strict Profile = "strict"
	Loose  Profile = "loose"
)

// zeroWidth matches the zero-width characters the loose profile strips:
// U+200B ZERO WIDTH SPACE through U+200F RIGHT-TO-LEFT MARK, and U+FEFF
// ZERO WIDTH NO-BREAK SPACE (byte order mark).
func isZeroWidth(r rune) bool {
	return (r >= 0x200B && r <= 0x200F) || r == 0xFEFF
}

var (
	strictCache = stringutils.NewNormalizer(5*time.Minute, strictTransform)
	looseCache  = stringutils.NewNormalizer(5*time.Minute, looseTransform)
)

// Normalize returns the canonical form of s under the given profile.
// Results are cached per (profile, input) pair since the same filenames
// are normalized repeatedly during matching.
func Normalize(s string, profile Profile) string {
	switch profile {
	case Strict:
		return strictCache.Normalize(s)
	case Loose:
		return looseCache.Normalize(s)
	default:
		return s
	}
}

// strictTransform applies NFC only: canonical composition, no case
// folding, no whitespace collapsing. Two strings that are strict-equal
// are byte-identical after Unicode composition and nothing else.
func strictTransform(s string) string {
	out, _, err := transform.String(norm.NFC, s)
	if err != nil {
		return stringutils.InternNormalized(s)
	}
	return stringutils.Intern(out)
}

// looseTransform applies NFKC compatibility folding, strips zero-width
// characters, folds CJK half/full-width forms to their canonical width,
// collapses whitespace runs, and lowercases.
func looseTransform(s string) string {
	out, _, err := transform.String(norm.NFKC, s)
	if err != nil {
		out = s
	}

	out = width.Fold.String(out)

	var b strings.Builder
	b.Grow(len(out))
	lastWasSpace := false
	for _, r := range out {
		if isZeroWidth(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if lastWasSpace {
				continue
			}
			lastWasSpace = true
			b.WriteRune(' ')
			continue
		}
		lastWasSpace = false
		b.WriteRune(unicode.ToLower(r))
	}

	return stringutils.Intern(strings.TrimSpace(b.String()))
}

// SimilarityRatio returns the longest-common-normalized-substring ratio
// between two loose-normalized strings, in [0, 1]. The File Matcher
// accepts a pairing when this ratio is at least 0.6.
func SimilarityRatio(a, b string) float64 {
	a = Normalize(a, Loose)
	b = Normalize(b, Loose)
	if a == "" && b == "" {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	lcs := longestCommonSubstring(a, b)
	longer := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longer {
		longer = n
	}
	return float64(lcs) / float64(longer)
}

func longestCommonSubstring(a, b string) int {
	if a == b {
		return utf8.RuneCountInString(a)
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	best := 0
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > best {
					best = curr[j]
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return best
}
