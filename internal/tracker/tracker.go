// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package tracker defines the polymorphic contract every Gazelle-family
// site adapter implements, so the Candidate Search Strategy can drive
// GazelleJSON and GazelleHTML variants identically.
package tracker

import (
	"context"
	"fmt"
)

// CandidateRef is a lightweight reference to a remote torrent returned
// by a search call, before its full metainfo has been fetched.
type CandidateRef struct {
	RemoteID string
	InfoHash string
	Size     int64
	Title    string
	// Files maps declared relative path to size, when the search
	// response exposes a file list (Gazelle's torrent endpoint does, via
	// JSONClient.SearchByHash); empty when not available.
	Files map[string]int64
}

// Adapter is the interface every tracker site implementation satisfies.
// Adapters are not safe for unsynchronized concurrent use beyond what
// their own internal rate limiter already serializes; callers bound
// concurrency per site externally via a semaphore.
type Adapter interface {
	SiteID() string
	TrackerDomain() string
	SourceFlag() string

	SearchByHash(ctx context.Context, infoHash string) ([]CandidateRef, error)
	SearchByFilename(ctx context.Context, query string) ([]CandidateRef, error)
	FetchTorrent(ctx context.Context, remoteID string) ([]byte, error)
}

// AuthError is returned by an Adapter when the site rejects credentials.
// Per the error taxonomy, the site is then disabled for the rest of the
// run.
type AuthError struct {
	SiteID string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("tracker %s: auth error: %v", e.SiteID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimited signals the caller should sleep the indicated window; it
// is not counted against an adapter's retry budget.
type RateLimited struct {
	SiteID string
	Retry  string
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("tracker %s: rate limited, retry after %s", e.SiteID, e.Retry)
}

// TransientNetworkError marks a failure the site adapter should retry
// in-place before surfacing, per the error taxonomy's §7 policy.
type TransientNetworkError struct {
	SiteID string
	Err    error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("tracker %s: transient network error: %v", e.SiteID, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }
