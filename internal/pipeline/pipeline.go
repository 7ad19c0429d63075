// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pipeline implements the Match Pipeline state machine: the
// sequence one local torrent passes through against one candidate
// site, from gating through searching, matching, reconciling,
// injecting and verifying, to a terminal outcome.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/nemorosa/nemorosa/internal/clientadapter"
	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/matcher"
	"github.com/nemorosa/nemorosa/internal/metainfo"
	"github.com/nemorosa/nemorosa/internal/metrics"
	"github.com/nemorosa/nemorosa/internal/reconcile"
	"github.com/nemorosa/nemorosa/internal/search"
)

// State names every stop the pipeline can be in, success or terminal
// failure.
type State string

const (
	StateGated          State = "gated"
	StateSearching      State = "searching"
	StateMatching       State = "matching"
	StateReconciling    State = "reconciling"
	StateInjecting      State = "injecting"
	StateVerifying      State = "verifying"
	StatePostProcessing State = "post_processing"
	StateDone           State = "done"

	StateSkipped        State = "skipped"
	StateNoMatch        State = "no_match"
	StateDownloadFailed State = "download_failed"
	StateInjectFailed   State = "inject_failed"
	StateVerifyFailed   State = "verify_failed"
)

// Options configures one pipeline run.
type Options struct {
	Policy           domain.LinkingPolicy
	NoDownload       bool
	RenameInPlace    bool
	TargetRoot       func(local domain.LocalTorrent, candidate domain.CandidateTorrent) string
	RecheckMaxWait   time.Duration
	RecheckPoll      time.Duration
	AutoStartTorrent bool
}

// DefaultOptions mirrors spec.md §5's default timing knobs.
func DefaultOptions(policy domain.LinkingPolicy) Options {
	return Options{
		Policy:         policy,
		RecheckMaxWait: 10 * time.Minute,
		RecheckPoll:    2 * time.Second,
	}
}

// Run drives one local torrent against one tracker adapter end to end,
// returning the OutcomeRecord the caller persists.
func Run(ctx context.Context, local domain.LocalTorrent, adapter search.Fetcher, client clientadapter.Adapter, opts Options) domain.OutcomeRecord {
	start := time.Now()
	rec := run(ctx, local, adapter, client, opts)

	metrics.PipelineRuns.WithLabelValues(adapter.SiteID(), string(rec.Result)).Inc()
	metrics.PipelineDuration.WithLabelValues(adapter.SiteID()).Observe(time.Since(start).Seconds())
	return rec
}

func run(ctx context.Context, local domain.LocalTorrent, adapter search.Fetcher, client clientadapter.Adapter, opts Options) domain.OutcomeRecord {
	rec := domain.OutcomeRecord{
		LocalInfoHash: local.InfoHash,
		SiteID:        adapter.SiteID(),
		Timestamp:     time.Now(),
	}

	results, err := search.FindCandidates(ctx, adapter, local)
	if err != nil {
		log.Warn().Err(err).Str("hash", local.InfoHash).Str("site", adapter.SiteID()).Msg("pipeline: search failed")
		rec.Result = domain.ResultNoCandidates
		return rec
	}
	if len(results) == 0 {
		rec.Result = domain.ResultNoCandidates
		return rec
	}

	for _, r := range results {
		verdict := matcher.Match(local, r.Candidate, opts.Policy)
		if !verdict.Accepted {
			continue
		}

		rec.CandidateInfoHash = r.Candidate.InfoHash
		rec.MappingSummary = summarize(verdict.Mapping)
		rec.RemoteID = r.Candidate.RemoteID
		rec.Mapping = verdict.Mapping
		rec.CandidateFiles = r.Candidate.Files

		if opts.NoDownload {
			rec.Result = domain.ResultMatched
			return rec
		}

		if err := injectAndVerify(ctx, local, r.Candidate, r.RawTorrent, verdict.Mapping, client, opts); err != nil {
			log.Warn().Err(err).Str("hash", local.InfoHash).Str("candidate", r.Candidate.InfoHash).Msg("pipeline: reconcile/inject/verify failed")
			rec.Result = classifyFailure(err)
			return rec
		}

		rec.Result = domain.ResultMatched
		return rec
	}

	rec.Result = domain.ResultAllRejected
	return rec
}

// RunRetry replays a previously accepted match from a persisted Retry
// Ledger entry. It skips Searching and Matching entirely, reusing the
// ledger's own stored mapping rather than recomputing one: the only
// network call it makes is re-fetching the stored candidate's torrent
// bytes, since those aren't themselves persisted in the ledger.
func RunRetry(ctx context.Context, local domain.LocalTorrent, adapter search.Fetcher, client clientadapter.Adapter, remoteID string, mapping domain.FileMapping, opts Options) domain.OutcomeRecord {
	start := time.Now()
	rec := runRetry(ctx, local, adapter, client, remoteID, mapping, opts)

	metrics.PipelineRuns.WithLabelValues(adapter.SiteID(), string(rec.Result)).Inc()
	metrics.PipelineDuration.WithLabelValues(adapter.SiteID()).Observe(time.Since(start).Seconds())
	return rec
}

func runRetry(ctx context.Context, local domain.LocalTorrent, adapter search.Fetcher, client clientadapter.Adapter, remoteID string, mapping domain.FileMapping, opts Options) domain.OutcomeRecord {
	rec := domain.OutcomeRecord{
		LocalInfoHash: local.InfoHash,
		SiteID:        adapter.SiteID(),
		Timestamp:     time.Now(),
	}

	raw, err := adapter.FetchTorrent(ctx, remoteID)
	if err != nil {
		log.Warn().Err(err).Str("hash", local.InfoHash).Str("site", adapter.SiteID()).Msg("pipeline: retry refetch failed")
		rec.Result = domain.ResultDownloadFailed
		return rec
	}

	mi, err := metainfo.Parse(raw)
	if err != nil {
		log.Warn().Err(err).Str("hash", local.InfoHash).Str("site", adapter.SiteID()).Msg("pipeline: retry metainfo parse failed")
		rec.Result = domain.ResultInjectFailed
		return rec
	}

	candidate := domain.CandidateTorrent{
		SiteID:      adapter.SiteID(),
		RemoteID:    remoteID,
		InfoHash:    mi.InfoHash(),
		Name:        mi.Name(),
		Files:       mi.Files(),
		PieceLength: mi.PieceLength(),
		Pieces:      mi.Pieces(),
	}

	rec.CandidateInfoHash = candidate.InfoHash
	rec.MappingSummary = summarize(mapping)
	rec.RemoteID = remoteID
	rec.Mapping = mapping
	rec.CandidateFiles = candidate.Files

	if opts.NoDownload {
		rec.Result = domain.ResultMatched
		return rec
	}

	if err := injectAndVerify(ctx, local, candidate, raw, mapping, client, opts); err != nil {
		log.Warn().Err(err).Str("hash", local.InfoHash).Str("candidate", candidate.InfoHash).Msg("pipeline: retry reconcile/inject/verify failed")
		rec.Result = classifyFailure(err)
		return rec
	}

	rec.Result = domain.ResultMatched
	return rec
}

type stageError struct {
	stage State
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("pipeline: %s: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

func classifyFailure(err error) domain.OutcomeResult {
	var se *stageError
	if ok := asStageError(err, &se); ok {
		switch se.stage {
		case StateReconciling:
			return domain.ResultInjectFailed
		case StateInjecting:
			return domain.ResultDownloadFailed
		case StateVerifying:
			return domain.ResultVerifyFailed
		}
	}
	return domain.ResultInjectFailed
}

func asStageError(err error, target **stageError) bool {
	se, ok := err.(*stageError)
	if !ok {
		return false
	}
	*target = se
	return true
}

// injectAndVerify executes Reconciling, Injecting and Verifying for one
// accepted mapping.
func injectAndVerify(ctx context.Context, local domain.LocalTorrent, candidate domain.CandidateTorrent, torrentBytes []byte, mapping domain.FileMapping, client clientadapter.Adapter, opts Options) error {
	var targetRoot string
	if opts.TargetRoot != nil {
		targetRoot = opts.TargetRoot(local, candidate)
	} else {
		targetRoot = filepath.Join(filepath.Dir(local.SavePath), candidate.Name)
	}

	if err := reconcile.Reconcile(mapping, local.SavePath, targetRoot, opts.Policy, opts.RenameInPlace); err != nil {
		return &stageError{stage: StateReconciling, err: err}
	}

	if len(torrentBytes) == 0 {
		return &stageError{stage: StateInjecting, err: fmt.Errorf("no torrent bytes retained for %s", candidate.InfoHash)}
	}

	if err := client.AddTorrent(ctx, torrentBytes, targetRoot, "", !opts.AutoStartTorrent); err != nil {
		return &stageError{stage: StateInjecting, err: err}
	}

	status, err := clientadapter.WaitForRecheck(ctx, client, candidate.InfoHash, opts.RecheckMaxWait, opts.RecheckPoll)
	if err != nil {
		return &stageError{stage: StateVerifying, err: err}
	}
	if status.Status == clientadapter.StatusError || status.Status == clientadapter.StatusMissing {
		return &stageError{stage: StateVerifying, err: fmt.Errorf("candidate ended in state %s", status.Status)}
	}

	return nil
}

func summarize(m domain.FileMapping) string {
	var identical, renamed, linked, missing int
	for _, a := range m.Actions {
		switch a.Kind {
		case domain.ActionIdentical:
			identical++
		case domain.ActionRename:
			renamed++
		case domain.ActionLink:
			linked++
		case domain.ActionMissing:
			missing++
		}
	}
	return fmt.Sprintf("identical=%d renamed=%d linked=%d missing=%d missing_bytes=%s",
		identical, renamed, linked, missing, humanize.Bytes(uint64(m.MissingBytes())))
}
