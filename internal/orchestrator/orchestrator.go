// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package orchestrator drives the Match Pipeline across the torrent
// client's full library or a single torrent, bounding concurrency
// globally and per site, and serializing every Seen-set, Retry Ledger
// and Outcome log mutation through one writer goroutine the way the
// teacher's sync manager serializes qBittorrent API writes behind a
// single worker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nemorosa/nemorosa/internal/cache"
	"github.com/nemorosa/nemorosa/internal/clientadapter"
	"github.com/nemorosa/nemorosa/internal/config"
	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/metrics"
	"github.com/nemorosa/nemorosa/internal/pipeline"
	"github.com/nemorosa/nemorosa/internal/search"
	"github.com/nemorosa/nemorosa/internal/store"
	"github.com/nemorosa/nemorosa/internal/tracker/gazelle"
)

// DefaultGlobalConcurrency bounds how many pipeline runs execute at
// once across every site.
const DefaultGlobalConcurrency = 8

// DefaultPerSiteConcurrency bounds how many pipeline runs execute at
// once against a single site, independent of the global cap.
const DefaultPerSiteConcurrency = 4

// ErrNoMatch is returned by RunAnnounce when the cache holds no
// candidate for the announced (name, size) tuple.
var ErrNoMatch = errors.New("orchestrator: no cached torrent matches announce")

// ErrAmbiguous is returned by RunAnnounce when more than one cached
// torrent matches the announced (name, size) tuple, so the caller must
// fall back to a scheduled or full scan to disambiguate.
var ErrAmbiguous = errors.New("orchestrator: announce tuple matches more than one cached torrent")

// Mode selects which set of local torrents one Run call walks.
type Mode string

const (
	ModeFullScan  Mode = "full_scan"
	ModeSingle    Mode = "single"
	ModeAnnounce  Mode = "announce"
	ModeScheduled Mode = "scheduled"
	ModeRetry     Mode = "retry"
)

// writeRequest is one mutation the single-writer goroutine applies to
// the store, serialized behind a buffered channel so concurrent
// pipeline runs never race on SQLite writes.
type writeRequest struct {
	markSeen *seenWrite
	outcome  *domain.OutcomeRecord
	retryPut *domain.RetryLedgerEntry
	retryDel *retryDelete
	done     chan error
}

type seenWrite struct {
	localInfoHash, siteID string
}

type retryDelete struct {
	localInfoHash, siteID string
}

// Orchestrator wires the cache, store, client adapter and configured
// site adapters together to run the Match Pipeline at scale.
type Orchestrator struct {
	cfg      *config.Config
	cache    *cache.Cache
	store    *store.Store
	client   clientadapter.Adapter
	sites    []search.Fetcher
	writes   chan writeRequest
	global   *semaphore.Weighted
	perSite  map[string]*semaphore.Weighted
	onTick   func()

	schedulerCtx    context.Context
	schedulerCancel context.CancelFunc
	schedulerWg     sync.WaitGroup
}

// SetProgressFunc registers a callback RunFullScan invokes once per
// (torrent, site) pair it finishes, whether that pair ran the pipeline,
// was skipped as already seen, or failed, letting the CLI entry point drive a progress
// bar without the orchestrator knowing anything about rendering.
func (o *Orchestrator) SetProgressFunc(fn func()) {
	o.onTick = fn
}

// New builds an Orchestrator and starts its single-writer goroutine.
// The caller is responsible for calling Close when done.
func New(cfg *config.Config, c *cache.Cache, st *store.Store, client clientadapter.Adapter, sites []search.Fetcher) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		cache:   c,
		store:   st,
		client:  client,
		sites:   sites,
		writes:  make(chan writeRequest, 64),
		global:  semaphore.NewWeighted(DefaultGlobalConcurrency),
		perSite: make(map[string]*semaphore.Weighted, len(sites)),
	}
	for _, s := range sites {
		o.perSite[s.SiteID()] = semaphore.NewWeighted(DefaultPerSiteConcurrency)
	}
	go o.runWriter()
	return o
}

// Close stops the writer goroutine. Call once no more Run calls will be
// issued.
func (o *Orchestrator) Close() {
	close(o.writes)
}

func (o *Orchestrator) runWriter() {
	ctx := context.Background()
	for req := range o.writes {
		var err error
		switch {
		case req.markSeen != nil:
			err = o.store.MarkSeen(ctx, req.markSeen.localInfoHash, req.markSeen.siteID)
		case req.outcome != nil:
			err = o.store.RecordOutcome(ctx, *req.outcome)
		case req.retryPut != nil:
			err = o.store.UpsertRetry(ctx, *req.retryPut)
		case req.retryDel != nil:
			err = o.store.DeleteRetry(ctx, req.retryDel.localInfoHash, req.retryDel.siteID)
		}
		if err != nil {
			log.Error().Err(err).Msg("orchestrator: write failed")
		}
		if req.done != nil {
			req.done <- err
		}
	}
}

func (o *Orchestrator) submit(req writeRequest) error {
	req.done = make(chan error, 1)
	o.writes <- req
	return <-req.done
}

// BuildSites constructs one search.Fetcher per configured target site,
// picking the JSON or HTML Gazelle variant by whichever credential the
// site's config block carries.
func BuildSites(cfg *config.Config) ([]search.Fetcher, error) {
	var sites []search.Fetcher
	for _, ts := range cfg.TargetSites {
		if ts.APIKey != "" {
			client, err := gazelle.NewJSONClient(ts.Tracker, ts.Server, ts.APIKey)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: build site %s: %w", ts.Tracker, err)
			}
			sites = append(sites, client)
			continue
		}
		client, err := gazelle.NewHTMLClient(ts.Tracker, ts.Server, ts.Cookie)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: build site %s: %w", ts.Tracker, err)
		}
		sites = append(sites, client)
	}
	return sites, nil
}

// RunFullScan walks every cached local torrent whose tracker is in the
// configured check list against every configured site, honoring the
// Seen set so repeat scans skip already-checked pairs.
func (o *Orchestrator) RunFullScan(ctx context.Context) error {
	torrents := o.cache.AllFiltered(o.cfg.Global.CheckTrackers)
	log.Info().Int("count", len(torrents)).Msg("orchestrator: full scan starting")

	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range torrents {
		local := entry.Torrent
		for _, site := range o.sites {
			local, site := local, site
			g.Go(func() error {
				err := o.runOne(gctx, local, site)
				if o.onTick != nil {
					o.onTick()
				}
				return err
			})
		}
	}
	return g.Wait()
}

// RunSingle drives one local torrent against every configured site,
// ignoring the Seen set, the behavior of a manually targeted retry.
func (o *Orchestrator) RunSingle(ctx context.Context, infoHash string) error {
	entry, ok := o.cache.Get(infoHash)
	if !ok {
		return fmt.Errorf("orchestrator: unknown local torrent %s", infoHash)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, site := range o.sites {
		site := site
		g.Go(func() error {
			return o.runOneForce(gctx, entry.Torrent, site)
		})
	}
	return g.Wait()
}

// RunAnnounceByHash resolves an announce-triggered infohash directly
// against the cache and drives one pipeline run immediately. It returns
// ErrNoMatch when the cache holds no entry for the hash.
func (o *Orchestrator) RunAnnounceByHash(ctx context.Context, siteID, infoHash string) (domain.OutcomeRecord, error) {
	entry, ok := o.cache.Get(infoHash)
	if !ok {
		return domain.OutcomeRecord{}, ErrNoMatch
	}
	return o.runAnnounceAgainst(ctx, siteID, entry.Torrent)
}

// RunAnnounce resolves an announce-triggered (name, size, siteID) tuple
// against the cache's by-name index and, on a unique hit, drives one
// pipeline run immediately. It returns ErrNoMatch when the cache holds
// no candidate and ErrAmbiguous when more than one does.
func (o *Orchestrator) RunAnnounce(ctx context.Context, siteID, name string, size int64) (domain.OutcomeRecord, error) {
	matches := o.cache.ByName(name, size)
	if len(matches) == 0 {
		return domain.OutcomeRecord{}, ErrNoMatch
	}
	if len(matches) > 1 {
		return domain.OutcomeRecord{}, ErrAmbiguous
	}
	return o.runAnnounceAgainst(ctx, siteID, matches[0].Torrent)
}

func (o *Orchestrator) runAnnounceAgainst(ctx context.Context, siteID string, local domain.LocalTorrent) (domain.OutcomeRecord, error) {
	site := o.siteByID(siteID)
	if site == nil {
		return domain.OutcomeRecord{}, fmt.Errorf("orchestrator: unknown site %s", siteID)
	}

	rec := pipeline.Run(ctx, local, site, o.client, o.pipelineOptions())
	_ = o.submit(writeRequest{outcome: &rec})
	return rec, nil
}

// RunRetry drains every due Retry Ledger entry and re-attempts its
// pipeline run from the reconcile step onward.
func (o *Orchestrator) RunRetry(ctx context.Context) error {
	due, err := o.store.DueRetries(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("orchestrator: load due retries: %w", err)
	}
	log.Info().Int("count", len(due)).Msg("orchestrator: retry mode starting")

	for _, entry := range due {
		local, ok := o.cache.Get(entry.LocalInfoHash)
		if !ok {
			_ = o.submit(writeRequest{retryDel: &retryDelete{entry.LocalInfoHash, entry.SiteID}})
			continue
		}
		site := o.siteByID(entry.SiteID)
		if site == nil {
			continue
		}

		rec := pipeline.RunRetry(ctx, local.Torrent, site, o.client, entry.RemoteID, entry.Mapping, o.pipelineOptions())
		rec.RetryCount = entry.Attempts + 1
		_ = o.submit(writeRequest{outcome: &rec})

		if rec.Result == domain.ResultMatched || entry.Attempts+1 >= maxRetryAttempts {
			_ = o.submit(writeRequest{retryDel: &retryDelete{entry.LocalInfoHash, entry.SiteID}})
		} else {
			entry.Attempts++
			entry.NextRetryAt = nextBackoff(entry.Attempts)
			_ = o.submit(writeRequest{retryPut: &entry})
		}
	}

	if count, err := o.store.CountRetries(ctx); err == nil {
		metrics.RetryLedgerSize.Set(float64(count))
	}
	return nil
}

const maxRetryAttempts = 5

// nextBackoff computes the next retry deadline using the same
// exponential-with-jitter shape avast/retry-go applies to transient RPC
// failures, scaled to retry-ledger granularity (minutes, not
// milliseconds).
func nextBackoff(attempt int) time.Time {
	base := time.Duration(1<<uint(attempt)) * time.Minute
	if base > 6*time.Hour {
		base = 6 * time.Hour
	}
	// Up to a quarter of the delay is taken off at random, so ledger
	// entries that failed together do not all come due at once.
	jitter := time.Duration(rand.Int63n(int64(base)/4 + 1))
	return time.Now().Add(base - jitter)
}

// pipelineOptions builds one pipeline.Options from the current
// configuration, so every Run call site stays in sync with
// global.no_download and global.auto_start_torrents.
func (o *Orchestrator) pipelineOptions() pipeline.Options {
	opts := pipeline.DefaultOptions(o.cfg.LinkingPolicy())
	opts.NoDownload = o.cfg.Global.NoDownload
	opts.AutoStartTorrent = o.cfg.Global.AutoStartTorrents
	return opts
}

func (o *Orchestrator) siteByID(id string) search.Fetcher {
	for _, s := range o.sites {
		if s.SiteID() == id {
			return s
		}
	}
	return nil
}

// runOne checks the Seen set, acquires both concurrency semaphores, and
// runs the pipeline, recording the outcome and marking the pair seen
// regardless of verdict.
func (o *Orchestrator) runOne(ctx context.Context, local domain.LocalTorrent, site search.Fetcher) error {
	seen, err := o.store.IsSeen(ctx, local.InfoHash, site.SiteID())
	if err != nil {
		return err
	}
	if seen {
		return nil
	}
	return o.runOneForce(ctx, local, site)
}

func (o *Orchestrator) runOneForce(ctx context.Context, local domain.LocalTorrent, site search.Fetcher) error {
	if err := o.global.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.global.Release(1)

	siteSem := o.perSite[site.SiteID()]
	if siteSem != nil {
		if err := siteSem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer siteSem.Release(1)
	}

	rec := pipeline.Run(ctx, local, site, o.client, o.pipelineOptions())

	if err := o.submit(writeRequest{outcome: &rec}); err != nil {
		log.Error().Err(err).Msg("orchestrator: record outcome failed")
	}
	if err := o.submit(writeRequest{markSeen: &seenWrite{local.InfoHash, site.SiteID()}}); err != nil {
		log.Error().Err(err).Msg("orchestrator: mark seen failed")
	}

	if rec.Result == domain.ResultDownloadFailed {
		entry := domain.RetryLedgerEntry{
			LocalInfoHash: local.InfoHash,
			SiteID:        site.SiteID(),
			RemoteID:      rec.RemoteID,
			TargetFiles:   rec.CandidateFiles,
			Mapping:       rec.Mapping,
			Attempts:      0,
			NextRetryAt:   nextBackoff(0),
		}
		_ = o.submit(writeRequest{retryPut: &entry})
	}

	return nil
}
