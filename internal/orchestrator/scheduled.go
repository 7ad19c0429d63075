// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	jobNameSearch  = "search"
	jobNameCleanup = "cleanup"

	// schedulerTick is how often the loop wakes to check whether either
	// cadence has elapsed, independent of either cadence's own length.
	schedulerTick = 1 * time.Minute
)

// StartScheduled begins the Scheduled orchestration mode: a background
// loop that periodically checks the job_log for the search and cleanup
// jobs and, once a job's configured cadence has elapsed since its last
// recorded run, invokes RunFullScan or RunRetry and records the run. A
// zero cadence disables that job. Call StopScheduled to stop the loop.
func (o *Orchestrator) StartScheduled(ctx context.Context, searchCadence, cleanupCadence time.Duration) {
	o.schedulerCtx, o.schedulerCancel = context.WithCancel(ctx)
	o.schedulerWg.Add(1)
	go o.runScheduler(searchCadence, cleanupCadence)
	log.Info().
		Str("mode", string(ModeScheduled)).
		Dur("search_cadence", searchCadence).
		Dur("cleanup_cadence", cleanupCadence).
		Msg("orchestrator: scheduler started")
}

// StopScheduled cancels the scheduler loop and waits for it to exit.
func (o *Orchestrator) StopScheduled() {
	if o.schedulerCancel == nil {
		return
	}
	o.schedulerCancel()
	o.schedulerWg.Wait()
}

func (o *Orchestrator) runScheduler(searchCadence, cleanupCadence time.Duration) {
	defer o.schedulerWg.Done()

	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	o.checkScheduledJobs(searchCadence, cleanupCadence)
	for {
		select {
		case <-o.schedulerCtx.Done():
			return
		case <-ticker.C:
			o.checkScheduledJobs(searchCadence, cleanupCadence)
		}
	}
}

func (o *Orchestrator) checkScheduledJobs(searchCadence, cleanupCadence time.Duration) {
	ctx := o.schedulerCtx

	if o.jobDue(ctx, jobNameSearch, searchCadence) {
		log.Info().Str("job", jobNameSearch).Msg("orchestrator: scheduled full scan starting")
		if err := o.RunFullScan(ctx); err != nil {
			log.Error().Err(err).Str("job", jobNameSearch).Msg("orchestrator: scheduled full scan failed")
		}
		if err := o.store.RecordJobRun(ctx, jobNameSearch, time.Now()); err != nil {
			log.Error().Err(err).Str("job", jobNameSearch).Msg("orchestrator: record job run failed")
		}
	}

	if o.jobDue(ctx, jobNameCleanup, cleanupCadence) {
		log.Info().Str("job", jobNameCleanup).Msg("orchestrator: scheduled retry sweep starting")
		if err := o.RunRetry(ctx); err != nil {
			log.Error().Err(err).Str("job", jobNameCleanup).Msg("orchestrator: scheduled retry sweep failed")
		}
		if err := o.store.RecordJobRun(ctx, jobNameCleanup, time.Now()); err != nil {
			log.Error().Err(err).Str("job", jobNameCleanup).Msg("orchestrator: record job run failed")
		}
	}
}

func (o *Orchestrator) jobDue(ctx context.Context, jobName string, cadence time.Duration) bool {
	if cadence <= 0 {
		return false
	}
	lastRun, ok, err := o.store.GetJobLastRun(ctx, jobName)
	if err != nil {
		log.Error().Err(err).Str("job", jobName).Msg("orchestrator: read job_log failed")
		return false
	}
	if !ok {
		return true
	}
	return time.Since(lastRun) >= cadence
}
