// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package store persists the Seen set, Outcome log, Retry Ledger and
// Torrent Info Cache snapshot to a local SQLite database, applying a
// linear forward-only migration chain on open the way the teacher's
// database package does, scaled down to nemorosa's single-writer
// workload: the Orchestrator already serializes every mutation through
// one goroutine, so no write-queue or prepared-statement cache is
// needed on top of it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog/log"

	"github.com/nemorosa/nemorosa/internal/domain"
)

const busyTimeoutMillis = 5000

// Store wraps the single SQLite connection nemorosa keeps open for the
// lifetime of one process.
type Store struct {
	conn *sql.DB
}

// Open creates (if necessary) and migrates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	conn.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis),
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("store: apply pragma %q: %w", p, err)
		}
	}

	s := &Store{conn: conn}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.conn.Close() }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMP NOT NULL)`,

	`CREATE TABLE IF NOT EXISTS seen (
		local_infohash TEXT NOT NULL,
		site_id TEXT NOT NULL,
		seen_at TIMESTAMP NOT NULL,
		PRIMARY KEY (local_infohash, site_id)
	)`,

	`CREATE TABLE IF NOT EXISTS outcomes (
		local_infohash TEXT NOT NULL,
		site_id TEXT NOT NULL,
		result TEXT NOT NULL,
		candidate_infohash TEXT,
		mapping_summary TEXT,
		occurred_at TIMESTAMP NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS retry_ledger (
		local_infohash TEXT NOT NULL,
		site_id TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		target_files TEXT NOT NULL,
		mapping TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMP NOT NULL,
		PRIMARY KEY (local_infohash, site_id)
	)`,

	`CREATE TABLE IF NOT EXISTS torrent_info_cache (
		infohash TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		normalized_first_file TEXT NOT NULL,
		save_path TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_outcomes_infohash ON outcomes (local_infohash)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_normalized_name ON torrent_info_cache (normalized_first_file)`,

	`CREATE TABLE IF NOT EXISTS job_log (
		job_name TEXT PRIMARY KEY,
		last_run TIMESTAMP NOT NULL,
		run_count INTEGER NOT NULL DEFAULT 0
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, migrations[0]); err != nil {
		return err
	}

	var applied int
	row := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`)
	if err := row.Scan(&applied); err != nil {
		return err
	}

	for i := applied + 1; i < len(migrations); i++ {
		if _, err := s.conn.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
		if _, err := s.conn.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, i, time.Now()); err != nil {
			return err
		}
	}
	log.Debug().Int("applied", len(migrations)-1-applied).Msg("store: migrations applied")
	return nil
}

// MarkSeen records that local torrent was already checked against
// site_id, so the Orchestrator's Seen-set gate skips it on future
// scans.
func (s *Store) MarkSeen(ctx context.Context, localInfoHash, siteID string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO seen (local_infohash, site_id, seen_at) VALUES (?, ?, ?)
		 ON CONFLICT (local_infohash, site_id) DO UPDATE SET seen_at = excluded.seen_at`,
		localInfoHash, siteID, time.Now())
	return err
}

// IsSeen reports whether local torrent has already been checked
// against site_id.
func (s *Store) IsSeen(ctx context.Context, localInfoHash, siteID string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen WHERE local_infohash = ? AND site_id = ?`,
		localInfoHash, siteID).Scan(&n)
	return n > 0, err
}

// RecordOutcome appends an OutcomeRecord to the outcome log.
func (s *Store) RecordOutcome(ctx context.Context, rec domain.OutcomeRecord) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO outcomes (local_infohash, site_id, result, candidate_infohash, mapping_summary, occurred_at, retry_count, next_retry_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.LocalInfoHash, rec.SiteID, string(rec.Result), rec.CandidateInfoHash, rec.MappingSummary,
		rec.Timestamp, rec.RetryCount, rec.NextRetryAt)
	return err
}

// RecentOutcomes returns up to limit outcome records, most recent
// first, for the /jobs introspection endpoint.
func (s *Store) RecentOutcomes(ctx context.Context, limit int) ([]domain.OutcomeRecord, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT local_infohash, site_id, result, candidate_infohash, mapping_summary, occurred_at, retry_count, next_retry_at
		 FROM outcomes ORDER BY occurred_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutcomeRecord
	for rows.Next() {
		var rec domain.OutcomeRecord
		var result string
		var candidateHash, mappingSummary sql.NullString
		var nextRetry sql.NullTime
		if err := rows.Scan(&rec.LocalInfoHash, &rec.SiteID, &result, &candidateHash, &mappingSummary,
			&rec.Timestamp, &rec.RetryCount, &nextRetry); err != nil {
			return nil, err
		}
		rec.Result = domain.OutcomeResult(result)
		rec.CandidateInfoHash = candidateHash.String
		rec.MappingSummary = mappingSummary.String
		if nextRetry.Valid {
			t := nextRetry.Time
			rec.NextRetryAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertRetry writes or refreshes a Retry Ledger entry.
func (s *Store) UpsertRetry(ctx context.Context, entry domain.RetryLedgerEntry) error {
	files, err := json.Marshal(entry.TargetFiles)
	if err != nil {
		return err
	}
	mapping, err := json.Marshal(entry.Mapping)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO retry_ledger (local_infohash, site_id, remote_id, target_files, mapping, attempts, next_retry_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (local_infohash, site_id) DO UPDATE SET
			remote_id = excluded.remote_id, target_files = excluded.target_files, mapping = excluded.mapping,
			attempts = excluded.attempts, next_retry_at = excluded.next_retry_at`,
		entry.LocalInfoHash, entry.SiteID, entry.RemoteID, string(files), string(mapping),
		entry.Attempts, entry.NextRetryAt)
	return err
}

// DueRetries returns every ledger entry whose next_retry_at has
// elapsed, the set the Retry orchestration mode drains each run.
func (s *Store) DueRetries(ctx context.Context, now time.Time) ([]domain.RetryLedgerEntry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT local_infohash, site_id, remote_id, target_files, mapping, attempts, next_retry_at
		 FROM retry_ledger WHERE next_retry_at <= ?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RetryLedgerEntry
	for rows.Next() {
		var entry domain.RetryLedgerEntry
		var files, mapping string
		if err := rows.Scan(&entry.LocalInfoHash, &entry.SiteID, &entry.RemoteID, &files, &mapping,
			&entry.Attempts, &entry.NextRetryAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(files), &entry.TargetFiles); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(mapping), &entry.Mapping); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// CountRetries returns the total number of ledger entries regardless of
// due date, the gauge the Retry orchestration mode samples after each
// sweep.
func (s *Store) CountRetries(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM retry_ledger`).Scan(&n)
	return n, err
}

// DeleteRetry removes a satisfied or abandoned ledger entry.
func (s *Store) DeleteRetry(ctx context.Context, localInfoHash, siteID string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM retry_ledger WHERE local_infohash = ? AND site_id = ?`, localInfoHash, siteID)
	return err
}

// SaveCacheEntry persists one Torrent Info Cache entry, so a restart
// can seed the in-memory cache without a full client re-scan.
func (s *Store) SaveCacheEntry(ctx context.Context, entry domain.TorrentInfoCacheEntry) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO torrent_info_cache (infohash, name, normalized_first_file, save_path, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (infohash) DO UPDATE SET
			name = excluded.name, normalized_first_file = excluded.normalized_first_file,
			save_path = excluded.save_path, updated_at = excluded.updated_at`,
		entry.Torrent.InfoHash, entry.Torrent.Name, entry.NormalizedFirstFile, entry.Torrent.SavePath, time.Now())
	return err
}

// GetJobLastRun returns when a scheduled-mode job last ran, reporting
// ok=false if it has never run.
func (s *Store) GetJobLastRun(ctx context.Context, jobName string) (lastRun time.Time, ok bool, err error) {
	err = s.conn.QueryRowContext(ctx,
		`SELECT last_run FROM job_log WHERE job_name = ?`, jobName).Scan(&lastRun)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	return lastRun, err == nil, err
}

// RecordJobRun stamps a scheduled-mode job's last run time and
// increments its run count, the persistence backing the Scheduled
// orchestration mode's cadence checks across process restarts.
func (s *Store) RecordJobRun(ctx context.Context, jobName string, at time.Time) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO job_log (job_name, last_run, run_count) VALUES (?, ?, 1)
		 ON CONFLICT (job_name) DO UPDATE SET last_run = excluded.last_run, run_count = job_log.run_count + 1`,
		jobName, at)
	return err
}

// LoadCacheEntries restores every persisted cache entry on startup.
func (s *Store) LoadCacheEntries(ctx context.Context) ([]domain.TorrentInfoCacheEntry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT infohash, name, normalized_first_file, save_path FROM torrent_info_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TorrentInfoCacheEntry
	for rows.Next() {
		var entry domain.TorrentInfoCacheEntry
		if err := rows.Scan(&entry.Torrent.InfoHash, &entry.Torrent.Name, &entry.NormalizedFirstFile, &entry.Torrent.SavePath); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
