// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api exposes nemorosa's announce webhook and job-introspection
// surface over a go-chi router, the same router library the wider
// autobrr/qui family uses for its own HTTP APIs.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/orchestrator"
	"github.com/nemorosa/nemorosa/internal/store"
)

// announceTimeout bounds how long the webhook handler waits for one
// pipeline run before responding 408.
const announceTimeout = 30 * time.Second

// ProcessResponse is the webhook's JSON response body.
type ProcessResponse struct {
	Status          string `json:"status"`
	Result          string `json:"result,omitempty"`
	CandidateHash   string `json:"candidate,omitempty"`
	MappingSummary  string `json:"mapping_summary,omitempty"`
}

// HealthResponse is the /health liveness endpoint's JSON body.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// JobResponse is one entry of the /jobs introspection listing.
type JobResponse struct {
	LocalInfoHash     string     `json:"local_info_hash"`
	SiteID            string     `json:"site_id"`
	Result            string     `json:"result"`
	CandidateInfoHash string     `json:"candidate_info_hash,omitempty"`
	MappingSummary    string     `json:"mapping_summary,omitempty"`
	OccurredAt        time.Time  `json:"occurred_at"`
	RetryCount        int        `json:"retry_count"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
}

// Server wires the orchestrator and store into HTTP handlers.
type Server struct {
	apiKey string
	orch   *orchestrator.Orchestrator
	store  *store.Store
}

// NewServer builds a Server bound to an API key, the orchestrator that
// drives announce-triggered runs, and the store job listings read from.
func NewServer(apiKey string, orch *orchestrator.Orchestrator, st *store.Store) *Server {
	return &Server{apiKey: apiKey, orch: orch, store: st}
}

// Router builds the chi router: a root liveness check, the webhook, and
// the jobs listing, both behind bearer-token auth.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("nemorosa"))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		RespondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Service: "nemorosa"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/webhook", s.handleWebhook)
	})

	r.With(s.requireAPIKey).Get("/jobs", s.handleJobs)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.apiKey {
			RespondError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleWebhook resolves an announce tuple and drives one pipeline run,
// mapping the outcome to the status codes spec.md §6 names.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	infoHash := r.URL.Query().Get("infoHash")
	name := r.URL.Query().Get("name")
	sizeStr := r.URL.Query().Get("size")
	siteID := r.URL.Query().Get("site")

	if infoHash == "" && (name == "" || sizeStr == "") {
		RespondError(w, http.StatusBadRequest, "infoHash or name+size is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), announceTimeout)
	defer cancel()

	var size int64
	if sizeStr != "" {
		var err error
		size, err = strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "invalid size")
			return
		}
	}

	rec, err := s.resolveAndRun(ctx, siteID, infoHash, name, size)
	switch {
	case errors.Is(err, orchestrator.ErrNoMatch):
		RespondJSON(w, http.StatusNotFound, ProcessResponse{Status: "unknown"})
		return
	case errors.Is(err, orchestrator.ErrAmbiguous):
		RespondJSON(w, http.StatusAccepted, ProcessResponse{Status: "ambiguous"})
		return
	case errors.Is(err, context.DeadlineExceeded):
		RespondJSON(w, http.StatusRequestTimeout, ProcessResponse{Status: "timeout"})
		return
	case err != nil:
		log.Error().Err(err).Msg("api: webhook processing failed")
		RespondJSON(w, http.StatusInternalServerError, ProcessResponse{Status: "error"})
		return
	}

	resp := ProcessResponse{
		Result:         string(rec.Result),
		CandidateHash:  rec.CandidateInfoHash,
		MappingSummary: rec.MappingSummary,
	}
	switch rec.Result {
	case domain.ResultMatched:
		resp.Status = "matched"
		RespondJSON(w, http.StatusOK, resp)
	default:
		resp.Status = "accepted"
		RespondJSON(w, http.StatusAccepted, resp)
	}
}

func (s *Server) resolveAndRun(ctx context.Context, siteID, infoHash, name string, size int64) (domain.OutcomeRecord, error) {
	if infoHash != "" {
		return s.orch.RunAnnounceByHash(ctx, siteID, infoHash)
	}
	return s.orch.RunAnnounce(ctx, siteID, name, size)
}

// handleJobs returns the most recent outcome records for external
// introspection, defaulting to the last 50.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	recent, err := s.store.RecentOutcomes(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("api: list jobs failed")
		RespondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	out := make([]JobResponse, 0, len(recent))
	for _, rec := range recent {
		out = append(out, JobResponse{
			LocalInfoHash:     rec.LocalInfoHash,
			SiteID:            rec.SiteID,
			Result:            string(rec.Result),
			CandidateInfoHash: rec.CandidateInfoHash,
			MappingSummary:    rec.MappingSummary,
			OccurredAt:        rec.Timestamp,
			RetryCount:        rec.RetryCount,
			NextRetryAt:       rec.NextRetryAt,
		})
	}
	RespondJSON(w, http.StatusOK, out)
}
