// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemorosa/nemorosa/internal/cache"
	"github.com/nemorosa/nemorosa/internal/clientadapter"
	"github.com/nemorosa/nemorosa/internal/config"
	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/orchestrator"
	"github.com/nemorosa/nemorosa/internal/search"
	"github.com/nemorosa/nemorosa/internal/store"
	"github.com/nemorosa/nemorosa/internal/tracker"
)

type fakeSite struct{ hash string }

func (f *fakeSite) SiteID() string     { return "redacted.sh" }
func (f *fakeSite) SourceFlag() string { return "RED" }

func (f *fakeSite) SearchByHash(_ context.Context, infoHash string) ([]tracker.CandidateRef, error) {
	if infoHash != f.hash {
		return nil, nil
	}
	return []tracker.CandidateRef{{RemoteID: "1"}}, nil
}

func (f *fakeSite) SearchByFilename(_ context.Context, _ string) ([]tracker.CandidateRef, error) {
	return nil, nil
}

func (f *fakeSite) FetchTorrent(_ context.Context, _ string) ([]byte, error) {
	return []byte("d4:infod6:lengthi100e4:name10:track.flac12:piece lengthi16384e6:pieces0:ee"), nil
}

type fakeClient struct{}

func (f *fakeClient) ListTorrents(ctx context.Context) ([]domain.LocalTorrent, error) { return nil, nil }
func (f *fakeClient) GetInfo(ctx context.Context, infoHash string) (domain.LocalTorrent, error) {
	return domain.LocalTorrent{}, nil
}
func (f *fakeClient) AddTorrent(ctx context.Context, torrentBytes []byte, savePath, label string, paused bool) error {
	return nil
}
func (f *fakeClient) Recheck(ctx context.Context, infoHash string) error { return nil }
func (f *fakeClient) Status(ctx context.Context, infoHash string) (clientadapter.TorrentStatus, error) {
	return clientadapter.TorrentStatus{Status: clientadapter.StatusSeeding}, nil
}

func newTestServer(t *testing.T, apiKey string) (*Server, *cache.Cache) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "nemorosa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := cache.New()
	cfg := &config.Config{Global: config.Global{NoDownload: true}}
	orch := orchestrator.New(cfg, c, st, &fakeClient{}, []search.Fetcher{&fakeSite{hash: "abc123"}})
	t.Cleanup(orch.Close)

	return NewServer(apiKey, orch, st), c
}

func TestRouterRootIsLivenessCheck(t *testing.T) {
	s, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouterHealthEndpointReturnsServiceStatus(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "nemorosa", body.Service)
}

func TestRouterWebhookRequiresAPIKeyWhenConfigured(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/webhook?infoHash=abc123", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouterWebhookReturnsNotFoundForUnknownHash(t *testing.T) {
	s, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/webhook?infoHash=does-not-exist&site=redacted.sh", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body ProcessResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unknown", body.Status)
}

func TestRouterWebhookReturnsBadRequestWithoutHashOrNameSize(t *testing.T) {
	s, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/webhook", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouterWebhookMatchesKnownHash(t *testing.T) {
	s, c := newTestServer(t, "")
	c.Rebuild([]domain.LocalTorrent{{
		InfoHash: "abc123",
		SavePath: t.TempDir(),
		Files:    []domain.FileEntry{{Path: "track.flac", Length: 100}},
	}})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/webhook?infoHash=abc123&site=redacted.sh", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body ProcessResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "matched", body.Status)
	assert.Equal(t, "matched", body.Result)
}

func TestRouterJobsListsRecentOutcomes(t *testing.T) {
	s, c := newTestServer(t, "")
	c.Rebuild([]domain.LocalTorrent{{
		InfoHash: "abc123",
		SavePath: t.TempDir(),
		Files:    []domain.FileEntry{{Path: "track.flac", Length: 100}},
	}})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	_, err := http.Post(srv.URL+"/api/webhook?infoHash=abc123&site=redacted.sh", "application/json", nil)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var jobs []JobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "abc123", jobs[0].LocalInfoHash)
}
