// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package gazelle implements cross-seed candidate search against
// Gazelle-family music trackers (redacted.sh / RED, orpheus.network /
// OPS), one adapter authenticating through the JSON ajax.php API, a
// second scraping HTML search results for sites that expose no API.
package gazelle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nemorosa/nemorosa/internal/metrics"
	"github.com/nemorosa/nemorosa/internal/tracker"
)

// sharedTransport enables connection pooling across every site client.
var sharedTransport = func() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 100
	t.MaxIdleConnsPerHost = 10
	t.IdleConnTimeout = 90 * time.Second
	t.ForceAttemptHTTP2 = true
	return t
}()

// Spec describes one known Gazelle-family site's API characteristics.
type Spec struct {
	Host       string
	RateLimit  int
	RatePeriod int
	SourceFlag string
}

// KnownTrackers maps a site's API host to its rate limit and source
// flag. Additional sites register the same shape at config load time.
var KnownTrackers = map[string]Spec{
	"redacted.sh":     {Host: "redacted.sh", RateLimit: 10, RatePeriod: 10, SourceFlag: "RED"},
	"orpheus.network": {Host: "orpheus.network", RateLimit: 5, RatePeriod: 10, SourceFlag: "OPS"},
}

// TrackerToSite maps an announce tracker host (as found in a torrent's
// announce URL) to the API host used for search.
var TrackerToSite = map[string]string{
	"flacsfor.me":    "redacted.sh",
	"home.opsfet.ch": "orpheus.network",
}

type ajaxResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error"`
}

type torrentResponse struct {
	Group   torrentGroup   `json:"group"`
	Torrent torrentDetails `json:"torrent"`
}

type torrentGroup struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type torrentDetails struct {
	ID       int64  `json:"id"`
	InfoHash string `json:"infoHash"`
	Size     int64  `json:"size"`
	FileList string `json:"fileList"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	GroupID   flexInt         `json:"groupId"`
	GroupName string          `json:"groupName"`
	Artist    string          `json:"artist"`
	Torrents  []searchTorrent `json:"torrents"`
}

type searchTorrent struct {
	TorrentID flexInt `json:"torrentId"`
	Size      int64   `json:"size"`
}

// flexInt handles Gazelle JSON fields that are sometimes strings,
// sometimes numbers, depending on the site and endpoint.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*f = flexInt(parsed)
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into flexInt", string(data))
}

// JSONClient is the GazelleJSON tracker.Adapter variant, authenticating
// via an API key against the ajax.php endpoint.
type JSONClient struct {
	siteID     string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	host       string
	spec       Spec
}

// NewJSONClient builds an adapter for a known Gazelle-family site. The
// server URL's host must be a registered entry of KnownTrackers.
func NewJSONClient(siteID, serverURL, apiKey string) (*JSONClient, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("gazelle: invalid server URL: %w", err)
	}
	host := parsed.Host
	spec, ok := KnownTrackers[host]
	if !ok {
		return nil, fmt.Errorf("gazelle: unsupported host: %s", host)
	}

	limiter := rate.NewLimiter(rate.Every(time.Duration(spec.RatePeriod)*time.Second/time.Duration(spec.RateLimit)), 1)

	return &JSONClient{
		siteID:  siteID,
		baseURL: serverURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: sharedTransport,
		},
		limiter: limiter,
		host:    host,
		spec:    spec,
	}, nil
}

func (c *JSONClient) SiteID() string        { return c.siteID }
func (c *JSONClient) TrackerDomain() string { return c.host }
func (c *JSONClient) SourceFlag() string    { return c.spec.SourceFlag }

func (c *JSONClient) request(ctx context.Context, method, endpoint string, params url.Values) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limit wait failed: %w", err)
	}

	reqURL := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.baseURL, "/"), endpoint)
	if len(params) > 0 {
		reqURL = fmt.Sprintf("%s?%s", reqURL, params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request for %s: %w", endpoint, err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("User-Agent", "nemorosa/1.0 (gazelle)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.TrackerErrors.WithLabelValues(c.siteID, "transient").Inc()
		return nil, 0, &tracker.TransientNetworkError{SiteID: c.siteID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response from %s: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		metrics.TrackerErrors.WithLabelValues(c.siteID, "auth").Inc()
		return nil, resp.StatusCode, &tracker.AuthError{SiteID: c.siteID, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		metrics.TrackerErrors.WithLabelValues(c.siteID, "rate_limited").Inc()
		return nil, resp.StatusCode, &tracker.RateLimited{SiteID: c.siteID, Retry: resp.Header.Get("Retry-After")}
	}
	if resp.StatusCode != http.StatusOK {
		return body, resp.StatusCode, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return body, resp.StatusCode, nil
}

func (c *JSONClient) ajax(ctx context.Context, action string, params url.Values) (*ajaxResponse, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("action", action)
	body, _, err := c.request(ctx, http.MethodGet, "ajax.php", params)
	if err != nil {
		return nil, err
	}
	var resp ajaxResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("API error: %s", resp.Error)
	}
	return &resp, nil
}

// SearchByHash looks up a torrent by infohash. Gazelle's "bad
// parameters"-style errors mean no match, not a failure, and are
// translated into a nil result.
func (c *JSONClient) SearchByHash(ctx context.Context, infoHash string) ([]tracker.CandidateRef, error) {
	params := url.Values{}
	params.Set("hash", strings.ToUpper(infoHash))

	resp, err := c.ajax(ctx, "torrent", params)
	if err != nil {
		lower := strings.ToLower(err.Error())
		if strings.Contains(lower, "bad id parameter") ||
			strings.Contains(lower, "bad parameters") ||
			strings.Contains(lower, "bad hash parameter") {
			return nil, nil
		}
		return nil, err
	}

	var tr torrentResponse
	if err := json.Unmarshal(resp.Response, &tr); err != nil {
		return nil, err
	}

	return []tracker.CandidateRef{{
		RemoteID: strconv.FormatInt(tr.Torrent.ID, 10),
		InfoHash: tr.Torrent.InfoHash,
		Size:     tr.Torrent.Size,
		Title:    tr.Group.Name,
		Files:    ParseFileList(tr.Torrent.FileList),
	}}, nil
}

// SearchByFilename runs a filelist search via the browse endpoint.
func (c *JSONClient) SearchByFilename(ctx context.Context, query string) ([]tracker.CandidateRef, error) {
	params := url.Values{}
	params.Set("filelist", query)

	resp, err := c.ajax(ctx, "browse", params)
	if err != nil {
		return nil, err
	}

	var sr searchResponse
	if err := json.Unmarshal(resp.Response, &sr); err != nil {
		return nil, err
	}

	refs := make([]tracker.CandidateRef, 0, 64)
	for _, r := range sr.Results {
		for _, t := range r.Torrents {
			refs = append(refs, tracker.CandidateRef{
				RemoteID: strconv.FormatInt(int64(t.TorrentID), 10),
				Size:     t.Size,
				Title:    r.GroupName,
			})
		}
	}
	return refs, nil
}

// GetTorrentDetails fetches the full torrent+group record, including
// the encoded file list, used by the size-proximity verification step
// in the candidate search strategy.
func (c *JSONClient) GetTorrentDetails(ctx context.Context, remoteID string) (infoHash string, files map[string]int64, err error) {
	id, err := strconv.ParseInt(remoteID, 10, 64)
	if err != nil {
		return "", nil, fmt.Errorf("gazelle: invalid remote id %q: %w", remoteID, err)
	}
	params := url.Values{}
	params.Set("id", strconv.FormatInt(id, 10))

	resp, err := c.ajax(ctx, "torrent", params)
	if err != nil {
		return "", nil, err
	}
	var tr torrentResponse
	if err := json.Unmarshal(resp.Response, &tr); err != nil {
		return "", nil, err
	}
	return tr.Torrent.InfoHash, ParseFileList(tr.Torrent.FileList), nil
}

// FetchTorrent downloads the .torrent bytes for a remote torrent ID.
func (c *JSONClient) FetchTorrent(ctx context.Context, remoteID string) ([]byte, error) {
	id, err := strconv.ParseInt(remoteID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("gazelle: invalid remote id %q: %w", remoteID, err)
	}
	params := url.Values{}
	params.Set("action", "download")
	params.Set("id", strconv.FormatInt(id, 10))

	body, _, err := c.request(ctx, http.MethodGet, "ajax.php", params)
	if err != nil {
		return nil, err
	}

	if !looksLikeTorrentPayload(body) {
		var ajaxErr ajaxResponse
		if json.Unmarshal(body, &ajaxErr) == nil && ajaxErr.Error != "" {
			return nil, fmt.Errorf("download failed: %s", ajaxErr.Error)
		}
		return nil, fmt.Errorf("downloaded data appears invalid (size=%d)", len(body))
	}
	return body, nil
}

var _ tracker.Adapter = (*JSONClient)(nil)
