// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package gazelle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nemorosa/nemorosa/internal/tracker"
)

// torrentRowID matches the torrent id out of a Gazelle HTML search
// result row's download/details link, e.g. torrents.php?id=123&...
var torrentRowID = regexp.MustCompile(`torrents\.php\?id=(\d+)&amp;torrentid=(\d+)`)

// torrentSizeCell pulls a human size ("12.34 MiB") out of a search
// result row's size column.
var torrentSizeCell = regexp.MustCompile(`([\d.]+)\s*(KiB|MiB|GiB|TiB|B)`)

// HTMLClient is the GazelleHTML tracker.Adapter variant, for sites that
// expose no ajax.php JSON API and must be driven through the browser
// facing torrents.php search page with a session cookie.
type HTMLClient struct {
	siteID     string
	baseURL    string
	cookie     string
	httpClient *http.Client
	limiter    *rate.Limiter
	host       string
	spec       Spec
}

// NewHTMLClient builds a cookie-authenticated HTML-scraping adapter for
// a known Gazelle-family site.
func NewHTMLClient(siteID, serverURL, cookie string) (*HTMLClient, error) {
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

	return &HTMLClient{
		siteID:  siteID,
		baseURL: serverURL,
		cookie:  cookie,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: sharedTransport,
		},
		limiter: limiter,
		host:    host,
		spec:    spec,
	}, nil
}

func (c *HTMLClient) SiteID() string        { return c.siteID }
func (c *HTMLClient) TrackerDomain() string { return c.host }
func (c *HTMLClient) SourceFlag() string    { return c.spec.SourceFlag }

func (c *HTMLClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	reqURL := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.baseURL, "/"), endpoint)
	if len(params) > 0 {
		reqURL = fmt.Sprintf("%s?%s", reqURL, params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", endpoint, err)
	}
	req.Header.Set("Cookie", c.cookie)
	req.Header.Set("User-Agent", "nemorosa/1.0 (gazelle-html)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &tracker.TransientNetworkError{SiteID: c.siteID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &tracker.AuthError{SiteID: c.siteID, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &tracker.RateLimited{SiteID: c.siteID, Retry: resp.Header.Get("Retry-After")}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search page request failed with status %d", resp.StatusCode)
	}
	if looksLikeLoginPage(body) {
		return nil, &tracker.AuthError{SiteID: c.siteID, Err: fmt.Errorf("cookie rejected, redirected to login")}
	}
	return body, nil
}

// SearchByHash is unsupported by the search page itself on most
// Gazelle HTML deployments; callers fall back to the filename ladder.
func (c *HTMLClient) SearchByHash(ctx context.Context, infoHash string) ([]tracker.CandidateRef, error) {
	return nil, nil
}

// SearchByFilename scrapes the torrents.php search results page for
// matching rows.
func (c *HTMLClient) SearchByFilename(ctx context.Context, query string) ([]tracker.CandidateRef, error) {
	params := url.Values{}
	params.Set("searchstr", query)
	params.Set("filelist", query)

	body, err := c.get(ctx, "torrents.php", params)
	if err != nil {
		return nil, err
	}

	return parseSearchRows(string(body)), nil
}

// FetchTorrent downloads the .torrent bytes for a remote torrent ID via
// the authkey-free cookie-session download link.
func (c *HTMLClient) FetchTorrent(ctx context.Context, remoteID string) ([]byte, error) {
	id, err := strconv.ParseInt(remoteID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("gazelle: invalid remote id %q: %w", remoteID, err)
	}
	params := url.Values{}
	params.Set("action", "download")
	params.Set("id", strconv.FormatInt(id, 10))

	body, err := c.get(ctx, "torrents.php", params)
	if err != nil {
		return nil, err
	}
	if !looksLikeTorrentPayload(body) {
		return nil, fmt.Errorf("downloaded data appears invalid (size=%d)", len(body))
	}
	return body, nil
}

func parseSearchRows(html string) []tracker.CandidateRef {
	matches := torrentRowID.FindAllStringSubmatch(html, -1)
	seen := make(map[string]bool)
	var refs []tracker.CandidateRef
	for _, m := range matches {
		torrentID := m[2]
		if seen[torrentID] {
			continue
		}
		seen[torrentID] = true
		refs = append(refs, tracker.CandidateRef{RemoteID: torrentID})
	}
	return refs
}

func looksLikeLoginPage(body []byte) bool {
	return strings.Contains(strings.ToLower(string(body)), "login.php") &&
		strings.Contains(strings.ToLower(string(body)), "password")
}

var _ tracker.Adapter = (*HTMLClient)(nil)
