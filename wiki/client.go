// Package wiki is a read-only MediaWiki action-API client for the
// archival pipeline. It exposes the typed operations the scrapers need
// (allpages, revisions, imageinfo, recentchanges, logevents) as lazy
// iterators driven by server continuation tokens.
//
// The client never retries on its own; failures are classified by
// IsTransient and retried by internal/retry at the call sites that own
// the work item.
package wiki

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/wikivault/wikivault/internal/ratelimit"
	"github.com/wikivault/wikivault/metrics"
)

// MaxDownloadBytes caps a single file download. Wikis occasionally host
// multi-gigabyte videos; those are skipped rather than buffered.
const MaxDownloadBytes = 1 << 30

// Client handles communication with the MediaWiki API.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

// NewClient creates a MediaWiki API client. Every request waits on the
// supplied rate limiter before touching the network.
func NewClient(config Config, limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	cfg := config.withDefaults()

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		limiter: limiter,
		logger:  logger,
	}
}

// apiResponse is the common envelope of an action=query response.
type apiResponse struct {
	BatchComplete bool              `json:"batchcomplete"`
	Continue      map[string]string `json:"continue"`
	Error         *APIError         `json:"error"`
	Query         json.RawMessage   `json:"query"`
}

// query issues one rate-limited GET against the action API. op names the
// logical operation for logging and metrics; params must not include
// format/formatversion/maxlag, which are set here.
func (c *Client) query(ctx context.Context, op string, params url.Values) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params.Set("format", "json")
	params.Set("formatversion", "2")
	params.Set("maxlag", strconv.Itoa(c.config.MaxLag))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(op, "network_error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	metrics.APIRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		metrics.APIRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
		httpErr := &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, parseErr := strconv.Atoi(ra); parseErr == nil {
				httpErr.RetryAfter = secs
			}
		}
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, httpErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(op, "read_error").Inc()
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		metrics.APIRequestsTotal.WithLabelValues(op, "parse_error").Inc()
		return nil, &ResponseError{Op: op, Reason: "body is not valid JSON"}
	}

	if parsed.Error != nil {
		metrics.APIRequestsTotal.WithLabelValues(op, "api_error").Inc()
		c.logger.Debug("api error", "op", op, "code", parsed.Error.Code, "info", parsed.Error.Info)
		return nil, parsed.Error
	}

	metrics.APIRequestsTotal.WithLabelValues(op, "ok").Inc()
	return &parsed, nil
}

// DownloadFile fetches raw file bytes and verifies them against
// expectedSHA1 (lowercase hex, as reported by imageinfo).
func (c *Client) DownloadFile(ctx context.Context, fileURL, expectedSHA1 string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues("download", "network_error").Inc()
		return nil, fmt.Errorf("download %s: %w", fileURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.APIRequestsTotal.WithLabelValues("download", strconv.Itoa(resp.StatusCode)).Inc()
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("download %s: read body: %w", fileURL, err)
	}

	sum := sha1.Sum(data)
	actual := hex.EncodeToString(sum[:])
	if expectedSHA1 != "" && actual != expectedSHA1 {
		metrics.APIRequestsTotal.WithLabelValues("download", "checksum_mismatch").Inc()
		return nil, &ChecksumError{URL: fileURL, Expected: expectedSHA1, Actual: actual}
	}

	metrics.APIRequestsTotal.WithLabelValues("download", "ok").Inc()
	return data, nil
}

// parseTimestamp parses the API's ISO 8601 timestamps.
func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// apiTimestamp formats t the way list= endpoints expect.
func apiTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
