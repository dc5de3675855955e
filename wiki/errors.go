package wiki

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// APIError is a structured error returned inside a MediaWiki JSON response.
type APIError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mediawiki api error [%s]: %s", e.Code, e.Info)
}

// HTTPStatusError reports a non-200 response from the wiki.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	// RetryAfter is the server-suggested delay in seconds, 0 when absent.
	RetryAfter int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("mediawiki returned %s", e.Status)
}

// NotFoundError indicates a specifically requested page or file is missing
// on the wiki. It is permanent: retrying cannot make the entity appear.
type NotFoundError struct {
	Kind  string // "page" or "file"
	Title string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found on wiki: %s", e.Kind, e.Title)
}

// ChecksumError indicates downloaded bytes disagree with the SHA1 the wiki
// advertised for them.
type ChecksumError struct {
	URL      string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("sha1 mismatch for %s: expected %s, got %s", e.URL, e.Expected, e.Actual)
}

// ResponseError indicates the wiki answered 200 but the body did not have
// the shape the client expects. Treated as permanent: the same request
// would yield the same malformed answer.
type ResponseError struct {
	Op     string
	Reason string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("unexpected response for %s: %s", e.Op, e.Reason)
}

// transientAPICodes are API error codes that clear up on their own: maxlag
// means the replicas are behind, readonly means a maintenance window.
var transientAPICodes = map[string]bool{
	"maxlag":      true,
	"readonly":    true,
	"ratelimited": true,
}

// IsTransient classifies an error as retryable. The retry engine consults
// this predicate instead of carrying its own taxonomy.
//
// Transient: network timeouts and connection failures, HTTP 5xx, HTTP 429,
// maxlag/readonly API errors, and SQLite busy/locked conditions bubbling
// up from storage. Everything else, including context cancellation, is
// permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return transientAPICodes[apiErr.Code]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Connection refused/reset and friends arrive wrapped in url.Error
		// without implementing net.Error.
		return true
	}

	// Embedded-engine lock contention surfaces as a driver error string.
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return true
	}

	return false
}
