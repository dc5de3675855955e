package wiki

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/wikivault/wikivault/internal/ratelimit"
)

// newTestClient creates a client against a mock server with a limiter
// fast enough to keep tests instant.
func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	config := Config{
		BaseURL:   server.URL,
		UserAgent: "TestClient/1.0",
		Timeout:   5 * time.Second,
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewClient(config, ratelimit.New(10000), logger)
}

func TestListPages_Continuation(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("gapcontinue") == "" {
			fmt.Fprint(w, `{
				"continue": {"gapcontinue": "Page_C", "continue": "gapcontinue||"},
				"query": {"pages": [
					{"pageid": 1, "ns": 0, "title": "Page A"},
					{"pageid": 2, "ns": 0, "title": "Page B", "redirect": true}
				]}
			}`)
			return
		}
		fmt.Fprint(w, `{
			"batchcomplete": true,
			"query": {"pages": [{"pageid": 3, "ns": 0, "title": "Page C"}]}
		}`)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	it := client.ListPages(0)

	var got []PageDescriptor
	for it.Next(context.Background()) {
		got = append(got, it.Page())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(got))
	}
	if calls != 2 {
		t.Errorf("expected 2 API calls, got %d", calls)
	}
	if !got[1].IsRedirect {
		t.Error("Page B should be flagged as redirect")
	}
	if got[2].PageID != 3 {
		t.Errorf("continuation order wrong: got page %d last", got[2].PageID)
	}
}

func TestListPages_EmptyNamespace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"batchcomplete": true}`)
	}))
	defer server.Close()

	it := newTestClient(t, server).ListPages(7)
	if it.Next(context.Background()) {
		t.Error("empty namespace should yield no pages")
	}
	if err := it.Err(); err != nil {
		t.Errorf("empty namespace is not an error, got %v", err)
	}
}

func TestRevisions_ContentFromMainSlot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("rvslots"); got != "main" {
			t.Errorf("rvslots = %q, want main", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"batchcomplete": true,
			"query": {"pages": [{
				"pageid": 42, "ns": 0, "title": "Target",
				"revisions": [
					{
						"revid": 100, "parentid": 0,
						"timestamp": "2024-01-01T10:00:00Z",
						"user": "Alice", "userid": 7, "comment": "created",
						"size": 11, "sha1": "deadbeef", "tags": ["mobile edit"],
						"slots": {"main": {"content": "hello world"}}
					},
					{
						"revid": 101, "parentid": 100, "minor": true,
						"timestamp": "2024-01-02T10:00:00Z",
						"anon": true, "user": "127.0.0.1", "userid": 0,
						"size": 12, "sha1": "cafebabe",
						"slots": {"main": {"content": "hello world!"}}
					}
				]
			}]}
		}`)
	}))
	defer server.Close()

	it := newTestClient(t, server).Revisions(42, 0)
	var revs []Revision
	for it.Next(context.Background()) {
		revs = append(revs, it.Revision())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
	if len(revs) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(revs))
	}

	if revs[0].Content != "hello world" {
		t.Errorf("content must come from the main slot body, got %q", revs[0].Content)
	}
	if revs[0].UserID == nil || *revs[0].UserID != 7 {
		t.Error("registered user id lost")
	}
	if len(revs[0].Tags) != 1 || revs[0].Tags[0] != "mobile edit" {
		t.Errorf("tags lost: %v", revs[0].Tags)
	}

	if revs[1].UserID != nil {
		t.Error("anonymous revision must have nil UserID")
	}
	if !revs[1].Minor {
		t.Error("minor flag lost")
	}
	if revs[1].ParentID != 100 {
		t.Errorf("parent id = %d, want 100", revs[1].ParentID)
	}
}

func TestRevisions_SinceIsExclusive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// rvstartid is inclusive on the wire; the iterator must drop the
		// boundary revision itself.
		if got := r.URL.Query().Get("rvstartid"); got != "100" {
			t.Errorf("rvstartid = %q, want 100", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"batchcomplete": true,
			"query": {"pages": [{
				"pageid": 42, "ns": 0, "title": "Target",
				"revisions": [
					{"revid": 100, "timestamp": "2024-01-01T10:00:00Z", "user": "A", "userid": 1, "size": 1, "sha1": "aa", "slots": {"main": {"content": "v1"}}},
					{"revid": 101, "timestamp": "2024-01-02T10:00:00Z", "user": "A", "userid": 1, "size": 1, "sha1": "bb", "slots": {"main": {"content": "v2"}}}
				]
			}]}
		}`)
	}))
	defer server.Close()

	it := newTestClient(t, server).Revisions(42, 100)
	var ids []int64
	for it.Next(context.Background()) {
		ids = append(ids, it.Revision().RevisionID)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != 101 {
		t.Errorf("since filter wrong: got ids %v, want [101]", ids)
	}
}

func TestRevisions_MissingPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"batchcomplete": true, "query": {"pages": [{"pageid": 999, "missing": true, "title": "Gone"}]}}`)
	}))
	defer server.Close()

	it := newTestClient(t, server).Revisions(999, 0)
	if it.Next(context.Background()) {
		t.Fatal("missing page should not yield revisions")
	}
	var nf *NotFoundError
	if !errors.As(it.Err(), &nf) {
		t.Errorf("expected NotFoundError, got %v", it.Err())
	}
}

func TestFileInfo_NonImageDimensions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"batchcomplete": true,
			"query": {"pages": [{
				"title": "File:Manual.pdf",
				"imageinfo": [{
					"url": "https://example.org/Manual.pdf",
					"descriptionurl": "https://example.org/wiki/File:Manual.pdf",
					"sha1": "0123abcd", "size": 2048,
					"width": 0, "height": 0,
					"mime": "application/pdf", "mediatype": "OFFICE",
					"timestamp": "2024-03-01T00:00:00Z", "user": "Bob"
				}]
			}]}
		}`)
	}))
	defer server.Close()

	info, err := newTestClient(t, server).FileInfo(context.Background(), "Manual.pdf")
	if err != nil {
		t.Fatalf("FileInfo failed: %v", err)
	}
	if info.Width != nil || info.Height != nil {
		t.Error("non-image files must report nil dimensions")
	}
	if info.MimeType != "application/pdf" {
		t.Errorf("mime = %q", info.MimeType)
	}
}

func TestQuery_MaxlagErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"error": {"code": "maxlag", "info": "Waiting for a database server"}}`)
	}))
	defer server.Close()

	it := newTestClient(t, server).ListPages(0)
	if it.Next(context.Background()) {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(it.Err(), &apiErr) || apiErr.Code != "maxlag" {
		t.Fatalf("expected maxlag APIError, got %v", it.Err())
	}
	if !IsTransient(it.Err()) {
		t.Error("maxlag must be transient")
	}
}

func TestQuery_RateLimited429(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	it := newTestClient(t, server).ListPages(0)
	if it.Next(context.Background()) {
		t.Fatal("expected error")
	}
	var httpErr *HTTPStatusError
	if !errors.As(it.Err(), &httpErr) {
		t.Fatalf("expected HTTPStatusError, got %v", it.Err())
	}
	if httpErr.RetryAfter != 7 {
		t.Errorf("RetryAfter = %d, want 7", httpErr.RetryAfter)
	}
	if !IsTransient(it.Err()) {
		t.Error("429 must be transient")
	}
}

func TestQuery_ClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	it := newTestClient(t, server).ListPages(0)
	if it.Next(context.Background()) {
		t.Fatal("expected error")
	}
	if IsTransient(it.Err()) {
		t.Error("400 must not be transient")
	}
}

func TestDownloadFile_ChecksumVerification(t *testing.T) {
	payload := []byte("file contents")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	client := newTestClient(t, server)

	sum := sha1.Sum(payload)
	goodSHA1 := hex.EncodeToString(sum[:])
	data, err := client.DownloadFile(context.Background(), server.URL+"/f", goodSHA1)
	if err != nil {
		t.Fatalf("download with matching sha1 failed: %v", err)
	}
	if string(data) != string(payload) {
		t.Error("payload corrupted")
	}

	_, err = client.DownloadFile(context.Background(), server.URL+"/f", "0000000000000000000000000000000000000000")
	var ck *ChecksumError
	if !errors.As(err, &ck) {
		t.Errorf("expected ChecksumError on mismatch, got %v", err)
	}
}

func TestRecentChanges_Window(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"batchcomplete": true,
			"query": {"recentchanges": [
				{"type": "new", "ns": 0, "title": "Fresh", "pageid": 10, "revid": 500, "timestamp": "2024-05-01T00:00:00Z"},
				{"type": "edit", "ns": 0, "title": "Stale", "pageid": 11, "revid": 501, "timestamp": "2024-05-02T00:00:00Z"},
				{"type": "log", "ns": 0, "title": "Ignored", "pageid": 12, "timestamp": "2024-05-03T00:00:00Z"}
			]}
		}`)
	}))
	defer server.Close()

	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC)
	it := newTestClient(t, server).RecentChanges(since, until)

	var changes []RecentChange
	for it.Next(context.Background()) {
		changes = append(changes, it.Change())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("log entries must be filtered out; got %d changes", len(changes))
	}
	if changes[0].Type != ChangeNew || changes[1].Type != ChangeEdit {
		t.Errorf("types wrong: %v %v", changes[0].Type, changes[1].Type)
	}
}

func TestLogEvents_MoveTarget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("letype"); got != "move" {
			t.Errorf("letype = %q, want move", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"batchcomplete": true,
			"query": {"logevents": [{
				"type": "move", "action": "move",
				"ns": 0, "title": "Old Name", "pageid": 42,
				"timestamp": "2024-05-02T12:00:00Z",
				"params": {"target_ns": 0, "target_title": "New Name"}
			}]}
		}`)
	}))
	defer server.Close()

	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)
	it := newTestClient(t, server).LogEvents(LogMove, since, until)

	if !it.Next(context.Background()) {
		t.Fatalf("expected one event, err=%v", it.Err())
	}
	ev := it.Event()
	if ev.PageID != 42 || ev.TargetTitle != "New Name" {
		t.Errorf("move event wrong: %+v", ev)
	}
}
