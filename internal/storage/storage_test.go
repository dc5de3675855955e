package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testPage(id int64, ns int, title string) Page {
	return Page{PageID: id, Namespace: ns, Title: title}
}

func testRev(revID, pageID int64, parent *int64, ts time.Time, content string) Revision {
	return Revision{
		RevisionID: revID,
		PageID:     pageID,
		ParentID:   parent,
		Timestamp:  ts,
		Content:    content,
		Size:       int64(len(content)),
	}
}

func i64(v int64) *int64 { return &v }

func mustUpsertPage(t *testing.T, db *DB, p Page) {
	t.Helper()
	if err := db.UpsertPage(context.Background(), p); err != nil {
		t.Fatalf("upsert page %d: %v", p.PageID, err)
	}
}

func mustInsertRevs(t *testing.T, db *DB, revs ...Revision) {
	t.Helper()
	if _, err := db.InsertRevisions(context.Background(), revs); err != nil {
		t.Fatalf("insert revisions: %v", err)
	}
}

func TestOpen_InitialisesSchemaVersion(t *testing.T) {
	db := openTestDB(t)
	var version int
	if err := db.db.Get(&version, `SELECT MAX(version) FROM schema_version`); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("version = %d, want %d", version, SchemaVersion)
	}
}

func TestOpen_RefusesFutureSchema(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "future.db")

	db, err := Open(context.Background(), path, logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.db.Exec(
		`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
		SchemaVersion+1, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	db.Close()

	if _, err := Open(context.Background(), path, logger); !errors.Is(err, ErrFutureSchema) {
		t.Errorf("expected ErrFutureSchema, got %v", err)
	}
}

func TestUpsertPage_PreservesTimestampsWhenUnchanged(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustUpsertPage(t, db, testPage(1, 0, "Alpha"))

	first, err := db.GetPage(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	mustUpsertPage(t, db, testPage(1, 0, "Alpha"))

	second, err := db.GetPage(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Error("re-upserting identical data must not bump updated_at")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("created_at must never change")
	}

	// A real change does bump it.
	time.Sleep(10 * time.Millisecond)
	mustUpsertPage(t, db, testPage(1, 0, "Alpha Renamed"))
	third, err := db.GetPage(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !third.UpdatedAt.After(first.UpdatedAt) {
		t.Error("a changed row must bump updated_at")
	}
	if !third.CreatedAt.Equal(first.CreatedAt) {
		t.Error("created_at must survive changes")
	}
}

func TestUpsertPages_TitleConflictFailsBatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustUpsertPage(t, db, testPage(1, 0, "Taken"))

	err := db.UpsertPages(ctx, []Page{
		testPage(2, 0, "Fine"),
		testPage(3, 0, "Taken"), // collides with page 1
	})
	if !errors.Is(err, ErrTitleConflict) {
		t.Fatalf("expected ErrTitleConflict, got %v", err)
	}

	// Atomicity: the in-batch page before the conflict must not persist.
	if _, err := db.GetPage(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Error("failed batch must not leave partial writes")
	}
}

func TestRenamePage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustUpsertPage(t, db, testPage(1, 0, "Old Name"))
	mustUpsertPage(t, db, testPage(2, 0, "Blocker"))

	if err := db.RenamePage(ctx, 1, 0, "Blocker"); !errors.Is(err, ErrTitleConflict) {
		t.Errorf("rename onto occupied title: expected ErrTitleConflict, got %v", err)
	}
	if err := db.RenamePage(ctx, 99, 0, "Whatever"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rename of unknown page: expected ErrNotFound, got %v", err)
	}

	if err := db.RenamePage(ctx, 1, 0, "New Name"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	p, err := db.GetPage(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p.Title != "New Name" {
		t.Errorf("title = %q", p.Title)
	}

	// The old tuple is free for reuse.
	mustUpsertPage(t, db, testPage(3, 0, "Old Name"))
}

func TestInsertRevision_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustUpsertPage(t, db, testPage(1, 0, "Alpha"))

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rev := testRev(100, 1, nil, ts, "first content")

	inserted, err := db.InsertRevision(ctx, rev)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Error("first insert must report a new row")
	}

	inserted, err = db.InsertRevision(ctx, rev)
	if err != nil {
		t.Fatalf("re-insert must be a no-op, got %v", err)
	}
	if inserted {
		t.Error("second insert must not report a new row")
	}

	n, err := db.CountRevisions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("revision count = %d, want 1", n)
	}
}

func TestInsertRevision_SHA1Validation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustUpsertPage(t, db, testPage(1, 0, "Alpha"))
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Empty sha1 is filled with the computed digest.
	rev := testRev(100, 1, nil, ts, "some content")
	if _, err := db.InsertRevision(ctx, rev); err != nil {
		t.Fatal(err)
	}
	stored, err := db.GetLatestRevision(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha1.Sum([]byte("some content"))
	if stored.SHA1 != hex.EncodeToString(sum[:]) {
		t.Errorf("stored sha1 = %q does not match content digest", stored.SHA1)
	}

	// A lying sha1 is rejected.
	bad := testRev(101, 1, nil, ts.Add(time.Hour), "other content")
	bad.SHA1 = "0000000000000000000000000000000000000000"
	if _, err := db.InsertRevision(ctx, bad); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestInsertRevisions_ParentHandling(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustUpsertPage(t, db, testPage(1, 0, "Alpha"))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Child listed before parent within the batch; a third revision
	// points at a parent that exists nowhere and must be nulled.
	revs := []Revision{
		testRev(101, 1, i64(100), base.Add(time.Hour), "v2"),
		testRev(100, 1, nil, base, "v1"),
		testRev(102, 1, i64(555), base.Add(2*time.Hour), "v3"),
	}
	n, err := db.InsertRevisions(ctx, revs)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("inserted = %d, want 3", n)
	}

	all, err := db.GetRevisions(ctx, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d revisions", len(all))
	}
	byID := make(map[int64]Revision)
	for _, r := range all {
		byID[r.RevisionID] = r
	}
	if byID[101].ParentID == nil || *byID[101].ParentID != 100 {
		t.Error("in-batch parent link lost")
	}
	if byID[102].ParentID != nil {
		t.Error("dangling parent pointer must be stored as NULL")
	}
}

func TestLatestContent_OrderedByTimestampNotID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustUpsertPage(t, db, testPage(1, 0, "Alpha"))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Imported histories can carry a higher revision id with an older
	// timestamp. The projection must follow time, not id.
	mustInsertRevs(t, db,
		testRev(500, 1, nil, base, "old import"),
		testRev(200, 1, nil, base.Add(time.Hour), "current text"),
	)

	lc, err := db.GetLatestContent(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if lc.RevisionID != 200 || lc.Content != "current text" {
		t.Errorf("projection picked rev %d (%q); want 200", lc.RevisionID, lc.Content)
	}
}

func TestLatestContent_ZeroRevisionPageAbsent(t *testing.T) {
	db := openTestDB(t)
	mustUpsertPage(t, db, testPage(1, 0, "Metadata Only"))
	if _, err := db.GetLatestContent(context.Background(), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("page without revisions must not be in the projection, got %v", err)
	}
}

func TestLatestContent_FollowsRename(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustUpsertPage(t, db, testPage(1, 0, "Before"))
	mustInsertRevs(t, db, testRev(100, 1, nil, time.Now().UTC(), "body"))

	if err := db.RenamePage(ctx, 1, 0, "After"); err != nil {
		t.Fatal(err)
	}
	lc, err := db.GetLatestContent(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if lc.Title != "After" {
		t.Errorf("projection title = %q, want After", lc.Title)
	}
}

func TestDeletePage_Cascades(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustUpsertPage(t, db, testPage(1, 0, "Doomed"))
	mustInsertRevs(t, db, testRev(100, 1, nil, time.Now().UTC(), "body"))
	if err := db.ReplaceLinksForPage(ctx, 1, []Link{{TargetTitle: "Other", LinkType: LinkPage}}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeletePage(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.CountRevisions(ctx); n != 0 {
		t.Error("revisions must cascade away")
	}
	if n, _ := db.CountLinks(ctx); n != 0 {
		t.Error("links must cascade away")
	}
	if _, err := db.GetLatestContent(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Error("projection row must cascade away")
	}

	// Unknown pages delete as a no-op.
	if err := db.DeletePage(ctx, 424242); err != nil {
		t.Errorf("deleting an unknown page: %v", err)
	}
}

func TestReplaceLinksForPage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustUpsertPage(t, db, testPage(1, 0, "Source"))

	first := []Link{
		{TargetTitle: "A", LinkType: LinkPage},
		{TargetTitle: "T", LinkType: LinkTemplate},
	}
	if err := db.ReplaceLinksForPage(ctx, 1, first); err != nil {
		t.Fatal(err)
	}

	second := []Link{{TargetTitle: "B", LinkType: LinkPage}}
	if err := db.ReplaceLinksForPage(ctx, 1, second); err != nil {
		t.Fatal(err)
	}

	links, err := db.GetLinksFrom(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0].TargetTitle != "B" {
		t.Errorf("replacement must swap the whole set, got %v", links)
	}

	// Empty set clears.
	if err := db.ReplaceLinksForPage(ctx, 1, nil); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.CountLinks(ctx); n != 0 {
		t.Error("empty replacement must clear links")
	}
}

func TestRuns_Lifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.LatestCompletedRun(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("no baseline yet, got %v", err)
	}

	runID, err := db.CreateRun(ctx, RunModeFull)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateRun(ctx, RunModeIncremental); !errors.Is(err, ErrRunActive) {
		t.Errorf("overlapping run must fail with ErrRunActive, got %v", err)
	}

	if err := db.FinishRun(ctx, runID, RunCompleted, 10, 25, 3, nil); err != nil {
		t.Fatal(err)
	}
	baseline, err := db.LatestCompletedRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if baseline.RunID != runID || baseline.RevisionsScraped != 25 {
		t.Errorf("baseline = %+v", baseline)
	}
	if baseline.EndTime == nil {
		t.Error("finished run must carry an end time")
	}

	// Ids allocate sequentially.
	second, err := db.CreateRun(ctx, RunModeIncremental)
	if err != nil {
		t.Fatal(err)
	}
	if second != runID+1 {
		t.Errorf("run id = %d, want %d", second, runID+1)
	}
}

func TestInterruptActiveRuns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.CreateRun(ctx, RunModeFull); err != nil {
		t.Fatal(err)
	}
	closed, err := db.InterruptActiveRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if closed != 1 {
		t.Errorf("closed = %d, want 1", closed)
	}
	if _, err := db.CreateRun(ctx, RunModeFull); err != nil {
		t.Errorf("after force-close a new run must start: %v", err)
	}
}

func TestUpsertPageStatus_ReplacesWithinRun(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustUpsertPage(t, db, testPage(1, 0, "Alpha"))
	runID, err := db.CreateRun(ctx, RunModeFull)
	if err != nil {
		t.Fatal(err)
	}

	msg := "transient blip"
	if err := db.UpsertPageStatus(ctx, PageRunStatus{
		PageID: 1, RunID: runID, Status: PageStatusFailed, ErrorMessage: &msg,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertPageStatus(ctx, PageRunStatus{
		PageID: 1, RunID: runID, Status: PageStatusSuccess, LastRevisionID: i64(100),
	}); err != nil {
		t.Fatal(err)
	}

	rows, err := db.PageStatusesByRun(ctx, runID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Status != PageStatusSuccess || rows[0].ErrorMessage != nil {
		t.Errorf("retry must replace the failure row: %+v", rows[0])
	}
}

func TestSearchLatest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustUpsertPage(t, db, testPage(1, 0, "Cooking"))
	mustUpsertPage(t, db, testPage(2, 0, "Gardening"))
	mustInsertRevs(t, db,
		testRev(100, 1, nil, time.Now().UTC(), "How to braise leeks properly."),
		testRev(200, 2, nil, time.Now().UTC(), "Nothing about food here."),
	)

	hits, err := db.SearchLatest(ctx, "braise", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].PageID != 1 {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Snippet == "" {
		t.Error("snippet missing")
	}

	// Title matches count too.
	hits, err = db.SearchLatest(ctx, "garden", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].PageID != 2 {
		t.Errorf("title search failed: %+v", hits)
	}

	if hits, _ := db.SearchLatest(ctx, "   ", 10); hits != nil {
		t.Error("blank term must yield nothing")
	}
}

func TestCommitPageScrape_Atomic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bad := testRev(101, 1, nil, ts.Add(time.Hour), "body")
	bad.SHA1 = "ffffffffffffffffffffffffffffffffffffffff"

	_, err := db.CommitPageScrape(ctx, PageScrape{
		Page:      testPage(1, 0, "Alpha"),
		Revisions: []Revision{testRev(100, 1, nil, ts, "ok"), bad},
		Links:     []Link{{TargetTitle: "X", LinkType: LinkPage}},
	})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum failure, got %v", err)
	}

	// Nothing from the failed commit may be visible.
	if _, err := db.GetPage(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Error("page row leaked from failed commit")
	}
	if n, _ := db.CountRevisions(ctx); n != 0 {
		t.Error("revisions leaked from failed commit")
	}

	// The same scrape with good data lands whole.
	n, err := db.CommitPageScrape(ctx, PageScrape{
		Page:      testPage(1, 0, "Alpha"),
		Revisions: []Revision{testRev(100, 1, nil, ts, "ok"), testRev(101, 1, i64(100), ts.Add(time.Hour), "ok2")},
		Links:     []Link{{TargetTitle: "X", LinkType: LinkPage}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("new revisions = %d, want 2", n)
	}
	links, err := db.GetLinksFrom(ctx, 1)
	if err != nil || len(links) != 1 {
		t.Errorf("links = %v, err = %v", links, err)
	}
}

func TestStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustUpsertPage(t, db, testPage(1, 0, "Alpha"))
	mustInsertRevs(t, db, testRev(100, 1, nil, time.Now().UTC(), "x"))

	s, err := db.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Pages != 1 || s.Revisions != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestEncodeDecodeTags(t *testing.T) {
	enc, err := EncodeTags([]string{"mobile edit", "mw-undo"})
	if err != nil {
		t.Fatal(err)
	}
	tags, err := DecodeTags(enc)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 2 || tags[0] != "mobile edit" {
		t.Errorf("tags = %v", tags)
	}

	if enc, _ := EncodeTags(nil); enc != nil {
		t.Error("no tags must encode as NULL")
	}
	if tags, _ := DecodeTags(nil); tags != nil {
		t.Error("NULL must decode as no tags")
	}
}
