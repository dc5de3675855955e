package storage

import (
	"encoding/json"
	"time"
)

// Page is one wiki page's metadata row.
type Page struct {
	PageID     int64     `db:"page_id"`
	Namespace  int       `db:"namespace"`
	Title      string    `db:"title"`
	IsRedirect bool      `db:"is_redirect"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Revision is one immutable page revision. Content travels with the row;
// file payloads do not (they live on disk).
type Revision struct {
	RevisionID int64     `db:"revision_id"`
	PageID     int64     `db:"page_id"`
	ParentID   *int64    `db:"parent_id"`
	Timestamp  time.Time `db:"timestamp"`
	User       *string   `db:"user"`
	UserID     *int64    `db:"user_id"`
	Comment    *string   `db:"comment"`
	Content    string    `db:"content"`
	Size       int64     `db:"size"`
	SHA1       string    `db:"sha1"`
	Minor      bool      `db:"minor"`
	Tags       *string   `db:"tags"` // JSON-encoded list, NULL when untagged
}

// EncodeTags serializes a tag list for the TEXT column.
func EncodeTags(tags []string) (*string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// DecodeTags parses the JSON-encoded tag column.
func DecodeTags(raw *string) ([]string, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(*raw), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// File is uploaded-file metadata; the bytes live under the data
// directory, keyed by filename.
type File struct {
	Filename       string     `db:"filename"`
	URL            string     `db:"url"`
	DescriptionURL *string    `db:"description_url"`
	SHA1           string     `db:"sha1"`
	Size           int64      `db:"size"`
	Width          *int64     `db:"width"`
	Height         *int64     `db:"height"`
	MimeType       *string    `db:"mime_type"`
	UploadedAt     *time.Time `db:"uploaded_at"`
	Uploader       *string    `db:"uploader"`
}

// LinkType classifies an internal wikitext link.
type LinkType string

const (
	LinkPage     LinkType = "page"
	LinkTemplate LinkType = "template"
	LinkFile     LinkType = "file"
	LinkCategory LinkType = "category"
)

// Link is one edge of the internal link graph. The target is a title,
// not a page id: links to not-yet-existing pages are legal.
type Link struct {
	SourcePageID int64    `db:"source_page_id"`
	TargetTitle  string   `db:"target_title"`
	LinkType     LinkType `db:"link_type"`
}

// RunMode distinguishes full sweeps from delta refreshes.
type RunMode string

const (
	RunModeFull        RunMode = "full"
	RunModeIncremental RunMode = "incremental"
)

// RunStatus is the lifecycle state of a scrape run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// ScrapeRun is one pipeline execution's metadata row.
type ScrapeRun struct {
	RunID            int64      `db:"run_id"`
	Mode             RunMode    `db:"mode"`
	Status           RunStatus  `db:"status"`
	StartTime        time.Time  `db:"start_time"`
	EndTime          *time.Time `db:"end_time"`
	PagesScraped     int64      `db:"pages_scraped"`
	RevisionsScraped int64      `db:"revisions_scraped"`
	FilesDownloaded  int64      `db:"files_downloaded"`
	ErrorMessage     *string    `db:"error_message"`
}

// PageStatus is the per-page outcome within a run.
type PageStatus string

const (
	PageStatusPending PageStatus = "pending"
	PageStatusSuccess PageStatus = "success"
	PageStatusFailed  PageStatus = "failed"
	PageStatusSkipped PageStatus = "skipped"
)

// PageRunStatus records one page's outcome in one run, for resume
// granularity and failure reporting.
type PageRunStatus struct {
	PageID         int64      `db:"page_id"`
	RunID          int64      `db:"run_id"`
	Status         PageStatus `db:"status"`
	LastRevisionID *int64     `db:"last_revision_id"`
	ErrorMessage   *string    `db:"error_message"`
	ScrapedAt      *time.Time `db:"scraped_at"`
}

// LatestContent is one row of the searchable latest-content projection.
type LatestContent struct {
	PageID     int64  `db:"page_id"`
	Title      string `db:"title"`
	RevisionID int64  `db:"revision_id"`
	Content    string `db:"content"`
}
