package wiki

import "time"

// PageDescriptor is one entry from the allpages listing.
type PageDescriptor struct {
	PageID     int64
	Namespace  int
	Title      string
	IsRedirect bool
}

// Revision is a single historical revision of a page, content included.
type Revision struct {
	RevisionID int64
	ParentID   int64 // 0 when the revision has no parent
	PageID     int64
	Timestamp  time.Time
	User       string
	UserID     *int64 // nil for anonymous edits
	Comment    string
	Content    string
	Size       int64
	SHA1       string
	Minor      bool
	Tags       []string
}

// FileInfo is the imageinfo metadata for an uploaded file.
type FileInfo struct {
	Filename       string
	URL            string
	DescriptionURL string
	SHA1           string
	Size           int64
	Width          *int64 // nil for non-image files
	Height         *int64
	MimeType       string
	Timestamp      time.Time
	Uploader       string
}

// ChangeType enumerates recentchanges entries the archiver consumes.
type ChangeType string

const (
	ChangeEdit ChangeType = "edit"
	ChangeNew  ChangeType = "new"
)

// RecentChange is one recentchanges entry within a delta window.
type RecentChange struct {
	Type       ChangeType
	PageID     int64
	Namespace  int
	Title      string
	RevisionID int64 // last revision id when the API supplies it
	Timestamp  time.Time
}

// LogEventType enumerates the log streams the change detector reads.
type LogEventType string

const (
	LogMove   LogEventType = "move"
	LogDelete LogEventType = "delete"
)

// LogEvent is one move or delete log entry.
type LogEvent struct {
	Type      LogEventType
	PageID    int64
	Namespace int
	Title     string
	// Move events carry the destination.
	TargetNamespace int
	TargetTitle     string
	Timestamp       time.Time
}
