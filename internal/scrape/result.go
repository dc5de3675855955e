package scrape

import (
	"fmt"
	"strings"
	"time"

	"github.com/wikivault/wikivault/internal/storage"
)

// Bounds for the end-of-run summary: enough to point at the problem
// without dumping thousands of lines on an unlucky run.
const (
	summaryMaxFailureIDs      = 5
	summaryMaxFailureMessages = 3
)

// Result is the outcome of one orchestrated run.
type Result struct {
	RunID  int64
	Mode   storage.RunMode
	Status storage.RunStatus

	PagesScraped    int64
	RevisionsStored int64
	FilesDownloaded int64
	Duration        time.Duration

	// FailedPageIDs and FailureMessages carry every failure; Summary
	// truncates them for display.
	FailedPageIDs   []int64
	FailureMessages []string
}

func (r *Result) recordFailure(pageID int64, err error) {
	r.FailedPageIDs = append(r.FailedPageIDs, pageID)
	r.FailureMessages = append(r.FailureMessages, err.Error())
}

// Summary renders the user-facing end-of-run report. Failure lists are
// bounded; an "... and K more" line marks the cut.
func (r *Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s run #%d %s in %s\n", r.Mode, r.RunID, r.Status, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "  pages scraped:     %d\n", r.PagesScraped)
	fmt.Fprintf(&b, "  revisions stored:  %d\n", r.RevisionsStored)
	fmt.Fprintf(&b, "  files downloaded:  %d\n", r.FilesDownloaded)

	if len(r.FailedPageIDs) == 0 {
		return b.String()
	}

	fmt.Fprintf(&b, "  failed pages:      %d\n", len(r.FailedPageIDs))
	ids := r.FailedPageIDs
	if len(ids) > summaryMaxFailureIDs {
		ids = ids[:summaryMaxFailureIDs]
	}
	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = fmt.Sprintf("%d", id)
	}
	line := "    ids: " + strings.Join(idStrs, ", ")
	if extra := len(r.FailedPageIDs) - len(ids); extra > 0 {
		line += fmt.Sprintf(" ... and %d more", extra)
	}
	b.WriteString(line + "\n")

	msgs := r.FailureMessages
	if len(msgs) > summaryMaxFailureMessages {
		msgs = msgs[:summaryMaxFailureMessages]
	}
	for _, m := range msgs {
		fmt.Fprintf(&b, "    - %s\n", m)
	}
	if extra := len(r.FailureMessages) - len(msgs); extra > 0 {
		fmt.Fprintf(&b, "    ... and %d more\n", extra)
	}
	return b.String()
}
