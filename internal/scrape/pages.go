package scrape

import (
	"context"
	"fmt"

	"github.com/wikivault/wikivault/internal/extract"
	"github.com/wikivault/wikivault/internal/retry"
	"github.com/wikivault/wikivault/internal/storage"
	"github.com/wikivault/wikivault/metrics"
	"github.com/wikivault/wikivault/tracing"
)

// fetchRevisions pulls a page's revisions (all of them, or those after
// since when non-zero). The whole fetch retries as one unit: a page is
// either fetched completely or not at all, so the atomic commit that
// follows never sees a truncated history.
func (s *Scraper) fetchRevisions(ctx context.Context, pageID, since int64) ([]storage.Revision, error) {
	return retry.Do(ctx, s.policy, func() ([]storage.Revision, error) {
		it := s.client.Revisions(pageID, since)
		var revs []storage.Revision
		for it.Next(ctx) {
			rev, err := revisionModel(it.Revision())
			if err != nil {
				return nil, fmt.Errorf("page %d: %w", pageID, err)
			}
			revs = append(revs, rev)
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
		return revs, nil
	})
}

// scrapePage fetches a page's revisions and commits page row, revision
// batch, and replaced link set in one transaction. Returns the number of
// newly stored revisions and the latest revision id, which is nil when
// the page was already current.
func (s *Scraper) scrapePage(ctx context.Context, page storage.Page, since int64) (int64, *int64, error) {
	ctx, span := tracing.StartSpan(ctx, "scrape.page")
	defer span.End()
	tracing.AddPageAttributes(span, page.PageID, page.Title)

	revs, err := s.fetchRevisions(ctx, page.PageID, since)
	if err != nil {
		tracing.RecordError(span, err)
		return 0, nil, err
	}

	if len(revs) == 0 {
		// Already current; refresh metadata and keep the existing links.
		if err := s.db.UpsertPage(ctx, page); err != nil {
			return 0, nil, err
		}
		return 0, nil, nil
	}

	latest := revs[0]
	for _, r := range revs[1:] {
		if r.Timestamp.After(latest.Timestamp) ||
			(r.Timestamp.Equal(latest.Timestamp) && r.RevisionID > latest.RevisionID) {
			latest = r
		}
	}
	links := extract.Links(latest.Content)

	n, err := s.db.CommitPageScrape(ctx, storage.PageScrape{
		Page:      page,
		Revisions: revs,
		Links:     links,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return 0, nil, err
	}

	metrics.PagesScraped.Inc()
	metrics.RevisionsStored.Add(float64(n))
	lastID := latest.RevisionID
	return n, &lastID, nil
}

// recordPageOutcome writes the per-run status row for a page.
func (s *Scraper) recordPageOutcome(ctx context.Context, runID, pageID int64, status storage.PageStatus, lastRev *int64, cause error) {
	st := storage.PageRunStatus{
		PageID:         pageID,
		RunID:          runID,
		Status:         status,
		LastRevisionID: lastRev,
	}
	if cause != nil {
		msg := cause.Error()
		st.ErrorMessage = &msg
	}
	if err := s.db.UpsertPageStatus(ctx, st); err != nil {
		s.logger.Error("failed to record page status",
			"page_id", pageID, "run_id", runID, "error", err)
	}
}
