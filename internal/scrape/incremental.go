package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wikivault/wikivault/internal/storage"
	"github.com/wikivault/wikivault/metrics"
	"github.com/wikivault/wikivault/tracing"
)

// IncrementalOptions configures one delta run.
type IncrementalOptions struct {
	// Since overrides the window start; when nil the window opens at the
	// end of the latest completed run.
	Since *time.Time

	// Force force-closes a stale running run before starting.
	Force bool

	// FailureThreshold as in FullOptions.
	FailureThreshold float64
}

// Incremental detects changes since the last completed run and applies
// them: new pages are scraped in full, modified pages fetch only the
// revisions they are missing, moves rename, deletions cascade. It
// refuses to run without a completed baseline (ErrBaselineRequired).
func (s *Scraper) Incremental(ctx context.Context, opts IncrementalOptions) (*Result, error) {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	start := nowUTC()

	// Baseline check happens before any write: an empty database must
	// come out of this untouched.
	baseline, err := s.db.LatestCompletedRun(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrBaselineRequired
	}
	if err != nil {
		return nil, err
	}

	since := baseline.StartTime
	if baseline.EndTime != nil {
		since = *baseline.EndTime
	}
	if opts.Since != nil {
		since = *opts.Since
	}

	if opts.Force {
		if _, err := s.db.InterruptActiveRuns(ctx); err != nil {
			return nil, err
		}
	}
	runID, err := s.db.CreateRun(ctx, storage.RunModeIncremental)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "scrape.incremental")
	defer span.End()
	tracing.AddRunAttributes(span, string(storage.RunModeIncremental), runID)

	res := &Result{RunID: runID, Mode: storage.RunModeIncremental}

	cs, err := s.DetectChanges(ctx, since, start)
	if err != nil {
		if ctx.Err() != nil {
			return s.finishInterrupted(res, start)
		}
		return s.finishFailed(res, start, err)
	}
	s.logger.Info("change window analysed",
		"since", since,
		"new", len(cs.NewPageIDs),
		"modified", len(cs.ModifiedPageIDs),
		"moved", len(cs.Moves),
		"deleted", len(cs.DeletedPageIDs))

	// attempted counts every applied change, renames and deletes
	// included, so it is always at least len(res.FailedPageIDs).
	attempted := 0

	// Moves first, in log order: later scrapes and deletes then see the
	// final titles and rename chains cannot collide.
	for _, mv := range cs.Moves {
		err := s.db.RenamePage(ctx, mv.PageID, mv.NewNamespace, mv.NewTitle)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.logger.Debug("move for unarchived page ignored", "page_id", mv.PageID)
		case err != nil:
			attempted++
			s.logger.Warn("rename failed", "page_id", mv.PageID, "new_title", mv.NewTitle, "error", err)
			res.recordFailure(mv.PageID, fmt.Errorf("rename to %q: %w", mv.NewTitle, err))
		default:
			attempted++
		}
	}

	for _, pageID := range cs.DeletedPageIDs {
		attempted++
		if err := s.db.DeletePage(ctx, pageID); err != nil {
			res.recordFailure(pageID, fmt.Errorf("delete: %w", err))
		}
	}

	touched := make([]int64, 0, len(cs.NewPageIDs)+len(cs.ModifiedPageIDs))
	touched = append(touched, cs.NewPageIDs...)
	touched = append(touched, cs.ModifiedPageIDs...)

	for i, pageID := range touched {
		if ctx.Err() != nil {
			return s.finishInterrupted(res, start)
		}

		page, ok := cs.Descriptors[pageID]
		if !ok {
			continue
		}
		// Change entries carry no redirect flag; keep the stored one so
		// the page upsert cannot silently clear it.
		if stored, err := s.db.GetPage(ctx, pageID); err == nil {
			page.IsRedirect = stored.IsRedirect
		} else if !errors.Is(err, storage.ErrNotFound) {
			return s.finishFailed(res, start, err)
		}
		sinceRev := int64(0)
		if latest, err := s.db.GetLatestRevision(ctx, pageID); err == nil {
			// Fetch only what is missing; the insert contract makes any
			// overlap a no-op anyway.
			sinceRev = latest.RevisionID
		} else if !errors.Is(err, storage.ErrNotFound) {
			return s.finishFailed(res, start, err)
		}

		attempted++
		newRevs, lastRev, err := s.scrapePage(ctx, page, sinceRev)
		if err != nil {
			if ctx.Err() != nil {
				return s.finishInterrupted(res, start)
			}
			s.logger.Warn("page scrape failed", "page_id", pageID, "error", err)
			metrics.PageFailures.Inc()
			s.recordPageOutcome(ctx, runID, pageID, storage.PageStatusFailed, nil, err)
			res.recordFailure(pageID, fmt.Errorf("page %d: %w", pageID, err))
			continue
		}
		s.recordPageOutcome(ctx, runID, pageID, storage.PageStatusSuccess, lastRev, nil)
		res.PagesScraped++
		res.RevisionsStored += newRevs
		s.report(StageScrape, i+1, len(touched))
	}

	// File refresh is scoped to the files the touched pages reference;
	// the sha1 gate skips anything unchanged.
	fileNames, err := s.touchedFileTargets(ctx, touched)
	if err != nil {
		return s.finishFailed(res, start, err)
	}
	downloaded, fileFailures, err := s.scrapeFileSet(ctx, fileNames)
	res.FilesDownloaded += downloaded
	res.FailureMessages = append(res.FailureMessages, fileFailures...)
	if err != nil {
		if ctx.Err() != nil {
			return s.finishInterrupted(res, start)
		}
		return s.finishFailed(res, start, err)
	}

	if attempted > 0 {
		frac := float64(len(res.FailedPageIDs)) / float64(attempted)
		if frac >= opts.FailureThreshold {
			err := fmt.Errorf("%w: %d of %d pages failed", ErrFailureThreshold,
				len(res.FailedPageIDs), attempted)
			return s.finishFailed(res, start, err)
		}
	}

	res.Status = storage.RunCompleted
	res.Duration = time.Since(start)
	if err := s.db.FinishRun(ctx, runID, storage.RunCompleted,
		res.PagesScraped, res.RevisionsStored, res.FilesDownloaded, nil); err != nil {
		return nil, err
	}
	metrics.RunDuration.WithLabelValues(string(storage.RunModeIncremental)).Observe(res.Duration.Seconds())
	return res, nil
}

// touchedFileTargets gathers the distinct file links of the given pages.
func (s *Scraper) touchedFileTargets(ctx context.Context, pageIDs []int64) ([]string, error) {
	seen := make(map[string]bool)
	var names []string
	for _, id := range pageIDs {
		links, err := s.db.GetLinksFrom(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, l := range links {
			if l.LinkType == storage.LinkFile && !seen[l.TargetTitle] {
				seen[l.TargetTitle] = true
				names = append(names, l.TargetTitle)
			}
		}
	}
	return names, nil
}
