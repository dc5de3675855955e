package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wikivault/wikivault/internal/checkpoint"
	"github.com/wikivault/wikivault/internal/storage"
	"github.com/wikivault/wikivault/metrics"
	"github.com/wikivault/wikivault/tracing"
)

// ErrInterrupted marks a run terminated by user cancellation. It is a
// termination path, not a failure: the checkpoint stays on disk and the
// run row is marked interrupted.
var ErrInterrupted = errors.New("scrape: run interrupted")

// errCheckpoint marks a failed checkpoint write. Unlike a page or
// namespace failure it aborts the whole run: once progress can no
// longer be recorded, an interruption would lose committed work.
var errCheckpoint = errors.New("scrape: checkpoint write failed")

// FullOptions configures one full sweep.
type FullOptions struct {
	// Namespaces to archive, in visit order. Defaults to the main
	// namespace.
	Namespaces []int

	// Force discards any existing checkpoint and force-closes a stale
	// running run left by a crashed process.
	Force bool

	// DryRun walks discovery and reports what would be scraped without
	// writing anything: no run row, no checkpoint, no pages.
	DryRun bool

	// FailureThreshold is the failed-page fraction at which the run is
	// marked failed. Zero means DefaultFailureThreshold.
	FailureThreshold float64
}

func (o *FullOptions) withDefaults() {
	if len(o.Namespaces) == 0 {
		o.Namespaces = []int{0}
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
}

// Full executes a complete sweep: discovery, revision scrape, file pass.
// Progress is checkpointed after every durable commit, so an interrupted
// run resumes without re-querying completed work.
func (s *Scraper) Full(ctx context.Context, opts FullOptions) (*Result, error) {
	opts.withDefaults()
	start := nowUTC()

	if opts.DryRun {
		return s.dryRun(ctx, opts)
	}

	resume, prior, err := s.prepareCheckpoint(opts)
	if err != nil {
		return nil, err
	}

	if opts.Force {
		if _, err := s.db.InterruptActiveRuns(ctx); err != nil {
			return nil, err
		}
	}
	runID, err := s.db.CreateRun(ctx, storage.RunModeFull)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "scrape.full")
	defer span.End()
	tracing.AddRunAttributes(span, string(storage.RunModeFull), runID)

	res := &Result{RunID: runID, Mode: storage.RunModeFull}
	counters := checkpoint.Counters{}
	if resume {
		counters = prior.Stats
		res.PagesScraped = counters.PagesScraped
		res.RevisionsStored = counters.RevisionsScraped
	}

	var attempted, nsFailed int
	for _, ns := range opts.Namespaces {
		if resume && containsInt(prior.CompletedNamespaces, ns) {
			s.logger.Info("namespace already complete, skipping", "namespace", ns)
			continue
		}
		if err := ctx.Err(); err != nil {
			return s.finishInterrupted(res, start)
		}

		n, err := s.scrapeNamespace(ctx, runID, ns, resume, prior, res, &counters)
		attempted += n
		if err != nil {
			if ctx.Err() != nil {
				return s.finishInterrupted(res, start)
			}
			if errors.Is(err, errCheckpoint) {
				return s.finishFailed(res, start, err)
			}
			nsFailed++
			s.logger.Error("namespace failed", "namespace", ns, "error", err)
			res.FailureMessages = append(res.FailureMessages,
				fmt.Sprintf("namespace %d: %v", ns, err))
			continue
		}
		if err := s.ckpt.MarkNamespaceComplete(ns); err != nil {
			return s.finishFailed(res, start, fmt.Errorf("%w: %v", errCheckpoint, err))
		}
	}

	if nsFailed == len(opts.Namespaces) {
		return s.finishFailed(res, start, errors.New("scrape: every namespace failed"))
	}

	downloaded, fileFailures, err := s.scrapeFiles(ctx)
	counters.FilesDownloaded += downloaded
	res.FilesDownloaded = counters.FilesDownloaded
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
	if err := s.db.FinishRun(ctx, res.RunID, storage.RunCompleted,
		counters.PagesScraped, counters.RevisionsScraped, counters.FilesDownloaded, nil); err != nil {
		return nil, err
	}
	if err := s.ckpt.Delete(); err != nil {
		return nil, err
	}
	metrics.RunDuration.WithLabelValues(string(storage.RunModeFull)).Observe(res.Duration.Seconds())
	return res, nil
}

// scrapeNamespace discovers one namespace and scrapes every page in it.
// Returns the number of pages attempted.
func (s *Scraper) scrapeNamespace(ctx context.Context, runID int64, ns int, resume bool, prior *checkpoint.State, res *Result, counters *checkpoint.Counters) (int, error) {
	if err := s.ckpt.EnterNamespace(ns); err != nil {
		return 0, fmt.Errorf("%w: %v", errCheckpoint, err)
	}

	// Pages already committed in an interrupted run of this namespace
	// are skipped; their data is durable and the API is not re-queried.
	skip := make(map[int64]bool)
	if resume && prior.CurrentNamespace != nil && *prior.CurrentNamespace == ns {
		for _, id := range prior.CompletedPageIDs {
			skip[id] = true
		}
	}

	pages, err := s.discoverNamespace(ctx, ns)
	if err != nil {
		return 0, err
	}

	attempted := 0
	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			return attempted, err
		}
		if skip[page.PageID] {
			s.report(StageScrape, i+1, len(pages))
			continue
		}

		attempted++
		newRevs, lastRev, err := s.scrapePage(ctx, page, 0)
		if err != nil {
			if ctx.Err() != nil {
				return attempted, err
			}
			s.logger.Warn("page scrape failed",
				"page_id", page.PageID, "title", page.Title, "error", err)
			metrics.PageFailures.Inc()
			s.recordPageOutcome(ctx, runID, page.PageID, storage.PageStatusFailed, nil, err)
			res.recordFailure(page.PageID, fmt.Errorf("page %d %q: %w", page.PageID, page.Title, err))
			s.report(StageScrape, i+1, len(pages))
			continue
		}

		s.recordPageOutcome(ctx, runID, page.PageID, storage.PageStatusSuccess, lastRev, nil)
		counters.PagesScraped++
		counters.RevisionsScraped += newRevs
		res.PagesScraped = counters.PagesScraped
		res.RevisionsStored = counters.RevisionsScraped

		// Checkpoint only after the page's transaction has committed.
		if err := s.ckpt.MarkPageComplete(page.PageID); err != nil {
			return attempted, fmt.Errorf("%w: %v", errCheckpoint, err)
		}
		if err := s.ckpt.UpdateStats(*counters); err != nil {
			return attempted, fmt.Errorf("%w: %v", errCheckpoint, err)
		}
		s.report(StageScrape, i+1, len(pages))
	}
	return attempted, nil
}

// discoverNamespace streams the namespace's page listing and upserts
// descriptors in batches as they arrive.
func (s *Scraper) discoverNamespace(ctx context.Context, ns int) ([]storage.Page, error) {
	const batchSize = 200

	it := s.client.ListPages(ns)
	var all []storage.Page
	var batch []storage.Page
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.db.UpsertPages(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for it.Next(ctx) {
		p := pageModel(it.Page())
		all = append(all, p)
		batch = append(batch, p)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		s.report(StageDiscover, len(all), 0)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	s.logger.Info("namespace discovered", "namespace", ns, "pages", len(all))
	return all, nil
}

// prepareCheckpoint loads any prior state and decides between resuming
// and starting fresh. Corrupt checkpoints are warned about and treated
// as absent.
func (s *Scraper) prepareCheckpoint(opts FullOptions) (bool, *checkpoint.State, error) {
	fp := checkpoint.Fingerprint(string(storage.RunModeFull), opts.Namespaces, s.rate)

	prior, err := s.ckpt.Load()
	if errors.Is(err, checkpoint.ErrCorrupt) {
		s.logger.Warn("ignoring corrupt checkpoint", "path", s.ckpt.Path(), "error", err)
		prior = nil
	} else if err != nil {
		return false, nil, err
	}

	switch {
	case prior == nil:
	case opts.Force:
		s.logger.Info("force requested, discarding checkpoint")
		prior = nil
	case prior.RunMode != string(storage.RunModeFull) || prior.Fingerprint != fp:
		s.logger.Warn("checkpoint belongs to a different configuration, starting fresh")
		prior = nil
	default:
		s.logger.Info("resuming from checkpoint",
			"completed_namespaces", len(prior.CompletedNamespaces),
			"completed_pages", len(prior.CompletedPageIDs))
		s.ckpt.Resume(prior)
		return true, prior, nil
	}

	if err := s.ckpt.Begin(string(storage.RunModeFull), opts.Namespaces, fp); err != nil {
		return false, nil, err
	}
	return false, nil, nil
}

// dryRun walks discovery without writing anything.
func (s *Scraper) dryRun(ctx context.Context, opts FullOptions) (*Result, error) {
	start := nowUTC()
	res := &Result{Mode: storage.RunModeFull, Status: storage.RunCompleted}
	for _, ns := range opts.Namespaces {
		count := 0
		it := s.client.ListPages(ns)
		for it.Next(ctx) {
			count++
			s.report(StageDiscover, count, 0)
		}
		if err := it.Err(); err != nil {
			if ctx.Err() != nil {
				return nil, ErrInterrupted
			}
			return nil, fmt.Errorf("dry run: namespace %d: %w", ns, err)
		}
		s.logger.Info("dry run: would scrape namespace", "namespace", ns, "pages", count)
		res.PagesScraped += int64(count)
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (s *Scraper) finishInterrupted(res *Result, start time.Time) (*Result, error) {
	res.Status = storage.RunInterrupted
	res.Duration = time.Since(start)
	msg := "interrupted by user"
	// The checkpoint stays on disk; a later run resumes from it. Closing
	// the run row uses a fresh context because the caller's is done.
	if err := s.db.FinishRun(context.Background(), res.RunID, storage.RunInterrupted,
		res.PagesScraped, res.RevisionsStored, res.FilesDownloaded, &msg); err != nil {
		s.logger.Error("failed to mark run interrupted", "run_id", res.RunID, "error", err)
	}
	return res, ErrInterrupted
}

func (s *Scraper) finishFailed(res *Result, start time.Time, cause error) (*Result, error) {
	res.Status = storage.RunFailed
	res.Duration = time.Since(start)
	msg := cause.Error()
	if err := s.db.FinishRun(context.Background(), res.RunID, storage.RunFailed,
		res.PagesScraped, res.RevisionsStored, res.FilesDownloaded, &msg); err != nil {
		s.logger.Error("failed to mark run failed", "run_id", res.RunID, "error", err)
	}
	return res, cause
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
