package scrape

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wikivault/wikivault/internal/retry"
	"github.com/wikivault/wikivault/internal/storage"
	"github.com/wikivault/wikivault/metrics"
	"github.com/wikivault/wikivault/wiki"
)

// fileWorkers bounds concurrent file downloads. The shared rate limiter
// still paces the actual requests; the workers only overlap disk writes
// with network waits.
const fileWorkers = 4

// scrapeFiles runs the file pass: every filename referenced by a file
// link gets its metadata fetched, and its bytes downloaded when the
// upstream sha1 differs from what is stored. Individual file failures
// are collected, not fatal.
func (s *Scraper) scrapeFiles(ctx context.Context) (int64, []string, error) {
	names, err := s.db.FileLinkTargets(ctx)
	if err != nil {
		return 0, nil, err
	}
	return s.scrapeFileSet(ctx, names)
}

// scrapeFileSet processes an explicit set of filenames; the incremental
// orchestrator uses it to refresh only the files its touched pages
// reference.
func (s *Scraper) scrapeFileSet(ctx context.Context, names []string) (int64, []string, error) {
	if len(names) == 0 {
		return 0, nil, nil
	}

	if s.dataDir != "" {
		if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
			return 0, nil, fmt.Errorf("scrape: create data dir: %w", err)
		}
	}

	var (
		mu         sync.Mutex
		downloaded int64
		failures   []string
		done       int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fileWorkers)
	for _, name := range names {
		g.Go(func() error {
			fetched, err := s.scrapeFile(gctx, name)

			mu.Lock()
			defer mu.Unlock()
			done++
			s.report(StageFiles, done, len(names))
			switch {
			case err != nil && gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				s.logger.Warn("file scrape failed", "file", name, "error", err)
				failures = append(failures, fmt.Sprintf("file %q: %v", name, err))
			case fetched:
				downloaded++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return downloaded, failures, err
	}
	return downloaded, failures, nil
}

// scrapeFile handles one filename; returns true when bytes were
// downloaded (as opposed to already current).
func (s *Scraper) scrapeFile(ctx context.Context, name string) (bool, error) {
	info, err := retry.Do(ctx, s.policy, func() (*wiki.FileInfo, error) {
		return s.client.FileInfo(ctx, name)
	})
	if err != nil {
		var nf *wiki.NotFoundError
		if errors.As(err, &nf) {
			// Red links: referenced but never uploaded.
			s.logger.Debug("file not on wiki", "file", name)
			return false, nil
		}
		return false, err
	}

	stored, err := s.db.GetFile(ctx, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	if stored != nil && stored.SHA1 == info.SHA1 {
		return false, nil
	}

	data, err := retry.Do(ctx, s.policy, func() ([]byte, error) {
		return s.client.DownloadFile(ctx, info.URL, info.SHA1)
	})
	if err != nil {
		return false, err
	}

	if s.dataDir != "" {
		path := filepath.Join(s.dataDir, sanitizeFilename(name))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return false, fmt.Errorf("write %s: %w", path, err)
		}
	}

	if err := s.db.UpsertFile(ctx, fileModel(info)); err != nil {
		return false, err
	}
	metrics.FilesDownloaded.Inc()
	return true, nil
}

func fileModel(info *wiki.FileInfo) storage.File {
	f := storage.File{
		Filename: info.Filename,
		URL:      info.URL,
		SHA1:     info.SHA1,
		Size:     info.Size,
		Width:    info.Width,
		Height:   info.Height,
	}
	if info.DescriptionURL != "" {
		u := info.DescriptionURL
		f.DescriptionURL = &u
	}
	if info.MimeType != "" {
		m := info.MimeType
		f.MimeType = &m
	}
	if !info.Timestamp.IsZero() {
		t := info.Timestamp
		f.UploadedAt = &t
	}
	if info.Uploader != "" {
		u := info.Uploader
		f.Uploader = &u
	}
	return f
}

// sanitizeFilename maps a wiki filename to a safe single path element.
func sanitizeFilename(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", "\x00", "_")
	out := r.Replace(name)
	if out == "" || out == "." {
		out = "_"
	}
	return out
}
