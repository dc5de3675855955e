// Package scrape holds the two orchestrators of the archival pipeline:
// the full sweep over configured namespaces and the incremental delta
// apply. Both drive the wiki client through the retry policy, land
// results through the storage repositories, and report progress through
// an optional callback.
package scrape

import (
	"errors"
	"log/slog"
	"time"

	"github.com/wikivault/wikivault/internal/checkpoint"
	"github.com/wikivault/wikivault/internal/retry"
	"github.com/wikivault/wikivault/internal/storage"
	"github.com/wikivault/wikivault/wiki"
)

// ErrBaselineRequired is returned when an incremental run is requested
// against a database with no completed full run to diff against.
var ErrBaselineRequired = errors.New(
	"scrape: incremental needs a completed baseline; run a full scrape first")

// ErrFailureThreshold is returned when the fraction of failed pages
// reaches the configured limit and the run is marked failed.
var ErrFailureThreshold = errors.New("scrape: page failure fraction reached the threshold")

// DefaultFailureThreshold is the failed-page fraction at which a run
// flips from completed to failed.
const DefaultFailureThreshold = 0.10

// Stage identifies the pipeline phase a progress event belongs to.
type Stage string

const (
	StageDiscover Stage = "discover"
	StageScrape   Stage = "scrape"
	StageFiles    Stage = "files"
)

// ProgressFunc receives granular progress events. total is 0 while the
// amount of work is still unknown (streaming discovery). Implementations
// must return quickly; the pipeline calls them inline.
type ProgressFunc func(stage Stage, current, total int)

// Config wires a Scraper. Client, DB, and Checkpoints are required.
type Config struct {
	Client      *wiki.Client
	DB          *storage.DB
	Checkpoints *checkpoint.Store
	Retry       retry.Policy

	// DataDir receives downloaded file bytes, one file per wiki filename.
	DataDir string

	// RateLimit is the requests-per-second the client was built with; it
	// participates in the checkpoint fingerprint so a resumed run cannot
	// silently change pacing.
	RateLimit float64

	Logger   *slog.Logger
	Progress ProgressFunc
}

// Scraper executes full and incremental runs. One Scraper drives one
// database; runs are serialized by the ScrapeRun lifecycle.
type Scraper struct {
	client   *wiki.Client
	db       *storage.DB
	ckpt     *checkpoint.Store
	policy   retry.Policy
	dataDir  string
	rate     float64
	logger   *slog.Logger
	progress ProgressFunc
}

// New builds a Scraper from cfg.
func New(cfg Config) *Scraper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Retry
	if policy.IsTransient == nil {
		policy = retry.DefaultPolicy(wiki.IsTransient)
		policy.Logger = logger
	}
	return &Scraper{
		client:   cfg.Client,
		db:       cfg.DB,
		ckpt:     cfg.Checkpoints,
		policy:   policy,
		dataDir:  cfg.DataDir,
		rate:     cfg.RateLimit,
		logger:   logger,
		progress: cfg.Progress,
	}
}

func (s *Scraper) report(stage Stage, current, total int) {
	if s.progress != nil {
		s.progress(stage, current, total)
	}
}

// pageModel converts an API page descriptor to its storage row.
func pageModel(p wiki.PageDescriptor) storage.Page {
	return storage.Page{
		PageID:     p.PageID,
		Namespace:  p.Namespace,
		Title:      p.Title,
		IsRedirect: p.IsRedirect,
	}
}

// revisionModel converts an API revision to its storage row.
func revisionModel(r wiki.Revision) (storage.Revision, error) {
	rev := storage.Revision{
		RevisionID: r.RevisionID,
		PageID:     r.PageID,
		Timestamp:  r.Timestamp,
		UserID:     r.UserID,
		Content:    r.Content,
		Size:       r.Size,
		SHA1:       r.SHA1,
		Minor:      r.Minor,
	}
	if r.ParentID != 0 {
		pid := r.ParentID
		rev.ParentID = &pid
	}
	if r.User != "" {
		u := r.User
		rev.User = &u
	}
	if r.Comment != "" {
		c := r.Comment
		rev.Comment = &c
	}
	tags, err := storage.EncodeTags(r.Tags)
	if err != nil {
		return rev, err
	}
	rev.Tags = tags
	return rev, nil
}

func nowUTC() time.Time { return time.Now().UTC() }
