// wikivault - a MediaWiki archival pipeline
// Scrapes pages, full revision histories, files, and the internal link
// graph into an embedded database, with checkpointed resume and
// incremental delta runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/wikivault/wikivault/internal/checkpoint"
	"github.com/wikivault/wikivault/internal/config"
	"github.com/wikivault/wikivault/internal/ratelimit"
	"github.com/wikivault/wikivault/internal/retry"
	"github.com/wikivault/wikivault/internal/scrape"
	"github.com/wikivault/wikivault/internal/storage"
	"github.com/wikivault/wikivault/metrics"
	"github.com/wikivault/wikivault/tracing"
	"github.com/wikivault/wikivault/wiki"
)

const (
	AppName    = "wikivault"
	AppVersion = "1.0.0"
)

// Exit codes: 0 success (including failures under the threshold),
// 1 run failure, 2 configuration error, 3 unmet precondition,
// 130 user interruption.
const (
	exitOK           = 0
	exitFailure      = 1
	exitConfig       = 2
	exitPrecondition = 3
	exitInterrupted  = 130
)

type cli struct {
	ConfigFile string `name:"config" short:"c" help:"Path to YAML configuration file." type:"path"`

	// Flags below override the config file; unset flags leave file and
	// default values untouched.
	BaseURL          *string  `help:"Wiki API endpoint (e.g. https://wiki.example.org/api.php)."`
	UserAgent        *string  `help:"User-Agent header sent upstream."`
	Timeout          *int     `help:"HTTP timeout in seconds."`
	MaxRetries       *int     `help:"Attempts per failing API call."`
	RateLimit        *float64 `help:"Maximum API requests per second."`
	Database         *string  `help:"Path to the archive database."`
	DataDir          *string  `help:"Directory for downloaded file bytes."`
	Checkpoint       *string  `help:"Path to the checkpoint file."`
	Namespaces       []int    `help:"Namespace ids to archive."`
	FailureThreshold *float64 `help:"Failed-page fraction at which a run fails."`
	LogLevel         *string  `help:"DEBUG, INFO, WARNING, ERROR, or CRITICAL."`
	Quiet            *bool    `help:"Suppress everything below warnings."`
	MetricsAddr      *string  `help:"Address to serve Prometheus metrics on (e.g. :9090); empty disables."`

	Full        fullCmd        `cmd:"" help:"Run a full archive sweep over the configured namespaces."`
	Incremental incrementalCmd `cmd:"" help:"Apply changes since the last completed run."`
	Stats       statsCmd       `cmd:"" help:"Print archive statistics."`
	Search      searchCmd      `cmd:"" help:"Search the latest page content."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

type fullCmd struct {
	Force  bool `help:"Discard any checkpoint and force-close stale runs."`
	DryRun bool `help:"Walk discovery and report what would be scraped, writing nothing."`
}

type incrementalCmd struct {
	Since string `help:"Override the window start (RFC 3339); defaults to the end of the last completed run."`
	Force bool   `help:"Force-close stale runs before starting."`
}

type statsCmd struct{}

type searchCmd struct {
	Term  string `arg:"" help:"Substring to look for in titles and current content."`
	Limit int    `default:"20" help:"Maximum hits to print."`
}

func main() {
	var c cli
	app := kong.Parse(&c,
		kong.Name(AppName),
		kong.Description("Archive a MediaWiki site: pages, revision histories, files, and links."),
		kong.Vars{"version": AppName + " " + AppVersion},
	)

	cfg, err := mergeConfig(&c)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.DefaultConfig())
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	os.Exit(run(ctx, app.Command(), &c, cfg, logger))
}

func run(ctx context.Context, command string, c *cli, cfg config.Config, logger *slog.Logger) int {
	db, err := storage.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		logger.Error("cannot open database", "path", cfg.DatabasePath, "error", err)
		return exitFailure
	}
	defer db.Close()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		msrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if serr := msrv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				logger.Warn("metrics listener stopped", "error", serr)
			}
		}()
		defer msrv.Close()
	}

	switch command {
	case "stats":
		return runStats(ctx, db)
	case "search <term>":
		return runSearch(ctx, db, c.Search.Term, c.Search.Limit)
	}

	limiter := ratelimit.New(cfg.RateLimitPerSecond)
	client := wiki.NewClient(wiki.Config{
		BaseURL:   cfg.BaseURL,
		UserAgent: cfg.UserAgent,
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
	}, limiter, logger)

	policy := retry.Policy{
		MaxAttempts: cfg.MaxRetries,
		IsTransient: wiki.IsTransient,
		Logger:      logger,
	}

	scraper := scrape.New(scrape.Config{
		Client:      client,
		DB:          db,
		Checkpoints: checkpoint.NewStore(cfg.CheckpointPath),
		Retry:       policy,
		DataDir:     cfg.DataDir,
		RateLimit:   cfg.RateLimitPerSecond,
		Logger:      logger,
		Progress:    newProgress(logger, cfg.Quiet),
	})

	var res *scrape.Result
	switch command {
	case "full":
		res, err = scraper.Full(ctx, scrape.FullOptions{
			Namespaces:       cfg.Namespaces,
			Force:            c.Full.Force,
			DryRun:           c.Full.DryRun,
			FailureThreshold: cfg.FailureThresholdFraction,
		})
	case "incremental":
		opts := scrape.IncrementalOptions{
			Force:            c.Incremental.Force,
			FailureThreshold: cfg.FailureThresholdFraction,
		}
		if c.Incremental.Since != "" {
			since, perr := time.Parse(time.RFC3339, c.Incremental.Since)
			if perr != nil {
				fmt.Fprintf(os.Stderr, "invalid --since %q: %v\n", c.Incremental.Since, perr)
				return exitConfig
			}
			opts.Since = &since
		}
		res, err = scraper.Incremental(ctx, opts)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		return exitConfig
	}

	if res != nil {
		fmt.Print(res.Summary())
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, scrape.ErrInterrupted):
		logger.Warn("run interrupted; checkpoint kept for resume")
		return exitInterrupted
	case errors.Is(err, scrape.ErrBaselineRequired):
		fmt.Fprintln(os.Stderr, "no completed baseline in this database: run `wikivault full` first")
		return exitPrecondition
	case errors.Is(err, storage.ErrRunActive):
		fmt.Fprintln(os.Stderr, "another run is marked active; rerun with --force if it crashed")
		return exitPrecondition
	default:
		logger.Error("run failed", "error", err)
		return exitFailure
	}
}

func runStats(ctx context.Context, db *storage.DB) int {
	stats, err := db.Stats(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	fmt.Printf("pages:     %d\n", stats.Pages)
	fmt.Printf("revisions: %d\n", stats.Revisions)
	fmt.Printf("files:     %d\n", stats.Files)
	fmt.Printf("links:     %d\n", stats.Links)
	fmt.Printf("runs:      %d\n", stats.Runs)
	return exitOK
}

func runSearch(ctx context.Context, db *storage.DB, term string, limit int) int {
	hits, err := db.SearchLatest(ctx, term, limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	for _, h := range hits {
		fmt.Printf("%s (page %d, rev %d)\n    %s\n", h.Title, h.PageID, h.RevisionID, h.Snippet)
	}
	if len(hits) == 0 {
		fmt.Println("no matches")
	}
	return exitOK
}

// mergeConfig folds defaults, the optional config file, and command-line
// flags, in that order.
func mergeConfig(c *cli) (config.Config, error) {
	overlays := []config.Overlay{}
	if c.ConfigFile != "" {
		fileOverlay, err := config.LoadFile(c.ConfigFile)
		if err != nil {
			return config.Config{}, err
		}
		overlays = append(overlays, fileOverlay)
	}
	overlays = append(overlays, config.Overlay{
		BaseURL:                  c.BaseURL,
		UserAgent:                c.UserAgent,
		TimeoutSeconds:           c.Timeout,
		MaxRetries:               c.MaxRetries,
		RateLimitPerSecond:       c.RateLimit,
		DatabasePath:             c.Database,
		DataDir:                  c.DataDir,
		CheckpointPath:           c.Checkpoint,
		Namespaces:               c.Namespaces,
		FailureThresholdFraction: c.FailureThreshold,
		LogLevel:                 c.LogLevel,
		Quiet:                    c.Quiet,
		MetricsAddr:              c.MetricsAddr,
	})
	return config.Merge(overlays...)
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARNING":
		level = slog.LevelWarn
	case "ERROR", "CRITICAL":
		level = slog.LevelError
	}
	if cfg.Quiet {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newProgress logs coarse progress. Discovery totals are unknown while
// streaming, so those report the running count only.
func newProgress(logger *slog.Logger, quiet bool) scrape.ProgressFunc {
	if quiet {
		return nil
	}
	return func(stage scrape.Stage, current, total int) {
		if current%100 != 0 && current != total {
			return
		}
		if total > 0 {
			logger.Info("progress", "stage", string(stage), "current", current, "total", total)
		} else {
			logger.Info("progress", "stage", string(stage), "current", current)
		}
	}
}
