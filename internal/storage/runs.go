package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// CreateRun opens a new scrape run in running state and returns its id.
// Only one run may be in running state per database; a second CreateRun
// while one is open fails with ErrRunActive. Run ids are allocated
// MAX+1 inside the transaction so the scheme works on any engine.
func (d *DB) CreateRun(ctx context.Context, mode RunMode) (int64, error) {
	var runID int64
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		var active int64
		if err := tx.Get(&active,
			`SELECT COUNT(*) FROM scrape_runs WHERE status = ?`, RunRunning); err != nil {
			return fmt.Errorf("storage: check active runs: %w", err)
		}
		if active > 0 {
			return ErrRunActive
		}
		if err := tx.Get(&runID,
			`SELECT COALESCE(MAX(run_id), 0) + 1 FROM scrape_runs`); err != nil {
			return fmt.Errorf("storage: allocate run id: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO scrape_runs (run_id, mode, status, start_time)
			VALUES (?, ?, ?, ?)`,
			runID, mode, RunRunning, time.Now().UTC()); err != nil {
			return fmt.Errorf("storage: create run: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	d.logger.Info("scrape run started", "run_id", runID, "mode", mode)
	return runID, nil
}

// InterruptActiveRuns force-closes any run stuck in running state, for
// operators recovering from a crashed process. Returns the number of
// runs closed.
func (d *DB) InterruptActiveRuns(ctx context.Context) (int64, error) {
	var closed int64
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE scrape_runs
			SET status = ?, end_time = ?, error_message = ?
			WHERE status = ?`,
			RunInterrupted, time.Now().UTC(), "force-closed by a later run", RunRunning)
		if err != nil {
			return fmt.Errorf("storage: interrupt active runs: %w", err)
		}
		closed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if closed > 0 {
		d.logger.Warn("force-closed stale runs", "count", closed)
	}
	return closed, nil
}

// FinishRun closes a run with its terminal status, counters, and an
// optional error message.
func (d *DB) FinishRun(ctx context.Context, runID int64, status RunStatus, pages, revisions, files int64, errMsg *string) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE scrape_runs
			SET status = ?, end_time = ?,
			    pages_scraped = ?, revisions_scraped = ?, files_downloaded = ?,
			    error_message = ?
			WHERE run_id = ?`,
			status, time.Now().UTC(), pages, revisions, files, errMsg, runID)
		if err != nil {
			return fmt.Errorf("storage: finish run %d: %w", runID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("storage: finish run %d: %w", runID, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: run %d", ErrNotFound, runID)
		}
		return nil
	})
}

// GetRun looks a run up by id.
func (d *DB) GetRun(ctx context.Context, runID int64) (*ScrapeRun, error) {
	var r ScrapeRun
	err := d.db.GetContext(ctx, &r, `SELECT * FROM scrape_runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %d", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get run %d: %w", runID, err)
	}
	return &r, nil
}

// LatestCompletedRun returns the most recent completed run, or
// ErrNotFound when none exists. Incremental runs anchor their
// recent-changes window on its start time.
func (d *DB) LatestCompletedRun(ctx context.Context) (*ScrapeRun, error) {
	var r ScrapeRun
	err := d.db.GetContext(ctx, &r, `
		SELECT * FROM scrape_runs
		WHERE status = ?
		ORDER BY start_time DESC
		LIMIT 1`, RunCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no completed run", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: latest completed run: %w", err)
	}
	return &r, nil
}

// ListRuns returns runs newest first, at most limit of them.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]ScrapeRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []ScrapeRun
	err := d.db.SelectContext(ctx, &runs, `
		SELECT * FROM scrape_runs
		ORDER BY start_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	return runs, nil
}
