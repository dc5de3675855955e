package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// UpsertPageStatus records (or overwrites) one page's outcome within a
// run. Retrying a failed page in the same run replaces the failure row.
func (d *DB) UpsertPageStatus(ctx context.Context, s PageRunStatus) error {
	if s.ScrapedAt == nil {
		now := time.Now().UTC()
		s.ScrapedAt = &now
	}
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		return upsertPageStatusTx(tx, s)
	})
}

func upsertPageStatusTx(tx *sqlx.Tx, s PageRunStatus) error {
	if _, err := tx.NamedExec(`
		INSERT INTO scrape_page_status
		    (page_id, run_id, status, last_revision_id, error_message, scraped_at)
		VALUES
		    (:page_id, :run_id, :status, :last_revision_id, :error_message, :scraped_at)
		ON CONFLICT (page_id, run_id) DO UPDATE SET
		    status           = excluded.status,
		    last_revision_id = excluded.last_revision_id,
		    error_message    = excluded.error_message,
		    scraped_at       = excluded.scraped_at`, s); err != nil {
		return fmt.Errorf("storage: page %d status in run %d: %w", s.PageID, s.RunID, err)
	}
	return nil
}

// PageStatusesByRun returns every per-page outcome of a run, optionally
// filtered by status (empty matches all).
func (d *DB) PageStatusesByRun(ctx context.Context, runID int64, status PageStatus) ([]PageRunStatus, error) {
	var rows []PageRunStatus
	var err error
	if status == "" {
		err = d.db.SelectContext(ctx, &rows, `
			SELECT * FROM scrape_page_status
			WHERE run_id = ?
			ORDER BY page_id`, runID)
	} else {
		err = d.db.SelectContext(ctx, &rows, `
			SELECT * FROM scrape_page_status
			WHERE run_id = ? AND status = ?
			ORDER BY page_id`, runID, status)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: statuses of run %d: %w", runID, err)
	}
	return rows, nil
}
