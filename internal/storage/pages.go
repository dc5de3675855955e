package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// upsertPageSQL creates or updates a page by page_id. created_at is
// preserved; updated_at is bumped only when something actually changed,
// so a no-op re-scrape leaves the row bit-identical.
const upsertPageSQL = `
INSERT INTO pages (page_id, namespace, title, is_redirect, created_at, updated_at)
VALUES (:page_id, :namespace, :title, :is_redirect, :created_at, :updated_at)
ON CONFLICT (page_id) DO UPDATE SET
    namespace   = excluded.namespace,
    title       = excluded.title,
    is_redirect = excluded.is_redirect,
    updated_at  = excluded.updated_at
WHERE pages.namespace <> excluded.namespace
   OR pages.title <> excluded.title
   OR pages.is_redirect <> excluded.is_redirect`

// UpsertPage creates or updates one page by page_id.
func (d *DB) UpsertPage(ctx context.Context, p Page) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		return upsertPageTx(tx, p)
	})
}

// UpsertPages writes a batch atomically: all pages land or none do. A
// duplicate (namespace, title) under a different page_id fails the whole
// batch with ErrTitleConflict.
func (d *DB) UpsertPages(ctx context.Context, pages []Page) error {
	if len(pages) == 0 {
		return nil
	}
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, p := range pages {
			if err := upsertPageTx(tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertPageTx(tx *sqlx.Tx, p Page) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if _, err := tx.NamedExec(upsertPageSQL, p); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: page %d, (%d, %q)", ErrTitleConflict, p.PageID, p.Namespace, p.Title)
		}
		return fmt.Errorf("storage: upsert page %d: %w", p.PageID, err)
	}
	return nil
}

// GetPage looks a page up by id.
func (d *DB) GetPage(ctx context.Context, pageID int64) (*Page, error) {
	var p Page
	err := d.db.GetContext(ctx, &p, `SELECT * FROM pages WHERE page_id = ?`, pageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: page %d", ErrNotFound, pageID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get page %d: %w", pageID, err)
	}
	return &p, nil
}

// GetPageByTitle looks a page up by its unique (namespace, title) pair.
func (d *DB) GetPageByTitle(ctx context.Context, namespace int, title string) (*Page, error) {
	var p Page
	err := d.db.GetContext(ctx, &p,
		`SELECT * FROM pages WHERE namespace = ? AND title = ?`, namespace, title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: page (%d, %q)", ErrNotFound, namespace, title)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get page (%d, %q): %w", namespace, title, err)
	}
	return &p, nil
}

// CountPages returns the number of archived pages.
func (d *DB) CountPages(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM pages`); err != nil {
		return 0, fmt.Errorf("storage: count pages: %w", err)
	}
	return n, nil
}

// RenamePage atomically moves a page to a new (namespace, title). It
// fails with ErrTitleConflict when the target pair belongs to another
// page, and ErrNotFound when the page does not exist.
func (d *DB) RenamePage(ctx context.Context, pageID int64, newNamespace int, newTitle string) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		var holder int64
		err := tx.Get(&holder,
			`SELECT page_id FROM pages WHERE namespace = ? AND title = ?`, newNamespace, newTitle)
		switch {
		case err == nil && holder != pageID:
			return fmt.Errorf("%w: (%d, %q) held by page %d", ErrTitleConflict, newNamespace, newTitle, holder)
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("storage: rename page %d: %w", pageID, err)
		}

		res, err := tx.Exec(
			`UPDATE pages SET namespace = ?, title = ?, updated_at = ? WHERE page_id = ?`,
			newNamespace, newTitle, time.Now().UTC(), pageID)
		if err != nil {
			return fmt.Errorf("storage: rename page %d: %w", pageID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("storage: rename page %d: %w", pageID, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: page %d", ErrNotFound, pageID)
		}
		return nil
	})
}

// DeletePage removes a page; revisions, links, statuses, and the
// latest-content row cascade away with it. Deleting an unknown page is
// a no-op: delete-log events may refer to pages never archived.
func (d *DB) DeletePage(ctx context.Context, pageID int64) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`DELETE FROM pages WHERE page_id = ?`, pageID); err != nil {
			return fmt.Errorf("storage: delete page %d: %w", pageID, err)
		}
		return nil
	})
}
