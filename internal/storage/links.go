package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ReplaceLinksForPage swaps a page's outgoing edges for the given set in
// one transaction: readers never observe a partially updated link set.
// An empty set clears the page's links.
func (d *DB) ReplaceLinksForPage(ctx context.Context, pageID int64, links []Link) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		return replaceLinksTx(tx, pageID, links)
	})
}

func replaceLinksTx(tx *sqlx.Tx, pageID int64, links []Link) error {
	if _, err := tx.Exec(`DELETE FROM links WHERE source_page_id = ?`, pageID); err != nil {
		return fmt.Errorf("storage: clear links of page %d: %w", pageID, err)
	}
	for _, l := range links {
		l.SourcePageID = pageID
		if _, err := tx.NamedExec(`
			INSERT INTO links (source_page_id, target_title, link_type)
			VALUES (:source_page_id, :target_title, :link_type)
			ON CONFLICT (source_page_id, target_title, link_type) DO NOTHING`, l); err != nil {
			return fmt.Errorf("storage: insert link %d -> %q: %w", pageID, l.TargetTitle, err)
		}
	}
	return nil
}

// GetLinksFrom returns a page's outgoing links.
func (d *DB) GetLinksFrom(ctx context.Context, pageID int64) ([]Link, error) {
	var links []Link
	err := d.db.SelectContext(ctx, &links, `
		SELECT * FROM links
		WHERE source_page_id = ?
		ORDER BY link_type, target_title`, pageID)
	if err != nil {
		return nil, fmt.Errorf("storage: links from page %d: %w", pageID, err)
	}
	return links, nil
}

// GetLinksTo returns the pages linking to a title, optionally filtered
// by link type (empty type matches all).
func (d *DB) GetLinksTo(ctx context.Context, targetTitle string, linkType LinkType) ([]Link, error) {
	var links []Link
	var err error
	if linkType == "" {
		err = d.db.SelectContext(ctx, &links, `
			SELECT * FROM links
			WHERE target_title = ?
			ORDER BY source_page_id`, targetTitle)
	} else {
		err = d.db.SelectContext(ctx, &links, `
			SELECT * FROM links
			WHERE target_title = ? AND link_type = ?
			ORDER BY source_page_id`, targetTitle, linkType)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: links to %q: %w", targetTitle, err)
	}
	return links, nil
}

// FileLinkTargets returns the distinct filenames referenced by file
// links across the archive. The file pass walks this set.
func (d *DB) FileLinkTargets(ctx context.Context) ([]string, error) {
	var names []string
	err := d.db.SelectContext(ctx, &names, `
		SELECT DISTINCT target_title FROM links
		WHERE link_type = ?
		ORDER BY target_title`, LinkFile)
	if err != nil {
		return nil, fmt.Errorf("storage: file link targets: %w", err)
	}
	return names, nil
}

// CountLinks returns the number of stored link edges.
func (d *DB) CountLinks(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM links`); err != nil {
		return 0, fmt.Errorf("storage: count links: %w", err)
	}
	return n, nil
}
