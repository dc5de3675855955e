package storage

import (
	"context"
	"fmt"
)

// ArchiveStats summarises the archive for status reporting.
type ArchiveStats struct {
	Pages     int64
	Revisions int64
	Files     int64
	Links     int64
	Runs      int64
}

// Stats gathers table counts in one pass.
func (d *DB) Stats(ctx context.Context) (*ArchiveStats, error) {
	var s ArchiveStats
	row := d.db.QueryRowContext(ctx, `
		SELECT
		    (SELECT COUNT(*) FROM pages),
		    (SELECT COUNT(*) FROM revisions),
		    (SELECT COUNT(*) FROM files),
		    (SELECT COUNT(*) FROM links),
		    (SELECT COUNT(*) FROM scrape_runs)`)
	if err := row.Scan(&s.Pages, &s.Revisions, &s.Files, &s.Links, &s.Runs); err != nil {
		return nil, fmt.Errorf("storage: stats: %w", err)
	}
	return &s, nil
}
