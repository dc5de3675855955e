package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PageScrape is everything learned about one page during a scrape:
// its metadata, the revisions fetched, and the links extracted from its
// current content.
type PageScrape struct {
	Page      Page
	Revisions []Revision
	Links     []Link
}

// CommitPageScrape lands one page's scrape atomically: the page row,
// its new revisions, and its replaced link set commit together or not
// at all. A failure mid-page therefore never leaves the page half
// archived. Returns the number of newly stored revisions.
func (d *DB) CommitPageScrape(ctx context.Context, ps PageScrape) (int64, error) {
	var newRevisions int64
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := upsertPageTx(tx, ps.Page); err != nil {
			return err
		}
		n, err := insertRevisionsTx(tx, ps.Revisions)
		if err != nil {
			return err
		}
		newRevisions = n
		return replaceLinksTx(tx, ps.Page.PageID, ps.Links)
	})
	if err != nil {
		return 0, fmt.Errorf("storage: commit page %d: %w", ps.Page.PageID, err)
	}
	return newRevisions, nil
}
