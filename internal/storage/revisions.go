package storage

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// insertRevisionSQL is idempotent on revision_id: re-inserting an
// already archived revision is a no-op, which is what makes incremental
// runs safe to repeat.
const insertRevisionSQL = `
INSERT INTO revisions
    (revision_id, page_id, parent_id, timestamp, "user", user_id, comment,
     content, size, sha1, minor, tags)
VALUES
    (:revision_id, :page_id, :parent_id, :timestamp, :user, :user_id, :comment,
     :content, :size, :sha1, :minor, :tags)
ON CONFLICT (revision_id) DO NOTHING`

// ValidateRevision checks the revision against its own checksum. The
// wiki reports a sha1 per revision; a row whose content does not hash to
// it is rejected rather than stored. An empty reported sha1 (suppressed
// revisions) is replaced with the computed one.
func ValidateRevision(r *Revision) error {
	sum := sha1.Sum([]byte(r.Content))
	computed := hex.EncodeToString(sum[:])
	if r.SHA1 == "" {
		r.SHA1 = computed
		return nil
	}
	if r.SHA1 != computed {
		return fmt.Errorf("%w: revision %d reported %s, computed %s",
			ErrChecksumMismatch, r.RevisionID, r.SHA1, computed)
	}
	return nil
}

// InsertRevision stores one revision idempotently. Returns true when
// the row was new.
func (d *DB) InsertRevision(ctx context.Context, r Revision) (bool, error) {
	var inserted int64
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		n, err := insertRevisionsTx(tx, []Revision{r})
		inserted = n
		return err
	})
	return inserted > 0, err
}

// InsertRevisions stores a batch atomically and returns how many rows
// were actually new. Parent pointers that refer to revisions neither in
// the batch nor already archived are stored as NULL; the wiki can
// expose children before their (suppressed or foreign) parents.
func (d *DB) InsertRevisions(ctx context.Context, revs []Revision) (int64, error) {
	if len(revs) == 0 {
		return 0, nil
	}
	var inserted int64
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		n, err := insertRevisionsTx(tx, revs)
		inserted = n
		return err
	})
	return inserted, err
}

func insertRevisionsTx(tx *sqlx.Tx, revs []Revision) (int64, error) {
	inBatch := make(map[int64]bool, len(revs))
	for i := range revs {
		if err := ValidateRevision(&revs[i]); err != nil {
			return 0, err
		}
		inBatch[revs[i].RevisionID] = true
	}

	// Order parents before children so the self-referencing foreign key
	// holds at every intermediate step.
	ordered := orderByParentage(revs)

	var inserted int64
	for _, r := range ordered {
		if r.ParentID != nil && !inBatch[*r.ParentID] {
			var exists bool
			if err := tx.Get(&exists,
				`SELECT COUNT(*) > 0 FROM revisions WHERE revision_id = ?`, *r.ParentID); err != nil {
				return 0, fmt.Errorf("storage: check parent %d: %w", *r.ParentID, err)
			}
			if !exists {
				r.ParentID = nil
			}
		}
		res, err := tx.NamedExec(insertRevisionSQL, r)
		if err != nil {
			return 0, fmt.Errorf("storage: insert revision %d: %w", r.RevisionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("storage: insert revision %d: %w", r.RevisionID, err)
		}
		inserted += n
	}
	return inserted, nil
}

// orderByParentage returns the batch with every in-batch parent placed
// before its children. Revision ids are not monotonic relative to
// parent ids, so this walks the parent links instead of sorting by id.
func orderByParentage(revs []Revision) []Revision {
	byID := make(map[int64]Revision, len(revs))
	for _, r := range revs {
		byID[r.RevisionID] = r
	}

	out := make([]Revision, 0, len(revs))
	placed := make(map[int64]bool, len(revs))

	var place func(r Revision)
	place = func(r Revision) {
		if placed[r.RevisionID] {
			return
		}
		// Mark first: a corrupt cycle must not recurse forever.
		placed[r.RevisionID] = true
		if r.ParentID != nil {
			if parent, ok := byID[*r.ParentID]; ok {
				place(parent)
			}
		}
		out = append(out, r)
	}
	for _, r := range revs {
		place(r)
	}
	return out
}

// GetLatestRevision returns the newest revision of a page by timestamp
// (revision id breaks ties).
func (d *DB) GetLatestRevision(ctx context.Context, pageID int64) (*Revision, error) {
	var r Revision
	err := d.db.GetContext(ctx, &r, `
		SELECT * FROM revisions
		WHERE page_id = ?
		ORDER BY timestamp DESC, revision_id DESC
		LIMIT 1`, pageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no revisions for page %d", ErrNotFound, pageID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: latest revision of page %d: %w", pageID, err)
	}
	return &r, nil
}

// GetRevisions returns a page's revisions oldest first, optionally
// restricted to those strictly after since.
func (d *DB) GetRevisions(ctx context.Context, pageID int64, since *time.Time) ([]Revision, error) {
	var revs []Revision
	var err error
	if since != nil {
		err = d.db.SelectContext(ctx, &revs, `
			SELECT * FROM revisions
			WHERE page_id = ? AND timestamp > ?
			ORDER BY timestamp ASC, revision_id ASC`, pageID, since.UTC())
	} else {
		err = d.db.SelectContext(ctx, &revs, `
			SELECT * FROM revisions
			WHERE page_id = ?
			ORDER BY timestamp ASC, revision_id ASC`, pageID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: revisions of page %d: %w", pageID, err)
	}
	return revs, nil
}

// CountRevisions returns the number of archived revisions.
func (d *DB) CountRevisions(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM revisions`); err != nil {
		return 0, fmt.Errorf("storage: count revisions: %w", err)
	}
	return n, nil
}
