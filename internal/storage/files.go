package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UpsertFile creates or replaces file metadata by filename. Files are
// keyed by name, not by page: re-uploads replace the row.
func (d *DB) UpsertFile(ctx context.Context, f File) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExec(`
			INSERT INTO files
			    (filename, url, description_url, sha1, size, width, height,
			     mime_type, uploaded_at, uploader)
			VALUES
			    (:filename, :url, :description_url, :sha1, :size, :width, :height,
			     :mime_type, :uploaded_at, :uploader)
			ON CONFLICT (filename) DO UPDATE SET
			    url             = excluded.url,
			    description_url = excluded.description_url,
			    sha1            = excluded.sha1,
			    size            = excluded.size,
			    width           = excluded.width,
			    height          = excluded.height,
			    mime_type       = excluded.mime_type,
			    uploaded_at     = excluded.uploaded_at,
			    uploader        = excluded.uploader`, f); err != nil {
			return fmt.Errorf("storage: upsert file %q: %w", f.Filename, err)
		}
		return nil
	})
}

// GetFile looks file metadata up by filename.
func (d *DB) GetFile(ctx context.Context, filename string) (*File, error) {
	var f File
	err := d.db.GetContext(ctx, &f, `SELECT * FROM files WHERE filename = ?`, filename)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: file %q", ErrNotFound, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get file %q: %w", filename, err)
	}
	return &f, nil
}

// CountFiles returns the number of archived files.
func (d *DB) CountFiles(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM files`); err != nil {
		return 0, fmt.Errorf("storage: count files: %w", err)
	}
	return n, nil
}
