// Package storage owns all persistent state of the archive: the
// embedded relational database holding pages, revisions, files, the
// link graph, run metadata, and the trigger-maintained latest-content
// projection.
//
// The schema sticks to the portable SQL subset so the same DDL loads on
// a server engine; only the embedded driver is linked here. All writes
// go through a single connection; readers may be concurrent.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrFutureSchema is returned by Open when the database was initialised
// by a newer archiver version.
var ErrFutureSchema = errors.New("storage: database schema is newer than this build supports")

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("storage: not found")

// ErrTitleConflict is returned when an upsert or rename would violate
// the (namespace, title) uniqueness invariant.
var ErrTitleConflict = errors.New("storage: (namespace, title) already taken by another page")

// ErrChecksumMismatch is returned when a revision's sha1 does not match
// its content; such revisions are rejected at the repository boundary.
var ErrChecksumMismatch = errors.New("storage: revision sha1 does not match content")

// ErrRunActive is returned when a new run would overlap a run still in
// running state on the same database.
var ErrRunActive = errors.New("storage: another scrape run is already running")

// DB wraps the embedded database and exposes the repositories.
type DB struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the archive database at path,
// applies the schema to an empty database, and validates the recorded
// schema version otherwise.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sdb, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	// Single writer connection; WAL still allows concurrent readers on
	// their own handles. Keeping one pooled connection serializes all
	// repository writes without extra locking.
	sdb.SetMaxOpenConns(1)

	d := &DB{db: sdb, logger: logger}
	if err := d.migrate(ctx); err != nil {
		sdb.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.db.Close() }

// Ping verifies the connection is alive.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

func (d *DB) migrate(ctx context.Context) error {
	var hasVersionTable bool
	err := d.db.GetContext(ctx, &hasVersionTable,
		`SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`)
	if err != nil {
		return fmt.Errorf("storage: inspect schema: %w", err)
	}

	if !hasVersionTable {
		d.logger.Info("initialising empty database")
		if _, err := d.db.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("storage: apply schema: %w", err)
		}
		if _, err := d.db.ExecContext(ctx, triggerSQL); err != nil {
			return fmt.Errorf("storage: apply triggers: %w", err)
		}
		if _, err := d.db.ExecContext(ctx,
			`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			SchemaVersion, time.Now().UTC()); err != nil {
			return fmt.Errorf("storage: record schema version: %w", err)
		}
		return nil
	}

	var version int
	if err := d.db.GetContext(ctx, &version, `SELECT MAX(version) FROM schema_version`); err != nil {
		return fmt.Errorf("storage: read schema version: %w", err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("%w: found version %d, supported up to %d", ErrFutureSchema, version, SchemaVersion)
	}
	d.logger.Debug("database opened", "schema_version", version)
	return nil
}

// inTx runs fn inside one transaction, rolling back on error.
func (d *DB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// isUniqueViolation recognises uniqueness-constraint failures from the
// embedded driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
