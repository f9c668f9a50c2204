// Package ledger records completed conversions in a SQLite database so that
// batch and watch runs can skip sources that were already converted.
//
// Entries are keyed on the BLAKE3 digest of the source archive and the target
// format, so a renamed or moved file is still recognised and an edited one is
// converted again.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	cerrors "github.com/FocuswithJustin/msczkit/core/errors"
	"github.com/FocuswithJustin/msczkit/core/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversions (
	digest     TEXT NOT NULL,
	format     TEXT NOT NULL,
	source     TEXT NOT NULL,
	output     TEXT NOT NULL,
	run_id     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (digest, format)
);
CREATE INDEX IF NOT EXISTS idx_conversions_source ON conversions(source);
`

// Entry is one recorded conversion.
type Entry struct {
	Digest    string
	Format    string
	Source    string
	Output    string
	RunID     string
	CreatedAt time.Time
}

// Ledger is a handle on the conversions database. It is safe for concurrent
// use.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
	}
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	return &Ledger{db: db, path: path}, nil
}

// OpenReadOnly opens an existing ledger for reading. A missing database
// yields an error wrapping errors.ErrNotFound; nothing is created.
func OpenReadOnly(path string) (*Ledger, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("ledger %s: %w", path, cerrors.ErrNotFound)
		}
		return nil, cerrors.NewIO("stat", path, err)
	}
	db, err := sqlite.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db, path: path}, nil
}

// Path returns the database file path.
func (l *Ledger) Path() string { return l.path }

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Seen reports whether digest was already converted to format.
func (l *Ledger) Seen(ctx context.Context, digest, format string) (bool, error) {
	_, ok, err := l.Lookup(ctx, digest, format)
	return ok, err
}

// Lookup returns the recorded conversion of digest to format, if any.
func (l *Ledger) Lookup(ctx context.Context, digest, format string) (Entry, bool, error) {
	var e Entry
	var created string
	err := l.db.QueryRowContext(ctx,
		"SELECT digest, format, source, output, run_id, created_at FROM conversions WHERE digest = ? AND format = ?",
		digest, format,
	).Scan(&e.Digest, &e.Format, &e.Source, &e.Output, &e.RunID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger: lookup: %w", err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return e, true, nil
}

// Record stores a conversion, replacing any earlier entry for the same
// digest and format.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversions (digest, format, source, output, run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Digest, e.Format, e.Source, e.Output, e.RunID, e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ledger: record %s: %w", e.Source, err)
	}
	return nil
}

// Forget removes every entry recorded for source.
func (l *Ledger) Forget(ctx context.Context, source string) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM conversions WHERE source = ?", source)
	if err != nil {
		return 0, fmt.Errorf("ledger: forget %s: %w", source, err)
	}
	return res.RowsAffected()
}

// Entries lists all entries ordered by creation time.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT digest, format, source, output, run_id, created_at FROM conversions ORDER BY created_at, source, format")
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.Digest, &e.Format, &e.Source, &e.Output, &e.RunID, &created); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}
