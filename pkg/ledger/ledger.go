// Package ledger keeps the durable record of sessions in SQLite: per-animal
// sequence numbers, finished sessions and lifetime counters.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sequences (
	tag  TEXT PRIMARY KEY,
	next INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id       TEXT PRIMARY KEY,
	tag      TEXT NOT NULL,
	cage     INTEGER NOT NULL,
	seq      INTEGER NOT NULL,
	started  INTEGER NOT NULL,
	ended    INTEGER NOT NULL,
	trials   INTEGER NOT NULL,
	reason   TEXT NOT NULL,
	dir      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_tag ON sessions(tag, started);
CREATE TABLE IF NOT EXISTS counters (
	tag      TEXT PRIMARY KEY,
	sessions INTEGER NOT NULL DEFAULT 0,
	trials   INTEGER NOT NULL DEFAULT 0
);
`

var ErrDuplicateSession = errors.New("session already recorded")

// Record is one finished session.
type Record struct {
	ID      string
	Tag     string
	Cage    int
	Seq     int
	Started time.Time
	Ended   time.Time
	Trials  int
	Reason  string
	Dir     string
}

// Counters are an animal's lifetime totals.
type Counters struct {
	Sessions int
	Trials   int
}

// Store is the SQLite-backed ledger.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the ledger at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "ledger.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; sqlite serialises anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// NextSequence reserves the next sequence number for tag. Numbers start at 1
// and are never handed out twice, even when the session later fails.
func (s *Store) NextSequence(ctx context.Context, tag string) (seq int, retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx, `SELECT next FROM sequences WHERE tag = ?`, tag).Scan(&seq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		seq = 1
	case err != nil:
		return 0, fmt.Errorf("select sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO sequences (tag, next) VALUES (?, ?)
		ON CONFLICT(tag) DO UPDATE SET next = excluded.next`, tag, seq+1); err != nil {
		return 0, fmt.Errorf("update sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sequence: %w", err)
	}
	return seq, nil
}

// RecordSession stores a finished session and bumps the animal's counters in
// one transaction.
func (s *Store) RecordSession(ctx context.Context, r Record) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, r.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, r.ID)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions
		(id, tag, cage, seq, started, ended, trials, reason, dir)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Tag, r.Cage, r.Seq, r.Started.UnixMilli(), r.Ended.UnixMilli(), r.Trials, r.Reason, r.Dir); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO counters (tag, sessions, trials) VALUES (?, 1, ?)
		ON CONFLICT(tag) DO UPDATE SET sessions = sessions + 1, trials = trials + excluded.trials`,
		r.Tag, r.Trials); err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	return tx.Commit()
}

// Counters returns the lifetime totals for tag; unknown tags have zero
// totals.
func (s *Store) Counters(ctx context.Context, tag string) (Counters, error) {
	var c Counters
	err := s.db.QueryRowContext(ctx, `SELECT sessions, trials FROM counters WHERE tag = ?`, tag).
		Scan(&c.Sessions, &c.Trials)
	if errors.Is(err, sql.ErrNoRows) {
		return Counters{}, nil
	}
	if err != nil {
		return Counters{}, fmt.Errorf("select counters: %w", err)
	}
	return c, nil
}

// Sessions lists recorded sessions newest first. An empty tag lists all
// animals; limit <= 0 means no limit.
func (s *Store) Sessions(ctx context.Context, tag string, limit int) ([]Record, error) {
	query := `SELECT id, tag, cage, seq, started, ended, trials, reason, dir FROM sessions`
	var args []any
	if tag != "" {
		query += ` WHERE tag = ?`
		args = append(args, tag)
	}
	query += ` ORDER BY started DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r              Record
			started, ended int64
		)
		if err := rows.Scan(&r.ID, &r.Tag, &r.Cage, &r.Seq, &started, &ended, &r.Trials, &r.Reason, &r.Dir); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		r.Started = time.UnixMilli(started)
		r.Ended = time.UnixMilli(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}
