package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/plangate/internal/plan"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// SQLiteBackend stores snapshots in a single table, one JSON document per
// plan, with status and updated_at mirrored into columns for listing.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS plans (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			steps      INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			data       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);
	`)
	return err
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Insert adds a new row.
func (b *SQLiteBackend) Insert(ctx context.Context, p *plan.Plan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: marshal plan: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO plans (id, status, steps, updated_at, data) VALUES (?, ?, ?, ?, ?)`,
		p.ID, string(p.Status), len(p.Steps), stamp(p.UpdatedAt), string(data))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
		}
		return fmt.Errorf("store: insert plan: %w", err)
	}
	return nil
}

// Load reads one row.
func (b *SQLiteBackend) Load(ctx context.Context, id string) (*plan.Plan, error) {
	var data string
	err := b.db.QueryRowContext(ctx, `SELECT data FROM plans WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load plan: %w", err)
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, id, err)
	}
	return &p, nil
}

// Save updates the row only if its updated_at still equals expected.
func (b *SQLiteBackend) Save(ctx context.Context, p *plan.Plan, expected time.Time) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: marshal plan: %w", err)
	}
	res, err := b.db.ExecContext(ctx,
		`UPDATE plans SET status = ?, steps = ?, updated_at = ?, data = ? WHERE id = ? AND updated_at = ?`,
		string(p.Status), len(p.Steps), stamp(p.UpdatedAt), string(data), p.ID, stamp(expected))
	if err != nil {
		return fmt.Errorf("store: update plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update plan: %w", err)
	}
	if n == 0 {
		if _, err := b.Load(ctx, p.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: plan %s changed in database", ErrConcurrencyConflict, p.ID)
	}
	return nil
}

// List returns every row's summary columns.
func (b *SQLiteBackend) List(ctx context.Context) ([]Summary, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, status, steps, updated_at FROM plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list plans: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			s       Summary
			status  string
			updated string
		)
		if err := rows.Scan(&s.ID, &status, &s.Steps, &updated); err != nil {
			return nil, fmt.Errorf("store: scan plan: %w", err)
		}
		s.Status = plan.Status(status)
		if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			s.UpdatedAt = t.UTC()
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

var _ Backend = (*SQLiteBackend)(nil)
