package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/plangate/internal/plan"
)

// FileBackend stores one JSON snapshot per plan: <dir>/<plan_id>.json.
// Snapshots are replaced atomically, so external readers never observe a
// partial write.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(id string) string {
	return filepath.Join(b.dir, id+".json")
}

// Insert writes a new snapshot with O_EXCL semantics.
func (b *FileBackend) Insert(_ context.Context, p *plan.Plan) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	f, err := os.OpenFile(b.path(p.ID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
		}
		return fmt.Errorf("failed to create plan file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(b.path(p.ID))
		return fmt.Errorf("failed to write plan: %w", err)
	}
	return f.Close()
}

// Load reads a snapshot.
func (b *FileBackend) Load(_ context.Context, id string) (*plan.Plan, error) {
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var p plan.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, id, err)
	}
	return &p, nil
}

// Save replaces a snapshot via tmp file and rename.
func (b *FileBackend) Save(ctx context.Context, p *plan.Plan, expected time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, err := b.Load(ctx, p.ID)
	if err != nil {
		return err
	}
	if !stored.UpdatedAt.Equal(expected) {
		return fmt.Errorf("%w: plan %s changed on disk", ErrConcurrencyConflict, p.ID)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	target := b.path(p.ID)
	tmpPath := target + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename plan: %w", err)
	}
	return nil
}

// List decodes every snapshot in the directory.
func (b *FileBackend) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}
	var out []Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		p, err := b.Load(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{ID: p.ID, Status: p.Status, Steps: len(p.Steps), UpdatedAt: p.UpdatedAt})
	}
	return out, nil
}

// Close is a no-op.
func (b *FileBackend) Close() error { return nil }

var _ Backend = (*FileBackend)(nil)
