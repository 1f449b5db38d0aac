package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/plangate/internal/store"
)

var (
	// ErrAlreadyWritten indicates a record for the plan exists.
	ErrAlreadyWritten = errors.New("evidence record already written")

	// ErrNotFound indicates no record exists for the plan.
	ErrNotFound = errors.New("evidence record not found")

	// ErrTampered indicates a stored record no longer matches its checksum.
	ErrTampered = errors.New("evidence checksum mismatch")
)

// Writer persists records as <dir>/<plan_id>.json. Each file is created
// exactly once.
type Writer struct {
	dir string
}

// NewWriter creates dir if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create evidence dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Path returns where the record for planID lives.
func (w *Writer) Path(planID string) string {
	return filepath.Join(w.dir, planID+".json")
}

// Write stamps the checksum on rec and persists it.
func (w *Writer) Write(rec *Record) (string, error) {
	if err := store.ValidateID(rec.PlanID); err != nil {
		return "", err
	}
	sum, err := ComputeChecksum(rec)
	if err != nil {
		return "", err
	}
	rec.Checksum = sum
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal evidence: %w", err)
	}

	path := w.Path(rec.PlanID)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0400)
	if errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("%w: %s", ErrAlreadyWritten, rec.PlanID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create evidence file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write evidence: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to sync evidence: %w", err)
	}
	return path, f.Close()
}

// Exists reports whether a record for planID was written.
func (w *Writer) Exists(planID string) bool {
	_, err := os.Stat(w.Path(planID))
	return err == nil
}

// Load reads and verifies the record for planID.
func (w *Writer) Load(planID string) (*Record, error) {
	if err := store.ValidateID(planID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(w.Path(planID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read evidence: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTampered, err)
	}
	sum, err := ComputeChecksum(&rec)
	if err != nil {
		return nil, err
	}
	if sum != rec.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrTampered, planID)
	}
	return &rec, nil
}
