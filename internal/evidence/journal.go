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

// Journal holds the parts of a run that do not live on the plan snapshot.
// It is rewritten as they accumulate so a resumed run can still put them in
// the record.
type Journal struct {
	Verification []VerificationResult `json:"verification,omitempty"`
	Scans        []ScanRecord         `json:"scans,omitempty"`
}

func (w *Writer) journalPath(planID string) string {
	return filepath.Join(w.dir, planID+".journal.json")
}

// SaveJournal atomically replaces the journal for planID.
func (w *Writer) SaveJournal(planID string, j Journal) error {
	if err := store.ValidateID(planID); err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal journal: %w", err)
	}
	path := w.journalPath(planID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	return nil
}

// LoadJournal returns the journal for planID, empty if none was saved.
func (w *Writer) LoadJournal(planID string) (Journal, error) {
	if err := store.ValidateID(planID); err != nil {
		return Journal{}, err
	}
	data, err := os.ReadFile(w.journalPath(planID))
	if errors.Is(err, fs.ErrNotExist) {
		return Journal{}, nil
	}
	if err != nil {
		return Journal{}, fmt.Errorf("failed to read journal: %w", err)
	}
	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return Journal{}, fmt.Errorf("failed to decode journal %s: %w", planID, err)
	}
	return j, nil
}

// RemoveJournal deletes the journal once the record is written.
func (w *Writer) RemoveJournal(planID string) error {
	err := os.Remove(w.journalPath(planID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove journal: %w", err)
	}
	return nil
}
