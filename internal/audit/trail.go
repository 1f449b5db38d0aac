// Package audit keeps an append-only, hash-chained record of security
// relevant orchestration events.
//
// Each JSONL line carries the HMAC-SHA256 of its own canonical form and the
// hash of the line before it ("GENESIS" for the first), so removing,
// reordering or editing a line breaks the chain at that point.
package audit

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/events"
	"github.com/fyrsmithlabs/plangate/internal/logging"
)

// Genesis is the previous hash of the first entry.
const Genesis = "GENESIS"

var (
	// ErrMissingKey indicates an empty HMAC key.
	ErrMissingKey = errors.New("audit key is required")

	// ErrCorrupted indicates the trail cannot be parsed.
	ErrCorrupted = errors.New("audit trail corrupted")
)

// Severity of an entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Entry is one audit line.
type Entry struct {
	ID           string                 `json:"id"`
	Sequence     uint64                 `json:"sequence"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    string                 `json:"event_type"`
	Actor        string                 `json:"actor"`
	Severity     Severity               `json:"severity"`
	PlanID       string                 `json:"plan_id,omitempty"`
	StepID       string                 `json:"step_id,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Hostname     string                 `json:"hostname"`
	PreviousHash string                 `json:"previous_hash"`
	EntryHash    string                 `json:"entry_hash"`
}

// audited maps the event types recorded in the trail to their severity.
var audited = map[string]Severity{
	events.PlanCreated:       SeverityInfo,
	events.PlanApproved:      SeverityInfo,
	events.PlanRejected:      SeverityWarning,
	events.StepExecuted:      SeverityInfo,
	events.SecurityBlock:     SeverityCritical,
	events.PlanCompleted:     SeverityInfo,
	events.PlanAborted:       SeverityWarning,
	events.PlanRequiresHuman: SeverityWarning,
	events.BlackboardCleared: SeverityWarning,
}

// Trail appends to one JSONL file.
type Trail struct {
	path     string
	key      []byte
	hostname string
	logger   *logging.Logger

	mu   sync.Mutex
	seq  uint64
	last string
}

// Open opens (or creates) the trail at path and positions it after the
// last entry.
func Open(path string, key []byte, logger *logging.Logger) (*Trail, error) {
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "local"
	}
	t := &Trail{path: path, key: key, hostname: host, logger: logging.OrNop(logger).Named("audit"), last: Genesis}

	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		t.seq = entries[n-1].Sequence
		t.last = entries[n-1].EntryHash
	}
	return t, nil
}

// LoadOrCreateKey reads a hex key from path, generating a random 32-byte
// key there (mode 0600) when the file does not exist.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) == 0 {
			return nil, fmt.Errorf("invalid audit key file %s", path)
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read audit key: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate audit key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, fs.ErrExist) {
		return LoadOrCreateKey(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create audit key: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		return nil, fmt.Errorf("failed to write audit key: %w", err)
	}
	return key, nil
}

// Path returns the trail file.
func (t *Trail) Path() string { return t.path }

// Log appends an entry. ID, sequence, timestamp, hostname and hashes are
// filled in; the completed entry is returned.
func (t *Trail) Log(ctx context.Context, e Entry) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.ID = uuid.New().String()
	e.Sequence = t.seq + 1
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	e.Hostname = t.hostname
	e.PreviousHash = t.last
	e.EntryHash = ""

	sum, err := t.sign(e)
	if err != nil {
		return Entry{}, err
	}
	e.EntryHash = sum

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open audit trail: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("failed to append audit entry: %w", err)
	}

	t.seq = e.Sequence
	t.last = e.EntryHash
	t.logger.Debug(ctx, "audit entry appended",
		zap.String("event_type", e.EventType),
		zap.Uint64("sequence", e.Sequence))
	return e, nil
}

// Publish records audited event types and ignores the rest, so a Trail can
// sit behind events.Multi next to the NATS publisher.
func (t *Trail) Publish(ctx context.Context, ev events.Event) error {
	sev, ok := audited[ev.Type]
	if !ok {
		return nil
	}
	_, err := t.Log(ctx, Entry{
		Timestamp: ev.Timestamp,
		EventType: ev.Type,
		Actor:     ev.Actor,
		Severity:  sev,
		PlanID:    ev.PlanID,
		StepID:    ev.StepID,
		Details:   ev.Data,
	})
	return err
}

// Entries returns the last limit entries (all when limit <= 0).
func (t *Trail) Entries(limit int) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries, err := readEntries(t.path)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Report is the result of Verify.
type Report struct {
	Valid   bool      `json:"valid"`
	Entries int       `json:"entries"`
	Errors  []string  `json:"errors"`
	First   time.Time `json:"first_entry,omitempty"`
	Last    time.Time `json:"last_entry,omitempty"`
}

// Verify walks the whole chain.
func (t *Trail) Verify() (Report, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return verify(t.path, t.key)
}

// Verify checks the trail at path with key without opening it for writing.
func Verify(path string, key []byte) (Report, error) {
	if len(key) == 0 {
		return Report{}, ErrMissingKey
	}
	return verify(path, key)
}

func verify(path string, key []byte) (Report, error) {
	entries, err := readEntries(path)
	if err != nil {
		return Report{}, err
	}
	r := Report{Entries: len(entries), Errors: []string{}}
	if len(entries) > 0 {
		r.First = entries[0].Timestamp
		r.Last = entries[len(entries)-1].Timestamp
	}
	tmp := &Trail{key: key}
	prev := Genesis
	for i, e := range entries {
		if e.PreviousHash != prev {
			r.Errors = append(r.Errors, fmt.Sprintf("entry %d: chain broken", e.Sequence))
		}
		if e.Sequence != uint64(i+1) {
			r.Errors = append(r.Errors, fmt.Sprintf("entry %d: expected sequence %d", e.Sequence, i+1))
		}
		want := e.EntryHash
		e.EntryHash = ""
		got, err := tmp.sign(e)
		if err != nil {
			return Report{}, err
		}
		if !hmac.Equal([]byte(got), []byte(want)) {
			r.Errors = append(r.Errors, fmt.Sprintf("entry %d: hash mismatch", e.Sequence))
		}
		prev = want
	}
	r.Valid = len(r.Errors) == 0
	return r, nil
}

// sign computes the HMAC of e in canonical form (EntryHash empty). Details
// are normalized through JSON first so a value signs the same before and
// after a round trip through the file.
func (t *Trail) sign(e Entry) (string, error) {
	if e.Details != nil {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return "", fmt.Errorf("failed to marshal audit details: %w", err)
		}
		var norm map[string]interface{}
		if err := json.Unmarshal(data, &norm); err != nil {
			return "", fmt.Errorf("failed to normalize audit details: %w", err)
		}
		e.Details = norm
	}
	canonical, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	mac := hmac.New(sha256.New, t.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit trail: %w", err)
	}
	defer f.Close()

	out := []Entry{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorrupted, line, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	return out, nil
}

var _ events.Publisher = (*Trail)(nil)
