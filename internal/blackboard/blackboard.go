// Package blackboard holds the process-wide orchestration context: which
// plan, phase and step are active right now, free-form shared context, and
// an append-only history of every change.
//
// The head fields are last-writer-wins; every write also appends a history
// entry, so nothing is lost when writers race. State is persisted as
// state.json (rewritten atomically) and history.jsonl (append-only), both
// readable by external tools without going through this package.
package blackboard

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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/events"
	"github.com/fyrsmithlabs/plangate/internal/logging"
)

const (
	stateFile   = "state.json"
	historyFile = "history.jsonl"

	// valueLimit caps the old/new values recorded in history.
	valueLimit = 100
)

var (
	// ErrUnattributed indicates a write without a plan ID or actor.
	ErrUnattributed = errors.New("blackboard writes must be attributed")

	// ErrReadOnlyKey indicates a write to a key only the blackboard manages.
	ErrReadOnlyKey = errors.New("read-only blackboard key")

	// ErrInvalidKey indicates an empty or malformed key.
	ErrInvalidKey = errors.New("invalid blackboard key")
)

// Attribution identifies who is writing.
type Attribution struct {
	PlanID string `json:"plan_id,omitempty"`
	Phase  string `json:"phase,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

func (a Attribution) valid() bool {
	return a.PlanID != "" || a.Actor != ""
}

// PhaseResult is recorded when a phase ends.
type PhaseResult struct {
	PlanID      string                 `json:"plan_id,omitempty"`
	Actor       string                 `json:"actor,omitempty"`
	CompletedAt time.Time              `json:"completed_at"`
	Result      map[string]interface{} `json:"result,omitempty"`
}

// ErrorEntry is one entry in the shared error log.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	PlanID    string    `json:"plan_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Error     string    `json:"error"`
}

// State is the persisted blackboard snapshot.
type State struct {
	Version        uint64                 `json:"version"`
	CurrentPlanID  string                 `json:"current_plan_id"`
	CurrentPhase   string                 `json:"current_phase"`
	CurrentStepID  string                 `json:"current_step_id"`
	CurrentActor   string                 `json:"current_actor"`
	PhaseStartedAt *time.Time             `json:"phase_started_at,omitempty"`
	Context        map[string]interface{} `json:"context"`
	Results        map[string]PhaseResult `json:"results"`
	Errors         []ErrorEntry           `json:"errors"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func emptyState(now time.Time) State {
	return State{
		Context:   map[string]interface{}{},
		Results:   map[string]PhaseResult{},
		Errors:    []ErrorEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HistoryEntry records one change.
type HistoryEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Version   uint64    `json:"version"`
	Key       string    `json:"key"`
	OldValue  *string   `json:"old_value"`
	NewValue  *string   `json:"new_value"`
	PlanID    string    `json:"plan_id,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Actor     string    `json:"actor,omitempty"`
}

// Blackboard is safe for concurrent use.
type Blackboard struct {
	dir       string
	publisher events.Publisher
	logger    *logging.Logger

	mu    sync.Mutex
	state State
	last  time.Time
}

// Open loads the blackboard persisted in dir, or starts empty.
func Open(dir string, publisher events.Publisher, logger *logging.Logger) (*Blackboard, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blackboard directory: %w", err)
	}
	b := &Blackboard{
		dir:       dir,
		publisher: events.OrNop(publisher),
		logger:    logging.OrNop(logger).Named("blackboard"),
	}
	st, err := b.load()
	if err != nil {
		return nil, err
	}
	b.state = st
	return b, nil
}

// Snapshot returns a deep copy of the current state.
func (b *Blackboard) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, err := b.load(); err == nil {
		b.state = st
	}
	return copyState(b.state)
}

// Get resolves a dot-notation key such as "current_phase" or
// "context.files.main".
func (b *Blackboard) Get(key string) (interface{}, bool) {
	st := b.Snapshot()
	return lookup(st, key)
}

// Set writes one key. Only the head fields (current_plan_id,
// current_phase, current_step_id, current_actor) and keys under
// "context." are writable.
func (b *Blackboard) Set(ctx context.Context, attr Attribution, key string, value interface{}) error {
	return b.Update(ctx, attr, map[string]interface{}{key: value})
}

// Update writes several keys as one persisted change. Keys are applied in
// sorted order so history is deterministic.
func (b *Blackboard) Update(ctx context.Context, attr Attribution, values map[string]interface{}) error {
	if !attr.valid() {
		return ErrUnattributed
	}
	keys := sortedKeys(values)
	for _, k := range keys {
		if err := checkWritable(k); err != nil {
			return err
		}
	}
	return b.mutate(ctx, attr, func(st *State) ([]change, error) {
		var changes []change
		for _, k := range keys {
			old, _ := lookup(*st, k)
			if err := assign(st, k, values[k]); err != nil {
				return nil, err
			}
			changes = append(changes, change{key: k, old: old, new: values[k]})
		}
		return changes, nil
	})
}

// StartPhase marks phase as active for the attributed plan.
func (b *Blackboard) StartPhase(ctx context.Context, attr Attribution, stepID string) error {
	if attr.Phase == "" {
		return fmt.Errorf("%w: phase required", ErrInvalidKey)
	}
	actor := attr.Actor
	return b.mutate(ctx, attr, func(st *State) ([]change, error) {
		now := b.now()
		changes := []change{
			{"current_plan_id", st.CurrentPlanID, attr.PlanID},
			{"current_phase", st.CurrentPhase, attr.Phase},
			{"current_step_id", st.CurrentStepID, stepID},
			{"current_actor", st.CurrentActor, actor},
		}
		st.CurrentPlanID, st.CurrentPhase, st.CurrentStepID, st.CurrentActor = attr.PlanID, attr.Phase, stepID, actor
		st.PhaseStartedAt = &now
		return changes, nil
	})
}

// EndPhase records result under the current phase and clears it. The
// result key is "<plan_id>/<phase>" so concurrent plans do not collide.
func (b *Blackboard) EndPhase(ctx context.Context, attr Attribution, result map[string]interface{}) error {
	return b.mutate(ctx, attr, func(st *State) ([]change, error) {
		phase := attr.Phase
		if phase == "" {
			phase = st.CurrentPhase
		}
		if phase == "" {
			return nil, nil
		}
		key := phase
		if attr.PlanID != "" {
			key = attr.PlanID + "/" + phase
		}
		st.Results[key] = PhaseResult{PlanID: attr.PlanID, Actor: attr.Actor, CompletedAt: b.now(), Result: result}
		changes := []change{{"results." + key, nil, result}}
		if st.CurrentPhase == phase && (attr.PlanID == "" || st.CurrentPlanID == attr.PlanID) {
			changes = append(changes, change{"current_phase", st.CurrentPhase, ""})
			st.CurrentPhase = ""
			st.PhaseStartedAt = nil
		}
		return changes, nil
	})
}

// AddError appends to the shared error log.
func (b *Blackboard) AddError(ctx context.Context, attr Attribution, msg string) error {
	return b.mutate(ctx, attr, func(st *State) ([]change, error) {
		st.Errors = append(st.Errors, ErrorEntry{Timestamp: b.now(), PlanID: attr.PlanID, Actor: attr.Actor, Error: msg})
		return []change{{"errors", nil, msg}}, nil
	})
}

// Clear resets the state. It is an operator action and never happens
// implicitly. With keepHistory false the history file is removed too.
func (b *Blackboard) Clear(ctx context.Context, actor string, keepHistory bool) error {
	if actor == "" {
		return ErrUnattributed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st := emptyState(b.now())
	if err := b.save(st); err != nil {
		return err
	}
	b.state = st
	if keepHistory {
		if err := b.appendHistory(HistoryEntry{
			ID: uuid.New().String(), Timestamp: st.UpdatedAt, Key: "*", Actor: actor,
		}); err != nil {
			return err
		}
	} else if err := os.Remove(filepath.Join(b.dir, historyFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove history: %w", err)
	}

	e := events.New(events.BlackboardCleared, "")
	e.Actor = actor
	e.Data = map[string]interface{}{"keep_history": keepHistory}
	b.publish(ctx, e)
	b.logger.Info(ctx, "blackboard cleared", zap.String("actor", actor), zap.Bool("keep_history", keepHistory))
	return nil
}

// History returns the most recent limit entries, oldest first. A limit
// of zero or less returns everything.
func (b *Blackboard) History(limit int) ([]HistoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return readHistory(filepath.Join(b.dir, historyFile), limit)
}

type change struct {
	key      string
	old, new interface{}
}

// mutate reloads the persisted state, applies fn, then persists the state
// and one history entry per change.
func (b *Blackboard) mutate(ctx context.Context, attr Attribution, fn func(*State) ([]change, error)) error {
	if !attr.valid() {
		return ErrUnattributed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.load()
	if err != nil {
		return err
	}
	st = copyState(st)
	changes, err := fn(&st)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	st.Version++
	st.UpdatedAt = b.now()
	if err := b.save(st); err != nil {
		return err
	}
	b.state = st

	for _, c := range changes {
		entry := HistoryEntry{
			ID:        uuid.New().String(),
			Timestamp: st.UpdatedAt,
			Version:   st.Version,
			Key:       c.key,
			OldValue:  render(c.old),
			NewValue:  render(c.new),
			PlanID:    attr.PlanID,
			Phase:     attr.Phase,
			Actor:     attr.Actor,
		}
		if err := b.appendHistory(entry); err != nil {
			return err
		}
	}

	e := events.New(events.BlackboardUpdated, "")
	e.Actor, e.Phase = attr.Actor, attr.Phase
	e.Data = map[string]interface{}{"version": st.Version, "keys": changeKeys(changes), "plan_id": attr.PlanID}
	b.publish(ctx, e)
	return nil
}

func (b *Blackboard) publish(ctx context.Context, e events.Event) {
	if err := b.publisher.Publish(ctx, e); err != nil {
		b.logger.Warn(ctx, "publishing blackboard event failed", zap.Error(err))
	}
}

// now returns a wall-clock time that never goes backwards for this
// blackboard, keeping history globally ordered.
func (b *Blackboard) now() time.Time {
	t := time.Now().UTC()
	if !t.After(b.last) {
		t = b.last.Add(time.Microsecond)
	}
	b.last = t
	return t
}

func changeKeys(changes []change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.key
	}
	return out
}

// render stringifies v for history, truncated to valueLimit runes.
func render(v interface{}) *string {
	if v == nil {
		return nil
	}
	var s string
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		s = t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			s = fmt.Sprint(t)
		} else {
			s = string(data)
		}
	}
	if r := []rune(s); len(r) > valueLimit {
		s = string(r[:valueLimit])
	}
	return &s
}

func checkWritable(key string) error {
	switch key {
	case "current_plan_id", "current_phase", "current_step_id", "current_actor":
		return nil
	}
	if rest, ok := strings.CutPrefix(key, "context."); ok {
		for _, part := range strings.Split(rest, ".") {
			if part == "" {
				return fmt.Errorf("%w: %q", ErrInvalidKey, key)
			}
		}
		return nil
	}
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	return fmt.Errorf("%w: %q", ErrReadOnlyKey, key)
}
