// Package store is the Plan State Store: the single source of truth for
// every admitted plan.
//
// Store keeps the latest committed snapshot of each plan in memory and
// writes it through to a durable Backend on every successful mutation, so a
// restarted process resumes from the last known state. Mutations go through
// Update, which serializes writers per plan (never across plans), rejects
// contention with ErrConcurrencyConflict, and refuses any change the plan
// state machine forbids.
package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/config"
	"github.com/fyrsmithlabs/plangate/internal/logging"
	"github.com/fyrsmithlabs/plangate/internal/plan"
)

var (
	// ErrNotFound indicates no plan with the given ID exists.
	ErrNotFound = errors.New("plan not found")

	// ErrDuplicateID indicates Create was called for an ID already stored.
	ErrDuplicateID = errors.New("duplicate plan id")

	// ErrConcurrencyConflict indicates another writer holds the plan. The
	// caller must retry its whole operation.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrImmutable is returned when a mutation touches frozen state.
	ErrImmutable = plan.ErrImmutable

	// ErrNotValidated indicates Create received a plan that did not pass admission.
	ErrNotValidated = errors.New("only validated plans may be stored")

	// ErrInvalidID indicates a plan ID unsafe for use as a storage key.
	ErrInvalidID = errors.New("invalid plan id")

	// ErrCorrupted indicates a stored snapshot could not be decoded.
	ErrCorrupted = errors.New("stored plan corrupted")
)

// ValidateID checks that id is safe as a file name and database key.
func ValidateID(id string) error {
	if !plan.ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Backend durably persists plan snapshots.
type Backend interface {
	// Insert stores a new plan, failing with ErrDuplicateID if present.
	Insert(ctx context.Context, p *plan.Plan) error

	// Load returns the stored plan or ErrNotFound.
	Load(ctx context.Context, id string) (*plan.Plan, error)

	// Save replaces the stored plan. It fails with ErrConcurrencyConflict
	// unless the stored snapshot's updated_at equals expected.
	Save(ctx context.Context, p *plan.Plan, expected time.Time) error

	// List returns summaries of every stored plan.
	List(ctx context.Context) ([]Summary, error)

	Close() error
}

// Summary is the listing view of a stored plan.
type Summary struct {
	ID        string      `json:"plan_id"`
	Status    plan.Status `json:"status"`
	Steps     int         `json:"steps"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Mutator edits a private copy of a plan. Returning an error discards the
// copy and leaves the stored plan untouched.
type Mutator func(p *plan.Plan) error

// Store is the in-memory, write-through view over a Backend.
type Store struct {
	backend    Backend
	maxRetries int
	logger     *logging.Logger

	mu     sync.Mutex
	locks  map[string]chan struct{}
	owners map[string]string
	cache  map[string]*plan.Plan
}

// New returns a Store over backend. maxRetries bounds step retry counts.
func New(backend Backend, maxRetries int, logger *logging.Logger) *Store {
	return &Store{
		backend:    backend,
		maxRetries: maxRetries,
		logger:     logging.OrNop(logger).Named("store"),
		locks:      make(map[string]chan struct{}),
		owners:     make(map[string]string),
		cache:      make(map[string]*plan.Plan),
	}
}

// Create stores a validated plan. The plan never enters the store otherwise.
func (s *Store) Create(ctx context.Context, p *plan.Plan) error {
	if p == nil {
		return fmt.Errorf("%w: nil plan", ErrNotValidated)
	}
	if err := ValidateID(p.ID); err != nil {
		return err
	}
	if p.Status != plan.StatusValidated {
		return fmt.Errorf("%w: plan %s has status %s", ErrNotValidated, p.ID, p.Status)
	}

	release, err := s.lock(p.ID)
	if err != nil {
		return err
	}
	defer release()

	snapshot := p.Clone()
	if err := s.backend.Insert(ctx, snapshot); err != nil {
		return fmt.Errorf("creating plan %s: %w", p.ID, err)
	}
	s.mu.Lock()
	s.cache[p.ID] = snapshot
	s.mu.Unlock()

	s.logger.Debug(ctx, "plan created", zap.String("plan.id", p.ID), zap.Int("steps", len(p.Steps)))
	return nil
}

// Get returns a copy of the current plan.
func (s *Store) Get(ctx context.Context, id string) (*plan.Plan, error) {
	p, err := s.current(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// List returns summaries of every stored plan sorted by ID.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	out, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Update applies mutate to a copy of plan id and commits it atomically.
// Only one Update per plan runs at a time; a concurrent caller gets
// ErrConcurrencyConflict. When the plan is claimed, only the owner carried
// in ctx (see WithOwner) may update it. A mutation that changes nothing is
// not persisted.
func (s *Store) Update(ctx context.Context, id string, mutate Mutator) (*plan.Plan, error) {
	release, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.checkOwner(ctx, id); err != nil {
		return nil, err
	}

	current, err := s.current(ctx, id)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if reflect.DeepEqual(current, next) {
		return next, nil
	}
	if err := plan.CheckMutation(current, next, s.maxRetries); err != nil {
		return nil, fmt.Errorf("updating plan %s: %w", id, err)
	}

	next.UpdatedAt = plan.Now()
	if !next.UpdatedAt.After(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt.Add(time.Nanosecond)
	}
	if err := s.backend.Save(ctx, next, current.UpdatedAt); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			s.mu.Lock()
			delete(s.cache, id)
			s.mu.Unlock()
		}
		return nil, fmt.Errorf("persisting plan %s: %w", id, err)
	}

	s.mu.Lock()
	s.cache[id] = next
	s.mu.Unlock()

	s.logger.Trace(ctx, "plan updated",
		zap.String("plan.id", id),
		zap.String("status", string(next.Status)))
	return next.Clone(), nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// current returns the cached snapshot, loading it on first use.
func (s *Store) current(ctx context.Context, id string) (*plan.Plan, error) {
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	p, ok := s.cache[id]
	s.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[id] = p
	s.mu.Unlock()
	return p, nil
}

// lock takes the per-plan write slot without waiting.
func (s *Store) lock(id string) (func(), error) {
	s.mu.Lock()
	slot, ok := s.locks[id]
	if !ok {
		slot = make(chan struct{}, 1)
		s.locks[id] = slot
	}
	s.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	default:
		return nil, fmt.Errorf("%w: plan %s is being modified", ErrConcurrencyConflict, id)
	}
}

// OpenBackend builds the backend named in cfg.
func OpenBackend(cfg config.StoreConfig) (Backend, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileBackend(cfg.Dir)
	case "sqlite":
		return NewSQLiteBackend(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
