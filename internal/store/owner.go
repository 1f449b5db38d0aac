package store

import (
	"context"
	"fmt"
)

type ownerKey struct{}

// WithOwner tags ctx with the identity used for ownership checks.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the owner set by WithOwner, or "".
func OwnerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey{}).(string); ok {
		return v
	}
	return ""
}

// Claim gives owner exclusive write access to plan id until Release.
// Claiming a plan already held by owner is a no-op.
func (s *Store) Claim(ctx context.Context, id, owner string) error {
	if owner == "" {
		return fmt.Errorf("claim %s: owner required", id)
	}
	if _, err := s.current(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.owners[id]; ok && held != owner {
		return fmt.Errorf("%w: plan %s is owned by %s", ErrConcurrencyConflict, id, held)
	}
	s.owners[id] = owner
	return nil
}

// Release drops owner's claim on plan id. Releasing a claim held by
// someone else does nothing.
func (s *Store) Release(id, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owners[id] == owner {
		delete(s.owners, id)
	}
}

// Owner returns the current owner of plan id, or "".
func (s *Store) Owner(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owners[id]
}

func (s *Store) checkOwner(ctx context.Context, id string) error {
	s.mu.Lock()
	held, ok := s.owners[id]
	s.mu.Unlock()
	if ok && held != OwnerFromContext(ctx) {
		return fmt.Errorf("%w: plan %s is owned by %s", ErrConcurrencyConflict, id, held)
	}
	return nil
}
