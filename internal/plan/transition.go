package plan

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrInvalidTransition indicates a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrImmutable indicates a mutation touched state frozen by an earlier transition.
	ErrImmutable = errors.New("immutable field modified")

	// ErrUnapprovedRun indicates a gated step was started without an approval.
	ErrUnapprovedRun = errors.New("step requires approval before running")
)

var planTransitions = map[Status][]Status{
	StatusDraft:     {StatusValidated},
	StatusValidated: {StatusApproved, StatusAborted, StatusRequiresHuman},
	StatusApproved:  {StatusExecuting, StatusAborted, StatusRequiresHuman},
	StatusExecuting: {StatusCompleted, StatusAborted, StatusRequiresHuman},
}

var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:  {StepApproved, StepRejected, StepRunning, StepSkipped},
	StepApproved: {StepRunning},
	StepRunning:  {StepSucceeded, StepFailed},
	StepFailed:   {StepRunning},
}

// CanTransition checks a plan status change. Staying in place is allowed.
func CanTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, next := range planTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: plan %s -> %s", ErrInvalidTransition, from, to)
}

// CanTransitionStep checks a step status change. Staying in place is allowed.
func CanTransitionStep(from, to StepStatus) error {
	if from == to {
		return nil
	}
	for _, next := range stepTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: step %s -> %s", ErrInvalidTransition, from, to)
}

// CheckMutation verifies that after is a legal successor of before:
//   - plan and step status changes follow the state machines
//   - the step list is frozen once the plan left validated
//   - a gated step never enters running without an approving decision
//   - attempts are append-only and retry_count never exceeds maxRetries
//   - a step result, once set, is never replaced
func CheckMutation(before, after *Plan, maxRetries int) error {
	if before.ID != after.ID {
		return fmt.Errorf("%w: plan_id", ErrImmutable)
	}
	if !before.CreatedAt.Equal(after.CreatedAt) {
		return fmt.Errorf("%w: created_at", ErrImmutable)
	}
	if err := CanTransition(before.Status, after.Status); err != nil {
		return err
	}
	if before.Status.Terminal() && !reflect.DeepEqual(before, after) {
		return fmt.Errorf("%w: plan %s is terminal", ErrImmutable, before.Status)
	}
	if len(before.Steps) != len(after.Steps) {
		return fmt.Errorf("%w: step list", ErrImmutable)
	}

	frozen := before.Status != StatusDraft && before.Status != StatusValidated
	for i := range before.Steps {
		b, a := &before.Steps[i], &after.Steps[i]
		if !sameDefinition(b, a) {
			if frozen || b.ID != a.ID {
				return fmt.Errorf("%w: definition of step %s", ErrImmutable, b.ID)
			}
		}
		if err := checkStep(b, a, maxRetries); err != nil {
			return fmt.Errorf("step %s: %w", b.ID, err)
		}
	}
	if len(after.Diagnostics) < len(before.Diagnostics) ||
		!reflect.DeepEqual(before.Diagnostics, after.Diagnostics[:len(before.Diagnostics)]) {
		return fmt.Errorf("%w: diagnostics are append-only", ErrImmutable)
	}
	if before.ApproveAllGrant != nil && !reflect.DeepEqual(before.ApproveAllGrant, after.ApproveAllGrant) {
		return fmt.Errorf("%w: approve_all grant", ErrImmutable)
	}
	return nil
}

func checkStep(b, a *Step, maxRetries int) error {
	if err := CanTransitionStep(b.Status, a.Status); err != nil {
		return err
	}
	if a.Status == StepRunning && b.Status != StepRunning && a.RequiresApproval {
		if a.Approval == nil || !a.Approval.Decision.Approves() {
			return ErrUnapprovedRun
		}
	}
	if b.Approval != nil && !reflect.DeepEqual(b.Approval, a.Approval) {
		return fmt.Errorf("%w: approval", ErrImmutable)
	}
	if a.RetryCount < b.RetryCount || a.RetryCount > maxRetries {
		return fmt.Errorf("%w: retry_count %d (max %d)", ErrImmutable, a.RetryCount, maxRetries)
	}
	if len(a.Attempts) < len(b.Attempts) {
		return fmt.Errorf("%w: attempts are append-only", ErrImmutable)
	}
	for i := range b.Attempts {
		// The open attempt may be finalized; closed attempts are frozen.
		if b.Attempts[i].FinishedAt.IsZero() && i == len(b.Attempts)-1 {
			continue
		}
		if !reflect.DeepEqual(b.Attempts[i], a.Attempts[i]) {
			return fmt.Errorf("%w: attempt %d", ErrImmutable, i+1)
		}
	}
	if b.Result != nil && !reflect.DeepEqual(b.Result, a.Result) {
		return fmt.Errorf("%w: result", ErrImmutable)
	}
	return nil
}

func sameDefinition(b, a *Step) bool {
	return b.ID == a.ID &&
		b.ActionKind == a.ActionKind &&
		b.Target == a.Target &&
		b.Description == a.Description &&
		b.RequiresApproval == a.RequiresApproval &&
		b.HITLRequired == a.HITLRequired &&
		reflect.DeepEqual(b.DependsOn, a.DependsOn) &&
		b.ExpectedOutcome == a.ExpectedOutcome &&
		b.Content == a.Content &&
		b.Timeout == a.Timeout &&
		b.Rollback == a.Rollback
}
