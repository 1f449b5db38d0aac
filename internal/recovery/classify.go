// Package recovery decides what happens after a step fails: retry it, or
// stop and hand the plan to a human.
//
// Both halves are explicit functions. Classify maps an error onto a
// plan.ErrorClass and Policy.Decide maps (retry count, class) onto an
// Action. Nothing here retries anything itself; the orchestrator owns the
// loop.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/fyrsmithlabs/plangate/internal/plan"
)

var (
	// ErrTransient marks failures worth retrying.
	ErrTransient = errors.New("transient step failure")

	// ErrNonTransient marks failures that escalate immediately.
	ErrNonTransient = errors.New("non-transient step failure")
)

// escalationKeywords force a non-transient classification when they appear
// in the root cause of an error.
var escalationKeywords = []string{
	"security",
	"unauthorized",
	"permission denied",
	"api key",
	"authentication",
}

// StepError carries an explicit classification from an executor.
type StepError struct {
	Class plan.ErrorClass
	Err   error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return e.Err.Error()
}

func (e *StepError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrTransient and ErrNonTransient.
func (e *StepError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Class == plan.ClassTransient
	case ErrNonTransient:
		return e.Class != plan.ClassTransient && e.Class != plan.ClassCancelled
	}
	return false
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &StepError{Class: plan.ClassTransient, Err: err}
}

// NonTransient wraps err as a failure that must not be retried.
func NonTransient(err error) error {
	return &StepError{Class: plan.ClassNonTransient, Err: err}
}

// Transientf formats a transient failure.
func Transientf(format string, args ...interface{}) error {
	return Transient(fmt.Errorf(format, args...))
}

// Classify maps err onto an error class:
//
//   - cancellation is ClassCancelled
//   - an escalation keyword in the root cause is non-transient
//   - an explicit StepError class is kept
//   - timeouts and missing resources are transient
//   - everything else is non-transient
func Classify(err error) plan.ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return plan.ClassCancelled
	}
	if hasEscalationKeyword(rootCause(err).Error()) {
		var se *StepError
		if errors.As(err, &se) && se.Class != plan.ClassTransient {
			return se.Class
		}
		return plan.ClassNonTransient
	}

	var se *StepError
	if errors.As(err, &se) {
		return se.Class
	}
	if isTimeout(err) || errors.Is(err, fs.ErrNotExist) {
		return plan.ClassTransient
	}
	return plan.ClassNonTransient
}

// IsTransient reports whether err would be retried.
func IsTransient(err error) bool {
	return Classify(err) == plan.ClassTransient
}

// rootCause follows the wrap chain to its innermost error. Wrapping layers
// such as "read <target>: ..." carry plan-supplied paths, so keywords are
// only looked for in the cause itself.
func rootCause(err error) error {
	for {
		var next error
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			next = u.Unwrap()
		case interface{ Unwrap() []error }:
			if errs := u.Unwrap(); len(errs) > 0 {
				next = errs[0]
			}
		}
		if next == nil {
			return err
		}
		err = next
	}
}

func hasEscalationKeyword(msg string) bool {
	msg = strings.ToLower(msg)
	for _, kw := range escalationKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
