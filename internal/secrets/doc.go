// Package secrets redacts credentials from text captured during plan
// execution (command stdout/stderr, step outputs) before it is persisted in
// a plan, an evidence record or the audit trail.
//
// Rule IDs and counts survive scrubbing so an operator can tell that
// something was removed without seeing what.
package secrets
