// Package orchestrator drives a plan from document to evidence.
//
// # Overview
//
// Admission turns a plan document into a stored, validated plan. Schema
// and semantic failures never reach the store; the document source is
// asked for a revision up to a bounded number of times.
//
// A run then walks the plan through fixed phases:
//
//	Preflight → Execution → Verification → Evidence
//
// Each phase may be guarded by gates. A gate reports violations; a
// blocking violation hands the plan to a human instead of entering the
// phase. The evidence phase always runs, so every terminal plan has a
// record.
//
// # Execution
//
// Steps run strictly in order. A step that requires approval suspends in
// the approval gate until a decision arrives or the context is cancelled.
// Each attempt is persisted before and after the executor call, and the
// executor itself runs on a context detached from cancellation so that an
// in-flight command is never killed by an abort. Failures go to the
// recovery supervisor, which either retries the step or escalates the plan
// to requires_human.
//
// # Resume
//
// Run is resumable. Succeeded steps are skipped, an attempt left open by a
// crash is closed as an interrupted transient failure, and a step that was
// waiting for approval asks again.
//
// # Progress
//
//	orch.OnProgress(func(p orchestrator.PhaseProgress) {
//	    fmt.Printf("[%d%%] %s: %s\n", p.Percentage, p.Phase, p.Message)
//	})
package orchestrator
