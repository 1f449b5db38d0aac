package http

import "github.com/fyrsmithlabs/plangate/internal/approval"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status           string           `json:"status"`
	Version          string           `json:"version,omitempty"`
	Plans            PlanCounts       `json:"plans"`
	PendingApprovals int              `json:"pending_approvals"`
	Blackboard       BlackboardStatus `json:"blackboard"`
}

// PlanCounts counts stored plans by status. Total is -1 when the store
// could not be listed.
type PlanCounts struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// BlackboardStatus is the "what is running now" slice of the blackboard.
type BlackboardStatus struct {
	Version       uint64 `json:"version"`
	CurrentPlanID string `json:"current_plan_id,omitempty"`
	CurrentPhase  string `json:"current_phase,omitempty"`
	CurrentStepID string `json:"current_step_id,omitempty"`
}

// ApprovalsResponse is the response body for GET /api/v1/approvals.
type ApprovalsResponse struct {
	Pending []approval.Request `json:"pending"`
}

// DecisionRequest is the request body for
// POST /api/v1/plans/:id/steps/:step/decision.
type DecisionRequest struct {
	// Decision accepts the same words as the terminal prompter
	// (approve, reject, all, ...).
	Decision string `json:"decision"`
	Actor    string `json:"actor"`
	Reason   string `json:"reason,omitempty"`
}

// DecisionResponse acknowledges a resolved approval.
type DecisionResponse struct {
	PlanID   string `json:"plan_id"`
	StepID   string `json:"step_id"`
	Decision string `json:"decision"`
	Actor    string `json:"actor"`
}
