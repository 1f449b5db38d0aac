package http

import (
	"context"

	"github.com/fyrsmithlabs/plangate/internal/store"
)

// CountPlans counts stored plans by status.
//
// Returns Total -1 and an empty map if:
//   - s is nil
//   - listing the store fails
func CountPlans(ctx context.Context, s *store.Store) PlanCounts {
	counts := PlanCounts{Total: -1, ByStatus: map[string]int{}}
	if s == nil {
		return counts
	}
	summaries, err := s.List(ctx)
	if err != nil {
		return counts
	}
	counts.Total = len(summaries)
	for _, sum := range summaries {
		counts.ByStatus[string(sum.Status)]++
	}
	return counts
}
