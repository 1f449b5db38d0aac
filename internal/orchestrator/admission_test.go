package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/plangate/internal/events"
	"github.com/fyrsmithlabs/plangate/internal/plan"
	"github.com/fyrsmithlabs/plangate/internal/schema"
	"github.com/fyrsmithlabs/plangate/internal/semantic"
	"github.com/fyrsmithlabs/plangate/internal/store"
)

// sequence serves the given documents in order and records every
// rejection it is handed.
type sequence struct {
	docs []map[string]interface{}
	seen []*Rejection
}

func (s *sequence) Next(_ context.Context, previous *Rejection) (Document, error) {
	s.seen = append(s.seen, previous)
	if len(s.docs) == 0 {
		return Document{}, ErrSourceExhausted
	}
	doc := s.docs[0]
	s.docs = s.docs[1:]
	data, err := json.Marshal(doc)
	if err != nil {
		return Document{}, err
	}
	return Document{Name: "plan.json", Data: data}, nil
}

func TestAdmit_SchemaViolationsAreNeverStored(t *testing.T) {
	h := newHarness(t, Options{})
	bad := planDoc("plan-bad", commandStep("s1", "true"))
	delete(bad, "objective")
	src := &sequence{docs: []map[string]interface{}{bad, bad, bad, bad}}

	adm, err := h.orch.Admit(context.Background(), src)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAdmissionFailed)
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
	assert.Nil(t, adm.Plan)
	require.Len(t, adm.Rejections, 3)
	for i, r := range adm.Rejections {
		assert.Equal(t, i+1, r.Attempt)
		assert.Equal(t, plan.ClassSchemaViolation, r.Class)
		assert.NotEmpty(t, r.Violations)
	}
	assert.Len(t, src.docs, 1, "admission must stop at the attempt bound")

	_, err = h.store.Get(context.Background(), "plan-bad")
	assert.ErrorIs(t, err, store.ErrNotFound)
	summaries, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries)

	assert.Equal(t, []string{events.AdmissionRejected, events.AdmissionRejected, events.AdmissionRejected}, h.events.Types())
	h.logs.AssertLogged(t, zapcore.WarnLevel, "plan rejected at admission")
}

func TestAdmit_ScenarioA_HallucinatedWriteTarget(t *testing.T) {
	h := newHarness(t, Options{MaxAdmissionAttempts: 1})
	doc := planDoc("plan-ghost", writeStep("s1", "ghost/new.go", "package ghost\n"))

	adm, err := h.orch.Admit(context.Background(), staticSource(t, doc))

	require.Error(t, err)
	assert.ErrorIs(t, err, semantic.ErrHallucinatedReference)
	require.Len(t, adm.Rejections, 1)
	rej := adm.Rejections[0]
	assert.Equal(t, plan.ClassHallucinatedReference, rej.Class)
	assert.Equal(t, "plan-ghost", rej.PlanID)
	require.Len(t, rej.Hallucinated, 1)
	assert.Equal(t, "ghost/new.go", rej.Hallucinated[0].Path)
	assert.Equal(t, "s1", rej.Hallucinated[0].StepID)
	assert.Contains(t, err.Error(), "ghost/new.go")

	_, err = h.store.Get(context.Background(), "plan-ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdmit_RevisionAcceptedOnSecondAttempt(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, os.MkdirAll(filepath.Join(h.work, "pkg"), 0755))
	first := planDoc("plan-rev", writeStep("s1", "ghost/new.go", "x"))
	second := planDoc("plan-rev", writeStep("s1", "pkg/new.go", "package pkg\n"))
	src := &sequence{docs: []map[string]interface{}{first, second}}

	adm, err := h.orch.Admit(context.Background(), src)

	require.NoError(t, err)
	require.NotNil(t, adm.Plan)
	assert.Equal(t, plan.StatusValidated, adm.Plan.Status)
	require.Len(t, adm.Rejections, 1)

	require.Len(t, src.seen, 2)
	assert.Nil(t, src.seen[0])
	require.NotNil(t, src.seen[1])
	assert.Equal(t, plan.ClassHallucinatedReference, src.seen[1].Class)

	stored, err := h.store.Get(context.Background(), "plan-rev")
	require.NoError(t, err)
	assert.Equal(t, "pkg/new.go", stored.Steps[0].Target)
	assert.Equal(t, []string{events.AdmissionRejected, events.PlanCreated}, h.events.Types())
	h.logs.AssertField(t, "plan admitted", "attempt", int64(2))
}

func TestAdmit_AttemptBound(t *testing.T) {
	for _, bound := range []int{1, 2, 5} {
		h := newHarness(t, Options{MaxAdmissionAttempts: bound})
		var calls int
		src := SourceFunc(func(context.Context, *Rejection) (Document, error) {
			calls++
			return Document{Name: "plan.json", Data: []byte(`{"plan_id": "x"}`)}, nil
		})

		_, err := h.orch.Admit(context.Background(), src)

		assert.ErrorIs(t, err, ErrAdmissionFailed)
		assert.Equal(t, bound, calls)
	}
}

func TestAdmit_FileSourceStopsAfterOneRejection(t *testing.T) {
	h := newHarness(t, Options{})
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plan_id: [unterminated"), 0644))

	adm, err := h.orch.Admit(context.Background(), &FileSource{Path: path})

	assert.ErrorIs(t, err, ErrAdmissionFailed)
	assert.Len(t, adm.Rejections, 1)
	assert.Equal(t, "$", adm.Rejections[0].Violations[0].FieldPath)
}

func TestAdmit_MissingFile(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.orch.Admit(context.Background(), &FileSource{Path: filepath.Join(t.TempDir(), "absent.json")})

	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAdmissionFailed))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestAdmit_DuplicatePlanID(t *testing.T) {
	h := newHarness(t, Options{})
	doc := planDoc("plan-dup", commandStep("s1", "true"))
	h.admit(t, doc)

	_, err := h.orch.Admit(context.Background(), staticSource(t, doc))
	assert.ErrorIs(t, err, store.ErrDuplicateID)
}

func TestAdmit_UnsafePlanIDIsSchemaViolation(t *testing.T) {
	h := newHarness(t, Options{})

	adm, err := h.orch.Admit(context.Background(), staticSource(t, planDoc("my plan", commandStep("s1", "true"))))

	assert.ErrorIs(t, err, ErrAdmissionFailed)
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
	assert.False(t, errors.Is(err, store.ErrInvalidID))
	require.NotEmpty(t, adm.Rejections)
	for _, rej := range adm.Rejections {
		require.Len(t, rej.Violations, 1)
		assert.Equal(t, "plan_id", rej.Violations[0].FieldPath)
	}
	summaries, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestOrchestrate_FromFile(t *testing.T) {
	h := newHarness(t, Options{})
	data, err := json.Marshal(planDoc("plan-file", commandStep("s1", "echo from file")))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, data, 0644))

	p, err := h.orch.Orchestrate(context.Background(), &FileSource{Path: path})

	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, p.Status)
	assert.True(t, h.evidence.Exists("plan-file"))
}
