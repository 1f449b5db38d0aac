package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/plangate/internal/orchestrator"
	"github.com/fyrsmithlabs/plangate/internal/plan"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: exitCompleted},
		{name: "aborted", err: &statusError{status: plan.StatusAborted}, want: exitAborted},
		{name: "requires human", err: &statusError{status: plan.StatusRequiresHuman}, want: exitRequiresHuman},
		{name: "wrapped status", err: fmt.Errorf("run: %w", &statusError{status: plan.StatusAborted}), want: exitAborted},
		{name: "admission", err: fmt.Errorf("%w: bad field", orchestrator.ErrAdmissionFailed), want: exitAdmission},
		{name: "other", err: errors.New("disk full"), want: exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}

func TestOutcome(t *testing.T) {
	assert.NoError(t, outcome(nil))
	assert.NoError(t, outcome(&plan.Plan{Status: plan.StatusCompleted}))

	err := outcome(&plan.Plan{Status: plan.StatusAborted, AbortReason: "rejected at s2"})
	require.Error(t, err)
	assert.Equal(t, "plan aborted: rejected at s2", err.Error())

	err = outcome(&plan.Plan{
		Status: plan.StatusRequiresHuman,
		Diagnostics: []plan.Diagnostic{
			{StepID: "s1", LastError: "first"},
			{StepID: "s2", LastError: "exit 7"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit 7")
	assert.Equal(t, exitRequiresHuman, exitCodeFor(err))
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, float64(3), parseValue("3"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, []interface{}{"a.go"}, parseValue(`["a.go"]`))
	assert.Equal(t, "plain text", parseValue("plain text"))
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"orchestrate", "resume", "validate", "verify", "status", "blackboard", "audit", "serve"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	orch, _, err := root.Find([]string{"orchestrate"})
	require.NoError(t, err)
	for _, flag := range []string{"actor", "no-prompt", "api", "quiet"} {
		assert.NotNil(t, orch.Flags().Lookup(flag), flag)
	}
}

// env points HOME at a temp dir and writes a config whose work dir is
// returned alongside the config path.
func env(t *testing.T) (cfgPath, work string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	work = filepath.Join(home, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))

	dir := filepath.Join(home, ".config", "plangate")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	cfgPath = filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf("orchestrator:\n  work_dir: %s\nlogging:\n  level: error\n", work)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return cfgPath, work
}

func writePlan(t *testing.T, dir string, steps ...map[string]interface{}) string {
	t.Helper()
	list := make([]interface{}, len(steps))
	for i, s := range steps {
		list[i] = s
	}
	doc := map[string]interface{}{
		"plan_id":        "cli-plan",
		"schema_version": plan.SchemaVersion,
		"version":        "1",
		"created_at":     "2026-01-02T03:04:05Z",
		"objective": map[string]interface{}{
			"description":      "exercise the cli",
			"success_criteria": []interface{}{"steps succeed"},
			"affected_paths":   []interface{}{},
		},
		"steps":    list,
		"evidence": map[string]interface{}{"analyzed_paths": []interface{}{}},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "plan.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (int, string) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.Execute()
	return exitCodeFor(err), out.String()
}

func TestValidate_InvalidDocumentExitsAdmission(t *testing.T) {
	cfgPath, _ := env(t)
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"plan_id": "x"}`), 0o600))

	code, out := execute(t, "", "--config", cfgPath, "validate", path)
	assert.Equal(t, exitAdmission, code)
	assert.Contains(t, out, "violation")
}

func TestValidate_MissingFileIsGenericError(t *testing.T) {
	cfgPath, _ := env(t)
	code, _ := execute(t, "", "--config", cfgPath, "validate", filepath.Join(t.TempDir(), "nope.json"))
	assert.Equal(t, exitError, code)
}

func TestVerify_HallucinatedPathExitsAdmission(t *testing.T) {
	cfgPath, _ := env(t)
	path := writePlan(t, t.TempDir(), map[string]interface{}{
		"id": "s1", "action_kind": "delete", "target": "ghost/new.go", "requires_approval": true,
	})

	code, out := execute(t, "", "--config", cfgPath, "verify", path)
	assert.Equal(t, exitAdmission, code)
	assert.Contains(t, out, "ghost/new.go")
}

func TestOrchestrate_ApprovedWriteCompletes(t *testing.T) {
	cfgPath, work := env(t)
	path := writePlan(t, t.TempDir(), map[string]interface{}{
		"id": "s1", "action_kind": "write", "target": "hello.txt", "content": "hi\n", "requires_approval": true,
	})

	code, out := execute(t, "y\n", "--config", cfgPath, "orchestrate", "--quiet", "--actor", "alice", path)
	require.Equal(t, exitCompleted, code, out)
	assert.Contains(t, out, "Plan cli-plan: completed")

	data, err := os.ReadFile(filepath.Join(work, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))

	code, out = execute(t, "", "--config", cfgPath, "status")
	assert.Equal(t, exitCompleted, code)
	assert.Contains(t, out, "cli-plan")

	code, out = execute(t, "", "--config", cfgPath, "audit", "verify")
	assert.Equal(t, exitCompleted, code, out)
	assert.Contains(t, out, "Chain intact.")
}

func TestOrchestrate_RejectedWriteAborts(t *testing.T) {
	cfgPath, work := env(t)
	path := writePlan(t, t.TempDir(), map[string]interface{}{
		"id": "s1", "action_kind": "write", "target": "hello.txt", "content": "hi\n", "requires_approval": true,
	})

	code, out := execute(t, "n not today\n", "--config", cfgPath, "orchestrate", "--quiet", "--actor", "alice", path)
	assert.Equal(t, exitAborted, code, out)
	assert.NoFileExists(t, filepath.Join(work, "hello.txt"))
}

func TestOrchestrate_UnsafePlanIDExitsAdmission(t *testing.T) {
	cfgPath, _ := env(t)
	path := writePlan(t, t.TempDir(), map[string]interface{}{
		"id": "s1", "action_kind": "run_command", "target": "true",
	})
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = bytes.Replace(data, []byte(`"cli-plan"`), []byte(`"../cli plan"`), 1)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	code, _ := execute(t, "", "--config", cfgPath, "orchestrate", "--quiet", path)
	assert.Equal(t, exitAdmission, code)
}

func TestOrchestrate_NoPromptNeedsAPI(t *testing.T) {
	cfgPath, _ := env(t)
	path := writePlan(t, t.TempDir(), map[string]interface{}{
		"id": "s1", "action_kind": "run_command", "target": "true",
	})
	code, _ := execute(t, "", "--config", cfgPath, "orchestrate", "--no-prompt", path)
	assert.Equal(t, exitError, code)
}

func TestBlackboard_SetGetHistory(t *testing.T) {
	cfgPath, _ := env(t)

	code, out := execute(t, "", "--config", cfgPath, "blackboard", "set", "--actor", "alice", "context.files", `["main.go"]`)
	require.Equal(t, exitCompleted, code, out)

	code, out = execute(t, "", "--config", cfgPath, "blackboard", "get", "context.files")
	require.Equal(t, exitCompleted, code, out)
	assert.Contains(t, out, "main.go")

	code, out = execute(t, "", "--config", cfgPath, "blackboard", "history")
	require.Equal(t, exitCompleted, code, out)
	assert.Contains(t, out, "context.files")
	assert.Contains(t, out, "alice")

	code, _ = execute(t, "", "--config", cfgPath, "blackboard", "set", "--actor", "alice", "version", "9")
	assert.Equal(t, exitError, code)
}
