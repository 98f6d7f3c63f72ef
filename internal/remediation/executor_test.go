package remediation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/integraudit/internal/models"
)

type mockExecutor struct {
	calls    []string
	failures map[string]int // action id -> number of failures before success
	err      error
}

func (m *mockExecutor) ExecuteAction(_ context.Context, action models.ExecutionAction) error {
	m.calls = append(m.calls, action.ID)
	if m.err != nil {
		return m.err
	}
	if remaining, ok := m.failures[action.ID]; ok && remaining > 0 {
		m.failures[action.ID] = remaining - 1
		return errors.New("transient failure")
	}
	return nil
}

type mockGate struct {
	denyErr   error
	successes int
	failures  int
}

func (m *mockGate) CanProceed(_ context.Context) error { return m.denyErr }
func (m *mockGate) RecordSuccess()                     { m.successes++ }
func (m *mockGate) RecordFailure()                     { m.failures++ }

func fastOpts() ExecOptions {
	return ExecOptions{
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
		ActionTimeout: time.Second,
	}
}

func twoActionPlan() *models.ExecutionPlan {
	return &models.ExecutionPlan{
		PlanID:        "plan-1",
		IntegrationID: "int-1",
		Actions: []models.ExecutionAction{
			{ID: "a1", Type: models.ActionTypePatch},
			{ID: "a2", Type: models.ActionTypeCreate},
		},
		Safety: models.PlanSafety{
			RollbackPlan: &models.RollbackPlan{PlanID: "plan-1"},
		},
	}
}

func TestExecutePlanAllSucceed(t *testing.T) {
	exec := &mockExecutor{}
	gate := &mockGate{}

	result := ExecutePlan(context.Background(), twoActionPlan(), exec, gate, fastOpts())

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Len(t, result.Executed, 2)
	assert.Empty(t, result.Failed)
	assert.Empty(t, result.Skipped)
	assert.Nil(t, result.Rollback, "success carries no rollback")
	assert.Equal(t, []string{"a1", "a2"}, exec.calls)
	assert.Equal(t, 2, gate.successes)
}

func TestExecutePlanRetriesTransientFailure(t *testing.T) {
	exec := &mockExecutor{failures: map[string]int{"a1": 2}}
	gate := &mockGate{}

	result := ExecutePlan(context.Background(), twoActionPlan(), exec, gate, fastOpts())

	assert.Equal(t, models.StatusSuccess, result.Status)
	require.Len(t, result.Executed, 2)
	assert.Equal(t, 3, result.Executed[0].Attempts)
	assert.Equal(t, 2, gate.failures)
	assert.Equal(t, 2, gate.successes)
}

func TestExecutePlanExhaustedRetriesFailsAction(t *testing.T) {
	exec := &mockExecutor{failures: map[string]int{"a1": 5}}
	gate := &mockGate{}

	result := ExecutePlan(context.Background(), twoActionPlan(), exec, gate, fastOpts())

	assert.Equal(t, models.StatusPartial, result.Status)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "a1", result.Failed[0].ActionID)
	assert.Equal(t, 3, result.Failed[0].Attempts)
	assert.Contains(t, result.Failed[0].Error, "transient failure")
	assert.Len(t, result.Executed, 1)
	require.NotNil(t, result.Rollback)
}

func TestExecutePlanStopOnFailureSkipsRest(t *testing.T) {
	exec := &mockExecutor{err: errors.New("boom")}
	gate := &mockGate{}

	opts := fastOpts()
	opts.StopOnFailure = true
	result := ExecutePlan(context.Background(), twoActionPlan(), exec, gate, opts)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Len(t, result.Failed, 1)
	assert.Equal(t, []string{"a2"}, result.Skipped)
	require.NotNil(t, result.Rollback)
}

func TestExecutePlanAbortOnFirstFailureFromPlanSafety(t *testing.T) {
	exec := &mockExecutor{err: errors.New("boom")}
	plan := twoActionPlan()
	plan.Safety.AbortOnFirstFailure = true

	result := ExecutePlan(context.Background(), plan, exec, &mockGate{}, fastOpts())

	assert.Equal(t, []string{"a2"}, result.Skipped)
	assert.Equal(t, models.StatusFailed, result.Status)
}

func TestExecutePlanDestructivePlanStopsAtFirstFailure(t *testing.T) {
	gen := GenerateResult{
		Actions: []models.ExecutionAction{
			{
				ID: "d1", Type: models.ActionTypeDelete,
				Payload:  models.ActionPayload{Before: map[string]interface{}{"id": "r1"}},
				Metadata: models.ActionMetadata{Rollbackable: true},
			},
			{
				ID: "d2", Type: models.ActionTypeDelete,
				Payload:  models.ActionPayload{Before: map[string]interface{}{"id": "r2"}},
				Metadata: models.ActionMetadata{Rollbackable: true},
			},
		},
	}
	// No explicit stop-on-failure anywhere; the destructive default applies.
	plan := CreateExecutionPlan("int-1", gen, PlannerOptions{MaxOpsPerIntegration: 50})

	exec := &mockExecutor{failures: map[string]int{"d1": 5}}
	result := ExecutePlan(context.Background(), plan, exec, &mockGate{}, fastOpts())

	assert.Equal(t, models.StatusFailed, result.Status)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "d1", result.Failed[0].ActionID)
	assert.Equal(t, []string{"d2"}, result.Skipped, "the second delete is never attempted")
	assert.NotContains(t, exec.calls, "d2")
}

func TestExecutePlanDryRunBypassesExecutor(t *testing.T) {
	exec := &mockExecutor{err: errors.New("would explode")}
	gate := &mockGate{}

	opts := fastOpts()
	opts.DryRun = true
	result := ExecutePlan(context.Background(), twoActionPlan(), exec, gate, opts)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.True(t, result.DryRun)
	assert.Empty(t, exec.calls, "dry run never reaches the executor")
	assert.Equal(t, 2, gate.successes)
	assert.Nil(t, result.Rollback)
}

func TestExecutePlanGateDenialFailsWithoutExecutorCall(t *testing.T) {
	exec := &mockExecutor{}
	gate := &mockGate{denyErr: errors.New("circuit breaker is open")}

	result := ExecutePlan(context.Background(), twoActionPlan(), exec, gate, fastOpts())

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Len(t, result.Failed, 2)
	assert.Empty(t, exec.calls)
	assert.Contains(t, result.Failed[0].Error, "circuit breaker")
}

func TestExecutePlanHookSeesEveryAction(t *testing.T) {
	exec := &mockExecutor{err: errors.New("boom")}

	var statuses []string
	opts := fastOpts()
	opts.StopOnFailure = true
	opts.OnAction = func(_ models.ExecutionAction, _ models.ActionOutcome, status string, _ bool) {
		statuses = append(statuses, status)
	}

	ExecutePlan(context.Background(), twoActionPlan(), exec, &mockGate{}, opts)
	assert.Equal(t, []string{"failed", "skipped"}, statuses)
}

func TestExecutePlanContextCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := &mockExecutor{err: errors.New("boom")}
	result := ExecutePlan(ctx, twoActionPlan(), exec, &mockGate{}, fastOpts())

	// The first action fails once without retries, the rest are skipped.
	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, []string{"a2"}, result.Skipped)
}

func TestStatusOf(t *testing.T) {
	ok := models.ActionOutcome{ActionID: "a"}
	bad := models.ActionOutcome{ActionID: "b", Error: "x"}

	cases := []struct {
		name   string
		result models.ExecutionResult
		want   models.ExecutionStatus
	}{
		{"all executed", models.ExecutionResult{Executed: []models.ActionOutcome{ok}}, models.StatusSuccess},
		{"empty plan", models.ExecutionResult{}, models.StatusSuccess},
		{"all failed", models.ExecutionResult{Failed: []models.ActionOutcome{bad}}, models.StatusFailed},
		{"mixed", models.ExecutionResult{Executed: []models.ActionOutcome{ok}, Failed: []models.ActionOutcome{bad}}, models.StatusPartial},
		{"executed with skips", models.ExecutionResult{Executed: []models.ActionOutcome{ok}, Skipped: []string{"c"}}, models.StatusPartial},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusOf(&tc.result))
		})
	}
}
