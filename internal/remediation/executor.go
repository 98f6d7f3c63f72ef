package remediation

import (
	"context"
	"math"
	"time"

	"github.com/catherinevee/integraudit/internal/logger"
	"github.com/catherinevee/integraudit/internal/models"
)

// Executor applies one action against the external system. The real
// side-effect engine is injected; the harness never talks to the network
// itself.
type Executor interface {
	ExecuteAction(ctx context.Context, action models.ExecutionAction) error
}

// SafetyGate admits or rejects each action attempt. CanProceed blocks until
// a rate-limiter token is available or the context ends.
type SafetyGate interface {
	CanProceed(ctx context.Context) error
	RecordSuccess()
	RecordFailure()
}

// ActionHook observes every attempted action, including dry runs, so the
// audit trail sees the full payload and outcome.
type ActionHook func(action models.ExecutionAction, outcome models.ActionOutcome, status string, dryRun bool)

// ExecOptions tune the harness.
type ExecOptions struct {
	DryRun            bool
	StopOnFailure     bool
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	ActionTimeout     time.Duration
	OnAction          ActionHook
}

func (o *ExecOptions) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 200 * time.Millisecond
	}
	if o.BackoffMultiplier <= 1 {
		o.BackoffMultiplier = 2
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 10 * time.Second
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 30 * time.Second
	}
}

// ExecutePlan runs a plan's actions in order through the executor, behind
// the safety gate, with retry and backoff. Actions within a plan are always
// sequential.
func ExecutePlan(ctx context.Context, plan *models.ExecutionPlan, executor Executor,
	safety SafetyGate, opts ExecOptions) *models.ExecutionResult {

	opts.defaults()
	log := logger.New("executor").WithFields(
		logger.String("plan_id", plan.PlanID),
		logger.String("integration_id", plan.IntegrationID))

	result := &models.ExecutionResult{
		PlanID:        plan.PlanID,
		IntegrationID: plan.IntegrationID,
		DryRun:        opts.DryRun,
		Skipped:       []string{},
	}
	start := time.Now()
	stopOnFailure := opts.StopOnFailure || plan.Safety.AbortOnFirstFailure

	aborted := false
	for _, action := range plan.Actions {
		if aborted {
			result.Skipped = append(result.Skipped, action.ID)
			if opts.OnAction != nil {
				opts.OnAction(action, models.ActionOutcome{ActionID: action.ID}, "skipped", opts.DryRun)
			}
			continue
		}

		outcome, err := runAction(ctx, action, executor, safety, opts)
		if err == nil {
			result.Executed = append(result.Executed, outcome)
			if opts.OnAction != nil {
				opts.OnAction(action, outcome, "executed", opts.DryRun)
			}
			continue
		}

		outcome.Error = err.Error()
		result.Failed = append(result.Failed, outcome)
		if opts.OnAction != nil {
			opts.OnAction(action, outcome, "failed", opts.DryRun)
		}
		log.Warn("action failed",
			logger.String("action_id", action.ID),
			logger.Int("attempts", outcome.Attempts),
			logger.Err(err))

		if ctx.Err() != nil || stopOnFailure {
			aborted = true
		}
	}

	result.Duration = time.Since(start)
	result.Status = statusOf(result)
	if result.Status != models.StatusSuccess && !opts.DryRun {
		result.Rollback = plan.Safety.RollbackPlan
	}
	return result
}

func runAction(ctx context.Context, action models.ExecutionAction, executor Executor,
	safety SafetyGate, opts ExecOptions) (models.ActionOutcome, error) {

	outcome := models.ActionOutcome{ActionID: action.ID}
	start := time.Now()
	defer func() { outcome.Duration = time.Since(start) }()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		outcome.Attempts = attempt

		if err := safety.CanProceed(ctx); err != nil {
			lastErr = err
			break
		}

		if opts.DryRun {
			// Payload snapshots and diffs were computed at generation time;
			// the executor itself is bypassed.
			safety.RecordSuccess()
			return outcome, nil
		}

		actionCtx, cancel := context.WithTimeout(ctx, opts.ActionTimeout)
		err := executor.ExecuteAction(actionCtx, action)
		cancel()

		if err == nil {
			safety.RecordSuccess()
			return outcome, nil
		}
		lastErr = err
		safety.RecordFailure()

		if ctx.Err() != nil {
			break
		}
		if attempt < opts.MaxAttempts {
			if err := sleepBackoff(ctx, opts, attempt); err != nil {
				break
			}
		}
	}
	return outcome, lastErr
}

// sleepBackoff waits base × multiplier^(attempt−1), capped at BackoffMax,
// returning early on cancellation.
func sleepBackoff(ctx context.Context, opts ExecOptions, attempt int) error {
	delay := time.Duration(float64(opts.BackoffBase) * math.Pow(opts.BackoffMultiplier, float64(attempt-1)))
	if delay > opts.BackoffMax {
		delay = opts.BackoffMax
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func statusOf(result *models.ExecutionResult) models.ExecutionStatus {
	attempted := len(result.Executed) + len(result.Failed)
	switch {
	case len(result.Failed) == 0 && len(result.Skipped) == 0:
		return models.StatusSuccess
	case attempted > 0 && len(result.Executed) == 0:
		return models.StatusFailed
	default:
		return models.StatusPartial
	}
}
