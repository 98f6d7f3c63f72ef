package remediation

import (
	"time"

	"github.com/google/uuid"

	"github.com/catherinevee/integraudit/internal/jsondiff"
	"github.com/catherinevee/integraudit/internal/models"
)

// PlannerOptions bound and shape a plan.
type PlannerOptions struct {
	MaxOpsPerIntegration int
	AbortOnFirstFailure  bool
	// ContinueOnFailure suppresses the abort-on-first-failure default that
	// plans with destructive actions otherwise get.
	ContinueOnFailure bool
	// PerActionEstimate feeds the duration estimate; defaults to 2s.
	PerActionEstimate time.Duration
}

// CreateExecutionPlan combines generated actions with a reverse-ordered
// rollback plan. Actions arrive already ordered and bounded by the engine.
func CreateExecutionPlan(integrationID string, gen GenerateResult, opts PlannerOptions) *models.ExecutionPlan {
	perAction := opts.PerActionEstimate
	if perAction <= 0 {
		perAction = 2 * time.Second
	}

	// A plan carrying delete or update actions stops at the first failure
	// unless the caller explicitly opts out.
	abortOnFirstFailure := opts.AbortOnFirstFailure
	if !abortOnFirstFailure && !opts.ContinueOnFailure {
		for _, a := range gen.Actions {
			if a.Type.Destructive() {
				abortOnFirstFailure = true
				break
			}
		}
	}

	plan := &models.ExecutionPlan{
		PlanID:        uuid.New().String(),
		IntegrationID: integrationID,
		CreatedAt:     time.Now().UTC(),
		Actions:       gen.Actions,
		Summary: models.PlanSummary{
			ActionsByType:     gen.Summary,
			RiskLevel:         planRisk(gen.Actions),
			EstimatedDuration: time.Duration(len(gen.Actions)) * perAction,
		},
		Safety: models.PlanSafety{
			MaxOpsPerIntegration: opts.MaxOpsPerIntegration,
			AbortOnFirstFailure:  abortOnFirstFailure,
		},
	}
	plan.Safety.RollbackPlan = buildRollbackPlan(plan)
	return plan
}

// planRisk derives the plan risk level from its action mix.
func planRisk(actions []models.ExecutionAction) models.Severity {
	if len(actions) == 0 {
		return models.SeverityLow
	}
	risk := models.SeverityLow
	destructive := 0
	for _, a := range actions {
		switch a.Type {
		case models.ActionTypeDelete:
			destructive++
			risk = risk.Max(models.SeverityHigh)
		case models.ActionTypeUpdate:
			destructive++
			risk = risk.Max(models.SeverityHigh)
		case models.ActionTypeCreate:
			risk = risk.Max(models.SeverityMedium)
		}
	}
	if destructive > 5 {
		return models.SeverityCritical
	}
	return risk
}

// buildRollbackPlan emits the inverse of each rollbackable action in
// reverse execution order. Non-rollbackable actions contribute no inverse
// and mark the rollback plan partial.
func buildRollbackPlan(plan *models.ExecutionPlan) *models.RollbackPlan {
	rollback := &models.RollbackPlan{PlanID: plan.PlanID}
	for i := len(plan.Actions) - 1; i >= 0; i-- {
		action := plan.Actions[i]
		if !action.Metadata.Rollbackable {
			rollback.Partial = true
			continue
		}
		if inverse, ok := InverseAction(action); ok {
			rollback.Actions = append(rollback.Actions, inverse)
		} else {
			rollback.Partial = true
		}
	}
	return rollback
}

// InverseAction computes the rollback action for one forward action:
// create→delete, delete→create, patch/update→patch with before/after
// swapped and the diff inverted, reconnect→reconnect to the prior target,
// adjust→adjust with the delta negated.
func InverseAction(action models.ExecutionAction) (models.ExecutionAction, bool) {
	inverse := models.ExecutionAction{
		ID:             uuid.New().String(),
		IntegrationID:  action.IntegrationID,
		Target:         action.Target,
		CorruptionType: action.CorruptionType,
		Metadata: models.ActionMetadata{
			Reason:       "rollback of " + action.ID,
			Priority:     action.Metadata.Priority,
			Rollbackable: false,
		},
	}

	switch action.Type {
	case models.ActionTypeCreate:
		inverse.Type = models.ActionTypeDelete
		inverse.Payload = models.ActionPayload{Before: action.Payload.After}

	case models.ActionTypeDelete:
		if action.Payload.Before == nil {
			return models.ExecutionAction{}, false
		}
		inverse.Type = models.ActionTypeCreate
		inverse.Payload = models.ActionPayload{After: action.Payload.Before}

	case models.ActionTypePatch, models.ActionTypeUpdate:
		if action.Payload.Before == nil {
			return models.ExecutionAction{}, false
		}
		inverse.Type = models.ActionTypePatch
		inverse.Payload = models.ActionPayload{
			Before: action.Payload.After,
			After:  action.Payload.Before,
			Diff:   jsondiff.Invert(action.Payload.Diff),
		}

	case models.ActionTypeReconnect:
		inverse.Type = models.ActionTypeReconnect
		inverse.Payload = models.ActionPayload{
			Before: action.Payload.After,
			After:  action.Payload.Before,
		}

	case models.ActionTypeAdjust:
		inverse.Type = models.ActionTypeAdjust
		inverse.Payload = models.ActionPayload{
			Before: action.Payload.After,
			After:  action.Payload.Before,
		}

	default:
		return models.ExecutionAction{}, false
	}

	return inverse, true
}
