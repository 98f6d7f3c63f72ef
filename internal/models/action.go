package models

import "time"

// ActionType is the kind of mutation an action performs.
type ActionType string

const (
	ActionTypeCreate    ActionType = "create"
	ActionTypeUpdate    ActionType = "update"
	ActionTypeDelete    ActionType = "delete"
	ActionTypePatch     ActionType = "patch"
	ActionTypeReconnect ActionType = "reconnect"
	ActionTypeAdjust    ActionType = "adjust"
)

// Destructive reports whether the action type can lose tenant state.
func (t ActionType) Destructive() bool {
	return t == ActionTypeDelete || t == ActionTypeUpdate
}

// DiffOp is a single JSON-patch-like operation inside an action payload.
// Replace carries both Value and OldValue so it is invertible without the
// original document.
type DiffOp struct {
	Op       string      `json:"op"` // add, remove, replace
	Path     string      `json:"path"`
	Value    interface{} `json:"value,omitempty"`
	OldValue interface{} `json:"oldValue,omitempty"`
}

// ActionTarget identifies what an action mutates.
type ActionTarget struct {
	Type         string `json:"type"` // settings, resource, connection, integration
	ResourceType string `json:"resourceType,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`
}

// ActionPayload carries the state transition an action performs.
type ActionPayload struct {
	Before interface{} `json:"before,omitempty"`
	After  interface{} `json:"after,omitempty"`
	Diff   []DiffOp    `json:"diff,omitempty"`
}

// ActionMetadata carries planning metadata for one action.
type ActionMetadata struct {
	Reason       string   `json:"reason"`
	Priority     int      `json:"priority"` // 1-10, lower runs earlier within a tier
	Rollbackable bool     `json:"rollbackable"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// ExecutionAction is one mutation the executor can perform.
type ExecutionAction struct {
	ID             string         `json:"id"`
	IntegrationID  string         `json:"integrationId"`
	Type           ActionType     `json:"type"`
	Target         ActionTarget   `json:"target"`
	Payload        ActionPayload  `json:"payload"`
	Metadata       ActionMetadata `json:"metadata"`
	CorruptionType string         `json:"corruptionType,omitempty"`
}

// RollbackPlan is the inverse sequence for a plan's actions.
type RollbackPlan struct {
	PlanID  string            `json:"planId"`
	Actions []ExecutionAction `json:"actions"`
	// Partial is set when non-rollbackable actions contributed no inverse.
	Partial bool `json:"partial"`
}

// PlanSafety carries the execution bounds attached to a plan.
type PlanSafety struct {
	MaxOpsPerIntegration int           `json:"maxOpsPerIntegration"`
	AbortOnFirstFailure  bool          `json:"abortOnFirstFailure"`
	RollbackPlan         *RollbackPlan `json:"rollbackPlan,omitempty"`
}

// PlanSummary aggregates plan contents for reporting and preflight.
type PlanSummary struct {
	ActionsByType     map[ActionType]int `json:"actionsByType"`
	RiskLevel         Severity           `json:"riskLevel"`
	EstimatedDuration time.Duration      `json:"estimatedDuration"`
}

// ExecutionPlan is the ordered, bounded action set for one integration.
type ExecutionPlan struct {
	PlanID        string            `json:"planId"`
	IntegrationID string            `json:"integrationId"`
	CreatedAt     time.Time         `json:"createdAt"`
	Actions       []ExecutionAction `json:"actions"`
	Summary       PlanSummary       `json:"summary"`
	Safety        PlanSafety        `json:"safety"`
}

// ExecutionStatus is the terminal status of a plan run.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusPartial ExecutionStatus = "partial"
	StatusFailed  ExecutionStatus = "failed"
)

// ActionOutcome records how one action ended.
type ActionOutcome struct {
	ActionID string        `json:"actionId"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// ExecutionResult is written by the executor harness after running a plan.
type ExecutionResult struct {
	PlanID        string          `json:"planId"`
	IntegrationID string          `json:"integrationId"`
	Status        ExecutionStatus `json:"status"`
	Executed      []ActionOutcome `json:"executed"`
	Failed        []ActionOutcome `json:"failed"`
	Skipped       []string        `json:"skipped"`
	Duration      time.Duration   `json:"duration"`
	DryRun        bool            `json:"dryRun"`
	Rollback      *RollbackPlan   `json:"rollback,omitempty"`
}
