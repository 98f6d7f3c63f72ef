// Package remediation maps corruption events to concrete execution actions,
// builds bounded plans with rollback sequences, and runs them through an
// injected executor behind the safety controller.
package remediation

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/catherinevee/integraudit/internal/config"
	"github.com/catherinevee/integraudit/internal/jsondiff"
	"github.com/catherinevee/integraudit/internal/logger"
	"github.com/catherinevee/integraudit/internal/models"
)

// RunContext carries the per-integration inputs for action generation.
type RunContext struct {
	IntegrationID        string
	Email                string
	StoreCount           int
	Edition              string
	OperatorID           string
	DryRun               bool
	MaxOpsPerIntegration int
	Snapshot             *models.IntegrationSnapshot
}

// AnalysisNote records a non-fatal problem during action generation.
type AnalysisNote struct {
	Kind       string `json:"kind"` // remediation-template-error, circular-dependency, no-template
	TemplateID string `json:"templateId,omitempty"`
	Message    string `json:"message"`
}

// BusinessAnalysis summarizes generation outcomes alongside the actions.
type BusinessAnalysis struct {
	Notes     []AnalysisNote `json:"notes,omitempty"`
	Truncated bool           `json:"truncated"`
}

// GenerateResult is the engine output for one integration.
type GenerateResult struct {
	Actions          []models.ExecutionAction  `json:"actions"`
	Summary          map[models.ActionType]int `json:"summary"`
	BusinessAnalysis BusinessAnalysis          `json:"businessAnalysis"`
}

// Engine generates actions from corruption events using precompiled
// remediation templates.
type Engine struct {
	templates map[string][]compiledTemplate
	log       logger.Logger
}

// NewEngine compiles the remediation logic once and returns the engine.
func NewEngine(logic config.RemediationLogic) (*Engine, error) {
	compiled, err := compileLogic(logic)
	if err != nil {
		return nil, fmt.Errorf("compiling remediation logic: %w", err)
	}
	return &Engine{templates: compiled, log: logger.New("remediation")}, nil
}

// pendingAction is an action plus ordering/bookkeeping state before the
// final sort and bound.
type pendingAction struct {
	action     models.ExecutionAction
	tier       int
	priority   int
	seq        int
	templateID string
	eventIndex int
	deps       []string // sibling template ids
}

// GenerateActions maps events to ordered, bounded actions. Template errors
// drop single actions; dependency cycles drop the whole integration's plan.
func (e *Engine) GenerateActions(events []models.CorruptionEvent, ctx RunContext) GenerateResult {
	result := GenerateResult{Summary: make(map[models.ActionType]int)}
	snapshotScope := snapshotAsMap(ctx.Snapshot)
	ctxScope := map[string]interface{}{
		"integrationId":        ctx.IntegrationID,
		"email":                ctx.Email,
		"storeCount":           ctx.StoreCount,
		"edition":              ctx.Edition,
		"operatorId":           ctx.OperatorID,
		"dryRun":               ctx.DryRun,
		"maxOpsPerIntegration": ctx.MaxOpsPerIntegration,
	}

	var pending []pendingAction
	seq := 0

	for eventIndex, event := range events {
		templates, ok := e.templates[event.CorruptionType]
		if !ok || len(templates) == 0 {
			result.BusinessAnalysis.Notes = append(result.BusinessAnalysis.Notes, AnalysisNote{
				Kind:    "no-template",
				Message: fmt.Sprintf("no remediation template for %s", event.CorruptionType),
			})
			continue
		}

		if err := validateDependencies(templates); err != nil {
			// Cycles (or forward references) abort the whole plan for this
			// integration; the session keeps going.
			result.BusinessAnalysis.Notes = append(result.BusinessAnalysis.Notes, AnalysisNote{
				Kind:    "circular-dependency",
				Message: err.Error(),
			})
			return GenerateResult{
				Summary:          map[models.ActionType]int{},
				BusinessAnalysis: result.BusinessAnalysis,
			}
		}

		baseScope := map[string]interface{}{
			"ctx":      ctxScope,
			"evidence": evidenceAsMap(event.Evidence),
			"snapshot": snapshotScope,
		}

		for _, tmpl := range templates {
			instances, err := expandRepeatFor(tmpl, baseScope)
			if err != nil {
				result.BusinessAnalysis.Notes = append(result.BusinessAnalysis.Notes, AnalysisNote{
					Kind:       "remediation-template-error",
					TemplateID: tmpl.source.ID,
					Message:    err.Error(),
				})
				continue
			}

			for _, scope := range instances {
				action, err := e.instantiate(tmpl, event, ctx, scope)
				if err != nil {
					result.BusinessAnalysis.Notes = append(result.BusinessAnalysis.Notes, AnalysisNote{
						Kind:       "remediation-template-error",
						TemplateID: tmpl.source.ID,
						Message:    err.Error(),
					})
					continue
				}
				pending = append(pending, pendingAction{
					action:     action,
					tier:       tmpl.tier,
					priority:   tmpl.source.Priority,
					seq:        seq,
					templateID: tmpl.source.ID,
					eventIndex: eventIndex,
					deps:       tmpl.source.Dependencies,
				})
				seq++
			}
		}
	}

	// Tier order first, ascending priority within a tier, emission order on
	// ties.
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].tier != pending[j].tier {
			return pending[i].tier < pending[j].tier
		}
		if pending[i].priority != pending[j].priority {
			return pending[i].priority < pending[j].priority
		}
		return pending[i].seq < pending[j].seq
	})

	if ctx.MaxOpsPerIntegration > 0 && len(pending) > ctx.MaxOpsPerIntegration {
		pending = pending[:ctx.MaxOpsPerIntegration]
		result.BusinessAnalysis.Truncated = true
	}

	// Resolve template-id dependencies to action ids, within the same event.
	type depKey struct {
		event    int
		template string
	}
	actionIDs := make(map[depKey]string, len(pending))
	for _, p := range pending {
		actionIDs[depKey{p.eventIndex, p.templateID}] = p.action.ID
	}
	for i := range pending {
		for _, dep := range pending[i].deps {
			if id, ok := actionIDs[depKey{pending[i].eventIndex, dep}]; ok {
				pending[i].action.Metadata.Dependencies = append(pending[i].action.Metadata.Dependencies, id)
			}
		}
	}

	for _, p := range pending {
		result.Actions = append(result.Actions, p.action)
		result.Summary[p.action.Type]++
	}
	return result
}

// validateDependencies enforces that template dependencies only reference
// sibling templates in strictly earlier tiers, which also rules out cycles.
func validateDependencies(templates []compiledTemplate) error {
	tiers := make(map[string]int, len(templates))
	for _, t := range templates {
		tiers[t.source.ID] = t.tier
	}
	for _, t := range templates {
		for _, dep := range t.source.Dependencies {
			depTier, ok := tiers[dep]
			if !ok {
				return fmt.Errorf("template %s depends on unknown template %s", t.source.ID, dep)
			}
			if depTier >= t.tier {
				return fmt.Errorf("template %s depends on %s which is not in an earlier tier", t.source.ID, dep)
			}
		}
	}
	return nil
}

// expandRepeatFor produces one scope per template instance. A list yields one
// instance per element (item = the element). A numeric value is treated as a
// count delta: each unit of shortfall (negative delta) yields one instance
// with item set to its 1-based ordinal; a surplus yields no instances.
func expandRepeatFor(tmpl compiledTemplate, baseScope map[string]interface{}) ([]map[string]interface{}, error) {
	if tmpl.source.RepeatFor == "" {
		return []map[string]interface{}{baseScope}, nil
	}
	steps, err := compilePath(tmpl.source.RepeatFor)
	if err != nil {
		return nil, err
	}
	value, err := walkPath(baseScope, steps)
	if err != nil {
		return nil, err
	}

	var list []interface{}
	switch v := value.(type) {
	case []interface{}:
		list = v
	case []string:
		list = make([]interface{}, len(v))
		for i, s := range v {
			list[i] = s
		}
	default:
		n, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("repeatFor %q resolves to neither a list nor a number", tmpl.source.RepeatFor)
		}
		for i := 0; float64(i) < -n; i++ {
			list = append(list, i+1)
		}
	}

	scopes := make([]map[string]interface{}, 0, len(list))
	for i, item := range list {
		scope := make(map[string]interface{}, len(baseScope)+2)
		for k, v := range baseScope {
			scope[k] = v
		}
		scope["item"] = item
		scope["itemIndex"] = i
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

func (e *Engine) instantiate(tmpl compiledTemplate, event models.CorruptionEvent,
	ctx RunContext, scope map[string]interface{}) (models.ExecutionAction, error) {

	resourceID, err := tmpl.resourceID.resolve(scope)
	if err != nil {
		return models.ExecutionAction{}, err
	}
	resolvedPayload, err := resolveValue(tmpl.payload, scope)
	if err != nil {
		return models.ExecutionAction{}, err
	}

	actionType := models.ActionType(tmpl.source.ActionType)
	target := models.ActionTarget{
		Type:         tmpl.source.Target.Type,
		ResourceType: tmpl.source.Target.ResourceType,
	}
	if resourceID != nil {
		target.ResourceID = fmt.Sprint(resourceID)
	}

	payload, err := buildPayload(actionType, target, resolvedPayload, ctx.Snapshot)
	if err != nil {
		return models.ExecutionAction{}, err
	}

	reason := tmpl.source.Reason
	if reason == "" {
		reason = fmt.Sprintf("remediate %s", event.CorruptionType)
	}

	return models.ExecutionAction{
		ID:             uuid.New().String(),
		IntegrationID:  ctx.IntegrationID,
		Type:           actionType,
		Target:         target,
		Payload:        payload,
		CorruptionType: event.CorruptionType,
		Metadata: models.ActionMetadata{
			Reason:       reason,
			Priority:     tmpl.source.Priority,
			Rollbackable: tmpl.source.Rollbackable,
		},
	}, nil
}

// buildPayload interprets the resolved template payload per action type and
// captures before/after/diff against the current snapshot state.
func buildPayload(actionType models.ActionType, target models.ActionTarget,
	resolved interface{}, snap *models.IntegrationSnapshot) (models.ActionPayload, error) {

	payloadMap, _ := resolved.(map[string]interface{})

	switch actionType {
	case models.ActionTypePatch, models.ActionTypeUpdate:
		path, _ := payloadMap["path"].(string)
		if path == "" {
			return models.ActionPayload{}, fmt.Errorf("%s payload requires a path", actionType)
		}
		before := targetDocument(target, snap)
		ops := patchOps(before, path, payloadMap["value"])
		after, err := jsondiff.Apply(before, ops)
		if err != nil {
			return models.ActionPayload{}, fmt.Errorf("applying %s payload: %w", actionType, err)
		}
		return models.ActionPayload{Before: before, After: after, Diff: ops}, nil

	case models.ActionTypeCreate:
		body := resolved
		if inner, ok := payloadMap["resource"]; ok {
			body = inner
		}
		// Prior state is the resource's absence; captured so the rollback
		// (a delete) knows what to remove.
		before := map[string]interface{}{
			"exists":       false,
			"resourceType": target.ResourceType,
			"resourceId":   target.ResourceID,
		}
		return models.ActionPayload{Before: before, After: body}, nil

	case models.ActionTypeDelete:
		before := resourceState(target, snap)
		if before == nil {
			before = resolved
		}
		return models.ActionPayload{Before: before}, nil

	case models.ActionTypeReconnect:
		before := connectionState(target.ResourceID, snap)
		after := map[string]interface{}{"offline": false}
		for k, v := range payloadMap {
			after[k] = v
		}
		return models.ActionPayload{Before: before, After: after}, nil

	case models.ActionTypeAdjust:
		delta, ok := toFloat(payloadMap["delta"])
		if !ok {
			return models.ActionPayload{}, fmt.Errorf("adjust payload requires a numeric delta")
		}
		after := map[string]interface{}{"delta": delta}
		for k, v := range payloadMap {
			if k != "delta" {
				after[k] = v
			}
		}
		before := map[string]interface{}{"delta": -delta}
		return models.ActionPayload{Before: before, After: after}, nil
	}

	return models.ActionPayload{}, fmt.Errorf("unsupported action type %q", actionType)
}

// patchOps builds the diff for a single-path patch, choosing add when the
// path is absent in the base document and replace otherwise.
func patchOps(base interface{}, path string, value interface{}) []models.DiffOp {
	old, found := pointerGet(base, path)
	if !found {
		return []models.DiffOp{{Op: "add", Path: path, Value: value}}
	}
	return []models.DiffOp{{Op: "replace", Path: path, Value: value, OldValue: old}}
}

func pointerGet(doc interface{}, path string) (interface{}, bool) {
	normalized := normalizeJSON(doc)
	if path == "" {
		return normalized, true
	}
	current := normalized
	for _, seg := range splitPointerPath(path) {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		next, exists := obj[seg]
		if !exists {
			return nil, false
		}
		current = next
	}
	return current, true
}

// targetDocument returns the base document a patch/update applies to.
func targetDocument(target models.ActionTarget, snap *models.IntegrationSnapshot) interface{} {
	if snap == nil {
		return map[string]interface{}{}
	}
	switch target.Type {
	case "settings":
		if snap.Settings == nil {
			return map[string]interface{}{}
		}
		return normalizeJSON(snap.Settings)
	case "integration":
		return map[string]interface{}{
			"updateInProgress": snap.UpdateInProgress,
			"licenseEdition":   snap.LicenseEdition,
		}
	case "resource":
		if state := resourceState(target, snap); state != nil {
			return state
		}
	case "connection":
		if state := connectionState(target.ResourceID, snap); state != nil {
			return state
		}
	}
	return map[string]interface{}{}
}

func resourceState(target models.ActionTarget, snap *models.IntegrationSnapshot) interface{} {
	if snap == nil {
		return nil
	}
	var pool []models.Resource
	switch target.ResourceType {
	case "import":
		pool = snap.Imports
	case "export":
		pool = snap.Exports
	case "flow":
		pool = snap.Flows
	default:
		pool = append(append(append([]models.Resource{}, snap.Imports...), snap.Exports...), snap.Flows...)
	}
	for _, r := range pool {
		if r.ID == target.ResourceID || r.ExternalID == target.ResourceID {
			return normalizeJSON(r)
		}
	}
	return nil
}

func connectionState(resourceID string, snap *models.IntegrationSnapshot) interface{} {
	if snap == nil {
		return nil
	}
	for _, c := range snap.Connections {
		if c.ID == resourceID || c.Name == resourceID {
			return normalizeJSON(c)
		}
	}
	return nil
}

func snapshotAsMap(snap *models.IntegrationSnapshot) map[string]interface{} {
	if snap == nil {
		return map[string]interface{}{}
	}
	out, _ := normalizeJSON(snap).(map[string]interface{})
	if out == nil {
		return map[string]interface{}{}
	}
	return out
}

func evidenceAsMap(evidence map[string]interface{}) map[string]interface{} {
	if evidence == nil {
		return map[string]interface{}{}
	}
	out, _ := normalizeJSON(evidence).(map[string]interface{})
	if out == nil {
		return map[string]interface{}{}
	}
	return out
}

func normalizeJSON(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func splitPointerPath(path string) []string {
	var segments []string
	current := ""
	for i := 1; i < len(path); i++ { // skip leading '/'
		if path[i] == '/' {
			segments = append(segments, unescapeSegment(current))
			current = ""
			continue
		}
		current += string(path[i])
	}
	segments = append(segments, unescapeSegment(current))
	return segments
}

func unescapeSegment(s string) string {
	out := ""
	for i := 0; i < len(s); i++ {
		if s[i] == '~' && i+1 < len(s) {
			switch s[i+1] {
			case '0':
				out += "~"
				i++
				continue
			case '1':
				out += "/"
				i++
				continue
			}
		}
		out += string(s[i])
	}
	return out
}
