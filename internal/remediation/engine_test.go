package remediation

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/integraudit/internal/config"
	"github.com/catherinevee/integraudit/internal/models"
)

func testLogic() config.RemediationLogic {
	return config.RemediationLogic{
		models.CorruptionLicenseEditionMismatch: {
			{
				ID:         "fix-connector-edition",
				ActionType: "patch",
				Target:     config.TemplateTarget{Type: "settings"},
				Payload: map[string]interface{}{
					"path":  "/connectorEdition",
					"value": "{{ctx.edition}}",
				},
				Priority:     1,
				Rollbackable: true,
			},
		},
		models.CorruptionStuckUpdate: {
			{
				ID:         "clear-update-flag",
				ActionType: "patch",
				Target:     config.TemplateTarget{Type: "integration"},
				Payload: map[string]interface{}{
					"path":  "/updateInProgress",
					"value": false,
				},
				Priority:     1,
				Rollbackable: true,
			},
		},
		models.CorruptionMissingResource: {
			{
				ID:         "create-missing-resource",
				ActionType: "create",
				Target: config.TemplateTarget{
					Type:         "resource",
					ResourceType: "import",
					ResourceID:   "{{item}}",
				},
				Payload: map[string]interface{}{
					"resource": map[string]interface{}{
						"externalId":    "{{item}}",
						"integrationId": "{{ctx.integrationId}}",
					},
				},
				RepeatFor:    "evidence.missing",
				Priority:     2,
				Rollbackable: true,
			},
		},
		models.CorruptionOfflineConnection: {
			{
				ID:           "reconnect-connection",
				ActionType:   "reconnect",
				Target:       config.TemplateTarget{Type: "connection", ResourceID: "{{evidence.connectionId}}"},
				Payload:      map[string]interface{}{"target": "{{evidence.target}}"},
				Priority:     1,
				Rollbackable: true,
			},
		},
	}
}

func testCtx(snap *models.IntegrationSnapshot) RunContext {
	return RunContext{
		IntegrationID:        snap.ID,
		Email:                snap.Email,
		StoreCount:           snap.StoreCount,
		Edition:              snap.LicenseEdition,
		OperatorID:           "op-1",
		MaxOpsPerIntegration: 50,
		Snapshot:             snap,
	}
}

func mismatchSnapshot() *models.IntegrationSnapshot {
	return &models.IntegrationSnapshot{
		ID:             "test-001",
		Email:          "ops@acme.test",
		StoreCount:     1,
		LicenseEdition: "starter",
		Settings:       &models.IntegrationSettings{ConnectorEdition: "premium"},
	}
}

func TestGenerateActionsPatchCapturesBeforeAfterDiff(t *testing.T) {
	engine, err := NewEngine(testLogic())
	require.NoError(t, err)

	snap := mismatchSnapshot()
	events := []models.CorruptionEvent{{
		IntegrationID:  snap.ID,
		CorruptionType: models.CorruptionLicenseEditionMismatch,
		Severity:       models.SeverityHigh,
	}}

	result := engine.GenerateActions(events, testCtx(snap))
	require.Len(t, result.Actions, 1)

	action := result.Actions[0]
	assert.Equal(t, models.ActionTypePatch, action.Type)
	assert.Equal(t, "settings", action.Target.Type)
	assert.True(t, action.Metadata.Rollbackable)
	require.NotNil(t, action.Payload.Before)

	require.Len(t, action.Payload.Diff, 1)
	op := action.Payload.Diff[0]
	assert.Equal(t, "replace", op.Op)
	assert.Equal(t, "/connectorEdition", op.Path)
	assert.Equal(t, "starter", op.Value)
	assert.Equal(t, "premium", op.OldValue)

	after := action.Payload.After.(map[string]interface{})
	assert.Equal(t, "starter", after["connectorEdition"])
}

func TestGenerateActionsRepeatFor(t *testing.T) {
	engine, err := NewEngine(testLogic())
	require.NoError(t, err)

	snap := mismatchSnapshot()
	events := []models.CorruptionEvent{{
		IntegrationID:  snap.ID,
		CorruptionType: models.CorruptionMissingResource,
		Severity:       models.SeverityHigh,
		Evidence: map[string]interface{}{
			"resourceType": "import",
			"missing":      []string{"inventory-import", "order-import"},
		},
	}}

	result := engine.GenerateActions(events, testCtx(snap))
	require.Len(t, result.Actions, 2)
	assert.Equal(t, "inventory-import", result.Actions[0].Target.ResourceID)
	assert.Equal(t, "order-import", result.Actions[1].Target.ResourceID)

	body := result.Actions[0].Payload.After.(map[string]interface{})
	assert.Equal(t, "inventory-import", body["externalId"])
	assert.Equal(t, "test-001", body["integrationId"])

	// Rollbackable create captures prior absence as before state.
	before := result.Actions[0].Payload.Before.(map[string]interface{})
	assert.Equal(t, false, before["exists"])
}

func countLogic() config.RemediationLogic {
	return config.RemediationLogic{
		models.CorruptionImportsCountMismatch: {
			{
				ID:         "create-shortfall-imports",
				ActionType: "create",
				Target: config.TemplateTarget{
					Type:         "resource",
					ResourceType: "import",
					ResourceID:   "{{ctx.integrationId}}-import-{{item}}",
				},
				Payload: map[string]interface{}{
					"resource": map[string]interface{}{
						"integrationId": "{{ctx.integrationId}}",
						"externalId":    "{{ctx.integrationId}}-import-{{item}}",
					},
				},
				RepeatFor:    "evidence.delta",
				Priority:     3,
				Rollbackable: true,
			},
		},
	}
}

func TestGenerateActionsCountShortfallExpandsToCreates(t *testing.T) {
	engine, err := NewEngine(countLogic())
	require.NoError(t, err)

	snap := mismatchSnapshot()
	events := []models.CorruptionEvent{{
		IntegrationID:  snap.ID,
		CorruptionType: models.CorruptionImportsCountMismatch,
		Severity:       models.SeverityHigh,
		Evidence: map[string]interface{}{
			"expected": 20,
			"observed": 5,
			"delta":    -15,
		},
	}}

	result := engine.GenerateActions(events, testCtx(snap))
	require.Len(t, result.Actions, 15, "one create per missing import")
	for _, action := range result.Actions {
		assert.Equal(t, models.ActionTypeCreate, action.Type)
		assert.True(t, action.Metadata.Rollbackable)
	}
	assert.Equal(t, "test-001-import-1", result.Actions[0].Target.ResourceID)
	assert.Equal(t, "test-001-import-15", result.Actions[14].Target.ResourceID)

	body := result.Actions[2].Payload.After.(map[string]interface{})
	assert.Equal(t, "test-001-import-3", body["externalId"])
}

func TestGenerateActionsCountShortfallTruncatesAtMaxOps(t *testing.T) {
	engine, err := NewEngine(countLogic())
	require.NoError(t, err)

	snap := mismatchSnapshot()
	events := []models.CorruptionEvent{{
		CorruptionType: models.CorruptionImportsCountMismatch,
		Evidence:       map[string]interface{}{"expected": 20, "observed": 5, "delta": -15},
	}}

	ctx := testCtx(snap)
	ctx.MaxOpsPerIntegration = 10

	result := engine.GenerateActions(events, ctx)
	assert.Len(t, result.Actions, 10)
	assert.True(t, result.BusinessAnalysis.Truncated)
}

func TestGenerateActionsCountSurplusYieldsNothing(t *testing.T) {
	engine, err := NewEngine(countLogic())
	require.NoError(t, err)

	events := []models.CorruptionEvent{{
		CorruptionType: models.CorruptionImportsCountMismatch,
		Evidence:       map[string]interface{}{"expected": 3, "observed": 5, "delta": 2},
	}}

	result := engine.GenerateActions(events, testCtx(mismatchSnapshot()))
	assert.Empty(t, result.Actions, "a surplus is never remediated by creates")
	assert.Empty(t, result.BusinessAnalysis.Notes)
}

// The shipped remediation logic turns an import shortfall into rollbackable
// create actions, one per missing resource.
func TestGenerateActionsShippedCountMismatchLogic(t *testing.T) {
	logic, err := config.NewLoader(filepath.Join("..", "..", "config")).LoadRemediationLogic()
	require.NoError(t, err)
	engine, err := NewEngine(logic)
	require.NoError(t, err)

	snap := &models.IntegrationSnapshot{
		ID:             "test-003",
		Email:          "ops@acme.test",
		StoreCount:     2,
		LicenseEdition: "premium",
	}
	events := []models.CorruptionEvent{{
		IntegrationID:  snap.ID,
		CorruptionType: models.CorruptionImportsCountMismatch,
		Severity:       models.SeverityHigh,
		Evidence:       map[string]interface{}{"expected": 20, "observed": 5, "delta": -15},
	}}

	result := engine.GenerateActions(events, testCtx(snap))
	require.Len(t, result.Actions, 15)
	for _, action := range result.Actions {
		assert.Equal(t, models.ActionTypeCreate, action.Type)
		assert.Equal(t, "import", action.Target.ResourceType)
		assert.True(t, action.Metadata.Rollbackable)
	}
	assert.Equal(t, "test-003-import-1", result.Actions[0].Target.ResourceID)
}

func TestGenerateActionsAdjustPayload(t *testing.T) {
	logic := config.RemediationLogic{
		"count-drift": []config.ActionTemplate{
			{
				ID:         "record-count-drift",
				ActionType: "adjust",
				Target:     config.TemplateTarget{Type: "resource", ResourceType: "import"},
				Payload: map[string]interface{}{
					"delta":    "{{evidence.delta}}",
					"expected": "{{evidence.expected}}",
				},
				Priority: 3,
			},
		},
	}
	engine, err := NewEngine(logic)
	require.NoError(t, err)

	result := engine.GenerateActions([]models.CorruptionEvent{{
		CorruptionType: "count-drift",
		Evidence:       map[string]interface{}{"delta": -4, "expected": 6},
	}}, testCtx(mismatchSnapshot()))

	require.Len(t, result.Actions, 1)
	action := result.Actions[0]
	assert.Equal(t, models.ActionTypeAdjust, action.Type)

	after := action.Payload.After.(map[string]interface{})
	assert.Equal(t, float64(-4), after["delta"])
	before := action.Payload.Before.(map[string]interface{})
	assert.Equal(t, float64(4), before["delta"])
}

func TestGenerateActionsTierOrdering(t *testing.T) {
	engine, err := NewEngine(testLogic())
	require.NoError(t, err)

	snap := mismatchSnapshot()
	snap.Connections = []models.Connection{{ID: "conn-1", Offline: true, Target: "https://a.example"}}

	// Emit events in reverse of the expected action order.
	events := []models.CorruptionEvent{
		{CorruptionType: models.CorruptionMissingResource, Evidence: map[string]interface{}{"missing": []string{"x"}}},
		{CorruptionType: models.CorruptionLicenseEditionMismatch},
		{CorruptionType: models.CorruptionOfflineConnection, Evidence: map[string]interface{}{"connectionId": "conn-1", "target": "https://a.example"}},
	}

	result := engine.GenerateActions(events, testCtx(snap))
	require.Len(t, result.Actions, 3)
	assert.Equal(t, models.ActionTypeReconnect, result.Actions[0].Type)
	assert.Equal(t, models.ActionTypePatch, result.Actions[1].Type)
	assert.Equal(t, models.ActionTypeCreate, result.Actions[2].Type)
}

func TestGenerateActionsTruncatesAtMaxOps(t *testing.T) {
	engine, err := NewEngine(testLogic())
	require.NoError(t, err)

	missing := make([]string, 10)
	for i := range missing {
		missing[i] = "res-" + string(rune('a'+i))
	}
	snap := mismatchSnapshot()
	events := []models.CorruptionEvent{{
		CorruptionType: models.CorruptionMissingResource,
		Evidence:       map[string]interface{}{"missing": missing},
	}}

	ctx := testCtx(snap)
	ctx.MaxOpsPerIntegration = 4

	result := engine.GenerateActions(events, ctx)
	assert.Len(t, result.Actions, 4)
	assert.True(t, result.BusinessAnalysis.Truncated)
}

func TestGenerateActionsUndefinedTokenDropsAction(t *testing.T) {
	engine, err := NewEngine(testLogic())
	require.NoError(t, err)

	snap := mismatchSnapshot()
	// offline-connection template needs evidence.connectionId; omit it.
	events := []models.CorruptionEvent{
		{CorruptionType: models.CorruptionOfflineConnection, Evidence: map[string]interface{}{}},
		{CorruptionType: models.CorruptionLicenseEditionMismatch},
	}

	result := engine.GenerateActions(events, testCtx(snap))
	require.Len(t, result.Actions, 1, "other actions continue")
	assert.Equal(t, models.ActionTypePatch, result.Actions[0].Type)

	require.NotEmpty(t, result.BusinessAnalysis.Notes)
	assert.Equal(t, "remediation-template-error", result.BusinessAnalysis.Notes[0].Kind)
}

func TestGenerateActionsNoTemplateNote(t *testing.T) {
	engine, err := NewEngine(testLogic())
	require.NoError(t, err)

	result := engine.GenerateActions([]models.CorruptionEvent{
		{CorruptionType: "unmapped-corruption"},
	}, testCtx(mismatchSnapshot()))

	assert.Empty(t, result.Actions)
	require.Len(t, result.BusinessAnalysis.Notes, 1)
	assert.Equal(t, "no-template", result.BusinessAnalysis.Notes[0].Kind)
}

func TestGenerateActionsForwardDependencyAbortsPlan(t *testing.T) {
	logic := testLogic()
	logic["bad-rules"] = []config.ActionTemplate{
		{
			ID: "del", ActionType: "delete",
			Target:       config.TemplateTarget{Type: "resource", ResourceType: "import", ResourceID: "r1"},
			Dependencies: []string{"make"},
			Payload:      map[string]interface{}{"resource": "r1"},
		},
		{
			ID: "make", ActionType: "create",
			Target:       config.TemplateTarget{Type: "resource", ResourceType: "import", ResourceID: "r1"},
			Dependencies: []string{"del"}, // later tier: invalid, forms a cycle
			Payload:      map[string]interface{}{"resource": map[string]interface{}{"id": "r1"}},
		},
	}

	engine, err := NewEngine(logic)
	require.NoError(t, err)

	result := engine.GenerateActions([]models.CorruptionEvent{
		{CorruptionType: "bad-rules"},
		{CorruptionType: models.CorruptionLicenseEditionMismatch},
	}, testCtx(mismatchSnapshot()))

	assert.Empty(t, result.Actions, "cycle aborts the whole integration plan")
	require.NotEmpty(t, result.BusinessAnalysis.Notes)
	assert.Equal(t, "circular-dependency", result.BusinessAnalysis.Notes[0].Kind)
}

func TestGenerateActionsDependenciesResolveToActionIDs(t *testing.T) {
	logic := config.RemediationLogic{
		"two-step": []config.ActionTemplate{
			{
				ID: "reconnect-first", ActionType: "reconnect",
				Target:  config.TemplateTarget{Type: "connection", ResourceID: "conn-1"},
				Payload: map[string]interface{}{},
			},
			{
				ID: "then-create", ActionType: "create",
				Target:       config.TemplateTarget{Type: "resource", ResourceType: "flow", ResourceID: "f1"},
				Payload:      map[string]interface{}{"resource": map[string]interface{}{"id": "f1"}},
				Dependencies: []string{"reconnect-first"},
			},
		},
	}
	engine, err := NewEngine(logic)
	require.NoError(t, err)

	result := engine.GenerateActions([]models.CorruptionEvent{{CorruptionType: "two-step"}}, testCtx(mismatchSnapshot()))
	require.Len(t, result.Actions, 2)
	require.Len(t, result.Actions[1].Metadata.Dependencies, 1)
	assert.Equal(t, result.Actions[0].ID, result.Actions[1].Metadata.Dependencies[0])
}

func TestCompileStringMixedLiteralAndToken(t *testing.T) {
	cs, err := compileString("import-{{ctx.edition}}-{{itemIndex}}")
	require.NoError(t, err)

	out, err := cs.resolve(map[string]interface{}{
		"ctx":       map[string]interface{}{"edition": "premium"},
		"itemIndex": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "import-premium-3", out)
}

func TestCompileStringUnterminatedToken(t *testing.T) {
	_, err := compileString("{{ctx.edition")
	assert.Error(t, err)
}
