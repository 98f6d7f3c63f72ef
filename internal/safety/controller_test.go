package safety

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/integraudit/internal/apperrors"
	"github.com/catherinevee/integraudit/internal/models"
)

func planWithActions(integrationID string, n int, actionType models.ActionType) *models.ExecutionPlan {
	plan := &models.ExecutionPlan{PlanID: "plan-" + integrationID, IntegrationID: integrationID}
	for i := 0; i < n; i++ {
		plan.Actions = append(plan.Actions, models.ExecutionAction{
			ID: "a", IntegrationID: integrationID, Type: actionType,
		})
	}
	return plan
}

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	if cfg.MaxOpsPerIntegration == 0 {
		cfg = mergeDefaults(cfg)
	}
	ctrl, err := NewController(cfg)
	require.NoError(t, err)
	return ctrl
}

func mergeDefaults(cfg Config) Config {
	def := DefaultConfig()
	def.AllowlistEnabled = cfg.AllowlistEnabled
	def.AllowedIntegrations = cfg.AllowedIntegrations
	def.AllowedAccounts = cfg.AllowedAccounts
	def.MaintenanceWindows = cfg.MaintenanceWindows
	def.EnforceMaintenanceWindow = cfg.EnforceMaintenanceWindow
	if cfg.Timezone != "" {
		def.Timezone = cfg.Timezone
	}
	return def
}

func TestPreflightAllowlistBlocksUnlistedIntegration(t *testing.T) {
	ctrl := newTestController(t, Config{
		AllowlistEnabled:    true,
		AllowedIntegrations: []string{"a", "b"},
	})

	result := ctrl.PerformPreflightCheck(PreflightRequest{
		IntegrationIDs: []string{"a", "c"},
		Plans:          []*models.ExecutionPlan{planWithActions("a", 1, models.ActionTypePatch)},
		OperatorID:     "op-1",
		Concurrency:    1,
	})

	assert.False(t, result.Allowed)
	require.Len(t, result.Blockers, 1)
	assert.Contains(t, result.Blockers[0], "c")
}

func TestPreflightCircuitBreakerOpenBlocks(t *testing.T) {
	ctrl := newTestController(t, Config{})
	for i := 0; i < 5; i++ {
		ctrl.RecordFailure()
	}

	result := ctrl.PerformPreflightCheck(PreflightRequest{
		IntegrationIDs: []string{"a"},
		Concurrency:    1,
	})

	assert.False(t, result.Allowed)
	require.NotEmpty(t, result.Blockers)
	assert.Contains(t, result.Blockers[0], "circuit breaker is OPEN")
}

func TestCanProceedAfterRecoveryTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryTimeout = Duration(30 * time.Second)
	ctrl := newTestController(t, cfg)

	now := time.Now()
	ctrl.breaker.nowFn = func() time.Time { return now }
	ctrl.breaker.lastStateChange = now

	for i := 0; i < 5; i++ {
		ctrl.RecordFailure()
	}
	err := ctrl.CanProceed(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindSafety))

	now = now.Add(31 * time.Second)
	assert.Equal(t, "HALF_OPEN", ctrl.breaker.State().String())
	assert.NoError(t, ctrl.CanProceed(context.Background()))
}

func TestPreflightMaintenanceWindowEnforced(t *testing.T) {
	ctrl := newTestController(t, Config{
		MaintenanceWindows:       []WindowSpec{{Days: []string{"sat"}, Start: "22:00", End: "23:00"}},
		EnforceMaintenanceWindow: true,
	})
	// Monday 10:00 UTC.
	ctrl.nowFn = func() time.Time { return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC) }

	result := ctrl.PerformPreflightCheck(PreflightRequest{
		IntegrationIDs: []string{"a"},
		Concurrency:    1,
	})
	assert.False(t, result.Allowed)
	require.NotEmpty(t, result.Blockers)
	assert.Contains(t, result.Blockers[0], "maintenance window")

	// Saturday 22:30 UTC is inside.
	ctrl.nowFn = func() time.Time { return time.Date(2026, 8, 22, 22, 30, 0, 0, time.UTC) }
	result = ctrl.PerformPreflightCheck(PreflightRequest{
		IntegrationIDs: []string{"a"},
		Concurrency:    1,
	})
	assert.True(t, result.Allowed)
}

func TestMaintenanceWindowCrossingMidnight(t *testing.T) {
	ctrl := newTestController(t, Config{
		MaintenanceWindows:       []WindowSpec{{Days: []string{"sat"}, Start: "22:00", End: "02:00"}},
		EnforceMaintenanceWindow: true,
	})

	cases := []struct {
		name string
		at   time.Time
		in   bool
	}{
		{"saturday 23:00", time.Date(2026, 8, 22, 23, 0, 0, 0, time.UTC), true},
		{"sunday 01:30", time.Date(2026, 8, 23, 1, 30, 0, 0, time.UTC), true},
		{"sunday 02:00", time.Date(2026, 8, 23, 2, 0, 0, 0, time.UTC), false},
		{"saturday 21:59", time.Date(2026, 8, 22, 21, 59, 0, 0, time.UTC), false},
		{"friday 23:00", time.Date(2026, 8, 21, 23, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.in, ctrl.inMaintenanceWindow(tc.at))
		})
	}
}

func TestPreflightCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOpsPerIntegration = 10
	cfg.MaxTotalOperations = 100
	cfg.MaxConcurrentIntegrations = 4
	ctrl := newTestController(t, cfg)

	t.Run("over the per-integration cap blocks", func(t *testing.T) {
		result := ctrl.PerformPreflightCheck(PreflightRequest{
			IntegrationIDs: []string{"a"},
			Plans:          []*models.ExecutionPlan{planWithActions("a", 11, models.ActionTypePatch)},
			Concurrency:    1,
		})
		assert.False(t, result.Allowed)
		assert.Contains(t, result.Blockers[0], "single integration")
	})

	t.Run("at 80 percent warns", func(t *testing.T) {
		result := ctrl.PerformPreflightCheck(PreflightRequest{
			IntegrationIDs: []string{"a"},
			Plans:          []*models.ExecutionPlan{planWithActions("a", 8, models.ActionTypePatch)},
			Concurrency:    1,
		})
		assert.True(t, result.Allowed)
		require.NotEmpty(t, result.Warnings)
		assert.Contains(t, result.Warnings[0], "80%")
	})

	t.Run("excess concurrency blocks", func(t *testing.T) {
		result := ctrl.PerformPreflightCheck(PreflightRequest{
			IntegrationIDs: []string{"a"},
			Concurrency:    5,
		})
		assert.False(t, result.Allowed)
		assert.Contains(t, result.Blockers[0], "concurrent integrations")
	})
}

func TestPreflightConfirmationThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfirmDestructiveThreshold = 3
	ctrl := newTestController(t, cfg)

	req := PreflightRequest{
		IntegrationIDs: []string{"a"},
		Plans:          []*models.ExecutionPlan{planWithActions("a", 3, models.ActionTypeDelete)},
		Concurrency:    1,
	}

	result := ctrl.PerformPreflightCheck(req)
	assert.False(t, result.Allowed)
	assert.True(t, result.RequiresConfirmation)
	assert.Contains(t, result.Blockers[0], "confirmation required")

	req.Confirmed = true
	result = ctrl.PerformPreflightCheck(req)
	assert.True(t, result.Allowed)
	assert.True(t, result.RequiresConfirmation)
}

func TestPreflightDryRunAllowedDespiteBlockers(t *testing.T) {
	ctrl := newTestController(t, Config{
		AllowlistEnabled:    true,
		AllowedIntegrations: []string{"a"},
	})

	result := ctrl.PerformPreflightCheck(PreflightRequest{
		IntegrationIDs: []string{"z"},
		Concurrency:    1,
		DryRun:         true,
	})
	assert.True(t, result.Allowed, "dry run proceeds")
	assert.NotEmpty(t, result.Blockers, "blockers stay visible")
}

func TestAllowedAccount(t *testing.T) {
	ctrl := newTestController(t, Config{
		AllowlistEnabled: true,
		AllowedAccounts:  []string{"ops@acme.test"},
	})
	assert.True(t, ctrl.AllowedAccount("ops@acme.test"))
	assert.False(t, ctrl.AllowedAccount("other@acme.test"))

	open := newTestController(t, Config{})
	assert.True(t, open.AllowedAccount("anyone@acme.test"))
}

func TestParseWindowList(t *testing.T) {
	windows, err := ParseWindowList("sat,sun 22:00-02:00; mon 01:00-03:00")
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Equal(t, []string{"sat", "sun"}, windows[0].Days)
	assert.Equal(t, "22:00", windows[0].Start)
	assert.Equal(t, "02:00", windows[0].End)

	_, err = ParseWindowList("noday 22:00-23:00")
	assert.Error(t, err)

	_, err = ParseWindowList("mon 25:00-26:00")
	assert.Error(t, err)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("INTEGRAUDIT_ALLOWLIST_ENABLED", "true")
	t.Setenv("INTEGRAUDIT_ALLOWED_INTEGRATIONS", "a, b")
	t.Setenv("INTEGRAUDIT_MAX_TOTAL_OPERATIONS", "42")
	t.Setenv("INTEGRAUDIT_RATE_LIMIT_RPS", "2.5")
	t.Setenv("INTEGRAUDIT_BREAKER_RECOVERY_TIMEOUT", "45s")
	t.Setenv("INTEGRAUDIT_MAINTENANCE_WINDOW", "sun 01:00-05:00")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.AllowlistEnabled)
	assert.Equal(t, []string{"a", "b"}, cfg.AllowedIntegrations)
	assert.Equal(t, 42, cfg.MaxTotalOperations)
	assert.Equal(t, 2.5, cfg.RequestsPerSecond)
	assert.Equal(t, Duration(45*time.Second), cfg.RecoveryTimeout)
	require.Len(t, cfg.MaintenanceWindows, 1)
	assert.Equal(t, []string{"sun"}, cfg.MaintenanceWindows[0].Days)
}

func TestLoadConfigYAMLFileDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safety.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"failureThreshold: 7\nrecoveryTimeout: 45s\nhalfOpenMaxCalls: 2\n"), 0o644))
	t.Setenv("INTEGRAUDIT_SAFETY_CONFIG", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.FailureThreshold)
	assert.Equal(t, Duration(45*time.Second), cfg.RecoveryTimeout)
	assert.Equal(t, 2, cfg.HalfOpenMaxCalls)

	require.NoError(t, os.WriteFile(path, []byte("recoveryTimeout: soon\n"), 0o644))
	_, err = LoadConfig()
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfiguration))
}
