package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/integraudit/internal/apperrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestShouldReprocess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("unknown integration is processed", func(t *testing.T) {
		ok, err := store.ShouldReprocess(ctx, "int-1", "op-1", 24, false)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	require.NoError(t, store.Record(ctx, Record{
		OperatorID: "op-1", IntegrationID: "int-1", Status: "success",
		ResultHash: "abc", EventCount: 2, ActionCount: 2,
	}))

	t.Run("fresh success is skipped", func(t *testing.T) {
		ok, err := store.ShouldReprocess(ctx, "int-1", "op-1", 24, false)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("force overrides freshness", func(t *testing.T) {
		ok, err := store.ShouldReprocess(ctx, "int-1", "op-1", 24, true)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("stale record is reprocessed", func(t *testing.T) {
		store.nowFn = func() time.Time { return time.Now().Add(25 * time.Hour) }
		defer func() { store.nowFn = time.Now }()
		ok, err := store.ShouldReprocess(ctx, "int-1", "op-1", 24, false)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("failed record is always reprocessed", func(t *testing.T) {
		require.NoError(t, store.Record(ctx, Record{
			OperatorID: "op-1", IntegrationID: "int-2", Status: "failed",
		}))
		ok, err := store.ShouldReprocess(ctx, "int-2", "op-1", 24, false)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("records are scoped per operator", func(t *testing.T) {
		ok, err := store.ShouldReprocess(ctx, "int-1", "op-2", 24, false)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRecordUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, Record{
		OperatorID: "op-1", IntegrationID: "int-1", Status: "failed",
	}))
	require.NoError(t, store.Record(ctx, Record{
		OperatorID: "op-1", IntegrationID: "int-1", Status: "success",
	}))

	stats, err := store.GetProcessingStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalRecords)
	assert.Equal(t, 1, stats.ByStatus["success"])
	assert.Zero(t, stats.ByStatus["failed"])
}

func TestGetProcessingStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, Record{OperatorID: "op-1", IntegrationID: "int-1", Status: "success"}))
	require.NoError(t, store.Record(ctx, Record{OperatorID: "op-1", IntegrationID: "int-2", Status: "failed"}))
	require.NoError(t, store.Record(ctx, Record{OperatorID: "op-2", IntegrationID: "int-3", Status: "success"}))

	stats, err := store.GetProcessingStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 2, stats.ByStatus["success"])
	assert.Equal(t, 1, stats.ByStatus["failed"])
	assert.Equal(t, 2, stats.Operators)
	assert.False(t, stats.Oldest.IsZero())
	assert.False(t, stats.Newest.Before(stats.Oldest))
}

func TestCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -40)
	require.NoError(t, store.Record(ctx, Record{
		OperatorID: "op-1", IntegrationID: "stale", Status: "success", LastProcessedAt: old,
	}))
	require.NoError(t, store.Record(ctx, Record{
		OperatorID: "op-1", IntegrationID: "fresh", Status: "success",
	}))

	removed, err := store.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	stats, err := store.GetProcessingStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalRecords)

	_, err = store.Cleanup(ctx, 0)
	assert.True(t, apperrors.IsKind(err, apperrors.KindState))
}

func TestExportImportRoundTrip(t *testing.T) {
	source := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, source.Record(ctx, Record{
		OperatorID: "op-1", IntegrationID: "int-1", Status: "success",
		ResultHash: "abc", EventCount: 3, ActionCount: 2,
	}))
	require.NoError(t, source.Record(ctx, Record{
		OperatorID: "op-1", IntegrationID: "int-2", Status: "failed",
	}))

	data, err := source.ExportState(ctx)
	require.NoError(t, err)

	dest := newTestStore(t)
	n, err := dest.ImportState(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	srcStats, err := source.GetProcessingStats(ctx)
	require.NoError(t, err)
	dstStats, err := dest.GetProcessingStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, srcStats.TotalRecords, dstStats.TotalRecords)
	assert.Equal(t, srcStats.ByStatus, dstStats.ByStatus)

	_, err = dest.ImportState(ctx, []byte("{not json"))
	assert.True(t, apperrors.IsKind(err, apperrors.KindState))
}

func TestResetRequiresConfirmation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, Record{
		OperatorID: "op-1", IntegrationID: "int-1", Status: "success",
	}))

	err := store.Reset(ctx, "yes please")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindState))

	stats, _ := store.GetProcessingStats(ctx)
	assert.Equal(t, 1, stats.TotalRecords, "unconfirmed reset changes nothing")

	require.NoError(t, store.Reset(ctx, ResetConfirmation))
	stats, err = store.GetProcessingStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRecords)
}

func TestHashResultStable(t *testing.T) {
	a := map[string]interface{}{"events": 2, "actions": []string{"x", "y"}}
	b := map[string]interface{}{"actions": []string{"x", "y"}, "events": 2}
	assert.Equal(t, HashResult(a), HashResult(b), "map order does not change the hash")
	assert.NotEqual(t, HashResult(a), HashResult(map[string]interface{}{"events": 3}))
	assert.Len(t, HashResult(a), 64)
}
