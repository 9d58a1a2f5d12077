package alert

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/arena/pkg/models"
)

func mustNew(t *testing.T, retention int) *Log {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "alerts.db"), retention, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleFault() models.Fault {
	return models.Fault{
		TurnID:    "turn-1",
		EntryID:   "entry-1",
		UserID:    "u1",
		Operation: "confirm",
		Amount:    10,
		Error:     "database is locked",
		Attempts:  3,
	}
}

func TestRecordAndQuery(t *testing.T) {
	l := mustNew(t, 90)
	ctx := context.Background()

	f, err := l.Record(ctx, sampleFault())
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.False(t, f.CreatedAt.IsZero())

	faults, err := l.Query(ctx, models.FaultQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, faults, 1)
	assert.Equal(t, "entry-1", faults[0].EntryID)
	assert.Equal(t, 3, faults[0].Attempts)
	assert.Nil(t, faults[0].ResolvedAt)

	faults, err = l.Query(ctx, models.FaultQuery{UserID: "other"})
	require.NoError(t, err)
	assert.Empty(t, faults)
}

func TestResolve(t *testing.T) {
	l := mustNew(t, 90)
	ctx := context.Background()

	f, err := l.Record(ctx, sampleFault())
	require.NoError(t, err)
	require.NoError(t, l.Resolve(ctx, f.ID))
	require.NoError(t, l.Resolve(ctx, f.ID), "resolving twice is a no-op")

	open, err := l.Query(ctx, models.FaultQuery{Unresolved: true})
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := l.Query(ctx, models.FaultQuery{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].ResolvedAt)

	assert.ErrorIs(t, l.Resolve(ctx, "missing"), ErrNotFound)
}

func TestStats(t *testing.T) {
	l := mustNew(t, 90)
	ctx := context.Background()

	f := sampleFault()
	_, err := l.Record(ctx, f)
	require.NoError(t, err)
	f.Operation = "reverse"
	_, err = l.Record(ctx, f)
	require.NoError(t, err)
	second, err := l.Record(ctx, f)
	require.NoError(t, err)
	require.NoError(t, l.Resolve(ctx, second.ID))

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	for _, s := range stats {
		switch s.Operation {
		case "confirm":
			assert.Equal(t, 1, s.Count)
			assert.Equal(t, 1, s.Open)
		case "reverse":
			assert.Equal(t, 2, s.Count)
			assert.Equal(t, 1, s.Open)
		}
	}
}

func TestCleanupKeepsOpenFaults(t *testing.T) {
	l := mustNew(t, 1)
	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -5)

	f := sampleFault()
	f.CreatedAt = old
	open, err := l.Record(ctx, f)
	require.NoError(t, err)
	resolved, err := l.Record(ctx, f)
	require.NoError(t, err)
	require.NoError(t, l.Resolve(ctx, resolved.ID))

	n, err := l.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	faults, err := l.Query(ctx, models.FaultQuery{})
	require.NoError(t, err)
	require.Len(t, faults, 1)
	assert.Equal(t, open.ID, faults[0].ID)
}

func TestClose(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "alerts.db"), 90, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}
