package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/stateguard/internal/breaker"
	"github.com/dotcommander/stateguard/internal/models"
	"github.com/dotcommander/stateguard/internal/retry"
	"github.com/dotcommander/stateguard/internal/state"
	"github.com/dotcommander/stateguard/internal/storage"
)

func fastPolicies() map[string]retry.Policy {
	p := retry.DefaultPolicies()
	for class, policy := range p {
		policy.BaseDelay = time.Millisecond
		p[class] = policy
	}
	return p
}

func newTestManager(t *testing.T) (*Manager, *state.MemoryStore, *storage.MemoryBackend) {
	t.Helper()
	store := state.NewMemoryStore(state.State{"tasks": []any{}})
	backend := storage.NewMemoryBackend()
	m, err := New(store, Options{
		StoreName:     "tasks",
		Backend:       backend,
		SchemaVersion: 1,
		RetryPolicies: fastPolicies(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, store, backend
}

func TestEndToEndMutateBackupRestore(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	err := m.Do(ctx, "add-task", breaker.ClassWrite, func(context.Context) error {
		store.SetState(state.State{"tasks": []any{"t1"}})
		return nil
	})
	require.NoError(t, err)

	// The write was preceded by a forced snapshot of the pre-mutation state.
	require.NotEmpty(t, m.Backups())

	res, err := m.RestoreLatestBackup(ctx)
	require.NoError(t, err)
	require.Equal(t, models.RestoreDirect, res.Outcome)
}

func TestFailedOperationLandsInLedger(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	opErr := errors.New("network unreachable")
	err := m.Do(ctx, "sync", breaker.ClassRead, func(context.Context) error { return opErr })
	require.ErrorIs(t, err, opErr)

	errs := m.Errors()
	require.Len(t, errs, 1)
	require.Equal(t, models.CodeNetwork, errs[0].Code)

	metrics := m.ErrorMetrics()
	require.Equal(t, 1, metrics.TotalErrors)

	m.ClearErrors("")
	require.Empty(t, m.Errors())
}

func TestRehydratePersistCycle(t *testing.T) {
	store := state.NewMemoryStore(state.State{"n": 1})
	backend := storage.NewMemoryBackend()

	m1, err := New(store, Options{StoreName: "tasks", Backend: backend, SchemaVersion: 1})
	require.NoError(t, err)
	require.NoError(t, m1.Persist(context.Background()))
	m1.Close()

	store2 := state.NewMemoryStore(nil)
	m2, err := New(store2, Options{StoreName: "tasks", Backend: backend, SchemaVersion: 1})
	require.NoError(t, err)
	defer m2.Close()

	require.False(t, m2.IsRehydrated())
	require.NoError(t, m2.Rehydrate(context.Background()))
	require.True(t, m2.IsRehydrated())
	require.Equal(t, float64(1), store2.GetState()["n"])

	require.NoError(t, m2.ClearPersisted(context.Background()))
	store3 := state.NewMemoryStore(nil)
	m3, err := New(store3, Options{StoreName: "tasks", Backend: backend, SchemaVersion: 1})
	require.NoError(t, err)
	defer m3.Close()
	require.ErrorIs(t, m3.Rehydrate(context.Background()), models.ErrNoHydrationData)
}

func TestSessionPreservationThroughManager(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	store.SetState(state.State{"tasks": []any{"t1"}})
	e := m.AddError(errors.New("render crashed"), "render", "write", models.SeverityCritical)

	id, err := m.PreserveSession(ctx, "crash", e.ID, nil)
	require.NoError(t, err)

	sessions, err := m.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, e.ID, sessions[0].Metadata.ErrorID)

	data, err := m.RestoreSession(ctx, id)
	require.NoError(t, err)
	require.Contains(t, data.Stores, "tasks")

	require.Len(t, m.CriticalErrors(), 1)
}

func TestBreakerStatsExposed(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_ = m.Do(ctx, "save", breaker.ClassWrite, func(context.Context) error {
		return errors.New("validation failed")
	})

	stats := m.BreakerStats()
	require.Contains(t, stats, breaker.ClassWrite)
	require.Equal(t, int64(1), stats[breaker.ClassWrite].TotalAttempts)
}
