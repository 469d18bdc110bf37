package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/stateguard/internal/models"
	"github.com/dotcommander/stateguard/internal/state"
	"github.com/dotcommander/stateguard/internal/storage"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *state.MemoryStore, *storage.MemoryBackend) {
	t.Helper()
	store := state.NewMemoryStore(state.State{"tasks": []any{"t1"}})
	backend := storage.NewMemoryBackend()
	m, err := New(store, backend, cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, store, backend
}

func TestForceSnapshotRoundTrip(t *testing.T) {
	m, store, _ := newTestManager(t, Config{StoreName: "tasks", Compress: true})
	ctx := context.Background()

	require.NoError(t, m.ForceSnapshot(ctx))

	snaps := m.Backups()
	require.Len(t, snaps, 1)
	require.True(t, snaps[0].Metadata.Compressed)
	require.NotEmpty(t, snaps[0].Checksum)

	// Mutate, then restore.
	store.ReplaceState(state.State{"tasks": "clobbered"})
	res, err := m.RestoreLatest(ctx)
	require.NoError(t, err)
	require.Equal(t, models.RestoreDirect, res.Outcome)
	require.Equal(t, snaps[0].ID, res.SnapshotID)

	got := store.GetState()
	require.Contains(t, got, "tasks")
	require.NotEqual(t, "clobbered", got["tasks"])
}

func TestMaxBackupsBound(t *testing.T) {
	m, store, _ := newTestManager(t, Config{StoreName: "tasks", MaxBackups: 3})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		store.SetState(state.State{"n": i})
		require.NoError(t, m.ForceSnapshot(ctx))
	}

	snaps := m.Backups()
	require.Len(t, snaps, 3)
	// Newest first.
	for i := 1; i < len(snaps); i++ {
		require.False(t, snaps[i].Timestamp.After(snaps[i-1].Timestamp))
	}
}

func TestRetentionWindowPurge(t *testing.T) {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := state.NewMemoryStore(state.State{"a": 1})
	backend := storage.NewMemoryBackend()
	m, err := New(store, backend, Config{
		StoreName:       "tasks",
		MaxBackups:      10,
		RetentionPeriod: time.Hour,
	}, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.ForceSnapshot(ctx))

	clock = clock.Add(2 * time.Hour)
	require.NoError(t, m.ForceSnapshot(ctx))

	snaps := m.Backups()
	require.Len(t, snaps, 1)
	require.Equal(t, clock, snaps[0].Timestamp)
}

func TestTamperedChecksumFallsBackToOlderSnapshot(t *testing.T) {
	m, store, _ := newTestManager(t, Config{StoreName: "tasks"})
	ctx := context.Background()

	store.ReplaceState(state.State{"gen": "old"})
	require.NoError(t, m.ForceSnapshot(ctx))
	store.ReplaceState(state.State{"gen": "new"})
	require.NoError(t, m.ForceSnapshot(ctx))

	// Tamper with the newest snapshot.
	m.mu.Lock()
	m.snapshots[0].Checksum = "deadbeef"
	m.mu.Unlock()

	res, err := m.RestoreLatest(ctx)
	require.NoError(t, err)
	require.Equal(t, models.RestoreFallback, res.Outcome)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, "old", store.GetState()["gen"])
}

func TestAllSnapshotsTamperedReportsIntegrityFailure(t *testing.T) {
	m, _, _ := newTestManager(t, Config{StoreName: "tasks"})
	ctx := context.Background()

	require.NoError(t, m.ForceSnapshot(ctx))

	m.mu.Lock()
	for i := range m.snapshots {
		m.snapshots[i].Checksum = "deadbeef"
	}
	m.mu.Unlock()

	res, err := m.RestoreLatest(ctx)
	require.ErrorIs(t, err, models.ErrIntegrityCheck)
	require.Equal(t, models.RestoreIntegrityFailure, res.Outcome)
}

func TestRestoreByIDDoesNotFallBack(t *testing.T) {
	m, _, _ := newTestManager(t, Config{StoreName: "tasks"})
	ctx := context.Background()

	require.NoError(t, m.ForceSnapshot(ctx))
	require.NoError(t, m.ForceSnapshot(ctx))

	id := m.Backups()[0].ID
	m.mu.Lock()
	m.snapshots[0].Checksum = "deadbeef"
	m.mu.Unlock()

	_, err := m.RestoreByID(ctx, id)
	require.ErrorIs(t, err, models.ErrIntegrityCheck)

	_, err = m.RestoreByID(ctx, "snap_missing")
	require.ErrorIs(t, err, models.ErrNoBackups)
}

func TestDebounceCoalescesBursts(t *testing.T) {
	store := state.NewMemoryStore(nil)
	backend := storage.NewMemoryBackend()
	m, err := New(store, backend, Config{
		StoreName:      "tasks",
		BackupInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer m.Close()

	// A burst of mutations within the window produces one snapshot.
	for i := 0; i < 5; i++ {
		store.SetState(state.State{"n": i})
	}

	require.Eventually(t, func() bool {
		return len(m.Backups()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Last write wins.
	res, err := m.RestoreLatest(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.RestoreDirect, res.Outcome)
	require.Equal(t, float64(4), store.GetState()["n"])
}

func TestPersistFailureHalvesRetainedAndRetriesOnce(t *testing.T) {
	m, store, backend := newTestManager(t, Config{StoreName: "tasks", MaxBackups: 10})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		store.SetState(state.State{"n": i})
		require.NoError(t, m.ForceSnapshot(ctx))
	}
	require.Len(t, m.Backups(), 6)

	backend.FailSets = 1
	store.SetState(state.State{"n": 99})
	require.NoError(t, m.ForceSnapshot(ctx))

	// 7 snapshots failed to persist; halved to 4 (newest kept) and retried.
	require.Len(t, m.Backups(), 4)
	require.Equal(t, 4, m.Stats().Count)
}

func TestCloseStopsObservation(t *testing.T) {
	m, store, _ := newTestManager(t, Config{StoreName: "tasks", BackupInterval: 20 * time.Millisecond})

	m.Close()
	store.SetState(state.State{"n": 1})
	time.Sleep(60 * time.Millisecond)

	require.Empty(t, m.Backups())
	require.Error(t, m.ForceSnapshot(context.Background()))
}

func TestSnapshotListSurvivesReload(t *testing.T) {
	store := state.NewMemoryStore(state.State{"a": 1})
	backend := storage.NewMemoryBackend()

	m1, err := New(store, backend, Config{StoreName: "tasks"})
	require.NoError(t, err)
	require.NoError(t, m1.ForceSnapshot(context.Background()))
	m1.Close()

	m2, err := New(store, backend, Config{StoreName: "tasks"})
	require.NoError(t, err)
	defer m2.Close()

	require.Len(t, m2.Backups(), 1)
}
