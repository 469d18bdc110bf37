package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/stateguard/internal/models"
)

// backendRoundTrip exercises the Backend contract shared by all implementations.
func backendRoundTrip(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	_, err := b.Get(ctx, "missing")
	require.ErrorIs(t, err, models.ErrKeyNotFound)

	require.NoError(t, b.Set(ctx, "app/state", []byte(`{"a":1}`)))
	require.NoError(t, b.Set(ctx, "app/backups", []byte(`[]`)))
	require.NoError(t, b.Set(ctx, "other/key", []byte(`x`)))

	got, err := b.Get(ctx, "app/state")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":1}`), got)

	// Overwrite
	require.NoError(t, b.Set(ctx, "app/state", []byte(`{"a":2}`)))
	got, err = b.Get(ctx, "app/state")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":2}`), got)

	keys, err := b.Keys(ctx, "app/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"app/state", "app/backups"}, keys)

	require.NoError(t, b.Delete(ctx, "app/state"))
	_, err = b.Get(ctx, "app/state")
	require.ErrorIs(t, err, models.ErrKeyNotFound)

	// Deleting an absent key is not an error.
	require.NoError(t, b.Delete(ctx, "app/state"))
}

func TestMemoryBackend(t *testing.T) {
	backendRoundTrip(t, NewMemoryBackend())
}

func TestSQLiteBackend(t *testing.T) {
	b, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer b.Close()

	backendRoundTrip(t, b)
}

func TestSQLiteBackendSchemaVersion(t *testing.T) {
	b, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer b.Close()

	v, err := b.SchemaVersion()
	require.NoError(t, err)
	require.GreaterOrEqual(t, v, int64(1))
}

func TestBadgerBackend(t *testing.T) {
	b, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer b.Close()

	backendRoundTrip(t, b)
}

func TestMemoryBackendFailSets(t *testing.T) {
	b := NewMemoryBackend()
	b.FailSets = 1

	err := b.Set(context.Background(), "k", []byte("v"))
	require.Error(t, err)

	var se *models.StorageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "set", se.Op)

	require.NoError(t, b.Set(context.Background(), "k", []byte("v")))
}

func TestIsTransientError(t *testing.T) {
	require.True(t, isTransientError(errors.New("database is locked (5) (SQLITE_BUSY)")))
	require.True(t, isTransientError(errors.New("SQLITE_BUSY")))
	require.False(t, isTransientError(errors.New("UNIQUE constraint failed: kv.key")))
	require.False(t, isTransientError(errSimulated))
}
