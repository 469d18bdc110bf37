package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/stateguard/internal/models"
)

// countingBackend tracks how many Gets reach the underlying backend.
type countingBackend struct {
	Backend

	mu   sync.Mutex
	gets int
}

func (b *countingBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	b.gets++
	b.mu.Unlock()
	return b.Backend.Get(ctx, key)
}

func (b *countingBackend) getCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets
}

func TestCachedBackend_ReadThroughCachesHits(t *testing.T) {
	ctx := context.Background()
	inner := &countingBackend{Backend: NewMemoryBackend()}
	cached := NewCached(inner, 4)

	require.NoError(t, cached.Set(ctx, "a", []byte("1")))

	for i := 0; i < 3; i++ {
		v, err := cached.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, []byte("1"), v)
	}

	// Set primed the cache, so no Get should reach the backend.
	require.Equal(t, 0, inner.getCount())
}

func TestCachedBackend_MissFillsCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingBackend{Backend: NewMemoryBackend()}
	require.NoError(t, inner.Backend.Set(ctx, "a", []byte("1")))

	cached := NewCached(inner, 4)

	v, err := cached.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	require.Equal(t, 1, inner.getCount())

	_, err = cached.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, inner.getCount())
}

func TestCachedBackend_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	inner := &countingBackend{Backend: NewMemoryBackend()}
	cached := NewCached(inner, 2)

	require.NoError(t, cached.Set(ctx, "a", []byte("1")))
	require.NoError(t, cached.Set(ctx, "b", []byte("2")))

	// Touch "a" so "b" becomes the eviction candidate.
	_, err := cached.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, cached.Set(ctx, "c", []byte("3")))

	_, err = cached.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 0, inner.getCount())

	// "b" was evicted, so this read hits the backend.
	_, err = cached.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 1, inner.getCount())
}

func TestCachedBackend_DeleteInvalidates(t *testing.T) {
	ctx := context.Background()
	cached := NewCached(NewMemoryBackend(), 4)

	require.NoError(t, cached.Set(ctx, "a", []byte("1")))
	require.NoError(t, cached.Delete(ctx, "a"))

	_, err := cached.Get(ctx, "a")
	require.ErrorIs(t, err, models.ErrKeyNotFound)
}

func TestCachedBackend_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	cached := NewCached(NewMemoryBackend(), 4)

	require.NoError(t, cached.Set(ctx, "a", []byte("abc")))

	v, err := cached.Get(ctx, "a")
	require.NoError(t, err)
	v[0] = 'x'

	again, err := cached.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), again)
}

func TestNewCached_ZeroCapacityDisablesCache(t *testing.T) {
	inner := NewMemoryBackend()
	require.Equal(t, Backend(inner), NewCached(inner, 0))
}
