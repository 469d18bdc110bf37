package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/stateguard/internal/models"
	"github.com/dotcommander/stateguard/internal/storage"
)

func fixtureCollector(data models.SessionData) Collector {
	return CollectorFunc(func(context.Context) (models.SessionData, error) {
		return data, nil
	})
}

func basicData() models.SessionData {
	return models.SessionData{
		UI:         map[string]any{"panel": "tasks"},
		Navigation: map[string]any{"route": "/projects/1"},
		Forms: map[string]any{
			"title":    "draft title",
			"password": "hunter2",
			"profile": map[string]any{
				"email":   "a@b.c",
				"api_key": "sk-123",
			},
		},
		Stores: map[string]any{
			"app/tasks":        []any{"t1"},
			"app/settings":     map[string]any{"theme": "dark"},
			"vendor/analytics": "x",
			"app/secrets":      "shh",
		},
	}
}

func TestPreserveAndRestoreRoundTrip(t *testing.T) {
	p := New(storage.NewMemoryBackend(), fixtureCollector(basicData()), Config{
		IncludePrefixes: []string{"app/"},
		RedactForms:     true,
		Compress:        true,
	})
	ctx := context.Background()

	id, err := p.Preserve(ctx, "crash", "err_123", map[string]any{"note": "oom"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	data, err := p.Restore(ctx, id)
	require.NoError(t, err)

	require.Equal(t, "tasks", data.UI["panel"])
	require.Equal(t, "oom", data.Custom["note"])

	// Inclusion list kept app/ keys; exclusion dropped the secrets key;
	// out-of-namespace keys are gone.
	require.Contains(t, data.Stores, "app/tasks")
	require.NotContains(t, data.Stores, "vendor/analytics")
	require.NotContains(t, data.Stores, "app/secrets")

	// Sensitive form fields are redacted, including nested sections.
	require.Equal(t, RedactionMarker, data.Forms["password"])
	require.Equal(t, "draft title", data.Forms["title"])
	profile := data.Forms["profile"].(map[string]any)
	require.Equal(t, RedactionMarker, profile["api_key"])
	require.Equal(t, "a@b.c", profile["email"])
}

func TestRestoreNotFound(t *testing.T) {
	p := New(storage.NewMemoryBackend(), fixtureCollector(basicData()), Config{})

	_, err := p.Restore(context.Background(), "nope")
	require.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestRestoreExpiredRemovesRecord(t *testing.T) {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := New(storage.NewMemoryBackend(), fixtureCollector(basicData()), Config{
		TTL: time.Hour,
	}, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	id, err := p.Preserve(ctx, "crash", "", nil)
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)

	_, err = p.Restore(ctx, id)
	require.ErrorIs(t, err, models.ErrSessionExpired)

	var see *models.SessionExpiredError
	require.ErrorAs(t, err, &see)
	require.Equal(t, id, see.ID)

	// The expired record was removed on access.
	_, err = p.Restore(ctx, id)
	require.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestRestoreTamperedChecksum(t *testing.T) {
	p := New(storage.NewMemoryBackend(), fixtureCollector(basicData()), Config{})
	ctx := context.Background()

	id, err := p.Preserve(ctx, "crash", "", nil)
	require.NoError(t, err)

	// Corrupt the stored checksum and re-save the list.
	list, err := p.loadLocked(ctx)
	require.NoError(t, err)
	list[0].Checksum = "deadbeef"
	require.NoError(t, p.saveLocked(ctx, list))

	_, err = p.Restore(ctx, id)
	require.ErrorIs(t, err, models.ErrIntegrityCheck)
}

func TestMaxSessionsBound(t *testing.T) {
	p := New(storage.NewMemoryBackend(), fixtureCollector(basicData()), Config{
		MaxSessions: 3,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := p.Preserve(ctx, "periodic", "", nil)
		require.NoError(t, err)
	}

	records, err := p.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	// Newest first, payloads omitted from listings.
	require.Nil(t, records[0].Payload)
	require.False(t, records[1].Timestamp.After(records[0].Timestamp))
}

func TestPruneDropsExpiredOnPreserve(t *testing.T) {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := New(storage.NewMemoryBackend(), fixtureCollector(basicData()), Config{
		TTL: time.Hour, MaxSessions: 10,
	}, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, err := p.Preserve(ctx, "first", "", nil)
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	id2, err := p.Preserve(ctx, "second", "", nil)
	require.NoError(t, err)

	records, err := p.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, id2, records[0].ID)
}

// xorCipher is a toy cipher proving the pluggable hook round-trips.
type xorCipher struct{ key byte }

func (c xorCipher) Encrypt(plain []byte) ([]byte, error) {
	out := make([]byte, len(plain))
	for i, b := range plain {
		out[i] = b ^ c.key
	}
	return out, nil
}

func (c xorCipher) Decrypt(enc []byte) ([]byte, error) { return c.Encrypt(enc) }

func TestCipherRoundTrip(t *testing.T) {
	p := New(storage.NewMemoryBackend(), fixtureCollector(basicData()), Config{
		Compress: true,
	}, WithCipher(xorCipher{key: 0x5a}))
	ctx := context.Background()

	id, err := p.Preserve(ctx, "crash", "", nil)
	require.NoError(t, err)

	records, err := p.Sessions(ctx)
	require.NoError(t, err)
	require.True(t, records[0].Encrypted)

	data, err := p.Restore(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "tasks", data.UI["panel"])
}
