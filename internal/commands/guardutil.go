package commands

import (
	"errors"
	"log/slog"

	"github.com/dotcommander/stateguard/internal/app"
	"github.com/dotcommander/stateguard/internal/guard"
	"github.com/dotcommander/stateguard/internal/state"
	"github.com/dotcommander/stateguard/internal/storage"
)

var errNeedsConfirm = errors.New("refusing to delete persisted state without --yes")

type printedError struct {
	err error
}

func (e printedError) Error() string {
	// Intentionally hide the original error: the JSON error response is the output.
	return "error already printed"
}

func openBackend() (*storage.SQLiteBackend, func(), error) {
	dbPath, err := app.GetDBPath()
	if err != nil {
		return nil, nil, err
	}

	backend, err := storage.OpenSQLite(dbPath)
	if err != nil {
		return nil, nil, err
	}

	return backend, func() { _ = backend.Close() }, nil
}

// withGuard assembles a Manager over the resolved SQLite backend for one
// command invocation. The in-memory store starts empty; commands that need
// live state rehydrate first.
func withGuard(storeName string, fn func(m *guard.Manager) error) error {
	backend, closeBackend, err := openBackend()
	if err != nil {
		return cmdErr(err)
	}
	defer closeBackend()

	cfg := app.EffectiveResilienceSettings()
	store := state.NewMemoryStore(nil)
	m, err := guard.New(store, guard.Options{
		StoreName:       storeName,
		Backend:         storage.NewCached(backend, 64),
		MaxErrors:       cfg.MaxErrors,
		MaxBackups:      cfg.MaxBackups,
		RetentionPeriod: cfg.RetentionPeriod,
		BackupInterval:  cfg.BackupInterval,
		SessionTTL:      cfg.SessionTTL,
		MaxSessions:     cfg.MaxSessions,
	})
	if err != nil {
		return cmdErr(err)
	}
	defer m.Close()

	if err := fn(m); err != nil {
		return cmdErr(err)
	}
	return nil
}

func cmdErr(err error) error {
	if err == nil {
		return nil
	}
	attrs := []any{"error", err.Error()}
	type slogAttrError interface {
		SlogAttrs() []any
	}
	var detailed slogAttrError
	if errors.As(err, &detailed) {
		attrs = append(attrs, detailed.SlogAttrs()...)
	}
	slog.Error("command error", attrs...)
	return printedError{err: err}
}
