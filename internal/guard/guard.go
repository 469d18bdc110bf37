// Package guard is the composition root of the resilience layer. A Manager
// owns one protected store's error ledger, circuit breakers, retry
// orchestrator, backup manager, rehydration engine, and session preserver,
// and exposes the contract the UI layer consumes.
//
// Every collaborator is an explicit handle passed in through Options; there
// are no package-level singletons, so tests can build isolated managers over
// fake stores and in-memory backends.
package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/dotcommander/stateguard/internal/backup"
	"github.com/dotcommander/stateguard/internal/breaker"
	"github.com/dotcommander/stateguard/internal/ledger"
	"github.com/dotcommander/stateguard/internal/models"
	"github.com/dotcommander/stateguard/internal/rehydrate"
	"github.com/dotcommander/stateguard/internal/retry"
	"github.com/dotcommander/stateguard/internal/session"
	"github.com/dotcommander/stateguard/internal/state"
	"github.com/dotcommander/stateguard/internal/storage"
)

// Options configures a Manager. Zero values get sensible defaults: an
// in-memory backend, default breaker and retry tuning, and a no-op session
// collector.
type Options struct {
	StoreName string
	// Backend is the persistent storage shared by backups, rehydration, and
	// sessions. Defaults to an in-memory backend.
	Backend storage.Backend
	// Fallbacks are additional ranked rehydration sources.
	Fallbacks []rehydrate.Source

	SchemaVersion int
	Migrate       rehydrate.MigrateFunc

	MaxErrors       int
	MaxBackups      int
	RetentionPeriod time.Duration
	BackupInterval  time.Duration
	SessionTTL      time.Duration
	MaxSessions     int

	// Collector gathers session bundles; nil preserves only store state.
	Collector session.Collector

	BreakerConfigs map[string]breaker.Config
	RetryPolicies  map[string]retry.Policy

	Logger *slog.Logger
}

// Manager wires the resilience components around one state store.
type Manager struct {
	store     state.Store
	ledger    *ledger.Ledger
	breakers  *breaker.Registry
	retrier   *retry.Orchestrator
	backups   *backup.Manager
	hydrator  *rehydrate.Engine
	preserver *session.Preserver
	logger    *slog.Logger
}

// New assembles a Manager around the given store.
func New(store state.Store, opts Options) (*Manager, error) {
	if opts.StoreName == "" {
		opts.StoreName = "default"
	}
	if opts.Backend == nil {
		opts.Backend = storage.NewMemoryBackend()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ledgerOpts := []ledger.Option{ledger.WithLogger(logger)}
	if opts.MaxErrors > 0 {
		ledgerOpts = append(ledgerOpts, ledger.WithMaxErrors(opts.MaxErrors))
	}
	led := ledger.New(ledgerOpts...)

	breakers := breaker.NewRegistry(opts.BreakerConfigs, logger)

	backups, err := backup.New(store, opts.Backend, backup.Config{
		StoreName:       opts.StoreName,
		MaxBackups:      opts.MaxBackups,
		RetentionPeriod: opts.RetentionPeriod,
		BackupInterval:  opts.BackupInterval,
		Compress:        true,
		SchemaVersion:   opts.SchemaVersion,
	}, backup.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	retryOpts := []retry.Option{retry.WithLogger(logger), retry.WithBackups(backups)}
	if opts.RetryPolicies != nil {
		retryOpts = append(retryOpts, retry.WithPolicies(opts.RetryPolicies))
	}
	retrier := retry.New(opts.StoreName, breakers, led, retryOpts...)

	hydrator := rehydrate.New(store, opts.Backend, opts.Fallbacks, rehydrate.Config{
		Key:                       "stateguard/state/" + opts.StoreName,
		SchemaVersion:             opts.SchemaVersion,
		Migrate:                   opts.Migrate,
		RecoverOnMigrationFailure: true,
	}, rehydrate.WithLogger(logger))

	collector := opts.Collector
	if collector == nil {
		collector = session.CollectorFunc(func(context.Context) (models.SessionData, error) {
			return models.SessionData{
				Stores: map[string]any{opts.StoreName: store.GetState()},
			}, nil
		})
	}
	preserver := session.New(opts.Backend, collector, session.Config{
		Key:         "stateguard/sessions/" + opts.StoreName,
		TTL:         opts.SessionTTL,
		MaxSessions: opts.MaxSessions,
		RedactForms: true,
		Compress:    true,
	}, session.WithLogger(logger))

	return &Manager{
		store:     store,
		ledger:    led,
		breakers:  breakers,
		retrier:   retrier,
		backups:   backups,
		hydrator:  hydrator,
		preserver: preserver,
		logger:    logger,
	}, nil
}

// Do runs a store operation through retry, breaker gating, and ledger
// reporting. class is one of breaker.ClassRead/ClassWrite/ClassCritical.
func (m *Manager) Do(ctx context.Context, name, class string, op func(context.Context) error) error {
	return m.retrier.Do(ctx, name, class, op)
}

// State returns a copy of the wrapped store's current state.
func (m *Manager) State() state.State { return m.store.GetState() }

// Rehydration contract.

// IsRehydrated reports whether startup rehydration has completed.
func (m *Manager) IsRehydrated() bool { return m.hydrator.IsRehydrated() }

// Rehydrate restores the last persisted state into the store.
func (m *Manager) Rehydrate(ctx context.Context) error { return m.hydrator.Rehydrate(ctx) }

// Persist writes the current state through the versioned wrapper.
func (m *Manager) Persist(ctx context.Context) error { return m.hydrator.Persist(ctx) }

// ClearPersisted removes persisted state from every configured source.
func (m *Manager) ClearPersisted(ctx context.Context) error { return m.hydrator.ClearPersisted(ctx) }

// Backup contract.

// RestoreLatestBackup applies the newest snapshot whose checksum verifies.
func (m *Manager) RestoreLatestBackup(ctx context.Context) (models.RestoreResult, error) {
	return m.backups.RestoreLatest(ctx)
}

// RestoreFromBackup applies one specific snapshot.
func (m *Manager) RestoreFromBackup(ctx context.Context, id string) (models.RestoreResult, error) {
	return m.backups.RestoreByID(ctx, id)
}

// Backups lists retained snapshots, newest first.
func (m *Manager) Backups() []models.StateSnapshot { return m.backups.Backups() }

// BackupStats summarizes the retained snapshots.
func (m *Manager) BackupStats() backup.Stats { return m.backups.Stats() }

// ForceBackup captures a snapshot immediately, bypassing the debounce.
func (m *Manager) ForceBackup(ctx context.Context) error { return m.backups.ForceSnapshot(ctx) }

// Error ledger contract.

// AddError records a failure directly, outside the retry path. Severity is
// derived from operationKind unless overridden by severity.
func (m *Manager) AddError(err error, operationName, operationKind string, severity models.Severity) *models.StoreError {
	if severity == "" {
		severity = models.DeriveSeverity(operationKind)
	}
	return m.ledger.Record(ledger.RecordInput{
		Code:          models.Classify(err),
		Message:       err.Error(),
		Severity:      severity,
		Retryable:     false,
		OperationName: operationName,
		StoreName:     "manual",
	})
}

// ClearErrors drops buffered errors, optionally scoped to one store name.
func (m *Manager) ClearErrors(storeName string) { m.ledger.Clear(storeName) }

// Errors lists buffered errors, newest first.
func (m *Manager) Errors() []*models.StoreError { return m.ledger.All() }

// CriticalErrors lists buffered critical-severity errors.
func (m *Manager) CriticalErrors() []*models.StoreError { return m.ledger.CriticalErrors() }

// ErrorMetrics returns the current aggregate error metrics.
func (m *Manager) ErrorMetrics() models.ErrorMetrics { return m.ledger.Metrics() }

// BreakerStats returns per-class circuit breaker counters.
func (m *Manager) BreakerStats() map[string]breaker.Stats { return m.breakers.Stats() }

// Session contract.

// PreserveSession captures a crash-recovery bundle and returns its id.
func (m *Manager) PreserveSession(ctx context.Context, reason, errorID string, extra map[string]any) (string, error) {
	return m.preserver.Preserve(ctx, reason, errorID, extra)
}

// RestoreSession returns a preserved bundle by id.
func (m *Manager) RestoreSession(ctx context.Context, id string) (models.SessionData, error) {
	return m.preserver.Restore(ctx, id)
}

// Sessions lists preserved session records, newest first.
func (m *Manager) Sessions(ctx context.Context) ([]models.SessionRecord, error) {
	return m.preserver.Sessions(ctx)
}

// Close tears down timers and subscriptions. The backend is not closed; the
// caller owns it.
func (m *Manager) Close() {
	m.backups.Close()
	m.hydrator.Close()
}
