// Package rehydrate restores versioned store state from persistent storage
// at startup and re-persists it on every subsequent state change.
//
// Sources are tried in order (primary first, then fallbacks by priority)
// within an overall timeout; the first source producing a usable state wins.
// Stored documents carry a schema version; payloads lacking the versioned
// wrapping are treated as legacy version 0 and migrated through a
// caller-supplied function.
package rehydrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dotcommander/stateguard/internal/models"
	"github.com/dotcommander/stateguard/internal/state"
	"github.com/dotcommander/stateguard/internal/storage"
)

// MigrateFunc transforms state written at oldVersion into the current
// schema shape.
type MigrateFunc func(old state.State, oldVersion int) (state.State, error)

// Source is one ranked fallback storage.
type Source struct {
	Name     string
	Backend  storage.Backend
	Priority int // lower is tried earlier
}

// Config tunes an Engine.
type Config struct {
	// Key is the backend key holding the versioned document.
	Key string
	// SchemaVersion is the current schema version written on persist.
	SchemaVersion int
	// Timeout bounds the whole rehydration pass across all sources.
	Timeout time.Duration
	// Migrate is invoked when a stored version differs from SchemaVersion.
	// Nil means version mismatches are used as-is.
	Migrate MigrateFunc
	// RecoverOnMigrationFailure makes a failed migration fall back to the
	// un-migrated payload instead of abandoning the source.
	RecoverOnMigrationFailure bool
	// OnHydrated, when non-nil, fires once after a successful rehydration.
	OnHydrated func()
}

func (c *Config) applyDefaults() {
	if c.Key == "" {
		c.Key = "stateguard/state"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Engine loads versioned state into a store and keeps the persisted copy
// current afterwards.
type Engine struct {
	cfg       Config
	store     state.Store
	primary   storage.Backend
	fallbacks []Source
	logger    *slog.Logger

	mu         sync.Mutex
	rehydrated bool
	unsub      func()
	closed     bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New builds an engine over a primary backend and optional ranked fallbacks.
func New(store state.Store, primary storage.Backend, fallbacks []Source, cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()

	sorted := make([]Source, len(fallbacks))
	copy(sorted, fallbacks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	e := &Engine{
		cfg:       cfg,
		store:     store,
		primary:   primary,
		fallbacks: sorted,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// IsRehydrated reports whether a rehydration pass has completed successfully.
func (e *Engine) IsRehydrated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rehydrated
}

// Rehydrate tries each source in order and applies the first usable state to
// the store. After success, every store mutation is persisted back through
// the versioned wrapper. Returns models.ErrNoHydrationData when no source
// held anything.
func (e *Engine) Rehydrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	sources := append([]Source{{Name: "primary", Backend: e.primary}}, e.fallbacks...)

	var srcErrs []error
	for _, src := range sources {
		st, err := e.loadSource(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				srcErrs = append(srcErrs, ctx.Err())
				break
			}
			e.logger.Debug("rehydration source unusable",
				"source", src.Name, "error", err)
			srcErrs = append(srcErrs, fmt.Errorf("%s: %w", src.Name, err))
			continue
		}

		e.apply(ctx, st)
		e.logger.Info("state rehydrated", "source", src.Name, "key", e.cfg.Key)
		return nil
	}

	if len(srcErrs) > 0 {
		allMissing := true
		for _, err := range srcErrs {
			if !errors.Is(err, models.ErrKeyNotFound) {
				allMissing = false
				break
			}
		}
		if allMissing {
			return models.ErrNoHydrationData
		}
		return errors.Join(srcErrs...)
	}
	return models.ErrNoHydrationData
}

// loadSource reads, version-detects, and migrates one source's payload.
func (e *Engine) loadSource(ctx context.Context, src Source) (state.State, error) {
	raw, err := e.readRaw(ctx, src)
	if err != nil {
		return nil, err
	}

	doc := decodeVersioned(raw)

	st := state.State{}
	if len(doc.State) > 0 {
		if err := json.Unmarshal(doc.State, &st); err != nil {
			return nil, fmt.Errorf("deserialize state: %w", err)
		}
	}

	if doc.Version != e.cfg.SchemaVersion && e.cfg.Migrate != nil {
		migrated, merr := e.cfg.Migrate(st, doc.Version)
		if merr != nil {
			if !e.cfg.RecoverOnMigrationFailure {
				return nil, fmt.Errorf("migrate from version %d: %w", doc.Version, merr)
			}
			e.logger.Warn("migration failed, using un-migrated payload",
				"source", src.Name, "from_version", doc.Version, "error", merr)
		} else {
			st = migrated
		}
	}

	return st, nil
}

// readRaw fetches the raw payload, retrying transient read failures a few
// times within the overall deadline. A missing key is reported immediately:
// absence is an answer, not a transient fault.
func (e *Engine) readRaw(ctx context.Context, src Source) ([]byte, error) {
	var raw []byte
	b := retry.WithMaxRetries(2, retry.NewExponential(50*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var rerr error
		raw, rerr = src.Backend.Get(ctx, e.cfg.Key)
		if rerr == nil {
			return nil
		}
		if errors.Is(rerr, models.ErrKeyNotFound) {
			return rerr
		}
		return retry.RetryableError(rerr)
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// decodeVersioned parses a persisted document. Payloads lacking the
// version/state wrapping are treated as raw state at version 0.
func decodeVersioned(raw []byte) models.VersionedDocument {
	var doc models.VersionedDocument
	if err := json.Unmarshal(raw, &doc); err == nil && len(doc.State) > 0 {
		return doc
	}
	return models.VersionedDocument{Version: 0, State: raw}
}

// apply installs the state, flips the rehydrated flag, fires the hydration
// notification, and begins persisting subsequent changes.
func (e *Engine) apply(ctx context.Context, st state.State) {
	e.store.ReplaceState(st)

	e.mu.Lock()
	e.rehydrated = true
	alreadySubscribed := e.unsub != nil
	e.mu.Unlock()

	// Re-persist immediately so a legacy or migrated payload is rewritten in
	// the current version format.
	if err := e.Persist(ctx); err != nil {
		e.logger.Warn("post-hydration persist failed", "error", err)
	}

	if !alreadySubscribed {
		unsub := e.store.Subscribe(func(state.State) {
			if err := e.Persist(context.Background()); err != nil {
				e.logger.Warn("state persist failed", "key", e.cfg.Key, "error", err)
			}
		})
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			unsub()
			return
		}
		e.unsub = unsub
		e.mu.Unlock()
	}

	if e.cfg.OnHydrated != nil {
		e.cfg.OnHydrated()
	}
}

// Persist writes the current store state to the primary backend in the
// versioned wrapper format.
func (e *Engine) Persist(ctx context.Context) error {
	raw, err := json.Marshal(e.store.GetState())
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}
	doc := models.VersionedDocument{
		Version:   e.cfg.SchemaVersion,
		State:     raw,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal versioned document: %w", err)
	}
	if err := e.primary.Set(ctx, e.cfg.Key, payload); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// ClearPersisted removes the persisted document from the primary and every
// fallback store.
func (e *Engine) ClearPersisted(ctx context.Context) error {
	var errs []error
	if err := e.primary.Delete(ctx, e.cfg.Key); err != nil {
		errs = append(errs, fmt.Errorf("primary: %w", err))
	}
	for _, src := range e.fallbacks {
		if err := src.Backend.Delete(ctx, e.cfg.Key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close detaches the persist subscription.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
}
