// Package backup observes a state store and produces debounced, compressed,
// checksummed snapshots into persistent storage. It can restore the most
// recent valid snapshot, or a specific one, verifying integrity first.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dotcommander/stateguard/internal/models"
	"github.com/dotcommander/stateguard/internal/state"
	"github.com/dotcommander/stateguard/internal/storage"
)

// Config tunes a Manager.
type Config struct {
	// StoreName identifies the owning store in snapshots and metrics.
	StoreName string
	// Key is the backend key holding the snapshot list. Defaults to
	// "stateguard/backups/{StoreName}".
	Key string
	// MaxBackups bounds the retained snapshot count.
	MaxBackups int
	// RetentionPeriod bounds snapshot age; older snapshots are purged
	// together with count overflow.
	RetentionPeriod time.Duration
	// BackupInterval is the debounce window: the snapshot timer is rearmed
	// on every observed state change and only the trailing edge fires.
	BackupInterval time.Duration
	// Compress enables gzip of the serialized state. Compression failure
	// falls back to storing uncompressed.
	Compress bool
	// SchemaVersion is stamped on every snapshot.
	SchemaVersion int
}

func (c *Config) applyDefaults() {
	if c.StoreName == "" {
		c.StoreName = "default"
	}
	if c.Key == "" {
		c.Key = "stateguard/backups/" + c.StoreName
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 10
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 7 * 24 * time.Hour
	}
	if c.BackupInterval <= 0 {
		c.BackupInterval = 2 * time.Second
	}
}

var errManagerClosed = errors.New("backup manager closed")

// Stats summarizes the retained snapshot list.
type Stats struct {
	Count      int        `json:"count"`
	TotalBytes int        `json:"total_bytes"`
	Newest     *time.Time `json:"newest,omitempty"`
	Oldest     *time.Time `json:"oldest,omitempty"`
}

// Manager owns the debounce timer and the snapshot list. The timer is owned
// state on this observer, not a free-floating global.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	store     state.Store
	backend   storage.Backend
	snapshots []models.StateSnapshot // newest first
	timer     *time.Timer
	unsub     func()
	closed    bool
	restoring bool
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New builds a Manager, loads any persisted snapshot list, and subscribes to
// the store so every mutation schedules a debounced snapshot.
func New(store state.Store, backend storage.Backend, cfg Config, opts ...Option) (*Manager, error) {
	cfg.applyDefaults()

	m := &Manager{
		cfg:     cfg,
		store:   store,
		backend: backend,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	if err := m.loadPersisted(); err != nil {
		return nil, err
	}

	m.unsub = store.Subscribe(func(state.State) {
		m.ScheduleSnapshot()
	})
	return m, nil
}

// loadPersisted reads the snapshot list from the backend. A missing key is a
// fresh install, not an error.
func (m *Manager) loadPersisted() error {
	raw, err := m.backend.Get(context.Background(), m.cfg.Key)
	if err != nil {
		if errors.Is(err, models.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("load backup list: %w", err)
	}
	var list []models.StateSnapshot
	if err := json.Unmarshal(raw, &list); err != nil {
		// A malformed list is not fatal: start fresh rather than refuse to run.
		m.logger.Warn("backup list malformed, starting fresh", "key", m.cfg.Key, "error", err)
		return nil
	}
	m.snapshots = list
	return nil
}

// ScheduleSnapshot (re)arms the debounce timer. Bursts of mutations coalesce
// into one snapshot: the timer is rearmed, never stacked, so the last write
// wins.
func (m *Manager) ScheduleSnapshot() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.restoring {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.cfg.BackupInterval, func() {
		if err := m.ForceSnapshot(context.Background()); err != nil {
			m.logger.Warn("debounced snapshot failed", "store", m.cfg.StoreName, "error", err)
		}
	})
}

// ForceSnapshot bypasses the debounce and captures a snapshot immediately.
func (m *Manager) ForceSnapshot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errManagerClosed
	}

	snap, err := m.buildSnapshot()
	if err != nil {
		backupOpsTotal.WithLabelValues("snapshot", "error").Inc()
		return err
	}

	m.snapshots = append([]models.StateSnapshot{snap}, m.snapshots...)
	m.purgeLocked()

	if err := m.persistLocked(ctx); err != nil {
		backupOpsTotal.WithLabelValues("snapshot", "error").Inc()
		return err
	}

	backupOpsTotal.WithLabelValues("snapshot", "ok").Inc()
	backupSizeGauge.WithLabelValues(m.cfg.StoreName).Set(float64(snap.Metadata.Size))
	retainedSnapshotsGauge.WithLabelValues(m.cfg.StoreName).Set(float64(len(m.snapshots)))
	return nil
}

// buildSnapshot serializes the current state, checksums the uncompressed
// serialization, then compresses best-effort.
func (m *Manager) buildSnapshot() (models.StateSnapshot, error) {
	plain, err := json.Marshal(m.store.GetState())
	if err != nil {
		return models.StateSnapshot{}, fmt.Errorf("serialize state: %w", err)
	}

	sum := sha256.Sum256(plain)
	payload := plain
	compressed := false

	if m.cfg.Compress {
		if gz, gerr := gzipBytes(plain); gerr == nil {
			payload = gz
			compressed = true
		} else {
			m.logger.Warn("snapshot compression failed, storing uncompressed", "error", gerr)
		}
	}

	return models.StateSnapshot{
		ID:              models.NewPrefixedID("snap"),
		Timestamp:       m.now(),
		SerializedState: payload,
		Checksum:        hex.EncodeToString(sum[:]),
		SchemaVersion:   m.cfg.SchemaVersion,
		Metadata: models.SnapshotMetadata{
			OwnerStoreID: m.cfg.StoreName,
			Size:         len(payload),
			Compressed:   compressed,
		},
	}, nil
}

// purgeLocked drops snapshots over the count bound or past the retention
// window in a single pass. Caller holds m.mu.
func (m *Manager) purgeLocked() {
	cutoff := m.now().Add(-m.cfg.RetentionPeriod)
	kept := m.snapshots[:0]
	for i, s := range m.snapshots {
		if i >= m.cfg.MaxBackups || s.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
	}
	m.snapshots = kept
}

// persistLocked writes the snapshot list. A write failure halves the
// retained count and retries once before giving up. Caller holds m.mu.
func (m *Manager) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(m.snapshots)
	if err != nil {
		return fmt.Errorf("marshal backup list: %w", err)
	}
	err = m.backend.Set(ctx, m.cfg.Key, raw)
	if err == nil {
		return nil
	}
	m.logger.Warn("backup persist failed, halving retained snapshots",
		"store", m.cfg.StoreName, "count", len(m.snapshots), "error", err)

	if half := (len(m.snapshots) + 1) / 2; half < len(m.snapshots) {
		m.snapshots = m.snapshots[:half]
	}
	raw, err = json.Marshal(m.snapshots)
	if err != nil {
		return fmt.Errorf("marshal backup list: %w", err)
	}
	if err := m.backend.Set(ctx, m.cfg.Key, raw); err != nil {
		return fmt.Errorf("persist backup list: %w", err)
	}
	return nil
}

// RestoreLatest walks the snapshot list newest-first, applies the first one
// whose checksum verifies, and reports whether the restore was direct, via
// fallback, or impossible.
func (m *Manager) RestoreLatest(ctx context.Context) (models.RestoreResult, error) {
	snapshots := m.Backups()
	if len(snapshots) == 0 {
		return models.RestoreResult{Outcome: models.RestoreIntegrityFailure}, models.ErrNoBackups
	}

	for i, snap := range snapshots {
		st, err := decodeSnapshot(snap)
		if err != nil {
			m.logger.Warn("snapshot failed verification, trying older",
				"id", snap.ID, "error", err)
			continue
		}

		m.applyState(st)
		outcome := models.RestoreDirect
		if i > 0 {
			outcome = models.RestoreFallback
		}
		backupOpsTotal.WithLabelValues("restore", "ok").Inc()
		return models.RestoreResult{Outcome: outcome, SnapshotID: snap.ID, Skipped: i}, nil
	}

	backupOpsTotal.WithLabelValues("restore", "integrity_failure").Inc()
	return models.RestoreResult{
		Outcome: models.RestoreIntegrityFailure,
		Skipped: len(snapshots),
	}, models.ErrIntegrityCheck
}

// RestoreByID restores one specific snapshot; integrity failure does not
// fall back.
func (m *Manager) RestoreByID(ctx context.Context, id string) (models.RestoreResult, error) {
	for _, snap := range m.Backups() {
		if snap.ID != id {
			continue
		}
		st, err := decodeSnapshot(snap)
		if err != nil {
			backupOpsTotal.WithLabelValues("restore", "integrity_failure").Inc()
			return models.RestoreResult{Outcome: models.RestoreIntegrityFailure}, err
		}
		m.applyState(st)
		backupOpsTotal.WithLabelValues("restore", "ok").Inc()
		return models.RestoreResult{Outcome: models.RestoreDirect, SnapshotID: snap.ID}, nil
	}
	return models.RestoreResult{Outcome: models.RestoreIntegrityFailure}, models.ErrNoBackups
}

// applyState replaces store state without rescheduling a snapshot of the
// state we just restored. The store notifies subscribers synchronously, so
// the manager lock must not be held across ReplaceState.
func (m *Manager) applyState(st state.State) {
	m.mu.Lock()
	m.restoring = true
	m.mu.Unlock()

	m.store.ReplaceState(st)

	m.mu.Lock()
	m.restoring = false
	m.mu.Unlock()
}

// Backups returns the retained snapshots, newest first.
func (m *Manager) Backups() []models.StateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.StateSnapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

// Stats summarizes the retained snapshots.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Count: len(m.snapshots)}
	for _, snap := range m.snapshots {
		s.TotalBytes += snap.Metadata.Size
	}
	if len(m.snapshots) > 0 {
		newest := m.snapshots[0].Timestamp
		oldest := m.snapshots[len(m.snapshots)-1].Timestamp
		s.Newest = &newest
		s.Oldest = &oldest
	}
	return s
}

// Close stops the debounce timer and unsubscribes from the store. Pending
// timers never fire after Close returns.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.unsub != nil {
		m.unsub()
	}
}

// decodeSnapshot decompresses the payload if needed, recomputes the checksum
// over the uncompressed serialization, and deserializes on match.
func decodeSnapshot(snap models.StateSnapshot) (state.State, error) {
	plain := snap.SerializedState
	if snap.Metadata.Compressed {
		var err error
		plain, err = gunzipBytes(plain)
		if err != nil {
			return nil, &models.IntegrityError{
				Kind: "snapshot", ID: snap.ID,
				Expected: snap.Checksum, Actual: "undecodable",
			}
		}
	}

	sum := sha256.Sum256(plain)
	actual := hex.EncodeToString(sum[:])
	if actual != snap.Checksum {
		return nil, &models.IntegrityError{
			Kind: "snapshot", ID: snap.ID,
			Expected: snap.Checksum, Actual: actual,
		}
	}

	var st state.State
	if err := json.Unmarshal(plain, &st); err != nil {
		return nil, fmt.Errorf("deserialize snapshot %s: %w", snap.ID, err)
	}
	return st, nil
}

func gzipBytes(in []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(in); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(in []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
