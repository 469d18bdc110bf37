package models

import (
	"encoding/json"
	"time"
)

// ID Strategy:
// - StoreErrors and StateSnapshots use prefixed string IDs
//   ("err_1234567890_a3f9...", "snap_..."): collision-free without coordination.
// - SessionRecords use UUIDs because they may be shipped off-process in crash
//   reports and correlated externally.

// StoreError records a single caught operation failure. Created once; only
// Recovered and Reported are flipped afterwards.
type StoreError struct {
	ID            string            `json:"id"`
	Code          ErrorCode         `json:"code"`
	Message       string            `json:"message"`
	StackTrace    string            `json:"stack_trace,omitempty"`
	Context       map[string]string `json:"context,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Severity      Severity          `json:"severity"`
	Retryable     bool              `json:"retryable"`
	OperationName string            `json:"operation_name"`
	StoreName     string            `json:"store_name"`
	Recovered     bool              `json:"recovered"`
	Reported      bool              `json:"reported"`
}

// ErrorMetrics is a derived aggregate over the current error buffer. It is
// recomputed on every mutation and never persisted independently.
type ErrorMetrics struct {
	TotalErrors         int              `json:"total_errors"`
	ErrorsByStore       map[string]int   `json:"errors_by_store"`
	ErrorsBySeverity    map[Severity]int `json:"errors_by_severity"`
	RecoverySuccessRate float64          `json:"recovery_success_rate"`
	LastErrorTime       *time.Time       `json:"last_error_time,omitempty"`
}

// SnapshotMetadata carries bookkeeping attached to a StateSnapshot.
type SnapshotMetadata struct {
	OwnerStoreID string `json:"owner_store_id"`
	Size         int    `json:"size"`
	Compressed   bool   `json:"compressed"`
}

// StateSnapshot is one point-in-time capture of store state. SerializedState
// holds the (optionally gzip-compressed) JSON serialization; Checksum is the
// sha256 hex digest of the uncompressed serialization.
type StateSnapshot struct {
	ID              string           `json:"id"`
	Timestamp       time.Time        `json:"timestamp"`
	SerializedState []byte           `json:"serialized_state"`
	Checksum        string           `json:"checksum"`
	SchemaVersion   int              `json:"schema_version"`
	Metadata        SnapshotMetadata `json:"metadata"`
}

// VersionedDocument is the persisted wrapper for rehydratable state. Legacy
// documents lacking the version/state wrapping are treated as raw state at
// version 0.
type VersionedDocument struct {
	Version   int             `json:"version"`
	State     json.RawMessage `json:"state"`
	Timestamp int64           `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// SessionData is the bundle captured by session preservation.
type SessionData struct {
	UI         map[string]any `json:"ui,omitempty"`
	User       map[string]any `json:"user,omitempty"`
	Settings   map[string]any `json:"settings,omitempty"`
	Navigation map[string]any `json:"navigation,omitempty"`
	Forms      map[string]any `json:"forms,omitempty"`
	Stores     map[string]any `json:"stores,omitempty"`
	Custom     map[string]any `json:"custom,omitempty"`
}

// SessionMetadata describes why and how a session record was captured.
type SessionMetadata struct {
	Reason  string `json:"reason"`
	ErrorID string `json:"error_id,omitempty"`
	Size    int    `json:"size"`
}

// SessionRecord is one preserved session. Payload holds the serialized
// SessionData after optional compression and encryption; Checksum is the
// sha256 hex digest of the plain serialization.
type SessionRecord struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Checksum   string          `json:"checksum"`
	Compressed bool            `json:"compressed"`
	Encrypted  bool            `json:"encrypted"`
	Payload    []byte          `json:"payload"`
	Metadata   SessionMetadata `json:"metadata"`
}

// Expired reports whether the record's TTL has elapsed at the given time.
func (r *SessionRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// RestoreOutcome distinguishes how a backup restore concluded.
type RestoreOutcome string

// Restore outcome constants.
const (
	RestoreDirect           RestoreOutcome = "direct"
	RestoreFallback         RestoreOutcome = "fallback"
	RestoreIntegrityFailure RestoreOutcome = "integrity_failure"
)

// RestoreResult is the outcome of a backup restore attempt.
type RestoreResult struct {
	Outcome    RestoreOutcome `json:"outcome"`
	SnapshotID string         `json:"snapshot_id,omitempty"`
	Skipped    int            `json:"skipped"` // corrupt snapshots passed over
}
