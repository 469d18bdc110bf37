package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"timeout fragment", errors.New("context deadline exceeded"), CodeTimeout},
		{"network fragment", errors.New("connection refused"), CodeNetwork},
		{"conflict fragment", errors.New("version conflict on write"), CodeConflict},
		{"rate limit fragment", errors.New("429 too many requests"), CodeRateLimit},
		{"validation fragment", errors.New("invalid payload shape"), CodeValidation},
		{"permission fragment", errors.New("access denied"), CodePermission},
		{"locked database", errors.New("database is locked"), CodeStorage},
		{"unknown", errors.New("something odd"), CodeUnknown},
		{"sentinel integrity", ErrIntegrityCheck, CodeIntegrity},
		{"sentinel circuit", ErrCircuitOpen, CodeCircuit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_RecoverableErrorWins(t *testing.T) {
	// The enriched error self-reports even when the message suggests otherwise.
	err := &StorageError{Backend: "sqlite", Key: "k", Op: "get", Err: errors.New("connection reset")}
	require.Equal(t, CodeStorage, Classify(err))

	wrapped := fmt.Errorf("outer: %w", err)
	require.Equal(t, CodeStorage, Classify(wrapped))
}

func TestDeriveSeverity(t *testing.T) {
	require.Equal(t, SeverityLow, DeriveSeverity("read"))
	require.Equal(t, SeverityMedium, DeriveSeverity("write"))
	require.Equal(t, SeverityHigh, DeriveSeverity("delete"))
	require.Equal(t, SeverityCritical, DeriveSeverity("import"))
	require.Equal(t, SeverityMedium, DeriveSeverity("anything-else"))
}

func TestCircuitOpenError(t *testing.T) {
	err := &CircuitOpenError{OperationClass: "write", RetryAfter: 1500 * time.Millisecond}

	require.Equal(t, "circuit breaker open, retry after 1500ms", err.Error())
	require.True(t, errors.Is(err, ErrCircuitOpen))
	require.Equal(t, string(CodeCircuit), err.ErrorCode())
	require.Equal(t, "1500", err.Context()["retry_after_ms"])

	var rec RecoverableError
	require.True(t, errors.As(err, &rec))
}

func TestIntegrityError(t *testing.T) {
	err := &IntegrityError{Kind: "snapshot", ID: "backup_1", Expected: "aa", Actual: "bb"}

	require.True(t, errors.Is(err, ErrIntegrityCheck))
	require.Contains(t, err.Error(), "backup_1")
	require.Equal(t, "aa", err.Context()["expected"])
}

func TestSessionExpiredError(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := &SessionExpiredError{ID: "sess_1", ExpiredAt: at}

	require.True(t, errors.Is(err, ErrSessionExpired))
	require.Contains(t, err.Error(), "sess_1")
	require.Equal(t, "2026-03-01T12:00:00Z", err.Context()["expired_at"])
}

func TestStorageError_Unwraps(t *testing.T) {
	inner := errors.New("disk full")
	err := &StorageError{Backend: "sqlite", Key: "state", Op: "set", Err: inner}

	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), `set "state"`)
}

func TestNewPrefixedID(t *testing.T) {
	a := NewPrefixedID("backup")
	b := NewPrefixedID("backup")

	require.NotEqual(t, a, b)
	require.Regexp(t, `^backup_\d+_[0-9a-f]{12}$`, a)
}
