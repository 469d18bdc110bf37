package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RecoverableError is implemented by enriched errors that carry structured
// context and remediation hints. Components use this interface to classify
// failures without importing each other.
type RecoverableError interface {
	error
	ErrorCode() string
	Context() map[string]string
	SuggestedAction() string
}

// ErrorCode identifies a failure category. Codes drive retry eligibility
// and severity derivation.
type ErrorCode string

// Error code constants.
const (
	CodeNetwork    ErrorCode = "NETWORK_ERROR"
	CodeTimeout    ErrorCode = "TIMEOUT"
	CodeConflict   ErrorCode = "CONFLICT"
	CodeRateLimit  ErrorCode = "RATE_LIMIT"
	CodeValidation ErrorCode = "VALIDATION_ERROR"
	CodePermission ErrorCode = "PERMISSION_ERROR"
	CodeStorage    ErrorCode = "STORAGE_ERROR"
	CodeIntegrity  ErrorCode = "INTEGRITY_ERROR"
	CodeCircuit    ErrorCode = "CIRCUIT_OPEN"
	CodeUnknown    ErrorCode = "UNKNOWN_ERROR"
)

// Severity ranks how damaging a failure is to the user's data.
type Severity string

// Severity constants, ordered low to critical.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DeriveSeverity maps an operation kind to a default severity. Callers may
// override the result when they know better.
func DeriveSeverity(operationKind string) Severity {
	switch strings.ToLower(operationKind) {
	case "read", "list", "query":
		return SeverityLow
	case "write", "update", "create":
		return SeverityMedium
	case "delete", "bulk":
		return SeverityHigh
	case "import", "reset":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// Sentinel errors shared across the subsystem.
var (
	ErrKeyNotFound     = errors.New("key not found")
	ErrNoBackups       = errors.New("no backups available")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrIntegrityCheck  = errors.New("integrity check failed: checksum mismatch")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrNoHydrationData = errors.New("no persisted state found")
)

// CircuitOpenError is raised when an operation is rejected because its
// breaker is open. RetryAfter is the remaining cooldown.
type CircuitOpenError struct {
	OperationClass string
	RetryAfter     time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open, retry after %dms", e.RetryAfter.Milliseconds())
}
func (e *CircuitOpenError) ErrorCode() string { return string(CodeCircuit) }
func (e *CircuitOpenError) Context() map[string]string {
	return map[string]string{
		"operation_class": e.OperationClass,
		"retry_after_ms":  strconv.FormatInt(e.RetryAfter.Milliseconds(), 10),
	}
}
func (e *CircuitOpenError) SuggestedAction() string {
	return fmt.Sprintf("wait %dms and retry, or check the underlying store", e.RetryAfter.Milliseconds())
}
func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// IntegrityError reports a checksum mismatch on a snapshot or session record.
type IntegrityError struct {
	Kind     string // "snapshot" or "session"
	ID       string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s %s failed integrity check", e.Kind, e.ID)
}
func (e *IntegrityError) ErrorCode() string { return string(CodeIntegrity) }
func (e *IntegrityError) Context() map[string]string {
	return map[string]string{
		"kind":     e.Kind,
		"id":       e.ID,
		"expected": e.Expected,
		"actual":   e.Actual,
	}
}
func (e *IntegrityError) SuggestedAction() string {
	return "discard this record and restore from an older backup"
}
func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrityCheck }

// SessionExpiredError reports a restore attempt on a session past its TTL.
type SessionExpiredError struct {
	ID        string
	ExpiredAt time.Time
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session %s expired at %s", e.ID, e.ExpiredAt.Format(time.RFC3339))
}
func (e *SessionExpiredError) ErrorCode() string { return "SESSION_EXPIRED" }
func (e *SessionExpiredError) Context() map[string]string {
	return map[string]string{
		"session_id": e.ID,
		"expired_at": e.ExpiredAt.Format(time.RFC3339),
	}
}
func (e *SessionExpiredError) SuggestedAction() string {
	return "preserve a fresh session; expired records are removed on access"
}
func (e *SessionExpiredError) Is(target error) bool { return target == ErrSessionExpired }

// StorageError wraps a backend failure with the backend name and key.
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %s %q: %v", e.Backend, e.Op, e.Key, e.Err)
}
func (e *StorageError) ErrorCode() string { return string(CodeStorage) }
func (e *StorageError) Context() map[string]string {
	return map[string]string{"backend": e.Backend, "key": e.Key, "op": e.Op}
}
func (e *StorageError) SuggestedAction() string {
	return "check disk space and permissions for the storage backend"
}
func (e *StorageError) Unwrap() error { return e.Err }

// Classify maps an arbitrary error to an ErrorCode. Errors implementing
// RecoverableError report their own code; everything else is matched on
// sentinel identity, then on well-known message fragments.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var rec RecoverableError
	if errors.As(err, &rec) {
		if c := ErrorCode(rec.ErrorCode()); knownCode(c) {
			return c
		}
	}

	switch {
	case errors.Is(err, ErrIntegrityCheck):
		return CodeIntegrity
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuit
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return CodeTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return CodeNetwork
	case strings.Contains(msg, "conflict"):
		return CodeConflict
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return CodeRateLimit
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation"):
		return CodeValidation
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return CodePermission
	case strings.Contains(msg, "quota") || strings.Contains(msg, "corrupt") ||
		strings.Contains(msg, "database is locked") || strings.Contains(msg, "disk"):
		return CodeStorage
	default:
		return CodeUnknown
	}
}

func knownCode(c ErrorCode) bool {
	switch c {
	case CodeNetwork, CodeTimeout, CodeConflict, CodeRateLimit, CodeValidation,
		CodePermission, CodeStorage, CodeIntegrity, CodeCircuit, CodeUnknown:
		return true
	}
	return false
}
