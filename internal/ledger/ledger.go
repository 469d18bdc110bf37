// Package ledger keeps an append-only, size-bounded record of operation
// failures with aggregated metrics. It is the terminal sink for every failure
// in the resilience layer: no ledger operation returns an error, and internal
// problems are logged and swallowed rather than propagated.
package ledger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dotcommander/stateguard/internal/models"
)

const (
	// DefaultMaxErrors is the hard cap on buffered errors.
	DefaultMaxErrors = 100

	// retainFraction is how much of the buffer survives an auto-cleanup pass.
	retainFraction = 0.7
)

// RecordInput is the caller-supplied portion of a StoreError. ID and
// Timestamp are assigned by the ledger.
type RecordInput struct {
	Code          models.ErrorCode
	Message       string
	StackTrace    string
	Context       map[string]string
	Severity      models.Severity
	Retryable     bool
	OperationName string
	StoreName     string
}

// Ledger is a newest-first ring buffer of StoreErrors.
type Ledger struct {
	mu               sync.Mutex
	maxErrors        int
	cleanupThreshold int
	errors           []*models.StoreError
	metrics          models.ErrorMetrics
	logger           *slog.Logger
	now              func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMaxErrors overrides the hard cap on buffered errors.
func WithMaxErrors(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxErrors = n
		}
	}
}

// WithLogger sets the logger for swallowed internal problems.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithAutoCleanupThreshold sets the soft cap. When the buffer grows past n,
// a cleanup pass retains only the newest 70% of n. Callers set this below
// maxErrors to keep headroom instead of evicting one entry per record once
// the hard cap is reached. Zero disables the pass.
func WithAutoCleanupThreshold(n int) Option {
	return func(l *Ledger) { l.cleanupThreshold = n }
}

// New returns an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		maxErrors: DefaultMaxErrors,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.recomputeMetricsLocked()
	return l
}

// Record assigns an id and timestamp, prepends the error to the buffer,
// updates aggregate metrics, and evicts from the tail when over capacity.
// Returns the stored error for caller bookkeeping (e.g. later MarkRecovered).
func (l *Ledger) Record(in RecordInput) *models.StoreError {
	l.mu.Lock()
	defer l.mu.Unlock()

	if in.Code == "" {
		in.Code = models.CodeUnknown
	}
	if in.Severity == "" {
		in.Severity = models.SeverityMedium
	}

	e := &models.StoreError{
		ID:            models.NewPrefixedID("err"),
		Code:          in.Code,
		Message:       in.Message,
		StackTrace:    in.StackTrace,
		Context:       in.Context,
		Timestamp:     l.now(),
		Severity:      in.Severity,
		Retryable:     in.Retryable,
		OperationName: in.OperationName,
		StoreName:     in.StoreName,
	}

	l.errors = append([]*models.StoreError{e}, l.errors...)

	// Hard cap: evict oldest.
	if len(l.errors) > l.maxErrors {
		l.errors = l.errors[:l.maxErrors]
	}

	// Soft cap: secondary eviction pass retaining the newest 70% of the
	// threshold once it is exceeded.
	if l.cleanupThreshold > 0 && len(l.errors) > l.cleanupThreshold {
		keep := int(float64(l.cleanupThreshold) * retainFraction)
		if keep < 1 {
			keep = 1
		}
		if keep < len(l.errors) {
			l.errors = l.errors[:keep]
		}
	}

	l.recomputeMetricsLocked()
	return e
}

// Clear removes all errors, or only those for storeName when non-empty.
func (l *Ledger) Clear(storeName string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if storeName == "" {
		l.errors = nil
	} else {
		kept := l.errors[:0]
		for _, e := range l.errors {
			if e.StoreName != storeName {
				kept = append(kept, e)
			}
		}
		l.errors = kept
	}
	l.recomputeMetricsLocked()
}

// MarkRecovered flips the recovered flag on the error with the given id.
// Unknown ids are ignored.
func (l *Ledger) MarkRecovered(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.errors {
		if e.ID == id {
			e.Recovered = true
			l.recomputeMetricsLocked()
			return
		}
	}
	l.logger.Debug("mark recovered: unknown error id", "id", id)
}

// MarkReported flips the reported flag on the error with the given id.
func (l *Ledger) MarkReported(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.errors {
		if e.ID == id {
			e.Reported = true
			return
		}
	}
}

// Query returns all errors matching the predicate, newest first.
func (l *Ledger) Query(pred func(*models.StoreError) bool) []*models.StoreError {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*models.StoreError
	for _, e := range l.errors {
		if pred == nil || pred(e) {
			c := *e
			out = append(out, &c)
		}
	}
	return out
}

// All returns every buffered error, newest first.
func (l *Ledger) All() []*models.StoreError {
	return l.Query(nil)
}

// CriticalErrors returns the buffered errors with critical severity.
func (l *Ledger) CriticalErrors() []*models.StoreError {
	return l.Query(func(e *models.StoreError) bool {
		return e.Severity == models.SeverityCritical
	})
}

// Len returns the current buffer length.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

// Metrics returns the current aggregate metrics.
func (l *Ledger) Metrics() models.ErrorMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := l.metrics
	m.ErrorsByStore = copyIntMap(l.metrics.ErrorsByStore)
	m.ErrorsBySeverity = copySevMap(l.metrics.ErrorsBySeverity)
	return m
}

// recomputeMetricsLocked rebuilds the aggregate from the current buffer.
func (l *Ledger) recomputeMetricsLocked() {
	m := models.ErrorMetrics{
		TotalErrors:      len(l.errors),
		ErrorsByStore:    make(map[string]int),
		ErrorsBySeverity: make(map[models.Severity]int),
	}

	recovered := 0
	for _, e := range l.errors {
		m.ErrorsByStore[e.StoreName]++
		m.ErrorsBySeverity[e.Severity]++
		if e.Recovered {
			recovered++
		}
		if m.LastErrorTime == nil || e.Timestamp.After(*m.LastErrorTime) {
			t := e.Timestamp
			m.LastErrorTime = &t
		}
	}
	if len(l.errors) > 0 {
		m.RecoverySuccessRate = float64(recovered) / float64(len(l.errors))
	}

	l.metrics = m
}

func copyIntMap(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copySevMap(in map[models.Severity]int) map[models.Severity]int {
	out := make(map[models.Severity]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
