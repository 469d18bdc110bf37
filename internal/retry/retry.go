// Package retry wraps store operations with classification, circuit-breaker
// gating, backup-before-mutate, and retry/backoff. Outcomes are reported to
// the error ledger; the final unrecoverable error is re-raised to the caller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dotcommander/stateguard/internal/breaker"
	"github.com/dotcommander/stateguard/internal/ledger"
	"github.com/dotcommander/stateguard/internal/models"
)

// Policy is the per-class retry tuning.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	Jitter            bool
	RetryableCodes    []models.ErrorCode
}

// retryable reports whether a code is in the policy's retryable set.
func (p Policy) retryable(code models.ErrorCode) bool {
	for _, c := range p.RetryableCodes {
		if c == code {
			return true
		}
	}
	return false
}

// delay computes the backoff before the given retry attempt (1-based). The
// base grows geometrically; jitter adds up to 10% of the computed delay so
// simultaneous retriers do not stampede.
func (p Policy) delay(attempt int, randFloat func() float64) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffMultiplier
	}
	if p.Jitter && randFloat != nil {
		d += randFloat() * 0.1 * d
	}
	return time.Duration(d)
}

// DefaultPolicies returns the per-class retry tuning. Transient codes
// (network, timeout, rate limit, storage contention) retry; validation,
// permission, and integrity failures never do.
func DefaultPolicies() map[string]Policy {
	transient := []models.ErrorCode{
		models.CodeNetwork, models.CodeTimeout, models.CodeRateLimit, models.CodeStorage,
	}
	return map[string]Policy{
		breaker.ClassRead: {
			MaxAttempts:       3,
			BaseDelay:         500 * time.Millisecond,
			BackoffMultiplier: 2,
			Jitter:            true,
			RetryableCodes:    transient,
		},
		breaker.ClassWrite: {
			MaxAttempts:       3,
			BaseDelay:         500 * time.Millisecond,
			BackoffMultiplier: 2,
			Jitter:            true,
			RetryableCodes:    append([]models.ErrorCode{models.CodeConflict}, transient...),
		},
		breaker.ClassCritical: {
			MaxAttempts:       5,
			BaseDelay:         250 * time.Millisecond,
			BackoffMultiplier: 2,
			Jitter:            true,
			RetryableCodes:    transient,
		},
	}
}

// Backupper is the slice of the backup manager the orchestrator needs: a
// forced snapshot before the first attempt of any mutating operation, so a
// failed mutation can be rolled back.
type Backupper interface {
	ForceSnapshot(ctx context.Context) error
}

// Orchestrator coordinates breaker gating, attempts, backoff, and ledger
// reporting for a single protected store.
type Orchestrator struct {
	storeName string
	breakers  *breaker.Registry
	ledger    *ledger.Ledger
	backups   Backupper // optional
	policies  map[string]Policy
	logger    *slog.Logger
	randFloat func() float64

	mu         sync.Mutex
	lastErrors map[string]string // operation name -> most recent ledger error id
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBackups enables backup-before-mutate through the given manager.
func WithBackups(b Backupper) Option {
	return func(o *Orchestrator) { o.backups = b }
}

// WithPolicies overrides the per-class retry policies.
func WithPolicies(p map[string]Policy) Option {
	return func(o *Orchestrator) { o.policies = p }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithJitterSource injects the jitter random source for tests.
func WithJitterSource(f func() float64) Option {
	return func(o *Orchestrator) { o.randFloat = f }
}

// New builds an orchestrator for one store.
func New(storeName string, breakers *breaker.Registry, led *ledger.Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		storeName:  storeName,
		breakers:   breakers,
		ledger:     led,
		policies:   DefaultPolicies(),
		randFloat:  rand.Float64,
		lastErrors: make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Do runs op under the named operation and class. The class selects the
// retry policy and breaker; write and critical operations get a backup
// snapshot before the first attempt. On final failure the error is recorded
// in the ledger and returned; on success after at least one retry, the
// previously recorded error for this operation is marked recovered.
func (o *Orchestrator) Do(ctx context.Context, name, class string, op func(context.Context) error) error {
	policy, ok := o.policies[class]
	if !ok {
		policy = o.policies[breaker.ClassWrite]
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	if o.backups != nil && (class == breaker.ClassWrite || class == breaker.ClassCritical) {
		if err := o.backups.ForceSnapshot(ctx); err != nil {
			// A failed pre-mutation backup is not fatal to the operation.
			o.logger.Warn("pre-mutation backup failed",
				"store", o.storeName, "operation", name, "error", err)
		}
	}

	br := o.breakers.For(class)

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attempts = attempt
		lastErr = br.Execute(ctx, op)
		if lastErr == nil {
			o.settleSuccess(name, attempt)
			return nil
		}

		code := models.Classify(lastErr)

		// A rejection by an open breaker is terminal for this call; retrying
		// would only hammer the cooldown.
		if code == models.CodeCircuit {
			break
		}

		// Critical operations retry on anything transient enough to have a
		// chance; other classes consult the policy's retryable set.
		if !policy.retryable(code) && class != breaker.ClassCritical {
			break
		}
		if class == breaker.ClassCritical && nonRetryableAlways(code) {
			break
		}

		if attempt == policy.MaxAttempts {
			break
		}

		if err := o.wait(ctx, policy.delay(attempt, o.randFloat)); err != nil {
			lastErr = err
			break
		}
	}

	o.settleFailure(name, class, attempts, lastErr)
	return lastErr
}

// nonRetryableAlways lists codes that no class, critical included, retries:
// the operation is deterministically rejected, not transiently failing.
func nonRetryableAlways(code models.ErrorCode) bool {
	switch code {
	case models.CodeValidation, models.CodePermission, models.CodeIntegrity:
		return true
	}
	return false
}

// wait sleeps for d but aborts when ctx is cancelled, so a caller-level
// timeout cuts the retry sequence short without orphaned timers.
func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// settleSuccess marks the previous ledger entry for this operation recovered
// when the success followed at least one retry.
func (o *Orchestrator) settleSuccess(name string, attempt int) {
	if attempt <= 1 {
		return
	}
	o.mu.Lock()
	id, ok := o.lastErrors[name]
	delete(o.lastErrors, name)
	o.mu.Unlock()
	if ok {
		o.ledger.MarkRecovered(id)
	}
}

// settleFailure records the exhausted operation in the ledger.
func (o *Orchestrator) settleFailure(name, class string, attempts int, err error) {
	if err == nil {
		return
	}

	code := models.Classify(err)
	severity := models.DeriveSeverity(class)
	if class == breaker.ClassCritical {
		severity = models.SeverityCritical
	}

	ctxMap := map[string]string{
		"attempts": fmt.Sprintf("%d", attempts),
		"class":    class,
	}
	var rec models.RecoverableError
	if errors.As(err, &rec) {
		for k, v := range rec.Context() {
			ctxMap[k] = v
		}
	}

	stored := o.ledger.Record(ledger.RecordInput{
		Code:          code,
		Message:       err.Error(),
		StackTrace:    string(debug.Stack()),
		Context:       ctxMap,
		Severity:      severity,
		Retryable:     !nonRetryableAlways(code),
		OperationName: name,
		StoreName:     o.storeName,
	})

	o.mu.Lock()
	o.lastErrors[name] = stored.ID
	o.mu.Unlock()

	o.logger.Error("operation failed after retries",
		"store", o.storeName, "operation", name, "class", class,
		"attempts", attempts, "code", string(code), "error", err)
}
