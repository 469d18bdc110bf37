// Package breaker implements a per-operation-class circuit breaker with the
// classic three-state machine: closed, open, half-open.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dotcommander/stateguard/internal/models"
)

// State is one of the three breaker states.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes a single breaker.
type Config struct {
	// Threshold is the consecutive-failure count that opens the breaker.
	Threshold int
	// Timeout is the cooldown after which an open breaker admits trials.
	Timeout time.Duration
	// HalfOpenMaxAttempts is the number of trial calls permitted while
	// half-open; that many consecutive successes close the breaker.
	HalfOpenMaxAttempts int
}

// Stats is a read-only view of breaker counters.
type Stats struct {
	State           State         `json:"state"`
	FailureCount    int           `json:"failure_count"`
	SuccessCount    int           `json:"success_count"`
	LastFailureTime time.Time     `json:"last_failure_time"`
	TotalAttempts   int64         `json:"total_attempts"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// Breaker guards one operation class. Transitions happen only inside
// Execute; callers never mutate state directly.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state            State
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	totalAttempts    int64
	avgResponseTime  time.Duration
	halfOpenInFlight int

	class  string
	logger *slog.Logger
	now    func() time.Time
}

// New returns a closed breaker for the given operation class.
func New(class string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		cfg:    cfg,
		state:  StateClosed,
		class:  class,
		logger: logger,
		now:    time.Now,
	}
}

// Execute runs op through the breaker. While open it rejects immediately
// with a CircuitOpenError carrying the remaining cooldown. Latency is folded
// into a rolling average regardless of outcome.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	start := b.now()
	err := op(ctx)
	b.settle(err, b.now().Sub(start))
	return err
}

// admit decides whether a call may proceed, applying the open → half-open
// transition when the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		// fall through

	case StateOpen:
		elapsed := b.now().Sub(b.lastFailureTime)
		if elapsed < b.cfg.Timeout {
			return &models.CircuitOpenError{
				OperationClass: b.class,
				RetryAfter:     b.cfg.Timeout - elapsed,
			}
		}
		b.transitionLocked(StateHalfOpen)

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxAttempts {
			return &models.CircuitOpenError{
				OperationClass: b.class,
				RetryAfter:     b.cfg.Timeout,
			}
		}
	}

	if b.state == StateHalfOpen {
		b.halfOpenInFlight++
	}
	b.totalAttempts++
	return nil
}

// settle records the outcome of an admitted call and applies the remaining
// transitions of the state machine.
func (b *Breaker) settle(err error, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Rolling average over all attempts seen so far.
	if b.totalAttempts > 0 {
		b.avgResponseTime += (latency - b.avgResponseTime) / time.Duration(b.totalAttempts)
	}

	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if err != nil {
		b.failureCount++
		b.successCount = 0
		b.lastFailureTime = b.now()

		switch b.state {
		case StateClosed:
			if b.failureCount >= b.cfg.Threshold {
				b.transitionLocked(StateOpen)
			}
		case StateHalfOpen:
			// Any failure during trial reopens immediately.
			b.transitionLocked(StateOpen)
		}
		return
	}

	b.successCount++
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		if b.successCount >= b.cfg.HalfOpenMaxAttempts {
			b.transitionLocked(StateClosed)
		}
	}
}

// transitionLocked moves to next and resets the counters that belong to the
// entered state. Caller holds b.mu.
func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	b.logger.Debug("circuit breaker transition",
		"class", b.class, "from", string(b.state), "to", string(next))
	b.state = next

	switch next {
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.halfOpenInFlight = 0
	case StateHalfOpen:
		b.successCount = 0
		b.halfOpenInFlight = 0
	case StateOpen:
		b.halfOpenInFlight = 0
	}
}

// State returns the current state, applying the time-based open → half-open
// transition so observers see the effective state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastFailureTime) >= b.cfg.Timeout {
		return StateHalfOpen
	}
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		TotalAttempts:   b.totalAttempts,
		AvgResponseTime: b.avgResponseTime,
	}
}

// setClock injects a clock for tests.
func (b *Breaker) setClock(now func() time.Time) { b.now = now }
