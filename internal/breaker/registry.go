package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// Operation classes with dedicated breaker tuning. Critical operations
// fast-fail on a low threshold and short cooldown; reads tolerate far more
// failures before tripping.
const (
	ClassRead     = "read"
	ClassWrite    = "write"
	ClassCritical = "critical"
)

// DefaultConfigs returns the per-class breaker tuning.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		ClassRead:     {Threshold: 10, Timeout: 60 * time.Second, HalfOpenMaxAttempts: 3},
		ClassWrite:    {Threshold: 5, Timeout: 30 * time.Second, HalfOpenMaxAttempts: 2},
		ClassCritical: {Threshold: 2, Timeout: 5 * time.Second, HalfOpenMaxAttempts: 1},
	}
}

// Registry owns one breaker per operation class. It replaces the ambient
// module-level breaker map of older designs: a composition root constructs
// one registry and passes it down.
type Registry struct {
	mu       sync.Mutex
	configs  map[string]Config
	breakers map[string]*Breaker
	logger   *slog.Logger
}

// NewRegistry returns a registry using the given per-class configs. Classes
// without an entry fall back to the write tuning.
func NewRegistry(configs map[string]Config, logger *slog.Logger) *Registry {
	if configs == nil {
		configs = DefaultConfigs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		configs:  configs,
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

// For returns the breaker owning the given operation class, creating it on
// first use.
func (r *Registry) For(class string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[class]; ok {
		return b
	}
	cfg, ok := r.configs[class]
	if !ok {
		cfg = r.configs[ClassWrite]
	}
	b := New(class, cfg, r.logger)
	r.breakers[class] = b
	return b
}

// Stats returns a snapshot of every instantiated breaker, keyed by class.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Stats, len(r.breakers))
	for class, b := range r.breakers {
		out[class] = b.Stats()
	}
	return out
}
