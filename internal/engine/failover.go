package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// KVStore is the minimal interface needed for breaker state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// CircuitBreaker tracks failure counts and trip state for a single provider.
type CircuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// FailoverConfig tunes a FailoverCompleter.
type FailoverConfig struct {
	Threshold int           // failures before tripping (default 5)
	Cooldown  time.Duration // time before resetting (default 5min)
	KVStore   KVStore       // optional breaker persistence
	Logger    *slog.Logger
}

// FailoverCompleter wraps a primary Completer with ordered fallbacks and
// per-provider circuit breakers. It implements Completer.
type FailoverCompleter struct {
	primary   NamedCompleter
	fallbacks []NamedCompleter
	breakers  map[string]*CircuitBreaker
	logger    *slog.Logger

	mu             sync.Mutex
	threshold      int
	cooldownPeriod time.Duration
	kvStore        KVStore
	now            func() time.Time
}

// NewFailoverCompleter creates a FailoverCompleter that tries the primary
// first, then each fallback in order. A breaker trips after Threshold
// consecutive failures and resets after Cooldown elapses.
func NewFailoverCompleter(primary NamedCompleter, fallbacks []NamedCompleter, cfg FailoverConfig) *FailoverCompleter {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	breakers := make(map[string]*CircuitBreaker)
	breakers[primary.Name] = &CircuitBreaker{}
	for _, fb := range fallbacks {
		breakers[fb.Name] = &CircuitBreaker{}
	}

	return &FailoverCompleter{
		primary:        primary,
		fallbacks:      fallbacks,
		breakers:       breakers,
		logger:         logger,
		threshold:      threshold,
		cooldownPeriod: cooldown,
		kvStore:        cfg.KVStore,
		now:            time.Now,
	}
}

// Complete tries the primary first. If it fails or its circuit breaker is
// tripped, it iterates through fallbacks in order. It stops early once ctx is
// done, since every remaining provider would see the same deadline.
func (fc *FailoverCompleter) Complete(ctx context.Context, prompt, sessionHint string) (string, error) {
	candidates := append([]NamedCompleter{fc.primary}, fc.fallbacks...)
	var lastErr error

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		if fc.isTripped(c.Name) {
			fc.logger.Info("failover: skipping tripped provider", "provider", c.Name)
			continue
		}

		out, err := c.Completer.Complete(ctx, prompt, sessionHint)
		if err == nil {
			fc.recordSuccess(c.Name)
			return out, nil
		}

		lastErr = err
		fc.recordFailure(c.Name)
		ec := ClassifyError(err)
		fc.logger.Warn("failover: provider failed",
			"provider", c.Name,
			"error_class", string(ec),
			"session_id", sessionHint,
			"error", err,
		)

		// The transcript is the same everywhere; a smaller model will not fit it either.
		if ec == ErrorClassContextOverflow {
			return "", fmt.Errorf("failover: context overflow from %s: %w", c.Name, err)
		}
	}

	if lastErr == nil {
		return "", fmt.Errorf("failover: all providers tripped: %w", ErrNoProvider)
	}
	return "", fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

// isTripped returns true if the named provider's circuit breaker is tripped
// and the cooldown period has not yet elapsed.
func (fc *FailoverCompleter) isTripped(name string) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cb, ok := fc.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if fc.now().Sub(cb.lastFailure) >= fc.cooldownPeriod {
		cb.tripped = false
		cb.failures = 0
		fc.logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

// recordFailure increments the failure count and trips the breaker if threshold is reached.
func (fc *FailoverCompleter) recordFailure(name string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cb, ok := fc.breakers[name]
	if !ok {
		cb = &CircuitBreaker{}
		fc.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = fc.now()
	if cb.failures >= fc.threshold {
		cb.tripped = true
		fc.logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
	fc.persistBreakerState(name, cb)
}

// recordSuccess resets the failure count for the named provider.
func (fc *FailoverCompleter) recordSuccess(name string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cb, ok := fc.breakers[name]
	if !ok {
		return
	}
	cb.failures = 0
	cb.tripped = false
	fc.persistBreakerState(name, cb)
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// persistBreakerState saves a single breaker's state to the KV store.
// Must be called with fc.mu held.
func (fc *FailoverCompleter) persistBreakerState(name string, cb *CircuitBreaker) {
	if fc.kvStore == nil {
		return
	}
	data, err := json.Marshal(breakerState{
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
		Tripped:     cb.tripped,
	})
	if err != nil {
		return
	}
	if err := fc.kvStore.KVSet(context.Background(), "cb:"+name, string(data)); err != nil {
		fc.logger.Warn("failover: persist breaker state failed", "provider", name, "error", err)
	}
}

// LoadBreakerState restores circuit breaker state from the KV store.
func (fc *FailoverCompleter) LoadBreakerState(ctx context.Context) {
	if fc.kvStore == nil {
		return
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for name, cb := range fc.breakers {
		val, err := fc.kvStore.KVGet(ctx, "cb:"+name)
		if err != nil || val == "" {
			continue
		}
		var state breakerState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		cb.failures = state.Failures
		cb.lastFailure = state.LastFailure
		cb.tripped = state.Tripped
	}
}

// SetKVStore enables persistent circuit breaker state.
func (fc *FailoverCompleter) SetKVStore(store KVStore) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.kvStore = store
}
