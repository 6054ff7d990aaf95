package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rijantuby/rijantuby/pkg/provider/realtime"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker. The last entry's error is wrapped alongside it so
// that quota classification still sees the cause.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// member of a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallbacks of the same type,
// each behind its own breaker. Calls go to the first healthy entry in
// registration order.
//
// Entries are registered during setup; after that the group is safe for
// concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after all previously added ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in failover order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// AllOpen reports whether every entry's breaker is open.
func (fg *FallbackGroup[T]) AllOpen() bool {
	for _, e := range fg.entries {
		if !e.breaker.Open() {
			return false
		}
	}
	return true
}

// Execute tries fn against each entry until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry until one succeeds and
// returns its result. Entries with an open breaker are skipped. A cancelled
// context stops the failover immediately.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", entry.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// RealtimeFallback is a [realtime.Provider] that fails over between
// backends, typically the same endpoint with different models. Failover only
// covers the handshake; an established session is never migrated.
type RealtimeFallback struct {
	group *FallbackGroup[realtime.Provider]
}

var _ realtime.Provider = (*RealtimeFallback)(nil)

// NewRealtimeFallback creates a [RealtimeFallback] preferring primary.
func NewRealtimeFallback(primary realtime.Provider, primaryName string, cfg FallbackConfig) *RealtimeFallback {
	return &RealtimeFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *RealtimeFallback) AddFallback(name string, p realtime.Provider) {
	f.group.AddFallback(name, p)
}

// Connect opens a session on the first backend that accepts it.
func (f *RealtimeFallback) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	return ExecuteWithResult(f.group, func(p realtime.Provider) (realtime.Session, error) {
		return p.Connect(ctx, cfg)
	})
}

// Open reports whether every backend's breaker is open.
func (f *RealtimeFallback) Open() bool { return f.group.AllOpen() }

// Names returns the backend names in failover order.
func (f *RealtimeFallback) Names() []string { return f.group.Names() }
