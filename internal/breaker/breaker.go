package breaker

import (
	"context"
	"time"

	"github.com/dgellow/ride-signin/internal/flags"
	"github.com/dgellow/ride-signin/internal/log"
)

const (
	DefaultMaxAttempts = 3
	DefaultWindow      = 30 * time.Second
)

// CircuitState is a snapshot of the persisted counters
type CircuitState struct {
	AttemptCount   int
	WindowStart    time.Time
	MaxAttempts    int
	WindowDuration time.Duration
}

// Breaker bounds sign-in attempts per browser within a rolling window.
// Counters live in the flag store so they survive the redirect round trip.
type Breaker struct {
	store       *flags.Store
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

// New creates a breaker. Non-positive bounds fall back to the defaults and a
// nil clock means time.Now.
func New(store *flags.Store, maxAttempts int, window time.Duration, now func() time.Time) *Breaker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{store: store, maxAttempts: maxAttempts, window: window, now: now}
}

// load returns the current counters, rolling the window over first when it
// has expired. A count without a window start is treated as expired.
func (b *Breaker) load(ctx context.Context) (int, time.Time) {
	count, _ := b.store.GetInt(ctx, flags.CircuitCount)
	startMs, hasStart := b.store.GetInt(ctx, flags.CircuitWindowStart)
	if count < 0 {
		count = 0
	}
	if count == 0 && !hasStart {
		return 0, time.Time{}
	}

	start := time.UnixMilli(startMs)
	if !hasStart || b.now().Sub(start) > b.window {
		log.LogDebugWithFields("breaker", "Window expired, rolling over", map[string]any{
			"attempts": count,
		})
		b.store.SetInt(ctx, flags.CircuitCount, 0)
		b.store.Clear(ctx, flags.CircuitWindowStart)
		return 0, time.Time{}
	}
	return int(count), start
}

// ShouldAllow reports whether another attempt may start
func (b *Breaker) ShouldAllow(ctx context.Context) bool {
	count, _ := b.load(ctx)
	allowed := count < b.maxAttempts
	if !allowed {
		log.LogWarnWithFields("breaker", "Circuit open", map[string]any{
			"attempts":    count,
			"maxAttempts": b.maxAttempts,
		})
	}
	return allowed
}

// RecordAttempt counts one attempt, opening a new window on the first one
func (b *Breaker) RecordAttempt(ctx context.Context) {
	count, _ := b.load(ctx)
	if count == 0 {
		b.store.SetInt(ctx, flags.CircuitWindowStart, b.now().UnixMilli())
	}
	count++
	b.store.SetInt(ctx, flags.CircuitCount, int64(count))
	log.LogTraceWithFields("breaker", "Attempt recorded", map[string]any{"attempts": count})
}

// ForceReset zeroes the counters unconditionally
func (b *Breaker) ForceReset(ctx context.Context) {
	b.store.ClearAll(ctx, flags.CircuitPrefix)
	log.LogDebugWithFields("breaker", "Reset", nil)
}

// State returns the counters as ShouldAllow would see them
func (b *Breaker) State(ctx context.Context) CircuitState {
	count, start := b.load(ctx)
	return CircuitState{
		AttemptCount:   count,
		WindowStart:    start,
		MaxAttempts:    b.maxAttempts,
		WindowDuration: b.window,
	}
}
