package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key doesn't exist or has expired
var ErrNotFound = errors.New("key not found")

// KV is a flat string key/value store with per-entry retention.
//
// Every backend stamps entries with now+retention on Set; an entry past
// that deadline reads as ErrNotFound even before cleanup removes it.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Expirer is implemented by backends that need help evicting expired entries.
// Redis expires keys on its own and does not implement it.
type Expirer interface {
	DeleteExpired(ctx context.Context) (int, error)
}

type options struct {
	now func() time.Time
}

// Option configures a backend
type Option func(*options)

// WithNow overrides the clock used to stamp and check expiry
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
