package signin

import (
	"context"
	"time"

	"github.com/dgellow/ride-signin/internal/environment"
	"github.com/dgellow/ride-signin/internal/flags"
)

// AttemptRecord is one sign-in attempt as persisted in the flag store
type AttemptRecord struct {
	ID string
	// Tab is the tab ID that started the attempt
	Tab       string
	Method    environment.Method
	StartedAt time.Time
	Checked   bool
	// Timeout is not persisted; it is filled in from the controller's timings
	Timeout time.Duration
}

// ExpiresAt is StartedAt + Timeout
func (r *AttemptRecord) ExpiresAt() time.Time {
	return r.StartedAt.Add(r.Timeout)
}

// Expired reports whether the record is past its TTL
func (r *AttemptRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt())
}

// InFlight is started, not checked and not expired
func (r *AttemptRecord) InFlight(now time.Time) bool {
	return !r.Checked && !r.Expired(now)
}

// loadRecord reads the attempt. Anything missing or unparsable reads as no record.
func loadRecord(ctx context.Context, store *flags.Store, timeout time.Duration) *AttemptRecord {
	startedMs, ok := store.GetInt(ctx, flags.RedirectStarted)
	if !ok || startedMs <= 0 {
		return nil
	}
	raw, _ := store.Get(ctx, flags.RedirectMethod)
	method, ok := environment.ParseMethod(raw)
	if !ok {
		return nil
	}
	id, _ := store.Get(ctx, flags.RedirectID)
	tab, _ := store.Get(ctx, flags.RedirectTab)
	return &AttemptRecord{
		ID:        id,
		Tab:       tab,
		Method:    method,
		StartedAt: time.UnixMilli(startedMs),
		Checked:   store.GetBool(ctx, flags.RedirectChecked),
		Timeout:   timeout,
	}
}

// writeRecord stores a fresh attempt. redirect.started goes last so a
// partial write reads as no record.
func writeRecord(ctx context.Context, store *flags.Store, r *AttemptRecord) {
	store.Set(ctx, flags.RedirectID, r.ID)
	store.Set(ctx, flags.RedirectTab, r.Tab)
	store.Set(ctx, flags.RedirectMethod, string(r.Method))
	store.SetBool(ctx, flags.RedirectChecked, r.Checked)
	store.SetInt(ctx, flags.RedirectStarted, r.StartedAt.UnixMilli())
}

func markChecked(ctx context.Context, store *flags.Store) {
	store.SetBool(ctx, flags.RedirectChecked, true)
}

func clearRecord(ctx context.Context, store *flags.Store) {
	store.ClearAll(ctx, flags.RedirectPrefix)
}
