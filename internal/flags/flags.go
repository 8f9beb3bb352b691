package flags

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/dgellow/ride-signin/internal/browser"
	"github.com/dgellow/ride-signin/internal/log"
	"github.com/dgellow/ride-signin/internal/storage"
)

// Key is a logical flag name. Storage key strings are derived from it.
type Key string

const (
	RedirectStarted Key = "redirect.started"
	RedirectChecked Key = "redirect.checked"
	RedirectMethod  Key = "redirect.method"
	RedirectID      Key = "redirect.id"
	RedirectTab     Key = "redirect.tab"

	CircuitCount       Key = "circuit.count"
	CircuitWindowStart Key = "circuit.windowStart"

	// nav.* and notice.* flags belong to one tab and are kept in the tab tier only
	NavRoute      Key = "nav.route"
	NavInProgress Key = "nav.inProgress"
	NavTarget     Key = "nav.target"

	// NoticeError holds an error kind to show on the tab's next page load
	NoticeError Key = "notice.error"
)

// Prefixes accepted by ClearAll
const (
	RedirectPrefix = "redirect."
	CircuitPrefix  = "circuit."
	NavPrefix      = "nav."
	NoticePrefix   = "notice."
)

func tabOnly(key string) bool {
	return strings.HasPrefix(key, NavPrefix) || strings.HasPrefix(key, NoticePrefix)
}

// Store writes every flag to two tiers and reads them back as one.
//
// The durable tier is shared by all tabs of a browser; the ephemeral tier is
// private to a tab. Either tier may lose data independently, so:
//   - writes go to both tiers and a failing tier never fails the other
//   - reads prefer the durable value, then the ephemeral one
//   - storage errors are logged and read as absent
//
// Without a tab in the context every read is absent and every write is dropped.
type Store struct {
	durable   storage.KV
	ephemeral storage.KV
}

// New creates a flag store over the two tiers
func New(durable, ephemeral storage.KV) *Store {
	return &Store{durable: durable, ephemeral: ephemeral}
}

func durableKey(tab browser.Tab, key string) string {
	return "b/" + tab.BrowserID + "/" + key
}

func ephemeralKey(tab browser.Tab, key string) string {
	return "t/" + tab.BrowserID + "/" + tab.TabID + "/" + key
}

func logFailure(op, tier string, key string, err error) {
	log.LogWarnWithFields("flags", "Flag storage failed, treating as absent", map[string]any{
		"op":    op,
		"tier":  tier,
		"key":   key,
		"error": err.Error(),
	})
}

// Set writes value under key in both tiers
func (s *Store) Set(ctx context.Context, key Key, value string) {
	tab, ok := browser.TabFrom(ctx)
	if !ok {
		log.LogDebugWithFields("flags", "No tab in context, dropping write", map[string]any{"key": string(key)})
		return
	}
	k := string(key)
	if !tabOnly(k) {
		if err := s.durable.Set(ctx, durableKey(tab, k), value); err != nil {
			logFailure("set", "durable", k, err)
		}
	}
	if err := s.ephemeral.Set(ctx, ephemeralKey(tab, k), value); err != nil {
		logFailure("set", "ephemeral", k, err)
	}
	log.LogTraceWithFields("flags", "Flag set", map[string]any{"key": k, "tab": tab.String()})
}

// Get returns the durable value if present, else the ephemeral one
func (s *Store) Get(ctx context.Context, key Key) (string, bool) {
	tab, ok := browser.TabFrom(ctx)
	if !ok {
		return "", false
	}
	k := string(key)
	if !tabOnly(k) {
		v, err := s.durable.Get(ctx, durableKey(tab, k))
		if err == nil {
			return v, true
		}
		if !errors.Is(err, storage.ErrNotFound) {
			logFailure("get", "durable", k, err)
		}
	}
	v, err := s.ephemeral.Get(ctx, ephemeralKey(tab, k))
	if err == nil {
		return v, true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		logFailure("get", "ephemeral", k, err)
	}
	return "", false
}

// Clear removes key from both tiers
func (s *Store) Clear(ctx context.Context, key Key) {
	tab, ok := browser.TabFrom(ctx)
	if !ok {
		return
	}
	k := string(key)
	if err := s.durable.Delete(ctx, durableKey(tab, k)); err != nil {
		logFailure("clear", "durable", k, err)
	}
	if err := s.ephemeral.Delete(ctx, ephemeralKey(tab, k)); err != nil {
		logFailure("clear", "ephemeral", k, err)
	}
}

// ClearAll removes every key starting with prefix from both tiers.
// The durable tier is cleared for the whole browser, the ephemeral tier
// only for the current tab.
func (s *Store) ClearAll(ctx context.Context, prefix string) {
	tab, ok := browser.TabFrom(ctx)
	if !ok {
		return
	}
	if err := s.durable.DeletePrefix(ctx, durableKey(tab, prefix)); err != nil {
		logFailure("clearAll", "durable", prefix, err)
	}
	if err := s.ephemeral.DeletePrefix(ctx, ephemeralKey(tab, prefix)); err != nil {
		logFailure("clearAll", "ephemeral", prefix, err)
	}
	log.LogTraceWithFields("flags", "Flags cleared", map[string]any{"prefix": prefix, "tab": tab.String()})
}

// GetInt reads an integer flag; unparsable values read as absent
func (s *Store) GetInt(ctx context.Context, key Key) (int64, bool) {
	v, ok := s.Get(ctx, key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SetInt writes an integer flag
func (s *Store) SetInt(ctx context.Context, key Key, n int64) {
	s.Set(ctx, key, strconv.FormatInt(n, 10))
}

// GetBool reads a boolean flag; anything but "true" is false
func (s *Store) GetBool(ctx context.Context, key Key) bool {
	v, ok := s.Get(ctx, key)
	return ok && v == "true"
}

// SetBool writes a boolean flag
func (s *Store) SetBool(ctx context.Context, key Key, b bool) {
	s.Set(ctx, key, strconv.FormatBool(b))
}
