package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/ride-signin/internal/browser"
	"github.com/dgellow/ride-signin/internal/storage"
)

// sessionRecord is the browser's signed-in session
type sessionRecord struct {
	Identity  Identity  `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// pendingResult is a finished redirect flow waiting for the page to load.
// AuthID names the authorization that produced it.
type pendingResult struct {
	AuthID   string    `json:"authz"`
	Identity *Identity `json:"identity,omitempty"`
	Error    string    `json:"error,omitempty"`
	Denied   bool      `json:"denied,omitempty"`
}

func sessionKey(browserID string) string {
	return "session/" + browserID
}

func pendingKey(tab browser.Tab) string {
	return "pending/" + tab.BrowserID + "/" + tab.TabID
}

// authorizationKey holds the ID of the tab's latest authorization
func authorizationKey(tab browser.Tab) string {
	return "authz/" + tab.BrowserID + "/" + tab.TabID
}

// sessionStore keeps sessions and pending results in the durable KV
type sessionStore struct {
	kv  storage.KV
	ttl time.Duration
	now func() time.Time
}

func (s *sessionStore) putSession(ctx context.Context, browserID string, identity Identity) error {
	data, err := json.Marshal(sessionRecord{Identity: identity, ExpiresAt: s.now().Add(s.ttl)})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.kv.Set(ctx, sessionKey(browserID), string(data)); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *sessionStore) session(ctx context.Context, browserID string) (*Identity, error) {
	raw, err := s.kv.Get(ctx, sessionKey(browserID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// unreadable sessions are dropped rather than trusted
		_ = s.kv.Delete(ctx, sessionKey(browserID))
		return nil, nil
	}
	if !s.now().Before(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec.Identity, nil
}

func (s *sessionStore) deleteSession(ctx context.Context, browserID string) error {
	if err := s.kv.Delete(ctx, sessionKey(browserID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *sessionStore) putPending(ctx context.Context, tab browser.Tab, p pendingResult) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending result: %w", err)
	}
	if err := s.kv.Set(ctx, pendingKey(tab), string(data)); err != nil {
		return fmt.Errorf("store pending result: %w", err)
	}
	return nil
}

// openAuthorization makes id the tab's only acceptable redirect result and
// drops whatever an earlier authorization left behind
func (s *sessionStore) openAuthorization(ctx context.Context, tab browser.Tab, id string) error {
	if err := s.kv.Delete(ctx, pendingKey(tab)); err != nil {
		return fmt.Errorf("drop pending result: %w", err)
	}
	if err := s.kv.Set(ctx, authorizationKey(tab), id); err != nil {
		return fmt.Errorf("store authorization: %w", err)
	}
	return nil
}

// takePending returns and deletes the tab's pending result. A result from
// any authorization but the tab's latest one is discarded.
func (s *sessionStore) takePending(ctx context.Context, tab browser.Tab) (*pendingResult, error) {
	key := pendingKey(tab)
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending result: %w", err)
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("consume pending result: %w", err)
	}
	var p pendingResult
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, nil
	}

	current, err := s.kv.Get(ctx, authorizationKey(tab))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load authorization: %w", err)
	}
	if p.AuthID == "" || p.AuthID != current {
		return nil, nil
	}
	if err := s.kv.Delete(ctx, authorizationKey(tab)); err != nil {
		return nil, fmt.Errorf("consume authorization: %w", err)
	}
	return &p, nil
}

// clearBrowser removes pending results and authorizations of every tab
func (s *sessionStore) clearBrowser(ctx context.Context, browserID string) error {
	for _, prefix := range []string{"pending/" + browserID + "/", "authz/" + browserID + "/"} {
		if err := s.kv.DeletePrefix(ctx, prefix); err != nil {
			return fmt.Errorf("clear %s: %w", prefix, err)
		}
	}
	return nil
}
