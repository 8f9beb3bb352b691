package idp

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/ride-signin/internal/browser"
	"github.com/dgellow/ride-signin/internal/storage"
	"github.com/dgellow/ride-signin/internal/testutil/oidctest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClientID = oidctest.ClientID

var testSecret = []byte(strings.Repeat("k", 32))

func newTestProvider(t *testing.T, mutate ...func(*OIDCConfig)) (*OIDCProvider, *oidctest.Issuer) {
	issuer := oidctest.NewIssuer(t)
	cfg := OIDCConfig{
		Issuer:       issuer.URL(),
		ClientID:     testClientID,
		ClientSecret: "client-secret",
		RedirectURI:  "https://rides.university.edu/auth/callback",
		StateSecret:  testSecret,
		Store:        storage.NewMemoryKV(time.Hour),
		PopupTimeout: 2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := NewOIDCProvider(context.Background(), cfg)
	require.NoError(t, err)
	return p, issuer
}

func tabCtx(tabID string) context.Context {
	return browser.WithTab(context.Background(), browser.Tab{BrowserID: "browser-aaaa", TabID: tabID})
}

func TestNewOIDCProvider_Validation(t *testing.T) {
	issuer := oidctest.NewIssuer(t)
	base := OIDCConfig{
		Issuer:      issuer.URL(),
		ClientID:    testClientID,
		RedirectURI: "https://rides.university.edu/auth/callback",
		StateSecret: testSecret,
		Store:       storage.NewMemoryKV(time.Hour),
	}

	tests := []struct {
		name    string
		mutate  func(*OIDCConfig)
		wantErr string
	}{
		{"missing client id", func(c *OIDCConfig) { c.ClientID = "" }, "clientId is required"},
		{"missing redirect uri", func(c *OIDCConfig) { c.RedirectURI = "" }, "redirectUri is required"},
		{"missing store", func(c *OIDCConfig) { c.Store = nil }, "session store is required"},
		{"short secret", func(c *OIDCConfig) { c.StateSecret = []byte("short") }, "at least 32 bytes"},
		{"bad issuer", func(c *OIDCConfig) { c.Issuer = issuer.URL() + "/nope" }, "discovery"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := NewOIDCProvider(context.Background(), cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOIDCProvider_AuthURL(t *testing.T) {
	p, issuer := newTestProvider(t)

	authURL, err := p.BeginRedirect(tabCtx("tab-aaaa1"), Constraints{
		HostedDomain:         "@University.edu",
		PromptAccountChooser: true,
		ReturnURL:            "/rides",
	})
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.True(t, strings.HasPrefix(authURL, issuer.URL()+"/authorize"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, "university.edu", q.Get("hd"))
	assert.Equal(t, "select_account", q.Get("prompt"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, q.Get("nonce"))
	assert.Contains(t, q.Get("scope"), "openid")

	claims, err := p.state.parse(q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "browser-aaaa", claims.Browser)
	assert.Equal(t, "tab-aaaa1", claims.Tab)
	assert.Equal(t, methodRedirect, claims.Method)
	assert.Equal(t, "/rides", claims.ReturnURL)
}

func TestOIDCProvider_RedirectFlow(t *testing.T) {
	p, issuer := newTestProvider(t)
	ctx := tabCtx("tab-aaaa1")

	authURL, err := p.BeginRedirect(ctx, Constraints{ReturnURL: "/rides"})
	require.NoError(t, err)

	// the callback arrives without the tab header; the state carries the tab
	res, err := p.HandleCallback(context.Background(), issuer.Authorize(authURL, "rider@university.edu"))
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.False(t, res.Popup())
	assert.Equal(t, "/rides", res.ReturnURL)
	assert.Equal(t, "tab-aaaa1", res.Tab.TabID)

	current, err := p.CurrentUser(tabCtx("tab-other1"))
	require.NoError(t, err)
	require.NotNil(t, current, "session is shared by the browser's tabs")
	assert.Equal(t, "rider@university.edu", current.Email)

	identity, err := p.ResolvePendingRedirect(ctx)
	require.NoError(t, err)
	require.NotNil(t, identity)
	assert.Equal(t, "rider@university.edu", identity.Email)
	assert.Equal(t, "user-rider@university.edu", identity.ID)
	assert.Equal(t, "Test Rider", identity.DisplayName)
	assert.True(t, identity.Verified)

	again, err := p.ResolvePendingRedirect(ctx)
	require.NoError(t, err)
	assert.Nil(t, again, "pending results are consumed once")
}

func TestOIDCProvider_PendingIsPerTab(t *testing.T) {
	p, issuer := newTestProvider(t)

	authURL, err := p.BeginRedirect(tabCtx("tab-aaaa1"), Constraints{})
	require.NoError(t, err)
	_, err = p.HandleCallback(context.Background(), issuer.Authorize(authURL, "rider@university.edu"))
	require.NoError(t, err)

	other, err := p.ResolvePendingRedirect(tabCtx("tab-aaaa2"))
	require.NoError(t, err)
	assert.Nil(t, other)

	none, err := p.ResolvePendingRedirect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestOIDCProvider_StalePendingResult(t *testing.T) {
	t.Run("sign out drops the result", func(t *testing.T) {
		p, issuer := newTestProvider(t)
		ctx := tabCtx("tab-aaaa1")
		authURL, err := p.BeginRedirect(ctx, Constraints{})
		require.NoError(t, err)
		_, err = p.HandleCallback(context.Background(), issuer.Authorize(authURL, "rider@university.edu"))
		require.NoError(t, err)

		require.NoError(t, p.SignOut(tabCtx("tab-aaaa2")))

		identity, err := p.ResolvePendingRedirect(ctx)
		require.NoError(t, err)
		assert.Nil(t, identity)
	})

	t.Run("new attempt after sign out is never completed", func(t *testing.T) {
		p, issuer := newTestProvider(t)
		ctx := tabCtx("tab-aaaa1")
		authURL, err := p.BeginRedirect(ctx, Constraints{})
		require.NoError(t, err)
		_, err = p.HandleCallback(context.Background(), issuer.Authorize(authURL, "rider@university.edu"))
		require.NoError(t, err)
		require.NoError(t, p.SignOut(ctx))

		// the user goes to the provider and presses Back
		_, err = p.BeginRedirect(ctx, Constraints{})
		require.NoError(t, err)

		identity, err := p.ResolvePendingRedirect(ctx)
		require.NoError(t, err)
		assert.Nil(t, identity)
	})

	t.Run("unread result is superseded by the next attempt", func(t *testing.T) {
		p, issuer := newTestProvider(t)
		ctx := tabCtx("tab-aaaa1")
		authURL, err := p.BeginRedirect(ctx, Constraints{})
		require.NoError(t, err)
		_, err = p.HandleCallback(context.Background(), issuer.Authorize(authURL, "rider@university.edu"))
		require.NoError(t, err)

		_, err = p.BeginRedirect(ctx, Constraints{})
		require.NoError(t, err)

		identity, err := p.ResolvePendingRedirect(ctx)
		require.NoError(t, err)
		assert.Nil(t, identity)
	})

	t.Run("callback for an older attempt", func(t *testing.T) {
		p, issuer := newTestProvider(t)
		ctx := tabCtx("tab-aaaa1")
		first, err := p.BeginRedirect(ctx, Constraints{})
		require.NoError(t, err)
		second, err := p.BeginRedirect(ctx, Constraints{})
		require.NoError(t, err)

		_, err = p.HandleCallback(context.Background(), issuer.Authorize(first, "old@university.edu"))
		require.NoError(t, err)
		identity, err := p.ResolvePendingRedirect(ctx)
		require.NoError(t, err)
		assert.Nil(t, identity)

		_, err = p.HandleCallback(context.Background(), issuer.Authorize(second, "rider@university.edu"))
		require.NoError(t, err)
		identity, err = p.ResolvePendingRedirect(ctx)
		require.NoError(t, err)
		require.NotNil(t, identity)
		assert.Equal(t, "rider@university.edu", identity.Email)
	})
}

func TestOIDCProvider_CallbackRejections(t *testing.T) {
	t.Run("replayed callback", func(t *testing.T) {
		p, issuer := newTestProvider(t)
		authURL, err := p.BeginRedirect(tabCtx("tab-aaaa1"), Constraints{})
		require.NoError(t, err)
		query := issuer.Authorize(authURL, "rider@university.edu")

		_, err = p.HandleCallback(context.Background(), query)
		require.NoError(t, err)
		_, err = p.HandleCallback(context.Background(), query)
		assert.ErrorIs(t, err, ErrUnknownAuthorization)
	})

	t.Run("tampered state", func(t *testing.T) {
		p, issuer := newTestProvider(t)
		authURL, err := p.BeginRedirect(tabCtx("tab-aaaa1"), Constraints{})
		require.NoError(t, err)
		query := issuer.Authorize(authURL, "rider@university.edu")
		query.Set("state", query.Get("state")+"x")

		_, err = p.HandleCallback(context.Background(), query)
		assert.ErrorIs(t, err, errInvalidState)
	})

	t.Run("state from another deployment", func(t *testing.T) {
		p, issuer := newTestProvider(t)
		other, _ := newTestProvider(t, func(c *OIDCConfig) {
			c.StateSecret = []byte(strings.Repeat("z", 32))
		})
		authURL, err := other.BeginRedirect(tabCtx("tab-aaaa1"), Constraints{})
		require.NoError(t, err)

		_, err = p.HandleCallback(context.Background(), issuer.Authorize(authURL, "rider@university.edu"))
		assert.ErrorIs(t, err, errInvalidState)
	})

	t.Run("expired authorization", func(t *testing.T) {
		var mu sync.Mutex
		now := time.Now()
		clock := func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}
		p, issuer := newTestProvider(t, func(c *OIDCConfig) {
			c.Now = clock
			c.PendingTTL = time.Minute
		})
		authURL, err := p.BeginRedirect(tabCtx("tab-aaaa1"), Constraints{})
		require.NoError(t, err)

		mu.Lock()
		now = now.Add(2 * time.Minute)
		mu.Unlock()

		_, err = p.HandleCallback(context.Background(), issuer.Authorize(authURL, "rider@university.edu"))
		assert.Error(t, err)
	})
}

func TestOIDCProvider_FlowFailures(t *testing.T) {
	t.Run("nonce mismatch", func(t *testing.T) {
		p, issuer := newTestProvider(t)
		ctx := tabCtx("tab-aaaa1")
		authURL, err := p.BeginRedirect(ctx, Constraints{})
		require.NoError(t, err)
		query := issuer.Authorize(authURL, "rider@university.edu")
		issuer.OverrideNonce(query.Get("code"), "replayed-nonce")

		res, err := p.HandleCallback(context.Background(), query)
		require.NoError(t, err)
		require.Error(t, res.Err)
		assert.Contains(t, res.Err.Error(), "nonce")

		identity, err := p.ResolvePendingRedirect(ctx)
		assert.Nil(t, identity)
		assert.Error(t, err)

		current, err := p.CurrentUser(ctx)
		require.NoError(t, err)
		assert.Nil(t, current)
	})

	t.Run("user declined", func(t *testing.T) {
		p, issuer := newTestProvider(t)
		ctx := tabCtx("tab-aaaa1")
		authURL, err := p.BeginRedirect(ctx, Constraints{})
		require.NoError(t, err)
		query := issuer.Authorize(authURL, "rider@university.edu")
		query.Del("code")
		query.Set("error", "access_denied")

		res, err := p.HandleCallback(context.Background(), query)
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err, ErrAccessDenied)

		_, err = p.ResolvePendingRedirect(ctx)
		assert.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("no tab", func(t *testing.T) {
		p, _ := newTestProvider(t)
		_, err := p.BeginRedirect(context.Background(), Constraints{})
		assert.ErrorIs(t, err, ErrNoTab)
		assert.ErrorIs(t, p.SignOut(context.Background()), ErrNoTab)
	})
}

func TestOIDCProvider_PopupFlow(t *testing.T) {
	p, issuer := newTestProvider(t)
	ctx := tabCtx("tab-aaaa1")

	opened := make(chan string, 1)
	done := make(chan struct{})
	var identity *Identity
	var popupErr error
	go func() {
		defer close(done)
		identity, popupErr = p.BeginPopup(ctx, Constraints{
			OpenPopup: func(u string) error {
				opened <- u
				return nil
			},
		})
	}()

	authURL := <-opened
	res, err := p.HandleCallback(context.Background(), issuer.Authorize(authURL, "rider@university.edu"))
	require.NoError(t, err)
	assert.True(t, res.Popup())

	<-done
	require.NoError(t, popupErr)
	require.NotNil(t, identity)
	assert.Equal(t, "rider@university.edu", identity.Email)

	pending, err := p.ResolvePendingRedirect(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending, "popup results are not left pending")
}

func TestOIDCProvider_PopupFailures(t *testing.T) {
	t.Run("page cannot open popup", func(t *testing.T) {
		p, _ := newTestProvider(t)
		_, err := p.BeginPopup(tabCtx("tab-aaaa1"), Constraints{
			OpenPopup: func(string) error { return errors.New("stream closed") },
		})
		assert.ErrorIs(t, err, ErrPopupBlocked)

		_, err = p.BeginPopup(tabCtx("tab-aaaa1"), Constraints{})
		assert.ErrorIs(t, err, ErrPopupBlocked)
	})

	for _, tc := range []struct {
		reason string
		want   error
	}{
		{"blocked", ErrPopupBlocked},
		{"closed", ErrPopupClosed},
	} {
		t.Run("page reports "+tc.reason, func(t *testing.T) {
			p, _ := newTestProvider(t)
			errCh := make(chan error, 1)
			_, err := p.BeginPopup(tabCtx("tab-aaaa1"), Constraints{
				OpenPopup: func(u string) error {
					parsed, err := url.Parse(u)
					require.NoError(t, err)
					// the page reports back on another request
					go func() { errCh <- p.CancelPopup(parsed.Query().Get("state"), tc.reason) }()
					return nil
				},
			})
			assert.ErrorIs(t, err, tc.want)
			assert.NoError(t, <-errCh)
		})
	}

	t.Run("popup never reports back", func(t *testing.T) {
		p, _ := newTestProvider(t, func(c *OIDCConfig) { c.PopupTimeout = 50 * time.Millisecond })
		_, err := p.BeginPopup(tabCtx("tab-aaaa1"), Constraints{OpenPopup: func(string) error { return nil }})
		assert.ErrorIs(t, err, ErrPopupTimeout)
	})

	t.Run("cancel for unknown popup", func(t *testing.T) {
		p, _ := newTestProvider(t)
		authURL, err := p.BeginRedirect(tabCtx("tab-aaaa1"), Constraints{})
		require.NoError(t, err)
		u, _ := url.Parse(authURL)

		assert.ErrorIs(t, p.CancelPopup(u.Query().Get("state"), "closed"), ErrUnknownAuthorization)
		assert.Error(t, p.CancelPopup("garbage", "closed"))
	})
}

func TestOIDCProvider_Listeners(t *testing.T) {
	p, issuer := newTestProvider(t)
	ctx := tabCtx("tab-aaaa1")

	var mu sync.Mutex
	var seen []*Identity
	var tabs []string
	unsubscribe := p.OnAuthStateChanged(func(ctx context.Context, identity *Identity) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, identity)
		tab, _ := browser.TabFrom(ctx)
		tabs = append(tabs, tab.TabID)
	})

	authURL, err := p.BeginRedirect(ctx, Constraints{})
	require.NoError(t, err)
	_, err = p.HandleCallback(context.Background(), issuer.Authorize(authURL, "rider@university.edu"))
	require.NoError(t, err)
	require.NoError(t, p.SignOut(ctx))

	mu.Lock()
	require.Len(t, seen, 2)
	assert.Equal(t, "rider@university.edu", seen[0].Email)
	assert.Nil(t, seen[1])
	assert.Equal(t, []string{"tab-aaaa1", "tab-aaaa1"}, tabs)
	mu.Unlock()

	current, err := p.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	unsubscribe()
	unsubscribe()
	require.NoError(t, p.SignOut(ctx))
	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()
}

func TestOIDCProvider_SessionExpiry(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	p, issuer := newTestProvider(t, func(c *OIDCConfig) {
		c.Now = clock
		c.SessionTTL = time.Minute
	})
	ctx := tabCtx("tab-aaaa1")

	authURL, err := p.BeginRedirect(ctx, Constraints{})
	require.NoError(t, err)
	_, err = p.HandleCallback(context.Background(), issuer.Authorize(authURL, "rider@university.edu"))
	require.NoError(t, err)

	current, err := p.CurrentUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	current, err = p.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
}
