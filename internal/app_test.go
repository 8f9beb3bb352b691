package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/ride-signin/internal/autherr"
	"github.com/dgellow/ride-signin/internal/breaker"
	"github.com/dgellow/ride-signin/internal/browser"
	"github.com/dgellow/ride-signin/internal/config"
	"github.com/dgellow/ride-signin/internal/cookie"
	"github.com/dgellow/ride-signin/internal/environment"
	"github.com/dgellow/ride-signin/internal/flags"
	"github.com/dgellow/ride-signin/internal/gate"
	"github.com/dgellow/ride-signin/internal/idp"
	"github.com/dgellow/ride-signin/internal/log"
	"github.com/dgellow/ride-signin/internal/observer"
	"github.com/dgellow/ride-signin/internal/server"
	"github.com/dgellow/ride-signin/internal/signin"
	"github.com/dgellow/ride-signin/internal/storage"
	"github.com/dgellow/ride-signin/internal/testutil"
	"github.com/dgellow/ride-signin/internal/testutil/oidctest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testHandler(t *testing.T, cfg config.Config, provider *testutil.MockProvider) http.Handler {
	store := flags.New(storage.NewMemoryKV(time.Hour), storage.NewMemoryKV(time.Hour))
	validator := gate.New(cfg.Auth.InstitutionSuffix, provider, store)
	obs := observer.New(provider, validator, store, cfg.Routes.Landing, cfg.Routes.Authenticated)
	controller := signin.New(store, breaker.New(store, 10, time.Minute, nil), environment.NewClassifier(cfg.Server.ProductionHost),
		provider, validator, obs,
		signin.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
	h, err := buildHTTPHandler(cfg, storage.NewMemoryKV(time.Hour), server.NewAuthHandlers(controller, obs, provider, nil))
	require.NoError(t, err)
	return h
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Server.BaseURL = "https://rides.university.edu"
	cfg.Server.ProductionHost = "rides.university.edu"
	cfg.Server.AllowedOrigins = []string{"https://rides.university.edu"}
	cfg.Auth.InstitutionSuffix = "university.edu"
	return cfg
}

func TestBasePath(t *testing.T) {
	tests := []struct {
		baseURL string
		want    string
	}{
		{"", ""},
		{"https://rides.university.edu", ""},
		{"https://rides.university.edu/", ""},
		{"https://university.edu/rides/", "/rides"},
	}
	for _, tt := range tests {
		t.Run(tt.baseURL, func(t *testing.T) {
			got, err := basePath(tt.baseURL)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := basePath("https://bad host/\x7f")
	assert.Error(t, err)
}

func TestBuildHTTPHandler_Health(t *testing.T) {
	h := testHandler(t, testConfig(), &testutil.MockProvider{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestBuildHTTPHandler_BasePath(t *testing.T) {
	cfg := testConfig()
	cfg.Server.BaseURL = "https://university.edu/rides"
	h := testHandler(t, cfg, &testutil.MockProvider{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/rides/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBuildHTTPHandler_Preflight(t *testing.T) {
	h := testHandler(t, testConfig(), &testutil.MockProvider{})

	req := httptest.NewRequest("OPTIONS", "/auth/signin", nil)
	req.Header.Set("Origin", "https://rides.university.edu")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://rides.university.edu", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rr.Result().Cookies(), "preflight does not mint a browser ID")
}

func TestBuildHTTPHandler_SignInRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.SignInPerMinute = 1
	cfg.Server.SignInBurst = 1
	provider := &testutil.MockProvider{}
	provider.On("BeginPopup", mock.Anything, mock.Anything).Return(nil, errors.New("unreachable"))
	h := testHandler(t, cfg, provider)

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", path, nil)
		req.Host = "rides.university.edu"
		req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Firefox/120.0")
		req.Header.Set(server.TabHeader, "tab-000001")
		req.AddCookie(&http.Cookie{Name: cookie.BrowserCookie, Value: "browser-rate1"})
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusOK, send("/auth/signin").Code)
	assert.Equal(t, http.StatusTooManyRequests, send("/auth/signin").Code)
	assert.Equal(t, http.StatusNoContent, send("/auth/reset").Code, "only sign-in is rate limited")
	provider.AssertNumberOfCalls(t, "BeginPopup", 1)
}

func TestLogResolved(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
	})

	ctx := browser.WithTab(context.Background(), browser.Tab{BrowserID: "browser-logs1", TabID: "tab-logs01"})
	hook := logResolved("signin")

	hook(ctx, &idp.Identity{ID: "u1", Email: "Rider@University.edu"}, nil)
	out := buf.String()
	assert.Contains(t, out, "Sign-in resolved")
	assert.Contains(t, out, "university.edu")
	assert.Contains(t, out, "browser-logs1/tab-logs01")
	assert.NotContains(t, out, "Rider@", "only the domain is logged")

	buf.Reset()
	hook(ctx, nil, autherr.NewInvalidDomain("university.edu"))
	out = buf.String()
	assert.Contains(t, out, "Sign-in resolved without identity")
	assert.Contains(t, out, "invalid_domain")
}

const (
	flowBrowser = "browser-flow1"
	flowTab     = "tab-flow01"
	mobileUA    = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
)

// redirectFlow drives the wired service with the real OIDC provider against
// a local issuer, as a phone on the production host would
type redirectFlow struct {
	t       *testing.T
	handler http.Handler
	issuer  *oidctest.Issuer
}

func newRedirectFlow(t *testing.T) *redirectFlow {
	issuer := oidctest.NewIssuer(t)
	cfg := testConfig()
	durable := storage.NewMemoryKV(time.Hour)

	provider, err := idp.NewOIDCProvider(context.Background(), idp.OIDCConfig{
		Issuer:       issuer.URL(),
		ClientID:     oidctest.ClientID,
		ClientSecret: "client-secret",
		RedirectURI:  "https://rides.university.edu/auth/callback",
		StateSecret:  []byte(strings.Repeat("k", 32)),
		PopupTimeout: cfg.Auth.PopupTimeout,
		Store:        durable,
	})
	require.NoError(t, err)

	svc, err := newService(cfg, durable, flags.New(durable, storage.NewMemoryKV(time.Hour)), provider,
		signin.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
	require.NoError(t, err)
	svc.observer.Start()
	t.Cleanup(svc.observer.Stop)

	return &redirectFlow{t: t, handler: svc.handler, issuer: issuer}
}

func (f *redirectFlow) request(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Host = "rides.university.edu"
	req.Header.Set("User-Agent", mobileUA)
	req.AddCookie(&http.Cookie{Name: cookie.BrowserCookie, Value: flowBrowser})
	return req
}

func (f *redirectFlow) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

// pageLoad is the page calling GET /auth/state on route
func (f *redirectFlow) pageLoad(route string) server.StateResponse {
	req := f.request("GET", "/auth/state?route="+url.QueryEscape(route))
	req.Header.Set(server.TabHeader, flowTab)
	rr := f.serve(req)
	require.Equal(f.t, http.StatusOK, rr.Code, rr.Body.String())

	var resp server.StateResponse
	require.NoError(f.t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

// signIn starts a redirect sign-in, consents as email on the issuer and
// follows the issuer back to the callback
func (f *redirectFlow) signIn(email string) {
	req := f.request("POST", "/auth/signin")
	req.Header.Set(server.TabHeader, flowTab)
	rr := f.serve(req)
	require.Equal(f.t, http.StatusOK, rr.Code, rr.Body.String())

	query := f.issuer.Authorize(navigateURL(f.t, rr.Body.String()), email)

	// a top-level navigation: no tab header, only the cookie
	rr = f.serve(f.request("GET", "/auth/callback?"+query.Encode()))
	require.Equal(f.t, http.StatusSeeOther, rr.Code, rr.Body.String())
	assert.Equal(f.t, "/", rr.Header().Get("Location"))
}

func navigateURL(t *testing.T, body string) string {
	_, rest, ok := strings.Cut(body, "event: navigate\n")
	require.True(t, ok, "expected a navigate event in %q", body)
	line, _, _ := strings.Cut(rest, "\n")

	var ev server.NavigateEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	require.NotEmpty(t, ev.URL)
	return ev.URL
}

func TestRedirectSignIn_AcceptedEmail(t *testing.T) {
	f := newRedirectFlow(t)

	first := f.pageLoad("/")
	assert.Equal(t, signin.StateIdle, first.State)
	assert.Nil(t, first.Identity)

	f.signIn("rider@university.edu")

	back := f.pageLoad("/")
	assert.Equal(t, signin.StateResolved, back.State)
	assert.Equal(t, signin.ResultSuccess, back.Result)
	assert.Nil(t, back.Error)
	require.NotNil(t, back.Identity)
	assert.Equal(t, "rider@university.edu", back.Identity.Email)
	assert.Equal(t, "/rides", back.Navigate)

	landed := f.pageLoad("/rides")
	require.NotNil(t, landed.Identity, "the session survives the navigation")
	assert.Empty(t, landed.Navigate, "navigation is issued once")
	assert.Empty(t, landed.Result)
	assert.Nil(t, landed.Error)
}

func TestRedirectSignIn_RejectedEmail(t *testing.T) {
	f := newRedirectFlow(t)
	f.pageLoad("/")

	f.signIn("student@gmail.com")

	back := f.pageLoad("/")
	assert.Equal(t, signin.StateIdle, back.State)
	assert.Nil(t, back.Identity)
	assert.Empty(t, back.Navigate)
	require.NotNil(t, back.Error)
	assert.Equal(t, autherr.InvalidDomain, back.Error.Kind)

	again := f.pageLoad("/")
	assert.Nil(t, again.Error, "the notice is shown once")
	assert.Nil(t, again.Identity)
	assert.Empty(t, again.Navigate)
}
