package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/dgellow/ride-signin/internal/browser"
	"github.com/dgellow/ride-signin/internal/crypto"
	"github.com/dgellow/ride-signin/internal/emailutil"
	"github.com/dgellow/ride-signin/internal/log"
	"github.com/dgellow/ride-signin/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

var _ Provider = (*OIDCProvider)(nil)

// ErrNoTab is returned when a flow is started without a browser tab in context
var ErrNoTab = errors.New("no browser tab in context")

// ErrUnknownAuthorization is returned for callbacks that do not match an open authorization
var ErrUnknownAuthorization = errors.New("authorization expired or already used")

// OIDCConfig configures an OpenID Connect provider.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// StateSecret signs the OAuth state parameter
	StateSecret []byte

	SessionTTL   time.Duration
	PopupTimeout time.Duration
	// PendingTTL bounds how long an authorization may stay open
	PendingTTL time.Duration

	// Store holds sessions and pending redirect results
	Store storage.KV

	Now        func() time.Time
	HTTPClient *http.Client
}

type popupResult struct {
	identity *Identity
	err      error
}

// authRequest is one open authorization. Process-local: the PKCE verifier
// and nonce never leave memory.
type authRequest struct {
	id        string
	verifier  string
	nonce     string
	tab       browser.Tab
	method    string
	returnURL string
	expiresAt time.Time
	// waiter is set for popup flows, buffered so the sender never blocks
	waiter chan popupResult
}

// CallbackResult tells the HTTP layer how to finish the provider callback
type CallbackResult struct {
	Method    string
	ReturnURL string
	Tab       browser.Tab
	// Err is the flow's failure, already delivered to the waiting page
	Err error
}

// Popup reports whether the callback finished a popup flow
func (r *CallbackResult) Popup() bool {
	return r.Method == methodPopup
}

// OIDCProvider drives the authorization code flow with PKCE against an
// OpenID Connect issuer and keeps per-browser sessions.
type OIDCProvider struct {
	config     oauth2.Config
	verifier   *oidc.IDTokenVerifier
	state      *stateSigner
	sessions   *sessionStore
	httpClient *http.Client

	popupTimeout time.Duration
	pendingTTL   time.Duration
	now          func() time.Time

	mu      sync.Mutex
	pending map[string]*authRequest

	listeners listeners
}

func (cfg *OIDCConfig) applyDefaults() {
	if cfg.Issuer == "" {
		cfg.Issuer = GoogleIssuer
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 12 * time.Hour
	}
	if cfg.PopupTimeout <= 0 {
		cfg.PopupTimeout = 30 * time.Second
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// NewOIDCProvider runs discovery against the issuer and creates the provider
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	cfg.applyDefaults()
	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}

	discovered, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OIDC discovery: %w", err)
	}
	verifier := discovered.Verifier(&oidc.Config{
		ClientID: cfg.ClientID,
		Now:      cfg.Now,
	})

	log.LogInfoWithFields("idp", "OIDC discovery complete", map[string]any{
		"issuer": cfg.Issuer,
	})
	return newOIDCProvider(cfg, discovered.Endpoint(), verifier)
}

func newOIDCProvider(cfg OIDCConfig, endpoint oauth2.Endpoint, verifier *oidc.IDTokenVerifier) (*OIDCProvider, error) {
	cfg.applyDefaults()
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("clientId is required")
	}
	if cfg.RedirectURI == "" {
		return nil, fmt.Errorf("redirectUri is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	signer, err := newStateSigner(cfg.StateSecret, cfg.PendingTTL, cfg.Now)
	if err != nil {
		return nil, err
	}

	return &OIDCProvider{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		verifier:     verifier,
		state:        signer,
		sessions:     &sessionStore{kv: cfg.Store, ttl: cfg.SessionTTL, now: cfg.Now},
		httpClient:   cfg.HTTPClient,
		popupTimeout: cfg.PopupTimeout,
		pendingTTL:   cfg.PendingTTL,
		now:          cfg.Now,
		pending:      make(map[string]*authRequest),
	}, nil
}

func (p *OIDCProvider) clientContext(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// begin opens an authorization and returns it with its URL
func (p *OIDCProvider) begin(ctx context.Context, c Constraints, method string) (*authRequest, string, error) {
	tab, ok := browser.TabFrom(ctx)
	if !ok {
		return nil, "", ErrNoTab
	}
	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, "", err
	}

	now := p.now()
	req := &authRequest{
		id:        uuid.NewString(),
		verifier:  oauth2.GenerateVerifier(),
		nonce:     nonce,
		tab:       tab,
		method:    method,
		returnURL: sanitizeReturnURL(c.ReturnURL),
		expiresAt: now.Add(p.pendingTTL),
	}
	if method == methodPopup {
		req.waiter = make(chan popupResult, 1)
	}

	state, err := p.state.sign(req.id, tab, method, req.returnURL)
	if err != nil {
		return nil, "", err
	}

	opts := append([]oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(req.verifier),
		oidc.Nonce(req.nonce),
	}, constraintOptions(c)...)
	authURL := p.config.AuthCodeURL(state, opts...)

	if err := p.sessions.openAuthorization(ctx, tab, req.id); err != nil {
		return nil, "", err
	}

	p.mu.Lock()
	for id, r := range p.pending {
		if now.After(r.expiresAt) {
			delete(p.pending, id)
		}
	}
	p.pending[req.id] = req
	p.mu.Unlock()

	log.LogDebugWithFields("idp", "Authorization started", map[string]any{
		"method": method,
		"tab":    tab.String(),
	})
	return req, authURL, nil
}

func (p *OIDCProvider) drop(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// take removes and returns the open authorization for id
func (p *OIDCProvider) take(id string) *authRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.pending[id]
	if !ok {
		return nil
	}
	delete(p.pending, id)
	if p.now().After(req.expiresAt) {
		return nil
	}
	return req
}

// BeginPopup asks the page to open the authorization URL and waits for the
// callback, a cancellation from the page, or the popup timeout.
func (p *OIDCProvider) BeginPopup(ctx context.Context, c Constraints) (*Identity, error) {
	req, authURL, err := p.begin(ctx, c, methodPopup)
	if err != nil {
		return nil, err
	}
	defer p.drop(req.id)

	if c.OpenPopup == nil {
		return nil, ErrPopupBlocked
	}
	if err := c.OpenPopup(authURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPopupBlocked, err)
	}

	timer := time.NewTimer(p.popupTimeout)
	defer timer.Stop()

	select {
	case res := <-req.waiter:
		return res.identity, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrPopupTimeout
	}
}

// BeginRedirect returns the authorization URL; the result is picked up by
// ResolvePendingRedirect once the browser comes back
func (p *OIDCProvider) BeginRedirect(ctx context.Context, c Constraints) (string, error) {
	_, authURL, err := p.begin(ctx, c, methodRedirect)
	return authURL, err
}

// CancelPopup reports that the page could not open the popup or that the user
// closed it. reason is "blocked" or "closed".
func (p *OIDCProvider) CancelPopup(state, reason string) error {
	claims, err := p.state.parse(state)
	if err != nil {
		return err
	}
	cause := ErrPopupClosed
	if reason == "blocked" {
		cause = ErrPopupBlocked
	}

	p.mu.Lock()
	req, ok := p.pending[claims.ID]
	p.mu.Unlock()
	if !ok || req.waiter == nil {
		return ErrUnknownAuthorization
	}

	select {
	case req.waiter <- popupResult{err: cause}:
	default:
		// the callback already delivered a result
	}
	return nil
}

// HandleCallback completes the flow named by the state parameter. The
// returned error is non-nil only when the callback cannot be matched to an
// open authorization; flow failures are delivered to the page and reported in
// CallbackResult.Err.
func (p *OIDCProvider) HandleCallback(ctx context.Context, query url.Values) (*CallbackResult, error) {
	claims, err := p.state.parse(query.Get("state"))
	if err != nil {
		return nil, err
	}
	req := p.take(claims.ID)
	if req == nil || req.tab != claims.tab() || req.method != claims.Method {
		return nil, ErrUnknownAuthorization
	}
	ctx = browser.WithTab(ctx, req.tab)

	var identity *Identity
	if e := query.Get("error"); e != "" {
		if e == "access_denied" {
			err = ErrAccessDenied
		} else {
			err = fmt.Errorf("identity provider error: %s", e)
		}
	} else {
		identity, err = p.exchange(ctx, req, query.Get("code"))
	}

	p.finish(ctx, req, identity, err)
	return &CallbackResult{
		Method:    req.method,
		ReturnURL: req.returnURL,
		Tab:       req.tab,
		Err:       err,
	}, nil
}

func (p *OIDCProvider) exchange(ctx context.Context, req *authRequest, code string) (*Identity, error) {
	if code == "" {
		return nil, errors.New("missing authorization code")
	}

	token, err := p.config.Exchange(p.clientContext(ctx), code, oauth2.VerifierOption(req.verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("no ID token in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("ID token verification failed: %w", err)
	}
	if idToken.Nonce != req.nonce {
		return nil, errors.New("invalid nonce")
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to extract claims: %w", err)
	}
	if claims.Subject == "" || claims.Email == "" {
		return nil, errors.New("ID token is missing sub or email")
	}
	return claims.identity(), nil
}

// finish records the outcome and wakes whoever is waiting for it
func (p *OIDCProvider) finish(ctx context.Context, req *authRequest, identity *Identity, err error) {
	fields := map[string]any{
		"method": req.method,
		"tab":    req.tab.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		log.LogWarnWithFields("idp", "Authorization failed", fields)
	} else {
		fields["domain"] = emailutil.ExtractDomain(identity.Email)
		log.LogInfoWithFields("idp", "Authorization complete", fields)
		if serr := p.sessions.putSession(ctx, req.tab.BrowserID, *identity); serr != nil {
			log.LogErrorWithFields("idp", "Failed to store session", map[string]any{
				"error": serr.Error(),
			})
		}
	}

	if req.method == methodRedirect {
		pending := pendingResult{AuthID: req.id, Identity: identity}
		if err != nil {
			pending.Error = err.Error()
			pending.Denied = errors.Is(err, ErrAccessDenied)
		}
		if perr := p.sessions.putPending(ctx, req.tab, pending); perr != nil {
			log.LogErrorWithFields("idp", "Failed to store pending redirect result", map[string]any{
				"error": perr.Error(),
			})
		}
	}

	if err == nil {
		p.listeners.notify(ctx, identity)
	}

	if req.waiter != nil {
		select {
		case req.waiter <- popupResult{identity: identity, err: err}:
		default:
		}
	}
}

// ResolvePendingRedirect consumes the tab's pending redirect result
func (p *OIDCProvider) ResolvePendingRedirect(ctx context.Context) (*Identity, error) {
	tab, ok := browser.TabFrom(ctx)
	if !ok {
		return nil, nil
	}
	pending, err := p.sessions.takePending(ctx, tab)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, nil
	}
	if pending.Denied {
		return nil, ErrAccessDenied
	}
	if pending.Error != "" {
		return nil, errors.New(pending.Error)
	}
	return pending.Identity, nil
}

// SignOut deletes the browser's session and any redirect result its tabs
// have not picked up yet, then notifies listeners
func (p *OIDCProvider) SignOut(ctx context.Context) error {
	tab, ok := browser.TabFrom(ctx)
	if !ok {
		return ErrNoTab
	}
	if err := p.sessions.deleteSession(ctx, tab.BrowserID); err != nil {
		return err
	}
	if err := p.sessions.clearBrowser(ctx, tab.BrowserID); err != nil {
		return err
	}
	log.LogDebugWithFields("idp", "Signed out", map[string]any{"browser": tab.BrowserID})
	p.listeners.notify(ctx, nil)
	return nil
}

// OnAuthStateChanged registers a session listener
func (p *OIDCProvider) OnAuthStateChanged(l Listener) func() {
	return p.listeners.add(l)
}

// CurrentUser returns the browser's session identity, or nil
func (p *OIDCProvider) CurrentUser(ctx context.Context) (*Identity, error) {
	tab, ok := browser.TabFrom(ctx)
	if !ok {
		return nil, nil
	}
	return p.sessions.session(ctx, tab.BrowserID)
}
