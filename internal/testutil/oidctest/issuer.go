// Package oidctest runs an OpenID Connect issuer for tests
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// ClientID is the audience of every ID token the issuer signs
const ClientID = "client-id"

const keyID = "test-key"

type fakeGrant struct {
	challenge string
	nonce     string
	claims    jwt.MapClaims
}

// Issuer is a minimal OpenID Connect issuer: discovery, JWKS and a token
// endpoint that checks PKCE and returns a signed ID token.
type Issuer struct {
	t      *testing.T
	server *httptest.Server
	key    *rsa.PrivateKey

	mu     sync.Mutex
	grants map[string]fakeGrant
	next   int
}

// NewIssuer starts an issuer that stops with the test
func NewIssuer(t *testing.T) *Issuer {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &Issuer{t: t, key: key, grants: make(map[string]fakeGrant)}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", f.discovery)
	mux.HandleFunc("/jwks", f.jwks)
	mux.HandleFunc("/token", f.token)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

// URL is the issuer identifier
func (f *Issuer) URL() string {
	return f.server.URL
}

func (f *Issuer) discovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                f.server.URL,
		"authorization_endpoint":                f.server.URL + "/authorize",
		"token_endpoint":                        f.server.URL + "/token",
		"jwks_uri":                              f.server.URL + "/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (f *Issuer) jwks(w http.ResponseWriter, r *http.Request) {
	pub := f.key.PublicKey
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": keyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

// Authorize plays the user consenting on the provider's page: it takes the
// authorization URL the provider built and returns the callback query.
func (f *Issuer) Authorize(authURL, email string) url.Values {
	u, err := url.Parse(authURL)
	require.NoError(f.t, err)
	q := u.Query()

	f.mu.Lock()
	f.next++
	code := fmt.Sprintf("code-%d", f.next)
	f.grants[code] = fakeGrant{
		challenge: q.Get("code_challenge"),
		nonce:     q.Get("nonce"),
		claims: jwt.MapClaims{
			"sub":            "user-" + email,
			"email":          email,
			"email_verified": true,
			"name":           "Test Rider",
		},
	}
	f.mu.Unlock()

	return url.Values{"state": {q.Get("state")}, "code": {code}}
}

// OverrideNonce makes the token for code carry nonce instead of the requested one
func (f *Issuer) OverrideNonce(code, nonce string) {
	f.mu.Lock()
	g := f.grants[code]
	g.nonce = nonce
	f.grants[code] = g
	f.mu.Unlock()
}

func (f *Issuer) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	code := r.PostForm.Get("code")

	f.mu.Lock()
	grant, ok := f.grants[code]
	delete(f.grants, code)
	f.mu.Unlock()

	if !ok {
		writeTokenError(w, "invalid_grant")
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != grant.challenge {
		writeTokenError(w, "invalid_grant")
		return
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   f.server.URL,
		"aud":   ClientID,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"nonce": grant.nonce,
	}
	for k, v := range grant.claims {
		claims[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = keyID
	idToken, err := tok.SignedString(f.key)
	require.NoError(f.t, err)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "access-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	})
}

func writeTokenError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
