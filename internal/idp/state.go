package idp

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dgellow/ride-signin/internal/browser"
	"github.com/dgellow/ride-signin/internal/crypto"
	"github.com/golang-jwt/jwt/v5"
)

const stateIssuer = "ride-signin"

// Flow methods carried in the state
const (
	methodPopup    = "popup"
	methodRedirect = "redirect"
)

// stateClaims is the OAuth state parameter. It binds the callback to the tab
// that started the flow and to one pending authorization.
type stateClaims struct {
	jwt.RegisteredClaims
	Browser   string `json:"bid"`
	Tab       string `json:"tid"`
	Method    string `json:"mth"`
	ReturnURL string `json:"ret,omitempty"`
}

func (c *stateClaims) tab() browser.Tab {
	return browser.Tab{BrowserID: c.Browser, TabID: c.Tab}
}

type stateSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func newStateSigner(secret []byte, ttl time.Duration, now func() time.Time) (*stateSigner, error) {
	key, err := crypto.DeriveKey(secret, "oauth-state")
	if err != nil {
		return nil, fmt.Errorf("state key: %w", err)
	}
	return &stateSigner{key: key, ttl: ttl, now: now}, nil
}

func (s *stateSigner) sign(id string, tab browser.Tab, method, returnURL string) (string, error) {
	now := s.now()
	claims := stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    stateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Browser:   tab.BrowserID,
		Tab:       tab.TabID,
		Method:    method,
		ReturnURL: returnURL,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing state: %w", err)
	}
	return signed, nil
}

var errInvalidState = errors.New("invalid state parameter")

func (s *stateSigner) parse(raw string) (*stateClaims, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidState, err)
	}
	if claims.ID == "" || !claims.tab().Valid() {
		return nil, errInvalidState
	}
	if claims.Method != methodPopup && claims.Method != methodRedirect {
		return nil, errInvalidState
	}
	return &claims, nil
}

// sanitizeReturnURL only allows same-origin absolute paths
func sanitizeReturnURL(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return u.RequestURI()
}
