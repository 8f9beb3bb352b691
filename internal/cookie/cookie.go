package cookie

import (
	"net/http"
	"time"

	"github.com/dgellow/ride-signin/internal/envutil"
	"github.com/dgellow/ride-signin/internal/log"
)

// BrowserCookie carries the browser ID that scopes durable flags and sessions
const BrowserCookie = "ride_browser"

// BrowserMaxAge is the longest lifetime browsers accept for a cookie
const BrowserMaxAge = 400 * 24 * time.Hour

// SetBrowser sets the browser ID cookie. SameSite=Lax so the cookie comes
// back on the top-level navigation from the identity provider.
func SetBrowser(w http.ResponseWriter, value string) {
	secure := !envutil.IsDev()
	http.SetCookie(w, &http.Cookie{
		Name:     BrowserCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(BrowserMaxAge.Seconds()),
	})

	log.LogTraceWithFields("cookie", "Browser cookie set", map[string]any{
		"secure":   secure,
		"sameSite": "Lax",
	})
}

// Clear removes a cookie by setting MaxAge to -1
func Clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:   name,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
}

// Get retrieves a cookie value from the request
func Get(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}

// GetBrowser retrieves the browser cookie value
func GetBrowser(r *http.Request) (string, error) {
	return Get(r, BrowserCookie)
}
