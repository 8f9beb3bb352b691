package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dgellow/ride-signin/internal/browser"
	"github.com/dgellow/ride-signin/internal/cookie"
	"github.com/dgellow/ride-signin/internal/crypto"
	jsonwriter "github.com/dgellow/ride-signin/internal/json"
	"github.com/dgellow/ride-signin/internal/log"
	"golang.org/x/time/rate"
)

// TabHeader carries the page's tab ID
const TabHeader = "X-Tab-ID"

type contextKey string

const browserIDKey contextKey = "server.browser"

// MiddlewareFunc is a function that wraps an http.Handler
type MiddlewareFunc func(http.Handler) http.Handler

// ChainMiddleware chains multiple middleware functions
func ChainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

// NewCORSMiddleware adds CORS headers to responses
func NewCORSMiddleware(allowedOrigins []string) MiddlewareFunc {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Only set CORS headers if origin is allowed
			if origin != "" && allowedMap[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			} else if len(allowedOrigins) == 0 {
				// If no allowed origins configured, allow all (development mode)
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cache-Control, "+TabHeader)
			w.Header().Set("Access-Control-Max-Age", "3600")

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// responseWriterDelegator wraps http.ResponseWriter to capture status and bytes written
// while properly delegating all optional interfaces through Unwrap
type responseWriterDelegator struct {
	http.ResponseWriter
	status      int
	written     int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriterDelegator {
	return &responseWriterDelegator{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (r *responseWriterDelegator) Status() int {
	return r.status
}

func (r *responseWriterDelegator) BytesWritten() int {
	return r.written
}

func (r *responseWriterDelegator) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseWriterDelegator) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController
func (r *responseWriterDelegator) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush implements http.Flusher; the sign-in stream depends on it
func (r *responseWriterDelegator) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var _ http.ResponseWriter = (*responseWriterDelegator)(nil)
var _ http.Flusher = (*responseWriterDelegator)(nil)

// NewLoggerMiddleware adds request/response logging
func NewLoggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			fields := map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       wrapped.BytesWritten(),
				"remote_addr": r.RemoteAddr,
			}
			if tab, ok := browser.TabFrom(r.Context()); ok {
				fields["tab"] = tab.TabID
			}

			log.LogInfoWithFields(prefix, "request", fields)
		})
	}
}

// NewRecoverMiddleware recovers from panics
func NewRecoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.LogErrorWithFields(prefix, "Recovered from panic", map[string]any{
						"panic": err,
						"path":  r.URL.Path,
					})
					jsonwriter.WriteInternalServerError(w, "Internal Server Error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// NewBrowserMiddleware scopes each request to a browser and, when the page
// sends X-Tab-ID, to one of its tabs. A browser without a valid cookie gets
// a fresh ID.
func NewBrowserMiddleware() MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			browserID, err := cookie.GetBrowser(r)
			if err != nil || browser.ValidateID(browserID) != nil {
				browserID, err = crypto.GenerateID()
				if err != nil {
					log.LogErrorWithFields("http", "Failed to generate browser ID", map[string]any{
						"error": err.Error(),
					})
					jsonwriter.WriteInternalServerError(w, "Internal Server Error")
					return
				}
				cookie.SetBrowser(w, browserID)
				log.LogDebugWithFields("http", "Issued browser ID", nil)
			}

			ctx := context.WithValue(r.Context(), browserIDKey, browserID)
			if tabID := r.Header.Get(TabHeader); tabID != "" {
				if browser.ValidateID(tabID) != nil {
					jsonwriter.WriteBadRequest(w, "Invalid "+TabHeader+" header")
					return
				}
				ctx = browser.WithTab(ctx, browser.Tab{BrowserID: browserID, TabID: tabID})
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// browserIDFrom returns the browser ID set by NewBrowserMiddleware
func browserIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(browserIDKey).(string)
	return id, ok && id != ""
}

// visitor tracks the limiter and last seen time for one browser
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter bounds requests per browser
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

// NewRateLimiter allows perMinute requests per browser with the given burst.
// Browsers idle for longer than idle are forgotten.
func NewRateLimiter(perMinute float64, burst int, idle time.Duration) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		idle:     idle,
		now:      time.Now,
	}
}

func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for k, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idle {
			delete(rl.visitors, k)
		}
	}

	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Allow reports whether key may make a request now
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getVisitor(key).AllowN(rl.now(), 1)
}

// Middleware applies the limiter keyed by browser ID, or by remote address
// for requests that did not go through NewBrowserMiddleware
func (rl *RateLimiter) Middleware() MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := browserIDFrom(r.Context())
			if !ok {
				key, _, _ = net.SplitHostPort(r.RemoteAddr)
			}
			if !rl.Allow(key) {
				log.LogWarnWithFields("http", "Rate limit exceeded", map[string]any{
					"path": r.URL.Path,
				})
				retry := 60
				if rl.limit > 0 {
					retry = int(1/float64(rl.limit)) + 1
				}
				jsonwriter.WriteTooManyRequests(w, "Too many sign-in requests", retry)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
