package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgellow/ride-signin/internal/browser"
	"github.com/dgellow/ride-signin/internal/cookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorsMiddleware(t *testing.T) {
	tests := []struct {
		name              string
		allowedOrigins    []string
		requestOrigin     string
		method            string
		expectAllowOrigin string
		expectCredentials bool
		expectWildcard    bool
	}{
		{
			name:              "allowed origin",
			allowedOrigins:    []string{"https://rides.university.edu", "https://preview.rides.dev"},
			requestOrigin:     "https://rides.university.edu",
			expectAllowOrigin: "https://rides.university.edu",
			expectCredentials: true,
		},
		{
			name:              "disallowed origin",
			allowedOrigins:    []string{"https://rides.university.edu"},
			requestOrigin:     "https://evil.example",
			expectAllowOrigin: "",
		},
		{
			name:              "no origin header",
			allowedOrigins:    []string{"https://rides.university.edu"},
			expectAllowOrigin: "",
		},
		{
			name:              "empty allowed origins",
			allowedOrigins:    []string{},
			requestOrigin:     "https://rides.university.edu",
			expectAllowOrigin: "*",
			expectWildcard:    true,
		},
		{
			name:              "preflight request",
			allowedOrigins:    []string{"https://rides.university.edu"},
			requestOrigin:     "https://rides.university.edu",
			method:            http.MethodOptions,
			expectAllowOrigin: "https://rides.university.edu",
			expectCredentials: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			})
			corsHandler := NewCORSMiddleware(tt.allowedOrigins)(handler)

			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req := httptest.NewRequest(method, "/auth/state", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}

			rr := httptest.NewRecorder()
			corsHandler.ServeHTTP(rr, req)

			if tt.expectAllowOrigin != "" {
				assert.Equal(t, tt.expectAllowOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
			}
			if tt.expectCredentials {
				assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
			} else if !tt.expectWildcard {
				assert.Empty(t, rr.Header().Get("Access-Control-Allow-Credentials"))
			}

			assert.Equal(t, "GET, POST, OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))
			assert.Equal(t, "Content-Type, Cache-Control, X-Tab-ID", rr.Header().Get("Access-Control-Allow-Headers"))
			assert.Equal(t, "3600", rr.Header().Get("Access-Control-Max-Age"))

			if method == http.MethodOptions {
				assert.Equal(t, http.StatusOK, rr.Code)
				assert.False(t, called, "preflight does not reach the handler")
			}
		})
	}
}

func TestCorsMiddleware_CaseSensitivity(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	corsHandler := NewCORSMiddleware([]string{"https://Rides.University.edu"})(handler)

	req := httptest.NewRequest("GET", "/auth/state", nil)
	req.Header.Set("Origin", "https://rides.university.edu")
	rr := httptest.NewRecorder()
	corsHandler.ServeHTTP(rr, req)

	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestBrowserMiddleware(t *testing.T) {
	var gotTab browser.Tab
	var gotTabOK bool
	var gotBrowser string
	handler := NewBrowserMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTab, gotTabOK = browser.TabFrom(r.Context())
		gotBrowser, _ = browserIDFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("issues a browser cookie", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/auth/state", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		cookies := rr.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, cookie.BrowserCookie, cookies[0].Name)
		assert.NoError(t, browser.ValidateID(cookies[0].Value))
		assert.Equal(t, cookies[0].Value, gotBrowser)
		assert.False(t, gotTabOK, "no tab without the header")
	})

	t.Run("keeps a valid cookie", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/auth/state", nil)
		req.AddCookie(&http.Cookie{Name: cookie.BrowserCookie, Value: "browser-kept1"})
		req.Header.Set(TabHeader, "tab-000001")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, rr.Result().Cookies())
		assert.True(t, gotTabOK)
		assert.Equal(t, browser.Tab{BrowserID: "browser-kept1", TabID: "tab-000001"}, gotTab)
	})

	t.Run("replaces a malformed cookie", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/auth/state", nil)
		req.AddCookie(&http.Cookie{Name: cookie.BrowserCookie, Value: "../../etc"})
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		cookies := rr.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.NotEqual(t, "../../etc", cookies[0].Value)
	})

	t.Run("rejects a malformed tab", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/auth/state", nil)
		req.AddCookie(&http.Cookie{Name: cookie.BrowserCookie, Value: "browser-kept1"})
		req.Header.Set(TabHeader, "t/1")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(6, 2, time.Hour)
	rl.now = func() time.Time { return now }

	handler := NewBrowserMiddleware()(rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	send := func(browserID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/auth/signin", nil)
		req.AddCookie(&http.Cookie{Name: cookie.BrowserCookie, Value: browserID})
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusNoContent, send("browser-one1").Code)
	assert.Equal(t, http.StatusNoContent, send("browser-one1").Code)

	rr := send("browser-one1")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "11", rr.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, send("browser-two2").Code, "browsers are limited independently")

	// 6 per minute refills one token every 10s
	now = now.Add(10 * time.Second)
	assert.Equal(t, http.StatusNoContent, send("browser-one1").Code)
}

func TestRateLimiter_ForgetsIdleBrowsers(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(6, 1, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	assert.Len(t, rl.visitors, 2)

	now = now.Add(2 * time.Minute)
	assert.True(t, rl.Allow("b"))
	assert.Len(t, rl.visitors, 1)
}

func TestRecoverMiddleware(t *testing.T) {
	handler := NewRecoverMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "internal_server_error", body["error"])
}

func TestResponseWriterDelegator(t *testing.T) {
	rr := httptest.NewRecorder()
	w := wrapResponseWriter(rr)

	_, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	w.WriteHeader(http.StatusTeapot)
	w.Flush()

	assert.Equal(t, http.StatusOK, w.Status(), "implicit header wins")
	assert.Equal(t, 5, w.BytesWritten())
	assert.True(t, rr.Flushed)
	assert.Equal(t, rr, w.Unwrap())
}
