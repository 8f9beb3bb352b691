package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgellow/ride-signin/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenKV fails every read
type brokenKV struct {
	storage.KV
}

func (brokenKV) Get(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		store      storage.KV
		wantStatus int
		want       HealthResponse
	}{
		{
			name:       "storage answers",
			store:      storage.NewMemoryKV(time.Hour),
			wantStatus: http.StatusOK,
			want:       HealthResponse{Status: "ok", Storage: "ok"},
		},
		{
			name:       "storage down",
			store:      brokenKV{},
			wantStatus: http.StatusServiceUnavailable,
			want:       HealthResponse{Status: "degraded", Storage: "unavailable"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewHealthHandler(tt.store).ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var got HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewHTTPServer(t *testing.T) {
	s := NewHTTPServer(NewHealthHandler(storage.NewMemoryKV(time.Hour)), ":0")
	assert.Equal(t, ":0", s.server.Addr)
	assert.NotZero(t, s.server.ReadHeaderTimeout)
	assert.Zero(t, s.server.WriteTimeout, "sign-in streams outlive any write timeout")
}
