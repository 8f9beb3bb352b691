package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsonwriter "github.com/dgellow/ride-signin/internal/json"
	"github.com/dgellow/ride-signin/internal/log"
	"github.com/dgellow/ride-signin/internal/storage"
)

// HTTPServer manages the HTTP server lifecycle
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer creates a new HTTP server with the given handler and address.
// There is no write timeout: the sign-in stream stays open while a popup is
// shown.
func NewHTTPServer(handler http.Handler, addr string) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

// healthCheckKey is read on every health check; it is never written
const healthCheckKey = "healthz/check"

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}

// HealthHandler reports whether the durable flag tier answers reads.
// A miss counts as healthy; only a backend error degrades the service.
type HealthHandler struct {
	store   storage.KV
	timeout time.Duration
}

// NewHealthHandler checks store with a short read
func NewHealthHandler(store storage.KV) *HealthHandler {
	return &HealthHandler{store: store, timeout: 2 * time.Second}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	_, err := h.store.Get(ctx, healthCheckKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.LogWarnWithFields("http", "Health check failed", map[string]any{
			"error": err.Error(),
		})
		_ = jsonwriter.WriteResponse(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Storage: "unavailable"})
		return
	}
	_ = jsonwriter.WriteResponse(w, http.StatusOK, HealthResponse{Status: "ok", Storage: "ok"})
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	log.LogInfoWithFields("http", "HTTP server starting", map[string]any{
		"addr": h.server.Addr,
	})

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	log.LogInfoWithFields("http", "HTTP server stopping", map[string]any{
		"addr": h.server.Addr,
	})

	if err := h.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.LogInfoWithFields("http", "HTTP server stopped", map[string]any{
		"addr": h.server.Addr,
	})
	return nil
}
