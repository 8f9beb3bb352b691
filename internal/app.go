package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgellow/ride-signin/internal/autherr"
	"github.com/dgellow/ride-signin/internal/breaker"
	"github.com/dgellow/ride-signin/internal/browser"
	"github.com/dgellow/ride-signin/internal/config"
	"github.com/dgellow/ride-signin/internal/emailutil"
	"github.com/dgellow/ride-signin/internal/environment"
	"github.com/dgellow/ride-signin/internal/flags"
	"github.com/dgellow/ride-signin/internal/gate"
	"github.com/dgellow/ride-signin/internal/idp"
	"github.com/dgellow/ride-signin/internal/log"
	"github.com/dgellow/ride-signin/internal/observer"
	"github.com/dgellow/ride-signin/internal/server"
	"github.com/dgellow/ride-signin/internal/signin"
	"github.com/dgellow/ride-signin/internal/storage"
)

// App is the complete sign-in service
type App struct {
	config     config.Config
	httpServer *server.HTTPServer
	durable    storage.KV
	cleanup    *storage.CleanupManager
	observer   *observer.Observer
}

// NewApp builds the service with all dependencies
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	log.LogInfoWithFields("app", "Building sign-in service", map[string]any{
		"baseURL":        cfg.Server.BaseURL,
		"productionHost": cfg.Server.ProductionHost,
		"storage":        string(cfg.Storage.Backend),
	})

	durable, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	// the tab tier only has to outlive a page reload, so it stays in process
	ephemeral := storage.NewMemoryKV(cfg.Storage.Retention)
	store := flags.New(durable, ephemeral)

	provider, err := idp.NewOIDCProvider(ctx, idp.OIDCConfig{
		Issuer:       cfg.Auth.Issuer,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: string(cfg.Auth.ClientSecret),
		RedirectURI:  cfg.Auth.RedirectURI,
		StateSecret:  []byte(cfg.Auth.StateSecret),
		SessionTTL:   cfg.Auth.SessionTTL,
		PopupTimeout: cfg.Auth.PopupTimeout,
		Store:        durable,
	})
	if err != nil {
		_ = durable.Close()
		return nil, fmt.Errorf("failed to setup identity provider: %w", err)
	}

	svc, err := newService(cfg, durable, store, provider)
	if err != nil {
		_ = durable.Close()
		return nil, fmt.Errorf("failed to build HTTP handler: %w", err)
	}

	return &App{
		config:     cfg,
		httpServer: server.NewHTTPServer(svc.handler, cfg.Server.Addr),
		durable:    durable,
		cleanup: storage.NewCleanupManager(cfg.Storage.CleanupInterval, map[string]storage.KV{
			"durable":   durable,
			"ephemeral": ephemeral,
		}),
		observer: svc.observer,
	}, nil
}

// service is the sign-in engine assembled over one provider
type service struct {
	handler  http.Handler
	observer *observer.Observer
}

func newService(cfg config.Config, durable storage.KV, store *flags.Store, provider *idp.OIDCProvider, opts ...signin.Option) (*service, error) {
	validator := gate.New(cfg.Auth.InstitutionSuffix, provider, store)
	obs := observer.New(provider, validator, store, cfg.Routes.Landing, cfg.Routes.Authenticated,
		observer.WithHook(logResolved("observer")))
	opts = append([]signin.Option{
		signin.WithTimings(signin.Timings{
			AttemptTimeout:    cfg.SignIn.AttemptTimeout,
			ResolveTimeout:    cfg.SignIn.ResolveTimeout,
			GraceDelay:        cfg.SignIn.GraceDelay,
			SettleDelay:       cfg.SignIn.SettleDelay,
			MobileSettleDelay: cfg.SignIn.MobileSettleDelay,
		}),
		signin.WithResolvedHook(logResolved("signin")),
	}, opts...)
	controller := signin.New(
		store,
		breaker.New(store, cfg.SignIn.MaxAttempts, cfg.SignIn.Window, nil),
		environment.NewClassifier(cfg.Server.ProductionHost),
		provider,
		validator,
		obs,
		opts...,
	)

	handler, err := buildHTTPHandler(cfg, durable, server.NewAuthHandlers(controller, obs, provider, provider))
	if err != nil {
		return nil, err
	}
	return &service{handler: handler, observer: obs}, nil
}

// Run starts the service and blocks until a shutdown signal or a server error
func (a *App) Run() error {
	log.LogInfoWithFields("app", "Starting sign-in service", map[string]any{
		"addr": a.config.Server.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.observer.Start()
	a.cleanup.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := a.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var shutdownReason string
	var runErr error
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("app", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		runErr = err
		log.LogErrorWithFields("app", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("app", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": "30s",
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		log.LogErrorWithFields("app", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		runErr = err
	}
	a.cleanup.Stop()
	a.observer.Stop()
	if err := a.durable.Close(); err != nil {
		log.LogErrorWithFields("app", "Failed to close storage", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("app", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return runErr
}

// logResolved is the consumer of sign-in outcomes; the page learns them from
// the HTTP responses, the service records them here
func logResolved(source string) func(context.Context, *idp.Identity, error) {
	return func(ctx context.Context, identity *idp.Identity, err error) {
		fields := map[string]any{"source": source}
		if tab, ok := browser.TabFrom(ctx); ok {
			fields["tab"] = tab.String()
		}
		if err != nil {
			fields["kind"] = string(autherr.KindOf(err))
			log.LogInfoWithFields("app", "Sign-in resolved without identity", fields)
			return
		}
		if identity != nil {
			fields["domain"] = emailutil.ExtractDomain(emailutil.Normalize(identity.Email))
		}
		log.LogInfoWithFields("app", "Sign-in resolved", fields)
	}
}

// basePath is the path of the configured base URL, without a trailing slash
func basePath(baseURL string) (string, error) {
	if baseURL == "" {
		return "", nil
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	return strings.TrimSuffix(u.Path, "/"), nil
}

func buildHTTPHandler(cfg config.Config, durable storage.KV, authHandlers *server.AuthHandlers) (http.Handler, error) {
	prefix, err := basePath(cfg.Server.BaseURL)
	if err != nil {
		return nil, err
	}
	route := func(path string) string {
		return prefix + path
	}

	mux := http.NewServeMux()
	mux.Handle(route("/healthz"), server.NewHealthHandler(durable))

	authMiddleware := []server.MiddlewareFunc{
		server.NewLoggerMiddleware("http"),
		server.NewBrowserMiddleware(),
		server.NewCORSMiddleware(cfg.Server.AllowedOrigins),
		server.NewRecoverMiddleware("http"),
	}
	limiter := server.NewRateLimiter(cfg.Server.SignInPerMinute, cfg.Server.SignInBurst, 10*time.Minute)
	signInMiddleware := append([]server.MiddlewareFunc{limiter.Middleware()}, authMiddleware...)

	mux.Handle(route("/auth/state"), server.ChainMiddleware(http.HandlerFunc(authHandlers.StateHandler), authMiddleware...))
	mux.Handle(route("/auth/signin"), server.ChainMiddleware(http.HandlerFunc(authHandlers.SignInHandler), signInMiddleware...))
	mux.Handle(route("/auth/popup/cancel"), server.ChainMiddleware(http.HandlerFunc(authHandlers.CancelPopupHandler), authMiddleware...))
	mux.Handle(route("/auth/callback"), server.ChainMiddleware(http.HandlerFunc(authHandlers.CallbackHandler), authMiddleware...))
	mux.Handle(route("/auth/signout"), server.ChainMiddleware(http.HandlerFunc(authHandlers.SignOutHandler), authMiddleware...))
	mux.Handle(route("/auth/reset"), server.ChainMiddleware(http.HandlerFunc(authHandlers.ResetHandler), authMiddleware...))

	return mux, nil
}
