package observer

import (
	"context"
	"strings"
	"sync"

	"github.com/dgellow/ride-signin/internal/autherr"
	"github.com/dgellow/ride-signin/internal/flags"
	"github.com/dgellow/ride-signin/internal/gate"
	"github.com/dgellow/ride-signin/internal/idp"
	"github.com/dgellow/ride-signin/internal/log"
)

// ResolvedHook receives every identity the observer settles on, or the error
// that made it drop one. Both are nil after a sign-out.
type ResolvedHook func(ctx context.Context, identity *idp.Identity, err error)

// Observer turns provider session notifications into gate decisions and at
// most one post-login navigation per page life.
type Observer struct {
	provider      idp.Provider
	gate          *gate.Validator
	flags         *flags.Store
	landing       map[string]bool
	authenticated string
	hook          ResolvedHook

	mu          sync.Mutex
	unsubscribe func()
}

// Option configures an Observer
type Option func(*Observer)

// WithHook sets the consumer callback
func WithHook(h ResolvedHook) Option {
	return func(o *Observer) {
		o.hook = h
	}
}

// New creates an observer. landing lists the unauthenticated routes that
// navigate to authenticatedRoute after a successful sign-in.
func New(provider idp.Provider, validator *gate.Validator, store *flags.Store, landing []string, authenticatedRoute string, opts ...Option) *Observer {
	o := &Observer{
		provider:      provider,
		gate:          validator,
		flags:         store,
		landing:       make(map[string]bool, len(landing)),
		authenticated: authenticatedRoute,
	}
	for _, r := range landing {
		o.landing[normalizeRoute(r)] = true
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func normalizeRoute(route string) string {
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	if route == "" {
		return "/"
	}
	if len(route) > 1 {
		route = strings.TrimSuffix(route, "/")
	}
	return route
}

// Start subscribes to the provider. Calling it twice is a no-op.
func (o *Observer) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.unsubscribe != nil {
		return
	}
	o.unsubscribe = o.provider.OnAuthStateChanged(o.OnChange)
}

// Stop unsubscribes
func (o *Observer) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
}

// OnChange handles one session notification
func (o *Observer) OnChange(ctx context.Context, identity *idp.Identity) {
	o.handle(ctx, identity)
}

// Authenticated is the hand-off from the lifecycle controller
func (o *Observer) Authenticated(ctx context.Context, identity *idp.Identity) {
	o.handle(ctx, identity)
}

func (o *Observer) handle(ctx context.Context, identity *idp.Identity) bool {
	if identity == nil {
		o.flags.ClearAll(ctx, flags.RedirectPrefix)
		o.notify(ctx, nil, nil)
		return false
	}

	if o.gate.Validate(ctx, identity) == gate.Reject {
		err := autherr.NewInvalidDomain(o.gate.Suffix())
		o.flags.Set(ctx, flags.NoticeError, string(err.Kind))
		o.notify(ctx, nil, err)
		return false
	}

	o.notify(ctx, identity, nil)
	o.scheduleNavigation(ctx)
	return true
}

func (o *Observer) notify(ctx context.Context, identity *idp.Identity, err error) {
	if o.hook != nil {
		o.hook(ctx, identity, err)
	}
}

func (o *Observer) scheduleNavigation(ctx context.Context) {
	route, ok := o.flags.Get(ctx, flags.NavRoute)
	if !ok || !o.landing[route] {
		return
	}
	if o.flags.GetBool(ctx, flags.NavInProgress) {
		log.LogTraceWithFields("observer", "Navigation already in progress", map[string]any{"route": route})
		return
	}
	o.flags.SetBool(ctx, flags.NavInProgress, true)
	o.flags.Set(ctx, flags.NavTarget, o.authenticated)
	log.LogDebugWithFields("observer", "Navigation scheduled", map[string]any{
		"from": route,
		"to":   o.authenticated,
	})
}

// BeginPage starts a new page life on route and re-validates any session the
// provider already has, so an active session also goes through the gate.
// It returns the accepted identity, if any.
func (o *Observer) BeginPage(ctx context.Context, route string) (*idp.Identity, error) {
	o.flags.ClearAll(ctx, flags.NavPrefix)
	o.flags.Set(ctx, flags.NavRoute, normalizeRoute(route))

	identity, err := o.provider.CurrentUser(ctx)
	if err != nil {
		log.LogWarnWithFields("observer", "Failed to read current session", map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}
	if identity == nil {
		return nil, nil
	}
	if !o.handle(ctx, identity) {
		return nil, nil
	}
	return identity, nil
}

// TakeNavigation returns the scheduled navigation once. The in-progress mark
// stays until the next page life.
func (o *Observer) TakeNavigation(ctx context.Context) (string, bool) {
	target, ok := o.flags.Get(ctx, flags.NavTarget)
	if !ok {
		return "", false
	}
	o.flags.Clear(ctx, flags.NavTarget)
	return target, true
}

// TakeNotice returns an error recorded for the tab outside a request the page
// was waiting on, once
func (o *Observer) TakeNotice(ctx context.Context) *autherr.Error {
	kind, ok := o.flags.Get(ctx, flags.NoticeError)
	if !ok {
		return nil
	}
	o.flags.Clear(ctx, flags.NoticeError)
	if autherr.Kind(kind) == autherr.InvalidDomain {
		return autherr.NewInvalidDomain(o.gate.Suffix())
	}
	return autherr.New(autherr.Kind(kind), nil)
}
