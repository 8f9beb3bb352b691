package signin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/ride-signin/internal/autherr"
	"github.com/dgellow/ride-signin/internal/breaker"
	"github.com/dgellow/ride-signin/internal/browser"
	"github.com/dgellow/ride-signin/internal/environment"
	"github.com/dgellow/ride-signin/internal/flags"
	"github.com/dgellow/ride-signin/internal/gate"
	"github.com/dgellow/ride-signin/internal/idp"
	"github.com/dgellow/ride-signin/internal/log"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrAttemptInFlight is returned by SignIn while another attempt is running
	ErrAttemptInFlight = errors.New("a sign-in attempt is already in progress")
	// ErrNoTab is returned when ctx carries no browser tab
	ErrNoTab = errors.New("no browser tab in context")
)

// State is the controller's lifecycle state as seen by one call
type State string

const (
	StateIdle               State = "idle"
	StateInitiated          State = "initiated"
	StateAwaitingResolution State = "awaiting_resolution"
	StateResolved           State = "resolved"
)

// Result qualifies StateResolved
type Result string

const (
	ResultSuccess  Result = "success"
	ResultFailure  Result = "failure"
	ResultExpired  Result = "expired"
	ResultNoResult Result = "no_result"
)

// Outcome is what a SignIn or Resolve call ended with
type Outcome struct {
	State    State
	Result   Result
	Method   environment.Method
	Identity *idp.Identity
	// Navigate is set for the redirect strategy; the page must go there and
	// do nothing else
	Navigate  string
	AttemptID string
}

// Handoff receives accepted identities
type Handoff interface {
	Authenticated(ctx context.Context, identity *idp.Identity)
}

// ResolvedHook is the consumer callback: identity on success, error otherwise
type ResolvedHook func(ctx context.Context, identity *idp.Identity, err error)

// Timings are the controller's waits and bounds
type Timings struct {
	AttemptTimeout    time.Duration
	ResolveTimeout    time.Duration
	GraceDelay        time.Duration
	SettleDelay       time.Duration
	MobileSettleDelay time.Duration
}

// DefaultTimings match the built-in configuration
func DefaultTimings() Timings {
	return Timings{
		AttemptTimeout:    30 * time.Second,
		ResolveTimeout:    10 * time.Second,
		GraceDelay:        1500 * time.Millisecond,
		SettleDelay:       300 * time.Millisecond,
		MobileSettleDelay: time.Second,
	}
}

// Controller is the sign-in state machine. Every transition reads and writes
// the attempt through the flag store, so a controller holds no per-tab state
// and one instance serves every browser.
type Controller struct {
	flags      *flags.Store
	breaker    *breaker.Breaker
	classifier *environment.Classifier
	provider   idp.Provider
	gate       *gate.Validator
	handoff    Handoff

	timings Timings
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	hook    ResolvedHook

	resolving singleflight.Group
}

// Option configures a Controller
type Option func(*Controller)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithSleep replaces the context-aware sleep used for settle and grace delays
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.sleep = sleep
	}
}

// WithTimings overrides the default timings; zero fields keep their default
func WithTimings(t Timings) Option {
	return func(c *Controller) {
		d := DefaultTimings()
		if t.AttemptTimeout > 0 {
			d.AttemptTimeout = t.AttemptTimeout
		}
		if t.ResolveTimeout > 0 {
			d.ResolveTimeout = t.ResolveTimeout
		}
		if t.GraceDelay > 0 {
			d.GraceDelay = t.GraceDelay
		}
		if t.SettleDelay > 0 {
			d.SettleDelay = t.SettleDelay
		}
		if t.MobileSettleDelay > 0 {
			d.MobileSettleDelay = t.MobileSettleDelay
		}
		c.timings = d
	}
}

// WithResolvedHook sets the consumer callback
func WithResolvedHook(h ResolvedHook) Option {
	return func(c *Controller) {
		c.hook = h
	}
}

// New creates a controller
func New(store *flags.Store, b *breaker.Breaker, classifier *environment.Classifier, provider idp.Provider, validator *gate.Validator, handoff Handoff, opts ...Option) *Controller {
	c := &Controller{
		flags:      store,
		breaker:    b,
		classifier: classifier,
		provider:   provider,
		gate:       validator,
		handoff:    handoff,
		timings:    DefaultTimings(),
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the persisted attempt, or nil
func (c *Controller) Current(ctx context.Context) *AttemptRecord {
	return loadRecord(ctx, c.flags, c.timings.AttemptTimeout)
}

// SignIn starts an attempt with the strategy the environment calls for.
// A redirect returns Outcome.Navigate; a popup blocks until it resolves.
func (c *Controller) SignIn(ctx context.Context, desc environment.Descriptor, constraints idp.Constraints) (Outcome, error) {
	tab, ok := browser.TabFrom(ctx)
	if !ok {
		return Outcome{State: StateIdle}, ErrNoTab
	}
	if rec := c.Current(ctx); rec != nil && rec.InFlight(c.now()) {
		log.LogInfoWithFields("signin", "Attempt already in flight", map[string]any{
			"attempt": rec.ID,
			"method":  string(rec.Method),
			"tab":     tab.String(),
		})
		return Outcome{State: StateInitiated, Method: rec.Method, AttemptID: rec.ID}, ErrAttemptInFlight
	}
	if !c.breaker.ShouldAllow(ctx) {
		return c.fail(ctx, Outcome{State: StateIdle}, autherr.New(autherr.TooManyAttempts, nil))
	}

	if constraints.HostedDomain == "" {
		constraints.HostedDomain = c.gate.Suffix()
	}
	constraints.PromptAccountChooser = true

	classification := c.classifier.Classify(desc)
	log.LogDebugWithFields("signin", "Environment classified", map[string]any{
		"mobile":   classification.IsMobile,
		"embedded": classification.IsEmbeddedView,
		"known":    classification.IsKnownHostname,
		"method":   string(classification.Method()),
	})
	return c.start(ctx, tab, classification.Method(), constraints)
}

// start enters Initiated: the breaker attempt and the record are written
// before the provider is called
func (c *Controller) start(ctx context.Context, tab browser.Tab, method environment.Method, constraints idp.Constraints) (Outcome, error) {
	c.breaker.RecordAttempt(ctx)
	rec := &AttemptRecord{
		ID:        uuid.NewString(),
		Tab:       tab.TabID,
		Method:    method,
		StartedAt: c.now(),
		Timeout:   c.timings.AttemptTimeout,
	}
	writeRecord(ctx, c.flags, rec)

	log.LogInfoWithFields("signin", "Sign-in initiated", map[string]any{
		"attempt": rec.ID,
		"method":  string(method),
		"tab":     tab.String(),
	})

	out := Outcome{Method: method, AttemptID: rec.ID}
	if method == environment.Redirect {
		navigate, err := c.provider.BeginRedirect(ctx, constraints)
		if err != nil {
			return c.fail(ctx, out, autherr.New(autherr.ProviderFailure, err))
		}
		out.State = StateAwaitingResolution
		out.Navigate = navigate
		return out, nil
	}

	// the popup may not outlive the attempt
	pctx, cancel := context.WithTimeout(ctx, rec.ExpiresAt().Sub(c.now()))
	identity, err := c.provider.BeginPopup(pctx, constraints)
	cancel()
	if err != nil {
		return c.popupFailed(ctx, tab, out, constraints, err)
	}
	markChecked(ctx, c.flags)
	if rec.Expired(c.now()) {
		out.Result = ResultExpired
		return c.fail(ctx, out, autherr.New(autherr.RedirectTimeout,
			fmt.Errorf("popup returned %s after the attempt expired", c.now().Sub(rec.ExpiresAt()).Round(time.Second))))
	}
	return c.complete(ctx, out, identity)
}

// popupFailed falls back to a redirect for a blocked or dismissed popup and
// maps every other popup error
func (c *Controller) popupFailed(ctx context.Context, tab browser.Tab, out Outcome, constraints idp.Constraints, err error) (Outcome, error) {
	var kind autherr.Kind
	switch {
	case errors.Is(err, idp.ErrPopupBlocked):
		kind = autherr.PopupBlocked
	case errors.Is(err, idp.ErrPopupClosed):
		kind = autherr.PopupDismissed
	case errors.Is(err, idp.ErrPopupTimeout), errors.Is(err, context.DeadlineExceeded):
		return c.fail(ctx, out, autherr.New(autherr.RedirectTimeout, err))
	default:
		return c.fail(ctx, out, autherr.New(autherr.ProviderFailure, err))
	}

	log.LogInfoWithFields("signin", "Popup unavailable, falling back to redirect", map[string]any{
		"attempt": out.AttemptID,
		"reason":  string(kind),
	})
	if !c.breaker.ShouldAllow(ctx) {
		return c.fail(ctx, out, autherr.New(autherr.TooManyAttempts, err))
	}

	fallback, ferr := c.start(ctx, tab, environment.Redirect, constraints)
	if ferr != nil {
		if autherr.KindOf(ferr) == autherr.ProviderFailure {
			return fallback, autherr.New(kind, ferr)
		}
		return fallback, ferr
	}
	return fallback, nil
}

// complete is the success path shared by popups and resolved redirects
func (c *Controller) complete(ctx context.Context, out Outcome, identity *idp.Identity) (Outcome, error) {
	if identity == nil {
		out.Result = ResultNoResult
		return c.fail(ctx, out, autherr.New(autherr.NoPendingResult, nil))
	}
	if c.gate.Validate(ctx, identity) == gate.Reject {
		return c.fail(ctx, out, autherr.NewInvalidDomain(c.gate.Suffix()))
	}

	c.breaker.ForceReset(ctx)
	clearRecord(ctx, c.flags)
	c.handoff.Authenticated(ctx, identity)

	log.LogInfoWithFields("signin", "Sign-in complete", map[string]any{
		"attempt": out.AttemptID,
		"method":  string(out.Method),
	})
	c.notify(ctx, identity, nil)

	out.State = StateResolved
	out.Result = ResultSuccess
	out.Identity = identity
	out.Navigate = ""
	return out, nil
}

// fail ends an attempt: flags are cleared so the next attempt starts from Idle
func (c *Controller) fail(ctx context.Context, out Outcome, err *autherr.Error) (Outcome, error) {
	clearRecord(ctx, c.flags)

	fields := map[string]any{
		"attempt": out.AttemptID,
		"kind":    string(err.Kind),
	}
	if err.Err != nil {
		fields["error"] = err.Err.Error()
	}
	log.LogWarnWithFields("signin", "Sign-in failed", fields)
	c.notify(ctx, nil, err)

	if out.Result == "" {
		out.Result = ResultFailure
	}
	if out.State == "" {
		out.State = StateResolved
	}
	out.Identity = nil
	out.Navigate = ""
	return out, err
}

func (c *Controller) notify(ctx context.Context, identity *idp.Identity, err error) {
	if c.hook != nil {
		c.hook(ctx, identity, err)
	}
}

type resolved struct {
	out Outcome
	err error
}

// Resolve is the on-load step. Concurrent calls for one tab share a single
// resolution and all receive its outcome.
func (c *Controller) Resolve(ctx context.Context, desc environment.Descriptor) (Outcome, error) {
	tab, ok := browser.TabFrom(ctx)
	if !ok {
		return Outcome{State: StateIdle}, nil
	}
	// the shared resolution outlives any single caller's request
	ch := c.resolving.DoChan(tab.String(), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.resolveBudget())
		defer cancel()
		out, err := c.resolve(rctx, tab, desc)
		return resolved{out: out, err: err}, nil
	})
	select {
	case res := <-ch:
		r := res.Val.(resolved)
		return r.out, r.err
	case <-ctx.Done():
		return Outcome{State: StateIdle}, ctx.Err()
	}
}

// resolveBudget bounds one resolution: the longest settle delay, two
// provider queries and the grace delay between them
func (c *Controller) resolveBudget() time.Duration {
	t := c.timings
	return max(t.SettleDelay, t.MobileSettleDelay) + t.GraceDelay + 2*t.ResolveTimeout + time.Second
}

func (c *Controller) resolve(ctx context.Context, tab browser.Tab, desc environment.Descriptor) (Outcome, error) {
	settle := c.timings.SettleDelay
	if c.classifier.Classify(desc).IsMobile {
		settle = c.timings.MobileSettleDelay
	}
	if err := c.sleep(ctx, settle); err != nil {
		return Outcome{State: StateIdle}, err
	}

	rec := c.Current(ctx)
	if rec == nil {
		return Outcome{State: StateIdle}, nil
	}
	out := Outcome{Method: rec.Method, AttemptID: rec.ID}
	if rec.Checked {
		log.LogDebugWithFields("signin", "Attempt already resolved", map[string]any{"attempt": rec.ID})
		out.State = StateIdle
		return out, nil
	}

	if rec.Expired(c.now()) {
		markChecked(ctx, c.flags)
		out.Result = ResultExpired
		return c.fail(ctx, out, autherr.New(autherr.RedirectTimeout,
			fmt.Errorf("attempt started %s ago", c.now().Sub(rec.StartedAt).Round(time.Second))))
	}

	// popups resolve in-line and other tabs' redirects come back to their own tab
	if rec.Method != environment.Redirect || (rec.Tab != "" && rec.Tab != tab.TabID) {
		out.State = StateIdle
		return out, nil
	}

	identity, err := c.query(ctx)
	if err == nil && identity == nil {
		log.LogDebugWithFields("signin", "No pending result yet, retrying after grace delay", map[string]any{
			"attempt": rec.ID,
			"grace":   c.timings.GraceDelay.String(),
		})
		if serr := c.sleep(ctx, c.timings.GraceDelay); serr != nil {
			err = serr
		} else {
			identity, err = c.query(ctx)
		}
	}
	markChecked(ctx, c.flags)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return c.fail(ctx, out, autherr.New(autherr.RedirectTimeout, err))
	case err != nil:
		return c.fail(ctx, out, autherr.New(autherr.ProviderFailure, err))
	}
	return c.complete(ctx, out, identity)
}

// query races ResolvePendingRedirect against the resolve timeout
func (c *Controller) query(ctx context.Context) (*idp.Identity, error) {
	qctx, cancel := context.WithTimeout(ctx, c.timings.ResolveTimeout)
	defer cancel()

	type answer struct {
		identity *idp.Identity
		err      error
	}
	ch := make(chan answer, 1)
	go func() {
		identity, err := c.provider.ResolvePendingRedirect(qctx)
		ch <- answer{identity, err}
	}()

	select {
	case a := <-ch:
		return a.identity, a.err
	case <-qctx.Done():
		return nil, qctx.Err()
	}
}

// ForceReset is the manual escape hatch: breaker zeroed, attempt cleared
func (c *Controller) ForceReset(ctx context.Context) {
	c.breaker.ForceReset(ctx)
	clearRecord(ctx, c.flags)
	log.LogInfoWithFields("signin", "Manual reset", nil)
}
