package idp

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPopupBlocked means the page could not open the sign-in window
	ErrPopupBlocked = errors.New("popup blocked")
	// ErrPopupClosed means the user closed the sign-in window before finishing
	ErrPopupClosed = errors.New("popup closed by user")
	// ErrPopupTimeout means the sign-in window never reported back
	ErrPopupTimeout = errors.New("popup timed out")
	// ErrAccessDenied is returned when the provider reports the user declined
	ErrAccessDenied = errors.New("access denied by identity provider")
)

// Identity is the provider's view of the signed-in user. This service only
// reads it and decides whether to keep the session.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Verified    bool   `json:"verified"`
}

// Constraints shape one sign-in request
type Constraints struct {
	// HostedDomain is the institutional domain hint (Google's hd parameter)
	HostedDomain string
	// PromptAccountChooser always shows the account picker
	PromptAccountChooser bool
	// ReturnURL is the application path the redirect flow comes back to
	ReturnURL string
	// OpenPopup asks the page to open a window at url. It returns an error
	// when the page cannot do it.
	OpenPopup func(url string) error
}

// Listener receives session changes; identity is nil on sign-out
type Listener func(ctx context.Context, identity *Identity)

// Provider is the hosted identity provider boundary.
// Every call reads the browser and tab from ctx.
type Provider interface {
	// BeginPopup runs the whole popup flow and blocks until it finishes
	BeginPopup(ctx context.Context, c Constraints) (*Identity, error)

	// BeginRedirect prepares the redirect flow and returns the URL the page
	// must navigate to. Nothing else should run after that.
	BeginRedirect(ctx context.Context, c Constraints) (string, error)

	// ResolvePendingRedirect returns the result of a completed redirect flow.
	// It returns nil, nil when nothing is pending or it was already consumed.
	ResolvePendingRedirect(ctx context.Context) (*Identity, error)

	// SignOut ends the browser's session. Signing out twice is fine.
	SignOut(ctx context.Context) error

	// OnAuthStateChanged registers l and returns a func that unregisters it
	OnAuthStateChanged(l Listener) (unsubscribe func())

	// CurrentUser returns the active session's identity or nil
	CurrentUser(ctx context.Context) (*Identity, error)
}

// listeners is the OnAuthStateChanged registry shared by providers
type listeners struct {
	mu     sync.Mutex
	nextID int
	byID   map[int]Listener
}

func (l *listeners) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byID == nil {
		l.byID = make(map[int]Listener)
	}
	id := l.nextID
	l.nextID++
	l.byID[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.byID, id)
			l.mu.Unlock()
		})
	}
}

// notify calls every listener outside the lock so listeners may sign out
func (l *listeners) notify(ctx context.Context, identity *Identity) {
	l.mu.Lock()
	fns := make([]Listener, 0, len(l.byID))
	for _, fn := range l.byID {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(ctx, identity)
	}
}
