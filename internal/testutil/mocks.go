package testutil

import (
	"context"
	"sync"

	"github.com/dgellow/ride-signin/internal/idp"
	"github.com/stretchr/testify/mock"
)

var _ idp.Provider = (*MockProvider)(nil)

// MockProvider is a testify mock of idp.Provider. OnAuthStateChanged is not
// mocked: listeners are recorded and fired with Emit.
type MockProvider struct {
	mock.Mock

	mu        sync.Mutex
	nextID    int
	listeners map[int]idp.Listener
}

func identityArg(args mock.Arguments, i int) *idp.Identity {
	if args.Get(i) == nil {
		return nil
	}
	return args.Get(i).(*idp.Identity)
}

func (m *MockProvider) BeginPopup(ctx context.Context, c idp.Constraints) (*idp.Identity, error) {
	args := m.Called(ctx, c)
	return identityArg(args, 0), args.Error(1)
}

func (m *MockProvider) BeginRedirect(ctx context.Context, c idp.Constraints) (string, error) {
	args := m.Called(ctx, c)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) ResolvePendingRedirect(ctx context.Context) (*idp.Identity, error) {
	args := m.Called(ctx)
	return identityArg(args, 0), args.Error(1)
}

func (m *MockProvider) SignOut(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockProvider) CurrentUser(ctx context.Context) (*idp.Identity, error) {
	args := m.Called(ctx)
	return identityArg(args, 0), args.Error(1)
}

func (m *MockProvider) OnAuthStateChanged(l idp.Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners == nil {
		m.listeners = make(map[int]idp.Listener)
	}
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Emit fires every registered listener
func (m *MockProvider) Emit(ctx context.Context, identity *idp.Identity) {
	m.mu.Lock()
	fns := make([]idp.Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		fns = append(fns, l)
	}
	m.mu.Unlock()
	for _, l := range fns {
		l(ctx, identity)
	}
}

// ListenerCount is the number of active subscriptions
func (m *MockProvider) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}
