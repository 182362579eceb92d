package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"catalog-editor/core"

	"github.com/sirupsen/logrus"
)

var ErrSignedOut = errors.New("no user signed in")

// openTimeout bounds waiting for the first category snapshot after sign-in.
const openTimeout = 30 * time.Second

// Listeners receive the state a session pushes to its client. Any of them may
// be nil.
type Listeners struct {
	AuthState  func(*core.User)
	Categories func([]core.Category)
	Items      func(categoryID string, items []core.Item)
}

// Session follows an identity provider: signing in opens the user's catalog,
// signing out or switching users closes it.
type Session struct {
	engine    *Engine
	identity  core.IdentityProvider
	listeners Listeners

	mu      sync.Mutex
	user    *core.User
	catalog *Catalog
	closed  bool
	stop    core.Unsubscribe
	// closed and replaced whenever user or catalog change
	changed chan struct{}
}

func NewSession(engine *Engine, identity core.IdentityProvider, listeners Listeners) *Session {
	s := &Session{engine: engine, identity: identity, listeners: listeners, changed: make(chan struct{})}
	s.stop = identity.OnAuthStateChanged(s.authStateChanged)
	return s
}

func (s *Session) authStateChanged(user *core.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	defer s.signalLocked()

	if s.user != nil && user != nil && s.user.ID == user.ID && s.catalog != nil {
		s.user = user
		s.notifyAuth(user)
		return
	}

	if s.catalog != nil {
		s.catalog.Close()
		s.catalog = nil
	}
	s.user = user
	s.notifyAuth(user)
	if user == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	cat, err := s.engine.Open(ctx, user.ID, s.listeners.Categories, s.listeners.Items)
	if err != nil {
		logrus.WithError(err).WithField("owner", user.ID).Error("Failed to open catalog")
		return
	}
	s.catalog = cat
}

func (s *Session) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) notifyAuth(user *core.User) {
	if s.listeners.AuthState != nil {
		s.listeners.AuthState(user)
	}
}

// User returns the signed in user, or nil.
func (s *Session) User() *core.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Catalog returns the open catalog of the signed in user.
func (s *Session) Catalog() (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalog == nil {
		return nil, ErrSignedOut
	}
	return s.catalog, nil
}

// Await blocks until the catalog of userID is open.
func (s *Session) Await(ctx context.Context, userID string) (*Catalog, error) {
	var cat *Catalog
	err := s.await(ctx, "open catalog", func() bool {
		if s.catalog != nil && s.catalog.Owner() == userID {
			cat = s.catalog
			return true
		}
		return false
	})
	return cat, err
}

// AwaitSignedOut blocks until no user is signed in.
func (s *Session) AwaitSignedOut(ctx context.Context) error {
	return s.await(ctx, "sign out", func() bool {
		return s.user == nil && s.catalog == nil
	})
}

// await polls cond under s.mu each time the session changes.
func (s *Session) await(ctx context.Context, op string, cond func() bool) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrSignedOut
		}
		if cond() {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return core.Remote(op, ctx.Err())
		}
	}
}

func (s *Session) SignOut() error {
	return s.identity.SignOut()
}

// Close detaches from the identity provider and closes the catalog.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cat := s.catalog
	s.catalog = nil
	s.signalLocked()
	s.mu.Unlock()

	if s.stop != nil {
		s.stop()
	}
	if cat != nil {
		cat.Close()
	}
}
