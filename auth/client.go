package auth

import (
	"context"
	"sync"

	"catalog-editor/core"
	"catalog-editor/pubsub"
)

// Client is the identity state of one connection. It starts signed out.
type Client struct {
	svc   *Service
	state *pubsub.Channel[*core.User]

	mu   sync.Mutex
	user *core.User
}

func NewClient(svc *Service) *Client {
	state := pubsub.NewChannel[*core.User](true)
	state.Publish(nil)
	return &Client{svc: svc, state: state}
}

// OnAuthStateChanged delivers the current user (nil when signed out) and
// every later change.
func (c *Client) OnAuthStateChanged(fn func(*core.User)) core.Unsubscribe {
	return core.Unsubscribe(c.state.Subscribe(fn))
}

func (c *Client) set(user *core.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = user
	c.state.Publish(user)
}

func (c *Client) User() *core.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// SignIn signs in with email and password and returns the issued token.
func (c *Client) SignIn(ctx context.Context, email, password string) (string, error) {
	user, token, err := c.svc.SignIn(ctx, email, password)
	if err != nil {
		return "", err
	}
	c.set(user)
	return token, nil
}

// SignUp registers and signs in.
func (c *Client) SignUp(ctx context.Context, email, password string) (string, error) {
	user, token, err := c.svc.SignUp(ctx, email, password)
	if err != nil {
		return "", err
	}
	c.set(user)
	return token, nil
}

// SignInWithToken restores a session from a previously issued token.
func (c *Client) SignInWithToken(token string) error {
	claims, err := c.svc.Parse(token)
	if err != nil {
		return err
	}
	c.set(claims.User())
	return nil
}

func (c *Client) SignOut() error {
	c.set(nil)
	return nil
}

// Close detaches every auth state listener.
func (c *Client) Close() {
	c.state.Close()
}
