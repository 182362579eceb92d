package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"catalog-editor/core"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []*core.User
}

func (r *stateRecorder) record(u *core.User) {
	r.mu.Lock()
	r.states = append(r.states, u)
	r.mu.Unlock()
}

func (r *stateRecorder) last() (*core.User, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return nil, 0
	}
	return r.states[len(r.states)-1], len(r.states)
}

func waitState(t *testing.T, r *stateRecorder, cond func(*core.User, int) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(r.last()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for auth state")
}

func TestClient_StartsSignedOut(t *testing.T) {
	c := NewClient(newTestService())
	defer c.Close()

	r := &stateRecorder{}
	stop := c.OnAuthStateChanged(r.record)
	defer stop()

	waitState(t, r, func(u *core.User, n int) bool { return n == 1 && u == nil })
}

func TestClient_SignUpSignOut(t *testing.T) {
	c := NewClient(newTestService())
	defer c.Close()
	r := &stateRecorder{}
	stop := c.OnAuthStateChanged(r.record)
	defer stop()

	token, err := c.SignUp(context.Background(), "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("SignUp() failed: %v", err)
	}
	if token == "" {
		t.Error("SignUp() returned an empty token")
	}
	waitState(t, r, func(u *core.User, _ int) bool { return u != nil && u.Email == "ada@example.com" })

	if err := c.SignOut(); err != nil {
		t.Fatal(err)
	}
	waitState(t, r, func(u *core.User, _ int) bool { return u == nil })
	if c.User() != nil {
		t.Error("User() != nil after SignOut")
	}
}

func TestClient_SignInWithToken(t *testing.T) {
	svc := newTestService()
	user, token, err := svc.SignUp(context.Background(), "ada@example.com", "secret1")
	if err != nil {
		t.Fatal(err)
	}

	c := NewClient(svc)
	defer c.Close()
	if err := c.SignInWithToken(token); err != nil {
		t.Fatalf("SignInWithToken() failed: %v", err)
	}
	if got := c.User(); got == nil || got.ID != user.ID {
		t.Errorf("User() = %v, want id %s", got, user.ID)
	}

	if err := c.SignInWithToken("garbage"); err == nil {
		t.Error("SignInWithToken(garbage) error = nil")
	}
	if got := c.User(); got == nil || got.ID != user.ID {
		t.Error("failed token sign in changed the session")
	}
}

func TestClient_LateSubscriberGetsCurrentState(t *testing.T) {
	svc := newTestService()
	c := NewClient(svc)
	defer c.Close()
	if _, err := c.SignUp(context.Background(), "ada@example.com", "secret1"); err != nil {
		t.Fatal(err)
	}

	r := &stateRecorder{}
	stop := c.OnAuthStateChanged(r.record)
	defer stop()
	waitState(t, r, func(u *core.User, n int) bool { return n == 1 && u != nil })
}
