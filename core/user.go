package core

import "time"

type (
	User struct {
		ID        string    `json:"id"`
		Subject   string    `json:"subject"`
		Login     string    `json:"login"`
		Email     string    `json:"email"`
		AvatarURL string    `json:"avatarUrl"`
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"createdAt"`
	}

	// IdentityProvider reports session changes of one client. A nil user
	// means signed out.
	IdentityProvider interface {
		// OnAuthStateChanged calls fn with the current state right away and on
		// every later change.
		OnAuthStateChanged(fn func(*User)) Unsubscribe
		SignOut() error
	}
)
