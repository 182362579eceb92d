// Package auth signs users up and in against the document store and issues
// the HS256 tokens that the REST API and the realtime channel accept.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"catalog-editor/core"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	fieldEmail        = "email"
	fieldPasswordHash = "passwordHash"
	fieldSubject      = "subject"
	fieldLogin        = "login"
	fieldDisplayName  = "displayName"
	fieldAvatarURL    = "avatarUrl"
	fieldCreatedAt    = "createdAt"

	minPasswordLength = 6
	tokenTTL          = 7 * 24 * time.Hour
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidToken       = errors.New("invalid token")
)

// Claims are the custom claims of an issued token. The subject is the user id,
// which is also the owner id of the user's catalog.
type Claims struct {
	jwt.RegisteredClaims
	Login     string `json:"login"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl"`
	Name      string `json:"name"`
}

// User rebuilds the identity carried by the token.
func (c *Claims) User() *core.User {
	return &core.User{
		ID:        c.Subject,
		Subject:   c.Subject,
		Login:     c.Login,
		Email:     c.Email,
		AvatarURL: c.AvatarURL,
		Name:      c.Name,
	}
}

// Service keeps users in the users collection of the document store. User
// documents live in the unowned partition.
type Service struct {
	docs   core.DocumentStore
	secret []byte
	now    func() time.Time

	// serialises the uniqueness checks of SignUp and Upsert
	mu sync.Mutex
}

func NewService(docs core.DocumentStore, secret []byte) *Service {
	if len(secret) == 0 {
		logrus.Warn("JWT_SECRET is not set. Authentication will not work.")
	}
	return &Service{docs: docs, secret: secret, now: time.Now}
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", core.NewValidationError("email", "must be a valid address")
	}
	return strings.ToLower(addr.Address), nil
}

func (s *Service) findOne(ctx context.Context, field, value string) (*core.Document, error) {
	q := core.Query{Collection: core.UsersCollection}.Where(field, value)
	docs, err := s.docs.Find(ctx, q)
	if err != nil {
		return nil, core.Remote("find user", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &docs[0], nil
}

func userFromDocument(doc core.Document) *core.User {
	created, _ := time.Parse(time.RFC3339, doc.Fields.String(fieldCreatedAt))
	return &core.User{
		ID:        doc.ID,
		Subject:   doc.Fields.String(fieldSubject),
		Login:     doc.Fields.String(fieldLogin),
		Email:     doc.Fields.String(fieldEmail),
		AvatarURL: doc.Fields.String(fieldAvatarURL),
		Name:      doc.Fields.String(fieldDisplayName),
		CreatedAt: created,
	}
}

// SignUp registers an email/password user and returns it with a fresh token.
func (s *Service) SignUp(ctx context.Context, email, password string) (*core.User, string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, "", err
	}
	if len(password) < minPasswordLength {
		return nil, "", core.NewValidationError("password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.findOne(ctx, fieldEmail, email)
	if err != nil {
		return nil, "", err
	}
	if existing != nil {
		return nil, "", ErrEmailTaken
	}

	fields := core.Fields{
		core.FieldOwner:   "",
		fieldEmail:        email,
		fieldPasswordHash: string(hash),
		fieldSubject:      "email:" + email,
		fieldLogin:        email,
		fieldCreatedAt:    s.now().UTC().Format(time.RFC3339),
	}
	id, err := s.docs.Add(ctx, core.UsersCollection, fields)
	if err != nil {
		return nil, "", core.Remote("sign up", err)
	}
	user := userFromDocument(core.Document{ID: id, Fields: fields})
	logrus.WithField("user_id", id).Info("User signed up")

	token, err := s.Issue(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// SignIn checks an email/password pair.
func (s *Service) SignIn(ctx context.Context, email, password string) (*core.User, string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, "", err
	}
	doc, err := s.findOne(ctx, fieldEmail, email)
	if err != nil {
		return nil, "", err
	}
	if doc == nil {
		return nil, "", ErrInvalidCredentials
	}
	hash := doc.Fields.String(fieldPasswordHash)
	if hash == "" {
		// OAuth-only account
		return nil, "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	user := userFromDocument(*doc)
	token, err := s.Issue(user)
	if err != nil {
		return nil, "", err
	}
	logrus.WithField("user_id", user.ID).Debug("User signed in")
	return user, token, nil
}

// Upsert stores an externally authenticated user, keyed by its subject, and
// returns it with the stored id.
func (s *Service) Upsert(ctx context.Context, user *core.User) (*core.User, error) {
	if user.Subject == "" {
		return nil, core.NewValidationError("subject", "must not be empty")
	}
	fields := core.Fields{
		fieldLogin:       user.Login,
		fieldEmail:       strings.ToLower(user.Email),
		fieldDisplayName: user.Name,
		fieldAvatarURL:   user.AvatarURL,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.findOne(ctx, fieldSubject, user.Subject)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		if err := s.docs.Update(ctx, core.UsersCollection, doc.ID, fields); err != nil {
			return nil, core.Remote("update user", err)
		}
		return userFromDocument(core.Document{ID: doc.ID, Fields: doc.Fields.Merge(fields)}), nil
	}

	fields[core.FieldOwner] = ""
	fields[fieldSubject] = user.Subject
	fields[fieldCreatedAt] = s.now().UTC().Format(time.RFC3339)
	id, err := s.docs.Add(ctx, core.UsersCollection, fields)
	if err != nil {
		return nil, core.Remote("create user", err)
	}
	logrus.WithFields(logrus.Fields{"user_id": id, "subject": user.Subject}).Info("User created")
	return userFromDocument(core.Document{ID: id, Fields: fields}), nil
}

// Issue signs a token for user.
func (s *Service) Issue(user *core.User) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Login:     user.Login,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		Name:      user.Name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse validates a token and returns its claims.
func (s *Service) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Subject != "" {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
