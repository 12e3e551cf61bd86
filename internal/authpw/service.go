// Package authpw provides email/password registration and login.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cowrite/api/internal/store"
	"cowrite/api/internal/util"
)

const MinPasswordLength = 6

var (
	ErrInvalidInput       = errors.New("invalid registration input")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Service provides email/password authentication
type Service struct {
	store UserStore
	cost  int
	now   func() time.Time
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// NewService creates a new auth service
func NewService(users UserStore) *Service {
	return &Service{store: users, cost: bcrypt.DefaultCost, now: time.Now}
}

type RegisterRequest struct {
	Name     string
	Email    string
	Password string
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	name := strings.TrimSpace(req.Name)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if name == "" || email == "" || req.Password == "" {
		return store.User{}, fmt.Errorf("%w: name, email, and password are required", ErrInvalidInput)
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return store.User{}, fmt.Errorf("%w: email address is malformed", ErrInvalidInput)
	}
	if len(req.Password) < MinPasswordLength {
		return store.User{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}

	_, err := s.store.GetUserByEmail(ctx, email)
	if err == nil {
		return store.User{}, ErrEmailTaken
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("lookup email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.User{}, ErrEmailTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login checks a password against the stored hash. Unknown emails and wrong
// passwords fail the same way.
func (s *Service) Login(ctx context.Context, email, password string) (store.User, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
