// Package auth manages dashboard accounts and login sessions. Admins may
// change the device; viewers may only read.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aquarium/internal/clock"
	"aquarium/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Role is an account's permission level.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUnauthorized       = errors.New("not logged in")
	ErrForbidden          = errors.New("admin role required")
	ErrUserExists         = errors.New("username already exists")
	ErrInvalidRole        = errors.New("role must be admin or viewer")
	ErrInvalidUser        = errors.New("username and password are required")
)

// ParseRole validates a role name. Empty means viewer.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoleViewer:
		return RoleViewer, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Options tunes a Service.
type Options struct {
	BcryptCost int
	SessionTTL time.Duration
}

// Service authenticates users and authorizes requests.
type Service struct {
	users    store.UserRepository
	sessions SessionStore
	opts     Options
	clock    clock.Clock
	logger   *zap.Logger
}

// NewService creates a Service. Zero options use bcrypt.DefaultCost and a
// 24h session lifetime.
func NewService(users store.UserRepository, sessions SessionStore, opts Options, clk clock.Clock, logger *zap.Logger) *Service {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	return &Service{
		users:    users,
		sessions: sessions,
		opts:     opts,
		clock:    clk,
		logger:   logger.Named("auth"),
	}
}

func (s *Service) hash(password string) ([]byte, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return h, nil
}

// EnsureAdmin creates the bootstrap admin account or resets its password
// and role.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidUser
	}
	h, err := s.hash(password)
	if err != nil {
		return err
	}
	if err := s.users.UpsertUser(ctx, store.User{Username: username, PasswordHash: h, Role: string(RoleAdmin)}); err != nil {
		return fmt.Errorf("upsert admin: %w", err)
	}
	s.logger.Info("Admin account ensured", zap.String("username", username))
	return nil
}

// Login checks credentials and opens a session.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	u, err := s.users.GetUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		s.logger.Info("Login rejected", zap.String("username", username))
		return Session{}, ErrInvalidCredentials
	}

	role, err := ParseRole(u.Role)
	if err != nil {
		return Session{}, err
	}
	sess := Session{
		Token:     uuid.NewString(),
		Username:  u.Username,
		Role:      role,
		ExpiresAt: s.clock.Now().Add(s.opts.SessionTTL),
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return Session{}, err
	}

	s.logger.Info("User logged in",
		zap.String("username", u.Username),
		zap.String("role", string(role)))
	return sess, nil
}

// Logout ends a session. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Delete(ctx, token)
}

// Register creates an account.
func (s *Service) Register(ctx context.Context, username, password, role string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrInvalidUser
	}
	r, err := ParseRole(role)
	if err != nil {
		return err
	}
	h, err := s.hash(password)
	if err != nil {
		return err
	}

	err = s.users.CreateUser(ctx, store.User{Username: username, PasswordHash: h, Role: string(r)})
	if errors.Is(err, store.ErrExists) {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	s.logger.Info("User registered",
		zap.String("username", username),
		zap.String("role", string(r)))
	return nil
}

// Authorize resolves token to a session holding at least the required role.
func (s *Service) Authorize(ctx context.Context, token string, required Role) (Session, error) {
	token = TokenFromHeader(token)
	if token == "" {
		return Session{}, ErrUnauthorized
	}
	sess, err := s.sessions.Get(ctx, token)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, ErrUnauthorized
	}
	if err != nil {
		return Session{}, err
	}
	if required == RoleAdmin && sess.Role != RoleAdmin {
		return sess, ErrForbidden
	}
	return sess, nil
}

// TokenFromHeader accepts a raw token or "Bearer <token>".
func TokenFromHeader(h string) string {
	h = strings.TrimSpace(h)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}
