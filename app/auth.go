package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/leafwise/leafmeter/adapters/auth"
	"github.com/leafwise/leafmeter/domain/tier"
	"github.com/leafwise/leafmeter/ports"
)

// Auth validation errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
)

// AuthService handles signup and login for app users.
type AuthService struct {
	users  ports.UserStore
	hasher ports.Hasher
	tokens *auth.TokenService
	clock  ports.Clock
	idGen  ports.IDGenerator
	logger zerolog.Logger
}

// AuthDeps contains dependencies for AuthService.
type AuthDeps struct {
	Users  ports.UserStore
	Hasher ports.Hasher
	Tokens *auth.TokenService
	Clock  ports.Clock
	IDGen  ports.IDGenerator
	Logger zerolog.Logger
}

// NewAuthService creates a new auth service.
func NewAuthService(deps AuthDeps) *AuthService {
	return &AuthService{
		users:  deps.Users,
		hasher: deps.Hasher,
		tokens: deps.Tokens,
		clock:  deps.Clock,
		idGen:  deps.IDGen,
		logger: deps.Logger,
	}
}

// Session is the result of a successful signup or login.
type Session struct {
	UserID    string
	Email     string
	Tier      tier.Tier
	Token     string
	ExpiresAt time.Time
}

// Signup registers a new account on the free tier and issues a token.
func (s *AuthService) Signup(ctx context.Context, email, password string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return Session{}, ErrInvalidEmail
	}
	if len(password) < 6 {
		return Session{}, ErrWeakPassword
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return Session{}, ErrEmailTaken
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return Session{}, err
	}

	now := s.clock.Now()
	u := ports.User{
		ID:           s.idGen.New(),
		Email:        email,
		PasswordHash: hash,
		Tier:         tier.Free,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		// Lost a race with a concurrent signup for the same email.
		return Session{}, ErrEmailTaken
	}

	s.logger.Info().Str("user_id", u.ID).Msg("user registered")
	return s.issueSession(u)
}

// Login verifies credentials and issues a token.
func (s *AuthService) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		// Same error as a bad password so probes can't enumerate emails.
		return Session{}, ErrInvalidCredentials
	}

	if !s.hasher.Compare(u.PasswordHash, password) {
		return Session{}, ErrInvalidCredentials
	}

	s.logger.Info().Str("user_id", u.ID).Msg("user logged in")
	return s.issueSession(u)
}

func (s *AuthService) issueSession(u ports.User) (Session, error) {
	token, expiresAt, err := s.tokens.GenerateToken(u.ID, u.Email, string(u.Tier))
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:    u.ID,
		Email:     u.Email,
		Tier:      u.Tier,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}
