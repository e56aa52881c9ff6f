package memory

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/leafwise/leafmeter/ports"
)

// ErrNotFound is returned when a user does not exist.
var ErrNotFound = errors.New("user not found")

// UserStore is an in-memory implementation of ports.UserStore.
type UserStore struct {
	mu      sync.RWMutex
	byID    map[string]ports.User
	byEmail map[string]string // email -> id
}

// NewUserStore creates a new in-memory user store.
func NewUserStore() *UserStore {
	return &UserStore{
		byID:    make(map[string]ports.User),
		byEmail: make(map[string]string),
	}
}

// Get retrieves a user by ID.
func (s *UserStore) Get(ctx context.Context, id string) (ports.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return ports.User{}, ErrNotFound
	}
	return u, nil
}

// GetByEmail retrieves a user by email.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (ports.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return ports.User{}, ErrNotFound
	}
	return s.byID[id], nil
}

// Create stores a new user.
func (s *UserStore) Create(ctx context.Context, u ports.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[normalizeEmail(u.Email)]; exists {
		return errors.New("email already registered")
	}
	s.byID[u.ID] = u
	s.byEmail[normalizeEmail(u.Email)] = u.ID
	return nil
}

// Update modifies an existing user.
func (s *UserStore) Update(ctx context.Context, u ports.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.byID[u.ID]
	if !ok {
		return ErrNotFound
	}
	if old.Email != u.Email {
		delete(s.byEmail, normalizeEmail(old.Email))
		s.byEmail[normalizeEmail(u.Email)] = u.ID
	}
	s.byID[u.ID] = u
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Ensure interface compliance.
var _ ports.UserStore = (*UserStore)(nil)
