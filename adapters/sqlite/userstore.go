package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/leafwise/leafmeter/domain/tier"
	"github.com/leafwise/leafmeter/ports"
)

// ErrUserNotFound is returned when a user does not exist.
var ErrUserNotFound = errors.New("user not found")

// UserStore implements ports.UserStore using SQLite.
type UserStore struct {
	db *DB
}

// NewUserStore creates a new SQLite user store.
func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, email, password_hash, tier, stripe_id, created_at, updated_at`

func scanUser(row *sql.Row) (ports.User, error) {
	var u ports.User
	var tierStr string
	var createdAt, updatedAt int64

	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &tierStr, &u.StripeID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.User{}, ErrUserNotFound
	}
	if err != nil {
		return ports.User{}, err
	}

	u.Tier = tier.Parse(tierStr)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

// Get retrieves a user by ID.
func (s *UserStore) Get(ctx context.Context, id string) (ports.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// GetByEmail retrieves a user by email.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (ports.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE email = ?
	`, normalizeEmail(email))
	return scanUser(row)
}

// Create stores a new user. The UNIQUE constraint on email rejects
// duplicate registrations.
func (s *UserStore) Create(ctx context.Context, u ports.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ID, normalizeEmail(u.Email), u.PasswordHash, string(u.Tier), u.StripeID,
		toMillis(u.CreatedAt), toMillis(u.UpdatedAt))
	return err
}

// Update modifies an existing user.
func (s *UserStore) Update(ctx context.Context, u ports.User) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			email = ?, password_hash = ?, tier = ?, stripe_id = ?, updated_at = ?
		WHERE id = ?
	`, normalizeEmail(u.Email), u.PasswordHash, string(u.Tier), u.StripeID,
		toMillis(u.UpdatedAt), u.ID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Ensure interface compliance.
var _ ports.UserStore = (*UserStore)(nil)
