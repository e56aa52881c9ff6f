// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/leafwise/leafmeter/domain/quota"
	"github.com/leafwise/leafmeter/domain/ratelimit"
	"github.com/leafwise/leafmeter/domain/tier"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// Hasher provides password hashing.
type Hasher interface {
	// Hash generates a hash from a plaintext value.
	Hash(plaintext string) ([]byte, error)

	// Compare checks if plaintext matches hash.
	Compare(hash []byte, plaintext string) bool
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// UsageStore persists per-fingerprint usage records with optimistic
// concurrency. Version 0 means the fingerprint has no record yet; every
// successful write bumps the version. The read-check-increment sequence
// for one fingerprint is serialized by looping on CompareAndSwap, so two
// concurrent evaluations can never both spend the last unit of quota.
type UsageStore interface {
	// Get retrieves the record and its version for a fingerprint.
	// A missing fingerprint returns the zero record with version 0.
	Get(ctx context.Context, fp string) (quota.Record, int64, error)

	// CompareAndSwap writes rec if the stored version still equals
	// version (version 0 inserts only when absent). Returns false
	// without writing when another writer got there first.
	CompareAndSwap(ctx context.Context, fp string, version int64, rec quota.Record) (bool, error)

	// Delete removes the record for a fingerprint.
	Delete(ctx context.Context, fp string) error
}

// RateLimitStore persists per-fingerprint rate window state, with the
// same versioned CAS contract as UsageStore.
type RateLimitStore interface {
	Get(ctx context.Context, fp string) (ratelimit.WindowState, int64, error)
	CompareAndSwap(ctx context.Context, fp string, version int64, state ratelimit.WindowState) (bool, error)
	Delete(ctx context.Context, fp string) error
}

// Sweeper removes state for fingerprints idle since before cutoff.
// Stores grow without bound otherwise; bootstrap runs sweeps on a timer.
type Sweeper interface {
	Sweep(ctx context.Context, cutoff time.Time) (int64, error)
}

// User represents an account in the Leafwise backend.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	Tier         tier.Tier
	StripeID     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserStore persists user accounts.
type UserStore interface {
	// Get retrieves a user by ID.
	Get(ctx context.Context, id string) (User, error)

	// GetByEmail retrieves a user by email.
	GetByEmail(ctx context.Context, email string) (User, error)

	// Create stores a new user.
	Create(ctx context.Context, u User) error

	// Update modifies an existing user.
	Update(ctx context.Context, u User) error
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// PaymentProvider interfaces with the payment processor.
type PaymentProvider interface {
	// Name returns the provider name (e.g., "stripe").
	Name() string

	// CreateCustomer creates a customer in the payment system.
	CreateCustomer(ctx context.Context, email, userID string) (customerID string, err error)

	// CreateCheckoutSession creates a checkout session and returns the
	// redirect URL.
	CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (sessionURL string, err error)
}
