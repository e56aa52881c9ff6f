package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/leafwise/leafmeter/domain/ratelimit"
	"github.com/leafwise/leafmeter/ports"
)

// RateLimitStore implements ports.RateLimitStore using SQLite.
type RateLimitStore struct {
	db *DB
}

// NewRateLimitStore creates a new SQLite rate limit store.
func NewRateLimitStore(db *DB) *RateLimitStore {
	return &RateLimitStore{db: db}
}

// Get retrieves the window state and its version for a fingerprint.
func (s *RateLimitStore) Get(ctx context.Context, fp string) (ratelimit.WindowState, int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT count, reset_at, version FROM rate_windows WHERE fingerprint = ?
	`, fp)

	var state ratelimit.WindowState
	var resetAt, version int64

	err := row.Scan(&state.Count, &resetAt, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.WindowState{}, 0, nil
	}
	if err != nil {
		return ratelimit.WindowState{}, 0, err
	}

	state.ResetAt = fromMillis(resetAt)
	return state, version, nil
}

// CompareAndSwap writes state if the stored version still matches.
func (s *RateLimitStore) CompareAndSwap(ctx context.Context, fp string, version int64, state ratelimit.WindowState) (bool, error) {
	now := time.Now().UnixMilli()

	var res sql.Result
	var err error
	if version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO rate_windows (fingerprint, count, reset_at, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(fingerprint) DO NOTHING
		`, fp, state.Count, toMillis(state.ResetAt), now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE rate_windows SET
				count = ?, reset_at = ?, version = version + 1, updated_at = ?
			WHERE fingerprint = ? AND version = ?
		`, state.Count, toMillis(state.ResetAt), now, fp, version)
	}
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Delete removes the window state for a fingerprint.
func (s *RateLimitStore) Delete(ctx context.Context, fp string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_windows WHERE fingerprint = ?`, fp)
	return err
}

// Sweep evicts windows not written since before cutoff.
func (s *RateLimitStore) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_windows WHERE updated_at < ?
	`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ensure interface compliance.
var (
	_ ports.RateLimitStore = (*RateLimitStore)(nil)
	_ ports.Sweeper        = (*RateLimitStore)(nil)
)
