package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/leafwise/leafmeter/domain/quota"
	"github.com/leafwise/leafmeter/ports"
)

// UsageStore implements ports.UsageStore using SQLite. The version
// column carries the optimistic concurrency token; writes only land
// when the caller's version still matches.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Get retrieves the record and its version for a fingerprint.
func (s *UsageStore) Get(ctx context.Context, fp string) (quota.Record, int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT count, identify_count, diagnose_count, chat_count,
		       daily_spend, monthly_spend,
		       reset_at, monthly_reset_at, last_action_at,
		       blocked, block_reason, version
		FROM usage_records
		WHERE fingerprint = ?
	`, fp)

	var rec quota.Record
	var resetAt, monthlyResetAt, lastActionAt int64
	var blocked int
	var version int64

	err := row.Scan(
		&rec.Count, &rec.IdentifyCount, &rec.DiagnoseCount, &rec.ChatCount,
		&rec.DailySpend, &rec.MonthlySpend,
		&resetAt, &monthlyResetAt, &lastActionAt,
		&blocked, &rec.BlockReason, &version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Record{}, 0, nil
	}
	if err != nil {
		return quota.Record{}, 0, err
	}

	rec.ResetAt = fromMillis(resetAt)
	rec.MonthlyResetAt = fromMillis(monthlyResetAt)
	rec.LastActionAt = fromMillis(lastActionAt)
	rec.Blocked = blocked != 0

	return rec, version, nil
}

// CompareAndSwap writes rec if the stored version still matches.
// Version 0 inserts only when no row exists for the fingerprint.
func (s *UsageStore) CompareAndSwap(ctx context.Context, fp string, version int64, rec quota.Record) (bool, error) {
	now := time.Now().UnixMilli()
	blocked := 0
	if rec.Blocked {
		blocked = 1
	}

	var res sql.Result
	var err error
	if version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO usage_records (
				fingerprint, count, identify_count, diagnose_count, chat_count,
				daily_spend, monthly_spend,
				reset_at, monthly_reset_at, last_action_at,
				blocked, block_reason, version, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(fingerprint) DO NOTHING
		`, fp, rec.Count, rec.IdentifyCount, rec.DiagnoseCount, rec.ChatCount,
			rec.DailySpend, rec.MonthlySpend,
			toMillis(rec.ResetAt), toMillis(rec.MonthlyResetAt), toMillis(rec.LastActionAt),
			blocked, rec.BlockReason, now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE usage_records SET
				count = ?, identify_count = ?, diagnose_count = ?, chat_count = ?,
				daily_spend = ?, monthly_spend = ?,
				reset_at = ?, monthly_reset_at = ?, last_action_at = ?,
				blocked = ?, block_reason = ?,
				version = version + 1, updated_at = ?
			WHERE fingerprint = ? AND version = ?
		`, rec.Count, rec.IdentifyCount, rec.DiagnoseCount, rec.ChatCount,
			rec.DailySpend, rec.MonthlySpend,
			toMillis(rec.ResetAt), toMillis(rec.MonthlyResetAt), toMillis(rec.LastActionAt),
			blocked, rec.BlockReason, now, fp, version)
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

// Delete removes the record for a fingerprint.
func (s *UsageStore) Delete(ctx context.Context, fp string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE fingerprint = ?`, fp)
	return err
}

// Sweep evicts records not written since before cutoff.
func (s *UsageStore) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_records WHERE updated_at < ?
	`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ensure interface compliance.
var (
	_ ports.UsageStore = (*UsageStore)(nil)
	_ ports.Sweeper    = (*UsageStore)(nil)
)
