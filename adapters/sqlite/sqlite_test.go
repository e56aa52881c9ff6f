package sqlite_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/leafwise/leafmeter/adapters/sqlite"
	"github.com/leafwise/leafmeter/domain/quota"
	"github.com/leafwise/leafmeter/domain/ratelimit"
	"github.com/leafwise/leafmeter/domain/tier"
	"github.com/leafwise/leafmeter/ports"
)

func setupTestDB(t *testing.T) (*sqlite.DB, func()) {
	t.Helper()

	// Create temp file for test database
	f, err := os.CreateTemp("", "leafmeter-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	db, err := sqlite.Open(path)
	if err != nil {
		os.Remove(path)
		t.Fatalf("open database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		os.Remove(path)
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(path)
	}

	return db, cleanup
}

// -----------------------------------------------------------------------------
// UsageStore Tests
// -----------------------------------------------------------------------------

func TestUsageStore_MissingFingerprint(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUsageStore(db)

	rec, version, err := store.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if version != 0 {
		t.Errorf("version = %d, want 0", version)
	}
	if rec.Count != 0 || !rec.ResetAt.IsZero() {
		t.Errorf("expected zero record, got %+v", rec)
	}
}

func TestUsageStore_CASRoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUsageStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := quota.NewRecord(now)
	rec.Count = 3
	rec.IdentifyCount = 2
	rec.DiagnoseCount = 1
	rec.DailySpend = 0.07
	rec.MonthlySpend = 0.07
	rec.LastActionAt = now
	rec.Blocked = true
	rec.BlockReason = "daily_limit_exceeded"

	ok, err := store.CompareAndSwap(ctx, "fp1", 0, rec)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !ok {
		t.Fatal("insert at version 0 should succeed")
	}

	got, version, err := store.Get(ctx, "fp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
	if got.Count != 3 || got.IdentifyCount != 2 || got.DiagnoseCount != 1 {
		t.Errorf("counts = %d/%d/%d, want 3/2/1", got.Count, got.IdentifyCount, got.DiagnoseCount)
	}
	if got.DailySpend != 0.07 {
		t.Errorf("DailySpend = %v, want 0.07", got.DailySpend)
	}
	if !got.Blocked || got.BlockReason != "daily_limit_exceeded" {
		t.Errorf("blocked = %v/%q, want true/daily_limit_exceeded", got.Blocked, got.BlockReason)
	}
	if !got.ResetAt.Equal(rec.ResetAt) {
		t.Errorf("ResetAt = %v, want %v", got.ResetAt, rec.ResetAt)
	}
	if !got.MonthlyResetAt.Equal(rec.MonthlyResetAt) {
		t.Errorf("MonthlyResetAt = %v, want %v", got.MonthlyResetAt, rec.MonthlyResetAt)
	}
	if !got.LastActionAt.Equal(now) {
		t.Errorf("LastActionAt = %v, want %v", got.LastActionAt, now)
	}
}

func TestUsageStore_CASConflict(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUsageStore(db)
	ctx := context.Background()
	rec := quota.NewRecord(time.Now())

	if ok, _ := store.CompareAndSwap(ctx, "fp1", 0, rec); !ok {
		t.Fatal("seed insert failed")
	}

	// Second insert at version 0 must not overwrite.
	ok, err := store.CompareAndSwap(ctx, "fp1", 0, rec)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if ok {
		t.Error("insert over existing row should fail")
	}

	// Stale version must not write.
	ok, err = store.CompareAndSwap(ctx, "fp1", 42, rec)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if ok {
		t.Error("swap at stale version should fail")
	}

	// Current version succeeds and bumps.
	rec.Count = 1
	ok, err = store.CompareAndSwap(ctx, "fp1", 1, rec)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if !ok {
		t.Fatal("swap at current version should succeed")
	}

	got, version, _ := store.Get(ctx, "fp1")
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
	if got.Count != 1 {
		t.Errorf("count = %d, want 1", got.Count)
	}
}

func TestUsageStore_DeleteAndSweep(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUsageStore(db)
	ctx := context.Background()
	rec := quota.NewRecord(time.Now())

	if ok, _ := store.CompareAndSwap(ctx, "fp1", 0, rec); !ok {
		t.Fatal("insert failed")
	}
	if ok, _ := store.CompareAndSwap(ctx, "fp2", 0, rec); !ok {
		t.Fatal("insert failed")
	}

	if err := store.Delete(ctx, "fp1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, version, _ := store.Get(ctx, "fp1"); version != 0 {
		t.Error("fp1 should be gone after delete")
	}

	removed, err := store.Sweep(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, version, _ := store.Get(ctx, "fp2"); version != 0 {
		t.Error("fp2 should be gone after sweep")
	}
}

// -----------------------------------------------------------------------------
// RateLimitStore Tests
// -----------------------------------------------------------------------------

func TestRateLimitStore_CASRoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewRateLimitStore(db)
	ctx := context.Background()
	resetAt := time.Now().UTC().Truncate(time.Millisecond).Add(time.Minute)

	state := ratelimit.WindowState{Count: 2, ResetAt: resetAt}
	if ok, _ := store.CompareAndSwap(ctx, "fp1", 0, state); !ok {
		t.Fatal("insert failed")
	}

	got, version, err := store.Get(ctx, "fp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if version != 1 || got.Count != 2 {
		t.Errorf("got version=%d count=%d, want 1/2", version, got.Count)
	}
	if !got.ResetAt.Equal(resetAt) {
		t.Errorf("ResetAt = %v, want %v", got.ResetAt, resetAt)
	}

	if ok, _ := store.CompareAndSwap(ctx, "fp1", 0, state); ok {
		t.Error("insert over existing row should fail")
	}

	got.Count++
	if ok, _ := store.CompareAndSwap(ctx, "fp1", version, got); !ok {
		t.Error("swap at current version should succeed")
	}
}

func TestRateLimitStore_Sweep(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewRateLimitStore(db)
	ctx := context.Background()

	state := ratelimit.WindowState{Count: 1, ResetAt: time.Now()}
	if ok, _ := store.CompareAndSwap(ctx, "fp1", 0, state); !ok {
		t.Fatal("insert failed")
	}

	removed, err := store.Sweep(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

// -----------------------------------------------------------------------------
// UserStore Tests
// -----------------------------------------------------------------------------

func TestUserStore_CreateAndGet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUserStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	user := ports.User{
		ID:           "user-1",
		Email:        "grower@example.com",
		PasswordHash: []byte("$2a$10$hash"),
		Tier:         tier.Premium,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := store.Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	got, err := store.Get(ctx, user.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Email != user.Email {
		t.Errorf("Email = %s, want %s", got.Email, user.Email)
	}
	if got.Tier != tier.Premium {
		t.Errorf("Tier = %s, want premium", got.Tier)
	}
	if string(got.PasswordHash) != string(user.PasswordHash) {
		t.Error("password hash mismatch")
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
}

func TestUserStore_GetByEmailCaseInsensitive(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUserStore(db)
	ctx := context.Background()

	user := ports.User{ID: "user-1", Email: "Grower@Example.COM", PasswordHash: []byte("h")}
	if err := store.Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	got, err := store.GetByEmail(ctx, "grower@example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if got.ID != "user-1" {
		t.Errorf("ID = %s, want user-1", got.ID)
	}
}

func TestUserStore_DuplicateEmail(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUserStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, ports.User{ID: "u1", Email: "a@b.com", PasswordHash: []byte("h")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, ports.User{ID: "u2", Email: "a@b.com", PasswordHash: []byte("h")}); err == nil {
		t.Error("duplicate email should be rejected")
	}
}

func TestUserStore_Update(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUserStore(db)
	ctx := context.Background()

	user := ports.User{ID: "u1", Email: "a@b.com", PasswordHash: []byte("h"), Tier: tier.Free}
	if err := store.Create(ctx, user); err != nil {
		t.Fatalf("create: %v", err)
	}

	user.Tier = tier.Enterprise
	user.StripeID = "cus_abc"
	if err := store.Update(ctx, user); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := store.Get(ctx, "u1")
	if got.Tier != tier.Enterprise || got.StripeID != "cus_abc" {
		t.Errorf("update not applied: %+v", got)
	}

	if err := store.Update(ctx, ports.User{ID: "missing", Email: "x@y.com"}); err != sqlite.ErrUserNotFound {
		t.Errorf("update missing user: err = %v, want ErrUserNotFound", err)
	}
}

func TestUserStore_NotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUserStore(db)

	if _, err := store.Get(context.Background(), "nope"); err != sqlite.ErrUserNotFound {
		t.Errorf("err = %v, want ErrUserNotFound", err)
	}
	if _, err := store.GetByEmail(context.Background(), "nope@x.com"); err != sqlite.ErrUserNotFound {
		t.Errorf("err = %v, want ErrUserNotFound", err)
	}
}
