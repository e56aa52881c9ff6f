package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leafwise/leafmeter/client"
)

// stubServer simulates the usage service. Set failing to make every
// call return 503, as if the service were down.
type stubServer struct {
	*httptest.Server
	failing  atomic.Bool
	lastBody atomic.Value // map[string]any
	response atomic.Value // map[string]any
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	s := &stubServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		s.lastBody.Store(body)

		resp := s.response.Load()
		if resp == nil {
			resp = map[string]any{
				"ok": true,
				"usage": map[string]any{
					"count": 0, "limit": 10, "tier": "free",
					"resetAt": time.Now().Add(12 * time.Hour).UnixMilli(),
				},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(s.Close)
	return s
}

func TestCanUseFeatureOnline(t *testing.T) {
	srv := newStubServer(t)
	c := client.New(srv.URL)
	c.SetIdentity("u1", "free", "")

	if !c.CanUseFeature(context.Background(), "identify") {
		t.Fatal("admitted check should return true")
	}

	body, _ := srv.lastBody.Load().(map[string]any)
	if body["action"] != "identify" {
		t.Errorf("action = %v, want identify", body["action"])
	}
	if body["checkOnly"] != true {
		t.Error("CanUseFeature must be check-only")
	}

	srv.response.Store(map[string]any{
		"ok": false, "error": "daily_limit_exceeded", "message": "You've reached today's usage limit.",
		"usage": map[string]any{
			"count": 10, "limit": 10, "tier": "free", "blocked": true,
			"blockReason": "daily_limit_exceeded", "upgradeAvailable": true,
			"resetAt": time.Now().Add(6 * time.Hour).UnixMilli(),
		},
	})
	if c.CanUseFeature(context.Background(), "identify") {
		t.Error("denied check should return false")
	}
}

func TestTrackUsageCommits(t *testing.T) {
	srv := newStubServer(t)
	c := client.New(srv.URL)
	c.SetIdentity("u1", "free", "")

	if !c.TrackUsage(context.Background(), "chat") {
		t.Fatal("recorded usage should return true")
	}
	body, _ := srv.lastBody.Load().(map[string]any)
	if body["action"] != "chat" {
		t.Errorf("action = %v, want chat", body["action"])
	}
	if _, present := body["checkOnly"]; present {
		t.Error("TrackUsage must commit, not check")
	}

	// A failed report never blocks; it only returns false.
	srv.failing.Store(true)
	if c.TrackUsage(context.Background(), "chat") {
		t.Error("unreachable report should return false")
	}
}

func TestDegradedFreeTierGraceOnce(t *testing.T) {
	srv := newStubServer(t)
	srv.failing.Store(true)

	c := client.New(srv.URL)
	c.SetIdentity("u1", "free", "")

	// Nothing cached: one benefit-of-the-doubt call, then closed.
	if !c.CanUseFeature(context.Background(), "identify") {
		t.Fatal("first unverified free call should pass")
	}
	if c.CanUseFeature(context.Background(), "identify") {
		t.Error("second unverified free call should fail closed")
	}
}

func TestDegradedFreeTierFailsClosedWithPriorUse(t *testing.T) {
	srv := newStubServer(t)
	c := client.New(srv.URL)
	c.SetIdentity("u1", "free", "")

	// Cache a snapshot showing prior use.
	srv.response.Store(map[string]any{
		"ok": true,
		"usage": map[string]any{
			"count": 3, "limit": 10, "tier": "free",
			"resetAt": time.Now().Add(time.Hour).UnixMilli(),
		},
	})
	if !c.CanUseFeature(context.Background(), "identify") {
		t.Fatal("online check should pass")
	}

	srv.failing.Store(true)
	if c.CanUseFeature(context.Background(), "identify") {
		t.Error("free tier with known prior use must fail closed offline")
	}
}

func TestDegradedPaidTierBoundedAllowance(t *testing.T) {
	srv := newStubServer(t)
	c := client.New(srv.URL)
	c.SetIdentity("u1", "premium", "")

	// Cache a healthy premium snapshot first.
	srv.response.Store(map[string]any{
		"ok": true,
		"usage": map[string]any{
			"count": 5, "limit": 50, "tier": "premium",
			"resetAt": time.Now().Add(time.Hour).UnixMilli(),
		},
	})
	if !c.CanUseFeature(context.Background(), "identify") {
		t.Fatal("online check should pass")
	}

	srv.failing.Store(true)
	for i := 0; i < 3; i++ {
		if !c.CanUseFeature(context.Background(), "identify") {
			t.Fatalf("unverified paid call %d should pass", i+1)
		}
	}
	if c.CanUseFeature(context.Background(), "identify") {
		t.Error("fourth unverified paid call should fail closed")
	}

	// Service recovery resets the allowance.
	srv.failing.Store(false)
	if !c.CanUseFeature(context.Background(), "identify") {
		t.Fatal("online check after recovery should pass")
	}
	srv.failing.Store(true)
	if !c.CanUseFeature(context.Background(), "identify") {
		t.Error("allowance should be replenished after a verified call")
	}
}

func TestDegradedBlockedSnapshotFailsClosed(t *testing.T) {
	srv := newStubServer(t)
	c := client.New(srv.URL)
	c.SetIdentity("u1", "premium", "")

	srv.response.Store(map[string]any{
		"ok": false, "error": "daily_limit_exceeded",
		"usage": map[string]any{
			"count": 50, "limit": 50, "tier": "premium", "blocked": true,
			"blockReason": "daily_limit_exceeded",
			"resetAt":     time.Now().Add(time.Hour).UnixMilli(),
		},
	})
	c.CanUseFeature(context.Background(), "identify")

	srv.failing.Store(true)
	if c.CanUseFeature(context.Background(), "identify") {
		t.Error("blocked snapshot must fail closed even on paid tier")
	}
}

func TestSetIdentityResetsState(t *testing.T) {
	srv := newStubServer(t)
	srv.failing.Store(true)

	c := client.New(srv.URL)
	c.SetIdentity("u1", "free", "")

	if !c.CanUseFeature(context.Background(), "identify") {
		t.Fatal("grace call should pass")
	}
	if c.CanUseFeature(context.Background(), "identify") {
		t.Fatal("grace should be spent")
	}

	// New identity gets a fresh grace call.
	c.SetIdentity("u2", "free", "")
	if !c.CanUseFeature(context.Background(), "identify") {
		t.Error("new identity should get a fresh grace call")
	}
	if c.Usage() != nil {
		t.Error("identity switch should drop the cached snapshot")
	}
}

func TestUpgradeMessageAndRemainingTime(t *testing.T) {
	srv := newStubServer(t)
	c := client.New(srv.URL)
	c.SetIdentity("u1", "free", "")

	if c.UpgradeMessage() != "" {
		t.Error("no message before anything is cached")
	}
	if c.RemainingTime() != 0 {
		t.Error("no remaining time before anything is cached")
	}

	resetAt := time.Now().Add(2 * time.Hour).UnixMilli()
	srv.response.Store(map[string]any{
		"ok": false, "error": "identify_limit_exceeded",
		"message": "You've used all your identify requests for today.",
		"usage": map[string]any{
			"count": 5, "limit": 10, "tier": "free", "blocked": true,
			"blockReason": "identify_limit_exceeded", "upgradeAvailable": true,
			"resetAt": resetAt,
		},
	})
	c.CanUseFeature(context.Background(), "identify")

	if msg := c.UpgradeMessage(); msg == "" {
		t.Error("blocked free user should see an upgrade message")
	}

	remaining := c.RemainingTime()
	if remaining <= time.Hour || remaining > 2*time.Hour {
		t.Errorf("remaining = %v, want about 2h", remaining)
	}
}

func TestRefreshUpdatesSnapshot(t *testing.T) {
	srv := newStubServer(t)
	c := client.New(srv.URL)
	c.SetIdentity("u1", "free", "")

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap := c.Usage()
	if snap == nil || snap.Limit != 10 {
		t.Fatalf("snapshot = %+v, want cached limit 10", snap)
	}

	body, _ := srv.lastBody.Load().(map[string]any)
	if _, present := body["action"]; present {
		t.Error("refresh should send no action")
	}
	if body["checkOnly"] != true {
		t.Error("refresh must be check-only")
	}
}
