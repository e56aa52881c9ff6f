// Package client implements the usage controller embedded in the mobile
// app. It asks the usage service before running a metered feature,
// reports usage after the feature ran, and keeps a cached snapshot for
// offline decisions and UI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leafwise/leafmeter/domain/tier"
)

// DefaultTimeout bounds each usage call. The pre-flight check sits on
// the interaction path, so it must fail fast rather than hang the UI.
const DefaultTimeout = 4 * time.Second

// unverifiedAllowance is how many calls a paid-tier user may run while
// the service is unreachable before the client fails closed.
const unverifiedAllowance = 3

// Snapshot mirrors the usage block of the service's responses.
type Snapshot struct {
	Count            int     `json:"count"`
	Limit            int     `json:"limit"`
	ResetAt          int64   `json:"resetAt"` // epoch millis
	Tier             string  `json:"tier"`
	Blocked          bool    `json:"blocked"`
	BlockReason      string  `json:"blockReason,omitempty"`
	DailySpend       float64 `json:"dailySpend"`
	MonthlySpend     float64 `json:"monthlySpend"`
	Remaining        int     `json:"remaining"`
	IdentifyCount    int     `json:"identifyCount"`
	DiagnoseCount    int     `json:"diagnoseCount"`
	ChatCount        int     `json:"chatCount"`
	IdentifyLimit    int     `json:"identifyLimit"`
	DiagnoseLimit    int     `json:"diagnoseLimit"`
	ChatLimit        int     `json:"chatLimit"`
	UpgradeAvailable bool    `json:"upgradeAvailable"`
}

type usageResponse struct {
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`
	Usage   *Snapshot `json:"usage,omitempty"`
}

// Controller is the client-side usage gate.
// Safe for concurrent use.
type Controller struct {
	baseURL string
	httpc   *http.Client
	logger  zerolog.Logger
	timeout time.Duration

	mu       sync.Mutex
	userID   string
	tierHint string
	token    string

	snapshot    *Snapshot
	lastMessage string

	// Degraded-mode state, reset whenever the service answers.
	unverified int
	graceUsed  bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(ctl *Controller) { ctl.httpc = c }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(ctl *Controller) { ctl.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// New creates a usage controller talking to baseURL.
func New(baseURL string, opts ...Option) *Controller {
	c := &Controller{
		baseURL: baseURL,
		httpc:   http.DefaultClient,
		logger:  zerolog.Nop(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetIdentity switches the active user. The cached snapshot and the
// degraded-mode counters belong to the previous identity, so both reset.
func (c *Controller) SetIdentity(userID, tierHint, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.tierHint = tierHint
	c.token = token
	c.snapshot = nil
	c.lastMessage = ""
	c.unverified = 0
	c.graceUsed = false
}

// Refresh re-fetches the usage snapshot without consuming quota beyond
// a rate-window slot. Call on app start or foreground.
func (c *Controller) Refresh(ctx context.Context) error {
	_, err := c.call(ctx, "", true)
	return err
}

// CanUseFeature reports whether the feature should run right now.
// When the service is reachable the answer is the server's. When it is
// not, the degraded policy applies: free-tier users fail closed once any
// prior use is known (with a single benefit-of-the-doubt call when
// nothing is), paid tiers get a small unverified allowance.
func (c *Controller) CanUseFeature(ctx context.Context, feature string) bool {
	resp, err := c.call(ctx, feature, true)
	if err != nil {
		c.logger.Warn().Err(err).Str("feature", feature).Msg("usage check unreachable, applying degraded policy")
		return c.degradedDecision()
	}
	return resp.OK
}

// TrackUsage reports a completed feature run. The action already
// happened, so a failure here is logged and reported but must never
// roll the action back.
func (c *Controller) TrackUsage(ctx context.Context, feature string) bool {
	resp, err := c.call(ctx, feature, false)
	if err != nil {
		c.logger.Warn().Err(err).Str("feature", feature).Msg("usage report failed")
		return false
	}
	return resp.OK
}

// Usage returns the last known snapshot, or nil when nothing is cached.
func (c *Controller) Usage() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return nil
	}
	snap := *c.snapshot
	return &snap
}

// UpgradeMessage returns the upsell line for the current blocked state,
// or "" when the user is not blocked or cannot upgrade.
func (c *Controller) UpgradeMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot == nil || !c.snapshot.Blocked || !c.snapshot.UpgradeAvailable {
		return ""
	}
	if c.lastMessage != "" {
		return c.lastMessage + " Upgrade for higher limits."
	}
	return "You've reached your plan's limit. Upgrade for higher limits."
}

// RemainingTime returns how long until the daily window resets,
// from the cached snapshot. Zero when nothing is cached or the window
// already passed.
func (c *Controller) RemainingTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot == nil || c.snapshot.ResetAt == 0 {
		return 0
	}
	d := time.Until(time.UnixMilli(c.snapshot.ResetAt))
	if d < 0 {
		return 0
	}
	return d
}

func (c *Controller) call(ctx context.Context, feature string, checkOnly bool) (*usageResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := map[string]any{}
	if feature != "" {
		payload["action"] = feature
	}
	if checkOnly {
		payload["checkOnly"] = true
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/usage", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	c.mu.Lock()
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	if c.tierHint != "" {
		req.Header.Set("X-User-Tier", c.tierHint)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Unlock()

	httpResp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	// 5xx means the service could not answer; that is degraded mode,
	// not a denial.
	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("usage service unavailable: status %d", httpResp.StatusCode)
	}

	var resp usageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode usage response: %w", err)
	}

	c.mu.Lock()
	if resp.Usage != nil {
		c.snapshot = resp.Usage
	}
	c.lastMessage = resp.Message
	c.unverified = 0
	c.graceUsed = false
	c.mu.Unlock()

	return &resp, nil
}

// degradedDecision applies the offline policy using only cached state.
func (c *Controller) degradedDecision() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := tier.Free
	if c.snapshot != nil {
		t = tier.Parse(c.snapshot.Tier)
	} else if c.tierHint != "" {
		t = tier.Parse(c.tierHint)
	}

	if t == tier.Free {
		// Known prior use, or a blocked snapshot, fails closed.
		if c.snapshot != nil && (c.snapshot.Count > 0 || c.snapshot.Blocked) {
			return false
		}
		// One benefit-of-the-doubt call when nothing is known.
		if c.graceUsed {
			return false
		}
		c.graceUsed = true
		return true
	}

	// Paid tiers ride out short outages, within a bounded allowance.
	if c.snapshot != nil && c.snapshot.Blocked {
		return false
	}
	if c.unverified >= unverifiedAllowance {
		return false
	}
	c.unverified++
	return true
}
