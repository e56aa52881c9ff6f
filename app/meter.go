// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/leafwise/leafmeter/adapters/auth"
	"github.com/leafwise/leafmeter/adapters/metrics"
	"github.com/leafwise/leafmeter/domain/feature"
	"github.com/leafwise/leafmeter/domain/fingerprint"
	"github.com/leafwise/leafmeter/domain/quota"
	"github.com/leafwise/leafmeter/domain/ratelimit"
	"github.com/leafwise/leafmeter/domain/tier"
	"github.com/leafwise/leafmeter/ports"
)

// ErrContention is returned when optimistic writes keep losing the race.
// Callers should surface it as a retryable server error.
var ErrContention = errors.New("store contention, retry")

// casRetries bounds the compare-and-swap loop. Conflicts only happen
// when the same fingerprint evaluates concurrently, so a handful of
// attempts is plenty.
const casRetries = 8

// rateWindow is the fixed duration of the request rate window.
const rateWindow = time.Minute

// MeterService orchestrates the usage evaluation pipeline: resolve the
// caller's tier, derive the fingerprint, run the rate window check, then
// the ordered quota checks, persisting state through versioned CAS.
type MeterService struct {
	usage   ports.UsageStore
	rates   ports.RateLimitStore
	users   ports.UserStore
	tokens  *auth.TokenService
	clock   ports.Clock
	logger  zerolog.Logger
	metrics *metrics.Collector

	// Static configuration (requires restart)
	trustClientTier bool

	// Dynamic configuration (hot-reloadable)
	limits atomic.Pointer[map[tier.Tier]tier.Limits]
}

// MeterDeps contains dependencies for MeterService.
type MeterDeps struct {
	Usage   ports.UsageStore
	Rates   ports.RateLimitStore
	Users   ports.UserStore
	Tokens  *auth.TokenService
	Clock   ports.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// MeterConfig contains configuration for MeterService.
type MeterConfig struct {
	// Limits per tier; nil falls back to tier.Defaults().
	Limits map[tier.Tier]tier.Limits

	// TrustClientTier honors the declared tier of unauthenticated
	// callers. Off by default: an unverified claim never raises the
	// tier above free.
	TrustClientTier bool
}

// NewMeterService creates a new meter service.
func NewMeterService(deps MeterDeps, cfg MeterConfig) *MeterService {
	s := &MeterService{
		usage:           deps.Usage,
		rates:           deps.Rates,
		users:           deps.Users,
		tokens:          deps.Tokens,
		clock:           deps.Clock,
		logger:          deps.Logger,
		metrics:         deps.Metrics,
		trustClientTier: cfg.TrustClientTier,
	}
	s.UpdateLimits(cfg.Limits)
	return s
}

// UpdateLimits swaps in new per-tier limits.
// Thread-safe and callable while handling requests.
func (s *MeterService) UpdateLimits(limits map[tier.Tier]tier.Limits) {
	if limits == nil {
		limits = tier.Defaults()
	}
	s.limits.Store(&limits)
}

// LimitsFor returns the current limits for t.
func (s *MeterService) LimitsFor(t tier.Tier) tier.Limits {
	m := *s.limits.Load()
	if lim, ok := m[t]; ok {
		return lim
	}
	return tier.Defaults()[t]
}

// EvalRequest carries one evaluation from the HTTP layer.
type EvalRequest struct {
	UserID    string // declared identity, may be empty
	RemoteIP  string
	UserAgent string

	// TierHint is the tier the client declared for itself. Only
	// honored when the service runs with TrustClientTier.
	TierHint string

	// BearerToken, when present and valid, resolves the identity and
	// tier server-side and overrides UserID and TierHint.
	BearerToken string

	Action string
	Commit bool
}

// EvalResult is the outcome of one evaluation.
type EvalResult struct {
	Admitted bool
	Reason   string

	Tier   tier.Tier
	Limits tier.Limits
	Record quota.Record

	Fingerprint string

	// RateLimited marks a denial from the request rate window rather
	// than a quota check. RetryAfter is only set in that case.
	RateLimited bool
	RetryAfter  time.Duration
}

// Evaluate runs the full admission pipeline for one client call.
func (s *MeterService) Evaluate(ctx context.Context, req EvalRequest) (EvalResult, error) {
	start := s.clock.Now()

	f := feature.Parse(req.Action)
	userID, t := s.resolveTier(ctx, req)
	lim := s.LimitsFor(t)
	fp := fingerprint.Derive(userID, req.RemoteIP, req.UserAgent)

	res, err := s.evaluate(ctx, fp, t, lim, f, req.Commit)
	if err != nil {
		return EvalResult{}, err
	}

	s.observe(req, t, res, start)
	return res, nil
}

// resolveTier determines the caller's identity and tier. A valid bearer
// token is authoritative: the stored account tier wins over anything the
// client declared. Without a token the declared tier is only honored in
// trust mode; everyone else is free.
func (s *MeterService) resolveTier(ctx context.Context, req EvalRequest) (string, tier.Tier) {
	if req.BearerToken != "" && s.tokens != nil {
		claims, err := s.tokens.ValidateToken(req.BearerToken)
		if err != nil {
			s.metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
			s.logger.Debug().Err(err).Msg("invalid bearer token, treating caller as anonymous")
		} else {
			if u, err := s.users.Get(ctx, claims.UserID); err == nil {
				return u.ID, u.Tier
			}
			// Account lookup failed; fall back to the signed claim.
			return claims.UserID, tier.Parse(claims.Tier)
		}
	}

	if s.trustClientTier && req.TierHint != "" {
		return req.UserID, tier.Parse(req.TierHint)
	}
	return req.UserID, tier.Free
}

func (s *MeterService) evaluate(ctx context.Context, fp string, t tier.Tier, lim tier.Limits, f feature.Feature, commit bool) (EvalResult, error) {
	now := s.clock.Now()

	rateRes, err := s.checkRateWindow(ctx, fp, lim, now)
	if err != nil {
		return EvalResult{}, err
	}
	if !rateRes.Allowed {
		// The window denial short-circuits the quota checks, but the
		// response still carries a current usage snapshot.
		rec, _, err := s.usage.Get(ctx, fp)
		if err != nil {
			return EvalResult{}, err
		}
		return EvalResult{
			Admitted:    false,
			Reason:      rateRes.Reason,
			Tier:        t,
			Limits:      lim,
			Record:      quota.Rollover(rec, now),
			Fingerprint: fp,
			RateLimited: true,
			RetryAfter:  ratelimit.RetryAfter(rateRes, now),
		}, nil
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		rec, version, err := s.usage.Get(ctx, fp)
		if err != nil {
			return EvalResult{}, err
		}
		if version == 0 {
			rec = quota.NewRecord(now)
		}

		d := quota.Evaluate(rec, lim, f, commit, now)

		// Check-only calls that changed nothing (and hit an existing
		// row) need no write.
		if d.Record == rec && version != 0 {
			return result(d, t, lim, fp), nil
		}

		ok, err := s.usage.CompareAndSwap(ctx, fp, version, d.Record)
		if err != nil {
			return EvalResult{}, err
		}
		if ok {
			return result(d, t, lim, fp), nil
		}
		s.metrics.CASConflicts.WithLabelValues("usage").Inc()
	}

	s.logger.Warn().Str("fingerprint", fp).Msg("usage store contention exhausted retries")
	return EvalResult{}, ErrContention
}

// checkRateWindow consumes one slot in the fingerprint's minute window.
// Every evaluation counts against the window, check-only ones included.
func (s *MeterService) checkRateWindow(ctx context.Context, fp string, lim tier.Limits, now time.Time) (ratelimit.CheckResult, error) {
	cfg := ratelimit.Config{Limit: lim.RequestsPerMinute, Window: rateWindow}

	for attempt := 0; attempt < casRetries; attempt++ {
		state, version, err := s.rates.Get(ctx, fp)
		if err != nil {
			return ratelimit.CheckResult{}, err
		}

		res, newState := ratelimit.Check(state, cfg, now)
		if newState == state && version != 0 {
			return res, nil
		}

		ok, err := s.rates.CompareAndSwap(ctx, fp, version, newState)
		if err != nil {
			return ratelimit.CheckResult{}, err
		}
		if ok {
			return res, nil
		}
		s.metrics.CASConflicts.WithLabelValues("rate").Inc()
	}

	s.logger.Warn().Str("fingerprint", fp).Msg("rate store contention exhausted retries")
	return ratelimit.CheckResult{}, ErrContention
}

func result(d quota.Decision, t tier.Tier, lim tier.Limits, fp string) EvalResult {
	return EvalResult{
		Admitted:    d.Admitted,
		Reason:      d.Reason,
		Tier:        t,
		Limits:      lim,
		Record:      d.Record,
		Fingerprint: fp,
	}
}

func (s *MeterService) observe(req EvalRequest, t tier.Tier, res EvalResult, start time.Time) {
	elapsed := s.clock.Now().Sub(start)

	commitLabel := "false"
	if req.Commit {
		commitLabel = "true"
	}
	admittedLabel := "false"
	if res.Admitted {
		admittedLabel = "true"
	}

	s.metrics.EvaluationsTotal.WithLabelValues(string(t), req.Action, commitLabel, admittedLabel).Inc()
	s.metrics.EvaluationDuration.WithLabelValues(req.Action).Observe(elapsed.Seconds())

	if !res.Admitted {
		s.metrics.DenialsTotal.WithLabelValues(string(t), req.Action, res.Reason).Inc()
		s.logger.Info().
			Str("fingerprint", res.Fingerprint).
			Str("tier", string(t)).
			Str("action", req.Action).
			Str("reason", res.Reason).
			Bool("commit", req.Commit).
			Msg("usage denied")
		return
	}

	s.logger.Debug().
		Str("fingerprint", res.Fingerprint).
		Str("tier", string(t)).
		Str("action", req.Action).
		Bool("commit", req.Commit).
		Int("count", res.Record.Count).
		Msg("usage admitted")
}
