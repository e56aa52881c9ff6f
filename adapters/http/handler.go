// Package http provides the HTTP surface of the usage service.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/leafwise/leafmeter/adapters/auth"
	"github.com/leafwise/leafmeter/adapters/metrics"
	"github.com/leafwise/leafmeter/app"
	"github.com/leafwise/leafmeter/domain/feature"
	"github.com/leafwise/leafmeter/domain/tier"
)

// UsageRequest is the body of POST /usage.
type UsageRequest struct {
	Action    string `json:"action,omitempty"`
	CheckOnly bool   `json:"checkOnly,omitempty"`
}

// UsageSnapshot is the usage block returned on every /usage response.
type UsageSnapshot struct {
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

// UsageResponse is the body of POST /usage.
type UsageResponse struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
	Usage   *UsageSnapshot `json:"usage,omitempty"`
}

// AuthRequest is the body of the signup and login endpoints.
type AuthRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is the body of the signup and login endpoints.
type AuthResponse struct {
	OK    bool      `json:"ok"`
	Token string    `json:"token,omitempty"`
	User  *UserInfo `json:"user,omitempty"`
	Error string    `json:"error,omitempty"`
}

// UserInfo describes the authenticated account.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Tier  string `json:"tier"`
}

// CheckoutRequest is the body of POST /payments/checkout.
type CheckoutRequest struct {
	PriceID string `json:"priceId"`
}

// CheckoutResponse is the body of POST /payments/checkout.
type CheckoutResponse struct {
	OK    bool   `json:"ok"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// Handler serves the usage, auth, and payment endpoints.
type Handler struct {
	meter    *app.MeterService
	auth     *app.AuthService
	checkout *app.CheckoutService
	tokens   *auth.TokenService
	logger   zerolog.Logger
	metrics  *metrics.Collector
}

// HandlerDeps contains dependencies for Handler.
type HandlerDeps struct {
	Meter    *app.MeterService
	Auth     *app.AuthService
	Checkout *app.CheckoutService
	Tokens   *auth.TokenService
	Logger   zerolog.Logger
	Metrics  *metrics.Collector
}

// NewHandler creates a new HTTP handler.
func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		meter:    deps.Meter,
		auth:     deps.Auth,
		checkout: deps.Checkout,
		tokens:   deps.Tokens,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
}

// HandleUsage processes an evaluation call from the app client.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.metrics != nil {
		h.metrics.RequestsInFlight.Inc()
		defer h.metrics.RequestsInFlight.Dec()
	}

	var body UsageRequest
	if r.Body != nil {
		data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, UsageResponse{OK: false, Error: "bad_request", Message: "failed to read request body"})
			return
		}
		// An empty or absent body is a plain status poll.
		if len(data) > 0 {
			if err := json.Unmarshal(data, &body); err != nil {
				writeJSON(w, http.StatusBadRequest, UsageResponse{OK: false, Error: "bad_request", Message: "invalid JSON body"})
				return
			}
		}
	}

	req := app.EvalRequest{
		UserID:      r.Header.Get("X-User-ID"),
		RemoteIP:    extractIP(r),
		UserAgent:   r.UserAgent(),
		TierHint:    r.Header.Get("X-User-Tier"),
		BearerToken: extractBearer(r),
		Action:      body.Action,
		Commit:      !body.CheckOnly,
	}

	res, err := h.meter.Evaluate(r.Context(), req)
	if err != nil {
		if errors.Is(err, app.ErrContention) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, UsageResponse{OK: false, Error: "contention", Message: "concurrent update conflict, retry"})
			return
		}
		h.logger.Error().Err(err).Msg("usage evaluation failed")
		writeJSON(w, http.StatusInternalServerError, UsageResponse{OK: false, Error: "internal_error", Message: "usage evaluation failed"})
		return
	}

	snap := snapshot(res)

	if res.Admitted {
		writeJSON(w, http.StatusOK, UsageResponse{OK: true, Usage: snap})
		return
	}

	status := http.StatusForbidden
	if res.RateLimited {
		status = http.StatusTooManyRequests
		secs := int(res.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, UsageResponse{
		OK:      false,
		Error:   res.Reason,
		Message: denialMessage(res),
		Usage:   snap,
	})
}

// HandleUsagePreflight answers the CORS preflight for /usage.
func (h *Handler) HandleUsagePreflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// HandleSignup registers a new account.
func (h *Handler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var body AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, AuthResponse{OK: false, Error: "invalid JSON body"})
		return
	}

	sess, err := h.auth.Signup(r.Context(), body.Email, body.Password)
	if err != nil {
		writeJSON(w, authErrorStatus(err), AuthResponse{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

// HandleLogin authenticates an existing account.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var body AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, AuthResponse{OK: false, Error: "invalid JSON body"})
		return
	}

	sess, err := h.auth.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		writeJSON(w, authErrorStatus(err), AuthResponse{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

// HandleCheckout creates a payment checkout session for the
// authenticated caller.
func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	token := extractBearer(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, CheckoutResponse{OK: false, Error: "authentication required"})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, CheckoutResponse{OK: false, Error: "invalid token"})
		return
	}

	var body CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, CheckoutResponse{OK: false, Error: "invalid JSON body"})
		return
	}

	url, err := h.checkout.CreateSession(r.Context(), claims.UserID, body.PriceID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, app.ErrUnknownPrice):
			status = http.StatusBadRequest
		case errors.Is(err, app.ErrUserNotFound):
			status = http.StatusUnauthorized
		}
		writeJSON(w, status, CheckoutResponse{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, CheckoutResponse{OK: true, URL: url})
}

// HandleHealth returns a simple liveness check.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func sessionResponse(sess app.Session) AuthResponse {
	return AuthResponse{
		OK:    true,
		Token: sess.Token,
		User: &UserInfo{
			ID:    sess.UserID,
			Email: sess.Email,
			Tier:  string(sess.Tier),
		},
	}
}

func authErrorStatus(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, app.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, app.ErrInvalidEmail), errors.Is(err, app.ErrWeakPassword):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func snapshot(res app.EvalResult) *UsageSnapshot {
	rec := res.Record
	lim := res.Limits

	remaining := lim.DailyCount - rec.Count
	if remaining < 0 {
		remaining = 0
	}

	blocked := !res.Admitted || rec.Blocked
	reason := res.Reason
	if reason == "" {
		reason = rec.BlockReason
	}

	return &UsageSnapshot{
		Count:            rec.Count,
		Limit:            lim.DailyCount,
		ResetAt:          rec.ResetAt.UnixMilli(),
		Tier:             string(res.Tier),
		Blocked:          blocked,
		BlockReason:      reason,
		DailySpend:       rec.DailySpend,
		MonthlySpend:     rec.MonthlySpend,
		Remaining:        remaining,
		IdentifyCount:    rec.IdentifyCount,
		DiagnoseCount:    rec.DiagnoseCount,
		ChatCount:        rec.ChatCount,
		IdentifyLimit:    lim.FeatureLimit(feature.Identify),
		DiagnoseLimit:    lim.FeatureLimit(feature.Diagnose),
		ChatLimit:        lim.FeatureLimit(feature.Chat),
		UpgradeAvailable: tier.UpgradeAvailable(res.Tier),
	}
}

func denialMessage(res app.EvalResult) string {
	switch res.Reason {
	case "rate_limit_exceeded":
		return "Too many requests. Slow down and try again shortly."
	case "rate_limit_cooldown":
		return "You're going a little fast. Wait a moment between actions."
	case "daily_limit_exceeded":
		return "You've reached today's usage limit."
	case "daily_cost_limit_exceeded", "monthly_cost_limit_exceeded":
		return "You've reached your plan's usage allowance."
	}
	if strings.HasSuffix(res.Reason, "_limit_exceeded") {
		f := strings.TrimSuffix(res.Reason, "_limit_exceeded")
		return "You've used all your " + f + " requests for today."
	}
	return "Usage limit reached."
}

// extractBearer pulls the token from the Authorization header.
func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// extractIP extracts the client IP from the request.
func extractIP(r *http.Request) string {
	// Check X-Forwarded-For header
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RouterConfig holds optional configuration for the router.
type RouterConfig struct {
	Metrics        *metrics.Collector
	MetricsHandler http.Handler // overrides the default promhttp handler
	MetricsPath    string       // default /metrics
	EnableMetrics  bool
	Timeout        time.Duration // per-request timeout, default 60s
}

// NewRouter creates the main HTTP router.
func NewRouter(h *Handler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Timeout))
	r.Use(clientResponseHeaders)

	r.Post("/usage", h.HandleUsage)
	r.Options("/usage", h.HandleUsagePreflight)

	r.Post("/auth/signup", h.HandleSignup)
	r.Post("/auth/login", h.HandleLogin)
	r.Post("/payments/checkout", h.HandleCheckout)

	r.Get("/health", h.HandleHealth)

	if cfg.EnableMetrics {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		if cfg.MetricsHandler != nil {
			r.Handle(path, cfg.MetricsHandler)
		} else {
			r.Handle(path, promhttp.Handler())
		}
	}

	return r
}

// clientResponseHeaders sets the CORS and caching headers the mobile
// client relies on. Usage responses must never be cached: a stale quota
// snapshot would let a blocked client believe it still has headroom.
func clientResponseHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-User-Tier")
		next.ServeHTTP(w, r)
	})
}

// NewLoggingMiddleware creates a request logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
