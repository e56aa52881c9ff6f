package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/leafwise/leafmeter/domain/tier"
	"github.com/leafwise/leafmeter/ports"
)

// Checkout errors.
var (
	ErrUnknownPrice = errors.New("unknown price")
	ErrUserNotFound = errors.New("user not found")
)

// CheckoutService creates payment checkout sessions for tier upgrades.
type CheckoutService struct {
	users    ports.UserStore
	payments ports.PaymentProvider
	clock    ports.Clock
	logger   zerolog.Logger

	successURL string
	cancelURL  string
	prices     map[string]tier.Tier // priceID -> tier it purchases
}

// CheckoutDeps contains dependencies for CheckoutService.
type CheckoutDeps struct {
	Users    ports.UserStore
	Payments ports.PaymentProvider
	Clock    ports.Clock
	Logger   zerolog.Logger
}

// CheckoutConfig contains configuration for CheckoutService.
type CheckoutConfig struct {
	SuccessURL string
	CancelURL  string
	Prices     map[string]tier.Tier
}

// NewCheckoutService creates a new checkout service.
func NewCheckoutService(deps CheckoutDeps, cfg CheckoutConfig) *CheckoutService {
	return &CheckoutService{
		users:      deps.Users,
		payments:   deps.Payments,
		clock:      deps.Clock,
		logger:     deps.Logger,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		prices:     cfg.Prices,
	}
}

// CreateSession creates a checkout session for userID to purchase
// priceID and returns the redirect URL.
func (s *CheckoutService) CreateSession(ctx context.Context, userID, priceID string) (string, error) {
	if _, ok := s.prices[priceID]; !ok {
		return "", ErrUnknownPrice
	}

	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return "", ErrUserNotFound
	}

	// Ensure the user has a payment customer before opening checkout.
	if u.StripeID == "" {
		customerID, err := s.payments.CreateCustomer(ctx, u.Email, u.ID)
		if err != nil {
			return "", err
		}
		u.StripeID = customerID
		u.UpdatedAt = s.clock.Now()
		if err := s.users.Update(ctx, u); err != nil {
			return "", err
		}
	}

	url, err := s.payments.CreateCheckoutSession(ctx, u.StripeID, priceID, s.successURL, s.cancelURL)
	if err != nil {
		return "", err
	}

	s.logger.Info().
		Str("user_id", u.ID).
		Str("price_id", priceID).
		Str("provider", s.payments.Name()).
		Msg("checkout session created")
	return url, nil
}
