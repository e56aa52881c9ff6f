package payment

import (
	"context"
	"errors"

	"github.com/leafwise/leafmeter/ports"
)

// ErrPaymentsDisabled is returned when payments are not configured.
var ErrPaymentsDisabled = errors.New("payments are not configured")

// NoopProvider is a no-op payment provider for when payments are disabled.
type NoopProvider struct{}

// NewNoopProvider creates a new no-op payment provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Name returns the provider name.
func (p *NoopProvider) Name() string {
	return "none"
}

// CreateCustomer returns an error as payments are disabled.
func (p *NoopProvider) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	return "", ErrPaymentsDisabled
}

// CreateCheckoutSession returns an error as payments are disabled.
func (p *NoopProvider) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error) {
	return "", ErrPaymentsDisabled
}

// Ensure interface compliance.
var _ ports.PaymentProvider = (*NoopProvider)(nil)
