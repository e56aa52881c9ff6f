package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/leafwise/leafmeter/ports"
)

// FakeProvider records calls for testing (NOT FOR PRODUCTION).
type FakeProvider struct {
	mu        sync.Mutex
	customers int
	sessions  []string

	// Err, when set, is returned from every call.
	Err error
}

// NewFakeProvider creates a new fake payment provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

// Name returns the provider name.
func (p *FakeProvider) Name() string {
	return "fake"
}

// CreateCustomer returns a deterministic customer ID.
func (p *FakeProvider) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return "", p.Err
	}
	p.customers++
	return fmt.Sprintf("cus_fake_%d", p.customers), nil
}

// CreateCheckoutSession records the priceID and returns a fake URL.
func (p *FakeProvider) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return "", p.Err
	}
	p.sessions = append(p.sessions, priceID)
	return "https://checkout.fake/session/" + priceID, nil
}

// Sessions returns the price IDs of created sessions.
func (p *FakeProvider) Sessions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sessions...)
}

// Ensure interface compliance.
var _ ports.PaymentProvider = (*FakeProvider)(nil)
