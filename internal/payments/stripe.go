package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

// StripeClient opens the PaymentIntent for a completed trip's final fare.
// Ledger arithmetic and confirmation belong to the payment service.
type StripeClient struct {
	pi       *paymentintent.Client
	currency string
}

// NewStripeClient uses the default API backend with the given key.
func NewStripeClient(key, currency string) *StripeClient {
	return NewStripeClientWithBackend(key, currency, stripe.GetBackend(stripe.APIBackend))
}

func NewStripeClientWithBackend(key, currency string, b stripe.Backend) *StripeClient {
	if currency == "" {
		currency = string(stripe.CurrencyEUR)
	}
	return &StripeClient{pi: &paymentintent.Client{B: b, Key: key}, currency: currency}
}

// Settle creates a manual-capture PaymentIntent for the trip. The trip id
// is the idempotency key so a retried hook never double charges.
func (s *StripeClient) Settle(ctx context.Context, out models.TripOutcome) (string, error) {
	if out.PriceFinal <= 0 {
		return "", fmt.Errorf("settle trip %s: no final price", out.TripID)
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(out.PriceFinal),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("trip-settle-" + out.TripID)
	params.AddMetadata("trip_id", out.TripID)
	params.AddMetadata("passenger_id", out.PassengerID)
	params.AddMetadata("driver_id", out.DriverID)
	pi, err := s.pi.New(params)
	if err != nil {
		return "", fmt.Errorf("settle trip %s: %w", out.TripID, err)
	}
	return pi.ID, nil
}
