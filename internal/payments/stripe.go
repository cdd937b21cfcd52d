// README: Stripe adapter creating one confirmed PaymentIntent per charge instruction.
package payments

import (
	"context"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

type StripeExecutor struct {
	// CustomerFor maps a platform user to a Stripe customer; empty skips it.
	CustomerFor func(userID string) string
	newIntent   func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

func NewStripeExecutor(apiKey string) *StripeExecutor {
	stripe.Key = apiKey
	return &StripeExecutor{newIntent: paymentintent.New}
}

func (s *StripeExecutor) Execute(ctx context.Context, c Charge) error {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(c.Amount.Amount),
		Currency: stripe.String(strings.ToLower(c.Amount.Currency)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(c.IdempotencyKey)
	params.AddMetadata("trip_id", string(c.TripID))
	params.AddMetadata("user_id", string(c.UserID))
	params.AddMetadata("reason", string(c.Reason))
	if s.CustomerFor != nil {
		if cus := s.CustomerFor(string(c.UserID)); cus != "" {
			params.Customer = stripe.String(cus)
		}
	}
	_, err := s.newIntent(params)
	return err
}
