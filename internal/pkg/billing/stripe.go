package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/bidwatchhq/bidwatch/internal/pkg/env"
)

const (
	checkoutProductName        = "BidWatch Subscription"
	checkoutProductDescription = "Monthly subscription to BidWatch auction data"
	checkoutUnitAmountPence    = 9999 // GBP 99.99 per month
)

// Provider is the outward-facing payment provider surface used by the
// controllers. Split from the synchronizer so tests can fake it.
type Provider interface {
	CreateCustomer(ctx context.Context, email, name string) (string, error)
	CreateCheckoutSession(ctx context.Context, customerID string) (string, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

// StripeClient implements Provider against the Stripe API.
type StripeClient struct {
	ClientURL string
}

// NewStripeClientFromEnv configures the global Stripe key and returns a
// client. CLIENT_URL is where checkout success/cancel redirects land.
func NewStripeClientFromEnv() *StripeClient {
	stripe.Key = strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))
	return &StripeClient{
		ClientURL: strings.TrimRight(env.GetEnv("CLIENT_URL", "http://localhost:3000"), "/"),
	}
}

// CreateCustomer provisions a Stripe customer for a new account and
// returns its id. Called during registration before the local account row
// is created.
func (c *StripeClient) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	if name == "" {
		name = email
	}
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.Context = ctx
	cust, err := customer.New(params)
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

// CreateCheckoutSession starts a subscription-mode hosted checkout for the
// given customer and returns the redirect URL.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, customerID string) (string, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", errors.New("customer id is required")
	}
	params := &stripe.CheckoutSessionParams{
		Customer:           stripe.String(customerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String("gbp"),
					UnitAmount: stripe.Int64(checkoutUnitAmountPence),
					Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval: stripe.String("month"),
					},
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(checkoutProductName),
						Description: stripe.String(checkoutProductDescription),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(c.ClientURL + "/payment-success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(c.ClientURL + "/payment-cancel"),
	}
	params.Context = ctx
	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

// GetSubscription fetches a subscription by id. Used for the rare
// checkout-completed path and on-demand reconciliation, never on the gate
// hot path.
func (c *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return nil, errors.New("subscription id is required")
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	return subscription.Get(subscriptionID, params)
}

// NormalizeSubscription converts a Stripe subscription into the state the
// synchronizer merges into the cached entitlement.
func NormalizeSubscription(sub *stripe.Subscription) SubscriptionState {
	st := SubscriptionState{
		SubscriptionID: sub.ID,
		ProviderStatus: string(sub.Status),
		PeriodEnd:      subscriptionPeriodEnd(sub),
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0).UTC()
		st.CanceledAt = &t
	}
	return st
}

// NormalizeDeletedSubscription builds the terminal state for a
// customer.subscription.deleted event.
func NormalizeDeletedSubscription(sub *stripe.Subscription) SubscriptionState {
	st := NormalizeSubscription(sub)
	st.Terminal = true
	return st
}

// subscriptionPeriodEnd extracts the current period end. Since the Basil
// API the period lives on the subscription items.
func subscriptionPeriodEnd(sub *stripe.Subscription) *time.Time {
	if sub.Items == nil {
		return nil
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.CurrentPeriodEnd > 0 {
			t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			return &t
		}
	}
	return nil
}
