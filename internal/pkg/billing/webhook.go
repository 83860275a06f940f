package billing

import (
	"encoding/json"
	"errors"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrInvalidSignature is returned when a webhook delivery fails signature
// verification. Nothing from such a delivery may be trusted or applied.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifyWebhookEvent authenticates a webhook delivery. The signature is
// computed over the exact raw payload bytes and must be verified before the
// payload is parsed as structured data; this is the single authentication
// boundary for the entitlement-mutation path.
func VerifyWebhookEvent(payload []byte, signatureHeader, webhookSecret string) (stripe.Event, error) {
	if webhookSecret == "" {
		// Without a configured secret every signature would verify against
		// the empty key. Fail closed instead.
		return stripe.Event{}, ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, ErrInvalidSignature
	}
	return event, nil
}

// ParseCheckoutSession decodes the checkout session object from a verified
// checkout.session.completed event.
func ParseCheckoutSession(event stripe.Event) (*stripe.CheckoutSession, error) {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, err
	}
	if cs.Customer == nil || cs.Customer.ID == "" {
		return nil, errors.New("checkout session payload missing customer")
	}
	return &cs, nil
}

// ParseSubscription decodes the subscription object from a verified
// customer.subscription.* event.
func ParseSubscription(event stripe.Event) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, err
	}
	if sub.ID == "" {
		return nil, errors.New("subscription payload missing id")
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return nil, errors.New("subscription payload missing customer")
	}
	return &sub, nil
}
