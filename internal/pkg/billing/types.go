package billing

import (
	"fmt"
	"time"

	"github.com/bidwatchhq/bidwatch/internal/pkg/entitlements"
)

// Webhook event types handled by the synchronizer. Anything else is
// accepted and ignored.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// SubscriptionState is the provider-agnostic shape applied to an account's
// cached entitlement. Terminal marks a deleted subscription; it always wins
// over any other state for the same subscription id.
type SubscriptionState struct {
	SubscriptionID string
	ProviderStatus string
	PeriodEnd      *time.Time
	CanceledAt     *time.Time
	Terminal       bool
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	ProviderEventID string
	EventType       string
	PayloadJSON     string
}

// SyncKey identifies a logical subscription event instance. Applying a
// state whose key equals the account's stored key is a no-op.
func SyncKey(subscriptionID string, status entitlements.Status, periodEnd *time.Time) string {
	var end int64
	if periodEnd != nil {
		end = periodEnd.Unix()
	}
	return fmt.Sprintf("%s|%s|%d", subscriptionID, status, end)
}
