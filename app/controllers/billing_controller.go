package controllers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stripe/stripe-go/v82"

	"github.com/bidwatchhq/bidwatch/app/repository"
	"github.com/bidwatchhq/bidwatch/internal/pkg/billing"
	"github.com/bidwatchhq/bidwatch/internal/pkg/cache"
	"github.com/bidwatchhq/bidwatch/internal/pkg/env"
	"github.com/bidwatchhq/bidwatch/internal/pkg/usercontext"
)

const (
	webhookDedupTTL   = 24 * time.Hour
	reconcileInterval = 30 * time.Second
)

// BillingHandlers serves checkout, webhook and subscription status
// endpoints.
type BillingHandlers struct {
	svc      *billing.Service
	users    repository.UserRepository
	provider billing.Provider
}

// NewBillingHandlers creates billing handlers with injected dependencies.
func NewBillingHandlers(svc *billing.Service, users repository.UserRepository, provider billing.Provider) *BillingHandlers {
	return &BillingHandlers{svc: svc, users: users, provider: provider}
}

// HandleCreateCheckoutSession starts a hosted checkout for the
// authenticated account and returns the redirect URL.
func (h *BillingHandlers) HandleCreateCheckoutSession(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	user, err := h.users.GetByID(userID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()

	url, err := h.provider.CreateCheckoutSession(ctx, user.StripeCustomerID)
	if err != nil {
		log.Printf("checkout: session creation failed for user %d customer %s: %v", user.ID, user.StripeCustomerID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_unavailable", "message": "Payment provider unavailable"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"url": url})
}

// HandleWebhook ingests provider lifecycle events. The signature over the
// raw body is the authentication boundary; unresolvable or unknown events
// are acknowledged so the provider does not retry them forever.
func (h *BillingHandlers) HandleWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))
	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")

	event, err := billing.VerifyWebhookEvent(rawBody, signature, secret)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature", "message": "Webhook signature verification failed"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()

	// Fast-path dedup. The key is written only after successful processing,
	// so a hit means this delivery already went through end to end.
	dedupKey := "billing:webhook:" + event.ID
	if val, cacheErr := cache.Get(dedupKey); cacheErr == nil && val != "" {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "duplicate": true})
	}

	created, stored, err := h.svc.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		PayloadJSON:     string(rawBody),
	})
	if err != nil {
		log.Printf("webhook: persisting event %s failed: %v", event.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed", "message": "Failed to record webhook event"})
	}
	if !created {
		// Redelivery. Only a delivery that finished processing cleanly is a
		// true duplicate; a retry of a failed or interrupted one must be
		// processed again, since the 500 we returned asked the provider to
		// send it again.
		if stored.ProcessedAt != nil && stored.ProcessingError == "" {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "duplicate": true})
		}
		log.Printf("webhook: reprocessing event %s (%s) after failed delivery", event.ID, event.Type)
	}

	customerID, state, handled, parseErr := resolveEvent(event)
	if parseErr != nil {
		_ = h.svc.MarkWebhookProcessed(ctx, stored.ID, parseErr)
		log.Printf("webhook: event %s (%s) failed: %v", event.ID, event.Type, parseErr)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "Failed to parse webhook payload"})
	}
	if !handled {
		// Unknown event kinds are accepted and ignored.
		_ = h.svc.MarkWebhookProcessed(ctx, stored.ID, nil)
		_, _ = cache.SetNX(dedupKey, 1, webhookDedupTTL)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "ignored": true})
	}

	if string(event.Type) == billing.EventCheckoutCompleted {
		// Rare event, not gate-latency-sensitive: fetch the full
		// subscription so the merge sees status and period end.
		sub, err := h.provider.GetSubscription(ctx, state.SubscriptionID)
		if err != nil {
			_ = h.svc.MarkWebhookProcessed(ctx, stored.ID, err)
			log.Printf("webhook: event %s subscription fetch failed for %s: %v", event.ID, state.SubscriptionID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "subscription_sync_failed", "message": "Failed to fetch subscription"})
		}
		state = billing.NormalizeSubscription(sub)
	}

	if _, err := h.svc.ApplyToCustomer(ctx, customerID, state); err != nil {
		if errors.Is(err, billing.ErrNoLinkedAccount) {
			log.Printf("webhook: event %s (%s) references unknown customer %s, discarding", event.ID, event.Type, customerID)
			_ = h.svc.MarkWebhookProcessed(ctx, stored.ID, err)
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "ignored": true})
		}
		_ = h.svc.MarkWebhookProcessed(ctx, stored.ID, err)
		log.Printf("webhook: applying event %s (%s) for customer %s subscription %s failed: %v",
			event.ID, event.Type, customerID, state.SubscriptionID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "subscription_sync_failed", "message": "Failed to apply subscription state"})
	}

	_ = h.svc.MarkWebhookProcessed(ctx, stored.ID, nil)
	_, _ = cache.SetNX(dedupKey, 1, webhookDedupTTL)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
}

// HandleSubscriptionStatus reports the cached entitlement, refreshing it
// from the provider at most once per reconcile interval. A failed or
// throttled refresh serves the cached state.
func (h *BillingHandlers) HandleSubscriptionStatus(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	user, err := h.users.GetByID(userID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
	}

	if user.SubscriptionID != "" && h.reconcileAllowed(userID) {
		ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
		defer cancel()
		if refreshed, err := h.svc.Reconcile(ctx, userID, h.provider); err == nil {
			user = refreshed
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"is_subscribed":       user.IsSubscribed,
		"subscription_status": user.SubscriptionStatus,
		"current_period_end":  user.CurrentPeriodEnd,
	})
}

// HandleReconcile forces a synchronous fetch-and-merge against the
// provider. Used once after the checkout redirect instead of waiting for
// webhook delivery.
func (h *BillingHandlers) HandleReconcile(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()

	user, err := h.svc.Reconcile(ctx, userID, h.provider)
	if err != nil {
		log.Printf("reconcile: failed for user %d: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Reconciliation failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"is_subscribed":       user.IsSubscribed,
		"subscription_status": user.SubscriptionStatus,
		"current_period_end":  user.CurrentPeriodEnd,
	})
}

// resolveEvent extracts the customer reference and subscription state from
// a verified event. handled=false means the kind is not one the
// synchronizer cares about. For checkout events only the subscription id
// is known here; the caller fetches the full subscription.
func resolveEvent(event stripe.Event) (string, billing.SubscriptionState, bool, error) {
	switch string(event.Type) {
	case billing.EventCheckoutCompleted:
		cs, err := billing.ParseCheckoutSession(event)
		if err != nil {
			return "", billing.SubscriptionState{}, true, err
		}
		if cs.Subscription == nil || cs.Subscription.ID == "" {
			// One-time payment checkouts carry no subscription.
			return "", billing.SubscriptionState{}, false, nil
		}
		return cs.Customer.ID, billing.SubscriptionState{SubscriptionID: cs.Subscription.ID}, true, nil

	case billing.EventSubscriptionUpdated:
		sub, err := billing.ParseSubscription(event)
		if err != nil {
			return "", billing.SubscriptionState{}, true, err
		}
		return sub.Customer.ID, billing.NormalizeSubscription(sub), true, nil

	case billing.EventSubscriptionDeleted:
		sub, err := billing.ParseSubscription(event)
		if err != nil {
			return "", billing.SubscriptionState{}, true, err
		}
		return sub.Customer.ID, billing.NormalizeDeletedSubscription(sub), true, nil

	default:
		return "", billing.SubscriptionState{}, false, nil
	}
}

func (h *BillingHandlers) reconcileAllowed(userID uint) bool {
	ok, err := cache.SetNX(fmt.Sprintf("billing:reconcile:%d", userID), 1, reconcileInterval)
	if err != nil {
		// Cache unavailable; let the bounded provider timeout protect us.
		return true
	}
	return ok
}
