package billing

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/bidwatchhq/bidwatch/app/models"
	"github.com/bidwatchhq/bidwatch/internal/pkg/entitlements"
)

// reconcileTimeout bounds the synchronous provider fetch during on-demand
// reconciliation; on expiry the caller gets the cached state back.
const reconcileTimeout = 10 * time.Second

// ErrNoLinkedAccount is returned when a webhook references a customer with
// no local account. Deliveries hitting it are acknowledged and discarded so
// the provider does not retry a permanently-unresolvable reference.
var ErrNoLinkedAccount = errors.New("no account linked to provider customer")

// Service is the subscription state synchronizer. It applies provider
// lifecycle events to the locally cached entitlement idempotently and
// tolerates duplicate and out-of-order deliveries.
type Service struct {
	repo  Repository
	locks sync.Map // user id -> *sync.Mutex
}

// NewService creates a synchronizer from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a synchronizer from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// RecordWebhookEvent persists a verified webhook delivery idempotently.
// created=false means the delivery id was seen before and processing must
// be skipped.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	_ = ctx
	if in.ProviderEventID == "" {
		return false, nil, errors.New("provider event id is required")
	}
	event := &models.BillingWebhookEvent{
		ProviderEventID: in.ProviderEventID,
		EventType:       in.EventType,
		PayloadJSON:     in.PayloadJSON,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook event id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}

// ApplyToCustomer resolves the provider customer reference to a local
// account and merges the subscription state into its cached entitlement.
// Returns ErrNoLinkedAccount when the reference resolves to nothing.
func (s *Service) ApplyToCustomer(ctx context.Context, customerID string, st SubscriptionState) (bool, error) {
	user, err := s.repo.GetUserByStripeCustomerID(customerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrNoLinkedAccount
		}
		return false, err
	}
	return s.ApplyToUser(ctx, user.ID, st)
}

// ApplyToUser merges a subscription state into one account's cached
// entitlement. Updates for a single account are serialized through a
// per-account lock; the conditional write on the stored sync key guards
// against writers outside this process.
func (s *Service) ApplyToUser(ctx context.Context, userID uint, st SubscriptionState) (bool, error) {
	_ = ctx
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; attempt < 3; attempt++ {
		user, err := s.repo.GetUserByID(userID)
		if err != nil {
			return false, err
		}

		status, periodEnd := resolveState(st)
		key := SyncKey(st.SubscriptionID, status, periodEnd)
		if !shouldApply(user, st, key) {
			return false, nil
		}

		expected := user.LastSyncKey
		user.ApplyEntitlement(status, st.SubscriptionID, periodEnd, key)
		ok, err := s.repo.UpdateEntitlement(user, expected)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		// Lost a conditional write race; re-read and re-merge.
	}
	return false, errors.New("entitlement update contention exhausted retries")
}

// Reconcile synchronously fetches the account's stored subscription from
// the provider and applies the same merge as the webhook path. Any fetch
// failure degrades to the cached state; entitlement is never mutated on
// error.
func (s *Service) Reconcile(ctx context.Context, userID uint, provider Provider) (*models.User, error) {
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	if user.SubscriptionID == "" {
		return user, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()

	sub, err := provider.GetSubscription(fetchCtx, user.SubscriptionID)
	if err != nil {
		log.Printf("billing: reconciliation fetch failed for user %d subscription %s: %v", userID, user.SubscriptionID, err)
		return user, nil
	}

	if _, err := s.ApplyToUser(ctx, userID, NormalizeSubscription(sub)); err != nil {
		return nil, err
	}
	return s.repo.GetUserByID(userID)
}

func (s *Service) userLock(userID uint) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// resolveState maps a subscription state onto the local status and period
// end. Terminal (deleted) states always become canceled, stamped with the
// cancellation time.
func resolveState(st SubscriptionState) (entitlements.Status, *time.Time) {
	if st.Terminal {
		periodEnd := st.CanceledAt
		if periodEnd == nil {
			periodEnd = st.PeriodEnd
		}
		return entitlements.StatusCanceled, periodEnd
	}
	return entitlements.FromProviderStatus(st.ProviderStatus), st.PeriodEnd
}

// shouldApply decides whether an incoming state may overwrite the stored
// entitlement:
//   - identical sync key: duplicate delivery, no-op;
//   - different subscription id: a newer subscription supersedes the old
//     one, always accept;
//   - same subscription id already canceled: cancellation is terminal for
//     that subscription instance, nothing un-cancels it;
//   - same subscription id with both period ends known: reject a strictly
//     older period (out-of-order redelivery);
//   - otherwise recency is not determinable and last-applied wins.
//
// Terminal states skip the recency checks entirely.
func shouldApply(user *models.User, st SubscriptionState, key string) bool {
	if user.LastSyncKey == key {
		return false
	}
	if user.SubscriptionID != st.SubscriptionID {
		return true
	}
	if st.Terminal {
		return true
	}
	if user.EntitlementStatus() == entitlements.StatusCanceled {
		return false
	}
	if user.CurrentPeriodEnd != nil && st.PeriodEnd != nil && st.PeriodEnd.Before(*user.CurrentPeriodEnd) {
		return false
	}
	return true
}
