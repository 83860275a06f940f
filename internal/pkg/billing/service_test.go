package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"gorm.io/gorm"

	"github.com/bidwatchhq/bidwatch/app/models"
	"github.com/bidwatchhq/bidwatch/internal/pkg/entitlements"
)

// fakeRepo is an in-memory Repository with the same conditional-write
// semantics as the GORM implementation.
type fakeRepo struct {
	mu          sync.Mutex
	users       map[uint]*models.User
	byCustomer  map[string]uint
	events      map[string]*models.BillingWebhookEvent
	nextEventID uint
	writes      int
}

func newFakeRepo(users ...*models.User) *fakeRepo {
	r := &fakeRepo{
		users:      make(map[uint]*models.User),
		byCustomer: make(map[string]uint),
		events:     make(map[string]*models.BillingWebhookEvent),
	}
	for _, u := range users {
		cp := *u
		r.users[u.ID] = &cp
		if u.StripeCustomerID != "" {
			r.byCustomer[u.StripeCustomerID] = u.ID
		}
	}
	return r
}

func (r *fakeRepo) GetUserByID(id uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeRepo) GetUserByStripeCustomerID(customerID string) (*models.User, error) {
	r.mu.Lock()
	id, ok := r.byCustomer[customerID]
	r.mu.Unlock()
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return r.GetUserByID(id)
}

func (r *fakeRepo) UpdateEntitlement(user *models.User, expectedSyncKey string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.users[user.ID]
	if !ok || stored.LastSyncKey != expectedSyncKey {
		return false, nil
	}
	stored.IsSubscribed = user.IsSubscribed
	stored.SubscriptionStatus = user.SubscriptionStatus
	stored.SubscriptionID = user.SubscriptionID
	stored.CurrentPeriodEnd = user.CurrentPeriodEnd
	stored.LastSyncKey = user.LastSyncKey
	r.writes++
	return true, nil
}

func (r *fakeRepo) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.events[event.ProviderEventID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	r.nextEventID++
	event.ID = r.nextEventID
	cp := *event
	r.events[event.ProviderEventID] = &cp
	out := cp
	return true, &out, nil
}

func (r *fakeRepo) MarkWebhookProcessed(id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.ID == id {
			now := time.Now()
			ev.ProcessedAt = &now
			ev.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *fakeRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

func testUser(id uint, customerID string) *models.User {
	return &models.User{
		ID:                 id,
		Name:               "Test User",
		Email:              fmt.Sprintf("user%d@example.com", id),
		StripeCustomerID:   customerID,
		SubscriptionStatus: string(entitlements.StatusNone),
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func activeState(subID string, periodEnd time.Time) SubscriptionState {
	return SubscriptionState{
		SubscriptionID: subID,
		ProviderStatus: "active",
		PeriodEnd:      ptrTime(periodEnd),
	}
}

func TestApplyToUser_EntitlementFlip(t *testing.T) {
	repo := newFakeRepo(testUser(1, "cus_1"))
	svc := NewService(repo)
	end := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)

	applied, err := svc.ApplyToUser(context.Background(), 1, activeState("sub_1", end))
	require.NoError(t, err)
	assert.True(t, applied)

	user, err := repo.GetUserByID(1)
	require.NoError(t, err)
	assert.True(t, user.IsSubscribed)
	assert.Equal(t, string(entitlements.StatusActive), user.SubscriptionStatus)
	assert.Equal(t, "sub_1", user.SubscriptionID)
	require.NotNil(t, user.CurrentPeriodEnd)
	assert.Equal(t, end.Unix(), user.CurrentPeriodEnd.Unix())
}

func TestApplyToUser_PastDueDoesNotEntitle(t *testing.T) {
	repo := newFakeRepo(testUser(1, "cus_1"))
	svc := NewService(repo)
	end := time.Now().Add(30 * 24 * time.Hour)

	st := activeState("sub_1", end)
	st.ProviderStatus = "past_due"
	applied, err := svc.ApplyToUser(context.Background(), 1, st)
	require.NoError(t, err)
	assert.True(t, applied)

	user, _ := repo.GetUserByID(1)
	assert.False(t, user.IsSubscribed)
	assert.Equal(t, string(entitlements.StatusPastDue), user.SubscriptionStatus)
}

func TestApplyToUser_DuplicateDeliveryIsNoOp(t *testing.T) {
	repo := newFakeRepo(testUser(1, "cus_1"))
	svc := NewService(repo)
	end := time.Now().Add(30 * 24 * time.Hour)

	applied, err := svc.ApplyToUser(context.Background(), 1, activeState("sub_1", end))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = svc.ApplyToUser(context.Background(), 1, activeState("sub_1", end))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, repo.writeCount())
}

func TestApplyToUser_OlderPeriodRejected(t *testing.T) {
	repo := newFakeRepo(testUser(1, "cus_1"))
	svc := NewService(repo)
	newer := time.Now().Add(60 * 24 * time.Hour)
	older := time.Now().Add(30 * 24 * time.Hour)

	applied, err := svc.ApplyToUser(context.Background(), 1, activeState("sub_1", newer))
	require.NoError(t, err)
	require.True(t, applied)

	// Late redelivery of a previous billing period must not roll back.
	applied, err = svc.ApplyToUser(context.Background(), 1, activeState("sub_1", older))
	require.NoError(t, err)
	assert.False(t, applied)

	user, _ := repo.GetUserByID(1)
	assert.Equal(t, newer.Unix(), user.CurrentPeriodEnd.Unix())
	assert.True(t, user.IsSubscribed)
}

func TestApplyToUser_LastAppliedWinsWhenRecencyUnknown(t *testing.T) {
	repo := newFakeRepo(testUser(1, "cus_1"))
	svc := NewService(repo)
	end := time.Now().Add(30 * 24 * time.Hour)

	applied, err := svc.ApplyToUser(context.Background(), 1, activeState("sub_1", end))
	require.NoError(t, err)
	require.True(t, applied)

	// Same subscription, same period end, new status: no ordering signal,
	// so the later delivery wins.
	st := activeState("sub_1", end)
	st.ProviderStatus = "past_due"
	applied, err = svc.ApplyToUser(context.Background(), 1, st)
	require.NoError(t, err)
	assert.True(t, applied)

	user, _ := repo.GetUserByID(1)
	assert.False(t, user.IsSubscribed)
	assert.Equal(t, string(entitlements.StatusPastDue), user.SubscriptionStatus)
}

func TestApplyToUser_DeletedAlwaysWins(t *testing.T) {
	repo := newFakeRepo(testUser(1, "cus_1"))
	svc := NewService(repo)
	end := time.Now().Add(60 * 24 * time.Hour)
	canceledAt := time.Now()

	_, err := svc.ApplyToUser(context.Background(), 1, activeState("sub_1", end))
	require.NoError(t, err)

	deleted := SubscriptionState{
		SubscriptionID: "sub_1",
		ProviderStatus: "canceled",
		PeriodEnd:      ptrTime(end),
		CanceledAt:     ptrTime(canceledAt),
		Terminal:       true,
	}
	applied, err := svc.ApplyToUser(context.Background(), 1, deleted)
	require.NoError(t, err)
	assert.True(t, applied)

	user, _ := repo.GetUserByID(1)
	assert.False(t, user.IsSubscribed)
	assert.Equal(t, string(entitlements.StatusCanceled), user.SubscriptionStatus)
}

func TestApplyToUser_CanceledBlocksLateUpdateForSameSubscription(t *testing.T) {
	repo := newFakeRepo(testUser(1, "cus_1"))
	svc := NewService(repo)
	end := time.Now().Add(60 * 24 * time.Hour)

	deleted := SubscriptionState{
		SubscriptionID: "sub_1",
		Terminal:       true,
		CanceledAt:     ptrTime(time.Now()),
	}
	_, err := svc.ApplyToUser(context.Background(), 1, deleted)
	require.NoError(t, err)

	// A straggling update for the dead subscription must not resurrect it.
	applied, err := svc.ApplyToUser(context.Background(), 1, activeState("sub_1", end))
	require.NoError(t, err)
	assert.False(t, applied)

	user, _ := repo.GetUserByID(1)
	assert.False(t, user.IsSubscribed)
	assert.Equal(t, string(entitlements.StatusCanceled), user.SubscriptionStatus)
}

func TestApplyToUser_NewSubscriptionSupersedesCanceledOne(t *testing.T) {
	repo := newFakeRepo(testUser(1, "cus_1"))
	svc := NewService(repo)

	deleted := SubscriptionState{
		SubscriptionID: "sub_1",
		Terminal:       true,
		CanceledAt:     ptrTime(time.Now()),
	}
	_, err := svc.ApplyToUser(context.Background(), 1, deleted)
	require.NoError(t, err)

	end := time.Now().Add(30 * 24 * time.Hour)
	applied, err := svc.ApplyToUser(context.Background(), 1, activeState("sub_2", end))
	require.NoError(t, err)
	assert.True(t, applied)

	user, _ := repo.GetUserByID(1)
	assert.True(t, user.IsSubscribed)
	assert.Equal(t, "sub_2", user.SubscriptionID)
}

func TestApplyToCustomer_NoLinkedAccount(t *testing.T) {
	repo := newFakeRepo(testUser(1, "cus_1"))
	svc := NewService(repo)

	_, err := svc.ApplyToCustomer(context.Background(), "cus_unknown", activeState("sub_1", time.Now()))
	assert.ErrorIs(t, err, ErrNoLinkedAccount)
}

func TestApplyToUser_ConcurrentUpdatesStayConsistent(t *testing.T) {
	repo := newFakeRepo(testUser(1, "cus_1"))
	svc := NewService(repo)

	base := time.Now().Truncate(time.Second)
	statuses := []string{"active", "past_due", "active", "unpaid", "active"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := SubscriptionState{
				SubscriptionID: "sub_1",
				ProviderStatus: statuses[i%len(statuses)],
				PeriodEnd:      ptrTime(base.Add(time.Duration(i) * time.Hour)),
			}
			_, err := svc.ApplyToUser(context.Background(), 1, st)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	user, err := repo.GetUserByID(1)
	require.NoError(t, err)

	// Whatever interleaving won, the derived flag must match the status and
	// the stored sync key must describe the stored state.
	status := entitlements.Status(user.SubscriptionStatus)
	assert.Equal(t, entitlements.IsEntitled(status), user.IsSubscribed)
	assert.Equal(t, SyncKey(user.SubscriptionID, status, user.CurrentPeriodEnd), user.LastSyncKey)
}

func TestApplyToUser_TwoAccountsIndependent(t *testing.T) {
	repo := newFakeRepo(testUser(1, "cus_1"), testUser(2, "cus_2"))
	svc := NewService(repo)
	end := time.Now().Add(30 * 24 * time.Hour)

	applied, err := svc.ApplyToCustomer(context.Background(), "cus_1", activeState("sub_1", end))
	require.NoError(t, err)
	assert.True(t, applied)

	one, _ := repo.GetUserByID(1)
	two, _ := repo.GetUserByID(2)
	assert.True(t, one.IsSubscribed)
	assert.False(t, two.IsSubscribed)
	assert.Equal(t, string(entitlements.StatusNone), two.SubscriptionStatus)
}

func TestRecordWebhookEvent_DeduplicatesByEventID(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)

	in := WebhookEventInput{
		ProviderEventID: "evt_1",
		EventType:       EventSubscriptionUpdated,
		PayloadJSON:     `{"id":"evt_1"}`,
	}
	created, first, err := svc.RecordWebhookEvent(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, first)

	created, second, err := svc.RecordWebhookEvent(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
}

func TestRecordWebhookEvent_RequiresEventID(t *testing.T) {
	svc := NewService(newFakeRepo())
	_, _, err := svc.RecordWebhookEvent(context.Background(), WebhookEventInput{EventType: EventSubscriptionUpdated})
	assert.Error(t, err)
}

func TestMarkWebhookProcessed_StoresError(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)

	_, stored, err := svc.RecordWebhookEvent(context.Background(), WebhookEventInput{
		ProviderEventID: "evt_1",
		EventType:       EventSubscriptionUpdated,
		PayloadJSON:     "{}",
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkWebhookProcessed(context.Background(), stored.ID, errors.New("boom")))

	repo.mu.Lock()
	ev := repo.events["evt_1"]
	repo.mu.Unlock()
	require.NotNil(t, ev.ProcessedAt)
	assert.Equal(t, "boom", ev.ProcessingError)
}

type fakeProvider struct {
	sub     *stripe.Subscription
	err     error
	fetched int
}

func (p *fakeProvider) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	return "cus_fake", nil
}

func (p *fakeProvider) CreateCheckoutSession(ctx context.Context, customerID string) (string, error) {
	return "https://checkout.example.com/session", nil
}

func (p *fakeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	p.fetched++
	if p.err != nil {
		return nil, p.err
	}
	return p.sub, nil
}

func stripeSubscription(id string, status stripe.SubscriptionStatus, periodEnd int64) *stripe.Subscription {
	return &stripe.Subscription{
		ID:     id,
		Status: status,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{CurrentPeriodEnd: periodEnd},
			},
		},
	}
}

func TestReconcile_AppliesFetchedState(t *testing.T) {
	user := testUser(1, "cus_1")
	user.SubscriptionID = "sub_1"
	repo := newFakeRepo(user)
	svc := NewService(repo)

	end := time.Now().Add(30 * 24 * time.Hour).Unix()
	provider := &fakeProvider{sub: stripeSubscription("sub_1", stripe.SubscriptionStatusActive, end)}

	got, err := svc.Reconcile(context.Background(), 1, provider)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.fetched)
	assert.True(t, got.IsSubscribed)
	assert.Equal(t, string(entitlements.StatusActive), got.SubscriptionStatus)
}

func TestReconcile_FetchFailureServesCachedState(t *testing.T) {
	user := testUser(1, "cus_1")
	user.SubscriptionID = "sub_1"
	user.SubscriptionStatus = string(entitlements.StatusActive)
	user.IsSubscribed = true
	repo := newFakeRepo(user)
	svc := NewService(repo)

	provider := &fakeProvider{err: errors.New("stripe down")}
	got, err := svc.Reconcile(context.Background(), 1, provider)
	require.NoError(t, err)
	assert.True(t, got.IsSubscribed)
	assert.Equal(t, 0, repo.writeCount())
}

func TestReconcile_NoSubscriptionSkipsProvider(t *testing.T) {
	repo := newFakeRepo(testUser(1, "cus_1"))
	svc := NewService(repo)

	provider := &fakeProvider{}
	got, err := svc.Reconcile(context.Background(), 1, provider)
	require.NoError(t, err)
	assert.Equal(t, 0, provider.fetched)
	assert.False(t, got.IsSubscribed)
}
