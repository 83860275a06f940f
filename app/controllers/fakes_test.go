package controllers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v82"
	"gorm.io/gorm"

	"github.com/bidwatchhq/bidwatch/app/models"
)

// fakeUserRepo is an in-memory UserRepository for handler tests.
type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[uint]*models.User
	nextID uint
}

func newFakeUserRepo(users ...*models.User) *fakeUserRepo {
	r := &fakeUserRepo{users: make(map[uint]*models.User)}
	for _, u := range users {
		cp := *u
		r.users[u.ID] = &cp
		if u.ID > r.nextID {
			r.nextID = u.ID
		}
	}
	return r
}

func (r *fakeUserRepo) Create(user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return gorm.ErrDuplicatedKey
		}
	}
	r.nextID++
	user.ID = r.nextID
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *fakeUserRepo) GetByID(id uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeUserRepo) GetByEmail(email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeUserRepo) GetByStripeCustomerID(customerID string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.StripeCustomerID == customerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeUserRepo) Update(user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *fakeUserRepo) Count() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.users)), nil
}

// fakeProvider is a scriptable billing.Provider.
type fakeProvider struct {
	customerID   string
	customerErr  error
	checkoutURL  string
	checkoutErr  error
	subscription *stripe.Subscription
	subErr       error

	customersCreated int
	sessionsCreated  int
	subsFetched      int
}

func (p *fakeProvider) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	p.customersCreated++
	if p.customerErr != nil {
		return "", p.customerErr
	}
	if p.customerID == "" {
		return "cus_fake", nil
	}
	return p.customerID, nil
}

func (p *fakeProvider) CreateCheckoutSession(ctx context.Context, customerID string) (string, error) {
	p.sessionsCreated++
	if p.checkoutErr != nil {
		return "", p.checkoutErr
	}
	if p.checkoutURL == "" {
		return "https://checkout.example.com/session", nil
	}
	return p.checkoutURL, nil
}

func (p *fakeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	p.subsFetched++
	if p.subErr != nil {
		return nil, p.subErr
	}
	if p.subscription == nil {
		return nil, errors.New("no subscription scripted")
	}
	return p.subscription, nil
}

// fakeBillingRepo is an in-memory billing.Repository sharing user state
// with a fakeUserRepo so webhook tests observe entitlement changes.
type fakeBillingRepo struct {
	users *fakeUserRepo

	mu          sync.Mutex
	events      map[string]*models.BillingWebhookEvent
	nextEventID uint
}

func newFakeBillingRepo(users *fakeUserRepo) *fakeBillingRepo {
	return &fakeBillingRepo{
		users:  users,
		events: make(map[string]*models.BillingWebhookEvent),
	}
}

func (r *fakeBillingRepo) GetUserByID(id uint) (*models.User, error) {
	return r.users.GetByID(id)
}

func (r *fakeBillingRepo) GetUserByStripeCustomerID(customerID string) (*models.User, error) {
	return r.users.GetByStripeCustomerID(customerID)
}

func (r *fakeBillingRepo) UpdateEntitlement(user *models.User, expectedSyncKey string) (bool, error) {
	r.users.mu.Lock()
	defer r.users.mu.Unlock()
	stored, ok := r.users.users[user.ID]
	if !ok || stored.LastSyncKey != expectedSyncKey {
		return false, nil
	}
	stored.IsSubscribed = user.IsSubscribed
	stored.SubscriptionStatus = user.SubscriptionStatus
	stored.SubscriptionID = user.SubscriptionID
	stored.CurrentPeriodEnd = user.CurrentPeriodEnd
	stored.LastSyncKey = user.LastSyncKey
	return true, nil
}

func (r *fakeBillingRepo) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
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

func (r *fakeBillingRepo) MarkWebhookProcessed(id uint, processingError string) error {
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
