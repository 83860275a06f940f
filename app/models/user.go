package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/bidwatchhq/bidwatch/internal/pkg/entitlements"
)

type User struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Name     string `gorm:"type:varchar(150)" json:"name" validate:"required,min=2,max=150"`
	Email    string `gorm:"uniqueIndex;type:varchar(200) CHARACTER SET utf8 COLLATE utf8_bin" json:"email" validate:"required,email,min=5,max=200"`
	Password string `gorm:"type:text" json:"-" validate:"required,min=6"`

	// StripeCustomerID is assigned once during registration and never
	// reassigned afterwards.
	StripeCustomerID string `gorm:"uniqueIndex;type:varchar(191);not null" json:"-"`

	// Cached entitlement. IsSubscribed is derived from SubscriptionStatus
	// through ApplyEntitlement and must never be written independently.
	IsSubscribed       bool       `gorm:"default:false;index" json:"is_subscribed"`
	SubscriptionStatus string     `gorm:"type:varchar(64);not null;default:'none'" json:"subscription_status"`
	SubscriptionID     string     `gorm:"type:varchar(191);default:'';index" json:"-"`
	CurrentPeriodEnd   *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`

	// LastSyncKey identifies the last applied subscription event
	// (subscription id, status and period end); re-applying an event with
	// the same key is a no-op.
	LastSyncKey string `gorm:"type:varchar(255);default:''" json:"-"`

	LastLoginAt *time.Time     `gorm:"type:timestamp;default:null" json:"last_login_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// CreateUser builds a new account with a hashed credential and an empty
// entitlement. The Stripe customer id must already be provisioned.
func CreateUser(name, email, password, stripeCustomerID string) (*User, error) {
	pw, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	u := &User{
		Name:               name,
		Email:              email,
		Password:           pw,
		StripeCustomerID:   stripeCustomerID,
		IsSubscribed:       false,
		SubscriptionStatus: string(entitlements.StatusNone),
	}

	if err := u.Validate(); err != nil {
		return nil, err
	}

	return u, nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)

	return string(bytes), err
}

// CheckPasswordHash compares the given password with the stored hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	return err == nil
}

// CheckPassword verifies if the provided password matches the user's stored password
func (u *User) CheckPassword(password string) bool {
	return CheckPasswordHash(password, u.Password)
}

// ApplyEntitlement is the single write path for the cached entitlement. It
// keeps IsSubscribed consistent with the status so the two fields cannot
// drift.
func (u *User) ApplyEntitlement(status entitlements.Status, subscriptionID string, periodEnd *time.Time, syncKey string) {
	u.SubscriptionStatus = string(status)
	u.IsSubscribed = entitlements.IsEntitled(status)
	u.SubscriptionID = subscriptionID
	u.CurrentPeriodEnd = periodEnd
	u.LastSyncKey = syncKey
}

// EntitlementStatus returns the cached status as a typed value.
func (u *User) EntitlementStatus() entitlements.Status {
	return entitlements.Status(u.SubscriptionStatus)
}
