package controllers

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/bidwatchhq/bidwatch/app/models"
	"github.com/bidwatchhq/bidwatch/app/repository"
	"github.com/bidwatchhq/bidwatch/internal/pkg/billing"
	"github.com/bidwatchhq/bidwatch/internal/pkg/env"
	"github.com/bidwatchhq/bidwatch/internal/pkg/security"
	"github.com/bidwatchhq/bidwatch/internal/pkg/usercontext"
)

const (
	sessionTokenTTL = 30 * 24 * time.Hour
	providerTimeout = 15 * time.Second
)

// AuthHandlers serves registration, login and profile endpoints.
type AuthHandlers struct {
	users    repository.UserRepository
	provider billing.Provider
}

// NewAuthHandlers creates auth handlers with injected dependencies.
func NewAuthHandlers(users repository.UserRepository, provider billing.Provider) *AuthHandlers {
	return &AuthHandlers{users: users, provider: provider}
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleRegister creates an account. The provider customer is provisioned
// before the local row is written so a provider failure leaves no
// half-provisioned account behind.
func (h *AuthHandlers) HandleRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "Invalid request body"})
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if _, err := h.users.GetByEmail(email); err == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "email_taken", "message": "User already exists"})
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("register: account lookup failed for %s: %v", email, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Registration failed"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()

	customerID, err := h.provider.CreateCustomer(ctx, email, strings.TrimSpace(req.Name))
	if err != nil {
		log.Printf("register: customer provisioning failed for %s: %v", email, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_unavailable", "message": "Payment provider unavailable"})
	}

	user, err := models.CreateUser(strings.TrimSpace(req.Name), email, req.Password, customerID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "Invalid user data"})
	}
	if err := h.users.Create(user); err != nil {
		log.Printf("register: account create failed for %s (customer %s): %v", email, customerID, err)
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "email_taken", "message": "User already exists"})
	}

	token, err := security.GenerateSessionToken(user.ID, user.Email, sessionTokenTTL, env.GetEnv("JWT_SECRET", ""))
	if err != nil {
		log.Printf("register: token generation failed for user %d: %v", user.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Registration failed"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":            user.ID,
		"name":          user.Name,
		"email":         user.Email,
		"is_subscribed": user.IsSubscribed,
		"token":         token,
	})
}

// HandleLogin verifies credentials and mints a new session token. Unknown
// email and wrong password produce the identical response.
func (h *AuthHandlers) HandleLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "Invalid request body"})
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user, err := h.users.GetByEmail(email)
	if err != nil || !user.CheckPassword(req.Password) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid email or password"})
	}

	now := time.Now()
	user.LastLoginAt = &now
	if err := h.users.Update(user); err != nil {
		log.Printf("login: failed to update last login for user %d: %v", user.ID, err)
	}

	token, err := security.GenerateSessionToken(user.ID, user.Email, sessionTokenTTL, env.GetEnv("JWT_SECRET", ""))
	if err != nil {
		log.Printf("login: token generation failed for user %d: %v", user.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Login failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"id":                  user.ID,
		"name":                user.Name,
		"email":               user.Email,
		"is_subscribed":       user.IsSubscribed,
		"subscription_status": user.SubscriptionStatus,
		"token":               token,
	})
}

// HandleProfile returns the cached account state for the authenticated
// user. No provider call is made here.
func (h *AuthHandlers) HandleProfile(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	user, err := h.users.GetByID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		log.Printf("profile: account lookup failed for user %d: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Profile lookup failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"id":                  user.ID,
		"name":                user.Name,
		"email":               user.Email,
		"is_subscribed":       user.IsSubscribed,
		"subscription_status": user.SubscriptionStatus,
		"current_period_end":  user.CurrentPeriodEnd,
	})
}
