package middleware

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/bidwatchhq/bidwatch/app/repository"
	"github.com/bidwatchhq/bidwatch/internal/pkg/env"
	"github.com/bidwatchhq/bidwatch/internal/pkg/security"
	"github.com/bidwatchhq/bidwatch/internal/pkg/usercontext"
)

// BearerAuth verifies the bearer session token and loads the account's
// cached entitlement into the request context. It never calls the payment
// provider.
func BearerAuth(users repository.UserRepository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := extractBearerToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_token", "message": "Not authorized, no token"})
		}

		claims, err := security.VerifySessionToken(token, env.GetEnv("JWT_SECRET", ""))
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_token", "message": "Not authorized, token failed"})
		}

		user, err := users.GetByID(claims.UserID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Token outlived the account it was minted for.
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_token", "message": "Not authorized, token failed"})
			}
			log.Printf("bearer auth: account lookup failed for user %d: %v", claims.UserID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Account lookup failed"})
		}

		userCtx := usercontext.UserContext{
			UserID:       user.ID,
			Email:        user.Email,
			IsLoggedIn:   true,
			IsSubscribed: user.IsSubscribed,
		}
		c.Locals(usercontext.KeyUserContext, userCtx)
		c.Locals(usercontext.KeyFromProtected, true)
		c.Locals(usercontext.KeyUserID, user.ID)
		c.Locals(usercontext.KeyEmail, user.Email)

		return c.Next()
	}
}

// RequireSubscription admits only accounts whose cached entitlement is
// active. Freshness is the synchronizer's job; this check reads the value
// BearerAuth already loaded.
func RequireSubscription() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userCtx := usercontext.GetUserContext(c)
		if !userCtx.IsLoggedIn {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Not authorized"})
		}
		if !userCtx.IsSubscribed {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "subscription_required", "message": "Subscription required to access this resource"})
		}
		return c.Next()
	}
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
