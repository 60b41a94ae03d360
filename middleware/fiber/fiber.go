// Package fiber provides Fiber middleware that gates routes on the caller's subscription tier
package fiber

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// StatusKey is the fiber locals key holding the caller's *gosubs.StatusView
const StatusKey = "gosubs:status"

// StatusHeader carries the caller's subscription status on gated responses
const StatusHeader = "X-Subscription-Status"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// StatusReader reads a user's subscription standing. *gosubs.Engine implements it.
type StatusReader interface {
	GetSubscriptionStatus(ctx context.Context, userID string) (*gosubs.StatusView, error)
}

// Config holds middleware configuration
type Config struct {
	// Status is the subscription status source (required)
	Status StatusReader

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// RequiredTier is the tier the route needs
	// Default: gosubs.TierPremium
	RequiredTier gosubs.Tier

	// OnPaymentRequired is called when the user's tier is below RequiredTier
	// If nil, returns 402 JSON with the user's tier and status
	OnPaymentRequired func(c *fiber.Ctx, view *gosubs.StatusView) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the status lookup fails
	// If nil, returns 503 Service Unavailable
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that admits only users entitled to RequiredTier
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Status == nil {
		panic("gosubs/fiber: Config.Status is required")
	}
	if cfg.GetUserID == nil {
		panic("gosubs/fiber: Config.GetUserID is required")
	}
	if cfg.RequiredTier == "" {
		cfg.RequiredTier = gosubs.TierPremium
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		view, err := cfg.Status.GetSubscriptionStatus(c.UserContext(), userID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c, err)
		}

		c.Set(StatusHeader, string(view.Status))
		if cfg.RequiredTier != gosubs.TierFree && view.Tier != cfg.RequiredTier {
			if cfg.OnPaymentRequired != nil {
				return cfg.OnPaymentRequired(c, view)
			}
			return defaultPaymentRequired(c, view)
		}

		c.Locals(StatusKey, view)
		return c.Next()
	}
}

// StatusFromContext returns the status view stored by Middleware
func StatusFromContext(c *fiber.Ctx) (*gosubs.StatusView, bool) {
	view, ok := c.Locals(StatusKey).(*gosubs.StatusView)
	return view, ok
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultPaymentRequired(c *fiber.Ctx, view *gosubs.StatusView) error {
	return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
		"error":  "Subscription required",
		"tier":   view.Tier,
		"status": view.Status,
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Subscription status unavailable"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In the subscription gate config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
