// Package echo provides Echo middleware that gates routes on the caller's subscription tier
package echo

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// StatusKey is the echo context key holding the caller's *gosubs.StatusView
const StatusKey = "gosubs:status"

// StatusHeader carries the caller's subscription status on gated responses
const StatusHeader = "X-Subscription-Status"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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
	OnPaymentRequired func(c echo.Context, view *gosubs.StatusView) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the status lookup fails
	// If nil, returns 503 Service Unavailable
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that admits only users entitled to RequiredTier
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Status == nil {
		panic("gosubs/echo: Config.Status is required")
	}
	if cfg.GetUserID == nil {
		panic("gosubs/echo: Config.GetUserID is required")
	}
	if cfg.RequiredTier == "" {
		cfg.RequiredTier = gosubs.TierPremium
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			view, err := cfg.Status.GetSubscriptionStatus(c.Request().Context(), userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			c.Response().Header().Set(StatusHeader, string(view.Status))
			if cfg.RequiredTier != gosubs.TierFree && view.Tier != cfg.RequiredTier {
				if cfg.OnPaymentRequired != nil {
					return cfg.OnPaymentRequired(c, view)
				}
				return defaultPaymentRequired(c, view)
			}

			c.Set(StatusKey, view)
			return next(c)
		}
	}
}

// StatusFromContext returns the status view stored by Middleware
func StatusFromContext(c echo.Context) (*gosubs.StatusView, bool) {
	view, ok := c.Get(StatusKey).(*gosubs.StatusView)
	return view, ok
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultPaymentRequired(c echo.Context, view *gosubs.StatusView) error {
	return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
		"error":  "Subscription required",
		"tier":   view.Tier,
		"status": view.Status,
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Subscription status unavailable"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In the subscription gate config:
//	GetUserID: echo.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
