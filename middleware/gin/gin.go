// Package gin provides Gin middleware that gates routes on the caller's subscription tier
package gin

import (
	"context"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// StatusKey is the gin context key holding the caller's *gosubs.StatusView
const StatusKey = "gosubs:status"

// StatusHeader carries the caller's subscription status on gated responses
const StatusHeader = "X-Subscription-Status"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnPaymentRequired func(c *gongin.Context, view *gosubs.StatusView)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the status lookup fails
	// If nil, returns 503 Service Unavailable
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that admits only users entitled to RequiredTier
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Status == nil {
		panic("gosubs/gin: Config.Status is required")
	}
	if cfg.GetUserID == nil {
		panic("gosubs/gin: Config.GetUserID is required")
	}
	if cfg.RequiredTier == "" {
		cfg.RequiredTier = gosubs.TierPremium
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		view, err := cfg.Status.GetSubscriptionStatus(c.Request.Context(), userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		c.Header(StatusHeader, string(view.Status))
		if !entitled(view, cfg.RequiredTier) {
			if cfg.OnPaymentRequired != nil {
				cfg.OnPaymentRequired(c, view)
			} else {
				defaultPaymentRequired(c, view)
			}
			c.Abort()
			return
		}

		c.Set(StatusKey, view)
		c.Next()
	}
}

func entitled(view *gosubs.StatusView, required gosubs.Tier) bool {
	return required == gosubs.TierFree || (view != nil && view.Tier == required)
}

// StatusFromContext returns the status view stored by Middleware
func StatusFromContext(c *gongin.Context) (*gosubs.StatusView, bool) {
	val, ok := c.Get(StatusKey)
	if !ok {
		return nil, false
	}
	view, ok := val.(*gosubs.StatusView)
	return view, ok
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultPaymentRequired(c *gongin.Context, view *gosubs.StatusView) {
	c.JSON(http.StatusPaymentRequired, gongin.H{
		"error":  "Subscription required",
		"tier":   view.Tier,
		"status": view.Status,
	})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Subscription status unavailable"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware via c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
