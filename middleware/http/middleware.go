// Package http provides net/http middleware that gates handlers on the caller's subscription tier
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// StatusHeader carries the caller's subscription status on gated responses, so clients can
// prompt users in a payment grace period.
const StatusHeader = "X-Subscription-Status"

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// StatusReader reads a user's subscription standing. *gosubs.Engine implements it.
type StatusReader interface {
	GetSubscriptionStatus(ctx context.Context, userID string) (*gosubs.StatusView, error)
}

// Config holds middleware configuration
type Config struct {
	// Status is the subscription status source (required)
	Status StatusReader

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// RequiredTier is the tier the handler needs
	// Default: gosubs.TierPremium
	RequiredTier gosubs.Tier

	// OnPaymentRequired is called when the user's tier is below RequiredTier
	// If nil, returns 402 Payment Required
	OnPaymentRequired func(w http.ResponseWriter, r *http.Request, view *gosubs.StatusView)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the status lookup fails
	// If nil, returns 503 Service Unavailable
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that admits only users entitled to RequiredTier.
// The status view is stored in the request context for the handler (see StatusFromContext).
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Status == nil {
		panic("gosubs/http: Config.Status is required")
	}
	if config.GetUserID == nil {
		panic("gosubs/http: Config.GetUserID is required")
	}
	if config.RequiredTier == "" {
		config.RequiredTier = gosubs.TierPremium
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			view, err := config.Status.GetSubscriptionStatus(r.Context(), userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Subscription status unavailable"})
				}
				return
			}

			w.Header().Set(StatusHeader, string(view.Status))
			if !Entitled(view, config.RequiredTier) {
				if config.OnPaymentRequired != nil {
					config.OnPaymentRequired(w, r, view)
				} else {
					writeJSON(w, http.StatusPaymentRequired, map[string]string{
						"error":  "Subscription required",
						"tier":   string(view.Tier),
						"status": string(view.Status),
					})
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), statusKey{}, view)))
		})
	}
}

// HandlerFunc creates an HTTP middleware for a single http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// Entitled reports whether view grants required. Every user holds the free tier.
func Entitled(view *gosubs.StatusView, required gosubs.Tier) bool {
	if required == gosubs.TierFree {
		return true
	}
	return view != nil && view.Tier == required
}

type statusKey struct{}

// StatusFromContext returns the status view stored by Middleware.
func StatusFromContext(ctx context.Context) (*gosubs.StatusView, bool) {
	view, ok := ctx.Value(statusKey{}).(*gosubs.StatusView)
	return view, ok
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "gosubs:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
