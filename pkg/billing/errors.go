package billing

import (
	"errors"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails.
	// It is the engine's ErrSignatureInvalid so callers can match either.
	ErrInvalidWebhookSignature = gosubs.ErrSignatureInvalid

	// ErrInvalidWebhookPayload is returned when a verified webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrIgnoredEvent is returned for verified deliveries that carry no subscription change
	// (test notifications, event types the engine does not consume)
	ErrIgnoredEvent = errors.New("webhook event ignored")

	// ErrProviderAPIError is returned when the provider's API returns an unexpected error
	ErrProviderAPIError = errors.New("billing provider API error")
)
