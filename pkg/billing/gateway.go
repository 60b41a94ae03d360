package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gosubs/pkg/billing/internal"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// MaxWebhookBodyBytes caps webhook request bodies.
const MaxWebhookBodyBytes = 256 * 1024

// webhookHandler is the shared ingress flow: read, verify, normalize, accept, respond.
type webhookHandler struct {
	parser   WebhookParser
	engine   Acceptor
	callback func(ctx context.Context, event WebhookEvent) error
	metrics  Metrics
	logger   gosubs.Logger
}

// NewWebhookHandler returns the HTTP handler for parser's webhooks, rate limited per client IP.
//
// Responses: 200 for new, duplicate and ignored deliveries; 401 for bad signatures; 400 for
// malformed payloads; 413 for oversized bodies; 503 when the event could not be recorded
// (storage outage, full processing queue, failed lookup) so the provider redelivers.
func NewWebhookHandler(parser WebhookParser, config Config) http.Handler {
	config.setDefaults()
	h := &webhookHandler{
		parser:   parser,
		engine:   config.Engine,
		callback: config.WebhookCallback,
		metrics:  config.Metrics,
		logger:   config.Logger,
	}
	limiter := internal.NewRateLimiter(config.RateLimit, config.RateLimitWindow)
	return limiter.Middleware(h)
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	name := h.parser.Name()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.engine == nil {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, MaxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError(name, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			h.metrics.RecordWebhookError(name, "invalid_payload")
		}
		return
	}

	n, err := h.parser.ParseWebhook(r.Context(), r.Header, body)
	if err != nil {
		h.rejectParse(w, name, err)
		return
	}
	eventType := n.RawType
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	result, err := h.engine.Accept(r.Context(), n)
	if err != nil {
		h.rejectAccept(w, name, n, err)
		h.metrics.RecordWebhookEvent(name, eventType, "error")
		h.metrics.RecordWebhookProcessingDuration(name, eventType, time.Since(startTime))
		return
	}

	if result == gosubs.RecordNew && h.callback != nil {
		if err := h.callback(r.Context(), webhookEventOf(name, n)); err != nil {
			h.logger.Warn("webhook callback failed",
				gosubs.F("provider", name), gosubs.F("event_id", n.EventID), gosubs.F("error", err))
		}
	}

	if err := internal.WriteJSON(w, http.StatusOK, map[string]string{"result": string(result)}); err != nil {
		h.logger.Debug("failed to write webhook response", gosubs.F("error", err))
	}
	h.metrics.RecordWebhookEvent(name, eventType, string(result))
	h.metrics.RecordWebhookProcessingDuration(name, eventType, time.Since(startTime))
}

func (h *webhookHandler) rejectParse(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, ErrIgnoredEvent):
		h.logger.Debug("webhook ignored", gosubs.F("provider", name), gosubs.F("reason", err))
		h.metrics.RecordWebhookEvent(name, "ignored", "ignored")
		if werr := internal.WriteJSON(w, http.StatusOK, map[string]string{"result": "ignored"}); werr != nil {
			h.logger.Debug("failed to write webhook response", gosubs.F("error", werr))
		}
	case errors.Is(err, ErrInvalidWebhookSignature):
		h.logger.Warn("webhook signature rejected", gosubs.F("provider", name), gosubs.F("error", err))
		h.metrics.RecordWebhookError(name, "auth_failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, gosubs.ErrTransientFailure):
		h.logger.Warn("webhook lookup failed", gosubs.F("provider", name), gosubs.F("error", err))
		h.metrics.RecordWebhookError(name, "unavailable")
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, ErrInvalidWebhookPayload):
		h.logger.Warn("webhook payload rejected", gosubs.F("provider", name), gosubs.F("error", err))
		h.metrics.RecordWebhookError(name, "invalid_payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
	default:
		h.logger.Error("webhook parse failed", gosubs.F("provider", name), gosubs.F("error", err))
		h.metrics.RecordWebhookError(name, "processing_error")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
	}
}

func (h *webhookHandler) rejectAccept(w http.ResponseWriter, name string, n *gosubs.Notification, err error) {
	fields := []gosubs.Field{gosubs.F("provider", name), gosubs.F("event_id", n.EventID), gosubs.F("error", err)}
	switch {
	case errors.Is(err, gosubs.ErrQueueFull), errors.Is(err, gosubs.ErrStorageUnavailable),
		errors.Is(err, gosubs.ErrEngineClosed):
		h.logger.Warn("webhook deferred to redelivery", fields...)
		h.metrics.RecordWebhookError(name, "unavailable")
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, gosubs.ErrInvalidNotification):
		h.logger.Warn("webhook notification invalid", fields...)
		h.metrics.RecordWebhookError(name, "invalid_payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
	default:
		h.logger.Error("webhook accept failed", fields...)
		h.metrics.RecordWebhookError(name, "processing_error")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
	}
}

// ClassifyStatus maps a provider API HTTP status to the engine's error kinds.
// 408, 429 and 5xx are transient; 2xx returns nil; anything else wraps ErrProviderAPIError.
func ClassifyStatus(provider, endpoint string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return gosubs.Transient(fmt.Errorf("%s %s: HTTP %d", provider, endpoint, status))
	default:
		return fmt.Errorf("%w: %s %s: HTTP %d", ErrProviderAPIError, provider, endpoint, status)
	}
}
