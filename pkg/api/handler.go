package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

const (
	// UserIDHeader carries the authenticated user id when no GetUserID is configured.
	UserIDHeader = "X-User-ID"

	receiptVerified = "verified"
	receiptPending  = "pending"
	maxUserIDLen    = 255
	maxRequestBytes = 2 << 20
)

// Handler provides the collaborator HTTP endpoints
type Handler struct {
	config   Config
	validate *validator.Validate
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// userID extracts and checks the caller's user id. On failure the response is already written.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// GetSubscription returns the user's tier, status and period end
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	view, err := h.config.Service.GetSubscriptionStatus(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, r, fmt.Errorf("failed to get subscription: %w", err))
		return
	}

	h.writeJSON(w, http.StatusOK, SubscriptionResponse{
		UserID:           userID,
		Tier:             string(view.Tier),
		Status:           string(view.Status),
		Provider:         string(view.Provider),
		CurrentPeriodEnd: view.CurrentPeriodEnd,
	})
}

// SubmitReceipt verifies a client receipt and applies it. Verification that is still being
// retried answers 202; a receipt the provider refused answers 422.
func (h *Handler) SubmitReceipt(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req ReceiptRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.config.Service.SubmitReceipt(r.Context(), userID, gosubs.ProviderTag(req.Provider), req.Receipt)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, ReceiptResponse{
			Status:      receiptVerified,
			Environment: string(res.Environment),
			Products:    res.Products,
		})
	case errors.Is(err, gosubs.ErrValidationPending):
		h.writeJSON(w, http.StatusAccepted, ReceiptResponse{Status: receiptPending})
	case errors.Is(err, gosubs.ErrDefinitiveRejection):
		h.config.Logger.Info("receipt rejected", gosubs.F("user_id", userID), gosubs.F("error", err))
		h.handleError(w, r, fmt.Errorf("could not verify purchase"), http.StatusUnprocessableEntity)
	case errors.Is(err, gosubs.ErrProviderNotConfigured):
		h.handleError(w, r, fmt.Errorf("unsupported provider %q", req.Provider), http.StatusBadRequest)
	default:
		h.handleServiceError(w, r, fmt.Errorf("failed to submit receipt: %w", err))
	}
}

// GetPastDue lists the user's past-due items in due-date order
func (h *Handler) GetPastDue(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	items, err := h.config.Service.PastDueItems(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, r, fmt.Errorf("failed to list past-due items: %w", err))
		return
	}
	if items == nil {
		items = []*gosubs.RecurringItem{}
	}
	h.writeJSON(w, http.StatusOK, PastDueResponse{Items: items})
}

// ConfirmPastDue resolves the past-due prompt of one item
func (h *Handler) ConfirmPastDue(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	itemID := chi.URLParam(r, "itemID")
	if itemID == "" {
		h.handleError(w, r, fmt.Errorf("item ID is required"), http.StatusBadRequest)
		return
	}
	var req ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	conf, err := h.config.Service.ConfirmPastDueItem(r.Context(), userID, itemID, gosubs.Outcome(req.Outcome))
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, conf)
	case errors.Is(err, gosubs.ErrItemNotFound):
		h.handleError(w, r, err, http.StatusNotFound)
	case errors.Is(err, gosubs.ErrItemNotPastDue):
		h.handleError(w, r, err, http.StatusConflict)
	case errors.Is(err, gosubs.ErrInvalidOutcome):
		h.handleError(w, r, err, http.StatusUnprocessableEntity)
	default:
		h.handleServiceError(w, r, fmt.Errorf("failed to confirm item: %w", err))
	}
}

// TrackItem adds a tracked item for the user
func (h *Handler) TrackItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req TrackItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.DueDate.IsZero() {
		h.handleError(w, r, fmt.Errorf("due_date is required"), http.StatusBadRequest)
		return
	}

	item := &gosubs.RecurringItem{
		ID:       uuid.NewString(),
		UserID:   userID,
		Name:     req.Name,
		Amount:   req.Amount,
		Currency: strings.ToUpper(req.Currency),
		DueDate:  req.DueDate.UTC(),
		Interval: gosubs.Interval(req.Interval),
	}
	if err := h.config.Service.TrackItem(r.Context(), item); err != nil {
		h.handleServiceError(w, r, fmt.Errorf("failed to track item: %w", err))
		return
	}
	h.writeJSON(w, http.StatusCreated, item)
}

// RequestDeletion schedules the account for purge after the recovery window
func (h *Handler) RequestDeletion(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	rec, err := h.config.Service.RequestDeletion(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, r, fmt.Errorf("failed to request deletion: %w", err))
		return
	}
	h.writeJSON(w, http.StatusAccepted, rec)
}

// RecoverDeletion cancels a pending account deletion
func (h *Handler) RecoverDeletion(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	rec, err := h.config.Service.RecoverDeletion(r.Context(), userID)
	if errors.Is(err, gosubs.ErrDeletionNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleServiceError(w, r, fmt.Errorf("failed to recover account: %w", err))
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// Health reports 200 when the configured health check passes
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.config.HealthCheck != nil {
		if err := h.config.HealthCheck(r.Context()); err != nil {
			h.config.Logger.Warn("health check failed", gosubs.F("error", err))
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into dst and validates it. On failure the response is already written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			h.handleError(w, r, err, http.StatusBadRequest)
			return false
		}
		details := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Details: details})
		return false
	}
	return true
}

// handleServiceError maps engine errors that are not specific to one endpoint.
func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gosubs.ErrStorageUnavailable), errors.Is(err, gosubs.ErrTransientFailure),
		errors.Is(err, gosubs.ErrEngineClosed):
		h.config.Logger.Warn("request failed", gosubs.F("path", r.URL.Path), gosubs.F("error", err))
		h.handleError(w, r, fmt.Errorf("service temporarily unavailable"), http.StatusServiceUnavailable)
	default:
		h.config.Logger.Error("request failed", gosubs.F("path", r.URL.Path), gosubs.F("error", err))
		h.handleError(w, r, fmt.Errorf("internal error"), http.StatusInternalServerError)
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Debug("failed to write response", gosubs.F("status", status), gosubs.F("error", err))
	}
}
