package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Router returns the full HTTP surface: provider webhooks, the v1 collaborator API and /healthz.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/healthz", h.Health)

	for _, p := range h.config.Providers {
		r.Method(http.MethodPost, "/webhooks/"+p.Name(), p.WebhookHandler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/subscription", h.GetSubscription)
		r.Post("/receipts", h.SubmitReceipt)
		r.Get("/past-due", h.GetPastDue)
		r.Post("/past-due/{itemID}/confirm", h.ConfirmPastDue)
		r.Post("/items", h.TrackItem)
		r.Post("/account/deletion", h.RequestDeletion)
		r.Delete("/account/deletion", h.RecoverDeletion)
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.config.Logger.Debug("http request",
			gosubs.F("method", r.Method),
			gosubs.F("path", r.URL.Path),
			gosubs.F("status", ww.Status()),
			gosubs.F("duration_ms", time.Since(start).Milliseconds()),
			gosubs.F("request_id", middleware.GetReqID(r.Context())))
	})
}
