/**
 * @description
 * This file sets up the HTTP router for the cardstack-service: owner routes behind
 * Clerk authentication and execution routes behind the internal API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: router and standard middleware.
 * - github.com/go-chi/cors: CORS for the mobile and web clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the authentication settings of the router.
type RouterConfig struct {
	Clerk          ClerkAuthConfig
	InternalAPIKey string
}

// CardStackRoutes creates and returns a new router for the cardstack service.
func CardStackRoutes(h *CardStackHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(150 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", internalAPIKeyHeader, idempotencyKeyHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/executions/recurring-buy", h.ExecuteRecurringBuyHandler)
		r.Post("/executions/subscription-payment", h.ExecuteSubscriptionPaymentHandler)
		r.Post("/executions/limit-order", h.ExecuteLimitOrderHandler)
		r.Post("/reconcile", h.ReconcileHandler)
		r.Get("/attempts/{id}", h.GetAttemptResultHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(cfg.Clerk))

		r.Post("/card-stacks", h.CreateCardStackHandler)
		r.Get("/card-stacks", h.ListCardStacksHandler)
		r.Route("/card-stacks/{id}", func(r chi.Router) {
			r.Get("/", h.GetCardStackHandler)
			r.Delete("/", h.DeleteCardStackHandler)
			r.Put("/permission", h.AttachPermissionHandler)
			r.Put("/budget", h.UpdateBudgetHandler)
			r.Post("/revoke", h.RevokeCardStackHandler)
			r.Get("/attempts", h.ListAttemptsHandler)

			r.Post("/sub-cards", h.CreateSubCardHandler)
			r.Get("/sub-cards", h.ListSubCardsHandler)
			r.Delete("/sub-cards/{subID}", h.DeleteSubCardHandler)
			r.Post("/sub-cards/{subID}/pause", h.PauseSubCardHandler)
			r.Post("/sub-cards/{subID}/resume", h.ResumeSubCardHandler)
			r.Post("/sub-cards/{subID}/skip-next", h.SkipNextExecutionHandler)
		})
	})

	return r
}
