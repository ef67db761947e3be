/**
 * @description
 * This file sets up the HTTP router for the settlement service. Webhooks are
 * authenticated by their own signatures, the /v1 API by bearer tokens, and
 * /internal by the shared internal key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for browser clients of the /v1 API.
 * - github.com/prometheus/client_golang: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the middleware the router wires in.
type RouterConfig struct {
	Auth           func(http.Handler) http.Handler
	Internal       func(http.Handler) http.Handler
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers the settlement service routes.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/jobs", h.HandleJobWebhook)
		r.Post("/payments", h.HandlePaymentWebhook)
	})

	r.Route("/v1", func(r chi.Router) {
		origins := cfg.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"https://*", "http://*"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		if cfg.Auth != nil {
			r.Use(cfg.Auth)
		}

		r.Get("/account", h.GetAccountHandler)
		r.Get("/account/ledger", h.ListLedgerHandler)

		r.Post("/orders", h.CreateOrderHandler)
		r.Get("/orders/{orderID}", h.GetOrderHandler)
		r.Post("/orders/{orderID}/cancel", h.CancelOrderHandler)
		r.Post("/orders/{orderID}/dispatch", h.RetryDispatchHandler)

		r.Post("/payments", h.CreatePaymentHandler)
		r.Get("/payments/{paymentID}", h.GetPaymentHandler)
	})

	r.Route("/internal", func(r chi.Router) {
		if cfg.Internal != nil {
			r.Use(cfg.Internal)
		}
		r.Post("/reconcile", h.ReconcileHandler)
	})

	return r
}
