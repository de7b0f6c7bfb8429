/**
 * @description
 * This file sets up the HTTP router for the settlement-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SettlementRoutes creates and returns a new router for the settlement service.
func SettlementRoutes(h *SettlementHandlers, wh *WebhookHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Webhook endpoint authenticates with its own HMAC signature, not a JWT.
	r.Post("/webhooks/gateway", wh.GatewayWebhookHandler)

	// Operator endpoints; releases and refunds move real money.
	r.Group(func(r chi.Router) {
		r.Use(OperatorAuthMiddleware(jwksURL))

		r.Get("/settlements/{id}", h.GetSettlementHandler)
		r.Post("/settlements/{id}/release", h.ReleaseSettlementHandler)
		r.Post("/settlements/{id}/refund", h.RefundSettlementHandler)
		r.Post("/settlements/{id}/dispute", h.OpenDisputeHandler)
		r.Post("/settlements/{id}/dispute/resolve", h.ResolveDisputeHandler)

		r.Get("/sellers/{id}/settlements", h.ListSellerSettlementsHandler)
		r.Post("/sellers/{id}/payouts", h.BuildPayoutHandler)
		r.Get("/payouts/{id}/items", h.ListPayoutItemsHandler)
	})

	// Service-to-service endpoints guarded by the shared internal key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/internal/exchange-rates", h.IngestExchangeRateHandler)
		r.Post("/internal/orders/{id}/cancel", h.CancelOrderSettlementsHandler)
	})

	return r
}
