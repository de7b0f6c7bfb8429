/**
 * @description
 * The gateway webhook endpoint. Every inbound event is HMAC-verified before a
 * single byte of it influences state; a bad or missing signature is rejected
 * with no side effects. Verified payloads are parsed once into typed events
 * and handed to the reconciliation engine, whose outcome decides the response:
 * applied, duplicate, and unhandled events are all acknowledged with 200 so
 * the gateway stops redelivering, while transient failures return 500 to
 * request redelivery.
 */

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/vendora/settlement-service/internal/app"
	"github.com/vendora/settlement-service/internal/domain"
)

const maxWebhookBodyBytes = 1 << 20 // 1 MiB

// WebhookHandlers holds the dependencies for the webhook endpoint.
type WebhookHandlers struct {
	service *app.Service
	secret  string
}

// NewWebhookHandlers creates webhook handlers with the shared signing secret.
func NewWebhookHandlers(service *app.Service, secret string) *WebhookHandlers {
	return &WebhookHandlers{service: service, secret: secret}
}

// GatewayWebhookHandler receives gateway events on POST /webhooks/gateway.
func (h *WebhookHandlers) GatewayWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		log.Printf("level=error component=webhook msg=\"webhook secret not configured; rejecting delivery\"")
		http.Error(w, "webhook endpoint not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Gateway-Signature")
	if !VerifyGatewaySignature(h.secret, signature, body) {
		log.Printf("level=warn component=webhook msg=\"rejected delivery with invalid signature\" remote=%s", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event, err := domain.ParseGatewayEvent(body)
	if err != nil {
		// Authenticated but malformed. Acknowledging would lose the event;
		// rejecting forever would wedge the gateway's retry queue. 400 lets
		// the gateway's dead-letter handling take over.
		log.Printf("level=warn component=webhook msg=\"failed to parse verified event\" err=%v", err)
		http.Error(w, "unparsable event payload", http.StatusBadRequest)
		return
	}

	outcome, err := h.service.ApplyGatewayEvent(r.Context(), event)
	if err != nil {
		log.Printf("level=error component=webhook msg=\"reconciliation failed; requesting redelivery\" event_id=%s event_type=%s err=%v", event.ID, event.Type, err)
		http.Error(w, "event processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"received": "true",
		"outcome":  string(outcome),
	})
}

// VerifyGatewaySignature checks the X-Gateway-Signature header against the
// HMAC-SHA256 of the raw body. Two header shapes are accepted: the structured
// "t=<unix>,v1=<hex>" form, where the MAC covers "<unix>.<body>", and a bare
// hex or base64 digest of the body alone. Comparison is constant time.
func VerifyGatewaySignature(secret, header string, body []byte) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}

	if strings.Contains(header, "v1=") {
		var timestamp, provided string
		for _, part := range strings.Split(header, ",") {
			part = strings.TrimSpace(part)
			switch {
			case strings.HasPrefix(part, "t="):
				timestamp = strings.TrimPrefix(part, "t=")
			case strings.HasPrefix(part, "v1="):
				provided = strings.TrimPrefix(part, "v1=")
			}
		}
		if timestamp == "" || provided == "" {
			return false
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(timestamp))
		mac.Write([]byte("."))
		mac.Write(body)
		return hmacEqualHex(mac.Sum(nil), provided)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	if hmacEqualHex(expected, header) {
		return true
	}
	if decoded, err := base64.StdEncoding.DecodeString(header); err == nil {
		return hmac.Equal(expected, decoded)
	}
	return false
}

func hmacEqualHex(expected []byte, providedHex string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(providedHex))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}
