package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vendora/settlement-service/internal/app"
)

const testSecret = "whsec_test_secret"

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signStructured(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "t=" + timestamp + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

// unknownEventService never reaches a repository: unrecognized event types
// are acknowledged before any data access.
func unknownEventService() *app.Service {
	return app.NewService(nil, nil, nil, nil, app.Params{})
}

func postWebhook(h *WebhookHandlers, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Gateway-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.GatewayWebhookHandler(rec, req)
	return rec
}

func TestGatewayWebhook_MissingSignatureRejected(t *testing.T) {
	h := NewWebhookHandlers(unknownEventService(), testSecret)
	rec := postWebhook(h, `{"id":"evt_1","event_type":"invoice.finalized","data":{"object":{}}}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGatewayWebhook_WrongSignatureRejected(t *testing.T) {
	h := NewWebhookHandlers(unknownEventService(), testSecret)
	body := `{"id":"evt_1","event_type":"invoice.finalized","data":{"object":{}}}`
	rec := postWebhook(h, body, signBody("some-other-secret", []byte(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGatewayWebhook_TamperedBodyRejected(t *testing.T) {
	h := NewWebhookHandlers(unknownEventService(), testSecret)
	original := `{"id":"evt_1","event_type":"invoice.finalized","data":{"object":{}}}`
	signature := signBody(testSecret, []byte(original))
	tampered := strings.Replace(original, "evt_1", "evt_2", 1)
	rec := postWebhook(h, tampered, signature)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGatewayWebhook_ValidSignatureUnknownTypeAcknowledged(t *testing.T) {
	h := NewWebhookHandlers(unknownEventService(), testSecret)
	body := `{"id":"evt_1","event_type":"invoice.finalized","data":{"object":{}}}`
	rec := postWebhook(h, body, signBody(testSecret, []byte(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 ack for unhandled type, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unhandled") {
		t.Fatalf("expected unhandled outcome in response, got %s", rec.Body.String())
	}
}

func TestGatewayWebhook_StructuredSignatureAccepted(t *testing.T) {
	h := NewWebhookHandlers(unknownEventService(), testSecret)
	body := `{"id":"evt_2","event_type":"invoice.finalized","data":{"object":{}}}`
	rec := postWebhook(h, body, signStructured(testSecret, "1735689600", []byte(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for structured signature, got %d", rec.Code)
	}
}

func TestGatewayWebhook_MalformedVerifiedPayloadIsBadRequest(t *testing.T) {
	h := NewWebhookHandlers(unknownEventService(), testSecret)
	body := `{"id":"evt_3"}` // valid JSON, no event_type
	rec := postWebhook(h, body, signBody(testSecret, []byte(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGatewayWebhook_NoSecretConfigured(t *testing.T) {
	h := NewWebhookHandlers(unknownEventService(), "")
	body := `{"id":"evt_4","event_type":"invoice.finalized","data":{"object":{}}}`
	rec := postWebhook(h, body, signBody("", []byte(body)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when unconfigured, got %d", rec.Code)
	}
}

func TestVerifyGatewaySignature_Base64Digest(t *testing.T) {
	body := []byte(`{"id":"evt_5"}`)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !VerifyGatewaySignature(testSecret, signature, body) {
		t.Fatal("base64-encoded digest must verify")
	}
	if VerifyGatewaySignature(testSecret, signature, []byte(`{"id":"evt_6"}`)) {
		t.Fatal("digest must not verify a different body")
	}
}

func TestVerifyGatewaySignature_StructuredMissingParts(t *testing.T) {
	body := []byte(`{}`)
	if VerifyGatewaySignature(testSecret, "t=123", body) {
		t.Fatal("structured header without v1 must fail")
	}
	if VerifyGatewaySignature(testSecret, "v1=deadbeef", body) {
		t.Fatal("structured header without t must fail")
	}
	if VerifyGatewaySignature(testSecret, "", body) {
		t.Fatal("empty header must fail")
	}
}
