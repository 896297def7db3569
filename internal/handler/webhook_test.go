package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mmeshcher/paymart-system/internal/gateway"
	"github.com/mmeshcher/paymart-system/internal/model"
	"github.com/mmeshcher/paymart-system/internal/repository"
	"github.com/mmeshcher/paymart-system/internal/service"
	"github.com/mmeshcher/paymart-system/internal/signature"
	"github.com/mmeshcher/paymart-system/internal/statuscache"
)

func webhookBody(t *testing.T, event string, data gateway.Charge) []byte {
	t.Helper()

	body, err := json.Marshal(webhookEvent{Event: event, Data: data})
	if err != nil {
		t.Fatalf("marshal webhook body: %v", err)
	}
	return body
}

func signedWebhookRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()

	signer := signature.NewVerifier(testWebhookSecret)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, signer.Sign(body))
	return req
}

func successCharge() gateway.Charge {
	return gateway.Charge{
		Reference:       "ref-webhook-1",
		Status:          "success",
		Amount:          50000,
		Currency:        "NGN",
		GatewayResponse: "Successful",
		Customer:        gateway.Customer{Email: "user@example.com"},
		Metadata: gateway.Metadata{
			Service:       "course",
			OrderID:       7,
			CourseID:      3,
			PaymentOption: "deposit_50",
		},
	}
}

func TestWebhook_ChargeSuccess(t *testing.T) {
	svc := &stubService{
		successReceipt: &service.Receipt{OrderID: 7, OrderStatus: model.StatusPartiallyPaid, PaidTotal: 50000},
	}
	h := newTestHandler(t, svc)

	body := webhookBody(t, "charge.success", successCharge())
	rec := httptest.NewRecorder()

	h.Webhook(rec, signedWebhookRequest(t, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.successCalls != 1 {
		t.Fatalf("successCalls = %d, want 1", svc.successCalls)
	}
	if svc.successOption != "deposit_50" {
		t.Fatalf("option = %q, want deposit_50", svc.successOption)
	}
}

func TestWebhook_TamperedSignature(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body := webhookBody(t, "charge.success", successCharge())

	signer := signature.NewVerifier("wrong-secret")
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, signer.Sign(body))

	rec := httptest.NewRecorder()
	h.Webhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if svc.successCalls != 0 || svc.failureCalls != 0 {
		t.Fatalf("service was called on tampered payload")
	}
}

func TestWebhook_MissingSignature(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body := webhookBody(t, "charge.success", successCharge())
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(body))

	rec := httptest.NewRecorder()
	h.Webhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhook_UnknownEventAcknowledged(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body := webhookBody(t, "transfer.success", successCharge())
	rec := httptest.NewRecorder()

	h.Webhook(rec, signedWebhookRequest(t, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.successCalls != 0 || svc.failureCalls != 0 {
		t.Fatalf("service was called for unhandled event")
	}
}

func TestWebhook_MissingMetadata(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	charge := successCharge()
	charge.Metadata = gateway.Metadata{}

	body := webhookBody(t, "charge.success", charge)
	rec := httptest.NewRecorder()

	h.Webhook(rec, signedWebhookRequest(t, body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if svc.successCalls != 0 {
		t.Fatalf("successCalls = %d, want 0", svc.successCalls)
	}
}

func TestWebhook_ChargeFailed(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	charge := successCharge()
	charge.Status = "failed"
	charge.GatewayResponse = "Declined"

	body := webhookBody(t, "charge.failed", charge)
	rec := httptest.NewRecorder()

	h.Webhook(rec, signedWebhookRequest(t, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.failureCalls != 1 {
		t.Fatalf("failureCalls = %d, want 1", svc.failureCalls)
	}
	if svc.successCalls != 0 {
		t.Fatalf("successCalls = %d, want 0", svc.successCalls)
	}
}

func TestWebhook_CatalogNotReady(t *testing.T) {
	svc := &stubService{
		successErr: statuscache.ErrNotReady,
	}
	h := newTestHandler(t, svc)

	body := webhookBody(t, "charge.success", successCharge())
	rec := httptest.NewRecorder()

	h.Webhook(rec, signedWebhookRequest(t, body))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestWebhook_OrderNotFound(t *testing.T) {
	svc := &stubService{
		successErr: repository.ErrOrderNotFound,
	}
	h := newTestHandler(t, svc)

	body := webhookBody(t, "charge.success", successCharge())
	rec := httptest.NewRecorder()

	h.Webhook(rec, signedWebhookRequest(t, body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhook_RentalMetadata(t *testing.T) {
	svc := &stubService{
		successReceipt: &service.Receipt{OrderID: 900, OrderStatus: model.StatusPaid, PaidTotal: 30000},
	}
	h := newTestHandler(t, svc)

	charge := successCharge()
	charge.Metadata = gateway.Metadata{
		Service:   "rental",
		BookingID: 15,
	}

	body := webhookBody(t, "charge.success", charge)
	rec := httptest.NewRecorder()

	h.Webhook(rec, signedWebhookRequest(t, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.successCalls != 1 {
		t.Fatalf("successCalls = %d, want 1", svc.successCalls)
	}
}
