package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifyTransaction_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/transaction/verify/ref-123" {
			t.Fatalf("path = %s, want /transaction/verify/ref-123", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_secret" {
			t.Fatalf("authorization = %q", got)
		}

		resp := verifyResponse{
			Status:  true,
			Message: "Verification successful",
			Data: Charge{
				Reference:       "ref-123",
				Status:          "success",
				Amount:          66500,
				Currency:        "NGN",
				GatewayResponse: "Successful",
				Customer:        Customer{Email: "buyer@example.com"},
				Metadata: Metadata{
					Service:       "custom-offer",
					OrderID:       11,
					OfferID:       7,
					PaymentOption: "deposit_70_discount",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "sk_test_secret")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	charge, err := client.VerifyTransaction(ctx, "ref-123")
	if err != nil {
		t.Fatalf("VerifyTransaction error: %v", err)
	}
	if charge.Amount != 66500 || charge.Status != "success" {
		t.Fatalf("unexpected charge: %+v", charge)
	}
	if charge.Metadata.OrderID != 11 || charge.Metadata.Service != "custom-offer" {
		t.Fatalf("unexpected metadata: %+v", charge.Metadata)
	}
}

func TestVerifyTransaction_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "sk_test_secret")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.VerifyTransaction(ctx, "missing")
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("err = %v, want ErrTransactionNotFound", err)
	}
}

func TestVerifyTransaction_GatewayRejects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":false,"message":"Invalid key"}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "sk_bad")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.VerifyTransaction(ctx, "ref-123")
	if err == nil {
		t.Fatalf("expected error for status=false response")
	}
}

func TestVerifyTransaction_NotConfigured(t *testing.T) {
	client := NewClient("", "sk")

	_, err := client.VerifyTransaction(context.Background(), "ref")
	if err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}
