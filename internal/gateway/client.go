// Package gateway предоставляет клиент внешнего платёжного шлюза.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrTransactionNotFound возвращается, если шлюз не знает указанную транзакцию.
var ErrTransactionNotFound = errors.New("transaction not found")

// Metadata — поля, которые наша система прикладывает к каждому списанию
// при инициализации оплаты и получает обратно в подтверждении.
type Metadata struct {
	Service            string `json:"service"`
	OrderID            int64  `json:"orderId"`
	CourseID           int64  `json:"courseId,omitempty"`
	OfferID            int64  `json:"offerId,omitempty"`
	BookingID          int64  `json:"bookingId,omitempty"`
	PaymentOption      string `json:"payment_option,omitempty"`
	DiscountApplied    int    `json:"discount_applied,omitempty"`
	OriginalAmountKobo int64  `json:"original_amount_kobo,omitempty"`
	WalletUsedKobo     int64  `json:"wallet_used_kobo,omitempty"`
}

// Charge описывает подтверждённую шлюзом транзакцию.
type Charge struct {
	Reference       string   `json:"reference"`
	Status          string   `json:"status"`
	Amount          int64    `json:"amount"`
	Currency        string   `json:"currency"`
	GatewayResponse string   `json:"gateway_response"`
	PaidAt          string   `json:"paid_at"`
	Customer        Customer `json:"customer"`
	Metadata        Metadata `json:"metadata"`
}

// Customer — данные плательщика в ответе шлюза.
type Customer struct {
	Email string `json:"email"`
}

type verifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    Charge `json:"data"`
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент шлюза с серверным секретным ключом.
func NewClient(baseURL, secretKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: rc,
	}
}

// VerifyTransaction запрашивает у шлюза состояние транзакции по её референсу.
// Сумма и статус берутся только из этого ответа, данные клиента не используются.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*Charge, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	url := fmt.Sprintf("%s/transaction/verify/%s", base, reference)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, reference)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if !result.Status {
		return nil, fmt.Errorf("gateway rejected verification: %s", result.Message)
	}

	return &result.Data, nil
}
