// Package notify отправляет уведомления и письма после фиксации платежа.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Message — письмо для почтового релея.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// MailClient инкапсулирует HTTP-взаимодействие с почтовым релеем.
type MailClient struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewMailClient создаёт клиент почтового релея по указанному адресу.
func NewMailClient(baseURL string) *MailClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &MailClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// Send отправляет письмо через релей.
func (c *MailClient) Send(ctx context.Context, msg Message) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("mail client not configured")
	}
	return c.post(ctx, c.baseURL+"/send", msg)
}

// Subscribe добавляет адрес в список рассылки группы.
func (c *MailClient) Subscribe(ctx context.Context, email, group string) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("mail client not configured")
	}

	payload := struct {
		Email string `json:"email"`
	}{Email: email}

	return c.post(ctx, fmt.Sprintf("%s/lists/%s/members", c.baseURL, group), payload)
}

func (c *MailClient) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
