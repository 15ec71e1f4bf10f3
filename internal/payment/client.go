// Package payment предоставляет клиент платёжного шлюза QRIS.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrTransient оборачивает ошибки, после которых запрос стоит повторить.
var ErrTransient = errors.New("payment gateway temporarily unavailable")

// Status описывает статус платежа в шлюзе.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
	StatusFailed  Status = "FAILED"
)

// Code описывает выпущенный платёжный код.
type Code struct {
	// QR содержит строку QRIS, которую нужно отрисовать пользователю.
	QR        string
	Reference string
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент для обращения к шлюзу по указанному адресу.
func NewClient(baseURL, apiKey string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: base,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type createRequest struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

type createResponse struct {
	QRString  string `json:"qr_string"`
	Reference string `json:"reference"`
}

type statusResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// CreatePaymentCode выпускает QRIS-код на сумму amount.
func (c *Client) CreatePaymentCode(ctx context.Context, orderID string, amount int64) (Code, error) {
	if c == nil || c.baseURL == "" {
		return Code{}, fmt.Errorf("payment client not configured")
	}
	if amount <= 0 {
		return Code{}, fmt.Errorf("invalid amount %d", amount)
	}

	body, err := json.Marshal(createRequest{OrderID: orderID, Amount: amount})
	if err != nil {
		return Code{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/qris", bytes.NewReader(body))
	if err != nil {
		return Code{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var res createResponse
	if err := c.do(req, &res); err != nil {
		return Code{}, err
	}
	if res.QRString == "" || res.Reference == "" {
		return Code{}, fmt.Errorf("incomplete payment code in response")
	}

	return Code{QR: res.QRString, Reference: res.Reference}, nil
}

// CheckStatus запрашивает статус платежа по ссылке шлюза.
// Сетевые ошибки, 429 и 5xx оборачиваются в ErrTransient.
func (c *Client) CheckStatus(ctx context.Context, reference string) (Status, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("payment client not configured")
	}

	u := fmt.Sprintf("%s/api/qris/%s", c.baseURL, url.PathEscape(reference))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	var res statusResponse
	if err := c.do(req, &res); err != nil {
		return "", err
	}

	return normalizeStatus(res.Status), nil
}

func normalizeStatus(s string) Status {
	switch strings.ToUpper(s) {
	case "PAID", "SUCCESS", "SETTLEMENT", "COMPLETED":
		return StatusPaid
	case "FAILED", "EXPIRED", "CANCELLED", "CANCELED", "DENY":
		return StatusFailed
	default:
		return StatusPending
	}
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: do request: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
