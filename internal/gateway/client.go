// Package gateway предоставляет клиент платёжного шлюза и разбор его вебхуков.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrInvoiceNotFound возвращается, если шлюз не знает счёт с указанным идентификатором.
var ErrInvoiceNotFound = errors.New("invoice not found in gateway")

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// CreateInvoiceRequest описывает запрос на выставление счёта.
type CreateInvoiceRequest struct {
	ExternalID  string `json:"external_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	PayerEmail  string `json:"payer_email,omitempty"`
}

// Invoice описывает счёт, выставленный платёжным шлюзом.
type Invoice struct {
	ID            string `json:"id"`
	ExternalID    string `json:"external_id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	PaidAmount    int64  `json:"paid_amount,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
	InvoiceURL    string `json:"invoice_url"`
}

// NewClient создаёт HTTP-клиент шлюза с ограниченными повторами и экспоненциальной паузой.
func NewClient(baseURL, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil
	// Ответ 429 отдаётся вызывающему: паузой из Retry-After управляет сверка,
	// а не слепые повторы HTTP-клиента.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: rc.StandardClient(),
	}
}

// CreateInvoice выставляет счёт во внешнем шлюзе и возвращает ссылку на оплату.
func (c *Client) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal invoice request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v2/invoices"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var inv Invoice
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &inv, nil
}

// GetInvoice запрашивает текущий статус счёта по его идентификатору в шлюзе.
// Второй результат — пауза из заголовка Retry-After при ответе 429.
func (c *Client) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, fmt.Errorf("gateway client not configured")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/v2/invoices/"+invoiceID), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, 0, ErrInvoiceNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var inv Invoice
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}

	return &inv, 0, nil
}

func (c *Client) endpoint(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base + path
}
