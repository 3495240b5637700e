package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
)

// Event описывает внутреннее событие, в которое транслируется статус шлюза.
type Event string

const (
	EventPaid    Event = "paid"
	EventFailed  Event = "failed"
	EventExpired Event = "expired"
)

// ErrBadToken возвращается при несовпадении токена вебхука.
var (
	ErrBadToken = errors.New("webhook token mismatch")
	// ErrUnknownStatus возвращается для статуса шлюза, не имеющего внутреннего события.
	ErrUnknownStatus = errors.New("unknown gateway status")
)

// WebhookPayload описывает тело уведомления платёжного шлюза.
type WebhookPayload struct {
	ID            string `json:"id"`
	ExternalID    string `json:"external_id"`
	Status        string `json:"status"`
	PaidAmount    int64  `json:"paid_amount"`
	PaymentMethod string `json:"payment_method"`
	TransactionID string `json:"transaction_id"`
}

// VerifyToken сравнивает токен из заголовка вебхука с ожидаемым.
// Сравнение выполняется за постоянное время, чтобы исключить утечку по таймингу.
func VerifyToken(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// ParseWebhook проверяет подлинность уведомления и разбирает его тело.
// Поля тела не читаются до успешной проверки токена.
func ParseWebhook(body []byte, token, expectedToken string) (*WebhookPayload, error) {
	if !VerifyToken(token, expectedToken) {
		return nil, ErrBadToken
	}

	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	if p.ID == "" && p.ExternalID == "" {
		return nil, fmt.Errorf("webhook payload has no invoice reference")
	}

	return &p, nil
}

// MapStatus переводит статус счёта в шлюзе во внутреннее событие.
func MapStatus(status string) (Event, error) {
	switch status {
	case "PAID", "SETTLED":
		return EventPaid, nil
	case "EXPIRED":
		return EventExpired, nil
	case "FAILED", "STOPPED":
		return EventFailed, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownStatus, status)
	}
}
