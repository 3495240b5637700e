package gateway

import (
	"errors"
	"testing"
)

func TestVerifyToken(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
		ok   bool
	}{
		{name: "match", got: "secret", want: "secret", ok: true},
		{name: "mismatch", got: "wrong", want: "secret", ok: false},
		{name: "empty header", got: "", want: "secret", ok: false},
		// Пустой настроенный токен означает, что вебхук выключен.
		{name: "empty expected", got: "", want: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyToken(tt.got, tt.want); got != tt.ok {
				t.Fatalf("VerifyToken = %v, want %v", got, tt.ok)
			}
		})
	}
}

func TestParseWebhook(t *testing.T) {
	body := []byte(`{"id":"gw-1","external_id":"INV-20260601-AB12CD","status":"PAID","paid_amount":150347,"transaction_id":"tx-9"}`)

	p, err := ParseWebhook(body, "secret", "secret")
	if err != nil {
		t.Fatalf("ParseWebhook error: %v", err)
	}
	if p.ID != "gw-1" || p.ExternalID != "INV-20260601-AB12CD" || p.Status != "PAID" {
		t.Fatalf("payload = %+v", p)
	}
	if p.TransactionID != "tx-9" || p.PaidAmount != 150347 {
		t.Fatalf("payload = %+v", p)
	}
}

func TestParseWebhook_BadToken(t *testing.T) {
	_, err := ParseWebhook([]byte(`{"id":"gw-1","status":"PAID"}`), "wrong", "secret")
	if !errors.Is(err, ErrBadToken) {
		t.Fatalf("error = %v, want ErrBadToken", err)
	}
}

func TestParseWebhook_MalformedBody(t *testing.T) {
	_, err := ParseWebhook([]byte(`{not json`), "secret", "secret")
	if err == nil {
		t.Fatalf("expected error for malformed body")
	}
}

func TestParseWebhook_NoInvoiceReference(t *testing.T) {
	_, err := ParseWebhook([]byte(`{"status":"PAID"}`), "secret", "secret")
	if err == nil {
		t.Fatalf("expected error for payload without invoice reference")
	}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		status string
		want   Event
	}{
		{status: "PAID", want: EventPaid},
		{status: "SETTLED", want: EventPaid},
		{status: "EXPIRED", want: EventExpired},
		{status: "FAILED", want: EventFailed},
		{status: "STOPPED", want: EventFailed},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			got, err := MapStatus(tt.status)
			if err != nil {
				t.Fatalf("MapStatus(%s) error: %v", tt.status, err)
			}
			if got != tt.want {
				t.Fatalf("MapStatus(%s) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestMapStatus_Unknown(t *testing.T) {
	_, err := MapStatus("REFUNDED")
	if !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("error = %v, want ErrUnknownStatus", err)
	}
}
