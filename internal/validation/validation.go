// Package validation содержит проверки входных данных подсистемы заказов.
package validation

import "strings"

// NormalizeCouponCode приводит код купона к каноническому виду:
// обрезает пробелы и переводит в верхний регистр.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidCouponCode проверяет, что код купона состоит из допустимых символов
// и имеет разумную длину.
func IsValidCouponCode(code string) bool {
	if len(code) < 3 || len(code) > 32 {
		return false
	}
	for _, r := range code {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// IsValidInvoiceNumber проверяет формат номера счёта INV-YYYYMMDD-XXXXXX.
func IsValidInvoiceNumber(number string) bool {
	parts := strings.Split(number, "-")
	if len(parts) != 3 {
		return false
	}
	if parts[0] != "INV" {
		return false
	}
	if len(parts[1]) != 8 || !isDigits(parts[1]) {
		return false
	}
	if len(parts[2]) != 6 {
		return false
	}
	for _, r := range parts[2] {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
