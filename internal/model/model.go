// Package model содержит доменные сущности подсистемы заказов и купонов.
package model

import "time"

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusExpired        OrderStatus = "expired"
	OrderStatusVoided         OrderStatus = "voided"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// IsTerminal сообщает, является ли статус терминальным: из него нет переходов.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusPaid, OrderStatusExpired, OrderStatusVoided, OrderStatusCancelled:
		return true
	}
	return false
}

// Order описывает заказ на публикацию приглашения и состояние его оплаты.
// Все денежные поля хранятся в минорных единицах валюты.
type Order struct {
	ID                    int64
	PublicID              string
	UserID                int64
	PackageID             int64
	WeddingID             int64
	InvoiceNumber         string
	TotalPrice            int64
	DiscountAmount        int64
	FinalPrice            int64
	UniquePrice           int64
	CouponID              *int64
	PaymentType           string
	Status                OrderStatus
	IsPaid                bool
	PaidAt                *time.Time
	IsVoid                bool
	VoidAt                *time.Time
	ExpiredAt             time.Time
	LastCheckedAt         *time.Time
	PaymentURL            string
	ExternalTransactionID string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// CouponType определяет способ расчёта скидки.
type CouponType string

const (
	CouponTypePercentage CouponType = "percentage"
	CouponTypeFixed      CouponType = "fixed"
)

// Coupon описывает промокод и правила его применимости.
type Coupon struct {
	ID                 int64
	Code               string
	Type               CouponType
	Value              int64
	MinimumAmount      *int64
	MaximumDiscount    *int64
	UsageLimit         *int64
	UsageCount         int64
	UserLimit          *int64
	StartsAt           *time.Time
	ExpiresAt          *time.Time
	IsActive           bool
	ApplicablePackages []int64
	ApplicableUsers    []int64
}

// CouponUsage фиксирует факт применения купона к заказу.
// Существование записи — единственный источник истины о списании лимита.
type CouponUsage struct {
	ID             int64
	CouponID       int64
	UserID         int64
	OrderID        int64
	DiscountAmount int64
	OrderAmount    int64
	UsedAt         time.Time
}

// Package описывает тарифный пакет приглашения.
type Package struct {
	ID       int64
	Name     string
	Price    int64
	IsActive bool
}
