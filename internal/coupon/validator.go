// Package coupon реализует проверку применимости купонов и расчёт скидки.
package coupon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mydisha/inveet-next-sub003/internal/model"
	"github.com/mydisha/inveet-next-sub003/internal/validation"
)

// ErrCouponNotFound возвращается, если купон с указанным кодом не существует.
var (
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrCouponInactive возвращается для выключенного купона или купона вне окна действия.
	ErrCouponInactive = errors.New("coupon inactive or outside validity window")
	// ErrPackageNotEligible возвращается, если купон не применим к выбранному пакету.
	ErrPackageNotEligible = errors.New("coupon not applicable to package")
	// ErrUserNotEligible возвращается, если купон не применим к пользователю.
	ErrUserNotEligible = errors.New("coupon not applicable to user")
	// ErrBelowMinimumAmount возвращается, если сумма заказа меньше минимальной для купона.
	ErrBelowMinimumAmount = errors.New("order amount below coupon minimum")
	// ErrUsageLimitReached возвращается при исчерпании общего лимита применений купона.
	ErrUsageLimitReached = errors.New("coupon usage limit reached")
	// ErrUserLimitReached возвращается при исчерпании лимита применений купона пользователем.
	ErrUserLimitReached = errors.New("coupon user limit reached")
)

// Store описывает доступ к данным купонов, необходимый валидатору.
type Store interface {
	GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error)
	CountCouponUsageByUser(ctx context.Context, couponID, userID int64) (int64, error)
}

// Validator проверяет применимость купона к заказу и считает размер скидки.
// Валидация не имеет побочных эффектов: счётчик применений изменяет только
// транзакция погашения в хранилище.
type Validator struct {
	store Store
}

// NewValidator создаёт валидатор купонов поверх указанного хранилища.
func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// Validate проверяет купон для пользователя, пакета и суммы заказа на момент now.
// Проверки выполняются по порядку, первая неуспешная прерывает остальные.
func (v *Validator) Validate(ctx context.Context, code string, userID, packageID, orderAmount int64, now time.Time) (*model.Coupon, int64, error) {
	normalized := validation.NormalizeCouponCode(code)

	c, err := v.store.GetCouponByCode(ctx, normalized)
	if err != nil {
		return nil, 0, err
	}
	if c == nil {
		return nil, 0, ErrCouponNotFound
	}

	if !c.IsActive {
		return nil, 0, ErrCouponInactive
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return nil, 0, ErrCouponInactive
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return nil, 0, ErrCouponInactive
	}

	if c.ApplicablePackages != nil && !containsID(c.ApplicablePackages, packageID) {
		return nil, 0, ErrPackageNotEligible
	}

	if c.ApplicableUsers != nil && !containsID(c.ApplicableUsers, userID) {
		return nil, 0, ErrUserNotEligible
	}

	if c.MinimumAmount != nil && orderAmount < *c.MinimumAmount {
		return nil, 0, ErrBelowMinimumAmount
	}

	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return nil, 0, ErrUsageLimitReached
	}

	if c.UserLimit != nil {
		used, err := v.store.CountCouponUsageByUser(ctx, c.ID, userID)
		if err != nil {
			return nil, 0, fmt.Errorf("count coupon usage: %w", err)
		}
		if used >= *c.UserLimit {
			return nil, 0, ErrUserLimitReached
		}
	}

	return c, Discount(c, orderAmount), nil
}

// Discount считает размер скидки купона для указанной суммы заказа.
// Вся арифметика целочисленная, в минорных единицах валюты.
func Discount(c *model.Coupon, orderAmount int64) int64 {
	var discount int64

	switch c.Type {
	case model.CouponTypePercentage:
		discount = orderAmount * c.Value / 100
		if c.MaximumDiscount != nil && discount > *c.MaximumDiscount {
			discount = *c.MaximumDiscount
		}
	case model.CouponTypeFixed:
		discount = c.Value
	}

	if discount > orderAmount {
		discount = orderAmount
	}
	if discount < 0 {
		discount = 0
	}

	return discount
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
