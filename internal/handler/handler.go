// Package handler содержит HTTP-обработчики API сервиса заказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mydisha/inveet-next-sub003/internal/coupon"
	"github.com/mydisha/inveet-next-sub003/internal/gateway"
	"github.com/mydisha/inveet-next-sub003/internal/middleware"
	"github.com/mydisha/inveet-next-sub003/internal/model"
	"github.com/mydisha/inveet-next-sub003/internal/repository"
	"github.com/mydisha/inveet-next-sub003/internal/service"
)

const webhookTokenHeader = "X-Callback-Token"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Checkout(ctx context.Context, userID int64, in service.CheckoutInput) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetOrderForUser(ctx context.Context, userID int64, publicID string) (*model.Order, error)
	Cancel(ctx context.Context, userID int64, publicID string) error
	PreviewCoupon(ctx context.Context, userID, packageID int64, code string) (total, discount, final int64, err error)
	HandleGatewayNotification(ctx context.Context, p *gateway.WebhookPayload) error
	AdminMarkPaid(ctx context.Context, publicID, externalTxID string) error
	AdminMarkVoid(ctx context.Context, publicID string) error
}

// Handler реализует HTTP-обработчики API сервиса заказов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	webhookToken   string
	adminToken     string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, webhookToken, adminToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		webhookToken:   webhookToken,
		adminToken:     adminToken,
	}
}

type checkoutRequest struct {
	PackageID  int64  `json:"package_id"`
	WeddingID  int64  `json:"wedding_id"`
	CouponCode string `json:"coupon_code,omitempty"`
}

type orderResponse struct {
	OrderID        string  `json:"order_id"`
	InvoiceNumber  string  `json:"invoice_number"`
	Status         string  `json:"status"`
	TotalPrice     int64   `json:"total_price"`
	DiscountAmount int64   `json:"discount_amount"`
	FinalPrice     int64   `json:"final_price"`
	UniquePrice    int64   `json:"unique_price"`
	PaymentURL     string  `json:"payment_url,omitempty"`
	ExpiredAt      string  `json:"expired_at"`
	PaidAt         *string `json:"paid_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		OrderID:        o.PublicID,
		InvoiceNumber:  o.InvoiceNumber,
		Status:         string(o.Status),
		TotalPrice:     o.TotalPrice,
		DiscountAmount: o.DiscountAmount,
		FinalPrice:     o.FinalPrice,
		UniquePrice:    o.UniquePrice,
		PaymentURL:     o.PaymentURL,
		ExpiredAt:      o.ExpiredAt.Format(time.RFC3339),
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
	}
	if o.PaidAt != nil {
		v := o.PaidAt.Format(time.RFC3339)
		resp.PaidAt = &v
	}
	return resp
}

// couponErrorMessage переводит ошибку валидации купона в сообщение для пользователя.
// Ошибки валидации возвращаются как есть; прочие — обобщённым сообщением.
func couponErrorMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, coupon.ErrCouponNotFound):
		return "coupon not found", true
	case errors.Is(err, coupon.ErrCouponInactive):
		return "coupon expired or inactive", true
	case errors.Is(err, coupon.ErrPackageNotEligible):
		return "coupon not applicable to this package", true
	case errors.Is(err, coupon.ErrUserNotEligible):
		return "coupon not applicable to this account", true
	case errors.Is(err, coupon.ErrBelowMinimumAmount):
		return "order amount below coupon minimum", true
	case errors.Is(err, coupon.ErrUsageLimitReached):
		return "coupon usage limit reached", true
	case errors.Is(err, coupon.ErrUserLimitReached):
		return "coupon already used the maximum number of times", true
	}
	return "", false
}

// Checkout оформляет заказ для текущего пользователя.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.PackageID <= 0 || req.WeddingID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.Checkout(r.Context(), userID, service.CheckoutInput{
		PackageID:  req.PackageID,
		WeddingID:  req.WeddingID,
		CouponCode: req.CouponCode,
	})
	if err != nil {
		if msg, ok := couponErrorMessage(err); ok {
			http.Error(w, msg, http.StatusUnprocessableEntity)
			return
		}
		if errors.Is(err, service.ErrPackageInactive) {
			http.Error(w, "package is not available", http.StatusUnprocessableEntity)
			return
		}
		if errors.Is(err, repository.ErrPackageNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		if errors.Is(err, repository.ErrCouponExhausted) {
			http.Error(w, "coupon no longer available", http.StatusConflict)
			return
		}
		h.logger.Error("checkout error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, "payment service unavailable, try again", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toOrderResponse(order)); err != nil {
		h.logger.Error("encode checkout response", zap.Error(err))
	}
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetOrder возвращает заказ текущего пользователя по публичному идентификатору.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	publicID := chi.URLParam(r, "orderID")

	order, err := h.service.GetOrderForUser(r.Context(), userID, publicID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.String("orderID", publicID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toOrderResponse(order)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// CancelOrder отменяет ожидающий оплаты заказ текущего пользователя.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	publicID := chi.URLParam(r, "orderID")

	err := h.service.Cancel(r.Context(), userID, publicID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrOrderAlreadyPaid):
			http.Error(w, "order already paid", http.StatusConflict)
		case errors.Is(err, repository.ErrInvalidTransition):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("cancel order error", zap.Error(err), zap.String("orderID", publicID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type couponPreviewRequest struct {
	PackageID  int64  `json:"package_id"`
	CouponCode string `json:"coupon_code"`
}

type couponPreviewResponse struct {
	TotalPrice     int64 `json:"total_price"`
	DiscountAmount int64 `json:"discount_amount"`
	FinalPrice     int64 `json:"final_price"`
}

// PreviewCoupon проверяет купон без погашения, для предпросмотра скидки в UI.
func (h *Handler) PreviewCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req couponPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.PackageID <= 0 || req.CouponCode == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	total, discount, final, err := h.service.PreviewCoupon(r.Context(), userID, req.PackageID, req.CouponCode)
	if err != nil {
		if msg, ok := couponErrorMessage(err); ok {
			http.Error(w, msg, http.StatusUnprocessableEntity)
			return
		}
		if errors.Is(err, repository.ErrPackageNotFound) || errors.Is(err, service.ErrPackageInactive) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("preview coupon error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(couponPreviewResponse{
		TotalPrice:     total,
		DiscountAmount: discount,
		FinalPrice:     final,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// Webhook принимает уведомления платёжного шлюза.
// Неподтверждённый токен — отказ без изменения состояния; неизвестный заказ
// подтверждается без обработки, чтобы шлюз не повторял доставку бесконечно.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	payload, err := gateway.ParseWebhook(body, r.Header.Get(webhookTokenHeader), h.webhookToken)
	if err != nil {
		if errors.Is(err, gateway.ErrBadToken) {
			h.logger.Warn("webhook token mismatch",
				zap.String("remoteAddr", r.RemoteAddr),
			)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.logger.Warn("malformed webhook payload", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = h.service.HandleGatewayNotification(r.Context(), payload)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			h.logger.Warn("webhook for unknown order",
				zap.String("invoiceID", payload.ID),
				zap.String("externalID", payload.ExternalID),
			)
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, gateway.ErrUnknownStatus):
			h.logger.Warn("webhook with unknown status",
				zap.String("status", payload.Status),
			)
			w.WriteHeader(http.StatusOK)
		default:
			h.logger.Error("webhook processing error", zap.Error(err))
			// 5xx заставит шлюз повторить доставку; обработка идемпотентна.
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type adminMarkPaidRequest struct {
	TransactionID string `json:"transaction_id"`
}

// AdminMarkPaid переводит заказ в paid по команде бэкофиса.
func (h *Handler) AdminMarkPaid(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "orderID")

	var req adminMarkPaidRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.TransactionID == "" {
		req.TransactionID = "manual"
	}

	err := h.service.AdminMarkPaid(r.Context(), publicID, req.TransactionID)
	if err != nil {
		h.writeAdminTransitionError(w, err, publicID)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// AdminMarkVoid аннулирует заказ по команде бэкофиса.
func (h *Handler) AdminMarkVoid(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "orderID")

	err := h.service.AdminMarkVoid(r.Context(), publicID)
	if err != nil {
		h.writeAdminTransitionError(w, err, publicID)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeAdminTransitionError(w http.ResponseWriter, err error, publicID string) {
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrOrderAlreadyPaid), errors.Is(err, repository.ErrInvalidTransition):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, repository.ErrCouponExhausted):
		http.Error(w, "coupon no longer available", http.StatusConflict)
	default:
		h.logger.Error("admin transition error", zap.Error(err), zap.String("orderID", publicID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
