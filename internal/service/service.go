// Package service реализует бизнес-логику жизненного цикла заказов.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mydisha/inveet-next-sub003/internal/coupon"
	"github.com/mydisha/inveet-next-sub003/internal/gateway"
	"github.com/mydisha/inveet-next-sub003/internal/model"
	"github.com/mydisha/inveet-next-sub003/internal/repository"
)

// ErrPackageInactive возвращается при оформлении заказа на отключённый пакет.
var (
	ErrPackageInactive = errors.New("package is not active")
	// ErrUniquePriceExhausted возвращается, если не удалось подобрать свободную
	// надбавку к сумме за отведённое число попыток.
	ErrUniquePriceExhausted = errors.New("unique price offsets exhausted")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetPackage(ctx context.Context, id int64) (*model.Package, error)
	CreateOrder(ctx context.Context, o *model.Order) (int64, error)
	SetOrderPayment(ctx context.Context, orderID int64, paymentURL, externalID string) error
	GetOrderByPublicID(ctx context.Context, publicID string) (*model.Order, error)
	GetOrderByInvoiceNumber(ctx context.Context, invoiceNumber string) (*model.Order, error)
	GetOrderByExternalID(ctx context.Context, externalID string) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	MarkOrderPaid(ctx context.Context, orderID int64, externalTxID string) error
	FinishPendingOrder(ctx context.Context, orderID int64, target model.OrderStatus) error
	GetOrdersForReconciliation(ctx context.Context, graceCutoff, recheckCutoff time.Time, limit int) ([]repository.OrderForReconciliation, error)
	TouchOrderChecked(ctx context.Context, orderID int64, checkedAt time.Time) error
}

// Gateway описывает контракт платёжного шлюза, используемый сервисом.
type Gateway interface {
	CreateInvoice(ctx context.Context, req gateway.CreateInvoiceRequest) (*gateway.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (*gateway.Invoice, time.Duration, error)
}

// Settings содержит настраиваемые параметры жизненного цикла заказов.
type Settings struct {
	InvoiceTTL          time.Duration
	UniquePriceMin      int64
	UniquePriceMax      int64
	UniquePriceAttempts int

	ReconcileInterval   time.Duration
	ReconcileGrace      time.Duration
	ReconcileMinRecheck time.Duration
	ReconcileBatchSize  int
}

// Service содержит бизнес-логику жизненного цикла заказов.
type Service struct {
	repo      Repository
	gw        Gateway
	validator *coupon.Validator
	logger    *zap.Logger
	settings  Settings

	now func() time.Time
}

// NewService создаёт сервис заказов с указанными зависимостями.
func NewService(repo Repository, gw Gateway, validator *coupon.Validator, logger *zap.Logger, settings Settings) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		gw:        gw,
		validator: validator,
		logger:    logger,
		settings:  settings,
		now:       time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CheckoutInput описывает запрос на оформление заказа.
type CheckoutInput struct {
	PackageID  int64
	WeddingID  int64
	CouponCode string
}

// Checkout оформляет заказ: проверяет пакет и купон, фиксирует цену со скидкой,
// подбирает свободную надбавку к сумме и выставляет счёт в платёжном шлюзе.
// Купон на этом шаге не погашается: неоплаченный заказ не расходует лимит.
func (s *Service) Checkout(ctx context.Context, userID int64, in CheckoutInput) (*model.Order, error) {
	if s.gw == nil {
		return nil, errors.New("payment gateway not configured")
	}

	pkg, err := s.repo.GetPackage(ctx, in.PackageID)
	if err != nil {
		return nil, err
	}
	if !pkg.IsActive {
		return nil, ErrPackageInactive
	}

	now := s.now()
	totalPrice := pkg.Price

	var (
		couponID *int64
		discount int64
	)
	if in.CouponCode != "" {
		c, d, err := s.validator.Validate(ctx, in.CouponCode, userID, in.PackageID, totalPrice, now)
		if err != nil {
			return nil, err
		}
		couponID = &c.ID
		discount = d
	}

	finalPrice := totalPrice - discount
	if finalPrice < 0 {
		return nil, fmt.Errorf("final price below zero: %d", finalPrice)
	}

	order, err := s.createWithUniquePrice(ctx, &model.Order{
		UserID:         userID,
		PackageID:      in.PackageID,
		WeddingID:      in.WeddingID,
		TotalPrice:     totalPrice,
		DiscountAmount: discount,
		FinalPrice:     finalPrice,
		CouponID:       couponID,
		Status:         model.OrderStatusPendingPayment,
		ExpiredAt:      now.Add(s.settings.InvoiceTTL),
		CreatedAt:      now,
	})
	if err != nil {
		return nil, err
	}

	inv, err := s.gw.CreateInvoice(ctx, gateway.CreateInvoiceRequest{
		ExternalID:  order.InvoiceNumber,
		Amount:      order.FinalPrice + order.UniquePrice,
		Description: fmt.Sprintf("Invitation package %q", pkg.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway invoice: %w", err)
	}

	if err := s.repo.SetOrderPayment(ctx, order.ID, inv.InvoiceURL, inv.ID); err != nil {
		return nil, err
	}
	order.PaymentURL = inv.InvoiceURL
	order.ExternalTransactionID = inv.ID

	return order, nil
}

// createWithUniquePrice сохраняет заказ, повторяя попытки с новым номером счёта
// и новой случайной надбавкой при коллизиях, пока не исчерпает лимит попыток.
func (s *Service) createWithUniquePrice(ctx context.Context, o *model.Order) (*model.Order, error) {
	attempts := s.settings.UniquePriceAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		o.PublicID = uuid.NewString()
		o.InvoiceNumber = generateInvoiceNumber(o.CreatedAt)
		offset, err := randomInRange(s.settings.UniquePriceMin, s.settings.UniquePriceMax)
		if err != nil {
			return nil, err
		}
		o.UniquePrice = offset

		id, err := s.repo.CreateOrder(ctx, o)
		if err != nil {
			if errors.Is(err, repository.ErrUniquePriceTaken) || errors.Is(err, repository.ErrInvoiceNumberTaken) {
				continue
			}
			return nil, err
		}

		o.ID = id
		return o, nil
	}

	return nil, ErrUniquePriceExhausted
}

func generateInvoiceNumber(now time.Time) string {
	suffix := make([]byte, 3)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("INV-%s-%s", now.Format("20060102"), strings.ToUpper(hex.EncodeToString(suffix)))
}

func randomInRange(min, max int64) (int64, error) {
	if max <= min {
		return min, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max-min+1))
	if err != nil {
		return 0, fmt.Errorf("random offset: %w", err)
	}
	return min + n.Int64(), nil
}

// GetOrderForUser возвращает заказ по публичному идентификатору, проверяя владельца.
// Чужой заказ неотличим от несуществующего.
func (s *Service) GetOrderForUser(ctx context.Context, userID int64, publicID string) (*model.Order, error) {
	o, err := s.repo.GetOrderByPublicID(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

// GetOrdersByUser возвращает список заказов пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// PreviewCoupon проверяет купон для пакета без погашения и возвращает
// исходную цену, размер скидки и итоговую цену.
func (s *Service) PreviewCoupon(ctx context.Context, userID, packageID int64, code string) (total, discount, final int64, err error) {
	pkg, err := s.repo.GetPackage(ctx, packageID)
	if err != nil {
		return 0, 0, 0, err
	}
	if !pkg.IsActive {
		return 0, 0, 0, ErrPackageInactive
	}

	_, discount, err = s.validator.Validate(ctx, code, userID, packageID, pkg.Price, s.now())
	if err != nil {
		return 0, 0, 0, err
	}

	return pkg.Price, discount, pkg.Price - discount, nil
}

// MarkPaid переводит заказ в paid и погашает привязанный купон.
// Повторный вызов для оплаченного заказа идемпотентен: дубликат вебхука
// не создаёт второго погашения и не меняет paid_at.
func (s *Service) MarkPaid(ctx context.Context, orderID int64, externalTxID string) error {
	err := s.repo.MarkOrderPaid(ctx, orderID, externalTxID)
	if errors.Is(err, repository.ErrCouponExhausted) {
		// Лимит купона выбран между оформлением и оплатой. Одна повторная
		// попытка на случай отката конкурирующего погашения.
		err = s.repo.MarkOrderPaid(ctx, orderID, externalTxID)
	}
	return err
}

// MarkVoid аннулирует ожидающий оплаты заказ и возвращает купон в оборот.
func (s *Service) MarkVoid(ctx context.Context, orderID int64) error {
	return s.repo.FinishPendingOrder(ctx, orderID, model.OrderStatusVoided)
}

// Cancel отменяет ожидающий оплаты заказ по инициативе пользователя.
// Если оплата успела пройти, возвращается ErrOrderAlreadyPaid.
func (s *Service) Cancel(ctx context.Context, userID int64, publicID string) error {
	o, err := s.GetOrderForUser(ctx, userID, publicID)
	if err != nil {
		return err
	}
	return s.repo.FinishPendingOrder(ctx, o.ID, model.OrderStatusCancelled)
}

// Expire переводит просроченный неоплаченный заказ в expired.
func (s *Service) Expire(ctx context.Context, orderID int64) error {
	return s.repo.FinishPendingOrder(ctx, orderID, model.OrderStatusExpired)
}

// AdminMarkPaid переводит заказ в paid по команде доверенного внутреннего
// вызова, минуя проверку подписи шлюза.
func (s *Service) AdminMarkPaid(ctx context.Context, publicID, externalTxID string) error {
	o, err := s.repo.GetOrderByPublicID(ctx, publicID)
	if err != nil {
		return err
	}
	return s.MarkPaid(ctx, o.ID, externalTxID)
}

// AdminMarkVoid аннулирует заказ по команде доверенного внутреннего вызова.
func (s *Service) AdminMarkVoid(ctx context.Context, publicID string) error {
	o, err := s.repo.GetOrderByPublicID(ctx, publicID)
	if err != nil {
		return err
	}
	return s.MarkVoid(ctx, o.ID)
}

// HandleGatewayNotification применяет уведомление шлюза к заказу.
// Заказ ищется по идентификатору счёта в шлюзе, затем по номеру счёта;
// совпадение только точное. Для ненайденного заказа выполняется одна
// отложенная повторная попытка на случай гонки с оформлением.
func (s *Service) HandleGatewayNotification(ctx context.Context, p *gateway.WebhookPayload) error {
	order, err := s.findOrderForPayload(ctx, p)
	if errors.Is(err, repository.ErrOrderNotFound) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		order, err = s.findOrderForPayload(ctx, p)
	}
	if err != nil {
		return err
	}

	ev, err := gateway.MapStatus(p.Status)
	if err != nil {
		return err
	}

	txID := p.TransactionID
	if txID == "" {
		txID = p.ID
	}

	return s.applyEvent(ctx, order.ID, ev, txID)
}

func (s *Service) findOrderForPayload(ctx context.Context, p *gateway.WebhookPayload) (*model.Order, error) {
	if p.ID != "" {
		o, err := s.repo.GetOrderByExternalID(ctx, p.ID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, repository.ErrOrderNotFound) {
			return nil, err
		}
	}
	if p.ExternalID != "" {
		return s.repo.GetOrderByInvoiceNumber(ctx, p.ExternalID)
	}
	return nil, repository.ErrOrderNotFound
}

// applyEvent — единственный путь, которым сигналы шлюза меняют состояние заказа.
// Его разделяют обработчик вебхуков и фоновая сверка, поэтому их гонка на одном
// заказе коммутативна: повторный сигнал об оплате ничего не меняет.
func (s *Service) applyEvent(ctx context.Context, orderID int64, ev gateway.Event, txID string) error {
	var err error
	switch ev {
	case gateway.EventPaid:
		err = s.MarkPaid(ctx, orderID, txID)
	case gateway.EventExpired:
		err = s.Expire(ctx, orderID)
	case gateway.EventFailed:
		err = s.MarkVoid(ctx, orderID)
	default:
		return fmt.Errorf("unhandled gateway event: %s", ev)
	}

	// Оплата, успевшая раньше сигнала об истечении или сбое, выигрывает:
	// терминальное состояние не трогаем.
	if errors.Is(err, repository.ErrOrderAlreadyPaid) || errors.Is(err, repository.ErrInvalidTransition) {
		s.logger.Warn("gateway event ignored for terminal order",
			zap.Int64("orderID", orderID),
			zap.String("event", string(ev)),
			zap.Error(err),
		)
		return nil
	}

	return err
}
