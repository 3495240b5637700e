package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mydisha/inveet-next-sub003/internal/coupon"
	"github.com/mydisha/inveet-next-sub003/internal/gateway"
	"github.com/mydisha/inveet-next-sub003/internal/model"
	"github.com/mydisha/inveet-next-sub003/internal/repository"
)

type stubRepo struct {
	pkg    *model.Package
	pkgErr error

	nextID      int64
	orders      map[int64]*model.Order
	createErrs  []error
	createCalls int

	coupons map[int64]*model.Coupon
	usages  map[string]bool

	reconcile []repository.OrderForReconciliation
	touched   []int64
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		orders:  make(map[int64]*model.Order),
		coupons: make(map[int64]*model.Coupon),
		usages:  make(map[string]bool),
	}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetPackage(ctx context.Context, id int64) (*model.Package, error) {
	if s.pkgErr != nil {
		return nil, s.pkgErr
	}
	if s.pkg == nil {
		return nil, repository.ErrPackageNotFound
	}
	return s.pkg, nil
}

func (s *stubRepo) CreateOrder(ctx context.Context, o *model.Order) (int64, error) {
	s.createCalls++
	if len(s.createErrs) > 0 {
		err := s.createErrs[0]
		s.createErrs = s.createErrs[1:]
		if err != nil {
			return 0, err
		}
	}

	s.nextID++
	stored := *o
	stored.ID = s.nextID
	s.orders[stored.ID] = &stored
	return stored.ID, nil
}

func (s *stubRepo) SetOrderPayment(ctx context.Context, orderID int64, paymentURL, externalID string) error {
	o, ok := s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.PaymentURL = paymentURL
	o.ExternalTransactionID = externalID
	return nil
}

func (s *stubRepo) GetOrderByPublicID(ctx context.Context, publicID string) (*model.Order, error) {
	for _, o := range s.orders {
		if o.PublicID == publicID {
			return o, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (s *stubRepo) GetOrderByInvoiceNumber(ctx context.Context, invoiceNumber string) (*model.Order, error) {
	for _, o := range s.orders {
		if o.InvoiceNumber == invoiceNumber {
			return o, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (s *stubRepo) GetOrderByExternalID(ctx context.Context, externalID string) (*model.Order, error) {
	for _, o := range s.orders {
		if o.ExternalTransactionID == externalID {
			return o, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (s *stubRepo) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	var res []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			res = append(res, *o)
		}
	}
	return res, nil
}

func usageKey(couponID, orderID int64) string {
	return fmt.Sprintf("%d:%d", couponID, orderID)
}

func (s *stubRepo) MarkOrderPaid(ctx context.Context, orderID int64, externalTxID string) error {
	o, ok := s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if o.Status == model.OrderStatusPaid {
		return nil
	}
	if o.Status != model.OrderStatusPendingPayment {
		return repository.ErrInvalidTransition
	}

	if o.CouponID != nil && !s.usages[usageKey(*o.CouponID, orderID)] {
		c := s.coupons[*o.CouponID]
		if c != nil && c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
			return repository.ErrCouponExhausted
		}
		if c != nil {
			c.UsageCount++
		}
		s.usages[usageKey(*o.CouponID, orderID)] = true
	}

	now := time.Now()
	o.Status = model.OrderStatusPaid
	o.IsPaid = true
	o.PaidAt = &now
	o.ExternalTransactionID = externalTxID
	return nil
}

func (s *stubRepo) FinishPendingOrder(ctx context.Context, orderID int64, target model.OrderStatus) error {
	o, ok := s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	switch o.Status {
	case model.OrderStatusPendingPayment:
	case model.OrderStatusPaid:
		return repository.ErrOrderAlreadyPaid
	default:
		if o.Status == target {
			return nil
		}
		return repository.ErrInvalidTransition
	}

	o.Status = target
	if target == model.OrderStatusVoided {
		o.IsVoid = true
	}
	if o.CouponID != nil && s.usages[usageKey(*o.CouponID, orderID)] {
		delete(s.usages, usageKey(*o.CouponID, orderID))
		if c := s.coupons[*o.CouponID]; c != nil && c.UsageCount > 0 {
			c.UsageCount--
		}
	}
	return nil
}

func (s *stubRepo) GetOrdersForReconciliation(ctx context.Context, graceCutoff, recheckCutoff time.Time, limit int) ([]repository.OrderForReconciliation, error) {
	return s.reconcile, nil
}

func (s *stubRepo) TouchOrderChecked(ctx context.Context, orderID int64, checkedAt time.Time) error {
	s.touched = append(s.touched, orderID)
	return nil
}

type stubCouponStore struct {
	coupons map[string]*model.Coupon
}

func (s *stubCouponStore) GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	return s.coupons[code], nil
}

func (s *stubCouponStore) CountCouponUsageByUser(ctx context.Context, couponID, userID int64) (int64, error) {
	return 0, nil
}

type stubGateway struct {
	invoice   *gateway.Invoice
	createErr error

	getInvoice  *gateway.Invoice
	getErr      error
	getRetry    time.Duration
	createdReqs []gateway.CreateInvoiceRequest
	queriedIDs  []string
}

func (s *stubGateway) CreateInvoice(ctx context.Context, req gateway.CreateInvoiceRequest) (*gateway.Invoice, error) {
	s.createdReqs = append(s.createdReqs, req)
	if s.createErr != nil {
		return nil, s.createErr
	}
	if s.invoice != nil {
		return s.invoice, nil
	}
	return &gateway.Invoice{ID: "inv-ext-1", ExternalID: req.ExternalID, Status: "PENDING", Amount: req.Amount, InvoiceURL: "https://pay.example/inv-ext-1"}, nil
}

func (s *stubGateway) GetInvoice(ctx context.Context, invoiceID string) (*gateway.Invoice, time.Duration, error) {
	s.queriedIDs = append(s.queriedIDs, invoiceID)
	return s.getInvoice, s.getRetry, s.getErr
}

func testSettings() Settings {
	return Settings{
		InvoiceTTL:          24 * time.Hour,
		UniquePriceMin:      1,
		UniquePriceMax:      999,
		UniquePriceAttempts: 5,
		ReconcileGrace:      5 * time.Minute,
		ReconcileMinRecheck: time.Minute,
		ReconcileBatchSize:  100,
	}
}

func newTestService(repo *stubRepo, gw Gateway, coupons map[string]*model.Coupon) *Service {
	validator := coupon.NewValidator(&stubCouponStore{coupons: coupons})
	return NewService(repo, gw, validator, zap.NewNop(), testSettings())
}

func TestCheckout_ComputesFinalPrice(t *testing.T) {
	repo := newStubRepo()
	repo.pkg = &model.Package{ID: 1, Name: "Premium", Price: 200000, IsActive: true}
	limit := int64(10)
	repo.coupons[7] = &model.Coupon{ID: 7, Code: "WED50", Type: model.CouponTypeFixed, Value: 50000, IsActive: true, UsageLimit: &limit}
	gw := &stubGateway{}

	svc := newTestService(repo, gw, map[string]*model.Coupon{"WED50": repo.coupons[7]})

	order, err := svc.Checkout(context.Background(), 100, CheckoutInput{PackageID: 1, WeddingID: 5, CouponCode: "WED50"})
	if err != nil {
		t.Fatalf("Checkout error: %v", err)
	}

	if order.TotalPrice != 200000 {
		t.Fatalf("total = %d, want 200000", order.TotalPrice)
	}
	if order.DiscountAmount != 50000 {
		t.Fatalf("discount = %d, want 50000", order.DiscountAmount)
	}
	if order.FinalPrice != order.TotalPrice-order.DiscountAmount {
		t.Fatalf("final = %d, violates final = total - discount", order.FinalPrice)
	}
	if order.UniquePrice < 1 || order.UniquePrice > 999 {
		t.Fatalf("unique price %d out of configured range", order.UniquePrice)
	}
	if order.Status != model.OrderStatusPendingPayment {
		t.Fatalf("status = %s, want pending_payment", order.Status)
	}
	if order.PaymentURL == "" {
		t.Fatalf("payment url not set")
	}

	// Купон не должен погашаться при оформлении: только при оплате.
	if len(repo.usages) != 0 {
		t.Fatalf("coupon redeemed at checkout")
	}
	if repo.coupons[7].UsageCount != 0 {
		t.Fatalf("usage count = %d, want 0 before payment", repo.coupons[7].UsageCount)
	}

	// В счёт шлюза уходит итоговая цена с надбавкой.
	if len(gw.createdReqs) != 1 {
		t.Fatalf("gateway invoices created = %d, want 1", len(gw.createdReqs))
	}
	if gw.createdReqs[0].Amount != order.FinalPrice+order.UniquePrice {
		t.Fatalf("invoice amount = %d, want %d", gw.createdReqs[0].Amount, order.FinalPrice+order.UniquePrice)
	}
}

func TestCheckout_UniquePriceCollisionRetried(t *testing.T) {
	repo := newStubRepo()
	repo.pkg = &model.Package{ID: 1, Name: "Basic", Price: 100000, IsActive: true}
	repo.createErrs = []error{repository.ErrUniquePriceTaken}

	svc := newTestService(repo, &stubGateway{}, nil)

	_, err := svc.Checkout(context.Background(), 100, CheckoutInput{PackageID: 1, WeddingID: 5})
	if err != nil {
		t.Fatalf("Checkout error after collision: %v", err)
	}
	if repo.createCalls != 2 {
		t.Fatalf("create calls = %d, want 2", repo.createCalls)
	}
}

func TestCheckout_UniquePriceExhausted(t *testing.T) {
	repo := newStubRepo()
	repo.pkg = &model.Package{ID: 1, Name: "Basic", Price: 100000, IsActive: true}
	for i := 0; i < 5; i++ {
		repo.createErrs = append(repo.createErrs, repository.ErrUniquePriceTaken)
	}

	svc := newTestService(repo, &stubGateway{}, nil)

	_, err := svc.Checkout(context.Background(), 100, CheckoutInput{PackageID: 1, WeddingID: 5})
	if !errors.Is(err, ErrUniquePriceExhausted) {
		t.Fatalf("error = %v, want ErrUniquePriceExhausted", err)
	}
}

func TestCheckout_InactivePackage(t *testing.T) {
	repo := newStubRepo()
	repo.pkg = &model.Package{ID: 1, Name: "Old", Price: 100000, IsActive: false}

	svc := newTestService(repo, &stubGateway{}, nil)

	_, err := svc.Checkout(context.Background(), 100, CheckoutInput{PackageID: 1, WeddingID: 5})
	if !errors.Is(err, ErrPackageInactive) {
		t.Fatalf("error = %v, want ErrPackageInactive", err)
	}
}

func pendingOrder(repo *stubRepo, couponID *int64) *model.Order {
	repo.nextID++
	o := &model.Order{
		ID:                    repo.nextID,
		PublicID:              fmt.Sprintf("pub-%d", repo.nextID),
		UserID:                100,
		InvoiceNumber:         fmt.Sprintf("INV-20260601-%06d", repo.nextID),
		TotalPrice:            200000,
		FinalPrice:            200000,
		CouponID:              couponID,
		Status:                model.OrderStatusPendingPayment,
		ExternalTransactionID: fmt.Sprintf("ext-%d", repo.nextID),
		ExpiredAt:             time.Now().Add(time.Hour),
	}
	if couponID != nil {
		o.DiscountAmount = 50000
		o.FinalPrice = 150000
	}
	repo.orders[o.ID] = o
	return o
}

func TestMarkPaid_Idempotent(t *testing.T) {
	repo := newStubRepo()
	limit := int64(1)
	repo.coupons[7] = &model.Coupon{ID: 7, Code: "WED50", Type: model.CouponTypeFixed, Value: 50000, IsActive: true, UsageLimit: &limit}
	couponID := int64(7)
	o := pendingOrder(repo, &couponID)

	svc := newTestService(repo, &stubGateway{}, nil)

	if err := svc.MarkPaid(context.Background(), o.ID, "tx-1"); err != nil {
		t.Fatalf("first MarkPaid error: %v", err)
	}
	firstPaidAt := *repo.orders[o.ID].PaidAt

	// Повтор с другим идентификатором транзакции — успешный no-op.
	if err := svc.MarkPaid(context.Background(), o.ID, "tx-2"); err != nil {
		t.Fatalf("second MarkPaid error: %v", err)
	}

	if !repo.orders[o.ID].PaidAt.Equal(firstPaidAt) {
		t.Fatalf("paid_at changed on duplicate mark paid")
	}
	if repo.coupons[7].UsageCount != 1 {
		t.Fatalf("usage count = %d, want 1", repo.coupons[7].UsageCount)
	}
	if len(repo.usages) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(repo.usages))
	}
}

func TestCancel_AfterPaidReturnsAlreadyPaid(t *testing.T) {
	repo := newStubRepo()
	o := pendingOrder(repo, nil)

	svc := newTestService(repo, &stubGateway{}, nil)

	if err := svc.MarkPaid(context.Background(), o.ID, "tx-1"); err != nil {
		t.Fatalf("MarkPaid error: %v", err)
	}
	paidAt := *repo.orders[o.ID].PaidAt

	err := svc.Cancel(context.Background(), 100, o.PublicID)
	if !errors.Is(err, repository.ErrOrderAlreadyPaid) {
		t.Fatalf("error = %v, want ErrOrderAlreadyPaid", err)
	}

	if repo.orders[o.ID].Status != model.OrderStatusPaid {
		t.Fatalf("status changed by rejected cancel")
	}
	if !repo.orders[o.ID].PaidAt.Equal(paidAt) {
		t.Fatalf("paid_at changed by rejected cancel")
	}
}

func TestCancel_ReleasesCoupon(t *testing.T) {
	repo := newStubRepo()
	repo.coupons[7] = &model.Coupon{ID: 7, Code: "WED50", Type: model.CouponTypeFixed, Value: 50000, IsActive: true, UsageCount: 1}
	couponID := int64(7)
	o := pendingOrder(repo, &couponID)
	repo.usages[usageKey(7, o.ID)] = true

	svc := newTestService(repo, &stubGateway{}, nil)

	if err := svc.Cancel(context.Background(), 100, o.PublicID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if repo.coupons[7].UsageCount != 0 {
		t.Fatalf("usage count = %d, want 0 after release", repo.coupons[7].UsageCount)
	}
	if len(repo.usages) != 0 {
		t.Fatalf("usage row not released on cancel")
	}
}

func TestCancel_OtherUsersOrderNotFound(t *testing.T) {
	repo := newStubRepo()
	o := pendingOrder(repo, nil)

	svc := newTestService(repo, &stubGateway{}, nil)

	err := svc.Cancel(context.Background(), 999, o.PublicID)
	if !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("error = %v, want ErrOrderNotFound", err)
	}
}

func TestHandleGatewayNotification_Paid(t *testing.T) {
	repo := newStubRepo()
	o := pendingOrder(repo, nil)

	svc := newTestService(repo, &stubGateway{}, nil)

	err := svc.HandleGatewayNotification(context.Background(), &gateway.WebhookPayload{
		ID:            o.ExternalTransactionID,
		ExternalID:    o.InvoiceNumber,
		Status:        "PAID",
		TransactionID: "tx-77",
	})
	if err != nil {
		t.Fatalf("HandleGatewayNotification error: %v", err)
	}

	got := repo.orders[o.ID]
	if got.Status != model.OrderStatusPaid || !got.IsPaid || got.PaidAt == nil {
		t.Fatalf("order not marked paid: %+v", got)
	}
	if got.ExternalTransactionID != "tx-77" {
		t.Fatalf("transaction id = %s, want tx-77", got.ExternalTransactionID)
	}
}

func TestHandleGatewayNotification_FallsBackToInvoiceNumber(t *testing.T) {
	repo := newStubRepo()
	o := pendingOrder(repo, nil)
	o.ExternalTransactionID = ""

	svc := newTestService(repo, &stubGateway{}, nil)

	err := svc.HandleGatewayNotification(context.Background(), &gateway.WebhookPayload{
		ID:         "unknown-gateway-id",
		ExternalID: o.InvoiceNumber,
		Status:     "EXPIRED",
	})
	if err != nil {
		t.Fatalf("HandleGatewayNotification error: %v", err)
	}
	if repo.orders[o.ID].Status != model.OrderStatusExpired {
		t.Fatalf("status = %s, want expired", repo.orders[o.ID].Status)
	}
}

func TestHandleGatewayNotification_UnknownOrder(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, &stubGateway{}, nil)

	err := svc.HandleGatewayNotification(context.Background(), &gateway.WebhookPayload{
		ID:     "no-such-invoice",
		Status: "PAID",
	})
	if !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("error = %v, want ErrOrderNotFound", err)
	}
}

func TestHandleGatewayNotification_ExpiredAfterPaidIgnored(t *testing.T) {
	repo := newStubRepo()
	o := pendingOrder(repo, nil)

	svc := newTestService(repo, &stubGateway{}, nil)

	if err := svc.MarkPaid(context.Background(), o.ID, "tx-1"); err != nil {
		t.Fatalf("MarkPaid error: %v", err)
	}

	// Запоздавший сигнал об истечении не должен трогать оплаченный заказ.
	err := svc.HandleGatewayNotification(context.Background(), &gateway.WebhookPayload{
		ID:     "tx-1",
		Status: "EXPIRED",
	})
	if err != nil {
		t.Fatalf("late expired signal must be ignored, got %v", err)
	}
	if repo.orders[o.ID].Status != model.OrderStatusPaid {
		t.Fatalf("paid order mutated by late expired signal")
	}
}

func TestReconcile_ExpiresStaleOrder(t *testing.T) {
	repo := newStubRepo()
	o := pendingOrder(repo, nil)
	o.ExpiredAt = time.Now().Add(-time.Hour)
	repo.reconcile = []repository.OrderForReconciliation{
		{ID: o.ID, InvoiceNumber: o.InvoiceNumber, ExternalID: o.ExternalTransactionID, ExpiredAt: o.ExpiredAt},
	}

	gw := &stubGateway{}
	svc := newTestService(repo, gw, nil)

	svc.processReconcileBatch(context.Background())

	if repo.orders[o.ID].Status != model.OrderStatusExpired {
		t.Fatalf("status = %s, want expired", repo.orders[o.ID].Status)
	}
	if len(repo.touched) != 1 || repo.touched[0] != o.ID {
		t.Fatalf("last_checked_at not stamped: %v", repo.touched)
	}
	// Просроченный заказ закрывается без обращения к шлюзу.
	if len(gw.queriedIDs) != 0 {
		t.Fatalf("gateway queried for expired order")
	}
}

func TestReconcile_AppliesPaidStatus(t *testing.T) {
	repo := newStubRepo()
	o := pendingOrder(repo, nil)
	repo.reconcile = []repository.OrderForReconciliation{
		{ID: o.ID, InvoiceNumber: o.InvoiceNumber, ExternalID: o.ExternalTransactionID, ExpiredAt: o.ExpiredAt},
	}

	gw := &stubGateway{getInvoice: &gateway.Invoice{ID: o.ExternalTransactionID, Status: "SETTLED"}}
	svc := newTestService(repo, gw, nil)

	svc.processReconcileBatch(context.Background())

	if repo.orders[o.ID].Status != model.OrderStatusPaid {
		t.Fatalf("status = %s, want paid", repo.orders[o.ID].Status)
	}
}

func TestReconcile_PendingStatusSkipped(t *testing.T) {
	repo := newStubRepo()
	o := pendingOrder(repo, nil)
	repo.reconcile = []repository.OrderForReconciliation{
		{ID: o.ID, InvoiceNumber: o.InvoiceNumber, ExternalID: o.ExternalTransactionID, ExpiredAt: o.ExpiredAt},
	}

	gw := &stubGateway{getInvoice: &gateway.Invoice{ID: o.ExternalTransactionID, Status: "PENDING"}}
	svc := newTestService(repo, gw, nil)

	svc.processReconcileBatch(context.Background())

	if repo.orders[o.ID].Status != model.OrderStatusPendingPayment {
		t.Fatalf("pending invoice must not change order, got %s", repo.orders[o.ID].Status)
	}
	if len(repo.touched) != 1 {
		t.Fatalf("last_checked_at must be stamped regardless of outcome")
	}
}

func TestStartReconciliation_NoGateway(t *testing.T) {
	svc := NewService(newStubRepo(), nil, nil, zap.NewNop(), testSettings())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartReconciliation(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartReconciliation did not return without gateway")
	}
}

func TestGenerateInvoiceNumber(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	n := generateInvoiceNumber(now)
	if len(n) != len("INV-20260601-ABCDEF") {
		t.Fatalf("invoice number %q has unexpected length", n)
	}
	if n[:13] != "INV-20260601-" {
		t.Fatalf("invoice number %q has unexpected prefix", n)
	}
}
