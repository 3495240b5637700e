package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mydisha/inveet-next-sub003/internal/gateway"
)

// StartReconciliation запускает фоновую сверку статусов ожидающих оплаты заказов
// с платёжным шлюзом. Сверка подстраховывает доставку вебхуков: потерянное
// уведомление будет восстановлено опросом, просроченный заказ — закрыт.
func (s *Service) StartReconciliation(ctx context.Context) {
	if s.gw == nil {
		return
	}

	interval := s.settings.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processReconcileBatch(ctx)
			}
		}
	}()
}

func (s *Service) processReconcileBatch(ctx context.Context) {
	now := s.now()
	graceCutoff := now.Add(-s.settings.ReconcileGrace)
	recheckCutoff := now.Add(-s.settings.ReconcileMinRecheck)

	batch := s.settings.ReconcileBatchSize
	if batch <= 0 {
		batch = 100
	}

	orders, err := s.repo.GetOrdersForReconciliation(ctx, graceCutoff, recheckCutoff, batch)
	if err != nil {
		s.logger.Error("reconcile: select orders", zap.Error(err))
		return
	}

	for _, o := range orders {
		// Отметка сверки ставится независимо от исхода: она ограничивает
		// частоту повторного опроса заказа и видна мониторингу.
		if err := s.repo.TouchOrderChecked(ctx, o.ID, now); err != nil {
			s.logger.Error("reconcile: touch order", zap.Int64("orderID", o.ID), zap.Error(err))
		}

		if now.After(o.ExpiredAt) {
			if err := s.Expire(ctx, o.ID); err != nil {
				s.logger.Warn("reconcile: expire order", zap.Int64("orderID", o.ID), zap.Error(err))
			}
			continue
		}

		// Счёт мог не выставиться при оформлении; такому заказу нечего сверять,
		// его закроет проверка expired_at выше.
		if o.ExternalID == "" {
			continue
		}

		inv, retryAfter, err := s.gw.GetInvoice(ctx, o.ExternalID)
		if err != nil {
			s.logger.Warn("reconcile: query gateway",
				zap.Int64("orderID", o.ID),
				zap.String("invoice", o.InvoiceNumber),
				zap.Error(err),
			)
			continue
		}

		if inv == nil {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if inv.Status == "PENDING" {
			continue
		}

		ev, err := gateway.MapStatus(inv.Status)
		if err != nil {
			s.logger.Warn("reconcile: unknown gateway status",
				zap.Int64("orderID", o.ID),
				zap.String("status", inv.Status),
			)
			continue
		}

		if err := s.applyEvent(ctx, o.ID, ev, inv.ID); err != nil {
			s.logger.Error("reconcile: apply event",
				zap.Int64("orderID", o.ID),
				zap.String("event", string(ev)),
				zap.Error(err),
			)
		}
	}
}
