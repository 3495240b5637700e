// Package main запускает HTTP-сервер подсистемы заказов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mydisha/inveet-next-sub003/internal/config"
	"github.com/mydisha/inveet-next-sub003/internal/coupon"
	"github.com/mydisha/inveet-next-sub003/internal/gateway"
	"github.com/mydisha/inveet-next-sub003/internal/handler"
	"github.com/mydisha/inveet-next-sub003/internal/middleware"
	"github.com/mydisha/inveet-next-sub003/internal/repository"
	"github.com/mydisha/inveet-next-sub003/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var gatewayClient service.Gateway
	if cfg.GatewayAddress != "" {
		gatewayClient = gateway.NewClient(cfg.GatewayAddress, cfg.GatewayAPIKey)
	}

	validator := coupon.NewValidator(repo)

	svc := service.NewService(repo, gatewayClient, validator, logger, service.Settings{
		InvoiceTTL:          cfg.InvoiceTTL,
		UniquePriceMin:      cfg.UniquePriceMin,
		UniquePriceMax:      cfg.UniquePriceMax,
		UniquePriceAttempts: cfg.UniquePriceAttempts,
		ReconcileInterval:   cfg.ReconcileInterval,
		ReconcileGrace:      cfg.ReconcileGrace,
		ReconcileMinRecheck: cfg.ReconcileMinRecheck,
		ReconcileBatchSize:  cfg.ReconcileBatchSize,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.GatewayWebhookToken, cfg.AdminAPIToken)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой сверки статусов с платёжным шлюзом
	g.Go(func() error {
		svc.StartReconciliation(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting order server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
