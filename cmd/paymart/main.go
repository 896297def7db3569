// Package main запускает HTTP-сервер сервиса paymart.
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

	"github.com/mmeshcher/paymart-system/internal/config"
	"github.com/mmeshcher/paymart-system/internal/gateway"
	"github.com/mmeshcher/paymart-system/internal/handler"
	"github.com/mmeshcher/paymart-system/internal/middleware"
	"github.com/mmeshcher/paymart-system/internal/notify"
	"github.com/mmeshcher/paymart-system/internal/pricing"
	"github.com/mmeshcher/paymart-system/internal/repository"
	"github.com/mmeshcher/paymart-system/internal/service"
	"github.com/mmeshcher/paymart-system/internal/signature"
	"github.com/mmeshcher/paymart-system/internal/statuscache"
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

	gatewayClient := gateway.NewClient(cfg.GatewayAddress, cfg.GatewaySecretKey)
	catalog := statuscache.NewCatalog(repo)
	pricer := pricing.NewCalculator(repo)

	mailClient := notify.NewMailClient(cfg.MailRelayAddress)
	notifier := notify.NewDispatcher(repo, mailClient, logger)

	svc := service.NewService(repo, gatewayClient, pricer, catalog, notifier, logger, cfg.ReminderInterval)
	defer svc.Close()

	verifier := signature.NewVerifier(cfg.WebhookSecret)
	authMiddleware := middleware.NewAuthMiddleware(cfg.SessionSecret)
	h := handler.NewHandler(svc, verifier, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового процесса напоминаний о неоплаченных заказах
	g.Go(func() error {
		svc.StartReminderWorker(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting paymart server", "addr", cfg.RunAddress)
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
