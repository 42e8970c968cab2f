// Package main запускает HTTP-сервер сервиса printapic.
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

	"github.com/mmeshcher/printapic-backend/internal/config"
	"github.com/mmeshcher/printapic-backend/internal/handler"
	"github.com/mmeshcher/printapic-backend/internal/middleware"
	"github.com/mmeshcher/printapic-backend/internal/provider"
	"github.com/mmeshcher/printapic-backend/internal/repository"
	"github.com/mmeshcher/printapic-backend/internal/service"
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

	var editProvider service.EditProvider
	if cfg.ProviderAddress != "" && cfg.ProviderKey != "" {
		editProvider = provider.NewClient(cfg.ProviderAddress, cfg.ProviderKey)
	} else {
		sugar.Warn("edit provider not configured, submitted edits will stay pending")
	}

	svc := service.NewService(repo, editProvider, logger, cfg.EditWorkers)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновых воркеров обработки редактирований
	g.Go(func() error {
		svc.StartEditWorkers(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting printapic server", "addr", cfg.RunAddress, "workers", cfg.EditWorkers)
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
