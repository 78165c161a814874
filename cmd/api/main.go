package main

import (
	"context"
	"errors"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wenwu/saas-platform/panel-order-service/internal/client"
	"github.com/wenwu/saas-platform/panel-order-service/internal/clock"
	"github.com/wenwu/saas-platform/panel-order-service/internal/config"
	"github.com/wenwu/saas-platform/panel-order-service/internal/db"
	"github.com/wenwu/saas-platform/panel-order-service/internal/http"
	"github.com/wenwu/saas-platform/panel-order-service/internal/repository"
	"github.com/wenwu/saas-platform/panel-order-service/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("panel order service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	logger.Info("starting panel order service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	database, err := db.New(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.EnsureSchema(ctx); err != nil {
		return err
	}

	// Initialize repositories
	orderRepo := repository.NewOrderRepository(database.Pool)
	catalogRepo := repository.NewCatalogRepository(database.Pool)
	logRepo := repository.NewLogRepository(database.Pool)

	clk := clock.Real()

	// Initialize clients
	panelClient := client.NewPanelClient(client.PanelClientOptions{
		Timeout:   cfg.Panel.RequestTimeout,
		VerifyTLS: cfg.Panel.VerifyTLS,
		Clock:     clk,
		Logger:    logger,
	})

	var notifier service.Notifier
	if cfg.Notifier.URL != "" {
		notifier = client.NewNotifyClient(cfg.Notifier.URL, cfg.InternalSecret, cfg.Notifier.Timeout, logger)
	}

	// Initialize services
	provisioning := service.NewProvisioningService(panelClient, catalogRepo, logRepo, clk, logger)
	orders := service.NewOrderService(orderRepo, catalogRepo, provisioning, logRepo, notifier, clk, cfg.Sweeper.ClaimTTL, logger)
	sweeper := service.NewExpirySweeper(orders, orderRepo, clk, service.SweeperConfig{
		Interval:    cfg.Sweeper.Interval,
		Concurrency: cfg.Sweeper.Concurrency,
		BatchSize:   cfg.Sweeper.BatchSize,
		ClaimTTL:    cfg.Sweeper.ClaimTTL,
	}, logger)

	var wg sync.WaitGroup
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	if cfg.Sweeper.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Run(sweepCtx)
		}()
	}

	// Initialize HTTP server
	handler := http.NewHandler(orders, sweeper, catalogRepo, logger)
	browser := http.NewOrderBrowser(database.Pool, database.Schema, logger)
	server := http.NewServer(cfg, handler, browser, clk, logger)

	srv := &nethttp.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stopSweeper()
			wg.Wait()
			return err
		}
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Orders claimed by an in-flight sweep finish before exit
	stopSweeper()
	wg.Wait()

	logger.Info("server exited")
	return nil
}
