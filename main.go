package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	appinventory "github.com/shopfabric/fulfillment/internal/application/inventory"
	apporder "github.com/shopfabric/fulfillment/internal/application/order"
	appoutbox "github.com/shopfabric/fulfillment/internal/application/outbox"
	"github.com/shopfabric/fulfillment/internal/bus"
	"github.com/shopfabric/fulfillment/internal/infrastructure/deadletter"
	"github.com/shopfabric/fulfillment/internal/infrastructure/membus"
	"github.com/shopfabric/fulfillment/internal/infrastructure/memory"
	"github.com/shopfabric/fulfillment/internal/infrastructure/rabbit"
	"github.com/shopfabric/fulfillment/internal/pkg/config"
	"github.com/shopfabric/fulfillment/internal/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.MustNewLogger(cfg.ServiceName, cfg.Env)
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dead bus.DeadLetterSink
	if cfg.RedisAddr != "" {
		store := deadletter.NewRedis(cfg.RedisAddr, logger)
		defer func() { _ = store.Close() }()
		dead = store
	} else {
		dead = deadletter.NewMemory()
		logger.Warn("dead_letter_store_in_memory")
	}

	var eventBus bus.Bus
	if cfg.AMQPURL != "" {
		// The broker connection is process-wide state; an unreachable
		// broker after the configured attempts is fatal.
		rb, err := rabbit.Dial(ctx, rabbit.Config{
			URL:             cfg.AMQPURL,
			ConnectAttempts: cfg.ConnectAttempts,
			ConnectBackoff:  cfg.ConnectBackoff,
		}, logger, dead)
		if err != nil {
			logger.Fatal("broker_unreachable", zap.Error(err))
		}
		defer func() { _ = rb.Close() }()
		eventBus = rb
	} else {
		mb := membus.New(logger, dead)
		defer mb.Close()
		eventBus = mb
		logger.Warn("event_bus_in_memory")
	}

	orderRepo := memory.NewOrderRepository()
	stockRepo := memory.NewStockRepository()
	sagaStore := memory.NewSagaStore()
	outboxStore := memory.NewOutboxStore()
	compLog := memory.NewCompensationLog()

	dispatcher := appoutbox.NewDispatcher(outboxStore, eventBus, cfg.OutboxPollInterval, cfg.OutboxBatchSize, logger)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	inventoryService := appinventory.NewService(stockRepo, compLog, outboxStore, cfg.ServiceName, logger)
	orderService := apporder.NewService(orderRepo, sagaStore, outboxStore, cfg.ServiceName, logger)

	// Finish any rollback a previous run left behind.
	inventoryService.Resume(ctx)

	inventoryWorker := appinventory.NewWorker(eventBus, inventoryService, cfg.MaxRetries, logger)
	orderWorker := apporder.NewWorker(eventBus, orderService, cfg.MaxRetries, logger)

	if err := inventoryWorker.Start(); err != nil {
		logger.Fatal("inventory_worker_start_failed", zap.Error(err))
	}
	if err := orderWorker.Start(); err != nil {
		logger.Fatal("order_worker_start_failed", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: mux,
	}

	go func() {
		logger.Info("metrics_server_start", zap.String("addr", server.Addr))
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics_server_shutdown_error", zap.Error(err))
	} else {
		logger.Info("metrics_server_stopped")
	}
}
