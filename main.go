package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bracketBot/config"
	"bracketBot/internal/adapters/httpapi"
	"bracketBot/internal/app"
	"bracketBot/internal/bootstrap"
	"bracketBot/internal/metrics"
	"bracketBot/internal/oracle"
	"bracketBot/internal/risk"
	"bracketBot/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := bootstrap.NewLogger(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Open ledger and open-trade persistence
	storage, err := bootstrap.OpenStorage(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize storage")
		log.Fatalf("FATAL: Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := storage.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing storage")
		}
	}()

	// 4. Restore open trades from the last run
	openTrades := store.NewOpenTrades(storage.Persist, appLogger)
	restored, err := openTrades.Restore(ctx, storage.Ledger)
	if err != nil {
		appLogger.Error(ctx, err, "Failed to restore open trades, starting empty")
	} else {
		appLogger.Info(ctx, "Open trades restored", map[string]interface{}{"count": restored})
	}

	// 5. Exchange, price oracle, risk policy and metrics
	exchange, err := bootstrap.NewExchange(cfg, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize exchange client")
		log.Fatalf("FATAL: Failed to initialize exchange client: %v", err)
	}
	appLogger.Info(ctx, "Exchange client initialized", map[string]interface{}{
		"exchange": exchange.Name(), "testnet": cfg.IsTestnet,
	})

	priceOracle := oracle.New(exchange, cfg.HTTPTimeout, appLogger)
	riskManager := risk.NewRiskManager(risk.RiskConfig{
		MaxStopLossDistance:   cfg.MaxStopLossDistance,
		MaxTakeProfitDistance: cfg.MaxTakeProfitDistance,
		FallbackTakeProfit:    cfg.FallbackTakeProfit,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.New(registry)

	// 6. Notifications
	notifications := bootstrap.NewNotifications(ctx, cfg, appLogger, appMetrics)

	// 7. Application service and reconciler
	deps := app.Dependencies{
		Logger:   appLogger,
		Exchange: exchange,
		Oracle:   priceOracle,
		Risk:     riskManager,
		Ledger:   storage.Ledger,
		Store:    openTrades,
		Notifier: notifications.Notifier,
		Metrics:  appMetrics,
	}
	tradingService, err := app.NewTradingService(cfg, deps)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	reconciler, err := app.NewReconciler(cfg, deps)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize reconciler")
		log.Fatalf("FATAL: Failed to initialize reconciler: %v", err)
	}

	reconcileCtx, stopReconciler := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.Run(reconcileCtx)
	}()

	// 8. HTTP API
	api, err := httpapi.New(httpapi.Config{
		Password:   cfg.WebhookPassword,
		Service:    tradingService,
		OpenTrades: openTrades,
		Ledger:     storage.Ledger,
		Documents:  notifications.Documents,
		Gatherer:   registry,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize HTTP API")
		log.Fatalf("FATAL: Failed to initialize HTTP API: %v", err)
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info(ctx, "HTTP server listening", map[string]interface{}{"addr": cfg.HTTPAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 9. Run until signalled, then shut down in reverse order
	select {
	case <-ctx.Done():
		appLogger.Info(context.Background(), "Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			appLogger.Error(context.Background(), err, "HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	api.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, err, "HTTP server shutdown incomplete")
	}
	stopReconciler()
	wg.Wait()
	if err := notifications.Close(shutdownCtx); err != nil {
		appLogger.Warn(shutdownCtx, "Pending notifications dropped", map[string]interface{}{"error": err.Error()})
	}

	appLogger.Info(context.Background(), "Application finished gracefully.", map[string]interface{}{
		"open_trades": openTrades.Len(),
	})
}
