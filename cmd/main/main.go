package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradiny/tradiny/src/coalesce"
	"github.com/tradiny/tradiny/src/config"
	"github.com/tradiny/tradiny/src/dispatch"
	"github.com/tradiny/tradiny/src/fetcher"
	"github.com/tradiny/tradiny/src/indicator"
	"github.com/tradiny/tradiny/src/interfaces"
	"github.com/tradiny/tradiny/src/logger"
	"github.com/tradiny/tradiny/src/provider"
	"github.com/tradiny/tradiny/src/registry"
	"github.com/tradiny/tradiny/src/server"
	"github.com/tradiny/tradiny/src/store"
)

// -----------------------------------------------------------------------------

func main() {

	// Parse command line flags
	configPath := flag.String("config", "../../config/default.yaml", "path to config file")
	flag.Parse()

	// Load config from YAML file
	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	appLogger := logger.NewLogger(cfg.LogLevel, cfg.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Series cache
	idle := time.Duration(cfg.Cache.ReleaseAfterMinutes) * time.Minute

	var seriesStore interfaces.SeriesStore
	switch cfg.Cache.Backend {
	case "redis":
		seriesStore, err = store.NewSharedStore(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, idle, appLogger.Named("store"))
		if err != nil {
			appLogger.Critical("Failed to init redis store: %v", err)
			os.Exit(1)
		}
	default:
		seriesStore = store.NewLocalStore(idle, appLogger.Named("store"))
	}

	// 2. Shared components
	reg := registry.NewRegistry(appLogger.Named("registry"))
	coalescer := coalesce.NewCoalescer(cfg.Coalesce.Salted)
	indicators := indicator.NewRegistry()
	pool := fetcher.NewPool(cfg.Workers.IndicatorWorkers, cfg.Workers.IndicatorQueue, appLogger.Named("fetcher"))

	// 3. Provider gateways, one per configured source
	var gateways []*provider.Gateway
	for _, p := range cfg.Providers {
		var backend interfaces.ProviderBackend
		switch p.Type {
		case "binance":
			backend = provider.NewBinanceBackend(p, appLogger.Named(p.Name))
		case "stocks":
			backend = provider.NewStocksBackend(p, appLogger.Named(p.Name))
		}

		g := provider.NewGateway(backend, cfg.Streaming, cfg.Workers.HistoryWorkers, appLogger.Named(p.Name))
		if err := g.Run(ctx); err != nil {
			appLogger.Critical("Failed to start provider %s: %v", p.Name, err)
			os.Exit(1)
		}
		gateways = append(gateways, g)
	}

	// 4. Dispatcher: single writer into the cache, fan-out to subscribers
	dispatcher := dispatch.NewDispatcher(seriesStore, reg, coalescer, indicators, pool, gateways, appLogger.Named("dispatch"))
	dispatcher.Run(ctx)
	go dispatcher.RunPeriodic(ctx)

	// 5. HTTP / WebSocket server
	srv := server.NewServer(cfg.MConfig, seriesStore, reg, coalescer, indicators, pool, gateways, appLogger.Named("server"))
	go func() {
		if err := srv.Start(); err != nil {
			appLogger.Critical("Server failed: %v", err)
			os.Exit(1)
		}
	}()

	appLogger.Info("%s listening on %s:%d", cfg.Name, cfg.Host, cfg.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down...")
	cancel()
	dispatcher.Close()
	for _, g := range gateways {
		g.Close()
	}
	pool.Close()
	if err := seriesStore.Close(); err != nil {
		appLogger.Warning("Store close: %v", err)
	}
}
