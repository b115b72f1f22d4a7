package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"venue-gateway/internal/api"
	"venue-gateway/internal/events"
	"venue-gateway/internal/gateway"
	"venue-gateway/internal/monitor"
	"venue-gateway/internal/publish"
	"venue-gateway/internal/strategy"
	"venue-gateway/pkg/config"
	"venue-gateway/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger depends on config; fall back to a default one.
		logger.New("info").Fatal("config load failed", zap.Error(err))
	}
	log := logger.New(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	gw := cfg.Gateway
	log.Info("starting venue gateway",
		zap.String("symbol", gw.Symbol),
		zap.String("category", gw.Category),
		zap.Bool("testnet", gw.Testnet),
		zap.Bool("trading", gw.APIKey != "" && gw.APISecret != ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	metrics := monitor.NewMetrics()

	g, err := gateway.NewBybit(gw, bus, metrics, log)
	if err != nil {
		log.Fatal("gateway init failed", zap.Error(err))
	}

	var wg sync.WaitGroup

	// Alerts
	mon := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Log: log.Named("alert")}, Metrics: metrics, Log: log}
	monDone := mon.Start(ctx)

	// Redis fan-out
	if pub, client := publish.NewFromConfig(cfg.Redis, bus, g, log); pub != nil {
		defer func() { _ = client.Close() }()
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub.Run(ctx)
		}()
		log.Info("redis publisher enabled", zap.String("addr", cfg.Redis.Addr), zap.String("channel", cfg.Redis.Channel))
	}

	// Decision engine
	if cfg.StrategyInterval > 0 {
		runner := strategy.NewRunner(g, cfg.StrategyInterval, log)
		runner.Add(strategy.NewObserver(12, log))
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Run(ctx)
		}()
	}

	if err := g.Start(ctx); err != nil {
		log.Fatal("gateway start failed", zap.Error(err))
	}

	// Operator API
	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(g, metrics.Handler(), cfg.API, log)
	srv := &http.Server{
		Addr:              ":" + cfg.API.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server error", zap.Error(err))
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case <-g.ShutdownRequested():
		log.Error("shutting down on critical health")
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	g.Shutdown()
	cancel()
	wg.Wait()
	<-monDone
	log.Info("stopped")
}
