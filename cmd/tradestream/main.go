package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finvex/tradestream/internal/audit"
	"github.com/finvex/tradestream/internal/auth"
	"github.com/finvex/tradestream/internal/config"
	"github.com/finvex/tradestream/internal/directory"
	"github.com/finvex/tradestream/internal/ingest"
	"github.com/finvex/tradestream/internal/monitor"
	"github.com/finvex/tradestream/internal/provider"
	"github.com/finvex/tradestream/internal/router"
	"github.com/finvex/tradestream/internal/server"
	"github.com/finvex/tradestream/internal/ws"
	"github.com/finvex/tradestream/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event deduplication uses redis when configured; without it duplicate
	// suppression is off and redelivery reaches clients.
	var dedupe ingest.Deduper = ingest.NopDeduper{}
	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		dedupe = ingest.NewRedisDeduper(rdb, cfg.Redis.DedupTTL, zapLogger)
	} else {
		zapLogger.Warn("redis not configured, event deduplication disabled")
	}

	hub := ws.NewHub(16, zapLogger)
	recorder := audit.NewRecorder(zapLogger)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	bridge := auth.NewBridge(verifier, cfg.Auth.VerifyWorkers, cfg.Auth.VerifyTimeout, zapLogger)

	dir := directory.NewClient(cfg.Directory.BaseURL, cfg.Directory.Timeout, zapLogger)
	routes := router.New(hub, dir, zapLogger)

	// Corrective actions taken by the monitor are pushed to the owning
	// account's stream so connected clients see stop moves and closes.
	notifications := recorder.Subscribe(256)
	go func() {
		for ev := range notifications {
			if ev.Kind != audit.KindStopAdjusted && ev.Kind != audit.KindPositionClosed {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			routes.Route(ev.AccountID, payload)
		}
	}()

	gateway := ingest.NewGateway(ingest.Config{
		Brokers:     cfg.Bus.Brokers,
		Topic:       cfg.Bus.Topic,
		GroupID:     cfg.Bus.GroupID,
		MinBackoff:  cfg.Bus.MinBackoff,
		MaxBackoff:  cfg.Bus.MaxBackoff,
		MaxAttempts: cfg.Bus.MaxAttempts,
	}, routes, dedupe, recorder, zapLogger)
	gateway.OnUnhealthy(func(err error) {
		zapLogger.Error("event bus unreachable, serving without live data", zap.Error(err))
	})

	trading := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.Timeout, zapLogger)
	mon := monitor.New(monitor.Config{
		Cooldown:            cfg.Monitor.Cooldown,
		Workers:             cfg.Monitor.Workers,
		ProviderTimeout:     cfg.Monitor.ProviderTimeout,
		TrailDistance:       mustDecimal(cfg.Monitor.TrailDistance),
		BreakEvenTrigger:    mustDecimal(cfg.Monitor.BreakEvenTrigger),
		MaxAdverseExcursion: mustDecimal(cfg.Monitor.MaxAdverseExcursion),
	}, trading, gateway, recorder, zapLogger)

	scheduler := monitor.NewScheduler(cfg.Monitor.Interval, mon.CycleFunc(dir), zapLogger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	go func() {
		if err := gateway.Run(ctx); err != nil && ctx.Err() == nil {
			zapLogger.Error("gateway stopped", zap.Error(err))
		}
	}()

	srv := server.New(cfg.Server, hub, bridge, routes, gateway, zapLogger)
	if err := srv.ListenAndServe(ctx); err != nil {
		zapLogger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
	zapLogger.Info("shutdown complete")
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("Invalid decimal in configuration: %q", s)
	}
	return d
}
