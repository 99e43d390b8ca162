package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"bnbwatch/internal/config"
	"bnbwatch/internal/ledger"
	"bnbwatch/internal/notify"
	"bnbwatch/internal/probe"
	"bnbwatch/internal/queue"
	"bnbwatch/internal/storage"
	"bnbwatch/internal/worker"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	store, err := storage.NewRedisStore(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}

	ldg, err := ledger.NewPostgresLedger(cfg.DSN())
	if err != nil {
		logger.Fatal("failed to open ledger", zap.Error(err))
	}
	defer ldg.Close()

	queueManager, err := queue.NewManager(cfg.AMQPURL, logger)
	if err != nil {
		logger.Fatal("failed to create rabbitmq manager", zap.Error(err))
	}
	defer queueManager.Close()

	prober := buildProber(cfg, logger)
	prefs := notify.NewRedisPrefs(cfg.RedisURL)
	dispatcher := notify.NewDispatcher(store, ldg, prefs, buildProviders(cfg), cfg.DedupWindow, logger)

	wcfg := worker.Config{
		TickInterval:   cfg.TickInterval,
		SweepInterval:  cfg.SweepInterval,
		VerifyDelay:    cfg.VerifyDelay,
		LeaseTTL:       cfg.LeaseTTL,
		ProbeTimeout:   cfg.ProbeTimeout,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	scheduler := worker.NewScheduler(store, ldg, prober, queueManager, wcfg, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	verifier := worker.NewVerifier(store, ldg, prober, dispatcher, wcfg, logger)
	if err := queueManager.StartVerifyConsumer(ctx, verifier.HandleMessage); err != nil {
		logger.Fatal("failed to start verify consumer", zap.Error(err))
	}

	sweeper := worker.NewSweeper(store, wcfg, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	logger.Info("worker started",
		zap.String("probe_backend", cfg.ProbeBackend),
		zap.Int("max_concurrency", cfg.MaxConcurrency))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down worker")
}

func buildProber(cfg *config.Config, logger *zap.Logger) probe.Prober {
	if cfg.ProbeBackend == "browser" {
		return probe.NewBrowserProber(cfg.ChromeBin, logger)
	}
	return probe.NewVendorProber(cfg.VendorAPIURL, cfg.VendorAPIKey, cfg.VendorPollEvery, cfg.VendorMaxPolls, logger)
}

func buildProviders(cfg *config.Config) []notify.Provider {
	var providers []notify.Provider
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		providers = append(providers, notify.NewTwilioProvider(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom))
	}
	if cfg.ResendAPIKey != "" {
		providers = append(providers, notify.NewResendProvider(cfg.ResendAPIKey, cfg.EmailFrom))
	}
	return providers
}
