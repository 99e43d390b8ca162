package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"bnbwatch/internal/config"
	"bnbwatch/internal/handlers"
	"bnbwatch/internal/ledger"
	"bnbwatch/internal/probe"
	"bnbwatch/internal/queue"
	"bnbwatch/internal/storage"
	"bnbwatch/internal/worker"
)

func main() {
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

	wcfg := worker.Config{
		TickInterval:   cfg.TickInterval,
		SweepInterval:  cfg.SweepInterval,
		VerifyDelay:    cfg.VerifyDelay,
		LeaseTTL:       cfg.LeaseTTL,
		ProbeTimeout:   cfg.ProbeTimeout,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// Not started: the API holds them only for the out-of-band trigger
	// hooks. Leases keep concurrent passes with the worker safe.
	scheduler := worker.NewScheduler(store, ldg, prober, queueManager, wcfg, logger)
	sweeper := worker.NewSweeper(store, wcfg, logger)

	handler := handlers.NewEngineHandler(store, ldg, scheduler, sweeper, logger)

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Post("/engine/scan", handler.TriggerScan)
		r.Post("/engine/sweep", handler.TriggerSweep)
		r.Get("/watches/{id}/scans", handler.GetScans)
		r.Get("/watches/{id}/notifications", handler.GetNotifications)
		r.Post("/notifications/callback", handler.DeliveryCallback)
	})

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/metrics", handler.Metrics)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("api server starting", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}

func buildProber(cfg *config.Config, logger *zap.Logger) probe.Prober {
	if cfg.ProbeBackend == "browser" {
		return probe.NewBrowserProber(cfg.ChromeBin, logger)
	}
	return probe.NewVendorProber(cfg.VendorAPIURL, cfg.VendorAPIKey, cfg.VendorPollEvery, cfg.VendorMaxPolls, logger)
}
