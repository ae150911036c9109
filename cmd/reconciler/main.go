package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/provider-slot-booking/internal/app"
	"github.com/hackgods/provider-slot-booking/internal/appointment"
	"github.com/hackgods/provider-slot-booking/internal/config"
	"github.com/hackgods/provider-slot-booking/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	log = log.Named("reconciler")

	log.Info("reconciler.starting",
		zap.String("env", cfg.Env),
		zap.String("store", cfg.StoreDriver),
		zap.Duration("interval", cfg.ReconcileInterval),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, log)
	if err != nil {
		log.Error("reconciler.init_failed", zap.Error(err))
		os.Exit(1)
	}
	defer a.Close(context.Background())

	// Run once at startup
	runOnce(rootCtx, a.Service, log)

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("reconciler.stopping")
			return
		case <-ticker.C:
			runOnce(rootCtx, a.Service, log)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, log *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	corrected, err := svc.ReconcileDayAggregates(runCtx)
	if err != nil {
		log.Error("reconcile.failed", zap.Error(err))
		return
	}
	log.Info("reconcile.done",
		zap.Int("corrected", corrected),
		zap.Duration("took", time.Since(start)),
	)
}
