package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/slotwatch/bookerd/internal/config"
	"github.com/slotwatch/bookerd/internal/httpapi"
	"github.com/slotwatch/bookerd/internal/hub"
	"github.com/slotwatch/bookerd/internal/observability"
	"github.com/slotwatch/bookerd/internal/scheduler"
	"github.com/slotwatch/bookerd/internal/secrets"
	"github.com/slotwatch/bookerd/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	taskStore, storeMode, err := store.New(ctx, cfg.DatabaseURL, cfg.RedisAddr, cfg.DataDir)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer taskStore.Close()
	log.Printf("task store: %s", storeMode)

	vaultPath := cfg.CredentialsFile
	if vaultPath == "" {
		vaultPath = filepath.Join(cfg.DataDir, "credentials.json")
	}
	vault, err := secrets.NewFileVault(vaultPath)
	if err != nil {
		log.Fatalf("credential vault init failed: %v", err)
	}

	broker := hub.New(cfg.OutboundQueueSize, metrics)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	sched := scheduler.New(cfg, taskStore, broker, vault, metrics)
	if err := sched.Bootstrap(ctx); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}
	sched.Register(runCtx, broker)
	go sched.Run(runCtx)

	api := httpapi.New(cfg, broker, sched, vault, metrics, storeMode)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
