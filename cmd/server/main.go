package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ippclub/nuget-registry/internal/config"
	"github.com/ippclub/nuget-registry/internal/handler"
	"github.com/ippclub/nuget-registry/internal/logger"
	"github.com/ippclub/nuget-registry/internal/service"
	"github.com/ippclub/nuget-registry/internal/storage"
	"github.com/ippclub/nuget-registry/internal/store"
)

func main() {
	configPath := pflag.String("config", config.DefaultPath, "path to the configuration file")
	pflag.Parse()

	// Load configuration
	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.InitLogger(cfg.Log)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Initialize stores
	metadata, err := store.NewSQLiteStore(cfg.DatabasePath(), log,
		store.WithMaxOpenConns(cfg.Database.MaxOpenConns),
		store.WithBusyTimeout(cfg.Database.BusyTimeout),
	)
	if err != nil {
		log.Fatal("failed to create metadata store", zap.Error(err))
	}
	defer metadata.Close()

	content, err := storage.New(cfg.PackagesPath(), log)
	if err != nil {
		log.Fatal("failed to create content store", zap.Error(err))
	}

	// Initialize services
	indexer := service.NewIndexingService(metadata, content, cfg.Upload.MaxSize, log)
	packages := service.NewPackageService(metadata, content, log)
	defer packages.Close()
	reconciler := service.NewReconciler(metadata, content, cfg.Reconcile.GracePeriod, cfg.Reconcile.Repair, log)

	// Initialize API handler
	api := handler.NewAPI(cfg, log, indexer, packages, reconciler)
	defer api.Close()

	// Create router
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	// Create server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start periodic reconciliation
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(cfg.Reconcile.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := reconciler.Run(ctx); err != nil {
					log.Error("periodic reconciliation failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	stop()

	// Graceful shutdown
	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	<-sweepDone

	log.Info("server exited properly")
}
