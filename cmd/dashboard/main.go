package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"atb-dashboard-go/internal/api"
	"atb-dashboard-go/internal/config"
	"atb-dashboard-go/internal/dashboard"
	"atb-dashboard-go/internal/database"
	"atb-dashboard-go/internal/logger"
	"atb-dashboard-go/internal/mirror"
	"atb-dashboard-go/internal/store"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open state database", zap.Error(err))
	}
	defer database.Close(db)
	log.Info("State database ready", zap.String("dsn", cfg.Database.DSN))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []dashboard.Option{dashboard.WithStore(store.New(db))}
	if cfg.Mirror.Enabled() {
		client := mirror.NewClient(cfg.Mirror, log)
		if err := client.Ping(ctx); err != nil {
			log.Warn("Mirror unreachable, continuing without live data", zap.Error(err))
		}
		opts = append(opts, dashboard.WithMirror(client))
	}

	dash, err := dashboard.New(cfg, log, opts...)
	if err != nil {
		log.Fatal("Failed to build dashboard", zap.Error(err))
	}
	defer dash.Close()
	dash.RestoreState(ctx)

	// Setup context for graceful shutdown
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	server := api.NewServer(cfg.Server, dash, log)
	server.Start()

	if err := dash.Run(ctx); err != nil {
		log.Error("Dashboard stopped with error", zap.Error(err))
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}

	log.Info("Dashboard has been shut down.")
}
