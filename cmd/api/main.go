package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abkawan/account-ledger/internal/api"
	"github.com/abkawan/account-ledger/internal/config"
	"github.com/abkawan/account-ledger/internal/db"
	"github.com/abkawan/account-ledger/internal/logger"
	"github.com/abkawan/account-ledger/internal/service"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	// Connecting to the ledger store
	lg.Info("connecting to store", zap.String("store", cfg.Store))
	store, closeStore, err := db.Open(ctx, cfg.Store, cfg.PostgresURI)
	if err != nil {
		lg.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	opts := []service.Option{service.WithLocker(service.NewLocker(cfg.LockShards))}

	// Connect to MongoDB for the rejection audit log
	var rejections api.RejectionLog
	if cfg.MongoURI != "" {
		lg.Info("connecting to MongoDB...")
		mongodb, err := db.NewMongoDB(cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			lg.Fatal("failed to connect to MongoDB", zap.Error(err))
		}
		defer mongodb.Close(context.Background())
		rejections = mongodb
		opts = append(opts, service.WithRejectionRecorder(mongodb))
	}

	engine := service.NewEngine(store, lg, opts...)

	// Create router and set up routes
	router := mux.NewRouter()
	api.SetupRoutes(router, api.NewHandler(engine, rejections, lg))

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		lg.Info("starting server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	lg.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		lg.Error("server shutdown failed", zap.Error(err))
		return
	}

	lg.Info("server shut down successfully")
}
