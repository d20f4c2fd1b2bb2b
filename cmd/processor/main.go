package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/abkawan/account-ledger/internal/api"
	"github.com/abkawan/account-ledger/internal/config"
	"github.com/abkawan/account-ledger/internal/db"
	"github.com/abkawan/account-ledger/internal/dedup"
	"github.com/abkawan/account-ledger/internal/ingest"
	"github.com/abkawan/account-ledger/internal/logger"
	"github.com/abkawan/account-ledger/internal/outbox"
	"github.com/abkawan/account-ledger/internal/queue"
	"github.com/abkawan/account-ledger/internal/service"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	// Dedup index: shared through Redis when configured, in-process otherwise
	var dd dedup.Deduplicator
	if cfg.RedisAddr != "" {
		lg.Info("connecting to Redis...", zap.String("addr", cfg.RedisAddr))
		rdb, err := dedup.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			lg.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()
		dd = dedup.NewRedis(rdb, cfg.DedupTTL)
	} else {
		dd = dedup.NewMemory(cfg.DedupTTL, cfg.DedupMaxEntries)
	}
	opts = append(opts, service.WithDeduplicator(dd))

	// Connect to the broker
	var (
		source ingest.Source
		sink   outbox.Sink
	)
	switch cfg.Transport {
	case "rabbitmq":
		lg.Info("connecting to RabbitMQ...")
		rabbitmq, err := queue.NewRabbitMQ(cfg.RabbitMQURI, cfg.RabbitMQPrefetch)
		if err != nil {
			lg.Fatal("failed to connect to RabbitMQ", zap.Error(err))
		}
		defer rabbitmq.Close()
		source, sink = rabbitmq, rabbitmq
	case "kafka":
		lg.Info("connecting to Kafka...", zap.Strings("brokers", cfg.KafkaBrokers))
		ks := queue.NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaInboundTopic, cfg.KafkaGroupID, cfg.RetryDelay, lg)
		defer ks.Close()
		kw := queue.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaOutboundTopic)
		defer kw.Close()
		source, sink = ks, kw
	}

	relay := outbox.NewRelay(store, sink, lg, outbox.Config{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
	})
	opts = append(opts, service.WithCommitHook(relay.Notify))

	engine := service.NewEngine(store, lg, opts...)

	ingestor := ingest.New(engine, dd, lg, ingest.Config{
		Workers:       cfg.IngestWorkers,
		Timeout:       cfg.ProcessTimeout,
		RetryDelay:    cfg.RetryDelay,
		MaxRetryDelay: cfg.RetryMaxDelay,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := relay.Run(ctx); err != nil {
			lg.Error("outbox relay stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := ingestor.Run(ctx, source); err != nil {
			lg.Error("ingestor stopped", zap.Error(err))
			cancel()
		}
	}()

	// Metrics, plus the query surface when the ledger lives in this process
	router := mux.NewRouter()
	if cfg.Store == "memory" {
		api.SetupRoutes(router, api.NewHandler(engine, rejections, lg))
	} else {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}
	server := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		lg.Info("starting metrics server", zap.String("port", cfg.MetricsPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error("metrics server failed", zap.Error(err))
		}
	}()

	lg.Info("processor started", zap.String("transport", cfg.Transport))

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	lg.Info("shutting down processor...")
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		lg.Error("metrics server shutdown failed", zap.Error(err))
	}

	lg.Info("processor shut down successfully")
}
