// Package main is the entry point for the outbox relay worker.
// It publishes pending accounting sync events to Kafka.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fieldforce/internal/app"
	"fieldforce/internal/config"
	"fieldforce/internal/infrastructure/messaging/kafka"
	"fieldforce/internal/infrastructure/storage/postgres"
	"fieldforce/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := app.NewLogger(cfg, "worker")
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting outbox worker")

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to initialize application", "error", err)
	}
	defer a.Close()

	producer, err := kafka.NewProducer(kafka.Config{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.SyncTopic,
		WriteTimeout: cfg.Kafka.WriteTimeout,
	})
	if err != nil {
		log.Fatalw("failed to create kafka producer", "error", err)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			log.Warnw("failed to close kafka producer", "error", err)
		}
	}()

	relay := postgres.NewOutboxRelay(a.TxManager, cfg.Worker.BatchSize, producer)
	worker := NewOutboxWorker(relay, cfg.Worker, log)
	worker.stats = func(ctx context.Context) { postgres.LogPoolStats(ctx, a.Pool) }

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}

// batchProcessor is implemented by *postgres.OutboxRelay.
type batchProcessor interface {
	ProcessBatch(ctx context.Context) (int, error)
}

// OutboxWorker polls the outbox and drains it batch by batch.
type OutboxWorker struct {
	relay        batchProcessor
	batchSize    int
	pollInterval time.Duration
	statsEvery   time.Duration
	log          *logger.Logger

	// stats is called on every statsEvery tick.
	stats func(ctx context.Context)
}

// NewOutboxWorker creates a worker for relay.
func NewOutboxWorker(relay batchProcessor, cfg config.WorkerConfig, log *logger.Logger) *OutboxWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &OutboxWorker{
		relay:        relay,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		statsEvery:   10 * time.Minute,
		log:          log.WithComponent("outbox-worker"),
	}
}

// Run polls until ctx is cancelled.
func (w *OutboxWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(w.statsEvery)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		case <-statsTicker.C:
			if w.stats != nil {
				w.stats(ctx)
			}
		}
	}
}

// drain processes full batches back to back and stops at the first short one.
func (w *OutboxWorker) drain(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := w.relay.ProcessBatch(ctx)
		if err != nil {
			w.log.Errorw("outbox batch failed", "error", err)
			return total
		}
		total += n
		if n < w.batchSize {
			break
		}
	}
	if total > 0 {
		w.log.Debugw("processed outbox messages", "count", total)
	}
	return total
}
