// Package main is the entry point for the recalculation worker: it drains the
// recalculation queue, relays outbox events and serves the ops HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"avfuel/internal/bootstrap"
	"avfuel/internal/infrastructure/broker"
	"avfuel/internal/infrastructure/config"
	"avfuel/internal/infrastructure/http/ops"
	"avfuel/internal/infrastructure/storage/postgres"
	"avfuel/pkg/logger"
)

// outboxRetention is how long delivered outbox rows are kept.
const outboxRetention = 72 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = logger.WithLogger(ctx, log)

	log.Infow("starting recalculation worker", "env", cfg.App.Env)

	engine, err := bootstrap.New(ctx, cfg, "worker", log)
	if err != nil {
		log.Fatalw("failed to start engine", "error", err)
	}
	defer engine.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = broker.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatalw("failed to connect redis", "error", err)
		}
		defer rdb.Close()
		engine.Worker.WithHousekeepingLock(broker.NewHousekeepingLock(rdb, cfg.Redis.LockTTL))
		log.Infow("redis connected", "addr", cfg.Redis.Addr)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Worker.Run(ctx); err != nil {
			log.Errorw("worker stopped with error", "error", err)
		}
	}()

	if rdb != nil {
		relay := postgres.NewOutboxRelay(engine.TxManager, cfg.Worker.OutboxBatchSize,
			broker.NewChannelPublisher(rdb, cfg.Redis.Channel))
		wg.Add(1)
		go func() {
			defer wg.Done()
			runOutboxRelay(ctx, relay, cfg.Worker.OutboxInterval, log)
		}()
	} else {
		log.Warn("redis not configured; outbox events stay in sys_outbox")
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: ops.NewHandler(ops.RouterConfig{
			Health: ops.NewHealthHandler(engine.TxManager),
			Recalc: ops.NewRecalcHandler(engine.Queue, engine.Worker, engine.Poster),
			Logger: log,
		}),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
	}
	go func() {
		log.Infow("ops http listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("ops http failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("ops http shutdown failed", "error", err)
	}

	wg.Wait()
	postgres.LogPoolStats(ctx, engine.Pool.Pool)
	log.Info("worker stopped")
}

// runOutboxRelay delivers outbox batches until ctx is cancelled and purges old rows hourly.
func runOutboxRelay(ctx context.Context, relay *postgres.OutboxRelay, interval time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	purge := time.NewTicker(time.Hour)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain while batches come back full.
			for {
				n, err := relay.ProcessBatch(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Errorw("outbox batch failed", "error", err)
					}
					break
				}
				if n == 0 {
					break
				}
				log.Debugw("outbox batch delivered", "count", n)
			}
		case <-purge.C:
			n, err := relay.PurgePublished(ctx, outboxRetention)
			if err != nil {
				log.Errorw("outbox purge failed", "error", err)
				continue
			}
			if n > 0 {
				log.Infow("purged delivered outbox messages", "count", n)
			}
		}
	}
}
