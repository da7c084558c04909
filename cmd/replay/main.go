// Package main provides the operator replay CLI.
// Usage: replay -warehouse <uuid> -product JET_FUEL -after 2024-03-01 [-enqueue] [-actor ops]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"avfuel/internal/bootstrap"
	appctx "avfuel/internal/core/context"
	"avfuel/internal/domain/ledger"
	"avfuel/internal/infrastructure/config"
	"avfuel/internal/infrastructure/http/ops"
	"avfuel/pkg/logger"
)

func main() {
	var (
		warehouse = flag.String("warehouse", "", "warehouse id (required)")
		product   = flag.String("product", "", "JET_FUEL or AVGAS (required)")
		after     = flag.String("after", "", "replay rows effective on or after this date, RFC 3339 or YYYY-MM-DD (required)")
		enqueue   = flag.Bool("enqueue", false, "queue the replay for the worker instead of running it now")
		actor     = flag.String("actor", "ops-cli", "actor recorded on the task and events")
	)
	flag.Parse()

	key, afterDate, err := parseArgs(*warehouse, *product, *after)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

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

	ctx := logger.WithLogger(context.Background(), log)
	ctx = appctx.WithActor(ctx, *actor)

	engine, err := bootstrap.New(ctx, cfg, "replay", log)
	if err != nil {
		log.Fatalw("failed to start engine", "error", err)
	}
	defer engine.Close()

	if *enqueue {
		task, err := engine.Queue.Enqueue(ctx, key, afterDate, *actor, ledger.PriorityOperator)
		if err != nil {
			log.Errorw("enqueue failed", "account", key.String(), "error", err)
			os.Exit(1)
		}
		fmt.Printf("queued task %s for %s from %s\n", task.ID, key, task.AfterDate.Format(time.RFC3339))
		return
	}

	if err := engine.Worker.ProcessImmediately(ctx, key, afterDate, *actor); err != nil {
		os.Exit(1)
	}
	acc, err := engine.Poster.GetAccount(ctx, key)
	if err != nil {
		log.Errorw("read account failed", "account", key.String(), "error", err)
		os.Exit(1)
	}
	fmt.Printf("%s balance=%s average_cost=%s\n", key, acc.Balance.String(), acc.AverageCost.String())
}

func parseArgs(warehouse, product, after string) (ledger.AccountKey, time.Time, error) {
	if warehouse == "" || product == "" || after == "" {
		return ledger.AccountKey{}, time.Time{}, fmt.Errorf("-warehouse, -product and -after are required")
	}
	key, err := ops.ParseAccount(warehouse, product)
	if err != nil {
		return ledger.AccountKey{}, time.Time{}, err
	}
	afterDate, err := ops.ParseDate(after)
	if err != nil {
		return ledger.AccountKey{}, time.Time{}, err
	}
	return key, afterDate, nil
}
