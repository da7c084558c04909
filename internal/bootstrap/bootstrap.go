// Package bootstrap assembles the ledger engine over PostgreSQL for the commands.
package bootstrap

import (
	"context"
	"fmt"

	"avfuel/internal/domain/documents/deal"
	"avfuel/internal/domain/ledger"
	"avfuel/internal/domain/recalc"
	"avfuel/internal/infrastructure/config"
	"avfuel/internal/infrastructure/storage/postgres"
	"avfuel/internal/infrastructure/storage/postgres/document_repo"
	"avfuel/internal/infrastructure/storage/postgres/ledger_repo"
	"avfuel/internal/infrastructure/storage/postgres/recalc_repo"
	"avfuel/pkg/logger"
)

// Engine holds the wired components.
type Engine struct {
	Pool         *postgres.Pool
	TxManager    *postgres.TxManager
	Accounts     *ledger_repo.AccountRepo
	Poster       *ledger.Service
	Queue        *recalc.Queue
	Recalculator *recalc.Recalculator
	Worker       *recalc.Worker
}

// New connects to PostgreSQL and wires every component. role names the process in pg_stat_activity.
func New(ctx context.Context, cfg *config.Config, role string, log *logger.Logger) (*Engine, error) {
	pool, err := postgres.NewPool(ctx, cfg.PoolConfig(role))
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	txm := postgres.NewTxManager(pool)
	if cfg.Database.StatementTimeout > 0 {
		txm = txm.WithStatementTimeout(cfg.Database.StatementTimeout)
	}

	accounts := ledger_repo.NewAccountRepo(txm)
	transactions := ledger_repo.NewTransactionRepo(txm)

	queue := recalc.NewQueue(recalc_repo.NewTaskRepo(txm), txm)
	poster := ledger.NewService(accounts, transactions, queue, txm)

	sources := recalc.NewSourceRegistry(document_repo.NewMovementRepo(txm), map[ledger.SourceType]deal.Repository{
		ledger.SourceWholesaleDeal: document_repo.NewWholesaleDealRepo(txm),
		ledger.SourceRefueling:     document_repo.NewRefuelingRepo(txm),
	})
	recalculator := recalc.NewRecalculator(accounts, transactions, sources, postgres.NewOutboxPublisher(txm))

	worker := recalc.NewWorker(queue, recalculator, accounts, txm, cfg.RecalcWorkerConfig(), log)

	return &Engine{
		Pool:         pool,
		TxManager:    txm,
		Accounts:     accounts,
		Poster:       poster,
		Queue:        queue,
		Recalculator: recalculator,
		Worker:       worker,
	}, nil
}

// Close releases the pool.
func (e *Engine) Close() {
	e.Pool.Close()
}
