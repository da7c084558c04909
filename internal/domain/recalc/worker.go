package recalc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"avfuel/internal/core/apperror"
	appctx "avfuel/internal/core/context"
	"avfuel/internal/core/tx"
	"avfuel/internal/domain/ledger"
	"avfuel/pkg/logger"
)

// WorkerConfig tunes the polling loop.
type WorkerConfig struct {
	PollInterval         time.Duration
	HousekeepingInterval time.Duration
	StuckTimeout         time.Duration
	CompletedRetention   time.Duration
	// BatchSize caps how many tasks one poll tick drains.
	BatchSize int
}

// DefaultWorkerConfig returns production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:         time.Second,
		HousekeepingInterval: time.Minute,
		StuckTimeout:         DefaultStuckTimeout,
		CompletedRetention:   DefaultCompletedRetention,
		BatchSize:            20,
	}
}

// HousekeepingLock lets only one worker process sweep the queue at a time.
type HousekeepingLock interface {
	// TryAcquire returns acquired=false when another process holds the lock.
	TryAcquire(ctx context.Context) (release func(context.Context), acquired bool, err error)
}

// Worker drains the recalculation queue and follows transfer cascades.
type Worker struct {
	queue        *Queue
	recalculator *Recalculator
	accounts     ledger.AccountRepository
	txManager    tx.Manager
	cfg          WorkerConfig

	lock    HousekeepingLock
	metrics *workerMetrics
	log     *logger.Logger

	running atomic.Bool
}

// NewWorker creates a new worker.
func NewWorker(
	queue *Queue,
	recalculator *Recalculator,
	accounts ledger.AccountRepository,
	txManager tx.Manager,
	cfg WorkerConfig,
	log *logger.Logger,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &Worker{
		queue:        queue,
		recalculator: recalculator,
		accounts:     accounts,
		txManager:    txManager,
		cfg:          cfg,
		metrics:      defaultWorkerMetrics(),
		log:          log.WithComponent("recalc-worker"),
	}
}

// WithHousekeepingLock installs a distributed lock around housekeeping.
func (w *Worker) WithHousekeepingLock(lock HousekeepingLock) *Worker {
	w.lock = lock
	return w
}

// WithMeter records metrics on meter instead of the global provider.
func (w *Worker) WithMeter(meter metric.Meter) (*Worker, error) {
	m, err := newWorkerMetrics(meter)
	if err != nil {
		return nil, err
	}
	w.metrics = m
	return w, nil
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Infow("recalculation worker started",
		"poll_interval", w.cfg.PollInterval,
		"housekeeping_interval", w.cfg.HousekeepingInterval,
	)

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()

	housekeeping := time.NewTicker(w.cfg.HousekeepingInterval)
	defer housekeeping.Stop()

	w.Housekeep(ctx)

	for {
		select {
		case <-ctx.Done():
			w.log.Infow("recalculation worker stopped")
			return nil
		case <-housekeeping.C:
			w.Housekeep(ctx)
		case <-poll.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for range w.cfg.BatchSize {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Errorw("recalculation task failed", "error", err)
		}
		if !processed {
			return
		}
	}
}

// RunOnce claims one task and replays it. processed is false when the queue was
// empty or another RunOnce on this worker is still in flight. A replay error is
// returned after the task has been marked failed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if !w.running.CompareAndSwap(false, true) {
		return false, nil
	}
	defer w.running.Store(false)

	task, err := w.queue.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	ctx = appctx.EnsureTrace(ctx, "recalc-worker")
	ctx = appctx.WithActor(ctx, task.CreatedBy)
	product := string(task.Account.Product)

	replayErr := w.replayChain(ctx, task.Account, task.AfterDate, task.CreatedBy)
	if replayErr != nil {
		w.metrics.taskFailed(ctx, product)
		if err := w.queue.MarkFailed(ctx, task.ID, replayErr.Error()); err != nil {
			return true, fmt.Errorf("mark task %s failed: %w (replay error: %v)", task.ID, err, replayErr)
		}
		return true, replayErr
	}

	if err := w.queue.MarkCompleted(ctx, task.ID); err != nil {
		return true, fmt.Errorf("mark task %s completed: %w", task.ID, err)
	}
	w.metrics.taskProcessed(ctx, product)

	w.log.Infow("recalculation task completed",
		"task_id", task.ID,
		"account", task.Account.String(),
		"after_date", task.AfterDate,
		"attempt", task.Attempts,
	)
	return true, nil
}

// ProcessImmediately replays key from afterDate synchronously, cascades included.
func (w *Worker) ProcessImmediately(ctx context.Context, key ledger.AccountKey, afterDate time.Time, actor string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	ctx = appctx.EnsureTrace(ctx, "recalc-immediate")
	if err := w.replayChain(ctx, key, afterDate, actor); err != nil {
		logger.Error(ctx, "immediate recalculation failed",
			"account", key.String(),
			"after_date", afterDate,
			"error", err,
		)
		return err
	}
	return nil
}

// Housekeep releases stuck tasks and purges old completed ones.
func (w *Worker) Housekeep(ctx context.Context) {
	if w.lock != nil {
		release, acquired, err := w.lock.TryAcquire(ctx)
		if err != nil {
			w.log.Warnw("housekeeping lock unavailable", "error", err)
			return
		}
		if !acquired {
			return
		}
		defer release(ctx)
	}

	if _, err := w.queue.ResetStuckTasks(ctx, w.cfg.StuckTimeout); err != nil {
		w.log.Errorw("reset stuck tasks", "error", err)
	}
	n, err := w.queue.PurgeCompleted(ctx, w.cfg.CompletedRetention)
	if err != nil {
		w.log.Errorw("purge completed tasks", "error", err)
		return
	}
	if n > 0 {
		w.log.Infow("purged completed recalculation tasks", "count", n)
	}
}

// replayChain replays the root account, then every destination reached through
// repriced transfers, one account lock at a time. A transfer cycle back into an
// account already replayed is handed to the queue instead of looping here.
func (w *Worker) replayChain(ctx context.Context, root ledger.AccountKey, afterDate time.Time, actor string) error {
	visited := NewVisited(root)
	work := []CascadeEdge{{Account: root, AfterDate: afterDate}}
	index := map[ledger.AccountKey]int{root: 0}
	var revisit []CascadeEdge

	for i := 0; i < len(work); i++ {
		edge := work[i]
		res, err := w.replayUnit(ctx, edge.Account, edge.AfterDate, actor, visited)
		if err != nil {
			if i > 0 {
				revisit = append(revisit, work[i:]...)
			}
			w.deferCascade(ctx, revisit, actor)
			return apperror.NewReplayFailed(edge.Account.String(), err)
		}
		for _, c := range res.Cascades {
			index[c.Account] = len(work)
			work = append(work, c)
		}
		for _, s := range res.Stale {
			// Still ahead in the worklist: start it early enough instead.
			if j, ok := index[s.Account]; ok && j > i {
				if s.AfterDate.Before(work[j].AfterDate) {
					work[j].AfterDate = s.AfterDate
				}
				continue
			}
			revisit = append(revisit, s)
		}
	}

	w.deferCascade(ctx, revisit, actor)

	if len(work) > 1 {
		w.log.Infow("cascade recalculation finished",
			"root", root.String(),
			"accounts", len(work),
		)
	}
	return nil
}

// replayUnit replays one account in its own transaction under the account lock.
// The recalculating flag is committed first so readers see it during the replay.
func (w *Worker) replayUnit(ctx context.Context, key ledger.AccountKey, afterDate time.Time, actor string, visited *Visited) (*Result, error) {
	start := time.Now()

	if err := w.setRecalculating(ctx, key, true); err != nil {
		return nil, err
	}

	var res *Result
	err := w.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := w.accounts.LockAccount(ctx, key); err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		var err error
		res, err = w.recalculator.Recalculate(ctx, key, afterDate, actor, visited)
		if err != nil {
			return err
		}
		return w.accounts.SetRecalculating(ctx, key, false)
	})
	w.metrics.replayDuration(ctx, time.Since(start), err == nil)

	if err != nil {
		if clearErr := w.setRecalculating(context.WithoutCancel(ctx), key, false); clearErr != nil {
			w.log.Errorw("failed to clear recalculating flag",
				"account", key.String(),
				"error", clearErr,
			)
		}
		return nil, err
	}
	return res, nil
}

func (w *Worker) setRecalculating(ctx context.Context, key ledger.AccountKey, on bool) error {
	err := w.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		return w.accounts.SetRecalculating(ctx, key, on)
	})
	if err != nil {
		return fmt.Errorf("set recalculating=%t: %w", on, err)
	}
	return nil
}

// deferCascade hands accounts the chain could not reach to the durable queue.
func (w *Worker) deferCascade(ctx context.Context, edges []CascadeEdge, actor string) {
	ctx = context.WithoutCancel(ctx)
	for _, e := range edges {
		if _, err := w.queue.Enqueue(ctx, e.Account, e.AfterDate, actor, ledger.PriorityCascade); err != nil {
			w.log.Errorw("failed to defer cascade recalculation",
				"account", e.Account.String(),
				"after_date", e.AfterDate,
				"error", err,
			)
			continue
		}
		w.log.Warnw("cascade recalculation deferred to queue",
			"account", e.Account.String(),
			"after_date", e.AfterDate,
		)
	}
}
