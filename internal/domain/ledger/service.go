package ledger

import (
	"context"
	"fmt"
	"time"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/entity"
	"avfuel/internal/core/id"
	"avfuel/internal/core/tx"
	"avfuel/internal/core/types"
	"avfuel/pkg/logger"
)

// Service applies ledger events optimistically and hands anything
// out of chronological order to the recalculation queue.
type Service struct {
	accounts     AccountRepository
	transactions TransactionRepository
	queue        RecalculationEnqueuer
	txManager    tx.Manager
	now          func() time.Time
}

// NewService creates a new ledger service.
func NewService(
	accounts AccountRepository,
	transactions TransactionRepository,
	queue RecalculationEnqueuer,
	txManager tx.Manager,
) *Service {
	return &Service{
		accounts:     accounts,
		transactions: transactions,
		queue:        queue,
		txManager:    txManager,
		now:          time.Now,
	}
}

// WithClock overrides the clock. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// PostRequest describes a new ledger event.
type PostRequest struct {
	Account  AccountKey
	Type     TransactionType
	Source   SourceRef
	Quantity types.Quantity
	// TotalCost is the cost of an inbound lot. Ignored for outbound events,
	// which are valued at the current average cost.
	TotalCost     types.Money
	EffectiveDate *time.Time
	Actor         string
}

// Validate checks request invariants.
func (r PostRequest) Validate() error {
	if err := r.Account.Validate(); err != nil {
		return err
	}
	if _, err := r.Type.Direction(); err != nil {
		return err
	}
	if err := validateAmounts(r.Quantity, r.TotalCost); err != nil {
		return err
	}
	if r.Source.Type == "" {
		return apperror.NewValidation("source type is required")
	}
	return nil
}

// validateAmounts rejects values the ledger columns cannot store exactly, so a
// posted row and its replay see the same numbers.
func validateAmounts(quantity types.Quantity, totalCost types.Money) error {
	if !quantity.IsPositive() {
		return apperror.NewValidation("quantity must be positive")
	}
	if !types.FitsScale(quantity, types.QuantityScale) {
		return apperror.NewValidation(fmt.Sprintf("quantity allows at most %d decimal places", types.QuantityScale))
	}
	if totalCost.IsNegative() {
		return apperror.NewValidation("total cost must not be negative")
	}
	if !types.FitsScale(totalCost, types.MoneyScale) {
		return apperror.NewValidation(fmt.Sprintf("total cost allows at most %d decimal places", types.MoneyScale))
	}
	return nil
}

// PostResult is the outcome of a post.
type PostResult struct {
	Transaction    *Transaction
	NewBalance     types.Quantity
	NewAverageCost types.Money
	// Backdated is true when the event precedes the latest one on the account
	// and a recalculation task was queued.
	Backdated bool
}

// PostTransaction appends an event and updates the running position in place.
func (s *Service) PostTransaction(ctx context.Context, req PostRequest) (*PostResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var result *PostResult
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		acc, err := s.lockAccount(ctx, req.Account)
		if err != nil {
			return err
		}

		latest, err := s.transactions.LatestEffectiveAt(ctx, req.Account, nil)
		if err != nil {
			return fmt.Errorf("latest effective date: %w", err)
		}

		now := s.now().UTC()
		t := &Transaction{
			ID:            id.New(),
			Account:       req.Account,
			Type:          req.Type,
			Quantity:      req.Quantity,
			EffectiveDate: utcPtr(req.EffectiveDate),
			Source:        req.Source,
			Audit:         entity.NewAudit(req.Actor, now),
		}

		step := Apply(acc.Position, t.Direction(), req.Quantity, req.TotalCost)
		t.Record(step)

		if err := s.transactions.Create(ctx, t); err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		if err := s.accounts.SavePosition(ctx, req.Account, step.After); err != nil {
			return fmt.Errorf("save position: %w", err)
		}

		backdated := latest != nil && t.EffectiveAt().Before(*latest)
		if backdated {
			if err := s.queue.EnqueueRecalculation(ctx, req.Account, t.EffectiveAt(), req.Actor, PriorityBackdated); err != nil {
				return fmt.Errorf("enqueue recalculation: %w", err)
			}
		}

		result = &PostResult{
			Transaction:    t,
			NewBalance:     step.After.Balance,
			NewAverageCost: step.After.AverageCost,
			Backdated:      backdated,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "ledger transaction posted",
		"account", req.Account.String(),
		"transaction_id", result.Transaction.ID,
		"type", req.Type,
		"quantity", req.Quantity.String(),
		"balance", result.NewBalance.String(),
		"average_cost", result.NewAverageCost.String(),
		"backdated", result.Backdated,
	)

	return result, nil
}

// UpdateRequest changes quantity, cost or date of an existing event.
type UpdateRequest struct {
	TransactionID id.ID
	Quantity      types.Quantity
	TotalCost     types.Money
	EffectiveDate *time.Time
	Actor         string
}

// UpdateTransaction swaps the old effect of an event for the new one.
func (s *Service) UpdateTransaction(ctx context.Context, req UpdateRequest) (*Transaction, error) {
	if err := validateAmounts(req.Quantity, req.TotalCost); err != nil {
		return nil, err
	}

	var updated *Transaction
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		t, acc, err := s.loadForMutation(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if t.IsDeleted() {
			return apperror.NewTransactionDeleted(t.ID)
		}

		latestOther, err := s.transactions.LatestEffectiveAt(ctx, t.Account, &t.ID)
		if err != nil {
			return fmt.Errorf("latest effective date: %w", err)
		}

		oldAt := t.EffectiveAt()
		pos, exact := withoutRow(acc, t, latestOther)

		t.Quantity = req.Quantity
		t.EffectiveDate = utcPtr(req.EffectiveDate)
		step := Apply(pos, t.Direction(), req.Quantity, req.TotalCost)
		t.Record(step)
		t.Touch(req.Actor, s.now().UTC())

		if err := s.transactions.Update(ctx, t); err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		if err := s.accounts.SavePosition(ctx, t.Account, step.After); err != nil {
			return fmt.Errorf("save position: %w", err)
		}

		from := earliest(oldAt, t.EffectiveAt())
		if err := s.requeue(ctx, t.Account, from, latestOther, exact, req.Actor); err != nil {
			return err
		}

		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "ledger transaction updated",
		"account", updated.Account.String(),
		"transaction_id", updated.ID,
		"quantity", updated.Quantity.String(),
	)
	return updated, nil
}

// DeleteTransaction soft-deletes an event and removes its effect.
func (s *Service) DeleteTransaction(ctx context.Context, transactionID id.ID, actor string) error {
	var key AccountKey
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		t, acc, err := s.loadForMutation(ctx, transactionID)
		if err != nil {
			return err
		}
		if t.IsDeleted() {
			return apperror.NewTransactionDeleted(t.ID)
		}
		key = t.Account

		latestOther, err := s.transactions.LatestEffectiveAt(ctx, t.Account, &t.ID)
		if err != nil {
			return fmt.Errorf("latest effective date: %w", err)
		}

		pos, exact := withoutRow(acc, t, latestOther)
		now := s.now().UTC()
		t.MarkDeleted(actor, now)
		t.Touch(actor, now)

		if err := s.transactions.Update(ctx, t); err != nil {
			return fmt.Errorf("delete transaction: %w", err)
		}
		if err := s.accounts.SavePosition(ctx, t.Account, pos); err != nil {
			return fmt.Errorf("save position: %w", err)
		}

		return s.requeue(ctx, t.Account, t.EffectiveAt(), latestOther, exact, actor)
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "ledger transaction deleted",
		"account", key.String(),
		"transaction_id", transactionID,
	)
	return nil
}

// RestoreTransaction reverses a soft-delete and re-applies the event.
func (s *Service) RestoreTransaction(ctx context.Context, transactionID id.ID, actor string) (*Transaction, error) {
	var restored *Transaction
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		t, acc, err := s.loadForMutation(ctx, transactionID)
		if err != nil {
			return err
		}
		if !t.IsDeleted() {
			return apperror.NewTransactionNotDeleted(t.ID)
		}

		latestOther, err := s.transactions.LatestEffectiveAt(ctx, t.Account, &t.ID)
		if err != nil {
			return fmt.Errorf("latest effective date: %w", err)
		}

		step := Apply(acc.Position, t.Direction(), t.Quantity, incomingCostOf(t))
		t.Restore()
		t.Record(step)
		t.Touch(actor, s.now().UTC())

		if err := s.transactions.Update(ctx, t); err != nil {
			return fmt.Errorf("restore transaction: %w", err)
		}
		if err := s.accounts.SavePosition(ctx, t.Account, step.After); err != nil {
			return fmt.Errorf("save position: %w", err)
		}

		if err := s.requeue(ctx, t.Account, t.EffectiveAt(), latestOther, true, actor); err != nil {
			return err
		}
		restored = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "ledger transaction restored",
		"account", restored.Account.String(),
		"transaction_id", restored.ID,
	)
	return restored, nil
}

// GetAccount returns the current account state for read paths.
func (s *Service) GetAccount(ctx context.Context, key AccountKey) (*Account, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return s.accounts.GetAccount(ctx, key)
}

// lockAccount serializes with replays of the same ledger, then row-locks the warehouse.
func (s *Service) lockAccount(ctx context.Context, key AccountKey) (*Account, error) {
	if err := s.accounts.LockAccount(ctx, key); err != nil {
		return nil, fmt.Errorf("lock account %s: %w", key, err)
	}
	acc, err := s.accounts.GetAccountForUpdate(ctx, key)
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *Service) loadForMutation(ctx context.Context, transactionID id.ID) (*Transaction, *Account, error) {
	t, err := s.transactions.GetByID(ctx, transactionID)
	if err != nil {
		return nil, nil, err
	}
	acc, err := s.lockAccount(ctx, t.Account)
	if err != nil {
		return nil, nil, err
	}
	return t, acc, nil
}

// requeue queues a replay from the mutated row unless it sorts last and its old
// effect was removed exactly.
func (s *Service) requeue(ctx context.Context, key AccountKey, from time.Time, latestOther *time.Time, exact bool, actor string) error {
	if exact && sortsLast(from, latestOther) {
		return nil
	}
	if err := s.queue.EnqueueRecalculation(ctx, key, from, actor, PriorityBackdated); err != nil {
		return fmt.Errorf("enqueue recalculation: %w", err)
	}
	return nil
}

// withoutRow returns the account position with t's effect removed. When t is the
// last row and the account still holds its recorded result, the row's before
// snapshot is exact. Otherwise the effect is reverted arithmetically, which
// loses clamping and rounding, and exact is false.
func withoutRow(acc *Account, t *Transaction, latestOther *time.Time) (pos Position, exact bool) {
	if sortsLast(t.EffectiveAt(), latestOther) && acc.Position.Equal(t.After()) {
		return t.Before(), true
	}
	return Revert(acc.Position, t.Direction(), t.Quantity, t.Sum), false
}

// sortsLast reports whether a row at at replays after every other row.
// Ties count as not last: creation order decides and the row may not win it.
func sortsLast(at time.Time, latestOther *time.Time) bool {
	return latestOther == nil || at.After(*latestOther)
}

// incomingCostOf is the lot cost an inbound row was recorded with.
func incomingCostOf(t *Transaction) types.Money {
	if t.Type.IsInbound() {
		return t.Sum
	}
	return types.Zero()
}

func earliest(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
