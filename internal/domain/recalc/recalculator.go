package recalc

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/event"
	"avfuel/internal/core/id"
	"avfuel/internal/core/types"
	"avfuel/internal/domain/ledger"
	"avfuel/pkg/logger"
)

var tracer = otel.Tracer("avfuel/recalc")

// EventRecalculated is published after an account replay.
const EventRecalculated = "ledger.recalculated"

// Visited is the set of accounts already reached by one cascade traversal.
type Visited struct {
	seen map[ledger.AccountKey]struct{}
}

// NewVisited creates a set seeded with keys.
func NewVisited(keys ...ledger.AccountKey) *Visited {
	v := &Visited{seen: make(map[ledger.AccountKey]struct{}, len(keys))}
	for _, k := range keys {
		v.seen[k] = struct{}{}
	}
	return v
}

// Add inserts key and reports whether it was new.
func (v *Visited) Add(key ledger.AccountKey) bool {
	if _, ok := v.seen[key]; ok {
		return false
	}
	v.seen[key] = struct{}{}
	return true
}

// Has reports membership.
func (v *Visited) Has(key ledger.AccountKey) bool {
	_, ok := v.seen[key]
	return ok
}

// Len returns the number of accounts reached.
func (v *Visited) Len() int {
	return len(v.seen)
}

// CascadeEdge is a destination account whose inbound cost changed.
type CascadeEdge struct {
	Account    ledger.AccountKey
	AfterDate  time.Time
	MovementID id.ID
}

// Result summarizes one account replay.
type Result struct {
	Account     ledger.AccountKey
	AfterDate   time.Time
	Rows        int
	Final       ledger.Position
	SalesSynced int
	Cascades    []CascadeEdge
	// Stale holds destinations already in visited whose inbound cost changed.
	// The chain replays them again or hands them to the queue.
	Stale []CascadeEdge
}

// RecalculatedPayload is the outbox payload of EventRecalculated.
type RecalculatedPayload struct {
	WarehouseID id.ID              `json:"warehouseId"`
	Product     ledger.ProductType `json:"product"`
	AfterDate   time.Time          `json:"afterDate"`
	Rows        int                `json:"rows"`
	Balance     string             `json:"balance"`
	AverageCost string             `json:"averageCost"`
	Cascades    []string           `json:"cascades,omitempty"`
	Actor       string             `json:"actor"`
}

// Recalculator replays one account's transactions in chronological order and
// rewrites every snapshot from the first affected row onward.
type Recalculator struct {
	accounts     ledger.AccountRepository
	transactions ledger.TransactionRepository
	sources      *SourceRegistry
	events       event.Publisher
}

// NewRecalculator creates a recalculator. events may be nil.
func NewRecalculator(
	accounts ledger.AccountRepository,
	transactions ledger.TransactionRepository,
	sources *SourceRegistry,
	events event.Publisher,
) *Recalculator {
	return &Recalculator{
		accounts:     accounts,
		transactions: transactions,
		sources:      sources,
		events:       events,
	}
}

// Recalculate replays key from afterDate inside the caller's transaction.
// The caller holds the account lock. Destination accounts whose transfer cost
// changed and that are not yet in visited are added to it and returned as edges;
// those already visited are returned as stale edges.
func (r *Recalculator) Recalculate(ctx context.Context, key ledger.AccountKey, afterDate time.Time, actor string, visited *Visited) (*Result, error) {
	ctx, span := tracer.Start(ctx, "recalc.replay",
		trace.WithAttributes(
			attribute.String("ledger.account", key.String()),
			attribute.String("ledger.after_date", afterDate.UTC().Format(time.RFC3339)),
		))
	defer span.End()

	res, err := r.recalculate(ctx, key, afterDate, actor, visited)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("ledger.rows", res.Rows),
		attribute.Int("ledger.cascades", len(res.Cascades)),
		attribute.Int("ledger.stale", len(res.Stale)),
	)
	return res, nil
}

func (r *Recalculator) recalculate(ctx context.Context, key ledger.AccountKey, afterDate time.Time, actor string, visited *Visited) (*Result, error) {
	if visited == nil {
		visited = NewVisited()
	}
	visited.Add(key)

	pos := ledger.ZeroPosition()
	prev, err := r.transactions.LastBefore(ctx, key, afterDate)
	if err != nil {
		return nil, fmt.Errorf("load previous row: %w", err)
	}
	if prev != nil {
		pos = prev.After()
	}

	rows, err := r.transactions.ListFrom(ctx, key, afterDate)
	if err != nil {
		return nil, fmt.Errorf("load rows: %w", err)
	}

	for _, row := range rows {
		cost := types.Zero()
		if row.Type.IsInbound() {
			cost, err = r.sources.IncomingCost(ctx, row)
			if err != nil {
				return nil, fmt.Errorf("incoming cost of %s: %w", row.ID, err)
			}
		}
		step := ledger.Apply(pos, row.Direction(), row.Quantity, cost)
		row.Record(step)
		pos = step.After
	}

	if err := r.transactions.UpdateSnapshots(ctx, rows); err != nil {
		return nil, fmt.Errorf("update snapshots: %w", err)
	}
	if err := r.accounts.SavePosition(ctx, key, pos); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}

	res := &Result{
		Account:   key,
		AfterDate: afterDate,
		Rows:      len(rows),
		Final:     pos,
	}

	for _, row := range rows {
		if row.Type.IsInbound() {
			continue
		}
		changed, err := r.sources.SyncSale(ctx, row)
		if err != nil {
			return nil, fmt.Errorf("sync sale: %w", err)
		}
		if changed {
			res.SalesSynced++
		}
	}

	if err := r.discoverCascades(ctx, rows, visited, res); err != nil {
		return nil, err
	}

	if err := r.publish(ctx, res, actor); err != nil {
		return nil, err
	}

	logger.Debug(ctx, "account replayed",
		"account", key.String(),
		"after_date", afterDate,
		"rows", res.Rows,
		"balance", pos.Balance.String(),
		"average_cost", pos.AverageCost.String(),
		"sales_synced", res.SalesSynced,
		"cascades", len(res.Cascades),
	)
	return res, nil
}

// discoverCascades reprices outgoing transfers and collects the destinations to replay.
func (r *Recalculator) discoverCascades(ctx context.Context, rows []*ledger.Transaction, visited *Visited, res *Result) error {
	pending := make(map[ledger.AccountKey]int)
	stale := make(map[ledger.AccountKey]int)

	for _, row := range rows {
		if row.Type != ledger.TypeTransferOut || row.Source.Type != ledger.SourceMovement {
			continue
		}

		movements := r.sources.Movements()
		m, err := movements.GetByID(ctx, row.Source.ID)
		if err != nil {
			return fmt.Errorf("movement %s: %w", row.Source.ID, err)
		}

		total, changed := m.Reprice(row.AverageCostBefore)
		if !changed {
			continue
		}
		if err := movements.UpdateTotalCost(ctx, m.ID, total); err != nil {
			return fmt.Errorf("update movement %s cost: %w", m.ID, err)
		}

		dest := m.DestinationAccount()
		in, err := r.transactions.FindBySource(ctx, dest, row.Source, ledger.TypeTransferIn)
		if err != nil {
			if apperror.IsNotFound(err) {
				logger.Warn(ctx, "movement has no inbound row yet",
					"movement_id", m.ID,
					"destination", dest.String(),
				)
				continue
			}
			return fmt.Errorf("find inbound row of movement %s: %w", m.ID, err)
		}

		if i, ok := pending[dest]; ok {
			if in.EffectiveAt().Before(res.Cascades[i].AfterDate) {
				res.Cascades[i].AfterDate = in.EffectiveAt()
			}
			continue
		}
		if i, ok := stale[dest]; ok {
			if in.EffectiveAt().Before(res.Stale[i].AfterDate) {
				res.Stale[i].AfterDate = in.EffectiveAt()
			}
			continue
		}
		if !visited.Add(dest) {
			stale[dest] = len(res.Stale)
			res.Stale = append(res.Stale, CascadeEdge{
				Account:    dest,
				AfterDate:  in.EffectiveAt(),
				MovementID: m.ID,
			})
			continue
		}
		pending[dest] = len(res.Cascades)
		res.Cascades = append(res.Cascades, CascadeEdge{
			Account:    dest,
			AfterDate:  in.EffectiveAt(),
			MovementID: m.ID,
		})
	}
	return nil
}

func (r *Recalculator) publish(ctx context.Context, res *Result, actor string) error {
	if r.events == nil {
		return nil
	}

	cascades := make([]string, 0, len(res.Cascades))
	for _, c := range res.Cascades {
		cascades = append(cascades, c.Account.String())
	}

	err := r.events.Publish(ctx, event.Event{
		AggregateType: "warehouse_account",
		AggregateID:   res.Account.WarehouseID,
		EventType:     EventRecalculated,
		Payload: RecalculatedPayload{
			WarehouseID: res.Account.WarehouseID,
			Product:     res.Account.Product,
			AfterDate:   res.AfterDate,
			Rows:        res.Rows,
			Balance:     res.Final.Balance.String(),
			AverageCost: res.Final.AverageCost.String(),
			Cascades:    cascades,
			Actor:       actor,
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", EventRecalculated, err)
	}
	return nil
}
