package document_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/id"
	"avfuel/internal/domain/documents/deal"
	"avfuel/internal/domain/ledger"
	"avfuel/internal/infrastructure/storage/postgres"
)

// Sale record tables. Both kinds share the cost-basis columns.
const (
	WholesaleDealsTable = "doc_wholesale_deals"
	RefuelingsTable     = "doc_refuelings"
)

var _ deal.Repository = (*SaleRepo)(nil)

var saleColumns = postgres.ExtractDBColumns[deal.SaleRecord]()

// SaleRepo implements deal.Repository over one sale table.
type SaleRepo struct {
	txManager *postgres.TxManager
	table     string
	kind      ledger.SourceType
	builder   squirrel.StatementBuilderType
}

// NewSaleRepo creates a repository for the sale records of one kind.
func NewSaleRepo(txManager *postgres.TxManager, table string, kind ledger.SourceType) *SaleRepo {
	return &SaleRepo{
		txManager: txManager,
		table:     table,
		kind:      kind,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// NewWholesaleDealRepo stores wholesale deals.
func NewWholesaleDealRepo(txManager *postgres.TxManager) *SaleRepo {
	return NewSaleRepo(txManager, WholesaleDealsTable, ledger.SourceWholesaleDeal)
}

// NewRefuelingRepo stores aircraft refuelings.
func NewRefuelingRepo(txManager *postgres.TxManager) *SaleRepo {
	return NewSaleRepo(txManager, RefuelingsTable, ledger.SourceRefueling)
}

// GetByID loads a sale record.
func (r *SaleRepo) GetByID(ctx context.Context, recordID id.ID) (*deal.SaleRecord, error) {
	sql, args, err := r.builder.Select(saleColumns...).
		From(r.table).
		Where(squirrel.Eq{"id": recordID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var s deal.SaleRecord
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &s, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound(string(r.kind), recordID)
		}
		return nil, fmt.Errorf("get %s: %w", r.kind, err)
	}
	s.Kind = r.kind
	return &s, nil
}

func (r *SaleRepo) updateCostBasisQuery(s *deal.SaleRecord) squirrel.UpdateBuilder {
	return r.builder.Update(r.table).
		Set("purchase_price", s.PurchasePrice).
		Set("purchase_amount", s.PurchaseAmount).
		Set("profit", s.Profit).
		Set("cost_modified", s.CostModified).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": s.ID})
}

// UpdateCostBasis writes the purchase side and profit.
func (r *SaleRepo) UpdateCostBasis(ctx context.Context, s *deal.SaleRecord) error {
	sql, args, err := r.updateCostBasisQuery(s).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", r.kind, s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound(string(r.kind), s.ID)
	}
	return nil
}
