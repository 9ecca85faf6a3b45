package document_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/domain"
	"stockledger/internal/domain/stockcount"
	"stockledger/internal/infrastructure/storage/postgres"
)

const (
	stockCountsTable     = "stock_counts"
	stockCountLinesTable = "stock_count_lines"
)

var stockCountLineColumns = postgres.ExtractDBColumns[stockcount.Line]()

// StockCountRepo implements stockcount.Repository.
type StockCountRepo struct {
	*BaseDocumentRepo[*stockcount.StockCount]
}

// NewStockCountRepo creates a new stock count repository.
func NewStockCountRepo(txManager *postgres.TxManager) *StockCountRepo {
	return &StockCountRepo{
		BaseDocumentRepo: NewBaseDocumentRepo[*stockcount.StockCount](
			txManager,
			stockCountsTable,
			"stock count",
			postgres.ExtractDBColumns[stockcount.StockCount](),
			"counted_at DESC",
			func() *stockcount.StockCount { return &stockcount.StockCount{} },
		),
	}
}

// Create stores the header and its lines.
func (r *StockCountRepo) Create(ctx context.Context, doc *stockcount.StockCount) error {
	if err := r.insertHeader(ctx, doc); err != nil {
		return err
	}
	return r.insertLines(ctx, doc.ID, doc.Lines)
}

// GetByID retrieves a count with lines.
func (r *StockCountRepo) GetByID(ctx context.Context, docID id.ID) (*stockcount.StockCount, error) {
	return r.get(ctx, docID, false)
}

// GetForUpdate retrieves a count with lines and locks the header row.
func (r *StockCountRepo) GetForUpdate(ctx context.Context, docID id.ID) (*stockcount.StockCount, error) {
	return r.get(ctx, docID, true)
}

func (r *StockCountRepo) get(ctx context.Context, docID id.ID, forUpdate bool) (*stockcount.StockCount, error) {
	doc, err := r.getHeader(ctx, docID, forUpdate)
	if err != nil {
		return nil, err
	}
	lines, err := r.GetLines(ctx, docID)
	if err != nil {
		return nil, err
	}
	doc.Lines = lines
	return doc, nil
}

// GetLines returns the lines of a count in line order.
func (r *StockCountRepo) GetLines(ctx context.Context, docID id.ID) ([]stockcount.Line, error) {
	q := r.Builder().
		Select(stockCountLineColumns...).
		From(stockCountLinesTable).
		Where(squirrel.Eq{"count_id": docID}).
		OrderBy("line_no")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var lines []stockcount.Line
	if err := pgxscan.Select(ctx, r.querier(ctx), &lines, sql, args...); err != nil {
		return nil, fmt.Errorf("get lines: %w", err)
	}
	return lines, nil
}

func (r *StockCountRepo) insertLines(ctx context.Context, docID id.ID, lines []stockcount.Line) error {
	if len(lines) == 0 {
		return nil
	}

	q := r.Builder().
		Insert(stockCountLinesTable).
		Columns(append([]string{"count_id"}, stockCountLineColumns...)...)

	for i := range lines {
		q = q.Values(append([]any{docID}, postgres.StructToRow(&lines[i])...)...)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert lines: %w", err)
	}

	if _, err := r.querier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert lines: %w", err)
	}
	return nil
}

// Update saves status fields and the book and adjustment results of every line.
func (r *StockCountRepo) Update(ctx context.Context, doc *stockcount.StockCount) error {
	q := r.Builder().
		Update(stockCountsTable).
		Set("status", doc.Status).
		Set("processed_at", doc.ProcessedAt).
		Set("processed_by", doc.ProcessedBy).
		Set("reject_reason", doc.RejectReason).
		Where(squirrel.Eq{"id": doc.ID})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	querier := r.querier(ctx)
	result, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update stock count: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewNotFound("stock count", doc.ID.String())
	}

	queries := make([]postgres.BatchQuery, 0, len(doc.Lines))
	for _, line := range doc.Lines {
		lq := r.Builder().
			Update(stockCountLinesTable).
			Set("book_quantity", line.BookQuantity).
			Set("adjustment_quantity", line.AdjustmentQuantity).
			Where(squirrel.Eq{"line_id": line.LineID})
		lsql, largs, err := lq.ToSql()
		if err != nil {
			return fmt.Errorf("build line update: %w", err)
		}
		queries = append(queries, postgres.BatchQuery{SQL: lsql, Args: largs})
	}
	if len(queries) == 0 {
		return nil
	}

	if _, err := postgres.NewBatchExecutor(r.txManager).ExecuteBatch(ctx, queries); err != nil {
		return fmt.Errorf("update lines: %w", err)
	}
	return nil
}

// List returns count headers matching filter. Lines are not loaded.
func (r *StockCountRepo) List(ctx context.Context, filter stockcount.ListFilter) (domain.ListResult[*stockcount.StockCount], error) {
	q := r.baseSelect()

	if filter.LocationID != nil {
		q = q.Where(squirrel.Eq{"location_id": *filter.LocationID})
	}
	if filter.Status != nil {
		q = q.Where(squirrel.Eq{"status": *filter.Status})
	}
	if filter.DateFrom != nil {
		q = q.Where(squirrel.GtOrEq{"counted_at": *filter.DateFrom})
	}
	if filter.DateTo != nil {
		q = q.Where(squirrel.LtOrEq{"counted_at": *filter.DateTo})
	}

	return r.list(ctx, q, filter.ListFilter)
}

var _ stockcount.Repository = (*StockCountRepo)(nil)
