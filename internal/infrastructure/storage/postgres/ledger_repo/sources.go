package ledger_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/storage/postgres"
)

// sourceRow is one upstream line in the shape shared by every source query.
type sourceRow struct {
	Kind       stock.SourceEventKind `db:"kind"`
	DocumentID string                `db:"document_id"`
	ProductID  id.ID                 `db:"product_id"`
	LocationID id.ID                 `db:"location_id"`
	Quantity   types.Quantity        `db:"quantity"`
	UnitCost   types.Money           `db:"unit_cost"`
	OccurredAt time.Time             `db:"occurred_at"`
}

// sourceSQL lists the non-production upstream lines. Only consignment returns
// in good condition go back to stock. $1 and $2 are optional scope filters.
const sourceSQL = `
	SELECT * FROM (
		SELECT 'purchase_receipt' AS kind, id::text AS document_id, product_id, location_id,
		       quantity, unit_cost, received_at AS occurred_at
		FROM purchase_receipt_lines
		WHERE NOT cancelled
		UNION ALL
		SELECT 'sale', id::text, product_id, location_id,
		       quantity, 0, finalized_at
		FROM sales_lines
		WHERE NOT cancelled AND finalized_at IS NOT NULL
		UNION ALL
		SELECT CASE kind WHEN 'sale' THEN 'consignment_sale' ELSE 'consignment_return' END,
		       id::text, product_id, location_id, quantity, unit_cost, occurred_at
		FROM consignment_events
		WHERE kind = 'sale' OR condition = 'good'
		UNION ALL
		SELECT 'stock_count', c.id::text, l.product_id, c.location_id,
		       l.adjustment_quantity, l.unit_cost, c.counted_at
		FROM stock_count_lines l
		JOIN stock_counts c ON c.id = l.count_id
		WHERE c.status = 'approved' AND COALESCE(l.adjustment_quantity, 0) <> 0
	) src
	WHERE ($1::uuid IS NULL OR product_id = $1) AND ($2::uuid IS NULL OR location_id = $2)
`

// productionSQL lists posted productions touching the scope through the output or any material.
const productionSQL = `
	SELECT p.id, p.output_product_id AS product_id, p.location_id,
	       p.output_quantity AS quantity, p.posted_at AS occurred_at
	FROM production_postings p
	WHERE NOT p.cancelled AND p.posted_at IS NOT NULL
	  AND (
		(($1::uuid IS NULL OR p.output_product_id = $1) AND ($2::uuid IS NULL OR p.location_id = $2))
		OR EXISTS (
			SELECT 1 FROM production_materials m
			WHERE m.production_id = p.id
			  AND ($1::uuid IS NULL OR m.product_id = $1)
			  AND ($2::uuid IS NULL OR COALESCE(m.location_id, p.location_id) = $2)
		)
	  )
`

const materialsSQL = `
	SELECT production_id, product_id, location_id, quantity
	FROM production_materials
	WHERE production_id = ANY($1::uuid[])
	ORDER BY production_id, product_id
`

type productionRow struct {
	ID         id.ID          `db:"id"`
	ProductID  id.ID          `db:"product_id"`
	LocationID id.ID          `db:"location_id"`
	Quantity   types.Quantity `db:"quantity"`
	OccurredAt time.Time      `db:"occurred_at"`
}

type materialRow struct {
	ProductionID id.ID          `db:"production_id"`
	ProductID    id.ID          `db:"product_id"`
	LocationID   *id.ID         `db:"location_id"`
	Quantity     types.Quantity `db:"quantity"`
}

// SourceRepo reads upstream documents for Rebuild.
type SourceRepo struct {
	txManager *postgres.TxManager
}

// NewSourceRepo creates a new source document reader.
func NewSourceRepo(txManager *postgres.TxManager) *SourceRepo {
	return &SourceRepo{txManager: txManager}
}

// ReadSourceEvents returns every upstream event affecting scope, unordered.
func (r *SourceRepo) ReadSourceEvents(ctx context.Context, scope stock.Scope) ([]stock.SourceEvent, error) {
	querier := r.txManager.GetQuerier(ctx)

	var rows []sourceRow
	if err := pgxscan.Select(ctx, querier, &rows, sourceSQL, scope.ProductID, scope.LocationID); err != nil {
		return nil, fmt.Errorf("select source lines: %w", err)
	}

	events := make([]stock.SourceEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, stock.SourceEvent{
			Kind:       row.Kind,
			DocumentID: row.DocumentID,
			ProductID:  row.ProductID,
			LocationID: row.LocationID,
			Quantity:   row.Quantity,
			UnitCost:   row.UnitCost,
			OccurredAt: row.OccurredAt,
		})
	}

	productions, err := r.readProductions(ctx, scope)
	if err != nil {
		return nil, err
	}
	return append(events, productions...), nil
}

func (r *SourceRepo) readProductions(ctx context.Context, scope stock.Scope) ([]stock.SourceEvent, error) {
	querier := r.txManager.GetQuerier(ctx)

	var postings []productionRow
	if err := pgxscan.Select(ctx, querier, &postings, productionSQL, scope.ProductID, scope.LocationID); err != nil {
		return nil, fmt.Errorf("select productions: %w", err)
	}
	if len(postings) == 0 {
		return nil, nil
	}

	ids := make([]id.ID, 0, len(postings))
	for _, p := range postings {
		ids = append(ids, p.ID)
	}

	var materials []materialRow
	if err := pgxscan.Select(ctx, querier, &materials, materialsSQL, ids); err != nil {
		return nil, fmt.Errorf("select production materials: %w", err)
	}

	byPosting := make(map[id.ID][]stock.MaterialLine, len(postings))
	for _, m := range materials {
		byPosting[m.ProductionID] = append(byPosting[m.ProductionID], stock.MaterialLine{
			ProductID:  m.ProductID,
			LocationID: m.LocationID,
			Quantity:   m.Quantity,
		})
	}

	events := make([]stock.SourceEvent, 0, len(postings))
	for _, p := range postings {
		events = append(events, stock.SourceEvent{
			Kind:       stock.EventProduction,
			DocumentID: p.ID.String(),
			ProductID:  p.ProductID,
			LocationID: p.LocationID,
			Quantity:   p.Quantity,
			UnitCost:   types.Zero(),
			OccurredAt: p.OccurredAt,
			Materials:  byPosting[p.ID],
		})
	}
	return events, nil
}

var _ stock.SourceReader = (*SourceRepo)(nil)
