package stockcount

import (
	"context"
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/domain"
)

// Repository defines persistence for stock counts.
type Repository interface {
	// Create stores the header and its lines.
	Create(ctx context.Context, doc *StockCount) error
	GetByID(ctx context.Context, docID id.ID) (*StockCount, error)

	// GetForUpdate locks the header row until the transaction ends.
	GetForUpdate(ctx context.Context, docID id.ID) (*StockCount, error)

	// Update saves status fields and line results.
	Update(ctx context.Context, doc *StockCount) error

	List(ctx context.Context, filter ListFilter) (domain.ListResult[*StockCount], error)
}

// ListFilter for filtering stock counts.
type ListFilter struct {
	domain.ListFilter

	LocationID *id.ID
	Status     *Status
	DateFrom   *time.Time
	DateTo     *time.Time
}
