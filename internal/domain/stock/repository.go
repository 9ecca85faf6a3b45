package stock

import (
	"context"
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// BatchRepository persists cost-bearing batches.
type BatchRepository interface {
	// CreateBatch fails with a conflict when a live batch exists for the receipt key.
	CreateBatch(ctx context.Context, b *Batch) error
	// GetBatch returns a NotFound AppError for an unknown id.
	GetBatch(ctx context.Context, batchID id.ID) (*Batch, error)

	// FindBatch returns the batch created by key, or nil when there is none.
	// Reversed batches are only considered when includeReversed is set.
	FindBatch(ctx context.Context, key ReceiptKey, includeReversed bool) (*Batch, error)

	// ListOpenBatches returns batches with remaining stock ordered by (received_at, id).
	ListOpenBatches(ctx context.Context, productID, locationID id.ID) ([]Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)

	UpdateRemaining(ctx context.Context, batchID id.ID, remaining types.Quantity) error
	MarkReversed(ctx context.Context, batchID id.ID, at time.Time) error
}

// MovementRepository appends to and reads the ledger.
type MovementRepository interface {
	AppendMovements(ctx context.Context, movements []Movement) error
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)

	// ListAllocationMovements returns the out movements of one allocation in creation order.
	ListAllocationMovements(ctx context.Context, allocationID id.ID) ([]Movement, error)

	// GetReceiptMovement returns the in movement that created the batch.
	GetReceiptMovement(ctx context.Context, batchID id.ID) (*Movement, error)

	// OutstandingConsumption is the quantity consumed from a batch and not yet reversed.
	OutstandingConsumption(ctx context.Context, batchID id.ID) (types.Quantity, error)
}

// AllocationRepository persists allocation headers.
type AllocationRepository interface {
	CreateAllocation(ctx context.Context, a *Allocation) error

	// FindAllocation returns the allocation for key, or nil when there is none.
	FindAllocation(ctx context.Context, key AllocationKey, includeReversed bool) (*Allocation, error)
	MarkAllocationReversed(ctx context.Context, allocationID id.ID, at time.Time) error
}

// BalanceRepository maintains the cached balance view.
type BalanceRepository interface {
	// LockPair serializes writers of one (product, location) and returns its
	// cached balance, creating an empty row when none exists. Must run in a transaction.
	LockPair(ctx context.Context, productID, locationID id.ID) (*Balance, error)

	// GetBalance returns the cached balance or nil when the pair was never touched.
	GetBalance(ctx context.Context, productID, locationID id.ID) (*Balance, error)
	SaveBalance(ctx context.Context, b *Balance) error
	ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error)

	// SumOpenBatches computes on-hand quantity and value from batches.
	SumOpenBatches(ctx context.Context, productID, locationID id.ID) (types.Quantity, types.Money, error)
}

// PairTotals aggregates one (product, location) from both ledgers.
type PairTotals struct {
	ProductID      id.ID           `db:"product_id"`
	LocationID     id.ID           `db:"location_id"`
	LedgerIn       types.Quantity  `db:"ledger_in"`
	LedgerOut      types.Quantity  `db:"ledger_out"`
	BatchRemaining types.Quantity  `db:"batch_remaining"`
	BatchCost      types.Money     `db:"batch_cost"`
	CachedQuantity *types.Quantity `db:"cached_quantity"`
	CachedCost     *types.Money    `db:"cached_cost"`
}

// Snapshot is the full derived state of a scope, taken before a rebuild purges it.
type Snapshot struct {
	Scope       Scope        `json:"scope"`
	TakenAt     time.Time    `json:"takenAt"`
	Batches     []Batch      `json:"batches"`
	Movements   []Movement   `json:"movements"`
	Allocations []Allocation `json:"allocations"`
	Balances    []Balance    `json:"balances"`
}

// PurgeStats counts rows removed by PurgeScope.
type PurgeStats struct {
	Batches     int64 `json:"batches"`
	Movements   int64 `json:"movements"`
	Allocations int64 `json:"allocations"`
	Balances    int64 `json:"balances"`
}

// ReconciliationRepository supports Audit and Rebuild.
type ReconciliationRepository interface {
	// LockScope blocks live writers of every pair inside scope until the transaction ends.
	LockScope(ctx context.Context, scope Scope) error
	ReconcileScope(ctx context.Context, scope Scope) ([]PairTotals, error)
	SnapshotScope(ctx context.Context, scope Scope) (*Snapshot, error)
	PurgeScope(ctx context.Context, scope Scope) (PurgeStats, error)
}

// Repository is the full storage contract of the stock ledger.
type Repository interface {
	BatchRepository
	MovementRepository
	AllocationRepository
	BalanceRepository
	ReconciliationRepository
}

// SourceEventKind classifies upstream business events replayed by Rebuild.
type SourceEventKind string

const (
	EventPurchaseReceipt   SourceEventKind = "purchase_receipt"
	EventSale              SourceEventKind = "sale"
	EventConsignmentSale   SourceEventKind = "consignment_sale"
	EventConsignmentReturn SourceEventKind = "consignment_return"
	EventProduction        SourceEventKind = "production"
	EventStockCount        SourceEventKind = "stock_count"
)

// MaterialLine is one input consumed by a production posting.
type MaterialLine struct {
	ProductID  id.ID          `json:"productId"`
	LocationID *id.ID         `json:"locationId,omitempty"` // defaults to the posting location
	Quantity   types.Quantity `json:"quantity"`
}

// SourceEvent is one upstream document line that affects stock.
// Quantity is signed only for stock_count events.
type SourceEvent struct {
	Kind       SourceEventKind
	DocumentID string
	ProductID  id.ID
	LocationID id.ID
	Quantity   types.Quantity
	UnitCost   types.Money
	OccurredAt time.Time
	Materials  []MaterialLine
}

// SourceReader enumerates upstream documents for Rebuild.
type SourceReader interface {
	ReadSourceEvents(ctx context.Context, scope Scope) ([]SourceEvent, error)
}

// Archiver keeps the pre-rebuild snapshot.
type Archiver interface {
	Archive(ctx context.Context, snapshot *Snapshot) (id.ID, error)
}

// Guard is a cross-process lock held for the duration of a rebuild.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(context.Context), err error)
}

// Metrics receives operation outcomes.
type Metrics interface {
	ObserveOperation(op string, err error, d time.Duration)
	ObserveAudit(pairs, drifting int)
	ObserveRebuild(applied, failed int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveOperation(string, error, time.Duration) {}
func (nopMetrics) ObserveAudit(int, int)                         {}
func (nopMetrics) ObserveRebuild(int, int)                       {}
