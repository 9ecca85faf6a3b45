// Package stock implements the inventory valuation core: cost-bearing batches,
// the movement ledger, FIFO allocation, cached balances and reconciliation.
package stock

import (
	"fmt"
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// DocumentType identifies the business document behind a batch or movement.
type DocumentType string

const (
	// Receipt sources
	DocPurchase   DocumentType = "purchase"
	DocProduction DocumentType = "production"
	DocAdjustment DocumentType = "adjustment"
	DocReturn     DocumentType = "return"

	// Consumption references
	DocSale        DocumentType = "sale"
	DocConsignment DocumentType = "consignment"
	DocStockCount  DocumentType = "stock_count"
)

// IsReceiptSource reports whether t may create a batch.
func (t DocumentType) IsReceiptSource() bool {
	switch t {
	case DocPurchase, DocProduction, DocAdjustment, DocReturn:
		return true
	}
	return false
}

// IsConsumptionReference reports whether t may consume batches.
func (t DocumentType) IsConsumptionReference() bool {
	switch t {
	case DocSale, DocConsignment, DocProduction, DocStockCount:
		return true
	}
	return false
}

// DocumentRef points at an upstream business document (or one of its lines).
type DocumentRef struct {
	Type DocumentType `json:"type"`
	ID   string       `json:"id"`
}

func (r DocumentRef) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

// Direction of a movement relative to on-hand stock.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// MovementKind is the tag of the movement union.
type MovementKind string

const (
	KindReceipt     MovementKind = "receipt"
	KindConsumption MovementKind = "consumption"
	KindAdjustment  MovementKind = "adjustment"
	KindReversal    MovementKind = "reversal"
)

// Batch is one receipt of stock with its own remaining quantity and unit cost.
// FIFO consumes batches ordered by (ReceivedAt, ID).
type Batch struct {
	ID                id.ID          `db:"id" json:"id"`
	ProductID         id.ID          `db:"product_id" json:"productId"`
	LocationID        id.ID          `db:"location_id" json:"locationId"`
	ReceivedAt        time.Time      `db:"received_at" json:"receivedAt"`
	OriginalQuantity  types.Quantity `db:"original_quantity" json:"originalQuantity"`
	RemainingQuantity types.Quantity `db:"remaining_quantity" json:"remainingQuantity"`
	UnitCost          types.Money    `db:"unit_cost" json:"unitCost"`
	SourceType        DocumentType   `db:"source_type" json:"sourceType"`
	SourceID          string         `db:"source_id" json:"sourceId"`
	ReversedAt        *time.Time     `db:"reversed_at" json:"reversedAt,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"createdAt"`
}

// Source returns the document that created the batch.
func (b Batch) Source() DocumentRef {
	return DocumentRef{Type: b.SourceType, ID: b.SourceID}
}

// ReceiptKey returns the idempotency key of the receipt that created the batch.
func (b Batch) ReceiptKey() ReceiptKey {
	return ReceiptKey{Source: b.Source(), ProductID: b.ProductID}
}

// IsOpen reports whether the batch can still be allocated from.
func (b Batch) IsOpen() bool {
	return b.ReversedAt == nil && b.RemainingQuantity.IsPositive()
}

// Value is remaining quantity at unit cost.
func (b Batch) Value() types.Money {
	return b.RemainingQuantity.Mul(b.UnitCost)
}

// Movement is one ledger entry. The ledger is append-only outside of Rebuild.
//
// BatchID is the batch consumed (out) or created (in); reversals carry the
// batch they restore or zero out, and ReversesID names the compensated entry.
type Movement struct {
	ID                  id.ID          `db:"id" json:"id"`
	Kind                MovementKind   `db:"kind" json:"kind"`
	Direction           Direction      `db:"direction" json:"direction"`
	ProductID           id.ID          `db:"product_id" json:"productId"`
	LocationID          id.ID          `db:"location_id" json:"locationId"`
	Quantity            types.Quantity `db:"quantity" json:"quantity"`
	UnitCost            types.Money    `db:"unit_cost" json:"unitCost"`
	OccurredAt          time.Time      `db:"occurred_at" json:"occurredAt"`
	ReferenceType       DocumentType   `db:"reference_type" json:"referenceType"`
	ReferenceID         string         `db:"reference_id" json:"referenceId"`
	BatchID             *id.ID         `db:"batch_id" json:"batchId,omitempty"`
	AllocationID        *id.ID         `db:"allocation_id" json:"allocationId,omitempty"`
	ReversesID          *id.ID         `db:"reverses_id" json:"reversesId,omitempty"`
	BatchRemainingAfter types.Quantity `db:"batch_remaining_after" json:"batchRemainingAfter"`
	CreatedBy           string         `db:"created_by" json:"createdBy"`
	CreatedAt           time.Time      `db:"created_at" json:"createdAt"`
}

// Reference returns the business document of the movement.
func (m Movement) Reference() DocumentRef {
	return DocumentRef{Type: m.ReferenceType, ID: m.ReferenceID}
}

// Signed returns the quantity with the sign of its direction.
func (m Movement) Signed() types.Quantity {
	if m.Direction == DirectionOut {
		return m.Quantity.Neg()
	}
	return m.Quantity
}

// Cost is quantity at unit cost.
func (m Movement) Cost() types.Money {
	return m.Quantity.Mul(m.UnitCost)
}

// Allocation is the persisted header of one Allocate call. It carries the
// structured idempotency key and groups the out movements it produced.
type Allocation struct {
	ID            id.ID          `db:"id" json:"id"`
	ProductID     id.ID          `db:"product_id" json:"productId"`
	LocationID    id.ID          `db:"location_id" json:"locationId"`
	ReferenceType DocumentType   `db:"reference_type" json:"referenceType"`
	ReferenceID   string         `db:"reference_id" json:"referenceId"`
	Quantity      types.Quantity `db:"quantity" json:"quantity"`
	TotalCost     types.Money    `db:"total_cost" json:"totalCost"`
	OccurredAt    time.Time      `db:"occurred_at" json:"occurredAt"`
	ReversedAt    *time.Time     `db:"reversed_at" json:"reversedAt,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"createdAt"`
}

// Key returns the idempotency key of the allocation.
func (a Allocation) Key() AllocationKey {
	return AllocationKey{
		Reference:  DocumentRef{Type: a.ReferenceType, ID: a.ReferenceID},
		ProductID:  a.ProductID,
		LocationID: a.LocationID,
	}
}

// ReceiptKey makes Receive idempotent: one live batch per (source, product).
type ReceiptKey struct {
	Source    DocumentRef `json:"source"`
	ProductID id.ID       `json:"productId"`
}

func (k ReceiptKey) String() string {
	return fmt.Sprintf("%s:%s", k.Source, k.ProductID)
}

// AllocationKey makes Allocate idempotent: one live allocation per (reference, product, location).
type AllocationKey struct {
	Reference  DocumentRef `json:"reference"`
	ProductID  id.ID       `json:"productId"`
	LocationID id.ID       `json:"locationId"`
}

func (k AllocationKey) String() string {
	return fmt.Sprintf("%s:%s@%s", k.Reference, k.ProductID, k.LocationID)
}

// Balance is the cached on-hand view of a (product, location) pair.
// The authoritative value is always recomputable from batches.
type Balance struct {
	ProductID      id.ID          `db:"product_id" json:"productId"`
	LocationID     id.ID          `db:"location_id" json:"locationId"`
	QuantityOnHand types.Quantity `db:"quantity" json:"quantityOnHand"`
	CostValue      types.Money    `db:"cost_value" json:"costValue"`
	LastMovementAt *time.Time     `db:"last_movement_at" json:"lastMovementAt,omitempty"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updatedAt"`
}

// UnitCost is the average cost of what is on hand. Zero when nothing is on hand.
func (b Balance) UnitCost() types.Money {
	if !b.QuantityOnHand.IsPositive() {
		return types.Zero()
	}
	return b.CostValue.Div(b.QuantityOnHand)
}

// Scope narrows Audit and Rebuild. Empty fields match everything.
type Scope struct {
	ProductID  *id.ID `json:"productId,omitempty"`
	LocationID *id.ID `json:"locationId,omitempty"`
}

// Matches reports whether the pair falls inside the scope.
func (s Scope) Matches(productID, locationID id.ID) bool {
	if s.ProductID != nil && *s.ProductID != productID {
		return false
	}
	if s.LocationID != nil && *s.LocationID != locationID {
		return false
	}
	return true
}

// IsPair reports whether the scope names exactly one (product, location).
func (s Scope) IsPair() bool {
	return s.ProductID != nil && s.LocationID != nil
}

func (s Scope) String() string {
	product, location := "*", "*"
	if s.ProductID != nil {
		product = s.ProductID.String()
	}
	if s.LocationID != nil {
		location = s.LocationID.String()
	}
	return "product=" + product + ",location=" + location
}

// BatchFilter selects batches for listing.
type BatchFilter struct {
	ProductID  *id.ID
	LocationID *id.ID
	OpenOnly   bool
	Limit      int
}

// MovementFilter selects ledger entries for listing.
type MovementFilter struct {
	ProductID  *id.ID
	LocationID *id.ID
	Reference  *DocumentRef
	FromDate   *time.Time
	ToDate     *time.Time
	Limit      int
	Offset     int
}

// BalanceFilter selects cached balances for listing.
type BalanceFilter struct {
	ProductID   *id.ID
	LocationID  *id.ID
	ExcludeZero bool
}
