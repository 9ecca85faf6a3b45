// Package stockcount provides the physical stock count document and its
// pending → approved | rejected approval flow.
package stockcount

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// Status of a stock count.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// IsFinal reports whether the count can no longer change.
func (s Status) IsFinal() bool {
	return s == StatusApproved || s == StatusRejected
}

// StockCount is a counted snapshot of one location.
type StockCount struct {
	ID           id.ID      `db:"id" json:"id"`
	Number       string     `db:"number" json:"number"`
	LocationID   id.ID      `db:"location_id" json:"locationId"`
	CountedAt    time.Time  `db:"counted_at" json:"countedAt"`
	Status       Status     `db:"status" json:"status"`
	Description  string     `db:"description" json:"description,omitempty"`
	CreatedBy    string     `db:"created_by" json:"createdBy"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	ProcessedAt  *time.Time `db:"processed_at" json:"processedAt,omitempty"`
	ProcessedBy  *string    `db:"processed_by" json:"processedBy,omitempty"`
	RejectReason *string    `db:"reject_reason" json:"rejectReason,omitempty"`

	Lines []Line `db:"-" json:"lines"`
}

// Line is the counted quantity of one product.
// BookQuantity and AdjustmentQuantity are filled on approval.
type Line struct {
	LineID             id.ID           `db:"line_id" json:"lineId"`
	LineNo             int             `db:"line_no" json:"lineNo"`
	ProductID          id.ID           `db:"product_id" json:"productId"`
	CountedQuantity    types.Quantity  `db:"counted_quantity" json:"countedQuantity"`
	UnitCost           types.Money     `db:"unit_cost" json:"unitCost"`
	BookQuantity       *types.Quantity `db:"book_quantity" json:"bookQuantity,omitempty"`
	AdjustmentQuantity *types.Quantity `db:"adjustment_quantity" json:"adjustmentQuantity,omitempty"`
}

// NewStockCount creates a pending count.
func NewStockCount(locationID id.ID, countedAt time.Time) *StockCount {
	return &StockCount{
		ID:         id.New(),
		LocationID: locationID,
		CountedAt:  countedAt.UTC(),
		Status:     StatusPending,
		Lines:      make([]Line, 0),
	}
}

// AddLine appends a counted product.
func (c *StockCount) AddLine(productID id.ID, counted types.Quantity, unitCost types.Money) {
	c.Lines = append(c.Lines, Line{
		LineID:          id.New(),
		LineNo:          len(c.Lines) + 1,
		ProductID:       productID,
		CountedQuantity: counted,
		UnitCost:        unitCost,
	})
}

// Validate checks the document before it is stored.
func (c *StockCount) Validate() error {
	if id.IsNil(c.LocationID) {
		return apperror.NewValidation("location is required").
			WithDetail("field", "locationId")
	}
	if c.CountedAt.IsZero() {
		return apperror.NewValidation("counted date is required").
			WithDetail("field", "countedAt")
	}
	if len(c.Lines) == 0 {
		return apperror.NewValidation("stock count requires at least one line")
	}

	seen := make(map[id.ID]int, len(c.Lines))
	for i, line := range c.Lines {
		if id.IsNil(line.ProductID) {
			return apperror.NewValidation(fmt.Sprintf("line %d: product is required", i+1)).
				WithDetail("lineNo", i+1)
		}
		if line.CountedQuantity.IsNegative() || !types.HasQuantityPrecision(line.CountedQuantity) {
			return apperror.NewInvalidQuantity(fmt.Sprintf("lines[%d].countedQuantity", i), line.CountedQuantity.String())
		}
		if line.UnitCost.IsNegative() {
			return apperror.NewValidation(fmt.Sprintf("line %d: unit cost must not be negative", i+1)).
				WithDetail("lineNo", i+1)
		}
		if prev, ok := seen[line.ProductID]; ok {
			return apperror.NewValidation(fmt.Sprintf("line %d repeats the product of line %d", i+1, prev)).
				WithDetail("lineNo", i+1)
		}
		seen[line.ProductID] = i + 1
	}
	return nil
}

// CanProcess returns AlreadyProcessed for an approved or rejected count.
func (c *StockCount) CanProcess() error {
	if c.Status.IsFinal() {
		return apperror.NewAlreadyProcessed("stock count", c.ID, string(c.Status))
	}
	return nil
}

// Approve moves the count to approved.
func (c *StockCount) Approve(by string, at time.Time) error {
	if err := c.CanProcess(); err != nil {
		return err
	}
	c.Status = StatusApproved
	c.ProcessedAt = &at
	c.ProcessedBy = &by
	return nil
}

// Reject moves the count to rejected without touching stock.
func (c *StockCount) Reject(by, reason string, at time.Time) error {
	if err := c.CanProcess(); err != nil {
		return err
	}
	c.Status = StatusRejected
	c.ProcessedAt = &at
	c.ProcessedBy = &by
	if reason != "" {
		c.RejectReason = &reason
	}
	return nil
}

// linesInLockOrder returns line indexes ordered by product id.
func (c *StockCount) linesInLockOrder() []int {
	idx := make([]int, len(c.Lines))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		pa, pb := c.Lines[idx[a]].ProductID, c.Lines[idx[b]].ProductID
		return bytes.Compare(pa[:], pb[:]) < 0
	})
	return idx
}
