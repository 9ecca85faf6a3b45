package stock

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// CountAdjustment brings a pair to a physically counted quantity.
type CountAdjustment struct {
	CountID         string
	ProductID       id.ID
	LocationID      id.ID
	CountedQuantity types.Quantity
	// UnitCost of found stock. Zero when not supplied.
	UnitCost   types.Money
	OccurredAt time.Time
}

// CountDelta is an already-decided signed adjustment, as recorded by an approved count.
type CountDelta struct {
	CountID    string
	ProductID  id.ID
	LocationID id.ID
	Delta      types.Quantity
	UnitCost   types.Money
	OccurredAt time.Time
}

// AdjustmentResult reports what a count adjustment wrote.
// Receipt is set for a surplus, Allocation for a shortage, neither when book matched.
type AdjustmentResult struct {
	BookQuantity types.Quantity    `json:"bookQuantity"`
	Delta        types.Quantity    `json:"delta"`
	Receipt      *ReceiveResult    `json:"receipt,omitempty"`
	Allocation   *AllocationResult `json:"allocation,omitempty"`
}

func validateCountTarget(countID string, productID, locationID id.ID) error {
	if countID == "" {
		return apperror.NewValidation("count id is required")
	}
	if id.IsNil(productID) {
		return apperror.NewValidation("product_id is required")
	}
	if id.IsNil(locationID) {
		return apperror.NewValidation("location_id is required")
	}
	return nil
}

// AdjustToCount compares the counted quantity with the batch book quantity
// under the pair lock. A surplus becomes a receipt, a shortage an oldest-first allocation.
func (s *Service) AdjustToCount(ctx context.Context, adj CountAdjustment) (*AdjustmentResult, error) {
	if err := validateCountTarget(adj.CountID, adj.ProductID, adj.LocationID); err != nil {
		return nil, err
	}
	if adj.CountedQuantity.IsNegative() || !types.HasQuantityPrecision(adj.CountedQuantity) {
		return nil, apperror.NewInvalidQuantity("counted_quantity", adj.CountedQuantity.String())
	}
	if adj.UnitCost.IsNegative() {
		return nil, apperror.NewValidation("unit_cost must not be negative")
	}

	var result *AdjustmentResult
	attrs := []attribute.KeyValue{
		attribute.String("count_id", adj.CountID),
		attribute.String("product_id", adj.ProductID.String()),
	}
	err := s.observe(ctx, "adjust_to_count", attrs, func(ctx context.Context) error {
		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			if _, err := s.repo.LockPair(ctx, adj.ProductID, adj.LocationID); err != nil {
				return storageErr("lock pair", err)
			}
			book, _, err := s.repo.SumOpenBatches(ctx, adj.ProductID, adj.LocationID)
			if err != nil {
				return storageErr("sum batches", err)
			}

			result, err = s.applyDelta(ctx, CountDelta{
				CountID:    adj.CountID,
				ProductID:  adj.ProductID,
				LocationID: adj.LocationID,
				Delta:      adj.CountedQuantity.Sub(book),
				UnitCost:   adj.UnitCost,
				OccurredAt: adj.OccurredAt,
			})
			if err != nil {
				return err
			}
			result.BookQuantity = book
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyCountAdjustment writes a recorded signed delta. Rebuild replays approved counts through it.
func (s *Service) ApplyCountAdjustment(ctx context.Context, d CountDelta) (*AdjustmentResult, error) {
	if err := validateCountTarget(d.CountID, d.ProductID, d.LocationID); err != nil {
		return nil, err
	}
	if !types.HasQuantityPrecision(d.Delta) {
		return nil, apperror.NewInvalidQuantity("delta", d.Delta.String())
	}
	if d.Delta.IsZero() {
		return &AdjustmentResult{Delta: d.Delta}, nil
	}

	var result *AdjustmentResult
	attrs := []attribute.KeyValue{attribute.String("count_id", d.CountID)}
	err := s.observe(ctx, "apply_count_adjustment", attrs, func(ctx context.Context) error {
		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			if _, err := s.repo.LockPair(ctx, d.ProductID, d.LocationID); err != nil {
				return storageErr("lock pair", err)
			}
			var err error
			result, err = s.applyDelta(ctx, d)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) applyDelta(ctx context.Context, d CountDelta) (*AdjustmentResult, error) {
	result := &AdjustmentResult{Delta: d.Delta}

	switch {
	case d.Delta.IsPositive():
		req := ReceiveRequest{
			ProductID:  d.ProductID,
			LocationID: d.LocationID,
			Quantity:   d.Delta,
			UnitCost:   d.UnitCost,
			Source:     DocumentRef{Type: DocAdjustment, ID: d.CountID},
			OccurredAt: d.OccurredAt,
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		r, err := s.receiveLocked(ctx, req)
		if err != nil {
			return nil, err
		}
		result.Receipt = r

	case d.Delta.IsNegative():
		req := AllocateRequest{
			ProductID:  d.ProductID,
			LocationID: d.LocationID,
			Quantity:   d.Delta.Neg(),
			Reference:  DocumentRef{Type: DocStockCount, ID: d.CountID},
			OccurredAt: d.OccurredAt,
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		a, err := s.allocateLocked(ctx, req)
		if err != nil {
			return nil, err
		}
		result.Allocation = a
	}

	logger.Info(ctx, "stock count applied",
		"count_id", d.CountID,
		"product_id", d.ProductID,
		"location_id", d.LocationID,
		"delta", d.Delta.String(),
	)
	return result, nil
}
