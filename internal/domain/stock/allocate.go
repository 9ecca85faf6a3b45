package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stockledger/internal/core/apperror"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// AllocateRequest asks for quantity units of a product to leave a location.
type AllocateRequest struct {
	ProductID  id.ID
	LocationID id.ID
	Quantity   types.Quantity
	Reference  DocumentRef
	OccurredAt time.Time
}

// Key returns the idempotency key of the request.
func (r AllocateRequest) Key() AllocationKey {
	return AllocationKey{Reference: r.Reference, ProductID: r.ProductID, LocationID: r.LocationID}
}

// Validate checks the request before storage is touched.
func (r *AllocateRequest) Validate() error {
	if id.IsNil(r.ProductID) {
		return apperror.NewValidation("product_id is required")
	}
	if id.IsNil(r.LocationID) {
		return apperror.NewValidation("location_id is required")
	}
	if !r.Quantity.IsPositive() || !types.HasQuantityPrecision(r.Quantity) {
		return apperror.NewInvalidQuantity("quantity", r.Quantity.String())
	}
	if !r.Reference.Type.IsConsumptionReference() {
		return apperror.NewValidation(fmt.Sprintf("reference type %q cannot consume stock", r.Reference.Type))
	}
	if r.Reference.ID == "" {
		return apperror.NewValidation("reference id is required")
	}
	return nil
}

// AllocationResult describes the batches an allocation consumed.
type AllocationResult struct {
	AllocationID     id.ID          `json:"allocationId"`
	ProductID        id.ID          `json:"productId"`
	LocationID       id.ID          `json:"locationId"`
	Quantity         types.Quantity `json:"quantity"`
	TotalCost        types.Money    `json:"totalCost"`
	WeightedUnitCost types.Money    `json:"weightedUnitCost"`
	Consumptions     []Consumption  `json:"consumptions"`
	Duplicate        bool           `json:"duplicate"`
}

func movementKindFor(ref DocumentType) MovementKind {
	if ref == DocStockCount {
		return KindAdjustment
	}
	return KindConsumption
}

// Allocate consumes stock oldest batch first and returns the cost of goods.
// Either every touched batch and ledger entry is persisted or nothing is.
// Replaying the same reference with the same quantity returns the original result.
func (s *Service) Allocate(ctx context.Context, req AllocateRequest) (*AllocationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var result *AllocationResult
	attrs := []attribute.KeyValue{
		attribute.String("product_id", req.ProductID.String()),
		attribute.String("location_id", req.LocationID.String()),
		attribute.String("reference", req.Reference.String()),
	}
	err := s.observe(ctx, "allocate", attrs, func(ctx context.Context) error {
		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			var err error
			result, err = s.allocateLocked(ctx, req)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) allocateLocked(ctx context.Context, req AllocateRequest) (*AllocationResult, error) {
	bal, err := s.repo.LockPair(ctx, req.ProductID, req.LocationID)
	if err != nil {
		return nil, storageErr("lock pair", err)
	}

	existing, err := s.repo.FindAllocation(ctx, req.Key(), false)
	if err != nil {
		return nil, storageErr("find allocation", err)
	}
	if existing != nil {
		return s.replayAllocation(ctx, existing, req)
	}

	batches, err := s.repo.ListOpenBatches(ctx, req.ProductID, req.LocationID)
	if err != nil {
		return nil, storageErr("list open batches", err)
	}

	plan, err := PlanFIFO(batches, req.Quantity)
	if errors.Is(err, ErrInsufficientStock) {
		logger.Warn(ctx, "insufficient stock",
			"product_id", req.ProductID,
			"location_id", req.LocationID,
			"requested", req.Quantity.String(),
			"available", plan.Available.String(),
		)
		return nil, apperror.NewInsufficientStock(
			req.ProductID.String(), req.LocationID.String(),
			req.Quantity.String(), plan.Available.String(),
		)
	}
	if err != nil {
		return nil, err
	}

	occurredAt := s.occurredAt(req.OccurredAt)
	now := s.now()
	alloc := &Allocation{
		ID:            id.New(),
		ProductID:     req.ProductID,
		LocationID:    req.LocationID,
		ReferenceType: req.Reference.Type,
		ReferenceID:   req.Reference.ID,
		Quantity:      req.Quantity,
		TotalCost:     plan.TotalCost,
		OccurredAt:    occurredAt,
		CreatedAt:     now,
	}
	if err := s.repo.CreateAllocation(ctx, alloc); err != nil {
		return nil, storageErr("create allocation", err)
	}

	actor := appctx.Actor(ctx)
	kind := movementKindFor(req.Reference.Type)
	movements := make([]Movement, 0, len(plan.Consumptions))
	for _, c := range plan.Consumptions {
		if err := s.repo.UpdateRemaining(ctx, c.BatchID, c.BatchRemainingAfter); err != nil {
			return nil, storageErr("update batch", err)
		}
		batchID := c.BatchID
		allocID := alloc.ID
		movements = append(movements, Movement{
			ID:                  id.New(),
			Kind:                kind,
			Direction:           DirectionOut,
			ProductID:           req.ProductID,
			LocationID:          req.LocationID,
			Quantity:            c.QuantityTaken,
			UnitCost:            c.UnitCost,
			OccurredAt:          occurredAt,
			ReferenceType:       req.Reference.Type,
			ReferenceID:         req.Reference.ID,
			BatchID:             &batchID,
			AllocationID:        &allocID,
			BatchRemainingAfter: c.BatchRemainingAfter,
			CreatedBy:           actor,
			CreatedAt:           now,
		})
	}
	if err := s.repo.AppendMovements(ctx, movements); err != nil {
		return nil, storageErr("append movements", err)
	}

	if err := s.applyToBalance(ctx, bal, req.Quantity.Neg(), plan.TotalCost.Neg(), occurredAt); err != nil {
		return nil, storageErr("save balance", err)
	}

	logger.Info(ctx, "stock allocated",
		"allocation_id", alloc.ID,
		"product_id", req.ProductID,
		"location_id", req.LocationID,
		"reference", req.Reference.String(),
		"quantity", req.Quantity.String(),
		"total_cost", plan.TotalCost.String(),
		"batches", len(plan.Consumptions),
	)

	return newAllocationResult(alloc, plan.Consumptions, false), nil
}

// replayAllocation answers a retried request from what was persisted the first time.
func (s *Service) replayAllocation(ctx context.Context, alloc *Allocation, req AllocateRequest) (*AllocationResult, error) {
	if !alloc.Quantity.Equal(req.Quantity) {
		return nil, apperror.NewConflict("allocation already recorded with a different quantity").
			WithDetail("reference", req.Reference.String()).
			WithDetail("recorded", alloc.Quantity.String()).
			WithDetail("requested", req.Quantity.String())
	}

	movements, err := s.repo.ListAllocationMovements(ctx, alloc.ID)
	if err != nil {
		return nil, storageErr("list allocation movements", err)
	}
	consumptions := make([]Consumption, 0, len(movements))
	for _, m := range movements {
		if m.BatchID == nil {
			continue
		}
		consumptions = append(consumptions, Consumption{
			BatchID:             *m.BatchID,
			QuantityTaken:       m.Quantity,
			UnitCost:            m.UnitCost,
			BatchRemainingAfter: m.BatchRemainingAfter,
		})
	}

	logger.Info(ctx, "duplicate allocation ignored",
		"allocation_id", alloc.ID,
		"reference", req.Reference.String(),
	)
	return newAllocationResult(alloc, consumptions, true), nil
}

func newAllocationResult(alloc *Allocation, consumptions []Consumption, duplicate bool) *AllocationResult {
	return &AllocationResult{
		AllocationID:     alloc.ID,
		ProductID:        alloc.ProductID,
		LocationID:       alloc.LocationID,
		Quantity:         alloc.Quantity,
		TotalCost:        alloc.TotalCost,
		WeightedUnitCost: types.RoundCost(alloc.TotalCost.Div(alloc.Quantity)),
		Consumptions:     consumptions,
		Duplicate:        duplicate,
	}
}
