package stock

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stockledger/internal/core/apperror"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// ReceiveRequest records incoming stock as a new batch.
type ReceiveRequest struct {
	ProductID  id.ID
	LocationID id.ID
	Quantity   types.Quantity
	UnitCost   types.Money
	Source     DocumentRef
	OccurredAt time.Time
}

// Key returns the idempotency key of the receipt.
func (r ReceiveRequest) Key() ReceiptKey {
	return ReceiptKey{Source: r.Source, ProductID: r.ProductID}
}

// Validate checks the request before storage is touched.
func (r *ReceiveRequest) Validate() error {
	if id.IsNil(r.ProductID) {
		return apperror.NewValidation("product_id is required")
	}
	if id.IsNil(r.LocationID) {
		return apperror.NewValidation("location_id is required")
	}
	if !r.Quantity.IsPositive() || !types.HasQuantityPrecision(r.Quantity) {
		return apperror.NewInvalidQuantity("quantity", r.Quantity.String())
	}
	if r.UnitCost.IsNegative() {
		return apperror.NewValidation("unit_cost must not be negative").
			WithDetail("unit_cost", r.UnitCost.String())
	}
	r.UnitCost = types.RoundCost(r.UnitCost)
	if !r.Source.Type.IsReceiptSource() {
		return apperror.NewValidation(fmt.Sprintf("source type %q cannot receive stock", r.Source.Type))
	}
	if r.Source.ID == "" {
		return apperror.NewValidation("source id is required")
	}
	return nil
}

// ReceiveResult identifies the batch holding the received stock.
type ReceiveResult struct {
	BatchID    id.ID `json:"batchId"`
	MovementID id.ID `json:"movementId"`
	Duplicate  bool  `json:"duplicate"`
}

// Receive creates a batch and its in movement. A receipt is never merged into
// an existing batch. A repeated key returns the existing batch without writing.
func (s *Service) Receive(ctx context.Context, req ReceiveRequest) (*ReceiveResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var result *ReceiveResult
	attrs := []attribute.KeyValue{
		attribute.String("product_id", req.ProductID.String()),
		attribute.String("location_id", req.LocationID.String()),
		attribute.String("source", req.Source.String()),
	}
	err := s.observe(ctx, "receive", attrs, func(ctx context.Context) error {
		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			var err error
			result, err = s.receiveLocked(ctx, req)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) receiveLocked(ctx context.Context, req ReceiveRequest) (*ReceiveResult, error) {
	bal, err := s.repo.LockPair(ctx, req.ProductID, req.LocationID)
	if err != nil {
		return nil, storageErr("lock pair", err)
	}

	existing, err := s.repo.FindBatch(ctx, req.Key(), false)
	if err != nil {
		return nil, storageErr("find batch", err)
	}
	if existing != nil {
		result := &ReceiveResult{BatchID: existing.ID, Duplicate: true}
		m, err := s.repo.GetReceiptMovement(ctx, existing.ID)
		if err != nil {
			return nil, storageErr("get receipt movement", err)
		}
		if m != nil {
			result.MovementID = m.ID
		}
		logger.Info(ctx, "duplicate receipt ignored",
			"batch_id", existing.ID,
			"key", req.Key().String(),
		)
		return result, nil
	}

	occurredAt := s.occurredAt(req.OccurredAt)
	now := s.now()
	kind := KindReceipt
	if req.Source.Type == DocAdjustment {
		kind = KindAdjustment
	}

	batch := &Batch{
		ID:                id.New(),
		ProductID:         req.ProductID,
		LocationID:        req.LocationID,
		ReceivedAt:        occurredAt,
		OriginalQuantity:  req.Quantity,
		RemainingQuantity: req.Quantity,
		UnitCost:          req.UnitCost,
		SourceType:        req.Source.Type,
		SourceID:          req.Source.ID,
		CreatedAt:         now,
	}
	if err := s.repo.CreateBatch(ctx, batch); err != nil {
		return nil, storageErr("create batch", err)
	}

	batchID := batch.ID
	movement := Movement{
		ID:                  id.New(),
		Kind:                kind,
		Direction:           DirectionIn,
		ProductID:           req.ProductID,
		LocationID:          req.LocationID,
		Quantity:            req.Quantity,
		UnitCost:            req.UnitCost,
		OccurredAt:          occurredAt,
		ReferenceType:       req.Source.Type,
		ReferenceID:         req.Source.ID,
		BatchID:             &batchID,
		BatchRemainingAfter: req.Quantity,
		CreatedBy:           appctx.Actor(ctx),
		CreatedAt:           now,
	}
	if err := s.repo.AppendMovements(ctx, []Movement{movement}); err != nil {
		return nil, storageErr("append movements", err)
	}

	if err := s.applyToBalance(ctx, bal, req.Quantity, batch.Value(), occurredAt); err != nil {
		return nil, storageErr("save balance", err)
	}

	logger.Info(ctx, "stock received",
		"batch_id", batch.ID,
		"product_id", req.ProductID,
		"location_id", req.LocationID,
		"source", req.Source.String(),
		"quantity", req.Quantity.String(),
		"unit_cost", req.UnitCost.String(),
	)

	return &ReceiveResult{BatchID: batch.ID, MovementID: movement.ID}, nil
}
