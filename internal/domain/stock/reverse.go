package stock

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"stockledger/internal/core/apperror"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// ReversalResult lists the compensating entries written by a reversal.
type ReversalResult struct {
	MovementIDs []id.ID        `json:"movementIds"`
	Quantity    types.Quantity `json:"quantity"`
	Cost        types.Money    `json:"cost"`
}

// ReverseAllocation restores every batch an allocation consumed by exactly the
// quantity taken from it and appends one reversal entry per consumption.
func (s *Service) ReverseAllocation(ctx context.Context, key AllocationKey) (*ReversalResult, error) {
	if id.IsNil(key.ProductID) || id.IsNil(key.LocationID) || key.Reference.ID == "" {
		return nil, apperror.NewValidation("allocation key is incomplete")
	}

	var result *ReversalResult
	attrs := []attribute.KeyValue{attribute.String("key", key.String())}
	err := s.observe(ctx, "reverse_allocation", attrs, func(ctx context.Context) error {
		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			bal, err := s.repo.LockPair(ctx, key.ProductID, key.LocationID)
			if err != nil {
				return storageErr("lock pair", err)
			}

			alloc, err := s.repo.FindAllocation(ctx, key, true)
			if err != nil {
				return storageErr("find allocation", err)
			}
			if alloc == nil {
				return apperror.NewNotFound("allocation", key.String())
			}
			if alloc.ReversedAt != nil {
				return apperror.NewAlreadyProcessed("allocation", alloc.ID, "reversed")
			}

			consumed, err := s.repo.ListAllocationMovements(ctx, alloc.ID)
			if err != nil {
				return storageErr("list allocation movements", err)
			}

			now := s.now()
			actor := appctx.Actor(ctx)
			result = &ReversalResult{Quantity: types.Zero(), Cost: types.Zero()}
			reversals := make([]Movement, 0, len(consumed))
			for _, m := range consumed {
				if m.BatchID == nil {
					continue
				}
				batch, err := s.repo.GetBatch(ctx, *m.BatchID)
				if err != nil {
					return storageErr("get batch", err)
				}
				restored := batch.RemainingQuantity.Add(m.Quantity)
				if restored.GreaterThan(batch.OriginalQuantity) {
					return apperror.NewConflict("reversal would exceed batch original quantity").
						WithDetail("batch_id", batch.ID.String())
				}
				if err := s.repo.UpdateRemaining(ctx, batch.ID, restored); err != nil {
					return storageErr("update batch", err)
				}

				reversed := m.ID
				reversals = append(reversals, Movement{
					ID:                  id.New(),
					Kind:                KindReversal,
					Direction:           DirectionIn,
					ProductID:           m.ProductID,
					LocationID:          m.LocationID,
					Quantity:            m.Quantity,
					UnitCost:            m.UnitCost,
					OccurredAt:          now,
					ReferenceType:       m.ReferenceType,
					ReferenceID:         m.ReferenceID,
					BatchID:             m.BatchID,
					AllocationID:        m.AllocationID,
					ReversesID:          &reversed,
					BatchRemainingAfter: restored,
					CreatedBy:           actor,
					CreatedAt:           now,
				})
				result.Quantity = result.Quantity.Add(m.Quantity)
				result.Cost = result.Cost.Add(m.Cost())
			}

			if err := s.repo.AppendMovements(ctx, reversals); err != nil {
				return storageErr("append movements", err)
			}
			if err := s.repo.MarkAllocationReversed(ctx, alloc.ID, now); err != nil {
				return storageErr("mark allocation reversed", err)
			}
			if err := s.applyToBalance(ctx, bal, result.Quantity, result.Cost, now); err != nil {
				return storageErr("save balance", err)
			}

			for _, r := range reversals {
				result.MovementIDs = append(result.MovementIDs, r.ID)
			}

			logger.Info(ctx, "allocation reversed",
				"allocation_id", alloc.ID,
				"reference", key.Reference.String(),
				"quantity", result.Quantity.String(),
			)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReverseReceipt withdraws a batch. Allowed only while no out movement that
// consumed the batch remains unreversed; consumption is read from batch
// linkage, never inferred from aggregate quantities.
func (s *Service) ReverseReceipt(ctx context.Context, key ReceiptKey) (*ReversalResult, error) {
	if id.IsNil(key.ProductID) || key.Source.ID == "" {
		return nil, apperror.NewValidation("receipt key is incomplete")
	}

	var result *ReversalResult
	attrs := []attribute.KeyValue{attribute.String("key", key.String())}
	err := s.observe(ctx, "reverse_receipt", attrs, func(ctx context.Context) error {
		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			found, err := s.repo.FindBatch(ctx, key, true)
			if err != nil {
				return storageErr("find batch", err)
			}
			if found == nil {
				return apperror.NewNotFound("receipt", key.String())
			}

			bal, err := s.repo.LockPair(ctx, found.ProductID, found.LocationID)
			if err != nil {
				return storageErr("lock pair", err)
			}

			// Re-read under the pair lock.
			batch, err := s.repo.GetBatch(ctx, found.ID)
			if err != nil {
				return storageErr("get batch", err)
			}
			if batch.ReversedAt != nil {
				return apperror.NewAlreadyProcessed("receipt", batch.ID, "reversed")
			}

			outstanding, err := s.repo.OutstandingConsumption(ctx, batch.ID)
			if err != nil {
				return storageErr("outstanding consumption", err)
			}
			if outstanding.IsPositive() {
				return apperror.NewConflict("receipt has been consumed and cannot be reversed").
					WithDetail("batch_id", batch.ID.String()).
					WithDetail("consumed", outstanding.String())
			}

			receipt, err := s.repo.GetReceiptMovement(ctx, batch.ID)
			if err != nil {
				return storageErr("get receipt movement", err)
			}

			now := s.now()
			qty := batch.RemainingQuantity
			value := batch.Value()
			if err := s.repo.UpdateRemaining(ctx, batch.ID, types.Zero()); err != nil {
				return storageErr("update batch", err)
			}
			if err := s.repo.MarkReversed(ctx, batch.ID, now); err != nil {
				return storageErr("mark batch reversed", err)
			}

			batchID := batch.ID
			reversal := Movement{
				ID:                  id.New(),
				Kind:                KindReversal,
				Direction:           DirectionOut,
				ProductID:           batch.ProductID,
				LocationID:          batch.LocationID,
				Quantity:            qty,
				UnitCost:            batch.UnitCost,
				OccurredAt:          now,
				ReferenceType:       batch.SourceType,
				ReferenceID:         batch.SourceID,
				BatchID:             &batchID,
				BatchRemainingAfter: types.Zero(),
				CreatedBy:           appctx.Actor(ctx),
				CreatedAt:           now,
			}
			if receipt != nil {
				reverses := receipt.ID
				reversal.ReversesID = &reverses
			}
			if err := s.repo.AppendMovements(ctx, []Movement{reversal}); err != nil {
				return storageErr("append movements", err)
			}
			if err := s.applyToBalance(ctx, bal, qty.Neg(), value.Neg(), now); err != nil {
				return storageErr("save balance", err)
			}

			result = &ReversalResult{MovementIDs: []id.ID{reversal.ID}, Quantity: qty, Cost: value}
			logger.Info(ctx, "receipt reversed",
				"batch_id", batch.ID,
				"source", key.Source.String(),
				"quantity", qty.String(),
			)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
