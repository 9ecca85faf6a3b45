package stock

import (
	"context"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
)

// CurrentBalance returns the cached balance of a pair. A pair that has never
// been touched is computed from its batches, which yields zero.
func (s *Service) CurrentBalance(ctx context.Context, productID, locationID id.ID) (*Balance, error) {
	bal, err := s.repo.GetBalance(ctx, productID, locationID)
	if err != nil {
		return nil, storageErr("get balance", err)
	}
	if bal != nil {
		return bal, nil
	}
	return s.RecomputeBalance(ctx, productID, locationID)
}

// RecomputeBalance derives the balance from open batches, ignoring the cache.
func (s *Service) RecomputeBalance(ctx context.Context, productID, locationID id.ID) (*Balance, error) {
	qty, value, err := s.repo.SumOpenBatches(ctx, productID, locationID)
	if err != nil {
		return nil, storageErr("sum batches", err)
	}
	return &Balance{
		ProductID:      productID,
		LocationID:     locationID,
		QuantityOnHand: qty,
		CostValue:      value,
		UpdatedAt:      s.now(),
	}, nil
}

// ListBalances returns cached balances.
func (s *Service) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	items, err := s.repo.ListBalances(ctx, filter)
	if err != nil {
		return nil, storageErr("list balances", err)
	}
	return items, nil
}

// ListBatches returns batches matching filter.
func (s *Service) ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error) {
	items, err := s.repo.ListBatches(ctx, filter)
	if err != nil {
		return nil, storageErr("list batches", err)
	}
	return items, nil
}

// GetBatch returns one batch.
func (s *Service) GetBatch(ctx context.Context, batchID id.ID) (*Batch, error) {
	b, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, storageErr("get batch", err)
	}
	if b == nil {
		return nil, apperror.NewNotFound("batch", batchID)
	}
	return b, nil
}

// ListMovements returns ledger entries matching filter, oldest first.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	items, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return nil, storageErr("list movements", err)
	}
	return items, nil
}
