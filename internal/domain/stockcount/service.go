package stockcount

import (
	"context"
	"fmt"
	"time"

	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/id"
	"stockledger/internal/core/numerator"
	"stockledger/internal/core/tx"
	"stockledger/internal/domain"
	"stockledger/internal/domain/stock"
	"stockledger/pkg/logger"
)

// Ledger is the part of the stock ledger a count approval needs.
type Ledger interface {
	AdjustToCount(ctx context.Context, adj stock.CountAdjustment) (*stock.AdjustmentResult, error)
}

// Service provides business operations for stock counts.
type Service struct {
	repo      Repository
	ledger    Ledger
	numerator numerator.Generator
	txManager tx.Manager
	now       func() time.Time
}

// NewService creates a new stock count service.
func NewService(repo Repository, ledger Ledger, numerator numerator.Generator, txManager tx.Manager) *Service {
	return &Service{
		repo:      repo,
		ledger:    ledger,
		numerator: numerator,
		txManager: txManager,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new pending count.
func (s *Service) Create(ctx context.Context, doc *StockCount) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if id.IsNil(doc.ID) {
		doc.ID = id.New()
	}
	doc.Status = StatusPending
	doc.CreatedBy = appctx.Actor(ctx)
	doc.CreatedAt = s.now()
	for i := range doc.Lines {
		doc.Lines[i].LineNo = i + 1
		if id.IsNil(doc.Lines[i].LineID) {
			doc.Lines[i].LineID = id.New()
		}
		doc.Lines[i].BookQuantity = nil
		doc.Lines[i].AdjustmentQuantity = nil
	}

	if doc.Number == "" {
		cfg := numerator.DefaultConfig(NumberPrefix)
		number, err := s.numerator.GetNextNumber(ctx, cfg, &numerator.Options{Strategy: NumeratorStrategy}, doc.CountedAt)
		if err != nil {
			return fmt.Errorf("generate number: %w", err)
		}
		doc.Number = number
	}

	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, doc); err != nil {
			return fmt.Errorf("create stock count: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "stock count created", "id", doc.ID, "number", doc.Number, "lines", len(doc.Lines))
	return nil
}

// GetByID retrieves a count with lines.
func (s *Service) GetByID(ctx context.Context, docID id.ID) (*StockCount, error) {
	return s.repo.GetByID(ctx, docID)
}

// List returns counts matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) (domain.ListResult[*StockCount], error) {
	filter.Normalize()
	return s.repo.List(ctx, filter)
}

// Approve applies every line to the stock ledger exactly once and finalizes
// the count. The header row stays locked for the whole transaction, so two
// concurrent approvals of the same count cannot both pass the status check.
func (s *Service) Approve(ctx context.Context, docID id.ID) (*StockCount, error) {
	var doc *StockCount
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		doc, err = s.repo.GetForUpdate(ctx, docID)
		if err != nil {
			return err
		}
		if err := doc.CanProcess(); err != nil {
			logger.Warn(ctx, "stock count already processed", "id", doc.ID, "status", doc.Status)
			return err
		}

		for _, i := range doc.linesInLockOrder() {
			line := &doc.Lines[i]
			res, err := s.ledger.AdjustToCount(ctx, stock.CountAdjustment{
				CountID:         doc.ID.String(),
				ProductID:       line.ProductID,
				LocationID:      doc.LocationID,
				CountedQuantity: line.CountedQuantity,
				UnitCost:        line.UnitCost,
				OccurredAt:      doc.CountedAt,
			})
			if err != nil {
				return fmt.Errorf("line %d: %w", line.LineNo, err)
			}
			book, delta := res.BookQuantity, res.Delta
			line.BookQuantity = &book
			line.AdjustmentQuantity = &delta
		}

		if err := doc.Approve(appctx.Actor(ctx), s.now()); err != nil {
			return err
		}
		return s.repo.Update(ctx, doc)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "stock count approved", "id", doc.ID, "number", doc.Number)
	return doc, nil
}

// Reject finalizes a count without touching stock.
func (s *Service) Reject(ctx context.Context, docID id.ID, reason string) (*StockCount, error) {
	var doc *StockCount
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		doc, err = s.repo.GetForUpdate(ctx, docID)
		if err != nil {
			return err
		}
		if err := doc.Reject(appctx.Actor(ctx), reason, s.now()); err != nil {
			logger.Warn(ctx, "stock count already processed", "id", doc.ID, "status", doc.Status)
			return err
		}
		return s.repo.Update(ctx, doc)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "stock count rejected", "id", doc.ID, "number", doc.Number)
	return doc, nil
}
