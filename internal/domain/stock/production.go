package stock

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// ProductionPosting consumes raw materials and receives the finished good.
type ProductionPosting struct {
	ProductionID    string
	LocationID      id.ID
	OutputProductID id.ID
	OutputQuantity  types.Quantity
	Materials       []MaterialLine
	OccurredAt      time.Time
}

// ProductionResult holds the material allocations and the output batch.
type ProductionResult struct {
	Materials    []AllocationResult `json:"materials"`
	Output       ReceiveResult      `json:"output"`
	MaterialCost types.Money        `json:"materialCost"`
	UnitCost     types.Money        `json:"unitCost"`
	Duplicate    bool               `json:"duplicate"`
}

type pairKey struct {
	productID  id.ID
	locationID id.ID
}

func comparePairs(a, b pairKey) int {
	if c := bytes.Compare(a.productID[:], b.productID[:]); c != 0 {
		return c
	}
	return bytes.Compare(a.locationID[:], b.locationID[:])
}

// normalize merges repeated material lines and orders them by (product, location).
func (p *ProductionPosting) normalize() error {
	if p.ProductionID == "" {
		return apperror.NewValidation("production id is required")
	}
	if id.IsNil(p.LocationID) {
		return apperror.NewValidation("location_id is required")
	}
	if id.IsNil(p.OutputProductID) {
		return apperror.NewValidation("output product_id is required")
	}
	if !p.OutputQuantity.IsPositive() || !types.HasQuantityPrecision(p.OutputQuantity) {
		return apperror.NewInvalidQuantity("output_quantity", p.OutputQuantity.String())
	}
	if len(p.Materials) == 0 {
		return apperror.NewValidation("production requires at least one material line")
	}

	merged := make(map[pairKey]types.Quantity, len(p.Materials))
	for i, m := range p.Materials {
		if id.IsNil(m.ProductID) {
			return apperror.NewValidation(fmt.Sprintf("material %d: product_id is required", i+1))
		}
		qty := m.Quantity
		if !qty.IsPositive() || !types.HasQuantityPrecision(qty) {
			return apperror.NewInvalidQuantity(fmt.Sprintf("materials[%d].quantity", i), qty.String())
		}
		loc := p.LocationID
		if m.LocationID != nil && !id.IsNil(*m.LocationID) {
			loc = *m.LocationID
		}
		k := pairKey{m.ProductID, loc}
		if prev, ok := merged[k]; ok {
			qty = prev.Add(qty)
		}
		merged[k] = qty
	}

	keys := make([]pairKey, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return comparePairs(keys[i], keys[j]) < 0 })

	p.Materials = p.Materials[:0:0]
	for _, k := range keys {
		loc := k.locationID
		p.Materials = append(p.Materials, MaterialLine{ProductID: k.productID, LocationID: &loc, Quantity: merged[k]})
	}
	return nil
}

// PostProduction allocates every material line against the production id and
// receives the output at total material cost divided by output quantity.
// All pairs are locked up front in a fixed order.
func (s *Service) PostProduction(ctx context.Context, posting ProductionPosting) (*ProductionResult, error) {
	if err := posting.normalize(); err != nil {
		return nil, err
	}

	var result *ProductionResult
	attrs := []attribute.KeyValue{attribute.String("production_id", posting.ProductionID)}
	err := s.observe(ctx, "post_production", attrs, func(ctx context.Context) error {
		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			pairs := []pairKey{{posting.OutputProductID, posting.LocationID}}
			for _, m := range posting.Materials {
				pairs = append(pairs, pairKey{m.ProductID, *m.LocationID})
			}
			sort.Slice(pairs, func(i, j int) bool { return comparePairs(pairs[i], pairs[j]) < 0 })
			for _, p := range pairs {
				if _, err := s.repo.LockPair(ctx, p.productID, p.locationID); err != nil {
					return storageErr("lock pair", err)
				}
			}

			ref := DocumentRef{Type: DocProduction, ID: posting.ProductionID}
			result = &ProductionResult{MaterialCost: types.Zero()}
			allDuplicate := true
			for _, m := range posting.Materials {
				alloc, err := s.allocateLocked(ctx, AllocateRequest{
					ProductID:  m.ProductID,
					LocationID: *m.LocationID,
					Quantity:   m.Quantity,
					Reference:  ref,
					OccurredAt: posting.OccurredAt,
				})
				if err != nil {
					return err
				}
				allDuplicate = allDuplicate && alloc.Duplicate
				result.Materials = append(result.Materials, *alloc)
				result.MaterialCost = result.MaterialCost.Add(alloc.TotalCost)
			}

			result.UnitCost = types.RoundCost(result.MaterialCost.Div(posting.OutputQuantity))
			out, err := s.receiveLocked(ctx, ReceiveRequest{
				ProductID:  posting.OutputProductID,
				LocationID: posting.LocationID,
				Quantity:   posting.OutputQuantity,
				UnitCost:   result.UnitCost,
				Source:     ref,
				OccurredAt: posting.OccurredAt,
			})
			if err != nil {
				return err
			}
			result.Output = *out
			result.Duplicate = allDuplicate && out.Duplicate

			logger.Info(ctx, "production posted",
				"production_id", posting.ProductionID,
				"materials", len(posting.Materials),
				"material_cost", result.MaterialCost.String(),
				"unit_cost", result.UnitCost.String(),
				"output_batch_id", out.BatchID,
			)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
