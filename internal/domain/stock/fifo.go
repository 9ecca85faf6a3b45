package stock

import (
	"bytes"
	"errors"
	"sort"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// ErrInsufficientStock is returned by PlanFIFO when open batches cannot cover the request.
var ErrInsufficientStock = errors.New("insufficient stock")

// Consumption is the part of an allocation taken from one batch.
type Consumption struct {
	BatchID             id.ID          `json:"batchId"`
	QuantityTaken       types.Quantity `json:"quantityTaken"`
	UnitCost            types.Money    `json:"unitCost"`
	BatchRemainingAfter types.Quantity `json:"batchRemainingAfter"`
}

// Cost is quantity taken at the batch unit cost.
func (c Consumption) Cost() types.Money {
	return c.QuantityTaken.Mul(c.UnitCost)
}

// Plan is the outcome of a FIFO walk.
type Plan struct {
	Consumptions []Consumption
	TotalCost    types.Money
	Available    types.Quantity
}

// PlanFIFO consumes qty from the oldest open batches first.
// Batches are walked by (ReceivedAt, ID); the input slice is not modified.
// On shortfall the returned plan carries Available and the error is ErrInsufficientStock.
func PlanFIFO(batches []Batch, qty types.Quantity) (Plan, error) {
	ordered := make([]Batch, 0, len(batches))
	available := types.Zero()
	for _, b := range batches {
		if !b.IsOpen() {
			continue
		}
		ordered = append(ordered, b)
		available = available.Add(b.RemainingQuantity)
	}

	plan := Plan{TotalCost: types.Zero(), Available: available}
	if available.LessThan(qty) {
		return plan, ErrInsufficientStock
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ReceivedAt.Equal(ordered[j].ReceivedAt) {
			return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
		}
		return bytes.Compare(ordered[i].ID[:], ordered[j].ID[:]) < 0
	})

	need := qty
	for _, b := range ordered {
		if !need.IsPositive() {
			break
		}
		take := b.RemainingQuantity
		if need.LessThan(take) {
			take = need
		}
		c := Consumption{
			BatchID:             b.ID,
			QuantityTaken:       take,
			UnitCost:            b.UnitCost,
			BatchRemainingAfter: b.RemainingQuantity.Sub(take),
		}
		plan.Consumptions = append(plan.Consumptions, c)
		plan.TotalCost = plan.TotalCost.Add(c.Cost())
		need = need.Sub(take)
	}
	plan.TotalCost = types.RoundCost(plan.TotalCost)

	return plan, nil
}
