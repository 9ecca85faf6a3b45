package stock

import (
	"errors"
	"testing"
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

func testBatch(idStr string, receivedAt time.Time, remaining, cost string) Batch {
	return Batch{
		ID:                id.MustParse(idStr),
		ReceivedAt:        receivedAt,
		OriginalQuantity:  types.MustQuantity(remaining),
		RemainingQuantity: types.MustQuantity(remaining),
		UnitCost:          types.MustMoney(cost),
	}
}

func TestPlanFIFO(t *testing.T) {
	b1 := testBatch("0190c000-0000-7000-8000-000000000001", day(1), "5", "10")
	b2 := testBatch("0190c000-0000-7000-8000-000000000002", day(2), "5", "12")
	// Same day as b1 but a larger id: must come after b1.
	b3 := testBatch("0190c000-0000-7000-8000-000000000003", day(1), "2", "11")

	tests := []struct {
		name      string
		batches   []Batch
		qty       string
		wantCost  string
		wantTaken []string
		wantAfter []string
		wantErr   error
	}{
		{
			name:      "oldest batch first",
			batches:   []Batch{b2, b1},
			qty:       "7",
			wantCost:  "74",
			wantTaken: []string{"5", "2"},
			wantAfter: []string{"0", "3"},
		},
		{
			name:      "exact single batch",
			batches:   []Batch{b1},
			qty:       "5",
			wantCost:  "50",
			wantTaken: []string{"5"},
			wantAfter: []string{"0"},
		},
		{
			name:      "same date ordered by id",
			batches:   []Batch{b2, b3, b1},
			qty:       "6",
			wantCost:  "61",
			wantTaken: []string{"5", "1"},
			wantAfter: []string{"0", "1"},
		},
		{
			name:      "fractional quantities",
			batches:   []Batch{testBatch("0190c000-0000-7000-8000-000000000004", day(1), "0.3333", "3")},
			qty:       "0.1111",
			wantCost:  "0.3333",
			wantTaken: []string{"0.1111"},
			wantAfter: []string{"0.2222"},
		},
		{
			name:    "insufficient",
			batches: []Batch{b1},
			qty:     "6",
			wantErr: ErrInsufficientStock,
		},
		{
			name:    "no batches",
			qty:     "1",
			wantErr: ErrInsufficientStock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := PlanFIFO(tt.batches, types.MustQuantity(tt.qty))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("PlanFIFO failed: %v", err)
			}
			if !plan.TotalCost.Equal(types.MustMoney(tt.wantCost)) {
				t.Errorf("total cost: want %s, got %s", tt.wantCost, plan.TotalCost)
			}
			if len(plan.Consumptions) != len(tt.wantTaken) {
				t.Fatalf("consumptions: want %d, got %d", len(tt.wantTaken), len(plan.Consumptions))
			}
			for i, c := range plan.Consumptions {
				if !c.QuantityTaken.Equal(types.MustQuantity(tt.wantTaken[i])) {
					t.Errorf("consumption %d taken: want %s, got %s", i, tt.wantTaken[i], c.QuantityTaken)
				}
				if !c.BatchRemainingAfter.Equal(types.MustQuantity(tt.wantAfter[i])) {
					t.Errorf("consumption %d remaining: want %s, got %s", i, tt.wantAfter[i], c.BatchRemainingAfter)
				}
			}
		})
	}
}

func TestPlanFIFO_SkipsClosedBatches(t *testing.T) {
	reversedAt := day(3)
	empty := testBatch("0190c000-0000-7000-8000-000000000010", day(1), "0", "1")
	reversed := testBatch("0190c000-0000-7000-8000-000000000011", day(1), "4", "1")
	reversed.ReversedAt = &reversedAt
	open := testBatch("0190c000-0000-7000-8000-000000000012", day(2), "4", "2")

	plan, err := PlanFIFO([]Batch{empty, reversed, open}, types.NewQuantity(3))
	if err != nil {
		t.Fatalf("PlanFIFO failed: %v", err)
	}
	if len(plan.Consumptions) != 1 || plan.Consumptions[0].BatchID != open.ID {
		t.Fatalf("expected only the open batch to be consumed, got %+v", plan.Consumptions)
	}
	if !plan.Available.Equal(types.NewQuantity(4)) {
		t.Errorf("available: want 4, got %s", plan.Available)
	}
}
