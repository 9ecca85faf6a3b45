package dto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
	"stockledger/internal/domain/stockcount"
)

func TestReceiveRequest_DecodesDecimalsAsStringsOrNumbers(t *testing.T) {
	body := `{"productId":"0190a000-0000-7000-8000-000000000001","locationId":"0190b000-0000-7000-8000-000000000001",
		"quantity":"5.5","unitCost":10,"sourceType":"purchase","sourceId":"PR-1/1"}`

	var req ReceiveRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	got := req.ToDomain()
	assert.True(t, got.Quantity.Equal(types.MustQuantity("5.5")))
	assert.True(t, got.UnitCost.Equal(types.MustMoney("10")))
	assert.Equal(t, stock.DocumentRef{Type: stock.DocPurchase, ID: "PR-1/1"}, got.Source)
	assert.True(t, got.OccurredAt.IsZero(), "missing occurredAt is left to the service")
}

func TestScopeQuery_ToScope(t *testing.T) {
	product := "0190a000-0000-7000-8000-000000000001"

	tests := []struct {
		name        string
		query       ScopeQuery
		wantProduct bool
		wantErr     bool
	}{
		{"empty is everything", ScopeQuery{}, false, false},
		{"product only", ScopeQuery{ProductID: product}, true, false},
		{"bad location", ScopeQuery{LocationID: "nope"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope, err := tt.query.ToScope()
			if tt.wantErr {
				if !apperror.HasCode(err, apperror.CodeValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (scope.ProductID != nil) != tt.wantProduct {
				t.Fatalf("product filter = %v, want set=%v", scope.ProductID, tt.wantProduct)
			}
			if scope.LocationID != nil {
				t.Fatalf("location should be unset, got %v", scope.LocationID)
			}
		})
	}
}

func TestBalanceQuery_ExcludeZeroDefaultsOn(t *testing.T) {
	f, err := BalanceQuery{}.ToFilter()
	require.NoError(t, err)
	assert.True(t, f.ExcludeZero)

	off := false
	f, err = BalanceQuery{ExcludeZero: &off}.ToFilter()
	require.NoError(t, err)
	assert.False(t, f.ExcludeZero)
}

func TestMovementQuery_ReferenceNeedsBothParts(t *testing.T) {
	f, err := MovementQuery{ReferenceType: "sale"}.ToFilter()
	require.NoError(t, err)
	assert.Nil(t, f.Reference)

	f, err = MovementQuery{ReferenceType: "sale", ReferenceID: "S-9"}.ToFilter()
	require.NoError(t, err)
	require.NotNil(t, f.Reference)
	assert.Equal(t, "sale:S-9", f.Reference.String())
}

func TestFromBalance_UnitCost(t *testing.T) {
	b := stock.Balance{QuantityOnHand: types.NewQuantity(3), CostValue: types.MustMoney("36")}
	assert.True(t, FromBalance(b).UnitCost.Equal(types.MustMoney("12")))

	empty := FromBalance(stock.Balance{QuantityOnHand: types.Zero(), CostValue: types.Zero()})
	assert.True(t, empty.UnitCost.IsZero())
}

func TestCreateStockCountRequest_ToEntity(t *testing.T) {
	loc := id.New()
	p := id.New()
	req := CreateStockCountRequest{
		LocationID: loc,
		CountedAt:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Lines:      []CountLineRequest{{ProductID: p, CountedQuantity: types.NewQuantity(4)}},
	}

	doc := req.ToEntity()
	assert.Equal(t, stockcount.StatusPending, doc.Status)
	assert.Equal(t, loc, doc.LocationID)
	require.Len(t, doc.Lines, 1)
	assert.Equal(t, 1, doc.Lines[0].LineNo)
	assert.True(t, doc.Lines[0].UnitCost.IsZero())

	q := StockCountListQuery{Status: "approved"}
	f, err := q.ToFilter()
	require.NoError(t, err)
	assert.Equal(t, stockcount.StatusApproved, *f.Status)
}
