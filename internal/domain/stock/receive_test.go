package stock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/types"
)

func TestReceive_DuplicateKeyIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := ReceiveRequest{
		ProductID:  productA,
		LocationID: location1,
		Quantity:   types.NewQuantity(5),
		UnitCost:   types.MustMoney("10"),
		Source:     DocumentRef{Type: DocPurchase, ID: "po-1/line-1"},
		OccurredAt: day(1),
	}

	first, err := f.svc.Receive(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.svc.Receive(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.BatchID, second.BatchID)
	assert.Equal(t, first.MovementID, second.MovementID)

	batches, _ := f.svc.ListBatches(ctx, BatchFilter{ProductID: &productA})
	assert.Len(t, batches, 1)
	moves, _ := f.svc.ListMovements(ctx, MovementFilter{ProductID: &productA})
	assert.Len(t, moves, 1)

	bal, _ := f.svc.CurrentBalance(ctx, productA, location1)
	assert.True(t, bal.QuantityOnHand.Equal(types.NewQuantity(5)))
}

func TestReceive_DuplicateKeySurfacesStorageFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.receive(t, productA, location1, "5", "10", "po-1", day(1))

	f.repo.failWith("GetReceiptMovement", errors.New("connection reset"))
	_, err := f.svc.Receive(ctx, ReceiveRequest{
		ProductID:  productA,
		LocationID: location1,
		Quantity:   types.NewQuantity(5),
		UnitCost:   types.MustMoney("10"),
		Source:     DocumentRef{Type: DocPurchase, ID: "po-1"},
		OccurredAt: day(1),
	})
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeStorageFailure), "got %v", err)

	f.repo.failWith("GetReceiptMovement", nil)
	batches, _ := f.svc.ListBatches(ctx, BatchFilter{ProductID: &productA})
	require.Len(t, batches, 1)
	assert.Equal(t, first.BatchID, batches[0].ID)
}

func TestReceive_ExcessPrecisionCreatesNoBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, qty := range []string{"1.00005", "0.00005"} {
		_, err := f.svc.Receive(ctx, ReceiveRequest{
			ProductID:  productA,
			LocationID: location1,
			Quantity:   types.MustMoney(qty),
			UnitCost:   types.MustMoney("10"),
			Source:     DocumentRef{Type: DocPurchase, ID: "po-" + qty},
			OccurredAt: day(1),
		})
		assert.True(t, apperror.HasCode(err, apperror.CodeInvalidQuantity), "%s: got %v", qty, err)
	}

	batches, _ := f.svc.ListBatches(ctx, BatchFilter{})
	assert.Empty(t, batches)
	moves, _ := f.svc.ListMovements(ctx, MovementFilter{})
	assert.Empty(t, moves)
}

func TestReceive_NeverMergesBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b1 := f.receive(t, productA, location1, "5", "10", "po-1", day(1))
	b2 := f.receive(t, productA, location1, "5", "10", "po-2", day(1))

	assert.NotEqual(t, b1.BatchID, b2.BatchID)
	batches, err := f.svc.ListBatches(ctx, BatchFilter{ProductID: &productA, LocationID: &location1, OpenOnly: true})
	require.NoError(t, err)
	assert.Len(t, batches, 2)
	f.assertConserved(t, productA, location1)
}

func TestReceive_SameSourceDifferentProducts(t *testing.T) {
	f := newFixture(t)
	f.receive(t, productA, location1, "1", "1", "po-1", day(1))
	f.receive(t, productB, location1, "1", "1", "po-1", day(1))

	batches, _ := f.svc.ListBatches(context.Background(), BatchFilter{})
	assert.Len(t, batches, 2)
}

func TestReceive_Validation(t *testing.T) {
	f := newFixture(t)
	base := ReceiveRequest{
		ProductID:  productA,
		LocationID: location1,
		Quantity:   types.NewQuantity(1),
		UnitCost:   types.MustMoney("1"),
		Source:     DocumentRef{Type: DocPurchase, ID: "po-1"},
	}

	tests := []struct {
		name   string
		mutate func(r *ReceiveRequest)
		code   string
	}{
		{"zero quantity", func(r *ReceiveRequest) { r.Quantity = types.Zero() }, apperror.CodeInvalidQuantity},
		{"negative cost", func(r *ReceiveRequest) { r.UnitCost = types.MustMoney("-1") }, apperror.CodeValidation},
		{"sale is not a source", func(r *ReceiveRequest) { r.Source.Type = DocSale }, apperror.CodeValidation},
		{"missing source id", func(r *ReceiveRequest) { r.Source.ID = "" }, apperror.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := f.svc.Receive(context.Background(), req)
			assert.True(t, apperror.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestReceive_AdjustmentSourceKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Receive(ctx, ReceiveRequest{
		ProductID:  productA,
		LocationID: location1,
		Quantity:   types.NewQuantity(2),
		UnitCost:   types.Zero(),
		Source:     DocumentRef{Type: DocAdjustment, ID: "adj-1"},
	})
	require.NoError(t, err)

	moves, _ := f.svc.ListMovements(ctx, MovementFilter{})
	require.Len(t, moves, 1)
	assert.Equal(t, KindAdjustment, moves[0].Kind)
	assert.Equal(t, day(28), moves[0].OccurredAt, "defaults to now")
}
