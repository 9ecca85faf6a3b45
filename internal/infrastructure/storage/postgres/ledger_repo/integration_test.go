//go:build integration

package ledger_repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/migration"
	"stockledger/internal/infrastructure/storage/postgres"
)

type testEnv struct {
	pool    *postgres.Pool
	txm     *postgres.TxManager
	repo    *LedgerRepo
	archive *postgres.ArchiveStore
	svc     *stock.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("stockledger_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(dsn))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	m, err := migration.New(pool.Pool, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Up())
	require.NoError(t, m.Close())

	txm := postgres.NewTxManager(pool)
	repo := NewLedgerRepo(txm)
	archive, err := postgres.NewArchiveStore(txm)
	require.NoError(t, err)

	svc := stock.NewService(repo, txm,
		stock.WithSourceReader(NewSourceRepo(txm)),
		stock.WithArchiver(archive),
	)
	return &testEnv{pool: pool, txm: txm, repo: repo, archive: archive, svc: svc}
}

func (e *testEnv) receive(t *testing.T, productID, locationID id.ID, qty, cost, sourceID string, at time.Time) {
	t.Helper()
	_, err := e.svc.Receive(context.Background(), stock.ReceiveRequest{
		ProductID:  productID,
		LocationID: locationID,
		Quantity:   types.MustQuantity(qty),
		UnitCost:   types.MustMoney(cost),
		Source:     stock.DocumentRef{Type: stock.DocPurchase, ID: sourceID},
		OccurredAt: at,
	})
	require.NoError(t, err)
}

func TestLedger_FIFOAllocationAgainstPostgres(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	productID, locationID := id.New(), id.New()
	day := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	env.receive(t, productID, locationID, "5", "10", "PO-1", day)
	env.receive(t, productID, locationID, "5", "12", "PO-2", day.AddDate(0, 0, 1))

	res, err := env.svc.Allocate(ctx, stock.AllocateRequest{
		ProductID:  productID,
		LocationID: locationID,
		Quantity:   types.NewQuantity(7),
		Reference:  stock.DocumentRef{Type: stock.DocSale, ID: "SO-1"},
	})
	require.NoError(t, err)
	assert.True(t, res.TotalCost.Equal(types.MustMoney("74")), res.TotalCost.String())
	require.Len(t, res.Consumptions, 2)

	bal, err := env.svc.CurrentBalance(ctx, productID, locationID)
	require.NoError(t, err)
	assert.True(t, bal.QuantityOnHand.Equal(types.NewQuantity(3)))
	assert.True(t, bal.CostValue.Equal(types.MustMoney("36")))

	_, err = env.svc.Allocate(ctx, stock.AllocateRequest{
		ProductID:  productID,
		LocationID: locationID,
		Quantity:   types.NewQuantity(4),
		Reference:  stock.DocumentRef{Type: stock.DocSale, ID: "SO-2"},
	})
	assert.True(t, apperror.IsInsufficientStock(err))

	report, err := env.svc.Audit(ctx, stock.Scope{ProductID: &productID})
	require.NoError(t, err)
	assert.Zero(t, report.DriftCount)
	require.Len(t, report.Lines, 1)
}

func TestLedger_DuplicateReceiptHitsPartialIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	productID, locationID := id.New(), id.New()

	env.receive(t, productID, locationID, "2", "1", "PO-9", time.Now())

	err := env.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		return env.repo.CreateBatch(ctx, &stock.Batch{
			ID:                id.New(),
			ProductID:         productID,
			LocationID:        locationID,
			ReceivedAt:        time.Now(),
			OriginalQuantity:  types.NewQuantity(1),
			RemainingQuantity: types.NewQuantity(1),
			UnitCost:          types.Zero(),
			SourceType:        stock.DocPurchase,
			SourceID:          "PO-9",
			CreatedAt:         time.Now(),
		})
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeConflict), "got %v", err)
}

func TestLedger_ConcurrentAllocationsSerialize(t *testing.T) {
	env := newTestEnv(t)
	productID, locationID := id.New(), id.New()
	env.receive(t, productID, locationID, "5", "1", "PO-1", time.Now())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Allocate(context.Background(), stock.AllocateRequest{
				ProductID:  productID,
				LocationID: locationID,
				Quantity:   types.NewQuantity(3),
				Reference:  stock.DocumentRef{Type: stock.DocSale, ID: id.New().String()},
			})
		}(i)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperror.IsInsufficientStock(err):
			short++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
}

func TestLedger_RebuildFromSourceDocuments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	productID, locationID := id.New(), id.New()
	day := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	receiptLine, saleLine := id.New(), id.New()
	_, err := env.pool.Exec(ctx, `
		INSERT INTO purchase_receipt_lines (id, receipt_id, product_id, location_id, quantity, unit_cost, received_at)
		VALUES ($1, $2, $3, $4, 10, 4, $5)
	`, receiptLine, id.New(), productID, locationID, day)
	require.NoError(t, err)
	_, err = env.pool.Exec(ctx, `
		INSERT INTO sales_lines (id, sale_id, product_id, location_id, quantity, finalized_at)
		VALUES ($1, $2, $3, $4, 6, $5)
	`, saleLine, id.New(), productID, locationID, day.AddDate(0, 0, 1))
	require.NoError(t, err)

	// The live ledger only saw the receipt, with a wrong quantity.
	env.receive(t, productID, locationID, "8", "4", receiptLine.String(), day)

	scope := stock.Scope{ProductID: &productID, LocationID: &locationID}
	res, err := env.svc.Rebuild(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Zero(t, res.Failed)
	require.NotNil(t, res.ArchiveID)
	assert.Zero(t, res.DriftAfter)

	bal, err := env.svc.CurrentBalance(ctx, productID, locationID)
	require.NoError(t, err)
	assert.True(t, bal.QuantityOnHand.Equal(types.NewQuantity(4)), bal.QuantityOnHand.String())

	snap, err := env.archive.Load(ctx, *res.ArchiveID)
	require.NoError(t, err)
	require.Len(t, snap.Batches, 1)
	assert.True(t, snap.Batches[0].OriginalQuantity.Equal(types.NewQuantity(8)))
}
