package ledger_repo

import (
	"context"
	"fmt"

	"stockledger/internal/core/id"
	"stockledger/internal/domain/stock"
)

// Advisory lock keys form a hierarchy: every pair writer holds the shared
// lock on all four levels, a rebuild holds the exclusive lock on one.
const (
	lockAll      = "stock:*"
	lockProduct  = "stock:product:"
	lockLocation = "stock:location:"
	lockPair     = "stock:pair:"
)

func pairLockKeys(productID, locationID id.ID) []string {
	return []string{
		lockAll,
		lockProduct + productID.String(),
		lockLocation + locationID.String(),
		lockPair + productID.String() + ":" + locationID.String(),
	}
}

// scopeLockKey returns the single key that covers every pair of scope.
func scopeLockKey(scope stock.Scope) string {
	switch {
	case scope.IsPair():
		return lockPair + scope.ProductID.String() + ":" + scope.LocationID.String()
	case scope.ProductID != nil:
		return lockProduct + scope.ProductID.String()
	case scope.LocationID != nil:
		return lockLocation + scope.LocationID.String()
	default:
		return lockAll
	}
}

const (
	sharedLockSQL = `
		SELECT pg_advisory_xact_lock_shared(hashtextextended(k, 0))
		FROM unnest($1::text[]) WITH ORDINALITY AS t(k, n)
		ORDER BY n
	`
	exclusiveLockSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
)

func (r *LedgerRepo) requireTx(ctx context.Context, op string) error {
	if r.txManager.GetTx(ctx) == nil {
		return fmt.Errorf("%s requires transaction context", op)
	}
	return nil
}

// lockPairShared waits for any rebuild covering the pair.
func (r *LedgerRepo) lockPairShared(ctx context.Context, productID, locationID id.ID) error {
	rows, err := r.querier(ctx).Query(ctx, sharedLockSQL, pairLockKeys(productID, locationID))
	if err != nil {
		return fmt.Errorf("advisory lock pair: %w", err)
	}
	rows.Close()
	return rows.Err()
}

// LockScope blocks every writer inside scope until the transaction ends.
func (r *LedgerRepo) LockScope(ctx context.Context, scope stock.Scope) error {
	if err := r.requireTx(ctx, "LockScope"); err != nil {
		return err
	}
	if _, err := r.querier(ctx).Exec(ctx, exclusiveLockSQL, scopeLockKey(scope)); err != nil {
		return fmt.Errorf("advisory lock scope: %w", err)
	}
	return nil
}
