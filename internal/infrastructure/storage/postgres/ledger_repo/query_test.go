package ledger_repo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
)

var (
	product  = id.MustParse("0190a000-0000-7000-8000-000000000001")
	location = id.MustParse("0190b000-0000-7000-8000-000000000001")
)

func TestScopeWhere(t *testing.T) {
	builder := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

	tests := []struct {
		name     string
		scope    stock.Scope
		wantSQL  string
		wantArgs int
	}{
		{
			name:     "Everything",
			scope:    stock.Scope{},
			wantSQL:  "DELETE FROM stock_batches WHERE (1=1)",
			wantArgs: 0,
		},
		{
			name:     "Product",
			scope:    stock.Scope{ProductID: &product},
			wantSQL:  "DELETE FROM stock_batches WHERE product_id = $1",
			wantArgs: 1,
		},
		{
			name:     "Pair",
			scope:    stock.Scope{ProductID: &product, LocationID: &location},
			wantSQL:  "DELETE FROM stock_batches WHERE location_id = $1 AND product_id = $2",
			wantArgs: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := builder.Delete(batchesTable).Where(scopeWhere(tt.scope)).ToSql()
			if err != nil {
				t.Fatalf("ToSql failed: %v", err)
			}
			if sql != tt.wantSQL {
				t.Errorf("SQL mismatch\nwant: %s\ngot:  %s", tt.wantSQL, sql)
			}
			if len(args) != tt.wantArgs {
				t.Fatalf("Args count mismatch\nwant: %d\ngot:  %d", tt.wantArgs, len(args))
			}
		})
	}
}

func TestScopeLockKey_CoveredByPairKeys(t *testing.T) {
	keys := pairLockKeys(product, location)
	scopes := []stock.Scope{
		{},
		{ProductID: &product},
		{LocationID: &location},
		{ProductID: &product, LocationID: &location},
	}
	for _, scope := range scopes {
		assert.Contains(t, keys, scopeLockKey(scope), scope.String())
	}

	other := id.New()
	assert.NotContains(t, keys, scopeLockKey(stock.Scope{ProductID: &other}))
}

func TestColumnsFollowModelTags(t *testing.T) {
	assert.Equal(t, "id", batchColumns[0])
	assert.Contains(t, batchColumns, "remaining_quantity")
	assert.Contains(t, movementColumns, "batch_remaining_after")
	assert.Contains(t, balanceColumns, "quantity")
	assert.NotContains(t, balanceColumns, "quantity_on_hand")
}

func TestCopyRow_ConvertsDecimals(t *testing.T) {
	row := copyRow([]any{"x", types.MustQuantity("2.5")})

	n, ok := row[1].(pgtype.Numeric)
	if !ok {
		t.Fatalf("expected pgtype.Numeric, got %T", row[1])
	}
	assert.True(t, n.Valid)
	assert.Equal(t, "x", row[0])
}

func TestConflictFrom(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgUniqueViolation})
	other := errors.New("boom")

	assert.True(t, isUniqueViolation(unique))
	assert.True(t, apperror.HasCode(conflictFrom(unique, "dup"), apperror.CodeConflict))
	assert.Equal(t, other, conflictFrom(other, "dup"))
}
