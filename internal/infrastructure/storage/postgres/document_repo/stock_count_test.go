package document_repo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"stockledger/internal/core/apperror"
)

func TestParseOrderBy(t *testing.T) {
	repo := NewStockCountRepo(nil)

	tests := []struct {
		name    string
		orderBy string
		want    string
		wantErr bool
	}{
		{name: "Default", orderBy: "", want: "counted_at DESC"},
		{name: "Descending", orderBy: "-number", want: "number DESC"},
		{name: "Ascending", orderBy: "+status", want: "status ASC"},
		{name: "Bare", orderBy: "created_at", want: "created_at ASC"},
		{name: "Unknown column", orderBy: "password", wantErr: true},
		{name: "Injection", orderBy: "number; DROP TABLE stock_counts", wantErr: true},
		{name: "Sign only", orderBy: "-", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.parseOrderBy(tt.orderBy)
			if tt.wantErr {
				if !apperror.HasCode(err, apperror.CodeValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseOrderBy failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("want %q, got %q", tt.want, got)
			}
		})
	}
}

func TestStockCountColumns(t *testing.T) {
	repo := NewStockCountRepo(nil)

	assert.NotContains(t, repo.selectCols, "lines")
	assert.Contains(t, repo.selectCols, "reject_reason")
	assert.Equal(t, "line_id", stockCountLineColumns[0])
	assert.NotContains(t, stockCountLineColumns, "count_id")
}
