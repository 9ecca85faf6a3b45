package dto

import (
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
)

// --- Request DTOs ---

// ReceiveRequest records incoming stock.
type ReceiveRequest struct {
	ProductID  id.ID          `json:"productId" binding:"required"`
	LocationID id.ID          `json:"locationId" binding:"required"`
	Quantity   types.Quantity `json:"quantity"`
	UnitCost   types.Money    `json:"unitCost"`
	SourceType string         `json:"sourceType" binding:"required"`
	SourceID   string         `json:"sourceId" binding:"required"`
	OccurredAt *time.Time     `json:"occurredAt,omitempty"`
}

func (r *ReceiveRequest) ToDomain() stock.ReceiveRequest {
	return stock.ReceiveRequest{
		ProductID:  r.ProductID,
		LocationID: r.LocationID,
		Quantity:   r.Quantity,
		UnitCost:   r.UnitCost,
		Source:     stock.DocumentRef{Type: stock.DocumentType(r.SourceType), ID: r.SourceID},
		OccurredAt: occurredAtOrZero(r.OccurredAt),
	}
}

// AllocateRequest consumes stock FIFO against a business document.
type AllocateRequest struct {
	ProductID     id.ID          `json:"productId" binding:"required"`
	LocationID    id.ID          `json:"locationId" binding:"required"`
	Quantity      types.Quantity `json:"quantity"`
	ReferenceType string         `json:"referenceType" binding:"required"`
	ReferenceID   string         `json:"referenceId" binding:"required"`
	OccurredAt    *time.Time     `json:"occurredAt,omitempty"`
}

func (r *AllocateRequest) ToDomain() stock.AllocateRequest {
	return stock.AllocateRequest{
		ProductID:  r.ProductID,
		LocationID: r.LocationID,
		Quantity:   r.Quantity,
		Reference:  stock.DocumentRef{Type: stock.DocumentType(r.ReferenceType), ID: r.ReferenceID},
		OccurredAt: occurredAtOrZero(r.OccurredAt),
	}
}

// ReverseAllocationRequest names the allocation to undo.
type ReverseAllocationRequest struct {
	ProductID     id.ID  `json:"productId" binding:"required"`
	LocationID    id.ID  `json:"locationId" binding:"required"`
	ReferenceType string `json:"referenceType" binding:"required"`
	ReferenceID   string `json:"referenceId" binding:"required"`
}

func (r *ReverseAllocationRequest) ToKey() stock.AllocationKey {
	return stock.AllocationKey{
		Reference:  stock.DocumentRef{Type: stock.DocumentType(r.ReferenceType), ID: r.ReferenceID},
		ProductID:  r.ProductID,
		LocationID: r.LocationID,
	}
}

// ReverseReceiptRequest names the receipt to undo.
type ReverseReceiptRequest struct {
	ProductID  id.ID  `json:"productId" binding:"required"`
	SourceType string `json:"sourceType" binding:"required"`
	SourceID   string `json:"sourceId" binding:"required"`
}

func (r *ReverseReceiptRequest) ToKey() stock.ReceiptKey {
	return stock.ReceiptKey{
		Source:    stock.DocumentRef{Type: stock.DocumentType(r.SourceType), ID: r.SourceID},
		ProductID: r.ProductID,
	}
}

// MaterialLineRequest is one raw material of a production posting.
type MaterialLineRequest struct {
	ProductID  id.ID          `json:"productId" binding:"required"`
	LocationID *id.ID         `json:"locationId,omitempty"`
	Quantity   types.Quantity `json:"quantity"`
}

// ProductionRequest posts a finished production run.
type ProductionRequest struct {
	ProductionID    string                `json:"productionId" binding:"required"`
	LocationID      id.ID                 `json:"locationId" binding:"required"`
	OutputProductID id.ID                 `json:"outputProductId" binding:"required"`
	OutputQuantity  types.Quantity        `json:"outputQuantity"`
	Materials       []MaterialLineRequest `json:"materials" binding:"required,min=1,dive"`
	OccurredAt      *time.Time            `json:"occurredAt,omitempty"`
}

func (r *ProductionRequest) ToDomain() stock.ProductionPosting {
	materials := make([]stock.MaterialLine, len(r.Materials))
	for i, m := range r.Materials {
		materials[i] = stock.MaterialLine{ProductID: m.ProductID, LocationID: m.LocationID, Quantity: m.Quantity}
	}
	return stock.ProductionPosting{
		ProductionID:    r.ProductionID,
		LocationID:      r.LocationID,
		OutputProductID: r.OutputProductID,
		OutputQuantity:  r.OutputQuantity,
		Materials:       materials,
		OccurredAt:      occurredAtOrZero(r.OccurredAt),
	}
}

// --- Query DTOs ---

// ScopeQuery narrows audit and rebuild. Both fields are optional.
type ScopeQuery struct {
	ProductID  string `form:"productId" json:"productId"`
	LocationID string `form:"locationId" json:"locationId"`
}

func (q ScopeQuery) ToScope() (stock.Scope, error) {
	product, err := parseOptionalID("productId", q.ProductID)
	if err != nil {
		return stock.Scope{}, err
	}
	location, err := parseOptionalID("locationId", q.LocationID)
	if err != nil {
		return stock.Scope{}, err
	}
	return stock.Scope{ProductID: product, LocationID: location}, nil
}

// BalanceQuery filters cached balances.
type BalanceQuery struct {
	ScopeQuery
	ExcludeZero *bool `form:"excludeZero"`
}

func (q BalanceQuery) ToFilter() (stock.BalanceFilter, error) {
	scope, err := q.ToScope()
	if err != nil {
		return stock.BalanceFilter{}, err
	}
	return stock.BalanceFilter{
		ProductID:   scope.ProductID,
		LocationID:  scope.LocationID,
		ExcludeZero: q.ExcludeZero == nil || *q.ExcludeZero,
	}, nil
}

// BatchQuery filters batches.
type BatchQuery struct {
	ScopeQuery
	OpenOnly bool `form:"openOnly"`
	Limit    int  `form:"limit" binding:"omitempty,min=1,max=1000"`
}

func (q BatchQuery) ToFilter() (stock.BatchFilter, error) {
	scope, err := q.ToScope()
	if err != nil {
		return stock.BatchFilter{}, err
	}
	return stock.BatchFilter{
		ProductID:  scope.ProductID,
		LocationID: scope.LocationID,
		OpenOnly:   q.OpenOnly,
		Limit:      q.Limit,
	}, nil
}

// MovementQuery filters ledger history.
type MovementQuery struct {
	ScopeQuery
	PageQuery
	ReferenceType string     `form:"referenceType"`
	ReferenceID   string     `form:"referenceId"`
	FromDate      *time.Time `form:"fromDate" time_format:"2006-01-02T15:04:05Z07:00"`
	ToDate        *time.Time `form:"toDate" time_format:"2006-01-02T15:04:05Z07:00"`
}

func (q MovementQuery) ToFilter() (stock.MovementFilter, error) {
	scope, err := q.ToScope()
	if err != nil {
		return stock.MovementFilter{}, err
	}
	f := stock.MovementFilter{
		ProductID:  scope.ProductID,
		LocationID: scope.LocationID,
		FromDate:   q.FromDate,
		ToDate:     q.ToDate,
		Limit:      q.Limit,
		Offset:     q.Offset,
	}
	if q.ReferenceType != "" && q.ReferenceID != "" {
		f.Reference = &stock.DocumentRef{Type: stock.DocumentType(q.ReferenceType), ID: q.ReferenceID}
	}
	return f, nil
}

// --- Response DTOs ---

// BalanceResponse is a cached balance with its average unit cost.
type BalanceResponse struct {
	stock.Balance
	UnitCost types.Money `json:"unitCost"`
}

// FromBalance converts a balance to its response DTO.
func FromBalance(b stock.Balance) BalanceResponse {
	return BalanceResponse{Balance: b, UnitCost: types.RoundCost(b.UnitCost())}
}

// FromBalances converts a list of balances.
func FromBalances(items []stock.Balance) []BalanceResponse {
	out := make([]BalanceResponse, len(items))
	for i, b := range items {
		out[i] = FromBalance(b)
	}
	return out
}

// AuditResponse wraps the audit report with a clean flag for dashboards.
type AuditResponse struct {
	*stock.AuditReport
	Clean bool `json:"clean"`
}

// FromAuditReport converts an audit report.
func FromAuditReport(r *stock.AuditReport) AuditResponse {
	return AuditResponse{AuditReport: r, Clean: r.DriftCount == 0 && r.CacheDriftCount == 0}
}
