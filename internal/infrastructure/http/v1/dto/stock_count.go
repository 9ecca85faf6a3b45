package dto

import (
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain"
	"stockledger/internal/domain/stockcount"
)

// --- Request DTOs ---

// CountLineRequest is one counted product.
type CountLineRequest struct {
	ProductID       id.ID          `json:"productId" binding:"required"`
	CountedQuantity types.Quantity `json:"countedQuantity"`
	// UnitCost values a surplus; zero when omitted.
	UnitCost types.Money `json:"unitCost"`
}

// CreateStockCountRequest opens a pending count.
type CreateStockCountRequest struct {
	Number      string             `json:"number,omitempty"`
	LocationID  id.ID              `json:"locationId" binding:"required"`
	CountedAt   time.Time          `json:"countedAt" binding:"required"`
	Description string             `json:"description,omitempty"`
	Lines       []CountLineRequest `json:"lines" binding:"required,min=1,dive"`
}

func (r *CreateStockCountRequest) ToEntity() *stockcount.StockCount {
	doc := stockcount.NewStockCount(r.LocationID, r.CountedAt)
	doc.Number = r.Number
	doc.Description = r.Description
	for _, l := range r.Lines {
		doc.AddLine(l.ProductID, l.CountedQuantity, l.UnitCost)
	}
	return doc
}

// RejectStockCountRequest carries the optional rejection reason.
type RejectStockCountRequest struct {
	Reason string `json:"reason"`
}

// StockCountListQuery filters the count list.
type StockCountListQuery struct {
	PageQuery
	LocationID string     `form:"locationId"`
	Status     string     `form:"status" binding:"omitempty,oneof=pending approved rejected"`
	DateFrom   *time.Time `form:"dateFrom" time_format:"2006-01-02T15:04:05Z07:00"`
	DateTo     *time.Time `form:"dateTo" time_format:"2006-01-02T15:04:05Z07:00"`
	OrderBy    string     `form:"orderBy"`
}

func (q StockCountListQuery) ToFilter() (stockcount.ListFilter, error) {
	location, err := parseOptionalID("locationId", q.LocationID)
	if err != nil {
		return stockcount.ListFilter{}, err
	}
	f := stockcount.ListFilter{
		ListFilter: domain.ListFilter{OrderBy: q.OrderBy, Limit: q.Limit, Offset: q.Offset},
		LocationID: location,
		DateFrom:   q.DateFrom,
		DateTo:     q.DateTo,
	}
	if q.Status != "" {
		st := stockcount.Status(q.Status)
		f.Status = &st
	}
	return f, nil
}

// --- Response DTOs ---

// StockCountListResponse is one page of counts. Lines are included.
type StockCountListResponse = domain.ListResult[*stockcount.StockCount]
