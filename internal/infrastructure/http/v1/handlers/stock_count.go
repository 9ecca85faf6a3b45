package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"stockledger/internal/core/id"
	"stockledger/internal/domain"
	"stockledger/internal/domain/stockcount"
	"stockledger/internal/infrastructure/http/v1/dto"
)

// StockCountService is the count workflow served over HTTP.
type StockCountService interface {
	Create(ctx context.Context, doc *stockcount.StockCount) error
	GetByID(ctx context.Context, docID id.ID) (*stockcount.StockCount, error)
	List(ctx context.Context, filter stockcount.ListFilter) (domain.ListResult[*stockcount.StockCount], error)
	Approve(ctx context.Context, docID id.ID) (*stockcount.StockCount, error)
	Reject(ctx context.Context, docID id.ID, reason string) (*stockcount.StockCount, error)
}

// StockCountHandler handles stock count documents.
type StockCountHandler struct {
	*BaseHandler
	service StockCountService
}

// NewStockCountHandler creates a new stock count handler.
func NewStockCountHandler(base *BaseHandler, service StockCountService) *StockCountHandler {
	return &StockCountHandler{BaseHandler: base, service: service}
}

// Create handles POST /stock/counts
func (h *StockCountHandler) Create(c *gin.Context) {
	var req dto.CreateStockCountRequest
	if !h.BindJSON(c, &req) {
		return
	}

	doc := req.ToEntity()
	if err := h.service.Create(c.Request.Context(), doc); err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, doc)
}

// Get handles GET /stock/counts/:id
func (h *StockCountHandler) Get(c *gin.Context) {
	docID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}

	doc, err := h.service.GetByID(c.Request.Context(), docID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, doc)
}

// List handles GET /stock/counts
func (h *StockCountHandler) List(c *gin.Context) {
	var q dto.StockCountListQuery
	if !h.BindQuery(c, &q) {
		return
	}
	filter, err := q.ToFilter()
	if err != nil {
		h.Error(c, err)
		return
	}

	res, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}

// Approve handles POST /stock/counts/:id/approve
func (h *StockCountHandler) Approve(c *gin.Context) {
	docID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}

	doc, err := h.service.Approve(c.Request.Context(), docID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, doc)
}

// Reject handles POST /stock/counts/:id/reject
func (h *StockCountHandler) Reject(c *gin.Context) {
	docID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.RejectStockCountRequest
	if c.Request.ContentLength > 0 && !h.BindJSON(c, &req) {
		return
	}

	doc, err := h.service.Reject(c.Request.Context(), docID, req.Reason)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, doc)
}
