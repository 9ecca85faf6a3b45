package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/http/v1/dto"
)

// StockService is the part of the stock ledger served over HTTP.
type StockService interface {
	Receive(ctx context.Context, req stock.ReceiveRequest) (*stock.ReceiveResult, error)
	Allocate(ctx context.Context, req stock.AllocateRequest) (*stock.AllocationResult, error)
	ReverseAllocation(ctx context.Context, key stock.AllocationKey) (*stock.ReversalResult, error)
	ReverseReceipt(ctx context.Context, key stock.ReceiptKey) (*stock.ReversalResult, error)
	PostProduction(ctx context.Context, posting stock.ProductionPosting) (*stock.ProductionResult, error)

	CurrentBalance(ctx context.Context, productID, locationID id.ID) (*stock.Balance, error)
	ListBalances(ctx context.Context, filter stock.BalanceFilter) ([]stock.Balance, error)
	ListBatches(ctx context.Context, filter stock.BatchFilter) ([]stock.Batch, error)
	GetBatch(ctx context.Context, batchID id.ID) (*stock.Batch, error)
	ListMovements(ctx context.Context, filter stock.MovementFilter) ([]stock.Movement, error)

	Audit(ctx context.Context, scope stock.Scope) (*stock.AuditReport, error)
	Rebuild(ctx context.Context, scope stock.Scope) (*stock.RebuildResult, error)
}

// StockHandler handles HTTP requests for the stock ledger.
type StockHandler struct {
	*BaseHandler
	service StockService
}

// NewStockHandler creates a new stock handler.
func NewStockHandler(base *BaseHandler, service StockService) *StockHandler {
	return &StockHandler{
		BaseHandler: base,
		service:     service,
	}
}

// Receive handles POST /stock/receipts
func (h *StockHandler) Receive(c *gin.Context) {
	var req dto.ReceiveRequest
	if !h.BindJSON(c, &req) {
		return
	}

	res, err := h.service.Receive(c.Request.Context(), req.ToDomain())
	if err != nil {
		h.Error(c, err)
		return
	}

	// A duplicate receipt is not an error; it returns the original batch.
	if res.Duplicate {
		h.OK(c, res)
		return
	}
	h.Created(c, res)
}

// Allocate handles POST /stock/allocations
func (h *StockHandler) Allocate(c *gin.Context) {
	var req dto.AllocateRequest
	if !h.BindJSON(c, &req) {
		return
	}

	res, err := h.service.Allocate(c.Request.Context(), req.ToDomain())
	if err != nil {
		h.Error(c, err)
		return
	}

	if res.Duplicate {
		h.OK(c, res)
		return
	}
	h.Created(c, res)
}

// ReverseAllocation handles POST /stock/allocations/reverse
func (h *StockHandler) ReverseAllocation(c *gin.Context) {
	var req dto.ReverseAllocationRequest
	if !h.BindJSON(c, &req) {
		return
	}

	res, err := h.service.ReverseAllocation(c.Request.Context(), req.ToKey())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}

// ReverseReceipt handles POST /stock/receipts/reverse
func (h *StockHandler) ReverseReceipt(c *gin.Context) {
	var req dto.ReverseReceiptRequest
	if !h.BindJSON(c, &req) {
		return
	}

	res, err := h.service.ReverseReceipt(c.Request.Context(), req.ToKey())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}

// PostProduction handles POST /stock/productions
func (h *StockHandler) PostProduction(c *gin.Context) {
	var req dto.ProductionRequest
	if !h.BindJSON(c, &req) {
		return
	}

	res, err := h.service.PostProduction(c.Request.Context(), req.ToDomain())
	if err != nil {
		h.Error(c, err)
		return
	}

	if res.Duplicate {
		h.OK(c, res)
		return
	}
	h.Created(c, res)
}

// GetBalance handles GET /stock/balances/:productId/:locationId
func (h *StockHandler) GetBalance(c *gin.Context) {
	productID, ok := h.ParamID(c, "productId")
	if !ok {
		return
	}
	locationID, ok := h.ParamID(c, "locationId")
	if !ok {
		return
	}

	bal, err := h.service.CurrentBalance(c.Request.Context(), productID, locationID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromBalance(*bal))
}

// ListBalances handles GET /stock/balances
func (h *StockHandler) ListBalances(c *gin.Context) {
	var q dto.BalanceQuery
	if !h.BindQuery(c, &q) {
		return
	}
	filter, err := q.ToFilter()
	if err != nil {
		h.Error(c, err)
		return
	}
	if filter.ProductID == nil && filter.LocationID == nil {
		h.Error(c, apperror.NewValidation("locationId or productId is required"))
		return
	}

	items, err := h.service.ListBalances(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(dto.FromBalances(items)))
}

// ListBatches handles GET /stock/batches
func (h *StockHandler) ListBatches(c *gin.Context) {
	var q dto.BatchQuery
	if !h.BindQuery(c, &q) {
		return
	}
	filter, err := q.ToFilter()
	if err != nil {
		h.Error(c, err)
		return
	}

	items, err := h.service.ListBatches(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(items))
}

// GetBatch handles GET /stock/batches/:id
func (h *StockHandler) GetBatch(c *gin.Context) {
	batchID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}

	b, err := h.service.GetBatch(c.Request.Context(), batchID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// ListMovements handles GET /stock/movements
func (h *StockHandler) ListMovements(c *gin.Context) {
	var q dto.MovementQuery
	if !h.BindQuery(c, &q) {
		return
	}
	filter, err := q.ToFilter()
	if err != nil {
		h.Error(c, err)
		return
	}
	if filter.ProductID == nil && filter.Reference == nil {
		h.Error(c, apperror.NewValidation("productId or referenceType+referenceId is required"))
		return
	}

	items, err := h.service.ListMovements(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	resp := dto.NewListResponse(items)
	resp.Limit, resp.Offset = filter.Limit, filter.Offset
	h.OK(c, resp)
}

// Audit handles GET /stock/audit
func (h *StockHandler) Audit(c *gin.Context) {
	var q dto.ScopeQuery
	if !h.BindQuery(c, &q) {
		return
	}
	scope, err := q.ToScope()
	if err != nil {
		h.Error(c, err)
		return
	}

	report, err := h.service.Audit(c.Request.Context(), scope)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromAuditReport(report))
}

// Rebuild handles POST /stock/rebuild
func (h *StockHandler) Rebuild(c *gin.Context) {
	var q dto.ScopeQuery
	if c.Request.ContentLength > 0 {
		if !h.BindJSON(c, &q) {
			return
		}
	}
	scope, err := q.ToScope()
	if err != nil {
		h.Error(c, err)
		return
	}

	res, err := h.service.Rebuild(c.Request.Context(), scope)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}
