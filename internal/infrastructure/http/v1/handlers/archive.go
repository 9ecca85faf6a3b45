package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"stockledger/internal/core/id"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/http/v1/dto"
	"stockledger/internal/infrastructure/storage/postgres"
)

// ArchiveReader reads the snapshots kept by rebuilds.
type ArchiveReader interface {
	List(ctx context.Context, limit int) ([]postgres.ArchiveRecord, error)
	Load(ctx context.Context, archiveID id.ID) (*stock.Snapshot, error)
}

// ArchiveHandler serves rebuild archives.
type ArchiveHandler struct {
	*BaseHandler
	archives ArchiveReader
}

func NewArchiveHandler(base *BaseHandler, archives ArchiveReader) *ArchiveHandler {
	return &ArchiveHandler{BaseHandler: base, archives: archives}
}

// List handles GET /stock/archives
func (h *ArchiveHandler) List(c *gin.Context) {
	var q dto.PageQuery
	if !h.BindQuery(c, &q) {
		return
	}
	if q.Limit == 0 {
		q.Limit = 50
	}

	items, err := h.archives.List(c.Request.Context(), q.Limit)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(items))
}

// Get handles GET /stock/archives/:id
func (h *ArchiveHandler) Get(c *gin.Context) {
	archiveID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}

	snapshot, err := h.archives.Load(c.Request.Context(), archiveID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, snapshot)
}
