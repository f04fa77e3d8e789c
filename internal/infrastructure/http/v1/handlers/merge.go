package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"fieldforce/internal/domain/merge"
	"fieldforce/internal/infrastructure/http/v1/dto"
)

// MergeService is the part of *merge.Service the HTTP layer calls.
type MergeService interface {
	Merge(ctx context.Context, req merge.Request) (*merge.Result, error)
	Preview(ctx context.Context, req merge.Request) (*merge.Preview, error)
	AuditRecord(ctx context.Context, auditID string) (*merge.AuditRecord, error)
	History(ctx context.Context, entityType merge.EntityType, entityID string, limit int) ([]merge.AuditRecord, error)
}

// MergeHandler serves the merge endpoints.
type MergeHandler struct {
	*BaseHandler
	service MergeService
}

// NewMergeHandler creates a new merge handler.
func NewMergeHandler(base *BaseHandler, service MergeService) *MergeHandler {
	return &MergeHandler{BaseHandler: base, service: service}
}

// RegisterRoutes mounts the merge endpoints on rg.
func (h *MergeHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.Merge)
	rg.POST("/preview", h.Preview)
	rg.GET("/audit", h.History)
	rg.GET("/audit/:id", h.GetAudit)
}

// Merge merges the source record into the target.
// POST /api/v1/merge
func (h *MergeHandler) Merge(c *gin.Context) {
	var req dto.MergeRequest
	if !h.BindJSON(c, &req) {
		return
	}

	result, err := h.service.Merge(c.Request.Context(), req.ToDomain())
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, result)
}

// Preview shows the merged row and the dependent counts without writing.
// POST /api/v1/merge/preview
func (h *MergeHandler) Preview(c *gin.Context) {
	var req dto.MergeRequest
	if !h.BindJSON(c, &req) {
		return
	}

	preview, err := h.service.Preview(c.Request.Context(), req.ToDomain())
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, preview)
}

// GetAudit returns one audit record.
// GET /api/v1/merge/audit/:id
func (h *MergeHandler) GetAudit(c *gin.Context) {
	record, err := h.service.AuditRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, record)
}

// History lists the merges an entity took part in.
// GET /api/v1/merge/audit?entityType=&entityId=&limit=
func (h *MergeHandler) History(c *gin.Context) {
	var q dto.HistoryQuery
	if !h.BindQuery(c, &q) {
		return
	}

	records, err := h.service.History(c.Request.Context(), merge.EntityType(q.EntityType), q.EntityID, q.Limit)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.NewHistoryResponse(records))
}
