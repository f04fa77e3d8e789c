// Package dto provides Data Transfer Objects for API requests/responses.
package dto

import (
	"fieldforce/internal/domain/merge"
)

// QuickBooksResolution is the external accounting choice of a merge request.
type QuickBooksResolution struct {
	KeepSourceQB bool `json:"keepSourceQB"`
}

// MergeRequest is the body of POST /merge and POST /merge/preview.
type MergeRequest struct {
	EntityType           string                `json:"entityType" binding:"required"`
	SourceID             string                `json:"sourceId" binding:"required"`
	TargetID             string                `json:"targetId" binding:"required"`
	FieldResolutions     map[string]string     `json:"fieldResolutions"`
	QuickBooksResolution *QuickBooksResolution `json:"quickbooksResolution"`
	MergeReason          *string               `json:"mergeReason"`
	Notes                *string               `json:"notes"`
}

// ToDomain converts the body into a merge.Request. Values are validated by the service.
func (r *MergeRequest) ToDomain() merge.Request {
	req := merge.Request{
		EntityType: merge.EntityType(r.EntityType),
		SourceID:   r.SourceID,
		TargetID:   r.TargetID,
		Reason:     r.MergeReason,
		Notes:      r.Notes,
	}
	if len(r.FieldResolutions) > 0 {
		req.FieldResolutions = make(map[string]merge.Choice, len(r.FieldResolutions))
		for field, choice := range r.FieldResolutions {
			req.FieldResolutions[field] = merge.Choice(choice)
		}
	}
	if r.QuickBooksResolution != nil {
		req.ExternalResolution = &merge.ExternalResolution{KeepSourceQB: r.QuickBooksResolution.KeepSourceQB}
	}
	return req
}

// HistoryQuery holds GET /merge/audit parameters.
// Limit 0 means the default; the service caps larger values.
type HistoryQuery struct {
	EntityType string `form:"entityType" binding:"required"`
	EntityID   string `form:"entityId" binding:"required"`
	Limit      int    `form:"limit" binding:"min=0"`
}

// HistoryResponse lists audit records newest first.
type HistoryResponse struct {
	Items []merge.AuditRecord `json:"items"`
	Count int                  `json:"count"`
}

// NewHistoryResponse wraps records; a nil slice renders as [].
func NewHistoryResponse(records []merge.AuditRecord) HistoryResponse {
	if records == nil {
		records = []merge.AuditRecord{}
	}
	return HistoryResponse{Items: records, Count: len(records)}
}
