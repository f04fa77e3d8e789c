// Package merge consolidates two duplicate records of the same entity type
// (customer, vendor, personnel) into one.
//
// The merge repoints every dependent record from the source to the target,
// retires the source row without deleting it, and appends an immutable
// audit record. All per-type knowledge lives in the declarative Registry.
package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"fieldforce/internal/core/id"
)

// EntityType names a mergeable record type.
type EntityType string

const (
	EntityCustomer  EntityType = "customer"
	EntityVendor    EntityType = "vendor"
	EntityPersonnel EntityType = "personnel"
)

// Choice selects which side of the merge a field value is taken from.
type Choice string

const (
	ChoiceSource Choice = "source"
	ChoiceTarget Choice = "target"
)

// Lineage and system columns. They are never copied by field resolution.
const (
	FieldID           = "id"
	FieldCreatedAt    = "created_at"
	FieldUpdatedAt    = "updated_at"
	FieldMergedIntoID = "merged_into_id"
	FieldMergedAt     = "merged_at"
	FieldMergedBy     = "merged_by"
	FieldMergeReason  = "merge_reason"
)

var systemFields = map[string]struct{}{
	FieldID:           {},
	FieldCreatedAt:    {},
	FieldMergedIntoID: {},
	FieldMergedAt:     {},
	FieldMergedBy:     {},
	FieldMergeReason:  {},
}

// IsSystemField reports whether field is managed by the merge itself.
func IsSystemField(field string) bool {
	_, ok := systemFields[field]
	return ok
}

// Record is one entity row as column name -> value.
// Numbers are kept as json.Number so snapshots round-trip exactly.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the field as a string, or "" when absent, null or not a string.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// IsMerged reports whether the row already carries merge lineage.
func (r Record) IsMerged() bool {
	v, ok := r[FieldMergedIntoID]
	return ok && v != nil && v != ""
}

// Snapshot is the exact pre-merge state of one row.
type Snapshot struct {
	// Raw is the row as the database rendered it to JSON.
	Raw json.RawMessage
	// Fields is Raw decoded.
	Fields Record
}

// DecodeSnapshot parses a JSON row into a Snapshot.
func DecodeSnapshot(raw []byte) (Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	fields := Record{}
	if err := dec.Decode(&fields); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return Snapshot{Raw: append(json.RawMessage(nil), raw...), Fields: fields}, nil
}

// ExternalResolution decides which external accounting record survives.
type ExternalResolution struct {
	// KeepSourceQB moves the source's QuickBooks id onto the target.
	KeepSourceQB bool `json:"keepSourceQB"`
}

// Request describes one merge.
type Request struct {
	EntityType         EntityType
	SourceID           string
	TargetID           string
	FieldResolutions   map[string]Choice
	ExternalResolution *ExternalResolution
	Reason             *string
	Notes              *string
}

// Result is returned by a successful merge.
type Result struct {
	Success        bool             `json:"success"`
	AuditID        string           `json:"auditId,omitempty"`
	RecordsUpdated map[string]int64 `json:"recordsUpdated"`
	// AuditWarning is set when the merge committed but its audit row was lost.
	AuditWarning string `json:"auditWarning,omitempty"`
}

// AuditRecord is the immutable history of one merge.
type AuditRecord struct {
	ID                 id.ID               `json:"id"`
	EntityType         EntityType          `json:"entityType"`
	SourceID           id.ID               `json:"sourceId"`
	TargetID           id.ID               `json:"targetId"`
	SourceSnapshot     json.RawMessage     `json:"sourceSnapshot"`
	TargetSnapshot     json.RawMessage     `json:"targetSnapshot"`
	MergedSnapshot     json.RawMessage     `json:"mergedSnapshot"`
	FieldResolutions   map[string]Choice   `json:"fieldResolutions"`
	RecordsUpdated     map[string]int64    `json:"recordsUpdated"`
	ExternalResolution *ExternalResolution `json:"externalResolution,omitempty"`
	MergedBy           string              `json:"mergedBy"`
	MergedByContact    string              `json:"mergedByContact"`
	Notes              *string             `json:"notes,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
}

// FieldDiff compares one mergeable field across source and target.
type FieldDiff struct {
	Field       string `json:"field"`
	SourceValue any    `json:"sourceValue"`
	TargetValue any    `json:"targetValue"`
	Differs     bool   `json:"differs"`
	Choice      Choice `json:"choice"`
}

// Preview shows what a merge would do without doing it.
type Preview struct {
	EntityType     EntityType       `json:"entityType"`
	Source         Record           `json:"source"`
	Target         Record           `json:"target"`
	Merged         Record           `json:"merged"`
	Fields         []FieldDiff      `json:"fields"`
	RecordsToMove  map[string]int64 `json:"recordsToMove"`
	MergedName     string           `json:"mergedName"`
	ExternalIDKept any              `json:"externalIdKept,omitempty"`
}

// VendorMergedEvent asks the accounting sync to push the surviving vendor.
type VendorMergedEvent struct {
	SourceID       id.ID     `json:"sourceId"`
	TargetID       id.ID     `json:"targetId"`
	QuickBooksID   string    `json:"quickbooksId,omitempty"`
	KeepSourceQB   bool      `json:"keepSourceQB"`
	MergedAt       time.Time `json:"mergedAt"`
	MergedBy       string    `json:"mergedBy"`
	AuditID        string    `json:"auditId,omitempty"`
	RecordsUpdated int64     `json:"recordsUpdated"`
}
