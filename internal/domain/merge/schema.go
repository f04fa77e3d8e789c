package merge

import (
	"sort"
	"strings"

	"fieldforce/internal/core/apperror"
)

// Dependent is a table holding a foreign key to a mergeable entity.
type Dependent struct {
	Table      string
	ForeignKey string
	// NameColumn is a denormalized copy of the entity's display name, if any.
	NameColumn string
}

// Key names the dependent in RecordsUpdated.
func (d Dependent) Key() string {
	return d.Table
}

// Schema describes one mergeable entity type.
type Schema struct {
	Type  EntityType
	Table string
	// Label is used in error messages ("customer not found").
	Label string
	// NameFields are joined with a space to build the display name.
	NameFields []string
	// Fields is the closed set of columns a caller may take from the source.
	Fields []string
	// Inactive is written to the source row on retirement, on top of lineage.
	Inactive map[string]any
	// ExternalIDColumn holds the accounting system id, if the type syncs.
	ExternalIDColumn string
	// SyncOnMerge enqueues an accounting sync event after a merge.
	SyncOnMerge bool
	Dependents  []Dependent
}

// AllowsField reports whether field is in the schema's allowlist.
func (s *Schema) AllowsField(field string) bool {
	for _, f := range s.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// DisplayName builds the name copied into denormalized columns.
func (s *Schema) DisplayName(r Record) string {
	parts := make([]string, 0, len(s.NameFields))
	for _, f := range s.NameFields {
		if v := strings.TrimSpace(r.String(f)); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// Registry maps entity types to their schema.
type Registry struct {
	schemas map[EntityType]*Schema
}

// NewRegistry builds a registry from schemas.
func NewRegistry(schemas ...*Schema) *Registry {
	r := &Registry{schemas: make(map[EntityType]*Schema, len(schemas))}
	for _, s := range schemas {
		r.schemas[s.Type] = s
	}
	return r
}

// Get returns the schema for t or an invalid-argument error.
func (r *Registry) Get(t EntityType) (*Schema, error) {
	s, ok := r.schemas[t]
	if !ok {
		return nil, apperror.NewValidation("unsupported entity type").
			WithDetail("entityType", string(t)).
			WithDetail("allowed", r.Types())
	}
	return s, nil
}

// Types lists registered entity types in stable order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

var contactFields = []string{"email", "phone", "address", "city", "state", "zip", "notes"}

func fields(extra ...string) []string {
	return append(append([]string{}, contactFields...), extra...)
}

// CustomerSchema describes customers and the tables pointing at them.
func CustomerSchema() *Schema {
	return &Schema{
		Type:             EntityCustomer,
		Table:            "customers",
		Label:            "customer",
		NameFields:       []string{"name"},
		Fields:           fields("name", "company_name", "customer_type", "mobile_phone", "billing_address", "lead_source"),
		ExternalIDColumn: "qb_customer_id",
		Dependents: []Dependent{
			{Table: "projects", ForeignKey: "customer_id", NameColumn: "customer_name"},
			{Table: "estimates", ForeignKey: "customer_id", NameColumn: "customer_name"},
			{Table: "invoices", ForeignKey: "customer_id", NameColumn: "customer_name"},
			{Table: "job_orders", ForeignKey: "customer_id", NameColumn: "customer_name"},
			{Table: "change_orders", ForeignKey: "customer_id"},
			{Table: "activities", ForeignKey: "customer_id"},
			{Table: "appointments", ForeignKey: "customer_id"},
			{Table: "insurance_claims", ForeignKey: "customer_id"},
		},
	}
}

// VendorSchema describes vendors and the tables pointing at them.
func VendorSchema() *Schema {
	return &Schema{
		Type:             EntityVendor,
		Table:            "vendors",
		Label:            "vendor",
		NameFields:       []string{"name"},
		Fields:           fields("name", "contact_name", "vendor_type", "tax_id", "payment_terms", "website", "is_1099"),
		Inactive:         map[string]any{"is_active": false},
		ExternalIDColumn: "qb_vendor_id",
		SyncOnMerge:      true,
		Dependents: []Dependent{
			{Table: "purchase_orders", ForeignKey: "vendor_id", NameColumn: "vendor_name"},
			{Table: "vendor_bills", ForeignKey: "vendor_id", NameColumn: "vendor_name"},
			{Table: "change_orders", ForeignKey: "vendor_id"},
			{Table: "personnel", ForeignKey: "linked_vendor_id"},
		},
	}
}

// PersonnelSchema describes personnel and the tables pointing at them.
func PersonnelSchema() *Schema {
	return &Schema{
		Type:       EntityPersonnel,
		Table:      "personnel",
		Label:      "personnel",
		NameFields: []string{"first_name", "last_name"},
		Fields: fields("first_name", "last_name", "job_title", "hourly_rate", "date_of_birth",
			"hire_date", "employment_type", "preferred_language"),
		Inactive: map[string]any{"status": "inactive"},
		Dependents: []Dependent{
			{Table: "time_entries", ForeignKey: "personnel_id"},
			{Table: "personnel_payments", ForeignKey: "personnel_id", NameColumn: "personnel_name"},
			{Table: "personnel_certifications", ForeignKey: "personnel_id"},
			{Table: "personnel_languages", ForeignKey: "personnel_id"},
			{Table: "personnel_capabilities", ForeignKey: "personnel_id"},
			{Table: "emergency_contacts", ForeignKey: "personnel_id"},
			{Table: "personnel_project_assignments", ForeignKey: "personnel_id"},
			{Table: "project_labor_expenses", ForeignKey: "personnel_id", NameColumn: "personnel_name"},
		},
	}
}

// DefaultRegistry returns the registry of all mergeable entity types.
func DefaultRegistry() *Registry {
	return NewRegistry(CustomerSchema(), VendorSchema(), PersonnelSchema())
}
