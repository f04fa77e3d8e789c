package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldforce/internal/core/apperror"
)

func TestRegistry_Get(t *testing.T) {
	reg := DefaultRegistry()
	assert.Equal(t, []string{"customer", "personnel", "vendor"}, reg.Types())

	for _, et := range []EntityType{EntityCustomer, EntityVendor, EntityPersonnel} {
		s, err := reg.Get(et)
		require.NoError(t, err)
		assert.Equal(t, et, s.Type)
	}

	_, err := reg.Get("supplier")
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestSchemas_Dependents(t *testing.T) {
	tests := []struct {
		schema *Schema
		tables []string
	}{
		{
			schema: CustomerSchema(),
			tables: []string{"projects", "estimates", "invoices", "job_orders", "change_orders",
				"activities", "appointments", "insurance_claims"},
		},
		{
			schema: VendorSchema(),
			tables: []string{"purchase_orders", "vendor_bills", "change_orders", "personnel"},
		},
		{
			schema: PersonnelSchema(),
			tables: []string{"time_entries", "personnel_payments", "personnel_certifications",
				"personnel_languages", "personnel_capabilities", "emergency_contacts",
				"personnel_project_assignments", "project_labor_expenses"},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.schema.Type), func(t *testing.T) {
			var got []string
			for _, d := range tt.schema.Dependents {
				got = append(got, d.Key())
				assert.NotEmpty(t, d.ForeignKey)
			}
			assert.Equal(t, tt.tables, got)

			for _, f := range tt.schema.Fields {
				assert.False(t, IsSystemField(f), "allowlist contains system field %s", f)
				assert.NotEqual(t, FieldUpdatedAt, f)
			}
		})
	}
}

func TestSchema_DisplayName(t *testing.T) {
	assert.Equal(t, "Ana Lopez", PersonnelSchema().DisplayName(Record{"first_name": "Ana", "last_name": " Lopez "}))
	assert.Equal(t, "Ana", PersonnelSchema().DisplayName(Record{"first_name": "Ana", "last_name": nil}))
	assert.Equal(t, "Acme", CustomerSchema().DisplayName(Record{"name": "Acme"}))
}

func TestRecord_IsMerged(t *testing.T) {
	assert.False(t, Record{}.IsMerged())
	assert.False(t, Record{FieldMergedIntoID: nil}.IsMerged())
	assert.True(t, Record{FieldMergedIntoID: "x"}.IsMerged())
}

func TestDecodeSnapshot_KeepsNumbersExact(t *testing.T) {
	snap, err := DecodeSnapshot([]byte(`{"hourly_rate": 12345678901234567.89, "name": "a"}`))
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567.89", String(snap.Fields["hourly_rate"]))
	assert.JSONEq(t, `{"hourly_rate": 12345678901234567.89, "name": "a"}`, string(snap.Raw))

	_, err = DecodeSnapshot([]byte(`not json`))
	assert.Error(t, err)
}
