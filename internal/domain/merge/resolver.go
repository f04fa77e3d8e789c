package merge

import (
	"sort"
	"time"

	"fieldforce/internal/core/apperror"
)

// Resolution is the outcome of field resolution.
type Resolution struct {
	// Merged is the full state the target becomes, without system fields.
	Merged Record
	// Changes holds only the columns to write to the target row.
	Changes Record
}

// ValidateResolutions checks every key against the schema allowlist and
// every choice against the two legal values.
func ValidateResolutions(schema *Schema, resolutions map[string]Choice) error {
	keys := make([]string, 0, len(resolutions))
	for k := range resolutions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, field := range keys {
		if IsSystemField(field) || field == FieldUpdatedAt {
			return apperror.NewValidation("system fields cannot be resolved").
				WithDetail("field", field)
		}
		if !schema.AllowsField(field) {
			return apperror.NewValidation("field is not mergeable").
				WithDetail("field", field).
				WithDetail("entityType", string(schema.Type))
		}
		switch resolutions[field] {
		case ChoiceSource, ChoiceTarget:
		default:
			return apperror.NewValidation("field resolution must be source or target").
				WithDetail("field", field).
				WithDetail("choice", string(resolutions[field]))
		}
	}
	return nil
}

// Resolve computes the state the target row becomes.
//
// Fields chosen as "source" take the source value when the source has that
// field; every other field keeps the target value. System fields are stripped
// and updated_at is set to now.
func Resolve(schema *Schema, source, target Record, resolutions map[string]Choice, now time.Time) (Resolution, error) {
	if err := ValidateResolutions(schema, resolutions); err != nil {
		return Resolution{}, err
	}

	merged := target.Clone()
	changes := Record{}

	for field, choice := range resolutions {
		if choice != ChoiceSource {
			continue
		}
		value, ok := source[field]
		if !ok {
			continue
		}
		merged[field] = value
		changes[field] = value
	}

	for field := range systemFields {
		delete(merged, field)
	}

	merged[FieldUpdatedAt] = now
	changes[FieldUpdatedAt] = now

	return Resolution{Merged: merged, Changes: changes}, nil
}

// ApplyExternal moves the accounting id from source to target when requested.
// It returns the id the target ends up with and whether the source must be cleared.
func ApplyExternal(schema *Schema, source Record, res *Resolution, ext *ExternalResolution) (kept any, clearSource bool) {
	if schema.ExternalIDColumn == "" {
		return nil, false
	}
	col := schema.ExternalIDColumn
	kept = res.Merged[col]

	if ext == nil || !ext.KeepSourceQB {
		return kept, false
	}
	sourceID, ok := source[col]
	if !ok || sourceID == nil || sourceID == "" {
		return kept, false
	}

	res.Merged[col] = sourceID
	res.Changes[col] = sourceID
	return sourceID, true
}
