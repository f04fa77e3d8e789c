package merge

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/shopspring/decimal"
)

// DiffFields compares every mergeable field of the schema.
// Numbers compare by value, so 25 and 25.00 are equal.
func DiffFields(schema *Schema, source, target Record, resolutions map[string]Choice) []FieldDiff {
	out := make([]FieldDiff, 0, len(schema.Fields))
	for _, field := range schema.Fields {
		choice := resolutions[field]
		if choice == "" {
			choice = ChoiceTarget
		}
		sv, tv := source[field], target[field]
		out = append(out, FieldDiff{
			Field:       field,
			SourceValue: sv,
			TargetValue: tv,
			Differs:     !valuesEqual(sv, tv),
			Choice:      choice,
		})
	}
	return out
}

func valuesEqual(a, b any) bool {
	if da, ok := asDecimal(a); ok {
		if db, ok := asDecimal(b); ok {
			return da.Equal(db)
		}
	}
	return reflect.DeepEqual(a, b)
}

func asDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case decimal.Decimal:
		return n, true
	}
	return decimal.Decimal{}, false
}

// String renders a field value for logs and CLI output.
func String(v any) string {
	if v == nil {
		return "<null>"
	}
	if d, ok := asDecimal(v); ok {
		return d.String()
	}
	return fmt.Sprint(v)
}
