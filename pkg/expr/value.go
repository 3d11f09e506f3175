package expr

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Value is the result of evaluating an expression. The concrete types are
// decimal.Decimal for numbers, string, bool, nil for none, []Value for
// lists, and map[string]Value for records (bucket row attributes).
type Value = any

// Scope is a name-to-value mapping consulted during one evaluation. Nested
// calls copy-then-extend the enclosing scope; a callee never mutates its
// caller's map.
type Scope map[string]Value

// Clone returns a copy of the scope that can be extended without touching
// the original.
func (s Scope) Clone() Scope {
	out := make(Scope, len(s)+4)
	for name, value := range s {
		out[name] = value
	}
	return out
}

// Normalize converts native Go numerics into decimal so values loaded from
// stores and caches enter the evaluator in canonical form.
func Normalize(v any) Value {
	switch x := v.(type) {
	case int:
		return decimal.NewFromInt(int64(x))
	case int32:
		return decimal.NewFromInt(int64(x))
	case int64:
		return decimal.NewFromInt(x)
	case float64:
		return decimal.NewFromFloat(x)
	case map[string]any:
		out := make(map[string]Value, len(x))
		for k, item := range x {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]Value, len(x))
		for i, item := range x {
			out[i] = Normalize(item)
		}
		return out
	default:
		return v
	}
}

// toDecimal coerces a value to decimal.
func toDecimal(v Value) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case nil:
		return decimal.Zero, nil
	default:
		return decimal.Zero, fmt.Errorf("expected a number, got %T", v)
	}
}

// truthy reports the boolean interpretation of a value.
func truthy(v Value) bool {
	switch x := v.(type) {
	case bool:
		return x
	case decimal.Decimal:
		return !x.IsZero()
	case string:
		return x != ""
	case nil:
		return false
	case []Value:
		return len(x) > 0
	case map[string]Value:
		return len(x) > 0
	default:
		return true
	}
}

// valuesEqual compares two values for the == and != operators.
func valuesEqual(a, b Value) bool {
	da, aOK := a.(decimal.Decimal)
	db, bOK := b.(decimal.Decimal)
	if aOK && bOK {
		return da.Equal(db)
	}
	if aOK != bOK {
		// Mixed number comparison after coercing the other side
		if d, err := toDecimal(b); aOK && err == nil && b != nil {
			return da.Equal(d)
		}
		if d, err := toDecimal(a); bOK && err == nil && a != nil {
			return d.Equal(db)
		}
		return false
	}
	return a == b
}

// FormatValue renders a value for traces and report cells. Decimals print
// without trailing zeros.
func FormatValue(v Value) string {
	switch x := v.(type) {
	case decimal.Decimal:
		return x.String()
	case nil:
		return "none"
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case []Value:
		s := "["
		for i, item := range x {
			if i > 0 {
				s += ", "
			}
			s += FormatValue(item)
		}
		return s + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}
