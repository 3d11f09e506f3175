package expr

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// divGuardName is the internal function the division rewrite targets. It is
// registered like any other builtin but hidden from formula authors.
const divGuardName = "_divz"

// Builtin is a function callable from expressions.
type Builtin struct {
	Name string
	// Arity is the required argument count; -1 means variadic (at least one).
	Arity int
	// Hidden builtins are reachable only through the parse-time rewrite,
	// never by author-written calls.
	Hidden bool
	Fn     func(args []Value) (Value, error)
}

// builtins is the fixed function whitelist. Anything not in this map fails
// closed at validation and again at evaluation.
var builtins = map[string]*Builtin{
	"abs": {
		Name:  "abs",
		Arity: 1,
		Fn: func(args []Value) (Value, error) {
			d, err := toDecimal(args[0])
			if err != nil {
				return nil, err
			}
			return d.Abs(), nil
		},
	},
	"min": {
		Name:  "min",
		Arity: -1,
		Fn: func(args []Value) (Value, error) {
			return foldDecimals(args, func(acc, d decimal.Decimal) decimal.Decimal {
				if d.LessThan(acc) {
					return d
				}
				return acc
			})
		},
	},
	"max": {
		Name:  "max",
		Arity: -1,
		Fn: func(args []Value) (Value, error) {
			return foldDecimals(args, func(acc, d decimal.Decimal) decimal.Decimal {
				if d.GreaterThan(acc) {
					return d
				}
				return acc
			})
		},
	},
	// round truncates toward zero; formula authors rely on truncation for
	// quantity calculations.
	"round": {
		Name:  "round",
		Arity: 1,
		Fn: func(args []Value) (Value, error) {
			d, err := toDecimal(args[0])
			if err != nil {
				return nil, err
			}
			return d.Truncate(0), nil
		},
	},
	"sum": {
		Name:  "sum",
		Arity: -1,
		Fn: func(args []Value) (Value, error) {
			total := decimal.Zero
			for _, arg := range flattenArgs(args) {
				d, err := toDecimal(arg)
				if err != nil {
					return nil, err
				}
				total = total.Add(d)
			}
			return total, nil
		},
	},
	divGuardName: {
		Name:   divGuardName,
		Arity:  2,
		Hidden: true,
		Fn: func(args []Value) (Value, error) {
			num, err := toDecimal(args[0])
			if err != nil {
				return nil, err
			}
			den, err := toDecimal(args[1])
			if err != nil {
				return nil, err
			}
			// Divide-by-zero is a value, not an error.
			if den.IsZero() {
				return decimal.Zero, nil
			}
			return num.DivRound(den, decimalScale), nil
		},
	},
}

// decimalScale is the division precision in fractional digits.
const decimalScale = 16

// LookupBuiltin returns the builtin with the given name.
func LookupBuiltin(name string) (*Builtin, bool) {
	b, ok := builtins[name]
	return b, ok
}

// Whitelisted returns true if the name may be called by a formula author.
func Whitelisted(name string) bool {
	b, ok := builtins[name]
	return ok && !b.Hidden
}

// BuiltinNames returns the author-visible function names, sorted.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name, b := range builtins {
		if !b.Hidden {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// foldDecimals reduces the flattened arguments with the given combiner,
// seeded with the first value.
func foldDecimals(args []Value, combine func(acc, d decimal.Decimal) decimal.Decimal) (Value, error) {
	flat := flattenArgs(args)
	if len(flat) == 0 {
		return nil, fmt.Errorf("requires at least one argument")
	}
	acc, err := toDecimal(flat[0])
	if err != nil {
		return nil, err
	}
	for _, arg := range flat[1:] {
		d, err := toDecimal(arg)
		if err != nil {
			return nil, err
		}
		acc = combine(acc, d)
	}
	return acc, nil
}

// flattenArgs expands one level of list arguments so sum(xs) and
// sum(a, b, c) both work.
func flattenArgs(args []Value) []Value {
	var flat []Value
	for _, arg := range args {
		if list, ok := arg.([]Value); ok {
			flat = append(flat, list...)
			continue
		}
		flat = append(flat, arg)
	}
	return flat
}
