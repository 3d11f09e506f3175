package expr

import (
	"github.com/shopspring/decimal"
)

// Evaluate runs the program against the given scope and returns its value.
//
// Evaluation is referentially transparent: the same program and an
// identical scope always produce the same value. Failures are reported as
// *EvalError carrying the offending sub-expression and the scope.
func Evaluate(p *Program, scope Scope) (Value, error) {
	ev := &evaluator{funcs: make(map[string]*FuncDef, len(p.Funcs))}
	for _, f := range p.Funcs {
		ev.funcs[f.Name] = f
	}
	return ev.eval(p.Result, scope)
}

// EvaluateExpr runs a bare expression tree (no function definitions)
// against the given scope.
func EvaluateExpr(e Expr, scope Scope) (Value, error) {
	ev := &evaluator{}
	return ev.eval(e, scope)
}

type evaluator struct {
	funcs map[string]*FuncDef
}

// eval dispatches over the closed node set. Every Expr type appears here;
// the default arm is unreachable unless a node kind is added without
// updating this switch.
func (ev *evaluator) eval(e Expr, scope Scope) (Value, error) {
	switch n := e.(type) {
	case *NumberLit:
		return n.Value, nil
	case *StringLit:
		return n.Value, nil
	case *BoolLit:
		return n.Value, nil
	case *NoneLit:
		return nil, nil
	case *NameRef:
		return ev.evalName(n, scope)
	case *UnaryExpr:
		return ev.evalUnary(n, scope)
	case *BinaryExpr:
		return ev.evalBinary(n, scope)
	case *LogicalExpr:
		return ev.evalLogical(n, scope)
	case *CallExpr:
		return ev.evalCall(n, scope)
	case *AttrExpr:
		return ev.evalAttr(n, scope)
	case *IndexExpr:
		return ev.evalIndex(n, scope)
	case *CondExpr:
		return ev.evalCond(n, scope)
	case *Comprehension:
		return ev.evalComprehension(n, scope)
	case *FuncDef:
		return nil, evalErrorf(n, scope, "function definition is not a value")
	default:
		return nil, evalErrorf(e, scope, "unsupported expression node %T", e)
	}
}

func (ev *evaluator) evalName(n *NameRef, scope Scope) (Value, error) {
	value, ok := scope[n.Name]
	if !ok {
		return nil, evalErrorf(n, scope, "unknown name %q", n.Name)
	}
	return value, nil
}

func (ev *evaluator) evalUnary(n *UnaryExpr, scope Scope) (Value, error) {
	operand, err := ev.eval(n.Operand, scope)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case OpNot:
		return !truthy(operand), nil
	case OpNeg:
		d, err := toDecimal(operand)
		if err != nil {
			return nil, evalErrorf(n, scope, "%v", err)
		}
		return d.Neg(), nil
	default: // OpPos
		d, err := toDecimal(operand)
		if err != nil {
			return nil, evalErrorf(n, scope, "%v", err)
		}
		return d, nil
	}
}

func (ev *evaluator) evalBinary(n *BinaryExpr, scope Scope) (Value, error) {
	left, err := ev.eval(n.Left, scope)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(n.Right, scope)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case OpEq:
		return valuesEqual(left, right), nil
	case OpNe:
		return !valuesEqual(left, right), nil
	case OpLt, OpGt, OpLe, OpGe:
		return ev.compare(n, scope, left, right)
	case OpAdd:
		// String concatenation keeps its operands as written
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		}
		return ev.arith(n, scope, left, right, func(a, b decimal.Decimal) decimal.Decimal { return a.Add(b) })
	case OpSub:
		return ev.arith(n, scope, left, right, func(a, b decimal.Decimal) decimal.Decimal { return a.Sub(b) })
	case OpMul:
		return ev.arith(n, scope, left, right, func(a, b decimal.Decimal) decimal.Decimal { return a.Mul(b) })
	case OpDiv:
		// Parse-time rewrite replaces division with the guarded call;
		// reaching this arm means a tree bypassed Parse.
		return nil, evalErrorf(n, scope, "unrewritten division node")
	default:
		return nil, evalErrorf(n, scope, "unsupported operator %s", n.Op)
	}
}

func (ev *evaluator) arith(n *BinaryExpr, scope Scope, left, right Value, op func(a, b decimal.Decimal) decimal.Decimal) (Value, error) {
	a, err := toDecimal(left)
	if err != nil {
		return nil, evalErrorf(n, scope, "left operand of %s: %v", n.Op, err)
	}
	b, err := toDecimal(right)
	if err != nil {
		return nil, evalErrorf(n, scope, "right operand of %s: %v", n.Op, err)
	}
	return op(a, b), nil
}

func (ev *evaluator) compare(n *BinaryExpr, scope Scope, left, right Value) (Value, error) {
	var cmp int
	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return nil, evalErrorf(n, scope, "cannot compare string with %T", right)
		}
		switch {
		case ls < rs:
			cmp = -1
		case ls > rs:
			cmp = 1
		}
	} else {
		a, err := toDecimal(left)
		if err != nil {
			return nil, evalErrorf(n, scope, "left operand of %s: %v", n.Op, err)
		}
		b, err := toDecimal(right)
		if err != nil {
			return nil, evalErrorf(n, scope, "right operand of %s: %v", n.Op, err)
		}
		cmp = a.Cmp(b)
	}

	switch n.Op {
	case OpLt:
		return cmp < 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpLe:
		return cmp <= 0, nil
	default: // OpGe
		return cmp >= 0, nil
	}
}

func (ev *evaluator) evalLogical(n *LogicalExpr, scope Scope) (Value, error) {
	left, err := ev.eval(n.Left, scope)
	if err != nil {
		return nil, err
	}

	// Short-circuit: the right side is never evaluated when the left side
	// decides the outcome.
	if n.And && !truthy(left) {
		return false, nil
	}
	if !n.And && truthy(left) {
		return true, nil
	}

	right, err := ev.eval(n.Right, scope)
	if err != nil {
		return nil, err
	}
	return truthy(right), nil
}

func (ev *evaluator) evalCall(n *CallExpr, scope Scope) (Value, error) {
	// User-defined functions shadow nothing: the validator rejects
	// definitions that collide with the whitelist, so lookup order here is
	// immaterial. Program functions are tried first.
	if fn, ok := ev.funcs[n.Name]; ok {
		return ev.callUserFunc(n, fn, scope)
	}

	builtin, ok := LookupBuiltin(n.Name)
	if !ok {
		return nil, evalErrorf(n, scope, "unknown function %q", n.Name)
	}
	if builtin.Hidden && !n.synthetic {
		return nil, evalErrorf(n, scope, "unknown function %q", n.Name)
	}
	if builtin.Arity >= 0 && len(n.Args) != builtin.Arity {
		return nil, evalErrorf(n, scope, "%s expects %d arguments, got %d", n.Name, builtin.Arity, len(n.Args))
	}
	if builtin.Arity < 0 && len(n.Args) == 0 {
		return nil, evalErrorf(n, scope, "%s expects at least one argument", n.Name)
	}

	args := make([]Value, len(n.Args))
	for i, argExpr := range n.Args {
		arg, err := ev.eval(argExpr, scope)
		if err != nil {
			return nil, err
		}
		args[i] = arg
	}

	result, err := builtin.Fn(args)
	if err != nil {
		return nil, evalErrorf(n, scope, "%s: %v", n.Name, err)
	}
	return result, nil
}

func (ev *evaluator) callUserFunc(n *CallExpr, fn *FuncDef, scope Scope) (Value, error) {
	if len(n.Args) != len(fn.Params) {
		return nil, evalErrorf(n, scope, "%s expects %d arguments, got %d", fn.Name, len(fn.Params), len(n.Args))
	}

	// Copy-then-extend: the callee sees the caller's names plus its
	// parameters, and the caller's scope is never written to.
	inner := scope.Clone()
	for i, param := range fn.Params {
		arg, err := ev.eval(n.Args[i], scope)
		if err != nil {
			return nil, err
		}
		inner[param] = arg
	}

	return ev.eval(fn.Body, inner)
}

func (ev *evaluator) evalAttr(n *AttrExpr, scope Scope) (Value, error) {
	target, err := ev.eval(n.Target, scope)
	if err != nil {
		return nil, err
	}

	switch record := target.(type) {
	case map[string]Value:
		value, ok := record[n.Name]
		if !ok {
			return nil, evalErrorf(n, scope, "record has no attribute %q", n.Name)
		}
		return value, nil
	case Scope:
		value, ok := record[n.Name]
		if !ok {
			return nil, evalErrorf(n, scope, "record has no attribute %q", n.Name)
		}
		return value, nil
	default:
		return nil, evalErrorf(n, scope, "attribute access on non-record value %T", target)
	}
}

func (ev *evaluator) evalIndex(n *IndexExpr, scope Scope) (Value, error) {
	target, err := ev.eval(n.Target, scope)
	if err != nil {
		return nil, err
	}
	index, err := ev.eval(n.Index, scope)
	if err != nil {
		return nil, err
	}

	switch t := target.(type) {
	case []Value:
		d, err := toDecimal(index)
		if err != nil {
			return nil, evalErrorf(n, scope, "list index: %v", err)
		}
		i := int(d.IntPart())
		if i < 0 || i >= len(t) {
			return nil, evalErrorf(n, scope, "list index %d out of range (length %d)", i, len(t))
		}
		return t[i], nil
	case map[string]Value:
		key, ok := index.(string)
		if !ok {
			return nil, evalErrorf(n, scope, "record subscript must be a string, got %T", index)
		}
		value, ok := t[key]
		if !ok {
			return nil, evalErrorf(n, scope, "record has no attribute %q", key)
		}
		return value, nil
	default:
		return nil, evalErrorf(n, scope, "subscript on unsupported value %T", target)
	}
}

func (ev *evaluator) evalCond(n *CondExpr, scope Scope) (Value, error) {
	cond, err := ev.eval(n.Cond, scope)
	if err != nil {
		return nil, err
	}
	if truthy(cond) {
		return ev.eval(n.Then, scope)
	}
	return ev.eval(n.Else, scope)
}

func (ev *evaluator) evalComprehension(n *Comprehension, scope Scope) (Value, error) {
	source, err := ev.eval(n.Source, scope)
	if err != nil {
		return nil, err
	}
	list, ok := source.([]Value)
	if !ok {
		return nil, evalErrorf(n, scope, "comprehension source must be a list, got %T", source)
	}

	result := make([]Value, 0, len(list))
	for _, item := range list {
		inner := scope.Clone()
		inner[n.Var] = item

		if n.Filter != nil {
			keep, err := ev.eval(n.Filter, inner)
			if err != nil {
				return nil, err
			}
			if !truthy(keep) {
				continue
			}
		}

		value, err := ev.eval(n.Body, inner)
		if err != nil {
			return nil, err
		}
		result = append(result, value)
	}
	return result, nil
}
