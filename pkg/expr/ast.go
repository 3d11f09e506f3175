// Package expr implements the sandboxed formula expression language:
// lexing, parsing, the division-guard rewrite, and evaluation.
//
// The grammar is closed. Literals, name references, unary and binary
// arithmetic, comparisons, short-circuit and/or, whitelisted calls,
// attribute and subscript access, conditionals, one-level comprehensions,
// and bounded function definitions are the entire node set. There are no
// loops and no mutation, so every evaluation terminates and is free of
// side effects.
package expr

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/calcline-labs/calcline/pkg/token"
)

// Expr is a node in a parsed expression tree.
//
// The node set is closed: the types below are the complete implementation
// of Expr, and evaluation switches over them exhaustively. Adding a node
// kind means touching the lexer, the parser, the rewriter, and the
// evaluator together.
type Expr interface {
	// Pos returns the position of the node in the source text.
	Pos() token.Position
	// String renders the node back to source form, used in errors and
	// calculation traces.
	String() string

	exprNode()
}

// BinaryOp identifies a binary operator.
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpEq
	OpNe
	OpLt
	OpGt
	OpLe
	OpGe
)

var binaryOpNames = map[BinaryOp]string{
	OpAdd: "+",
	OpSub: "-",
	OpMul: "*",
	OpDiv: "/",
	OpEq:  "==",
	OpNe:  "!=",
	OpLt:  "<",
	OpGt:  ">",
	OpLe:  "<=",
	OpGe:  ">=",
}

// String returns the operator's source form.
func (op BinaryOp) String() string { return binaryOpNames[op] }

// UnaryOp identifies a unary operator.
type UnaryOp int

const (
	OpPos UnaryOp = iota
	OpNeg
	OpNot
)

// String returns the operator's source form.
func (op UnaryOp) String() string {
	switch op {
	case OpNeg:
		return "-"
	case OpNot:
		return "not "
	default:
		return "+"
	}
}

// NumberLit is a numeric literal. The value is parsed once into an
// arbitrary-precision decimal so repeated aggregation never drifts.
type NumberLit struct {
	Value   decimal.Decimal
	Literal string
	TokPos  token.Position
}

// StringLit is a string literal.
type StringLit struct {
	Value  string
	TokPos token.Position
}

// BoolLit is a boolean literal.
type BoolLit struct {
	Value  bool
	TokPos token.Position
}

// NoneLit is the none literal.
type NoneLit struct {
	TokPos token.Position
}

// NameRef references a named value in the evaluation scope.
type NameRef struct {
	Name   string
	TokPos token.Position
}

// UnaryExpr applies a unary operator.
type UnaryExpr struct {
	Op      UnaryOp
	Operand Expr
	TokPos  token.Position
}

// BinaryExpr applies an arithmetic or comparison operator.
//
// Division never survives parsing: Rewrite replaces every OpDiv node with a
// guarded call, so an evaluated tree contains no OpDiv.
type BinaryExpr struct {
	Op    BinaryOp
	Left  Expr
	Right Expr
}

// LogicalExpr is a short-circuit and/or.
type LogicalExpr struct {
	And   bool // true = and, false = or
	Left  Expr
	Right Expr
}

// CallExpr invokes a whitelisted function with positional arguments.
// synthetic marks calls inserted by the division rewrite; only those may
// target hidden builtins.
type CallExpr struct {
	Name      string
	Args      []Expr
	TokPos    token.Position
	synthetic bool
}

// AttrExpr accesses a named attribute of a record value.
type AttrExpr struct {
	Target Expr
	Name   string
}

// IndexExpr subscripts a list by position or a record by key.
type IndexExpr struct {
	Target Expr
	Index  Expr
}

// CondExpr is the conditional: Then if Cond else Else.
type CondExpr struct {
	Cond Expr
	Then Expr
	Else Expr
}

// Comprehension is a single-level list comprehension:
// [Body for Var in Source if Filter]. Filter may be nil. Nesting another
// comprehension inside Body or Source is rejected by the parser.
type Comprehension struct {
	Body   Expr
	Var    string
	Source Expr
	Filter Expr // optional
	TokPos token.Position
}

// FuncDef is a bounded user function definition:
// def Name(Params): return Body. The body is one return expression and may
// not define further functions.
type FuncDef struct {
	Name   string
	Params []string
	Body   Expr
	TokPos token.Position
}

// Program is a parsed source text: zero or more function definitions
// followed by one result expression.
type Program struct {
	Funcs  []*FuncDef
	Result Expr
}

func (*NumberLit) exprNode()     {}
func (*StringLit) exprNode()     {}
func (*BoolLit) exprNode()       {}
func (*NoneLit) exprNode()       {}
func (*NameRef) exprNode()       {}
func (*UnaryExpr) exprNode()     {}
func (*BinaryExpr) exprNode()    {}
func (*LogicalExpr) exprNode()   {}
func (*CallExpr) exprNode()      {}
func (*AttrExpr) exprNode()      {}
func (*IndexExpr) exprNode()     {}
func (*CondExpr) exprNode()      {}
func (*Comprehension) exprNode() {}
func (*FuncDef) exprNode()       {}

// Pos implementations.

func (e *NumberLit) Pos() token.Position     { return e.TokPos }
func (e *StringLit) Pos() token.Position     { return e.TokPos }
func (e *BoolLit) Pos() token.Position       { return e.TokPos }
func (e *NoneLit) Pos() token.Position       { return e.TokPos }
func (e *NameRef) Pos() token.Position       { return e.TokPos }
func (e *UnaryExpr) Pos() token.Position     { return e.TokPos }
func (e *BinaryExpr) Pos() token.Position    { return e.Left.Pos() }
func (e *LogicalExpr) Pos() token.Position   { return e.Left.Pos() }
func (e *CallExpr) Pos() token.Position      { return e.TokPos }
func (e *AttrExpr) Pos() token.Position      { return e.Target.Pos() }
func (e *IndexExpr) Pos() token.Position     { return e.Target.Pos() }
func (e *CondExpr) Pos() token.Position      { return e.Then.Pos() }
func (e *Comprehension) Pos() token.Position { return e.TokPos }
func (e *FuncDef) Pos() token.Position       { return e.TokPos }

// String implementations render source form.

func (e *NumberLit) String() string {
	if e.Literal != "" {
		return e.Literal
	}
	return e.Value.String()
}

func (e *StringLit) String() string { return "\"" + e.Value + "\"" }

func (e *BoolLit) String() string {
	if e.Value {
		return "true"
	}
	return "false"
}

func (e *NoneLit) String() string { return "none" }

func (e *NameRef) String() string { return e.Name }

func (e *UnaryExpr) String() string {
	return e.Op.String() + e.Operand.String()
}

func (e *BinaryExpr) String() string {
	return "(" + e.Left.String() + " " + e.Op.String() + " " + e.Right.String() + ")"
}

func (e *LogicalExpr) String() string {
	op := " or "
	if e.And {
		op = " and "
	}
	return "(" + e.Left.String() + op + e.Right.String() + ")"
}

func (e *CallExpr) String() string {
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = a.String()
	}
	return e.Name + "(" + strings.Join(args, ", ") + ")"
}

func (e *AttrExpr) String() string {
	return e.Target.String() + "." + e.Name
}

func (e *IndexExpr) String() string {
	return e.Target.String() + "[" + e.Index.String() + "]"
}

func (e *CondExpr) String() string {
	return "(" + e.Then.String() + " if " + e.Cond.String() + " else " + e.Else.String() + ")"
}

func (e *Comprehension) String() string {
	s := "[" + e.Body.String() + " for " + e.Var + " in " + e.Source.String()
	if e.Filter != nil {
		s += " if " + e.Filter.String()
	}
	return s + "]"
}

func (e *FuncDef) String() string {
	return "def " + e.Name + "(" + strings.Join(e.Params, ", ") + "): return " + e.Body.String()
}

// String renders the whole program back to source form.
func (p *Program) String() string {
	if len(p.Funcs) == 0 {
		return p.Result.String()
	}
	var b strings.Builder
	for _, f := range p.Funcs {
		b.WriteString(f.String())
		b.WriteString("\n")
	}
	b.WriteString(p.Result.String())
	return b.String()
}

// Names returns every name referenced by the expression tree, excluding
// comprehension variables and user-function parameters, which are bound
// locally. Call names are not included; the function whitelist covers
// those. Order follows a depth-first walk, first occurrence wins.
func Names(e Expr) []string {
	var names []string
	seen := make(map[string]bool)
	collectNames(e, map[string]bool{}, seen, &names)
	return names
}

// ProgramNames returns every free name referenced by the program.
func ProgramNames(p *Program) []string {
	var names []string
	seen := make(map[string]bool)
	for _, f := range p.Funcs {
		bound := map[string]bool{}
		for _, param := range f.Params {
			bound[param] = true
		}
		collectNames(f.Body, bound, seen, &names)
	}
	collectNames(p.Result, map[string]bool{}, seen, &names)
	return names
}

func collectNames(e Expr, bound map[string]bool, seen map[string]bool, out *[]string) {
	switch n := e.(type) {
	case *NumberLit, *StringLit, *BoolLit, *NoneLit:
	case *NameRef:
		if !bound[n.Name] && !seen[n.Name] {
			seen[n.Name] = true
			*out = append(*out, n.Name)
		}
	case *UnaryExpr:
		collectNames(n.Operand, bound, seen, out)
	case *BinaryExpr:
		collectNames(n.Left, bound, seen, out)
		collectNames(n.Right, bound, seen, out)
	case *LogicalExpr:
		collectNames(n.Left, bound, seen, out)
		collectNames(n.Right, bound, seen, out)
	case *CallExpr:
		for _, a := range n.Args {
			collectNames(a, bound, seen, out)
		}
	case *AttrExpr:
		collectNames(n.Target, bound, seen, out)
	case *IndexExpr:
		collectNames(n.Target, bound, seen, out)
		collectNames(n.Index, bound, seen, out)
	case *CondExpr:
		collectNames(n.Cond, bound, seen, out)
		collectNames(n.Then, bound, seen, out)
		collectNames(n.Else, bound, seen, out)
	case *Comprehension:
		collectNames(n.Source, bound, seen, out)
		inner := map[string]bool{n.Var: true}
		for k := range bound {
			inner[k] = true
		}
		collectNames(n.Body, inner, seen, out)
		if n.Filter != nil {
			collectNames(n.Filter, inner, seen, out)
		}
	case *FuncDef:
		inner := map[string]bool{}
		for k := range bound {
			inner[k] = true
		}
		for _, param := range n.Params {
			inner[param] = true
		}
		collectNames(n.Body, inner, seen, out)
	}
}

// CallNames returns the name of every function called anywhere in the
// program, first occurrence wins.
func CallNames(p *Program) []string {
	var names []string
	seen := make(map[string]bool)
	var walk func(e Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case *NumberLit, *StringLit, *BoolLit, *NoneLit, *NameRef:
		case *UnaryExpr:
			walk(n.Operand)
		case *BinaryExpr:
			walk(n.Left)
			walk(n.Right)
		case *LogicalExpr:
			walk(n.Left)
			walk(n.Right)
		case *CallExpr:
			if !n.synthetic && !seen[n.Name] {
				seen[n.Name] = true
				names = append(names, n.Name)
			}
			for _, a := range n.Args {
				walk(a)
			}
		case *AttrExpr:
			walk(n.Target)
		case *IndexExpr:
			walk(n.Target)
			walk(n.Index)
		case *CondExpr:
			walk(n.Cond)
			walk(n.Then)
			walk(n.Else)
		case *Comprehension:
			walk(n.Source)
			walk(n.Body)
			if n.Filter != nil {
				walk(n.Filter)
			}
		case *FuncDef:
			walk(n.Body)
		}
	}
	for _, f := range p.Funcs {
		walk(f.Body)
	}
	walk(p.Result)
	return names
}
