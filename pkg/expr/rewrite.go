package expr

// RewriteProgram applies the division-guard rewrite to every expression in
// the program. Division is a deliberate safety valve for formula authors:
// rather than raising, a zero divisor yields a defined zero. The rewrite
// happens once at parse time, so evaluated trees never contain an OpDiv
// node.
func RewriteProgram(p *Program) *Program {
	out := &Program{Result: rewrite(p.Result)}
	for _, f := range p.Funcs {
		out.Funcs = append(out.Funcs, &FuncDef{
			Name:   f.Name,
			Params: f.Params,
			Body:   rewrite(f.Body),
			TokPos: f.TokPos,
		})
	}
	return out
}

// rewrite returns the expression with every division replaced by a call to
// the guarded divide builtin. All other nodes are rebuilt so the input tree
// stays untouched and reusable.
func rewrite(e Expr) Expr {
	switch n := e.(type) {
	case *NumberLit, *StringLit, *BoolLit, *NoneLit, *NameRef:
		return n
	case *UnaryExpr:
		return &UnaryExpr{Op: n.Op, Operand: rewrite(n.Operand), TokPos: n.TokPos}
	case *BinaryExpr:
		left := rewrite(n.Left)
		right := rewrite(n.Right)
		if n.Op == OpDiv {
			return &CallExpr{
				Name:      divGuardName,
				Args:      []Expr{left, right},
				TokPos:    left.Pos(),
				synthetic: true,
			}
		}
		return &BinaryExpr{Op: n.Op, Left: left, Right: right}
	case *LogicalExpr:
		return &LogicalExpr{And: n.And, Left: rewrite(n.Left), Right: rewrite(n.Right)}
	case *CallExpr:
		call := &CallExpr{Name: n.Name, TokPos: n.TokPos, synthetic: n.synthetic}
		for _, a := range n.Args {
			call.Args = append(call.Args, rewrite(a))
		}
		return call
	case *AttrExpr:
		return &AttrExpr{Target: rewrite(n.Target), Name: n.Name}
	case *IndexExpr:
		return &IndexExpr{Target: rewrite(n.Target), Index: rewrite(n.Index)}
	case *CondExpr:
		return &CondExpr{Cond: rewrite(n.Cond), Then: rewrite(n.Then), Else: rewrite(n.Else)}
	case *Comprehension:
		comp := &Comprehension{
			Body:   rewrite(n.Body),
			Var:    n.Var,
			Source: rewrite(n.Source),
			TokPos: n.TokPos,
		}
		if n.Filter != nil {
			comp.Filter = rewrite(n.Filter)
		}
		return comp
	case *FuncDef:
		return &FuncDef{Name: n.Name, Params: n.Params, Body: rewrite(n.Body), TokPos: n.TokPos}
	default:
		return e
	}
}
