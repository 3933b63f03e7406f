package scenario

import "fmt"

// ResolveNext picks the outgoing transition for step given collected_data,
// per spec.md §4.4.3: the first NextRef whose condition evaluates true (or
// which has no condition at all — the literal/else case) wins. An empty
// result with ok=false means the conversation ends here.
func (g *Graph) ResolveNext(step *Step, vars map[string]any) (stepID string, ok bool) {
	for i, ref := range step.Next {
		if ref.If == "" {
			return ref.Next, true
		}
		cond, condErr := g.compiledExpr(fmt.Sprintf("next:%s#%d", step.ID, i), ref.If)
		if condErr != nil {
			// Unreachable once ValidateGraph has run (grammar errors are
			// rejected at load time); defensive fallback per spec.md §9.
			continue
		}
		if EvalExpr(cond, vars) {
			return ref.Next, true
		}
	}
	return "", false
}

// compiledExpr returns the cached compiled Expr for key, compiling and
// caching it on first use. ValidateGraph pre-warms this cache for every
// condition in the graph so step execution never pays parse cost or hits
// a compile error.
func (g *Graph) compiledExpr(key, source string) (Expr, error) {
	if g.compiledConds == nil {
		g.compiledConds = make(map[string]Expr)
	}
	if e, ok := g.compiledConds[key]; ok {
		return e, nil
	}
	e, err := CompileExpr(source)
	if err != nil {
		return nil, err
	}
	g.compiledConds[key] = e
	return e, nil
}
