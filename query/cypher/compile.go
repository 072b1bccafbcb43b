package cypher

import (
	"fmt"
	"strings"

	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/types"
)

// CompiledQuery is the analysed, validated form the runtime consumes. It is
// built once at query creation and shared read-only by the evaluation path.
type CompiledQuery struct {
	AST *Query
	// LabelFilter covers every node label and relation type the pattern
	// references, including synthetic join ids resolved by the runtime.
	LabelFilter types.LabelFilter
	// Vars maps each pattern variable to its (part, node/rel) position.
	Vars map[string]VarRef
}

// VarRef locates a variable inside the pattern.
type VarRef struct {
	Part  int
	Index int
	IsRel bool
}

// Compile parses and analyses query text. The language parameter accepts
// "Cypher" (default) and "GQL", which share the supported subset.
func Compile(text, language string) (*CompiledQuery, error) {
	switch strings.ToLower(language) {
	case "", "cypher", "gql":
	default:
		return nil, errors.WrapInvalid(errors.ErrQueryParse, "cypher", "Compile",
			fmt.Sprintf("unknown query language %q", language))
	}

	ast, err := Parse(text)
	if err != nil {
		return nil, err
	}

	c := &CompiledQuery{
		AST:  ast,
		Vars: make(map[string]VarRef),
	}

	var labels []string
	for pi, part := range ast.Parts {
		for ni, node := range part.Nodes {
			if node.Var != "" {
				if prev, dup := c.Vars[node.Var]; dup && prev.IsRel {
					return nil, compileErr("variable %q used for both a node and a relationship", node.Var)
				}
				c.Vars[node.Var] = VarRef{Part: pi, Index: ni}
			}
			labels = append(labels, node.Labels...)
		}
		for ri, rel := range part.Rels {
			if rel.Var != "" {
				if _, dup := c.Vars[rel.Var]; dup {
					return nil, compileErr("duplicate variable %q", rel.Var)
				}
				c.Vars[rel.Var] = VarRef{Part: pi, Index: ri, IsRel: true}
			}
			labels = append(labels, rel.Types...)
		}
	}
	c.LabelFilter = types.NewLabelFilter(labels...)

	if err := c.checkVars(ast.Where); err != nil {
		return nil, err
	}
	for _, item := range ast.Returns {
		if err := c.checkVars(item.Expr); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func compileErr(format string, args ...any) error {
	return errors.WrapInvalid(errors.ErrQueryParse, "cypher", "Compile",
		fmt.Sprintf(format, args...))
}

// checkVars verifies every referenced variable is bound by the pattern.
func (c *CompiledQuery) checkVars(expr Expr) error {
	switch e := expr.(type) {
	case nil:
		return nil
	case *BinaryExpr:
		if err := c.checkVars(e.Left); err != nil {
			return err
		}
		return c.checkVars(e.Right)
	case *NotExpr:
		return c.checkVars(e.Operand)
	case *PropertyExpr:
		if _, ok := c.Vars[e.Var]; !ok {
			return compileErr("variable %q is not bound by the pattern", e.Var)
		}
	case *IdentExpr:
		if _, ok := c.Vars[e.Var]; !ok {
			return compileErr("variable %q is not bound by the pattern", e.Var)
		}
	}
	return nil
}

// Binding maps pattern variables to matched elements during evaluation.
type Binding map[string]*types.Element

// EvalWhere evaluates the filter against a binding. A missing filter accepts.
func (c *CompiledQuery) EvalWhere(b Binding) bool {
	if c.AST.Where == nil {
		return true
	}
	v := evalExpr(c.AST.Where, b)
	truth, ok := v.(bool)
	return ok && truth
}

// Project computes the result row for a binding.
func (c *CompiledQuery) Project(b Binding) types.Row {
	row := make(types.Row, len(c.AST.Returns))
	for _, item := range c.AST.Returns {
		row[item.Alias] = evalExpr(item.Expr, b)
	}
	return row
}

// evalExpr computes an expression value under a binding. A missing property
// evaluates to nil: ordering comparisons against it yield false, "=" holds
// only when both sides are nil, and "<>" holds when exactly one side is nil.
func evalExpr(expr Expr, b Binding) any {
	switch e := expr.(type) {
	case *LiteralExpr:
		return e.Value
	case *PropertyExpr:
		if el, ok := b[e.Var]; ok && el.Properties != nil {
			return el.Properties[e.Property]
		}
		return nil
	case *IdentExpr:
		if el, ok := b[e.Var]; ok {
			return el.ID
		}
		return nil
	case *NotExpr:
		v, ok := evalExpr(e.Operand, b).(bool)
		if !ok {
			return nil
		}
		return !v
	case *BinaryExpr:
		switch e.Op {
		case "AND":
			l, lok := evalExpr(e.Left, b).(bool)
			r, rok := evalExpr(e.Right, b).(bool)
			return lok && rok && l && r
		case "OR":
			l, lok := evalExpr(e.Left, b).(bool)
			r, rok := evalExpr(e.Right, b).(bool)
			return (lok && l) || (rok && r)
		default:
			return compareValues(e.Op, evalExpr(e.Left, b), evalExpr(e.Right, b))
		}
	default:
		return nil
	}
}

// compareValues applies a comparison operator with numeric coercion across
// int64/float64 (and json-decoded numbers).
func compareValues(op string, left, right any) any {
	if left == nil || right == nil {
		if op == "=" {
			return left == nil && right == nil
		}
		if op == "<>" {
			return (left == nil) != (right == nil)
		}
		return false
	}

	if lf, lok := asFloat(left); lok {
		if rf, rok := asFloat(right); rok {
			switch op {
			case "=":
				return lf == rf
			case "<>":
				return lf != rf
			case "<":
				return lf < rf
			case "<=":
				return lf <= rf
			case ">":
				return lf > rf
			case ">=":
				return lf >= rf
			}
			return false
		}
	}

	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case "=":
			return ls == rs
		case "<>":
			return ls != rs
		case "<":
			return ls < rs
		case "<=":
			return ls <= rs
		case ">":
			return ls > rs
		case ">=":
			return ls >= rs
		}
		return false
	}

	lb, lok := left.(bool)
	rb, rok := right.(bool)
	if lok && rok {
		switch op {
		case "=":
			return lb == rb
		case "<>":
			return lb != rb
		}
	}
	return false
}

// asFloat coerces any numeric representation to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// MatchesValue reports whether an element property equals an inline pattern
// property constraint.
func MatchesValue(want, got any) bool {
	v := compareValues("=", got, want)
	truth, ok := v.(bool)
	return ok && truth
}
