package cypher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/types"
)

func TestParseSimpleMatch(t *testing.T) {
	q, err := Parse(`MATCH (p:Product) WHERE p.price > 50 RETURN p.id AS id, p.price AS price`)
	require.NoError(t, err)

	require.Len(t, q.Parts, 1)
	part := q.Parts[0]
	require.Len(t, part.Nodes, 1)
	assert.Equal(t, "p", part.Nodes[0].Var)
	assert.Equal(t, []string{"Product"}, part.Nodes[0].Labels)

	require.NotNil(t, q.Where)
	cmp, ok := q.Where.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, ">", cmp.Op)

	require.Len(t, q.Returns, 2)
	assert.Equal(t, "id", q.Returns[0].Alias)
	assert.Equal(t, "price", q.Returns[1].Alias)
}

func TestParseRelationshipPatterns(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		direction Direction
		relTypes  []string
	}{
		{"outgoing", `MATCH (a:A)-[r:KNOWS]->(b:B) RETURN a.id`, DirOut, []string{"KNOWS"}},
		{"incoming", `MATCH (a:A)<-[r:KNOWS]-(b:B) RETURN a.id`, DirIn, []string{"KNOWS"}},
		{"undirected", `MATCH (a:A)-[r:KNOWS]-(b:B) RETURN a.id`, DirBoth, []string{"KNOWS"}},
		{"untyped", `MATCH (a:A)-[]->(b:B) RETURN a.id`, DirOut, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			q, err := Parse(test.input)
			require.NoError(t, err)
			require.Len(t, q.Parts, 1)
			require.Len(t, q.Parts[0].Rels, 1)
			rel := q.Parts[0].Rels[0]
			assert.Equal(t, test.direction, rel.Direction)
			assert.Equal(t, test.relTypes, rel.Types)
		})
	}
}

func TestParseMultiplePatternParts(t *testing.T) {
	q, err := Parse(`MATCH (a:A), (b:B) WHERE a.x = b.x RETURN a.id, b.id`)
	require.NoError(t, err)
	assert.Len(t, q.Parts, 2)
}

func TestParseInlineProperties(t *testing.T) {
	q, err := Parse(`MATCH (p:Product {category: 'widgets', active: true}) RETURN p.id`)
	require.NoError(t, err)
	props := q.Parts[0].Nodes[0].Props
	assert.Equal(t, "widgets", props["category"])
	assert.Equal(t, true, props["active"])
}

func TestParseBooleanPrecedence(t *testing.T) {
	q, err := Parse(`MATCH (p:P) WHERE p.a = 1 OR p.b = 2 AND p.c = 3 RETURN p.a`)
	require.NoError(t, err)
	or, ok := q.Where.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "OR", or.Op)
	and, ok := or.Right.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "AND", and.Op)
}

func TestParseNotAndParens(t *testing.T) {
	q, err := Parse(`MATCH (p:P) WHERE NOT (p.a = 1 OR p.b = 2) RETURN p.a`)
	require.NoError(t, err)
	not, ok := q.Where.(*NotExpr)
	require.True(t, ok)
	inner, ok := not.Operand.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "OR", inner.Op)
}

func TestRejectsUnsupportedClauses(t *testing.T) {
	tests := []string{
		`MATCH (p:P) RETURN p.a ORDER BY p.a`,
		`MATCH (p:P) RETURN p.a LIMIT 10`,
		`MATCH (p:P) RETURN p.a SKIP 5`,
	}
	for _, input := range tests {
		_, err := Parse(input)
		assert.ErrorIs(t, err, errors.ErrUnsupportedClause, input)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		``,
		`MATCH`,
		`MATCH (p:Product)`,
		`RETURN 1`,
		`MATCH (p:Product RETURN p.id`,
		`MATCH (p:Product) WHERE RETURN p.id`,
		`MATCH (a)<-[r]->(b) RETURN a`,
	}
	for _, input := range tests {
		_, err := Parse(input)
		assert.Error(t, err, input)
	}
}

func TestCompileLabelFilter(t *testing.T) {
	c, err := Compile(`MATCH (a:Person)-[r:KNOWS]->(b:Person) RETURN a.name`, "Cypher")
	require.NoError(t, err)
	labels := c.LabelFilter.Labels()
	assert.Equal(t, []string{"KNOWS", "Person"}, labels)
}

func TestCompileRejectsUnboundVariable(t *testing.T) {
	_, err := Compile(`MATCH (p:Product) WHERE q.price > 1 RETURN p.id`, "Cypher")
	assert.ErrorIs(t, err, errors.ErrQueryParse)

	_, err = Compile(`MATCH (p:Product) RETURN q.id`, "Cypher")
	assert.ErrorIs(t, err, errors.ErrQueryParse)
}

func TestCompileLanguages(t *testing.T) {
	_, err := Compile(`MATCH (p:P) RETURN p.id`, "GQL")
	assert.NoError(t, err)
	_, err = Compile(`MATCH (p:P) RETURN p.id`, "")
	assert.NoError(t, err)
	_, err = Compile(`MATCH (p:P) RETURN p.id`, "SQL")
	assert.Error(t, err)
}

func TestEvalWhereAndProject(t *testing.T) {
	c, err := Compile(`MATCH (p:Product) WHERE p.price > 50 AND p.price <= 90 RETURN p.id AS id, p.price AS price`, "")
	require.NoError(t, err)

	bind := func(price any) Binding {
		return Binding{"p": types.NewNode("x", []string{"Product"},
			types.Properties{"id": "x", "price": price})}
	}

	assert.False(t, c.EvalWhere(bind(int64(50))))
	assert.True(t, c.EvalWhere(bind(int64(51))))
	assert.True(t, c.EvalWhere(bind(90.0)))
	assert.False(t, c.EvalWhere(bind(int64(91))))
	// A missing property never satisfies a comparison.
	assert.False(t, c.EvalWhere(Binding{"p": types.NewNode("x", []string{"Product"}, nil)}))

	row := c.Project(bind(int64(60)))
	assert.Equal(t, "x", row["id"])
	assert.Equal(t, int64(60), row["price"])
}

func TestCompareValuesNumericCoercion(t *testing.T) {
	assert.Equal(t, true, compareValues("=", int64(5), 5.0))
	assert.Equal(t, true, compareValues("<", 4, int64(5)))
	assert.Equal(t, true, compareValues("<>", "a", "b"))
	assert.Equal(t, false, compareValues("<", "b", nil))
	assert.Equal(t, true, compareValues("=", nil, nil))
}

func TestStringEscapes(t *testing.T) {
	q, err := Parse(`MATCH (p:P {name: 'it\'s'}) RETURN p.id`)
	require.NoError(t, err)
	assert.Equal(t, "it's", q.Parts[0].Nodes[0].Props["name"])
}
