package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruokun-niu/drasi-server/types"
)

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bootstrap.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func collect(t *testing.T, p *ScriptFile, filter types.LabelFilter) []*types.Element {
	t.Helper()
	var out []*types.Element
	watermark, err := p.Bootstrap(context.Background(), filter, func(_ context.Context, e *types.Element) error {
		out = append(out, e)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), watermark)
	return out
}

func TestScriptFileReplay(t *testing.T) {
	path := writeScript(t, `{"kind":"Header","version":1}
# a comment
{"kind":"Node","id":"c","labels":["Product"],"properties":{"id":"c","price":70}}
// another comment

{"kind":"Node","id":"d","labels":["Product"],"properties":{"id":"d","price":10}}
{"kind":"Relation","id":"r1","relation_type":"RELATES","from":"c","to":"d"}
{"kind":"Finish"}
{"kind":"Node","id":"ignored","labels":["Product"]}
`)
	p := NewScriptFileFromPaths(path)
	elements := collect(t, p, nil)
	require.Len(t, elements, 3)
	assert.Equal(t, "c", elements[0].ID)
	assert.Equal(t, "d", elements[1].ID)
	assert.Equal(t, types.ElementRelation, elements[2].Type)
	assert.Equal(t, "RELATES", elements[2].RelationType())
}

func TestScriptFileFiltersLabels(t *testing.T) {
	path := writeScript(t, `{"kind":"Header"}
{"kind":"Node","id":"a","labels":["Product"]}
{"kind":"Node","id":"b","labels":["Warehouse"]}
`)
	p := NewScriptFileFromPaths(path)
	elements := collect(t, p, types.NewLabelFilter("Product"))
	require.Len(t, elements, 1)
	assert.Equal(t, "a", elements[0].ID)
}

func TestScriptFileRequiresHeader(t *testing.T) {
	path := writeScript(t, `{"kind":"Node","id":"a","labels":["Product"]}`)
	p := NewScriptFileFromPaths(path)
	_, err := p.Bootstrap(context.Background(), nil, func(context.Context, *types.Element) error { return nil })
	assert.Error(t, err)
}

func TestScriptFileRejectsUnknownKind(t *testing.T) {
	path := writeScript(t, `{"kind":"Header"}
{"kind":"Wibble"}
`)
	p := NewScriptFileFromPaths(path)
	_, err := p.Bootstrap(context.Background(), nil, func(context.Context, *types.Element) error { return nil })
	assert.Error(t, err)
}

func TestScriptFileMissingFile(t *testing.T) {
	p := NewScriptFileFromPaths(filepath.Join(t.TempDir(), "absent.jsonl"))
	_, err := p.Bootstrap(context.Background(), nil, func(context.Context, *types.Element) error { return nil })
	assert.Error(t, err)
}

func TestSelectProvider(t *testing.T) {
	p, err := Select("", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderNoop, p.Name())

	native := NewApplication()
	p, err = Select("", native, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderApplication, p.Name())

	p, err = Select(ProviderNoop, native, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderNoop, p.Name())

	_, err = Select("wibble", nil, nil)
	assert.Error(t, err)
}

func TestApplicationReplay(t *testing.T) {
	app := NewApplication()
	app.Record("a", types.NewNode("a", []string{"Item"}, types.Properties{"v": 1}), 1)
	app.Record("b", types.NewNode("b", []string{"Item"}, types.Properties{"v": 2}), 2)
	app.Record("a", types.NewNode("a", []string{"Item"}, types.Properties{"v": 3}), 3)
	app.Record("b", nil, 4)

	var ids []string
	watermark, err := app.Bootstrap(context.Background(), nil, func(_ context.Context, e *types.Element) error {
		ids = append(ids, e.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), watermark)
	assert.Equal(t, []string{"a"}, ids)
}
