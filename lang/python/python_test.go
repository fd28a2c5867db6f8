package python

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdl/lang"
)

const sample = `import os.path as osp
from util import helper, other as alias

MAX_SIZE = 100
_internal = {}

def compute(a, b=1):
    """Compute the thing."""
    return helper(a) + alias(b)

class Widget:
    """A widget."""

    def __init__(self, size):
        self.size = size

    def render(self, target):
        self.prepare()
        compute(1, 2)
        osp.join(target, "x")

    def _prepare_impl(self):
        pass

    def prepare(self):
        return self._prepare_impl()
`

func extract(t *testing.T, src string) *lang.Extraction {
	t.Helper()
	ext, err := lang.Extract(New(), []byte(src), "pkg/widget.py")
	require.NoError(t, err)
	require.NotNil(t, ext)
	return ext
}

func TestExtractSymbols(t *testing.T) {
	ext := extract(t, sample)

	byName := map[string]lang.Symbol{}
	for _, s := range ext.Symbols {
		byName[s.Name] = s
	}

	assert.Equal(t, lang.KindModule, byName["widget"].Kind)

	compute := byName["compute"]
	assert.Equal(t, lang.KindFunction, compute.Kind)
	assert.True(t, compute.Exported)
	assert.Equal(t, "Compute the thing.", compute.Summary)
	require.Len(t, compute.Signature.Params, 2)
	assert.Equal(t, "a", compute.Signature.Params[0].Name)
	assert.Equal(t, "b", compute.Signature.Params[1].Name)

	widget := byName["Widget"]
	assert.Equal(t, lang.KindClass, widget.Kind)
	assert.Equal(t, "A widget.", widget.Summary)

	ctor := byName["__init__"]
	assert.Equal(t, lang.KindConstructor, ctor.Kind)

	render := byName["render"]
	assert.Equal(t, lang.KindMethod, render.Kind)
	assert.True(t, widget.Range.Contains(render.Range.StartLine, render.Range.StartCol))

	impl := byName["_prepare_impl"]
	assert.Equal(t, lang.VisibilityProtected, impl.Visibility)

	maxSize := byName["MAX_SIZE"]
	assert.Equal(t, lang.KindVariable, maxSize.Kind)
	assert.True(t, maxSize.Exported)

	internal := byName["_internal"]
	assert.False(t, internal.Exported)
}

func TestExtractImports(t *testing.T) {
	ext := extract(t, sample)
	require.Len(t, ext.Imports, 2)

	assert.Equal(t, "os.path", ext.Imports[0].Module)
	assert.Equal(t, "path", ext.Imports[0].Names[0].Name)
	assert.Equal(t, "osp", ext.Imports[0].Names[0].Alias)

	assert.Equal(t, "util", ext.Imports[1].Module)
	require.Len(t, ext.Imports[1].Names, 2)
	assert.Equal(t, "helper", ext.Imports[1].Names[0].Name)
	assert.Equal(t, "other", ext.Imports[1].Names[1].Name)
	assert.Equal(t, "alias", ext.Imports[1].Names[1].Alias)
}

func TestExtractCalls(t *testing.T) {
	ext := extract(t, sample)

	type key struct{ callee, qual string }
	seen := map[key]lang.CallType{}
	for _, c := range ext.Calls {
		seen[key{c.Callee, c.Qualifier}] = c.Type
	}

	assert.Equal(t, lang.CallFunction, seen[key{"helper", ""}])
	assert.Equal(t, lang.CallFunction, seen[key{"compute", ""}])
	assert.Equal(t, lang.CallMethod, seen[key{"prepare", "self"}])
	assert.Equal(t, lang.CallMethod, seen[key{"join", "osp"}])
	assert.Equal(t, lang.CallMethod, seen[key{"_prepare_impl", "self"}])

	// def-строки не являются вызовами.
	_, declared := seen[key{"render", ""}]
	assert.False(t, declared)
}

// Хук адаптера: alias namespace-импорта резолвится в экспорт модуля.
func TestResolveCallNamespaceImport(t *testing.T) {
	a := New()
	imports := []lang.Import{
		{Module: "os.path", Names: []lang.ImportedName{{Name: "path", Alias: "osp"}}},
	}

	res, ok := a.ResolveCall(lang.ResolveContext{
		Call:    lang.Call{Callee: "join", Qualifier: "osp", Type: lang.CallMethod},
		Imports: imports,
		LookupExported: func(module, name string) (string, bool) {
			if module == "os.path" && name == "join" {
				return "sym-join", true
			}
			return "", false
		},
	})
	require.True(t, ok)
	assert.Equal(t, "sym-join", res.SymbolID)
	assert.Equal(t, "exact", res.Strategy)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)

	// Неизвестный qualifier — хук пасует.
	_, ok = a.ResolveCall(lang.ResolveContext{
		Call:    lang.Call{Callee: "join", Qualifier: "unknown"},
		Imports: imports,
		LookupExported: func(module, name string) (string, bool) {
			return "sym", true
		},
	})
	assert.False(t, ok)
}

func TestBlockEndByIndentation(t *testing.T) {
	src := "def a():\n    x = 1\n    y = 2\n\ndef b():\n    pass\n"
	ext := extract(t, src)

	var a, b lang.Symbol
	for _, s := range ext.Symbols {
		switch s.Name {
		case "a":
			a = s
		case "b":
			b = s
		}
	}
	assert.Equal(t, 1, a.Range.StartLine)
	assert.Equal(t, 3, a.Range.EndLine)
	assert.Equal(t, 5, b.Range.StartLine)
}
