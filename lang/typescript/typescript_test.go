package typescript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdl/lang"
)

const sample = `import { helper, other as alias } from './util';
import * as fs from 'fs';
import def from './def';

export function foo(a, b) {
  return helper(a) + alias(b);
}

export class Widget {
  constructor(size) {
    this.size = size;
  }

  render(target) {
    this.prepare();
    foo(1, 2);
  }

  private prepare() {}
}

export const area = (w, h) => w * h;

const registry = {};

export interface Shape {
  width: number;
}

export type Point = { x: number; y: number };
`

func extract(t *testing.T, src string) *lang.Extraction {
	t.Helper()
	ext, err := lang.Extract(New(), []byte(src), "src/widget.ts")
	require.NoError(t, err)
	require.NotNil(t, ext)
	return ext
}

func symbolsByName(ext *lang.Extraction) map[string]lang.Symbol {
	out := map[string]lang.Symbol{}
	for _, s := range ext.Symbols {
		out[s.Name] = s
	}
	return out
}

func TestExtractSymbols(t *testing.T) {
	ext := extract(t, sample)
	byName := symbolsByName(ext)

	mod := byName["widget"]
	assert.Equal(t, lang.KindModule, mod.Kind)

	foo := byName["foo"]
	assert.Equal(t, lang.KindFunction, foo.Kind)
	assert.True(t, foo.Exported)
	require.Len(t, foo.Signature.Params, 2)
	assert.Equal(t, "a", foo.Signature.Params[0].Name)

	widget := byName["Widget"]
	assert.Equal(t, lang.KindClass, widget.Kind)
	assert.True(t, widget.Exported)

	ctor := byName["constructor"]
	assert.Equal(t, lang.KindConstructor, ctor.Kind)

	render := byName["render"]
	assert.Equal(t, lang.KindMethod, render.Kind)
	assert.True(t, widget.Range.Contains(render.Range.StartLine, render.Range.StartCol),
		"метод лежит внутри диапазона класса")

	prepare := byName["prepare"]
	assert.Equal(t, lang.VisibilityPrivate, prepare.Visibility)

	area := byName["area"]
	assert.Equal(t, lang.KindFunction, area.Kind, "стрелочная функция — function")
	assert.True(t, area.Exported)

	registry := byName["registry"]
	assert.Equal(t, lang.KindVariable, registry.Kind)
	assert.False(t, registry.Exported)

	assert.Equal(t, lang.KindInterface, byName["Shape"].Kind)
	assert.Equal(t, lang.KindType, byName["Point"].Kind)
}

func TestExtractImports(t *testing.T) {
	ext := extract(t, sample)
	require.Len(t, ext.Imports, 3)

	assert.Equal(t, "./util", ext.Imports[0].Module)
	require.Len(t, ext.Imports[0].Names, 2)
	assert.Equal(t, "helper", ext.Imports[0].Names[0].Name)
	assert.Equal(t, "other", ext.Imports[0].Names[1].Name)
	assert.Equal(t, "alias", ext.Imports[0].Names[1].Alias)

	assert.Equal(t, "fs", ext.Imports[1].Module)
	assert.Equal(t, "*", ext.Imports[1].Names[0].Name)
	assert.Equal(t, "fs", ext.Imports[1].Names[0].Alias)

	assert.Equal(t, "./def", ext.Imports[2].Module)
	assert.Equal(t, "def", ext.Imports[2].Names[0].Name)
}

func TestExtractCalls(t *testing.T) {
	ext := extract(t, sample)

	type key struct{ callee, qual string }
	seen := map[key]lang.CallType{}
	for _, c := range ext.Calls {
		seen[key{c.Callee, c.Qualifier}] = c.Type
	}

	assert.Equal(t, lang.CallFunction, seen[key{"helper", ""}])
	assert.Equal(t, lang.CallFunction, seen[key{"alias", ""}])
	assert.Equal(t, lang.CallFunction, seen[key{"foo", ""}])
	assert.Equal(t, lang.CallMethod, seen[key{"prepare", "this"}])

	// Объявления методов не считаются вызовами.
	_, renderAsCall := seen[key{"render", ""}]
	assert.False(t, renderAsCall)
}

func TestConstructorAndDynamicCalls(t *testing.T) {
	src := `const w = new Widget(3);
makeHandler()();
obj.list[0](x);
tag` + "`template ${x}`" + `;
`
	ext, err := lang.Extract(New(), []byte(src), "x.ts")
	require.NoError(t, err)

	var types []lang.CallType
	for _, c := range ext.Calls {
		types = append(types, c.Type)
	}
	assert.Contains(t, types, lang.CallConstructor)
	assert.Contains(t, types, lang.CallComputed)
	assert.Contains(t, types, lang.CallTaggedTemplate)
}

// Несбалансированные скобки → partial, но символы до обрыва извлекаются.
func TestPartialExtraction(t *testing.T) {
	src := "export function ok() { return 1; }\nexport function broken() {\n  if (x {\n"
	ext, err := lang.Extract(New(), []byte(src), "broken.ts")
	require.NoError(t, err)
	require.NotNil(t, ext)
	assert.True(t, ext.Partial)

	byName := symbolsByName(ext)
	_, hasOK := byName["ok"]
	assert.True(t, hasOK)
}

func TestJavaScriptFlavorSkipsTypeKeywords(t *testing.T) {
	src := "const type = 1;\nconst interface = 2;\nfunction go() {}\n"
	ext, err := lang.Extract(NewJavaScript(), []byte(src), "x.js")
	require.NoError(t, err)
	byName := symbolsByName(ext)
	_, ok := byName["go"]
	assert.True(t, ok)
}

func TestReExport(t *testing.T) {
	src := "export { foo, bar as baz } from './impl';\nexport * from './types';\nexport const x = 'not a reexport';\n"
	ext, err := lang.Extract(New(), []byte(src), "index.ts")
	require.NoError(t, err)
	require.Len(t, ext.Imports, 2)

	first := ext.Imports[0]
	assert.True(t, first.ReExport)
	assert.Equal(t, "./impl", first.Module)
	require.Len(t, first.Names, 2)
	assert.Equal(t, "baz", first.Names[1].Alias)

	second := ext.Imports[1]
	assert.True(t, second.ReExport)
	assert.Equal(t, "./types", second.Module)
	assert.Equal(t, "*", second.Names[0].Name)
}

func TestRequireImport(t *testing.T) {
	src := "const util = require('./util');\nutil.go();\n"
	ext, err := lang.Extract(NewJavaScript(), []byte(src), "x.js")
	require.NoError(t, err)
	require.NotEmpty(t, ext.Imports)
	assert.Equal(t, "./util", ext.Imports[0].Module)
	assert.Equal(t, "util", ext.Imports[0].Names[0].Alias)
}
