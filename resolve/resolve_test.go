package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdl/lang"
	"sdl/ledger"
)

// fixture: один файл с классом и парой функций + импортируемый модуль.
func fixtureTable() (*Table, FileGraph) {
	table := NewTable("r1")

	mainSymbols := []lang.Symbol{
		{Name: "main", Kind: lang.KindModule, Exported: true,
			Range: lang.Range{StartLine: 1, StartCol: 0, EndLine: 100, EndCol: 0}},
		{Name: "Widget", Kind: lang.KindClass, Exported: true,
			Range: lang.Range{StartLine: 5, StartCol: 0, EndLine: 30, EndCol: 1}},
		{Name: "render", Kind: lang.KindMethod, Exported: true,
			Range: lang.Range{StartLine: 10, StartCol: 2, EndLine: 18, EndCol: 3}},
		{Name: "prepare", Kind: lang.KindMethod, Exported: false,
			Range: lang.Range{StartLine: 20, StartCol: 2, EndLine: 24, EndCol: 3}},
		{Name: "localFn", Kind: lang.KindFunction, Exported: true,
			Range: lang.Range{StartLine: 40, StartCol: 0, EndLine: 44, EndCol: 1}},
	}
	ids := make([]string, len(mainSymbols))
	infos := make([]SymbolInfo, len(mainSymbols))
	for i, s := range mainSymbols {
		ids[i] = ledger.SymbolID("r1", "main.ts", s.Name, s.Kind, 0)
		infos[i] = SymbolInfo{ID: ids[i], File: "main.ts", Name: s.Name, Kind: s.Kind,
			Exported: s.Exported, Range: s.Range}
	}
	table.Files["main.ts"] = infos

	helperID := ledger.SymbolID("r1", "util.ts", "helper", lang.KindFunction, 0)
	table.Files["util.ts"] = []SymbolInfo{
		{ID: ledger.SymbolID("r1", "util.ts", "util", lang.KindModule, 0),
			File: "util.ts", Name: "util", Kind: lang.KindModule, Exported: true,
			Range: lang.Range{StartLine: 1, StartCol: 0, EndLine: 10, EndCol: 0}},
		{ID: helperID, File: "util.ts", Name: "helper", Kind: lang.KindFunction, Exported: true,
			Range: lang.Range{StartLine: 2, StartCol: 0, EndLine: 4, EndCol: 1}},
	}

	graph := FileGraph{
		Path:     "main.ts",
		Language: "typescript",
		Adapter:  noopAdapter{},
		Extraction: &lang.Extraction{
			Symbols: mainSymbols,
			Imports: []lang.Import{
				{Module: "./util", Names: []lang.ImportedName{{Name: "helper"}}},
			},
		},
		SymbolIDs: ids,
	}
	return table, graph
}

type noopAdapter struct{}

func (noopAdapter) Language() string     { return "typescript" }
func (noopAdapter) Extensions() []string { return []string{".ts"} }
func (noopAdapter) Parse(content []byte, filePath string) (lang.Tree, error) {
	return struct{}{}, nil
}
func (noopAdapter) ExtractSymbols(t lang.Tree, c []byte, f string) []lang.Symbol { return nil }
func (noopAdapter) ExtractImports(t lang.Tree, c []byte, f string) []lang.Import { return nil }
func (noopAdapter) ExtractCalls(t lang.Tree, c []byte, f string, s []lang.Symbol) []lang.Call {
	return nil
}

func edgeByCallee(edges []*ledger.Edge, callee string) *ledger.Edge {
	for _, e := range edges {
		if e.Callee == callee && e.Type == ledger.EdgeCall {
			return e
		}
	}
	return nil
}

// Шаг 1 лестницы: this.prepare() внутри render → метод объемлющего класса.
func TestSelfQualifiedResolution(t *testing.T) {
	table, graph := fixtureTable()
	graph.Extraction.Calls = []lang.Call{
		{Callee: "prepare", Qualifier: "this", Type: lang.CallMethod,
			Range: lang.Range{StartLine: 12, StartCol: 4, EndLine: 12, EndCol: 18}},
	}

	edges := Resolve("r1", []FileGraph{graph}, table)
	e := edgeByCallee(edges, "this.prepare")
	require.NotNil(t, e)
	assert.Equal(t, ledger.ResolutionExact, e.Resolution)
	assert.InDelta(t, 0.95, e.Confidence, 1e-9)
	assert.Equal(t, ledger.SymbolID("r1", "main.ts", "prepare", lang.KindMethod, 0), e.ToID)
	// Caller — наименьший объемлющий символ (render, не класс и не модуль).
	assert.Equal(t, ledger.SymbolID("r1", "main.ts", "render", lang.KindMethod, 0), e.FromID)
}

// Шаг 2: Widget.render() через имя типа в текущем файле.
func TestScopedQualifierResolution(t *testing.T) {
	table, graph := fixtureTable()
	graph.Extraction.Calls = []lang.Call{
		{Callee: "render", Qualifier: "Widget", Type: lang.CallMethod,
			Range: lang.Range{StartLine: 42, StartCol: 2, EndLine: 42, EndCol: 20}},
	}

	edges := Resolve("r1", []FileGraph{graph}, table)
	e := edgeByCallee(edges, "Widget.render")
	require.NotNil(t, e)
	assert.Equal(t, ledger.ResolutionExact, e.Resolution)
	assert.InDelta(t, 0.9, e.Confidence, 1e-9)
}

// Шаг 3: голый идентификатор — один кандидат из файла, один из импорта.
func TestBareIdentifierResolution(t *testing.T) {
	table, graph := fixtureTable()
	graph.Extraction.Calls = []lang.Call{
		{Callee: "localFn", Type: lang.CallFunction,
			Range: lang.Range{StartLine: 50, StartCol: 0, EndLine: 50, EndCol: 10}},
		{Callee: "helper", Type: lang.CallFunction,
			Range: lang.Range{StartLine: 51, StartCol: 0, EndLine: 51, EndCol: 10}},
	}

	edges := Resolve("r1", []FileGraph{graph}, table)

	local := edgeByCallee(edges, "localFn")
	require.NotNil(t, local)
	assert.Equal(t, ledger.ResolutionExact, local.Resolution)
	assert.InDelta(t, 0.9, local.Confidence, 1e-9)

	imported := edgeByCallee(edges, "helper")
	require.NotNil(t, imported)
	assert.Equal(t, ledger.ResolutionExact, imported.Resolution)
	assert.Equal(t, ledger.SymbolID("r1", "util.ts", "helper", lang.KindFunction, 0), imported.ToID)
}

// Шаги 4–5: неизвестный receiver и динамика остаются unresolved с нужной
// уверенностью.
func TestUnresolvedFallbacks(t *testing.T) {
	table, graph := fixtureTable()
	graph.Extraction.Calls = []lang.Call{
		{Callee: "save", Qualifier: "db", Type: lang.CallMethod,
			Range: lang.Range{StartLine: 50, StartCol: 0, EndLine: 50, EndCol: 10}},
		{Callee: "<computed>", Type: lang.CallComputed,
			Range: lang.Range{StartLine: 51, StartCol: 0, EndLine: 51, EndCol: 10}},
	}

	edges := Resolve("r1", []FileGraph{graph}, table)

	member := edgeByCallee(edges, "db.save")
	require.NotNil(t, member)
	assert.Equal(t, ledger.ResolutionUnresolved, member.Resolution)
	assert.InDelta(t, 0.2, member.Confidence, 1e-9)
	assert.Empty(t, member.ToID)

	dyn := edgeByCallee(edges, "<computed>")
	require.NotNil(t, dyn)
	assert.InDelta(t, 0.1, dyn.Confidence, 1e-9)
}

// Несколько кандидатов → heuristic 0.5 с candidateCount.
func TestMultipleCandidatesHeuristic(t *testing.T) {
	table, graph := fixtureTable()

	// Второй localFn (другой kind) с тем же именем.
	dupID := ledger.SymbolID("r1", "main.ts", "localFn", lang.KindVariable, 0)
	table.Files["main.ts"] = append(table.Files["main.ts"], SymbolInfo{
		ID: dupID, File: "main.ts", Name: "localFn", Kind: lang.KindVariable, Exported: true,
		Range: lang.Range{StartLine: 60, StartCol: 0, EndLine: 60, EndCol: 20},
	})
	graph.Extraction.Calls = []lang.Call{
		{Callee: "localFn", Type: lang.CallFunction,
			Range: lang.Range{StartLine: 70, StartCol: 0, EndLine: 70, EndCol: 10}},
	}

	edges := Resolve("r1", []FileGraph{graph}, table)
	e := edgeByCallee(edges, "localFn")
	require.NotNil(t, e)
	assert.Equal(t, ledger.ResolutionHeuristic, e.Resolution)
	assert.InDelta(t, 0.5, e.Confidence, 1e-9)
	assert.Equal(t, 2, e.CandidateCount)
}

// Импортные рёбра: связывание имени с экспортом целевого модуля.
func TestImportEdges(t *testing.T) {
	table, graph := fixtureTable()
	graph.Extraction.Calls = nil

	edges := Resolve("r1", []FileGraph{graph}, table)
	require.Len(t, edges, 1)
	e := edges[0]
	assert.Equal(t, ledger.EdgeImport, e.Type)
	assert.Equal(t, ledger.SymbolID("r1", "main.ts", "main", lang.KindModule, 0), e.FromID)
	assert.Equal(t, ledger.SymbolID("r1", "util.ts", "helper", lang.KindFunction, 0), e.ToID)
	assert.Equal(t, ledger.ResolutionExact, e.Resolution)
}

// Импорт вне репозитория остаётся unresolved-ребром с calleeIdentifier.
func TestExternalImportUnresolved(t *testing.T) {
	table, graph := fixtureTable()
	graph.Extraction.Calls = nil
	graph.Extraction.Imports = []lang.Import{
		{Module: "react", Names: []lang.ImportedName{{Name: "useState"}}},
	}

	edges := Resolve("r1", []FileGraph{graph}, table)
	require.Len(t, edges, 1)
	assert.Equal(t, ledger.ResolutionUnresolved, edges[0].Resolution)
	assert.Equal(t, "react:useState", edges[0].Callee)
	assert.Empty(t, edges[0].ToID)
}

func TestModuleResolutionHeuristics(t *testing.T) {
	table := NewTable("r1")
	table.Files["src/a.ts"] = []SymbolInfo{}
	table.Files["src/lib/index.ts"] = []SymbolInfo{}
	table.Files["pkg/mod.py"] = []SymbolInfo{}
	table.Files["pkg/sub/__init__.py"] = []SymbolInfo{}
	table.Files["internal/store/store.go"] = []SymbolInfo{}

	got, ok := table.ResolveModule("src/b.ts", "./a", "typescript")
	require.True(t, ok)
	assert.Equal(t, "src/a.ts", got)

	got, ok = table.ResolveModule("src/b.ts", "./lib", "typescript")
	require.True(t, ok)
	assert.Equal(t, "src/lib/index.ts", got)

	got, ok = table.ResolveModule("other.py", "pkg.mod", "python")
	require.True(t, ok)
	assert.Equal(t, "pkg/mod.py", got)

	got, ok = table.ResolveModule("other.py", "pkg.sub", "python")
	require.True(t, ok)
	assert.Equal(t, "pkg/sub/__init__.py", got)

	got, ok = table.ResolveModule("main.go", "example.com/x/store", "go")
	require.True(t, ok)
	assert.Equal(t, "internal/store/store.go", got)

	_, ok = table.ResolveModule("src/b.ts", "react", "typescript")
	assert.False(t, ok)
}
