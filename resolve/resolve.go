// Package resolve is the second pass of an index run: it turns the flat call
// and import records the adapters emitted into graph edges against the
// current version's symbol surface. Resolution is best-effort by design —
// every miss still produces an unresolved edge carrying the callee text, so
// the graph keeps the call site even when it cannot name the target.
package resolve

import (
	"sort"
	"strings"

	"sdl/lang"
	"sdl/ledger"
)

// SymbolInfo is the slim symbol surface the resolver works against.
type SymbolInfo struct {
	ID       string
	File     string
	Name     string
	Kind     lang.Kind
	Exported bool
	Range    lang.Range
}

// FileGraph is one (re)indexed file: its extraction plus the canonical ids
// assigned to its symbols, parallel to Extraction.Symbols.
type FileGraph struct {
	Path       string
	Language   string
	Adapter    lang.Adapter
	Extraction *lang.Extraction
	SymbolIDs  []string
}

// Table is the whole-repo symbol surface for the version being built:
// re-extracted files contribute their fresh symbols, untouched files their
// stored ones.
type Table struct {
	RepoID string
	Files  map[string][]SymbolInfo
}

func NewTable(repoID string) *Table {
	return &Table{RepoID: repoID, Files: make(map[string][]SymbolInfo)}
}

// ModuleSymbol returns the file's module-scope symbol.
func (t *Table) ModuleSymbol(file string) (SymbolInfo, bool) {
	for _, s := range t.Files[file] {
		if s.Kind == lang.KindModule {
			return s, true
		}
	}
	return SymbolInfo{}, false
}

// ExportedLookup finds an exported symbol by name in a file; module symbols
// are never returned. Ties are broken deterministically by id.
func (t *Table) ExportedLookup(file, name string) (SymbolInfo, bool) {
	var candidates []SymbolInfo
	for _, s := range t.Files[file] {
		if s.Name == name && s.Exported && s.Kind != lang.KindModule {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return SymbolInfo{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates[0], true
}

// ResolveModule maps an import specifier to a repo file, per-language
// heuristics only — full build-system resolution is out of reach here.
func (t *Table) ResolveModule(fromFile, specifier, language string) (string, bool) {
	switch language {
	case "typescript", "javascript":
		if !strings.HasPrefix(specifier, ".") {
			return "", false
		}
		base := joinRel(dirOf(fromFile), specifier)
		for _, ext := range []string{"", ".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"} {
			if _, ok := t.Files[base+ext]; ok {
				return base + ext, true
			}
		}
		for _, ext := range []string{".ts", ".js"} {
			if _, ok := t.Files[base+"/index"+ext]; ok {
				return base + "/index" + ext, true
			}
		}
	case "python":
		spec := specifier
		prefix := ""
		for strings.HasPrefix(spec, ".") {
			spec = spec[1:]
			prefix = dirOf(fromFile)
		}
		rel := strings.ReplaceAll(spec, ".", "/")
		if prefix != "" {
			rel = joinRel(prefix, "./"+rel)
		}
		for _, cand := range []string{rel + ".py", rel + "/__init__.py"} {
			if _, ok := t.Files[cand]; ok {
				return cand, true
			}
		}
	case "go":
		// Import path suffix match against repo directories.
		seg := specifier
		if i := strings.LastIndexByte(specifier, '/'); i >= 0 {
			seg = specifier[i+1:]
		}
		var best string
		for file := range t.Files {
			dir := dirOf(file)
			if dir == seg || strings.HasSuffix(dir, "/"+seg) {
				if best == "" || file < best {
					best = file
				}
			}
		}
		if best != "" {
			return best, true
		}
	}
	return "", false
}

// Resolve produces the edge set for the given file graphs. Edges are deduped
// by identity key, keeping the most confident resolution, and returned in a
// deterministic order.
func Resolve(repoID string, graphs []FileGraph, table *Table) []*ledger.Edge {
	byKey := make(map[string]*ledger.Edge)
	keep := func(e *ledger.Edge) {
		k := e.Key()
		if prev, ok := byKey[k]; ok {
			if e.Confidence <= prev.Confidence {
				return
			}
		}
		byKey[k] = e
	}

	for _, g := range graphs {
		r := fileResolver{repoID: repoID, graph: g, table: table}
		for _, e := range r.importEdges() {
			keep(e)
		}
		for _, e := range r.callEdges() {
			keep(e)
		}
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*ledger.Edge, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}

type fileResolver struct {
	repoID string
	graph  FileGraph
	table  *Table
}

func (r *fileResolver) fileSymbols() []SymbolInfo {
	return r.table.Files[r.graph.Path]
}

// importEdges binds each imported name to the exporting symbol when the
// module resolves into the repo.
func (r *fileResolver) importEdges() []*ledger.Edge {
	mod, ok := r.table.ModuleSymbol(r.graph.Path)
	if !ok {
		return nil
	}
	var out []*ledger.Edge
	for _, imp := range r.graph.Extraction.Imports {
		typ := ledger.EdgeImport
		if imp.ReExport {
			typ = ledger.EdgeReExport
		}
		targetFile, inRepo := r.table.ResolveModule(r.graph.Path, imp.Module, r.graph.Language)
		if len(imp.Names) == 0 {
			// Side-effect import: edge to the module symbol when resolvable.
			if inRepo {
				if tmod, ok := r.table.ModuleSymbol(targetFile); ok {
					out = append(out, r.edge(mod.ID, tmod.ID, imp.Module, typ, ledger.ResolutionExact, 1.0, 0))
				}
			}
			continue
		}
		for _, n := range imp.Names {
			callee := imp.Module + ":" + n.Name
			if !inRepo {
				out = append(out, r.edge(mod.ID, "", callee, typ, ledger.ResolutionUnresolved, 0.3, 0))
				continue
			}
			if n.Name == "*" {
				if tmod, ok := r.table.ModuleSymbol(targetFile); ok {
					out = append(out, r.edge(mod.ID, tmod.ID, callee, typ, ledger.ResolutionExact, 1.0, 0))
				}
				continue
			}
			if target, ok := r.table.ExportedLookup(targetFile, n.Name); ok {
				out = append(out, r.edge(mod.ID, target.ID, callee, typ, ledger.ResolutionExact, 1.0, 0))
				continue
			}
			if tmod, ok := r.table.ModuleSymbol(targetFile); ok {
				// Name not found but module is ours: bind to the module scope.
				out = append(out, r.edge(mod.ID, tmod.ID, callee, typ, ledger.ResolutionHeuristic, 0.5, 0))
			}
		}
	}
	return out
}

// callEdges runs the resolution ladder over every call site. First match
// wins; adapter hooks slot in before the unresolved fallbacks.
func (r *fileResolver) callEdges() []*ledger.Edge {
	var out []*ledger.Edge
	symbols := r.graph.Extraction.Symbols

	for _, call := range r.graph.Extraction.Calls {
		callerID := r.callerOf(call, symbols)

		switch call.Type {
		case lang.CallDynamic, lang.CallComputed, lang.CallTaggedTemplate:
			// Ladder step 5: never resolvable statically.
			out = append(out, r.edge(callerID, "", calleeText(call), ledger.EdgeCall, ledger.ResolutionUnresolved, 0.1, 0))
			continue
		}

		if e := r.resolveSelfQualified(call, callerID); e != nil {
			out = append(out, e)
			continue
		}
		if e := r.resolveScopedQualifier(call, callerID); e != nil {
			out = append(out, e)
			continue
		}
		if call.Qualifier == "" {
			if e := r.resolveBare(call, callerID); e != nil {
				out = append(out, e)
				continue
			}
		}
		if e := r.resolveViaAdapter(call, callerID); e != nil {
			out = append(out, e)
			continue
		}

		// Ladder step 4: member access with unknown receiver.
		conf := 0.2
		out = append(out, r.edge(callerID, "", calleeText(call), ledger.EdgeCall, ledger.ResolutionUnresolved, conf, 0))
	}
	return out
}

// resolveSelfQualified handles ladder step 1: self/this/super member calls
// against the class enclosing the caller.
func (r *fileResolver) resolveSelfQualified(call lang.Call, callerID string) *ledger.Edge {
	switch call.Qualifier {
	case "self", "this", "super", "cls":
	default:
		return nil
	}
	class, ok := r.enclosingClass(call.Range)
	if !ok {
		return nil
	}
	for _, s := range r.fileSymbols() {
		if s.Name != call.Callee {
			continue
		}
		if s.Kind != lang.KindMethod && s.Kind != lang.KindConstructor && s.Kind != lang.KindFunction {
			continue
		}
		if within(s.Range, class.Range) {
			return r.edge(callerID, s.ID, calleeText(call), ledger.EdgeCall, ledger.ResolutionExact, 0.95, 0)
		}
	}
	return nil
}

// resolveScopedQualifier handles ladder step 2: Type.staticMethod / Type::fn
// where the qualifier names a type in the current file or an import.
func (r *fileResolver) resolveScopedQualifier(call lang.Call, callerID string) *ledger.Edge {
	if call.Qualifier == "" || strings.Contains(call.Qualifier, ".") {
		return nil
	}
	// Type defined in this file.
	for _, s := range r.fileSymbols() {
		if s.Name != call.Qualifier {
			continue
		}
		if s.Kind != lang.KindClass && s.Kind != lang.KindInterface && s.Kind != lang.KindType {
			continue
		}
		for _, m := range r.fileSymbols() {
			if m.Name == call.Callee && within(m.Range, s.Range) && m.ID != s.ID {
				return r.edge(callerID, m.ID, calleeText(call), ledger.EdgeCall, ledger.ResolutionExact, 0.9, 0)
			}
		}
		return nil
	}
	// Qualifier bound by an import: resolve fn among the target module's
	// exports.
	for _, imp := range r.graph.Extraction.Imports {
		for _, n := range imp.Names {
			bound := n.Name
			if n.Alias != "" {
				bound = n.Alias
			}
			if bound != call.Qualifier {
				continue
			}
			targetFile, ok := r.table.ResolveModule(r.graph.Path, imp.Module, r.graph.Language)
			if !ok {
				return nil
			}
			if target, ok := r.table.ExportedLookup(targetFile, call.Callee); ok {
				return r.edge(callerID, target.ID, calleeText(call), ledger.EdgeCall, ledger.ResolutionExact, 0.9, 0)
			}
			return nil
		}
	}
	return nil
}

// resolveBare handles ladder step 3: a bare identifier against the local
// name table (file symbols plus import-bound names).
func (r *fileResolver) resolveBare(call lang.Call, callerID string) *ledger.Edge {
	var candidates []SymbolInfo
	for _, s := range r.fileSymbols() {
		if s.Name == call.Callee && s.Kind != lang.KindModule {
			candidates = append(candidates, s)
		}
	}
	for _, imp := range r.graph.Extraction.Imports {
		for _, n := range imp.Names {
			bound := n.Name
			if n.Alias != "" {
				bound = n.Alias
			}
			if bound != call.Callee {
				continue
			}
			targetFile, ok := r.table.ResolveModule(r.graph.Path, imp.Module, r.graph.Language)
			if !ok {
				continue
			}
			if target, ok := r.table.ExportedLookup(targetFile, n.Name); ok {
				candidates = append(candidates, target)
			}
		}
	}
	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return r.edge(callerID, candidates[0].ID, call.Callee, ledger.EdgeCall, ledger.ResolutionExact, 0.9, 0)
	default:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
		return r.edge(callerID, candidates[0].ID, call.Callee, ledger.EdgeCall, ledger.ResolutionHeuristic, 0.5, len(candidates))
	}
}

// resolveViaAdapter gives the language adapter its override shot.
func (r *fileResolver) resolveViaAdapter(call lang.Call, callerID string) *ledger.Edge {
	hook, ok := r.graph.Adapter.(lang.CallResolver)
	if !ok {
		return nil
	}
	res, ok := hook.ResolveCall(lang.ResolveContext{
		Call:     call,
		FilePath: r.graph.Path,
		Imports:  r.graph.Extraction.Imports,
		LookupExported: func(module, name string) (string, bool) {
			file, ok := r.table.ResolveModule(r.graph.Path, module, r.graph.Language)
			if !ok {
				return "", false
			}
			target, ok := r.table.ExportedLookup(file, name)
			if !ok {
				return "", false
			}
			return target.ID, true
		},
	})
	if !ok {
		return nil
	}
	return r.edge(callerID, res.SymbolID, calleeText(call), ledger.EdgeCall, res.Strategy, res.Confidence, 0)
}

// callerOf finds the smallest symbol enclosing the call site; the module
// symbol spans the file, so top-level calls attach to the module scope.
func (r *fileResolver) callerOf(call lang.Call, symbols []lang.Symbol) string {
	idx, ok := lang.FindEnclosingSymbol(symbols, call.Range.StartLine, call.Range.StartCol)
	if !ok {
		return lang.GlobalScope
	}
	return r.graph.SymbolIDs[idx]
}

func (r *fileResolver) enclosingClass(at lang.Range) (SymbolInfo, bool) {
	best := SymbolInfo{}
	found := false
	for _, s := range r.fileSymbols() {
		if s.Kind != lang.KindClass {
			continue
		}
		if !s.Range.Contains(at.StartLine, at.StartCol) {
			continue
		}
		if !found || s.Range.Span() < best.Range.Span() {
			best = s
			found = true
		}
	}
	return best, found
}

func (r *fileResolver) edge(from, to, callee, typ, resolution string, confidence float64, candidates int) *ledger.Edge {
	return &ledger.Edge{
		RepoID:         r.repoID,
		FromID:         from,
		ToID:           to,
		Callee:         callee,
		Type:           typ,
		Weight:         confidence,
		Confidence:     confidence,
		Resolution:     resolution,
		CandidateCount: candidates,
	}
}

func calleeText(call lang.Call) string {
	if call.Qualifier != "" {
		return call.Qualifier + "." + call.Callee
	}
	return call.Callee
}

func within(inner, outer lang.Range) bool {
	if !outer.Contains(inner.StartLine, inner.StartCol) {
		return false
	}
	return inner.Span() < outer.Span()
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// joinRel joins a relative specifier ("./x", "../y") onto a directory using
// forward slashes (repo paths are slash-normalized).
func joinRel(dir, spec string) string {
	parts := []string{}
	if dir != "" {
		parts = strings.Split(dir, "/")
	}
	for _, seg := range strings.Split(spec, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, "/")
}
