// Package golang implements the adapter contract for Go sources using the
// toolchain parser. It is the reference adapter: everything it emits goes
// through the shared positional convention (1-indexed lines, 0-indexed
// columns, half-open end).
package golang

import (
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"strconv"
	"strings"

	"sdl/lang"
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Language() string      { return "go" }
func (a *Adapter) Extensions() []string  { return []string{".go"} }

type tree struct {
	fset *token.FileSet
	file *ast.File
	src  []byte
}

// Parse never discards a partially parsed file: go/parser returns the prefix
// it understood alongside the error list, and degraded extraction proceeds
// from that.
func (a *Adapter) Parse(content []byte, filePath string) (lang.Tree, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, filePath, content, parser.ParseComments|parser.SkipObjectResolution)
	if f == nil {
		return nil, err
	}
	return &tree{fset: fset, file: f, src: content}, err
}

func (a *Adapter) ExtractSymbols(t lang.Tree, content []byte, filePath string) []lang.Symbol {
	tr, ok := t.(*tree)
	if !ok || tr.file == nil {
		return nil
	}

	var symbols []lang.Symbol

	// Module-scope symbol spanning the whole file.
	symbols = append(symbols, lang.Symbol{
		Name:        moduleName(filePath),
		Kind:        lang.KindModule,
		Exported:    true,
		Visibility:  lang.VisibilityPublic,
		Range:       tr.fileRange(content),
		Fingerprint: a.fingerprint(content),
	})

	for _, decl := range tr.file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			symbols = append(symbols, tr.funcSymbol(d))
		case *ast.GenDecl:
			switch d.Tok {
			case token.TYPE:
				for _, spec := range d.Specs {
					ts, ok := spec.(*ast.TypeSpec)
					if !ok {
						continue
					}
					symbols = append(symbols, tr.typeSymbol(d, ts))
				}
			case token.VAR, token.CONST:
				for _, spec := range d.Specs {
					vs, ok := spec.(*ast.ValueSpec)
					if !ok {
						continue
					}
					for _, name := range vs.Names {
						if name.Name == "_" {
							continue
						}
						symbols = append(symbols, tr.valueSymbol(d, vs, name))
					}
				}
			}
		}
	}
	return symbols
}

func (a *Adapter) ExtractImports(t lang.Tree, content []byte, filePath string) []lang.Import {
	tr, ok := t.(*tree)
	if !ok || tr.file == nil {
		return nil
	}
	var imports []lang.Import
	for _, spec := range tr.file.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			path = strings.Trim(spec.Path.Value, `"`)
		}
		name := filepath.Base(path)
		alias := ""
		if spec.Name != nil {
			alias = spec.Name.Name
		}
		imports = append(imports, lang.Import{
			Module: path,
			Names:  []lang.ImportedName{{Name: name, Alias: alias}},
			Range:  tr.rangeOf(spec.Pos(), spec.End()),
		})
	}
	return imports
}

func (a *Adapter) ExtractCalls(t lang.Tree, content []byte, filePath string, symbols []lang.Symbol) []lang.Call {
	tr, ok := t.(*tree)
	if !ok || tr.file == nil {
		return nil
	}
	var calls []lang.Call
	ast.Inspect(tr.file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		c := tr.classifyCall(call)
		if c.Callee == "" {
			return true
		}
		calls = append(calls, c)
		return true
	})
	return calls
}

func (tr *tree) classifyCall(call *ast.CallExpr) lang.Call {
	fun := call.Fun
	// Generic instantiation wraps the callee.
	switch f := fun.(type) {
	case *ast.IndexExpr:
		fun = f.X
	case *ast.IndexListExpr:
		fun = f.X
	}

	r := tr.rangeOf(fun.Pos(), call.End())

	switch f := fun.(type) {
	case *ast.Ident:
		return lang.Call{Callee: f.Name, Type: lang.CallFunction, Range: r}
	case *ast.SelectorExpr:
		qual, ok := renderChain(f.X)
		if !ok {
			// Receiver is an expression (call result, index, literal): the
			// static type is unknown here, resolution stays best-effort.
			return lang.Call{Callee: f.Sel.Name, Type: lang.CallDynamic, Range: r}
		}
		return lang.Call{Callee: f.Sel.Name, Qualifier: qual, Type: lang.CallMethod, Range: r}
	case *ast.FuncLit:
		return lang.Call{Callee: "func", Type: lang.CallDynamic, Range: r}
	default:
		return lang.Call{}
	}
}

// renderChain flattens a selector chain of plain identifiers (a.b.c); any
// other expression form reports false.
func renderChain(e ast.Expr) (string, bool) {
	switch x := e.(type) {
	case *ast.Ident:
		return x.Name, true
	case *ast.SelectorExpr:
		base, ok := renderChain(x.X)
		if !ok {
			return "", false
		}
		return base + "." + x.Sel.Name, true
	default:
		return "", false
	}
}

func (tr *tree) funcSymbol(d *ast.FuncDecl) lang.Symbol {
	kind := lang.KindFunction
	if d.Recv != nil && len(d.Recv.List) > 0 {
		kind = lang.KindMethod
	}
	name := d.Name.Name
	return lang.Symbol{
		Name:        name,
		Kind:        kind,
		Exported:    ast.IsExported(name),
		Visibility:  visibilityOf(name),
		Signature:   tr.signatureOf(d.Type),
		Summary:     docSummary(d.Doc),
		Range:       tr.rangeOf(d.Pos(), d.End()),
		Fingerprint: tr.nodeFingerprint(d.Pos(), d.End()),
	}
}

func (tr *tree) typeSymbol(d *ast.GenDecl, ts *ast.TypeSpec) lang.Symbol {
	kind := lang.KindType
	switch ts.Type.(type) {
	case *ast.StructType:
		kind = lang.KindClass
	case *ast.InterfaceType:
		kind = lang.KindInterface
	}
	name := ts.Name.Name
	doc := ts.Doc
	if doc == nil {
		doc = d.Doc
	}
	var generics []string
	if ts.TypeParams != nil {
		for _, f := range ts.TypeParams.List {
			for _, n := range f.Names {
				generics = append(generics, n.Name)
			}
		}
	}
	return lang.Symbol{
		Name:        name,
		Kind:        kind,
		Exported:    ast.IsExported(name),
		Visibility:  visibilityOf(name),
		Signature:   lang.Signature{Generics: generics},
		Summary:     docSummary(doc),
		Range:       tr.rangeOf(ts.Pos(), ts.End()),
		Fingerprint: tr.nodeFingerprint(ts.Pos(), ts.End()),
	}
}

func (tr *tree) valueSymbol(d *ast.GenDecl, vs *ast.ValueSpec, name *ast.Ident) lang.Symbol {
	doc := vs.Doc
	if doc == nil {
		doc = d.Doc
	}
	sig := lang.Signature{}
	if vs.Type != nil {
		sig.Return = tr.srcText(vs.Type.Pos(), vs.Type.End())
	}
	return lang.Symbol{
		Name:        name.Name,
		Kind:        lang.KindVariable,
		Exported:    ast.IsExported(name.Name),
		Visibility:  visibilityOf(name.Name),
		Signature:   sig,
		Summary:     docSummary(doc),
		Range:       tr.rangeOf(vs.Pos(), vs.End()),
		Fingerprint: tr.nodeFingerprint(vs.Pos(), vs.End()),
	}
}

func (tr *tree) signatureOf(ft *ast.FuncType) lang.Signature {
	sig := lang.Signature{}
	if ft.TypeParams != nil {
		for _, f := range ft.TypeParams.List {
			for _, n := range f.Names {
				sig.Generics = append(sig.Generics, n.Name)
			}
		}
	}
	if ft.Params != nil {
		for _, f := range ft.Params.List {
			typ := tr.srcText(f.Type.Pos(), f.Type.End())
			if len(f.Names) == 0 {
				sig.Params = append(sig.Params, lang.Param{Type: typ})
				continue
			}
			for _, n := range f.Names {
				sig.Params = append(sig.Params, lang.Param{Name: n.Name, Type: typ})
			}
		}
	}
	if ft.Results != nil && len(ft.Results.List) > 0 {
		var parts []string
		for _, f := range ft.Results.List {
			parts = append(parts, tr.srcText(f.Type.Pos(), f.Type.End()))
		}
		sig.Return = strings.Join(parts, ", ")
	}
	return sig
}

func (tr *tree) rangeOf(start, end token.Pos) lang.Range {
	sp := tr.fset.Position(start)
	ep := tr.fset.Position(end)
	return lang.Range{
		StartLine: sp.Line,
		StartCol:  sp.Column - 1,
		EndLine:   ep.Line,
		EndCol:    ep.Column - 1,
	}
}

func (tr *tree) fileRange(content []byte) lang.Range {
	lines := 1
	lastCol := 0
	for _, b := range content {
		if b == '\n' {
			lines++
			lastCol = 0
		} else {
			lastCol++
		}
	}
	return lang.Range{StartLine: 1, StartCol: 0, EndLine: lines, EndCol: lastCol}
}

func (tr *tree) srcText(start, end token.Pos) string {
	so := tr.fset.Position(start).Offset
	eo := tr.fset.Position(end).Offset
	if so < 0 || eo > len(tr.src) || so > eo {
		return ""
	}
	return string(tr.src[so:eo])
}

func (tr *tree) nodeFingerprint(start, end token.Pos) string {
	so := tr.fset.Position(start).Offset
	eo := tr.fset.Position(end).Offset
	if so < 0 || eo > len(tr.src) || so > eo {
		return lang.Fingerprint(nil)
	}
	return lang.Fingerprint(lang.StripForFingerprint(tr.src[so:eo], "//", "/*", "*/"))
}

func (a *Adapter) fingerprint(content []byte) string {
	return lang.Fingerprint(lang.StripForFingerprint(content, "//", "/*", "*/"))
}

func docSummary(cg *ast.CommentGroup) string {
	if cg == nil {
		return ""
	}
	text := strings.TrimSpace(cg.Text())
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return text
}

func visibilityOf(name string) string {
	if ast.IsExported(name) {
		return lang.VisibilityPublic
	}
	return lang.VisibilityPrivate
}

func moduleName(filePath string) string {
	base := filepath.Base(filePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
