// Package python implements the adapter contract for Python sources. Block
// structure comes from indentation, call sites and signatures from the shared
// token scanner. The adapter also carries the namespace-import resolution
// hook: `import numpy as np` lets it resolve `np.array(...)` where the
// generic ladder would give up.
package python

import (
	"errors"
	"path/filepath"
	"strings"

	"sdl/lang"
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Language() string     { return "python" }
func (a *Adapter) Extensions() []string { return []string{".py", ".pyi"} }

var scanCfg = lang.ScanConfig{LineComment: "#", TripleQuote: true}

type tree struct {
	lines   []string
	toks    []lang.Token
	matches map[int]int
	src     []byte
}

var errUnbalanced = errors.New("python: unbalanced brackets")

func (a *Adapter) Parse(content []byte, filePath string) (lang.Tree, error) {
	toks := lang.ScanTokens(content, scanCfg)
	matches := make(map[int]int)
	var stack []int
	balanced := true
	for i, t := range toks {
		if t.Kind != lang.TokPunct {
			continue
		}
		switch t.Text {
		case "(", "[", "{":
			stack = append(stack, i)
		case ")", "]", "}":
			if len(stack) == 0 {
				balanced = false
				continue
			}
			matches[stack[len(stack)-1]] = i
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		balanced = false
	}
	tr := &tree{
		lines:   strings.Split(string(content), "\n"),
		toks:    toks,
		matches: matches,
		src:     content,
	}
	if !balanced {
		return tr, errUnbalanced
	}
	return tr, nil
}

func (a *Adapter) ExtractSymbols(t lang.Tree, content []byte, filePath string) []lang.Symbol {
	tr, ok := t.(*tree)
	if !ok {
		return nil
	}

	lastLine := len(tr.lines)
	lastCol := 0
	if lastLine > 0 {
		lastCol = len(tr.lines[lastLine-1])
	}
	symbols := []lang.Symbol{{
		Name:        moduleName(filePath),
		Kind:        lang.KindModule,
		Exported:    true,
		Visibility:  lang.VisibilityPublic,
		Range:       lang.Range{StartLine: 1, StartCol: 0, EndLine: lastLine, EndCol: lastCol},
		Fingerprint: lang.Fingerprint(lang.StripForFingerprint(content, "#", "", "")),
	}}

	type openClass struct {
		indent int
	}
	var classStack []openClass

	for i := 0; i < len(tr.lines); i++ {
		line := tr.lines[i]
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		ind := indentOf(line)

		for len(classStack) > 0 && ind <= classStack[len(classStack)-1].indent {
			classStack = classStack[:len(classStack)-1]
		}

		switch {
		case strings.HasPrefix(trimmed, "def ") || strings.HasPrefix(trimmed, "async def "):
			name := declName(trimmed, "def ")
			if name == "" {
				continue
			}
			kind := lang.KindFunction
			if len(classStack) > 0 {
				kind = lang.KindMethod
				if name == "__init__" {
					kind = lang.KindConstructor
				}
			}
			endLine, endCol := tr.blockEnd(i, ind)
			sym := lang.Symbol{
				Name:       name,
				Kind:       kind,
				Exported:   ind == 0 && !strings.HasPrefix(name, "_"),
				Visibility: visibilityOf(name, len(classStack) > 0),
				Signature:  tr.signatureOnLine(i+1, name),
				Summary:    tr.docstringAfter(i),
				Range: lang.Range{
					StartLine: i + 1, StartCol: ind,
					EndLine: endLine, EndCol: endCol,
				},
				Fingerprint: tr.blockFingerprint(i, endLine),
			}
			symbols = append(symbols, sym)

		case strings.HasPrefix(trimmed, "class "):
			name := declName(trimmed, "class ")
			if name == "" {
				continue
			}
			endLine, endCol := tr.blockEnd(i, ind)
			symbols = append(symbols, lang.Symbol{
				Name:       name,
				Kind:       lang.KindClass,
				Exported:   ind == 0 && !strings.HasPrefix(name, "_"),
				Visibility: visibilityOf(name, false),
				Summary:    tr.docstringAfter(i),
				Range: lang.Range{
					StartLine: i + 1, StartCol: ind,
					EndLine: endLine, EndCol: endCol,
				},
				Fingerprint: tr.blockFingerprint(i, endLine),
			})
			classStack = append(classStack, openClass{indent: ind})

		default:
			if ind != 0 {
				continue
			}
			// Top-level binding: NAME = expr
			if name, rest, ok := assignment(trimmed); ok {
				kind := lang.KindVariable
				if strings.HasPrefix(rest, "lambda") {
					kind = lang.KindFunction
				}
				symbols = append(symbols, lang.Symbol{
					Name:       name,
					Kind:       kind,
					Exported:   !strings.HasPrefix(name, "_"),
					Visibility: visibilityOf(name, false),
					Range: lang.Range{
						StartLine: i + 1, StartCol: 0,
						EndLine: i + 1, EndCol: len(line),
					},
					Fingerprint: lang.Fingerprint(lang.StripForFingerprint([]byte(line), "#", "", "")),
				})
			}
		}
	}
	return symbols
}

func (a *Adapter) ExtractImports(t lang.Tree, content []byte, filePath string) []lang.Import {
	tr, ok := t.(*tree)
	if !ok {
		return nil
	}
	var imports []lang.Import
	for i, line := range tr.lines {
		trimmed := strings.TrimSpace(line)
		r := lang.Range{StartLine: i + 1, StartCol: indentOf(line), EndLine: i + 1, EndCol: len(line)}

		if rest, ok := strings.CutPrefix(trimmed, "import "); ok {
			for _, clause := range strings.Split(rest, ",") {
				module, alias := splitAs(strings.TrimSpace(clause))
				if module == "" {
					continue
				}
				name := module
				if dot := strings.LastIndexByte(module, '.'); dot >= 0 {
					name = module[dot+1:]
				}
				imports = append(imports, lang.Import{
					Module: module,
					Names:  []lang.ImportedName{{Name: name, Alias: alias}},
					Range:  r,
				})
			}
			continue
		}

		if rest, ok := strings.CutPrefix(trimmed, "from "); ok {
			module, importList, found := strings.Cut(rest, " import ")
			if !found {
				continue
			}
			module = strings.TrimSpace(module)
			imp := lang.Import{Module: module, Range: r}
			importList = strings.Trim(importList, "() \t")
			for _, clause := range strings.Split(importList, ",") {
				name, alias := splitAs(strings.TrimSpace(clause))
				if name == "" {
					continue
				}
				imp.Names = append(imp.Names, lang.ImportedName{Name: name, Alias: alias})
			}
			imports = append(imports, imp)
		}
	}
	return imports
}

var reserved = map[string]bool{
	"if": true, "elif": true, "while": true, "for": true, "return": true,
	"del": true, "assert": true, "raise": true, "with": true, "yield": true,
	"lambda": true, "not": true, "and": true, "or": true, "in": true,
	"is": true, "def": true, "class": true, "except": true, "import": true,
	"from": true, "await": true, "match": true, "case": true,
}

func (a *Adapter) ExtractCalls(t lang.Tree, content []byte, filePath string, symbols []lang.Symbol) []lang.Call {
	tr, ok := t.(*tree)
	if !ok {
		return nil
	}
	var calls []lang.Call
	toks := tr.toks
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if tok.Kind != lang.TokIdent || reserved[tok.Text] {
			continue
		}
		if i+1 >= len(toks) || toks[i+1].Kind != lang.TokPunct || toks[i+1].Text != "(" {
			continue
		}
		// A `def name(` is a declaration.
		if i > 0 && toks[i-1].Kind == lang.TokIdent && (toks[i-1].Text == "def" || toks[i-1].Text == "class") {
			continue
		}

		end := i + 1
		if c, ok := tr.matches[i+1]; ok {
			end = c
		}
		r := lang.Range{
			StartLine: tok.Line, StartCol: tok.Col,
			EndLine: toks[end].Line, EndCol: toks[end].Col + len(toks[end].Text),
		}

		qual, dynamic := tr.qualifierChain(i)
		switch {
		case dynamic:
			calls = append(calls, lang.Call{Callee: tok.Text, Qualifier: qual, Type: lang.CallDynamic, Range: r})
		case qual != "":
			calls = append(calls, lang.Call{Callee: tok.Text, Qualifier: qual, Type: lang.CallMethod, Range: r})
		default:
			calls = append(calls, lang.Call{Callee: tok.Text, Type: lang.CallFunction, Range: r})
		}
	}
	return calls
}

// ResolveCall is the adapter override hook: when the qualifier names a module
// imported under an alias (`import os.path as p`), the call resolves against
// that module's exported symbols directly.
func (a *Adapter) ResolveCall(ctx lang.ResolveContext) (lang.Resolution, bool) {
	if ctx.Call.Qualifier == "" || ctx.LookupExported == nil {
		return lang.Resolution{}, false
	}
	ns := namespaceImports(ctx.Imports)
	module, ok := ns[ctx.Call.Qualifier]
	if !ok {
		return lang.Resolution{}, false
	}
	id, ok := ctx.LookupExported(module, ctx.Call.Callee)
	if !ok {
		return lang.Resolution{}, false
	}
	return lang.Resolution{SymbolID: id, Strategy: "exact", Confidence: 0.9}, true
}

// namespaceImports maps the bound name of whole-module imports to the dotted
// module path.
func namespaceImports(imports []lang.Import) map[string]string {
	ns := make(map[string]string)
	for _, imp := range imports {
		for _, n := range imp.Names {
			// Whole-module import: bound name covers the module itself.
			if n.Name == "*" {
				continue
			}
			bound := n.Name
			if n.Alias != "" {
				bound = n.Alias
			}
			if imp.Module == n.Name || strings.HasSuffix(imp.Module, "."+n.Name) {
				ns[bound] = imp.Module
			}
		}
	}
	return ns
}

// --- helpers ---

func (tr *tree) qualifierChain(calleeIdx int) (string, bool) {
	toks := tr.toks
	var parts []string
	j := calleeIdx
	for j >= 2 && toks[j-1].Kind == lang.TokPunct && toks[j-1].Text == "." {
		prev := toks[j-2]
		if prev.Kind == lang.TokIdent {
			parts = append([]string{prev.Text}, parts...)
			j -= 2
			continue
		}
		if prev.Kind == lang.TokPunct && (prev.Text == ")" || prev.Text == "]") {
			return strings.Join(parts, "."), true
		}
		break
	}
	return strings.Join(parts, "."), false
}

// blockEnd finds the last line belonging to the block opened at startLine
// with the given indent.
func (tr *tree) blockEnd(startLine, indent int) (int, int) {
	last := startLine
	for i := startLine + 1; i < len(tr.lines); i++ {
		trimmed := strings.TrimSpace(tr.lines[i])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if indentOf(tr.lines[i]) <= indent {
			break
		}
		last = i
	}
	return last + 1, len(tr.lines[last])
}

func (tr *tree) blockFingerprint(startLine, endLine int) string {
	if endLine > len(tr.lines) {
		endLine = len(tr.lines)
	}
	text := strings.Join(tr.lines[startLine:endLine], "\n")
	return lang.Fingerprint(lang.StripForFingerprint([]byte(text), "#", "", ""))
}

// docstringAfter returns the first line of a docstring directly under a
// def/class header.
func (tr *tree) docstringAfter(declLine int) string {
	for i := declLine + 1; i < len(tr.lines) && i <= declLine+2; i++ {
		trimmed := strings.TrimSpace(tr.lines[i])
		if trimmed == "" {
			continue
		}
		for _, q := range []string{`"""`, "'''"} {
			if rest, ok := strings.CutPrefix(trimmed, q); ok {
				rest = strings.TrimSuffix(rest, q)
				if line, _, found := strings.Cut(rest, "\n"); found {
					return strings.TrimSpace(line)
				}
				return strings.TrimSpace(rest)
			}
		}
		return ""
	}
	return ""
}

// signatureOnLine pulls parameter names out of the def's parameter list via
// the token stream (the list may span lines).
func (tr *tree) signatureOnLine(line int, name string) lang.Signature {
	sig := lang.Signature{}
	toks := tr.toks
	for i := 0; i < len(toks); i++ {
		if toks[i].Kind != lang.TokIdent || toks[i].Text != name || toks[i].Line != line {
			continue
		}
		if i+1 >= len(toks) || toks[i+1].Kind != lang.TokPunct || toks[i+1].Text != "(" {
			continue
		}
		close, ok := tr.matches[i+1]
		if !ok {
			return sig
		}
		depth := 0
		expectName := true
		for j := i + 2; j < close; j++ {
			t := toks[j]
			if t.Kind == lang.TokPunct {
				switch t.Text {
				case "(", "[", "{":
					depth++
				case ")", "]", "}":
					depth--
				case ",":
					if depth == 0 {
						expectName = true
					}
				case ":", "=":
					if depth == 0 {
						expectName = false
					}
				}
				continue
			}
			if t.Kind == lang.TokIdent && depth == 0 && expectName {
				sig.Params = append(sig.Params, lang.Param{Name: t.Text})
				expectName = false
			}
		}
		return sig
	}
	return sig
}

func indentOf(line string) int {
	n := 0
	for _, c := range line {
		switch c {
		case ' ':
			n++
		case '\t':
			n += 8
		default:
			return n
		}
	}
	return n
}

func declName(trimmed, keyword string) string {
	rest := trimmed
	if strings.HasPrefix(rest, "async ") {
		rest = strings.TrimPrefix(rest, "async ")
	}
	rest = strings.TrimPrefix(rest, keyword)
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if c == '(' || c == ':' || c == ' ' {
			return rest[:i]
		}
	}
	return rest
}

// splitAs splits an import clause "name as alias" into its parts; a clause
// without " as " has an empty alias.
func splitAs(clause string) (string, string) {
	name, alias, found := strings.Cut(clause, " as ")
	if !found {
		return strings.TrimSpace(clause), ""
	}
	return strings.TrimSpace(name), strings.TrimSpace(alias)
}

func assignment(trimmed string) (name, rest string, ok bool) {
	eq := strings.IndexByte(trimmed, '=')
	if eq <= 0 || (eq+1 < len(trimmed) && trimmed[eq+1] == '=') {
		return "", "", false
	}
	name = strings.TrimSpace(trimmed[:eq])
	// Annotated assignment: NAME: type = value
	if colon := strings.IndexByte(name, ':'); colon > 0 {
		name = strings.TrimSpace(name[:colon])
	}
	if !isIdentifier(name) {
		return "", "", false
	}
	return name, strings.TrimSpace(trimmed[eq+1:]), true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		alpha := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if i == 0 && !alpha {
			return false
		}
		if !alpha && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

func visibilityOf(name string, inClass bool) string {
	if strings.HasPrefix(name, "__") && !strings.HasSuffix(name, "__") {
		return lang.VisibilityPrivate
	}
	if strings.HasPrefix(name, "_") {
		if inClass {
			return lang.VisibilityProtected
		}
		return lang.VisibilityPrivate
	}
	return lang.VisibilityPublic
}

func moduleName(filePath string) string {
	base := filepath.Base(filePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
