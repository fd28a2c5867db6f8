// Package typescript implements the adapter contract for TypeScript and
// JavaScript sources with a token scanner instead of a full grammar. The
// scanner recognizes declaration shapes (functions, classes with members,
// interfaces, type aliases, top-level bindings), import forms and call sites,
// and keeps extracting across syntax it does not understand — which is
// exactly the degraded output the pipeline depends on for broken files.
package typescript

import (
	"errors"
	"path/filepath"
	"strings"

	"sdl/lang"
)

type Adapter struct {
	language string
	exts     []string
}

// New returns the TypeScript adapter (.ts/.tsx).
func New() *Adapter {
	return &Adapter{language: "typescript", exts: []string{".ts", ".tsx"}}
}

// NewJavaScript returns the JavaScript flavor (.js/.jsx/.mjs/.cjs); the
// declaration shapes are shared, interface/type recognition just never fires.
func NewJavaScript() *Adapter {
	return &Adapter{language: "javascript", exts: []string{".js", ".jsx", ".mjs", ".cjs"}}
}

func (a *Adapter) Language() string     { return a.language }
func (a *Adapter) Extensions() []string { return a.exts }

var scanCfg = lang.ScanConfig{LineComment: "//", BlockStart: "/*", BlockEnd: "*/", Backtick: true}

type tree struct {
	toks    []lang.Token
	src     []byte
	matches map[int]int // open brace/paren token index -> close token index
	endLine int
	endCol  int
}

var errUnbalanced = errors.New("typescript: unbalanced braces")

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
		case "{", "(", "[":
			stack = append(stack, i)
		case "}", ")", "]":
			if len(stack) == 0 {
				balanced = false
				continue
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			matches[open] = i
		}
	}
	if len(stack) > 0 {
		balanced = false
	}

	line, col := 1, 0
	for _, b := range content {
		if b == '\n' {
			line++
			col = 0
		} else {
			col++
		}
	}

	tr := &tree{toks: toks, src: content, matches: matches, endLine: line, endCol: col}
	if !balanced {
		return tr, errUnbalanced
	}
	return tr, nil
}

var reserved = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "typeof": true, "function": true, "new": true,
	"do": true, "else": true, "throw": true, "await": true, "yield": true,
	"in": true, "of": true, "delete": true, "void": true, "super": false,
}

func (a *Adapter) ExtractSymbols(t lang.Tree, content []byte, filePath string) []lang.Symbol {
	tr, ok := t.(*tree)
	if !ok {
		return nil
	}

	symbols := []lang.Symbol{{
		Name:        moduleName(filePath),
		Kind:        lang.KindModule,
		Exported:    true,
		Visibility:  lang.VisibilityPublic,
		Range:       lang.Range{StartLine: 1, StartCol: 0, EndLine: tr.endLine, EndCol: tr.endCol},
		Fingerprint: lang.Fingerprint(lang.StripForFingerprint(content, "//", "/*", "*/")),
	}}

	depth := 0
	toks := tr.toks
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if tok.Kind == lang.TokPunct {
			switch tok.Text {
			case "{":
				depth++
			case "}":
				depth--
			}
			continue
		}
		if tok.Kind != lang.TokIdent || depth != 0 {
			continue
		}

		switch tok.Text {
		case "function":
			if name, ni := tr.identAfter(i); ni > 0 {
				start := tr.declStart(i)
				end := tr.statementEnd(ni)
				symbols = append(symbols, tr.symbol(name, lang.KindFunction, start, ni, end, tr.exportedAt(i)))
				symbols[len(symbols)-1].Signature = tr.signatureAt(ni)
				i = ni
			}
		case "class":
			if name, ni := tr.identAfter(i); ni > 0 {
				start := tr.declStart(i)
				open, close := tr.bodyBraces(ni)
				end := close
				if end < 0 {
					end = tr.statementEnd(ni)
				}
				symbols = append(symbols, tr.symbol(name, lang.KindClass, start, ni, end, tr.exportedAt(i)))
				if open >= 0 && close >= 0 {
					symbols = append(symbols, tr.classMembers(open, close)...)
					i = close
				} else {
					i = ni
				}
			}
		case "interface":
			if a.language != "typescript" {
				continue
			}
			if name, ni := tr.identAfter(i); ni > 0 {
				start := tr.declStart(i)
				_, close := tr.bodyBraces(ni)
				end := close
				if end < 0 {
					end = tr.statementEnd(ni)
				}
				symbols = append(symbols, tr.symbol(name, lang.KindInterface, start, ni, end, tr.exportedAt(i)))
				if close >= 0 {
					i = close
				}
			}
		case "type":
			if a.language != "typescript" {
				continue
			}
			name, ni := tr.identAfter(i)
			if ni > 0 && tr.punctIs(ni+1, "=") {
				start := tr.declStart(i)
				end := tr.statementEnd(ni)
				symbols = append(symbols, tr.symbol(name, lang.KindType, start, ni, end, tr.exportedAt(i)))
				i = end
			}
		case "enum":
			if name, ni := tr.identAfter(i); ni > 0 {
				start := tr.declStart(i)
				_, close := tr.bodyBraces(ni)
				end := close
				if end < 0 {
					end = tr.statementEnd(ni)
				}
				symbols = append(symbols, tr.symbol(name, lang.KindType, start, ni, end, tr.exportedAt(i)))
				if close >= 0 {
					i = close
				}
			}
		case "const", "let", "var":
			name, ni := tr.identAfter(i)
			if ni <= 0 {
				continue
			}
			start := tr.declStart(i)
			end := tr.statementEnd(ni)
			kind := lang.KindVariable
			if tr.looksLikeFunctionInit(ni, end) {
				kind = lang.KindFunction
			}
			sym := tr.symbol(name, kind, start, ni, end, tr.exportedAt(i))
			if kind == lang.KindFunction {
				sym.Signature = tr.signatureAt(ni)
			}
			symbols = append(symbols, sym)
			i = end
		}
	}
	return symbols
}

// classMembers extracts methods between the class body braces. Members sit at
// the first brace depth inside the body.
func (tr *tree) classMembers(open, close int) []lang.Symbol {
	var out []lang.Symbol
	toks := tr.toks
	depth := 0
	for i := open + 1; i < close; i++ {
		tok := toks[i]
		if tok.Kind == lang.TokPunct {
			switch tok.Text {
			case "{":
				depth++
			case "}":
				depth--
			}
			continue
		}
		if depth != 0 || tok.Kind != lang.TokIdent {
			continue
		}
		// Skip modifiers in front of the member name.
		switch tok.Text {
		case "public", "private", "protected", "static", "async", "get", "set", "readonly", "override", "abstract":
			continue
		}
		if !tr.punctIs(i+1, "(") {
			continue
		}
		if reserved[tok.Text] {
			continue
		}
		kind := lang.KindMethod
		if tok.Text == "constructor" {
			kind = lang.KindConstructor
		}
		start := tr.memberStart(i, open)
		end := tr.memberEnd(i, close)
		sym := tr.symbol(tok.Text, kind, start, i, end, false)
		sym.Visibility = tr.memberVisibility(i, open)
		sym.Exported = sym.Visibility == lang.VisibilityPublic
		sym.Signature = tr.signatureAt(i)
		out = append(out, sym)
		i = end
	}
	return out
}

func (tr *tree) memberVisibility(nameIdx, open int) string {
	for j := nameIdx - 1; j > open; j-- {
		t := tr.toks[j]
		if t.Kind != lang.TokIdent {
			break
		}
		switch t.Text {
		case "private":
			return lang.VisibilityPrivate
		case "protected":
			return lang.VisibilityProtected
		}
	}
	if strings.HasPrefix(tr.toks[nameIdx].Text, "#") || strings.HasPrefix(tr.toks[nameIdx].Text, "_") {
		return lang.VisibilityPrivate
	}
	return lang.VisibilityPublic
}

func (tr *tree) memberStart(nameIdx, open int) int {
	start := nameIdx
	for j := nameIdx - 1; j > open; j-- {
		t := tr.toks[j]
		if t.Kind != lang.TokIdent {
			break
		}
		switch t.Text {
		case "public", "private", "protected", "static", "async", "get", "set", "readonly", "override", "abstract":
			start = j
		default:
			return start
		}
	}
	return start
}

func (tr *tree) memberEnd(nameIdx, close int) int {
	// Body brace after the parameter list; members without a body (overload
	// signatures) end at the ';'.
	if paren, ok := tr.nextPunct(nameIdx, "("); ok {
		if pc, ok := tr.matches[paren]; ok {
			for j := pc + 1; j < close; j++ {
				t := tr.toks[j]
				if t.Kind != lang.TokPunct {
					continue
				}
				switch t.Text {
				case "{":
					if bc, ok := tr.matches[j]; ok {
						return bc
					}
					return close - 1
				case ";", "\n":
					return j
				}
			}
		}
	}
	return nameIdx
}

func (a *Adapter) ExtractImports(t lang.Tree, content []byte, filePath string) []lang.Import {
	tr, ok := t.(*tree)
	if !ok {
		return nil
	}
	var imports []lang.Import
	toks := tr.toks
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if tok.Kind != lang.TokIdent {
			continue
		}
		switch tok.Text {
		case "import":
			imp, next := tr.parseImport(i)
			if next > i {
				imports = append(imports, imp)
				i = next
			}
		case "export":
			// export { a } from 'm' / export * from 'm'
			if !tr.punctIs(i+1, "{") && !tr.punctIs(i+1, "*") {
				continue
			}
			imp, next := tr.parseImport(i)
			if next > i && imp.Module != "" {
				imp.ReExport = true
				imports = append(imports, imp)
				i = next
			}
		case "require":
			if !tr.punctIs(i+1, "(") || i+2 >= len(toks) || toks[i+2].Kind != lang.TokString {
				continue
			}
			module := toks[i+2].Text
			names := []lang.ImportedName{}
			// const x = require('m')
			if i >= 2 && tr.punctIs(i-1, "=") && toks[i-2].Kind == lang.TokIdent {
				names = append(names, lang.ImportedName{Name: filepath.Base(module), Alias: toks[i-2].Text})
			}
			imports = append(imports, lang.Import{
				Module: module,
				Names:  names,
				Range:  tr.tokenRange(i, i+2),
			})
			i += 2
		}
	}
	return imports
}

// parseImport consumes one ES import statement starting at the "import"
// token; returns the import and the index of its last token.
func (tr *tree) parseImport(i int) (lang.Import, int) {
	toks := tr.toks
	var names []lang.ImportedName

	j := i + 1
	// Side-effect import: import 'm'
	if j < len(toks) && toks[j].Kind == lang.TokString {
		return lang.Import{Module: toks[j].Text, Range: tr.tokenRange(i, j)}, j
	}

	for j < len(toks) {
		t := toks[j]
		if t.Kind == lang.TokString {
			return lang.Import{Module: t.Text, Names: names, Range: tr.tokenRange(i, j)}, j
		}
		if t.Kind == lang.TokPunct && (t.Text == ";" || t.Text == "\n") {
			break
		}
		if t.Kind == lang.TokIdent {
			switch t.Text {
			case "from", "type":
				// skip
			case "as":
				if j+1 < len(toks) && toks[j+1].Kind == lang.TokIdent && len(names) > 0 {
					names[len(names)-1].Alias = toks[j+1].Text
					j++
				}
			default:
				names = append(names, lang.ImportedName{Name: t.Text})
			}
		}
		if t.Kind == lang.TokPunct && t.Text == "*" {
			names = append(names, lang.ImportedName{Name: "*"})
		}
		j++
	}
	return lang.Import{}, i
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
		if tok.Kind != lang.TokIdent {
			continue
		}

		// Tagged template: identifier immediately followed by a template
		// literal token.
		if i+1 < len(toks) && toks[i+1].Kind == lang.TokString && tr.backtickAt(toks[i+1]) {
			calls = append(calls, lang.Call{
				Callee: tok.Text,
				Type:   lang.CallTaggedTemplate,
				Range:  tr.tokenRange(i, i+1),
			})
			continue
		}

		if !tr.punctIs(i+1, "(") {
			continue
		}
		if reserved[tok.Text] && tok.Text != "super" {
			continue
		}
		// Declarations, not calls.
		if prev, ok := tr.prevIdent(i); ok && (prev == "function" || prev == "class" || prev == "interface") {
			continue
		}
		if tr.isMemberDeclaration(i, symbols) {
			continue
		}

		end := i + 1
		if c, ok := tr.matches[i+1]; ok {
			end = c
		}
		r := tr.tokenRange(i, end)

		// new X(...) / new a.b.X(...)
		qual, chainStart, dynamic := tr.qualifierChain(i)
		if p, ok := tr.identBefore(chainStart); ok && p == "new" {
			calls = append(calls, lang.Call{Callee: tok.Text, Qualifier: qual, Type: lang.CallConstructor, Range: r})
			continue
		}

		switch {
		case dynamic:
			calls = append(calls, lang.Call{Callee: tok.Text, Qualifier: qual, Type: lang.CallDynamic, Range: r})
		case qual != "":
			calls = append(calls, lang.Call{Callee: tok.Text, Qualifier: qual, Type: lang.CallMethod, Range: r})
		default:
			calls = append(calls, lang.Call{Callee: tok.Text, Type: lang.CallFunction, Range: r})
		}
	}

	// Computed calls: `](` — callee is not an identifier.
	for i := 0; i+1 < len(toks); i++ {
		if tr.punctIs(i, "]") && tr.punctIs(i+1, "(") {
			end := i + 1
			if c, ok := tr.matches[i+1]; ok {
				end = c
			}
			calls = append(calls, lang.Call{
				Callee: "<computed>",
				Type:   lang.CallComputed,
				Range:  tr.tokenRange(i, end),
			})
		}
	}
	return calls
}

// qualifierChain walks back over `a.b.` in front of the callee. dynamic
// reports a chain rooted at a call/index result, where the receiver type is
// unknowable to the scanner.
func (tr *tree) qualifierChain(calleeIdx int) (qual string, chainStart int, dynamic bool) {
	toks := tr.toks
	var parts []string
	j := calleeIdx
	for j >= 2 && tr.punctIs(j-1, ".") {
		prev := toks[j-2]
		if prev.Kind == lang.TokIdent {
			parts = append([]string{prev.Text}, parts...)
			j -= 2
			continue
		}
		if prev.Kind == lang.TokPunct && (prev.Text == ")" || prev.Text == "]") {
			return strings.Join(parts, "."), j, true
		}
		break
	}
	return strings.Join(parts, "."), j, false
}

// isMemberDeclaration filters `name(...) {` member definitions inside class
// bodies out of the call stream using the already-extracted symbol ranges.
func (tr *tree) isMemberDeclaration(idx int, symbols []lang.Symbol) bool {
	tok := tr.toks[idx]
	for _, s := range symbols {
		if s.Kind != lang.KindMethod && s.Kind != lang.KindConstructor && s.Kind != lang.KindFunction {
			continue
		}
		if s.Name == tok.Text && s.Range.StartLine == tok.Line {
			return true
		}
	}
	return false
}

// --- token helpers ---

func (tr *tree) punctIs(i int, text string) bool {
	return i >= 0 && i < len(tr.toks) && tr.toks[i].Kind == lang.TokPunct && tr.toks[i].Text == text
}

func (tr *tree) identAfter(i int) (string, int) {
	for j := i + 1; j < len(tr.toks) && j <= i+3; j++ {
		t := tr.toks[j]
		if t.Kind == lang.TokIdent {
			if t.Text == "default" || t.Text == "async" {
				continue
			}
			return t.Text, j
		}
		if t.Kind == lang.TokPunct && t.Text == "*" {
			continue // generator
		}
		break
	}
	return "", -1
}

func (tr *tree) prevIdent(i int) (string, bool) {
	for j := i - 1; j >= 0; j-- {
		t := tr.toks[j]
		if t.Kind == lang.TokPunct && t.Text == "\n" {
			continue
		}
		if t.Kind == lang.TokIdent {
			return t.Text, true
		}
		return "", false
	}
	return "", false
}

func (tr *tree) identBefore(i int) (string, bool) {
	if i-1 >= 0 && tr.toks[i-1].Kind == lang.TokIdent {
		return tr.toks[i-1].Text, true
	}
	return "", false
}

// declStart backs up over export/default/async/declare/abstract modifiers.
func (tr *tree) declStart(i int) int {
	start := i
	for j := i - 1; j >= 0; j-- {
		t := tr.toks[j]
		if t.Kind != lang.TokIdent {
			break
		}
		switch t.Text {
		case "export", "default", "async", "declare", "abstract":
			start = j
		default:
			return start
		}
	}
	return start
}

func (tr *tree) exportedAt(i int) bool {
	for j := i - 1; j >= 0 && j >= i-3; j-- {
		t := tr.toks[j]
		if t.Kind != lang.TokIdent {
			return false
		}
		if t.Text == "export" {
			return true
		}
	}
	return false
}

// bodyBraces finds the `{ ... }` body after a declaration name.
func (tr *tree) bodyBraces(nameIdx int) (open, close int) {
	for j := nameIdx + 1; j < len(tr.toks); j++ {
		t := tr.toks[j]
		if t.Kind == lang.TokPunct {
			switch t.Text {
			case "{":
				if c, ok := tr.matches[j]; ok {
					return j, c
				}
				return j, -1
			case ";":
				return -1, -1
			}
		}
	}
	return -1, -1
}

// statementEnd finds the last token of the statement starting near nameIdx: a
// body close brace, or a ';' / newline at the statement's own nesting level.
func (tr *tree) statementEnd(nameIdx int) int {
	depth := 0
	for j := nameIdx; j < len(tr.toks); j++ {
		t := tr.toks[j]
		if t.Kind != lang.TokPunct {
			continue
		}
		switch t.Text {
		case "{", "(", "[":
			depth++
		case "}", ")", "]":
			depth--
			if depth == 0 && t.Text == "}" {
				return j
			}
		case ";":
			if depth == 0 {
				return j
			}
		case "\n":
			if depth == 0 && j > nameIdx+1 {
				return j - 1
			}
		}
	}
	return len(tr.toks) - 1
}

func (tr *tree) looksLikeFunctionInit(nameIdx, end int) bool {
	for j := nameIdx + 1; j < end && j < len(tr.toks); j++ {
		t := tr.toks[j]
		if t.Kind == lang.TokIdent && t.Text == "function" {
			return true
		}
		if t.Kind == lang.TokPunct && t.Text == "=" && tr.punctIs(j+1, ">") {
			return true
		}
	}
	return false
}

// signatureAt collects parameter names from the `(...)` after the name.
func (tr *tree) signatureAt(nameIdx int) lang.Signature {
	sig := lang.Signature{}
	paren, ok := tr.nextPunct(nameIdx, "(")
	if !ok {
		return sig
	}
	close, ok := tr.matches[paren]
	if !ok {
		return sig
	}
	depth := 0
	expectName := true
	for j := paren + 1; j < close; j++ {
		t := tr.toks[j]
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
			case ":":
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

func (tr *tree) nextPunct(i int, text string) (int, bool) {
	for j := i + 1; j < len(tr.toks) && j <= i+4; j++ {
		if tr.punctIs(j, text) {
			return j, true
		}
		if tr.toks[j].Kind == lang.TokPunct && tr.toks[j].Text != "\n" {
			return -1, false
		}
	}
	return -1, false
}

func (tr *tree) backtickAt(t lang.Token) bool {
	// A template literal token starts at the backtick itself; check the
	// source byte at the recorded position.
	off := tr.offsetOf(t.Line, t.Col)
	return off >= 0 && off < len(tr.src) && tr.src[off] == '`'
}

func (tr *tree) offsetOf(line, col int) int {
	cur := 1
	for i := 0; i < len(tr.src); i++ {
		if cur == line {
			return i + col
		}
		if tr.src[i] == '\n' {
			cur++
		}
	}
	if cur == line {
		return len(tr.src) - 1 + col
	}
	return -1
}

func (tr *tree) tokenRange(from, to int) lang.Range {
	a := tr.toks[from]
	b := tr.toks[to]
	return lang.Range{
		StartLine: a.Line,
		StartCol:  a.Col,
		EndLine:   b.Line,
		EndCol:    b.Col + tokenWidth(b),
	}
}

func (tr *tree) symbol(name string, kind lang.Kind, startTok, nameTok, endTok int, exported bool) lang.Symbol {
	vis := lang.VisibilityPrivate
	if exported {
		vis = lang.VisibilityPublic
	}
	var b strings.Builder
	for j := startTok; j <= endTok && j < len(tr.toks); j++ {
		b.WriteString(tr.toks[j].Text)
		b.WriteByte(' ')
	}
	return lang.Symbol{
		Name:        name,
		Kind:        kind,
		Exported:    exported,
		Visibility:  vis,
		Range:       tr.tokenRange(startTok, endTok),
		Fingerprint: lang.Fingerprint([]byte(b.String())),
	}
}

func tokenWidth(t lang.Token) int {
	if t.Kind == lang.TokString {
		return len(t.Text) + 2
	}
	return len(t.Text)
}

func moduleName(filePath string) string {
	base := filepath.Base(filePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
