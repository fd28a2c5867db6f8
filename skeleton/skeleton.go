// Package skeleton renders the downgraded views the policy engine can
// substitute for raw code: structure-only skeletons built from the ledger
// (no source read at all), and hot-path windows that surface only the lines
// matching the identifiers the caller committed to.
package skeleton

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lukechampine.com/blake3"

	"sdl/lang"
	"sdl/ledger"
)

// Skeleton is the structure-only view plus the stable hash of its IR, so a
// client can diff structure across versions without raw code.
type Skeleton struct {
	Text   string `json:"skeletonText"`
	IRHash string `json:"irHash"`
}

// Renderer builds skeletons from stored symbols only.
type Renderer struct {
	store *ledger.Store
}

func NewRenderer(store *ledger.Store) *Renderer {
	return &Renderer{store: store}
}

// File renders the skeleton of one file at a version.
func (r *Renderer) File(ctx context.Context, repoID string, version int64, file string) (*Skeleton, error) {
	symbols, err := r.store.GetSymbolsByFile(ctx, repoID, version, file)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("skeleton: no symbols for %s at v%d", file, version)
	}
	return render(symbols), nil
}

// Symbol renders the skeleton of one symbol and everything nested in it.
func (r *Renderer) Symbol(ctx context.Context, repoID string, version int64, symbolID string) (*Skeleton, error) {
	sym, err := r.store.GetSymbol(ctx, repoID, version, symbolID)
	if err != nil {
		return nil, err
	}
	all, err := r.store.GetSymbolsByFile(ctx, repoID, version, sym.File)
	if err != nil {
		return nil, err
	}
	var nested []*ledger.Symbol
	for _, s := range all {
		if s.SymbolID == symbolID || enclosed(s.Range, sym.Range) {
			nested = append(nested, s)
		}
	}
	return render(nested), nil
}

func enclosed(inner, outer lang.Range) bool {
	return outer.Contains(inner.StartLine, inner.StartCol) && inner.Span() < outer.Span()
}

// render lays symbols out in positional order, indenting by nesting depth.
func render(symbols []*ledger.Symbol) *Skeleton {
	ordered := append([]*ledger.Symbol{}, symbols...)
	sort.Slice(ordered, func(i, j int) bool {
		ri, rj := ordered[i].Range, ordered[j].Range
		if ri.StartLine != rj.StartLine {
			return ri.StartLine < rj.StartLine
		}
		if ri.StartCol != rj.StartCol {
			return ri.StartCol < rj.StartCol
		}
		return ordered[i].SymbolID < ordered[j].SymbolID
	})

	var b strings.Builder
	for _, s := range ordered {
		depth := 0
		for _, outer := range ordered {
			if outer.SymbolID != s.SymbolID && enclosed(s.Range, outer.Range) {
				depth++
			}
		}
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(string(s.Kind))
		b.WriteByte(' ')
		b.WriteString(signatureLine(s))
		if s.Summary != "" {
			b.WriteString("  // ")
			b.WriteString(s.Summary)
		}
		b.WriteByte('\n')
	}
	text := b.String()
	sum := blake3.Sum256([]byte(text))
	return &Skeleton{Text: text, IRHash: fmt.Sprintf("%x", sum[:16])}
}

func signatureLine(s *ledger.Symbol) string {
	switch s.Kind {
	case lang.KindFunction, lang.KindMethod, lang.KindConstructor:
		var b strings.Builder
		b.WriteString(s.Name)
		b.WriteByte('(')
		for i, p := range s.Signature.Params {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(p.Name)
			if p.Type != "" {
				b.WriteByte(' ')
				b.WriteString(p.Type)
			}
		}
		b.WriteByte(')')
		if s.Signature.Return != "" {
			b.WriteByte(' ')
			b.WriteString(s.Signature.Return)
		}
		return b.String()
	default:
		return s.Name
	}
}

// Window reads the symbol's span from the working tree, capped at maxLines.
// Raw source is never persisted; windows always come from disk at request
// time.
func Window(rootPath string, sym *ledger.Symbol, maxLines int) (string, error) {
	lines, err := readLines(rootPath, sym.File)
	if err != nil {
		return "", err
	}
	start, end := clampRange(sym.Range, len(lines))
	if maxLines > 0 && end-start+1 > maxLines {
		end = start + maxLines - 1
	}
	return strings.Join(lines[start-1:end], "\n") + "\n", nil
}

// HotPath returns only the lines inside the symbol that mention one of the
// identifiers, each with two lines of context, separated by ellipsis
// markers.
func HotPath(rootPath string, sym *ledger.Symbol, identifiers []string, maxLines int) (string, error) {
	lines, err := readLines(rootPath, sym.File)
	if err != nil {
		return "", err
	}
	start, end := clampRange(sym.Range, len(lines))

	keep := make([]bool, len(lines)+1)
	matched := false
	for i := start; i <= end; i++ {
		for _, ident := range identifiers {
			if ident != "" && strings.Contains(lines[i-1], ident) {
				matched = true
				for j := i - 2; j <= i+2; j++ {
					if j >= start && j <= end {
						keep[j] = true
					}
				}
			}
		}
	}
	if !matched {
		return "", fmt.Errorf("skeleton: no identifier match inside %s", sym.Name)
	}

	var b strings.Builder
	emitted := 0
	gap := false
	for i := start; i <= end; i++ {
		if !keep[i] {
			gap = true
			continue
		}
		if gap && emitted > 0 {
			b.WriteString("  ...\n")
		}
		gap = false
		b.WriteString(lines[i-1])
		b.WriteByte('\n')
		emitted++
		if maxLines > 0 && emitted >= maxLines {
			break
		}
	}
	return b.String(), nil
}

func readLines(rootPath, rel string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(rootPath, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("skeleton: read %s: %w", rel, err)
	}
	return strings.Split(string(data), "\n"), nil
}

func clampRange(r lang.Range, total int) (int, int) {
	start := r.StartLine
	if start < 1 {
		start = 1
	}
	end := r.EndLine
	if end > total {
		end = total
	}
	if end < start {
		end = start
	}
	return start, end
}
