package lang

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnparsable marks a buffer from which nothing could be recovered.
var ErrUnparsable = errors.New("lang: unparsable content")

// Registry dispatches adapters by file extension or language id.
type Registry struct {
	byExt  map[string]Adapter
	byLang map[string]Adapter
	langs  []string
}

// NewRegistry builds a registry from the given adapters. Duplicate extension
// claims are a programming error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{
		byExt:  make(map[string]Adapter),
		byLang: make(map[string]Adapter),
	}
	for _, a := range adapters {
		id := a.Language()
		if _, dup := r.byLang[id]; dup {
			return nil, fmt.Errorf("lang: duplicate adapter for %q", id)
		}
		r.byLang[id] = a
		r.langs = append(r.langs, id)
		for _, ext := range a.Extensions() {
			if prev, dup := r.byExt[ext]; dup {
				return nil, fmt.Errorf("lang: extension %q claimed by %q and %q", ext, prev.Language(), id)
			}
			r.byExt[ext] = a
		}
	}
	return r, nil
}

// ForFile returns the adapter responsible for the file, by extension.
func (r *Registry) ForFile(path string) (Adapter, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	a, ok := r.byExt[ext]
	return a, ok
}

// ForLanguage returns the adapter for a language id.
func (r *Registry) ForLanguage(id string) (Adapter, bool) {
	a, ok := r.byLang[id]
	return a, ok
}

// Languages lists registered language ids in registration order.
func (r *Registry) Languages() []string {
	out := make([]string, len(r.langs))
	copy(out, r.langs)
	return out
}

// GlobalScope is the sentinel caller id for call sites outside any symbol.
const GlobalScope = "global"

// FindEnclosingSymbol returns the index of the symbol whose range contains
// (line, col) with the smallest span; ok is false when no symbol encloses the
// position and the caller should use the GlobalScope sentinel. Ties on line
// extent are broken by the narrower column span via Range.Span.
func FindEnclosingSymbol(symbols []Symbol, line, col int) (int, bool) {
	best := -1
	bestSpan := 0
	for i, s := range symbols {
		if !s.Range.Contains(line, col) {
			continue
		}
		span := s.Range.Span()
		if best == -1 || span < bestSpan {
			best = i
			bestSpan = span
		}
	}
	return best, best != -1
}
