// Package slice assembles bounded graph slices: given a task context, pick
// seed symbols, expand along call/import edges with decaying priority, and
// stop at the card/token budget. For one (input, version) pair the output is
// byte-identical across calls — ordering is pinned everywhere and even the
// issued handle is derived, not random.
package slice

import (
	"container/heap"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"sdl/clock"
	"sdl/lang"
	"sdl/ledger"
)

const (
	decay         = 0.7
	softCap       = 2 * time.Second
	leaseDuration = 5 * time.Minute

	DefaultMaxCards  = 40
	DefaultMaxTokens = 8000
)

// Budget bounds a slice.
type Budget struct {
	MaxCards           int `json:"maxCards"`
	MaxEstimatedTokens int `json:"maxEstimatedTokens"`
}

// Input is the task context a slice is built from.
type Input struct {
	RepoID          string   `json:"repoId"`
	TaskText        string   `json:"taskText,omitempty"`
	StackTrace      string   `json:"stackTrace,omitempty"`
	FailingTestPath string   `json:"failingTestPath,omitempty"`
	EditedFiles     []string `json:"editedFiles,omitempty"`
	EntrySymbols    []string `json:"entrySymbols,omitempty"`
	Budget          Budget   `json:"budget"`
}

// Card is the compact symbol description shipped to the client.
type Card struct {
	SymbolID  string         `json:"symbolId"`
	Name      string         `json:"name"`
	Kind      lang.Kind      `json:"kind"`
	File      string         `json:"file"`
	Signature lang.Signature `json:"signature"`
	Summary   string         `json:"summary,omitempty"`
	Range     lang.Range     `json:"range"`
	Priority  float64        `json:"priority"`
	EstTokens int            `json:"estTokens"`
}

// EdgeOut is an edge between two included cards.
type EdgeOut struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// FrontierEntry is a symbol that missed the budget, ranked.
type FrontierEntry struct {
	SymbolID string  `json:"symbolId"`
	Priority float64 `json:"priority"`
	Why      string  `json:"why"`
}

// Lease bounds handle reuse.
type Lease struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

// Output is the full slice.build response.
type Output struct {
	SliceHandle   string          `json:"sliceHandle"`
	LedgerVersion int64           `json:"ledgerVersion"`
	Cards         []Card          `json:"cards"`
	Edges         []EdgeOut       `json:"edges"`
	Frontier      []FrontierEntry `json:"frontier"`
	Lease         Lease           `json:"lease"`
	Truncated     bool            `json:"truncated,omitempty"`
}

// Engine builds slices against a pinned ledger version.
type Engine struct {
	store   *ledger.Store
	clk     clock.Clock
	handles *Handles
}

func New(store *ledger.Store, clk clock.Clock, handles *Handles) *Engine {
	if clk == nil {
		clk = clock.System
	}
	return &Engine{store: store, clk: clk, handles: handles}
}

// candidate in the expansion queue.
type candidate struct {
	id       string
	priority float64
	why      string
}

type queue []*candidate

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].id < q[j].id
}
func (q queue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)        { *q = append(*q, x.(*candidate)) }
func (q *queue) Pop() any          { old := *q; n := len(old); c := old[n-1]; *q = old[:n-1]; return c }

// Build computes a slice at the current head version.
func (e *Engine) Build(ctx context.Context, in Input) (*Output, error) {
	version, err := e.store.Head(ctx, in.RepoID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, fmt.Errorf("slice: repo %s has no indexed version", in.RepoID)
	}
	return e.BuildAt(ctx, in, version)
}

// BuildAt computes a slice against an explicit version (pinned for the whole
// traversal).
func (e *Engine) BuildAt(ctx context.Context, in Input, version int64) (*Output, error) {
	budget := in.Budget
	if budget.MaxCards <= 0 {
		budget.MaxCards = DefaultMaxCards
	}
	if budget.MaxEstimatedTokens <= 0 {
		budget.MaxEstimatedTokens = DefaultMaxTokens
	}

	deadline := e.clk.Now().Add(softCap)

	seeds, err := e.selectSeeds(ctx, in, version)
	if err != nil {
		return nil, err
	}

	q := &queue{}
	heap.Init(q)
	queued := make(map[string]bool)
	push := func(id string, prio float64, why string) {
		if queued[id] {
			return
		}
		queued[id] = true
		heap.Push(q, &candidate{id: id, priority: prio, why: why})
	}
	for _, s := range seeds {
		push(s.id, s.priority, s.why)
	}

	out := &Output{LedgerVersion: version}
	included := make(map[string]float64)
	usedTokens := 0

	for q.Len() > 0 {
		if e.clk.Now().After(deadline) {
			out.Truncated = true
			break
		}
		c := heap.Pop(q).(*candidate)

		sym, err := e.store.GetSymbol(ctx, in.RepoID, version, c.id)
		if err != nil {
			continue // seed that no longer exists at this version
		}

		card := toCard(sym, c.priority)
		if len(out.Cards) >= budget.MaxCards || usedTokens+card.EstTokens > budget.MaxEstimatedTokens {
			// This candidate and everything still queued is frontier.
			heap.Push(q, c)
			break
		}
		out.Cards = append(out.Cards, card)
		included[c.id] = c.priority
		usedTokens += card.EstTokens

		next := c.priority * decay
		for _, edge := range e.neighborsOf(ctx, in.RepoID, version, c.id) {
			other, dir := edge.ToID, "to"
			if edge.FromID != c.id {
				other, dir = edge.FromID, "from"
			}
			if other == "" || other == c.id {
				continue
			}
			if _, done := included[other]; done {
				continue
			}
			push(other, next, fmt.Sprintf("%s edge %s %s", edge.Type, dir, sym.Name))
		}
	}

	// Drain the queue into the frontier, ranked.
	var rest []*candidate
	for q.Len() > 0 {
		rest = append(rest, heap.Pop(q).(*candidate))
	}
	for _, c := range rest {
		if _, ok := included[c.id]; ok {
			continue
		}
		out.Frontier = append(out.Frontier, FrontierEntry{SymbolID: c.id, Priority: c.priority, Why: c.why})
		if len(out.Frontier) >= 32 {
			break
		}
	}

	out.Edges = e.edgesAmong(ctx, in.RepoID, version, out.Cards)

	fingerprint := InputFingerprint(in)
	expires := e.clk.Now().Add(leaseDuration)
	out.Lease = Lease{ExpiresAt: expires}
	out.SliceHandle = HandleID(in.RepoID, version, fingerprint, budget)
	if e.handles != nil {
		cardIDs := make([]string, len(out.Cards))
		for i, c := range out.Cards {
			cardIDs[i] = c.SymbolID
		}
		e.handles.Put(out.SliceHandle, Handle{
			RepoID:           in.RepoID,
			Version:          version,
			InputFingerprint: fingerprint,
			Budget:           budget,
			ExpiresAt:        expires,
			CardIDs:          cardIDs,
		})
	}
	return out, nil
}

type seed struct {
	id       string
	priority float64
	why      string
}

// selectSeeds builds the ordered seed list: explicit entry symbols, edited
// files, stack-trace locations, then task-text keyword matches.
func (e *Engine) selectSeeds(ctx context.Context, in Input, version int64) ([]seed, error) {
	var seeds []seed
	have := make(map[string]bool)
	add := func(id string, prio float64, why string) {
		if id == "" || have[id] {
			return
		}
		have[id] = true
		seeds = append(seeds, seed{id: id, priority: prio, why: why})
	}

	for _, id := range in.EntrySymbols {
		add(id, 1.0, "entry symbol")
	}

	editedFiles := append([]string{}, in.EditedFiles...)
	if in.FailingTestPath != "" {
		editedFiles = append(editedFiles, in.FailingTestPath)
	}
	for _, file := range editedFiles {
		syms, err := e.store.GetSymbolsByFile(ctx, in.RepoID, version, file)
		if err != nil {
			return nil, err
		}
		for _, s := range syms {
			add(s.SymbolID, 0.9, "edited file "+file)
		}
	}

	for _, loc := range parseStackTrace(in.StackTrace) {
		syms, err := e.store.GetSymbolsByFile(ctx, in.RepoID, version, loc.file)
		if err != nil {
			return nil, err
		}
		idx := -1
		bestSpan := 0
		for i, s := range syms {
			if s.Range.Contains(loc.line, 0) {
				if idx == -1 || s.Range.Span() < bestSpan {
					idx = i
					bestSpan = s.Range.Span()
				}
			}
		}
		if idx >= 0 {
			add(syms[idx].SymbolID, 0.85, fmt.Sprintf("stack frame %s:%d", loc.file, loc.line))
		}
	}

	for _, kw := range keywords(in.TaskText) {
		hits, err := e.store.SearchSymbols(ctx, in.RepoID, version, kw, 5)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			add(h.SymbolID, 0.8*h.Score, "keyword "+kw)
		}
	}
	return seeds, nil
}

func (e *Engine) neighborsOf(ctx context.Context, repoID string, version int64, id string) []*ledger.Edge {
	var out []*ledger.Edge
	if from, err := e.store.GetEdgesFrom(ctx, repoID, version, id); err == nil {
		out = append(out, from...)
	}
	if to, err := e.store.GetEdgesTo(ctx, repoID, version, id); err == nil {
		out = append(out, to...)
	}
	return out
}

// edgesAmong returns the edges connecting included cards, deterministically
// ordered.
func (e *Engine) edgesAmong(ctx context.Context, repoID string, version int64, cards []Card) []EdgeOut {
	in := make(map[string]bool, len(cards))
	for _, c := range cards {
		in[c.SymbolID] = true
	}
	var out []EdgeOut
	for _, c := range cards {
		edges, err := e.store.GetEdgesFrom(ctx, repoID, version, c.SymbolID)
		if err != nil {
			continue
		}
		for _, edge := range edges {
			if edge.ToID != "" && in[edge.ToID] {
				out = append(out, EdgeOut{From: edge.FromID, To: edge.ToID, Type: edge.Type, Confidence: edge.Confidence})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func toCard(s *ledger.Symbol, priority float64) Card {
	sigText := renderSignature(s)
	est := estTokens(sigText) + estTokens(s.Summary) + 5
	return Card{
		SymbolID:  s.SymbolID,
		Name:      s.Name,
		Kind:      s.Kind,
		File:      s.File,
		Signature: s.Signature,
		Summary:   s.Summary,
		Range:     s.Range,
		Priority:  priority,
		EstTokens: est,
	}
}

func renderSignature(s *ledger.Symbol) string {
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
}

// estTokens is the deterministic ~4-bytes-per-token estimate.
func estTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

type stackLoc struct {
	file string
	line int
}

var stackLocRe = regexp.MustCompile(`([\w./$-]+\.\w+):(\d+)`)

func parseStackTrace(trace string) []stackLoc {
	if trace == "" {
		return nil
	}
	var out []stackLoc
	for _, m := range stackLocRe.FindAllStringSubmatch(trace, 16) {
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		out = append(out, stackLoc{file: strings.TrimPrefix(m[1], "./"), line: line})
	}
	return out
}

func keywords(text string) []string {
	if text == "" {
		return nil
	}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]bool)
	var out []string
	for _, f := range fields {
		if len(f) < 3 || seen[f] || stopWords[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
		if len(out) >= 8 {
			break
		}
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "when": true, "where": true, "which": true,
	"should": true, "would": true, "into": true, "not": true, "are": true,
	"fix": true, "bug": true, "add": true, "new": true,
}
