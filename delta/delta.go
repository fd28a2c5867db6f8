// Package delta answers "what changed between two ledger versions": the
// added/removed/modified symbol sets plus the blast radius — the edge-closure
// of symbols within reach of the change.
package delta

import (
	"context"
	"fmt"
	"sort"

	"sdl/ledger"
)

const (
	// DefaultDepth is the blast-radius closure depth.
	DefaultDepth = 2
	// DefaultMaxCards caps the blast radius size.
	DefaultMaxCards = 200
)

// Pack is the delta between two versions.
type Pack struct {
	RepoID          string           `json:"repoId"`
	FromVersion     int64            `json:"fromVersion"`
	ToVersion       int64            `json:"toVersion"`
	NotModified     bool             `json:"notModified,omitempty"`
	SymbolsAdded    []*ledger.Symbol `json:"symbolsAdded,omitempty"`
	SymbolsRemoved  []*ledger.Symbol `json:"symbolsRemoved,omitempty"`
	SymbolsModified []*ledger.Symbol `json:"symbolsModified,omitempty"`
	BlastRadius     []string         `json:"blastRadius,omitempty"` // symbol ids, sorted
}

// Engine computes delta packs over the store.
type Engine struct {
	store    *ledger.Store
	depth    int
	maxCards int
}

func New(store *ledger.Store) *Engine {
	return &Engine{store: store, depth: DefaultDepth, maxCards: DefaultMaxCards}
}

// Get computes the delta pack for (from, to]. from must not exceed to; to
// must exist, and from must exist unless it is 0.
func (e *Engine) Get(ctx context.Context, repoID string, from, to int64) (*Pack, error) {
	if from > to {
		return nil, fmt.Errorf("delta: fromVersion %d after toVersion %d", from, to)
	}
	if _, err := e.store.GetVersion(ctx, repoID, to); err != nil {
		return nil, err
	}
	if from > 0 {
		if _, err := e.store.GetVersion(ctx, repoID, from); err != nil {
			return nil, err
		}
	}

	pack := &Pack{RepoID: repoID, FromVersion: from, ToVersion: to}

	var err error
	if pack.SymbolsAdded, err = e.store.SymbolsAddedBetween(ctx, repoID, from, to); err != nil {
		return nil, err
	}
	if pack.SymbolsRemoved, err = e.store.SymbolsRemovedBetween(ctx, repoID, from, to); err != nil {
		return nil, err
	}
	if pack.SymbolsModified, err = e.store.SymbolsModifiedBetween(ctx, repoID, from, to); err != nil {
		return nil, err
	}

	// Добавленные генерации модифицированных символов не считаются added.
	modified := make(map[string]bool, len(pack.SymbolsModified))
	for _, s := range pack.SymbolsModified {
		modified[s.SymbolID] = true
	}
	removed := make(map[string]bool, len(pack.SymbolsRemoved))
	for _, s := range pack.SymbolsRemoved {
		removed[s.SymbolID] = true
	}
	filtered := pack.SymbolsAdded[:0]
	for _, s := range pack.SymbolsAdded {
		if !modified[s.SymbolID] && !removed[s.SymbolID] {
			filtered = append(filtered, s)
		}
	}
	pack.SymbolsAdded = filtered

	if len(pack.SymbolsAdded) == 0 && len(pack.SymbolsRemoved) == 0 && len(pack.SymbolsModified) == 0 {
		pack.NotModified = true
		return pack, nil
	}

	seeds := make([]string, 0, len(pack.SymbolsAdded)+len(pack.SymbolsRemoved)+len(pack.SymbolsModified))
	for _, set := range [][]*ledger.Symbol{pack.SymbolsAdded, pack.SymbolsRemoved, pack.SymbolsModified} {
		for _, s := range set {
			seeds = append(seeds, s.SymbolID)
		}
	}
	pack.BlastRadius, err = e.blastRadius(ctx, repoID, from, to, seeds)
	if err != nil {
		return nil, err
	}
	return pack, nil
}

// blastRadius is a bounded BFS over edges, both directions, starting from
// the changed set. Edges are read at both endpoints: removed symbols carry no
// live edges at to anymore, so their dependents are reachable only through
// the from-version surface.
func (e *Engine) blastRadius(ctx context.Context, repoID string, from, to int64, seeds []string) ([]string, error) {
	visited := make(map[string]bool, len(seeds))
	frontier := append([]string{}, seeds...)
	for _, id := range seeds {
		visited[id] = true
	}

	var radius []string
	for hop := 0; hop < e.depth && len(frontier) > 0; hop++ {
		sort.Strings(frontier)
		var next []string
		for _, id := range frontier {
			if len(radius) >= e.maxCards {
				break
			}
			neighbors, err := e.neighbors(ctx, repoID, to, id)
			if err != nil {
				return nil, err
			}
			if from > 0 && from != to {
				older, err := e.neighbors(ctx, repoID, from, id)
				if err != nil {
					return nil, err
				}
				neighbors = append(neighbors, older...)
			}
			for _, n := range neighbors {
				if visited[n] {
					continue
				}
				visited[n] = true
				next = append(next, n)
				radius = append(radius, n)
				if len(radius) >= e.maxCards {
					break
				}
			}
		}
		frontier = next
	}
	sort.Strings(radius)
	return radius, nil
}

func (e *Engine) neighbors(ctx context.Context, repoID string, at int64, id string) ([]string, error) {
	var out []string
	from, err := e.store.GetEdgesFrom(ctx, repoID, at, id)
	if err != nil {
		return nil, err
	}
	for _, edge := range from {
		if edge.ToID != "" {
			out = append(out, edge.ToID)
		}
	}
	to, err := e.store.GetEdgesTo(ctx, repoID, at, id)
	if err != nil {
		return nil, err
	}
	for _, edge := range to {
		out = append(out, edge.FromID)
	}
	return out, nil
}
