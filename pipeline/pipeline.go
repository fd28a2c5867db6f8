// Package pipeline drives one index pass: walk the repo tree, hash in
// parallel, diff against the head version, extract changed files through the
// language adapters, resolve call edges, and land the whole pass in a single
// ledger transaction. Individual file failures degrade; store failures abort.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"sdl/cache"
	"sdl/lang"
	"sdl/ledger"
	"sdl/parsecache"
	"sdl/resolve"
)

// Mode selects between an incremental pass and a full re-extraction.
const (
	ModeIncremental = "incremental"
	ModeFull        = "full"
)

// Retry budget for transient parse-buffer exhaustion.
const (
	bufferRetries = 3
	bufferBackoff = 50 * time.Millisecond
)

type Options struct {
	// Workers bounds extraction parallelism; 0 = min(NumCPU, 8).
	Workers int
	Logger  *log.Logger
}

// Stats summarizes one pass.
type Stats struct {
	FilesScanned   int `json:"filesScanned"`
	FilesExtracted int `json:"filesExtracted"`
	CacheHits      int `json:"extractionCacheHits"`
	ParseWarnings  int `json:"parseWarnings"`
	SymbolsWritten int `json:"symbolsWritten"`
	SymbolsRetired int `json:"symbolsRetired"`
	EdgesWritten   int `json:"edgesWritten"`
}

// Result is the outcome of Run.
type Result struct {
	Version   int64 `json:"versionId"`
	NoChanges bool  `json:"noChanges"`
	Stats     Stats `json:"stats"`
}

// Pipeline is safe for concurrent use; passes for the same repo serialize.
type Pipeline struct {
	store    *ledger.Store
	versions *ledger.VersionManager
	registry *lang.Registry
	pcache   *parsecache.Cache // optional
	results  *cache.Cache      // optional; invalidated on every commit
	opts     Options

	mu    sync.Mutex
	repos map[string]*sync.Mutex
}

func New(store *ledger.Store, registry *lang.Registry, pcache *parsecache.Cache, results *cache.Cache, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
		if opts.Workers > 8 {
			opts.Workers = 8
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "indexer: ", log.LstdFlags)
	}
	return &Pipeline{
		store:    store,
		versions: ledger.NewVersionManager(store),
		registry: registry,
		pcache:   pcache,
		results:  results,
		opts:     opts,
		repos:    make(map[string]*sync.Mutex),
	}
}

func (p *Pipeline) repoLock(repoID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.repos[repoID]
	if !ok {
		m = &sync.Mutex{}
		p.repos[repoID] = m
	}
	return m
}

// Run executes one pass. A pass that observes no changed files creates no
// version and reports NoChanges.
func (p *Pipeline) Run(ctx context.Context, repoID, mode string) (*Result, error) {
	lock := p.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := p.store.GetRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}

	paths, err := p.listFiles(ctx, repo)
	if err != nil {
		return nil, err
	}

	scan, err := p.hashFiles(ctx, repo, paths)
	if err != nil {
		return nil, err
	}

	head, prevFPs, err := p.versions.HeadFingerprints(ctx, repoID)
	if err != nil {
		return nil, err
	}

	changes := p.versions.ComputeChanges(prevFPs, scan)
	if mode == ModeFull {
		// Full pass re-extracts everything present; removal detection is
		// unchanged.
		changes.Modified = append(changes.Modified, changes.Unchanged...)
		changes.Unchanged = nil
		sort.Strings(changes.Modified)
	}

	res := &Result{Version: head, Stats: Stats{FilesScanned: len(scan)}}
	if changes.Empty() {
		res.NoChanges = true
		return res, nil
	}

	extractions := p.extract(ctx, repo, changes, scan, res)

	table, graphs, err := p.buildTable(ctx, repo, head, changes, extractions)
	if err != nil {
		return nil, err
	}

	edges := resolve.Resolve(repoID, graphs, table)

	kind := ledger.VersionIncremental
	if head == 0 {
		kind = ledger.VersionInitial
	} else if mode == ModeFull {
		kind = ledger.VersionFull
	}

	newFPs := p.mergeFingerprints(prevFPs, changes, scan, extractions)

	version, err := p.commit(ctx, repo, head, kind, newFPs, changes, scan, extractions, graphs, edges, res)
	if err != nil {
		return nil, err
	}
	res.Version = version

	// The old head's cached reads are dead the moment the new version is
	// acknowledged.
	if p.results != nil {
		p.results.InvalidateVersion(head)
	}
	return res, nil
}

// --- stage 1: walk ---

func (p *Pipeline) listFiles(ctx context.Context, repo *ledger.Repo) ([]string, error) {
	allowed := map[string]bool{}
	for _, l := range repo.Languages {
		allowed[l] = true
	}
	maxBytes := repo.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}

	var out []string
	err := filepath.WalkDir(repo.RootPath, func(fpath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, rerr := filepath.Rel(repo.RootPath, fpath)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				return nil
			}
			if d.Name() == ".git" || ignored(rel, repo.IgnoreGlobs) {
				return fs.SkipDir
			}
			return nil
		}
		if ignored(rel, repo.IgnoreGlobs) {
			return nil
		}
		adapter, ok := p.registry.ForFile(rel)
		if !ok {
			return nil
		}
		if len(allowed) > 0 && !allowed[adapter.Language()] {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil || info.Size() > maxBytes {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", repo.RootPath, err)
	}
	sort.Strings(out)
	return out, nil
}

func ignored(rel string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := path.Match(g, rel); ok {
			return true
		}
		for _, seg := range strings.Split(rel, "/") {
			if ok, _ := path.Match(g, seg); ok {
				return true
			}
		}
		if strings.HasPrefix(rel, strings.TrimSuffix(g, "/")+"/") {
			return true
		}
	}
	return false
}

// --- stage 2: parallel hashing ---

func (p *Pipeline) hashFiles(ctx context.Context, repo *ledger.Repo, paths []string) (map[string]string, error) {
	type hashed struct {
		path string
		hash string
		err  error
	}

	tasks := make(chan string)
	results := make(chan hashed, p.opts.Workers)

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rel := range tasks {
				data, err := os.ReadFile(filepath.Join(repo.RootPath, filepath.FromSlash(rel)))
				if err != nil {
					results <- hashed{path: rel, err: err}
					continue
				}
				results <- hashed{path: rel, hash: ledger.HashContent(data)}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for _, rel := range paths {
			select {
			case <-ctx.Done():
				return
			case tasks <- rel:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	scan := make(map[string]string, len(paths))
	for h := range results {
		if h.err != nil {
			// Файл исчез между walk и чтением — просто не попадает в скан.
			p.opts.Logger.Printf("hash %s: %v", h.path, h.err)
			continue
		}
		scan[h.path] = h.hash
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return scan, nil
}

// --- stage 3: extraction ---

type extraction struct {
	path     string
	language string
	adapter  lang.Adapter
	ext      *lang.Extraction
	cached   bool // served from the extraction cache
}

// extract runs the adapter fan-out over added+modified files. A file whose
// extraction fails entirely is dropped from the pass: its previously indexed
// symbols stay live (never retired on parse failure).
func (p *Pipeline) extract(ctx context.Context, repo *ledger.Repo, changes *ledger.ChangeSet, scan map[string]string, res *Result) map[string]*extraction {
	todo := append(append([]string{}, changes.Added...), changes.Modified...)
	sort.Strings(todo)

	tasks := make(chan string)
	type outcome struct {
		ex   *extraction
		warn string
	}
	results := make(chan outcome, p.opts.Workers)

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rel := range tasks {
				results <- p.extractOne(ctx, repo, rel, scan[rel])
			}
		}()
	}

	go func() {
		defer close(tasks)
		for _, rel := range todo {
			select {
			case <-ctx.Done():
				return
			case tasks <- rel:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]*extraction, len(todo))
	for oc := range results {
		if oc.warn != "" {
			p.opts.Logger.Printf("%s", oc.warn)
			res.Stats.ParseWarnings++
		}
		if oc.ex != nil {
			if oc.ex.ext.Partial {
				res.Stats.ParseWarnings++
			}
			out[oc.ex.path] = oc.ex
			res.Stats.FilesExtracted++
			if oc.ex.cached {
				res.Stats.CacheHits++
			}
		}
	}
	return out
}

func (p *Pipeline) extractOne(ctx context.Context, repo *ledger.Repo, rel, contentHash string) (oc struct {
	ex   *extraction
	warn string
}) {
	adapter, ok := p.registry.ForFile(rel)
	if !ok {
		return
	}

	if p.pcache != nil {
		if ext, hit := p.pcache.Get(ctx, adapter.Language(), contentHash); hit {
			oc.ex = &extraction{path: rel, language: adapter.Language(), adapter: adapter, ext: ext, cached: true}
			return
		}
	}

	data, err := os.ReadFile(filepath.Join(repo.RootPath, filepath.FromSlash(rel)))
	if err != nil {
		oc.warn = fmt.Sprintf("read %s: %v", rel, err)
		return
	}

	var ext *lang.Extraction
	backoff := bufferBackoff
	for attempt := 0; attempt < bufferRetries; attempt++ {
		func() {
			// Адаптер не должен ронять пасс даже паникой (lci-стиль изоляции).
			defer func() {
				if r := recover(); r != nil {
					oc.warn = fmt.Sprintf("extract %s: adapter panic: %v", rel, r)
					ext = nil
				}
			}()
			ext, err = lang.Extract(adapter, data, rel)
		}()
		// Исчерпание парс-буферов транзиентно: ретраим с бэкоффом и лишь
		// после бюджета отдаем файл как warning.
		if !errors.Is(err, lang.ErrBufferExhausted) {
			break
		}
		select {
		case <-ctx.Done():
			oc.warn = fmt.Sprintf("extract %s: %v", rel, ctx.Err())
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if ext == nil {
		if oc.warn == "" {
			oc.warn = fmt.Sprintf("extract %s: %v", rel, err)
		}
		return
	}

	if p.pcache != nil && !ext.Partial {
		if perr := p.pcache.Put(ctx, adapter.Language(), contentHash, ext); perr != nil {
			p.opts.Logger.Printf("parsecache put %s: %v", rel, perr)
		}
	}
	oc.ex = &extraction{path: rel, language: adapter.Language(), adapter: adapter, ext: ext}
	return
}

// --- stage 4: symbol table + ids ---

// assignIDs orders a file's symbols positionally and derives canonical ids,
// disambiguating same-name same-kind symbols with an ordinal.
func assignIDs(repoID, file string, symbols []lang.Symbol) []string {
	idx := make([]int, len(symbols))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := symbols[idx[a]].Range, symbols[idx[b]].Range
		if ra.StartLine != rb.StartLine {
			return ra.StartLine < rb.StartLine
		}
		return ra.StartCol < rb.StartCol
	})

	ids := make([]string, len(symbols))
	seen := make(map[string]int)
	for _, i := range idx {
		s := symbols[i]
		key := s.Name + "\x00" + string(s.Kind)
		ord := seen[key]
		seen[key] = ord + 1
		ids[i] = ledger.SymbolID(repoID, file, s.Name, s.Kind, ord)
	}
	return ids
}

func (p *Pipeline) buildTable(ctx context.Context, repo *ledger.Repo, head int64, changes *ledger.ChangeSet, extractions map[string]*extraction) (*resolve.Table, []resolve.FileGraph, error) {
	table := resolve.NewTable(repo.RepoID)

	var graphs []resolve.FileGraph
	var changedPaths []string
	for p := range extractions {
		changedPaths = append(changedPaths, p)
	}
	sort.Strings(changedPaths)

	for _, rel := range changedPaths {
		ex := extractions[rel]
		ids := assignIDs(repo.RepoID, rel, ex.ext.Symbols)
		infos := make([]resolve.SymbolInfo, len(ids))
		for i, s := range ex.ext.Symbols {
			infos[i] = resolve.SymbolInfo{
				ID: ids[i], File: rel, Name: s.Name, Kind: s.Kind,
				Exported: s.Exported, Range: s.Range,
			}
		}
		table.Files[rel] = infos
		graphs = append(graphs, resolve.FileGraph{
			Path:       rel,
			Language:   ex.language,
			Adapter:    ex.adapter,
			Extraction: ex.ext,
			SymbolIDs:  ids,
		})
	}

	// Untouched files contribute their stored surface so cross-file imports
	// from changed files still resolve. Files whose extraction failed this
	// pass keep their previous surface the same way.
	if head > 0 {
		carried := append(append([]string{}, changes.Unchanged...), changes.Modified...)
		for _, rel := range carried {
			if _, isChanged := table.Files[rel]; isChanged {
				continue
			}
			stored, err := p.store.GetSymbolsByFile(ctx, repo.RepoID, head, rel)
			if err != nil {
				return nil, nil, err
			}
			infos := make([]resolve.SymbolInfo, len(stored))
			for i, s := range stored {
				infos[i] = resolve.SymbolInfo{
					ID: s.SymbolID, File: rel, Name: s.Name, Kind: s.Kind,
					Exported: s.Exported, Range: s.Range,
				}
			}
			table.Files[rel] = infos
		}
	}
	return table, graphs, nil
}

func (p *Pipeline) mergeFingerprints(prev map[string]ledger.FileFingerprint, changes *ledger.ChangeSet, scan map[string]string, extractions map[string]*extraction) map[string]ledger.FileFingerprint {
	out := make(map[string]ledger.FileFingerprint, len(scan))
	for path, fp := range prev {
		out[path] = fp
	}
	for path := range scan {
		ex, ok := extractions[path]
		if !ok {
			continue // failed extraction keeps the previous entry, if any
		}
		astFP := ""
		for _, s := range ex.ext.Symbols {
			if s.Kind == lang.KindModule {
				astFP = s.Fingerprint
				break
			}
		}
		out[path] = ledger.FileFingerprint{
			ContentHash:    scan[path],
			ASTFingerprint: astFP,
			Language:       ex.language,
		}
	}
	for _, path := range changes.Removed {
		delete(out, path)
	}
	return out
}

// --- stage 5: single-transaction commit ---

func (p *Pipeline) commit(ctx context.Context, repo *ledger.Repo, head int64, kind string,
	fps map[string]ledger.FileFingerprint, changes *ledger.ChangeSet, scan map[string]string,
	extractions map[string]*extraction, graphs []resolve.FileGraph, edges []*ledger.Edge, res *Result) (int64, error) {

	var version int64
	err := p.store.WithWriteTx(ctx, func(tx *ledger.WriteTx) error {
		var err error
		version, err = tx.CreateVersion(repo.RepoID, head, kind, fps)
		if err != nil {
			return err
		}

		// Removed files: retire everything that lived there.
		for _, rel := range changes.Removed {
			ids, err := tx.LiveSymbolIDsByFile(repo.RepoID, rel)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := tx.RetireSymbol(version, repo.RepoID, id); err != nil {
					return err
				}
				res.Stats.SymbolsRetired++
			}
			if err := tx.DeleteFile(repo.RepoID, rel); err != nil {
				return err
			}
		}

		// Changed files: diff symbol sets, then edge sets.
		for _, g := range graphs {
			prevIDs, err := tx.LiveSymbolIDsByFile(repo.RepoID, g.Path)
			if err != nil {
				return err
			}
			newIDs := make(map[string]bool, len(g.SymbolIDs))

			for i, s := range g.Extraction.Symbols {
				newIDs[g.SymbolIDs[i]] = true
				row := &ledger.Symbol{
					RepoID:      repo.RepoID,
					SymbolID:    g.SymbolIDs[i],
					File:        g.Path,
					Name:        s.Name,
					Kind:        s.Kind,
					Exported:    s.Exported,
					Visibility:  s.Visibility,
					Signature:   s.Signature,
					Summary:     s.Summary,
					Range:       s.Range,
					Fingerprint: s.Fingerprint,
				}
				if err := tx.UpsertSymbol(version, row); err != nil {
					return err
				}
				res.Stats.SymbolsWritten++
			}

			retained := make([]string, 0, len(prevIDs))
			for _, id := range prevIDs {
				if !newIDs[id] {
					if err := tx.RetireSymbol(version, repo.RepoID, id); err != nil {
						return err
					}
					res.Stats.SymbolsRetired++
				} else {
					retained = append(retained, id)
				}
			}

			// Edges from this file that were not re-emitted are gone.
			emitted := make(map[string]bool)
			for _, e := range edges {
				emitted[e.Key()] = true
			}
			prevKeys, err := tx.LiveEdgeKeysFrom(repo.RepoID, retained)
			if err != nil {
				return err
			}
			for key := range prevKeys {
				if !emitted[key] {
					if err := tx.RetireEdge(version, repo.RepoID, key); err != nil {
						return err
					}
				}
			}
		}

		for _, e := range edges {
			if err := tx.UpsertEdge(version, e); err != nil {
				return err
			}
			res.Stats.EdgesWritten++
		}

		for _, g := range graphs {
			ex := extractions[g.Path]
			if err := tx.UpsertFile(repo.RepoID, g.Path, scan[g.Path], ex.language, version); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}
