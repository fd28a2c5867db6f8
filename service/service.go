// Package service is the operation surface the transports call into. It owns
// the cross-cutting plumbing: version pinning per query, the result cache,
// policy evaluation in front of raw code access, slice handles and watcher
// lifecycle. Transports stay framing-only.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"sdl/cache"
	"sdl/clock"
	"sdl/config"
	"sdl/delta"
	"sdl/lang"
	"sdl/ledger"
	"sdl/parsecache"
	"sdl/pipeline"
	"sdl/policy"
	"sdl/skeleton"
	"sdl/slice"
	"sdl/watcher"
)

// Input error kinds surfaced to callers with machine-readable codes.
var (
	ErrInvalidQuery = errors.New("service: invalid query")
	ErrStaleVersion = errors.New("service: stale version")
)

// Service wires the core together.
type Service struct {
	cfg       *config.Config
	store     *ledger.Store
	results   *cache.Cache
	pcache    *parsecache.Cache
	registry  *lang.Registry
	pipe      *pipeline.Pipeline
	handles   *slice.Handles
	slices    *slice.Engine
	deltas    *delta.Engine
	skeletons *skeleton.Renderer
	clk       clock.Clock
	logger    *log.Logger

	mu       sync.Mutex
	policies map[string]policy.Config
	watchers map[string]*repoWatch
}

type repoWatch struct {
	w      *watcher.Watcher
	cancel context.CancelFunc
}

// Options for New; zero values take defaults.
type Options struct {
	Clock    clock.Clock
	Registry *lang.Registry
	Logger   *log.Logger
	// DisableParseCache skips the badger extraction cache (tests, read-only
	// media).
	DisableParseCache bool
}

func New(cfg *config.Config, opts Options) (*Service, error) {
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "sdl: ", log.LstdFlags)
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("service: registry is required")
	}

	store, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	results, err := cache.New(cfg.Cache.MaxEntries, cfg.Cache.MaxSizeBytes)
	if err != nil {
		store.Close()
		return nil, err
	}

	var pcache *parsecache.Cache
	if !opts.DisableParseCache && cfg.ParseCachePath != "" {
		pcache, err = parsecache.Open(cfg.ParseCachePath)
		if err != nil {
			// Кэш экстракции — ускорение, не обязанность.
			opts.Logger.Printf("parse cache disabled: %v", err)
			pcache = nil
		}
	}

	handles := slice.NewHandles(opts.Clock)
	s := &Service{
		cfg:       cfg,
		store:     store,
		results:   results,
		pcache:    pcache,
		registry:  opts.Registry,
		handles:   handles,
		slices:    slice.New(store, opts.Clock, handles),
		deltas:    delta.New(store),
		skeletons: skeleton.NewRenderer(store),
		clk:       opts.Clock,
		logger:    opts.Logger,
		policies:  make(map[string]policy.Config),
		watchers:  make(map[string]*repoWatch),
	}
	s.pipe = pipeline.New(store, opts.Registry, pcache, results, pipeline.Options{
		Workers: cfg.Indexing.MaxWorkers,
		Logger:  opts.Logger,
	})
	return s, nil
}

// Bootstrap registers every repo from the config file.
func (s *Service) Bootstrap(ctx context.Context) error {
	for _, r := range s.cfg.Repos {
		if err := s.RegisterRepo(ctx, RegisterRequest{
			RepoID:       r.RepoID,
			RootPath:     r.RootPath,
			Ignore:       r.Ignore,
			Languages:    r.Languages,
			MaxFileBytes: r.MaxFileBytes,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Close stops watchers and releases storage.
func (s *Service) Close() error {
	s.mu.Lock()
	for _, rw := range s.watchers {
		rw.cancel()
	}
	s.watchers = map[string]*repoWatch{}
	s.mu.Unlock()

	if s.pcache != nil {
		s.pcache.Close()
	}
	return s.store.Close()
}

// Store exposes the ledger for the CLI's export/import path.
func (s *Service) Store() *ledger.Store { return s.store }

// CacheStats surfaces C9 counters.
func (s *Service) CacheStats() cache.Stats { return s.results.GetStats() }

// --- repo.register / repo.status ---

type RegisterRequest struct {
	RepoID       string   `json:"repoId"`
	RootPath     string   `json:"rootPath"`
	Ignore       []string `json:"ignore,omitempty"`
	Languages    []string `json:"languages,omitempty"`
	MaxFileBytes int64    `json:"maxFileBytes,omitempty"`
}

func (s *Service) RegisterRepo(ctx context.Context, req RegisterRequest) error {
	if req.RepoID == "" || req.RootPath == "" {
		return fmt.Errorf("%w: repoId and rootPath are required", ErrInvalidQuery)
	}
	return s.store.RegisterRepo(ctx, ledger.Repo{
		RepoID:       req.RepoID,
		RootPath:     req.RootPath,
		IgnoreGlobs:  req.Ignore,
		Languages:    req.Languages,
		MaxFileBytes: req.MaxFileBytes,
	})
}

type StatusResponse struct {
	RepoID        string          `json:"repoId"`
	HeadVersion   int64           `json:"headVersion"`
	FileCount     int64           `json:"fileCount"`
	SymbolCount   int64           `json:"symbolCount"`
	EdgeCount     int64           `json:"edgeCount"`
	LastIndexedAt *time.Time      `json:"lastIndexedAt,omitempty"`
	WatcherHealth *watcher.Health `json:"watcherHealth,omitempty"`
}

func (s *Service) Status(ctx context.Context, repoID string) (*StatusResponse, error) {
	if _, err := s.store.GetRepo(ctx, repoID); err != nil {
		return nil, err
	}
	head, err := s.store.Head(ctx, repoID)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.CountLive(ctx, repoID)
	if err != nil {
		return nil, err
	}
	resp := &StatusResponse{
		RepoID:      repoID,
		HeadVersion: head,
		FileCount:   stats.FileCount,
		SymbolCount: stats.SymbolCount,
		EdgeCount:   stats.EdgeCount,
	}
	if head > 0 {
		if v, err := s.store.GetVersion(ctx, repoID, head); err == nil {
			t := v.CreatedAt
			resp.LastIndexedAt = &t
		}
	}
	s.mu.Lock()
	if rw, ok := s.watchers[repoID]; ok {
		h := rw.w.Health()
		resp.WatcherHealth = &h
	}
	s.mu.Unlock()
	return resp, nil
}

// --- index.refresh ---

func (s *Service) Refresh(ctx context.Context, repoID, mode, reason string) (*pipeline.Result, error) {
	if mode == "" {
		mode = pipeline.ModeIncremental
	}
	if mode != pipeline.ModeIncremental && mode != pipeline.ModeFull {
		return nil, fmt.Errorf("%w: mode %q", ErrInvalidQuery, mode)
	}
	if reason != "" {
		s.logger.Printf("refresh %s (%s): %s", repoID, mode, reason)
	}
	return s.pipe.Run(ctx, repoID, mode)
}

// --- symbol.search / symbol.getCard ---

func (s *Service) Search(ctx context.Context, repoID, query string, limit int) ([]ledger.SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
	head, err := s.headOf(ctx, repoID)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("search:%s:%d", query, limit)
	if v, ok := s.results.Get(repoID, key, head); ok {
		return v.([]ledger.SearchResult), nil
	}
	hits, err := s.store.SearchSymbols(ctx, repoID, head, query, limit)
	if err != nil {
		return nil, err
	}
	s.results.Set(repoID, key, head, hits, jsonSize(hits))
	return hits, nil
}

type CardResponse struct {
	NotModified bool           `json:"notModified,omitempty"`
	ETag        string         `json:"etag"`
	Card        *ledger.Symbol `json:"card,omitempty"`
	Version     int64          `json:"ledgerVersion"`
}

func (s *Service) GetCard(ctx context.Context, repoID, symbolID, ifNoneMatch string) (*CardResponse, error) {
	head, err := s.headOf(ctx, repoID)
	if err != nil {
		return nil, err
	}
	key := "card:" + symbolID
	var sym *ledger.Symbol
	if v, ok := s.results.Get(repoID, key, head); ok {
		sym = v.(*ledger.Symbol)
	} else {
		sym, err = s.store.GetSymbol(ctx, repoID, head, symbolID)
		if err != nil {
			return nil, err
		}
		s.results.Set(repoID, key, head, sym, jsonSize(sym))
	}
	if ifNoneMatch != "" && ifNoneMatch == sym.Fingerprint {
		return &CardResponse{NotModified: true, ETag: sym.Fingerprint, Version: head}, nil
	}
	return &CardResponse{Card: sym, ETag: sym.Fingerprint, Version: head}, nil
}

// --- slice.build / slice.refresh ---

// SliceResponse carries a policy denial (Denied) as a first-class response,
// not an error.
type SliceResponse struct {
	Denied *policy.Outcome `json:"policyDenied,omitempty"`
	Slice  *slice.Output   `json:"slice,omitempty"`
}

func (s *Service) BuildSlice(ctx context.Context, in slice.Input) (*SliceResponse, error) {
	cfg := s.policyFor(in.RepoID)
	outcome, err := policy.Evaluate(policy.DefaultRules(), cfg, &policy.Context{
		RequestType:        policy.RequestGraphSlice,
		RepoID:             in.RepoID,
		MaxCards:           in.Budget.MaxCards,
		MaxEstimatedTokens: in.Budget.MaxEstimatedTokens,
	})
	if err != nil {
		return nil, err
	}
	if outcome.Decision == policy.Deny {
		return &SliceResponse{Denied: outcome}, nil
	}

	head, err := s.headOf(ctx, in.RepoID)
	if err != nil {
		return nil, err
	}
	key := "slice:" + slice.InputFingerprint(in) + fmt.Sprintf(":%d:%d", in.Budget.MaxCards, in.Budget.MaxEstimatedTokens)
	if v, ok := s.results.Get(in.RepoID, key, head); ok {
		out := v.(*slice.Output)
		// Re-arm the lease for the cached slice.
		s.handles.Put(out.SliceHandle, slice.Handle{
			RepoID:           in.RepoID,
			Version:          out.LedgerVersion,
			InputFingerprint: slice.InputFingerprint(in),
			Budget:           in.Budget,
			ExpiresAt:        s.clk.Now().Add(5 * time.Minute),
			CardIDs:          cardIDs(out),
		})
		return &SliceResponse{Slice: out}, nil
	}

	out, err := s.slices.BuildAt(ctx, in, head)
	if err != nil {
		return nil, err
	}
	s.results.Set(in.RepoID, key, head, out, jsonSize(out))
	return &SliceResponse{Slice: out}, nil
}

type SliceRefreshResponse struct {
	NotModified bool        `json:"notModified,omitempty"`
	Delta       *delta.Pack `json:"delta,omitempty"`
	Lease       slice.Lease `json:"lease"`
}

func (s *Service) RefreshSlice(ctx context.Context, handleID string, knownVersion int64) (*SliceRefreshResponse, error) {
	h, err := s.handles.Extend(handleID, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	head, err := s.headOf(ctx, h.RepoID)
	if err != nil {
		return nil, err
	}
	if knownVersion > head {
		return nil, fmt.Errorf("%w: known version %d ahead of head %d", ErrStaleVersion, knownVersion, head)
	}
	resp := &SliceRefreshResponse{Lease: slice.Lease{ExpiresAt: h.ExpiresAt}}
	if knownVersion == head {
		resp.NotModified = true
		return resp, nil
	}
	pack, err := s.deltas.Get(ctx, h.RepoID, knownVersion, head)
	if err != nil {
		return nil, err
	}
	resp.Delta = pack
	return resp, nil
}

// --- delta.get ---

func (s *Service) GetDelta(ctx context.Context, repoID string, from, to int64) (*delta.Pack, error) {
	if _, err := s.store.GetRepo(ctx, repoID); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("delta:%d", from)
	if v, ok := s.results.Get(repoID, key, to); ok {
		return v.(*delta.Pack), nil
	}
	pack, err := s.deltas.Get(ctx, repoID, from, to)
	if err != nil {
		return nil, err
	}
	s.results.Set(repoID, key, to, pack, jsonSize(pack))
	return pack, nil
}

// --- policy.get / policy.set ---

func (s *Service) GetPolicy(repoID string) policy.Config {
	return s.policyFor(repoID)
}

// SetPolicy merges a patch over the repo's effective policy.
func (s *Service) SetPolicy(repoID string, patch map[string]any) (policy.Config, error) {
	cfg := s.policyFor(repoID)
	raw, err := json.Marshal(cfg)
	if err != nil {
		return cfg, err
	}
	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return cfg, err
	}
	for k, v := range patch {
		merged[k] = v
	}
	raw, err = json.Marshal(merged)
	if err != nil {
		return cfg, err
	}
	var next policy.Config
	if err := json.Unmarshal(raw, &next); err != nil {
		return cfg, fmt.Errorf("%w: bad policy patch: %v", ErrInvalidQuery, err)
	}
	s.mu.Lock()
	s.policies[repoID] = next
	s.mu.Unlock()
	return next, nil
}

func (s *Service) policyFor(repoID string) policy.Config {
	s.mu.Lock()
	if cfg, ok := s.policies[repoID]; ok {
		s.mu.Unlock()
		return cfg
	}
	s.mu.Unlock()
	pc := s.cfg.Policy
	cfg := policy.DefaultConfig()
	if pc.MaxWindowLines > 0 {
		cfg.MaxWindowLines = pc.MaxWindowLines
	}
	if pc.MaxWindowTokens > 0 {
		cfg.MaxWindowTokens = pc.MaxWindowTokens
	}
	if pc.SliceMaxCards > 0 {
		cfg.SliceMaxCards = pc.SliceMaxCards
	}
	if pc.SliceMaxTokens > 0 {
		cfg.SliceMaxTokens = pc.SliceMaxTokens
	}
	cfg.RequireIdentifiers = pc.RequireIdentifiers
	cfg.AllowBreakGlass = pc.AllowBreakGlass
	cfg.DefaultDenyRaw = pc.DefaultDenyRaw
	return cfg
}

// --- watcher ---

// StartWatch launches (or restarts) the repo's watcher; passes run through
// index.refresh with incremental mode.
func (s *Service) StartWatch(ctx context.Context, repoID string) error {
	repo, err := s.store.GetRepo(ctx, repoID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if prev, ok := s.watchers[repoID]; ok {
		prev.cancel()
		delete(s.watchers, repoID)
	}
	s.mu.Unlock()

	debounce := time.Duration(s.cfg.Indexing.DebounceMs) * time.Millisecond
	w := watcher.New(repoID, repo.RootPath, debounce, s.clk, func(ctx context.Context) error {
		_, err := s.pipe.Run(ctx, repoID, pipeline.ModeIncremental)
		return err
	}, s.logger)

	wctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.watchers[repoID] = &repoWatch{w: w, cancel: cancel}
	s.mu.Unlock()

	go func() {
		if err := w.Run(wctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Printf("watcher %s exited: %v", repoID, err)
		}
	}()
	return nil
}

// --- helpers ---

func (s *Service) headOf(ctx context.Context, repoID string) (int64, error) {
	if _, err := s.store.GetRepo(ctx, repoID); err != nil {
		return 0, err
	}
	head, err := s.store.Head(ctx, repoID)
	if err != nil {
		return 0, err
	}
	if head == 0 {
		return 0, fmt.Errorf("%w: repo %s has no indexed version", ErrInvalidQuery, repoID)
	}
	return head, nil
}

func cardIDs(out *slice.Output) []string {
	ids := make([]string, len(out.Cards))
	for i, c := range out.Cards {
		ids[i] = c.SymbolID
	}
	return ids
}

func jsonSize(v any) int64 {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}
