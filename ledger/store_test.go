package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdl/lang"
)

// setupStore создает свежую базу во временной директории.
func setupStore(t *testing.T) (*Store, func()) {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	return store, func() { store.Close() }
}

func registerRepo(t *testing.T, store *Store, repoID string) {
	t.Helper()
	require.NoError(t, store.RegisterRepo(context.Background(), Repo{
		RepoID:   repoID,
		RootPath: "/tmp/" + repoID,
	}))
}

func testSymbol(repoID, file, name string, kind lang.Kind, fp string) *Symbol {
	return &Symbol{
		RepoID:      repoID,
		SymbolID:    SymbolID(repoID, file, name, kind, 0),
		File:        file,
		Name:        name,
		Kind:        kind,
		Exported:    true,
		Visibility:  lang.VisibilityPublic,
		Range:       lang.Range{StartLine: 1, StartCol: 0, EndLine: 3, EndCol: 1},
		Fingerprint: fp,
	}
}

func TestCreateVersionStaleParent(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	registerRepo(t, store, "r1")

	err := store.WithWriteTx(ctx, func(tx *WriteTx) error {
		v, err := tx.CreateVersion("r1", 0, VersionInitial, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)
		return nil
	})
	require.NoError(t, err)

	// Родитель 0 больше не голова — StaleParent.
	err = store.WithWriteTx(ctx, func(tx *WriteTx) error {
		_, err := tx.CreateVersion("r1", 0, VersionIncremental, nil)
		return err
	})
	require.ErrorIs(t, err, ErrStaleParent)

	// Версии строго монотонны.
	err = store.WithWriteTx(ctx, func(tx *WriteTx) error {
		v, err := tx.CreateVersion("r1", 1, VersionIncremental, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)
		return nil
	})
	require.NoError(t, err)
}

func TestSymbolLifecycle(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	registerRepo(t, store, "r1")

	sym := testSymbol("r1", "a.ts", "foo", lang.KindFunction, "fp1")

	// v1: рождение.
	require.NoError(t, store.WithWriteTx(ctx, func(tx *WriteTx) error {
		v, err := tx.CreateVersion("r1", 0, VersionInitial, nil)
		require.NoError(t, err)
		return tx.UpsertSymbol(v, sym)
	}))

	got, err := store.GetSymbol(ctx, "r1", 1, sym.SymbolID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.FirstSeen)
	assert.Nil(t, got.LastSeen)

	// v2: тот же fingerprint — re-observe, генерация не меняется.
	require.NoError(t, store.WithWriteTx(ctx, func(tx *WriteTx) error {
		v, err := tx.CreateVersion("r1", 1, VersionIncremental, nil)
		require.NoError(t, err)
		return tx.UpsertSymbol(v, sym)
	}))
	got, err = store.GetSymbol(ctx, "r1", 2, sym.SymbolID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.FirstSeen)

	// v3: новый fingerprint — старая генерация закрывается, новая живая.
	changed := *sym
	changed.Fingerprint = "fp2"
	require.NoError(t, store.WithWriteTx(ctx, func(tx *WriteTx) error {
		v, err := tx.CreateVersion("r1", 2, VersionIncremental, nil)
		require.NoError(t, err)
		return tx.UpsertSymbol(v, &changed)
	}))

	// Point-in-time: v2 видит старую генерацию, v3 — новую.
	atV2, err := store.GetSymbol(ctx, "r1", 2, sym.SymbolID)
	require.NoError(t, err)
	assert.Equal(t, "fp1", atV2.Fingerprint)
	atV3, err := store.GetSymbol(ctx, "r1", 3, sym.SymbolID)
	require.NoError(t, err)
	assert.Equal(t, "fp2", atV3.Fingerprint)

	require.NoError(t, store.IntegrityCheck(ctx))

	// v4: retire. Символ исчезает из v4, но остаётся в v3.
	require.NoError(t, store.WithWriteTx(ctx, func(tx *WriteTx) error {
		v, err := tx.CreateVersion("r1", 3, VersionIncremental, nil)
		require.NoError(t, err)
		return tx.RetireSymbol(v, "r1", sym.SymbolID)
	}))
	_, err = store.GetSymbol(ctx, "r1", 4, sym.SymbolID)
	assert.ErrorIs(t, err, ErrUnknownSymbol)
	_, err = store.GetSymbol(ctx, "r1", 3, sym.SymbolID)
	assert.NoError(t, err)

	require.NoError(t, store.IntegrityCheck(ctx))
}

func TestRetireSymbolCascadesEdges(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	registerRepo(t, store, "r1")

	foo := testSymbol("r1", "a.ts", "foo", lang.KindFunction, "fpA")
	bar := testSymbol("r1", "b.ts", "bar", lang.KindFunction, "fpB")
	edge := &Edge{
		RepoID: "r1", FromID: bar.SymbolID, ToID: foo.SymbolID,
		Callee: "foo", Type: EdgeCall,
		Weight: 0.9, Confidence: 0.9, Resolution: ResolutionExact,
	}

	require.NoError(t, store.WithWriteTx(ctx, func(tx *WriteTx) error {
		v, err := tx.CreateVersion("r1", 0, VersionInitial, nil)
		require.NoError(t, err)
		require.NoError(t, tx.UpsertSymbol(v, foo))
		require.NoError(t, tx.UpsertSymbol(v, bar))
		return tx.UpsertEdge(v, edge)
	}))

	edges, err := store.GetEdgesTo(ctx, "r1", 1, foo.SymbolID)
	require.NoError(t, err)
	require.Len(t, edges, 1)

	require.NoError(t, store.WithWriteTx(ctx, func(tx *WriteTx) error {
		v, err := tx.CreateVersion("r1", 1, VersionIncremental, nil)
		require.NoError(t, err)
		return tx.RetireSymbol(v, "r1", foo.SymbolID)
	}))

	// Ребро ушло вместе с символом; на v1 оба ещё видны.
	edges, err = store.GetEdgesTo(ctx, "r1", 2, foo.SymbolID)
	require.NoError(t, err)
	assert.Empty(t, edges)
	edges, err = store.GetEdgesTo(ctx, "r1", 1, foo.SymbolID)
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	require.NoError(t, store.IntegrityCheck(ctx))
}

func TestEdgeResolutionUpgradeKeepsIdentity(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	registerRepo(t, store, "r1")

	caller := testSymbol("r1", "a.ts", "main", lang.KindFunction, "fp")
	target := testSymbol("r1", "b.ts", "helper", lang.KindFunction, "fp")

	unresolved := &Edge{
		RepoID: "r1", FromID: caller.SymbolID, Callee: "helper", Type: EdgeCall,
		Weight: 0.2, Confidence: 0.2, Resolution: ResolutionUnresolved,
	}
	require.NoError(t, store.WithWriteTx(ctx, func(tx *WriteTx) error {
		v, err := tx.CreateVersion("r1", 0, VersionInitial, nil)
		require.NoError(t, err)
		require.NoError(t, tx.UpsertSymbol(v, caller))
		require.NoError(t, tx.UpsertSymbol(v, target))
		return tx.UpsertEdge(v, unresolved)
	}))

	upgraded := *unresolved
	upgraded.ToID = target.SymbolID
	upgraded.Resolution = ResolutionExact
	upgraded.Confidence = 0.9
	upgraded.Weight = 0.9
	require.NoError(t, store.WithWriteTx(ctx, func(tx *WriteTx) error {
		v, err := tx.CreateVersion("r1", 1, VersionIncremental, nil)
		require.NoError(t, err)
		return tx.UpsertEdge(v, &upgraded)
	}))

	// Идентичность сохранена: один и тот же edge_key, новая генерация.
	assert.Equal(t, unresolved.Key(), upgraded.Key())
	edges, err := store.GetEdgesFrom(ctx, "r1", 2, caller.SymbolID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, ResolutionExact, edges[0].Resolution)

	older, err := store.GetEdgesFrom(ctx, "r1", 1, caller.SymbolID)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, ResolutionUnresolved, older[0].Resolution)
}

func TestSearchSymbolsScoring(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	registerRepo(t, store, "r1")

	require.NoError(t, store.WithWriteTx(ctx, func(tx *WriteTx) error {
		v, err := tx.CreateVersion("r1", 0, VersionInitial, nil)
		require.NoError(t, err)
		for _, name := range []string{"parse", "parseFile", "reparse"} {
			if err := tx.UpsertSymbol(v, testSymbol("r1", "x.ts", name, lang.KindFunction, "fp-"+name)); err != nil {
				return err
			}
		}
		return nil
	}))

	hits, err := store.SearchSymbols(ctx, "r1", 1, "parse", 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	// Точное совпадение первым с весом 1.0, подстроки — 0.5.
	assert.Equal(t, "parse", hits[0].Name)
	assert.Equal(t, 1.0, hits[0].Score)
	assert.Equal(t, 0.5, hits[1].Score)
	assert.Equal(t, 0.5, hits[2].Score)

	// Регистронезависимость.
	hits, err = store.SearchSymbols(ctx, "r1", 1, "PARSE", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestSymbolsDeltaQueries(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	registerRepo(t, store, "r1")

	a := testSymbol("r1", "a.ts", "alpha", lang.KindFunction, "fp1")
	b := testSymbol("r1", "a.ts", "beta", lang.KindFunction, "fp1")

	require.NoError(t, store.WithWriteTx(ctx, func(tx *WriteTx) error {
		v, err := tx.CreateVersion("r1", 0, VersionInitial, nil)
		require.NoError(t, err)
		require.NoError(t, tx.UpsertSymbol(v, a))
		return tx.UpsertSymbol(v, b)
	}))

	// v2: alpha изменился, beta удалён, gamma добавлен.
	changedA := *a
	changedA.Fingerprint = "fp2"
	g := testSymbol("r1", "a.ts", "gamma", lang.KindFunction, "fp1")
	require.NoError(t, store.WithWriteTx(ctx, func(tx *WriteTx) error {
		v, err := tx.CreateVersion("r1", 1, VersionIncremental, nil)
		require.NoError(t, err)
		require.NoError(t, tx.UpsertSymbol(v, &changedA))
		require.NoError(t, tx.RetireSymbol(v, "r1", b.SymbolID))
		return tx.UpsertSymbol(v, g)
	}))

	added, err := store.SymbolsAddedBetween(ctx, "r1", 1, 2)
	require.NoError(t, err)
	removed, err := store.SymbolsRemovedBetween(ctx, "r1", 1, 2)
	require.NoError(t, err)
	modified, err := store.SymbolsModifiedBetween(ctx, "r1", 1, 2)
	require.NoError(t, err)

	require.Len(t, modified, 1)
	assert.Equal(t, "alpha", modified[0].Name)
	require.Len(t, removed, 1)
	assert.Equal(t, "beta", removed[0].Name)

	// added содержит gamma и новую генерацию alpha; delta-движок отфильтрует
	// пересечение с modified.
	names := map[string]bool{}
	for _, s := range added {
		names[s.Name] = true
	}
	assert.True(t, names["gamma"])
}

// Параллельные читатели не видят "полу-записанного" состояния (S6).
func TestConcurrentReadersDuringWrite(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	registerRepo(t, store, "r1")

	require.NoError(t, store.WithWriteTx(ctx, func(tx *WriteTx) error {
		v, err := tx.CreateVersion("r1", 0, VersionInitial, nil)
		require.NoError(t, err)
		for i := 0; i < 20; i++ {
			name := fmt.Sprintf("fn%02d", i)
			if err := tx.UpsertSymbol(v, testSymbol("r1", "a.go", name, lang.KindFunction, "fp")); err != nil {
				return err
			}
		}
		return nil
	}))

	var wg sync.WaitGroup
	errs := make(chan error, 8)

	// Писатель добавляет v2 большим батчем.
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- store.WithWriteTx(ctx, func(tx *WriteTx) error {
			v, err := tx.CreateVersion("r1", 1, VersionIncremental, nil)
			if err != nil {
				return err
			}
			for i := 0; i < 200; i++ {
				name := fmt.Sprintf("extra%03d", i)
				if err := tx.UpsertSymbol(v, testSymbol("r1", "b.go", name, lang.KindFunction, "fp")); err != nil {
					return err
				}
			}
			return nil
		})
	}()

	// Читатели закреплены на v1 и обязаны видеть ровно 20 символов.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				hits, err := store.SearchSymbols(ctx, "r1", 1, "fn", 100)
				if err != nil {
					errs <- err
					return
				}
				if len(hits) != 20 {
					errs <- fmt.Errorf("split view: %d hits at v1", len(hits))
					return
				}
			}
			errs <- nil
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	require.NoError(t, store.IntegrityCheck(ctx))
}
