package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdl/delta"
	"sdl/lang"
	"sdl/lang/adapters"
	"sdl/ledger"
)

// setupPipeline создает репозиторий во временной директории и пайплайн
// поверх свежего стора.
func setupPipeline(t *testing.T) (*Pipeline, *ledger.Store, string, func()) {
	t.Helper()
	root := t.TempDir()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	require.NoError(t, store.RegisterRepo(context.Background(), ledger.Repo{
		RepoID:   "r1",
		RootPath: root,
	}))

	p := New(store, adapters.Default(), nil, nil, Options{Workers: 2})
	return p, store, root, func() { store.Close() }
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, rel), []byte(content), 0644))
}

func fooID() string {
	return ledger.SymbolID("r1", "a.ts", "foo", lang.KindFunction, 0)
}

func moduleID(file, name string) string {
	return ledger.SymbolID("r1", file, name, lang.KindModule, 0)
}

// S1: новый символ, затем импорт + вызов из второго файла.
func TestNewSymbolThenCallEdge(t *testing.T) {
	p, store, root, cleanup := setupPipeline(t)
	defer cleanup()
	ctx := context.Background()

	writeFile(t, root, "a.ts", "export function foo() {\n  return 1;\n}\n")

	res, err := p.Run(ctx, "r1", ModeIncremental)
	require.NoError(t, err)
	require.False(t, res.NoChanges)
	assert.Equal(t, int64(1), res.Version)

	foo, err := store.GetSymbol(ctx, "r1", 1, fooID())
	require.NoError(t, err)
	assert.Equal(t, lang.KindFunction, foo.Kind)
	assert.True(t, foo.Exported)

	// Второй файл: импорт и вызов foo.
	writeFile(t, root, "b.ts", "import { foo } from './a';\nfoo();\n")

	res, err = p.Run(ctx, "r1", ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)

	// Модульный символ b появился.
	bMod, err := store.GetSymbol(ctx, "r1", 2, moduleID("b.ts", "b"))
	require.NoError(t, err)
	assert.Equal(t, lang.KindModule, bMod.Kind)

	// Ровно одно import-ребро и одно call-ребро b → foo.
	edges, err := store.GetEdgesTo(ctx, "r1", 2, fooID())
	require.NoError(t, err)
	require.Len(t, edges, 2)

	byType := map[string]*ledger.Edge{}
	for _, e := range edges {
		byType[e.Type] = e
		assert.Equal(t, bMod.SymbolID, e.FromID)
	}
	require.NotNil(t, byType[ledger.EdgeImport])
	require.NotNil(t, byType[ledger.EdgeCall])
	assert.Equal(t, ledger.ResolutionExact, byType[ledger.EdgeCall].Resolution)
	assert.GreaterOrEqual(t, byType[ledger.EdgeCall].Confidence, 0.9)

	require.NoError(t, store.IntegrityCheck(ctx))
}

// S2: удаление символа ретраирует его и зависимые рёбра; дельта называет
// зависимый модуль в blast-radius.
func TestRetiredSymbolAndBlastRadius(t *testing.T) {
	p, store, root, cleanup := setupPipeline(t)
	defer cleanup()
	ctx := context.Background()

	writeFile(t, root, "a.ts", "export function foo() {\n  return 1;\n}\n")
	_, err := p.Run(ctx, "r1", ModeIncremental)
	require.NoError(t, err)

	writeFile(t, root, "b.ts", "import { foo } from './a';\nfoo();\n")
	_, err = p.Run(ctx, "r1", ModeIncremental)
	require.NoError(t, err)

	// foo исчезает из a.ts.
	writeFile(t, root, "a.ts", "export const answer = 42;\n")
	res, err := p.Run(ctx, "r1", ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Version)

	// На v2 foo ещё виден, на v3 — нет.
	_, err = store.GetSymbol(ctx, "r1", 2, fooID())
	assert.NoError(t, err)
	_, err = store.GetSymbol(ctx, "r1", 3, fooID())
	assert.ErrorIs(t, err, ledger.ErrUnknownSymbol)

	// Рёбра b → foo закрыты на v3.
	edges, err := store.GetEdgesTo(ctx, "r1", 3, fooID())
	require.NoError(t, err)
	assert.Empty(t, edges)

	pack, err := delta.New(store).Get(ctx, "r1", 2, 3)
	require.NoError(t, err)
	require.False(t, pack.NotModified)

	removed := map[string]bool{}
	for _, s := range pack.SymbolsRemoved {
		removed[s.Name] = true
	}
	assert.True(t, removed["foo"])
	assert.Contains(t, pack.BlastRadius, moduleID("b.ts", "b"))

	require.NoError(t, store.IntegrityCheck(ctx))
}

// Повторный пасс без изменений не создает версии (идемпотентность).
func TestIdempotentReindex(t *testing.T) {
	p, store, root, cleanup := setupPipeline(t)
	defer cleanup()
	ctx := context.Background()

	writeFile(t, root, "a.ts", "export function foo() { return 1; }\n")
	res, err := p.Run(ctx, "r1", ModeIncremental)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Version)

	res, err = p.Run(ctx, "r1", ModeIncremental)
	require.NoError(t, err)
	assert.True(t, res.NoChanges)
	assert.Equal(t, int64(1), res.Version)

	head, err := store.Head(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
}

// Удаление файла целиком ретраирует все его символы.
func TestRemovedFileRetiresSymbols(t *testing.T) {
	p, store, root, cleanup := setupPipeline(t)
	defer cleanup()
	ctx := context.Background()

	writeFile(t, root, "a.ts", "export function foo() { return 1; }\n")
	writeFile(t, root, "b.ts", "import { foo } from './a';\nfoo();\n")
	_, err := p.Run(ctx, "r1", ModeIncremental)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "b.ts")))
	res, err := p.Run(ctx, "r1", ModeIncremental)
	require.NoError(t, err)
	require.False(t, res.NoChanges)

	_, err = store.GetSymbol(ctx, "r1", res.Version, moduleID("b.ts", "b"))
	assert.ErrorIs(t, err, ledger.ErrUnknownSymbol)

	// Файловая таблица больше не содержит b.ts.
	files, err := store.LiveFiles(ctx, "r1")
	require.NoError(t, err)
	for _, f := range files {
		assert.NotEqual(t, "b.ts", f.Path)
	}

	require.NoError(t, store.IntegrityCheck(ctx))
}

// Файлы с синтаксическими ошибками дают частичную экстракцию и не роняют
// пасс.
func TestPartialParseDoesNotAbortPass(t *testing.T) {
	p, store, root, cleanup := setupPipeline(t)
	defer cleanup()
	ctx := context.Background()

	writeFile(t, root, "good.ts", "export function ok() { return 1; }\n")
	writeFile(t, root, "bad.ts", "export function broken() {\n  if (x {\n")

	res, err := p.Run(ctx, "r1", ModeIncremental)
	require.NoError(t, err)
	require.False(t, res.NoChanges)
	assert.Greater(t, res.Stats.ParseWarnings, 0)

	_, err = store.GetSymbol(ctx, "r1", res.Version,
		ledger.SymbolID("r1", "good.ts", "ok", lang.KindFunction, 0))
	assert.NoError(t, err)

	// Частичная экстракция всё же дала символы из bad.ts.
	syms, err := store.GetSymbolsByFile(ctx, "r1", res.Version, "bad.ts")
	require.NoError(t, err)
	assert.NotEmpty(t, syms)
}

// Игнор-глобы и cap по размеру исключают файлы из скана.
func TestIgnoreGlobsAndSizeCap(t *testing.T) {
	root := t.TempDir()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.RegisterRepo(ctx, ledger.Repo{
		RepoID:       "r1",
		RootPath:     root,
		IgnoreGlobs:  []string{"node_modules", "*.gen.ts"},
		MaxFileBytes: 64,
	}))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "dep"), 0755))
	writeFile(t, root, "node_modules/dep/x.ts", "export function dep() {}\n")
	writeFile(t, root, "api.gen.ts", "export function generated() {}\n")
	writeFile(t, root, "ok.ts", "export function ok() {}\n")
	writeFile(t, root, "big.ts", "export function big() { return '"+string(make([]byte, 256))+"'; }\n")

	p := New(store, adapters.Default(), nil, nil, Options{Workers: 2})
	res, err := p.Run(ctx, "r1", ModeIncremental)
	require.NoError(t, err)

	files, err := store.LiveFiles(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "ok.ts", files[0].Path)
	assert.Equal(t, res.Stats.FilesScanned, 1)
}

// Полный пасс переэкстрагирует всё, но без изменений контента не плодит
// лишних генераций символов.
func TestFullModeStableFingerprints(t *testing.T) {
	p, store, root, cleanup := setupPipeline(t)
	defer cleanup()
	ctx := context.Background()

	writeFile(t, root, "a.ts", "export function foo() { return 1; }\n")
	_, err := p.Run(ctx, "r1", ModeIncremental)
	require.NoError(t, err)

	res, err := p.Run(ctx, "r1", ModeFull)
	require.NoError(t, err)
	require.False(t, res.NoChanges)
	assert.Equal(t, int64(2), res.Version)

	// Генерация foo не пересоздана: fingerprint совпал.
	foo, err := store.GetSymbol(ctx, "r1", 2, fooID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), foo.FirstSeen)
}
