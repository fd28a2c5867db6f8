package skeleton

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdl/lang"
	"sdl/ledger"
)

func setupRenderer(t *testing.T) (*Renderer, *ledger.Store, func()) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.RegisterRepo(ctx, ledger.Repo{RepoID: "r1", RootPath: "/tmp/r1"}))

	require.NoError(t, store.WithWriteTx(ctx, func(tx *ledger.WriteTx) error {
		v, err := tx.CreateVersion("r1", 0, ledger.VersionInitial, nil)
		if err != nil {
			return err
		}
		rows := []*ledger.Symbol{
			{SymbolID: ledger.SymbolID("r1", "w.ts", "w", lang.KindModule, 0), Name: "w",
				Kind: lang.KindModule, Range: lang.Range{StartLine: 1, StartCol: 0, EndLine: 30, EndCol: 0}},
			{SymbolID: ledger.SymbolID("r1", "w.ts", "Widget", lang.KindClass, 0), Name: "Widget",
				Kind: lang.KindClass, Summary: "A widget.",
				Range: lang.Range{StartLine: 2, StartCol: 0, EndLine: 20, EndCol: 1}},
			{SymbolID: ledger.SymbolID("r1", "w.ts", "render", lang.KindMethod, 0), Name: "render",
				Kind:      lang.KindMethod,
				Signature: lang.Signature{Params: []lang.Param{{Name: "target"}}},
				Range:     lang.Range{StartLine: 5, StartCol: 2, EndLine: 10, EndCol: 3}},
		}
		for _, s := range rows {
			s.RepoID = "r1"
			s.File = "w.ts"
			s.Visibility = lang.VisibilityPublic
			s.Fingerprint = "fp-" + s.Name
			if err := tx.UpsertSymbol(v, s); err != nil {
				return err
			}
		}
		return nil
	}))

	return NewRenderer(store), store, func() { store.Close() }
}

func TestFileSkeletonLayout(t *testing.T) {
	r, _, cleanup := setupRenderer(t)
	defer cleanup()

	sk, err := r.File(context.Background(), "r1", 1, "w.ts")
	require.NoError(t, err)

	assert.Contains(t, sk.Text, "module w")
	assert.Contains(t, sk.Text, "class Widget  // A widget.")
	assert.Contains(t, sk.Text, "method render(target)")
	assert.NotEmpty(t, sk.IRHash)

	// Повторный рендер — тот же IR-хэш.
	again, err := r.File(context.Background(), "r1", 1, "w.ts")
	require.NoError(t, err)
	assert.Equal(t, sk.IRHash, again.IRHash)
}

func TestSymbolSkeletonNested(t *testing.T) {
	r, _, cleanup := setupRenderer(t)
	defer cleanup()

	sk, err := r.Symbol(context.Background(), "r1", 1,
		ledger.SymbolID("r1", "w.ts", "Widget", lang.KindClass, 0))
	require.NoError(t, err)
	assert.Contains(t, sk.Text, "class Widget")
	assert.Contains(t, sk.Text, "render")
	assert.NotContains(t, sk.Text, "module w")
}

func TestWindowReadsWorkingTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.ts"),
		[]byte("line1\nline2\nline3\nline4\nline5\n"), 0644))

	sym := &ledger.Symbol{
		File:  "f.ts",
		Range: lang.Range{StartLine: 2, StartCol: 0, EndLine: 4, EndCol: 5},
	}
	out, err := Window(root, sym, 0)
	require.NoError(t, err)
	assert.Equal(t, "line2\nline3\nline4\n", out)

	// Cap по строкам.
	out, err = Window(root, sym, 2)
	require.NoError(t, err)
	assert.Equal(t, "line2\nline3\n", out)
}

func TestHotPathFiltersByIdentifier(t *testing.T) {
	root := t.TempDir()
	src := "function f() {\n  a();\n  b();\n  c();\n  d();\n  e();\n  target();\n  g();\n}\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.ts"), []byte(src), 0644))

	sym := &ledger.Symbol{
		Name:  "f",
		File:  "f.ts",
		Range: lang.Range{StartLine: 1, StartCol: 0, EndLine: 9, EndCol: 1},
	}
	out, err := HotPath(root, sym, []string{"a(", "g("}, 0)
	require.NoError(t, err)
	assert.Contains(t, out, "a();")
	assert.Contains(t, out, "g();")
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, "d();")

	_, err = HotPath(root, sym, []string{"nonexistent"}, 0)
	assert.Error(t, err)
}
