package delta

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdl/lang"
	"sdl/ledger"
)

func setupStore(t *testing.T) (*ledger.Store, func()) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, store.RegisterRepo(context.Background(),
		ledger.Repo{RepoID: "r1", RootPath: "/tmp/r1"}))
	return store, func() { store.Close() }
}

func newSymbol(name string, fp string) *ledger.Symbol {
	return &ledger.Symbol{
		RepoID:      "r1",
		SymbolID:    ledger.SymbolID("r1", "f.ts", name, lang.KindFunction, 0),
		File:        "f.ts",
		Name:        name,
		Kind:        lang.KindFunction,
		Visibility:  lang.VisibilityPublic,
		Range:       lang.Range{StartLine: 1, StartCol: 0, EndLine: 2, EndCol: 1},
		Fingerprint: fp,
	}
}

func TestNotModifiedBetweenIdenticalVersions(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	sym := newSymbol("stable", "fp")
	require.NoError(t, store.WithWriteTx(ctx, func(tx *ledger.WriteTx) error {
		v, err := tx.CreateVersion("r1", 0, ledger.VersionInitial, nil)
		require.NoError(t, err)
		return tx.UpsertSymbol(v, sym)
	}))
	require.NoError(t, store.WithWriteTx(ctx, func(tx *ledger.WriteTx) error {
		v, err := tx.CreateVersion("r1", 1, ledger.VersionIncremental, nil)
		require.NoError(t, err)
		return tx.UpsertSymbol(v, sym) // re-observe, без мутаций
	}))

	pack, err := New(store).Get(ctx, "r1", 1, 2)
	require.NoError(t, err)
	assert.True(t, pack.NotModified)
	assert.Empty(t, pack.BlastRadius)
}

// Модифицированный символ не двоится в added.
func TestModifiedSymbolNotCountedAsAdded(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	sym := newSymbol("mutating", "fp1")
	require.NoError(t, store.WithWriteTx(ctx, func(tx *ledger.WriteTx) error {
		v, err := tx.CreateVersion("r1", 0, ledger.VersionInitial, nil)
		require.NoError(t, err)
		return tx.UpsertSymbol(v, sym)
	}))

	changed := *sym
	changed.Fingerprint = "fp2"
	fresh := newSymbol("brandNew", "fp")
	require.NoError(t, store.WithWriteTx(ctx, func(tx *ledger.WriteTx) error {
		v, err := tx.CreateVersion("r1", 1, ledger.VersionIncremental, nil)
		require.NoError(t, err)
		require.NoError(t, tx.UpsertSymbol(v, &changed))
		return tx.UpsertSymbol(v, fresh)
	}))

	pack, err := New(store).Get(ctx, "r1", 1, 2)
	require.NoError(t, err)

	require.Len(t, pack.SymbolsModified, 1)
	assert.Equal(t, "mutating", pack.SymbolsModified[0].Name)
	require.Len(t, pack.SymbolsAdded, 1)
	assert.Equal(t, "brandNew", pack.SymbolsAdded[0].Name)
}

func TestUnknownVersionRejected(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	_, err := New(store).Get(context.Background(), "r1", 0, 7)
	assert.ErrorIs(t, err, ledger.ErrUnknownVersion)

	_, err = New(store).Get(context.Background(), "r1", 5, 2)
	assert.Error(t, err)
}
