// Package artifact packs a repository's entire ledger — registration,
// versions, symbols, edges, file table — into a single CARv2 blob and back.
// Rows travel as dag-cbor chunk nodes addressed by BLAKE3 CIDs under one
// manifest root, so the artifact is verifiable and order-stable: exporting
// the same ledger twice yields the same root CID.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/ipld/go-ipld-prime"
	_ "github.com/ipld/go-ipld-prime/codec/dagcbor" // регистрация кодека для LinkSystem
	_ "github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/datamodel"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/ipld/go-ipld-prime/storage/memstore"
	"github.com/ipld/go-ipld-prime/traversal/selector"
	selb "github.com/ipld/go-ipld-prime/traversal/selector/builder"
	"github.com/multiformats/go-multihash"

	"sdl/ledger"
)

// chunkRows bounds one chunk node's row count.
const chunkRows = 256

// FormatVersion guards artifact compatibility.
const FormatVersion = 1

// DefaultLP: CIDv1 + dag-cbor + BLAKE3.
var DefaultLP = cidlink.LinkPrototype{
	Prefix: cid.Prefix{
		Version:  1,
		Codec:    uint64(cid.DagCBOR),
		MhType:   uint64(multihash.BLAKE3),
		MhLength: -1,
	},
}

var tables = []string{"versions", "files", "symbols", "edges"}

// Export writes the repo's ledger as a CARv2 stream.
func Export(ctx context.Context, store *ledger.Store, repoID string, w io.Writer) error {
	repo, err := store.GetRepo(ctx, repoID)
	if err != nil {
		return err
	}
	head, err := store.Head(ctx, repoID)
	if err != nil {
		return err
	}

	rows := map[string][][]byte{}
	if rows["versions"], err = marshalAll(store.DumpVersions(ctx, repoID)); err != nil {
		return err
	}
	if rows["symbols"], err = marshalAll(store.DumpSymbols(ctx, repoID)); err != nil {
		return err
	}
	if rows["edges"], err = marshalAll(store.DumpEdges(ctx, repoID)); err != nil {
		return err
	}
	files, err := store.LiveFiles(ctx, repoID)
	if err != nil {
		return err
	}
	if rows["files"], err = marshalAll(files, nil); err != nil {
		return err
	}

	ms := &memstore.Store{}
	lsys := cidlink.DefaultLinkSystem()
	lsys.SetReadStorage(ms)
	lsys.SetWriteStorage(ms)

	links := map[string][]datamodel.Link{}
	for _, table := range tables {
		tableRows := rows[table]
		for start := 0; start < len(tableRows); start += chunkRows {
			end := start + chunkRows
			if end > len(tableRows) {
				end = len(tableRows)
			}
			lnk, err := storeChunk(ctx, &lsys, table, tableRows[start:end])
			if err != nil {
				return err
			}
			links[table] = append(links[table], lnk)
		}
	}

	repoJSON, err := json.Marshal(repo)
	if err != nil {
		return err
	}
	root, err := storeManifest(ctx, &lsys, repoID, head, repoJSON, links)
	if err != nil {
		return err
	}

	writer, err := carv2.NewSelectiveWriter(ctx, &lsys, root.(cidlink.Link).Cid, exploreAllNode())
	if err != nil {
		return fmt.Errorf("artifact: car writer: %w", err)
	}
	_, err = writer.WriteTo(w)
	return err
}

// Import reads a CAR stream produced by Export and replaces the repo's
// ledger content in one transaction. Returns the imported repo id.
func Import(ctx context.Context, store *ledger.Store, r io.Reader) (string, error) {
	br, err := carv2.NewBlockReader(r)
	if err != nil {
		return "", fmt.Errorf("artifact: car reader: %w", err)
	}
	if len(br.Roots) != 1 {
		return "", fmt.Errorf("artifact: expected 1 root, got %d", len(br.Roots))
	}
	root := br.Roots[0]

	ms := &memstore.Store{}
	lsys := cidlink.DefaultLinkSystem()
	lsys.SetReadStorage(ms)
	lsys.SetWriteStorage(ms)
	for {
		blk, err := br.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if err := ms.Put(ctx, cidlink.Link{Cid: blk.Cid()}.Binary(), blk.RawData()); err != nil {
			return "", err
		}
	}

	node, err := lsys.Load(ipld.LinkContext{Ctx: ctx}, cidlink.Link{Cid: root}, basicnode.Prototype.Any)
	if err != nil {
		return "", fmt.Errorf("artifact: load manifest: %w", err)
	}

	manifest, err := parseManifest(node)
	if err != nil {
		return "", err
	}

	var repo ledger.Repo
	if err := json.Unmarshal(manifest.repoJSON, &repo); err != nil {
		return "", fmt.Errorf("artifact: bad repo record: %w", err)
	}
	if err := store.RegisterRepo(ctx, repo); err != nil {
		return "", err
	}

	loadRows := func(table string) ([][]byte, error) {
		var out [][]byte
		for _, lnk := range manifest.links[table] {
			chunk, err := lsys.Load(ipld.LinkContext{Ctx: ctx}, lnk, basicnode.Prototype.Any)
			if err != nil {
				return nil, fmt.Errorf("artifact: load %s chunk: %w", table, err)
			}
			rows, err := chunkRowsOf(chunk)
			if err != nil {
				return nil, err
			}
			out = append(out, rows...)
		}
		return out, nil
	}

	err = store.WithWriteTx(ctx, func(tx *ledger.WriteTx) error {
		if err := tx.ClearRepo(repo.RepoID); err != nil {
			return err
		}

		rows, err := loadRows("versions")
		if err != nil {
			return err
		}
		for _, raw := range rows {
			var v ledger.Version
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			if err := tx.InsertRawVersion(&v); err != nil {
				return err
			}
		}

		if rows, err = loadRows("files"); err != nil {
			return err
		}
		for _, raw := range rows {
			var f ledger.FileRecord
			if err := json.Unmarshal(raw, &f); err != nil {
				return err
			}
			if err := tx.UpsertFile(f.RepoID, f.Path, f.ContentHash, f.Language, f.LastIndexed); err != nil {
				return err
			}
		}

		if rows, err = loadRows("symbols"); err != nil {
			return err
		}
		for _, raw := range rows {
			var s ledger.Symbol
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			if err := tx.InsertRawSymbol(&s); err != nil {
				return err
			}
		}

		if rows, err = loadRows("edges"); err != nil {
			return err
		}
		for _, raw := range rows {
			var e ledger.Edge
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			if err := tx.InsertRawEdge(&e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return repo.RepoID, nil
}

// --- node building ---

func storeChunk(ctx context.Context, lsys *ipld.LinkSystem, table string, rows [][]byte) (datamodel.Link, error) {
	builder := basicnode.Prototype.Map.NewBuilder()
	ma, err := builder.BeginMap(2)
	if err != nil {
		return nil, err
	}
	entry, err := ma.AssembleEntry("table")
	if err != nil {
		return nil, err
	}
	if err := entry.AssignString(table); err != nil {
		return nil, err
	}
	entry, err = ma.AssembleEntry("rows")
	if err != nil {
		return nil, err
	}
	la, err := entry.BeginList(int64(len(rows)))
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := la.AssembleValue().AssignBytes(row); err != nil {
			return nil, err
		}
	}
	if err := la.Finish(); err != nil {
		return nil, err
	}
	if err := ma.Finish(); err != nil {
		return nil, err
	}
	return lsys.Store(ipld.LinkContext{Ctx: ctx}, DefaultLP, builder.Build())
}

func storeManifest(ctx context.Context, lsys *ipld.LinkSystem, repoID string, head int64, repoJSON []byte, links map[string][]datamodel.Link) (datamodel.Link, error) {
	builder := basicnode.Prototype.Map.NewBuilder()
	ma, err := builder.BeginMap(5)
	if err != nil {
		return nil, err
	}

	assignString := func(key, val string) error {
		entry, err := ma.AssembleEntry(key)
		if err != nil {
			return err
		}
		return entry.AssignString(val)
	}
	if err := assignString("repoId", repoID); err != nil {
		return nil, err
	}
	entry, err := ma.AssembleEntry("format")
	if err != nil {
		return nil, err
	}
	if err := entry.AssignInt(FormatVersion); err != nil {
		return nil, err
	}
	entry, err = ma.AssembleEntry("headVersion")
	if err != nil {
		return nil, err
	}
	if err := entry.AssignInt(head); err != nil {
		return nil, err
	}
	entry, err = ma.AssembleEntry("repo")
	if err != nil {
		return nil, err
	}
	if err := entry.AssignBytes(repoJSON); err != nil {
		return nil, err
	}

	entry, err = ma.AssembleEntry("tables")
	if err != nil {
		return nil, err
	}
	tma, err := entry.BeginMap(int64(len(tables)))
	if err != nil {
		return nil, err
	}
	for _, table := range tables {
		te, err := tma.AssembleEntry(table)
		if err != nil {
			return nil, err
		}
		la, err := te.BeginList(int64(len(links[table])))
		if err != nil {
			return nil, err
		}
		for _, lnk := range links[table] {
			if err := la.AssembleValue().AssignLink(lnk); err != nil {
				return nil, err
			}
		}
		if err := la.Finish(); err != nil {
			return nil, err
		}
	}
	if err := tma.Finish(); err != nil {
		return nil, err
	}
	if err := ma.Finish(); err != nil {
		return nil, err
	}
	return lsys.Store(ipld.LinkContext{Ctx: ctx}, DefaultLP, builder.Build())
}

// --- node parsing ---

type manifest struct {
	repoID   string
	head     int64
	repoJSON []byte
	links    map[string][]datamodel.Link
}

func parseManifest(node datamodel.Node) (*manifest, error) {
	m := &manifest{links: map[string][]datamodel.Link{}}

	formatNode, err := node.LookupByString("format")
	if err != nil {
		return nil, fmt.Errorf("artifact: manifest missing format: %w", err)
	}
	format, err := formatNode.AsInt()
	if err != nil {
		return nil, err
	}
	if format != FormatVersion {
		return nil, fmt.Errorf("artifact: unsupported format %d", format)
	}

	idNode, err := node.LookupByString("repoId")
	if err != nil {
		return nil, fmt.Errorf("artifact: manifest missing repoId: %w", err)
	}
	if m.repoID, err = idNode.AsString(); err != nil {
		return nil, err
	}

	headNode, err := node.LookupByString("headVersion")
	if err != nil {
		return nil, err
	}
	if m.head, err = headNode.AsInt(); err != nil {
		return nil, err
	}

	repoNode, err := node.LookupByString("repo")
	if err != nil {
		return nil, err
	}
	if m.repoJSON, err = repoNode.AsBytes(); err != nil {
		return nil, err
	}

	tablesNode, err := node.LookupByString("tables")
	if err != nil {
		return nil, err
	}
	for _, table := range tables {
		listNode, err := tablesNode.LookupByString(table)
		if err != nil {
			continue // empty table
		}
		it := listNode.ListIterator()
		if it == nil {
			return nil, fmt.Errorf("artifact: %s is not a list", table)
		}
		for !it.Done() {
			_, v, err := it.Next()
			if err != nil {
				return nil, err
			}
			lnk, err := v.AsLink()
			if err != nil {
				return nil, err
			}
			m.links[table] = append(m.links[table], lnk)
		}
	}
	return m, nil
}

func chunkRowsOf(node datamodel.Node) ([][]byte, error) {
	rowsNode, err := node.LookupByString("rows")
	if err != nil {
		return nil, fmt.Errorf("artifact: chunk missing rows: %w", err)
	}
	it := rowsNode.ListIterator()
	if it == nil {
		return nil, fmt.Errorf("artifact: chunk rows is not a list")
	}
	var out [][]byte
	for !it.Done() {
		_, v, err := it.Next()
		if err != nil {
			return nil, err
		}
		raw, err := v.AsBytes()
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// exploreAllNode — узел-селектор «обойти весь подграф» (как в blockstore).
func exploreAllNode() datamodel.Node {
	sb := selb.NewSelectorSpecBuilder(basicnode.Prototype.Any)
	return sb.
		ExploreRecursive(selector.RecursionLimitNone(),
			sb.ExploreAll(sb.ExploreRecursiveEdge()),
		).Node()
}

// marshalAll JSON-кодирует срез записей таблицы.
func marshalAll[T any](items []T, err error) ([][]byte, error) {
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(items))
	for _, item := range items {
		raw, merr := json.Marshal(item)
		if merr != nil {
			return nil, merr
		}
		out = append(out, raw)
	}
	return out, nil
}
