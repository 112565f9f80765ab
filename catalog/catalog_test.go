package catalog_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/leftmike/coredb/catalog"
	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/recovery"
	"github.com/leftmike/coredb/row"
	"github.com/leftmike/coredb/storage/access"
	"github.com/leftmike/coredb/storage/btree"
	"github.com/leftmike/coredb/storage/vfs"
	"github.com/leftmike/coredb/testutil"
)

func openCatalog(t *testing.T, fs *vfs.MemFS, dir string) (*testutil.Env, *catalog.Catalog) {
	t.Helper()

	te, err := testutil.NewEnv(fs, testutil.EnvOptions{})
	if err != nil {
		t.Fatalf("NewEnv() failed with %s", err)
	}
	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"), te.Env)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	return te, cat
}

func createTree(t *testing.T, cat *catalog.Catalog, te *testutil.Env,
	name string) catalog.Entry {

	t.Helper()

	ent, err := cat.Create(name, access.BTreeKind, btree.Meta{KeyColumns: 1, Unique: true}.Encode(),
		func(id uint32) error {
			_, err := btree.Create(te.Env, id)
			return err
		})
	if err != nil {
		t.Fatalf("Create(%s) failed with %s", name, err)
	}
	return ent
}

func TestCreateDrop(t *testing.T) {
	te, cat := openCatalog(t, vfs.NewMemFS(), t.TempDir())
	defer te.Close()
	defer cat.Close()

	h, err := cat.Create("rows", access.HeapKind, nil, nil)
	if err != nil {
		t.Fatalf("Create(rows) failed with %s", err)
	}
	if h.ID != catalog.FirstID {
		t.Errorf("Create(rows).ID got %d want %d", h.ID, catalog.FirstID)
	}
	idx := createTree(t, cat, te, "keys")
	if idx.ID != catalog.FirstID+1 {
		t.Errorf("Create(keys).ID got %d want %d", idx.ID, catalog.FirstID+1)
	}

	_, err = cat.Create("rows", access.HeapKind, nil, nil)
	if !errors.Is(err, dberr.ErrConglomerateExists) {
		t.Errorf("Create(rows) got %v want %s", err, dberr.ErrConglomerateExists)
	}

	ent, err := cat.Lookup("keys")
	if err != nil {
		t.Fatalf("Lookup(keys) failed with %s", err)
	}
	if ent.ID != idx.ID || ent.Kind != access.BTreeKind {
		t.Errorf("Lookup(keys) got %s want %s", ent, idx)
	}
	meta, err := btree.DecodeMeta(ent.Meta)
	if err != nil {
		t.Errorf("DecodeMeta() failed with %s", err)
	} else if meta.KeyColumns != 1 || !meta.Unique {
		t.Errorf("DecodeMeta() got %+v", meta)
	}
	ent, err = cat.ByID(h.ID)
	if err != nil {
		t.Errorf("ByID(%d) failed with %s", h.ID, err)
	} else if ent.Name != "rows" {
		t.Errorf("ByID(%d) got %s want rows", h.ID, ent.Name)
	}

	ents, err := cat.List()
	if err != nil {
		t.Fatalf("List() failed with %s", err)
	}
	if len(ents) != 2 || ents[0].Name != "keys" || ents[1].Name != "rows" {
		t.Errorf("List() got %v", ents)
	}

	_, err = cat.Drop("rows")
	if err != nil {
		t.Fatalf("Drop(rows) failed with %s", err)
	}
	_, err = cat.Lookup("rows")
	if !errors.Is(err, dberr.ErrNoConglomerate) {
		t.Errorf("Lookup(rows) got %v want %s", err, dberr.ErrNoConglomerate)
	}
	_, err = cat.Drop("rows")
	if !errors.Is(err, dberr.ErrNoConglomerate) {
		t.Errorf("Drop(rows) got %v want %s", err, dberr.ErrNoConglomerate)
	}
	exists, err := te.Env.Containers.Exists(h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Errorf("Exists(%d) got true after drop", h.ID)
	}

	h2, err := cat.Create("rows", access.HeapKind, nil, nil)
	if err != nil {
		t.Fatalf("Create(rows) failed with %s", err)
	}
	if h2.ID == h.ID || h2.ID == idx.ID {
		t.Errorf("Create(rows).ID got %d; reused", h2.ID)
	}
}

func TestRedo(t *testing.T) {
	fs := vfs.NewMemFS()
	dir := t.TempDir()

	te, cat := openCatalog(t, fs, dir)
	ent := createTree(t, cat, te, "keys")
	bt, err := btree.Open(te.Env, ent.ID)
	if err != nil {
		t.Fatalf("btree.Open() failed with %s", err)
	}
	txn, err := te.Txns.Begin(access.RepeatableRead)
	if err != nil {
		t.Fatal(err)
	}
	for n := int64(1); n <= 20; n++ {
		_, err = bt.Insert(context.Background(), txn, row.Row{row.Int64Value(n)})
		if err != nil {
			t.Fatalf("Insert(%d) failed with %s", n, err)
		}
	}
	err = txn.Commit()
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}
	dropped := createTree(t, cat, te, "gone")
	_, err = cat.Drop("gone")
	if err != nil {
		t.Fatalf("Drop(gone) failed with %s", err)
	}
	cat.Close()
	te.Crash()

	te, cat = openCatalog(t, fs, dir)
	defer te.Close()
	defer cat.Close()

	_, err = recovery.Recover(context.Background(), te.Env, te.Txns,
		recovery.Options{Container: cat.Redo})
	if err != nil {
		t.Fatalf("Recover() failed with %s", err)
	}
	err = cat.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile() failed with %s", err)
	}

	exists, err := te.Env.Containers.Exists(dropped.ID)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Errorf("Exists(%d) got true after redo of drop", dropped.ID)
	}

	bt, err = btree.Open(te.Env, ent.ID)
	if err != nil {
		t.Fatalf("btree.Open() failed with %s", err)
	}
	txn, err = te.Txns.Begin(access.RepeatableRead)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Abort()
	scan, err := bt.OpenScan(context.Background(), txn, access.ScanRange{})
	if err != nil {
		t.Fatalf("OpenScan() failed with %s", err)
	}
	defer scan.Close()
	var cnt int
	for {
		_, _, err = scan.Next(context.Background())
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("Next() failed with %s", err)
		}
		cnt += 1
	}
	if cnt != 20 {
		t.Errorf("scan got %d keys want 20", cnt)
	}
}

func TestReconcile(t *testing.T) {
	te, cat := openCatalog(t, vfs.NewMemFS(), t.TempDir())
	defer te.Close()
	defer cat.Close()

	kept, err := cat.Create("kept", access.HeapKind, nil, nil)
	if err != nil {
		t.Fatalf("Create(kept) failed with %s", err)
	}
	lost, err := cat.Create("lost", access.HeapKind, nil, nil)
	if err != nil {
		t.Fatalf("Create(lost) failed with %s", err)
	}
	err = te.Env.Containers.Drop(lost.ID)
	if err != nil {
		t.Fatal(err)
	}
	const orphan = catalog.FirstID + 100
	err = te.CreateContainer(orphan, access.HeapKind, nil)
	if err != nil {
		t.Fatal(err)
	}
	const system = catalog.FirstID - 1
	err = te.CreateContainer(system, access.HeapKind, nil)
	if err != nil {
		t.Fatal(err)
	}

	err = cat.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile() failed with %s", err)
	}

	_, err = cat.Lookup("lost")
	if !errors.Is(err, dberr.ErrNoConglomerate) {
		t.Errorf("Lookup(lost) got %v want %s", err, dberr.ErrNoConglomerate)
	}
	_, err = cat.Lookup("kept")
	if err != nil {
		t.Errorf("Lookup(kept) failed with %s", err)
	}

	cases := []struct {
		id   uint32
		want bool
	}{
		{kept.ID, true},
		{lost.ID, false},
		{orphan, false},
		{system, true},
	}
	for _, c := range cases {
		exists, err := te.Env.Containers.Exists(c.id)
		if err != nil {
			t.Fatal(err)
		}
		if exists != c.want {
			t.Errorf("Exists(%d) got %v want %v", c.id, exists, c.want)
		}
	}
}
