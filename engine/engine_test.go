package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/row"
	"github.com/leftmike/coredb/storage/access"
	"github.com/leftmike/coredb/storage/vfs"
	"github.com/leftmike/coredb/testutil"
	"github.com/leftmike/coredb/tx"
)

func TestMain(m *testing.M) {
	testutil.SetupLogger(filepath.Join("testdata", "engine_test.log"))
	os.Exit(m.Run())
}

func testOptions() Options {
	return Options{
		PageSize:         4096,
		Frames:           32,
		LockTimeout:      200 * time.Millisecond,
		DeadlockInterval: 10 * time.Millisecond,
	}
}

// kill stops e as if the process had died: buffered log records and dirty pages are lost.
func kill(e *Engine) {
	close(e.done)
	e.wg.Wait()
	e.locks.Close()
	e.env.Log.Abandon()
	e.env.Pool.Close()
	e.env.Containers.CloseAll()
	e.cat.Close()
}

func begin(t *testing.T, e *Engine) *tx.Txn {
	t.Helper()

	txn, err := e.Begin(access.RepeatableRead)
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	return txn
}

func testRow(n int64) row.Row {
	return row.Row{row.Int64Value(n), row.StringValue("row")}
}

func insertRows(t *testing.T, e *Engine, txn *tx.Txn, first, last int64) []access.RowLocation {
	t.Helper()

	h, err := e.Heap("rows")
	if err != nil {
		t.Fatalf("Heap(rows) failed with %s", err)
	}
	bt, err := e.Index("keys")
	if err != nil {
		t.Fatalf("Index(keys) failed with %s", err)
	}

	var locs []access.RowLocation
	for n := first; n <= last; n++ {
		loc, err := h.Insert(context.Background(), txn, testRow(n))
		if err != nil {
			t.Fatalf("Insert(%d) failed with %s", n, err)
		}
		locs = append(locs, loc)
		_, err = bt.Insert(context.Background(), txn, testRow(n))
		if err != nil {
			t.Fatalf("btree Insert(%d) failed with %s", n, err)
		}
	}
	return locs
}

func countKeys(t *testing.T, e *Engine) int {
	t.Helper()

	bt, err := e.Index("keys")
	if err != nil {
		t.Fatalf("Index(keys) failed with %s", err)
	}
	txn := begin(t, e)
	defer txn.Commit()

	scan, err := bt.OpenScan(context.Background(), txn, access.ScanRange{})
	if err != nil {
		t.Fatalf("OpenScan() failed with %s", err)
	}
	defer scan.Close()

	var cnt int
	for {
		_, _, err := scan.Next(context.Background())
		if err != nil {
			break
		}
		cnt += 1
	}
	return cnt
}

func createDB(t *testing.T, dir string, opts Options) *Engine {
	t.Helper()

	e, err := Create(context.Background(), dir, opts)
	if err != nil {
		t.Fatalf("Create(%s) failed with %s", dir, err)
	}
	_, err = e.CreateHeap("rows")
	if err != nil {
		t.Fatalf("CreateHeap(rows) failed with %s", err)
	}
	_, err = e.CreateIndex("keys", 1, true, "")
	if err != nil {
		t.Fatalf("CreateIndex(keys) failed with %s", err)
	}
	return e
}

func TestCreateOpen(t *testing.T) {
	dir := t.TempDir()
	e := createDB(t, dir, testOptions())

	_, err := Create(context.Background(), dir, testOptions())
	if err == nil {
		t.Errorf("Create(%s) did not fail", dir)
	}

	txn := begin(t, e)
	locs := insertRows(t, e, txn, 1, 50)
	err = txn.Commit()
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}
	uuid := e.Control().UUID

	err = e.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}
	ctl, err := ReadControl(vfs.OSFS{}, dir)
	if err != nil {
		t.Fatalf("ReadControl() failed with %s", err)
	}
	if !ctl.Clean || ctl.UUID != uuid || ctl.PageSize != 4096 || ctl.Checkpoint == 0 {
		t.Errorf("ReadControl() got %+v", ctl)
	}

	opts := testOptions()
	opts.PageSize = 8192
	e, err = Open(context.Background(), dir, opts)
	if err != nil {
		t.Fatalf("Open(%s) failed with %s", dir, err)
	}
	defer e.Close()

	if e.Control().PageSize != 4096 {
		t.Errorf("Control().PageSize got %d want 4096", e.Control().PageSize)
	}
	if res := e.Recovery(); res.Losers != 0 || res.Redone != 0 {
		t.Errorf("Recovery() got %+v after a clean shutdown", res)
	}

	h, err := e.Heap("rows")
	if err != nil {
		t.Fatalf("Heap(rows) failed with %s", err)
	}
	txn = begin(t, e)
	for i, loc := range locs {
		r, err := h.Fetch(context.Background(), txn, loc)
		if err != nil {
			t.Fatalf("Fetch(%s) failed with %s", loc, err)
		}
		if row.CompareRows(r, testRow(int64(i+1))) != 0 {
			t.Errorf("Fetch(%s) got %s want %s", loc, r, testRow(int64(i+1)))
		}
	}
	txn.Commit()
	if cnt := countKeys(t, e); cnt != 50 {
		t.Errorf("countKeys() got %d want 50", cnt)
	}

	_, err = e.Index("rows")
	if err == nil {
		t.Errorf("Index(rows) did not fail")
	}
	_, err = e.Heap("missing")
	if !errors.Is(err, dberr.ErrNoConglomerate) {
		t.Errorf("Heap(missing) got %v want %s", err, dberr.ErrNoConglomerate)
	}
}

func TestKill(t *testing.T) {
	dir := t.TempDir()
	e := createDB(t, dir, testOptions())

	txn := begin(t, e)
	locs := insertRows(t, e, txn, 1, 20)
	err := txn.Commit()
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	loser := begin(t, e)
	lost := insertRows(t, e, loser, 21, 40)
	err = e.env.Pool.FlushAll()
	if err != nil {
		t.Fatalf("FlushAll() failed with %s", err)
	}
	kill(e)

	e, err = Open(context.Background(), dir, testOptions())
	if err != nil {
		t.Fatalf("Open(%s) failed with %s", dir, err)
	}
	defer e.Close()

	if res := e.Recovery(); res.Losers != 1 || res.Undone == 0 {
		t.Errorf("Recovery() got %+v want one loser", res)
	}
	if e.Control().Clean {
		t.Errorf("Control().Clean got true after kill")
	}

	h, err := e.Heap("rows")
	if err != nil {
		t.Fatalf("Heap(rows) failed with %s", err)
	}
	txn = begin(t, e)
	defer txn.Commit()
	for _, loc := range locs {
		_, err := h.Fetch(context.Background(), txn, loc)
		if err != nil {
			t.Errorf("Fetch(%s) failed with %s", loc, err)
		}
	}
	for _, loc := range lost {
		_, err := h.Fetch(context.Background(), txn, loc)
		if !errors.Is(err, dberr.ErrRowNotFound) {
			t.Errorf("Fetch(%s) got %v want %s", loc, err, dberr.ErrRowNotFound)
		}
	}
	if cnt := countKeys(t, e); cnt != 20 {
		t.Errorf("countKeys() got %d want 20", cnt)
	}
}

func TestDrop(t *testing.T) {
	dir := t.TempDir()
	e := createDB(t, dir, testOptions())
	defer e.Close()

	txn := begin(t, e)
	locs := insertRows(t, e, txn, 1, 10)
	h, err := e.Heap("rows")
	if err != nil {
		t.Fatalf("Heap(rows) failed with %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	err = e.Drop(ctx, "rows")
	cancel()
	if err == nil {
		t.Fatalf("Drop(rows) did not fail while in use")
	}

	err = txn.Commit()
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}
	err = e.Drop(context.Background(), "rows")
	if err != nil {
		t.Fatalf("Drop(rows) failed with %s", err)
	}
	_, err = e.Heap("rows")
	if !errors.Is(err, dberr.ErrNoConglomerate) {
		t.Errorf("Heap(rows) got %v want %s", err, dberr.ErrNoConglomerate)
	}
	txn = begin(t, e)
	_, err = h.Fetch(context.Background(), txn, locs[0])
	if !errors.Is(err, dberr.ErrClosed) {
		t.Errorf("Fetch(dropped) got %v want %s", err, dberr.ErrClosed)
	}
	err = txn.Commit()
	if err != nil {
		t.Errorf("Commit() failed with %s", err)
	}
	ents, err := e.List()
	if err != nil {
		t.Fatalf("List() failed with %s", err)
	}
	if len(ents) != 1 || ents[0].Name != "keys" {
		t.Errorf("List() got %v want [keys]", ents)
	}

	_, err = e.CreateHeap("rows")
	if err != nil {
		t.Errorf("CreateHeap(rows) failed with %s", err)
	}
}

func TestClosed(t *testing.T) {
	e := createDB(t, t.TempDir(), testOptions())
	h, err := e.Heap("rows")
	if err != nil {
		t.Fatalf("Heap(rows) failed with %s", err)
	}
	txn := begin(t, e)
	err = txn.Commit()
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}
	err = e.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}

	_, err = h.Insert(context.Background(), txn, testRow(1))
	if !errors.Is(err, dberr.ErrClosed) {
		t.Errorf("Insert() got %v want %s", err, dberr.ErrClosed)
	}

	_, err = e.Begin(access.ReadCommitted)
	if !errors.Is(err, dberr.ErrClosed) {
		t.Errorf("Begin() got %v want %s", err, dberr.ErrClosed)
	}
	_, err = e.Checkpoint()
	if !errors.Is(err, dberr.ErrClosed) {
		t.Errorf("Checkpoint() got %v want %s", err, dberr.ErrClosed)
	}
	err = e.Close()
	if !errors.Is(err, dberr.ErrClosed) {
		t.Errorf("Close() got %v want %s", err, dberr.ErrClosed)
	}
}

func TestCheckpointWorker(t *testing.T) {
	opts := testOptions()
	opts.CheckpointInterval = 10 * time.Millisecond
	e := createDB(t, t.TempDir(), opts)
	defer e.Close()

	first := e.Stats().Checkpoint
	txn := begin(t, e)
	insertRows(t, e, txn, 1, 10)
	err := txn.Commit()
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for e.Stats().Checkpoint == first {
		if time.Now().After(deadline) {
			t.Fatalf("no checkpoint after commit")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if e.Control().Checkpoint != uint64(e.Stats().Checkpoint) {
		t.Errorf("Control().Checkpoint got %d want %d", e.Control().Checkpoint,
			e.Stats().Checkpoint)
	}
}

func TestIndexBase(t *testing.T) {
	e := createDB(t, t.TempDir(), testOptions())
	defer e.Close()

	h, err := e.Heap("rows")
	if err != nil {
		t.Fatalf("Heap(rows) failed with %s", err)
	}
	bt, err := e.CreateIndex("rows_by_name", 1, false, "rows")
	if err != nil {
		t.Fatalf("CreateIndex(rows_by_name) failed with %s", err)
	}
	if bt.Base() != h.ID() {
		t.Errorf("Base() got %d want %d", bt.Base(), h.ID())
	}
	if keys, err := e.Index("keys"); err != nil {
		t.Errorf("Index(keys) failed with %s", err)
	} else if keys.Base() != 0 {
		t.Errorf("Base() got %d want 0", keys.Base())
	}

	_, err = e.CreateIndex("bad", 1, false, "keys")
	if err == nil {
		t.Errorf("CreateIndex(base keys) did not fail")
	}
	_, err = e.CreateIndex("bad", 1, false, "missing")
	if !errors.Is(err, dberr.ErrNoConglomerate) {
		t.Errorf("CreateIndex(base missing) got %v want %s", err, dberr.ErrNoConglomerate)
	}

	ctx := context.Background()
	txn := begin(t, e)
	loc, err := h.Insert(ctx, txn, row.Row{row.Int64Value(1), row.StringValue("alice")})
	if err != nil {
		t.Fatalf("Insert() failed with %s", err)
	}
	err = bt.InsertLocation(ctx, txn, row.Row{row.StringValue("alice")}, loc)
	if err != nil {
		t.Fatalf("InsertLocation() failed with %s", err)
	}
	got, err := bt.Lookup(ctx, txn, row.Row{row.StringValue("alice")})
	if err != nil {
		t.Fatalf("Lookup(alice) failed with %s", err)
	} else if got != loc {
		t.Errorf("Lookup(alice) got %s want %s", got, loc)
	}
	_, err = bt.Lookup(ctx, txn, row.Row{row.StringValue("bob")})
	if !errors.Is(err, dberr.ErrRowNotFound) {
		t.Errorf("Lookup(bob) got %v want %s", err, dberr.ErrRowNotFound)
	}
	txn.Abort()
}

func TestPostCommitAfterClose(t *testing.T) {
	e := createDB(t, t.TempDir(), testOptions())

	queued := make(chan struct{})
	e.postCommit(func() {
		close(queued)
	})
	err := e.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}
	select {
	case <-queued:
	default:
		t.Error("postCommit() before Close() did not run")
	}

	var ran bool
	e.postCommit(func() {
		ran = true
	})
	if !ran {
		t.Error("postCommit() after Close() did not run")
	}
}
