package wal_test

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andreyvit/diff"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/storage/vfs"
	"github.com/leftmike/coredb/wal"
)

func openLog(t *testing.T, fs vfs.FS, opts wal.Options) *wal.Log {
	t.Helper()

	l, err := wal.Open(fs, "log", opts)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	return l
}

func appendUpdate(t *testing.T, l *wal.Log, tid uint64, prev wal.LSN, after string) wal.LSN {
	t.Helper()

	lsn, err := l.Append(&wal.Record{
		Type:    wal.Update,
		TxID:    tid,
		PrevLSN: prev,
		Kind:    1,
		Op:      2,
		Page:    page.ID{Container: 5, Number: 3},
		Slot:    7,
		After:   []byte(after),
	})
	if err != nil {
		t.Fatalf("Append() failed with %s", err)
	}
	return lsn
}

func TestAppendRead(t *testing.T) {
	fs := vfs.NewMemFS()
	l := openLog(t, fs, wal.Options{})

	if l.NextLSN() != 1 {
		t.Errorf("NextLSN() got %d want 1", l.NextLSN())
	}
	var prev wal.LSN
	for i := 1; i <= 10; i++ {
		lsn := appendUpdate(t, l, 1, prev, fmt.Sprintf("row-%d", i))
		if lsn != wal.LSN(i) {
			t.Errorf("Append() got LSN %d want %d", lsn, i)
		}
		prev = lsn
	}
	if l.FlushedLSN() != 0 {
		t.Errorf("FlushedLSN() got %d want 0", l.FlushedLSN())
	}

	rec, err := l.Read(4)
	if err != nil {
		t.Fatalf("Read(4) failed with %s", err)
	}
	if rec.LSN != 4 || rec.PrevLSN != 3 || string(rec.After) != "row-4" {
		t.Errorf("Read(4) got %s", rec)
	}

	err = l.Flush(6)
	if err != nil {
		t.Fatalf("Flush(6) failed with %s", err)
	}
	if l.FlushedLSN() < 6 {
		t.Errorf("FlushedLSN() got %d want at least 6", l.FlushedLSN())
	}
	appendUpdate(t, l, 2, 0, "row-11")

	for lsn := wal.LSN(1); lsn <= 11; lsn++ {
		rec, err := l.Read(lsn)
		if err != nil {
			t.Fatalf("Read(%d) failed with %s", lsn, err)
		}
		if rec.LSN != lsn || string(rec.After) != fmt.Sprintf("row-%d", lsn) ||
			rec.Page != (page.ID{Container: 5, Number: 3}) || rec.Slot != 7 {

			t.Errorf("Read(%d) got %s", lsn, rec)
		}
	}
	if _, err := l.Read(12); err == nil {
		t.Errorf("Read(12) did not fail")
	}

	err = l.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}

	l = openLog(t, fs, wal.Options{})
	if l.NextLSN() != 12 || l.FlushedLSN() != 11 {
		t.Errorf("Open() got next %d, flushed %d want 12, 11", l.NextLSN(), l.FlushedLSN())
	}
	r := l.Scan(1)
	var n int
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("Next() failed with %s", err)
		}
		n += 1
		if rec.LSN != wal.LSN(n) {
			t.Errorf("Next() got LSN %d want %d", rec.LSN, n)
		}
	}
	if n != 11 {
		t.Errorf("Scan() got %d records want 11", n)
	}
	l.Close()
}

func TestCrash(t *testing.T) {
	fs := vfs.NewMemFS()
	l := openLog(t, fs, wal.Options{})

	appendUpdate(t, l, 1, 0, "a")
	lsn := appendUpdate(t, l, 1, 1, "b")
	err := l.Flush(lsn)
	if err != nil {
		t.Fatal(err)
	}
	appendUpdate(t, l, 1, 2, "c")

	fs.Crash()
	l.Abandon()

	l = openLog(t, fs, wal.Options{})
	if l.NextLSN() != 3 {
		t.Errorf("NextLSN() after crash got %d want 3", l.NextLSN())
	}
	lsn = appendUpdate(t, l, 2, 0, "d")
	if lsn != 3 {
		t.Errorf("Append() after crash got %d want 3", lsn)
	}
	l.Close()
}

func TestTornTail(t *testing.T) {
	fs := vfs.NewMemFS()
	l := openLog(t, fs, wal.Options{})
	for i := 0; i < 3; i++ {
		appendUpdate(t, l, 1, 0, "abcdefgh")
	}
	l.Close()

	f, err := fs.OpenFile(wal.SegmentName("log", 1), false)
	if err != nil {
		t.Fatal(err)
	}
	sz, _ := f.Size()
	f.Truncate(sz - 3)
	f.Sync()
	f.Close()

	l = openLog(t, fs, wal.Options{})
	if l.NextLSN() != 3 {
		t.Errorf("NextLSN() after torn tail got %d want 3", l.NextLSN())
	}
	rec, err := l.Read(2)
	if err != nil || string(rec.After) != "abcdefgh" {
		t.Errorf("Read(2) got %v, %v", rec, err)
	}
	l.Close()
}

func TestCorruptSegment(t *testing.T) {
	fs := vfs.NewMemFS()
	l := openLog(t, fs, wal.Options{SegmentSize: 100})
	for i := 0; i < 6; i++ {
		lsn := appendUpdate(t, l, 1, 0, "abcdefghijklmnopqrstuvwxyz")
		l.Flush(lsn)
	}
	l.Close()

	f, err := fs.OpenFile(wal.SegmentName("log", 1), false)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteAt([]byte{0xFF, 0xFF}, 30)
	f.Sync()
	f.Close()

	_, err = wal.Open(fs, "log", wal.Options{})
	if !errors.Is(err, dberr.ErrLogCorrupt) || !dberr.IsFatal(err) {
		t.Errorf("Open() of corrupt log got %v want %v", err, dberr.ErrLogCorrupt)
	}
}

func TestTruncate(t *testing.T) {
	for _, archive := range []bool{false, true} {
		fs := vfs.NewMemFS()
		l := openLog(t, fs, wal.Options{SegmentSize: 100, Archive: archive})
		for i := 1; i <= 10; i++ {
			lsn := appendUpdate(t, l, 1, 0, fmt.Sprintf("row-%d-abcdefghijklmnop", i))
			l.Flush(lsn)
		}
		names, _ := fs.List("log")
		if len(names) < 3 {
			t.Fatalf("List() got %v want several segments", names)
		}

		size := l.Size()
		err := l.Truncate(6)
		if err != nil {
			t.Fatalf("Truncate(6) failed with %s", err)
		}
		first := l.FirstLSN()
		if first > 6 || first == 1 {
			t.Errorf("FirstLSN() after Truncate(6) got %d", first)
		}
		if l.Size() >= size {
			t.Errorf("Size() after Truncate(6) got %d, was %d", l.Size(), size)
		}
		if _, err := l.Read(1); err == nil {
			t.Errorf("Read(1) after Truncate(6) did not fail")
		}
		for lsn := first; lsn <= 10; lsn++ {
			if _, err := l.Read(lsn); err != nil {
				t.Errorf("Read(%d) failed with %s", lsn, err)
			}
		}

		l.Close()
		l = openLog(t, fs, wal.Options{})
		if l.FirstLSN() != first || l.NextLSN() != 11 {
			t.Errorf("Open() got first %d, next %d want %d, 11", l.FirstLSN(), l.NextLSN(),
				first)
		}
		l.Close()

		if !archive {
			continue
		}
		name := filepath.Join(wal.ArchiveDir("log"), "0000000000000001.log.xz")
		recs, err := wal.ReadArchive(fs, name)
		if err != nil {
			t.Fatalf("ReadArchive() failed with %s", err)
		}
		if len(recs) == 0 || recs[0].LSN != 1 || string(recs[0].After) !=
			"row-1-abcdefghijklmnop" {

			t.Errorf("ReadArchive() got %v", recs)
		}
	}
}

func TestLogFull(t *testing.T) {
	fs := vfs.NewMemFS()
	l := openLog(t, fs, wal.Options{MaxSize: 400})

	var prev wal.LSN
	var err error
	for i := 0; i < 100; i++ {
		var lsn wal.LSN
		lsn, err = l.Append(&wal.Record{
			Type:    wal.Update,
			TxID:    1,
			PrevLSN: prev,
			After:   []byte("abcdefghijklmnopqrstuvwxyz"),
		})
		if err != nil {
			break
		}
		prev = lsn
	}
	if !errors.Is(err, dberr.ErrLogFull) || dberr.ClassOf(err) != dberr.Resource {
		t.Fatalf("Append() got %v want %v", err, dberr.ErrLogFull)
	}

	lsn, err := l.Append(&wal.Record{
		Type:        wal.CLR,
		TxID:        1,
		PrevLSN:     prev,
		UndoNextLSN: prev - 1,
		Before:      []byte("abcdefghijklmnopqrstuvwxyz"),
	})
	if err != nil || lsn != prev+1 {
		t.Errorf("Append(CLR) on full log got %d, %v", lsn, err)
	}
	_, err = l.Append(&wal.Record{Type: wal.Abort, TxID: 1, PrevLSN: lsn})
	if err != nil {
		t.Errorf("Append(Abort) on full log failed with %s", err)
	}
	l.Close()
}

func TestRecordString(t *testing.T) {
	recs := []*wal.Record{
		{Type: wal.Begin, TxID: 1},
		{Type: wal.Update, TxID: 1, PrevLSN: 1, Kind: 1, Op: 1,
			Page: page.ID{Container: 2, Number: 1}, After: []byte("row")},
		{Type: wal.Redo, TxID: 1, PrevLSN: 2, Kind: 2, Op: 6,
			Images: []wal.Image{
				{Page: page.ID{Container: 3, Number: 1}, Data: []byte{1}},
				{Page: page.ID{Container: 3, Number: 2}, Data: []byte{2}},
			}},
		{Type: wal.CLR, TxID: 1, PrevLSN: 3, UndoNextLSN: 1, Kind: 1, Op: 2,
			Page: page.ID{Container: 2, Number: 1}, Before: []byte("row")},
		{Type: wal.Abort, TxID: 1, PrevLSN: 4},
		{Type: wal.End, TxID: 1, PrevLSN: 5},
		{Type: wal.CheckpointBegin},
		{Type: wal.CheckpointEnd, Payload: []byte("table")},
	}

	fs := vfs.NewMemFS()
	l := openLog(t, fs, wal.Options{})
	for _, rec := range recs {
		_, err := l.Append(rec)
		if err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	l = openLog(t, fs, wal.Options{})
	var lines []string
	r := l.Scan(1)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		lines = append(lines, rec.String())
	}
	l.Close()

	want := `1 begin tx=1 prev=0
2 update tx=1 prev=1 kind=1 op=1 page=2:1 slot=0 after=3
3 redo tx=1 prev=2 kind=2 op=6 image=3:1 image=3:2
4 clr tx=1 prev=3 undo-next=1 kind=1 op=2 page=2:1 slot=0 before=3
5 abort tx=1 prev=4
6 end tx=1 prev=5
7 checkpoint-begin
8 checkpoint-end payload=5`
	got := strings.Join(lines, "\n")
	if got != want {
		t.Errorf("records:\n%v", diff.LineDiff(want, got))
	}
}
