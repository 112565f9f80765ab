package buffer_test

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/storage/buffer"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/wal"
)

const pageSize = 4096

type testLog struct {
	mutex   sync.Mutex
	flushed wal.LSN
}

func (tl *testLog) Flush(upto wal.LSN) error {
	tl.mutex.Lock()
	defer tl.mutex.Unlock()

	if upto > tl.flushed {
		tl.flushed = upto
	}
	return nil
}

type testStorage struct {
	t     *testing.T
	log   *testLog
	mutex sync.Mutex
	pages map[page.ID]page.Page
	reads int
}

func (ts *testStorage) ReadPage(id page.ID, buf page.Page) error {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	ts.reads += 1
	if pg, ok := ts.pages[id]; ok {
		copy(buf, pg)
	} else {
		clear(buf)
	}
	return nil
}

func (ts *testStorage) WritePage(id page.ID, buf page.Page) error {
	ts.log.mutex.Lock()
	flushed := ts.log.flushed
	ts.log.mutex.Unlock()
	if wal.LSN(buf.LSN()) > flushed {
		ts.t.Errorf("WritePage(%s) with LSN %d before log flushed: %d", id, buf.LSN(),
			flushed)
	}

	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	ts.pages[id] = buf
	return nil
}

func newPool(t *testing.T, frames int, cacheSize int64) (*buffer.Pool, *testStorage) {
	t.Helper()

	ts := &testStorage{
		t:     t,
		log:   &testLog{},
		pages: map[page.ID]page.Page{},
	}
	p, err := buffer.NewPool(ts, ts.log, pageSize, buffer.Options{
		Frames:    frames,
		CacheSize: cacheSize,
	})
	if err != nil {
		t.Fatalf("NewPool() failed with %s", err)
	}
	return p, ts
}

func pageID(n int) page.ID {
	return page.ID{Container: 1, Number: uint32(n)}
}

func TestFetchEvict(t *testing.T) {
	for _, cacheSize := range []int64{0, 64 * pageSize} {
		p, ts := newPool(t, 8, cacheSize)

		lsn := wal.LSN(1)
		for n := 1; n <= 40; n++ {
			f, err := p.Fetch(pageID(n), buffer.Exclusive)
			if err != nil {
				t.Fatalf("Fetch(%d) failed with %s", n, err)
			}
			pg := f.Page()
			if pg.Type() != page.Unformatted {
				t.Errorf("Fetch(%d) got %s page want unformatted", n, pg.Type())
			}
			pg.Format(page.Heap)
			pg.SetSlot(0, []byte(fmt.Sprintf("page-%d", n)))
			f.MarkDirty(lsn)
			lsn += 1
			f.Release()
		}

		for n := 1; n <= 40; n++ {
			f, err := p.Fetch(pageID(n), buffer.Shared)
			if err != nil {
				t.Fatalf("Fetch(%d) failed with %s", n, err)
			}
			pg := f.Page()
			if s := string(pg.Slot(0)); s != fmt.Sprintf("page-%d", n) {
				t.Errorf("Fetch(%d) got %q", n, s)
			}
			if pg.LSN() != uint64(n) {
				t.Errorf("Fetch(%d) got LSN %d want %d", n, pg.LSN(), n)
			}
			f.Release()
		}

		stats := p.Stats()
		if stats.Evictions == 0 || stats.Writes < 32 {
			t.Errorf("Stats() got %+v", stats)
		}
		if cacheSize == 0 && stats.CacheHits != 0 {
			t.Errorf("Stats() got %d cache hits without a cache", stats.CacheHits)
		}

		err := p.FlushAll()
		if err != nil {
			t.Fatalf("FlushAll() failed with %s", err)
		}
		if len(ts.pages) != 40 {
			t.Errorf("FlushAll() wrote %d pages want 40", len(ts.pages))
		}
		p.Close()
	}
}

func TestAllPinned(t *testing.T) {
	p, _ := newPool(t, 8, 0)

	var frames []*buffer.Frame
	for n := 1; n <= 8; n++ {
		f, err := p.Pin(pageID(n))
		if err != nil {
			t.Fatalf("Pin(%d) failed with %s", n, err)
		}
		frames = append(frames, f)
	}
	_, err := p.Pin(pageID(9))
	if dberr.ClassOf(err) != dberr.Resource {
		t.Errorf("Pin(9) with all frames pinned got %v", err)
	}

	p.Unpin(frames[3])
	f, err := p.Pin(pageID(9))
	if err != nil {
		t.Fatalf("Pin(9) failed with %s", err)
	}
	p.Unpin(f)

	// Pinning a page which is already in the pool needs no frame.
	f, err = p.Pin(pageID(1))
	if err != nil {
		t.Errorf("Pin(1) failed with %s", err)
	} else {
		p.Unpin(f)
	}
}

func TestDirtyPages(t *testing.T) {
	p, ts := newPool(t, 16, 0)

	for n, lsn := range []wal.LSN{10, 20, 30} {
		f, err := p.Fetch(pageID(n+1), buffer.Exclusive)
		if err != nil {
			t.Fatal(err)
		}
		f.Page().Format(page.Heap)
		f.MarkDirty(lsn)
		f.MarkDirty(lsn + 100)
		f.Release()
	}

	dpt := p.DirtyPages()
	want := map[page.ID]wal.LSN{pageID(1): 10, pageID(2): 20, pageID(3): 30}
	if len(dpt) != len(want) {
		t.Errorf("DirtyPages() got %v want %v", dpt, want)
	}
	for id, lsn := range want {
		if dpt[id] != lsn {
			t.Errorf("DirtyPages()[%s] got %d want %d", id, dpt[id], lsn)
		}
	}

	err := p.FlushPage(pageID(2))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.DirtyPages()[pageID(2)]; ok {
		t.Errorf("DirtyPages() has page 2 after FlushPage")
	}
	if ts.log.flushed < 120 {
		t.Errorf("FlushPage() flushed log to %d want 120", ts.log.flushed)
	}

	err = p.FlushAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(p.DirtyPages()) != 0 {
		t.Errorf("DirtyPages() after FlushAll got %v", p.DirtyPages())
	}
}

func TestDiscard(t *testing.T) {
	p, ts := newPool(t, 16, 0)

	for _, id := range []page.ID{{Container: 1, Number: 1}, {Container: 2, Number: 1}} {
		f, err := p.Fetch(id, buffer.Exclusive)
		if err != nil {
			t.Fatal(err)
		}
		f.Page().Format(page.Heap)
		f.MarkDirty(1)
		f.Release()
	}

	err := p.Discard(2)
	if err != nil {
		t.Fatalf("Discard(2) failed with %s", err)
	}
	p.FlushAll()
	if _, ok := ts.pages[page.ID{Container: 2, Number: 1}]; ok {
		t.Errorf("FlushAll() wrote a page of a discarded container")
	}
	if _, ok := ts.pages[page.ID{Container: 1, Number: 1}]; !ok {
		t.Errorf("FlushAll() did not write page 1:1")
	}
}

func TestConcurrentFetch(t *testing.T) {
	p, _ := newPool(t, 8, 16*pageSize)

	const (
		workers = 8
		pages   = 20
		rounds  = 200
	)

	var lsnMutex sync.Mutex
	var lsn wal.LSN

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			for r := 0; r < rounds; r++ {
				n := (w*rounds+r)%pages + 1
				f, err := p.Fetch(pageID(n), buffer.Exclusive)
				if err != nil {
					t.Errorf("Fetch(%d) failed with %s", n, err)
					return
				}
				pg := f.Page()
				if pg.Type() == page.Unformatted {
					pg.Format(page.Heap)
					pg.SetSlot(0, make([]byte, 8))
				}
				cnt := pg.Slot(0)
				binary.BigEndian.PutUint64(cnt, binary.BigEndian.Uint64(cnt)+1)

				lsnMutex.Lock()
				lsn += 1
				f.MarkDirty(lsn)
				lsnMutex.Unlock()
				f.Release()
			}
		}(w)
	}
	wg.Wait()

	var total uint64
	for n := 1; n <= pages; n++ {
		f, err := p.Fetch(pageID(n), buffer.Shared)
		if err != nil {
			t.Fatal(err)
		}
		total += binary.BigEndian.Uint64(f.Page().Slot(0))
		f.Release()
	}
	if total != workers*rounds {
		t.Errorf("counters got %d want %d", total, workers*rounds)
	}
}
