package page_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/leftmike/coredb/storage/page"
)

func rec(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func checkSlots(t *testing.T, pg page.Page, want map[int][]byte) {
	t.Helper()

	for slot := 0; slot < pg.NumSlots(); slot++ {
		b := pg.Slot(slot)
		if w, ok := want[slot]; ok {
			if !bytes.Equal(b, w) {
				t.Errorf("Slot(%d) got %v want %v", slot, b, w)
			}
		} else if b != nil {
			t.Errorf("Slot(%d) got %v want unused", slot, b)
		}
	}
	for slot := range want {
		if slot >= pg.NumSlots() {
			t.Errorf("Slot(%d) missing: NumSlots() = %d", slot, pg.NumSlots())
		}
	}
}

func TestHeapSlots(t *testing.T) {
	pg := make(page.Page, 4096)
	pg.Format(page.Heap)
	if pg.Type() != page.Heap || pg.NumSlots() != 0 {
		t.Fatalf("Format() got type %s with %d slots", pg.Type(), pg.NumSlots())
	}
	if fs := pg.FreeSpace(); fs != 4096-page.HeaderSize {
		t.Errorf("FreeSpace() got %d want %d", fs, 4096-page.HeaderSize)
	}

	want := map[int][]byte{}
	for slot := 0; slot < 10; slot++ {
		r := rec(100, byte(slot+1))
		if !pg.SetSlot(slot, r) {
			t.Fatalf("SetSlot(%d) failed", slot)
		}
		want[slot] = r
	}
	checkSlots(t, pg, want)

	pg.FreeSlot(3)
	delete(want, 3)
	pg.FreeSlot(9)
	delete(want, 9)
	checkSlots(t, pg, want)
	if pg.NumSlots() != 9 {
		t.Errorf("NumSlots() after freeing the last slot got %d want 9", pg.NumSlots())
	}
	if slot := pg.FindFreeSlot(0); slot != 3 {
		t.Errorf("FindFreeSlot(0) got %d want 3", slot)
	}
	if slot := pg.FindFreeSlot(4); slot != 9 {
		t.Errorf("FindFreeSlot(4) got %d want 9", slot)
	}

	// Grow a record in place, shrink another one.
	r := rec(300, 0xAA)
	if !pg.SetSlot(5, r) {
		t.Fatalf("SetSlot(5, 300 bytes) failed")
	}
	want[5] = r
	r = rec(10, 0xBB)
	pg.SetSlot(6, r)
	want[6] = r
	checkSlots(t, pg, want)

	// Fill the page; fragmented space must be reclaimed by compaction.
	free := pg.FreeSpace()
	r = rec(free-page.SlotSize, 0xCC)
	if pg.SetSlot(pg.NumSlots(), rec(len(r)+1, 0xCC)) {
		t.Errorf("SetSlot() of a record one byte too large succeeded")
	}
	slot := pg.NumSlots()
	if !pg.SetSlot(slot, r) {
		t.Fatalf("SetSlot() of %d bytes with %d free failed", len(r), free)
	}
	want[slot] = r
	checkSlots(t, pg, want)
	if pg.FreeSpace() != 0 {
		t.Errorf("FreeSpace() got %d want 0", pg.FreeSpace())
	}

	// Slot 3 is still unused, but a slot directory entry for it exists.
	if !pg.Fits(3, 0) || pg.Fits(3, 1) {
		t.Errorf("Fits(3) on a full page got wrong answer")
	}
}

func TestSetSlotPastEnd(t *testing.T) {
	pg := make(page.Page, 4096)
	pg.Format(page.Heap)

	if !pg.SetSlot(4, []byte("abc")) {
		t.Fatal("SetSlot(4) failed")
	}
	checkSlots(t, pg, map[int][]byte{4: []byte("abc")})
	if pg.FreeSpace() != 4096-page.HeaderSize-5*page.SlotSize-3 {
		t.Errorf("FreeSpace() got %d", pg.FreeSpace())
	}
	pg.FreeSlot(4)
	if pg.NumSlots() != 0 {
		t.Errorf("NumSlots() got %d want 0", pg.NumSlots())
	}
}

func TestOrderedSlots(t *testing.T) {
	pg := make(page.Page, 4096)
	pg.Format(page.Leaf)

	var keys []string
	insert := func(slot int, key string) {
		if !pg.InsertSlot(slot, []byte(key)) {
			t.Fatalf("InsertSlot(%d, %s) failed", slot, key)
		}
		keys = append(keys[:slot], append([]string{key}, keys[slot:]...)...)
	}
	insert(0, "m")
	insert(0, "c")
	insert(2, "x")
	insert(1, "f")
	insert(4, "z")

	check := func() {
		t.Helper()
		if pg.NumSlots() != len(keys) {
			t.Fatalf("NumSlots() got %d want %d", pg.NumSlots(), len(keys))
		}
		for i, k := range keys {
			if s := string(pg.Slot(i)); s != k {
				t.Errorf("Slot(%d) got %s want %s", i, s, k)
			}
		}
	}
	check()

	pg.DeleteSlot(1)
	keys = append(keys[:1], keys[2:]...)
	check()

	pg.Truncate(2)
	keys = keys[:2]
	check()

	for i := 0; ; i++ {
		k := fmt.Sprintf("key-%04d-%s", i, bytes.Repeat([]byte{'x'}, 50))
		if !pg.InsertSlot(pg.NumSlots(), []byte(k)) {
			break
		}
		keys = append(keys, k)
	}
	check()
	if pg.FreeSpace() >= 59+page.SlotSize {
		t.Errorf("InsertSlot() failed with %d free", pg.FreeSpace())
	}
}

func TestChecksum(t *testing.T) {
	pg := make(page.Page, 4096)
	if !pg.VerifyChecksum() {
		t.Errorf("VerifyChecksum() of a zero page got false")
	}

	pg.Format(page.Heap)
	pg.SetLSN(1234)
	pg.SetSlot(0, []byte("row"))
	pg.SetChecksum()
	if !pg.VerifyChecksum() {
		t.Errorf("VerifyChecksum() got false")
	}
	if pg.LSN() != 1234 {
		t.Errorf("LSN() got %d want 1234", pg.LSN())
	}

	pg[4000] ^= 1
	if pg.VerifyChecksum() {
		t.Errorf("VerifyChecksum() of a damaged page got true")
	}
}
