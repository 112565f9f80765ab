package btree

import (
	"bytes"
	"fmt"

	"github.com/leftmike/coredb/storage/buffer"
	"github.com/leftmike/coredb/storage/page"
)

type Stats struct {
	Height   int
	Internal int
	Leaves   int
	Entries  int
	Ghosts   int
}

type checker struct {
	t      *Tree
	stats  Stats
	leaves []uint32
	rights []uint32
}

// Check verifies the structure of the tree: keys are in order and within the bounds of
// their parents, every leaf is at the same depth, and the leaves are chained left to right.
// The tree must not be changing.
func (t *Tree) Check() (Stats, error) {
	t.smo.Lock()
	defer t.smo.Unlock()

	ck := checker{t: t}
	lvl, err := ck.node(rootPage, nil, nil, -1)
	if err != nil {
		return Stats{}, err
	}
	ck.stats.Height = lvl + 1

	for i, num := range ck.leaves {
		var want uint32
		if i+1 < len(ck.leaves) {
			want = ck.leaves[i+1]
		}
		if ck.rights[i] != want {
			return Stats{}, fmt.Errorf("btree: %d: leaf %d: right sibling %d; want %d", t.id,
				num, ck.rights[i], want)
		}
	}
	return ck.stats, nil
}

// node checks page num, whose keys must be at least lo and less than hi, and returns its
// level.
func (ck *checker) node(num uint32, lo, hi []byte, want int) (int, error) {
	f, err := ck.t.fetch(num, buffer.Shared)
	if err != nil {
		return 0, err
	}
	pg := f.Page().Copy()
	f.Release()

	lvl := level(pg)
	if want >= 0 && lvl != want {
		return 0, fmt.Errorf("btree: %d: page %d: level %d; want %d", ck.t.id, num, lvl, want)
	}

	var prev []byte
	for slot := 0; slot < pg.NumSlots(); slot++ {
		key := entryKey(pg.Slot(slot))
		if pg.Type() == page.Internal && slot == 0 {
			if len(key) != 0 {
				return 0, fmt.Errorf("btree: %d: page %d: first key not empty", ck.t.id, num)
			}
		} else {
			if prev != nil && bytes.Compare(prev, key) >= 0 {
				return 0, fmt.Errorf("btree: %d: page %d: slot %d: keys out of order", ck.t.id,
					num, slot)
			}
			if lo != nil && bytes.Compare(key, lo) < 0 {
				return 0, fmt.Errorf("btree: %d: page %d: slot %d: key below %x", ck.t.id, num,
					slot, lo)
			}
			if hi != nil && bytes.Compare(key, hi) >= 0 {
				return 0, fmt.Errorf("btree: %d: page %d: slot %d: key not below %x", ck.t.id,
					num, slot, hi)
			}
			prev = key
		}
	}

	switch pg.Type() {
	case page.Leaf:
		if lvl != 0 {
			return 0, fmt.Errorf("btree: %d: leaf %d at level %d", ck.t.id, num, lvl)
		}
		ck.stats.Leaves += 1
		for slot := 0; slot < pg.NumSlots(); slot++ {
			if isGhost(pg.Slot(slot)) {
				ck.stats.Ghosts += 1
			} else {
				ck.stats.Entries += 1
			}
		}
		ck.leaves = append(ck.leaves, num)
		ck.rights = append(ck.rights, rightSibling(pg))
	case page.Internal:
		if lvl == 0 || pg.NumSlots() == 0 {
			return 0, fmt.Errorf("btree: %d: internal %d: level %d with %d children", ck.t.id,
				num, lvl, pg.NumSlots())
		}
		ck.stats.Internal += 1
		for slot := 0; slot < pg.NumSlots(); slot++ {
			clo := lo
			if slot > 0 {
				clo = entryKey(pg.Slot(slot))
			}
			chi := hi
			if slot+1 < pg.NumSlots() {
				chi = entryKey(pg.Slot(slot + 1))
			}
			_, err := ck.node(entryChild(pg.Slot(slot)), clo, chi, lvl-1)
			if err != nil {
				return 0, err
			}
		}
	default:
		return 0, fmt.Errorf("btree: %d: unexpected %s page %d in tree", ck.t.id, pg.Type(),
			num)
	}
	return lvl, nil
}
