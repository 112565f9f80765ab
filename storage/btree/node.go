package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/util"
)

// Entries are stored one per slot, in key order. An entry is a varint key length, the key,
// and then the value: a flags byte followed by the encoded row for a leaf, or the child page
// number for an internal node. The first entry of an internal node has an empty key; it
// covers every key less than the key of the second entry.

// A ghost is a leaf entry which has been deleted; it stays in the leaf until the deleting
// transaction commits.
const ghostFlag = 0x01

func makeLeaf(key []byte, flags byte, enc []byte) []byte {
	val := make([]byte, 0, 1+len(enc))
	val = append(val, flags)
	return makeEntry(key, append(val, enc...))
}

// leafRow returns the encoded row of the leaf entry ent, and whether ent is a ghost.
func leafRow(ent []byte) ([]byte, bool) {
	_, val := splitEntry(ent)
	return leafValue(val)
}

func leafValue(val []byte) ([]byte, bool) {
	if len(val) == 0 {
		panic(fmt.Sprintf("btree: bad leaf value: %v", val))
	}
	return val[1:], val[0]&ghostFlag != 0
}

func isGhost(ent []byte) bool {
	_, ghost := leafRow(ent)
	return ghost
}

// ghostOf returns a copy of the leaf entry ent marked as a ghost.
func ghostOf(ent []byte) []byte {
	g := append([]byte(nil), ent...)
	_, val := splitEntry(g)
	val[0] |= ghostFlag
	return g
}

func makeEntry(key, val []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(key)+len(val))
	buf = util.EncodeVarint(buf, uint64(len(key)))
	buf = append(buf, key...)
	return append(buf, val...)
}

func makeChild(key []byte, child uint32) []byte {
	return makeEntry(key, util.EncodeUint32(nil, child))
}

func splitEntry(ent []byte) ([]byte, []byte) {
	buf, n, ok := util.DecodeVarint(ent)
	if !ok || n > uint64(len(buf)) {
		panic(fmt.Sprintf("btree: bad entry: %v", ent))
	}
	return buf[:n], buf[n:]
}

func entryKey(ent []byte) []byte {
	key, _ := splitEntry(ent)
	return key
}

func entryChild(ent []byte) uint32 {
	_, val := splitEntry(ent)
	_, child, ok := util.DecodeUint32(val)
	if !ok {
		panic(fmt.Sprintf("btree: bad internal entry: %v", ent))
	}
	return child
}

// search returns the first slot of pg whose key is not less than key, and whether that
// key equals key.
func search(pg page.Page, key []byte) (int, bool) {
	n := pg.NumSlots()
	pos := sort.Search(n, func(slot int) bool {
		return bytes.Compare(entryKey(pg.Slot(slot)), key) >= 0
	})
	return pos, pos < n && bytes.Equal(entryKey(pg.Slot(pos)), key)
}

// childIndex returns the slot of the internal page pg whose child covers key.
func childIndex(pg page.Page, key []byte) int {
	pos, eq := search(pg, key)
	if eq {
		return pos
	}
	return pos - 1
}

func level(pg page.Page) int {
	return int(pg.Aux2())
}

func rightSibling(pg page.Page) uint32 {
	return uint32(pg.Aux1())
}

func entries(pg page.Page) [][]byte {
	ents := make([][]byte, pg.NumSlots())
	for slot := range ents {
		ents[slot] = append([]byte(nil), pg.Slot(slot)...)
	}
	return ents
}

// used returns the bytes used by the entries and slots of pg.
func used(pg page.Page) int {
	return pg.Usable() - pg.FreeSpace()
}

func entriesSize(ents [][]byte) int {
	var sz int
	for _, ent := range ents {
		sz += len(ent) + page.SlotSize
	}
	return sz
}

// writeNode formats pg as a node holding ents.
func writeNode(pg page.Page, typ page.Type, lvl int, right uint32, ents [][]byte) error {
	pg.Format(typ)
	pg.SetAux1(uint64(right))
	pg.SetAux2(uint64(lvl))
	for slot, ent := range ents {
		if !pg.InsertSlot(slot, ent) {
			return dberr.New(dberr.Logic, "btree", "%d entries do not fit in a page", len(ents))
		}
	}
	return nil
}

// splitPoint returns the index of the first entry of the right half of ents, split at the
// byte midpoint; both halves have at least one entry.
func splitPoint(ents [][]byte) int {
	half := entriesSize(ents) / 2
	var sz int
	for i, ent := range ents {
		sz += len(ent) + page.SlotSize
		if sz >= half {
			if i+1 >= len(ents) {
				return len(ents) - 1
			}
			return i + 1
		}
	}
	return len(ents) - 1
}

func insertEntry(ents [][]byte, pos int, ent []byte) [][]byte {
	ents = append(ents, nil)
	copy(ents[pos+1:], ents[pos:])
	ents[pos] = ent
	return ents
}
