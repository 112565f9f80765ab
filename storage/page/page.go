// Package page implements the slotted page layout shared by heap and B-tree pages.
//
// Layout:
//
//	0   LSN        uint64
//	8   checksum   uint64
//	16  type       byte
//	17  flags      byte
//	18  slot count uint16
//	20  free end   uint16 (start of the record area; records grow down from the end)
//	22  reserved   uint16
//	24  aux1       uint64
//	32  aux2       uint64
//	40  slot directory: offset uint16, length uint16 per slot
//
// A page that is all zeros is unformatted.
package page

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

type Type byte

const (
	Unformatted Type = iota
	Free
	Heap
	Leaf
	Internal
	Header
)

func (typ Type) String() string {
	switch typ {
	case Unformatted:
		return "unformatted"
	case Free:
		return "free"
	case Heap:
		return "heap"
	case Leaf:
		return "leaf"
	case Internal:
		return "internal"
	case Header:
		return "header"
	default:
		return fmt.Sprintf("Type(%d)", typ)
	}
}

const (
	HeaderSize   = 40
	SlotSize     = 4
	MinPageSize  = 4096
	MaxPageSize  = 32768
	lsnOffset    = 0
	sumOffset    = 8
	typeOffset   = 16
	flagsOffset  = 17
	nslotsOffset = 18
	freeOffset   = 20
	aux1Offset   = 24
	aux2Offset   = 32
)

// ID identifies a page by its container and page number; page 0 of every container is the
// container header.
type ID struct {
	Container uint32
	Number    uint32
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Container, id.Number)
}

// Key packs id into a single integer.
func (id ID) Key() uint64 {
	return uint64(id.Container)<<32 | uint64(id.Number)
}

func ValidSize(sz int) bool {
	return sz >= MinPageSize && sz <= MaxPageSize && sz&(sz-1) == 0
}

type Page []byte

func (pg Page) LSN() uint64 {
	return binary.BigEndian.Uint64(pg[lsnOffset:])
}

func (pg Page) SetLSN(lsn uint64) {
	binary.BigEndian.PutUint64(pg[lsnOffset:], lsn)
}

func (pg Page) Type() Type {
	return Type(pg[typeOffset])
}

func (pg Page) Flags() byte {
	return pg[flagsOffset]
}

func (pg Page) SetFlags(f byte) {
	pg[flagsOffset] = f
}

func (pg Page) Aux1() uint64 {
	return binary.BigEndian.Uint64(pg[aux1Offset:])
}

func (pg Page) SetAux1(v uint64) {
	binary.BigEndian.PutUint64(pg[aux1Offset:], v)
}

func (pg Page) Aux2() uint64 {
	return binary.BigEndian.Uint64(pg[aux2Offset:])
}

func (pg Page) SetAux2(v uint64) {
	binary.BigEndian.PutUint64(pg[aux2Offset:], v)
}

// Format initializes pg as an empty page of type typ; the LSN is left unchanged.
func (pg Page) Format(typ Type) {
	lsn := pg.LSN()
	clear(pg)
	pg.SetLSN(lsn)
	pg[typeOffset] = byte(typ)
	pg.setFreeEnd(len(pg))
}

func (pg Page) NumSlots() int {
	return int(binary.BigEndian.Uint16(pg[nslotsOffset:]))
}

func (pg Page) setNumSlots(n int) {
	binary.BigEndian.PutUint16(pg[nslotsOffset:], uint16(n))
}

func (pg Page) freeEnd() int {
	fe := int(binary.BigEndian.Uint16(pg[freeOffset:]))
	if fe == 0 {
		// 0 stands for the end of the page, so a zeroed header reads as empty.
		return len(pg)
	}
	return fe
}

func (pg Page) setFreeEnd(fe int) {
	if fe == len(pg) {
		fe = 0
	}
	binary.BigEndian.PutUint16(pg[freeOffset:], uint16(fe))
}

func (pg Page) slotEntry(slot int) (int, int) {
	off := HeaderSize + slot*SlotSize
	return int(binary.BigEndian.Uint16(pg[off:])), int(binary.BigEndian.Uint16(pg[off+2:]))
}

func (pg Page) setSlotEntry(slot, offset, length int) {
	off := HeaderSize + slot*SlotSize
	binary.BigEndian.PutUint16(pg[off:], uint16(offset))
	binary.BigEndian.PutUint16(pg[off+2:], uint16(length))
}

// Slot returns the record in slot or nil if the slot is not in use. The returned slice
// aliases the page.
func (pg Page) Slot(slot int) []byte {
	if slot < 0 || slot >= pg.NumSlots() {
		return nil
	}
	offset, length := pg.slotEntry(slot)
	if offset == 0 {
		return nil
	}
	return pg[offset : offset+length : offset+length]
}

func (pg Page) InUse(slot int) bool {
	if slot < 0 || slot >= pg.NumSlots() {
		return false
	}
	offset, _ := pg.slotEntry(slot)
	return offset != 0
}

func (pg Page) used() int {
	n := 0
	for slot := 0; slot < pg.NumSlots(); slot++ {
		offset, length := pg.slotEntry(slot)
		if offset != 0 {
			n += length
		}
	}
	return n
}

// FreeSpace returns the number of bytes available for records and slots after compaction.
func (pg Page) FreeSpace() int {
	return len(pg) - HeaderSize - pg.NumSlots()*SlotSize - pg.used()
}

// Usable returns the space available on an empty page of this size.
func (pg Page) Usable() int {
	return len(pg) - HeaderSize
}

func (pg Page) contiguous() int {
	return pg.freeEnd() - (HeaderSize + pg.NumSlots()*SlotSize)
}

// Compact moves all records to the end of the page, leaving the free space contiguous.
// Slot numbers do not change.
func (pg Page) Compact() {
	type rec struct {
		slot int
		data []byte
	}
	var recs []rec
	for slot := 0; slot < pg.NumSlots(); slot++ {
		if b := pg.Slot(slot); b != nil {
			recs = append(recs, rec{slot, append([]byte{}, b...)})
		}
	}

	fe := len(pg)
	for _, r := range recs {
		fe -= len(r.data)
		copy(pg[fe:], r.data)
		pg.setSlotEntry(r.slot, fe, len(r.data))
	}
	clear(pg[HeaderSize+pg.NumSlots()*SlotSize : fe])
	pg.setFreeEnd(fe)
}

// allocate returns the offset of n bytes of record space, compacting if needed; extra is
// the number of new slot entries that must also fit.
func (pg Page) allocate(n, extra int) (int, bool) {
	if pg.FreeSpace() < n+extra*SlotSize {
		return 0, false
	}
	if pg.contiguous() < n+extra*SlotSize {
		pg.Compact()
	}
	fe := pg.freeEnd() - n
	pg.setFreeEnd(fe)
	return fe, true
}

// Fits reports whether a record of n bytes can be stored in slot.
func (pg Page) Fits(slot, n int) bool {
	extra := 0
	if slot >= pg.NumSlots() {
		extra = slot + 1 - pg.NumSlots()
	}
	have := 0
	if b := pg.Slot(slot); b != nil {
		have = len(b)
	}
	return pg.FreeSpace()+have >= n+extra*SlotSize
}

// SetSlot stores rec in slot, growing the slot directory if necessary; any record already
// in slot is replaced. It returns false, leaving the page unchanged, if rec does not fit.
func (pg Page) SetSlot(slot int, rec []byte) bool {
	if len(rec) == 0 || slot >= (len(pg)-HeaderSize)/SlotSize {
		panic(fmt.Sprintf("page: bad record: slot %d, length %d", slot, len(rec)))
	}
	if !pg.Fits(slot, len(rec)) {
		return false
	}

	if b := pg.Slot(slot); b != nil && len(b) >= len(rec) {
		offset, _ := pg.slotEntry(slot)
		copy(pg[offset:], rec)
		clear(pg[offset+len(rec) : offset+len(b)])
		pg.setSlotEntry(slot, offset, len(rec))
		return true
	}

	pg.FreeSlot(slot)
	extra := 0
	if slot >= pg.NumSlots() {
		extra = slot + 1 - pg.NumSlots()
	}
	offset, ok := pg.allocate(len(rec), extra)
	if !ok {
		panic("page: record did not fit after check")
	}
	for n := pg.NumSlots(); n <= slot; n++ {
		pg.setSlotEntry(n, 0, 0)
	}
	if slot >= pg.NumSlots() {
		pg.setNumSlots(slot + 1)
	}
	copy(pg[offset:], rec)
	pg.setSlotEntry(slot, offset, len(rec))
	return true
}

// FreeSlot releases the record in slot; trailing unused slots are removed from the
// directory.
func (pg Page) FreeSlot(slot int) {
	if !pg.InUse(slot) {
		return
	}
	offset, length := pg.slotEntry(slot)
	clear(pg[offset : offset+length])
	if offset == pg.freeEnd() {
		pg.setFreeEnd(offset + length)
	}
	pg.setSlotEntry(slot, 0, 0)

	n := pg.NumSlots()
	for n > 0 {
		if off, _ := pg.slotEntry(n - 1); off != 0 {
			break
		}
		n -= 1
	}
	pg.setNumSlots(n)
}

// FindFreeSlot returns the first unused slot at or after start; it may be NumSlots().
func (pg Page) FindFreeSlot(start int) int {
	for slot := start; slot < pg.NumSlots(); slot++ {
		if !pg.InUse(slot) {
			return slot
		}
	}
	if start > pg.NumSlots() {
		return start
	}
	return pg.NumSlots()
}

// InsertSlot inserts rec at slot, shifting later slots up by one. All slots are expected
// to be in use, as on B-tree pages.
func (pg Page) InsertSlot(slot int, rec []byte) bool {
	n := pg.NumSlots()
	if slot > n {
		panic(fmt.Sprintf("page: insert slot %d past %d slots", slot, n))
	}
	offset, ok := pg.allocate(len(rec), 1)
	if !ok {
		return false
	}
	dir := pg[HeaderSize : HeaderSize+(n+1)*SlotSize]
	copy(dir[(slot+1)*SlotSize:], dir[slot*SlotSize:n*SlotSize])
	pg.setNumSlots(n + 1)
	copy(pg[offset:], rec)
	pg.setSlotEntry(slot, offset, len(rec))
	return true
}

// DeleteSlot removes slot, shifting later slots down by one.
func (pg Page) DeleteSlot(slot int) {
	n := pg.NumSlots()
	if slot >= n {
		panic(fmt.Sprintf("page: delete slot %d past %d slots", slot, n))
	}
	offset, length := pg.slotEntry(slot)
	if offset != 0 {
		clear(pg[offset : offset+length])
		if offset == pg.freeEnd() {
			pg.setFreeEnd(offset + length)
		}
	}
	dir := pg[HeaderSize : HeaderSize+n*SlotSize]
	copy(dir[slot*SlotSize:], dir[(slot+1)*SlotSize:])
	clear(dir[(n-1)*SlotSize:])
	pg.setNumSlots(n - 1)
}

// Truncate removes slots from slot to the end.
func (pg Page) Truncate(slot int) {
	for n := pg.NumSlots(); n > slot; n-- {
		pg.DeleteSlot(n - 1)
	}
}

func (pg Page) sum() uint64 {
	h := blake3.New()
	h.Write(pg[:sumOffset])
	h.Write(pg[sumOffset+8:])
	return binary.BigEndian.Uint64(h.Sum(nil))
}

// SetChecksum stores the checksum of pg in pg; it is done on a private copy just before
// the page is written.
func (pg Page) SetChecksum() {
	binary.BigEndian.PutUint64(pg[sumOffset:], pg.sum())
}

// VerifyChecksum returns true if pg is unformatted or its checksum is correct.
func (pg Page) VerifyChecksum() bool {
	stored := binary.BigEndian.Uint64(pg[sumOffset:])
	if stored == 0 && pg.isZero() {
		return true
	}
	return stored == pg.sum()
}

func (pg Page) isZero() bool {
	for _, b := range pg {
		if b != 0 {
			return false
		}
	}
	return true
}

// Copy returns a copy of pg.
func (pg Page) Copy() Page {
	return append(Page(nil), pg...)
}
