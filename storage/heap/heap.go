// Package heap implements heap conglomerates: rows are stored unordered in slotted pages and
// addressed by RowLocation. A row which outgrows its page is moved to another page and its
// home slot becomes a forward pointer, so its RowLocation never changes.
package heap

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/lock"
	"github.com/leftmike/coredb/row"
	"github.com/leftmike/coredb/storage/access"
	"github.com/leftmike/coredb/storage/buffer"
	"github.com/leftmike/coredb/storage/container"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/wal"
)

// Record flags; the flags are the first byte of every record.
const (
	ghostFlag     = 0x01
	forwardFlag   = 0x02
	relocatedFlag = 0x04
)

const (
	recordHeader = 3
	// Every record has room to become a forward pointer.
	minRecord = recordHeader + access.RowLocationSize
	// Slots past the end of the slot directory tried by an insert.
	extraSlots = 8
)

const (
	opInsert byte = iota + 1
	opUpdate
	opDelete
	opRestore
	opFree
)

type Heap struct {
	env    *access.Env
	id     uint32
	c      *container.Container
	maxRow int
	hint   atomic.Uint32
	closed atomic.Bool
}

type record struct {
	flags   byte
	payload []byte
}

func (rec record) ghost() bool {
	return rec.flags&ghostFlag != 0
}

func (rec record) forward() bool {
	return rec.flags&forwardFlag != 0
}

func (rec record) relocated() bool {
	return rec.flags&relocatedFlag != 0
}

func parseRecord(b []byte) (record, bool) {
	if len(b) < recordHeader {
		return record{}, false
	}
	n := int(binary.BigEndian.Uint16(b[1:]))
	if recordHeader+n > len(b) {
		return record{}, false
	}
	return record{flags: b[0], payload: b[recordHeader : recordHeader+n]}, true
}

// makeRecord returns a record of at least reserve bytes.
func makeRecord(flags byte, payload []byte, reserve int) []byte {
	n := recordHeader + len(payload)
	if n < minRecord {
		n = minRecord
	}
	if n < reserve {
		n = reserve
	}
	b := make([]byte, n)
	b[0] = flags
	binary.BigEndian.PutUint16(b[1:], uint16(len(payload)))
	copy(b[recordHeader:], payload)
	return b
}

func relocatedPayload(home access.RowLocation, enc []byte) []byte {
	return append(home.Encode(make([]byte, 0, access.RowLocationSize+len(enc))), enc...)
}

// Open returns the heap stored in container id.
func Open(env *access.Env, id uint32) (*Heap, error) {
	c, err := env.Containers.Get(id)
	if err != nil {
		return nil, err
	}
	if access.Kind(c.Kind()) != access.HeapKind {
		return nil, fmt.Errorf("heap: container %d is a %s", id, access.Kind(c.Kind()))
	}

	h := &Heap{
		env: env,
		id:  id,
		c:   c,
		maxRow: c.PageSize() - page.HeaderSize - page.SlotSize - recordHeader -
			access.RowLocationSize,
	}
	h.hint.Store(1)
	return h, nil
}

func (h *Heap) ID() uint32 {
	return h.id
}

func (h *Heap) Kind() access.Kind {
	return access.HeapKind
}

// Close makes every later operation on h fail; undo and purging ghosts still work.
func (h *Heap) Close() error {
	h.closed.Store(true)
	return nil
}

func (h *Heap) check(op string) error {
	if h.closed.Load() {
		return dberr.Wrap(fmt.Sprintf("heap: %d: %s", h.id, op), dberr.ErrClosed)
	}
	return nil
}

func (h *Heap) String() string {
	return fmt.Sprintf("heap %d", h.id)
}

func (h *Heap) pageID(num uint32) page.ID {
	return page.ID{Container: h.id, Number: num}
}

func (h *Heap) rowLock(loc access.RowLocation) lock.Resource {
	return lock.Row(h.id, loc.Page, loc.Slot)
}

func (h *Heap) notFound(loc access.RowLocation) error {
	return dberr.Wrap(fmt.Sprintf("heap: %d: %s", h.id, loc), dberr.ErrRowNotFound)
}

func (h *Heap) encode(r row.Row) ([]byte, error) {
	enc := row.Encode(r)
	if len(enc) > h.maxRow {
		return nil, dberr.Wrap(fmt.Sprintf("heap: %d: %d bytes", h.id, len(enc)),
			dberr.ErrRowTooLarge)
	}
	return enc, nil
}

// fetchHome returns the page of loc latched in mode, along with its record, which is not a
// relocated copy and is not a ghost.
func (h *Heap) fetchHome(loc access.RowLocation, mode buffer.LatchMode) (*buffer.Frame,
	record, error) {

	if loc.Page == 0 || loc.Page >= h.c.PageCount() {
		return nil, record{}, h.notFound(loc)
	}
	f, err := h.env.Pool.Fetch(h.pageID(loc.Page), mode)
	if err != nil {
		return nil, record{}, err
	}
	pg := f.Page()
	if pg.Type() == page.Heap {
		if rec, ok := parseRecord(pg.Slot(int(loc.Slot))); ok && !rec.ghost() &&
			!rec.relocated() {

			return f, rec, nil
		}
	}
	f.Release()
	return nil, record{}, h.notFound(loc)
}

// fetchCopy returns the page of the relocated copy at loc of the row at home latched in
// mode, along with the copy.
func (h *Heap) fetchCopy(home, loc access.RowLocation, mode buffer.LatchMode) (*buffer.Frame,
	record, error) {

	f, err := h.env.Pool.Fetch(h.pageID(loc.Page), mode)
	if err != nil {
		return nil, record{}, err
	}
	rec, ok := parseRecord(f.Page().Slot(int(loc.Slot)))
	if ok && rec.relocated() && !rec.ghost() {
		if back, ok := access.DecodeLocation(rec.payload); ok && back == home {
			return f, rec, nil
		}
	}
	f.Release()
	return nil, record{}, dberr.New(dberr.Corruption, "heap",
		"%d: %s forwards to %s which is not its copy", h.id, home, loc)
}

func forwardLocation(rec record) access.RowLocation {
	loc, _ := access.DecodeLocation(rec.payload)
	return loc
}

// read returns the row at loc; the row is expected to be locked.
func (h *Heap) read(loc access.RowLocation) (row.Row, error) {
	f, rec, err := h.fetchHome(loc, buffer.Shared)
	if err != nil {
		return nil, err
	}
	if rec.forward() {
		to := forwardLocation(rec)
		f.Release()
		f, rec, err = h.fetchCopy(loc, to, buffer.Shared)
		if err != nil {
			return nil, err
		}
		rec.payload = rec.payload[access.RowLocationSize:]
	}
	defer f.Release()

	r := row.Decode(rec.payload)
	if r == nil {
		return nil, dberr.New(dberr.Corruption, "heap", "%d: %s: bad row", h.id, loc)
	}
	return r, nil
}

// logUpdate logs changing slot of the exclusive latched page in f from before to after and
// makes the change.
func (h *Heap) logUpdate(tx access.Transaction, f *buffer.Frame, slot uint16, op byte,
	before, after []byte) error {

	if !f.Page().Fits(int(slot), len(after)) {
		return fmt.Errorf("heap: %d: record does not fit in %s.%d", h.id, f.ID(), slot)
	}
	lsn, err := tx.LogUpdate(&wal.Record{
		Kind:   byte(access.HeapKind),
		Op:     op,
		Page:   f.ID(),
		Slot:   slot,
		Before: append([]byte(nil), before...),
		After:  after,
	})
	if err != nil {
		return err
	}
	f.Page().SetSlot(int(slot), after)
	h.env.Changed(f, lsn)
	return nil
}

// freeSlot returns a slot in pg, page num, which can hold n bytes and whose row lock tx was
// able to take without waiting.
func (h *Heap) freeSlot(tx access.Transaction, pg page.Page, num uint32, n int) (uint16,
	bool) {

	maxSlot := (len(pg) - page.HeaderSize) / page.SlotSize
	for slot := 0; slot < pg.NumSlots()+extraSlots && slot < maxSlot; slot++ {
		if pg.InUse(slot) {
			continue
		}
		if !pg.Fits(slot, n) {
			if slot >= pg.NumSlots() {
				break
			}
			continue
		}
		if tx.TryLock(lock.Row(h.id, num, uint16(slot)), lock.X) == nil {
			return uint16(slot), true
		}
	}
	return 0, false
}

// place stores rec, a new record, in a free slot of some page, allocating a new page if
// there is no room; the slot is locked exclusive for tx.
func (h *Heap) place(tx access.Transaction, rec []byte) (access.RowLocation, error) {
	need := len(rec) + page.SlotSize
	start := h.hint.Load()
	wrapped := start <= 1
	for {
		num := h.c.FindSpace(need, start)
		if num == 0 && !wrapped {
			wrapped = true
			start = 1
			continue
		}

		var f *buffer.Frame
		var err error
		if num == 0 {
			f, err = h.env.NewPage(h.id, page.Heap, 0)
			if err != nil {
				return access.RowLocation{}, err
			}
			num = f.ID().Number
			log.WithFields(log.Fields{"heap": h.id, "page": num}).Debug("heap page added")
		} else {
			f, err = h.env.Pool.Fetch(h.pageID(num), buffer.Exclusive)
			if err != nil {
				return access.RowLocation{}, err
			}
		}

		pg := f.Page()
		if pg.Type() == page.Heap {
			if slot, ok := h.freeSlot(tx, pg, num, len(rec)); ok {
				err = h.logUpdate(tx, f, slot, opInsert, nil, rec)
				f.Release()
				if err != nil {
					return access.RowLocation{}, err
				}
				h.hint.Store(num)
				return access.RowLocation{Page: num, Slot: slot}, nil
			}
			// The free-space map may be stale; bring it up to date.
			h.env.Containers.Note(f.ID(), pg)
		}
		f.Release()
		start = num + 1
	}
}

func (h *Heap) Insert(ctx context.Context, tx access.Transaction,
	r row.Row) (loc access.RowLocation, err error) {

	if err = h.check("insert"); err != nil {
		return access.RowLocation{}, err
	}
	defer access.Guard(tx, &err)

	enc, err := h.encode(r)
	if err != nil {
		return access.RowLocation{}, err
	}
	err = tx.Lock(ctx, lock.Container(h.id), lock.IX)
	if err != nil {
		return access.RowLocation{}, err
	}
	return h.place(tx, makeRecord(0, enc, 0))
}

func (h *Heap) Fetch(ctx context.Context, tx access.Transaction,
	loc access.RowLocation) (r row.Row, err error) {

	if err = h.check("fetch"); err != nil {
		return nil, err
	}
	defer access.Guard(tx, &err)

	done, err := access.LockRead(ctx, tx, h.rowLock(loc), false)
	if err != nil {
		return nil, err
	}
	defer done()
	return h.read(loc)
}

func (h *Heap) Update(ctx context.Context, tx access.Transaction, loc access.RowLocation,
	r row.Row) (err error) {

	if err = h.check("update"); err != nil {
		return err
	}
	defer access.Guard(tx, &err)

	enc, err := h.encode(r)
	if err != nil {
		return err
	}
	err = access.LockWrite(ctx, tx, h.rowLock(loc))
	if err != nil {
		return err
	}

	f, rec, err := h.fetchHome(loc, buffer.Exclusive)
	if err != nil {
		return err
	}
	old := f.Page().Slot(int(loc.Slot))
	if rec.forward() {
		to := forwardLocation(rec)
		f.Release()
		return h.updateCopy(tx, loc, to, enc)
	}

	after := makeRecord(0, enc, len(old))
	if f.Page().Fits(int(loc.Slot), len(after)) {
		err = h.logUpdate(tx, f, loc.Slot, opUpdate, old, after)
		f.Release()
		return err
	}
	f.Release()

	to, err := h.place(tx, makeRecord(relocatedFlag, relocatedPayload(loc, enc), 0))
	if err != nil {
		return err
	}
	return h.forward(tx, loc, to)
}

// forward changes the home slot of the row at loc to point to its copy at to.
func (h *Heap) forward(tx access.Transaction, loc, to access.RowLocation) error {
	f, _, err := h.fetchHome(loc, buffer.Exclusive)
	if err != nil {
		return err
	}
	defer f.Release()

	old := f.Page().Slot(int(loc.Slot))
	fwd := makeRecord(forwardFlag, to.Encode(nil), len(old))
	log.WithFields(log.Fields{"heap": h.id, "row": loc, "to": to}).Debug("row relocated")
	return h.logUpdate(tx, f, loc.Slot, opUpdate, old, fwd)
}

// updateCopy updates the row at loc whose relocated copy is at cl; the copy is updated in
// place if it fits, otherwise the row is relocated again and the old copy becomes a ghost.
func (h *Heap) updateCopy(tx access.Transaction, loc, cl access.RowLocation,
	enc []byte) error {

	payload := relocatedPayload(loc, enc)
	f, _, err := h.fetchCopy(loc, cl, buffer.Exclusive)
	if err != nil {
		return err
	}
	old := f.Page().Slot(int(cl.Slot))
	after := makeRecord(relocatedFlag, payload, len(old))
	if f.Page().Fits(int(cl.Slot), len(after)) {
		err = h.logUpdate(tx, f, cl.Slot, opUpdate, old, after)
		f.Release()
		return err
	}
	f.Release()

	to, err := h.place(tx, makeRecord(relocatedFlag, payload, 0))
	if err != nil {
		return err
	}
	err = h.forward(tx, loc, to)
	if err != nil {
		return err
	}
	err = h.ghost(tx, cl, func() (*buffer.Frame, error) {
		f, _, err := h.fetchCopy(loc, cl, buffer.Exclusive)
		return f, err
	})
	if err != nil {
		return err
	}
	h.purgeOnCommit(tx, cl)
	return nil
}

// ghost marks the record at loc, in the page returned latched exclusive by fetch, as
// deleted.
func (h *Heap) ghost(tx access.Transaction, loc access.RowLocation,
	fetch func() (*buffer.Frame, error)) error {

	f, err := fetch()
	if err != nil {
		return err
	}
	defer f.Release()

	old := f.Page().Slot(int(loc.Slot))
	after := append([]byte(nil), old...)
	after[0] |= ghostFlag
	return h.logUpdate(tx, f, loc.Slot, opDelete, old, after)
}

func (h *Heap) Delete(ctx context.Context, tx access.Transaction,
	loc access.RowLocation) (err error) {

	if err = h.check("delete"); err != nil {
		return err
	}
	defer access.Guard(tx, &err)

	err = access.LockWrite(ctx, tx, h.rowLock(loc))
	if err != nil {
		return err
	}

	f, rec, err := h.fetchHome(loc, buffer.Exclusive)
	if err != nil {
		return err
	}
	err = h.ghost(tx, loc, func() (*buffer.Frame, error) {
		return f, nil
	})
	if err != nil {
		return err
	}

	locs := []access.RowLocation{loc}
	if rec.forward() {
		cl := forwardLocation(rec)
		err = h.ghost(tx, cl, func() (*buffer.Frame, error) {
			f, _, err := h.fetchCopy(loc, cl, buffer.Exclusive)
			return f, err
		})
		if err != nil {
			return err
		}
		locs = append(locs, cl)
	}
	h.purgeOnCommit(tx, locs...)
	return nil
}

func (h *Heap) purgeOnCommit(tx access.Transaction, locs ...access.RowLocation) {
	if h.env.GhostPurge {
		tx.OnCommit(func() {
			h.Purge(locs...)
		})
	}
}

// Purge frees the slots of ghosts at locs; the transaction which deleted them must have
// committed.
func (h *Heap) Purge(locs ...access.RowLocation) {
	for _, loc := range locs {
		err := h.purge(loc)
		if err != nil {
			log.WithFields(log.Fields{"heap": h.id, "row": loc}).WithError(err).
				Warn("ghost purge failed")
		}
	}
}

func (h *Heap) purge(loc access.RowLocation) error {
	f, err := h.env.Pool.Fetch(h.pageID(loc.Page), buffer.Exclusive)
	if err != nil {
		return err
	}
	defer f.Release()

	rec, ok := parseRecord(f.Page().Slot(int(loc.Slot)))
	if !ok || !rec.ghost() {
		return nil
	}
	lrec := &wal.Record{
		Kind: byte(access.HeapKind),
		Op:   opFree,
		Page: f.ID(),
		Slot: loc.Slot,
	}
	lsn, err := h.env.LogRedo(lrec)
	if err != nil {
		return err
	}
	f.Page().FreeSlot(int(loc.Slot))
	h.env.Changed(f, lsn)
	return nil
}

// Undo rolls back an insert by freeing the slot, and an update or delete by restoring the
// record it replaced.
func (h *Heap) Undo(ctx context.Context, tx access.Transaction, rec *wal.Record) error {
	f, err := h.env.Pool.Fetch(rec.Page, buffer.Exclusive)
	if err != nil {
		return err
	}
	defer f.Release()

	clr := &wal.Record{
		Kind: byte(access.HeapKind),
		Page: rec.Page,
		Slot: rec.Slot,
	}
	switch rec.Op {
	case opInsert:
		clr.Op = opFree
	case opUpdate, opDelete:
		clr.Op = opRestore
		clr.After = rec.Before
	default:
		return fmt.Errorf("heap: unable to undo %s", rec)
	}

	lsn, err := tx.LogCLR(clr, rec.PrevLSN)
	if err != nil {
		return err
	}
	err = redo(clr, rec.Page, f.Page())
	if err != nil {
		return err
	}
	h.env.Changed(f, lsn)
	return nil
}

func init() {
	access.RegisterRedo(access.HeapKind, redo)
}

func redo(rec *wal.Record, id page.ID, pg page.Page) error {
	if pg.Type() != page.Heap {
		return dberr.New(dberr.Corruption, "heap", "redo %s: %s page", rec, pg.Type())
	}

	switch rec.Op {
	case opInsert, opUpdate, opDelete, opRestore:
		if len(rec.After) == 0 || !pg.SetSlot(int(rec.Slot), rec.After) {
			return dberr.New(dberr.Corruption, "heap", "redo %s: record does not fit", rec)
		}
	case opFree:
		pg.FreeSlot(int(rec.Slot))
	default:
		return dberr.New(dberr.Corruption, "heap", "redo %s: unknown op", rec)
	}
	return nil
}
