// Package btree implements B-tree conglomerates: B+trees of rows ordered by the leading key
// columns. Readers and writers descend with latch coupling; splits and merges are structure
// modifications which are serialized per tree and logged as a single redo only record of
// page images. Inserts and deletes of entries are redone physically and undone logically.
// A deleted entry stays in its leaf as a ghost, still locked by the deleting transaction,
// until that transaction commits.
package btree

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
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

const rootPage = 1

const (
	opInsert byte = iota + 1
	// opDelete turns an entry into a ghost.
	opDelete
	// opRemove takes an entry out of its leaf; it is used to reclaim ghosts and to undo
	// inserts.
	opRemove
	// opRestore puts back an entry which was turned into a ghost.
	opRestore
)

// Meta is stored in the container header of a B-tree.
type Meta struct {
	// KeyColumns is the number of leading columns of each row which form the key.
	KeyColumns int
	Unique     bool
	// Base is the container of the heap whose rows the tree indexes, or 0.
	Base uint32
}

func (meta Meta) Encode() []byte {
	buf := make([]byte, 7)
	binary.BigEndian.PutUint16(buf, uint16(meta.KeyColumns))
	if meta.Unique {
		buf[2] = 1
	}
	binary.BigEndian.PutUint32(buf[3:], meta.Base)
	return buf
}

func DecodeMeta(buf []byte) (Meta, error) {
	if len(buf) != 7 {
		return Meta{}, fmt.Errorf("btree: bad metadata: %v", buf)
	}
	return Meta{
		KeyColumns: int(binary.BigEndian.Uint16(buf)),
		Unique:     buf[2] != 0,
		Base:       binary.BigEndian.Uint32(buf[3:]),
	}, nil
}

type Tree struct {
	env      *access.Env
	id       uint32
	c        *container.Container
	meta     Meta
	maxEntry int

	// smo serializes structure modifications.
	smo    sync.Mutex
	closed atomic.Bool

	mutex sync.Mutex
	// skipped are the keys of ghosts whose reclaiming was skipped because they were locked.
	skipped map[string]struct{}
}

// Open returns the B-tree stored in container id.
func Open(env *access.Env, id uint32) (*Tree, error) {
	c, err := env.Containers.Get(id)
	if err != nil {
		return nil, err
	}
	if access.Kind(c.Kind()) != access.BTreeKind {
		return nil, fmt.Errorf("btree: container %d is a %s", id, access.Kind(c.Kind()))
	}
	meta, err := DecodeMeta(c.Meta())
	if err != nil {
		return nil, err
	}
	if meta.KeyColumns < 1 {
		return nil, fmt.Errorf("btree: container %d: no key columns", id)
	}

	return &Tree{
		env:      env,
		id:       id,
		c:        c,
		meta:     meta,
		maxEntry: (c.PageSize()-page.HeaderSize)/4 - page.SlotSize,
		skipped:  map[string]struct{}{},
	}, nil
}

// Create formats the root of a new tree in container id, which must already exist, and
// returns the tree. The root is page 1 and stays there as the tree grows.
func Create(env *access.Env, id uint32) (*Tree, error) {
	t, err := Open(env, id)
	if err != nil {
		return nil, err
	}
	err = t.init()
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) init() error {
	t.smo.Lock()
	defer t.smo.Unlock()

	if t.c.PageCount() > rootPage {
		return nil
	}
	f, err := t.env.NewPage(t.id, page.Leaf, 0)
	if err != nil {
		return err
	}
	num := f.ID().Number
	f.Release()
	if num != rootPage {
		return fmt.Errorf("btree: %d: root allocated as page %d", t.id, num)
	}
	return nil
}

func (t *Tree) ID() uint32 {
	return t.id
}

func (t *Tree) Kind() access.Kind {
	return access.BTreeKind
}

func (t *Tree) Meta() Meta {
	return t.meta
}

// Base returns the container of the heap whose rows the tree indexes, or 0.
func (t *Tree) Base() uint32 {
	return t.meta.Base
}

// Close makes every later operation on t fail; undo and the reclaiming of ghosts still
// work.
func (t *Tree) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *Tree) check(op string) error {
	if t.closed.Load() {
		return dberr.Wrap(fmt.Sprintf("btree: %d: %s", t.id, op), dberr.ErrClosed)
	}
	return nil
}

func (t *Tree) String() string {
	return fmt.Sprintf("btree %d", t.id)
}

func (t *Tree) fetch(num uint32, mode buffer.LatchMode) (*buffer.Frame, error) {
	return t.env.Pool.Fetch(page.ID{Container: t.id, Number: num}, mode)
}

func (t *Tree) corrupt(f *buffer.Frame, format string, args ...interface{}) error {
	return dberr.New(dberr.Corruption, "btree", "%d: page %s: %s", t.id, f.ID(),
		fmt.Sprintf(format, args...))
}

// key returns the key of r: its key columns for a unique tree, otherwise all of its columns.
func (t *Tree) key(r row.Row) ([]byte, error) {
	if len(r) < t.meta.KeyColumns {
		return nil, fmt.Errorf("btree: %d: row has %d columns; need %d key columns", t.id,
			len(r), t.meta.KeyColumns)
	}
	if t.meta.Unique {
		return row.MakeKey(r[:t.meta.KeyColumns]), nil
	}
	return row.MakeKey(r), nil
}

// descend returns the leaf covering key latched in mode, along with the least key greater
// than every key the leaf covers, or nil if the leaf is the rightmost.
func (t *Tree) descend(key []byte, mode buffer.LatchMode) (*buffer.Frame, []byte, error) {
	for {
		f, err := t.fetch(rootPage, buffer.Shared)
		if err != nil {
			return nil, nil, err
		}
		if f.Page().Type() == page.Leaf {
			if mode == buffer.Shared {
				return f, nil, nil
			}
			f.Release()
			f, err = t.fetch(rootPage, buffer.Exclusive)
			if err != nil {
				return nil, nil, err
			}
			if f.Page().Type() == page.Leaf {
				return f, nil, nil
			}
			// The root split while unlatched.
			f.Release()
			continue
		}

		var high []byte
		for {
			pg := f.Page()
			if pg.Type() != page.Internal || pg.NumSlots() == 0 {
				err = t.corrupt(f, "expected internal node; got %s", pg.Type())
				f.Release()
				return nil, nil, err
			}
			idx := childIndex(pg, key)
			if idx+1 < pg.NumSlots() {
				high = append([]byte(nil), entryKey(pg.Slot(idx+1))...)
			}
			lvl := level(pg)
			cmode := buffer.Shared
			if lvl == 1 {
				cmode = mode
			}
			cf, err := t.fetch(entryChild(pg.Slot(idx)), cmode)
			f.Release()
			if err != nil {
				return nil, nil, err
			}
			f = cf
			if lvl == 1 {
				if f.Page().Type() != page.Leaf {
					err = t.corrupt(f, "expected leaf; got %s", f.Page().Type())
					f.Release()
					return nil, nil, err
				}
				return f, high, nil
			}
		}
	}
}

// latchedPath is the frames, all latched exclusive, from the root down to a leaf.
type latchedPath struct {
	frames []*buffer.Frame
	// added are new pages allocated by a structure modification.
	added []*buffer.Frame
}

func (lp *latchedPath) leaf() *buffer.Frame {
	return lp.frames[len(lp.frames)-1]
}

func (lp *latchedPath) add(f *buffer.Frame) {
	lp.frames = append(lp.frames, f)
}

func (lp *latchedPath) release() {
	for _, f := range lp.added {
		f.Release()
	}
	lp.added = nil
	for i := len(lp.frames) - 1; i >= 0; i-- {
		lp.frames[i].Release()
	}
	lp.frames = nil
}

// descendPath latches the path from the root to the leaf covering key exclusive; smo must
// be held.
func (t *Tree) descendPath(key []byte) (*latchedPath, error) {
	lp := &latchedPath{}
	f, err := t.fetch(rootPage, buffer.Exclusive)
	if err != nil {
		return nil, err
	}
	for {
		lp.add(f)
		pg := f.Page()
		switch pg.Type() {
		case page.Leaf:
			return lp, nil
		case page.Internal:
			f, err = t.fetch(entryChild(pg.Slot(childIndex(pg, key))), buffer.Exclusive)
			if err != nil {
				lp.release()
				return nil, err
			}
		default:
			err = t.corrupt(f, "unexpected %s page in tree", pg.Type())
			lp.release()
			return nil, err
		}
	}
}

type logFunc func(id page.ID, slot uint16) (wal.LSN, error)

func (t *Tree) duplicate(key []byte) error {
	return dberr.Wrap(fmt.Sprintf("btree: %d: key %x", t.id, key), dberr.ErrDuplicateKey)
}

// insertAt logs and inserts ent at slot of the exclusive latched leaf in f.
func (t *Tree) insertAt(f *buffer.Frame, slot int, ent []byte, logf logFunc) error {
	lsn, err := logf(f.ID(), uint16(slot))
	if err != nil {
		return err
	}
	if !f.Page().InsertSlot(slot, ent) {
		return t.corrupt(f, "entry does not fit after check")
	}
	t.env.Changed(f, lsn)
	return nil
}

func fits(pg page.Page, ent []byte) bool {
	return pg.FreeSpace() >= len(ent)+page.SlotSize
}

// replaceGhost takes the entry at slot, with the same key as an entry being inserted, out of
// the exclusive latched leaf in f so that the new entry can take its place. The entry must be
// a ghost; the key lock held by the inserting transaction means that whoever deleted it has
// committed, or is the inserting transaction.
func (t *Tree) replaceGhost(f *buffer.Frame, slot int) error {
	pg := f.Page()
	if !isGhost(pg.Slot(slot)) {
		return t.duplicate(entryKey(pg.Slot(slot)))
	}
	return t.remove(f, slot)
}

// remove logs, as a redo only record, and takes the entry at slot out of the exclusive
// latched leaf in f.
func (t *Tree) remove(f *buffer.Frame, slot int) error {
	lsn, err := t.env.LogRedo(&wal.Record{
		Kind: byte(access.BTreeKind),
		Op:   opRemove,
		Page: f.ID(),
		Slot: uint16(slot),
	})
	if err != nil {
		return err
	}
	f.Page().DeleteSlot(slot)
	t.env.Changed(f, lsn)
	return nil
}

// insert puts ent, with key, into its leaf, splitting the leaf first if it is full.
func (t *Tree) insert(key, ent []byte, logf logFunc) error {
	f, _, err := t.descend(key, buffer.Exclusive)
	if err != nil {
		return err
	}
	pg := f.Page()
	slot, eq := search(pg, key)
	if eq {
		err = t.replaceGhost(f, slot)
		if err != nil {
			f.Release()
			return err
		}
	}
	if fits(pg, ent) {
		err = t.insertAt(f, slot, ent, logf)
		f.Release()
		return err
	}
	f.Release()

	t.smo.Lock()
	defer t.smo.Unlock()

	lp, err := t.descendPath(key)
	if err != nil {
		return err
	}
	defer lp.release()

	slot, eq = search(lp.leaf().Page(), key)
	if eq {
		err = t.replaceGhost(lp.leaf(), slot)
		if err != nil {
			return err
		}
	}
	if fits(lp.leaf().Page(), ent) {
		return t.insertAt(lp.leaf(), slot, ent, logf)
	}

	f, err = t.split(lp, key)
	if err != nil {
		return err
	}
	slot, _ = search(f.Page(), key)
	if !fits(f.Page(), ent) {
		return t.corrupt(f, "entry does not fit after split")
	}
	return t.insertAt(f, slot, ent, logf)
}

// Insert adds r to the tree; for a unique tree, a row with the same key columns must not
// already be present. The returned location is always zero.
func (t *Tree) Insert(ctx context.Context, tx access.Transaction,
	r row.Row) (_ access.RowLocation, err error) {

	if err = t.check("insert"); err != nil {
		return access.RowLocation{}, err
	}
	defer access.Guard(tx, &err)

	key, err := t.key(r)
	if err != nil {
		return access.RowLocation{}, err
	}
	ent := makeLeaf(key, 0, row.Encode(r))
	if len(ent) > t.maxEntry || len(makeChild(key, 0)) > t.maxEntry {
		return access.RowLocation{}, dberr.Wrap(fmt.Sprintf("btree: %d: %d bytes", t.id,
			len(ent)), dberr.ErrKeyTooLarge)
	}
	err = access.LockWrite(ctx, tx, lock.Key(t.id, key))
	if err != nil {
		return access.RowLocation{}, err
	}

	err = t.insert(key, ent, func(id page.ID, slot uint16) (wal.LSN, error) {
		return tx.LogUpdate(&wal.Record{
			Kind:  byte(access.BTreeKind),
			Op:    opInsert,
			Page:  id,
			Slot:  slot,
			After: ent,
		})
	})
	return access.RowLocation{}, err
}

// DeleteKey removes the entry with the key of r. The entry becomes a ghost which is
// reclaimed once tx commits.
func (t *Tree) DeleteKey(ctx context.Context, tx access.Transaction, r row.Row) (err error) {
	if err = t.check("delete key"); err != nil {
		return err
	}
	defer access.Guard(tx, &err)

	key, err := t.key(r)
	if err != nil {
		return err
	}
	err = access.LockWrite(ctx, tx, lock.Key(t.id, key))
	if err != nil {
		return err
	}

	f, _, err := t.descend(key, buffer.Exclusive)
	if err != nil {
		return err
	}
	defer f.Release()

	pg := f.Page()
	slot, eq := search(pg, key)
	if !eq || isGhost(pg.Slot(slot)) {
		return dberr.Wrap(fmt.Sprintf("btree: %d: key %x", t.id, key), dberr.ErrRowNotFound)
	}

	ent := append([]byte(nil), pg.Slot(slot)...)
	after := ghostOf(ent)
	lsn, err := tx.LogUpdate(&wal.Record{
		Kind:   byte(access.BTreeKind),
		Op:     opDelete,
		Page:   f.ID(),
		Slot:   uint16(slot),
		Before: ent,
		After:  after,
	})
	if err != nil {
		return err
	}
	pg.SetSlot(slot, after)
	t.env.Changed(f, lsn)

	tx.OnCommit(func() {
		t.Reclaim(key)
	})
	return nil
}

// Reclaim takes the ghost with key, if there is one, out of its leaf, merging the leaf with
// a sibling if it is under-full and eager merge is on. A ghost whose key is locked by a
// transaction is left alone and tried again by a later Reclaim.
func (t *Tree) Reclaim(key []byte) {
	if !t.reclaim(key) {
		t.mutex.Lock()
		t.skipped[string(key)] = struct{}{}
		t.mutex.Unlock()
		return
	}

	t.mutex.Lock()
	keys := make([]string, 0, len(t.skipped))
	for k := range t.skipped {
		keys = append(keys, k)
	}
	clear(t.skipped)
	t.mutex.Unlock()

	for _, k := range keys {
		if !t.reclaim([]byte(k)) {
			t.mutex.Lock()
			t.skipped[k] = struct{}{}
			t.mutex.Unlock()
		}
	}
}

// reclaim returns false if key is locked.
func (t *Tree) reclaim(key []byte) bool {
	var underfull bool
	ran, err := t.env.Sweep(lock.Key(t.id, key), func() error {
		f, _, err := t.descend(key, buffer.Exclusive)
		if err != nil {
			return err
		}
		defer f.Release()

		pg := f.Page()
		slot, eq := search(pg, key)
		if !eq || !isGhost(pg.Slot(slot)) {
			return nil
		}
		err = t.remove(f, slot)
		if err != nil {
			return err
		}
		underfull = used(pg) < pg.Usable()/4
		return nil
	})
	if err == nil && ran && underfull && t.env.EagerMerge {
		err = t.merge(key)
	}
	if err != nil {
		log.WithFields(log.Fields{"btree": t.id, "key": fmt.Sprintf("%x", key)}).
			WithError(err).Warn("ghost reclaim failed")
	} else if !ran {
		log.WithFields(log.Fields{"btree": t.id, "key": fmt.Sprintf("%x", key)}).
			Debug("ghost reclaim skipped: key locked")
	}
	return ran
}

// InsertLocation adds an entry of key, which is exactly the key columns, and loc, the
// location of the row of the base heap which has that key.
func (t *Tree) InsertLocation(ctx context.Context, tx access.Transaction, key row.Row,
	loc access.RowLocation) error {

	if t.meta.Base == 0 {
		return t.noBase("insert location")
	}
	if len(key) != t.meta.KeyColumns {
		return fmt.Errorf("btree: %d: key has %d columns; need %d", t.id, len(key),
			t.meta.KeyColumns)
	}
	r := make(row.Row, 0, len(key)+1)
	r = append(append(r, key...), loc.Value())
	_, err := t.Insert(ctx, tx, r)
	return err
}

// Lookup returns the base heap location in the first entry whose key starts with key.
func (t *Tree) Lookup(ctx context.Context, tx access.Transaction,
	key row.Row) (access.RowLocation, error) {

	if t.meta.Base == 0 {
		return access.RowLocation{}, t.noBase("lookup")
	}
	s, err := t.OpenScan(ctx, tx, access.ScanRange{Start: key, End: key})
	if err != nil {
		return access.RowLocation{}, err
	}
	defer s.Close()

	_, r, err := s.Next(ctx)
	if err == io.EOF {
		return access.RowLocation{}, dberr.Wrap(fmt.Sprintf("btree: %d: lookup %s", t.id, key),
			dberr.ErrRowNotFound)
	} else if err != nil {
		return access.RowLocation{}, err
	}
	loc, ok := access.LocationValue(r[len(r)-1])
	if !ok || len(r) <= len(key) {
		err = dberr.New(dberr.Corruption, "btree", "%d: %s: no row location", t.id, r)
		tx.Doom(err)
		return access.RowLocation{}, err
	}
	return loc, nil
}

func (t *Tree) noBase(op string) error {
	return dberr.Wrap(fmt.Sprintf("btree: %d: %s: no base heap", t.id, op),
		dberr.ErrNotSupported)
}

func (t *Tree) notSupported(op string) error {
	return dberr.Wrap(fmt.Sprintf("btree: %d: %s by row location", t.id, op),
		dberr.ErrNotSupported)
}

func (t *Tree) Fetch(ctx context.Context, tx access.Transaction,
	loc access.RowLocation) (_ row.Row, err error) {

	if err = t.check("fetch"); err != nil {
		return nil, err
	}
	defer access.Guard(tx, &err)
	return nil, t.notSupported("fetch")
}

func (t *Tree) Update(ctx context.Context, tx access.Transaction, loc access.RowLocation,
	r row.Row) (err error) {

	if err = t.check("update"); err != nil {
		return err
	}
	defer access.Guard(tx, &err)
	return t.notSupported("update")
}

func (t *Tree) Delete(ctx context.Context, tx access.Transaction,
	loc access.RowLocation) (err error) {

	if err = t.check("delete"); err != nil {
		return err
	}
	defer access.Guard(tx, &err)
	return t.notSupported("delete")
}

// Undo removes an inserted entry or puts back a deleted one, in whichever leaf now covers
// its key.
func (t *Tree) Undo(ctx context.Context, tx access.Transaction, rec *wal.Record) error {
	switch rec.Op {
	case opInsert:
		key := entryKey(rec.After)
		f, _, err := t.descend(key, buffer.Exclusive)
		if err != nil {
			return err
		}
		defer f.Release()

		slot, eq := search(f.Page(), key)
		if !eq || isGhost(f.Page().Slot(slot)) {
			return t.corrupt(f, "undo %s: key not found", rec)
		}
		lsn, err := tx.LogCLR(&wal.Record{
			Kind: byte(access.BTreeKind),
			Op:   opRemove,
			Page: f.ID(),
			Slot: uint16(slot),
		}, rec.PrevLSN)
		if err != nil {
			return err
		}
		f.Page().DeleteSlot(slot)
		t.env.Changed(f, lsn)
		return nil
	case opDelete:
		key := entryKey(rec.Before)
		f, _, err := t.descend(key, buffer.Exclusive)
		if err != nil {
			return err
		}
		slot, eq := search(f.Page(), key)
		if eq {
			defer f.Release()
			if !isGhost(f.Page().Slot(slot)) {
				return t.corrupt(f, "undo %s: key is not a ghost", rec)
			}
			lsn, err := tx.LogCLR(&wal.Record{
				Kind:  byte(access.BTreeKind),
				Op:    opRestore,
				Page:  f.ID(),
				Slot:  uint16(slot),
				After: rec.Before,
			}, rec.PrevLSN)
			if err != nil {
				return err
			}
			f.Page().SetSlot(slot, rec.Before)
			t.env.Changed(f, lsn)
			return nil
		}
		f.Release()

		// The ghost was replaced by an insert of the same key, which has been undone.
		return t.insert(key, rec.Before, func(id page.ID, slot uint16) (wal.LSN, error) {
			return tx.LogCLR(&wal.Record{
				Kind:  byte(access.BTreeKind),
				Op:    opInsert,
				Page:  id,
				Slot:  slot,
				After: rec.Before,
			}, rec.PrevLSN)
		})
	}
	return fmt.Errorf("btree: unable to undo %s", rec)
}

func init() {
	access.RegisterRedo(access.BTreeKind, redo)
}

func redo(rec *wal.Record, id page.ID, pg page.Page) error {
	if pg.Type() != page.Leaf {
		return dberr.New(dberr.Corruption, "btree", "redo %s: %s page", rec, pg.Type())
	}

	slot := int(rec.Slot)
	switch rec.Op {
	case opInsert:
		if slot > pg.NumSlots() || !pg.InsertSlot(slot, rec.After) {
			return dberr.New(dberr.Corruption, "btree", "redo %s: entry does not fit", rec)
		}
	case opDelete, opRestore:
		if slot >= pg.NumSlots() || len(rec.After) == 0 || !pg.SetSlot(slot, rec.After) {
			return dberr.New(dberr.Corruption, "btree", "redo %s: no slot", rec)
		}
	case opRemove:
		if slot >= pg.NumSlots() {
			return dberr.New(dberr.Corruption, "btree", "redo %s: no slot", rec)
		}
		pg.DeleteSlot(slot)
	default:
		return dberr.New(dberr.Corruption, "btree", "redo %s: unknown op", rec)
	}
	return nil
}
