package access

import (
	"context"
	"fmt"
	"sync"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/lock"
	"github.com/leftmike/coredb/storage/buffer"
	"github.com/leftmike/coredb/storage/container"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/util"
	"github.com/leftmike/coredb/wal"
)

// PageKind records are page actions shared by all conglomerates: formatting a page and
// installing whole page images.
const PageKind Kind = 4

const (
	OpFormat byte = iota + 1
	OpImages
)

// Env holds the services of a database which conglomerates use.
type Env struct {
	Pool       *buffer.Pool
	Log        *wal.Log
	Containers *container.Set
	// Locks is used by work which belongs to no transaction, such as reclaiming ghosts.
	Locks *lock.Manager

	// EagerMerge merges under-full B-tree leaves after deletes.
	EagerMerge bool
	// GhostPurge frees the slots of deleted heap rows after the deleting transaction
	// commits.
	GhostPurge bool

	// Open returns the open conglomerate stored in container id; it is used to undo
	// changes.
	Open func(id uint32) (Conglomerate, error)
}

// Undoer is implemented by conglomerates; Undo compensates for the Update record rec of tx
// and logs a CLR describing what it did. It must not lock anything.
type Undoer interface {
	Undo(ctx context.Context, tx Transaction, rec *wal.Record) error
}

// Redoer applies rec to pg, page id, which is latched exclusive; it must give the same
// result however many times it is applied to a page with an LSN older than rec.
type Redoer func(rec *wal.Record, id page.ID, pg page.Page) error

var (
	redoMutex sync.RWMutex
	redoers   = map[Kind]Redoer{}
)

// RegisterRedo makes fn the redo function for records of kind.
func RegisterRedo(kind Kind, fn Redoer) {
	redoMutex.Lock()
	defer redoMutex.Unlock()

	if _, dup := redoers[kind]; dup {
		panic(fmt.Sprintf("access: redo for %s already registered", kind))
	}
	redoers[kind] = fn
}

// Redo applies rec to page id using the redo function registered for its kind.
func Redo(rec *wal.Record, id page.ID, pg page.Page) error {
	redoMutex.RLock()
	fn, ok := redoers[Kind(rec.Kind)]
	redoMutex.RUnlock()
	if !ok {
		return dberr.New(dberr.Corruption, "access", "no redo for record kind %d: %s",
			rec.Kind, rec)
	}
	return fn(rec, id, pg)
}

func init() {
	RegisterRedo(PageKind, redoPage)
}

func redoPage(rec *wal.Record, id page.ID, pg page.Page) error {
	switch rec.Op {
	case OpFormat:
		buf, level, ok := util.DecodeVarint(rec.Payload)
		if !ok || len(buf) != 1 {
			return dberr.New(dberr.Corruption, "access", "bad format record: %s", rec)
		}
		pg.Format(page.Type(buf[0]))
		pg.SetAux2(level)
	case OpImages:
		for _, img := range rec.Images {
			if img.Page == id {
				if len(img.Data) != len(pg) {
					return dberr.New(dberr.Corruption, "access", "bad page image: %s", rec)
				}
				copy(pg, img.Data)
				return nil
			}
		}
		return dberr.New(dberr.Corruption, "access", "no image for page %s: %s", id, rec)
	default:
		return dberr.New(dberr.Corruption, "access", "unknown page op %d: %s", rec.Op, rec)
	}
	return nil
}

// Undo finds the conglomerate changed by rec and has it undo rec.
func (env *Env) Undo(ctx context.Context, tx Transaction, rec *wal.Record) error {
	if env.Open == nil {
		return fmt.Errorf("access: unable to undo %s: no conglomerates", rec)
	}
	c, err := env.Open(rec.Page.Container)
	if err != nil {
		return fmt.Errorf("access: undo %s: %w", rec, err)
	}
	u, ok := c.(Undoer)
	if !ok {
		return fmt.Errorf("access: undo %s: %s conglomerate can not undo", rec, c.Kind())
	}
	return u.Undo(ctx, tx, rec)
}

// LogRedo appends rec as a redo only record which belongs to no transaction.
func (env *Env) LogRedo(rec *wal.Record) (wal.LSN, error) {
	rec.Type = wal.Redo
	rec.TxID = 0
	return env.Log.Append(rec)
}

// Changed marks the frame as changed by the record lsn and notes its free space.
func (env *Env) Changed(f *buffer.Frame, lsn wal.LSN) {
	f.MarkDirty(lsn)
	env.Containers.Note(f.ID(), f.Page())
}

// NewPage allocates a page in container id, formats it as typ at level, and returns it
// latched exclusive.
func (env *Env) NewPage(id uint32, typ page.Type, level uint64) (*buffer.Frame, error) {
	c, err := env.Containers.Get(id)
	if err != nil {
		return nil, err
	}
	num, err := c.Allocate()
	if err != nil {
		return nil, err
	}
	f, err := env.Pool.Fetch(page.ID{Container: id, Number: num}, buffer.Exclusive)
	if err != nil {
		return nil, err
	}
	err = env.FormatPage(f, typ, level)
	if err != nil {
		f.Release()
		return nil, err
	}
	return f, nil
}

// FormatPage formats the exclusive latched page in f as typ at level, logging the change.
func (env *Env) FormatPage(f *buffer.Frame, typ page.Type, level uint64) error {
	payload := util.EncodeVarint(nil, level)
	rec := &wal.Record{
		Kind:    byte(PageKind),
		Op:      OpFormat,
		Page:    f.ID(),
		Payload: append(payload, byte(typ)),
	}
	lsn, err := env.LogRedo(rec)
	if err != nil {
		return err
	}
	err = redoPage(rec, f.ID(), f.Page())
	if err != nil {
		return err
	}
	env.Changed(f, lsn)
	return nil
}

// LogImages logs the pages of the exclusive latched frames as one redo only record, then
// copies each image into its frame.
func (env *Env) LogImages(frames []*buffer.Frame, images []page.Page) error {
	rec := &wal.Record{
		Kind: byte(PageKind),
		Op:   OpImages,
	}
	for i, f := range frames {
		rec.Images = append(rec.Images, wal.Image{Page: f.ID(), Data: images[i]})
	}
	lsn, err := env.LogRedo(rec)
	if err != nil {
		return err
	}
	for i, f := range frames {
		copy(f.Page(), images[i])
		env.Changed(f, lsn)
	}
	return nil
}

type sweeper struct {
	ls lock.LockerState
}

func (sw *sweeper) LockerState() *lock.LockerState {
	return &sw.ls
}

func (sw *sweeper) String() string {
	return "sweeper"
}

// Sweep runs fn holding res exclusive, but only if res can be locked without waiting; it
// reports whether fn ran. A transaction which has changed res, and not finished, holds it
// exclusive.
func (env *Env) Sweep(res lock.Resource, fn func() error) (bool, error) {
	if env.Locks == nil {
		return true, fn()
	}
	sw := &sweeper{}
	defer env.Locks.ReleaseAll(sw)
	// The container lock of a transaction whose row or key locks were escalated covers res.
	if res.Fine() && env.Locks.TryAcquire(sw, res.Parent(), lock.IX) != nil {
		return false, nil
	}
	if env.Locks.TryAcquire(sw, res, lock.X) != nil {
		return false, nil
	}
	return true, fn()
}

// LockRead locks res for reading by tx as its isolation level requires. The returned
// function gives up a lock which is not held to the end of the transaction; it must be
// called once the row or key has been read.
func LockRead(ctx context.Context, tx Transaction, res lock.Resource,
	forUpdate bool) (func(), error) {

	done := func() {}
	if forUpdate {
		return done, tx.Lock(ctx, res, lock.U)
	}
	if tx.Isolation() == ReadUncommitted {
		return done, nil
	}
	if held := tx.Holds(res); held != 0 && lock.Covers(held, lock.S) {
		return done, nil
	}
	err := tx.Lock(ctx, res, lock.S)
	if err != nil {
		return done, err
	}
	if tx.Isolation() == ReadCommitted {
		return func() {
			tx.Unlock(res)
		}, nil
	}
	return done, nil
}

// LockScan takes the container lock a scan of container id needs.
func LockScan(ctx context.Context, tx Transaction, id uint32, forUpdate bool) error {
	res := lock.Container(id)
	switch {
	case tx.Isolation() == Serializable && forUpdate:
		return tx.Lock(ctx, res, lock.SIX)
	case tx.Isolation() == Serializable:
		return tx.Lock(ctx, res, lock.S)
	case forUpdate:
		return tx.Lock(ctx, res, lock.IX)
	case tx.Isolation() == ReadUncommitted:
		return nil
	}
	return tx.Lock(ctx, res, lock.IS)
}

// LockWrite locks res exclusive; the transaction takes the container intention lock first.
func LockWrite(ctx context.Context, tx Transaction, res lock.Resource) error {
	return tx.Lock(ctx, res, lock.X)
}
