// Package tx is the transaction controller: it begins, commits and aborts transactions,
// keeps the chain of log records of each transaction, and rolls back to savepoints.
package tx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zhangyunhao116/skipmap"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/lock"
	"github.com/leftmike/coredb/storage/access"
	"github.com/leftmike/coredb/wal"
)

type State int

const (
	Active State = iota + 1
	Preparing
	Committed
	Aborted
)

func (st State) String() string {
	switch st {
	case Active:
		return "active"
	case Preparing:
		return "preparing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(st))
	}
}

type Options struct {
	// LockTimeout is how long to wait for a lock; 0 waits until the lock is granted, a
	// deadlock is detected or the context is done.
	LockTimeout time.Duration
	// Fatal is called when a transaction can not be rolled back.
	Fatal func(err error)
	// PostCommit runs an action registered with OnCommit; by default actions run when the
	// transaction commits.
	PostCommit func(fn func())
}

type Manager struct {
	env     *access.Env
	locks   *lock.Manager
	timeout time.Duration
	fatal   func(err error)
	post    func(fn func())

	lastID atomic.Uint64
	active *skipmap.OrderedMap[uint64, *Txn]
	closed atomic.Bool

	commits atomic.Uint64
	aborts  atomic.Uint64
}

type Stats struct {
	Active  int
	Commits uint64
	Aborts  uint64
}

func NewManager(env *access.Env, locks *lock.Manager, opts Options) *Manager {
	m := &Manager{
		env:     env,
		locks:   locks,
		timeout: opts.LockTimeout,
		fatal:   opts.Fatal,
		post:    opts.PostCommit,
		active:  skipmap.New[uint64, *Txn](),
	}
	if m.fatal == nil {
		m.fatal = func(err error) {
			log.WithError(err).Error("transaction rollback failed")
		}
	}
	if m.post == nil {
		m.post = func(fn func()) {
			fn()
		}
	}
	return m
}

// SetNextID makes sure transactions begun from now on have ids greater than id.
func (m *Manager) SetNextID(id uint64) {
	for {
		last := m.lastID.Load()
		if last >= id || m.lastID.CompareAndSwap(last, id) {
			return
		}
	}
}

// Close refuses any new transactions.
func (m *Manager) Close() {
	m.closed.Store(true)
}

func (m *Manager) Stats() Stats {
	return Stats{
		Active:  m.active.Len(),
		Commits: m.commits.Load(),
		Aborts:  m.aborts.Load(),
	}
}

type savepoint struct {
	id   int
	lsn  wal.LSN
	mark int
}

type Txn struct {
	m   *Manager
	ls  lock.LockerState
	id  uint64
	iso access.Isolation

	// Protected by mutex, which is held while appending to the log so that a snapshot of
	// the transaction table sees every record logged before it.
	mutex    sync.Mutex
	state    State
	firstLSN wal.LSN
	lastLSN  wal.LSN

	savepoints []savepoint
	nextSP     int
	onCommit   []func()
	doomed     error
}

// Begin starts a transaction; nothing is logged until it first changes something.
func (m *Manager) Begin(iso access.Isolation) (*Txn, error) {
	if m.closed.Load() {
		return nil, dberr.Wrap("tx: begin", dberr.ErrClosed)
	}

	t := m.newTxn(m.lastID.Add(1), iso)
	log.WithFields(log.Fields{"tx": t.id, "isolation": iso}).Trace("begin")
	return t, nil
}

func (m *Manager) newTxn(id uint64, iso access.Isolation) *Txn {
	t := &Txn{
		m:     m,
		id:    id,
		iso:   iso,
		state: Active,
	}
	t.ls.SetID(id)
	m.active.Store(id, t)
	return t
}

func (t *Txn) LockerState() *lock.LockerState {
	return &t.ls
}

func (t *Txn) String() string {
	return fmt.Sprintf("tx-%d", t.id)
}

func (t *Txn) ID() uint64 {
	return t.id
}

func (t *Txn) Isolation() access.Isolation {
	return t.iso
}

func (t *Txn) State() State {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.state
}

// Doomed returns the error which doomed t, or nil.
func (t *Txn) Doomed() error {
	return t.doomed
}

func (t *Txn) Doom(err error) {
	if t.doomed == nil && err != nil {
		log.WithFields(log.Fields{"tx": t.id}).WithError(err).Debug("transaction doomed")
		t.doomed = err
	}
}

func (t *Txn) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

func (t *Txn) check(op string) error {
	if t.state != Active {
		return dberr.Wrap(fmt.Sprintf("tx: %s: %s", op, t), dberr.ErrTxnComplete)
	}
	if t.doomed != nil {
		return dberr.Wrap(fmt.Sprintf("tx: %s: %s: %s", op, t, t.doomed), dberr.ErrTxnDoomed)
	}
	return nil
}

func intention(mode lock.Mode) lock.Mode {
	if mode == lock.S || mode == lock.IS {
		return lock.IS
	}
	return lock.IX
}

func (t *Txn) Lock(ctx context.Context, res lock.Resource, mode lock.Mode) error {
	if err := t.check("lock"); err != nil {
		return err
	}
	if res.Fine() {
		err := t.m.locks.Acquire(ctx, t, res.Parent(), intention(mode), t.m.timeout)
		if err != nil {
			return err
		}
	}
	return t.m.locks.Acquire(ctx, t, res, mode, t.m.timeout)
}

func (t *Txn) TryLock(res lock.Resource, mode lock.Mode) error {
	if err := t.check("lock"); err != nil {
		return err
	}
	if res.Fine() {
		err := t.m.locks.TryAcquire(t, res.Parent(), intention(mode))
		if err != nil {
			return err
		}
	}
	return t.m.locks.TryAcquire(t, res, mode)
}

func (t *Txn) Unlock(res lock.Resource) error {
	return t.m.locks.Release(t, res)
}

func (t *Txn) Holds(res lock.Resource) lock.Mode {
	return t.m.locks.Held(t, res)
}

// append logs rec as the next record of t; mutex must be held.
func (t *Txn) append(rec *wal.Record) (wal.LSN, error) {
	rec.TxID = t.id
	rec.PrevLSN = t.lastLSN
	lsn, err := t.m.env.Log.Append(rec)
	if err != nil {
		return 0, err
	}
	t.lastLSN = lsn
	return lsn, nil
}

func (t *Txn) LogUpdate(rec *wal.Record) (wal.LSN, error) {
	if err := t.check("update"); err != nil {
		return 0, err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.firstLSN == 0 {
		lsn, err := t.append(&wal.Record{Type: wal.Begin})
		if err != nil {
			return 0, err
		}
		t.firstLSN = lsn
	}
	rec.Type = wal.Update
	return t.append(rec)
}

func (t *Txn) LogCLR(rec *wal.Record, undoNext wal.LSN) (wal.LSN, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	rec.Type = wal.CLR
	rec.UndoNextLSN = undoNext
	return t.append(rec)
}

func (t *Txn) logType(typ wal.Type) (wal.LSN, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.append(&wal.Record{Type: typ})
}

func (t *Txn) setState(st State) {
	t.mutex.Lock()
	t.state = st
	t.mutex.Unlock()
}

func (t *Txn) finish(st State) {
	t.setState(st)
	t.m.locks.ReleaseAll(t)
	t.m.active.Delete(t.id)
	if st == Committed {
		t.m.commits.Add(1)
	} else {
		t.m.aborts.Add(1)
	}
}

// Commit makes the changes of t durable. A doomed transaction is aborted instead, and the
// error which doomed it is returned.
func (t *Txn) Commit() error {
	if t.state != Active {
		return dberr.Wrap(fmt.Sprintf("tx: commit: %s", t), dberr.ErrTxnComplete)
	}
	if t.doomed != nil {
		doomed := t.doomed
		err := t.Abort()
		if err != nil {
			return err
		}
		return fmt.Errorf("tx: commit: %s aborted: %w", t, doomed)
	}

	if t.firstLSN == 0 {
		t.finish(Committed)
		return nil
	}

	t.setState(Preparing)
	lsn, err := t.logType(wal.Commit)
	if err == nil {
		err = t.m.env.Log.Flush(lsn)
	}
	if err != nil {
		// Whether or not the commit record reached the log is unknown.
		err = fmt.Errorf("tx: commit: %s: %w", t, err)
		t.m.fatal(err)
		return err
	}

	t.m.locks.ReleaseAll(t)
	t.setState(Committed)
	_, err = t.logType(wal.End)
	t.m.active.Delete(t.id)
	t.m.commits.Add(1)
	log.WithFields(log.Fields{"tx": t.id, "lsn": lsn}).Trace("commit")

	for _, fn := range t.onCommit {
		t.m.post(fn)
	}
	t.onCommit = nil
	if err != nil {
		log.WithField("tx", t.id).WithError(err).Warn("commit: end record")
	}
	return nil
}

// Abort rolls back every change made by t.
func (t *Txn) Abort() error {
	if t.state != Active {
		return dberr.Wrap(fmt.Sprintf("tx: abort: %s", t), dberr.ErrTxnComplete)
	}
	if t.firstLSN == 0 {
		t.finish(Aborted)
		return nil
	}

	_, err := t.logType(wal.Abort)
	if err == nil {
		err = t.rollback(context.Background(), 0)
	}
	if err != nil {
		err = fmt.Errorf("tx: abort: %s: %w", t, err)
		t.m.fatal(err)
		return err
	}
	return t.EndAbort()
}

// EndAbort logs the end of an aborted transaction whose changes have all been undone and
// releases its locks.
func (t *Txn) EndAbort() error {
	_, err := t.logType(wal.End)
	t.finish(Aborted)
	t.onCommit = nil
	log.WithFields(log.Fields{"tx": t.id}).Trace("abort")
	if err != nil {
		return fmt.Errorf("tx: abort: %s: %w", t, err)
	}
	return nil
}

// rollback undoes the changes of t logged after stop.
func (t *Txn) rollback(ctx context.Context, stop wal.LSN) error {
	lsn := t.lastLSN
	for lsn > stop {
		rec, err := t.m.env.Log.Read(lsn)
		if err != nil {
			return err
		}
		lsn, err = t.UndoRecord(ctx, rec)
		if err != nil {
			return err
		}
	}
	return nil
}

// UndoRecord undoes rec, one of the records of t, if it is an update; it returns the LSN
// of the next record of t to undo.
func (t *Txn) UndoRecord(ctx context.Context, rec *wal.Record) (wal.LSN, error) {
	if rec.TxID != t.id {
		return 0, fmt.Errorf("tx: undo %s: record of tx %d", t, rec.TxID)
	}

	switch rec.Type {
	case wal.Update:
		err := t.m.env.Undo(ctx, t, rec)
		if err != nil {
			return 0, err
		}
		return rec.PrevLSN, nil
	case wal.CLR:
		return rec.UndoNextLSN, nil
	case wal.Begin:
		return 0, nil
	}
	return rec.PrevLSN, nil
}

// SetSavepoint returns a savepoint for the current state of t.
func (t *Txn) SetSavepoint() (int, error) {
	if err := t.check("savepoint"); err != nil {
		return 0, err
	}

	t.nextSP += 1
	t.savepoints = append(t.savepoints, savepoint{
		id:   t.nextSP,
		lsn:  t.lastLSN,
		mark: t.m.locks.Mark(t),
	})
	return t.nextSP, nil
}

func (t *Txn) findSavepoint(id int) (int, error) {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].id == id {
			return i, nil
		}
	}
	return 0, dberr.Wrap(fmt.Sprintf("tx: %s: savepoint %d", t, id), dberr.ErrBadSavepoint)
}

// RollbackToSavepoint undoes the changes of t made after savepoint id and releases the
// locks first acquired after it. Savepoints set after id are discarded; id remains.
func (t *Txn) RollbackToSavepoint(id int) error {
	if err := t.check("rollback to savepoint"); err != nil {
		return err
	}
	i, err := t.findSavepoint(id)
	if err != nil {
		return err
	}

	sp := t.savepoints[i]
	err = t.rollback(context.Background(), sp.lsn)
	if err != nil {
		err = fmt.Errorf("tx: rollback to savepoint: %s: %w", t, err)
		t.m.fatal(err)
		return err
	}
	t.m.locks.ReleaseSince(t, sp.mark)
	t.savepoints = t.savepoints[:i+1]
	return nil
}

// ReleaseSavepoint discards savepoint id and any set after it.
func (t *Txn) ReleaseSavepoint(id int) error {
	if err := t.check("release savepoint"); err != nil {
		return err
	}
	i, err := t.findSavepoint(id)
	if err != nil {
		return err
	}
	t.savepoints = t.savepoints[:i]
	return nil
}

// Info is a snapshot of a transaction, as recorded by a checkpoint.
type Info struct {
	ID       uint64
	State    State
	FirstLSN wal.LSN
	LastLSN  wal.LSN
}

// Snapshot returns the transactions which have logged anything, ordered by id.
func (m *Manager) Snapshot() []Info {
	var infos []Info
	m.active.Range(func(id uint64, t *Txn) bool {
		t.mutex.Lock()
		if t.firstLSN != 0 {
			infos = append(infos, Info{
				ID:       id,
				State:    t.state,
				FirstLSN: t.firstLSN,
				LastLSN:  t.lastLSN,
			})
		}
		t.mutex.Unlock()
		return true
	})
	return infos
}

// OldestLSN returns the first LSN of the oldest transaction with records in the log, or 0.
func (m *Manager) OldestLSN() wal.LSN {
	var oldest wal.LSN
	for _, info := range m.Snapshot() {
		if oldest == 0 || info.FirstLSN < oldest {
			oldest = info.FirstLSN
		}
	}
	return oldest
}

// Restore puts a transaction found in the log by recovery back in the transaction table so
// that it can be rolled back.
func (m *Manager) Restore(id uint64, firstLSN, lastLSN wal.LSN) (*Txn, error) {
	if _, ok := m.active.Load(id); ok {
		return nil, fmt.Errorf("tx: restore tx-%d: already active", id)
	}
	m.SetNextID(id)
	t := m.newTxn(id, access.Serializable)
	t.firstLSN = firstLSN
	t.lastLSN = lastLSN
	return t, nil
}

// LogAbort logs that t is being rolled back; recovery uses it for transactions which did not
// log an abort before the crash.
func (t *Txn) LogAbort() error {
	_, err := t.logType(wal.Abort)
	return err
}

// EndCommitted logs the end of committed transaction id, which recovery found without one.
func (m *Manager) EndCommitted(id uint64, lastLSN wal.LSN) error {
	m.SetNextID(id)
	_, err := m.env.Log.Append(&wal.Record{
		Type:    wal.End,
		TxID:    id,
		PrevLSN: lastLSN,
	})
	if err != nil {
		return fmt.Errorf("tx: end tx-%d: %w", id, err)
	}
	return nil
}
