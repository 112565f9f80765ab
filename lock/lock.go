// Package lock is the lock manager: transactions (lockers) lock containers, rows and keys in
// one of several modes. Conflicting requests wait in a FIFO queue per resource, deadlocks are
// detected periodically, and many row or key locks on one container may be escalated to a
// single container lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/coredb/dberr"
)

const numPartitions = 16

// Locker is something that locks resources, usually a transaction.
type Locker interface {
	LockerState() *LockerState
	String() string
}

type held struct {
	res  Resource
	mode Mode
	seq  int
}

// LockerState keeps track of the state of a Locker; it must only be used by the goroutine
// running the Locker.
type LockerState struct {
	id         uint64
	released   bool
	locks      map[Resource]*held
	seq        int
	fine       map[uint32]int
	escalateAt map[uint32]int
	locker     Locker

	// Protected by the mutex of the partition being waited on.
	waitReq *request
}

// SetID sets the age of the locker: a higher id is younger.
func (ls *LockerState) SetID(id uint64) {
	ls.id = id
}

func (ls *LockerState) ID() uint64 {
	return ls.id
}

type request struct {
	ls      *LockerState
	obj     *object
	mode    Mode
	upgrade bool
	ch      chan error
	done    bool
}

// An object is a resource which is locked or waited for.
type object struct {
	res     Resource
	granted map[*LockerState]Mode
	queue   []*request
}

type partition struct {
	mutex   sync.Mutex
	objects map[Resource]*object
}

type Stats struct {
	Waits       uint64
	Timeouts    uint64
	Deadlocks   uint64
	Escalations uint64
}

type Options struct {
	// DetectInterval is how often to look for deadlocks; 0 means only when a wait times
	// out.
	DetectInterval time.Duration
	// Escalation is the number of row and key locks on a container after which locking
	// escalates to the container; 0 disables escalation.
	Escalation int
}

type Manager struct {
	partitions [numPartitions]partition
	escalation int

	waits       atomic.Uint64
	timeouts    atomic.Uint64
	deadlocks   atomic.Uint64
	escalations atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		escalation: opts.Escalation,
		done:       make(chan struct{}),
	}
	for i := range m.partitions {
		m.partitions[i].objects = map[Resource]*object{}
	}
	if opts.DetectInterval > 0 {
		m.wg.Add(1)
		go m.detector(opts.DetectInterval)
	}
	return m
}

func (m *Manager) Close() {
	close(m.done)
	m.wg.Wait()
}

func (m *Manager) detector(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Detect()
		}
	}
}

func (m *Manager) partition(res Resource) *partition {
	return &m.partitions[res.hash()%numPartitions]
}

func (m *Manager) Stats() Stats {
	return Stats{
		Waits:       m.waits.Load(),
		Timeouts:    m.timeouts.Load(),
		Deadlocks:   m.deadlocks.Load(),
		Escalations: m.escalations.Load(),
	}
}

func lockerState(lkr Locker) (*LockerState, error) {
	ls := lkr.LockerState()
	if ls.released {
		return nil, errors.New("lock: locker may not be reused")
	}
	if ls.locks == nil {
		ls.locks = map[Resource]*held{}
		ls.fine = map[uint32]int{}
		ls.escalateAt = map[uint32]int{}
		ls.locker = lkr
	}
	return ls, nil
}

// Acquire locks res in mode for lkr, waiting if necessary. It fails with
// dberr.ErrLockTimeout if the lock is not granted within timeout (a timeout of 0 means wait
// forever), with dberr.ErrDeadlock if lkr is chosen as a deadlock victim, or with the error
// of ctx.
func (m *Manager) Acquire(ctx context.Context, lkr Locker, res Resource, mode Mode,
	timeout time.Duration) error {

	return m.acquire(ctx, lkr, res, mode, timeout, true)
}

// TryAcquire locks res in mode for lkr only if it can be done without waiting; otherwise
// it fails with dberr.ErrLockTimeout.
func (m *Manager) TryAcquire(lkr Locker, res Resource, mode Mode) error {
	return m.acquire(context.Background(), lkr, res, mode, 0, false)
}

func (m *Manager) acquire(ctx context.Context, lkr Locker, res Resource, mode Mode,
	timeout time.Duration, wait bool) error {

	ls, err := lockerState(lkr)
	if err != nil {
		return err
	}
	if h, ok := ls.locks[res]; ok && Covers(h.mode, mode) {
		return nil
	}
	if res.Fine() {
		if h, ok := ls.locks[res.Parent()]; ok && coarseCovers(h.mode, mode) {
			return nil
		}
		if m.escalate(ls, res, mode) {
			return nil
		}
	}

	p := m.partition(res)
	p.mutex.Lock()
	obj, ok := p.objects[res]
	if !ok {
		obj = &object{
			res:     res,
			granted: map[*LockerState]Mode{},
		}
		p.objects[res] = obj
	}

	want := mode
	cur, upgrade := obj.granted[ls]
	if upgrade {
		want = Supremum(cur, mode)
	}
	if (upgrade || len(obj.queue) == 0) && grantable(obj, ls, want) {
		obj.granted[ls] = want
		p.mutex.Unlock()
		ls.record(res, want)
		return nil
	}
	if !wait {
		p.removeIfUnused(obj)
		p.mutex.Unlock()
		return dberr.Wrap(fmt.Sprintf("lock: %s %s", res, mode), dberr.ErrLockTimeout)
	}

	req := &request{
		ls:      ls,
		obj:     obj,
		mode:    want,
		upgrade: upgrade,
		ch:      make(chan error, 1),
	}
	obj.enqueue(req)
	ls.waitReq = req
	p.mutex.Unlock()
	m.waits.Add(1)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err = <-req.ch:
	case <-timer:
		m.Detect()
		err = m.cancel(p, req, dberr.Wrap(fmt.Sprintf("lock: %s %s", res, mode),
			dberr.ErrLockTimeout))
		if errors.Is(err, dberr.ErrLockTimeout) {
			m.timeouts.Add(1)
		}
	case <-ctx.Done():
		err = m.cancel(p, req, ctx.Err())
	}
	if err != nil {
		return err
	}
	ls.record(res, want)
	return nil
}

// cancel gives up on req unless it completed in the meantime.
func (m *Manager) cancel(p *partition, req *request, err error) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if req.done {
		return <-req.ch
	}
	p.fail(req, err)
	return <-req.ch
}

func (ls *LockerState) record(res Resource, mode Mode) {
	if h, ok := ls.locks[res]; ok {
		h.mode = mode
		return
	}
	ls.locks[res] = &held{
		res:  res,
		mode: mode,
		seq:  ls.seq,
	}
	ls.seq += 1
	if res.Fine() {
		ls.fine[res.Container] += 1
	}
}

// escalate tries to replace the row and key locks of ls on the container of res with one
// container lock covering mode.
func (m *Manager) escalate(ls *LockerState, res Resource, mode Mode) bool {
	if m.escalation <= 0 {
		return false
	}
	cnt := ls.fine[res.Container]
	at, ok := ls.escalateAt[res.Container]
	if !ok {
		at = m.escalation
	}
	if cnt < at {
		return false
	}

	coarse := X
	if mode == S || mode == IS {
		coarse = S
		for _, h := range ls.locks {
			if h.res.Fine() && h.res.Container == res.Container && !Covers(S, h.mode) {
				coarse = X
				break
			}
		}
	}

	parent := res.Parent()
	err := m.acquire(context.Background(), ls.locker, parent, coarse, 0, false)
	if err != nil {
		ls.escalateAt[res.Container] = cnt + m.escalation
		return false
	}

	h := ls.locks[parent]
	if !coarseCovers(h.mode, mode) {
		return false
	}
	for r, fh := range ls.locks {
		if r.Fine() && r.Container == res.Container && coarseCovers(h.mode, fh.mode) {
			// The container lock is as old as the oldest fine lock it replaces.
			if fh.seq < h.seq {
				h.seq = fh.seq
			}
			m.release(ls, r)
		}
	}
	m.escalations.Add(1)
	log.WithFields(log.Fields{
		"locker":    ls.locker.String(),
		"container": res.Container,
		"locks":     cnt,
		"mode":      h.mode,
	}).Debug("lock escalated")
	return true
}

func grantable(obj *object, ls *LockerState, mode Mode) bool {
	for other, om := range obj.granted {
		if other != ls && !Compatible(om, mode) {
			return false
		}
	}
	return true
}

// enqueue adds req to the queue of waiters; upgrades go ahead of waiters for new locks.
func (obj *object) enqueue(req *request) {
	if !req.upgrade {
		obj.queue = append(obj.queue, req)
		return
	}
	i := 0
	for i < len(obj.queue) && obj.queue[i].upgrade {
		i += 1
	}
	obj.queue = append(obj.queue, nil)
	copy(obj.queue[i+1:], obj.queue[i:])
	obj.queue[i] = req
}

func (obj *object) dequeue(req *request) {
	for i, r := range obj.queue {
		if r == req {
			obj.queue = append(obj.queue[:i], obj.queue[i+1:]...)
			return
		}
	}
}

// pump grants waiting requests in order until one can not be granted; it must be called with
// the partition mutex held.
func (p *partition) pump(obj *object) {
	for len(obj.queue) > 0 {
		req := obj.queue[0]
		if !grantable(obj, req.ls, req.mode) {
			break
		}
		obj.queue = obj.queue[1:]
		obj.granted[req.ls] = req.mode
		req.done = true
		req.ls.waitReq = nil
		req.ch <- nil
	}
	p.removeIfUnused(obj)
}

// fail removes req from its queue and completes it with err; it must be called with the
// partition mutex held.
func (p *partition) fail(req *request, err error) {
	obj := req.obj
	obj.dequeue(req)
	req.done = true
	req.ls.waitReq = nil
	req.ch <- err
	p.pump(obj)
}

func (p *partition) removeIfUnused(obj *object) {
	if len(obj.granted) == 0 && len(obj.queue) == 0 {
		delete(p.objects, obj.res)
	}
}

func (m *Manager) release(ls *LockerState, res Resource) {
	h, ok := ls.locks[res]
	if !ok {
		return
	}
	delete(ls.locks, res)
	if res.Fine() {
		ls.fine[res.Container] -= 1
	}

	p := m.partition(h.res)
	p.mutex.Lock()
	defer p.mutex.Unlock()

	obj, ok := p.objects[res]
	if !ok {
		panic(fmt.Sprintf("lock: %s held by %s but not locked", res, ls.locker))
	}
	delete(obj.granted, ls)
	p.pump(obj)
}

// Release releases the lock of lkr on res.
func (m *Manager) Release(lkr Locker, res Resource) error {
	ls, err := lockerState(lkr)
	if err != nil {
		return err
	}
	m.release(ls, res)
	return nil
}

// ReleaseAll releases every lock held by lkr; lkr may not be used again.
func (m *Manager) ReleaseAll(lkr Locker) error {
	ls, err := lockerState(lkr)
	if err != nil {
		return err
	}
	ls.released = true

	for res := range ls.locks {
		m.release(ls, res)
	}
	return nil
}

// Mark returns a marker for the locks lkr acquires from now on.
func (m *Manager) Mark(lkr Locker) int {
	ls, err := lockerState(lkr)
	if err != nil {
		return 0
	}
	return ls.seq
}

// ReleaseSince releases the locks lkr first acquired after mark.
func (m *Manager) ReleaseSince(lkr Locker, mark int) error {
	ls, err := lockerState(lkr)
	if err != nil {
		return err
	}
	for res, h := range ls.locks {
		if h.seq >= mark {
			m.release(ls, res)
		}
	}
	return nil
}

// Held returns the mode lkr holds res in, or 0.
func (m *Manager) Held(lkr Locker, res Resource) Mode {
	ls := lkr.LockerState()
	if h, ok := ls.locks[res]; ok {
		return h.mode
	}
	return 0
}

// Count returns the number of locks held by lkr.
func (m *Manager) Count(lkr Locker) int {
	return len(lkr.LockerState().locks)
}
