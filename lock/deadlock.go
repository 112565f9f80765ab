package lock

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/coredb/dberr"
)

func (m *Manager) lockAll() {
	for i := range m.partitions {
		m.partitions[i].mutex.Lock()
	}
}

func (m *Manager) unlockAll() {
	for i := len(m.partitions) - 1; i >= 0; i-- {
		m.partitions[i].mutex.Unlock()
	}
}

type waitsFor map[*LockerState]mapset.Set[*LockerState]

func (wf waitsFor) add(waiter, holder *LockerState) {
	s, ok := wf[waiter]
	if !ok {
		s = mapset.NewThreadUnsafeSet[*LockerState]()
		wf[waiter] = s
	}
	s.Add(holder)
}

// buildWaitsFor must be called with every partition locked. A waiter waits for every
// locker holding an incompatible lock and for every incompatible waiter ahead of it.
func (m *Manager) buildWaitsFor() waitsFor {
	wf := waitsFor{}
	for i := range m.partitions {
		for _, obj := range m.partitions[i].objects {
			for n, req := range obj.queue {
				for ls, mode := range obj.granted {
					if ls != req.ls && !Compatible(mode, req.mode) {
						wf.add(req.ls, ls)
					}
				}
				for _, ahead := range obj.queue[:n] {
					if ahead.ls != req.ls && !Compatible(ahead.mode, req.mode) {
						wf.add(req.ls, ahead.ls)
					}
				}
			}
		}
	}
	return wf
}

func sortedLockers(s mapset.Set[*LockerState]) []*LockerState {
	lockers := s.ToSlice()
	sort.Slice(lockers, func(i, j int) bool {
		return lockers[i].id < lockers[j].id
	})
	return lockers
}

// findCycle returns the lockers of a cycle in wf, or nil if there is none.
func (wf waitsFor) findCycle() []*LockerState {
	const (
		white = iota
		grey
		black
	)

	starts := mapset.NewThreadUnsafeSet[*LockerState]()
	for ls := range wf {
		starts.Add(ls)
	}

	color := map[*LockerState]int{}
	var stack []*LockerState
	var cycle []*LockerState

	var visit func(ls *LockerState) bool
	visit = func(ls *LockerState) bool {
		color[ls] = grey
		stack = append(stack, ls)
		if out, ok := wf[ls]; ok {
			for _, next := range sortedLockers(out) {
				switch color[next] {
				case grey:
					for i := len(stack) - 1; i >= 0; i-- {
						cycle = append(cycle, stack[i])
						if stack[i] == next {
							break
						}
					}
					return true
				case white:
					if visit(next) {
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[ls] = black
		return false
	}

	for _, ls := range sortedLockers(starts) {
		if color[ls] == white && visit(ls) {
			return cycle
		}
	}
	return nil
}

// Detect looks for cycles of lockers waiting for each other and breaks each one by failing
// the wait of its youngest locker with dberr.ErrDeadlock. It returns the number of victims.
func (m *Manager) Detect() int {
	m.lockAll()
	defer m.unlockAll()

	wf := m.buildWaitsFor()
	var victims int
	for {
		cycle := wf.findCycle()
		if cycle == nil {
			break
		}

		victim := cycle[0]
		for _, ls := range cycle[1:] {
			if ls.id > victim.id {
				victim = ls
			}
		}
		delete(wf, victim)

		req := victim.waitReq
		if req == nil {
			continue
		}
		log.WithFields(log.Fields{
			"victim":   victim.locker.String(),
			"resource": req.obj.res.String(),
			"cycle":    len(cycle),
		}).Info("deadlock detected")

		p := m.partition(req.obj.res)
		p.fail(req, dberr.Wrap(fmt.Sprintf("lock: %s %s", req.obj.res, req.mode),
			dberr.ErrDeadlock))
		m.deadlocks.Add(1)
		victims += 1
	}
	return victims
}

// Lock describes a held or waiting lock.
type Lock struct {
	Resource string
	Locker   string
	Mode     Mode
	// Place is the (one based) place in the queue of a waiter; it is zero for a held lock.
	Place int
}

func (lk Lock) Less(item btree.Item) bool {
	lk2 := item.(Lock)
	if lk.Resource != lk2.Resource {
		return lk.Resource < lk2.Resource
	}
	if lk.Place != lk2.Place {
		return lk.Place < lk2.Place
	}
	if lk.Locker != lk2.Locker {
		return lk.Locker < lk2.Locker
	}
	return lk.Mode < lk2.Mode
}

// Locks returns every held and waiting lock, ordered by resource, then held before waiting.
func (m *Manager) Locks() []Lock {
	tree := btree.New(8)

	m.lockAll()
	for i := range m.partitions {
		for _, obj := range m.partitions[i].objects {
			res := obj.res.String()
			for ls, mode := range obj.granted {
				tree.ReplaceOrInsert(Lock{
					Resource: res,
					Locker:   ls.locker.String(),
					Mode:     mode,
				})
			}
			for n, req := range obj.queue {
				tree.ReplaceOrInsert(Lock{
					Resource: res,
					Locker:   req.ls.locker.String(),
					Mode:     req.mode,
					Place:    n + 1,
				})
			}
		}
	}
	m.unlockAll()

	var locks []Lock
	tree.Ascend(func(item btree.Item) bool {
		locks = append(locks, item.(Lock))
		return true
	})
	return locks
}
