// Package buffer caches pages in a fixed number of frames. A frame is pinned while in use
// and latched while read or changed; a dirty page is written only after the log is durable
// up to the page's LSN.
package buffer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/wal"
)

type Storage interface {
	ReadPage(id page.ID, buf page.Page) error
	WritePage(id page.ID, buf page.Page) error
}

type LogFlusher interface {
	Flush(upto wal.LSN) error
}

type LatchMode int

const (
	Shared LatchMode = iota
	Exclusive
)

const minFrames = 8

type Frame struct {
	pool *Pool
	id   page.ID
	data page.Page
	// ready is closed once the page has been read; err is set if reading it failed.
	ready chan struct{}
	err   error

	latch    sync.RWMutex
	xlatched bool

	// Protected by pool.mutex.
	slot int
	pins int
	ref  bool

	dirtyMutex sync.Mutex
	dirty      bool
	recLSN     wal.LSN
}

type Stats struct {
	Hits       uint64
	Misses     uint64
	CacheHits  uint64
	Evictions  uint64
	Writes     uint64
	DirtyPages int
}

type Pool struct {
	storage  Storage
	log      LogFlusher
	pageSize int
	cache    *ristretto.Cache[uint64, []byte]

	mutex  sync.Mutex
	frames map[page.ID]*Frame
	slots  []*Frame
	hand   int
	stats  Stats
}

type Options struct {
	Frames int
	// CacheSize is the number of bytes of clean evicted pages to keep; 0 disables the
	// cache.
	CacheSize int64
}

func NewPool(storage Storage, log LogFlusher, pageSize int, opts Options) (*Pool, error) {
	if opts.Frames < minFrames {
		opts.Frames = minFrames
	}

	p := &Pool{
		storage:  storage,
		log:      log,
		pageSize: pageSize,
		frames:   map[page.ID]*Frame{},
		slots:    make([]*Frame, opts.Frames),
	}
	if opts.CacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
			NumCounters: 10 * (opts.CacheSize / int64(pageSize)),
			MaxCost:     opts.CacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("buffer: page cache: %w", err)
		}
		p.cache = cache
	}
	return p, nil
}

func (p *Pool) PageSize() int {
	return p.pageSize
}

// Fetch pins the page id and latches it in mode.
func (p *Pool) Fetch(id page.ID, mode LatchMode) (*Frame, error) {
	f, err := p.Pin(id)
	if err != nil {
		return nil, err
	}
	f.Latch(mode)
	return f, nil
}

// Pin makes sure page id is in a frame and pins it; the page must be latched before it is
// used.
func (p *Pool) Pin(id page.ID) (*Frame, error) {
	if id.Number == 0 {
		return nil, fmt.Errorf("buffer: page %s is a container header", id)
	}

	var slot int
	for {
		p.mutex.Lock()
		if f, ok := p.frames[id]; ok {
			f.pins += 1
			f.ref = true
			p.stats.Hits += 1
			p.mutex.Unlock()

			<-f.ready
			if err := f.err; err != nil {
				p.Unpin(f)
				return nil, err
			}
			return f, nil
		}

		var victim *Frame
		var ok bool
		slot, victim, ok = p.clock()
		if !ok {
			p.mutex.Unlock()
			return nil, dberr.New(dberr.Resource, "buffer",
				"all %d frames are pinned", len(p.slots))
		}
		if victim == nil {
			break
		}
		if !victim.isDirty() {
			p.evict(victim)
			break
		}

		victim.pins += 1
		p.mutex.Unlock()
		err := p.flushFrame(victim)
		p.Unpin(victim)
		if err != nil {
			return nil, err
		}
	}

	f := &Frame{
		pool:  p,
		id:    id,
		data:  make(page.Page, p.pageSize),
		ready: make(chan struct{}),
		slot:  slot,
		pins:  1,
		ref:   true,
	}
	p.frames[id] = f
	p.slots[slot] = f
	p.stats.Misses += 1
	p.mutex.Unlock()

	err := p.load(f)
	if err != nil {
		p.mutex.Lock()
		f.err = err
		delete(p.frames, id)
		p.slots[f.slot] = nil
		p.mutex.Unlock()
	}
	close(f.ready)
	if err != nil {
		p.Unpin(f)
		return nil, err
	}
	return f, nil
}

// clock returns an empty slot or an unpinned victim; it must be called with p.mutex held.
func (p *Pool) clock() (int, *Frame, bool) {
	for n := 0; n < 2*len(p.slots); n++ {
		slot := p.hand
		p.hand = (p.hand + 1) % len(p.slots)

		f := p.slots[slot]
		if f == nil {
			return slot, nil, true
		}
		if f.pins > 0 {
			continue
		}
		if f.ref {
			f.ref = false
			continue
		}
		return slot, f, true
	}
	return 0, nil, false
}

// evict removes the clean, unpinned frame f; it must be called with p.mutex held.
func (p *Pool) evict(f *Frame) {
	delete(p.frames, f.id)
	p.slots[f.slot] = nil
	p.stats.Evictions += 1

	if p.cache != nil {
		buf := f.data.Copy()
		buf.SetChecksum()
		p.cache.Set(f.id.Key(), buf, int64(len(buf)))
		p.cache.Wait()
	}
}

func (p *Pool) load(f *Frame) error {
	if p.cache != nil {
		if buf, ok := p.cache.Get(f.id.Key()); ok && page.Page(buf).VerifyChecksum() {
			copy(f.data, buf)
			p.mutex.Lock()
			p.stats.CacheHits += 1
			p.mutex.Unlock()
			return nil
		}
	}
	return p.storage.ReadPage(f.id, f.data)
}

func (p *Pool) Unpin(f *Frame) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if f.pins <= 0 {
		panic(fmt.Sprintf("buffer: unpin of unpinned page %s", f.id))
	}
	f.pins -= 1
}

func (f *Frame) isDirty() bool {
	f.dirtyMutex.Lock()
	defer f.dirtyMutex.Unlock()
	return f.dirty
}

// flushFrame writes f if it is dirty; f must be pinned and not latched by the caller.
func (p *Pool) flushFrame(f *Frame) error {
	f.latch.RLock()
	defer f.latch.RUnlock()

	f.dirtyMutex.Lock()
	dirty := f.dirty
	f.dirtyMutex.Unlock()
	if !dirty {
		return nil
	}

	err := p.log.Flush(wal.LSN(f.data.LSN()))
	if err != nil {
		return err
	}
	if p.cache != nil {
		p.cache.Del(f.id.Key())
		p.cache.Wait()
	}
	err = p.storage.WritePage(f.id, f.data.Copy())
	if err != nil {
		return err
	}

	f.dirtyMutex.Lock()
	f.dirty = false
	f.recLSN = 0
	f.dirtyMutex.Unlock()

	p.mutex.Lock()
	p.stats.Writes += 1
	p.mutex.Unlock()
	return nil
}

func (p *Pool) pinned() []*Frame {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	frames := make([]*Frame, 0, len(p.frames))
	for _, f := range p.frames {
		if f.err == nil {
			f.pins += 1
			frames = append(frames, f)
		}
	}
	sort.Slice(frames, func(i, j int) bool {
		return frames[i].id.Key() < frames[j].id.Key()
	})
	return frames
}

// FlushAll writes every dirty page.
func (p *Pool) FlushAll() error {
	var err error
	for _, f := range p.pinned() {
		if err == nil {
			err = p.flushFrame(f)
		}
		p.Unpin(f)
	}
	if err != nil {
		log.WithError(err).Error("flushing buffer pool failed")
	}
	return err
}

// FlushPage writes page id if it is in the pool and dirty.
func (p *Pool) FlushPage(id page.ID) error {
	p.mutex.Lock()
	f, ok := p.frames[id]
	if !ok || f.err != nil {
		p.mutex.Unlock()
		return nil
	}
	f.pins += 1
	p.mutex.Unlock()

	err := p.flushFrame(f)
	p.Unpin(f)
	return err
}

// DirtyPages returns the dirty pages and their recovery LSNs: the LSN of the first change
// since each page was last written.
func (p *Pool) DirtyPages() map[page.ID]wal.LSN {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	dpt := map[page.ID]wal.LSN{}
	for id, f := range p.frames {
		f.dirtyMutex.Lock()
		if f.dirty {
			dpt[id] = f.recLSN
		}
		f.dirtyMutex.Unlock()
	}
	return dpt
}

// Discard drops every page of container without writing them; the container is being
// dropped.
func (p *Pool) Discard(container uint32) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for id, f := range p.frames {
		if id.Container != container {
			continue
		}
		if f.pins > 0 {
			return fmt.Errorf("buffer: discard %d: page %s is pinned", container, id)
		}
		delete(p.frames, id)
		p.slots[f.slot] = nil
		if p.cache != nil {
			p.cache.Del(id.Key())
		}
	}
	if p.cache != nil {
		p.cache.Wait()
	}
	return nil
}

func (p *Pool) Stats() Stats {
	p.mutex.Lock()
	stats := p.stats
	p.mutex.Unlock()

	stats.DirtyPages = len(p.DirtyPages())
	return stats
}

func (p *Pool) Close() {
	if p.cache != nil {
		p.cache.Close()
	}
}

func (f *Frame) ID() page.ID {
	return f.id
}

// Page returns the page; the frame must be latched.
func (f *Frame) Page() page.Page {
	return f.data
}

func (f *Frame) Latch(mode LatchMode) {
	if mode == Exclusive {
		f.latch.Lock()
		f.xlatched = true
	} else {
		f.latch.RLock()
	}
}

// TryLatch latches the frame in mode if it can be done without waiting.
func (f *Frame) TryLatch(mode LatchMode) bool {
	if mode == Exclusive {
		if !f.latch.TryLock() {
			return false
		}
		f.xlatched = true
		return true
	}
	return f.latch.TryRLock()
}

func (f *Frame) Unlatch() {
	if f.xlatched {
		f.xlatched = false
		f.latch.Unlock()
	} else {
		f.latch.RUnlock()
	}
}

// Release unlatches and unpins the frame.
func (f *Frame) Release() {
	f.Unlatch()
	f.pool.Unpin(f)
}

// MarkDirty records that the page was changed by the log record lsn, and sets the page
// LSN; the frame must be latched exclusive.
func (f *Frame) MarkDirty(lsn wal.LSN) {
	f.data.SetLSN(uint64(lsn))

	f.dirtyMutex.Lock()
	defer f.dirtyMutex.Unlock()
	if !f.dirty {
		f.dirty = true
		f.recLSN = lsn
	}
}
