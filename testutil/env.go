package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/leftmike/coredb/lock"
	"github.com/leftmike/coredb/storage/access"
	"github.com/leftmike/coredb/storage/buffer"
	"github.com/leftmike/coredb/storage/container"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/storage/vfs"
	"github.com/leftmike/coredb/tx"
	"github.com/leftmike/coredb/wal"
)

const (
	LogDir  = "log"
	DataDir = "seg0"
)

type EnvOptions struct {
	PageSize    int
	Frames      int
	CacheSize   int64
	LockTimeout time.Duration
	Escalation  int
	EagerMerge  bool
	GhostPurge  bool
	Log         wal.Options
}

// Env is the storage services of a database, without an engine, on an in-memory file system
// which can be crashed.
type Env struct {
	FS    *vfs.MemFS
	Opts  EnvOptions
	Env   *access.Env
	Locks *lock.Manager
	Txns  *tx.Manager

	mutex         sync.Mutex
	conglomerates map[uint32]access.Conglomerate
	Fatal         error
}

// NewEnv opens the services on fs, which may hold the files of an earlier Env.
func NewEnv(fs *vfs.MemFS, opts EnvOptions) (*Env, error) {
	if opts.PageSize == 0 {
		opts.PageSize = page.MinPageSize
	}
	if opts.Frames == 0 {
		opts.Frames = 64
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = time.Second
	}

	for _, dir := range []string{LogDir, DataDir} {
		err := fs.MkdirAll(dir)
		if err != nil {
			return nil, err
		}
	}
	l, err := wal.Open(fs, LogDir, opts.Log)
	if err != nil {
		return nil, err
	}
	set := container.NewSet(fs, DataDir, opts.PageSize)
	pool, err := buffer.NewPool(set, l, opts.PageSize, buffer.Options{
		Frames:    opts.Frames,
		CacheSize: opts.CacheSize,
	})
	if err != nil {
		l.Close()
		return nil, err
	}

	te := &Env{
		FS:            fs,
		Opts:          opts,
		conglomerates: map[uint32]access.Conglomerate{},
	}
	te.Env = &access.Env{
		Pool:       pool,
		Log:        l,
		Containers: set,
		EagerMerge: opts.EagerMerge,
		GhostPurge: opts.GhostPurge,
		Open:       te.open,
	}
	te.Locks = lock.NewManager(lock.Options{
		DetectInterval: 10 * time.Millisecond,
		Escalation:     opts.Escalation,
	})
	te.Env.Locks = te.Locks
	te.Txns = tx.NewManager(te.Env, te.Locks, tx.Options{
		LockTimeout: opts.LockTimeout,
		Fatal: func(err error) {
			te.mutex.Lock()
			te.Fatal = err
			te.mutex.Unlock()
		},
	})
	return te, nil
}

// Register makes c available to undo.
func (te *Env) Register(c access.Conglomerate) {
	te.mutex.Lock()
	defer te.mutex.Unlock()
	te.conglomerates[c.ID()] = c
}

func (te *Env) open(id uint32) (access.Conglomerate, error) {
	te.mutex.Lock()
	defer te.mutex.Unlock()

	c, ok := te.conglomerates[id]
	if !ok {
		return nil, fmt.Errorf("testutil: conglomerate %d not registered", id)
	}
	return c, nil
}

// CreateContainer creates container id holding a conglomerate of kind.
func (te *Env) CreateContainer(id uint32, kind access.Kind, meta []byte) error {
	_, err := te.Env.Containers.Create(id, byte(kind), meta)
	return err
}

// Close shuts down cleanly: all pages are written.
func (te *Env) Close() error {
	te.Locks.Close()
	err := te.Env.Pool.FlushAll()
	te.Env.Pool.Close()
	if cerr := te.Env.Containers.CloseAll(); err == nil {
		err = cerr
	}
	if cerr := te.Env.Log.Close(); err == nil {
		err = cerr
	}
	return err
}

// Crash stops without writing anything more and throws away every unsynced write.
func (te *Env) Crash() {
	te.Locks.Close()
	te.Env.Log.Abandon()
	te.Env.Pool.Close()
	te.FS.Crash()
}
