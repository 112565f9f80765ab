// Package engine boots and shuts down a database: it opens the log, containers, buffer pool,
// lock and transaction managers and catalog of a data directory, runs recovery, and keeps
// background workers which checkpoint and purge ghosts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/coredb/catalog"
	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/lock"
	"github.com/leftmike/coredb/recovery"
	"github.com/leftmike/coredb/storage/access"
	"github.com/leftmike/coredb/storage/buffer"
	"github.com/leftmike/coredb/storage/container"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/storage/vfs"
	"github.com/leftmike/coredb/tx"
	"github.com/leftmike/coredb/wal"
)

type Options struct {
	// PageSize is used when a database is created; an existing database keeps its own.
	PageSize    int
	Frames      int
	CacheSize   int64
	LockTimeout time.Duration
	// DeadlockInterval is how often the lock manager looks for deadlocks.
	DeadlockInterval time.Duration
	// Escalation is the number of row or key locks on a container after which locking
	// escalates to the container; 0 disables escalation.
	Escalation int
	// CheckpointInterval is how often to checkpoint; 0 disables the checkpoint worker.
	CheckpointInterval time.Duration
	Log                wal.Options

	DirectIO   bool
	EagerMerge bool
	GhostPurge bool

	// FS holds the log, containers and control file; the default is the operating system's
	// file system. The catalog is always kept in an operating system file.
	FS vfs.FS
}

const (
	DefaultPageSize = 8192
	DefaultFrames   = 1024

	purgeQueue = 256
)

type Engine struct {
	dir   string
	fs    vfs.FS
	opts  Options
	ctl   Control
	env   *access.Env
	locks *lock.Manager
	txns  *tx.Manager
	cat   *catalog.Catalog
	ckpt  *recovery.Checkpointer
	rres  recovery.Result

	mutex         sync.Mutex
	conglomerates map[uint32]access.Conglomerate
	closed        bool
	fatal         error

	// purgeMutex is held shared while queueing to purge, and exclusive to stop queueing.
	purgeMutex sync.RWMutex
	purging    bool
	purge      chan func()
	done       chan struct{}
	wg         sync.WaitGroup
}

func (opts *Options) setDefaults() {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Frames == 0 {
		opts.Frames = DefaultFrames
	}
	if opts.FS == nil {
		opts.FS = vfs.OSFS{
			DirectIO:       opts.DirectIO,
			DirectSuffixes: []string{".dat"},
		}
	}
}

// Create makes a new database in dir, which must not already hold one, and opens it.
func Create(ctx context.Context, dir string, opts Options) (*Engine, error) {
	opts.setDefaults()
	if !page.ValidSize(opts.PageSize) {
		return nil, fmt.Errorf("engine: bad page size: %d", opts.PageSize)
	}

	err := opts.FS.MkdirAll(dir)
	if err != nil {
		return nil, fmt.Errorf("engine: create %s: %w", dir, err)
	}
	exists, err := opts.FS.Exists(filepath.Join(dir, ControlFile))
	if err != nil {
		return nil, fmt.Errorf("engine: create %s: %w", dir, err)
	} else if exists {
		return nil, fmt.Errorf("engine: create %s: database already exists", dir)
	}

	ctl := newControl(opts.PageSize)
	err = writeControl(opts.FS, dir, ctl)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"dir": dir, "uuid": ctl.UUID, "page_size": ctl.PageSize}).
		Info("database created")
	return open(ctx, dir, ctl, opts)
}

// Open opens the database in dir, recovering it if necessary.
func Open(ctx context.Context, dir string, opts Options) (*Engine, error) {
	opts.setDefaults()
	ctl, err := ReadControl(opts.FS, dir)
	if err != nil {
		return nil, err
	}
	return open(ctx, dir, ctl, opts)
}

func open(ctx context.Context, dir string, ctl Control, opts Options) (*Engine, error) {
	e := &Engine{
		dir:           dir,
		fs:            opts.FS,
		opts:          opts,
		ctl:           ctl,
		conglomerates: map[uint32]access.Conglomerate{},
		purge:         make(chan func(), purgeQueue),
		done:          make(chan struct{}),
	}

	err := e.start(ctx)
	if err != nil {
		e.halt()
		return nil, err
	}
	return e, nil
}

func (e *Engine) start(ctx context.Context) error {
	l, err := wal.Open(e.fs, filepath.Join(e.dir, LogDir), e.opts.Log)
	if err != nil {
		return err
	}
	set := container.NewSet(e.fs, filepath.Join(e.dir, DataDir), e.ctl.PageSize)
	err = e.fs.MkdirAll(filepath.Join(e.dir, DataDir))
	if err != nil {
		l.Close()
		return fmt.Errorf("engine: %s: %w", e.dir, err)
	}
	pool, err := buffer.NewPool(set, l, e.ctl.PageSize, buffer.Options{
		Frames:    e.opts.Frames,
		CacheSize: e.opts.CacheSize,
	})
	if err != nil {
		l.Close()
		return err
	}

	e.env = &access.Env{
		Pool:       pool,
		Log:        l,
		Containers: set,
		EagerMerge: e.opts.EagerMerge,
		GhostPurge: e.opts.GhostPurge,
		Open:       e.openID,
	}
	e.locks = lock.NewManager(lock.Options{
		DetectInterval: e.opts.DeadlockInterval,
		Escalation:     e.opts.Escalation,
	})
	e.txns = tx.NewManager(e.env, e.locks, tx.Options{
		LockTimeout: e.opts.LockTimeout,
		Fatal:       e.shutdown,
		PostCommit:  e.postCommit,
	})
	e.env.Locks = e.locks

	e.cat, err = catalog.Open(filepath.Join(e.dir, CatalogFile), e.env)
	if err != nil {
		return err
	}

	if !e.ctl.Clean {
		log.WithField("dir", e.dir).Warn("database was not shut down cleanly")
	}
	e.rres, err = recovery.Recover(ctx, e.env, e.txns, recovery.Options{
		Checkpoint: wal.LSN(e.ctl.Checkpoint),
		Container:  e.cat.Redo,
	})
	if err != nil {
		if recovery.IsFatal(err) {
			return fmt.Errorf("engine: %s can not be opened: %w", e.dir, err)
		}
		return err
	}
	err = e.cat.Reconcile()
	if err != nil {
		return err
	}

	e.ckpt = recovery.NewCheckpointer(e.env, e.txns, e.saveCheckpoint)
	_, err = e.ckpt.Checkpoint()
	if err != nil {
		return err
	}
	e.ctl.Clean = false
	err = writeControl(e.fs, e.dir, e.ctl)
	if err != nil {
		return err
	}

	e.purgeMutex.Lock()
	e.purging = true
	e.purgeMutex.Unlock()
	e.wg.Add(1)
	go e.purger()
	if e.opts.CheckpointInterval > 0 {
		e.wg.Add(1)
		go e.checkpointer(e.opts.CheckpointInterval)
	}

	log.WithFields(log.Fields{
		"dir":       e.dir,
		"uuid":      e.ctl.UUID,
		"page_size": e.ctl.PageSize,
		"redone":    e.rres.Redone,
		"losers":    e.rres.Losers,
	}).Info("database open")
	return nil
}

func (e *Engine) saveCheckpoint(lsn wal.LSN) error {
	e.mutex.Lock()
	e.ctl.Checkpoint = uint64(lsn)
	ctl := e.ctl
	e.mutex.Unlock()

	return writeControl(e.fs, e.dir, ctl)
}

func (e *Engine) Dir() string {
	return e.dir
}

func (e *Engine) Control() Control {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.ctl
}

// Recovery returns what recovery did when the database was opened.
func (e *Engine) Recovery() recovery.Result {
	return e.rres
}

func (e *Engine) Env() *access.Env {
	return e.env
}

// check returns an error if the database may no longer be used.
func (e *Engine) check(op string) error {
	e.mutex.Lock()
	closed, fatal := e.closed, e.fatal
	e.mutex.Unlock()

	if fatal != nil {
		return dberr.Wrap(fmt.Sprintf("engine: %s: shut down", op), fatal)
	} else if closed {
		return dberr.Wrap(fmt.Sprintf("engine: %s", op), dberr.ErrClosed)
	}
	if err := e.env.Containers.Halted(); err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	return nil
}

// Fatal returns the error which shut the database down, if any.
func (e *Engine) Fatal() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.fatal
}

// shutdown stops the database after an error from which it can not continue, such as
// failing to roll back a transaction; restarting it runs recovery.
func (e *Engine) shutdown(err error) {
	e.mutex.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	e.mutex.Unlock()

	log.WithError(err).Error("database shut down")
	e.txns.Close()
}

func (e *Engine) Begin(iso access.Isolation) (*tx.Txn, error) {
	err := e.check("begin")
	if err != nil {
		return nil, err
	}
	return e.txns.Begin(iso)
}

// postCommit queues fn for the purger; fn runs now if the queue is full or the purger has
// stopped.
func (e *Engine) postCommit(fn func()) {
	e.purgeMutex.RLock()
	if e.purging {
		select {
		case e.purge <- fn:
			e.purgeMutex.RUnlock()
			return
		default:
		}
	}
	e.purgeMutex.RUnlock()
	fn()
}

func (e *Engine) purger() {
	defer e.wg.Done()

	for {
		select {
		case fn := <-e.purge:
			fn()
		case <-e.done:
			for {
				select {
				case fn := <-e.purge:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) checkpointer(interval time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := e.env.Log.NextLSN()
	for {
		select {
		case <-ticker.C:
			if e.env.Log.NextLSN() == next {
				// Nothing has been logged since the last checkpoint.
				continue
			}
			_, err := e.Checkpoint()
			if err != nil {
				log.WithError(err).Warn("checkpoint failed")
				if dberr.IsFatal(err) {
					e.shutdown(err)
					return
				}
				continue
			}
			next = e.env.Log.NextLSN()
		case <-e.done:
			return
		}
	}
}

// Checkpoint takes a checkpoint now; it returns the LSN recovery would start from.
func (e *Engine) Checkpoint() (wal.LSN, error) {
	err := e.check("checkpoint")
	if err != nil {
		return 0, err
	}
	return e.ckpt.Checkpoint()
}

type Stats struct {
	Tx     tx.Stats
	Lock   lock.Stats
	Buffer buffer.Stats
	// LogSize is the size of the log in bytes.
	LogSize    int64
	Checkpoint wal.LSN
}

func (e *Engine) Stats() Stats {
	return Stats{
		Tx:         e.txns.Stats(),
		Lock:       e.locks.Stats(),
		Buffer:     e.env.Pool.Stats(),
		LogSize:    e.env.Log.Size(),
		Checkpoint: e.ckpt.Last(),
	}
}

// Locks returns the held and waiting locks.
func (e *Engine) Locks() []lock.Lock {
	return e.locks.Locks()
}

// Close stops the workers, refuses new transactions, takes a final checkpoint and marks the
// database as cleanly shut down. Active transactions must be finished first.
func (e *Engine) Close() error {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return dberr.Wrap("engine: close", dberr.ErrClosed)
	}
	e.closed = true
	fatal := e.fatal
	e.mutex.Unlock()

	e.purgeMutex.Lock()
	e.purging = false
	e.purgeMutex.Unlock()
	close(e.done)
	e.wg.Wait()
	e.txns.Close()

	e.mutex.Lock()
	for _, c := range e.conglomerates {
		c.Close()
	}
	e.mutex.Unlock()

	var err error
	if fatal == nil {
		if st := e.txns.Stats(); st.Active > 0 {
			log.WithField("active", st.Active).Warn("closing with active transactions")
		} else {
			_, err = e.ckpt.Checkpoint()
			if err == nil {
				e.ctl.Clean = true
				err = writeControl(e.fs, e.dir, e.ctl)
			}
		}
	}

	herr := e.halt()
	if err == nil {
		err = herr
	}
	log.WithFields(log.Fields{"dir": e.dir, "clean": err == nil && e.ctl.Clean}).
		Info("database closed")
	return err
}

// halt closes everything that has been opened.
func (e *Engine) halt() error {
	var errs []error
	if e.locks != nil {
		e.locks.Close()
	}
	if e.env != nil {
		e.env.Pool.Close()
		errs = append(errs, e.env.Containers.CloseAll(), e.env.Log.Close())
	}
	if e.cat != nil {
		errs = append(errs, e.cat.Close())
	}
	return errors.Join(errs...)
}
