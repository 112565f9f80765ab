// Package recovery brings a database back to a consistent state after a crash: analysis
// rebuilds the transaction and dirty page tables, redo repeats history, and undo rolls back
// every transaction which did not commit.
package recovery

import (
	"context"
	"fmt"
	"io"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/storage/access"
	"github.com/leftmike/coredb/storage/buffer"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/tx"
	"github.com/leftmike/coredb/wal"
)

type Options struct {
	// Checkpoint is the LSN of the CheckpointBegin record of the last complete checkpoint,
	// or 0 to scan the whole log.
	Checkpoint wal.LSN
	// Container redoes a record which creates or drops a container.
	Container func(rec *wal.Record) error
}

type Result struct {
	Checkpoint wal.LSN
	RedoStart  wal.LSN
	End        wal.LSN
	Records    int
	Redone     int
	Winners    int
	Losers     int
	Undone     int
}

type txEntry struct {
	id        uint64
	committed bool
	aborting  bool
	first     wal.LSN
	last      wal.LSN
}

type recoverer struct {
	ctx   context.Context
	env   *access.Env
	txns  *tx.Manager
	opts  Options
	res   Result
	table map[uint64]*txEntry
	ended map[uint64]bool
	dirty map[page.ID]wal.LSN
	maxID uint64
}

// Recover runs analysis, redo and undo. It must run before any transaction begins, and may
// be run again if it is interrupted by another crash.
func Recover(ctx context.Context, env *access.Env, txns *tx.Manager,
	opts Options) (Result, error) {

	r := &recoverer{
		ctx:   ctx,
		env:   env,
		txns:  txns,
		opts:  opts,
		table: map[uint64]*txEntry{},
		ended: map[uint64]bool{},
		dirty: map[page.ID]wal.LSN{},
	}
	r.res.Checkpoint = opts.Checkpoint

	err := r.analysis()
	if err != nil {
		return r.res, fmt.Errorf("recovery: analysis: %w", err)
	}
	err = r.redo()
	if err != nil {
		return r.res, fmt.Errorf("recovery: redo: %w", err)
	}
	err = r.undo()
	if err != nil {
		return r.res, fmt.Errorf("recovery: undo: %w", err)
	}

	log.WithFields(log.Fields{
		"checkpoint": r.res.Checkpoint,
		"redo":       r.res.RedoStart,
		"records":    r.res.Records,
		"redone":     r.res.Redone,
		"winners":    r.res.Winners,
		"losers":     r.res.Losers,
		"undone":     r.res.Undone,
	}).Info("recovery")
	return r.res, nil
}

func (r *recoverer) entry(id uint64) *txEntry {
	if id > r.maxID {
		r.maxID = id
	}
	te, ok := r.table[id]
	if !ok {
		te = &txEntry{id: id}
		r.table[id] = te
	}
	return te
}

func (r *recoverer) analysis() error {
	start := r.opts.Checkpoint
	if start == 0 || start < r.env.Log.FirstLSN() {
		start = r.env.Log.FirstLSN()
	}

	rdr := r.env.Log.Scan(start)
	for {
		rec, err := rdr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		r.res.Records += 1
		r.res.End = rec.LSN

		if rec.TxID != 0 && rec.TxID > r.maxID {
			r.maxID = rec.TxID
		}
		switch rec.Type {
		case wal.Begin:
			r.entry(rec.TxID).first = rec.LSN
			r.entry(rec.TxID).last = rec.LSN
		case wal.Update, wal.CLR:
			te := r.entry(rec.TxID)
			te.last = rec.LSN
		case wal.Commit:
			te := r.entry(rec.TxID)
			te.last = rec.LSN
			te.committed = true
		case wal.Abort:
			te := r.entry(rec.TxID)
			te.last = rec.LSN
			te.aborting = true
		case wal.End:
			delete(r.table, rec.TxID)
			r.ended[rec.TxID] = true
		case wal.CheckpointEnd:
			err = r.checkpointEnd(rec)
			if err != nil {
				return err
			}
		}

		for _, id := range rec.Pages() {
			if _, ok := r.dirty[id]; !ok {
				r.dirty[id] = rec.LSN
			}
		}
	}
	return nil
}

func (r *recoverer) checkpointEnd(rec *wal.Record) error {
	snap, err := DecodeSnapshot(rec.Payload)
	if err != nil {
		return err
	}

	for _, info := range snap.Txns {
		if r.ended[info.ID] {
			continue
		}
		te := r.entry(info.ID)
		if te.first == 0 || info.FirstLSN < te.first {
			te.first = info.FirstLSN
		}
		if info.LastLSN > te.last {
			te.last = info.LastLSN
			last, err := r.env.Log.Read(info.LastLSN)
			if err != nil {
				return err
			}
			switch last.Type {
			case wal.Commit:
				te.committed = true
			case wal.Abort:
				te.aborting = true
			}
		}
	}

	for id, lsn := range snap.Dirty {
		if cur, ok := r.dirty[id]; !ok || lsn < cur {
			r.dirty[id] = lsn
		}
	}
	return nil
}

func (r *recoverer) redoStart() wal.LSN {
	start := r.opts.Checkpoint
	if start == 0 || start < r.env.Log.FirstLSN() {
		start = r.env.Log.FirstLSN()
	}
	for _, lsn := range r.dirty {
		if lsn < start {
			start = lsn
		}
	}
	if first := r.env.Log.FirstLSN(); start < first {
		start = first
	}
	return start
}

func (r *recoverer) redo() error {
	r.res.RedoStart = r.redoStart()

	rdr := r.env.Log.Scan(r.res.RedoStart)
	for {
		rec, err := rdr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}

		if access.Kind(rec.Kind) == access.ContainerKind {
			if r.opts.Container != nil {
				err = r.opts.Container(rec)
				if err != nil {
					return err
				}
			}
			continue
		}

		for _, id := range rec.Pages() {
			if lsn, ok := r.dirty[id]; !ok || rec.LSN < lsn {
				continue
			}
			err = r.redoPage(rec, id)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// RedoPage applies rec to page id if the page does not already reflect it; it reports
// whether it changed the page.
func RedoPage(env *access.Env, rec *wal.Record, id page.ID) (bool, error) {
	exists, err := env.Containers.Exists(id.Container)
	if err != nil {
		return false, err
	} else if !exists {
		// The container was dropped later in the log.
		return false, nil
	}
	c, err := env.Containers.Get(id.Container)
	if err != nil {
		return false, err
	}
	c.Extend(id.Number)

	f, err := env.Pool.Fetch(id, buffer.Exclusive)
	if err != nil {
		return false, err
	}
	defer f.Release()

	pg := f.Page()
	if wal.LSN(pg.LSN()) >= rec.LSN {
		env.Containers.Note(id, pg)
		return false, nil
	}
	err = access.Redo(rec, id, pg)
	if err != nil {
		return false, err
	}
	env.Changed(f, rec.LSN)
	return true, nil
}

func (r *recoverer) redoPage(rec *wal.Record, id page.ID) error {
	redone, err := RedoPage(r.env, rec, id)
	if err != nil {
		return fmt.Errorf("%s: page %s: %w", rec, id, err)
	}
	if redone {
		r.res.Redone += 1
	}
	return nil
}

type undoItem struct {
	lsn wal.LSN
	txn *tx.Txn
}

func (ui undoItem) Less(item btree.Item) bool {
	return ui.lsn < item.(undoItem).lsn
}

func (r *recoverer) undo() error {
	r.txns.SetNextID(r.maxID)

	pending := btree.New(8)
	for _, te := range r.table {
		if te.committed {
			r.res.Winners += 1
			err := r.txns.EndCommitted(te.id, te.last)
			if err != nil {
				return err
			}
			continue
		}

		r.res.Losers += 1
		txn, err := r.txns.Restore(te.id, te.first, te.last)
		if err != nil {
			return err
		}
		if !te.aborting {
			err = txn.LogAbort()
			if err != nil {
				return err
			}
		}
		if te.last == 0 {
			err = txn.EndAbort()
			if err != nil {
				return err
			}
			continue
		}
		pending.ReplaceOrInsert(undoItem{lsn: te.last, txn: txn})
	}

	for pending.Len() > 0 {
		item := pending.DeleteMax().(undoItem)
		rec, err := r.env.Log.Read(item.lsn)
		if err != nil {
			return err
		}

		var next wal.LSN
		if rec.Type == wal.Update && !r.containerExists(rec.Page.Container) {
			log.WithFields(log.Fields{
				"tx":        rec.TxID,
				"lsn":       rec.LSN,
				"container": rec.Page.Container,
			}).Warn("undo skipped: container dropped")
			next = rec.PrevLSN
		} else {
			next, err = item.txn.UndoRecord(r.ctx, rec)
			if err != nil {
				return fmt.Errorf("%s: %w", rec, err)
			}
			if rec.Type == wal.Update {
				r.res.Undone += 1
			}
		}

		if next == 0 {
			err = item.txn.EndAbort()
			if err != nil {
				return err
			}
			continue
		}
		pending.ReplaceOrInsert(undoItem{lsn: next, txn: item.txn})
	}
	return nil
}

func (r *recoverer) containerExists(id uint32) bool {
	exists, err := r.env.Containers.Exists(id)
	return err == nil && exists
}

// IsFatal reports whether err from Recover means the database can not be opened until it
// is repaired, rather than that recovery should simply be retried.
func IsFatal(err error) bool {
	return dberr.ClassOf(err) == dberr.Corruption
}
