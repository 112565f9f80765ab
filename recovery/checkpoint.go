package recovery

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/storage/access"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/tx"
	"github.com/leftmike/coredb/util"
	"github.com/leftmike/coredb/wal"
)

// Snapshot is the payload of a CheckpointEnd record: the transactions which had logged
// something and the dirty pages, each with the LSN of the first record which dirtied it.
type Snapshot struct {
	Txns  []tx.Info
	Dirty map[page.ID]wal.LSN
}

func (snap Snapshot) Encode() []byte {
	buf := util.EncodeVarint(nil, uint64(len(snap.Txns)))
	for _, info := range snap.Txns {
		buf = util.EncodeVarint(buf, info.ID)
		buf = append(buf, byte(info.State))
		buf = util.EncodeVarint(buf, uint64(info.FirstLSN))
		buf = util.EncodeVarint(buf, uint64(info.LastLSN))
	}

	ids := make([]page.ID, 0, len(snap.Dirty))
	for id := range snap.Dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Key() < ids[j].Key()
	})
	buf = util.EncodeVarint(buf, uint64(len(ids)))
	for _, id := range ids {
		buf = util.EncodeVarint(buf, uint64(id.Container))
		buf = util.EncodeVarint(buf, uint64(id.Number))
		buf = util.EncodeVarint(buf, uint64(snap.Dirty[id]))
	}
	return buf
}

func badSnapshot() error {
	return dberr.Wrap("recovery: checkpoint end", dberr.ErrLogCorrupt)
}

func DecodeSnapshot(buf []byte) (Snapshot, error) {
	var n uint64
	var ok bool
	varint := func() uint64 {
		if !ok {
			return 0
		}
		buf, n, ok = util.DecodeVarint(buf)
		return n
	}

	ok = true
	snap := Snapshot{Dirty: map[page.ID]wal.LSN{}}
	cnt := varint()
	for i := uint64(0); ok && i < cnt; i++ {
		id := varint()
		if !ok || len(buf) == 0 {
			return Snapshot{}, badSnapshot()
		}
		st := tx.State(buf[0])
		buf = buf[1:]
		first := varint()
		last := varint()
		snap.Txns = append(snap.Txns, tx.Info{
			ID:       id,
			State:    st,
			FirstLSN: wal.LSN(first),
			LastLSN:  wal.LSN(last),
		})
	}
	cnt = varint()
	for i := uint64(0); ok && i < cnt; i++ {
		c := varint()
		num := varint()
		lsn := varint()
		snap.Dirty[page.ID{Container: uint32(c), Number: uint32(num)}] = wal.LSN(lsn)
	}
	if !ok || len(buf) != 0 {
		return Snapshot{}, badSnapshot()
	}
	return snap, nil
}

// Checkpointer takes checkpoints; save durably records the LSN of the CheckpointBegin
// record of a complete checkpoint, which is where the next recovery starts.
type Checkpointer struct {
	env  *access.Env
	txns *tx.Manager
	save func(lsn wal.LSN) error

	mutex sync.Mutex
	last  wal.LSN
}

func NewCheckpointer(env *access.Env, txns *tx.Manager,
	save func(lsn wal.LSN) error) *Checkpointer {

	return &Checkpointer{
		env:  env,
		txns: txns,
		save: save,
	}
}

// Last returns the LSN of the last checkpoint taken, or 0.
func (cp *Checkpointer) Last() wal.LSN {
	cp.mutex.Lock()
	defer cp.mutex.Unlock()
	return cp.last
}

// Checkpoint writes the dirty pages, logs the state of the transactions and the pages which
// are still dirty, and then truncates the log before the oldest record recovery would need.
func (cp *Checkpointer) Checkpoint() (wal.LSN, error) {
	cp.mutex.Lock()
	defer cp.mutex.Unlock()

	l := cp.env.Log
	begin, err := l.Append(&wal.Record{Type: wal.CheckpointBegin})
	if err != nil {
		return 0, fmt.Errorf("recovery: checkpoint: %w", err)
	}
	err = cp.env.Pool.FlushAll()
	if err != nil {
		return 0, fmt.Errorf("recovery: checkpoint: %w", err)
	}

	snap := Snapshot{
		Txns:  cp.txns.Snapshot(),
		Dirty: cp.env.Pool.DirtyPages(),
	}
	end, err := l.Append(&wal.Record{
		Type:    wal.CheckpointEnd,
		Payload: snap.Encode(),
	})
	if err != nil {
		return 0, fmt.Errorf("recovery: checkpoint: %w", err)
	}
	err = l.Flush(end)
	if err != nil {
		return 0, fmt.Errorf("recovery: checkpoint: %w", err)
	}
	err = cp.env.Containers.SyncAll()
	if err != nil {
		return 0, fmt.Errorf("recovery: checkpoint: %w", err)
	}
	if cp.save != nil {
		err = cp.save(begin)
		if err != nil {
			return 0, fmt.Errorf("recovery: checkpoint: %w", err)
		}
	}
	cp.last = begin

	before := begin
	for _, lsn := range snap.Dirty {
		if lsn < before {
			before = lsn
		}
	}
	for _, info := range snap.Txns {
		if info.FirstLSN < before {
			before = info.FirstLSN
		}
	}
	err = l.Truncate(before)
	if err != nil {
		return 0, fmt.Errorf("recovery: checkpoint: %w", err)
	}

	log.WithFields(log.Fields{
		"lsn":          begin,
		"dirty":        len(snap.Dirty),
		"transactions": len(snap.Txns),
		"truncated":    before,
	}).Info("checkpoint")
	return begin, nil
}
