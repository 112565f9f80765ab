package btree

import (
	"bytes"
	"context"
	"io"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/lock"
	"github.com/leftmike/coredb/row"
	"github.com/leftmike/coredb/storage/access"
	"github.com/leftmike/coredb/storage/buffer"
)

type candidate struct {
	key []byte
	val []byte
}

type scan struct {
	t   *Tree
	tx  access.Transaction
	rng access.ScanRange

	start []byte
	end   []byte

	// from is where the next batch starts; it is skipped if fromExclusive.
	from          []byte
	fromExclusive bool
	started       bool

	num   uint32
	lsn   uint64
	high  []byte
	cands []candidate
	next  int
}

// OpenScan returns a scan, in key order, of the rows between the key bounds of rng which
// satisfy its qualifiers. The bounds may have fewer columns than the key.
func (t *Tree) OpenScan(ctx context.Context, tx access.Transaction,
	rng access.ScanRange) (_ access.Scan, err error) {

	if err = t.check("open scan"); err != nil {
		return nil, err
	}
	defer access.Guard(tx, &err)

	err = access.LockScan(ctx, tx, t.id, rng.ForUpdate)
	if err != nil {
		return nil, err
	}
	ts := &scan{
		t:   t,
		tx:  tx,
		rng: rng,
	}
	if rng.Start != nil {
		ts.start = row.MakeKey(rng.Start)
	}
	if rng.End != nil {
		ts.end = row.MakeKey(rng.End)
	}
	ts.Reset()
	return ts, nil
}

// before reports whether key is before the start of the scan.
func (ts *scan) before(key []byte) bool {
	if ts.start == nil {
		return false
	}
	if ts.rng.StartExclusive && bytes.HasPrefix(key, ts.start) {
		return true
	}
	return bytes.Compare(key, ts.start) < 0
}

// after reports whether key is past the end of the scan.
func (ts *scan) after(key []byte) bool {
	if ts.end == nil {
		return false
	}
	if ts.rng.EndExclusive {
		return bytes.Compare(key, ts.end) >= 0
	}
	return bytes.Compare(key, ts.end) > 0 && !bytes.HasPrefix(key, ts.end)
}

// batch collects the entries of the leaf covering from. Ghosts are collected too: whether
// a ghost is deleted is only known once its key is locked.
func (ts *scan) batch() error {
	ts.cands = ts.cands[:0]
	ts.next = 0

	f, high, err := ts.t.descend(ts.from, buffer.Shared)
	if err != nil {
		return err
	}
	defer f.Release()

	pg := f.Page()
	ts.num = f.ID().Number
	ts.lsn = pg.LSN()
	ts.high = high
	slot, _ := search(pg, ts.from)
	for ; slot < pg.NumSlots(); slot++ {
		key, val := splitEntry(pg.Slot(slot))
		if ts.fromExclusive && bytes.Compare(key, ts.from) <= 0 {
			continue
		}
		if ts.before(key) {
			continue
		}
		ts.cands = append(ts.cands, candidate{
			key: append([]byte(nil), key...),
			val: append([]byte(nil), val...),
		})
		if ts.after(key) {
			break
		}
	}
	ts.started = true
	return nil
}

// revalidate returns the current value of key, which is locked; ok is false if the key is
// gone or is a ghost. A changed leaf ends the batch; the next batch starts after key.
func (ts *scan) revalidate(cand candidate) ([]byte, bool, error) {
	f, err := ts.t.fetch(ts.num, buffer.Shared)
	if err != nil {
		return nil, false, err
	}
	same := f.Page().LSN() == ts.lsn
	f.Release()
	if same {
		enc, ghost := leafValue(cand.val)
		return enc, !ghost, nil
	}

	ts.cands = ts.cands[:0]
	ts.next = 0
	ts.from = cand.key
	ts.fromExclusive = true

	f, _, err = ts.t.descend(cand.key, buffer.Shared)
	if err != nil {
		return nil, false, err
	}
	defer f.Release()

	pg := f.Page()
	slot, eq := search(pg, cand.key)
	if !eq {
		return nil, false, nil
	}
	enc, ghost := leafRow(pg.Slot(slot))
	if ghost {
		return nil, false, nil
	}
	return append([]byte(nil), enc...), true, nil
}

func (ts *scan) Next(ctx context.Context) (_ access.RowLocation, _ row.Row, err error) {
	if err = ts.t.check("next"); err != nil {
		return access.RowLocation{}, nil, err
	}
	defer func() {
		if err != nil && err != io.EOF {
			ts.tx.Doom(err)
		}
	}()

	for {
		if ts.next >= len(ts.cands) {
			if ts.started && !ts.fromExclusive {
				if ts.high == nil {
					return access.RowLocation{}, nil, io.EOF
				}
				ts.from = ts.high
			}
			err = ts.batch()
			if err != nil {
				return access.RowLocation{}, nil, err
			}
			// The batch starts at the beginning of the leaf it landed on.
			ts.fromExclusive = false
			if len(ts.cands) == 0 {
				continue
			}
		}

		cand := ts.cands[ts.next]
		ts.next += 1
		if ts.after(cand.key) {
			ts.cands = ts.cands[:0]
			ts.high = nil
			return access.RowLocation{}, nil, io.EOF
		}

		done, err := access.LockRead(ctx, ts.tx, lock.Key(ts.t.id, cand.key), ts.rng.ForUpdate)
		if err != nil {
			return access.RowLocation{}, nil, err
		}
		val, ok, err := ts.revalidate(cand)
		done()
		if err != nil {
			return access.RowLocation{}, nil, err
		}
		if !ok {
			continue
		}
		r := row.Decode(val)
		if r == nil {
			return access.RowLocation{}, nil, dberr.New(dberr.Corruption, "btree",
				"%d: key %x: bad row", ts.t.id, cand.key)
		}
		if row.Qualify(ts.rng.Qualifiers, r) {
			return access.RowLocation{}, r, nil
		}
	}
}

func (ts *scan) Reset() error {
	ts.from = ts.start
	ts.fromExclusive = false
	ts.started = false
	ts.cands = ts.cands[:0]
	ts.next = 0
	ts.high = nil
	return nil
}

func (ts *scan) Close() error {
	ts.cands = nil
	return nil
}
