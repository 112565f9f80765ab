package heap

import (
	"context"
	"io"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/row"
	"github.com/leftmike/coredb/storage/access"
	"github.com/leftmike/coredb/storage/buffer"
	"github.com/leftmike/coredb/storage/page"
)

type candidate struct {
	slot uint16
	data []byte
}

type scan struct {
	h     *Heap
	tx    access.Transaction
	rng   access.ScanRange
	num   uint32
	lsn   uint64
	cands []candidate
	next  int
}

// OpenScan returns a scan of the rows of the heap which satisfy the qualifiers of rng; the
// key bounds of rng are ignored.
func (h *Heap) OpenScan(ctx context.Context, tx access.Transaction,
	rng access.ScanRange) (_ access.Scan, err error) {

	if err = h.check("open scan"); err != nil {
		return nil, err
	}
	defer access.Guard(tx, &err)

	err = access.LockScan(ctx, tx, h.id, rng.ForUpdate)
	if err != nil {
		return nil, err
	}
	return &scan{
		h:   h,
		tx:  tx,
		rng: rng,
	}, nil
}

// candidates collects the rows whose home is page num, including ghosts: a ghost whose
// delete has not committed is still a row until its lock can be had.
func (hs *scan) candidates(num uint32) error {
	hs.num = num
	hs.cands = hs.cands[:0]
	hs.next = 0

	f, err := hs.h.env.Pool.Fetch(hs.h.pageID(num), buffer.Shared)
	if err != nil {
		return err
	}
	defer f.Release()

	pg := f.Page()
	if pg.Type() != page.Heap {
		return nil
	}
	hs.lsn = pg.LSN()
	for slot := 0; slot < pg.NumSlots(); slot++ {
		b := pg.Slot(slot)
		if rec, ok := parseRecord(b); ok && !rec.relocated() {
			hs.cands = append(hs.cands, candidate{
				slot: uint16(slot),
				data: append([]byte(nil), b...),
			})
		}
	}
	return nil
}

// revalidate returns the current row at loc; ok is false if it is no longer there.
func (hs *scan) revalidate(cand candidate) (row.Row, bool, error) {
	loc := access.RowLocation{Page: hs.num, Slot: cand.slot}
	f, err := hs.h.env.Pool.Fetch(hs.h.pageID(hs.num), buffer.Shared)
	if err != nil {
		return nil, false, err
	}
	pg := f.Page()
	data := cand.data
	if pg.LSN() != hs.lsn {
		if int(cand.slot) >= pg.NumSlots() {
			f.Release()
			return nil, false, nil
		}
		data = pg.Slot(int(cand.slot))
	}
	rec, ok := parseRecord(data)
	if !ok || rec.ghost() || rec.relocated() {
		f.Release()
		return nil, false, nil
	}
	if !rec.forward() {
		r := row.Decode(rec.payload)
		f.Release()
		if r == nil {
			return nil, false, dberr.New(dberr.Corruption, "heap", "%d: %s: bad row",
				hs.h.id, loc)
		}
		return r, true, nil
	}
	f.Release()

	r, err := hs.h.read(loc)
	if dberr.ClassOf(err) == dberr.Logic {
		return nil, false, nil
	}
	return r, err == nil, err
}

func (hs *scan) Next(ctx context.Context) (loc access.RowLocation, r row.Row, err error) {
	if err = hs.h.check("next"); err != nil {
		return access.RowLocation{}, nil, err
	}
	defer func() {
		if err != nil && err != io.EOF {
			hs.tx.Doom(err)
		}
	}()

	for {
		if hs.next >= len(hs.cands) {
			num := hs.num + 1
			if num >= hs.h.c.PageCount() {
				hs.cands = hs.cands[:0]
				hs.next = 0
				return access.RowLocation{}, nil, io.EOF
			}
			err = hs.candidates(num)
			if err != nil {
				return access.RowLocation{}, nil, err
			}
			continue
		}

		cand := hs.cands[hs.next]
		hs.next += 1
		loc = access.RowLocation{Page: hs.num, Slot: cand.slot}

		done, err := access.LockRead(ctx, hs.tx, hs.h.rowLock(loc), hs.rng.ForUpdate)
		if err != nil {
			return access.RowLocation{}, nil, err
		}
		r, ok, err := hs.revalidate(cand)
		done()
		if err != nil {
			return access.RowLocation{}, nil, err
		}
		if ok && row.Qualify(hs.rng.Qualifiers, r) {
			return loc, r, nil
		}
	}
}

func (hs *scan) Reset() error {
	hs.num = 0
	hs.cands = hs.cands[:0]
	hs.next = 0
	return nil
}

func (hs *scan) Close() error {
	hs.cands = nil
	return nil
}
