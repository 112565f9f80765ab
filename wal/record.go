package wal

import (
	"fmt"
	"strings"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/util"
)

type LSN uint64

type Type byte

const (
	Begin Type = iota + 1
	Commit
	Abort
	End
	// Update is an undoable page action belonging to a transaction.
	Update
	// CLR is a compensation record: the redo information for one undo step; UndoNextLSN
	// is the next record of the transaction to undo.
	CLR
	// Redo is a page action which is never undone.
	Redo
	CheckpointBegin
	CheckpointEnd
)

func (typ Type) String() string {
	switch typ {
	case Begin:
		return "begin"
	case Commit:
		return "commit"
	case Abort:
		return "abort"
	case End:
		return "end"
	case Update:
		return "update"
	case CLR:
		return "clr"
	case Redo:
		return "redo"
	case CheckpointBegin:
		return "checkpoint-begin"
	case CheckpointEnd:
		return "checkpoint-end"
	default:
		return fmt.Sprintf("Type(%d)", typ)
	}
}

// Image is the after image of a whole page.
type Image struct {
	Page page.ID
	Data []byte
}

type Record struct {
	LSN         LSN
	Type        Type
	TxID        uint64
	PrevLSN     LSN
	UndoNextLSN LSN

	// Kind selects the resource manager which redoes and undoes the record; Op is
	// interpreted by the resource manager.
	Kind    byte
	Op      byte
	Page    page.ID
	Slot    uint16
	Before  []byte
	After   []byte
	Payload []byte
	Images  []Image
}

// Limited records count against the maximum log size; the rest must always be accepted so
// that transactions can finish and checkpoints can free log space.
func (rec *Record) limited() bool {
	return rec.Type == Begin || rec.Type == Update
}

// Pages returns the pages the record changes.
func (rec *Record) Pages() []page.ID {
	switch rec.Type {
	case Update, CLR, Redo:
		if len(rec.Images) > 0 {
			ids := make([]page.ID, 0, len(rec.Images))
			for _, img := range rec.Images {
				ids = append(ids, img.Page)
			}
			return ids
		}
		if rec.Page.Number != 0 {
			return []page.ID{rec.Page}
		}
	}
	return nil
}

func (rec *Record) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%d %s", rec.LSN, rec.Type)
	if rec.TxID != 0 {
		fmt.Fprintf(&buf, " tx=%d prev=%d", rec.TxID, rec.PrevLSN)
	}
	if rec.Type == CLR {
		fmt.Fprintf(&buf, " undo-next=%d", rec.UndoNextLSN)
	}
	if rec.Kind != 0 {
		fmt.Fprintf(&buf, " kind=%d op=%d", rec.Kind, rec.Op)
	}
	if rec.Page.Container != 0 || rec.Page.Number != 0 {
		fmt.Fprintf(&buf, " page=%s slot=%d", rec.Page, rec.Slot)
	}
	if len(rec.Before) > 0 {
		fmt.Fprintf(&buf, " before=%d", len(rec.Before))
	}
	if len(rec.After) > 0 {
		fmt.Fprintf(&buf, " after=%d", len(rec.After))
	}
	if len(rec.Payload) > 0 {
		fmt.Fprintf(&buf, " payload=%d", len(rec.Payload))
	}
	for _, img := range rec.Images {
		fmt.Fprintf(&buf, " image=%s", img.Page)
	}
	return buf.String()
}

func (rec *Record) encode(buf []byte) []byte {
	buf = append(buf, byte(rec.Type))
	buf = util.EncodeVarint(buf, uint64(rec.LSN))
	buf = util.EncodeVarint(buf, rec.TxID)
	buf = util.EncodeVarint(buf, uint64(rec.PrevLSN))
	buf = util.EncodeVarint(buf, uint64(rec.UndoNextLSN))
	buf = append(buf, rec.Kind, rec.Op)
	buf = util.EncodeVarint(buf, uint64(rec.Page.Container))
	buf = util.EncodeVarint(buf, uint64(rec.Page.Number))
	buf = util.EncodeVarint(buf, uint64(rec.Slot))
	buf = util.EncodeBytes(buf, rec.Before)
	buf = util.EncodeBytes(buf, rec.After)
	buf = util.EncodeBytes(buf, rec.Payload)
	buf = util.EncodeVarint(buf, uint64(len(rec.Images)))
	for _, img := range rec.Images {
		buf = util.EncodeVarint(buf, uint64(img.Page.Container))
		buf = util.EncodeVarint(buf, uint64(img.Page.Number))
		buf = util.EncodeBytes(buf, img.Data)
	}
	return buf
}

type decoder struct {
	buf []byte
	ok  bool
}

func (d *decoder) varint() uint64 {
	if !d.ok {
		return 0
	}
	var n uint64
	d.buf, n, d.ok = util.DecodeVarint(d.buf)
	return n
}

func (d *decoder) byte() byte {
	if !d.ok || len(d.buf) == 0 {
		d.ok = false
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

func (d *decoder) bytes() []byte {
	if !d.ok {
		return nil
	}
	var b []byte
	d.buf, b, d.ok = util.DecodeBytes(d.buf)
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func decodeRecord(buf []byte) (*Record, error) {
	d := decoder{buf: buf, ok: true}
	rec := &Record{
		Type:        Type(d.byte()),
		LSN:         LSN(d.varint()),
		TxID:        d.varint(),
		PrevLSN:     LSN(d.varint()),
		UndoNextLSN: LSN(d.varint()),
		Kind:        d.byte(),
		Op:          d.byte(),
	}
	rec.Page.Container = uint32(d.varint())
	rec.Page.Number = uint32(d.varint())
	rec.Slot = uint16(d.varint())
	rec.Before = d.bytes()
	rec.After = d.bytes()
	rec.Payload = d.bytes()
	n := d.varint()
	if n > uint64(len(d.buf)) {
		d.ok = false
	}
	for i := uint64(0); d.ok && i < n; i++ {
		var img Image
		img.Page.Container = uint32(d.varint())
		img.Page.Number = uint32(d.varint())
		img.Data = d.bytes()
		rec.Images = append(rec.Images, img)
	}

	if !d.ok || len(d.buf) != 0 || rec.Type < Begin || rec.Type > CheckpointEnd {
		return nil, dberr.ErrLogCorrupt
	}
	return rec, nil
}
