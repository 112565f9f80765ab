// Package access defines the conglomerate contract shared by heaps and B-trees, and the
// services conglomerates are built on.
package access

import (
	"context"
	"fmt"
	"strings"

	"github.com/leftmike/coredb/lock"
	"github.com/leftmike/coredb/row"
	"github.com/leftmike/coredb/util"
	"github.com/leftmike/coredb/wal"
)

// RowLocation identifies a heap row by page and slot; it is stable for the life of the row.
type RowLocation struct {
	Page uint32
	Slot uint16
}

const RowLocationSize = 6

func (loc RowLocation) String() string {
	return fmt.Sprintf("(%d,%d)", loc.Page, loc.Slot)
}

func (loc RowLocation) IsZero() bool {
	return loc.Page == 0
}

// Value returns loc as a value to be carried in an index row.
func (loc RowLocation) Value() row.Value {
	return row.Int64Value(int64(loc.Page)<<16 | int64(loc.Slot))
}

// LocationValue returns the RowLocation in v, which must have been made by Value.
func LocationValue(v row.Value) (RowLocation, bool) {
	i, ok := v.(row.Int64Value)
	if !ok || i < 0 {
		return RowLocation{}, false
	}
	return RowLocation{Page: uint32(i >> 16), Slot: uint16(i & 0xFFFF)}, true
}

func (loc RowLocation) Encode(buf []byte) []byte {
	buf = util.EncodeUint32(buf, loc.Page)
	return append(buf, byte(loc.Slot>>8), byte(loc.Slot))
}

func DecodeLocation(buf []byte) (RowLocation, bool) {
	if len(buf) < RowLocationSize {
		return RowLocation{}, false
	}
	_, pg, _ := util.DecodeUint32(buf)
	return RowLocation{Page: pg, Slot: uint16(buf[4])<<8 | uint16(buf[5])}, true
}

type Kind byte

const (
	HeapKind Kind = iota + 1
	BTreeKind
	ContainerKind
)

func (k Kind) String() string {
	switch k {
	case HeapKind:
		return "heap"
	case BTreeKind:
		return "btree"
	case ContainerKind:
		return "container"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

type Isolation int

const (
	ReadUncommitted Isolation = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (iso Isolation) String() string {
	switch iso {
	case ReadUncommitted:
		return "read-uncommitted"
	case ReadCommitted:
		return "read-committed"
	case RepeatableRead:
		return "repeatable-read"
	case Serializable:
		return "serializable"
	default:
		return fmt.Sprintf("Isolation(%d)", iso)
	}
}

func ParseIsolation(s string) (Isolation, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "-")) {
	case "read-uncommitted":
		return ReadUncommitted, nil
	case "read-committed":
		return ReadCommitted, nil
	case "repeatable-read", "":
		return RepeatableRead, nil
	case "serializable":
		return Serializable, nil
	}
	return 0, fmt.Errorf("access: unknown isolation level: %s", s)
}

// Transaction is what conglomerates need of a transaction: locks, and logging of the changes
// they make.
type Transaction interface {
	ID() uint64
	Isolation() Isolation

	// Lock locks res in mode; a row or key lock is preceded by the matching intention lock
	// on its container.
	Lock(ctx context.Context, res lock.Resource, mode lock.Mode) error
	// TryLock locks res only if it can be done without waiting; it is used while a page is
	// latched.
	TryLock(res lock.Resource, mode lock.Mode) error
	Unlock(res lock.Resource) error
	Holds(res lock.Resource) lock.Mode

	// LogUpdate appends rec as an undoable Update record of the transaction.
	LogUpdate(rec *wal.Record) (wal.LSN, error)
	// LogCLR appends rec as the compensation for the record being undone; the next record
	// to undo is undoNext.
	LogCLR(rec *wal.Record, undoNext wal.LSN) (wal.LSN, error)

	// OnCommit registers fn to be run after the transaction commits.
	OnCommit(fn func())
	// Doom marks the transaction as having to abort because of err.
	Doom(err error)
}

type ScanRange struct {
	// Start and End bound a B-tree scan; nil means unbounded.
	Start          row.Row
	StartExclusive bool
	End            row.Row
	EndExclusive   bool

	Qualifiers []row.Qualifier
	// ForUpdate locks rows and keys exclusive (U) rather than shared.
	ForUpdate bool
}

// Scan is a lazy, finite sequence of rows; Next returns io.EOF at the end.
type Scan interface {
	Next(ctx context.Context) (RowLocation, row.Row, error)
	// Reset restarts the scan from the beginning.
	Reset() error
	Close() error
}

type Conglomerate interface {
	ID() uint32
	Kind() Kind
	Insert(ctx context.Context, tx Transaction, r row.Row) (RowLocation, error)
	Fetch(ctx context.Context, tx Transaction, loc RowLocation) (row.Row, error)
	Update(ctx context.Context, tx Transaction, loc RowLocation, r row.Row) error
	Delete(ctx context.Context, tx Transaction, loc RowLocation) error
	OpenScan(ctx context.Context, tx Transaction, rng ScanRange) (Scan, error)
	Close() error
}

// Index is a conglomerate ordered by key.
type Index interface {
	Conglomerate
	DeleteKey(ctx context.Context, tx Transaction, r row.Row) error
}

// Secondary is an index whose rows are a key followed by the location of the row of a base
// heap with that key.
type Secondary interface {
	Index
	// Base returns the container of the base heap.
	Base() uint32
	InsertLocation(ctx context.Context, tx Transaction, key row.Row, loc RowLocation) error
	// Lookup returns the location in the first row whose key starts with key.
	Lookup(ctx context.Context, tx Transaction, key row.Row) (RowLocation, error)
}

// Guard dooms tx if *err is not nil; use it as a deferred call in operations which change
// a conglomerate.
func Guard(tx Transaction, err *error) {
	if *err != nil {
		tx.Doom(*err)
	}
}
