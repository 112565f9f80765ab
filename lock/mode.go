package lock

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

type Mode int

const (
	IS Mode = iota + 1
	IX
	S
	SIX
	U
	X
)

func (m Mode) String() string {
	switch m {
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case U:
		return "U"
	case X:
		return "X"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

var compatible = [7][7]bool{
	IS:  {IS: true, IX: true, S: true, SIX: true, U: true},
	IX:  {IS: true, IX: true},
	S:   {IS: true, S: true, U: true},
	SIX: {IS: true},
	U:   {IS: true, S: true},
	X:   {},
}

// supremum is the weakest mode at least as strong as both modes.
var supremum = [7][7]Mode{
	IS:  {IS: IS, IX: IX, S: S, SIX: SIX, U: U, X: X},
	IX:  {IS: IX, IX: IX, S: SIX, SIX: SIX, U: X, X: X},
	S:   {IS: S, IX: SIX, S: S, SIX: SIX, U: U, X: X},
	SIX: {IS: SIX, IX: SIX, S: SIX, SIX: SIX, U: X, X: X},
	U:   {IS: U, IX: X, S: U, SIX: X, U: U, X: X},
	X:   {IS: X, IX: X, S: X, SIX: X, U: X, X: X},
}

func Compatible(m1, m2 Mode) bool {
	return compatible[m1][m2]
}

func Supremum(m1, m2 Mode) Mode {
	return supremum[m1][m2]
}

// Covers reports whether holding mode held makes a request for mode want unnecessary.
func Covers(held, want Mode) bool {
	return supremum[held][want] == held
}

// coarseCovers reports whether a container lock held in mode makes a row or key lock in
// mode want unnecessary.
func coarseCovers(held, want Mode) bool {
	switch held {
	case X:
		return true
	case S, SIX:
		return want == S || want == IS
	}
	return false
}

type ResourceKind byte

const (
	ContainerResource ResourceKind = iota + 1
	RowResource
	KeyResource
)

// Resource identifies something which may be locked: a container, or a row or key within
// a container.
type Resource struct {
	Kind      ResourceKind
	Container uint32
	ID        uint64
}

func Container(id uint32) Resource {
	return Resource{Kind: ContainerResource, Container: id}
}

// Row is the resource for the row at (pg, slot) in container id.
func Row(id uint32, pg uint32, slot uint16) Resource {
	return Resource{Kind: RowResource, Container: id, ID: uint64(pg)<<16 | uint64(slot)}
}

// Key is the resource for key in the index container id; keys are locked by their hash.
func Key(id uint32, key []byte) Resource {
	return Resource{Kind: KeyResource, Container: id, ID: xxhash.Sum64(key)}
}

func (res Resource) Fine() bool {
	return res.Kind != ContainerResource
}

func (res Resource) Parent() Resource {
	return Container(res.Container)
}

func (res Resource) String() string {
	switch res.Kind {
	case ContainerResource:
		return fmt.Sprintf("container %d", res.Container)
	case RowResource:
		return fmt.Sprintf("row %d:%d.%d", res.Container, res.ID>>16, res.ID&0xFFFF)
	case KeyResource:
		return fmt.Sprintf("key %d:%016x", res.Container, res.ID)
	default:
		return fmt.Sprintf("Resource(%d)", res.Kind)
	}
}

func (res Resource) hash() uint64 {
	var buf [13]byte
	buf[0] = byte(res.Kind)
	binary.BigEndian.PutUint32(buf[1:], res.Container)
	binary.BigEndian.PutUint64(buf[5:], res.ID)
	return xxhash.Sum64(buf[:])
}
