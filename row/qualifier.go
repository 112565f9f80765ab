package row

import (
	"fmt"
)

type Op int

const (
	EQ Op = iota + 1
	NE
	LT
	LE
	GT
	GE
)

func (op Op) String() string {
	switch op {
	case EQ:
		return "="
	case NE:
		return "!="
	case LT:
		return "<"
	case LE:
		return "<="
	case GT:
		return ">"
	case GE:
		return ">="
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

// Qualifier is a predicate compiled down to comparing one column against a constant.
// A comparison involving NULL is never true, even when negated.
type Qualifier struct {
	Column int
	Op     Op
	Value  Value
	Negate bool
}

func (q Qualifier) String() string {
	s := fmt.Sprintf("#%d %s %s", q.Column, q.Op, Format(q.Value))
	if q.Negate {
		return "not " + s
	}
	return s
}

func (q Qualifier) Match(r Row) bool {
	if q.Column >= len(r) || r[q.Column] == nil || q.Value == nil {
		return false
	}

	cmp := Compare(r[q.Column], q.Value)
	var b bool
	switch q.Op {
	case EQ:
		b = cmp == 0
	case NE:
		b = cmp != 0
	case LT:
		b = cmp < 0
	case LE:
		b = cmp <= 0
	case GT:
		b = cmp > 0
	case GE:
		b = cmp >= 0
	default:
		panic(fmt.Sprintf("unexpected qualifier op: %v", q.Op))
	}
	return b != q.Negate
}

// Qualify returns true if r matches all of quals.
func Qualify(quals []Qualifier, r Row) bool {
	for _, q := range quals {
		if !q.Match(r) {
			return false
		}
	}
	return true
}
