// Package row defines column values and their encodings on pages and in keys.
package row

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	NullString  = "NULL"
	TrueString  = "true"
	FalseString = "false"
)

type Value interface {
	fmt.Stringer

	// return -1 if v1 < v2
	// return 0 if v1 == v2
	// return 1 if v1 > v2
	Compare(v2 Value) (int, error)
}

// Row is a sequence of column values; a nil Value is NULL.
type Row []Value

func (r Row) String() string {
	var buf strings.Builder
	buf.WriteByte('(')
	for i, v := range r {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(Format(v))
	}
	buf.WriteByte(')')
	return buf.String()
}

type BoolValue bool

func (b BoolValue) String() string {
	if b {
		return TrueString
	}
	return FalseString
}

func (b1 BoolValue) Compare(v2 Value) (int, error) {
	if b2, ok := v2.(BoolValue); ok {
		if b1 {
			if b2 {
				return 0, nil
			}
			return 1, nil
		} else {
			if b2 {
				return -1, nil
			}
			return 0, nil
		}
	}
	return 0, fmt.Errorf("row: want boolean got %v", v2)
}

type Int64Value int64

func (i Int64Value) String() string {
	return fmt.Sprintf("%v", int64(i))
}

func (i1 Int64Value) Compare(v2 Value) (int, error) {
	switch v2 := v2.(type) {
	case Int64Value:
		if i1 < v2 {
			return -1, nil
		} else if i1 > v2 {
			return 1, nil
		}
		return 0, nil
	case Float64Value:
		if Float64Value(i1) < v2 {
			return -1, nil
		} else if Float64Value(i1) > v2 {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("row: want number got %v", v2)
}

type Float64Value float64

func (d Float64Value) String() string {
	return fmt.Sprintf("%v", float64(d))
}

func (d1 Float64Value) Compare(v2 Value) (int, error) {
	switch v2 := v2.(type) {
	case Int64Value:
		if d1 < Float64Value(v2) {
			return -1, nil
		} else if d1 > Float64Value(v2) {
			return 1, nil
		}
		return 0, nil
	case Float64Value:
		if d1 < v2 {
			return -1, nil
		} else if d1 > v2 {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("row: want number got %v", v2)
}

type StringValue string

func (s StringValue) String() string {
	return fmt.Sprintf("'%s'", string(s))
}

func (s1 StringValue) Compare(v2 Value) (int, error) {
	if s2, ok := v2.(StringValue); ok {
		return strings.Compare(string(s1), string(s2)), nil
	}
	return 0, fmt.Errorf("row: want string got %v", v2)
}

type BytesValue []byte

var (
	hexDigits = [16]rune{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd',
		'e', 'f'}
)

func (b BytesValue) String() string {
	var buf bytes.Buffer
	buf.WriteString("'\\x")
	for _, v := range b {
		buf.WriteRune(hexDigits[v>>4])
		buf.WriteRune(hexDigits[v&0xF])
	}

	buf.WriteRune('\'')
	return buf.String()
}

func (b1 BytesValue) Compare(v2 Value) (int, error) {
	if b2, ok := v2.(BytesValue); ok {
		return bytes.Compare([]byte(b1), []byte(b2)), nil
	}
	return 0, fmt.Errorf("row: want bytes got %v", v2)
}

func typeRank(v Value) int {
	switch v.(type) {
	case BoolValue:
		return 1
	case Float64Value, Int64Value:
		return 2
	case StringValue:
		return 3
	case BytesValue:
		return 4
	default:
		panic(fmt.Sprintf("unexpected type for row.Value: %T: %v", v, v))
	}
}

// Compare orders any two values: NULL first, then booleans, numbers, strings and bytes.
func Compare(v1, v2 Value) int {
	if v1 == nil {
		if v2 == nil {
			return 0
		}
		return -1
	}
	if v2 == nil {
		return 1
	}

	r1 := typeRank(v1)
	r2 := typeRank(v2)
	if r1 < r2 {
		return -1
	} else if r1 > r2 {
		return 1
	}
	cmp, _ := v1.Compare(v2)
	return cmp
}

// CompareRows compares r1 and r2 column by column; a shorter row sorts first when it is a
// prefix of the longer one.
func CompareRows(r1, r2 Row) int {
	for i := 0; i < len(r1) && i < len(r2); i++ {
		if cmp := Compare(r1[i], r2[i]); cmp != 0 {
			return cmp
		}
	}
	if len(r1) < len(r2) {
		return -1
	} else if len(r1) > len(r2) {
		return 1
	}
	return 0
}

func Format(v Value) string {
	if v == nil {
		return NullString
	}

	return v.String()
}

// Copy returns a row that shares no memory with r.
func Copy(r Row) Row {
	if r == nil {
		return nil
	}
	ret := make(Row, len(r))
	for i, v := range r {
		if b, ok := v.(BytesValue); ok {
			v = append(BytesValue(nil), b...)
		}
		ret[i] = v
	}
	return ret
}
