package row

import (
	"fmt"
	"math"

	"github.com/leftmike/coredb/util"
)

const (
	// Values are encoded as a tag followed by a binary representation of the value; the
	// encoding compares with bytes.Compare the same way Compare orders the values.
	NullKeyTag        = 128
	BoolKeyTag        = 129
	Int64NegKeyTag    = 130
	Int64NotNegKeyTag = 131
	Float64NaNKeyTag  = 140
	Float64NegKeyTag  = 141
	Float64ZeroKeyTag = 142
	Float64PosKeyTag  = 143
	StringKeyTag      = 150
	BytesKeyTag       = 160
)

func encodeKeyBytes(buf []byte, bytes []byte) []byte {
	for _, b := range bytes {
		if b == 0 || b == 1 {
			buf = append(buf, 1)
		}
		buf = append(buf, b)
	}
	return append(buf, 0)
}

// AppendKey appends the order preserving encoding of vals to buf.
//
// Int64 and Float64 values are encoded separately, so mixing them in one column does not
// sort numerically; callers keep a column to a single numeric type.
func AppendKey(buf []byte, vals Row) []byte {
	for _, val := range vals {
		switch val := val.(type) {
		case BoolValue:
			buf = append(buf, BoolKeyTag)
			if val {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case StringValue:
			buf = append(buf, StringKeyTag)
			buf = encodeKeyBytes(buf, []byte(val))
		case BytesValue:
			buf = append(buf, BytesKeyTag)
			buf = encodeKeyBytes(buf, []byte(val))
		case Float64Value:
			if math.IsNaN(float64(val)) {
				buf = append(buf, Float64NaNKeyTag)
			} else if val == 0 {
				buf = append(buf, Float64ZeroKeyTag)
			} else {
				u := math.Float64bits(float64(val))
				if u&(1<<63) != 0 {
					u = ^u
					buf = append(buf, Float64NegKeyTag)
				} else {
					buf = append(buf, Float64PosKeyTag)
				}
				buf = util.EncodeUint64(buf, u)
			}
		case Int64Value:
			if val < 0 {
				buf = append(buf, Int64NegKeyTag)
			} else {
				buf = append(buf, Int64NotNegKeyTag)
			}
			buf = util.EncodeUint64(buf, uint64(val))
		default:
			if val == nil {
				buf = append(buf, NullKeyTag)
			} else {
				panic(fmt.Sprintf("unexpected type for row.Value: %T: %v", val, val))
			}
		}
	}
	return buf
}

func MakeKey(vals Row) []byte {
	return AppendKey(nil, vals)
}
