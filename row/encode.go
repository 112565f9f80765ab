package row

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/leftmike/coredb/util"
)

const (
	boolValueTag    = 1
	int64ValueTag   = 2
	float64ValueTag = 3
	stringValueTag  = 4
	bytesValueTag   = 5
	// Value tags must be less than 16.

	maxColumns = 1 << 16
)

func encodeColNumValueTag(buf []byte, colNum int, tag byte) []byte {
	if colNum < 15 {
		buf = append(buf, byte(colNum<<4)|tag)
	} else {
		buf = append(buf, 0xF0|tag)
		buf = util.EncodeVarint(buf, uint64(colNum))
	}
	return buf
}

// Encode returns the storage encoding of r; NULL columns take no space.
func Encode(r Row) []byte {
	buf := util.EncodeVarint(nil, uint64(len(r)))
	for num := range r {
		val := r[num]
		if val == nil {
			continue
		}
		switch val := val.(type) {
		case BoolValue:
			buf = encodeColNumValueTag(buf, num, boolValueTag)
			if val {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case StringValue:
			buf = encodeColNumValueTag(buf, num, stringValueTag)
			buf = util.EncodeBytes(buf, []byte(val))
		case BytesValue:
			buf = encodeColNumValueTag(buf, num, bytesValueTag)
			buf = util.EncodeBytes(buf, []byte(val))
		case Float64Value:
			buf = encodeColNumValueTag(buf, num, float64ValueTag)
			buf = util.EncodeUint64(buf, math.Float64bits(float64(val)))
		case Int64Value:
			buf = encodeColNumValueTag(buf, num, int64ValueTag)
			buf = util.EncodeZigzag64(buf, int64(val))
		default:
			panic(fmt.Sprintf("unexpected type for row.Value: %T: %v", val, val))
		}
	}
	return buf
}

// Decode returns the row encoded in buf or nil if buf is not a valid encoding. Values
// returned do not alias buf.
func Decode(buf []byte) Row {
	var ok bool
	var u uint64

	buf, u, ok = util.DecodeVarint(buf)
	if !ok || u > maxColumns {
		return nil
	}
	dest := make(Row, u)

	for len(buf) > 0 {
		tag := buf[0] & 0x0F
		num := int(buf[0] >> 4)
		buf = buf[1:]
		if num == 15 {
			buf, u, ok = util.DecodeVarint(buf)
			if !ok {
				return nil
			}
			num = int(u)
		}

		var val Value
		switch tag {
		case boolValueTag:
			if len(buf) < 1 {
				return nil
			}
			val = BoolValue(buf[0] != 0)
			buf = buf[1:]
		case stringValueTag:
			var b []byte
			buf, b, ok = util.DecodeBytes(buf)
			if !ok {
				return nil
			}
			val = StringValue(b)
		case bytesValueTag:
			var b []byte
			buf, b, ok = util.DecodeBytes(buf)
			if !ok {
				return nil
			}
			val = BytesValue(append([]byte{}, b...))
		case float64ValueTag:
			if len(buf) < 8 {
				return nil
			}
			u = binary.BigEndian.Uint64(buf)
			val = Float64Value(math.Float64frombits(u))
			buf = buf[8:]
		case int64ValueTag:
			var n int64
			buf, n, ok = util.DecodeZigzag64(buf)
			if !ok {
				return nil
			}
			val = Int64Value(n)
		default:
			return nil
		}

		if num >= len(dest) {
			return nil
		}
		dest[num] = val
	}

	return dest
}
