package util

import (
	"encoding/binary"
)

func EncodeVarint(buf []byte, n uint64) []byte {
	return binary.AppendUvarint(buf, n)
}

func DecodeVarint(buf []byte) ([]byte, uint64, bool) {
	n, sz := binary.Uvarint(buf)
	if sz <= 0 {
		return buf, 0, false
	}
	return buf[sz:], n, true
}

func EncodeZigzag64(buf []byte, n int64) []byte {
	return EncodeVarint(buf, uint64((n<<1)^(n>>63)))
}

func DecodeZigzag64(buf []byte) ([]byte, int64, bool) {
	buf, u, ok := DecodeVarint(buf)
	if !ok {
		return buf, 0, false
	}
	return buf, int64(u>>1) ^ -int64(u&1), true
}

// EncodeUint64 appends n big endian, so the encoding sorts the same as n.
func EncodeUint64(buf []byte, n uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, n)
}

func DecodeUint64(buf []byte) ([]byte, uint64, bool) {
	if len(buf) < 8 {
		return buf, 0, false
	}
	return buf[8:], binary.BigEndian.Uint64(buf), true
}

func EncodeUint32(buf []byte, n uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, n)
}

func DecodeUint32(buf []byte) ([]byte, uint32, bool) {
	if len(buf) < 4 {
		return buf, 0, false
	}
	return buf[4:], binary.BigEndian.Uint32(buf), true
}

// EncodeBytes appends a length prefixed copy of b.
func EncodeBytes(buf []byte, b []byte) []byte {
	buf = EncodeVarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func DecodeBytes(buf []byte) ([]byte, []byte, bool) {
	buf, n, ok := DecodeVarint(buf)
	if !ok || uint64(len(buf)) < n {
		return buf, nil, false
	}
	if n == 0 {
		return buf, nil, true
	}
	return buf[n:], buf[:n:n], true
}
