package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math/bits"
)

// ErrVarintOverflow is returned for a varint that does not fit in 64 bits.
var ErrVarintOverflow = errors.New("protocol: varint overflow")

// AppendUvarint appends the varint encoding of v to dst. Each byte holds
// 7 bits with the MSB set on every byte but the last, which is the layout
// lib0 clients write for tags and lengths.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// DecodeUvarint decodes a varint from the front of buf and returns the
// value and the number of bytes it occupied.
func DecodeUvarint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	switch {
	case n == 0:
		return 0, 0, io.ErrUnexpectedEOF
	case n < 0:
		return 0, 0, ErrVarintOverflow
	}
	return v, n, nil
}

// UvarintLen returns the encoded size of v.
func UvarintLen(v uint64) int {
	return (bits.Len64(v|1) + 6) / 7
}
