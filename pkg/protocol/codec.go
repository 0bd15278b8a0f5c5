package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// DefaultMaxAllocation caps a single length-prefixed field (4MB).
	// Whole-document sync payloads for large notes stay well below this.
	DefaultMaxAllocation = 4 * 1024 * 1024

	// MaxCollectionCount caps the entry count read by ReadCount.
	MaxCollectionCount = 1_000_000
)

var (
	ErrAllocationTooLarge = errors.New("protocol: allocation size exceeds limit")
	ErrCollectionTooLarge = errors.New("protocol: collection count exceeds limit")
)

// Encoder appends lib0-style values to a growing buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder whose buffer starts with sizeHint bytes of
// capacity.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the encoded frame. The slice aliases the encoder's buffer
// until the next write.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// WriteUvarint appends v as a varint.
func (e *Encoder) WriteUvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

// WriteVarBytes appends b prefixed with its varint length.
func (e *Encoder) WriteVarBytes(b []byte) {
	e.buf = binary.AppendUvarint(e.buf, uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteVarString appends s prefixed with its varint byte length.
func (e *Encoder) WriteVarString(s string) {
	e.buf = binary.AppendUvarint(e.buf, uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteBool appends 1 or 0.
func (e *Encoder) WriteBool(b bool) {
	var v byte
	if b {
		v = 1
	}
	e.buf = append(e.buf, v)
}

// Decoder reads lib0-style values from a frame. Every read is bounds
// checked; length prefixes above the decoder's limit fail with
// ErrAllocationTooLarge before anything is allocated.
type Decoder struct {
	buf   []byte
	limit uint64
}

// NewDecoder returns a decoder over buf using DefaultMaxAllocation.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf, limit: DefaultMaxAllocation}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf)
}

// EOF reports whether the frame has been fully consumed.
func (d *Decoder) EOF() bool {
	return len(d.buf) == 0
}

// ReadUvarint reads a varint.
func (d *Decoder) ReadUvarint() (uint64, error) {
	v, n, err := DecodeUvarint(d.buf)
	if err != nil {
		return 0, err
	}
	d.buf = d.buf[n:]
	return v, nil
}

// ReadVarBytes reads a length-prefixed byte slice. The result is a copy
// and may be retained.
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	raw, err := d.next()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), raw...), nil
}

// ReadVarString reads a length-prefixed string.
func (d *Decoder) ReadVarString() (string, error) {
	raw, err := d.next()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// next consumes a length-prefixed field and returns it without copying.
func (d *Decoder) next() ([]byte, error) {
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > d.limit {
		return nil, ErrAllocationTooLarge
	}
	if n > uint64(len(d.buf)) {
		return nil, io.ErrUnexpectedEOF
	}
	raw := d.buf[:n]
	d.buf = d.buf[n:]
	return raw, nil
}

// ReadBool reads a single byte; any non-zero value is true.
func (d *Decoder) ReadBool() (bool, error) {
	if len(d.buf) == 0 {
		return false, io.ErrUnexpectedEOF
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b != 0, nil
}

// ReadCount reads the entry count of a collection. Each entry occupies at
// least one byte, so a count larger than the unread input is rejected as
// truncated.
func (d *Decoder) ReadCount() (int, error) {
	n, err := d.ReadUvarint()
	if err != nil {
		return 0, err
	}
	if n > MaxCollectionCount {
		return 0, ErrCollectionTooLarge
	}
	if n > uint64(len(d.buf)) {
		return 0, io.ErrUnexpectedEOF
	}
	return int(n), nil
}
