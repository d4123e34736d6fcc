// Package bitreader provides an endian-aware byte cursor used by every
// parser in the ISO-BMFF stack. It generalizes the ad-hoc
// binary.BigEndian offset arithmetic the teacher repo inlines into each
// box-specific parse function into a single reusable cursor type.
package bitreader

import (
	"encoding/binary"

	"github.com/arcflux/arcflux/internal/mp4err"
)

// Reader is a cursor over a byte buffer. The zero value is not usable;
// construct with New.
type Reader struct {
	buf          []byte
	pos          int
	littleEndian bool
}

// New returns a big-endian Reader over buf, the default for ISO-BMFF.
func New(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// NewLittleEndian returns a little-endian Reader, used for PlayReady
// Object parsing and its embedded UTF-16LE XML.
func NewLittleEndian(buf []byte) *Reader {
	return &Reader{buf: buf, littleEndian: true}
}

func (r *Reader) order() binary.ByteOrder {
	if r.littleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Len returns the total buffer length.
func (r *Reader) Len() int { return len(r.buf) }

// Pos returns the current cursor position.
func (r *Reader) Pos() int { return r.pos }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// SetPos repositions the cursor. Fails without mutating state if pos is
// out of [0, len(buf)].
func (r *Reader) SetPos(pos int) error {
	if pos < 0 || pos > len(r.buf) {
		return mp4err.New(mp4err.UnexpectedEOF, "bitreader.SetPos", "", "position out of range")
	}
	r.pos = pos
	return nil
}

func (r *Reader) need(n int) error {
	if n < 0 || r.pos+n > len(r.buf) {
		return mp4err.New(mp4err.UnexpectedEOF, "bitreader", "", "short read")
	}
	return nil
}

// U8 reads one unsigned byte.
func (r *Reader) U8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// U16 reads a 16-bit unsigned integer.
func (r *Reader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := r.order().Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// U24 reads a 24-bit unsigned integer (used for full-box flags).
func (r *Reader) U24() (uint32, error) {
	if err := r.need(3); err != nil {
		return 0, err
	}
	b := r.buf[r.pos : r.pos+3]
	var v uint32
	if r.littleEndian {
		v = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	} else {
		v = uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	}
	r.pos += 3
	return v, nil
}

// U32 reads a 32-bit unsigned integer.
func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := r.order().Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// I32 reads a 32-bit signed integer (used for composition time offsets
// in trun version 1).
func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

// U64 reads a 64-bit unsigned integer.
func (r *Reader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := r.order().Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadN reads n bytes into a freshly allocated buffer.
func (r *Reader) ReadN(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// ReadUTF16 reads n code units (2*n bytes) as UTF-16.
func (r *Reader) ReadUTF16(n int) ([]uint16, error) {
	if err := r.need(n * 2); err != nil {
		return nil, err
	}
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = r.order().Uint16(r.buf[r.pos+i*2:])
	}
	r.pos += n * 2
	return out, nil
}

// Skip advances the cursor by n bytes; fails without moving if that
// would run past the end of the buffer.
func (r *Reader) Skip(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.pos += n
	return nil
}

// Bytes returns the underlying buffer (not a copy) for callers that
// need to hand a raw slice onward, e.g. to preserve a PSSH box's raw
// encoding.
func (r *Reader) Bytes() []byte { return r.buf }
