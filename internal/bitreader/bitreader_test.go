package bitreader

import (
	"bytes"
	"testing"
)

func TestReadPrimitivesBigEndian(t *testing.T) {
	buf := []byte{
		0x01,                   // U8
		0x02, 0x03,             // U16
		0x00, 0x01, 0x02,       // U24
		0x00, 0x00, 0x00, 0x04, // U32
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x05, // U64
	}
	r := New(buf)

	u8, err := r.U8()
	if err != nil || u8 != 1 {
		t.Fatalf("U8() = %d, %v, want 1, nil", u8, err)
	}
	u16, err := r.U16()
	if err != nil || u16 != 0x0203 {
		t.Fatalf("U16() = %x, %v, want 0203", u16, err)
	}
	u24, err := r.U24()
	if err != nil || u24 != 0x000102 {
		t.Fatalf("U24() = %x, %v, want 000102", u24, err)
	}
	u32, err := r.U32()
	if err != nil || u32 != 4 {
		t.Fatalf("U32() = %d, %v, want 4", u32, err)
	}
	u64, err := r.U64()
	if err != nil || u64 != 5 {
		t.Fatalf("U64() = %d, %v, want 5", u64, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0", r.Remaining())
	}
}

func TestU24LittleEndian(t *testing.T) {
	r := NewLittleEndian([]byte{0x01, 0x02, 0x03})
	v, err := r.U24()
	if err != nil {
		t.Fatal(err)
	}
	if want := uint32(0x030201); v != want {
		t.Fatalf("U24() = %x, want %x", v, want)
	}
}

func TestShortReadDoesNotAdvance(t *testing.T) {
	r := New([]byte{0x01})
	pos := r.Pos()
	if _, err := r.U32(); err == nil {
		t.Fatal("expected short read error")
	}
	if r.Pos() != pos {
		t.Fatalf("Pos() changed after failed read: %d != %d", r.Pos(), pos)
	}
}

func TestSetPosOutOfRange(t *testing.T) {
	r := New(make([]byte, 4))
	if err := r.SetPos(5); err == nil {
		t.Fatal("expected error for out-of-range SetPos")
	}
	if err := r.SetPos(4); err != nil {
		t.Fatalf("SetPos(len) should be valid: %v", err)
	}
}

func TestReadUTF16BigEndian(t *testing.T) {
	r := New([]byte{0x00, 0x41, 0x00, 0x42})
	units, err := r.ReadUTF16(2)
	if err != nil {
		t.Fatal(err)
	}
	if units[0] != 'A' || units[1] != 'B' {
		t.Fatalf("ReadUTF16() = %v, want [A B]", units)
	}
}

func TestReadNReturnsCopy(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	r := New(buf)
	out, err := r.ReadN(4)
	if err != nil {
		t.Fatal(err)
	}
	out[0] = 0xff
	if buf[0] != 1 {
		t.Fatal("ReadN should return a copy, not alias the source buffer")
	}
	if !bytes.Equal(out, []byte{0xff, 2, 3, 4}) {
		t.Fatalf("unexpected mutation result: %v", out)
	}
}

func TestSkip(t *testing.T) {
	r := New([]byte{1, 2, 3, 4})
	if err := r.Skip(2); err != nil {
		t.Fatal(err)
	}
	v, err := r.U16()
	if err != nil || v != 0x0304 {
		t.Fatalf("U16() after Skip = %x, %v, want 0304", v, err)
	}
}
