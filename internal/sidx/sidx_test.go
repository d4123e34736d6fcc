package sidx

import (
	"encoding/binary"
	"testing"
)

func box(tag string, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(8+len(payload)))
	copy(buf[4:8], tag)
	copy(buf[8:], payload)
	return buf
}

func fullBoxPayload(version uint8, flags uint32, rest []byte) []byte {
	out := make([]byte, 4+len(rest))
	out[0] = version
	out[1] = byte(flags >> 16)
	out[2] = byte(flags >> 8)
	out[3] = byte(flags)
	copy(out[4:], rest)
	return out
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func buildSidxV0(timescale uint32, firstOffset uint32, refs [][2]uint32) []byte {
	rest := u32(1) // reference_ID
	rest = append(rest, u32(timescale)...)
	rest = append(rest, u32(0)...)           // earliest_presentation_time
	rest = append(rest, u32(firstOffset)...) // first_offset
	rest = append(rest, u16(0)...)           // reserved
	rest = append(rest, u16(uint16(len(refs)))...)
	for _, r := range refs {
		referenceType, referenceSize := r[0], r[1]
		chunk := (referenceType << 31) | (referenceSize & 0x7FFFFFFF)
		rest = append(rest, u32(chunk)...)
		rest = append(rest, u32(0)...) // subsegment_duration
		rest = append(rest, u32(0)...) // SAP fields
	}
	return box("sidx", fullBoxPayload(0, 0, rest))
}

func TestParseResolvesByteRangesFromOffset(t *testing.T) {
	buf := buildSidxV0(90000, 0, [][2]uint32{{0, 1000}, {0, 2000}})

	const sidxOffset = 500
	ranges, err := Parse(buf, sidxOffset)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ranges) != 2 {
		t.Fatalf("len(ranges) = %d, want 2", len(ranges))
	}

	wantStart0 := int64(sidxOffset) + int64(len(buf))
	if ranges[0].Start != wantStart0 || ranges[0].End != wantStart0+1000-1 {
		t.Errorf("ranges[0] = %+v, want start=%d end=%d", ranges[0], wantStart0, wantStart0+999)
	}
	wantStart1 := ranges[0].End + 1
	if ranges[1].Start != wantStart1 || ranges[1].End != wantStart1+2000-1 {
		t.Errorf("ranges[1] = %+v, want start=%d end=%d", ranges[1], wantStart1, wantStart1+1999)
	}
}

func TestParseHonorsFirstOffset(t *testing.T) {
	buf := buildSidxV0(90000, 128, [][2]uint32{{0, 500}})

	ranges, err := Parse(buf, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ranges) != 1 {
		t.Fatalf("len(ranges) = %d, want 1", len(ranges))
	}
	wantStart := int64(len(buf)) + 128
	if ranges[0].Start != wantStart {
		t.Errorf("ranges[0].Start = %d, want %d", ranges[0].Start, wantStart)
	}
}

func TestParseRejectsZeroTimescale(t *testing.T) {
	buf := buildSidxV0(0, 0, [][2]uint32{{0, 1000}})
	if _, err := Parse(buf, 0); err == nil {
		t.Fatal("Parse: want error for zero timescale, got nil")
	}
}

func TestParseRejectsHierarchicalSidx(t *testing.T) {
	buf := buildSidxV0(90000, 0, [][2]uint32{{1, 1000}})
	if _, err := Parse(buf, 0); err == nil {
		t.Fatal("Parse: want error for hierarchical sidx reference, got nil")
	}
}

func TestParseNoSidxBoxErrors(t *testing.T) {
	buf := box("free", []byte{1, 2, 3, 4})
	if _, err := Parse(buf, 0); err == nil {
		t.Fatal("Parse: want error when no sidx box present, got nil")
	}
}
