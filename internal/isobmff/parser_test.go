package isobmff

import (
	"encoding/binary"
	"testing"
)

// box builds a raw box: 4-byte size, 4-byte tag, payload.
func box(tag string, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(8+len(payload)))
	copy(buf[4:8], tag)
	copy(buf[8:], payload)
	return buf
}

func TestFourCCRoundTrip(t *testing.T) {
	v := FourCCFromString("moov")
	if got := FourCCToString(v); got != "moov" {
		t.Fatalf("FourCCToString(FourCCFromString(%q)) = %q", "moov", got)
	}
	if FourCCFromString("abc") != 0 {
		t.Fatal("FourCCFromString should return 0 for non-4-char input")
	}
}

func TestParseDispatchesPayloadHandler(t *testing.T) {
	buf := box("free", []byte{0xde, 0xad, 0xbe, 0xef})

	var got []byte
	p := New().Payload("free", func(b *ParsedBox, payload []byte) error {
		got = payload
		return nil
	})

	if err := p.Parse(buf, ParseOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 || got[0] != 0xde {
		t.Fatalf("payload handler got %v, want [222 173 190 239]", got)
	}
}

func TestParseContainerDescends(t *testing.T) {
	child := box("mdhd", []byte{0x01, 0x02})
	parent := box("mdia", child)

	var sawChild bool
	p := New().
		Container("mdia", Descend).
		Payload("mdhd", func(b *ParsedBox, payload []byte) error {
			sawChild = true
			return nil
		})

	if err := p.Parse(parent, ParseOptions{}); err != nil {
		t.Fatal(err)
	}
	if !sawChild {
		t.Fatal("expected descent into mdia to reach mdhd child")
	}
}

func TestParseFullBoxPopulatesVersionAndFlags(t *testing.T) {
	payload := append([]byte{0x01, 0x00, 0x00, 0x01}, 0xaa, 0xbb)
	buf := box("tenc", payload)

	var gotVersion uint8
	var gotFlags uint32
	p := New().FullBox("tenc", func(b *ParsedBox) error {
		gotVersion = *b.Version
		gotFlags = *b.Flags
		return nil
	})

	if err := p.Parse(buf, ParseOptions{}); err != nil {
		t.Fatal(err)
	}
	if gotVersion != 1 {
		t.Fatalf("Version = %d, want 1", gotVersion)
	}
	if gotFlags != 1 {
		t.Fatalf("Flags = %d, want 1", gotFlags)
	}
}

func TestParseUnknownBoxSkipped(t *testing.T) {
	buf := append(box("skip", []byte{1, 2, 3}), box("free", []byte{4, 5})...)

	var called bool
	p := New().Payload("free", func(b *ParsedBox, payload []byte) error {
		called = true
		return nil
	})
	if err := p.Parse(buf, ParseOptions{}); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("expected parser to skip unknown box and still reach known sibling")
	}
}

func TestParseTruncatedBoxErrors(t *testing.T) {
	buf := box("free", []byte{1, 2, 3, 4})
	truncated := buf[:len(buf)-2]

	p := New()
	if err := p.Parse(truncated, ParseOptions{}); err == nil {
		t.Fatal("expected error for box declaring a size past the buffer end")
	}
}

func TestParseTruncatedBoxTolerated(t *testing.T) {
	buf := box("free", []byte{1, 2, 3, 4})
	truncated := buf[:len(buf)-2]

	p := New()
	if err := p.Parse(truncated, ParseOptions{TolerateTruncated: true}); err != nil {
		t.Fatalf("expected truncated box to be tolerated, got %v", err)
	}
}

func TestStopHaltsTraversal(t *testing.T) {
	buf := append(box("free", nil), box("skip", nil)...)

	var calls int
	p := New()
	p.Payload("free", func(b *ParsedBox, payload []byte) error {
		calls++
		b.Stop()
		return nil
	})
	p.Payload("skip", func(b *ParsedBox, payload []byte) error {
		calls++
		return nil
	})

	if err := p.Parse(buf, ParseOptions{}); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (Stop should prevent the second box from being handled)", calls)
	}
}

func TestWalkTopLevel(t *testing.T) {
	buf := append(box("ftyp", []byte{1, 2}), box("moov", []byte{3, 4, 5})...)

	var tags []string
	err := WalkTopLevel(buf, func(h BoxHeader) error {
		tags = append(tags, h.TagString)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 2 || tags[0] != "ftyp" || tags[1] != "moov" {
		t.Fatalf("tags = %v, want [ftyp moov]", tags)
	}
}

func TestReadBoxHeaderExtendedSize(t *testing.T) {
	payload := make([]byte, 10)
	buf := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], 1) // signals extended size follows
	copy(buf[4:8], "mdat")
	binary.BigEndian.PutUint64(buf[8:16], uint64(16+len(payload)))

	h, err := ReadBoxHeader(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if h.HeaderSize != 16 {
		t.Fatalf("HeaderSize = %d, want 16", h.HeaderSize)
	}
	if h.Size != uint64(len(buf)) {
		t.Fatalf("Size = %d, want %d", h.Size, len(buf))
	}
}

func TestDescendStsdSkipsVersionAndCount(t *testing.T) {
	entry := box("mp4a", []byte{1})
	payload := append([]byte{0, 0, 0, 0, 0, 0, 0, 1}, entry...) // version/flags + entry_count=1
	buf := box("stsd", payload)

	var sawEntry bool
	p := New().
		Container("stsd", DescendStsd).
		Payload("mp4a", func(b *ParsedBox, payload []byte) error {
			sawEntry = true
			return nil
		})

	if err := p.Parse(buf, ParseOptions{}); err != nil {
		t.Fatal(err)
	}
	if !sawEntry {
		t.Fatal("expected DescendStsd to skip the header and reach the sample entry")
	}
}
