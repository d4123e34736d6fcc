package protection

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

// fullBoxPayload prepends the 1-byte version + 3-byte flags header that
// isobmff.Parser.FullBox consumes before invoking the handler.
func fullBoxPayload(version uint8, flags uint32, rest []byte) []byte {
	out := make([]byte, 4+len(rest))
	out[0] = version
	out[1] = byte(flags >> 16)
	out[2] = byte(flags >> 8)
	out[3] = byte(flags)
	copy(out[4:], rest)
	return out
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func buildTkhd(trackID uint32) []byte {
	rest := append(append([]byte{}, u32(0)...), u32(0)...) // creation + modification
	rest = append(rest, u32(trackID)...)
	return box("tkhd", fullBoxPayload(0, 0, rest))
}

func buildMdhd(timescale uint32, packedLang uint16) []byte {
	rest := append([]byte{}, u32(0)...) // creation
	rest = append(rest, u32(0)...)      // modification
	rest = append(rest, u32(timescale)...)
	rest = append(rest, u32(0)...) // duration
	rest = append(rest, u16(packedLang)...)
	rest = append(rest, u16(0)...) // pre_defined
	return box("mdhd", fullBoxPayload(0, 0, rest))
}

func buildTencV0(kid [16]byte, ivSize uint8) []byte {
	rest := []byte{0x00, 0x00, 1, ivSize} // reserved, reserved, is_protected=1, iv_size
	rest = append(rest, kid[:]...)
	if ivSize == 0 {
		rest = append(rest, 0) // constant_iv_size = 0
	}
	return box("tenc", fullBoxPayload(0, 0, rest))
}

func buildTencV1Pattern(kid [16]byte, cryptBlock, skipBlock uint8) []byte {
	rest := []byte{0x00, byte(cryptBlock<<4 | skipBlock), 1, 8} // reserved, patternByte, is_protected=1, iv_size=8
	rest = append(rest, kid[:]...)
	return box("tenc", fullBoxPayload(1, 0, rest))
}

func buildSchm(scheme string, version uint32) []byte {
	rest := append([]byte{}, []byte(scheme)...)
	rest = append(rest, u32(version)...)
	return box("schm", fullBoxPayload(0, 0, rest))
}

func buildSampleEntry(tag string, fixedFieldsSize int, children []byte) []byte {
	payload := make([]byte, 8+fixedFieldsSize) // 6 reserved + 2 data_reference_index + type-specific
	payload = append(payload, children...)
	return box(tag, payload)
}

func buildStsd(entries []byte) []byte {
	payload := append([]byte{}, u32(0)...) // version(1)+flags(3)
	payload = append(payload, u32(1)...)   // entry_count
	payload = append(payload, entries...)
	return box("stsd", payload)
}

func TestExtractInitParsesTencAndSchm(t *testing.T) {
	kid := [16]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}

	sinf := box("sinf", append(buildSchm("cbcs", 0x00010000), box("schi", buildTencV1Pattern(kid, 1, 9))...))
	encv := buildSampleEntry("encv", 78, sinf)
	stsd := buildStsd(encv)
	stbl := box("stbl", stsd)
	minf := box("minf", stbl)
	mdhd := buildMdhd(90000, 0x55c4) // arbitrary packed language
	mdia := box("mdia", append(mdhd, minf...))
	tkhd := buildTkhd(7)
	trak := box("trak", append(tkhd, mdia...))
	moov := box("moov", trak)

	protections, headers, err := ExtractInit(moov)
	if err != nil {
		t.Fatal(err)
	}

	tp, ok := protections[7]
	if !ok {
		t.Fatalf("no protection info for track 7, got %v", protections)
	}
	if tp.Scheme != SchemeCbcs {
		t.Fatalf("Scheme = %q, want cbcs", tp.Scheme)
	}
	if tp.DefaultKID != kid {
		t.Fatalf("DefaultKID = %x, want %x", tp.DefaultKID, kid)
	}
	if tp.CryptByteBlock != 1 || tp.SkipByteBlock != 9 {
		t.Fatalf("CryptByteBlock/SkipByteBlock = %d/%d, want 1/9", tp.CryptByteBlock, tp.SkipByteBlock)
	}
	if !tp.IsProtected {
		t.Fatal("expected IsProtected = true")
	}
	if tp.KIDHex() != "0102030405060708090a0b0c0d0e0f10" {
		t.Fatalf("KIDHex() = %q", tp.KIDHex())
	}

	hdr, ok := headers[7]
	if !ok {
		t.Fatal("no media header for track 7")
	}
	if hdr.Timescale != 90000 {
		t.Fatalf("Timescale = %d, want 90000", hdr.Timescale)
	}
}

func TestExtractInitConstantIVWhenNoPerSampleIV(t *testing.T) {
	kid := [16]byte{0xaa}
	tencRest := []byte{0x00, 0x00, 1, 0} // reserved, reserved, is_protected, iv_size=0
	tencRest = append(tencRest, kid[:]...)
	civ := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	tencRest = append(tencRest, byte(len(civ)))
	tencRest = append(tencRest, civ...)
	tenc := box("tenc", fullBoxPayload(0, 0, tencRest))

	sinf := box("sinf", append(buildSchm("cenc", 0x00010000), box("schi", tenc)...))
	enca := buildSampleEntry("enca", 28, sinf)
	stsd := buildStsd(enca)
	stbl := box("stbl", stsd)
	minf := box("minf", stbl)
	mdhd := buildMdhd(48000, 0)
	mdia := box("mdia", append(mdhd, minf...))
	tkhd := buildTkhd(2)
	trak := box("trak", append(tkhd, mdia...))

	protections, _, err := ExtractInit(box("moov", trak))
	if err != nil {
		t.Fatal(err)
	}
	tp := protections[2]
	if tp == nil {
		t.Fatal("no protection info for track 2")
	}
	if tp.PerSampleIVSize != 0 {
		t.Fatalf("PerSampleIVSize = %d, want 0", tp.PerSampleIVSize)
	}
	if len(tp.ConstantIV) != 8 || tp.ConstantIV[0] != 1 {
		t.Fatalf("ConstantIV = %v, want an 8-byte IV starting with 1", tp.ConstantIV)
	}
}

func TestUnpackLanguage(t *testing.T) {
	// "eng" packed per ISO 14496-12: each letter is (char - 0x60) in 5 bits.
	e := uint16('e' - 0x60)
	n := uint16('n' - 0x60)
	g := uint16('g' - 0x60)
	packed := (e << 10) | (n << 5) | g

	if got := unpackLanguage(packed); got != "eng" {
		t.Fatalf("unpackLanguage(%x) = %q, want %q", packed, got, "eng")
	}
}

func buildMoofWithTraf(trafPayload []byte) []byte {
	return box("moof", box("traf", trafPayload))
}

func buildTfhd(trackID uint32, defaultSampleDuration *uint32) []byte {
	flags := uint32(0)
	rest := u32(trackID)
	if defaultSampleDuration != nil {
		flags |= tfhdDefaultSampleDurationPresent
		rest = append(rest, u32(*defaultSampleDuration)...)
	}
	return box("tfhd", fullBoxPayload(0, flags, rest))
}

func buildTfdt(baseMediaDecodeTime uint64) []byte {
	rest := make([]byte, 8)
	binary.BigEndian.PutUint64(rest, baseMediaDecodeTime)
	return box("tfdt", fullBoxPayload(1, 0, rest))
}

func buildTrun(sizes []uint32) []byte {
	flags := uint32(trunSampleSizePresent)
	rest := u32(uint32(len(sizes)))
	for _, s := range sizes {
		rest = append(rest, u32(s)...)
	}
	return box("trun", fullBoxPayload(0, flags, rest))
}

func buildSenc(ivs [][]byte) []byte {
	rest := u32(uint32(len(ivs)))
	for _, iv := range ivs {
		rest = append(rest, iv...)
	}
	return box("senc", fullBoxPayload(0, 0, rest))
}

func TestParseMoofExtractsTfhdTfdtTrunSenc(t *testing.T) {
	dur := uint32(1000)
	trafPayload := append([]byte{}, buildTfhd(3, &dur)...)
	trafPayload = append(trafPayload, buildTfdt(123456789)...)
	trafPayload = append(trafPayload, buildTrun([]uint32{100, 200, 300})...)
	trafPayload = append(trafPayload, buildSenc([][]byte{
		{1, 2, 3, 4, 5, 6, 7, 8},
		{9, 10, 11, 12, 13, 14, 15, 16},
		{17, 18, 19, 20, 21, 22, 23, 24},
	})...)

	moof := buildMoofWithTraf(trafPayload)

	mf, err := ParseMoof(moof, 0, map[uint32]int{3: 8})
	if err != nil {
		t.Fatal(err)
	}
	if len(mf.Tracks) != 1 {
		t.Fatalf("len(Tracks) = %d, want 1", len(mf.Tracks))
	}
	tf := mf.Tracks[0]

	if tf.Tfhd == nil || tf.Tfhd.TrackID != 3 {
		t.Fatalf("Tfhd = %+v, want TrackID 3", tf.Tfhd)
	}
	if tf.Tfhd.DefaultSampleDuration == nil || *tf.Tfhd.DefaultSampleDuration != 1000 {
		t.Fatalf("DefaultSampleDuration = %v, want 1000", tf.Tfhd.DefaultSampleDuration)
	}
	if tf.Tfdt == nil || tf.Tfdt.BaseMediaDecodeTime != 123456789 {
		t.Fatalf("Tfdt = %+v, want 123456789", tf.Tfdt)
	}
	if tf.Trun == nil || tf.Trun.SampleCount != 3 {
		t.Fatalf("Trun.SampleCount = %v, want 3", tf.Trun)
	}
	if *tf.Trun.Samples[1].Size != 200 {
		t.Fatalf("Trun.Samples[1].Size = %v, want 200", tf.Trun.Samples[1].Size)
	}
	if tf.Senc == nil || len(tf.Senc.Samples) != 3 {
		t.Fatalf("Senc = %+v, want 3 samples", tf.Senc)
	}
	if tf.Senc.Samples[2].IV[0] != 17 {
		t.Fatalf("Senc.Samples[2].IV = %v, want starting with 17", tf.Senc.Samples[2].IV)
	}
}

func TestParseMoofSencWithSubsamples(t *testing.T) {
	rest := u32(1) // sample count
	rest = append(rest, []byte{1, 2, 3, 4, 5, 6, 7, 8}...)
	rest = append(rest, u16(2)...) // subsample count
	rest = append(rest, u16(16)...)
	rest = append(rest, u32(1000)...)
	rest = append(rest, u16(32)...)
	rest = append(rest, u32(2000)...)
	senc := box("senc", fullBoxPayload(0, sencUseSubsampleFlag, rest))

	trafPayload := append([]byte{}, buildTfhd(1, nil)...)
	trafPayload = append(trafPayload, senc...)
	moof := buildMoofWithTraf(trafPayload)

	mf, err := ParseMoof(moof, 0, map[uint32]int{1: 8})
	if err != nil {
		t.Fatal(err)
	}
	tf := mf.Tracks[0]
	if !tf.Senc.UsesSubsamples {
		t.Fatal("expected UsesSubsamples = true")
	}
	subs := tf.Senc.Samples[0].Subsamples
	if len(subs) != 2 {
		t.Fatalf("len(Subsamples) = %d, want 2", len(subs))
	}
	if subs[0].ClearBytes != 16 || subs[0].EncryptedBytes != 1000 {
		t.Fatalf("Subsamples[0] = %+v, want {16 1000}", subs[0])
	}
	if subs[1].ClearBytes != 32 || subs[1].EncryptedBytes != 2000 {
		t.Fatalf("Subsamples[1] = %+v, want {32 2000}", subs[1])
	}
}

func TestParseMoofDetectsSaizSaio(t *testing.T) {
	trafPayload := append([]byte{}, buildTfhd(1, nil)...)
	trafPayload = append(trafPayload, box("saiz", []byte{0, 0, 0, 0, 0, 0, 0, 1, 8})...)
	trafPayload = append(trafPayload, box("saio", []byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0})...)
	moof := buildMoofWithTraf(trafPayload)

	mf, err := ParseMoof(moof, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	tf := mf.Tracks[0]
	if !tf.HasSaiz || !tf.HasSaio {
		t.Fatalf("HasSaiz/HasSaio = %v/%v, want true/true", tf.HasSaiz, tf.HasSaio)
	}
}
