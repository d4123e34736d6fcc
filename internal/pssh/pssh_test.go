package pssh

import (
	"bytes"
	"encoding/binary"
	"testing"

	"golang.org/x/text/encoding/unicode"
	"google.golang.org/protobuf/encoding/protowire"
)

// buildPsshBox builds a raw pssh box (header included) for a given
// version, system ID, key IDs, and payload data.
func buildPsshBox(version uint8, systemID [16]byte, keyIDs [][16]byte, data []byte) []byte {
	var body bytes.Buffer
	body.WriteByte(version)
	body.Write([]byte{0, 0, 0}) // flags

	body.Write(systemID[:])
	if version >= 1 {
		var count [4]byte
		binary.BigEndian.PutUint32(count[:], uint32(len(keyIDs)))
		body.Write(count[:])
		for _, k := range keyIDs {
			body.Write(k[:])
		}
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data)))
	body.Write(size[:])
	body.Write(data)

	var box bytes.Buffer
	var totalSize [4]byte
	binary.BigEndian.PutUint32(totalSize[:], uint32(8+body.Len()))
	box.Write(totalSize[:])
	box.WriteString("pssh")
	box.Write(body.Bytes())
	return box.Bytes()
}

func TestParseWidevinePssh(t *testing.T) {
	var kid [16]byte
	for i := range kid {
		kid[i] = byte(i)
	}
	wvData := buildWidevineData(t, kid[:])
	box := buildPsshBox(0, SystemWidevine, nil, wvData)

	rec, err := Parse(box)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !rec.IsWidevine() {
		t.Fatal("expected IsWidevine to be true")
	}

	hdr, err := ParseWidevine(rec.Data)
	if err != nil {
		t.Fatalf("ParseWidevine failed: %v", err)
	}
	if len(hdr.KeyIDs) != 1 || !bytes.Equal(hdr.KeyIDs[0], kid[:]) {
		t.Fatalf("unexpected key ids: %x", hdr.KeyIDs)
	}
	if hdr.ProtectionScheme != "cenc" {
		t.Fatalf("expected protection scheme cenc, got %q", hdr.ProtectionScheme)
	}
}

// buildWidevineData hand-encodes a minimal WidevineCencHeader protobuf
// message: field 2 (key_id, bytes) and field 9 (protection_scheme,
// fixed32 fourcc), matching widevine.go's field numbers, using
// protowire's own append helpers so the wire encoding is guaranteed
// consistent with ParseWidevine's protowire.Consume* calls.
func buildWidevineData(t *testing.T, kid []byte) []byte {
	t.Helper()
	var buf []byte
	buf = protowire.AppendTag(buf, wvFieldKeyID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, kid)

	fourcc := binary.BigEndian.Uint32([]byte("cenc"))
	buf = protowire.AppendTag(buf, wvFieldProtectionScheme, protowire.Fixed32Type)
	buf = protowire.AppendFixed32(buf, fourcc)

	return buf
}

func TestParsePlayReadyPssh(t *testing.T) {
	xmlText := `<WRMHEADER version="4.0.0.0"><DATA><PROTECTINFO><KID>AAECAwQFBgcICQoLDA0ODw==</KID></PROTECTINFO></DATA></WRMHEADER>`
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	utf16Bytes, err := encoder.Bytes([]byte(xmlText))
	if err != nil {
		t.Fatalf("failed to encode fixture XML: %v", err)
	}

	var obj bytes.Buffer
	var totalLen [4]byte
	recordLen := len(utf16Bytes)
	binary.LittleEndian.PutUint32(totalLen[:], uint32(10+recordLen))
	obj.Write(totalLen[:])
	obj.Write([]byte{1, 0}) // record_count = 1
	obj.Write([]byte{1, 0}) // record_type = WRMHEADER
	var recLenBytes [2]byte
	binary.LittleEndian.PutUint16(recLenBytes[:], uint16(recordLen))
	obj.Write(recLenBytes[:])
	obj.Write(utf16Bytes)

	box := buildPsshBox(0, SystemPlayReady, nil, obj.Bytes())
	rec, err := Parse(box)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !rec.IsPlayReady() {
		t.Fatal("expected IsPlayReady to be true")
	}

	headers, err := ParsePlayReady(rec.Data)
	if err != nil {
		t.Fatalf("ParsePlayReady failed: %v", err)
	}
	if len(headers) != 1 {
		t.Fatalf("expected 1 WRMHEADER record, got %d", len(headers))
	}
	if len(headers[0].KIDs) != 1 || headers[0].KIDs[0] != "000102030405060708090a0b0c0d0e0f" {
		t.Fatalf("unexpected KIDs: %v", headers[0].KIDs)
	}
}

func TestParseAllFindsPsshInsideMoov(t *testing.T) {
	box := buildPsshBox(1, SystemCommon, [][16]byte{{1, 2, 3}}, []byte("payload"))

	var moov bytes.Buffer
	var moovSize [4]byte
	binary.BigEndian.PutUint32(moovSize[:], uint32(8+len(box)))
	moov.Write(moovSize[:])
	moov.WriteString("moov")
	moov.Write(box)

	records, err := ParseAll(moov.Bytes())
	if err != nil {
		t.Fatalf("ParseAll failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if len(records[0].KeyIDs) != 1 {
		t.Fatalf("expected 1 key id, got %d", len(records[0].KeyIDs))
	}
}
