package pssh

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/arcflux/arcflux/internal/mp4err"
)

// PlayReadyHeader is one decoded WRMHEADER record: the UTF-8 XML body
// and every KID the XML carries, across every WRMHEADER version
// (4.0.0.0 through 4.3.0.0 all nest KID data differently).
type PlayReadyHeader struct {
	XML  string
	KIDs []string // lowercase hex, GUID byte order as stored in the XML
}

const (
	playReadyRecordTypeWRM = 0x0001
	// Types 2 and 3 are reserved record types defined by the PlayReady
	// Object format but never carrying header data; they're present in
	// real-world headers and are silently skipped rather than decoded.
	playReadyRecordTypeReserved2 = 0x0002
	playReadyRecordTypeReserved3 = 0x0003
)

// ParsePlayReady decodes a PlayReady Object (a pssh's Data payload):
// a little-endian 4-byte total length, 2-byte record count, then that
// many (2-byte type, 2-byte length, data) records. Only WRMHEADER
// (type 1) records are decoded; types 2 and 3 are skipped, and any
// other record type is an InvalidFormat error.
func ParsePlayReady(data []byte) ([]PlayReadyHeader, error) {
	if len(data) < 6 {
		return nil, mp4err.New(mp4err.UnexpectedEOF, "playready", "", "object shorter than header")
	}
	recordCount := binary.LittleEndian.Uint16(data[4:6])
	offset := 6

	var headers []PlayReadyHeader
	for i := uint16(0); i < recordCount; i++ {
		if offset+4 > len(data) {
			return nil, mp4err.New(mp4err.UnexpectedEOF, "playready", "", "truncated record header")
		}
		recType := binary.LittleEndian.Uint16(data[offset:])
		recLen := binary.LittleEndian.Uint16(data[offset+2:])
		offset += 4
		if offset+int(recLen) > len(data) {
			return nil, mp4err.New(mp4err.UnexpectedEOF, "playready", "", "truncated record body")
		}
		body := data[offset : offset+int(recLen)]
		offset += int(recLen)

		if recType != playReadyRecordTypeWRM {
			if recType == playReadyRecordTypeReserved2 || recType == playReadyRecordTypeReserved3 {
				continue
			}
			return nil, mp4err.New(mp4err.InvalidFormat, "playready", "", "unrecognized PlayReady Object record type")
		}
		xmlText, err := decodeUTF16LE(body)
		if err != nil {
			return nil, err
		}
		kids, err := extractKIDs(xmlText)
		if err != nil {
			return nil, err
		}
		headers = append(headers, PlayReadyHeader{XML: xmlText, KIDs: kids})
	}
	return headers, nil
}

func decodeUTF16LE(b []byte) (string, error) {
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := decoder.Bytes(b)
	if err != nil {
		return "", mp4err.Wrap(mp4err.UTF16Decode, "playready", err)
	}
	return string(out), nil
}

// extractKIDs walks the WRMHEADER XML looking for every element named
// KID, across the several shapes different header versions use:
//
//	4.0.0.0: <PROTECTINFO><KID>base64</KID></PROTECTINFO>
//	4.1.0.0: <PROTECTINFO><KID VALUE="base64" .../></PROTECTINFO>
//	4.2.0.0/4.3.0.0: <PROTECTINFO><KIDS><KID VALUE="base64" .../></KIDS></PROTECTINFO>
//
// A KID found as attribute VALUE or as element text is base64-decoded
// and re-encoded as lowercase hex, preserving whatever byte order the
// header stored it in.
func extractKIDs(xmlText string) ([]string, error) {
	dec := xml.NewDecoder(strings.NewReader(xmlText))
	var kids []string

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, mp4err.Wrap(mp4err.XML, "playready", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || !strings.EqualFold(start.Name.Local, "KID") {
			continue
		}

		if v := attrValue(start, "VALUE"); v != "" {
			if kid, err := decodeKIDBase64(v); err == nil {
				kids = append(kids, kid)
			}
			continue
		}

		text, err := dec.Token()
		if err != nil {
			continue
		}
		if chars, ok := text.(xml.CharData); ok {
			if kid, err := decodeKIDBase64(strings.TrimSpace(string(chars))); err == nil {
				kids = append(kids, kid)
			}
		}
	}
	return kids, nil
}

func attrValue(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value
		}
	}
	return ""
}

func decodeKIDBase64(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", mp4err.Wrap(mp4err.PsshDecodeFailed, "playready-kid", err)
	}
	return hex.EncodeToString(raw), nil
}
