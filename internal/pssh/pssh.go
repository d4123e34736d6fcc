// Package pssh parses Protection System Specific Header boxes (ISO/IEC
// 23001-7), both standalone at the top level of an init segment and
// nested inside moov, and decodes the two system-specific payloads
// understood by the specification: Widevine (widevine.go) and
// PlayReady (playready.go).
//
// No teacher file parses pssh; this package is grounded directly on
// the box layout and decoded the same way the rest of this module
// reads ISO-BMFF, via internal/isobmff.
package pssh

import (
	"encoding/hex"

	"github.com/arcflux/arcflux/internal/isobmff"
	"github.com/arcflux/arcflux/internal/mp4err"
	"github.com/google/uuid"
)

// Record is one parsed pssh box.
type Record struct {
	SystemID [16]byte
	Version  uint8
	KeyIDs   [][16]byte
	Data     []byte // system-specific payload
	Raw      []byte // the full box, header included
}

// SystemUUIDString formats SystemID as a canonical UUID string.
func (r *Record) SystemUUIDString() string {
	u, _ := uuid.FromBytes(r.SystemID[:])
	return u.String()
}

// KIDStrings formats every entry of KeyIDs as lowercase hex: the
// box-level key_ids of a version>=1 box, or for a version-0 box the KIDs
// decoded from a Widevine or PlayReady payload.
func (r *Record) KIDStrings() []string {
	out := make([]string, len(r.KeyIDs))
	for i, k := range r.KeyIDs {
		out[i] = hex.EncodeToString(k[:])
	}
	return out
}

// IsWidevine reports whether SystemID matches the Widevine system UUID.
func (r *Record) IsWidevine() bool { return r.SystemID == SystemWidevine }

// IsPlayReady reports whether SystemID matches the PlayReady system UUID.
func (r *Record) IsPlayReady() bool { return r.SystemID == SystemPlayReady }

// The three DRM system IDs the specification names.
var (
	SystemWidevine  = mustSystemID("edef8ba9-79d6-4ace-a3c8-27dcd51d21ed")
	SystemPlayReady = mustSystemID("9a04f079-9840-4286-ab92-e65be0885f95")
	SystemCommon    = mustSystemID("1077efec-c0b2-4d02-ace3-3c1e52e2fb4b")
)

func mustSystemID(s string) [16]byte {
	u := uuid.MustParse(s)
	var b [16]byte
	copy(b[:], u[:])
	return b
}

// ParseAll scans buf (an init segment, or any buffer containing a
// moov) for every pssh box, whether at the top level or nested inside
// moov, and returns them in encounter order.
func ParseAll(buf []byte) ([]*Record, error) {
	var records []*Record

	p := isobmff.New()
	p.Container("moov", isobmff.Descend)
	p.FullBox("pssh", func(box *isobmff.ParsedBox) error {
		rec, err := parseBody(box)
		if err != nil {
			return err
		}
		end := int(box.Start) + int(box.Size)
		if end <= len(buf) {
			rec.Raw = buf[int(box.Start):end]
		}
		records = append(records, rec)
		return nil
	})

	if err := p.Parse(buf, isobmff.ParseOptions{TolerateTruncated: true}); err != nil {
		return nil, err
	}
	return records, nil
}

// Parse parses a single pssh box's raw bytes, header included.
func Parse(boxBytes []byte) (*Record, error) {
	var rec *Record
	p := isobmff.New()
	p.FullBox("pssh", func(box *isobmff.ParsedBox) error {
		r, err := parseBody(box)
		if err != nil {
			return err
		}
		r.Raw = boxBytes
		rec = r
		return nil
	})
	if err := p.Parse(boxBytes, isobmff.ParseOptions{}); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, mp4err.New(mp4err.InvalidFormat, "pssh", "pssh", "buffer did not contain a pssh box")
	}
	return rec, nil
}

func parseBody(box *isobmff.ParsedBox) (*Record, error) {
	sysID, err := box.Reader.ReadN(16)
	if err != nil {
		return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "pssh", err)
	}
	rec := &Record{Version: *box.Version}
	copy(rec.SystemID[:], sysID)

	if *box.Version >= 1 {
		count, err := box.Reader.U32()
		if err != nil {
			return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "pssh", err)
		}
		for i := uint32(0); i < count; i++ {
			kid, err := box.Reader.ReadN(16)
			if err != nil {
				return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "pssh", err)
			}
			var k [16]byte
			copy(k[:], kid)
			rec.KeyIDs = append(rec.KeyIDs, k)
		}
	}

	size, err := box.Reader.U32()
	if err != nil {
		return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "pssh", err)
	}
	data, err := box.Reader.ReadN(int(size))
	if err != nil {
		return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "pssh", err)
	}
	rec.Data = data

	// A version-0 box carries no box-level key_ids field; for the two
	// systems whose payload format is known, parse it out of Data so
	// KeyIDs/KIDStrings() are complete regardless of box version, per
	// the specification.
	if len(rec.KeyIDs) == 0 {
		switch rec.SystemID {
		case SystemWidevine:
			if wv, err := ParseWidevine(rec.Data); err == nil {
				for _, kid := range wv.KeyIDs {
					if len(kid) != 16 {
						continue
					}
					var k [16]byte
					copy(k[:], kid)
					rec.KeyIDs = append(rec.KeyIDs, k)
				}
			}
		case SystemPlayReady:
			if headers, err := ParsePlayReady(rec.Data); err == nil {
				for _, h := range headers {
					for _, kidHex := range h.KIDs {
						raw, err := hex.DecodeString(kidHex)
						if err != nil || len(raw) != 16 {
							continue
						}
						var k [16]byte
						copy(k[:], raw)
						rec.KeyIDs = append(rec.KeyIDs, k)
					}
				}
			}
		}
	}

	return rec, nil
}
