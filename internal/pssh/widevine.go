package pssh

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/arcflux/arcflux/internal/mp4err"
)

// WidevineHeader is the subset of the Widevine WidevineCencHeader
// protobuf message the specification cares about: the algorithm,
// key IDs, content ID, and protection scheme fourcc. Decoded with
// protowire directly, without generated message code, since the
// message is small and stable enough that hand-walking the wire
// format is the pragmatic choice.
type WidevineHeader struct {
	Algorithm        uint64
	KeyIDs           [][]byte
	ContentID        []byte
	ProtectionScheme string // fourcc, e.g. "cenc", "cbcs"
}

// widevine field numbers, per the publicly documented
// WidevineCencHeader proto (widevine_pssh_data.proto): 1 algorithm
// (varint), 2 key_id (repeated bytes), 3 provider (string, unused), 4
// content_id (bytes), 5 track_type (string, unused), 6 policy (string,
// unused), 9 protection_scheme (fixed32 fourcc).
const (
	wvFieldAlgorithm        = 1
	wvFieldKeyID            = 2
	wvFieldContentID        = 4
	wvFieldProtectionScheme = 9
)

// ParseWidevine decodes a Widevine pssh's Data payload. Each field is
// matched on both its number and its wire type: a field number we
// recognize but whose wire type doesn't match what the schema promises
// (a malformed or unexpected payload) falls through to the generic
// ConsumeFieldValue path instead of being misread as the wrong Go type,
// which would desync every field read after it.
func ParseWidevine(data []byte) (*WidevineHeader, error) {
	hdr := &WidevineHeader{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, mp4err.New(mp4err.PsshDecodeFailed, "widevine", "", "malformed protobuf tag")
		}
		b = b[n:]

		switch {
		case num == wvFieldAlgorithm && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, mp4err.New(mp4err.PsshDecodeFailed, "widevine", "", "malformed algorithm field")
			}
			hdr.Algorithm = v
			b = b[n:]
		case num == wvFieldKeyID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, mp4err.New(mp4err.PsshDecodeFailed, "widevine", "", "malformed key_id field")
			}
			hdr.KeyIDs = append(hdr.KeyIDs, append([]byte(nil), v...))
			b = b[n:]
		case num == wvFieldContentID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, mp4err.New(mp4err.PsshDecodeFailed, "widevine", "", "malformed content_id field")
			}
			hdr.ContentID = append([]byte(nil), v...)
			b = b[n:]
		case num == wvFieldProtectionScheme && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, mp4err.New(mp4err.PsshDecodeFailed, "widevine", "", "malformed protection_scheme field")
			}
			hdr.ProtectionScheme = string([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, mp4err.New(mp4err.PsshDecodeFailed, "widevine", "", "malformed field")
			}
			b = b[n:]
		}
	}
	return hdr, nil
}
