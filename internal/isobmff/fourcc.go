package isobmff

import "github.com/arcflux/arcflux/internal/mp4err"

// FourCCFromString packs a 4-character ASCII tag into its big-endian
// 32-bit integer representation, e.g. "moov" -> 0x6d6f6f76.
func FourCCFromString(s string) uint32 {
	if len(s) != 4 {
		return 0
	}
	return uint32(s[0])<<24 | uint32(s[1])<<16 | uint32(s[2])<<8 | uint32(s[3])
}

// FourCCToString unpacks a four-character-code integer back to its
// ASCII string form.
func FourCCToString(v uint32) string {
	return string([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

var errShortTag = mp4err.New(mp4err.InvalidFormat, "fourcc", "", "tag must be exactly 4 characters")
