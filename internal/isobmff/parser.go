// Package isobmff implements a declarative, callback-driven recursive
// descent parser over the ISO-BMFF (ISO/IEC 14496-12) box tree used by
// fragmented MP4. Clients register handlers by four-character code and
// the walker dispatches to them as it descends moov/moof/stbl/etc.
//
// This replaces a class hierarchy with a four-character-code -> handler
// table, the same shape the teacher repo's hand-written box loops
// (parseMoofForDecryption, findSegmentStart) already take, generalized
// per the box parser design in the specification this module implements.
package isobmff

import (
	"github.com/arcflux/arcflux/internal/bitreader"
	"github.com/arcflux/arcflux/internal/mp4err"
)

// ContainerFunc handles a box whose payload is a sequence of child
// boxes. It is expected to call Box.Descend to recurse using the same
// parser and handler table.
type ContainerFunc func(box *ParsedBox) error

// FullBoxFunc handles a box beginning with a 1-byte version and 3-byte
// flags header; Box.Version and Box.Flags are populated before the
// handler runs.
type FullBoxFunc func(box *ParsedBox) error

// PayloadFunc handles a leaf box, receiving the box's entire payload.
type PayloadFunc func(box *ParsedBox, payload []byte) error

type handlerKind int

const (
	kindContainer handlerKind = iota
	kindFullBox
	kindPayload
)

type handler struct {
	kind      handlerKind
	container ContainerFunc
	fullBox   FullBoxFunc
	payload   PayloadFunc
}

// Parser holds the registered per-FourCC handlers and the shared stop
// flag callbacks can set to short-circuit a traversal (e.g. once a
// tenc box has been found, there's no need to keep walking).
type Parser struct {
	handlers map[uint32]handler
	stop     bool
}

// New returns an empty Parser ready for handler registration.
func New() *Parser {
	return &Parser{handlers: make(map[uint32]handler)}
}

// Container registers a container handler for fourcc (a 4-character
// string, e.g. "moov").
func (p *Parser) Container(fourcc string, fn ContainerFunc) *Parser {
	p.handlers[FourCCFromString(fourcc)] = handler{kind: kindContainer, container: fn}
	return p
}

// FullBox registers a full-box handler for fourcc.
func (p *Parser) FullBox(fourcc string, fn FullBoxFunc) *Parser {
	p.handlers[FourCCFromString(fourcc)] = handler{kind: kindFullBox, fullBox: fn}
	return p
}

// Payload registers a leaf payload handler for fourcc.
func (p *Parser) Payload(fourcc string, fn PayloadFunc) *Parser {
	p.handlers[FourCCFromString(fourcc)] = handler{kind: kindPayload, payload: fn}
	return p
}

// ParseOptions controls partial-buffer tolerance.
type ParseOptions struct {
	// TolerateTruncated stops the walk cleanly (no error) when a box's
	// declared size runs past the end of the buffer, instead of
	// failing. Used for segments that may have been cut short by a
	// network read.
	TolerateTruncated bool
}

// ParsedBox represents one box during traversal.
type ParsedBox struct {
	Type       uint32
	TypeString string
	Size       uint64
	HeaderSize int // 8 or 16
	Start      int64
	Version    *uint8
	Flags      *uint32
	Reader     *bitreader.Reader // scoped to the box payload

	parser *Parser
}

// Stop tells the enclosing traversal to abort after this callback
// returns, without treating the abort as an error.
func (b *ParsedBox) Stop() { b.parser.stop = true }

// Descend walks the box's own payload as a sequence of child boxes
// using the same parser and handler table. Container handlers
// typically call this directly.
func (b *ParsedBox) Descend() error {
	return b.parser.walk(b.Reader.Bytes()[b.Reader.Pos():], b.Start+int64(b.HeaderSize)+int64(b.Reader.Pos()), ParseOptions{})
}

// Parse walks buf as a top-level sequence of boxes, dispatching
// registered handlers. The stop flag is reset at the start of every call so
// a Parser can be reused across buffers.
func (p *Parser) Parse(buf []byte, opts ParseOptions) error {
	p.stop = false
	return p.walk(buf, 0, opts)
}

func (p *Parser) walk(buf []byte, baseOffset int64, opts ParseOptions) error {
	offset := 0
	for offset+8 <= len(buf) {
		if p.stop {
			return nil
		}

		declaredSize := uint64(be32(buf[offset:]))
		tag := be32(buf[offset+4:])
		headerSize := 8
		size := declaredSize

		if declaredSize == 1 {
			if offset+16 > len(buf) {
				return mp4err.New(mp4err.UnexpectedEOF, "box-header", FourCCToString(tag), "truncated extended size")
			}
			size = be64(buf[offset+8:])
			headerSize = 16
		} else if declaredSize == 0 {
			size = uint64(len(buf) - offset)
		}

		if size < uint64(headerSize) {
			return mp4err.New(mp4err.InvalidFormat, "box-header", FourCCToString(tag), "declared size smaller than header")
		}

		end := offset + int(size)
		if end > len(buf) {
			if opts.TolerateTruncated {
				return nil
			}
			return mp4err.New(mp4err.UnexpectedEOF, "box-header", FourCCToString(tag), "declared size exceeds buffer")
		}

		h, known := p.handlers[tag]
		if known {
			payload := buf[offset+headerSize : end]
			box := &ParsedBox{
				Type:       tag,
				TypeString: FourCCToString(tag),
				Size:       size,
				HeaderSize: headerSize,
				Start:      baseOffset + int64(offset),
				Reader:     bitreader.New(payload),
				parser:     p,
			}

			switch h.kind {
			case kindContainer:
				if h.container != nil {
					if err := h.container(box); err != nil {
						return err
					}
				}
			case kindFullBox:
				v, err := box.Reader.U8()
				if err != nil {
					return mp4err.Wrap(mp4err.UnexpectedEOF, box.TypeString, err)
				}
				flags, err := box.Reader.U24()
				if err != nil {
					return mp4err.Wrap(mp4err.UnexpectedEOF, box.TypeString, err)
				}
				box.Version = &v
				box.Flags = &flags
				if h.fullBox != nil {
					if err := h.fullBox(box); err != nil {
						return err
					}
				}
			case kindPayload:
				if h.payload != nil {
					if err := h.payload(box, payload); err != nil {
						return err
					}
				}
			}
		}

		offset = end
	}
	return nil
}

// BoxHeader describes a box found at a given offset without dispatching
// to any registered handler; used by callers (the CENC decryptor) that
// need to pair adjacent top-level boxes such as moof/mdat themselves.
type BoxHeader struct {
	Tag        uint32
	TagString  string
	HeaderSize int
	Size       uint64
	Start      int
}

// ReadBoxHeader reads the box header at offset without consuming a
// payload, returning the header fields plus the total box size
// (header included).
func ReadBoxHeader(buf []byte, offset int) (BoxHeader, error) {
	if offset+8 > len(buf) {
		return BoxHeader{}, mp4err.New(mp4err.UnexpectedEOF, "box-header", "", "short read")
	}
	declared := uint64(be32(buf[offset:]))
	tag := be32(buf[offset+4:])
	headerSize := 8
	size := declared

	if declared == 1 {
		if offset+16 > len(buf) {
			return BoxHeader{}, mp4err.New(mp4err.UnexpectedEOF, "box-header", FourCCToString(tag), "truncated extended size")
		}
		size = be64(buf[offset+8:])
		headerSize = 16
	} else if declared == 0 {
		size = uint64(len(buf) - offset)
	}

	if size < uint64(headerSize) || offset+int(size) > len(buf) {
		return BoxHeader{}, mp4err.New(mp4err.InvalidFormat, "box-header", FourCCToString(tag), "declared size out of range")
	}

	return BoxHeader{Tag: tag, TagString: FourCCToString(tag), HeaderSize: headerSize, Size: size, Start: offset}, nil
}

// WalkTopLevel iterates the top-level box list in buf without
// dispatching handlers, invoking fn for each box header found. fn
// returning an error aborts the walk.
func WalkTopLevel(buf []byte, fn func(BoxHeader) error) error {
	offset := 0
	for offset+8 <= len(buf) {
		h, err := ReadBoxHeader(buf, offset)
		if err != nil {
			return err
		}
		if err := fn(h); err != nil {
			return err
		}
		offset += int(h.Size)
	}
	return nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func be64(b []byte) uint64 {
	return uint64(be32(b))<<32 | uint64(be32(b[4:]))
}

// Descend is the default container callback: it simply recurses into
// the box's children using the parser's registered handlers.
func Descend(box *ParsedBox) error {
	return box.Descend()
}

// DescendStsd handles the "sample description" container: a 4-byte
// version/flags-like header (always zero flags in practice) followed
// by a 4-byte entry count, then that many child boxes.
func DescendStsd(box *ParsedBox) error {
	if _, err := box.Reader.U32(); err != nil { // version(1)+flags(3)
		return mp4err.Wrap(mp4err.UnexpectedEOF, "stsd", err)
	}
	if _, err := box.Reader.U32(); err != nil { // entry_count
		return mp4err.Wrap(mp4err.UnexpectedEOF, "stsd", err)
	}
	return box.Descend()
}

// sampleEntryHeader is the number of fixed, non-box bytes every sample
// entry starts with: 6 reserved + 2 data_reference_index. The
// type-specific block that follows (78 bytes for video, 28 for audio per
// ISO/IEC 14496-12) is passed to DescendSampleEntry separately.
const sampleEntryHeader = 8

// DescendSampleEntry skips the sample entry's fixed-size prefix
// (header + type-specific fields) before descending into its child
// boxes (sinf/schi/tenc for encrypted entries).
func DescendSampleEntry(fixedFieldsSize int) ContainerFunc {
	return func(box *ParsedBox) error {
		if err := box.Reader.Skip(sampleEntryHeader + fixedFieldsSize); err != nil {
			return mp4err.Wrap(mp4err.UnexpectedEOF, "sample-entry", err)
		}
		return box.Descend()
	}
}

// DescendSampleEntryVideo skips the 78-byte video-specific prefix
// (width/height/resolution/frame_count/compressorname/depth/...)
// before descending (encv, avc1, hev1, hvc1, ...).
var DescendSampleEntryVideo = DescendSampleEntry(78)

// DescendSampleEntryAudio skips the 28-byte audio-specific prefix
// (channelcount/samplesize/samplerate/...) before descending (enca,
// mp4a, ...).
var DescendSampleEntryAudio = DescendSampleEntry(28)
