// Package protection extracts Common Encryption metadata (tenc, schm,
// senc, saio/saiz presence, tfhd, trun, tfdt, mdhd) from init and media
// segments, built on top of internal/isobmff.
//
// Grounded on the teacher's internal/decryptor/helpers.go
// (extractTencInfo, parseTrun, parseSenc), generalized from a
// single-track, CTR-only extraction into the full per-track,
// per-scheme field set.
package protection

import (
	"encoding/hex"

	"github.com/arcflux/arcflux/internal/isobmff"
	"github.com/arcflux/arcflux/internal/mp4err"
)

// Scheme identifies one of the four Common Encryption protection
// schemes.
type Scheme string

const (
	SchemeCenc Scheme = "cenc"
	SchemeCens Scheme = "cens"
	SchemeCbc1 Scheme = "cbc1"
	SchemeCbcs Scheme = "cbcs"
)

// TrackProtection is the per-track encryption info extracted from an
// init segment's sinf/schi/tenc (and sinf/schm) boxes.
type TrackProtection struct {
	TrackID         uint32
	DefaultKID      [16]byte
	IsProtected     bool
	PerSampleIVSize uint8
	ConstantIV      []byte // present iff PerSampleIVSize == 0
	CryptByteBlock  uint8
	SkipByteBlock   uint8
	Scheme          Scheme
	SchemeVersion   uint32
	SchemeURI       string
}

// KIDHex returns the lowercase hex KID used to look up decryption keys.
func (t *TrackProtection) KIDHex() string {
	return hex.EncodeToString(t.DefaultKID[:])
}

// MediaHeader carries the mdhd fields needed by the subtitle parser
// (timescale, language) and kept here since mdhd lives in the same
// moov/trak/mdia chain protection already walks.
type MediaHeader struct {
	TrackID   uint32
	Timescale uint32
	Language  string
}

// TrackFragmentHeader is tfhd.
type TrackFragmentHeader struct {
	TrackID               uint32
	BaseDataOffset        *uint64
	DefaultSampleDuration *uint32
	DefaultSampleSize     *uint32
}

const (
	tfhdBaseDataOffsetPresent         = 0x000001
	tfhdSampleDescriptionIndexPresent = 0x000002
	tfhdDefaultSampleDurationPresent  = 0x000008
	tfhdDefaultSampleSizePresent      = 0x000010
	tfhdDefaultSampleFlagsPresent     = 0x000020
)

// TrackFragmentDecodeTime is tfdt.
type TrackFragmentDecodeTime struct {
	BaseMediaDecodeTime uint64
}

// TrunSample is one sample's optional per-sample trun fields.
type TrunSample struct {
	Duration          *uint32
	Size              *uint32
	CompositionOffset *int32
}

// TrackRun is trun.
type TrackRun struct {
	SampleCount uint32
	DataOffset  *int32
	Samples     []TrunSample
}

const (
	trunDataOffsetPresent        = 0x000001
	trunFirstSampleFlagsPresent  = 0x000004
	trunSampleDurationPresent    = 0x000100
	trunSampleSizePresent        = 0x000200
	trunSampleFlagsPresent       = 0x000400
	trunSampleCompositionPresent = 0x000800
)

// SubsampleEntry is one (clear, encrypted) pair from senc.
type SubsampleEntry struct {
	ClearBytes     uint16
	EncryptedBytes uint32
}

// SampleAuxInfo is one sample's IV and subsample map from senc.
type SampleAuxInfo struct {
	IV         []byte
	Subsamples []SubsampleEntry
}

// SampleEncryption is senc.
type SampleEncryption struct {
	UsesSubsamples bool
	Samples        []SampleAuxInfo
}

const sencUseSubsampleFlag = 0x000002

// TrackFragment is one traf's extracted tfhd/trun/tfdt/senc, plus
// whether saiz/saio were present (detected only, per the
// specification's stated MAY for that path).
type TrackFragment struct {
	TrackID  uint32
	Tfhd     *TrackFragmentHeader
	Trun     *TrackRun
	Tfdt     *TrackFragmentDecodeTime
	Senc     *SampleEncryption
	HasSaiz  bool
	HasSaio  bool
}

// MovieFragment is one moof and its traf children.
type MovieFragment struct {
	Start  int64 // absolute offset of the moof box within the buffer it was parsed from
	Tracks []*TrackFragment
}

// ExtractInit walks an init segment's moov/trak tree, returning the
// per-track protection info (sinf/schi/tenc, sinf/schm) and per-track
// mdhd (timescale, language), keyed by track_id (from tkhd).
func ExtractInit(buf []byte) (map[uint32]*TrackProtection, map[uint32]*MediaHeader, error) {
	protections := make(map[uint32]*TrackProtection)
	headers := make(map[uint32]*MediaHeader)

	var curTrackID uint32
	var curProtection *TrackProtection

	p := isobmff.New()
	p.Container("moov", isobmff.Descend)
	p.Container("trak", func(box *isobmff.ParsedBox) error {
		curTrackID = 0
		curProtection = nil
		if err := box.Descend(); err != nil {
			return err
		}
		if curProtection != nil && curTrackID != 0 {
			curProtection.TrackID = curTrackID
			protections[curTrackID] = curProtection
		}
		return nil
	})
	p.FullBox("tkhd", func(box *isobmff.ParsedBox) error {
		var err error
		if *box.Version == 1 {
			err = box.Reader.Skip(8 + 8) // creation_time + modification_time (64-bit)
		} else {
			err = box.Reader.Skip(4 + 4)
		}
		if err != nil {
			return mp4err.Wrap(mp4err.UnexpectedEOF, "tkhd", err)
		}
		id, err := box.Reader.U32()
		if err != nil {
			return mp4err.Wrap(mp4err.UnexpectedEOF, "tkhd", err)
		}
		curTrackID = id
		return nil
	})
	p.Container("mdia", isobmff.Descend)
	p.FullBox("mdhd", func(box *isobmff.ParsedBox) error {
		hdr, err := parseMdhd(box)
		if err != nil {
			return err
		}
		hdr.TrackID = curTrackID
		headers[curTrackID] = hdr
		return nil
	})
	p.Container("minf", isobmff.Descend)
	p.Container("stbl", isobmff.Descend)
	p.Container("stsd", isobmff.DescendStsd)
	p.Container("encv", isobmff.DescendSampleEntryVideo)
	p.Container("enca", isobmff.DescendSampleEntryAudio)
	p.Container("sinf", isobmff.Descend)
	p.Container("schi", isobmff.Descend)
	p.FullBox("schm", func(box *isobmff.ParsedBox) error {
		if curProtection == nil {
			curProtection = &TrackProtection{}
		}
		typeBytes, err := box.Reader.ReadN(4)
		if err != nil {
			return mp4err.Wrap(mp4err.UnexpectedEOF, "schm", err)
		}
		version, err := box.Reader.U32()
		if err != nil {
			return mp4err.Wrap(mp4err.UnexpectedEOF, "schm", err)
		}
		curProtection.Scheme = Scheme(typeBytes)
		curProtection.SchemeVersion = version
		if *box.Flags&0x1 != 0 && box.Reader.Remaining() > 0 {
			uri, err := box.Reader.ReadN(box.Reader.Remaining())
			if err != nil {
				return mp4err.Wrap(mp4err.UnexpectedEOF, "schm", err)
			}
			curProtection.SchemeURI = string(uri)
		}
		return nil
	})
	p.FullBox("tenc", func(box *isobmff.ParsedBox) error {
		tp, err := parseTenc(box)
		if err != nil {
			return err
		}
		if curProtection == nil {
			curProtection = tp
		} else {
			tp.Scheme = curProtection.Scheme
			tp.SchemeVersion = curProtection.SchemeVersion
			tp.SchemeURI = curProtection.SchemeURI
			curProtection = tp
		}
		return nil
	})

	if err := p.Parse(buf, isobmff.ParseOptions{}); err != nil {
		return nil, nil, err
	}
	return protections, headers, nil
}

// ParseMdhdStandalone exports mdhd parsing for callers outside this
// package that walk their own box tree (internal/subtitle's track
// info extraction) but want the exact same field layout and language
// unpacking used here.
func ParseMdhdStandalone(box *isobmff.ParsedBox) (*MediaHeader, error) {
	return parseMdhd(box)
}

func parseMdhd(box *isobmff.ParsedBox) (*MediaHeader, error) {
	var err error
	if *box.Version == 1 {
		err = box.Reader.Skip(8 + 8)
	} else {
		err = box.Reader.Skip(4 + 4)
	}
	if err != nil {
		return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "mdhd", err)
	}
	timescale, err := box.Reader.U32()
	if err != nil {
		return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "mdhd", err)
	}
	if *box.Version == 1 {
		err = box.Reader.Skip(8)
	} else {
		err = box.Reader.Skip(4)
	}
	if err != nil {
		return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "mdhd", err)
	}
	packedLang, err := box.Reader.U16()
	if err != nil {
		return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "mdhd", err)
	}
	return &MediaHeader{Timescale: timescale, Language: unpackLanguage(packedLang)}, nil
}

// unpackLanguage decodes mdhd's packed ISO-639-2/T language code: 1 bit
// pad + five 5-bit fields, each value offset from 0x60 ('a'-1).
func unpackLanguage(packed uint16) string {
	b := []byte{
		byte((packed>>10)&0x1f) + 0x60,
		byte((packed>>5)&0x1f) + 0x60,
		byte(packed&0x1f) + 0x60,
	}
	return string(b)
}

func parseTenc(box *isobmff.ParsedBox) (*TrackProtection, error) {
	tp := &TrackProtection{}

	if _, err := box.Reader.U8(); err != nil { // reserved
		return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "tenc", err)
	}
	if *box.Version == 0 {
		if _, err := box.Reader.U8(); err != nil { // reserved
			return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "tenc", err)
		}
	} else {
		nibbles, err := box.Reader.U8()
		if err != nil {
			return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "tenc", err)
		}
		tp.CryptByteBlock = nibbles >> 4
		tp.SkipByteBlock = nibbles & 0x0f
	}

	isProtected, err := box.Reader.U8()
	if err != nil {
		return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "tenc", err)
	}
	tp.IsProtected = isProtected != 0

	ivSize, err := box.Reader.U8()
	if err != nil {
		return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "tenc", err)
	}
	tp.PerSampleIVSize = ivSize

	kid, err := box.Reader.ReadN(16)
	if err != nil {
		return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "tenc", err)
	}
	copy(tp.DefaultKID[:], kid)

	if ivSize == 0 {
		civSize, err := box.Reader.U8()
		if err != nil {
			return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "tenc", err)
		}
		civ, err := box.Reader.ReadN(int(civSize))
		if err != nil {
			return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "tenc", err)
		}
		tp.ConstantIV = civ
	}

	return tp, nil
}

// ParseMoof parses one moof box's raw bytes (header included), as
// produced by isobmff.WalkTopLevel when scanning a media segment for
// moof/mdat pairs. ivSizeByTrack supplies each track's per-sample IV
// size (from its tenc box), since senc itself does not repeat that
// field.
func ParseMoof(moofBytes []byte, start int64, ivSizeByTrack map[uint32]int) (*MovieFragment, error) {
	mf := &MovieFragment{Start: start}
	var cur *TrackFragment

	p := isobmff.New()
	p.Container("moof", isobmff.Descend)
	p.Container("traf", func(box *isobmff.ParsedBox) error {
		cur = &TrackFragment{}
		if err := box.Descend(); err != nil {
			return err
		}
		mf.Tracks = append(mf.Tracks, cur)
		return nil
	})
	p.FullBox("tfhd", func(box *isobmff.ParsedBox) error {
		tfhd, trackID, err := parseTfhd(box)
		if err != nil {
			return err
		}
		cur.TrackID = trackID
		cur.Tfhd = tfhd
		return nil
	})
	p.FullBox("tfdt", func(box *isobmff.ParsedBox) error {
		tfdt, err := parseTfdt(box)
		if err != nil {
			return err
		}
		cur.Tfdt = tfdt
		return nil
	})
	p.FullBox("trun", func(box *isobmff.ParsedBox) error {
		trun, err := parseTrun(box)
		if err != nil {
			return err
		}
		cur.Trun = trun
		return nil
	})
	p.FullBox("senc", func(box *isobmff.ParsedBox) error {
		ivSize := 8
		if cur.TrackID != 0 {
			if v, ok := ivSizeByTrack[cur.TrackID]; ok {
				ivSize = v
			}
		}
		senc, err := parseSenc(box, ivSize)
		if err != nil {
			return err
		}
		cur.Senc = senc
		return nil
	})
	p.Payload("saiz", func(box *isobmff.ParsedBox, payload []byte) error {
		cur.HasSaiz = true
		return nil
	})
	p.Payload("saio", func(box *isobmff.ParsedBox, payload []byte) error {
		cur.HasSaio = true
		return nil
	})

	if err := p.Parse(moofBytes, isobmff.ParseOptions{}); err != nil {
		return nil, err
	}
	return mf, nil
}

func parseTfhd(box *isobmff.ParsedBox) (*TrackFragmentHeader, uint32, error) {
	flags := *box.Flags
	trackID, err := box.Reader.U32()
	if err != nil {
		return nil, 0, mp4err.Wrap(mp4err.UnexpectedEOF, "tfhd", err)
	}
	tfhd := &TrackFragmentHeader{TrackID: trackID}

	if flags&tfhdBaseDataOffsetPresent != 0 {
		v, err := box.Reader.U64()
		if err != nil {
			return nil, 0, mp4err.Wrap(mp4err.UnexpectedEOF, "tfhd", err)
		}
		tfhd.BaseDataOffset = &v
	}
	if flags&tfhdSampleDescriptionIndexPresent != 0 {
		if err := box.Reader.Skip(4); err != nil {
			return nil, 0, mp4err.Wrap(mp4err.UnexpectedEOF, "tfhd", err)
		}
	}
	if flags&tfhdDefaultSampleDurationPresent != 0 {
		v, err := box.Reader.U32()
		if err != nil {
			return nil, 0, mp4err.Wrap(mp4err.UnexpectedEOF, "tfhd", err)
		}
		tfhd.DefaultSampleDuration = &v
	}
	if flags&tfhdDefaultSampleSizePresent != 0 {
		v, err := box.Reader.U32()
		if err != nil {
			return nil, 0, mp4err.Wrap(mp4err.UnexpectedEOF, "tfhd", err)
		}
		tfhd.DefaultSampleSize = &v
	}
	if flags&tfhdDefaultSampleFlagsPresent != 0 {
		if err := box.Reader.Skip(4); err != nil {
			return nil, 0, mp4err.Wrap(mp4err.UnexpectedEOF, "tfhd", err)
		}
	}
	return tfhd, trackID, nil
}

func parseTfdt(box *isobmff.ParsedBox) (*TrackFragmentDecodeTime, error) {
	if *box.Version == 1 {
		v, err := box.Reader.U64()
		if err != nil {
			return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "tfdt", err)
		}
		return &TrackFragmentDecodeTime{BaseMediaDecodeTime: v}, nil
	}
	v, err := box.Reader.U32()
	if err != nil {
		return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "tfdt", err)
	}
	return &TrackFragmentDecodeTime{BaseMediaDecodeTime: uint64(v)}, nil
}

func parseTrun(box *isobmff.ParsedBox) (*TrackRun, error) {
	flags := *box.Flags
	count, err := box.Reader.U32()
	if err != nil {
		return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "trun", err)
	}
	trun := &TrackRun{SampleCount: count}

	if flags&trunDataOffsetPresent != 0 {
		v, err := box.Reader.I32()
		if err != nil {
			return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "trun", err)
		}
		trun.DataOffset = &v
	}
	if flags&trunFirstSampleFlagsPresent != 0 {
		if err := box.Reader.Skip(4); err != nil {
			return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "trun", err)
		}
	}

	trun.Samples = make([]TrunSample, 0, count)
	for i := uint32(0); i < count; i++ {
		var s TrunSample
		if flags&trunSampleDurationPresent != 0 {
			v, err := box.Reader.U32()
			if err != nil {
				return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "trun", err)
			}
			s.Duration = &v
		}
		if flags&trunSampleSizePresent != 0 {
			v, err := box.Reader.U32()
			if err != nil {
				return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "trun", err)
			}
			s.Size = &v
		}
		if flags&trunSampleFlagsPresent != 0 {
			if err := box.Reader.Skip(4); err != nil {
				return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "trun", err)
			}
		}
		if flags&trunSampleCompositionPresent != 0 {
			if *box.Version == 1 {
				v, err := box.Reader.I32()
				if err != nil {
					return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "trun", err)
				}
				s.CompositionOffset = &v
			} else {
				v, err := box.Reader.U32()
				if err != nil {
					return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "trun", err)
				}
				signed := int32(v)
				s.CompositionOffset = &signed
			}
		}
		trun.Samples = append(trun.Samples, s)
	}
	return trun, nil
}

func parseSenc(box *isobmff.ParsedBox, ivSize int) (*SampleEncryption, error) {
	flags := *box.Flags
	usesSubsamples := flags&sencUseSubsampleFlag != 0

	count, err := box.Reader.U32()
	if err != nil {
		return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "senc", err)
	}

	senc := &SampleEncryption{UsesSubsamples: usesSubsamples, Samples: make([]SampleAuxInfo, 0, count)}

	for i := uint32(0); i < count; i++ {
		iv, err := box.Reader.ReadN(ivSize)
		if err != nil {
			return nil, mp4err.New(mp4err.InvalidIVSize, "senc", "", "short IV read")
		}
		var subs []SubsampleEntry
		if usesSubsamples {
			subCount, err := box.Reader.U16()
			if err != nil {
				return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "senc", err)
			}
			subs = make([]SubsampleEntry, 0, subCount)
			for j := uint16(0); j < subCount; j++ {
				clear, err := box.Reader.U16()
				if err != nil {
					return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "senc", err)
				}
				enc, err := box.Reader.U32()
				if err != nil {
					return nil, mp4err.Wrap(mp4err.UnexpectedEOF, "senc", err)
				}
				subs = append(subs, SubsampleEntry{ClearBytes: clear, EncryptedBytes: enc})
			}
		}
		senc.Samples = append(senc.Samples, SampleAuxInfo{IV: iv, Subsamples: subs})
	}
	return senc, nil
}
