package protection

import (
	"bytes"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/arcflux/arcflux/internal/mp4err"
)

// ExtractTrackProtectionMp4ff is a convenience alternative to
// ExtractInit for callers that already depend on Eyevinn/mp4ff
// elsewhere in the pipeline (e.g. a muxer that decoded the init
// segment with it already): it walks the same decoded mp4ff.InitSegment
// tree the teacher's extractTencInfo did, rather than re-parsing the
// buffer with internal/isobmff.
//
// Grounded on the teacher's internal/decryptor/helpers.go
// extractTencInfo, generalized from "first tenc box found, single
// track" to the full per-track map ExtractInit also returns.
func ExtractTrackProtectionMp4ff(initData []byte) (map[uint32]*TrackProtection, map[uint32]*MediaHeader, error) {
	initSeg, err := mp4.DecodeFile(bytes.NewReader(initData))
	if err != nil {
		return nil, nil, mp4err.Wrap(mp4err.InvalidFormat, "mp4ff.DecodeFile", err)
	}
	if initSeg.Moov == nil {
		return nil, nil, mp4err.New(mp4err.InvalidFormat, "mp4ff", "moov", "no moov box")
	}

	protections := make(map[uint32]*TrackProtection)
	headers := make(map[uint32]*MediaHeader)

	for _, trak := range initSeg.Moov.Traks {
		if trak.Tkhd == nil {
			continue
		}
		trackID := trak.Tkhd.TrackID

		if trak.Mdia != nil && trak.Mdia.Mdhd != nil {
			headers[trackID] = &MediaHeader{
				TrackID:   trackID,
				Timescale: trak.Mdia.Mdhd.Timescale,
				Language:  trak.Mdia.Mdhd.Language,
			}
		}

		if trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil {
			continue
		}
		stsd := trak.Mdia.Minf.Stbl.Stsd
		if stsd == nil {
			continue
		}

		for _, child := range stsd.Children {
			var sinf *mp4.SinfBox
			switch entry := child.(type) {
			case *mp4.VisualSampleEntryBox:
				sinf = entry.Sinf
			case *mp4.AudioSampleEntryBox:
				sinf = entry.Sinf
			}
			if sinf == nil || sinf.Schi == nil || sinf.Schi.Tenc == nil {
				continue
			}

			tenc := sinf.Schi.Tenc
			tp := &TrackProtection{
				TrackID:         trackID,
				IsProtected:     tenc.DefaultIsProtected != 0,
				PerSampleIVSize: tenc.DefaultPerSampleIVSize,
				ConstantIV:      tenc.DefaultConstantIV,
			}
			copy(tp.DefaultKID[:], tenc.DefaultKID)
			if sinf.Schm != nil {
				tp.Scheme = Scheme(sinf.Schm.SchemeType)
				tp.SchemeVersion = sinf.Schm.SchemeVersion
			}
			protections[trackID] = tp
			break
		}
	}

	return protections, headers, nil
}
