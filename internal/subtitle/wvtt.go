package subtitle

import (
	"github.com/arcflux/arcflux/internal/isobmff"
	"github.com/arcflux/arcflux/internal/mp4err"
	"github.com/arcflux/arcflux/internal/protection"
)

// ExtractWVTT walks a media segment's moof/mdat pairs for one wvtt
// track, pairing each trun sample (for cue timing) with its
// decode-order vttc cue box in the following mdat (for cue text) to
// produce absolute start/end times in seconds.
//
// traf parsing is reused from internal/protection.ParseMoof rather
// than reimplemented here: a plain subtitle fragment carries no senc,
// so the encryption-specific fields ParseMoof also extracts are
// simply left nil.
func ExtractWVTT(segment []byte, info *TrackInfo) ([]Cue, error) {
	if info.Timescale == 0 {
		return nil, mp4err.New(mp4err.InvalidFormat, "ExtractWVTT", "", "track timescale is zero")
	}

	var cues []Cue

	type pendingMoof struct {
		start, end int
		traf       *protection.TrackFragment
	}
	var pending *pendingMoof

	err := isobmff.WalkTopLevel(segment, func(h isobmff.BoxHeader) error {
		switch h.TagString {
		case "moof":
			moofBytes := segment[h.Start : h.Start+int(h.Size)]
			mf, err := protection.ParseMoof(moofBytes, int64(h.Start), nil)
			if err != nil {
				return err
			}
			for _, traf := range mf.Tracks {
				if traf.TrackID == info.TrackID {
					pending = &pendingMoof{start: h.Start, end: h.Start + int(h.Size), traf: traf}
					return nil
				}
			}
			pending = nil
		case "mdat":
			if pending == nil || pending.traf.Trun == nil {
				pending = nil
				return nil
			}
			payload := segment[h.Start+h.HeaderSize : h.Start+int(h.Size)]
			vttcBoxes, err := splitVttc(payload)
			traf := pending.traf
			pending = nil
			if err != nil {
				return err
			}

			var baseTime uint64
			if traf.Tfdt != nil {
				baseTime = traf.Tfdt.BaseMediaDecodeTime
			}
			var defaultDuration uint32
			if traf.Tfhd != nil && traf.Tfhd.DefaultSampleDuration != nil {
				defaultDuration = *traf.Tfhd.DefaultSampleDuration
			}
			cursor := baseTime
			for i, body := range vttcBoxes {
				duration := defaultDuration
				if i < len(traf.Trun.Samples) && traf.Trun.Samples[i].Duration != nil {
					duration = *traf.Trun.Samples[i].Duration
				}
				start := float64(cursor) / float64(info.Timescale)
				end := float64(cursor+uint64(duration)) / float64(info.Timescale)
				cursor += uint64(duration)

				payl, settings, err := parseVttc(body)
				if err != nil {
					return err
				}
				cues = append(cues, Cue{StartTime: start, EndTime: end, Payload: payl, Settings: settings})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cues, nil
}

// splitVttc returns each vttc/vtte box's payload bytes from an mdat,
// in sample order, matching one box per trun sample.
func splitVttc(mdatPayload []byte) ([][]byte, error) {
	var boxes [][]byte
	err := isobmff.WalkTopLevel(mdatPayload, func(h isobmff.BoxHeader) error {
		if h.TagString == "vttc" || h.TagString == "vtte" {
			boxes = append(boxes, mdatPayload[h.Start+h.HeaderSize:h.Start+int(h.Size)])
		}
		return nil
	})
	return boxes, err
}

// parseVttc returns a vttc box's payl (cue text) and sttg (cue
// settings, e.g. "line:10 position:50%") child box contents, or ""
// for either when absent — a vtte (empty cue, signals a gap) box has
// neither.
func parseVttc(vttcPayload []byte) (payload, settings string, err error) {
	err = isobmff.WalkTopLevel(vttcPayload, func(h isobmff.BoxHeader) error {
		switch h.TagString {
		case "payl":
			payload = string(vttcPayload[h.Start+h.HeaderSize : h.Start+int(h.Size)])
		case "sttg":
			settings = string(vttcPayload[h.Start+h.HeaderSize : h.Start+int(h.Size)])
		}
		return nil
	})
	return payload, settings, err
}
