package subtitle

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/arcflux/arcflux/internal/isobmff"
	"github.com/arcflux/arcflux/internal/mp4err"
	"github.com/arcflux/arcflux/internal/protection"
)

// ttmlDocument is the minimal TTML (Timed Text Markup Language)
// structure needed to pull cue text and timing out of an stpp sample,
// following the teacher's dash.go style of an XML struct that only
// names the fields actually consumed.
type ttmlDocument struct {
	XMLName xml.Name `xml:"tt"`
	Body    ttmlBody `xml:"body"`
}

type ttmlBody struct {
	Divs []ttmlDiv `xml:"div"`
}

type ttmlDiv struct {
	Paragraphs []ttmlParagraph `xml:"p"`
}

type ttmlParagraph struct {
	Begin string `xml:"begin,attr"`
	End   string `xml:"end,attr"`
	Text  string `xml:",innerxml"`
}

// ExtractTTML walks a media segment's moof/mdat pairs for one stpp
// track. Each sample is a complete TTML document covering the
// sample's [decode_time, decode_time+duration) window; <p> elements
// without their own begin/end inherit that window.
func ExtractTTML(segment []byte, info *TrackInfo) ([]Cue, error) {
	if info.Timescale == 0 {
		return nil, mp4err.New(mp4err.InvalidFormat, "ExtractTTML", "", "track timescale is zero")
	}

	var cues []Cue

	type pendingMoof struct {
		traf *protection.TrackFragment
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
			pending = nil
			for _, traf := range mf.Tracks {
				if traf.TrackID == info.TrackID {
					pending = &pendingMoof{traf: traf}
				}
			}
		case "mdat":
			if pending == nil || pending.traf.Trun == nil {
				pending = nil
				return nil
			}
			traf := pending.traf
			pending = nil

			var baseTime uint64
			if traf.Tfdt != nil {
				baseTime = traf.Tfdt.BaseMediaDecodeTime
			}
			var defaultDuration uint32
			if traf.Tfhd != nil && traf.Tfhd.DefaultSampleDuration != nil {
				defaultDuration = *traf.Tfhd.DefaultSampleDuration
			}

			offset := h.Start + h.HeaderSize
			end := h.Start + int(h.Size)
			cursor := baseTime
			for _, sample := range traf.Trun.Samples {
				size := uint32(0)
				if sample.Size != nil {
					size = *sample.Size
				}
				if offset+int(size) > end {
					return mp4err.New(mp4err.InvalidFormat, "ExtractTTML", "mdat", "sample runs past mdat end")
				}
				sampleBody := segment[offset : offset+int(size)]
				offset += int(size)

				duration := defaultDuration
				if sample.Duration != nil {
					duration = *sample.Duration
				}
				windowStart := float64(cursor) / float64(info.Timescale)
				windowEnd := float64(cursor+uint64(duration)) / float64(info.Timescale)
				cursor += uint64(duration)

				sampleCues, err := parseTTMLSample(sampleBody, windowStart, windowEnd)
				if err != nil {
					return err
				}
				cues = append(cues, sampleCues...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cues, nil
}

func parseTTMLSample(body []byte, windowStart, windowEnd float64) ([]Cue, error) {
	var doc ttmlDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse TTML sample: %w", err)
	}

	var cues []Cue
	for _, div := range doc.Body.Divs {
		for _, p := range div.Paragraphs {
			start, end := windowStart, windowEnd
			if p.Begin != "" {
				if v, err := parseTTMLTime(p.Begin); err == nil {
					start = v
				}
			}
			if p.End != "" {
				if v, err := parseTTMLTime(p.End); err == nil {
					end = v
				}
			}
			text := strings.TrimSpace(stripTags(p.Text))
			cues = append(cues, Cue{StartTime: start, EndTime: end, Payload: text})
		}
	}
	return cues, nil
}

// parseTTMLTime parses TTML clock-time offsets in "HH:MM:SS.mmm" form,
// the form in practice emitted by the packagers this module targets.
func parseTTMLTime(s string) (float64, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("unsupported TTML time format %q", s)
	}
	h, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, err
	}
	m, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, err
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	return h*3600 + m*60 + sec, nil
}

// stripTags removes <br/> and span markup TTML allows inside <p>,
// collapsing them to newlines/plain text; it is intentionally not a
// general XML-to-text converter.
func stripTags(s string) string {
	s = strings.ReplaceAll(s, "<br/>", "\n")
	s = strings.ReplaceAll(s, "<br></br>", "\n")
	for {
		start := strings.Index(s, "<")
		if start < 0 {
			break
		}
		end := strings.Index(s[start:], ">")
		if end < 0 {
			break
		}
		s = s[:start] + s[start+end+1:]
	}
	return s
}
