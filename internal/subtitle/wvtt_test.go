package subtitle

import (
	"encoding/binary"
	"testing"
)

func wvttBox(tag string, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(8+len(payload)))
	copy(buf[4:8], tag)
	copy(buf[8:], payload)
	return buf
}

func wvttFullBoxPayload(version uint8, flags uint32, rest []byte) []byte {
	out := make([]byte, 4+len(rest))
	out[0] = version
	out[1] = byte(flags >> 16)
	out[2] = byte(flags >> 8)
	out[3] = byte(flags)
	copy(out[4:], rest)
	return out
}

func wvttU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

const trunSampleSizePresent = 0x000200

func buildWvttTfhd(trackID uint32, defaultSampleDuration uint32) []byte {
	const tfhdDefaultSampleDurationPresent = 0x000008
	rest := wvttU32(trackID)
	rest = append(rest, wvttU32(defaultSampleDuration)...)
	return wvttBox("tfhd", wvttFullBoxPayload(0, tfhdDefaultSampleDurationPresent, rest))
}

func buildWvttTfdt(baseMediaDecodeTime uint64) []byte {
	rest := make([]byte, 8)
	binary.BigEndian.PutUint64(rest, baseMediaDecodeTime)
	return wvttBox("tfdt", wvttFullBoxPayload(1, 0, rest))
}

func buildWvttTrun(sizes []uint32) []byte {
	rest := wvttU32(uint32(len(sizes)))
	for _, s := range sizes {
		rest = append(rest, wvttU32(s)...)
	}
	return wvttBox("trun", wvttFullBoxPayload(0, trunSampleSizePresent, rest))
}

func buildVttc(settings, payload string) []byte {
	var children []byte
	if settings != "" {
		children = append(children, wvttBox("sttg", []byte(settings))...)
	}
	if payload != "" {
		children = append(children, wvttBox("payl", []byte(payload))...)
	}
	return wvttBox("vttc", children)
}

func TestExtractWVTTReadsSttgSettings(t *testing.T) {
	vttc := buildVttc("line:10 position:50%", "hello world")

	traf := append([]byte{}, buildWvttTfhd(7, 1000)...)
	traf = append(traf, buildWvttTfdt(0)...)
	traf = append(traf, buildWvttTrun([]uint32{uint32(len(vttc))})...)
	moof := wvttBox("moof", wvttBox("traf", traf))
	mdat := wvttBox("mdat", vttc)

	segment := append(append([]byte{}, moof...), mdat...)

	cues, err := ExtractWVTT(segment, &TrackInfo{TrackID: 7, Timescale: 1000})
	if err != nil {
		t.Fatalf("ExtractWVTT: %v", err)
	}
	if len(cues) != 1 {
		t.Fatalf("len(cues) = %d, want 1", len(cues))
	}
	if cues[0].Payload != "hello world" {
		t.Errorf("Payload = %q, want %q", cues[0].Payload, "hello world")
	}
	if cues[0].Settings != "line:10 position:50%" {
		t.Errorf("Settings = %q, want %q", cues[0].Settings, "line:10 position:50%")
	}
}

func TestExtractWVTTUsesTfhdDefaultDurationFallback(t *testing.T) {
	vttc := buildVttc("", "no per-sample duration")

	traf := append([]byte{}, buildWvttTfhd(1, 2000)...)
	traf = append(traf, buildWvttTfdt(5000)...)
	traf = append(traf, buildWvttTrun([]uint32{uint32(len(vttc))})...) // trun carries size only, no duration
	moof := wvttBox("moof", wvttBox("traf", traf))
	mdat := wvttBox("mdat", vttc)

	segment := append(append([]byte{}, moof...), mdat...)

	cues, err := ExtractWVTT(segment, &TrackInfo{TrackID: 1, Timescale: 1000})
	if err != nil {
		t.Fatalf("ExtractWVTT: %v", err)
	}
	if len(cues) != 1 {
		t.Fatalf("len(cues) = %d, want 1", len(cues))
	}
	wantStart := 5.0
	wantEnd := 5.0 + 2000.0/1000.0
	if cues[0].StartTime != wantStart || cues[0].EndTime != wantEnd {
		t.Errorf("cue times = [%v,%v], want [%v,%v] (tfhd.default_sample_duration fallback)",
			cues[0].StartTime, cues[0].EndTime, wantStart, wantEnd)
	}
}
