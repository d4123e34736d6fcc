package subtitle

import (
	"strings"
	"testing"
)

func TestMergeDropsEmptyAndZeroDurationCues(t *testing.T) {
	cues := []Cue{
		{StartTime: 0, EndTime: 0, Payload: "gap"},     // zero duration
		{StartTime: 1, EndTime: 2, Payload: ""},        // empty payload
		{StartTime: 2, EndTime: 3, Payload: "hello"},
	}
	out := Merge(cues)
	if len(out) != 1 {
		t.Fatalf("expected 1 surviving cue, got %d: %+v", len(out), out)
	}
	if out[0].Payload != "hello" {
		t.Fatalf("unexpected surviving cue: %+v", out[0])
	}
}

func TestMergeCombinesAdjacentIdenticalCues(t *testing.T) {
	cues := []Cue{
		{StartTime: 0, EndTime: 2, Payload: "same"},
		{StartTime: 2, EndTime: 4, Payload: "same"},
		{StartTime: 4, EndTime: 6, Payload: "different"},
	}
	out := Merge(cues)
	if len(out) != 2 {
		t.Fatalf("expected 2 cues after merge, got %d: %+v", len(out), out)
	}
	if out[0].StartTime != 0 || out[0].EndTime != 4 {
		t.Fatalf("expected merged cue spanning 0-4, got %+v", out[0])
	}
}

func TestMergeSortsByStartTime(t *testing.T) {
	cues := []Cue{
		{StartTime: 5, EndTime: 6, Payload: "second"},
		{StartTime: 1, EndTime: 2, Payload: "first"},
	}
	out := Merge(cues)
	if len(out) != 2 || out[0].Payload != "first" || out[1].Payload != "second" {
		t.Fatalf("expected sorted cues, got %+v", out)
	}
}

func TestVTTTimestampFormat(t *testing.T) {
	tests := []struct {
		seconds  float64
		expected string
	}{
		{0, "00:00:00.000"},
		{1.5, "00:00:01.500"},
		{61.25, "00:01:01.250"},
		{3661.001, "01:01:01.001"},
	}
	for _, tt := range tests {
		if got := vttTimestamp(tt.seconds); got != tt.expected {
			t.Errorf("vttTimestamp(%v) = %q, want %q", tt.seconds, got, tt.expected)
		}
	}
}

func TestSRTTimestampFormat(t *testing.T) {
	if got := srtTimestamp(61.25); got != "00:01:01,250" {
		t.Errorf("srtTimestamp(61.25) = %q, want %q", got, "00:01:01,250")
	}
}

func TestAsVTTIncludesHeaderAndCues(t *testing.T) {
	cues := []Cue{{StartTime: 0, EndTime: 1, Payload: "hi"}}
	out := AsVTT(cues)
	if out[:6] != "WEBVTT" {
		t.Fatalf("expected output to start with WEBVTT header, got %q", out)
	}
	if !strings.Contains(out, "1\n00:00:00.000 --> 00:00:01.000\nhi\n") {
		t.Fatalf("expected output to contain the cue, got %q", out)
	}
}

func TestParseTTMLTime(t *testing.T) {
	got, err := parseTTMLTime("00:01:02.500")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := 62.5
	if got != want {
		t.Fatalf("parseTTMLTime = %v, want %v", got, want)
	}
}

func TestParseTTMLSampleInheritsSampleWindowWhenNoTiming(t *testing.T) {
	body := []byte(`<tt><body><div><p>hello world</p></div></body></tt>`)
	cues, err := parseTTMLSample(body, 1.0, 5.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cues) != 1 {
		t.Fatalf("expected 1 cue, got %d", len(cues))
	}
	if cues[0].StartTime != 1.0 || cues[0].EndTime != 5.0 {
		t.Fatalf("expected cue to inherit sample window, got %+v", cues[0])
	}
	if cues[0].Payload != "hello world" {
		t.Fatalf("unexpected payload: %q", cues[0].Payload)
	}
}

func TestParseTTMLSampleUsesExplicitTiming(t *testing.T) {
	body := []byte(`<tt><body><div><p begin="00:00:01.000" end="00:00:02.000">hi</p></div></body></tt>`)
	cues, err := parseTTMLSample(body, 0, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cues) != 1 || cues[0].StartTime != 1.0 || cues[0].EndTime != 2.0 {
		t.Fatalf("unexpected cues: %+v", cues)
	}
}
