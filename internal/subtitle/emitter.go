package subtitle

import (
	"fmt"
	"strings"
)

// AsVTT renders cues as a standalone WebVTT document.
func AsVTT(cues []Cue) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for i, c := range cues {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s", vttTimestamp(c.StartTime), vttTimestamp(c.EndTime))
		if c.Settings != "" {
			fmt.Fprintf(&b, " %s", c.Settings)
		}
		b.WriteByte('\n')
		b.WriteString(c.Payload)
		b.WriteString("\n\n")
	}
	return b.String()
}

// AsSRT renders cues as a standalone SubRip document.
func AsSRT(cues []Cue) string {
	var b strings.Builder
	for i, c := range cues {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", srtTimestamp(c.StartTime), srtTimestamp(c.EndTime))
		b.WriteString(c.Payload)
		b.WriteString("\n\n")
	}
	return b.String()
}

// vttTimestamp formats seconds as WebVTT's HH:MM:SS.mmm.
func vttTimestamp(seconds float64) string {
	return formatTimestamp(seconds, ".")
}

// srtTimestamp formats seconds as SRT's HH:MM:SS,mmm.
func srtTimestamp(seconds float64) string {
	return formatTimestamp(seconds, ",")
}

func formatTimestamp(seconds float64, fracSep string) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMs := int64(seconds*1000 + 0.5)
	ms := totalMs % 1000
	totalSec := totalMs / 1000
	s := totalSec % 60
	totalMin := totalSec / 60
	m := totalMin % 60
	h := totalMin / 60
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, fracSep, ms)
}
