package parser

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/arcflux/arcflux/internal/models"
	"github.com/arcflux/arcflux/internal/pssh"
	"github.com/arcflux/arcflux/internal/sidx"
)

// DASHParser parses DASH (mpd) manifests.
type DASHParser struct {
	client *http.Client
}

// NewDASHParser creates a new DASH parser.
func NewDASHParser() *DASHParser {
	return &DASHParser{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// CanParse checks if URL is a DASH manifest.
func (p *DASHParser) CanParse(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	return strings.Contains(lower, ".mpd") || strings.Contains(lower, "format=mpd")
}

// Parse parses a DASH manifest.
func (p *DASHParser) Parse(ctx context.Context, urlStr string, headers map[string]string) (*models.Manifest, error) {
	content, err := p.fetch(ctx, urlStr, headers)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}

	baseURL, _ := url.Parse(urlStr)

	var mpd MPD
	if err := xml.Unmarshal([]byte(content), &mpd); err != nil {
		return nil, fmt.Errorf("parse MPD: %w", err)
	}

	return p.convertMPD(ctx, &mpd, baseURL, headers)
}

// DASH MPD XML structures

type MPD struct {
	XMLName                   xml.Name `xml:"MPD"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr"`
	MinBufferTime             string   `xml:"minBufferTime,attr"`
	Periods                   []Period `xml:"Period"`
	BaseURL                   string   `xml:"BaseURL"`
}

type Period struct {
	ID             string          `xml:"id,attr"`
	Start          string          `xml:"start,attr"`
	Duration       string          `xml:"duration,attr"`
	AdaptationSets []AdaptationSet `xml:"AdaptationSet"`
	BaseURL        string          `xml:"BaseURL"`
}

type AdaptationSet struct {
	ID                 string              `xml:"id,attr"`
	MimeType           string              `xml:"mimeType,attr"`
	ContentType        string              `xml:"contentType,attr"`
	Lang               string              `xml:"lang,attr"`
	Codecs             string              `xml:"codecs,attr"`
	Width              int                 `xml:"width,attr"`
	Height             int                 `xml:"height,attr"`
	Representations    []Representation    `xml:"Representation"`
	ContentProtections []ContentProtection `xml:"ContentProtection"`
	SegmentTemplate    *SegmentTemplate    `xml:"SegmentTemplate"`
	SegmentBase        *SegmentBase        `xml:"SegmentBase"`
	BaseURL            string              `xml:"BaseURL"`
}

type Representation struct {
	ID              string           `xml:"id,attr"`
	Bandwidth       int64            `xml:"bandwidth,attr"`
	Width           int              `xml:"width,attr"`
	Height          int              `xml:"height,attr"`
	Codecs          string           `xml:"codecs,attr"`
	MimeType        string           `xml:"mimeType,attr"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
	SegmentList     *SegmentList     `xml:"SegmentList"`
	SegmentBase     *SegmentBase     `xml:"SegmentBase"`
	BaseURL         string           `xml:"BaseURL"`
}

// SegmentBase carries a SegmentBase@indexRange reference: a byte range
// within the representation's single media file that holds a sidx box
// indexing the subsegment byte ranges, used instead of a
// SegmentTemplate/SegmentList when a packager emits one file per
// representation with an inline segment index.
type SegmentBase struct {
	IndexRange     string   `xml:"indexRange,attr"`
	Initialization *URLType `xml:"Initialization"`
}

type SegmentTemplate struct {
	Media          string    `xml:"media,attr"`
	Initialization string    `xml:"initialization,attr"`
	Timescale      int       `xml:"timescale,attr"`
	Duration       int       `xml:"duration,attr"`
	StartNumber    int       `xml:"startNumber,attr"`
	Timeline       *Timeline `xml:"SegmentTimeline"`
}

type Timeline struct {
	S []SegmentTime `xml:"S"`
}

type SegmentTime struct {
	T int `xml:"t,attr"` // Start time
	D int `xml:"d,attr"` // Duration
	R int `xml:"r,attr"` // Repeat count
}

type SegmentList struct {
	Initialization *URLType  `xml:"Initialization"`
	Segments       []URLType `xml:"SegmentURL"`
}

type URLType struct {
	SourceURL string `xml:"sourceURL,attr"`
	Media     string `xml:"media,attr"`
	Range     string `xml:"range,attr"`
}

type ContentProtection struct {
	SchemeIdUri string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
	DefaultKID  string `xml:"default_KID,attr"`
	PSSH        string `xml:"pssh"`
}

// firstKIDFromPSSH decodes each ContentProtection's inline base64 PSSH
// box and returns the first key ID it carries, trying the box-level
// key_ids field (version 1+) and falling back to the Widevine payload's
// content key ID for version-0 boxes.
func firstKIDFromPSSH(cps []ContentProtection) string {
	for _, cp := range cps {
		if cp.PSSH == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cp.PSSH))
		if err != nil {
			continue
		}
		rec, err := pssh.Parse(raw)
		if err != nil {
			continue
		}
		if kids := rec.KIDStrings(); len(kids) > 0 {
			return kids[0]
		}
		if rec.IsWidevine() {
			if wv, err := pssh.ParseWidevine(rec.Data); err == nil && len(wv.KeyIDs) > 0 {
				return fmt.Sprintf("%x", wv.KeyIDs[0])
			}
		}
	}
	return ""
}

// convertMPD converts parsed MPD to our manifest model.
func (p *DASHParser) convertMPD(ctx context.Context, mpd *MPD, baseURL *url.URL, headers map[string]string) (*models.Manifest, error) {
	manifest := &models.Manifest{
		URL:      baseURL.String(),
		Type:     models.ManifestDASH,
		Duration: parseDuration(mpd.MediaPresentationDuration),
	}

	for _, period := range mpd.Periods {
		periodBase := resolveBase(baseURL, mpd.BaseURL, period.BaseURL)

		for _, as := range period.AdaptationSets {
			asBase := resolveBase(periodBase, as.BaseURL, "")
			trackType := detectTrackType(as.MimeType, as.ContentType)

			// Check for encryption. default_KID is the primary source;
			// when absent, fall back to decoding the first key ID out of
			// an inline base64 PSSH box (some packagers omit default_KID
			// and only carry the KID inside the Widevine/PlayReady
			// payload).
			var keyID string
			encrypted := len(as.ContentProtections) > 0
			for _, cp := range as.ContentProtections {
				if cp.DefaultKID != "" {
					keyID = strings.ReplaceAll(cp.DefaultKID, "-", "")
				}
			}
			if keyID == "" {
				keyID = firstKIDFromPSSH(as.ContentProtections)
			}

			for _, rep := range as.Representations {
				repBase := resolveBase(asBase, rep.BaseURL, "")

				track := &models.Track{
					ID:        rep.ID,
					Type:      trackType,
					Bandwidth: rep.Bandwidth,
					Codec:     firstNonEmpty(rep.Codecs, as.Codecs),
					Language:  as.Lang,
					Resolution: models.Resolution{
						Width:  firstNonZero(rep.Width, as.Width),
						Height: firstNonZero(rep.Height, as.Height),
					},
					Encrypted: encrypted,
					KeyID:     keyID,
				}

				// Get segment template (from rep or adaptation set)
				tmpl := rep.SegmentTemplate
				if tmpl == nil {
					tmpl = as.SegmentTemplate
				}

				segBase := rep.SegmentBase
				if segBase == nil {
					segBase = as.SegmentBase
				}

				if tmpl != nil {
					track.Segments, track.InitSegment = p.buildSegmentsFromTemplate(tmpl, rep, repBase)
				} else if rep.SegmentList != nil {
					track.Segments, track.InitSegment = p.buildSegmentsFromList(rep.SegmentList, repBase)
				} else if segBase != nil && segBase.IndexRange != "" {
					track.Segments, track.InitSegment = p.buildSegmentsFromSidx(ctx, segBase, repBase, headers)
				} else if rep.BaseURL != "" {
					// Non-segmented content (e.g., single VTT subtitle file)
					track.Segments = []*models.Segment{{
						Index: 0,
						URL:   repBase.String(),
					}}
				}

				manifest.Tracks = append(manifest.Tracks, track)
			}
		}
	}

	return manifest, nil
}

// buildSegmentsFromTemplate generates segments from a template.
func (p *DASHParser) buildSegmentsFromTemplate(tmpl *SegmentTemplate, rep Representation, base *url.URL) ([]*models.Segment, *models.Segment) {
	var segments []*models.Segment
	var initSeg *models.Segment

	if tmpl.Initialization != "" {
		initURL := expandTemplate(tmpl.Initialization, rep.ID, 0, 0)
		initSeg = &models.Segment{
			Index: -1,
			URL:   resolveURL(base, initURL),
		}
	}

	timescale := tmpl.Timescale
	if timescale == 0 {
		timescale = 1
	}

	if tmpl.Timeline != nil && len(tmpl.Timeline.S) > 0 {
		segNum := tmpl.StartNumber
		if segNum == 0 {
			segNum = 1
		}
		currentTime := 0

		for _, s := range tmpl.Timeline.S {
			if s.T > 0 {
				currentTime = s.T
			}
			repeatCount := s.R + 1
			if s.R < 0 {
				repeatCount = 1
			}

			for i := 0; i < repeatCount; i++ {
				mediaURL := expandTemplate(tmpl.Media, rep.ID, segNum, currentTime)
				seg := &models.Segment{
					Index:    segNum - 1,
					URL:      resolveURL(base, mediaURL),
					Duration: time.Duration(s.D) * time.Second / time.Duration(timescale),
				}
				segments = append(segments, seg)
				segNum++
				currentTime += s.D
			}
		}
	} else if tmpl.Duration > 0 {
		// Fixed duration segments - default to 100 segments
		numSegments := 100
		for i := 0; i < numSegments; i++ {
			segNum := tmpl.StartNumber + i
			mediaURL := expandTemplate(tmpl.Media, rep.ID, segNum, 0)
			seg := &models.Segment{
				Index:    i,
				URL:      resolveURL(base, mediaURL),
				Duration: time.Duration(tmpl.Duration) * time.Second / time.Duration(timescale),
			}
			segments = append(segments, seg)
		}
	}

	return segments, initSeg
}

// buildSegmentsFromList builds segments from explicit list.
func (p *DASHParser) buildSegmentsFromList(list *SegmentList, base *url.URL) ([]*models.Segment, *models.Segment) {
	var segments []*models.Segment
	var initSeg *models.Segment

	if list.Initialization != nil && list.Initialization.SourceURL != "" {
		initSeg = &models.Segment{
			Index: -1,
			URL:   resolveURL(base, list.Initialization.SourceURL),
		}
		if list.Initialization.Range != "" {
			initSeg.ByteRange = parseByteRange(list.Initialization.Range)
		}
	}

	for i, seg := range list.Segments {
		s := &models.Segment{
			Index: i,
			URL:   resolveURL(base, seg.Media),
		}
		if seg.Range != "" {
			s.ByteRange = parseByteRange(seg.Range)
		}
		segments = append(segments, s)
	}

	return segments, initSeg
}

// buildSegmentsFromSidx resolves a SegmentBase@indexRange by fetching
// the sidx box bytes at that byte range over HTTP and expanding it into
// one segment per subsegment reference. base is the single media file
// all subsegments (and the sidx box itself) live inside.
func (p *DASHParser) buildSegmentsFromSidx(ctx context.Context, segBase *SegmentBase, base *url.URL, headers map[string]string) ([]*models.Segment, *models.Segment) {
	var initSeg *models.Segment
	if segBase.Initialization != nil {
		initURL := base.String()
		if segBase.Initialization.SourceURL != "" {
			initURL = resolveURL(base, segBase.Initialization.SourceURL)
		}
		initSeg = &models.Segment{Index: -1, URL: initURL}
		if segBase.Initialization.Range != "" {
			initSeg.ByteRange = parseByteRange(segBase.Initialization.Range)
		}
	}

	indexRange := parseByteRange(segBase.IndexRange)
	if indexRange == nil {
		return nil, initSeg
	}

	mediaURL := base.String()
	data, err := p.fetchRange(ctx, mediaURL, indexRange, headers)
	if err != nil {
		return nil, initSeg
	}

	ranges, err := sidx.Parse(data, indexRange.Start)
	if err != nil {
		return nil, initSeg
	}

	segments := make([]*models.Segment, 0, len(ranges))
	for i, r := range ranges {
		segments = append(segments, &models.Segment{
			Index:     i,
			URL:       mediaURL,
			ByteRange: &models.ByteRange{Start: r.Start, End: r.End},
		})
	}
	return segments, initSeg
}

// fetchRange downloads the inclusive byte range [br.Start, br.End] of
// urlStr using an HTTP Range request.
func (p *DASHParser) fetchRange(ctx context.Context, urlStr string, br *models.ByteRange, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", br.Start, br.End))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// fetch downloads content from URL.
func (p *DASHParser) fetch(ctx context.Context, urlStr string, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", err
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

// Helper functions

func detectTrackType(mimeType, contentType string) models.TrackType {
	check := strings.ToLower(mimeType + contentType)
	switch {
	case strings.Contains(check, "video"):
		return models.TrackVideo
	case strings.Contains(check, "audio"):
		return models.TrackAudio
	case strings.Contains(check, "text"), strings.Contains(check, "subtitle"):
		return models.TrackSubtitle
	default:
		return models.TrackVideo
	}
}

func resolveBase(parent *url.URL, paths ...string) *url.URL {
	result := parent
	for _, p := range paths {
		if p == "" {
			continue
		}
		if rel, err := url.Parse(p); err == nil {
			result = result.ResolveReference(rel)
		}
	}
	return result
}

func expandTemplate(template string, repID string, number int, t int) string {
	result := template
	result = strings.ReplaceAll(result, "$RepresentationID$", repID)
	result = strings.ReplaceAll(result, "$Number$", strconv.Itoa(number))
	result = strings.ReplaceAll(result, "$Time$", strconv.Itoa(t))

	// Handle $Number%05d$ style format
	re := regexp.MustCompile(`\$Number%(\d+)d\$`)
	result = re.ReplaceAllStringFunc(result, func(match string) string {
		width, _ := strconv.Atoi(re.FindStringSubmatch(match)[1])
		return fmt.Sprintf("%0*d", width, number)
	})

	return result
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	s = strings.TrimPrefix(s, "PT")
	s = strings.TrimPrefix(s, "P")

	var hours, minutes, seconds float64

	if idx := strings.Index(s, "H"); idx != -1 {
		hours, _ = strconv.ParseFloat(s[:idx], 64)
		s = s[idx+1:]
	}
	if idx := strings.Index(s, "M"); idx != -1 {
		minutes, _ = strconv.ParseFloat(s[:idx], 64)
		s = s[idx+1:]
	}
	if idx := strings.Index(s, "S"); idx != -1 {
		seconds, _ = strconv.ParseFloat(s[:idx], 64)
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}
