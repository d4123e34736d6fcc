// Package engine provides the high-performance download engine.
package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/arcflux/arcflux/internal/cenc"
	"github.com/arcflux/arcflux/internal/config"
	"github.com/arcflux/arcflux/internal/hlscrypto"
	"github.com/arcflux/arcflux/internal/httpclient"
	"github.com/arcflux/arcflux/internal/models"
	"github.com/arcflux/arcflux/internal/parser"
	"github.com/arcflux/arcflux/internal/subtitle"
)

// Engine is the main download orchestrator.
type Engine struct {
	cfg        *config.Config
	client     *http.Client
	pool       *WorkerPool
	progressCh chan ProgressUpdate

	// Selected tracks (set after selection)
	SelectedTracks []*models.Track

	// Resume support
	checkpoint     *Checkpoint
	checkpointPath string

	// Pluggable interfaces
	muxer Muxer
}

// New creates a new Engine with optimized settings.
func New(cfg *config.Config) (*Engine, error) {
	// Use shared HTTP client with optional rate limiting
	var client *http.Client
	if cfg.MaxBandwidth > 0 {
		client = httpclient.NewWithRateLimit(httpclient.DefaultConfig(), cfg.MaxBandwidth)
	} else {
		client = httpclient.New(httpclient.DefaultConfig())
	}

	progressCh := make(chan ProgressUpdate, 100)

	e := &Engine{
		cfg:        cfg,
		client:     client,
		progressCh: progressCh,
		muxer:      NewAutoMuxer(cfg),
	}

	e.pool = NewWorkerPool(cfg.Threads, client, progressCh)
	e.pool.SetVerbose(cfg.Verbose)

	return e, nil
}

// SelectTracks selects tracks from manifest and stores them. CENC
// decryptors are built once each track's init segment has been
// downloaded (see Download), since building one requires the init
// segment's protection metadata; this only marks up the HLS AES-128
// path, which needs no init segment and can be wired immediately.
func (e *Engine) SelectTracks(manifest *models.Manifest) error {
	selected, err := SelectTracks(manifest.Tracks, e.cfg.TrackSelector)
	if err != nil {
		return err
	}

	for _, track := range selected {
		if track.EncryptionURI != "" && track.KeyID == "" {
			track.HLSDecryptor = hlscrypto.New(e.client, e.cfg.Headers)
		}
	}
	e.SelectedTracks = selected
	return nil
}

// buildCencDecryptor constructs a CENC decryptor for track from the
// engine's configured (KID:KEY) pairs and the track's already
// downloaded init segment. Returns (nil, nil) if no keys are
// configured or the track carries no KeyID.
func (e *Engine) buildCencDecryptor(track *models.Track) (*cenc.Decryptor, error) {
	if track.KeyID == "" || len(e.cfg.DecryptionKeys) == 0 {
		return nil, nil
	}
	if track.InitSegment == nil || len(track.InitSegment.Data) == 0 {
		return nil, nil
	}

	b := cenc.NewBuilder()
	for _, kidkey := range e.cfg.DecryptionKeys {
		parts := strings.SplitN(kidkey, ":", 2)
		if len(parts) != 2 {
			continue
		}
		b = b.Key(parts[0], parts[1])
	}
	if e.cfg.UseMp4ffInit {
		b = b.InitMp4ff(track.InitSegment.Data)
	} else {
		b = b.Init(track.InitSegment.Data)
	}
	return b.Build()
}

// resolveSubtitleTrack inspects track's init segment for its wvtt/stpp
// sample entry and records the matching TrackInfo (timescale, format)
// so segment workers can extract cues without re-parsing the init
// segment on every segment.
func (e *Engine) resolveSubtitleTrack(track *models.Track) error {
	if track.InitSegment == nil || len(track.InitSegment.Data) == 0 {
		return nil
	}
	infos, err := subtitle.Init(track.InitSegment.Data)
	if err != nil {
		return err
	}
	for _, info := range infos {
		track.SubtitleTrack = info
		track.SubtitleFormat = info.Format
		return nil
	}
	return nil
}

// subtitleDecFunc wraps an optional decryption step with cue
// extraction: it decrypts first (if next is non-nil), then parses the
// (now plaintext) segment for cues and appends them to the track.
func subtitleDecFunc(next func(track *models.Track, segment *models.Segment) error) func(*models.Track, *models.Segment) error {
	return func(track *models.Track, segment *models.Segment) error {
		if next != nil {
			if err := next(track, segment); err != nil {
				return err
			}
		}
		var cues []subtitle.Cue
		var err error
		switch track.SubtitleTrack.Format {
		case subtitle.FormatWebVTT:
			cues, err = subtitle.ExtractWVTT(segment.Data, track.SubtitleTrack)
		case subtitle.FormatTTML:
			cues, err = subtitle.ExtractTTML(segment.Data, track.SubtitleTrack)
		}
		if err != nil {
			return fmt.Errorf("extract cues for %s segment %d: %w", track.ID, segment.Index, err)
		}
		track.AppendCues(cues)
		return nil
	}
}

// Download initiates the download process for selected tracks.
func (e *Engine) Download(ctx context.Context, manifest *models.Manifest) error {
	if e.SelectedTracks == nil {
		if err := e.SelectTracks(manifest); err != nil {
			return err
		}
	}

	// Lazy load segments for tracks with media playlist URL but no segments
	for _, track := range e.SelectedTracks {
		if e.cfg.Verbose {
			fmt.Printf("Track %s: Type=%s, MediaPlaylistURL=%q, Segments=%d\n",
				track.ID, track.Type, track.MediaPlaylistURL, len(track.Segments))
		}
		if track.MediaPlaylistURL != "" && len(track.Segments) == 0 {
			if err := e.LoadTrackSegments(ctx, track); err != nil {
				return fmt.Errorf("load segments for %s: %w", track.ID, err)
			}
		}
	}

	// Download init segments first (required for fMP4)
	for _, track := range e.SelectedTracks {
		if track.InitSegment != nil && track.InitSegment.URL != "" {
			if err := e.DownloadInitSegment(ctx, track); err != nil {
				return fmt.Errorf("download init segment for %s: %w", track.ID, err)
			}
		}
	}

	// Now that init segments are in hand, build CENC decryptors for
	// any encrypted DASH tracks, and inspect subtitle tracks' init
	// segments for their wvtt/stpp sample entry and timescale.
	for _, track := range e.SelectedTracks {
		dec, err := e.buildCencDecryptor(track)
		if err != nil {
			return fmt.Errorf("build decryptor for %s: %w", track.ID, err)
		}
		track.Decryptor = dec

		if track.IsSubtitle() && e.cfg.ExtractSubs {
			if err := e.resolveSubtitleTrack(track); err != nil && e.cfg.Verbose {
				fmt.Printf("subtitle init for %s: %v\n", track.ID, err)
			}
		}
	}

	// Set up temp directory and checkpoint for resume support
	outputPath := filepath.Join(e.cfg.OutputDir, e.cfg.FileName)
	e.checkpointPath = CheckpointPath(outputPath)
	tempDir := filepath.Join(os.TempDir(), fmt.Sprintf("arcflux_%d", os.Getpid()))

	// Try to load existing checkpoint for resume
	existingCP, _ := LoadCheckpoint(e.checkpointPath)
	if existingCP != nil && existingCP.Matches(e.cfg.URL) {
		// Resume from existing checkpoint
		tempDir = existingCP.TempDir
		e.checkpoint = existingCP
		if e.cfg.Verbose {
			fmt.Printf("Resuming download from checkpoint\n")
		}
	} else {
		// Create new checkpoint
		if err := os.MkdirAll(tempDir, 0755); err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
		e.checkpoint = NewCheckpoint(e.cfg.URL, tempDir)
	}

	e.pool.SetTempDir(tempDir)

	// Set up checkpoint callback
	e.pool.SetOnSegmentDone(func(trackID string, index int) {
		e.checkpoint.MarkDone(trackID, index)
	})

	// Start worker pool
	e.pool.Start(ctx)
	defer e.pool.Stop()

	// CENC decryption function (for DASH)
	cencDecFunc := func(track *models.Track, segment *models.Segment) error {
		decrypted, err := track.Decryptor.Decrypt(segment.Data, track.InitSegment.Data)
		if err != nil {
			return err
		}
		segment.Data = decrypted
		return nil
	}

	// HLS decryption function (AES-128; SAMPLE-AES is refused below)
	hlsDecFunc := func(track *models.Track, segment *models.Segment) error {
		method := hlscrypto.Method(track.EncryptionMethod)
		if method == "" {
			method = hlscrypto.MethodAES128
		}

		// Fetch key (cached after first fetch)
		key, err := track.HLSDecryptor.FetchKey(ctx, track.EncryptionURI)
		if err != nil {
			return fmt.Errorf("fetch key: %w", err)
		}

		// Use segment index as IV if none specified
		iv := track.EncryptionIV
		if len(iv) == 0 {
			iv = hlscrypto.SegmentIV(segment.Index)
		}

		decrypted, err := track.HLSDecryptor.Decrypt(method, segment.Data, key, iv)
		if err != nil {
			return fmt.Errorf("decrypt: %w", err)
		}
		segment.Data = decrypted
		return nil
	}

	// Queue media segments (skip already completed ones for resume)
	totalSegments := 0
	skippedSegments := 0
	for _, track := range e.SelectedTracks {
		for _, segment := range track.Segments {
			totalSegments++

			// Skip if already downloaded (resume)
			if e.checkpoint.IsSegmentDone(track.ID, segment.Index) {
				segment.FilePath = e.checkpoint.SegmentPath(track.ID, segment.Index)
				skippedSegments++
				continue
			}

			task := &SegmentTask{
				Segment: segment,
				Track:   track,
				Headers: e.cfg.Headers,
			}
			// Set appropriate decryption function
			var decFunc func(track *models.Track, segment *models.Segment) error
			if track.Decryptor != nil {
				decFunc = cencDecFunc
			} else if track.HLSDecryptor != nil {
				decFunc = hlsDecFunc
			}
			if track.SubtitleTrack != nil {
				task.DecFunc = subtitleDecFunc(decFunc)
			} else {
				task.DecFunc = decFunc
			}
			e.pool.Submit(task)
		}
	}

	if e.cfg.Verbose && skippedSegments > 0 {
		fmt.Printf("Resuming: skipped %d/%d segments\n", skippedSegments, totalSegments)
	}

	// Wait for completion
	if err := e.pool.Wait(); err != nil {
		// Save checkpoint for future resume
		e.checkpoint.Save(e.checkpointPath)
		return err
	}

	// Success: clean up checkpoint and temp files after muxing
	defer func() {
		os.Remove(e.checkpointPath)
		os.RemoveAll(tempDir)
	}()

	if _, err := os.Stat(e.cfg.OutputDir); os.IsNotExist(err) {
		os.MkdirAll(e.cfg.OutputDir, 0644)
	}

	// Mux tracks into final output. Subtitle tracks are split out and
	// written as sidecar files by the muxer (AutoMuxer.saveSubtitle),
	// using the cues accumulated above when cfg.ExtractSubs parsed them.
	return e.muxer.Mux(ctx, e.SelectedTracks, filepath.Join(e.cfg.OutputDir, e.cfg.FileName), ContainerFormat(e.cfg.Format))
}

// Progress returns the progress update channel.
func (e *Engine) Progress() <-chan ProgressUpdate {
	return e.progressCh
}

// Close releases engine resources.
func (e *Engine) Close() error {
	close(e.progressCh)
	return nil
}

// SetMuxer sets a custom muxer implementation.
func (e *Engine) SetMuxer(m Muxer) {
	e.muxer = m
}

// DownloadInitSegment downloads the initialization segment for a track.
func (e *Engine) DownloadInitSegment(ctx context.Context, track *models.Track) error {
	if track.InitSegment == nil || track.InitSegment.URL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", track.InitSegment.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	if track.InitSegment.ByteRange != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d",
			track.InitSegment.ByteRange.Start,
			track.InitSegment.ByteRange.End))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	track.InitSegment.Data = data

	if e.cfg.Verbose {
		fmt.Printf("Downloaded init segment for %s: %d bytes\n", track.ID, len(data))
	}

	return nil
}

// LoadTrackSegments fetches the media playlist and populates track segments.
// Used for lazy loading of audio/subtitle tracks in HLS.
func (e *Engine) LoadTrackSegments(ctx context.Context, track *models.Track) error {
	if track.MediaPlaylistURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", track.MediaPlaylistURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	segments, initSeg := parser.ParseMediaPlaylist(string(content), track.MediaPlaylistURL)
	track.Segments = segments
	if initSeg != nil {
		track.InitSegment = initSeg
	}

	if e.cfg.Verbose {
		fmt.Printf("Loaded %d segments for %s (init: %v)\n", len(segments), track.ID, initSeg != nil)
	}

	return nil
}
