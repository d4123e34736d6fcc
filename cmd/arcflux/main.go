package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/arcflux/arcflux/internal/config"
	"github.com/arcflux/arcflux/internal/engine"
	"github.com/arcflux/arcflux/internal/parser"
	"github.com/arcflux/arcflux/internal/pssh"
	"github.com/arcflux/arcflux/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	cfg, keys := parseFlags()

	if cfg.ShowVersion {
		fmt.Printf("arcflux %s (%s)\n", version, commit)
		os.Exit(0)
	}

	if cfg.URL == "" {
		fmt.Fprintln(os.Stderr, "Error: --url is required")
		flag.Usage()
		os.Exit(1)
	}
	cfg.DecryptionKeys = keys

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// keyFlags implements flag.Value for repeatable --key KID:KEY pairs.
type keyFlags []string

func (k *keyFlags) String() string {
	return strings.Join(*k, ", ")
}

func (k *keyFlags) Set(value string) error {
	*k = append(*k, value)
	return nil
}

func parseFlags() (*config.Config, []string) {
	cfg := config.New()

	var headers headerFlags
	var keys keyFlags
	var threads int

	// Core options
	flag.StringVar(&cfg.URL, "url", "", "")
	flag.StringVar(&cfg.URL, "u", "", "")
	flag.StringVar(&cfg.FileName, "output", "output.mp4", "")
	flag.StringVar(&cfg.FileName, "o", "output.mp4", "")
	flag.StringVar(&cfg.OutputDir, "output-dir", ".", "")
	flag.IntVar(&threads, "threads", config.DefaultThreads, "")
	flag.IntVar(&threads, "n", config.DefaultThreads, "")
	flag.BoolVar(&cfg.ParallelTracks, "parallel-tracks", false, "")
	flag.BoolVar(&cfg.ParallelTracks, "P", false, "")
	flag.Var(&headers, "header", "")
	flag.Var(&headers, "H", "")
	flag.StringVar(&cfg.Cookies, "cookie", "", "")
	flag.Var(&keys, "key", "")
	flag.StringVar(&cfg.TrackSelector, "select-track", "", "")
	flag.StringVar(&cfg.TrackSelector, "s", "", "")
	flag.StringVar(&cfg.Format, "format", config.DefaultFormat, "")
	flag.StringVar(&cfg.Format, "f", config.DefaultFormat, "")
	flag.StringVar(&cfg.MuxerBackend, "muxer", config.DefaultMuxerBackend, "")
	flag.BoolVar(&cfg.NoProgress, "no-progress", false, "")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "")
	flag.BoolVar(&cfg.Verbose, "v", false, "")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "")
	flag.BoolVar(&cfg.DumpPSSH, "pssh", false, "")
	flag.BoolVar(&cfg.ExtractSubs, "subs", false, "")
	flag.BoolVar(&cfg.UseMp4ffInit, "mp4ff-init", false, "")

	flag.Usage = printUsage
	flag.Parse()

	cfg.Threads = threads

	// If no track selector provided, show interactive picker
	if cfg.TrackSelector == "" {
		cfg.TrackSelector = "interactive"
	}

	// Parse headers
	for _, h := range headers {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) == 2 {
			cfg.Headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return cfg, []string(keys)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `arcflux - High-performance HLS/DASH media downloader

Usage: arcflux [options] -u <URL>

Options:
  -u, --url <URL>           Stream URL (m3u8 or mpd) [required]
  -o, --output <path>       Output file name (default: output.mp4)
      --output-dir <dir>    Output directory (default: .)
  -n, --threads <num>       Concurrent downloads (default: 16)
  -s, --select-track <sel>  Track selection (omit for interactive picker)
  -P, --parallel-tracks     Download all tracks concurrently
  -f, --format <fmt>        Output format: mp4, mkv, ts (default: mp4)
  -H, --header <header>     Custom header (repeatable)
      --cookie <cookies>    Cookies for requests
      --key <KID:KEY>       CENC/CBCS decryption key, repeatable for
                             multi-key content (32 hex chars each side)
      --muxer <backend>     Muxer: auto, ffmpeg, binary (default: auto)
      --pssh                Print PSSH boxes found in each track's init
                             segment (Widevine/PlayReady) and exit
      --subs                Extract WebVTT/TTML subtitle tracks to
                             sidecar .vtt files alongside the output
      --mp4ff-init          Parse init segment protection metadata with
                             Eyevinn/mp4ff instead of the built-in parser
      --no-progress         Disable TUI progress
  -v, --verbose             Verbose output
      --version             Show version

Track Selection (-s):
  If omitted, an interactive picker will be shown.
  Presets:
    best                Best video + best audio
    all                 All tracks
    1080p, 720p, etc    Video by resolution + best audio
    video:0+audio:1     By index

Examples:
  arcflux -u https://example.com/video.m3u8                  # Interactive picker
  arcflux -u https://example.com/video.m3u8 -s best          # Auto-select best
  arcflux -u https://example.com/video.mpd -s 1080p \
    --key 00112233445566778899aabbccddeeff:ffeeddccbbaa99887766554433221100
`)
}

func run(ctx context.Context, cfg *config.Config) error {
	parserRegistry := parser.NewRegistry()

	if cfg.Verbose {
		fmt.Printf("Parsing manifest: %s\n", cfg.URL)
	}
	manifest, err := parserRegistry.Parse(ctx, cfg.URL, cfg.Headers)
	if err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	fmt.Printf("Found %d tracks\n", len(manifest.Tracks))

	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer eng.Close()

	// Handle track selection
	if cfg.TrackSelector == "interactive" {
		picker := tui.NewTrackPicker(manifest.Tracks)
		p := tea.NewProgram(picker, tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("track picker error: %w", err)
		}

		result := picker.Result()
		if result.Canceled {
			fmt.Println("Canceled")
			return nil
		}
		if len(result.Selected) == 0 {
			return fmt.Errorf("no tracks selected")
		}
		eng.SelectedTracks = result.Selected
	} else {
		if err := eng.SelectTracks(manifest); err != nil {
			return fmt.Errorf("failed to select tracks: %w", err)
		}
	}

	fmt.Printf("Selected %d tracks\n", len(eng.SelectedTracks))
	for _, t := range eng.SelectedTracks {
		fmt.Printf("  - %s: %s %s\n", t.Type, t.Resolution.QualityLabel(), t.Codec)
	}

	// Pre-load segments for lazy-loaded tracks before TUI
	for _, track := range eng.SelectedTracks {
		if track.MediaPlaylistURL != "" && len(track.Segments) == 0 {
			if err := eng.LoadTrackSegments(ctx, track); err != nil {
				return fmt.Errorf("load segments for %s: %w", track.ID, err)
			}
		}
	}

	if cfg.DumpPSSH {
		return dumpPSSH(ctx, eng, cfg)
	}

	if cfg.NoProgress {
		err := eng.Download(ctx, manifest)
		if err != nil {
			return err
		}
		printOutputPath(cfg)
		return nil
	}

	// Run with TUI
	model := tui.NewModel(eng, manifest, cfg)
	p := tea.NewProgram(model, tea.WithAltScreen())

	var downloadErr error
	go func() {
		if err := eng.Download(ctx, manifest); err != nil {
			downloadErr = err
			p.Send(tui.ErrorMsg{Err: err})
		} else {
			p.Send(tui.DoneMsg{})
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	if downloadErr != nil {
		return downloadErr
	}

	printOutputPath(cfg)
	return nil
}

// dumpPSSH downloads each selected track's init segment (if not
// already present) and prints any PSSH boxes found in it, without
// downloading media segments.
func dumpPSSH(ctx context.Context, eng *engine.Engine, cfg *config.Config) error {
	for _, track := range eng.SelectedTracks {
		if track.InitSegment == nil {
			continue
		}
		if len(track.InitSegment.Data) == 0 && track.InitSegment.URL != "" {
			if err := eng.DownloadInitSegment(ctx, track); err != nil {
				return fmt.Errorf("download init segment for %s: %w", track.ID, err)
			}
		}
		if len(track.InitSegment.Data) == 0 {
			continue
		}
		records, err := pssh.ParseAll(track.InitSegment.Data)
		if err != nil {
			return fmt.Errorf("parse PSSH for %s: %w", track.ID, err)
		}
		if len(records) == 0 {
			fmt.Printf("%s: no PSSH boxes found\n", track.ID)
			continue
		}
		for _, rec := range records {
			fmt.Printf("%s: system=%s kids=%v data=%d bytes\n",
				track.ID, rec.SystemUUIDString(), rec.KIDStrings(), len(rec.Data))
			switch {
			case rec.IsWidevine():
				if wv, err := pssh.ParseWidevine(rec.Data); err == nil {
					fmt.Printf("  widevine: content_id=%x key_ids=%d scheme=%q\n",
						wv.ContentID, len(wv.KeyIDs), wv.ProtectionScheme)
				}
			case rec.IsPlayReady():
				if headers, err := pssh.ParsePlayReady(rec.Data); err == nil {
					for _, h := range headers {
						fmt.Printf("  playready: kids=%v\n", h.KIDs)
					}
				}
			}
		}
	}
	return nil
}

func printOutputPath(cfg *config.Config) {
	output := cfg.FileName
	if output == "" {
		output = "output." + cfg.Format
	}
	fmt.Printf("\nSaved to: %s\n", filepath.Join(cfg.OutputDir, output))
}

// headerFlags implements flag.Value for repeatable header flags
type headerFlags []string

func (h *headerFlags) String() string {
	return strings.Join(*h, ", ")
}

func (h *headerFlags) Set(value string) error {
	*h = append(*h, value)
	return nil
}
