package engine

import (
	"context"

	"github.com/arcflux/arcflux/internal/models"
)

// ProgressUpdate represents a download progress update.
type ProgressUpdate struct {
	SegmentIndex int
	TrackID      string
	BytesLoaded  int64
	Completed    bool
	Error        error
}

// Muxer interface for final file assembly.
type Muxer interface {
	Mux(ctx context.Context, tracks []*models.Track, outputPath string, format ContainerFormat) error
	SupportedFormats() []ContainerFormat
}

// ContainerFormat represents output container formats.
type ContainerFormat string

const (
	FormatMP4  ContainerFormat = "mp4"
	FormatMKV  ContainerFormat = "mkv"
	FormatTS   ContainerFormat = "ts"
	FormatWebM ContainerFormat = "webm"
)
