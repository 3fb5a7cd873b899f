package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/lessonforge/transcriber/internal/types"
)

// ErrInvalidArtifactKind is returned for an artifact kind outside the
// enumerated set. This indicates a programmer error, not bad input.
var ErrInvalidArtifactKind = errors.New("invalid artifact kind")

// artifactFilenames maps each kind to its fixed filename inside the
// segment directory. Paths derive from segment identity only, never
// from job IDs, so every re-run of a segment overwrites the same slot.
var artifactFilenames = map[types.ArtifactKind]string{
	types.ArtifactVideo:          "source.mp4",
	types.ArtifactAudio:          "audio.wav",
	types.ArtifactTranscriptText: "transcript.txt",
	types.ArtifactTranscriptSRT:  "transcript.srt",
	types.ArtifactTranscriptJSON: "transcript.json",
}

// Layout resolves canonical artifact paths under a data root.
type Layout struct {
	root string
}

// NewLayout creates a layout rooted at dataDir.
func NewLayout(dataDir string) *Layout {
	return &Layout{root: dataDir}
}

// SegmentDir returns the directory holding every artifact of a segment.
func (l *Layout) SegmentDir(ref types.SegmentRef) string {
	return filepath.Join(l.root,
		"courses", fmt.Sprintf("%d", ref.CourseID),
		"segments", fmt.Sprintf("%d", ref.SegmentID))
}

// ResolvePath returns the canonical path for one artifact of a segment.
// It is deterministic: identical inputs always yield identical paths.
func (l *Layout) ResolvePath(ref types.SegmentRef, kind types.ArtifactKind) (string, error) {
	name, ok := artifactFilenames[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidArtifactKind, kind)
	}
	return filepath.Join(l.SegmentDir(ref), name), nil
}
