package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lessonforge/transcriber/internal/types"
)

// ErrArtifactNotFound is returned when an artifact's producing stage has
// not completed for the segment.
var ErrArtifactNotFound = errors.New("artifact not found")

// DeleteIncompleteError reports a cascading delete that removed some
// artifacts but not all. Callers retry the delete until it returns nil;
// already-removed kinds are skipped on the next pass.
type DeleteIncompleteError struct {
	Remaining []types.ArtifactKind
	Err       error
}

func (e *DeleteIncompleteError) Error() string {
	kinds := make([]string, len(e.Remaining))
	for i, k := range e.Remaining {
		kinds[i] = string(k)
	}
	return fmt.Sprintf("segment delete incomplete, remaining: %s: %v",
		strings.Join(kinds, ", "), e.Err)
}

func (e *DeleteIncompleteError) Unwrap() error { return e.Err }

// ArtifactStore reads and writes segment artifacts on the local
// filesystem at the paths the layout resolves.
type ArtifactStore struct {
	layout *Layout
}

// NewArtifactStore creates an artifact store over the given layout.
func NewArtifactStore(layout *Layout) *ArtifactStore {
	return &ArtifactStore{layout: layout}
}

// Layout exposes the underlying path layout.
func (as *ArtifactStore) Layout() *Layout {
	return as.layout
}

// Path resolves the canonical path of one artifact.
func (as *ArtifactStore) Path(ref types.SegmentRef, kind types.ArtifactKind) (string, error) {
	return as.layout.ResolvePath(ref, kind)
}

// Exists reports whether the artifact has been produced.
func (as *ArtifactStore) Exists(ref types.SegmentRef, kind types.ArtifactKind) (bool, error) {
	path, err := as.layout.ResolvePath(ref, kind)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Read returns the current content of an artifact, or ErrArtifactNotFound
// if the stage producing it hasn't completed.
func (as *ArtifactStore) Read(ref types.SegmentRef, kind types.ArtifactKind) ([]byte, error) {
	path, err := as.layout.ResolvePath(ref, kind)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s for segment %d/%d",
				ErrArtifactNotFound, kind, ref.CourseID, ref.SegmentID)
		}
		return nil, err
	}
	return data, nil
}

// Write stores artifact content at its canonical path, overwriting any
// previous copy. Overwrite-in-place is what makes re-running a job for
// the same segment safe.
func (as *ArtifactStore) Write(ref types.SegmentRef, kind types.ArtifactKind, data []byte) (string, error) {
	path, err := as.layout.ResolvePath(ref, kind)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create segment directory: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s artifact: %v", kind, err)
	}
	return path, nil
}

// DeleteSegment removes every artifact of the segment, source video
// included. A partial failure returns DeleteIncompleteError naming the
// kinds still present so the caller can retry to completion.
func (as *ArtifactStore) DeleteSegment(ref types.SegmentRef) error {
	var remaining []types.ArtifactKind
	var firstErr error

	for _, kind := range types.AllArtifactKinds {
		path, err := as.layout.ResolvePath(ref, kind)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			remaining = append(remaining, kind)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if len(remaining) > 0 {
		return &DeleteIncompleteError{Remaining: remaining, Err: firstErr}
	}

	// Best effort: drop the now-empty segment directory.
	os.Remove(as.layout.SegmentDir(ref))
	return nil
}
