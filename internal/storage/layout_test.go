package storage

import (
	"errors"
	"testing"

	"github.com/lessonforge/transcriber/internal/types"
)

// TestResolvePathDeterministic verifies referential stability: two
// calls with identical inputs return identical paths.
func TestResolvePathDeterministic(t *testing.T) {
	layout := NewLayout("data")
	ref := types.SegmentRef{CourseID: 1, SegmentID: 42}

	for _, kind := range types.AllArtifactKinds {
		first, err := layout.ResolvePath(ref, kind)
		if err != nil {
			t.Fatalf("resolve %s: %v", kind, err)
		}
		second, err := layout.ResolvePath(ref, kind)
		if err != nil {
			t.Fatalf("resolve %s again: %v", kind, err)
		}
		if first != second {
			t.Errorf("%s: paths differ: %q vs %q", kind, first, second)
		}
	}
}

// TestResolvePathDistinct checks that different segments and different
// kinds never collide.
func TestResolvePathDistinct(t *testing.T) {
	layout := NewLayout("data")
	seen := map[string]string{}

	refs := []types.SegmentRef{
		{CourseID: 1, SegmentID: 1},
		{CourseID: 1, SegmentID: 2},
		{CourseID: 2, SegmentID: 1},
	}
	for _, ref := range refs {
		for _, kind := range types.AllArtifactKinds {
			path, err := layout.ResolvePath(ref, kind)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if prev, ok := seen[path]; ok {
				t.Errorf("path collision: %q used by %s and %d/%d/%s",
					path, prev, ref.CourseID, ref.SegmentID, kind)
			}
			seen[path] = string(kind)
		}
	}
}

// TestResolvePathInvalidKind verifies unknown kinds fail with
// ErrInvalidArtifactKind.
func TestResolvePathInvalidKind(t *testing.T) {
	layout := NewLayout("data")
	ref := types.SegmentRef{CourseID: 1, SegmentID: 1}

	_, err := layout.ResolvePath(ref, types.ArtifactKind("thumbnail"))
	if !errors.Is(err, ErrInvalidArtifactKind) {
		t.Fatalf("error = %v, want ErrInvalidArtifactKind", err)
	}
}
