package aggregate

import (
	"testing"

	"github.com/mumuon/model-runner/internal/model"
)

func feat(id string, x1, y1, x2, y2 float64) model.Feature {
	return model.Feature{ID: id, BoundsImcoords: [4]float64{x1, y1, x2, y2}}
}

func TestNonMaxSuppressDropsFullOverlap(t *testing.T) {
	features := []model.Feature{
		feat("a", 10, 10, 20, 20),
		feat("b", 10, 10, 20, 20),
	}
	survivors := NonMaxSuppress(features, DefaultIoUThreshold)
	if len(survivors) != 1 {
		t.Fatalf("expected 1 survivor, got %d: %+v", len(survivors), survivors)
	}
}

func TestNonMaxSuppressKeepsDisjointBoxes(t *testing.T) {
	features := []model.Feature{
		feat("a", 0, 0, 10, 10),
		feat("b", 100, 100, 110, 110),
	}
	survivors := NonMaxSuppress(features, DefaultIoUThreshold)
	if len(survivors) != 2 {
		t.Fatalf("expected 2 survivors for disjoint boxes, got %d", len(survivors))
	}
}

func TestNonMaxSuppressIsIdempotent(t *testing.T) {
	features := []model.Feature{
		feat("a", 0, 0, 10, 10),
		feat("b", 1, 1, 11, 11),
		feat("c", 50, 50, 60, 60),
	}
	once := NonMaxSuppress(features, DefaultIoUThreshold)
	twice := NonMaxSuppress(once, DefaultIoUThreshold)
	if len(once) != len(twice) {
		t.Fatalf("NMS not idempotent: once=%d twice=%d", len(once), len(twice))
	}
}

func TestNonMaxSuppressEmptyInput(t *testing.T) {
	if got := NonMaxSuppress(nil, DefaultIoUThreshold); got != nil {
		t.Fatalf("expected nil for empty input, got %+v", got)
	}
}

func TestDeriveTileBucketKeyGroupsAdjacentTiles(t *testing.T) {
	size := model.Dimension{Width: 1024, Height: 1024}
	overlap := model.Dimension{Width: 50, Height: 50}

	// A detection straddling the seam between tile 0 and tile 1 (x in the
	// overlap band of tile 1) should land in tile 0's bucket.
	bbox := [4]float64{980, 10, 1000, 30}
	key := DeriveTileBucketKey("img-1", bbox, size, overlap)
	if key.MinI != 0 {
		t.Fatalf("expected seam detection to land in bucket 0, got MinI=%d", key.MinI)
	}
}

func TestDeriveTileBucketKeyFirstTileNeverDecrements(t *testing.T) {
	size := model.Dimension{Width: 1024, Height: 1024}
	overlap := model.Dimension{Width: 50, Height: 50}
	bbox := [4]float64{0, 0, 20, 20}
	key := DeriveTileBucketKey("img-1", bbox, size, overlap)
	if key.MinI != 0 || key.MinJ != 0 {
		t.Fatalf("expected first tile to stay at index 0, got %+v", key)
	}
}
