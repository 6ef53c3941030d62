package scheduler

import (
	"testing"

	"github.com/mumuon/model-runner/internal/model"
)

func TestPartitionRegionsCoversWholeImage(t *testing.T) {
	regions := PartitionRegions(20000, 9000, model.Dimension{Width: 8192, Height: 8192})

	maxX, maxY := 0, 0
	for _, r := range regions {
		if right := r.ULCol + r.Width; right > maxX {
			maxX = right
		}
		if bottom := r.ULRow + r.Height; bottom > maxY {
			maxY = bottom
		}
	}
	if maxX != 20000 || maxY != 9000 {
		t.Fatalf("coverage = %dx%d, want 20000x9000", maxX, maxY)
	}
}

func TestPartitionRegionsSmallerThanRegionSizeYieldsOneRegion(t *testing.T) {
	regions := PartitionRegions(500, 500, model.Dimension{Width: 8192, Height: 8192})
	if len(regions) != 1 {
		t.Fatalf("expected 1 region, got %d", len(regions))
	}
	if regions[0].Width != 500 || regions[0].Height != 500 {
		t.Fatalf("unexpected region bounds: %+v", regions[0])
	}
}

func TestFilterByROIKeepsOnlyIntersecting(t *testing.T) {
	regions := []model.Bounds{
		{ULCol: 0, ULRow: 0, Width: 100, Height: 100},
		{ULCol: 200, ULRow: 200, Width: 100, Height: 100},
	}
	roi := model.Bounds{ULCol: 50, ULRow: 50, Width: 20, Height: 20}

	kept := FilterByROI(regions, roi)
	if len(kept) != 1 {
		t.Fatalf("expected 1 region kept, got %d", len(kept))
	}
	if kept[0].ULCol != 0 {
		t.Fatalf("kept wrong region: %+v", kept[0])
	}
}
