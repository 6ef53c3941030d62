// Package scheduler implements C6: the image-level state machine that
// opens an image, partitons it into regions sized independently of tile
// size, optionally narrows the partition to a region of interest, and —
// once every region has terminated — aggregates and sinks the image's
// features.
package scheduler

import (
	"github.com/mumuon/model-runner/internal/model"
)

// DefaultRegionSize matches the original service's typical region
// partition: large enough to amortize per-region overhead, small enough
// to parallelize across many worker processes.
var DefaultRegionSize = model.Dimension{Width: 8192, Height: 8192}

// PartitionRegions tiles a width x height image into non-overlapping
// regions of regionSize, independent of the tile grid used within each
// region.
func PartitionRegions(width, height int, regionSize model.Dimension) []model.Bounds {
	var regions []model.Bounds
	for y := 0; y < height; y += regionSize.Height {
		h := regionSize.Height
		if y+h > height {
			h = height - y
		}
		for x := 0; x < width; x += regionSize.Width {
			w := regionSize.Width
			if x+w > width {
				w = width - x
			}
			regions = append(regions, model.Bounds{ULRow: y, ULCol: x, Width: w, Height: h})
		}
	}
	return regions
}

// FilterByROI keeps only the regions whose image-space bounding box
// intersects roiBounds (already projected into image coordinates by the
// caller via the sensor model — see SPEC_FULL.md §4.6).
func FilterByROI(regions []model.Bounds, roiBounds model.Bounds) []model.Bounds {
	var kept []model.Bounds
	for _, r := range regions {
		if intersects(r, roiBounds) {
			kept = append(kept, r)
		}
	}
	return kept
}

func intersects(a, b model.Bounds) bool {
	aRight, aBottom := a.ULCol+a.Width, a.ULRow+a.Height
	bRight, bBottom := b.ULCol+b.Width, b.ULRow+b.Height
	return a.ULCol < bRight && aRight > b.ULCol && a.ULRow < bBottom && aBottom > b.ULRow
}
