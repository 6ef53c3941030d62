package region

import "github.com/mumuon/model-runner/internal/model"

// GenerateTileGrid computes the deterministic crop generator described in
// SPEC_FULL.md §4.5: tiles of tileSize with the given overlap, covering
// bounds, skipping degenerate trailing slivers no wider/taller than the
// overlap itself.
func GenerateTileGrid(bounds model.Bounds, tileSize, overlap model.Dimension) []model.Bounds {
	strideX := tileSize.Width - overlap.Width
	strideY := tileSize.Height - overlap.Height
	if strideX <= 0 {
		strideX = tileSize.Width
	}
	if strideY <= 0 {
		strideY = tileSize.Height
	}

	var tiles []model.Bounds
	for y := 0; y < bounds.Height; y += strideY {
		h := tileSize.Height
		if y+h > bounds.Height {
			h = bounds.Height - y
		}
		if h <= overlap.Height {
			continue
		}

		for x := 0; x < bounds.Width; x += strideX {
			w := tileSize.Width
			if x+w > bounds.Width {
				w = bounds.Width - x
			}
			if w <= overlap.Width {
				continue
			}

			tiles = append(tiles, model.Bounds{
				ULRow:  bounds.ULRow + y,
				ULCol:  bounds.ULCol + x,
				Width:  w,
				Height: h,
			})
		}
	}
	return tiles
}
