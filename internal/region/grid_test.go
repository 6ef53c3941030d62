package region

import (
	"testing"

	"github.com/mumuon/model-runner/internal/model"
)

func TestGenerateTileGridCoversWholeRegion(t *testing.T) {
	bounds := model.Bounds{Width: 2000, Height: 1000}
	size := model.Dimension{Width: 1024, Height: 1024}
	overlap := model.Dimension{Width: 50, Height: 50}

	tiles := GenerateTileGrid(bounds, size, overlap)
	if len(tiles) == 0 {
		t.Fatal("expected at least one tile")
	}

	maxX, maxY := 0, 0
	for _, tile := range tiles {
		if tile.ULCol < 0 || tile.ULRow < 0 {
			t.Fatalf("tile has negative origin: %+v", tile)
		}
		if right := tile.ULCol + tile.Width; right > maxX {
			maxX = right
		}
		if bottom := tile.ULRow + tile.Height; bottom > maxY {
			maxY = bottom
		}
	}
	if maxX != bounds.Width {
		t.Errorf("coverage width = %d, want %d", maxX, bounds.Width)
	}
	if maxY != bounds.Height {
		t.Errorf("coverage height = %d, want %d", maxY, bounds.Height)
	}
}

func TestGenerateTileGridSkipsDegenerateSlivers(t *testing.T) {
	// A region exactly one stride past a tile boundary would otherwise
	// produce a final column/row only `overlap` pixels wide/tall.
	size := model.Dimension{Width: 100, Height: 100}
	overlap := model.Dimension{Width: 10, Height: 10}
	bounds := model.Bounds{Width: 190, Height: 100} // stride=90; last col would be 10px wide

	tiles := GenerateTileGrid(bounds, size, overlap)
	for _, tile := range tiles {
		if tile.Width <= overlap.Width {
			t.Errorf("unexpected degenerate tile: %+v", tile)
		}
	}
}

func TestGenerateTileGridSingleTileWhenSmallerThanTileSize(t *testing.T) {
	bounds := model.Bounds{Width: 500, Height: 500}
	size := model.Dimension{Width: 1024, Height: 1024}
	overlap := model.Dimension{Width: 50, Height: 50}

	tiles := GenerateTileGrid(bounds, size, overlap)
	if len(tiles) != 1 {
		t.Fatalf("expected 1 tile, got %d", len(tiles))
	}
	if tiles[0].Width != 500 || tiles[0].Height != 500 {
		t.Fatalf("expected tile to match region size, got %+v", tiles[0])
	}
}
