// Package aggregate implements the cross-tile feature aggregation: the
// tile-bucket keying scheme that groups detections from overlapping tiles,
// and the greedy IoU-based non-maximum suppression that deduplicates them.
// Both are ported from the original feature_table.py/feature_helper.py
// algorithms; the package is pure over its inputs and never touches the
// state store.
package aggregate

import (
	"github.com/mumuon/model-runner/internal/model"
)

// DeriveTileBucketKey computes the row a feature's bounding box should be
// stored under. Features from adjacent, overlapping tiles land in the
// same bucket so NMS runs over one small cluster rather than the whole
// image.
//
// stride = tileSize - overlap on each axis; a feature's bbox corner is
// floor-divided by stride to get a grid index, and decremented by one
// when the corner falls within the overlap band of a non-first tile (so
// a detection straddling the seam is grouped with its earlier neighbor).
func DeriveTileBucketKey(imageID string, bbox [4]float64, tileSize, overlap model.Dimension) model.TileBucketKey {
	strideX := tileSize.Width - overlap.Width
	strideY := tileSize.Height - overlap.Height
	if strideX <= 0 {
		strideX = 1
	}
	if strideY <= 0 {
		strideY = 1
	}

	minI := gridIndex(bbox[0], strideX, overlap.Width)
	maxI := gridIndex(bbox[2], strideX, overlap.Width)
	minJ := gridIndex(bbox[1], strideY, overlap.Height)
	maxJ := gridIndex(bbox[3], strideY, overlap.Height)

	return model.TileBucketKey{ImageID: imageID, MinI: minI, MaxI: maxI, MinJ: minJ, MaxJ: maxJ}
}

func gridIndex(coord float64, stride, overlap int) int {
	idx := int(coord) / stride
	offset := int(coord) % stride
	if offset < overlap && idx > 0 {
		idx--
	}
	return idx
}
