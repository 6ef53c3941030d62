package aggregate

import (
	"sort"

	"github.com/mumuon/model-runner/internal/model"
)

// DefaultIoUThreshold is the overlap ratio above which two detections are
// considered the same physical object.
const DefaultIoUThreshold = 0.75

// NonMaxSuppress runs the greedy NMS algorithm over one feature cluster:
// sort by y2 ascending (ties broken by id), then repeatedly take the last
// remaining feature as a survivor and drop every other feature whose IoU
// with it exceeds threshold. Deterministic and idempotent:
// NonMaxSuppress(NonMaxSuppress(f)) == NonMaxSuppress(f).
func NonMaxSuppress(features []model.Feature, threshold float64) []model.Feature {
	if len(features) == 0 {
		return nil
	}

	ordered := make([]model.Feature, len(features))
	copy(ordered, features)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].BoundsImcoords[3] != ordered[j].BoundsImcoords[3] {
			return ordered[i].BoundsImcoords[3] < ordered[j].BoundsImcoords[3]
		}
		return ordered[i].ID < ordered[j].ID
	})

	var survivors []model.Feature
	remaining := ordered
	for len(remaining) > 0 {
		last := remaining[len(remaining)-1]
		survivors = append(survivors, last)

		kept := remaining[:0:0]
		for _, f := range remaining[:len(remaining)-1] {
			if iou(last.BoundsImcoords, f.BoundsImcoords) <= threshold {
				kept = append(kept, f)
			}
		}
		remaining = kept
	}

	return survivors
}

func area(b [4]float64) float64 {
	w := b[2] - b[0] + 1
	h := b[3] - b[1] + 1
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return w * h
}

func iou(a, b [4]float64) float64 {
	ix1 := max(a[0], b[0])
	iy1 := max(a[1], b[1])
	ix2 := min(a[2], b[2])
	iy2 := min(a[3], b[3])

	iw := ix2 - ix1 + 1
	ih := iy2 - iy1 + 1
	if iw < 0 {
		iw = 0
	}
	if ih < 0 {
		ih = 0
	}
	intersection := iw * ih
	union := area(a) + area(b) - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}
