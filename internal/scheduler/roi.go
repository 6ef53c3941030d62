package scheduler

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/paulmach/orb"

	"github.com/mumuon/model-runner/internal/geo"
	"github.com/mumuon/model-runner/internal/model"
)

var wktNumberPair = regexp.MustCompile(`(-?[0-9.]+)\s+(-?[0-9.]+)`)

// parseWKTPolygonBound extracts the coordinate ring from a WKT POLYGON
// string and returns its world-space bounding box. Only the outer ring's
// bounds are needed — the region partition is rectangular, so a tighter
// polygon intersection buys nothing beyond a bbox test.
func parseWKTPolygonBound(wkt string) (orb.Bound, error) {
	matches := wktNumberPair.FindAllStringSubmatch(wkt, -1)
	if len(matches) == 0 {
		return orb.Bound{}, fmt.Errorf("region of interest has no coordinate pairs: %q", wkt)
	}

	bound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{0, 0}}
	for i, m := range matches {
		lon, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("region of interest coordinate %q: %w", m[1], err)
		}
		lat, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("region of interest coordinate %q: %w", m[2], err)
		}
		p := orb.Point{lon, lat}
		if i == 0 {
			bound = orb.Bound{Min: p, Max: p}
		} else {
			bound = bound.Extend(p)
		}
	}
	return bound, nil
}

// projectROIToImage converts a world-space region of interest into the
// image-pixel bounding box a partition can be filtered against, using the
// image's sensor model to project the four corners of the WKT bound and
// taking the bbox of the result.
func projectROIToImage(sensorModel geo.SensorModel, worldBound orb.Bound) (model.Bounds, error) {
	corners := []orb.Point{
		{worldBound.Min[0], worldBound.Min[1]},
		{worldBound.Min[0], worldBound.Max[1]},
		{worldBound.Max[0], worldBound.Min[1]},
		{worldBound.Max[0], worldBound.Max[1]},
	}

	var minX, minY, maxX, maxY float64
	for i, c := range corners {
		px, err := sensorModel.WorldToImage(c)
		if err != nil {
			return model.Bounds{}, fmt.Errorf("project region of interest corner: %w", err)
		}
		if i == 0 {
			minX, maxX = px[0], px[0]
			minY, maxY = px[1], px[1]
			continue
		}
		if px[0] < minX {
			minX = px[0]
		}
		if px[0] > maxX {
			maxX = px[0]
		}
		if px[1] < minY {
			minY = px[1]
		}
		if px[1] > maxY {
			maxY = px[1]
		}
	}

	return model.Bounds{
		ULCol:  int(minX),
		ULRow:  int(minY),
		Width:  int(maxX - minX),
		Height: int(maxY - minY),
	}, nil
}
