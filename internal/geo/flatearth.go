package geo

import "github.com/paulmach/orb"

// FlatEarth is the simplest SensorModel implementation named in this
// package's doc comment: a linear mapping between image pixel space and
// a world-space bounding box, with no ellipsoid or terrain correction.
// It is a reasonable default for imagery whose deployment doesn't supply
// a camera-model/RPC-backed SensorModel, not a substitute for one.
type FlatEarth struct {
	ImageWidth, ImageHeight int
	WorldBound              orb.Bound
}

func (f FlatEarth) ImageToWorld(px orb.Point) (orb.Point, error) {
	lon := f.WorldBound.Min[0] + (px[0]/float64(f.ImageWidth))*(f.WorldBound.Max[0]-f.WorldBound.Min[0])
	lat := f.WorldBound.Max[1] - (px[1]/float64(f.ImageHeight))*(f.WorldBound.Max[1]-f.WorldBound.Min[1])
	return orb.Point{lon, lat}, nil
}

func (f FlatEarth) WorldToImage(world orb.Point) (orb.Point, error) {
	x := (world[0] - f.WorldBound.Min[0]) / (f.WorldBound.Max[0] - f.WorldBound.Min[0]) * float64(f.ImageWidth)
	y := (f.WorldBound.Max[1] - world[1]) / (f.WorldBound.Max[1] - f.WorldBound.Min[1]) * float64(f.ImageHeight)
	return orb.Point{x, y}, nil
}
