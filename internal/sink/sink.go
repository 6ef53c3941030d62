// Package sink implements C9: writing an image's aggregated, deduplicated
// detections out to one or more configured destinations. Sink is the
// small capability-set interface the design notes call for in place of a
// sink class hierarchy — selection happens once when an output is built
// (runtime's buildSink calls NewS3Sink or NewKinesisSink).
package sink

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mumuon/model-runner/internal/model"
)

// Sink writes one image's features to a destination. Implementations run
// in aggregate mode: one Write call per completed image.
type Sink interface {
	Write(ctx context.Context, imageID, imageURL string, features []model.Feature) error
}

// FeaturesToCollection converts internal Feature records into a
// paulmach/orb GeoJSON FeatureCollection, the wire format C9 emits. A
// feature that was never geolocated (no SensorModel for its image) falls
// back to a Point at its pixel bbox center rather than omitting geometry.
func FeaturesToCollection(imageID string, features []model.Feature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		geom := f.Geometry
		if geom == nil {
			b := f.BoundsImcoords
			geom = orb.Point{(b[0] + b[2]) / 2, (b[1] + b[3]) / 2}
		}
		gf := geojson.NewFeature(geom)
		gf.Properties["image_id"] = imageID
		gf.Properties["bounds_imcoords"] = f.BoundsImcoords
		gf.Properties["detection_score"] = f.Score
		gf.Properties["feature_types"] = f.FeatureTypes
		if f.ID != "" {
			gf.ID = f.ID
		}
		fc.Append(gf)
	}
	return fc
}
