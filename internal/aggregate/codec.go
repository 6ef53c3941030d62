package aggregate

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mumuon/model-runner/internal/model"
)

// EncodeBucket serializes one tile-bucket's features as a GeoJSON
// FeatureCollection — the same wire shape the result sink emits, reused
// here as the state store's on-disk representation so persisting a
// bucket and producing the final result document share one codec.
func EncodeBucket(features []model.Feature) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		geom := f.Geometry
		if geom == nil {
			b := f.BoundsImcoords
			geom = orb.Point{(b[0] + b[2]) / 2, (b[1] + b[3]) / 2}
		}
		gf := geojson.NewFeature(geom)
		gf.ID = f.ID
		gf.Properties["image_id"] = f.ImageID
		gf.Properties["tile_id"] = f.TileID
		gf.Properties["bounds_imcoords"] = f.BoundsImcoords
		gf.Properties["detection_score"] = f.Score
		gf.Properties["feature_types"] = f.FeatureTypes
		gf.Properties["geolocated"] = f.Geometry != nil
		fc.Append(gf)
	}
	return fc.MarshalJSON()
}

// DecodeBucket is EncodeBucket's inverse.
func DecodeBucket(raw []byte) ([]model.Feature, error) {
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("decode feature bucket: %w", err)
	}

	features := make([]model.Feature, 0, len(fc.Features))
	for _, gf := range fc.Features {
		bbox, err := boundsFromProperties(gf.Properties)
		if err != nil {
			return nil, err
		}
		f := model.Feature{
			ID:             fmt.Sprintf("%v", gf.ID),
			ImageID:        gf.Properties.MustString("image_id", ""),
			TileID:         gf.Properties.MustString("tile_id", ""),
			BoundsImcoords: bbox,
			Score:          gf.Properties.MustFloat64("detection_score", 0),
			FeatureTypes:   stringsFromProperty(gf.Properties["feature_types"]),
		}
		if geolocated, _ := gf.Properties["geolocated"].(bool); geolocated {
			f.Geometry = gf.Geometry
		}
		features = append(features, f)
	}
	return features, nil
}

func boundsFromProperties(props geojson.Properties) ([4]float64, error) {
	raw, ok := props["bounds_imcoords"].([]interface{})
	if !ok || len(raw) != 4 {
		return [4]float64{}, fmt.Errorf("bounds_imcoords missing or malformed")
	}
	var bbox [4]float64
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return [4]float64{}, fmt.Errorf("bounds_imcoords[%d] is not numeric", i)
		}
		bbox[i] = f
	}
	return bbox, nil
}

func stringsFromProperty(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
