package geo

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"
)

type fakeModel struct {
	calls int
}

func (f *fakeModel) ImageToWorld(px orb.Point) (orb.Point, error) {
	f.calls++
	return orb.Point{px[0] / 100, px[1] / 100}, nil
}

func (f *fakeModel) WorldToImage(world orb.Point) (orb.Point, error) {
	return orb.Point{world[0] * 100, world[1] * 100}, nil
}

func TestCacheBuildsOncePerImage(t *testing.T) {
	builds := 0
	cache := NewCache(func(imageID, imageURL string) (SensorModel, error) {
		builds++
		return &fakeModel{}, nil
	})

	if _, err := cache.Get("img-1", "s3://b/x.tif"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := cache.Get("img-1", "s3://b/x.tif"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if builds != 1 {
		t.Fatalf("expected factory called once, got %d", builds)
	}
}

func TestCacheEvictForcesRebuild(t *testing.T) {
	builds := 0
	cache := NewCache(func(imageID, imageURL string) (SensorModel, error) {
		builds++
		return &fakeModel{}, nil
	})

	cache.Get("img-1", "s3://b/x.tif")
	cache.Evict("img-1")
	cache.Get("img-1", "s3://b/x.tif")

	if builds != 2 {
		t.Fatalf("expected rebuild after evict, got %d builds", builds)
	}
}

func TestCachePropagatesFactoryError(t *testing.T) {
	cache := NewCache(func(imageID, imageURL string) (SensorModel, error) {
		return nil, errors.New("no camera metadata")
	})
	if _, err := cache.Get("img-1", "s3://b/x.tif"); err == nil {
		t.Fatal("expected error from factory")
	}
}

func TestGeolocateFeatureUsesBoundsCenter(t *testing.T) {
	m := &fakeModel{}
	world, err := GeolocateFeature(m, [4]float64{0, 0, 200, 100})
	if err != nil {
		t.Fatalf("GeolocateFeature: %v", err)
	}
	if world[0] != 1 || world[1] != 0.5 {
		t.Fatalf("unexpected world point: %+v", world)
	}
}
