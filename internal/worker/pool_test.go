package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/mumuon/model-runner/internal/model"
	"github.com/mumuon/model-runner/internal/raster"
)

type fakeFeatureStore struct {
	mu       sync.Mutex
	buckets  map[string][]byte
	complete []string
}

func newFakeFeatureStore() *fakeFeatureStore {
	return &fakeFeatureStore{buckets: make(map[string][]byte)}
}

func (s *fakeFeatureStore) PutFeatures(ctx context.Context, imageID, bucketKey string, encoded []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucketKey] = encoded
	return nil
}

func (s *fakeFeatureStore) CompleteTile(ctx context.Context, regionID, tileID string, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete = append(s.complete, tileID)
	return nil
}

type fakeDetector struct {
	fc *geojson.FeatureCollection
}

func (d *fakeDetector) FindFeatures(ctx context.Context, payload []byte) (*geojson.FeatureCollection, error) {
	return d.fc, nil
}

func emptyFeatureCollection() *geojson.FeatureCollection {
	return geojson.NewFeatureCollection()
}

func tile(id string) model.TileRequestItem {
	return model.TileRequestItem{
		TileID: id, RegionID: "region-1", ImageID: "image-1",
		Bounds: model.Bounds{Width: 100, Height: 100},
		Status: model.TilePending,
	}
}

func TestRunProcessesEveryTileExactlyOnce(t *testing.T) {
	store := newFakeFeatureStore()
	p := New(4, &raster.Fake{Width: 1000, Height: 1000}, &fakeDetector{fc: emptyFeatureCollection()}, nil,
		model.SMEndpoint, nil, model.Dimension{Width: 100, Height: 100}, model.Dimension{}, store, nil, nil, "")

	tiles := []model.TileRequestItem{tile("t1"), tile("t2"), tile("t3"), tile("t4"), tile("t5")}
	results := p.Run(context.Background(), tiles)

	if len(results) != len(tiles) {
		t.Fatalf("expected %d results, got %d", len(tiles), len(results))
	}
	seen := make(map[string]bool)
	for _, r := range results {
		if r.Failed {
			t.Errorf("tile %s unexpectedly failed: %v", r.Tile.TileID, r.Err)
		}
		seen[r.Tile.TileID] = true
	}
	if len(seen) != len(tiles) {
		t.Fatalf("expected every tile id distinct, got %d distinct of %d", len(seen), len(tiles))
	}
}

type countingGate struct {
	mu        sync.Mutex
	inFlight  int
	maxInUse  int
	denyFirst bool
	denied    bool
}

func (g *countingGate) Acquire(ctx context.Context, endpointName string, n int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denyFirst && !g.denied {
		g.denied = true
		return false, nil
	}
	g.inFlight += n
	if g.inFlight > g.maxInUse {
		g.maxInUse = g.inFlight
	}
	return true, nil
}

func (g *countingGate) Release(ctx context.Context, endpointName string, n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight -= n
	return nil
}

func TestRunRetriesAcquireUntilCapacityGranted(t *testing.T) {
	store := newFakeFeatureStore()
	gate := &countingGate{denyFirst: true}
	p := New(1, &raster.Fake{Width: 1000, Height: 1000}, &fakeDetector{fc: emptyFeatureCollection()}, nil,
		model.SMEndpoint, nil, model.Dimension{Width: 100, Height: 100}, model.Dimension{}, store, nil, gate, "my-endpoint")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := p.Run(ctx, []model.TileRequestItem{tile("t1")})
	if len(results) != 1 || results[0].Failed {
		t.Fatalf("expected tile to eventually succeed once capacity frees up, got %+v", results)
	}
	if !gate.denied {
		t.Fatal("expected the gate to have denied the first acquire attempt")
	}
}
