package reaper

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mumuon/model-runner/internal/model"
)

type fakeStore struct {
	mu     sync.Mutex
	region *model.RegionRequestItem
}

func (f *fakeStore) GetStaleRegions(ctx context.Context, cutoff time.Time) ([]*model.RegionRequestItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.region == nil || !f.region.StartTime.Before(cutoff) {
		return nil, nil
	}
	return []*model.RegionRequestItem{f.region}, nil
}

type fakeCapacity struct {
	mu        sync.Mutex
	released  map[string]int
}

func (f *fakeCapacity) Release(ctx context.Context, endpointName string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released == nil {
		f.released = make(map[string]int)
	}
	f.released[endpointName] += n
	return nil
}

type fakeQueue struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeQueue) Send(ctx context.Context, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, body)
	return nil
}

func TestSweepReleasesCapacityAndRequeuesStaleRegion(t *testing.T) {
	region := &model.RegionRequestItem{
		JobID: "job-1", ImageID: "image-1", RegionID: "image-1:region:0",
		StartTime:  time.Now().Add(-time.Hour),
		ImageURL:   "s3://bucket/key.tif",
		TileSize:   model.Dimension{Width: 1024, Height: 1024},
		ModelName:  "my-endpoint",
		InvokeMode: model.SMEndpoint,
		TotalTiles: 4,
		SucceededTiles: []string{"t1"},
		FailedTiles:    nil,
	}
	store := &fakeStore{region: region}
	capacity := &fakeCapacity{}
	queue := &fakeQueue{}

	r := New(store, capacity, queue, 30*time.Minute, time.Millisecond)
	r.sweep(context.Background())

	if capacity.released["my-endpoint"] != 3 {
		t.Fatalf("expected 3 released credits, got %d", capacity.released["my-endpoint"])
	}
	if len(queue.sent) != 1 {
		t.Fatalf("expected 1 requeued message, got %d", len(queue.sent))
	}
	var msg RegionMessage
	if err := json.Unmarshal([]byte(queue.sent[0]), &msg); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if msg.RegionID != region.RegionID {
		t.Fatalf("expected region id %s, got %s", region.RegionID, msg.RegionID)
	}
}

func TestSweepSkipsRegionsWithinLeaseVisibility(t *testing.T) {
	region := &model.RegionRequestItem{
		RegionID: "image-1:region:0", StartTime: time.Now(), TotalTiles: 4,
	}
	store := &fakeStore{region: region}
	capacity := &fakeCapacity{}
	queue := &fakeQueue{}

	r := New(store, capacity, queue, 30*time.Minute, time.Millisecond)
	r.sweep(context.Background())

	if len(queue.sent) != 0 {
		t.Fatalf("expected no requeue for a fresh region, got %d", len(queue.sent))
	}
}
