package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/mumuon/model-runner/internal/aggregate"
	"github.com/mumuon/model-runner/internal/model"
	"github.com/mumuon/model-runner/internal/raster"
	"github.com/mumuon/model-runner/internal/sink"
)

func encodeForTest(features []model.Feature) ([]byte, error) {
	return aggregate.EncodeBucket(features)
}

type fakeStore struct {
	mu      sync.Mutex
	images  map[string]*model.ImageRequestItem
	buckets map[string][][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{images: make(map[string]*model.ImageRequestItem), buckets: make(map[string][][]byte)}
}

func (s *fakeStore) StartImage(ctx context.Context, item *model.ImageRequestItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.images[item.ImageID]; exists {
		return false, nil
	}
	cp := *item
	s.images[item.ImageID] = &cp
	return true, nil
}

func (s *fakeStore) SetRegionCount(ctx context.Context, imageID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[imageID].RegionCount = count
	return nil
}

func (s *fakeStore) GetImage(ctx context.Context, imageID string) (*model.ImageRequestItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.images[imageID], nil
}

func (s *fakeStore) GetAllFeatureBuckets(ctx context.Context, imageID string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[imageID], nil
}

type fakeQueue struct {
	mu   sync.Mutex
	sent []string
}

func (q *fakeQueue) Send(ctx context.Context, body string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, body)
	return nil
}

func baseRequest() *model.ImageRequest {
	return &model.ImageRequest{
		JobID:     "job-1",
		ImageURLs: []string{"s3://bucket/image.tif"},
		ImageProcessor: model.ImageProcessor{
			Name: "my-endpoint", Type: model.SMEndpoint,
		},
		Outputs: []model.SinkSpec{{Type: "S3", Bucket: "results", Prefix: "out"}},
	}
}

func TestDispatchPartitionsAndEnqueuesRegions(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	opener := &raster.FakeOpener{Raster: &raster.Fake{Width: 10000, Height: 10000}}

	s := New(store, q, opener, nil, nil, nil, model.Dimension{Width: 8192, Height: 8192})

	req := baseRequest()
	if err := s.Dispatch(context.Background(), req, "s3://bucket/image.tif"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	imageID := req.ImageID("s3://bucket/image.tif")
	item := store.images[imageID]
	if item == nil {
		t.Fatal("expected image to be started")
	}
	if item.RegionCount != len(q.sent) {
		t.Fatalf("region count %d does not match enqueued messages %d", item.RegionCount, len(q.sent))
	}
	if item.RegionCount < 4 {
		t.Fatalf("expected a 10000x10000 image split into multiple 8192x8192 regions, got %d", item.RegionCount)
	}
}

func TestDispatchIsIdempotentForAlreadyStartedImage(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	opener := &raster.FakeOpener{Raster: &raster.Fake{Width: 1000, Height: 1000}}
	s := New(store, q, opener, nil, nil, nil, model.Dimension{Width: 8192, Height: 8192})

	req := baseRequest()
	ctx := context.Background()
	if err := s.Dispatch(ctx, req, "s3://bucket/image.tif"); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	firstCount := len(q.sent)

	if err := s.Dispatch(ctx, req, "s3://bucket/image.tif"); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if len(q.sent) != firstCount {
		t.Fatalf("expected no additional region messages on re-dispatch, got %d more", len(q.sent)-firstCount)
	}
}

type fakeSink struct {
	mu       sync.Mutex
	written  []model.Feature
	imageURL string
}

func (f *fakeSink) Write(ctx context.Context, imageID, imageURL string, features []model.Feature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = features
	f.imageURL = imageURL
	return nil
}

func TestFinalizeAggregatesBucketsAndWritesSinks(t *testing.T) {
	store := newFakeStore()
	imageID := "job-1:s3://bucket/image.tif"
	store.images[imageID] = &model.ImageRequestItem{
		JobID: "job-1", ImageID: imageID, ImageURL: "s3://bucket/image.tif",
		Outputs: []model.SinkSpec{{Type: "S3", Bucket: "results"}},
	}

	overlapping := []model.Feature{
		{ID: "a", BoundsImcoords: [4]float64{0, 0, 100, 100}, Score: 0.9},
		{ID: "b", BoundsImcoords: [4]float64{5, 5, 105, 105}, Score: 0.5},
	}
	encoded, err := encodeForTest(overlapping)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	store.buckets[imageID] = [][]byte{encoded}

	dst := &fakeSink{}
	build := func(ctx context.Context, spec model.SinkSpec) (sink.Sink, error) { return dst, nil }

	s := New(store, &fakeQueue{}, nil, nil, nil, build, model.Dimension{})
	if err := s.Finalize(context.Background(), imageID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if len(dst.written) != 1 {
		t.Fatalf("expected NMS to dedupe overlapping detections to 1 survivor, got %d", len(dst.written))
	}
	if dst.written[0].ID != "b" {
		t.Fatalf("expected the higher y2 feature (tie-break by later sort) to survive, got %s", dst.written[0].ID)
	}
}
