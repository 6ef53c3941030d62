package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mumuon/model-runner/internal/aggregate"
	"github.com/mumuon/model-runner/internal/geo"
	"github.com/mumuon/model-runner/internal/model"
	"github.com/mumuon/model-runner/internal/raster"
	"github.com/mumuon/model-runner/internal/sink"
	"github.com/mumuon/model-runner/internal/worker"
)

// Store is the subset of the state store the scheduler needs.
type Store interface {
	StartImage(ctx context.Context, item *model.ImageRequestItem) (bool, error)
	SetRegionCount(ctx context.Context, imageID string, count int) error
	GetImage(ctx context.Context, imageID string) (*model.ImageRequestItem, error)
	GetAllFeatureBuckets(ctx context.Context, imageID string) ([][]byte, error)
}

// RegionEnqueuer is the narrow view of the region queue the scheduler
// dispatches onto.
type RegionEnqueuer interface {
	Send(ctx context.Context, body string) error
}

// StatusPublisher is the subset of the status monitor used at image
// granularity.
type StatusPublisher interface {
	PublishImage(ctx context.Context, ev worker.StatusEvent)
}

// SinkBuilder constructs the Sink for one configured output destination.
// Injected so this package doesn't need to choose between S3/Kinesis
// construction itself — that decision, including AWS client setup, lives
// in internal/runtime.
type SinkBuilder func(ctx context.Context, spec model.SinkSpec) (sink.Sink, error)

// RegionMessage is the wire shape enqueued onto the region queue; a
// region worker listener decodes one of these per message and drives it
// through internal/region.Processor.
type RegionMessage struct {
	JobID         string       `json:"jobId"`
	ImageID       string       `json:"imageId"`
	ImageURL      string       `json:"imageUrl"`
	ImageReadRole string       `json:"imageReadRole,omitempty"`
	RegionID      string       `json:"regionId"`
	Bounds        model.Bounds `json:"bounds"`

	TileSize    model.Dimension      `json:"tileSize"`
	TileOverlap model.Dimension      `json:"tileOverlap"`
	Format      model.TileFormat     `json:"format"`
	Compression model.TileCompression `json:"compression"`

	ModelName   string           `json:"modelName"`
	InvokeMode  model.InvokeMode `json:"invokeMode"`
	AssumedRole string           `json:"assumedRole,omitempty"`
}

// Scheduler drives C6: opening an image, partitioning it into regions,
// dispatching region requests, and — once the region processor reports
// the image complete — aggregating and sinking its features.
type Scheduler struct {
	store       Store
	regionQueue RegionEnqueuer
	opener      raster.Opener
	sensors     *geo.Cache
	status      StatusPublisher
	buildSink   SinkBuilder
	regionSize  model.Dimension
}

// New constructs a Scheduler. regionSize defaults to DefaultRegionSize
// when zero.
func New(store Store, regionQueue RegionEnqueuer, opener raster.Opener, sensors *geo.Cache, status StatusPublisher, buildSink SinkBuilder, regionSize model.Dimension) *Scheduler {
	if regionSize.Width == 0 || regionSize.Height == 0 {
		regionSize = DefaultRegionSize
	}
	return &Scheduler{
		store: store, regionQueue: regionQueue, opener: opener,
		sensors: sensors, status: status, buildSink: buildSink, regionSize: regionSize,
	}
}

// Dispatch starts one image named in an ImageRequest: it registers the
// image with the state store (idempotently — a re-delivered message is a
// no-op), opens the raster to learn its extent, partitions it into
// regions (narrowed to the request's region of interest, if any), and
// enqueues one RegionMessage per region.
func (s *Scheduler) Dispatch(ctx context.Context, req *model.ImageRequest, imageURL string) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid image request: %w", err)
	}

	imageID := req.ImageID(imageURL)
	logger := slog.With("image_id", imageID, "job_id", req.JobID)

	tileSize := req.TileSizeOrDefault()
	tileOverlap := req.TileOverlapOrDefault()

	started, err := s.store.StartImage(ctx, &model.ImageRequestItem{
		JobID: req.JobID, ImageID: imageID, ImageURL: imageURL,
		StartTime:   time.Now(),
		TileSize:    tileSize,
		TileOverlap: tileOverlap,
		ModelName:   req.ImageProcessor.Name,
		InvokeMode:  req.ImageProcessor.Type,
		Outputs:     req.Outputs,
	})
	if err != nil {
		return fmt.Errorf("start image %s: %w", imageID, err)
	}
	if !started {
		logger.Info("image already in flight, skipping re-dispatch")
		return nil
	}

	rst, err := s.opener.Open(ctx, imageURL, req.ImageReadRole, req.TileFormat, req.TileCompression)
	if err != nil {
		return fmt.Errorf("open image %s: %w", imageID, err)
	}
	defer rst.Close()

	width, height := rst.Size()
	regions := PartitionRegions(width, height, s.regionSize)

	if req.RegionOfInterest != "" {
		regions, err = s.narrowToROI(ctx, imageID, imageURL, req.RegionOfInterest, regions)
		if err != nil {
			logger.Warn("failed to apply region of interest, processing full image", "error", err)
			regions = PartitionRegions(width, height, s.regionSize)
		}
	}

	if len(regions) == 0 {
		logger.Warn("region of interest does not intersect image, nothing to process")
		regions = PartitionRegions(width, height, s.regionSize)
	}

	if err := s.store.SetRegionCount(ctx, imageID, len(regions)); err != nil {
		return fmt.Errorf("set region count for %s: %w", imageID, err)
	}

	for i, bounds := range regions {
		msg := RegionMessage{
			JobID: req.JobID, ImageID: imageID, ImageURL: imageURL,
			ImageReadRole: req.ImageReadRole,
			RegionID:      fmt.Sprintf("%s:region:%d", imageID, i),
			Bounds:      bounds,
			TileSize:    tileSize,
			TileOverlap: tileOverlap,
			Format:      req.TileFormat,
			Compression: req.TileCompression,
			ModelName:   req.ImageProcessor.Name,
			InvokeMode:  req.ImageProcessor.Type,
			AssumedRole: req.ImageProcessor.AssumedRole,
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode region message %s: %w", msg.RegionID, err)
		}
		if err := s.regionQueue.Send(ctx, string(body)); err != nil {
			return fmt.Errorf("dispatch region %s: %w", msg.RegionID, err)
		}
	}

	logger.Info("image dispatched", "region_count", len(regions))
	s.publishImageStatus(ctx, req.JobID, imageID, "STARTED", 0)
	return nil
}

func (s *Scheduler) narrowToROI(ctx context.Context, imageID, imageURL, roi string, regions []model.Bounds) ([]model.Bounds, error) {
	if s.sensors == nil {
		return nil, fmt.Errorf("no sensor model cache configured")
	}
	worldBound, err := parseWKTPolygonBound(roi)
	if err != nil {
		return nil, err
	}
	sensorModel, err := s.sensors.Get(imageID, imageURL)
	if err != nil {
		return nil, err
	}
	roiBounds, err := projectROIToImage(sensorModel, worldBound)
	if err != nil {
		return nil, err
	}
	return FilterByROI(regions, roiBounds), nil
}

// Finalize aggregates an image's feature buckets and writes the result
// to every configured sink. It is the Finalizer the region processor
// (C5) invokes once an image's last region terminates.
func (s *Scheduler) Finalize(ctx context.Context, imageID string) error {
	logger := slog.With("image_id", imageID)

	item, err := s.store.GetImage(ctx, imageID)
	if err != nil {
		return fmt.Errorf("load image %s: %w", imageID, err)
	}

	buckets, err := s.store.GetAllFeatureBuckets(ctx, imageID)
	if err != nil {
		return fmt.Errorf("load feature buckets for %s: %w", imageID, err)
	}

	var survivors []model.Feature
	for _, raw := range buckets {
		features, err := aggregate.DecodeBucket(raw)
		if err != nil {
			logger.Error("failed to decode feature bucket, skipping", "error", err)
			continue
		}
		survivors = append(survivors, aggregate.NonMaxSuppress(features, aggregate.DefaultIoUThreshold)...)
	}

	if s.sensors != nil {
		s.sensors.Evict(imageID)
	}

	for _, spec := range item.Outputs {
		dst, err := s.buildSink(ctx, spec)
		if err != nil {
			logger.Error("failed to build result sink", "type", spec.Type, "error", err)
			continue
		}
		if err := dst.Write(ctx, imageID, item.ImageURL, survivors); err != nil {
			logger.Error("failed to write result", "type", spec.Type, "error", err)
		}
	}

	logger.Info("image finalized", "feature_count", len(survivors), "bucket_count", len(buckets))
	s.publishImageStatus(ctx, item.JobID, imageID, item.TerminalStatus(), 0)
	return nil
}

func (s *Scheduler) publishImageStatus(ctx context.Context, jobID, imageID, status string, dur time.Duration) {
	if s.status == nil {
		return
	}
	s.status.PublishImage(ctx, worker.StatusEvent{
		JobID: jobID, ImageID: imageID, Status: status, ProcessingDuration: dur,
	})
}
