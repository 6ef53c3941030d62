// Package runtime wires together one process's concrete collaborators —
// state store, queues, status monitor, capacity throttle, sensor model
// cache, result sinks, and detectors — behind the narrow interfaces that
// internal/scheduler, internal/region, and internal/worker each declare
// for themselves. cmd/model-runner constructs a Runtime once at startup
// and drives its queue listeners.
package runtime

import (
	"context"
	"fmt"
	goruntime "runtime"

	"github.com/mumuon/model-runner/internal/config"
	"github.com/mumuon/model-runner/internal/geo"
	"github.com/mumuon/model-runner/internal/model"
	"github.com/mumuon/model-runner/internal/queue"
	"github.com/mumuon/model-runner/internal/raster"
	"github.com/mumuon/model-runner/internal/reaper"
	"github.com/mumuon/model-runner/internal/region"
	"github.com/mumuon/model-runner/internal/scheduler"
	"github.com/mumuon/model-runner/internal/sink"
	"github.com/mumuon/model-runner/internal/status"
	"github.com/mumuon/model-runner/internal/store"
	"github.com/mumuon/model-runner/internal/throttle"
	"github.com/mumuon/model-runner/internal/worker"
)

// Runtime holds every concrete collaborator one model-runner process
// needs, plus the two higher-level drivers (Scheduler, Region) built on
// top of them.
type Runtime struct {
	Config *config.Config

	Store       *store.Store
	ImageQueue  *queue.Queue
	RegionQueue *queue.Queue
	Status      *StatusAdapter
	Throttle    *throttle.Throttle
	Sensors     *geo.Cache
	Opener      raster.Opener

	Scheduler *scheduler.Scheduler
	Region    *region.Processor
	Reaper    *reaper.Reaper

	detectors *detectorCache
}

// Build constructs a Runtime from cfg. opener and sensorFactory are the
// two collaborators this system never implements itself (raster I/O and
// sensor-model construction are supplied by the deployment, per
// SPEC_FULL.md §6); sensorFactory may be nil for deployments that only
// ever run in pixel space (no sinks require world coordinates).
func Build(ctx context.Context, cfg *config.Config, opener raster.Opener, sensorFactory geo.Factory) (*Runtime, error) {
	st, err := store.Open(ctx, cfg.Database, cfg.Tables)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	imageQueue, err := queue.Open(ctx, cfg.AWSRegion, cfg.Queues.ImageQueue)
	if err != nil {
		return nil, fmt.Errorf("open image queue: %w", err)
	}
	regionQueue, err := queue.Open(ctx, cfg.AWSRegion, cfg.Queues.RegionQueue)
	if err != nil {
		return nil, fmt.Errorf("open region queue: %w", err)
	}

	monitor, err := status.New(ctx, cfg.AWSRegion, cfg.Topics.ImageStatusTopic, cfg.Topics.RegionStatusTopic, cfg.Topics.TileStatusTopic)
	if err != nil {
		return nil, fmt.Errorf("open status monitor: %w", err)
	}
	adapter := NewStatusAdapter(monitor)

	thr := throttle.New(st, cfg.Capacity.ThrottlingEnabled)
	var sensors *geo.Cache
	if sensorFactory != nil {
		sensors = geo.NewCache(sensorFactory)
	}

	rt := &Runtime{
		Config:      cfg,
		Store:       st,
		ImageQueue:  imageQueue,
		RegionQueue: regionQueue,
		Status:      adapter,
		Throttle:    thr,
		Sensors:     sensors,
		Opener:      opener,
		detectors:   newDetectorCache(),
	}

	rt.Scheduler = scheduler.New(st, regionQueue, opener, sensors, adapter, rt.buildSink, scheduler.DefaultRegionSize)
	rt.Region = region.New(st, adapter, rt.Scheduler.Finalize)
	rt.Reaper = reaper.New(st, thr, regionQueue, cfg.Reaper.RegionLeaseVisibility, cfg.Reaper.PollInterval)

	return rt, nil
}

// Close releases the runtime's long-lived resources.
func (rt *Runtime) Close() error {
	return rt.Store.Close()
}

// buildSink constructs the Sink for one configured output destination,
// satisfying scheduler.SinkBuilder.
func (rt *Runtime) buildSink(ctx context.Context, spec model.SinkSpec) (sink.Sink, error) {
	switch spec.Type {
	case "S3":
		return sink.NewS3Sink(ctx, rt.Config.AWSRegion, spec)
	case "Kinesis":
		return sink.NewKinesisSink(ctx, rt.Config.AWSRegion, spec, rt.Config.Detector.KinesisMaxRecordSize)
	default:
		return nil, fmt.Errorf("unrecognized sink type %q", spec.Type)
	}
}

// BuildPool opens msg's image for cropping and assembles a worker.Pool
// ready to process its region's tiles. The caller is responsible for
// closing the returned Raster once the region completes.
func (rt *Runtime) BuildPool(ctx context.Context, msg scheduler.RegionMessage) (*worker.Pool, raster.Raster, error) {
	rst, err := rt.Opener.Open(ctx, msg.ImageURL, msg.ImageReadRole, msg.Format, msg.Compression)
	if err != nil {
		return nil, nil, fmt.Errorf("open image %s: %w", msg.ImageURL, err)
	}

	d, async, err := rt.detectors.get(ctx, rt.Config.AWSRegion, rt.Config.Staging, rt.Config.Detector, msg.ModelName, msg.AssumedRole, msg.InvokeMode)
	if err != nil {
		rst.Close()
		return nil, nil, err
	}

	concurrency := rt.Config.Capacity.DefaultInstanceConcurrency
	if msg.InvokeMode == model.HTTPEndpoint {
		concurrency = rt.Config.Capacity.DefaultHTTPEndpointConcurrency
	}
	if err := rt.Throttle.Bootstrap(ctx, msg.ModelName, concurrency, 1, rt.Config.Capacity.CapacityTargetPercentage); err != nil {
		rst.Close()
		return nil, nil, fmt.Errorf("bootstrap endpoint capacity for %s: %w", msg.ModelName, err)
	}

	workers := rt.Config.Workers.Workers
	if workers <= 0 {
		workers = rt.Config.Workers.WorkersPerCPU * goruntime.NumCPU()
	}

	pool := worker.New(workers, rst, d, async, msg.InvokeMode, rt.Sensors, msg.TileSize, msg.TileOverlap, rt.Store, rt.Status, rt.Throttle, msg.ModelName)
	return pool, rst, nil
}
