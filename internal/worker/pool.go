// Package worker is the tile worker pool (C4): a bounded set of workers
// sharing one unbounded work channel, following the parallel-goroutines-
// plus-result-channel shape the teacher uses in service.go's
// ProcessJobWithOptions and the many-worker upload pool in s3.go.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"

	"github.com/mumuon/model-runner/internal/aggregate"
	"github.com/mumuon/model-runner/internal/detector"
	"github.com/mumuon/model-runner/internal/geo"
	"github.com/mumuon/model-runner/internal/model"
	"github.com/mumuon/model-runner/internal/raster"
)

// FeatureStore is the subset of the state store the pool needs for
// persisting detections, narrowed for testability.
type FeatureStore interface {
	PutFeatures(ctx context.Context, imageID, bucketKey string, encoded []byte) error
	CompleteTile(ctx context.Context, regionID, tileID string, failed bool) error
}

// StatusPublisher is the subset of the status monitor the pool uses.
type StatusPublisher interface {
	PublishTile(ctx context.Context, ev StatusEvent)
}

// CapacityGate is the subset of the capacity throttle (C7) the pool
// consults before every endpoint invocation, and returns credit to after.
type CapacityGate interface {
	Acquire(ctx context.Context, endpointName string, n int) (bool, error)
	Release(ctx context.Context, endpointName string, n int) error
}

// acquirePollInterval is how long a worker waits before retrying a denied
// capacity acquisition. Kept short: the endpoint's in-flight count is
// expected to free up within a few invocations' worth of latency.
const acquirePollInterval = 250 * time.Millisecond

// StatusEvent mirrors internal/status.Event so this package doesn't need
// to import internal/status directly (avoiding a cycle risk as the
// runtime wires concrete types together).
type StatusEvent struct {
	JobID, ImageID, RegionID, TileID string
	Status                           string
	ProcessingDuration               time.Duration
	Message                          string
}

// Result is one tile's terminal outcome, reported back to the region
// processor (C5) so it can decide whether the region failed. The pool
// itself records each tile in the RegionRequestItem via CompleteTile.
type Result struct {
	Tile    model.TileRequestItem
	Failed  bool
	Err     error
}

// Pool runs a bounded number of tile workers against one region's tiles.
type Pool struct {
	workers   int
	raster    raster.Raster
	detector  detector.Detector
	async     detector.AsyncDetector
	invokeMode model.InvokeMode
	sensors   *geo.Cache
	tileSize  model.Dimension
	overlap   model.Dimension
	store     FeatureStore
	status    StatusPublisher

	gate         CapacityGate
	endpointName string
}

// New constructs a Pool. async is nil when invokeMode is SMEndpoint; d is
// nil when invokeMode is HTTPEndpoint — exactly one detector variant is
// wired per endpoint, matching the tagged-variant design note. gate may
// be nil, in which case invocations proceed unthrottled.
func New(workers int, rst raster.Raster, d detector.Detector, async detector.AsyncDetector, invokeMode model.InvokeMode, sensors *geo.Cache, tileSize, overlap model.Dimension, st FeatureStore, status StatusPublisher, gate CapacityGate, endpointName string) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		workers: workers, raster: rst, detector: d, async: async,
		invokeMode: invokeMode, sensors: sensors,
		tileSize: tileSize, overlap: overlap, store: st, status: status,
		gate: gate, endpointName: endpointName,
	}
}

// Run feeds tiles through the pool and returns once every tile has
// reached a terminal local outcome (for async mode, "terminal" means
// "successfully dispatched": the tile is reported as not failed, and
// neither the pool nor the region processor fetches its result, persists
// its features or records it via CompleteTile). Closing the internal work
// channel after all tiles are sent is this pool's shutdown sentinel —
// each worker drains it and exits once empty and closed.
func (p *Pool) Run(ctx context.Context, tiles []model.TileRequestItem) []Result {
	jobs := make(chan model.TileRequestItem, len(tiles))
	results := make(chan Result, len(tiles))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for tile := range jobs {
				results <- p.processOne(ctx, tile)
			}
		}(i)
	}

	for _, t := range tiles {
		jobs <- t
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]Result, 0, len(tiles))
	for r := range results {
		out = append(out, r)
	}
	return out
}

func (p *Pool) processOne(ctx context.Context, tile model.TileRequestItem) Result {
	logger := slog.With("tile_id", tile.TileID, "region_id", tile.RegionID, "image_id", tile.ImageID)
	start := time.Now()

	payload, err := p.raster.Crop(ctx, tile.Bounds)
	if err != nil {
		return p.fail(ctx, tile, fmt.Errorf("crop tile: %w", err), logger)
	}

	if err := p.acquire(ctx); err != nil {
		return p.fail(ctx, tile, fmt.Errorf("acquire endpoint capacity: %w", err), logger)
	}
	defer p.release(ctx)

	if p.invokeMode == model.HTTPEndpoint {
		inferenceID, outputLocation, err := p.async.InvokeAsync(ctx, payload)
		if err != nil {
			return p.fail(ctx, tile, fmt.Errorf("invoke async: %w", err), logger)
		}
		tile.Status = model.TileInProgress
		tile.InferenceID = inferenceID
		tile.OutputLocation = outputLocation
		logger.Info("tile dispatched asynchronously", "inference_id", inferenceID)
		p.publishStatus(ctx, tile, string(model.TileInProgress), time.Since(start), "")
		return Result{Tile: tile, Failed: false}
	}

	fc, err := p.detector.FindFeatures(ctx, payload)
	if err != nil {
		return p.fail(ctx, tile, fmt.Errorf("invoke endpoint: %w", err), logger)
	}

	if err := p.persist(ctx, tile, fc); err != nil {
		return p.fail(ctx, tile, err, logger)
	}

	tile.Status = model.TileSuccess
	if err := p.store.CompleteTile(ctx, tile.RegionID, tile.TileID, false); err != nil {
		logger.Error("failed to record tile success", "error", err)
	}
	p.publishStatus(ctx, tile, string(model.TileSuccess), time.Since(start), "")
	return Result{Tile: tile, Failed: false}
}

// persist translates a sync detector's features from tile-local to
// full-image pixel coordinates, geolocates them if a sensor model is
// available for the image, and writes each into its tile-bucket row.
func (p *Pool) persist(ctx context.Context, tile model.TileRequestItem, fc *geojson.FeatureCollection) error {
	var sensorModel geo.SensorModel
	if p.sensors != nil {
		m, err := p.sensors.Get(tile.ImageID, tile.ImageURL)
		if err == nil {
			sensorModel = m
		}
	}

	buckets := make(map[string][]model.Feature)
	for _, gf := range fc.Features {
		bbox, score, types := decodeDetection(gf)
		full := [4]float64{
			bbox[0] + float64(tile.Bounds.ULCol), bbox[1] + float64(tile.Bounds.ULRow),
			bbox[2] + float64(tile.Bounds.ULCol), bbox[3] + float64(tile.Bounds.ULRow),
		}

		f := model.Feature{
			ID:             uuid.NewString(),
			ImageID:        tile.ImageID,
			TileID:         tile.TileID,
			BoundsImcoords: full,
			Score:          score,
			FeatureTypes:   types,
		}
		if sensorModel != nil {
			if world, err := geo.GeolocateFeature(sensorModel, full); err == nil {
				f.Geometry = world
			}
		}

		key := aggregate.DeriveTileBucketKey(tile.ImageID, full, p.tileSize, p.overlap).String()
		buckets[key] = append(buckets[key], f)
	}

	for key, features := range buckets {
		encoded, err := aggregate.EncodeBucket(features)
		if err != nil {
			return fmt.Errorf("encode features for bucket %s: %w", key, err)
		}
		if err := p.store.PutFeatures(ctx, tile.ImageID, key, encoded); err != nil {
			return fmt.Errorf("persist features for bucket %s: %w", key, err)
		}
	}
	return nil
}

// acquire blocks until a capacity credit is available for the pool's
// endpoint, polling at acquirePollInterval. A nil gate (throttling
// disabled, or no endpoint to throttle) always succeeds immediately.
func (p *Pool) acquire(ctx context.Context) error {
	if p.gate == nil {
		return nil
	}
	for {
		ok, err := p.gate.Acquire(ctx, p.endpointName, 1)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

func (p *Pool) release(ctx context.Context) {
	if p.gate == nil {
		return
	}
	if err := p.gate.Release(ctx, p.endpointName, 1); err != nil {
		slog.Error("failed to release endpoint capacity", "endpoint", p.endpointName, "error", err)
	}
}

func (p *Pool) fail(ctx context.Context, tile model.TileRequestItem, err error, logger *slog.Logger) Result {
	logger.Error("tile processing failed", "error", err)
	tile.Status = model.TileFailed
	tile.RetryCount++
	if cerr := p.store.CompleteTile(ctx, tile.RegionID, tile.TileID, true); cerr != nil {
		logger.Error("failed to record tile failure", "error", cerr)
	}
	p.publishStatus(ctx, tile, string(model.TileFailed), 0, err.Error())
	return Result{Tile: tile, Failed: true, Err: err}
}

func (p *Pool) publishStatus(ctx context.Context, tile model.TileRequestItem, status string, dur time.Duration, message string) {
	if p.status == nil {
		return
	}
	p.status.PublishTile(ctx, StatusEvent{
		JobID: tile.JobID, ImageID: tile.ImageID, RegionID: tile.RegionID, TileID: tile.TileID,
		Status: status, ProcessingDuration: dur, Message: message,
	})
}

// decodeDetection reads the endpoint response's per-feature properties,
// following the same bounds_imcoords/detection_score/feature_types
// convention this system's own result sink emits.
func decodeDetection(gf *geojson.Feature) (bbox [4]float64, score float64, types []string) {
	if raw, ok := gf.Properties["bounds_imcoords"].([]interface{}); ok && len(raw) == 4 {
		for i, v := range raw {
			if f, ok := v.(float64); ok {
				bbox[i] = f
			}
		}
	} else if b := gf.Geometry.Bound(); !b.IsEmpty() {
		bbox = [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
	}

	score = gf.Properties.MustFloat64("detection_score", 0)

	if raw, ok := gf.Properties["feature_types"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				types = append(types, s)
			}
		}
	}
	return bbox, score, types
}
