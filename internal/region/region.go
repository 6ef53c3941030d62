// Package region implements C5: consuming one region request, generating
// its tile grid, driving the tile worker pool, and recording the
// region's outcome — triggering image-level aggregation and sinking once
// the owning image becomes complete.
package region

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mumuon/model-runner/internal/model"
	"github.com/mumuon/model-runner/internal/worker"
)

// Store is the subset of the state store the region processor needs.
type Store interface {
	StartRegion(ctx context.Context, item *model.RegionRequestItem) error
	GetRegion(ctx context.Context, regionID string) (*model.RegionRequestItem, error)
	CompleteRegion(ctx context.Context, imageID string, failed bool) error
	IsImageComplete(ctx context.Context, imageID string) (bool, error)
	EndImage(ctx context.Context, imageID string, at time.Time) error
	GetImage(ctx context.Context, imageID string) (*model.ImageRequestItem, error)
}

// StatusPublisher is the subset of the status monitor used at region
// granularity.
type StatusPublisher interface {
	PublishRegion(ctx context.Context, ev worker.StatusEvent)
}

// Finalizer is invoked once an image's last region completes: it
// aggregates and sinks the image's features (C3 + C9). Kept as an
// injected function rather than a direct internal/scheduler import;
// internal/runtime, which imports both packages, passes Scheduler.Finalize.
type Finalizer func(ctx context.Context, imageID string) error

// Processor drives one region request to completion.
type Processor struct {
	store     Store
	status    StatusPublisher
	finalize  Finalizer
}

// New constructs a Processor.
func New(store Store, status StatusPublisher, finalize Finalizer) *Processor {
	return &Processor{store: store, status: status, finalize: finalize}
}

// Request is everything the processor needs to run one region: its
// bounds, the pool to drive the tiles through, and identifying fields.
// The ModelName/InvokeMode/AssumedRole/ImageReadRole fields are not used
// to process the region itself (the pool already knows them) — they are
// persisted on the region record so the reaper (§4.7) can rebuild this
// same Request and requeue it if the worker processing it dies.
type Request struct {
	JobID         string
	ImageID       string
	ImageURL      string
	ImageReadRole string
	RegionID      string
	Bounds        model.Bounds

	TileSize    model.Dimension
	TileOverlap model.Dimension
	Format      model.TileFormat
	Compression model.TileCompression

	ModelName   string
	InvokeMode  model.InvokeMode
	AssumedRole string

	Pool *worker.Pool
}

// Process generates the tile grid for req.Bounds, runs it through
// req.Pool, records the outcome, and finalizes the image if this was its
// last outstanding region.
func (p *Processor) Process(ctx context.Context, req Request) error {
	logger := slog.With("region_id", req.RegionID, "image_id", req.ImageID)

	tiles := GenerateTileGrid(req.Bounds, req.TileSize, req.TileOverlap)
	tileItems := make([]model.TileRequestItem, 0, len(tiles))
	for _, b := range tiles {
		tileItems = append(tileItems, model.TileRequestItem{
			TileID:      uuid.NewString(),
			RegionID:    req.RegionID,
			ImageID:     req.ImageID,
			JobID:       req.JobID,
			ImageURL:    req.ImageURL,
			Bounds:      b,
			Format:      req.Format,
			Compression: req.Compression,
			Status:      model.TilePending,
		})
	}

	if err := p.store.StartRegion(ctx, &model.RegionRequestItem{
		JobID: req.JobID, ImageID: req.ImageID, RegionID: req.RegionID,
		Bounds: req.Bounds, StartTime: time.Now(), TotalTiles: len(tileItems),
		ImageURL: req.ImageURL, ImageReadRole: req.ImageReadRole,
		TileSize: req.TileSize, TileOverlap: req.TileOverlap,
		Format: req.Format, Compression: req.Compression,
		ModelName: req.ModelName, InvokeMode: req.InvokeMode, AssumedRole: req.AssumedRole,
	}); err != nil {
		return fmt.Errorf("start region %s: %w", req.RegionID, err)
	}

	start := time.Now()
	results := req.Pool.Run(ctx, tileItems)

	anyFailed := false
	for _, r := range results {
		if r.Failed {
			anyFailed = true
		}
	}

	if err := p.store.CompleteRegion(ctx, req.ImageID, anyFailed); err != nil {
		logger.Error("failed to record region completion", "error", err)
	}

	regionItem, err := p.store.GetRegion(ctx, req.RegionID)
	status := "SUCCESS"
	if err == nil {
		status = regionItem.TerminalStatus()
	}
	p.publishRegionStatus(ctx, req, status, time.Since(start))

	complete, err := p.store.IsImageComplete(ctx, req.ImageID)
	if err != nil {
		return fmt.Errorf("check image completion %s: %w", req.ImageID, err)
	}
	if complete {
		if err := p.store.EndImage(ctx, req.ImageID, time.Now()); err != nil {
			logger.Error("failed to end image", "error", err)
		}
		if err := p.finalize(ctx, req.ImageID); err != nil {
			return fmt.Errorf("finalize image %s: %w", req.ImageID, err)
		}
	}

	return nil
}

func (p *Processor) publishRegionStatus(ctx context.Context, req Request, status string, dur time.Duration) {
	if p.status == nil {
		return
	}
	p.status.PublishRegion(ctx, worker.StatusEvent{
		JobID: req.JobID, ImageID: req.ImageID, RegionID: req.RegionID,
		Status: status, ProcessingDuration: dur,
	})
}
