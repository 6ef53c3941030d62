// Package reaper implements the periodic stuck-lease recovery named in
// SPEC_FULL.md §4.7: a worker process that dies mid-region leaves its
// capacity credits held and its remaining tiles never dispatched. The
// reaper scans for regions started long enough ago that they should have
// finished, releases the capacity their unfinished tiles were holding,
// and requeues the region so another worker process picks it up.
package reaper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mumuon/model-runner/internal/model"
)

// Store is the subset of the state store the reaper scans.
type Store interface {
	GetStaleRegions(ctx context.Context, cutoff time.Time) ([]*model.RegionRequestItem, error)
}

// CapacityReleaser is the subset of the capacity throttle the reaper
// returns leaked credits to.
type CapacityReleaser interface {
	Release(ctx context.Context, endpointName string, n int) error
}

// RegionEnqueuer is the narrow view of the region queue the reaper
// requeues onto — the same queue C6 dispatches region requests to.
type RegionEnqueuer interface {
	Send(ctx context.Context, body string) error
}

// RegionMessage mirrors internal/scheduler.RegionMessage's wire shape.
// Reaper does not import internal/scheduler (region ownership flows the
// other way: scheduler -> region -> worker) so it declares its own copy
// of the fields it needs to requeue a region; the JSON tags must stay in
// sync with scheduler.RegionMessage.
type RegionMessage struct {
	JobID         string       `json:"jobId"`
	ImageID       string       `json:"imageId"`
	ImageURL      string       `json:"imageUrl"`
	ImageReadRole string       `json:"imageReadRole,omitempty"`
	RegionID      string       `json:"regionId"`
	Bounds        model.Bounds `json:"bounds"`

	TileSize    model.Dimension       `json:"tileSize"`
	TileOverlap model.Dimension       `json:"tileOverlap"`
	Format      model.TileFormat      `json:"format"`
	Compression model.TileCompression `json:"compression"`

	ModelName   string           `json:"modelName"`
	InvokeMode  model.InvokeMode `json:"invokeMode"`
	AssumedRole string           `json:"assumedRole,omitempty"`
}

// Reaper periodically sweeps for abandoned regions.
type Reaper struct {
	store       Store
	capacity    CapacityReleaser
	regionQueue RegionEnqueuer

	leaseVisibility time.Duration
	pollInterval    time.Duration
}

// New constructs a Reaper. leaseVisibility is how long a region may run
// before it is considered abandoned; pollInterval is how often to sweep.
func New(store Store, capacity CapacityReleaser, regionQueue RegionEnqueuer, leaseVisibility, pollInterval time.Duration) *Reaper {
	return &Reaper{
		store: store, capacity: capacity, regionQueue: regionQueue,
		leaseVisibility: leaseVisibility, pollInterval: pollInterval,
	}
}

// Run sweeps on pollInterval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.leaseVisibility)
	stale, err := r.store.GetStaleRegions(ctx, cutoff)
	if err != nil {
		slog.Error("reaper failed to scan for stale regions", "error", err)
		return
	}
	for _, region := range stale {
		r.reclaim(ctx, region)
	}
}

func (r *Reaper) reclaim(ctx context.Context, region *model.RegionRequestItem) {
	logger := slog.With("region_id", region.RegionID, "image_id", region.ImageID)

	if remaining := region.RemainingTiles(); remaining > 0 {
		if err := r.capacity.Release(ctx, region.ModelName, remaining); err != nil {
			logger.Error("failed to release leaked endpoint capacity", "remaining_tiles", remaining, "error", err)
		}
	}

	body, err := json.Marshal(RegionMessage{
		JobID: region.JobID, ImageID: region.ImageID, ImageURL: region.ImageURL,
		ImageReadRole: region.ImageReadRole, RegionID: region.RegionID, Bounds: region.Bounds,
		TileSize: region.TileSize, TileOverlap: region.TileOverlap,
		Format: region.Format, Compression: region.Compression,
		ModelName: region.ModelName, InvokeMode: region.InvokeMode, AssumedRole: region.AssumedRole,
	})
	if err != nil {
		logger.Error("failed to encode region message for requeue", "error", err)
		return
	}
	if err := r.regionQueue.Send(ctx, string(body)); err != nil {
		logger.Error("failed to requeue abandoned region", "error", err)
		return
	}

	logger.Warn("requeued abandoned region", "remaining_tiles", region.RemainingTiles())
}
