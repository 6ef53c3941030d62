package runtime

import (
	"context"

	"github.com/mumuon/model-runner/internal/status"
	"github.com/mumuon/model-runner/internal/worker"
)

// StatusAdapter bridges internal/status.Monitor's status.Event-shaped
// methods onto the worker.StatusEvent-shaped publisher interfaces that
// internal/worker, internal/region, and internal/scheduler each declare
// locally to avoid importing internal/status directly. One adapter
// satisfies all three.
type StatusAdapter struct {
	monitor *status.Monitor
}

// NewStatusAdapter wraps an *status.Monitor.
func NewStatusAdapter(monitor *status.Monitor) *StatusAdapter {
	return &StatusAdapter{monitor: monitor}
}

func (a *StatusAdapter) PublishImage(ctx context.Context, ev worker.StatusEvent) {
	a.monitor.PublishImage(ctx, toStatusEvent(ev))
}

func (a *StatusAdapter) PublishRegion(ctx context.Context, ev worker.StatusEvent) {
	a.monitor.PublishRegion(ctx, toStatusEvent(ev))
}

func (a *StatusAdapter) PublishTile(ctx context.Context, ev worker.StatusEvent) {
	a.monitor.PublishTile(ctx, toStatusEvent(ev))
}

func toStatusEvent(ev worker.StatusEvent) status.Event {
	return status.Event{
		JobID:              ev.JobID,
		ImageID:            ev.ImageID,
		RegionID:           ev.RegionID,
		TileID:             ev.TileID,
		Status:             ev.Status,
		ProcessingDuration: ev.ProcessingDuration,
		Message:            ev.Message,
	}
}
