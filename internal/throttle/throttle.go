// Package throttle implements C7: gating new work on an inference
// endpoint's configured capacity. Its Release is also what internal/reaper
// uses to recover capacity leaked by a worker process that died
// mid-processing.
package throttle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mumuon/model-runner/internal/model"
)

// EndpointStore is the subset of the state store throttle needs —
// narrowed to an interface so tests can substitute an in-memory fake
// instead of a real Postgres connection.
type EndpointStore interface {
	UpsertEndpoint(ctx context.Context, name string, maxInProgress int) error
	TryAcquireEndpoint(ctx context.Context, name string, n int) (bool, error)
	ReleaseEndpoint(ctx context.Context, name string, n int) error
}

// Throttle gates per-tile endpoint invocations (see internal/worker) on
// endpoint capacity.
type Throttle struct {
	store   EndpointStore
	enabled bool
}

// New constructs a Throttle. When enabled is false, Acquire always
// succeeds — this is the SCHEDULER_THROTTLING_ENABLED=false escape hatch.
func New(store EndpointStore, enabled bool) *Throttle {
	return &Throttle{store: store, enabled: enabled}
}

// Bootstrap registers endpointName's capacity budget, computed per
// model.DeriveMaxInProgress.
func (t *Throttle) Bootstrap(ctx context.Context, endpointName string, instanceConcurrency, instanceCount int, capacityTargetPercentage float64) error {
	maxInProgress := model.DeriveMaxInProgress(instanceConcurrency, instanceCount, capacityTargetPercentage)
	if err := t.store.UpsertEndpoint(ctx, endpointName, maxInProgress); err != nil {
		return fmt.Errorf("bootstrap endpoint %s: %w", endpointName, err)
	}
	slog.Info("endpoint capacity registered", "endpoint", endpointName, "max_in_progress", maxInProgress)
	return nil
}

// Acquire reserves n capacity credits against endpointName. When
// throttling is disabled it always succeeds without touching the store.
func (t *Throttle) Acquire(ctx context.Context, endpointName string, n int) (bool, error) {
	if !t.enabled {
		return true, nil
	}
	ok, err := t.store.TryAcquireEndpoint(ctx, endpointName, n)
	if err != nil {
		return false, fmt.Errorf("acquire %d on %s: %w", n, endpointName, err)
	}
	return ok, nil
}

// Release returns n capacity credits to endpointName. Safe to call even
// when throttling is disabled (it is then a no-op, matching Acquire, which
// never incremented the store).
func (t *Throttle) Release(ctx context.Context, endpointName string, n int) error {
	if !t.enabled {
		return nil
	}
	if err := t.store.ReleaseEndpoint(ctx, endpointName, n); err != nil {
		return fmt.Errorf("release %d on %s: %w", n, endpointName, err)
	}
	return nil
}
