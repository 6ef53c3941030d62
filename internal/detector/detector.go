// Package detector implements the inference-endpoint collaborator
// contract (§6) for the two supported invocation modes. Both
// implementations are wrapped by a per-endpoint circuit breaker
// (github.com/sony/gobreaker) layered on top of the counted capacity
// throttle in internal/throttle, and by the jittered-backoff retry
// wrapper in internal/retry for transient failures.
package detector

import (
	"context"

	"github.com/paulmach/orb/geojson"
)

// Detector is the tagged-variant capability set the design notes call
// for in place of a class hierarchy: exactly one of the two invocation
// shapes is used per endpoint, selected at construction time by
// model.InvokeMode, never by runtime type-switching.
type Detector interface {
	// FindFeatures invokes a synchronous endpoint with payload and
	// returns its detections directly.
	FindFeatures(ctx context.Context, payload []byte) (*geojson.FeatureCollection, error)
}

// AsyncDetector is the asynchronous HTTP_ENDPOINT variant: invocation
// returns an inference id and output location immediately, and the
// result is fetched later once a completion event arrives.
type AsyncDetector interface {
	InvokeAsync(ctx context.Context, payload []byte) (inferenceID, outputLocation string, err error)
	FetchResult(ctx context.Context, outputLocation string) (*geojson.FeatureCollection, error)
}
