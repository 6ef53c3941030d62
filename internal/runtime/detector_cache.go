package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/mumuon/model-runner/internal/config"
	"github.com/mumuon/model-runner/internal/detector"
	"github.com/mumuon/model-runner/internal/model"
)

// detectorCache builds and reuses one detector client per endpoint name,
// so the circuit breaker and SDK client backing each endpoint persist
// across regions rather than being rebuilt per tile worker pool.
type detectorCache struct {
	mu    sync.Mutex
	sync  map[string]detector.Detector
	async map[string]detector.AsyncDetector
}

func newDetectorCache() *detectorCache {
	return &detectorCache{sync: make(map[string]detector.Detector), async: make(map[string]detector.AsyncDetector)}
}

// get returns the Detector/AsyncDetector pair for endpointName and mode,
// exactly one of which is populated — the worker pool selects between
// them by invokeMode at construction time, never at call time.
func (c *detectorCache) get(ctx context.Context, region string, staging config.StagingConfig, detCfg config.DetectorConfig, endpointName, assumedRole string, mode model.InvokeMode) (detector.Detector, detector.AsyncDetector, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch mode {
	case model.SMEndpoint:
		if d, ok := c.sync[endpointName]; ok {
			return d, nil, nil
		}
		d, err := detector.NewSMDetector(ctx, region, endpointName, assumedRole)
		if err != nil {
			return nil, nil, fmt.Errorf("build sagemaker detector for %s: %w", endpointName, err)
		}
		c.sync[endpointName] = d
		return d, nil, nil

	case model.HTTPEndpoint:
		if a, ok := c.async[endpointName]; ok {
			return nil, a, nil
		}
		a, err := detector.NewHTTPDetector(ctx, region, assumedRole, endpointName, staging.Bucket, staging.Prefix, detCfg.HTTPTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("build http detector for %s: %w", endpointName, err)
		}
		c.async[endpointName] = a
		return nil, a, nil

	default:
		return nil, nil, fmt.Errorf("unrecognized invoke mode %q", mode)
	}
}
