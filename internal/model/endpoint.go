package model

// EndpointStatistics tracks in-flight invocation credits against one
// inference endpoint's configured capacity (C7).
type EndpointStatistics struct {
	EndpointName    string
	MaxInProgress   int
	InProgress      int
}

// DeriveMaxInProgress computes the capacity budget the way the original
// tile_status_monitor/enhanced_factory bootstrap does: instance
// concurrency times instance count times a target percentage, with the
// percentage defaulting to 1.0 (with a caller-side warning) when
// misconfigured at or below zero.
func DeriveMaxInProgress(instanceConcurrency, instanceCount int, capacityTargetPercentage float64) int {
	if capacityTargetPercentage <= 0 {
		capacityTargetPercentage = 1.0
	}
	budget := float64(instanceConcurrency*instanceCount) * capacityTargetPercentage
	if budget < 1 {
		return 1
	}
	return int(budget)
}
