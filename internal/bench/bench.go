// Package bench provides the warm-up/timed-iteration harness used to
// compare backend latencies.
package bench

import "time"

const (
	DefaultWarmup = 50
	DefaultIters  = 100
)

// Measure runs op warmup times untimed to absorb one-time initialization
// cost, then iters timed iterations, and returns the average wall-clock per
// call.
func Measure(op func(), warmup, iters int) time.Duration {
	if iters <= 0 {
		return 0
	}
	for i := 0; i < warmup; i++ {
		op()
	}
	start := time.Now()
	for i := 0; i < iters; i++ {
		op()
	}
	return time.Since(start) / time.Duration(iters)
}
