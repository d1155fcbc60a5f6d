// Package utils holds test helpers shared by the engine and driver tests.
package utils

import (
	"runtime"
	"testing"
	"time"
)

// GoroutineLeakDetector fails a test when goroutines started during it are
// still alive at the end. Transfers, pool connections and server sessions
// all run on their own goroutines, so a leak usually means a handle was
// not released.
type GoroutineLeakDetector struct {
	tb            testing.TB
	baseline      int
	allowedGrowth int
	pollInterval  time.Duration
	settleTimeout time.Duration
}

// NewGoroutineLeakDetector creates a detector for tb
func NewGoroutineLeakDetector(tb testing.TB) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		tb:            tb,
		pollInterval:  20 * time.Millisecond,
		settleTimeout: 2 * time.Second,
	}
}

// Start records the baseline goroutine count
func (d *GoroutineLeakDetector) Start() *GoroutineLeakDetector {
	d.baseline = runtime.NumGoroutine()
	return d
}

// CheckOnCleanup records the baseline now and checks for leaks when the
// test and its other cleanups have finished
func (d *GoroutineLeakDetector) CheckOnCleanup() {
	d.Start()
	d.tb.Cleanup(d.Check)
}

// Check polls until the goroutine count is back within the allowed growth
// over the baseline, and fails the test with a full stack dump if it does
// not settle in time.
func (d *GoroutineLeakDetector) Check() {
	d.tb.Helper()

	deadline := time.Now().Add(d.settleTimeout)
	count := runtime.NumGoroutine()
	for count-d.baseline > d.allowedGrowth && time.Now().Before(deadline) {
		time.Sleep(d.pollInterval)
		count = runtime.NumGoroutine()
	}

	if leaked := count - d.baseline; leaked > d.allowedGrowth {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		d.tb.Errorf("goroutine leak: baseline %d, now %d (leaked %d, allowed %d)\n%s",
			d.baseline, count, leaked, d.allowedGrowth, buf[:n])
	}
}

// SetAllowedGrowth sets how many extra goroutines are tolerated
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetSettleTimeout sets how long Check waits for goroutines to exit
func (d *GoroutineLeakDetector) SetSettleTimeout(timeout time.Duration) *GoroutineLeakDetector {
	d.settleTimeout = timeout
	return d
}
