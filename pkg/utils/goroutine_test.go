package utils

import (
	"fmt"
	"testing"
	"time"
)

// recordingTB captures failures instead of failing the real test
type recordingTB struct {
	testing.TB
	failures []string
	cleanups []func()
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(format string, args ...any) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func (r *recordingTB) Cleanup(f func()) {
	r.cleanups = append(r.cleanups, f)
}

func TestGoroutineLeakDetector(t *testing.T) {
	t.Run("NoLeak", func(t *testing.T) {
		detector := NewGoroutineLeakDetector(t).Start()

		ch := make(chan struct{})
		go func() {
			ch <- struct{}{}
		}()
		<-ch

		detector.Check()
	})

	t.Run("WaitsForExitingGoroutines", func(t *testing.T) {
		detector := NewGoroutineLeakDetector(t).Start()

		go func() {
			time.Sleep(50 * time.Millisecond)
		}()

		detector.Check()
	})

	t.Run("DetectsLeak", func(t *testing.T) {
		rec := &recordingTB{TB: t}
		detector := NewGoroutineLeakDetector(rec).
			SetSettleTimeout(100 * time.Millisecond).
			Start()

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			<-stop
		}()

		detector.Check()

		if len(rec.failures) == 0 {
			t.Error("expected the detector to report a leak")
		}
	})

	t.Run("AllowedGrowth", func(t *testing.T) {
		rec := &recordingTB{TB: t}
		detector := NewGoroutineLeakDetector(rec).
			SetSettleTimeout(50 * time.Millisecond).
			SetAllowedGrowth(1).
			Start()

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			<-stop
		}()

		detector.Check()

		if len(rec.failures) != 0 {
			t.Errorf("one extra goroutine is allowed, got failures: %v", rec.failures)
		}
	})

	t.Run("CheckOnCleanup", func(t *testing.T) {
		rec := &recordingTB{TB: t}
		NewGoroutineLeakDetector(rec).CheckOnCleanup()

		if len(rec.cleanups) != 1 {
			t.Fatalf("expected one registered cleanup, got %d", len(rec.cleanups))
		}
		rec.cleanups[0]()
		if len(rec.failures) != 0 {
			t.Errorf("unexpected failures: %v", rec.failures)
		}
	})
}
