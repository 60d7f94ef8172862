package access

import (
	"context"
	"testing"
	"time"
)

// Property: ActivityTracker.total equals the sum of its buckets after any
// sequence of record_request calls.
func TestGroupActivityTotalEqualsSumOfBuckets(t *testing.T) {
	ga := newGroupActivity(150, 5*time.Minute)
	now := time.Now()
	for i := 0; i < 10; i++ {
		ga.recordRequest(now)
	}
	var sum int64
	for _, b := range ga.buckets {
		sum += b
	}
	if sum != ga.total {
		t.Fatalf("total=%d does not equal bucket sum=%d", ga.total, sum)
	}
	if ga.total != 10 {
		t.Fatalf("expected total 10, got %d", ga.total)
	}
}

// Scenario 5: 300 uniform requests over 300s should yield rps close to 1.0.
func TestGroupActivityRPSApproximatelyOne(t *testing.T) {
	ga := newGroupActivity(150, 5*time.Minute)
	base := time.Now()
	for i := 0; i < 300; i++ {
		ga.recordRequest(base.Add(time.Duration(i) * time.Second))
	}
	rps := ga.rps(base.Add(299*time.Second), 5*time.Minute)
	if rps < 0.5 || rps > 1.5 {
		t.Fatalf("expected rps near 1.0, got %f", rps)
	}
}

// After a long silence, rps should decay toward zero as buckets age out.
func TestGroupActivityDecaysToZeroAfterSilence(t *testing.T) {
	ga := newGroupActivity(150, 5*time.Minute)
	base := time.Now()
	ga.recordRequest(base)
	rps := ga.rps(base.Add(10*time.Minute), 5*time.Minute)
	if rps != 0 {
		t.Fatalf("expected rps 0 after long silence, got %f", rps)
	}
}

func TestComputePeriodMonotoneAndBounded(t *testing.T) {
	tracker := NewActivityTracker(LogSink{}, nil)

	prev := tracker.computePeriod(0.001)
	if prev != tracker.maxPeriod {
		t.Fatalf("expected rps near zero to yield maxPeriod, got %v", prev)
	}

	rates := []float64{0.01, 0.1, 1, 10, 100, 1000, 10000, 100000}
	last := tracker.maxPeriod + time.Second // sentinel greater than any valid period
	for _, rps := range rates {
		period := tracker.computePeriod(rps)
		if period > last {
			t.Fatalf("compute_period not monotone non-increasing: rps=%f period=%v prev=%v", rps, period, last)
		}
		if period < tracker.minPeriod || period > tracker.maxPeriod {
			t.Fatalf("compute_period out of bounds: rps=%f period=%v", rps, period)
		}
		last = period
	}
}

// Property: for any rps <= 0 the group's refresh task exits within one
// period iteration. A short activity window lets the one recorded request
// age out (rps drops to 0) quickly, and a short max period keeps the test
// fast.
func TestActivityTrackerRefreshTaskExitsWhenIdle(t *testing.T) {
	tracker := NewActivityTracker(LogSink{}, func(ctx context.Context, group string) {})
	tracker.window = 100 * time.Millisecond
	tracker.maxPeriod = 50 * time.Millisecond
	tracker.minPeriod = 10 * time.Millisecond

	tracker.RecordRequest("g")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tracker.mu.Lock()
		_, alive := tracker.groups["g"]
		tracker.mu.Unlock()
		if !alive {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected refresh task for idle group to exit within bound")
}
