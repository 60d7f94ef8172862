package access

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/go-while/ng-gateway/internal/config"
)

// groupActivity is a per-group moving-window request-rate counter: a ring
// buffer of ACTIVITY_BUCKETS counters, the bucket width being
// ACTIVITY_WINDOW/ACTIVITY_BUCKETS, per spec.md section 4.4.
type groupActivity struct {
	mu sync.Mutex

	buckets      []int64
	current      int
	bucketEpoch  int64
	total        int64
	bucketWidth  time.Duration

	cancel context.CancelFunc
}

func newGroupActivity(bucketCount int, window time.Duration) *groupActivity {
	return &groupActivity{
		buckets:     make([]int64, bucketCount),
		bucketWidth: window / time.Duration(bucketCount),
	}
}

// recordRequest implements spec.md's record_request(now): advance the ring
// buffer to the current bucket, zeroing and subtracting any buckets that
// elapsed, then increment the current bucket and running total.
func (g *groupActivity) recordRequest(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advanceLocked(now)
	g.buckets[g.current]++
	g.total++
}

// advanceLocked rolls the ring buffer forward to now without recording a
// request, used both by recordRequest and by rps() so a long-idle group
// reports a decayed rate rather than a stale one.
func (g *groupActivity) advanceLocked(now time.Time) {
	idxNow := now.UnixNano() / int64(g.bucketWidth)
	elapsed := idxNow - g.bucketEpoch
	n := int64(len(g.buckets))
	if elapsed <= 0 {
		return
	}
	if elapsed > n {
		elapsed = n
	}
	for i := int64(0); i < elapsed; i++ {
		g.current = (g.current + 1) % len(g.buckets)
		g.total -= g.buckets[g.current]
		g.buckets[g.current] = 0
	}
	g.bucketEpoch = idxNow
}

func (g *groupActivity) rps(now time.Time, window time.Duration) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advanceLocked(now)
	return float64(g.total) / window.Seconds()
}

// ActivityTracker maps newsgroup names to groupActivity counters and owns
// the per-group background-refresh task lifecycle, implementing the
// "owner-plus-handle" cancellation pattern of spec.md section 9: a second
// mark_group_active while a task is alive is a no-op, and any respawn
// cancels the prior task before starting a new one.
type ActivityTracker struct {
	mu     sync.Mutex
	groups map[string]*groupActivity

	buckets int
	window  time.Duration
	highRPS float64
	minPeriod, maxPeriod time.Duration

	sink    EventSink
	refresh func(ctx context.Context, group string)
}

// NewActivityTracker constructs a tracker. refresh is invoked from each
// group's background task (trigger_incremental_update in spec.md terms);
// the tracker owns scheduling, not the refresh logic itself.
func NewActivityTracker(sink EventSink, refresh func(ctx context.Context, group string)) *ActivityTracker {
	return &ActivityTracker{
		groups:    map[string]*groupActivity{},
		buckets:   config.DefaultActivityBuckets,
		window:    config.DefaultActivityWindow,
		highRPS:   config.DefaultActivityHighRPS,
		minPeriod: config.DefaultMinRefreshPeriod,
		maxPeriod: config.DefaultMaxRefreshPeriod,
		sink:      sink,
		refresh:   refresh,
	}
}

// RecordRequest records one request against group and, if no background
// task is alive for it yet, spawns one.
func (t *ActivityTracker) RecordRequest(group string) {
	now := time.Now()
	t.mu.Lock()
	ga, ok := t.groups[group]
	spawn := false
	if !ok {
		ga = newGroupActivity(t.buckets, t.window)
		t.groups[group] = ga
		spawn = true
	}
	t.mu.Unlock()

	ga.recordRequest(now)

	if spawn {
		t.markActiveLocked(group, ga)
	}
}

// MarkGroupActive is the idempotent downstream entry point: spec.md 4.3
// calls it once per get_threads invocation, so it records activity exactly
// like RecordRequest (a "request was made for this group" signal) and only
// spawns a refresh task the first time a group becomes active — the
// idempotence spec.md asks for applies to task spawning, not to the
// underlying rate counter.
func (t *ActivityTracker) MarkGroupActive(group string) {
	t.RecordRequest(group)
}

// markActiveLocked spawns a refresh task for group, cancelling any prior
// one first (respawn-cancels-prior semantics).
func (t *ActivityTracker) markActiveLocked(group string, ga *groupActivity) {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if ga.cancel != nil {
		ga.cancel()
	}
	ga.cancel = cancel
	t.mu.Unlock()

	go t.runRefreshLoop(ctx, group, ga)
}

// runRefreshLoop is the per-group task loop of spec.md 4.4.
func (t *ActivityTracker) runRefreshLoop(ctx context.Context, group string, ga *groupActivity) {
	for {
		rps := ga.rps(time.Now(), t.window)
		period := t.computePeriod(rps)

		select {
		case <-time.After(period):
		case <-ctx.Done():
			return
		}

		rps = ga.rps(time.Now(), t.window)
		if rps <= 0 {
			t.mu.Lock()
			if current, ok := t.groups[group]; ok && current == ga {
				delete(t.groups, group)
			}
			t.mu.Unlock()
			return
		}

		if t.refresh != nil {
			t.refresh(ctx, group)
		}
		t.sink.Refresh(RefreshEvent{Group: group, RPS: rps, PeriodMS: period.Milliseconds()})
	}
}

// computePeriod is compute_period(rps) from spec.md 4.4: logarithmic,
// monotone non-increasing in rps, clamped to [minPeriod, maxPeriod].
func (t *ActivityTracker) computePeriod(rps float64) time.Duration {
	if rps <= 0 {
		return t.maxPeriod
	}
	logMin := math.Log10(1 / t.window.Seconds())
	logMax := math.Log10(t.highRPS)
	r := (math.Log10(rps) - logMin) / (logMax - logMin)
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	periodSeconds := t.maxPeriod.Seconds() - r*(t.maxPeriod.Seconds()-t.minPeriod.Seconds())
	return time.Duration(periodSeconds * float64(time.Second))
}

// RPS reports a group's current moving-window request rate, for tests and
// observability.
func (t *ActivityTracker) RPS(group string) float64 {
	t.mu.Lock()
	ga, ok := t.groups[group]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	return ga.rps(time.Now(), t.window)
}

// Shutdown cancels every active group's refresh task.
func (t *ActivityTracker) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ga := range t.groups {
		if ga.cancel != nil {
			ga.cancel()
		}
	}
}
