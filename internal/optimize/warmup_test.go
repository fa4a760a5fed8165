package optimize

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cloid/pkg/types"
)

// fakeQuerier records calls and returns canned results.
type fakeQuerier struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	opts    []types.Options
	fail    bool
	reply   string
}

func (f *fakeQuerier) Query(_ context.Context, prompt string, opts types.Options) types.GenerateResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	if f.fail {
		return types.GenerateResult{Response: "Error: runtime down", Error: "runtime down"}
	}
	r := f.reply
	if r == "" {
		r = "reply:" + prompt
	}
	return types.GenerateResult{Response: r, Tokens: 2}
}

func (f *fakeQuerier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestScheduler(clock *fakeClock) *WarmupScheduler {
	w := NewWarmupScheduler(0, Tuner{CPUCount: fixedCPUs(4)}, zerolog.Nop())
	w.now = clock.now
	return w
}

func TestWarmupThrottledWithinInterval(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	w := newTestScheduler(clock)
	q := &fakeQuerier{}
	calib := newTestStore(t)

	if !w.MaybeWarmup(context.Background(), "phi4", calib, q) {
		t.Fatalf("first warmup failed")
	}
	clock.advance(10 * time.Second)
	if !w.MaybeWarmup(context.Background(), "phi4", calib, q) {
		t.Fatalf("throttled warmup should report true")
	}
	if q.count() != 1 {
		t.Fatalf("calls=%d", q.count())
	}
	if !calib.IsCalibrated("phi4") {
		t.Fatalf("warmup did not initialize calibration")
	}
	if q.prompts[0] != WarmupPrompt {
		t.Fatalf("prompt=%q", q.prompts[0])
	}
	if o := q.opts[0]; o[OptTemperature] != 0.0 || o[OptTopK] != 1 || o[OptInt8] != true {
		t.Fatalf("warmup options: %v", o)
	}

	clock.advance(DefaultWarmupInterval)
	w.MaybeWarmup(context.Background(), "phi4", calib, q)
	if q.count() != 2 {
		t.Fatalf("expected a second warmup after the interval, calls=%d", q.count())
	}
}

func TestWarmupFailureRetriesImmediately(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	w := newTestScheduler(clock)
	q := &fakeQuerier{fail: true}

	if w.MaybeWarmup(context.Background(), "phi4", nil, q) {
		t.Fatalf("failed warmup reported success")
	}
	if !w.LastWarmup().IsZero() {
		t.Fatalf("timestamp updated on failure")
	}
	w.MaybeWarmup(context.Background(), "phi4", nil, q)
	if q.count() != 2 {
		t.Fatalf("calls=%d", q.count())
	}
}

func TestWarmupFailureBackoff(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	w := newTestScheduler(clock)
	w.FailureBackoff = 30 * time.Second
	q := &fakeQuerier{fail: true}

	w.MaybeWarmup(context.Background(), "phi4", nil, q)
	clock.advance(5 * time.Second)
	if w.Due() {
		t.Fatalf("should be backing off")
	}
	w.MaybeWarmup(context.Background(), "phi4", nil, q)
	if q.count() != 1 {
		t.Fatalf("calls=%d", q.count())
	}
	clock.advance(30 * time.Second)
	q.fail = false
	if !w.MaybeWarmup(context.Background(), "phi4", nil, q) || q.count() != 2 {
		t.Fatalf("warmup after backoff: calls=%d", q.count())
	}
}
