package optimize

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cloid/pkg/types"
)

// DefaultWarmupInterval is the minimum time between successful warmups.
const DefaultWarmupInterval = 300 * time.Second

// WarmupPrompt is the fixed prompt sent by a warmup call.
const WarmupPrompt = "Warming up model"

// Querier performs one generation call against the runtime.
type Querier interface {
	Query(ctx context.Context, prompt string, opts types.Options) types.GenerateResult
}

// WarmupScheduler throttles priming calls to one per Interval.
type WarmupScheduler struct {
	Interval time.Duration
	// FailureBackoff, when positive, suppresses new attempts for that long
	// after a failed warmup. Zero retries on the next call.
	FailureBackoff time.Duration

	tuner Tuner
	log   zerolog.Logger
	now   func() time.Time

	mu         sync.Mutex
	last       time.Time
	lastFailed time.Time
}

// NewWarmupScheduler returns a scheduler with the given interval
// (DefaultWarmupInterval when <= 0).
func NewWarmupScheduler(interval time.Duration, tuner Tuner, log zerolog.Logger) *WarmupScheduler {
	if interval <= 0 {
		interval = DefaultWarmupInterval
	}
	return &WarmupScheduler{
		Interval: interval,
		tuner:    tuner,
		log:      log.With().Str("component", "warmup").Logger(),
		now:      time.Now,
	}
}

// LastWarmup returns the time of the last successful warmup (zero if none).
func (w *WarmupScheduler) LastWarmup() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Due reports whether a warmup call would be issued now.
func (w *WarmupScheduler) Due() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dueLocked(w.now())
}

func (w *WarmupScheduler) dueLocked(now time.Time) bool {
	if !w.last.IsZero() && now.Sub(w.last) < w.Interval {
		return false
	}
	if w.FailureBackoff > 0 && !w.lastFailed.IsZero() && now.Sub(w.lastFailed) < w.FailureBackoff {
		return false
	}
	return true
}

// MaybeWarmup issues one deterministic call for model unless a warmup
// succeeded within Interval. It returns true when skipped or successful.
// The lock is held across the call so concurrent callers see one warmup.
func (w *WarmupScheduler) MaybeWarmup(ctx context.Context, model string, calib *CalibrationStore, q Querier) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if !w.last.IsZero() && now.Sub(w.last) < w.Interval {
		warmupsTotal.WithLabelValues("skipped").Inc()
		return true
	}
	if !w.dueLocked(now) {
		warmupsTotal.WithLabelValues("skipped").Inc()
		return false
	}

	if calib != nil && !calib.IsCalibrated(model) {
		if err := calib.Initialize(model); err != nil {
			w.log.Warn().Err(err).Str("model", model).Msg("calibration before warmup failed")
		}
	}
	opts := w.tuner.Tune(nil, TuneParams{
		InputLength:   len([]rune(WarmupPrompt)),
		Deterministic: true,
		Quantize:      true,
	})

	start := w.now()
	res := q.Query(ctx, WarmupPrompt, opts)
	if res.Failed() {
		w.lastFailed = w.now()
		warmupsTotal.WithLabelValues("failed").Inc()
		w.log.Warn().Str("model", model).Str("error", res.Error).Msg("warmup failed")
		return false
	}
	w.last = w.now()
	w.lastFailed = time.Time{}
	warmupsTotal.WithLabelValues("ok").Inc()
	w.log.Info().Str("model", model).Dur("took", w.last.Sub(start)).Msg("warmup complete")
	return true
}
