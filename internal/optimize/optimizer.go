package optimize

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"cloid/internal/logging"
	"cloid/pkg/types"
)

// Config configures an Optimizer. Zero values pick defaults.
type Config struct {
	Model                string
	CacheDir             string
	CacheCapacity        int
	MaxPromptLength      int
	WarmupInterval       time.Duration
	WarmupFailureBackoff time.Duration
	AutoWarmup           bool
	DisableQuantization  bool
	Logger               *zerolog.Logger
	// CPUCount overrides the detected CPU count.
	CPUCount func() int
}

// QueryOptions are the per-call knobs a caller may set.
type QueryOptions struct {
	Options       types.Options
	Deterministic bool
	// NoCache bypasses the request cache for both lookup and store.
	NoCache bool
}

// Optimizer holds the calibration map, warmup state and request cache for
// one model and routes calls through them to a Querier.
type Optimizer struct {
	cfg    Config
	q      Querier
	log    zerolog.Logger
	tuner  Tuner
	calib  *CalibrationStore
	warmup *WarmupScheduler
	cache  *RequestCache

	calibOnce sync.Once
	closeMu   sync.Mutex
	closed    bool
}

// New builds an Optimizer around q.
func New(cfg Config, q Querier) (*Optimizer, error) {
	if q == nil {
		return nil, errors.New("optimize: nil querier")
	}
	if cfg.Model == "" {
		return nil, errors.New("optimize: model name required")
	}
	if cfg.MaxPromptLength == 0 {
		cfg.MaxPromptLength = DefaultMaxPromptLength
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = DefaultCacheCapacity
	}
	if cfg.WarmupInterval <= 0 {
		cfg.WarmupInterval = DefaultWarmupInterval
	}
	base := logging.OrNop(cfg.Logger)
	tuner := Tuner{CPUCount: cfg.CPUCount}
	calib := NewCalibrationStore(cfg.CacheDir, base)
	if cfg.CPUCount != nil {
		calib.cpuCount = cfg.CPUCount
	}
	w := NewWarmupScheduler(cfg.WarmupInterval, tuner, base)
	w.FailureBackoff = cfg.WarmupFailureBackoff
	return &Optimizer{
		cfg:    cfg,
		q:      q,
		log:    base.With().Str("component", "optimizer").Str("model", cfg.Model).Logger(),
		tuner:  tuner,
		calib:  calib,
		warmup: w,
		cache:  NewRequestCache(cfg.CacheCapacity),
	}, nil
}

// Model returns the model this optimizer targets.
func (o *Optimizer) Model() string { return o.cfg.Model }

// Calibration exposes the calibration store.
func (o *Optimizer) Calibration() *CalibrationStore { return o.calib }

// Cache exposes the request cache.
func (o *Optimizer) Cache() *RequestCache { return o.cache }

// Scheduler exposes the warmup scheduler.
func (o *Optimizer) Scheduler() *WarmupScheduler { return o.warmup }

func (o *Optimizer) ensureCalibrated() {
	o.calibOnce.Do(func() {
		if err := o.calib.Initialize(o.cfg.Model); err != nil {
			o.log.Warn().Err(err).Msg("calibration unavailable, continuing with tuned defaults")
		}
	})
}

// Warmup runs the throttled warmup for the configured model.
func (o *Optimizer) Warmup(ctx context.Context) bool {
	o.ensureCalibrated()
	return o.warmup.MaybeWarmup(ctx, o.cfg.Model, o.calib, o.q)
}

// PrepareOptions builds the option map that Query would send for prompt,
// which must already be normalized.
func (o *Optimizer) PrepareOptions(prompt string, qo QueryOptions) types.Options {
	base := types.Options{}
	if p, ok := o.calib.Params(o.cfg.Model); ok {
		base[OptUseMLock] = p.UseMLock
		base[OptUseMMap] = p.UseMMap
	}
	for k, v := range qo.Options {
		base[k] = v
	}
	return o.tuner.Tune(base, TuneParams{
		InputLength:   utf8.RuneCountInString(prompt),
		Deterministic: qo.Deterministic,
		Quantize:      !o.cfg.DisableQuantization,
	})
}

// Query normalizes prompt, tunes options and serves the call from the cache
// or the Querier. Failures come back as a result with Error set.
func (o *Optimizer) Query(ctx context.Context, prompt string, qo QueryOptions) types.GenerateResult {
	o.ensureCalibrated()
	if o.cfg.AutoWarmup {
		o.warmup.MaybeWarmup(ctx, o.cfg.Model, o.calib, o.q)
	}

	np := NormalizePrompt(prompt, o.cfg.MaxPromptLength)
	opts := o.PrepareOptions(np, qo)
	call := func() types.GenerateResult {
		return o.q.Query(ctx, np, opts.Clone())
	}
	if qo.NoCache {
		return call()
	}
	return o.cache.GetOrCompute(np, opts, call)
}

// Close drops cached results. Calibration files stay on disk.
func (o *Optimizer) Close() error {
	o.closeMu.Lock()
	defer o.closeMu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	o.cache.Purge()
	return nil
}
