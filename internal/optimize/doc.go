// Package optimize tunes, normalizes and memoizes calls to the local
// inference runtime. It is structured into small files by concern:
//
//   - normalize.go: prompt cleanup and bounded truncation.
//   - tuner.go: option keys and the thread/batch/quantization heuristics.
//   - calibration.go: per-model tuning parameters persisted as JSON files.
//   - cache.go: bounded LRU of generation results keyed by prompt and sampling options.
//   - warmup.go: throttled priming call against the runtime.
//   - optimizer.go: the Optimizer that composes all of the above around a Querier.
//   - errors.go: error types and helpers (IsModelNotCalibrated).
//   - metrics.go: Prometheus collectors for cache and warmup activity.
//
// None of the quantization options are computed here; they are hints
// forwarded to the runtime as request options.
package optimize
