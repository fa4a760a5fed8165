package optimize

import (
	"runtime"

	"cloid/pkg/types"
)

// Request option keys understood by the runtime.
const (
	OptNumThread      = "num_thread"
	OptNumBatch       = "num_batch"
	OptMMap           = "mmap"
	OptCacheMode      = "cache_mode"
	OptInt8           = "int8"
	OptF16            = "f16"
	OptBlockSize      = "block_size"
	OptPerBlockScales = "per_block_scales"
	OptZeroPoints     = "zero_points"
	OptTopK           = "top_k"
	OptTopP           = "top_p"
	OptTemperature    = "temperature"
	OptUseMLock       = "use_mlock"
	OptUseMMap        = "use_mmap"
)

const (
	maxThreads       = 8
	defaultBatchSize = 32
	quantBlockSize   = 32
)

// TuneParams describes the call being tuned. InputLength <= 0 means unknown.
type TuneParams struct {
	InputLength   int
	Deterministic bool
	Quantize      bool
}

// Tuner derives runtime options from the input size and the host CPU count.
type Tuner struct {
	// CPUCount overrides runtime.NumCPU; used by tests.
	CPUCount func() int
}

func (t Tuner) cpus() int {
	if t.CPUCount != nil {
		if n := t.CPUCount(); n > 0 {
			return n
		}
		return 1
	}
	return runtime.NumCPU()
}

// Threads returns min(8, available CPUs).
func (t Tuner) Threads() int {
	return min(maxThreads, t.cpus())
}

// BatchSize picks num_batch for an input of the given length.
func BatchSize(inputLength, threads int) int {
	switch {
	case inputLength <= 0:
		return defaultBatchSize
	case inputLength < 100:
		return min(32, threads*4)
	case inputLength < 500:
		return min(64, threads*8)
	default:
		return min(128, threads*16)
	}
}

// Tune returns a fresh option map: base, then performance and quantization
// hints, then determinism overrides. base is not modified.
func (t Tuner) Tune(base types.Options, p TuneParams) types.Options {
	opts := base.Clone()
	threads := t.Threads()

	opts[OptNumThread] = threads
	opts[OptNumBatch] = BatchSize(p.InputLength, threads)
	opts[OptMMap] = true
	opts[OptCacheMode] = "all"

	if p.Quantize {
		opts[OptInt8] = true
		opts[OptF16] = false
		opts[OptBlockSize] = quantBlockSize
		opts[OptPerBlockScales] = []float64{1.0}
		opts[OptZeroPoints] = []int{0}
	}
	if p.Deterministic {
		opts[OptTopK] = 1
		opts[OptTopP] = 0.1
		opts[OptTemperature] = 0.0
	}
	return opts
}
