package types

// Options is the per-request option map forwarded to the inference runtime.
// Values are numbers, booleans, strings or slices of those.
type Options map[string]any

// Clone returns a shallow copy. A nil receiver yields an empty, non-nil map.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// GenerateResult is the outcome of one generation call.
// When Error is set, Response holds an explanatory placeholder, never model output.
type GenerateResult struct {
	// Accumulated model output.
	// example: func add(a, b int) int { return a + b }
	Response string `json:"response" example:"func add(a, b int) int { return a + b }"`
	// Tokens generated (eval_count of the final fragment).
	// example: 42
	Tokens int `json:"tokens" example:"42"`
	// Generation time in milliseconds.
	// example: 812
	DurationMs int64 `json:"duration_ms" example:"812"`
	// Model load time in milliseconds.
	// example: 15
	LoadMs int64 `json:"load_ms" example:"15"`
	// Non-empty when the call ultimately failed.
	Error string `json:"error,omitempty"`
	// Cached reports whether the result was served from the request cache.
	Cached bool `json:"cached,omitempty"`

	cause error
}

// Failed reports whether the result carries an error.
func (r GenerateResult) Failed() bool { return r.Error != "" }

// Err returns the underlying error of a failed result, or nil.
func (r GenerateResult) Err() error {
	if r.cause != nil {
		return r.cause
	}
	if r.Error != "" {
		return resultError(r.Error)
	}
	return nil
}

// WithCause attaches the typed error behind a failed result so callers can use errors.As.
func (r GenerateResult) WithCause(err error) GenerateResult {
	r.cause = err
	if err != nil && r.Error == "" {
		r.Error = err.Error()
	}
	return r
}

type resultError string

func (e resultError) Error() string { return string(e) }

// RuntimeModel describes a model known to the local inference runtime.
type RuntimeModel struct {
	// example: phi4:latest
	Name string `json:"name" example:"phi4:latest"`
	// Size on disk in bytes.
	// example: 9053116391
	Size int64 `json:"size" example:"9053116391"`
	// example: sha256:ac896e5b8b34
	Digest string `json:"digest,omitempty"`
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" example:"Q4_K_M"`
	// example: phi3
	Family string `json:"family,omitempty" example:"phi3"`
}

// PullProgress reports one step of a model download.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
