package types

// EmbedRequest is the payload for POST /embed.
type EmbedRequest struct {
	// Text to embed.
	// example: def hello_world(): print('Hello, World!')
	Text string `json:"text" example:"def hello_world(): print('Hello, World!')"`
}

// EmbedResponse is returned by POST /embed.
type EmbedResponse struct {
	// L2-normalized embedding vector.
	Embedding []float64 `json:"embedding"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	// example: ok
	Status string `json:"status" example:"ok"`
	// Embedding model served.
	// example: codebert
	Model string `json:"model" example:"codebert"`
}

// GenerateRequest is the payload for POST /generate.
type GenerateRequest struct {
	// Required prompt text.
	// example: Explain this stack trace
	Prompt string `json:"prompt" example:"Explain this stack trace"`
	// Caller option overrides (temperature, top_p, top_k, ...).
	Options Options `json:"options,omitempty"`
	// Force greedy sampling (top_k=1, top_p=0.1, temperature=0).
	// example: true
	Deterministic bool `json:"deterministic,omitempty" example:"true"`
	// Bypass the request cache.
	NoCache bool `json:"no_cache,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// ReadyResponse is returned by GET /readyz.
type ReadyResponse struct {
	// example: true
	Embedder bool `json:"embedder" example:"true"`
	// example: true
	Runtime bool `json:"runtime" example:"true"`
}
