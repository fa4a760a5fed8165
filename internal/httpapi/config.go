package httpapi

import (
	"context"
	"time"
)

const defaultMaxBodyBytes int64 = 1 << 20

// CORSOptions configures the optional CORS middleware. Disabled by default.
type CORSOptions struct {
	Enabled        bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Options tunes the HTTP layer. Zero values pick defaults.
type Options struct {
	// MaxBodyBytes limits JSON request bodies (default 1 MiB).
	MaxBodyBytes int64
	// GenerateTimeout bounds a /generate call. Zero means no extra timeout.
	GenerateTimeout time.Duration
	// LogLevel is the default per-request log level: off|error|info|debug.
	LogLevel string
	// BaseContext is canceled on shutdown; in-flight calls observe it.
	BaseContext context.Context
	CORS        CORSOptions
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.GenerateTimeout < 0 {
		o.GenerateTimeout = 0
	}
	if o.BaseContext == nil {
		o.BaseContext = context.Background()
	}
	if len(o.CORS.AllowedMethods) == 0 {
		o.CORS.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(o.CORS.AllowedHeaders) == 0 {
		o.CORS.AllowedHeaders = []string{"Content-Type", "X-Log-Level", "X-Request-Id"}
	}
	return o
}
