// Package embed serves normalized text embeddings from a backend model,
// memoizing results per text.
package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"cloid/internal/logging"
)

// DefaultCacheSize bounds the number of memoized embeddings.
const DefaultCacheSize = 1024

// SelfTestText is embedded once at startup to verify the backend.
const SelfTestText = "def hello_world(): print('Hello, World!')"

// ErrEmptyText is returned for empty input.
var ErrEmptyText = errors.New("missing text parameter")

// Backend computes raw embeddings.
type Backend interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Config configures a Service.
type Config struct {
	// Model is reported by health checks.
	Model     string
	CacheSize int
	Logger    *zerolog.Logger
}

// Service wraps a Backend with caching and L2 normalization. Safe for concurrent use.
type Service struct {
	backend Backend
	model   string
	cache   *lru.Cache[string, []float64]
	log     zerolog.Logger
	ready   atomic.Bool
	dims    atomic.Int64
}

// New returns a Service over b.
func New(cfg Config, b Backend) (*Service, error) {
	if b == nil {
		return nil, errors.New("embed: nil backend")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	c, err := lru.New[string, []float64](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	l := logging.OrNop(cfg.Logger)
	return &Service{
		backend: b,
		model:   cfg.Model,
		cache:   c,
		log:     l.With().Str("component", "embed").Logger(),
	}, nil
}

// Model returns the configured model name.
func (s *Service) Model() string { return s.model }

// Ready reports whether a self-test has succeeded.
func (s *Service) Ready() bool { return s.ready.Load() }

// Dimensions returns the vector size seen by the last successful self-test, or 0.
func (s *Service) Dimensions() int { return int(s.dims.Load()) }

// Embed returns the unit-length embedding of text. The returned slice is the caller's.
func (s *Service) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if v, ok := s.cache.Get(text); ok {
		return append([]float64(nil), v...), nil
	}
	raw, err := s.backend.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("generate embedding: %w", err)
	}
	v := Normalize(raw)
	s.cache.Add(text, v)
	return append([]float64(nil), v...), nil
}

// SelfTest embeds SelfTestText and marks the service ready on success.
func (s *Service) SelfTest(ctx context.Context) error {
	start := time.Now()
	v, err := s.Embed(ctx, SelfTestText)
	if err != nil {
		s.ready.Store(false)
		return fmt.Errorf("embedding self-test: %w", err)
	}
	s.dims.Store(int64(len(v)))
	s.ready.Store(true)
	s.log.Info().Str("model", s.model).Int("dims", len(v)).Dur("took", time.Since(start)).Msg("embedding self-test passed")
	return nil
}

// Normalize returns v scaled to unit L2 norm. A zero vector is returned unchanged.
func Normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	out := make([]float64, len(v))
	norm := math.Sqrt(sum)
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
