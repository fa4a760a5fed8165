// Package httpapi exposes the embedding service and the optimized generate
// path over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"cloid/internal/logging"
	"cloid/internal/optimize"
	"cloid/pkg/types"
)

// Embedder serves POST /embed and GET /health.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
	Ready() bool
}

// Generator serves POST /generate.
type Generator interface {
	Query(ctx context.Context, prompt string, qo optimize.QueryOptions) types.GenerateResult
}

// RuntimeProbe reports whether the inference runtime answers.
type RuntimeProbe interface {
	Ready(ctx context.Context) bool
}

// Deps are the services behind the routes. A nil dependency turns its routes into 503s.
type Deps struct {
	Embedder  Embedder
	Generator Generator
	Runtime   RuntimeProbe
	Logger    *zerolog.Logger
}

type server struct {
	deps     Deps
	opts     Options
	log      zerolog.Logger
	defLevel LogLevel
}

// NewMux builds the router.
func NewMux(deps Deps, opts Options) http.Handler {
	opts = opts.withDefaults()
	s := &server{
		deps:     deps,
		opts:     opts,
		log:      logging.Component(logging.OrNop(deps.Logger), "http"),
		defLevel: parseLevel(opts.LogLevel),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if opts.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORS.AllowedOrigins,
			AllowedMethods: opts.CORS.AllowedMethods,
			AllowedHeaders: opts.CORS.AllowedHeaders,
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Post("/embed", s.handleEmbed)
	r.Post("/generate", s.handleGenerate)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{Status: "ok"}
	if s.deps.Embedder != nil {
		resp.Model = s.deps.Embedder.Model()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := types.ReadyResponse{}
	ok := true
	if s.deps.Embedder != nil {
		resp.Embedder = s.deps.Embedder.Ready()
		ok = ok && resp.Embedder
	}
	if s.deps.Runtime != nil {
		resp.Runtime = s.deps.Runtime.Ready(r.Context())
		ok = ok && resp.Runtime
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// decodeJSON enforces the content type and body limit and decodes into v.
// It writes the error response and returns false on failure.
func (s *server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

func (s *server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	if s.deps.Embedder == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "embedding service not configured")
		return
	}
	var req types.EmbedRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing text parameter")
		return
	}
	lvl := requestLogLevel(r, s.defLevel)
	start := time.Now()
	vec, err := s.deps.Embedder.Embed(r.Context(), req.Text)
	if err != nil {
		status := statusFor(err)
		if l := s.requestLogger(r, lvl, LevelError); l != nil {
			l.Error().Err(err).Int("status", status).Msg("embed failed")
		}
		writeJSONError(w, status, "Failed to generate embedding: "+err.Error())
		return
	}
	if l := s.requestLogger(r, lvl, LevelDebug); l != nil {
		l.Debug().Int("chars", len(req.Text)).Int("dims", len(vec)).Dur("dur", time.Since(start)).Msg("embed")
	}
	writeJSON(w, http.StatusOK, types.EmbedResponse{Embedding: vec})
}

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Generator == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "generation not configured")
		return
	}
	var req types.GenerateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	lvl := requestLogLevel(r, s.defLevel)
	if l := s.requestLogger(r, lvl, LevelInfo); l != nil {
		l.Info().Int("chars", len(req.Prompt)).Bool("deterministic", req.Deterministic).Msg("generate start")
	}
	// Shutdown of the server cancels in-flight generations too.
	ctx, cancel := joinContexts(s.opts.BaseContext, r.Context())
	defer cancel()
	if s.opts.GenerateTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, s.opts.GenerateTimeout)
		defer tcancel()
	}

	start := time.Now()
	res := s.deps.Generator.Query(ctx, req.Prompt, optimize.QueryOptions{
		Options:       req.Options,
		Deterministic: req.Deterministic,
		NoCache:       req.NoCache,
	})
	if r.Context().Err() != nil {
		// client went away
		return
	}
	if res.Failed() {
		if l := s.requestLogger(r, lvl, LevelError); l != nil {
			l.Error().Str("error", res.Error).Dur("dur", time.Since(start)).Msg("generate failed")
		}
	} else if l := s.requestLogger(r, lvl, LevelInfo); l != nil {
		ev := l.Info().Int("tokens", res.Tokens).Bool("cached", res.Cached).Dur("dur", time.Since(start))
		if lvl >= LevelDebug {
			ev = ev.Str("response", res.Response)
		}
		ev.Msg("generate end")
	}
	// Failures are reported in the body's error field, not the status code.
	writeJSON(w, http.StatusOK, res)
}
