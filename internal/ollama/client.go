// Package ollama talks to a local Ollama runtime: streaming generation with
// retry and backoff, plus the model management and embedding endpoints.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"

	"cloid/internal/logging"
	"cloid/pkg/types"
)

const (
	DefaultBaseURL        = "http://localhost:11434"
	DefaultModel          = "phi4"
	DefaultAttempts       = 3
	DefaultInitialBackoff = 2 * time.Second
	DefaultAttemptTimeout = 120 * time.Second
)

// Config configures a Client. Zero values pick the defaults above.
type Config struct {
	BaseURL        string
	Model          string
	Attempts       int
	InitialBackoff time.Duration
	AttemptTimeout time.Duration
	// HTTPClient is used for every request. It should not set a Timeout;
	// deadlines come from contexts.
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Client is the only component that talks to the runtime. Generate calls on
// one Client are serialized.
type Client struct {
	baseURL  string
	model    string
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	http     *http.Client
	api      *api.Client
	log      zerolog.Logger

	mu    sync.Mutex
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Client for cfg.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ollama url %q must be absolute", base)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = newHTTPClient()
	}
	l := logging.OrNop(cfg.Logger)
	return &Client{
		baseURL:  base,
		model:    cfg.Model,
		attempts: cfg.Attempts,
		backoff:  cfg.InitialBackoff,
		timeout:  cfg.AttemptTimeout,
		http:     hc,
		api:      api.NewClient(u, hc),
		log:      l.With().Str("component", "ollama").Logger(),
		sleep:    sleepCtx,
	}, nil
}

func newHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	// Timeout stays 0: streaming bodies are bounded by the per-attempt context.
	return &http.Client{Transport: tr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BaseURL returns the runtime base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Model returns the model used by Query.
func (c *Client) Model() string { return c.model }

type generateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options types.Options `json:"options,omitempty"`
}

// Query runs one streaming generation, retrying transport failures and
// non-2xx answers with doubling delays. It never returns an error value:
// a call that fails every attempt yields a result with Error set and a
// placeholder Response.
func (c *Client) Query(ctx context.Context, prompt string, opts types.Options) types.GenerateResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	defer func() { queryDuration.Observe(time.Since(start).Seconds()) }()

	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, Stream: true, Options: opts})
	if err != nil {
		return failed(exhaustedRetriesError{attempts: 0, last: fmt.Errorf("encode request: %w", err)})
	}

	delay := c.backoff
	var last error
	attempt := 0
	for attempt < c.attempts {
		attempt++
		res, err := c.generateOnce(ctx, body)
		if err == nil {
			attemptsTotal.WithLabelValues("ok").Inc()
			return res
		}
		attemptsTotal.WithLabelValues("error").Inc()
		last = err
		if ctx.Err() != nil || attempt == c.attempts {
			break
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("generate failed, retrying")
		if err := c.sleep(ctx, delay); err != nil {
			last = err
			break
		}
		delay *= 2
	}
	exhaustedTotal.Inc()
	c.log.Error().Err(last).Int("attempts", attempt).Msg("generate failed")
	return failed(exhaustedRetriesError{attempts: attempt, last: last})
}

func failed(err exhaustedRetriesError) types.GenerateResult {
	return types.GenerateResult{
		Response: fmt.Sprintf("Error: Failed to query model after %d attempts: %v", err.attempts, err.last),
	}.WithCause(err)
}

func (c *Client) generateOnce(ctx context.Context, body []byte) (types.GenerateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return types.GenerateResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := c.http.Do(req)
	if err != nil {
		return types.GenerateResult{}, ErrServiceUnreachable(c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.GenerateResult{}, serviceUnreachableError{
			url:    c.baseURL,
			status: resp.StatusCode,
			err:    errors.New(strings.TrimSpace(string(b))),
		}
	}
	res, err := readStream(resp.Body, c.log)
	if err != nil {
		if ctx.Err() != nil {
			return types.GenerateResult{}, fmt.Errorf("read stream: %w", ctx.Err())
		}
		return types.GenerateResult{}, fmt.Errorf("read stream: %w", err)
	}
	return res, nil
}
