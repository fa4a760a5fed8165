package ollama

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"

	"cloid/pkg/types"
)

// wrapAPI marks transport failures as unreachable and leaves HTTP status
// errors from the runtime as they are.
func (c *Client) wrapAPI(op string, err error) error {
	if err == nil {
		return nil
	}
	var se api.StatusError
	if errors.As(err, &se) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, ErrServiceUnreachable(c.baseURL, err))
}

// Ping reports whether GET /api/tags answers with 200.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.List(ctx); err != nil {
		return c.wrapAPI("ping", err)
	}
	return nil
}

// ListModels returns the models installed in the runtime.
func (c *Client) ListModels(ctx context.Context) ([]types.RuntimeModel, error) {
	resp, err := c.api.List(ctx)
	if err != nil {
		return nil, c.wrapAPI("list models", err)
	}
	out := make([]types.RuntimeModel, 0, len(resp.Models))
	for _, m := range resp.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		out = append(out, types.RuntimeModel{
			Name:   name,
			Size:   m.Size,
			Digest: m.Digest,
			Quant:  m.Details.QuantizationLevel,
			Family: m.Details.Family,
		})
	}
	return out, nil
}

// canonicalName appends the implicit ":latest" tag.
func canonicalName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name[strings.LastIndex(name, "/")+1:], ":") {
		return name
	}
	return name + ":latest"
}

// HasModel reports whether name is installed. "phi4" and "phi4:latest" match each other.
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	want := canonicalName(name)
	for _, m := range models {
		if canonicalName(m.Name) == want {
			return true, nil
		}
	}
	return false, nil
}

// PullModel downloads name, reporting progress to fn when non-nil.
func (c *Client) PullModel(ctx context.Context, name string, fn func(types.PullProgress)) error {
	req := &api.PullRequest{Model: name}
	err := c.api.Pull(ctx, req, func(p api.ProgressResponse) error {
		if fn != nil {
			fn(types.PullProgress{Status: p.Status, Digest: p.Digest, Total: p.Total, Completed: p.Completed})
		}
		return nil
	})
	if err != nil {
		return c.wrapAPI("pull "+name, err)
	}
	c.log.Info().Str("model", name).Msg("model pulled")
	return nil
}

// EnsureModel pulls name unless it is already installed. It reports whether a pull happened.
func (c *Client) EnsureModel(ctx context.Context, name string, fn func(types.PullProgress)) (bool, error) {
	ok, err := c.HasModel(ctx, name)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	return true, c.PullModel(ctx, name, fn)
}

// DeleteModel removes name from the runtime.
func (c *Client) DeleteModel(ctx context.Context, name string) error {
	if err := c.api.Delete(ctx, &api.DeleteRequest{Model: name}); err != nil {
		return c.wrapAPI("delete "+name, err)
	}
	return nil
}

// Embed returns the embedding of text computed by model.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float64, error) {
	resp, err := c.api.Embeddings(ctx, &api.EmbeddingRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, c.wrapAPI("embed", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("embed: runtime returned an empty vector for model %s", model)
	}
	return resp.Embedding, nil
}

// Embedder binds a Client to one embedding model.
type Embedder struct {
	Client *Client
	Model  string
}

// Embed implements the embedding backend used by the embed service.
func (e Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return e.Client.Embed(ctx, e.Model, text)
}
