package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cloid/internal/embed"
	"cloid/internal/httpapi"
	"cloid/internal/ollama"
	"cloid/internal/optimize"
)

// fakeRuntime is an in-process stand-in for the Ollama HTTP API. It records
// every generate body so tests can assert on the options that reached it.
type fakeRuntime struct {
	mu        sync.Mutex
	generates []map[string]any
	embeds    int
	failFirst int
}

func (f *fakeRuntime) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"models":[{"name":"phi4:latest","model":"phi4:latest","size":1}]}`)
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.generates = append(f.generates, body)
		fail := f.failFirst > 0
		if fail {
			f.failFirst--
		}
		f.mu.Unlock()
		if fail {
			http.Error(w, "loading", http.StatusServiceUnavailable)
			return
		}
		prompt, _ := body["prompt"].(string)
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"response":"echo: ","done":false}`+"\n")
		b, _ := json.Marshal(map[string]any{"response": prompt, "done": true, "eval_count": 7, "eval_duration": 2000000, "load_duration": 1000000})
		w.Write(append(b, '\n'))
	})
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.embeds++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"embedding":[3,4]}`)
	})
	return mux
}

func (f *fakeRuntime) generateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.generates)
}

func (f *fakeRuntime) lastGenerate() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.generates) == 0 {
		return nil
	}
	return f.generates[len(f.generates)-1]
}

// newStack wires the real client, optimizer, embedding service and HTTP API
// against a fake runtime and returns the API server.
func newStack(t *testing.T, rt *fakeRuntime, mut func(*optimize.Config)) *httptest.Server {
	t.Helper()
	ollamaSrv := httptest.NewServer(rt.handler())
	t.Cleanup(ollamaSrv.Close)

	client, err := ollama.New(ollama.Config{BaseURL: ollamaSrv.URL, Model: "phi4", InitialBackoff: time.Millisecond})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	cfg := optimize.Config{Model: "phi4", CacheDir: t.TempDir(), CPUCount: func() int { return 4 }}
	if mut != nil {
		mut(&cfg)
	}
	opt, err := optimize.New(cfg, client)
	if err != nil {
		t.Fatalf("optimizer: %v", err)
	}
	t.Cleanup(func() { _ = opt.Close() })

	emb, err := embed.New(embed.Config{Model: "nomic-embed-text"}, ollama.Embedder{Client: client, Model: "nomic-embed-text"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := emb.SelfTest(ctx); err != nil {
		t.Fatalf("self-test: %v", err)
	}

	mux := httpapi.NewMux(httpapi.Deps{Embedder: emb, Generator: opt, Runtime: pinger{client}}, httpapi.Options{})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type pinger struct{ c *ollama.Client }

func (p pinger) Ready(ctx context.Context) bool { return p.c.Ping(ctx) == nil }

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func httpPostJSON(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
