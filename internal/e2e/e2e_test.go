package e2e

import (
	"encoding/json"
	"net/http"
	"testing"

	"cloid/internal/optimize"
	"cloid/pkg/types"
)

func TestE2E_HealthAndReady(t *testing.T) {
	srv := newStack(t, &fakeRuntime{}, nil)

	resp, body := httpGet(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK || !containsAll(string(body), `"status":"ok"`, `"model":"nomic-embed-text"`) {
		t.Fatalf("/health %d %s", resp.StatusCode, body)
	}
	resp, body = httpGet(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz %d %s", resp.StatusCode, body)
	}
}

func TestE2E_EmbedIsNormalizedAndCached(t *testing.T) {
	rt := &fakeRuntime{}
	srv := newStack(t, rt, nil)
	// self-test already embedded once
	for i := 0; i < 2; i++ {
		resp, body := httpPostJSON(t, srv.URL+"/embed", `{"text":"def f(): pass"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("/embed %d %s", resp.StatusCode, body)
		}
		var er types.EmbedResponse
		if err := json.Unmarshal(body, &er); err != nil {
			t.Fatalf("json: %v", err)
		}
		if len(er.Embedding) != 2 || er.Embedding[0] != 0.6 || er.Embedding[1] != 0.8 {
			t.Fatalf("embedding=%v", er.Embedding)
		}
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.embeds != 2 {
		t.Fatalf("backend embeds=%d, want 2 (self-test + one miss)", rt.embeds)
	}
}

func TestE2E_GenerateTunesNormalizesAndCaches(t *testing.T) {
	rt := &fakeRuntime{}
	srv := newStack(t, rt, nil)

	prompt := `{"prompt":"  [2024-01-02 03:04:05] boom  ","deterministic":true}`
	resp, body := httpPostJSON(t, srv.URL+"/generate", prompt)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/generate %d %s", resp.StatusCode, body)
	}
	var res types.GenerateResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("json: %v", err)
	}
	if res.Response != "echo:  boom" || res.Tokens != 7 || res.DurationMs != 2 || res.LoadMs != 1 || res.Cached {
		t.Fatalf("res=%+v", res)
	}

	sent := rt.lastGenerate()
	if sent["prompt"] != " boom" || sent["stream"] != true {
		t.Fatalf("sent=%v", sent)
	}
	opts, _ := sent["options"].(map[string]any)
	if opts[optimize.OptTopK] != float64(1) || opts[optimize.OptTemperature] != float64(0) || opts[optimize.OptNumThread] != float64(4) {
		t.Fatalf("options=%v", opts)
	}
	if opts[optimize.OptUseMLock] != true {
		t.Fatalf("calibration hints missing: %v", opts)
	}

	resp, body = httpPostJSON(t, srv.URL+"/generate", prompt)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/generate %d %s", resp.StatusCode, body)
	}
	res = types.GenerateResult{}
	_ = json.Unmarshal(body, &res)
	if !res.Cached || rt.generateCount() != 1 {
		t.Fatalf("second call cached=%v runtime calls=%d", res.Cached, rt.generateCount())
	}
}

func TestE2E_GenerateRetriesThenSucceeds(t *testing.T) {
	rt := &fakeRuntime{failFirst: 2}
	srv := newStack(t, rt, nil)
	resp, body := httpPostJSON(t, srv.URL+"/generate", `{"prompt":"hi","no_cache":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/generate %d %s", resp.StatusCode, body)
	}
	var res types.GenerateResult
	_ = json.Unmarshal(body, &res)
	if res.Error != "" || res.Response != "echo: hi" {
		t.Fatalf("res=%+v", res)
	}
	if rt.generateCount() != 3 {
		t.Fatalf("runtime calls=%d, want 3", rt.generateCount())
	}
}

func TestE2E_GenerateExhaustedReturnsErrorBody(t *testing.T) {
	rt := &fakeRuntime{failFirst: 10}
	srv := newStack(t, rt, nil)
	resp, body := httpPostJSON(t, srv.URL+"/generate", `{"prompt":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/generate %d %s", resp.StatusCode, body)
	}
	var res types.GenerateResult
	_ = json.Unmarshal(body, &res)
	if res.Error == "" || !containsAll(res.Response, "Error: Failed to query model after 3 attempts") {
		t.Fatalf("res=%+v", res)
	}
}

func TestE2E_AutoWarmupRunsBeforeFirstQuery(t *testing.T) {
	rt := &fakeRuntime{}
	srv := newStack(t, rt, func(c *optimize.Config) { c.AutoWarmup = true })
	resp, body := httpPostJSON(t, srv.URL+"/generate", `{"prompt":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/generate %d %s", resp.StatusCode, body)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.generates) != 2 || rt.generates[0]["prompt"] != optimize.WarmupPrompt {
		t.Fatalf("generates=%v", rt.generates)
	}
}
