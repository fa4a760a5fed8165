package optimize

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cloid/pkg/types"
)

func TestCacheKeyIgnoresNonSamplingOptions(t *testing.T) {
	a := NewCacheKey("p", types.Options{OptTemperature: 0.2, OptTopK: 1, OptNumBatch: 32})
	b := NewCacheKey("p", types.Options{OptTopK: 1.0, OptTemperature: 0.2, OptNumThread: 8})
	if a != b {
		t.Fatalf("keys differ: %+v vs %+v", a, b)
	}
	if a.Sampling != "temperature=0.2,top_k=1" {
		t.Fatalf("sampling=%q", a.Sampling)
	}
	if c := NewCacheKey("p ", nil); c == NewCacheKey("p", nil) {
		t.Fatalf("prompt must be used verbatim")
	}
}

func TestRequestCacheComputesOnce(t *testing.T) {
	c := NewRequestCache(4)
	calls := 0
	compute := func() types.GenerateResult {
		calls++
		return types.GenerateResult{Response: "ok", Tokens: 3}
	}
	first := c.GetOrCompute("hello", types.Options{OptTopP: 0.1, OptNumBatch: 8}, compute)
	second := c.GetOrCompute("hello", types.Options{OptTopP: 0.1, OptNumBatch: 64}, compute)
	if calls != 1 {
		t.Fatalf("compute called %d times", calls)
	}
	if first.Cached || !second.Cached || second.Response != "ok" {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
}

func TestRequestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewRequestCache(2)
	res := func(s string) func() types.GenerateResult {
		return func() types.GenerateResult { return types.GenerateResult{Response: s} }
	}
	before := testutil.ToFloat64(cacheEvictionsTotal)
	c.GetOrCompute("a", nil, res("a"))
	c.GetOrCompute("b", nil, res("b"))
	c.GetOrCompute("a", nil, res("a")) // a is now most recent
	c.GetOrCompute("c", nil, res("c"))

	if c.Contains("b", nil) {
		t.Fatalf("b should have been evicted")
	}
	if !c.Contains("a", nil) || !c.Contains("c", nil) {
		t.Fatalf("a and c should remain")
	}
	if c.Len() != 2 {
		t.Fatalf("len=%d", c.Len())
	}
	if got := testutil.ToFloat64(cacheEvictionsTotal) - before; got != 1 {
		t.Fatalf("evictions=%v", got)
	}
}

func TestRequestCacheSkipsFailedResults(t *testing.T) {
	c := NewRequestCache(2)
	calls := 0
	fail := func() types.GenerateResult {
		calls++
		return types.GenerateResult{Response: "Error: down", Error: "down"}
	}
	c.GetOrCompute("x", nil, fail)
	c.GetOrCompute("x", nil, fail)
	if calls != 2 || c.Len() != 0 {
		t.Fatalf("calls=%d len=%d", calls, c.Len())
	}
}

func TestRequestCacheDefaultCapacity(t *testing.T) {
	c := NewRequestCache(0)
	for i := 0; i < DefaultCacheCapacity+5; i++ {
		p := string(rune('A' + i))
		c.GetOrCompute(p, nil, func() types.GenerateResult { return types.GenerateResult{Response: p} })
	}
	if c.Len() != DefaultCacheCapacity {
		t.Fatalf("len=%d", c.Len())
	}
	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("purge left %d", c.Len())
	}
}
