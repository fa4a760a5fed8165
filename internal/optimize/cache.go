package optimize

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"cloid/pkg/types"
)

// DefaultCacheCapacity is the number of distinct entries kept by a RequestCache.
const DefaultCacheCapacity = 100

// samplingKeys are the only options that take part in a cache key.
var samplingKeys = []string{OptTemperature, OptTopK, OptTopP}

// CacheKey identifies a cached generation. Options outside the sampling keys
// are ignored, so calls differing only in thread or batch settings share an entry.
type CacheKey struct {
	Prompt   string
	Sampling string
}

// NewCacheKey derives the key for prompt and opts. The prompt is used verbatim.
func NewCacheKey(prompt string, opts types.Options) CacheKey {
	parts := make([]string, 0, len(samplingKeys))
	for _, k := range samplingKeys {
		v, ok := opts[k]
		if !ok {
			continue
		}
		parts = append(parts, k+"="+formatOptionValue(v))
	}
	sort.Strings(parts)
	return CacheKey{Prompt: prompt, Sampling: strings.Join(parts, ",")}
}

// formatOptionValue renders numbers by value so 1, 1.0 and float32(1) agree.
func formatOptionValue(v any) string {
	switch n := v.(type) {
	case int:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case int32:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case int64:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case string:
		return strconv.Quote(n)
	default:
		return fmt.Sprint(n)
	}
}

// RequestCache memoizes generation results in a bounded LRU.
//
// Safe for concurrent use. No lock is held while compute runs, so hits are
// served while a miss is in flight; two concurrent misses on the same key
// both compute and the later store wins.
type RequestCache struct {
	entries *lru.Cache[CacheKey, types.GenerateResult]
}

// NewRequestCache returns a cache holding at most capacity entries
// (DefaultCacheCapacity when capacity <= 0).
func NewRequestCache(capacity int) *RequestCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	c, err := lru.NewWithEvict(capacity, func(CacheKey, types.GenerateResult) {
		cacheEvictionsTotal.Inc()
	})
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &RequestCache{entries: c}
}

// GetOrCompute returns the cached result for (prompt, opts) or calls compute.
// Failed results are returned to the caller but not stored.
func (c *RequestCache) GetOrCompute(prompt string, opts types.Options, compute func() types.GenerateResult) types.GenerateResult {
	key := NewCacheKey(prompt, opts)
	if res, ok := c.entries.Get(key); ok {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		res.Cached = true
		return res
	}
	cacheLookupsTotal.WithLabelValues("miss").Inc()
	res := compute()
	if !res.Failed() {
		c.entries.Add(key, res)
	}
	return res
}

// Contains reports presence without touching recency.
func (c *RequestCache) Contains(prompt string, opts types.Options) bool {
	return c.entries.Contains(NewCacheKey(prompt, opts))
}

// Len returns the number of cached entries.
func (c *RequestCache) Len() int { return c.entries.Len() }

// Purge drops every entry.
func (c *RequestCache) Purge() { c.entries.Purge() }
