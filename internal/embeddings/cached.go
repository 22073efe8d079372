package embeddings

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedService memoizes embeddings of identical texts. Keys cover the
// model name so a cache is never shared across models.
type CachedService struct {
	Service
	cache  *lru.Cache[uint64, cacheEntry]
	hits   atomic.Int64
	misses atomic.Int64
}

// cacheEntry keeps the text next to its vector so that two texts hashing to
// the same key never share a vector.
type cacheEntry struct {
	text   string
	vector []float32
}

// NewCachedService wraps svc with an LRU cache holding up to size vectors.
func NewCachedService(svc Service, size int) (*CachedService, error) {
	cache, err := lru.New[uint64, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedService{Service: svc, cache: cache}, nil
}

func (c *CachedService) key(text string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(c.ModelName())
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(text)
	return d.Sum64()
}

// lookup returns a copy of the cached vector of text.
func (c *CachedService) lookup(k uint64, text string) ([]float32, bool) {
	e, ok := c.cache.Get(k)
	if !ok || e.text != text {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return clone(e.vector), true
}

func (c *CachedService) store(k uint64, text string, v []float32) {
	c.cache.Add(k, cacheEntry{text: text, vector: clone(v)})
}

// Embed returns the cached vector for text or asks the wrapped service.
func (c *CachedService) Embed(ctx context.Context, text string) ([]float32, error) {
	k := c.key(text)
	if v, ok := c.lookup(k, text); ok {
		return v, nil
	}

	v, err := c.Service.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(k, text, v)
	return v, nil
}

// EmbedBatch serves cached texts locally and sends only the misses.
func (c *CachedService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]uint64, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		keys[i] = c.key(text)
		if v, ok := c.lookup(keys[i], text); ok {
			out[i] = v
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.Service.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(missing) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(fetched), len(missing))
	}
	for j, i := range missingIdx {
		out[i] = fetched[j]
		c.store(keys[i], texts[i], fetched[j])
	}
	return out, nil
}

// Stats reports cache hits and misses since creation.
func (c *CachedService) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached vectors.
func (c *CachedService) Len() int {
	return c.cache.Len()
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
