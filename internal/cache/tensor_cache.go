// Package cache memoizes decoded biomass tensors by their content key.
package cache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"ecotwin.ai/internal/biomass/tensor"
)

const defaultTTL = 15 * time.Minute

// TensorCache is bounded by decoded payload bytes.
type TensorCache struct {
	c   *ristretto.Cache[string, *tensor.Tensor]
	ttl time.Duration
}

func NewTensorCache(maxCostBytes int64, ttl time.Duration) (*TensorCache, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *tensor.Tensor]{
		NumCounters:        10000,
		MaxCost:            maxCostBytes,
		BufferItems:        64,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &TensorCache{c: c, ttl: ttl}, nil
}

func (tc *TensorCache) Get(key string) (*tensor.Tensor, bool) {
	if tc == nil || key == "" {
		return nil, false
	}
	return tc.c.Get(key)
}

// Put stores t under its own Key. Tensors larger than the cache are not kept.
func (tc *TensorCache) Put(t *tensor.Tensor) {
	if tc == nil || t == nil || t.Key == "" {
		return
	}
	cost := t.SizeBytes()
	if cost <= 0 {
		cost = 1
	}
	tc.c.SetWithTTL(t.Key, t, cost, tc.ttl)
	tc.c.Wait()
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      uint64
	Misses    uint64
	CostBytes uint64
}

func (tc *TensorCache) Stats() Stats {
	if tc == nil || tc.c.Metrics == nil {
		return Stats{}
	}
	m := tc.c.Metrics
	return Stats{
		Hits:      m.Hits(),
		Misses:    m.Misses(),
		CostBytes: m.CostAdded() - m.CostEvicted(),
	}
}

func (tc *TensorCache) Close() {
	if tc == nil {
		return
	}
	tc.c.Close()
}
