package cache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"ecotwin.ai/internal/biomass/aggregate"
)

const chartCacheTTL = 15 * time.Minute

// ChartCache keeps aggregated chart series per decoded tensor.
type ChartCache struct {
	c *ristretto.Cache[string, *aggregate.Chart]
}

func NewChartCache(maxCost int64) (*ChartCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, *aggregate.Chart]{
		NumCounters: 10000,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ChartCache{c: c}, nil
}

// GetChart reads the chart for a tensor key; ok reports a hit.
func (cc *ChartCache) GetChart(tensorKey string) (*aggregate.Chart, bool) {
	if cc == nil || tensorKey == "" {
		return nil, false
	}
	return cc.c.Get(tensorKey)
}

// SetChart stores chart for 15 minutes. The cost is the number of values held.
func (cc *ChartCache) SetChart(tensorKey string, chart *aggregate.Chart) {
	if cc == nil || chart == nil || tensorKey == "" {
		return
	}
	cost := int64(len(chart.Steps))
	for _, s := range chart.Series {
		cost += int64(len(s.Values))
	}
	cc.c.SetWithTTL(tensorKey, chart, max(cost, 1)*8, chartCacheTTL)
	cc.c.Wait()
}

func (cc *ChartCache) Close() {
	if cc == nil {
		return
	}
	cc.c.Close()
}
