package cache

import (
	"testing"
	"time"

	"ecotwin.ai/internal/biomass/aggregate"
	"ecotwin.ai/internal/biomass/tensor"
)

func decoded(t *testing.T, values []float32) *tensor.Tensor {
	t.Helper()
	tn, err := tensor.Decode(tensor.SimulationResult{
		Shape:      []float64{1, 1, 1, float64(len(values))},
		BiomassB64: tensor.Encode(values),
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return tn
}

func TestTensorCache_PutGet(t *testing.T) {
	tc, err := NewTensorCache(1<<20, time.Minute)
	if err != nil {
		t.Fatalf("NewTensorCache: %v", err)
	}
	defer tc.Close()

	tn := decoded(t, []float32{1, 2, 3})
	tc.Put(tn)
	got, ok := tc.Get(tn.Key)
	if !ok || got != tn {
		t.Fatalf("expected cached tensor, ok=%v", ok)
	}
	if _, ok := tc.Get("missing"); ok {
		t.Fatalf("unexpected hit")
	}
	if st := tc.Stats(); st.Hits != 1 || st.Misses != 1 || st.CostBytes != 12 {
		t.Fatalf("stats=%+v", st)
	}
	if _, ok := tc.Get(""); ok {
		t.Fatalf("empty key must miss")
	}
}

func TestTensorCache_NilSafe(t *testing.T) {
	var tc *TensorCache
	tc.Put(nil)
	if _, ok := tc.Get("x"); ok {
		t.Fatalf("nil cache must miss")
	}
	tc.Close()
}

func TestChartCache(t *testing.T) {
	cc, err := NewChartCache(1 << 20)
	if err != nil {
		t.Fatalf("NewChartCache: %v", err)
	}
	defer cc.Close()

	tn := decoded(t, []float32{1, 2})
	chart, err := aggregate.Aggregate(tn, nil)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if _, ok := cc.GetChart(tn.Key); ok {
		t.Fatalf("unexpected hit")
	}
	cc.SetChart(tn.Key, &chart)
	got, ok := cc.GetChart(tn.Key)
	if !ok || got.Series[0].Values[0] != 3 {
		t.Fatalf("GetChart=%+v ok=%v", got, ok)
	}

	var nilCache *ChartCache
	nilCache.SetChart(tn.Key, &chart)
	if _, ok := nilCache.GetChart(tn.Key); ok {
		t.Fatalf("nil cache hit")
	}
}
