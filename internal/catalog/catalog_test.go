package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ecotwin.ai/internal/backend"
	"ecotwin.ai/internal/biomass/tensor"
	"ecotwin.ai/internal/cache"
	"ecotwin.ai/internal/logging"
	"ecotwin.ai/internal/persistence/indexdb"
	"ecotwin.ai/internal/persistence/resultstore"
	"ecotwin.ai/internal/records"
	"ecotwin.ai/internal/search"
)

type fakeBackend struct {
	tiles   map[string]records.Tile
	results map[string][]byte
	fetches atomic.Int32
}

func (f *fakeBackend) ListAllTiles(context.Context) ([]records.Tile, error) {
	out := make([]records.Tile, 0, len(f.tiles))
	for _, t := range f.tiles {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeBackend) GetTile(_ context.Context, id string) (records.Tile, error) {
	t, ok := f.tiles[id]
	if !ok {
		return records.Tile{}, backend.ErrNotFound
	}
	return t, nil
}

func (f *fakeBackend) GetTileByXYZ(_ context.Context, x, y, zoom int) (records.Tile, error) {
	for _, t := range f.tiles {
		if t.X == x && t.Y == y && t.Zoom == zoom {
			return t, nil
		}
	}
	return records.Tile{}, backend.ErrNotFound
}

func (f *fakeBackend) GetSimulation(_ context.Context, id string) (records.Simulation, error) {
	if _, ok := f.results[id]; !ok {
		return records.Simulation{}, backend.ErrNotFound
	}
	return records.Simulation{ID: id}, nil
}

func (f *fakeBackend) FetchSimulationResult(_ context.Context, sim records.Simulation) ([]byte, error) {
	f.fetches.Add(1)
	time.Sleep(10 * time.Millisecond)
	return f.results[sim.ID], nil
}

func resultJSON(t *testing.T, values []float32, shape []float64, steps []float64) []byte {
	t.Helper()
	b, err := json.Marshal(tensor.SimulationResult{
		Shape:      shape,
		Steps:      steps,
		Species:    []string{"cod", "sprat"},
		BiomassB64: tensor.Encode(values),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func newCatalog(t *testing.T, be Backend) (*Catalog, *resultstore.Store, *indexdb.SQLiteIndex) {
	t.Helper()
	dir := t.TempDir()
	idx, err := indexdb.OpenSQLite(filepath.Join(dir, "index", "viewer.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	store, err := resultstore.Open(filepath.Join(dir, "results"))
	if err != nil {
		t.Fatalf("resultstore.Open: %v", err)
	}
	tc, err := cache.NewTensorCache(64<<20, time.Minute)
	if err != nil {
		t.Fatalf("NewTensorCache: %v", err)
	}
	t.Cleanup(tc.Close)
	ts, err := search.NewTileIndex()
	if err != nil {
		t.Fatalf("NewTileIndex: %v", err)
	}
	t.Cleanup(func() { _ = ts.Close() })

	c, err := New(Options{Index: idx, Store: store, Cache: tc, Search: ts, Backend: be, Log: logging.Discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, store, idx
}

func TestCatalog_ResultFetchesOnceAndStores(t *testing.T) {
	be := &fakeBackend{results: map[string][]byte{
		"sim1": resultJSON(t, []float32{1, 2, 3, 4}, []float64{2, 1, 1, 2}, []float64{0, 9}),
	}}
	c, store, idx := newCatalog(t, be)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Result(ctx, "sim1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Result: %v", err)
		}
	}

	r, err := c.Result(ctx, "sim1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if be.fetches.Load() != 1 {
		t.Fatalf("backend fetched %d times", be.fetches.Load())
	}
	if !store.Has("sim1") {
		t.Fatalf("fetched result was not stored")
	}
	if r.Tensor.N != 2 || r.Tensor.S != 2 || r.EpisodeLength != 10 {
		t.Fatalf("result=%+v episode=%d", r.Tensor, r.EpisodeLength)
	}
	if r.Record.BiomassB64 != "" {
		t.Fatalf("record should not keep the payload")
	}

	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	meta, err := idx.Result(ctx, "sim1")
	if err != nil {
		t.Fatalf("index Result: %v", err)
	}
	if meta.TensorKey != r.Tensor.Key || meta.EpisodeLength != 10 || !meta.Monotonic {
		t.Fatalf("meta=%+v", meta)
	}
}

// gatedBackend holds result fetches until release is closed.
type gatedBackend struct {
	*fakeBackend
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedBackend) FetchSimulationResult(ctx context.Context, sim records.Simulation) ([]byte, error) {
	g.fetches.Add(1)
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return g.results[sim.ID], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCatalog_SharedLoadSurvivesCallerCancel(t *testing.T) {
	be := &gatedBackend{
		fakeBackend: &fakeBackend{results: map[string][]byte{
			"sim1": resultJSON(t, []float32{1, 2, 3, 4}, []float64{2, 1, 1, 2}, nil),
		}},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	c, _, _ := newCatalog(t, be)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Result(first, "sim1")
		firstErr <- err
	}()
	<-be.started

	second := make(chan error, 1)
	go func() {
		_, err := c.Result(context.Background(), "sim1")
		second <- err
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller: %v", err)
	}
	close(be.release)
	if err := <-second; err != nil {
		t.Fatalf("waiting caller failed with the first caller's cancel: %v", err)
	}
	if be.fetches.Load() != 1 {
		t.Fatalf("backend fetched %d times", be.fetches.Load())
	}
}

func TestCatalog_InvalidResultNotStored(t *testing.T) {
	be := &fakeBackend{results: map[string][]byte{
		"short": resultJSON(t, []float32{1, 2}, []float64{1, 2, 2, 1}, nil),
	}}
	c, store, _ := newCatalog(t, be)
	_, err := c.Result(context.Background(), "short")
	if !errors.Is(err, tensor.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if store.Has("short") {
		t.Fatalf("undecodable result was stored")
	}
}

func TestCatalog_NotFound(t *testing.T) {
	c, _, _ := newCatalog(t, nil)
	ctx := context.Background()
	if _, err := c.Result(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("offline Result: %v", err)
	}
	if _, err := c.Tile(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("offline Tile: %v", err)
	}

	online, _, _ := newCatalog(t, &fakeBackend{})
	if _, err := online.Result(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("backend Result: %v", err)
	}
	if _, err := online.TileByXYZ(ctx, 1, 1, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("backend TileByXYZ: %v", err)
	}
}

func TestCatalog_RecordResultReplaces(t *testing.T) {
	c, _, _ := newCatalog(t, nil)
	ctx := context.Background()

	if err := c.RecordResult("run", resultJSON(t, []float32{1, 1}, []float64{1, 1, 1, 2}, nil)); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	r, err := c.Result(ctx, "run")
	if err != nil || r.Tensor.Data[0] != 1 {
		t.Fatalf("first result=%v err=%v", r, err)
	}

	if err := c.RecordResult("run", resultJSON(t, []float32{7, 7}, []float64{1, 1, 1, 2}, nil)); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	r, err = c.Result(ctx, "run")
	if err != nil || r.Tensor.Data[0] != 7 {
		t.Fatalf("replaced result=%v err=%v", r, err)
	}

	if err := c.RecordResult("bad", []byte(`{"shape":[1,1,1,1]}`)); !errors.Is(err, tensor.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for record without payload, got %v", err)
	}
}

func TestCatalog_ImportResults(t *testing.T) {
	c, store, _ := newCatalog(t, nil)
	dir := t.TempDir()
	raw := resultJSON(t, []float32{3, 4}, []float64{1, 1, 1, 2}, nil)
	if err := os.WriteFile(filepath.Join(dir, "baltic_run.json"), raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err := c.ImportResults(dir)
	if err != nil || n != 1 {
		t.Fatalf("ImportResults n=%d err=%v", n, err)
	}
	if !store.Has("baltic_run") {
		t.Fatalf("imported result missing")
	}
}

func TestCatalog_TilesAndSearch(t *testing.T) {
	be := &fakeBackend{tiles: map[string]records.Tile{
		"remote": {ID: "remote", Name: "Bornholm deep", X: 17, Y: 9, Zoom: 5},
	}}
	c, _, _ := newCatalog(t, be)
	ctx := context.Background()

	n, err := c.ImportTiles(ctx, "../../configs/tiles.yaml")
	if err != nil || n != 3 {
		t.Fatalf("ImportTiles n=%d err=%v", n, err)
	}
	tiles, err := c.SearchTiles(ctx, "gotland", 10)
	if err != nil || len(tiles) != 1 || tiles[0].ID != "gotland_z7" {
		t.Fatalf("SearchTiles=%+v err=%v", tiles, err)
	}
	all, err := c.SearchTiles(ctx, "", 10)
	if err != nil || len(all) != 3 {
		t.Fatalf("blank search=%d err=%v", len(all), err)
	}

	// Unknown locally, resolved through the backend, then indexed.
	tile, err := c.TileByXYZ(ctx, 17, 9, 5)
	if err != nil || tile.ID != "remote" {
		t.Fatalf("TileByXYZ=%+v err=%v", tile, err)
	}
	tiles, err = c.SearchTiles(ctx, "bornholm", 10)
	if err != nil || len(tiles) != 1 {
		t.Fatalf("search after backend fetch=%+v err=%v", tiles, err)
	}

	synced, err := c.SyncTiles(ctx)
	if err != nil || synced != 1 {
		t.Fatalf("SyncTiles=%d err=%v", synced, err)
	}
	if err := c.RebuildSearch(ctx); err != nil {
		t.Fatalf("RebuildSearch: %v", err)
	}
}

func TestImportTiles_RejectsBadAddress(t *testing.T) {
	c, _, _ := newCatalog(t, nil)
	p := filepath.Join(t.TempDir(), "tiles.yaml")
	if err := os.WriteFile(p, []byte("tiles:\n  - id: a\n    x: 4\n    y: 0\n    zoom: 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := c.ImportTiles(context.Background(), p); err == nil {
		t.Fatalf("expected address error")
	}
}
