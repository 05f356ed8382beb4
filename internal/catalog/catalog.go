// Package catalog resolves tiles and simulation results for the viewer. Tiles come from the
// local index before the backend; results come from the result store before the backend,
// and decoded tensors are shared through the tensor cache.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"ecotwin.ai/internal/backend"
	"ecotwin.ai/internal/biomass/tensor"
	"ecotwin.ai/internal/cache"
	"ecotwin.ai/internal/logging"
	"ecotwin.ai/internal/persistence/indexdb"
	"ecotwin.ai/internal/persistence/resultstore"
	"ecotwin.ai/internal/records"
	"ecotwin.ai/internal/search"
)

// ErrNotFound is returned when neither the local stores nor the backend know the id.
var ErrNotFound = errors.New("catalog: not found")

// Backend is the subset of the backend client the catalog needs.
type Backend interface {
	ListAllTiles(ctx context.Context) ([]records.Tile, error)
	GetTile(ctx context.Context, id string) (records.Tile, error)
	GetTileByXYZ(ctx context.Context, x, y, zoom int) (records.Tile, error)
	GetSimulation(ctx context.Context, id string) (records.Simulation, error)
	FetchSimulationResult(ctx context.Context, sim records.Simulation) ([]byte, error)
}

type Options struct {
	Index   *indexdb.SQLiteIndex
	Store   *resultstore.Store
	Cache   *cache.TensorCache
	Search  *search.TileIndex
	Backend Backend // nil runs offline
	Log     logrus.FieldLogger
}

// Result is a decoded simulation result. Record carries every field but the payload.
type Result struct {
	ID            string
	Record        tensor.SimulationResult
	Tensor        *tensor.Tensor
	EpisodeLength int
	Meta          indexdb.ResultMeta
}

const loadTimeout = 2 * time.Minute

type Catalog struct {
	index   *indexdb.SQLiteIndex
	store   *resultstore.Store
	cache   *cache.TensorCache
	search  *search.TileIndex
	backend Backend
	log     logrus.FieldLogger

	group singleflight.Group

	mu      sync.Mutex
	headers map[string]header
}

type header struct {
	rec tensor.SimulationResult
	key string
}

func New(opts Options) (*Catalog, error) {
	if opts.Index == nil || opts.Store == nil {
		return nil, fmt.Errorf("catalog: index and result store are required")
	}
	return &Catalog{
		index:   opts.Index,
		store:   opts.Store,
		cache:   opts.Cache,
		search:  opts.Search,
		backend: opts.Backend,
		log:     logging.Component(opts.Log, "catalog"),
		headers: map[string]header{},
	}, nil
}

// RebuildSearch indexes every tile already in the local index.
func (c *Catalog) RebuildSearch(ctx context.Context) error {
	if c.search == nil {
		return nil
	}
	tiles, err := c.index.ListTiles(ctx)
	if err != nil {
		return err
	}
	return c.search.IndexAll(tiles)
}

func (c *Catalog) putTile(ctx context.Context, t records.Tile) error {
	if err := c.index.UpsertTile(ctx, t); err != nil {
		return fmt.Errorf("index tile %s: %w", t.ID, err)
	}
	if c.search != nil {
		if err := c.search.Index(t); err != nil {
			c.log.WithError(err).WithField("tile", t.ID).Warn("search index update failed")
		}
	}
	return nil
}

// SyncTiles copies every backend tile into the local index.
func (c *Catalog) SyncTiles(ctx context.Context) (int, error) {
	if c.backend == nil {
		return 0, nil
	}
	tiles, err := c.backend.ListAllTiles(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range tiles {
		if err := c.putTile(ctx, t); err != nil {
			return 0, err
		}
	}
	c.log.WithField("tiles", len(tiles)).Info("tiles synced")
	return len(tiles), nil
}

type tileFixture struct {
	Tiles []records.Tile `yaml:"tiles"`
}

// ImportTiles seeds the index from a YAML file with a top-level "tiles" list.
func (c *Catalog) ImportTiles(ctx context.Context, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var f tileFixture
	if err := yaml.Unmarshal(b, &f); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, t := range f.Tiles {
		if strings.TrimSpace(t.ID) == "" {
			return i, fmt.Errorf("%s: tile %d has no id", path, i)
		}
		if !t.Address().Valid() {
			return i, fmt.Errorf("%s: tile %s address %s out of range", path, t.ID, t.Address().Key())
		}
		if err := c.putTile(ctx, t); err != nil {
			return i, err
		}
	}
	return len(f.Tiles), nil
}

// ImportResults records every <id>.json file in dir as the result for <id>.
func (c *Catalog) ImportResults(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range matches {
		raw, err := os.ReadFile(p)
		if err != nil {
			return n, err
		}
		id := strings.TrimSuffix(filepath.Base(p), ".json")
		if err := c.RecordResult(id, raw); err != nil {
			return n, fmt.Errorf("%s: %w", p, err)
		}
		n++
	}
	return n, nil
}

func (c *Catalog) Tiles(ctx context.Context) ([]records.Tile, error) {
	return c.index.ListTiles(ctx)
}

// SearchTiles lists every tile for a blank query.
func (c *Catalog) SearchTiles(ctx context.Context, q string, limit int) ([]records.Tile, error) {
	if strings.TrimSpace(q) == "" || c.search == nil {
		return c.Tiles(ctx)
	}
	ids, err := c.search.Search(q, limit)
	if err != nil {
		return nil, err
	}
	out := make([]records.Tile, 0, len(ids))
	for _, id := range ids {
		t, err := c.index.Tile(ctx, id)
		if errors.Is(err, indexdb.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *Catalog) Tile(ctx context.Context, id string) (records.Tile, error) {
	t, err := c.index.Tile(ctx, id)
	if err == nil || !errors.Is(err, indexdb.ErrNotFound) {
		return t, err
	}
	if c.backend == nil {
		return records.Tile{}, fmt.Errorf("%w: tile %s", ErrNotFound, id)
	}
	t, err = c.backend.GetTile(ctx, id)
	if err != nil {
		return records.Tile{}, notFound(err)
	}
	return t, c.putTile(ctx, t)
}

func (c *Catalog) TileByXYZ(ctx context.Context, x, y, zoom int) (records.Tile, error) {
	t, err := c.index.TileByXYZ(ctx, x, y, zoom)
	if err == nil || !errors.Is(err, indexdb.ErrNotFound) {
		return t, err
	}
	if c.backend == nil {
		return records.Tile{}, fmt.Errorf("%w: tile %d/%d/%d", ErrNotFound, zoom, x, y)
	}
	t, err = c.backend.GetTileByXYZ(ctx, x, y, zoom)
	if err != nil {
		return records.Tile{}, notFound(err)
	}
	return t, c.putTile(ctx, t)
}

// RecordResult validates raw and stores it as the result for id, replacing any earlier one.
func (c *Catalog) RecordResult(id string, raw []byte) error {
	if _, err := records.ParseSimulationResult(raw); err != nil {
		return err
	}
	if err := c.store.Put(id, raw); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.headers, id)
	c.mu.Unlock()
	c.group.Forget(id)
	return nil
}

// Result returns the decoded result for a simulation record id. Concurrent calls for one id
// share a single fetch and decode. Undecodable results wrap tensor.ErrInvalid.
func (c *Catalog) Result(ctx context.Context, id string) (*Result, error) {
	if r, ok := c.cached(id); ok {
		return r, nil
	}
	// The shared load outlives any single caller; each caller stops waiting on its own ctx.
	ch := c.group.DoChan(id, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return c.load(lctx, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	}
}

func (c *Catalog) cached(id string) (*Result, bool) {
	c.mu.Lock()
	h, ok := c.headers[id]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	t, ok := c.cache.Get(h.key)
	if !ok {
		return nil, false
	}
	return c.result(id, h.rec, t), true
}

func (c *Catalog) load(ctx context.Context, id string) (*Result, error) {
	fetched := false
	raw, _, err := c.store.Get(id)
	if err != nil {
		if !errors.Is(err, resultstore.ErrNotFound) {
			c.log.WithError(err).WithField("simulation", id).Warn("stored result unreadable; refetching")
		}
		if raw, err = c.fetch(ctx, id); err != nil {
			return nil, err
		}
		fetched = true
	}

	rec, err := records.ParseSimulationResult(raw)
	if err != nil {
		return nil, err
	}
	key := tensor.Key(rec)
	t, ok := c.cache.Get(key)
	if !ok {
		if t, err = tensor.Decode(rec); err != nil {
			return nil, err
		}
		c.cache.Put(t)
		c.log.WithFields(logrus.Fields{
			"simulation": id,
			"shape":      fmt.Sprintf("%dx%dx%dx%d", t.N, t.H, t.W, t.S),
			"size":       logging.Bytes(t.SizeBytes()),
		}).Info("result decoded")
	}
	if fetched {
		if err := c.store.Put(id, raw); err != nil {
			c.log.WithError(err).WithField("simulation", id).Warn("result not stored")
		}
	}

	// The payload lives in the decoded tensor now.
	rec.BiomassB64 = ""
	c.mu.Lock()
	c.headers[id] = header{rec: rec, key: key}
	c.mu.Unlock()

	r := c.result(id, rec, t)
	c.index.RecordResult(r.Meta)
	return r, nil
}

func (c *Catalog) fetch(ctx context.Context, id string) ([]byte, error) {
	if c.backend == nil {
		return nil, fmt.Errorf("%w: result %s", ErrNotFound, id)
	}
	sim, err := c.backend.GetSimulation(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	raw, err := c.backend.FetchSimulationResult(ctx, sim)
	if err != nil {
		return nil, notFound(err)
	}
	return raw, nil
}

func (c *Catalog) result(id string, rec tensor.SimulationResult, t *tensor.Tensor) *Result {
	episode := tensor.EpisodeLength(rec, t)
	return &Result{
		ID:            id,
		Record:        rec,
		Tensor:        t,
		EpisodeLength: episode,
		Meta: indexdb.ResultMeta{
			ID:            id,
			SimulationID:  rec.SimulationID,
			N:             t.N,
			H:             t.H,
			W:             t.W,
			S:             t.S,
			Species:       t.Species,
			EpisodeLength: episode,
			Monotonic:     t.Monotonic,
			TensorKey:     t.Key,
			PayloadBytes:  t.SizeBytes(),
			Fitness:       rec.Fitness,
			EndReason:     rec.EndReason,
		},
	}
}

func notFound(err error) error {
	if errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
