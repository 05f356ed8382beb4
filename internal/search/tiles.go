// Package search is an in-memory full-text index over tile records, used by the tile picker.
package search

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
	_ "github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/search/query"

	"ecotwin.ai/internal/records"
)

const defaultLimit = 20

type tileDoc struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Layers  string `json:"layers"`
}

// TileIndex matches tiles by name, "z/x/y" address and linked layer ids.
type TileIndex struct {
	mu  sync.RWMutex
	idx bleve.Index
}

func NewTileIndex() (*TileIndex, error) {
	m := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = "standard"
	doc.AddFieldMappingsAt("name", text)
	doc.AddFieldMappingsAt("layers", text)

	kw := bleve.NewTextFieldMapping()
	kw.Analyzer = "keyword"
	doc.AddFieldMappingsAt("address", kw)

	m.DefaultMapping = doc
	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("tile index: %w", err)
	}
	return &TileIndex{idx: idx}, nil
}

// Index adds or replaces t.
func (x *TileIndex) Index(t records.Tile) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.idx.Index(t.ID, docFor(t))
}

// IndexAll replaces the documents for every tile in one batch.
func (x *TileIndex) IndexAll(tiles []records.Tile) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	b := x.idx.NewBatch()
	for _, t := range tiles {
		if err := b.Index(t.ID, docFor(t)); err != nil {
			return err
		}
	}
	return x.idx.Batch(b)
}

func (x *TileIndex) Delete(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.idx.Delete(id)
}

func (x *TileIndex) Count() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n, _ := x.idx.DocCount()
	return n
}

// Search returns matching tile ids, best first. Terms match whole words or word prefixes;
// a "z/x/y" term matches the address exactly.
func (x *TileIndex) Search(q string, limit int) ([]string, error) {
	terms := strings.Fields(strings.ToLower(q))
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	musts := make([]query.Query, 0, len(terms))
	for _, term := range terms {
		addr := bleve.NewTermQuery(term)
		addr.SetField("address")
		addr.SetBoost(4)

		name := bleve.NewMatchQuery(term)
		name.SetField("name")
		name.SetBoost(2)

		namePrefix := bleve.NewPrefixQuery(term)
		namePrefix.SetField("name")

		layers := bleve.NewMatchQuery(term)
		layers.SetField("layers")

		musts = append(musts, bleve.NewDisjunctionQuery(addr, name, namePrefix, layers))
	}
	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(musts...), limit, 0, false)

	x.mu.RLock()
	res, err := x.idx.Search(req)
	x.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("tile search %q: %w", q, err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, h := range res.Hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

func (x *TileIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.idx.Close()
}

func docFor(t records.Tile) tileDoc {
	layers := make([]string, 0, 3)
	for _, s := range []string{t.Heightmap, t.Landcover, t.OceanData} {
		if s != "" {
			layers = append(layers, s)
		}
	}
	return tileDoc{
		Name:    t.DisplayName(),
		Address: t.Address().Key(),
		Layers:  strings.Join(layers, " "),
	}
}
