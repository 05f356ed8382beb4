package search

import (
	"testing"

	"ecotwin.ai/internal/records"
)

func newIndex(t *testing.T) *TileIndex {
	t.Helper()
	x, err := NewTileIndex()
	if err != nil {
		t.Fatalf("NewTileIndex: %v", err)
	}
	t.Cleanup(func() { _ = x.Close() })
	err = x.IndexAll([]records.Tile{
		{ID: "kattegat", Name: "Kattegat north", X: 35, Y: 18, Zoom: 6},
		{ID: "oresund", Name: "Oresund strait", X: 140, Y: 79, Zoom: 8, Landcover: "lc_oresund"},
		{ID: "gotland", Name: "Gotland basin", X: 72, Y: 38, Zoom: 7},
	})
	if err != nil {
		t.Fatalf("IndexAll: %v", err)
	}
	return x
}

func TestTileIndex_Search(t *testing.T) {
	x := newIndex(t)
	if x.Count() != 3 {
		t.Fatalf("count=%d", x.Count())
	}

	cases := []struct {
		q    string
		want string
	}{
		{"Kattegat", "kattegat"},
		{"gotl", "gotland"},
		{"8/140/79", "oresund"},
		{"oresund STRAIT", "oresund"},
	}
	for _, tc := range cases {
		ids, err := x.Search(tc.q, 5)
		if err != nil {
			t.Fatalf("Search(%q): %v", tc.q, err)
		}
		if len(ids) != 1 || ids[0] != tc.want {
			t.Fatalf("Search(%q)=%v want [%s]", tc.q, ids, tc.want)
		}
	}

	ids, err := x.Search("baltic", 5)
	if err != nil || len(ids) != 0 {
		t.Fatalf("Search(baltic)=%v err=%v", ids, err)
	}
	ids, err = x.Search("   ", 5)
	if err != nil || ids != nil {
		t.Fatalf("blank query=%v err=%v", ids, err)
	}
}

func TestTileIndex_ReplaceAndDelete(t *testing.T) {
	x := newIndex(t)
	if err := x.Index(records.Tile{ID: "gotland", Name: "Fårö", X: 72, Y: 38, Zoom: 7}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if ids, _ := x.Search("gotland", 5); len(ids) != 0 {
		t.Fatalf("old name still matches: %v", ids)
	}
	if err := x.Delete("kattegat"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ids, _ := x.Search("kattegat", 5); len(ids) != 0 {
		t.Fatalf("deleted tile still matches: %v", ids)
	}
	if x.Count() != 2 {
		t.Fatalf("count=%d", x.Count())
	}
}
