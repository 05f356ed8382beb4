package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ecotwin.ai/internal/biomass/raster"
	"ecotwin.ai/internal/biomass/tensor"
	"ecotwin.ai/internal/persistence/resultstore"
)

func sampleRecord(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(tensor.SimulationResult{
		Shape:   []float64{2, 2, 2, 2},
		Steps:   []float64{0, 10},
		Species: []string{"Cod", "Herring"},
		BiomassB64: tensor.Encode([]float32{
			4, 1, 4, 1, 4, 1, 4, 1,
			1, 4, 1, 4, 1, 4, 1, 4,
		}),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestRun_WritesFramesAndSummary(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "sim1.json")
	if err := os.WriteFile(in, sampleRecord(t), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := filepath.Join(dir, "frames")

	var buf bytes.Buffer
	if err := run(&buf, in, out, raster.DefaultPalette(), raster.White); err != nil {
		t.Fatalf("run: %v", err)
	}
	summary := buf.String()
	for _, want := range []string{"frames=2", "grid=2x2", "episode=11", "Cod", "first=16", "wrote 2 frames"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("summary missing %q:\n%s", want, summary)
		}
	}
	for _, name := range []string{"frame-0000.png", "frame-0001.png"} {
		b, err := os.ReadFile(filepath.Join(out, name))
		if err != nil || !bytes.HasPrefix(b, []byte("\x89PNG")) {
			t.Fatalf("%s: err=%v", name, err)
		}
	}
}

func TestRun_ReadsResultStoreFile(t *testing.T) {
	dir := t.TempDir()
	store, err := resultstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Put("sim1", sampleRecord(t)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var buf bytes.Buffer
	if err := run(&buf, store.Path("sim1"), "", nil, raster.White); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(buf.String(), "wrote") {
		t.Fatalf("no frames expected without -out:\n%s", buf.String())
	}
}

func TestRun_InvalidRecord(t *testing.T) {
	in := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(in, []byte(`{"shape":[1,1,1,1],"biomass_b64":"AAA"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := run(&bytes.Buffer{}, in, "", nil, raster.White); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestParseColors(t *testing.T) {
	pal, bg, err := parseColors("#ff0000, #00ff00", "#000000")
	if err != nil || len(pal) != 2 || pal[1].G != 255 || bg.R != 0 || bg.A != 255 {
		t.Fatalf("pal=%v bg=%v err=%v", pal, bg, err)
	}
	if _, _, err := parseColors("red", "#ffffff"); err == nil {
		t.Fatalf("expected error for a named color")
	}
}
