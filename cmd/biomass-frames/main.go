// Command biomass-frames renders every frame of a stored simulation result to PNG files and prints
// the per-species totals, without a server or backend.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"ecotwin.ai/internal/biomass/aggregate"
	"ecotwin.ai/internal/biomass/frameindex"
	"ecotwin.ai/internal/biomass/raster"
	"ecotwin.ai/internal/biomass/tensor"
	"ecotwin.ai/internal/persistence/resultstore"
	"ecotwin.ai/internal/records"
)

func main() {
	var (
		inPath     = flag.String("in", "", "result record: <id>.json, or <id>.json.zst from a result store")
		outDir     = flag.String("out", "", "directory for frame-NNNN.png files (empty: summary only)")
		paletteArg = flag.String("palette", "", "comma-separated #rrggbb species colors (default palette when empty)")
		background = flag.String("background", "#ffffff", "background color")
	)
	flag.Parse()

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "missing -in")
		os.Exit(2)
	}
	palette, bg, err := parseColors(*paletteArg, *background)
	if err != nil {
		fmt.Fprintln(os.Stderr, "colors:", err)
		os.Exit(2)
	}
	if err := run(os.Stdout, *inPath, *outDir, palette, bg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(w io.Writer, inPath, outDir string, palette []color.RGBA, bg color.RGBA) error {
	raw, err := readRecord(inPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", inPath, err)
	}
	res, err := records.ParseSimulationResult(raw)
	if err != nil {
		return err
	}
	t, err := tensor.Decode(res)
	if err != nil {
		return err
	}
	episode := tensor.EpisodeLength(res, t)

	fmt.Fprintf(w, "result %s: frames=%d grid=%dx%d species=%d episode=%d payload=%s key=%s\n",
		filepath.Base(inPath), t.N, t.H, t.W, t.S, episode, humanize.IBytes(uint64(t.SizeBytes())), t.Key[:12])
	if !t.Monotonic {
		fmt.Fprintln(w, "warning: steps are not non-decreasing; frame lookups may be wrong")
	}

	chart, err := aggregate.Aggregate(t, t.Species)
	if err != nil {
		return err
	}
	for _, s := range chart.Series {
		last := s.Values[len(s.Values)-1]
		fmt.Fprintf(w, "  %-16s first=%s last=%s\n", s.Name, humanize.Commaf(round(s.Values[0])), humanize.Commaf(round(last)))
	}

	if outDir == "" {
		return nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	rz := raster.New()
	for frame := 0; frame < t.N; frame++ {
		rz.Render(t, frame, palette, bg)
		path := filepath.Join(outDir, fmt.Sprintf("frame-%04d.png", frame))
		if err := writePNG(path, rz); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "wrote %d frames to %s (step %g shows frame %d)\n",
		t.N, outDir, t.Steps[t.N-1], frameindex.Resolve(t.Steps, t.Steps[t.N-1]))
	return nil
}

// readRecord accepts a plain JSON record or a result store file.
func readRecord(path string) ([]byte, error) {
	if strings.HasSuffix(path, ".json.zst") {
		store, err := resultstore.Open(filepath.Dir(path))
		if err != nil {
			return nil, err
		}
		raw, _, err := store.Get(strings.TrimSuffix(filepath.Base(path), ".json.zst"))
		return raw, err
	}
	return os.ReadFile(path)
}

func writePNG(path string, rz *raster.Rasterizer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, rz.Image()); err != nil {
		_ = f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

func parseColors(paletteArg, background string) ([]color.RGBA, color.RGBA, error) {
	bg, err := raster.ParseHex(background)
	if err != nil {
		return nil, color.RGBA{}, err
	}
	if strings.TrimSpace(paletteArg) == "" {
		return raster.DefaultPalette(), bg, nil
	}
	var pal []color.RGBA
	for _, h := range strings.Split(paletteArg, ",") {
		c, err := raster.ParseHex(strings.TrimSpace(h))
		if err != nil {
			return nil, color.RGBA{}, err
		}
		pal = append(pal, c)
	}
	return pal, bg, nil
}

func round(v float64) float64 { return math.Round(v*100) / 100 }
