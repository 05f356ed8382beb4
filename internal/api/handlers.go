package api

import (
	"bytes"
	"context"
	"image/color"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ecotwin.ai/internal/biomass/aggregate"
	"ecotwin.ai/internal/biomass/frameindex"
	"ecotwin.ai/internal/biomass/raster"
	"ecotwin.ai/internal/cache"
	"ecotwin.ai/internal/catalog"
	"ecotwin.ai/internal/geo/tilegeo"
	"ecotwin.ai/internal/logging"
	"ecotwin.ai/internal/protocol"
	"ecotwin.ai/internal/records"
)

// Catalog is what the handlers read from.
type Catalog interface {
	SearchTiles(ctx context.Context, q string, limit int) ([]records.Tile, error)
	Tile(ctx context.Context, id string) (records.Tile, error)
	TileByXYZ(ctx context.Context, x, y, zoom int) (records.Tile, error)
	Result(ctx context.Context, id string) (*catalog.Result, error)
}

type Options struct {
	Palette    []color.RGBA
	Background color.RGBA
	Opacity    float64
	Resampling string

	Charts  *cache.ChartCache
	Stream  http.Handler
	Origins []string
	// Sessions reports open playback sessions for /healthz.
	Sessions func() int64
	Log      logrus.FieldLogger
}

type Server struct {
	cat        Catalog
	palette    []color.RGBA
	background color.RGBA
	opacity    float64
	resampling string
	charts     *cache.ChartCache
	stream     http.Handler
	origins    []string
	sessions   func() int64
	log        logrus.FieldLogger

	rasters sync.Pool
}

func NewServer(cat Catalog, opts Options) *Server {
	if len(opts.Palette) == 0 {
		opts.Palette = raster.DefaultPalette()
	}
	if opts.Background.A == 0 {
		opts.Background = raster.White
	}
	if opts.Opacity <= 0 {
		opts.Opacity = 0.75
	}
	if opts.Resampling == "" {
		opts.Resampling = "nearest"
	}
	return &Server{
		cat:        cat,
		palette:    opts.Palette,
		background: opts.Background,
		opacity:    opts.Opacity,
		resampling: opts.Resampling,
		charts:     opts.Charts,
		stream:     opts.Stream,
		origins:    opts.Origins,
		sessions:   opts.Sessions,
		log:        logging.Component(opts.Log, "api"),
		rasters:    sync.Pool{New: func() any { return raster.New() }},
	}
}

// TileView is a tile with its map placement.
type TileView struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	X           int            `json:"x"`
	Y           int            `json:"y"`
	Zoom        int            `json:"zoom"`
	Address     string         `json:"address"`
	Center      tilegeo.LngLat `json:"center"`
	SW          tilegeo.LngLat `json:"sw"`
	NE          tilegeo.LngLat `json:"ne"`
	Landcover   string         `json:"landcover,omitempty"`
	OceanData   string         `json:"ocean_data,omitempty"`
	Heightmap   string         `json:"heightmap,omitempty"`
	Simulations []string       `json:"simulations"`
}

// QuadView is where an overlay image is draped.
type QuadView struct {
	Coordinates [4][2]float64 `json:"coordinates"`
	Outline     [][2]float64  `json:"outline"`
	Opacity     float64       `json:"opacity"`
	Resampling  string        `json:"resampling"`
}

func tileView(t records.Tile) TileView {
	a := t.Address()
	sw, ne := tilegeo.Bounds(a)
	sims := t.Simulations
	if sims == nil {
		sims = []string{}
	}
	return TileView{
		ID:          t.ID,
		Name:        t.DisplayName(),
		X:           t.X,
		Y:           t.Y,
		Zoom:        t.Zoom,
		Address:     a.Key(),
		Center:      tilegeo.CenterFor(a),
		SW:          sw,
		NE:          ne,
		Landcover:   t.Landcover,
		OceanData:   t.OceanData,
		Heightmap:   t.Heightmap,
		Simulations: sims,
	}
}

// fail writes the envelope for err. Data that cannot be shown answers 200 with a neutral payload.
func (s *Server) fail(c *gin.Context, res protocol.Response, err error, neutral any) {
	code := protocol.Classify(err)
	res.Fail(code, err.Error())
	status := http.StatusOK
	switch code {
	case protocol.ErrDataUnavailable:
		res.Data = neutral
	case protocol.ErrNotFound:
		status = http.StatusNotFound
	case protocol.ErrBadRequest:
		status = http.StatusBadRequest
	case protocol.ErrBackend:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
		s.log.WithError(err).WithField("path", c.Request.URL.Path).Error("request failed")
	}
	c.JSON(status, res)
}

func badRequest(c *gin.Context, res protocol.Response, msg string) {
	res.Fail(protocol.ErrBadRequest, msg)
	c.JSON(http.StatusBadRequest, res)
}

func (s *Server) Health(c *gin.Context) {
	res := protocol.NewResponse()
	data := gin.H{"status": "ok"}
	if s.sessions != nil {
		data["sessions"] = s.sessions()
	}
	res.Data = data
	c.JSON(http.StatusOK, res)
}

// GET /v1/tiles?q=&limit=
func (s *Server) Tiles(c *gin.Context) {
	res := protocol.NewResponse()
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(c, res, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	tiles, err := s.cat.SearchTiles(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		s.fail(c, res, err, nil)
		return
	}
	if len(tiles) > limit {
		tiles = tiles[:limit]
	}
	out := make([]TileView, 0, len(tiles))
	for _, t := range tiles {
		out = append(out, tileView(t))
	}
	res.Data = out
	c.JSON(http.StatusOK, res)
}

// GET /v1/tiles/:id
func (s *Server) Tile(c *gin.Context) {
	res := protocol.NewResponse()
	t, err := s.cat.Tile(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, res, err, nil)
		return
	}
	res.Data = tileView(t)
	c.JSON(http.StatusOK, res)
}

// GET /v1/tiles/xyz/:z/:x/:y
func (s *Server) TileByXYZ(c *gin.Context) {
	res := protocol.NewResponse()
	var vals [3]int
	for i, name := range []string{"x", "y", "z"} {
		n, err := strconv.Atoi(c.Param(name))
		if err != nil {
			badRequest(c, res, name+" must be an integer")
			return
		}
		vals[i] = n
	}
	a := tilegeo.Address{X: vals[0], Y: vals[1], Zoom: vals[2]}
	if !a.Valid() {
		badRequest(c, res, "tile address "+a.Key()+" out of range")
		return
	}
	t, err := s.cat.TileByXYZ(c.Request.Context(), a.X, a.Y, a.Zoom)
	if err != nil {
		s.fail(c, res, err, nil)
		return
	}
	res.Data = tileView(t)
	c.JSON(http.StatusOK, res)
}

// GET /v1/tiles/:id/quad
func (s *Server) TileQuad(c *gin.Context) {
	res := protocol.NewResponse()
	t, err := s.cat.Tile(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, res, err, nil)
		return
	}
	q := tilegeo.QuadFor(t.Address())
	res.Data = QuadView{
		Coordinates: q.Pairs(),
		Outline:     q.Ring(),
		Opacity:     s.opacity,
		Resampling:  s.resampling,
	}
	c.JSON(http.StatusOK, res)
}

// GET /v1/simulations/:id/chart
func (s *Server) Chart(c *gin.Context) {
	res := protocol.NewResponse()
	neutral := aggregate.Chart{Steps: []float64{}, Series: []aggregate.Series{}}
	r, err := s.cat.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, res, err, neutral)
		return
	}
	if chart, ok := s.charts.GetChart(r.Tensor.Key); ok {
		res.Data = chart
		c.JSON(http.StatusOK, res)
		return
	}
	chart, err := aggregate.Aggregate(r.Tensor, r.Tensor.Species)
	if err != nil {
		s.fail(c, res, err, neutral)
		return
	}
	s.charts.SetChart(r.Tensor.Key, &chart)
	res.Data = chart
	c.JSON(http.StatusOK, res)
}

// GET /v1/simulations/:id/meta
func (s *Server) Meta(c *gin.Context) {
	res := protocol.NewResponse()
	r, err := s.cat.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, res, err, nil)
		return
	}
	res.Data = r.Meta
	c.JSON(http.StatusOK, res)
}

// GET /v1/tiles/:id/simulations/:sim/frames/:step.png
//
// :step is a playback step, clamped into the episode; the frame drawn is the one the timeline
// would show at that step.
func (s *Server) FramePNG(c *gin.Context) {
	res := protocol.NewResponse()
	name := c.Param("frame")
	if !strings.HasSuffix(name, ".png") {
		badRequest(c, res, "frame must be <step>.png")
		return
	}
	step, err := strconv.Atoi(strings.TrimSuffix(name, ".png"))
	if err != nil {
		badRequest(c, res, "step must be an integer")
		return
	}

	ctx := c.Request.Context()
	if _, err := s.cat.Tile(ctx, c.Param("id")); err != nil {
		s.fail(c, res, err, nil)
		return
	}
	r, err := s.cat.Result(ctx, c.Param("sim"))
	if err != nil {
		s.fail(c, res, err, nil)
		return
	}

	step = min(max(step, 0), max(r.EpisodeLength-1, 0))
	frame := frameindex.Resolve(r.Tensor.Steps, float64(step))

	rz := s.rasters.Get().(*raster.Rasterizer)
	defer s.rasters.Put(rz)
	rz.Render(r.Tensor, frame, s.palette, s.background)
	var buf bytes.Buffer
	if err := png.Encode(&buf, rz.Image()); err != nil {
		s.fail(c, res, err, nil)
		return
	}
	c.Header("X-Frame-Index", strconv.Itoa(frame))
	c.Header("X-Frame-Step", strconv.Itoa(step))
	c.Header("Cache-Control", "public, max-age=300")
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}
