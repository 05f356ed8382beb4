// Package viewer holds the per-viewer state of the map: the selected tile, the loaded
// simulation result, its playback clock and the overlay raster drawn for the current step.
package viewer

import (
	"errors"
	"fmt"
	"image/color"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ecotwin.ai/internal/biomass/aggregate"
	"ecotwin.ai/internal/biomass/frameindex"
	"ecotwin.ai/internal/biomass/raster"
	"ecotwin.ai/internal/biomass/tensor"
	"ecotwin.ai/internal/cache"
	"ecotwin.ai/internal/geo/tilegeo"
	"ecotwin.ai/internal/logging"
	"ecotwin.ai/internal/playback"
)

var (
	ErrClosed   = errors.New("viewer session closed")
	ErrNoResult = errors.New("no simulation result loaded")
)

const maxNotices = 16

// Style is how a map renderer drapes the overlay.
type Style struct {
	Opacity    float64
	Resampling string
}

type Options struct {
	Interval  time.Duration
	NewTicker func(time.Duration) playback.Ticker

	Palette    []color.RGBA
	Background color.RGBA
	Style      Style
	HoverStyle Style

	Cache *cache.TensorCache
	Log   logrus.FieldLogger
}

// Overlay is one rendered frame draped on a tile.
type Overlay struct {
	Coordinates tilegeo.Quad
	Raster      []byte
	Width       int
	Height      int
	Opacity     float64
	Resampling  string
	Step        int
	Frame       int
	TensorKey   string
}

// Notice is a transient, dismissable render or backend problem.
type Notice struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type overlayKey struct {
	tensor string
	frame  int
	step   int
	tile   tilegeo.Address
}

type Session struct {
	id    string
	opts  Options
	log   logrus.FieldLogger
	clock *playback.Clock

	mu      sync.Mutex
	closed  bool
	tile    tilegeo.Address
	hasTile bool
	hovered bool
	t       *tensor.Tensor
	episode int
	raster  *raster.Rasterizer

	// live aliases the rasterizer buffer; kept is its caller-owned copy.
	liveKey  overlayKey
	live     *Overlay
	kept     *Overlay
	chart    *aggregate.Chart
	chartErr error
	chartFor string
	notices  []Notice
}

func New(opts Options) *Session {
	if len(opts.Palette) == 0 {
		opts.Palette = raster.DefaultPalette()
	}
	if opts.Background.A == 0 {
		opts.Background = raster.White
	}
	if opts.Style.Opacity <= 0 {
		opts.Style = Style{Opacity: 0.75, Resampling: "nearest"}
	}
	if opts.HoverStyle.Opacity <= 0 {
		opts.HoverStyle = Style{Opacity: 0.8, Resampling: "linear"}
	}
	id := uuid.NewString()
	return &Session{
		id:     id,
		opts:   opts,
		log:    logging.Component(opts.Log, "viewer").WithField("session", id),
		clock:  playback.New(playback.Config{Interval: opts.Interval, NewTicker: opts.NewTicker}),
		raster: raster.New(),
	}
}

func (s *Session) ID() string { return s.id }

// SetTile selects the tile the overlay is draped on. Moving to another tile stops playback
// and unloads the result, which belongs to the previous tile.
func (s *Session) SetTile(a tilegeo.Address) error {
	if !a.Valid() {
		return fmt.Errorf("tile %s out of range", a.Key())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.hasTile && s.tile == a {
		return nil
	}
	if s.hasTile {
		s.unloadLocked()
	}
	s.tile, s.hasTile = a, true
	return nil
}

// Tile returns the selected tile.
func (s *Session) Tile() (tilegeo.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tile, s.hasTile
}

// SetHovered switches the overlay to the hover style.
func (s *Session) SetHovered(v bool) {
	s.mu.Lock()
	s.hovered = v
	s.mu.Unlock()
}

// Load decodes res, through the tensor cache when one is configured, and shows it.
// An undecodable result unloads the session and returns an error wrapping tensor.ErrInvalid.
func (s *Session) Load(res tensor.SimulationResult) error {
	key := tensor.Key(res)
	t, ok := s.opts.Cache.Get(key)
	if !ok {
		var err error
		if t, err = tensor.Decode(res); err != nil {
			s.Unload()
			return err
		}
		s.opts.Cache.Put(t)
	}
	return s.Show(t, tensor.EpisodeLength(res, t))
}

// Unload drops the shown result and stops playback. The tile stays selected.
func (s *Session) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.unloadLocked()
	}
}

// Show uses an already decoded tensor. The clock is reset when the episode length changes.
func (s *Session) Show(t *tensor.Tensor, episode int) error {
	if t == nil {
		return ErrNoResult
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.t != nil && s.t.Key == t.Key && s.episode == episode {
		return nil
	}
	if !t.Monotonic {
		s.log.WithField("tensor", t.Key).Warn("steps are not sorted; frame lookups follow payload order")
	}
	changed := s.t == nil || s.episode != episode
	s.t, s.episode = t, episode
	s.live, s.kept = nil, nil
	s.chart, s.chartErr, s.chartFor = nil, nil, ""
	if changed {
		s.clock.Reset(episode)
	}
	return nil
}

func (s *Session) unloadLocked() {
	s.t, s.episode = nil, 0
	s.live, s.kept = nil, nil
	s.chart, s.chartErr, s.chartFor = nil, nil, ""
	s.clock.Reset(0)
}

// Overlay renders the frame for the current step and returns a copy the caller may keep.
// Calls with an unchanged tensor, frame, step and tile return the same Overlay without
// rendering again.
func (s *Session) Overlay() (*Overlay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.overlayLocked()
	if err != nil {
		return nil, err
	}
	if s.kept == nil {
		k := *o
		k.Raster = append([]byte(nil), o.Raster...)
		s.kept = &k
	}
	return s.kept, nil
}

// WithOverlay calls fn with the current frame without copying the raster. The overlay and
// its Raster are only valid until fn returns, and fn must not call back into the session.
func (s *Session) WithOverlay(fn func(*Overlay) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.overlayLocked()
	if err != nil {
		return err
	}
	return fn(o)
}

func (s *Session) overlayLocked() (*Overlay, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.t == nil || !s.hasTile {
		return nil, ErrNoResult
	}
	step := s.clock.State().CurrentStep
	frame := frameindex.Resolve(s.t.Steps, float64(step))
	key := overlayKey{tensor: s.t.Key, frame: frame, step: step, tile: s.tile}

	style := s.opts.Style
	if s.hovered {
		style = s.opts.HoverStyle
	}
	if s.live != nil && s.liveKey == key {
		if s.live.Opacity != style.Opacity || s.live.Resampling != style.Resampling {
			o := *s.live
			o.Opacity, o.Resampling = style.Opacity, style.Resampling
			s.live = &o
			if s.kept != nil {
				k := *s.kept
				k.Opacity, k.Resampling = style.Opacity, style.Resampling
				s.kept = &k
			}
		}
		return s.live, nil
	}

	buf := s.raster.Render(s.t, frame, s.opts.Palette, s.opts.Background)
	w, h := s.raster.Size()
	s.live = &Overlay{
		Coordinates: tilegeo.QuadFor(s.tile),
		Raster:      buf,
		Width:       w,
		Height:      h,
		Opacity:     style.Opacity,
		Resampling:  style.Resampling,
		Step:        step,
		Frame:       frame,
		TensorKey:   s.t.Key,
	}
	s.liveKey, s.kept = key, nil
	return s.live, nil
}

// Chart aggregates the loaded result once per tensor.
func (s *Session) Chart() (aggregate.Chart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return aggregate.Chart{}, ErrClosed
	}
	if s.t == nil {
		return aggregate.Chart{}, ErrNoResult
	}
	if s.chartFor != s.t.Key {
		c, err := aggregate.Aggregate(s.t, s.t.Species)
		s.chart, s.chartErr, s.chartFor = &c, err, s.t.Key
	}
	if s.chartErr != nil {
		return aggregate.Chart{}, s.chartErr
	}
	return *s.chart, nil
}

func (s *Session) Timeline() playback.State { return s.clock.State() }

// Subscribe streams timeline changes until the session closes.
func (s *Session) Subscribe() (<-chan playback.State, func()) { return s.clock.Subscribe() }

func (s *Session) Play()            { s.clock.Play() }
func (s *Session) Pause()           { s.clock.Pause() }
func (s *Session) Toggle()          { s.clock.Toggle() }
func (s *Session) ScrubTo(step int) { s.clock.ScrubTo(step) }

// Notify records a notice. Playback is not touched.
func (s *Session) Notify(msg string) Notice {
	n := Notice{ID: uuid.NewString(), Message: msg, At: time.Now().UTC()}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
	if len(s.notices) > maxNotices {
		s.notices = append([]Notice(nil), s.notices[len(s.notices)-maxNotices:]...)
	}
	s.log.WithField("notice", n.ID).Warn(msg)
	return n
}

func (s *Session) Notices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notice(nil), s.notices...)
}

// Dismiss removes a notice and reports whether it existed.
func (s *Session) Dismiss(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notices {
		if n.ID == id {
			s.notices = append(s.notices[:i], s.notices[i+1:]...)
			return true
		}
	}
	return false
}

// Close stops the clock. Later renders fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.live, s.kept = nil, nil
	s.mu.Unlock()
	s.clock.Close()
}
