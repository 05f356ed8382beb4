package playback

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"ecotwin.ai/internal/catalog"
	"ecotwin.ai/internal/geo/tilegeo"
	"ecotwin.ai/internal/logging"
	persistlog "ecotwin.ai/internal/persistence/log"
	pb "ecotwin.ai/internal/playback"
	"ecotwin.ai/internal/protocol"
	"ecotwin.ai/internal/records"
	"ecotwin.ai/internal/viewer"
	"ecotwin.ai/internal/viewerproto"
)

// Resolver looks up what a SUBSCRIBE names.
type Resolver interface {
	Tile(ctx context.Context, id string) (records.Tile, error)
	Result(ctx context.Context, id string) (*catalog.Result, error)
}

// EventSink records session lifecycle events.
type EventSink interface {
	WriteEvent(e persistlog.SessionEvent) error
}

type Server struct {
	resolver Resolver
	session  viewer.Options
	log      logrus.FieldLogger
	events   EventSink

	upgrader websocket.Upgrader
	active   atomic.Int64
}

// NewServer streams playback sessions. Sessions are built from opts; an empty origins list
// accepts every Origin.
func NewServer(r Resolver, opts viewer.Options, origins []string, logger logrus.FieldLogger) *Server {
	allowed := map[string]bool{}
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	return &Server{
		resolver: r,
		session:  opts,
		log:      logging.Component(logger, "playback"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin] || allowed["*"]
			},
		},
	}
}

// RecordEvents sends session events to sink. Call before serving.
func (s *Server) RecordEvents(sink EventSink) { s.events = sink }

func (s *Server) event(e persistlog.SessionEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.WriteEvent(e); err != nil {
		s.log.WithError(err).Warn("session event log")
	}
}

// Active is the number of open sessions.
func (s *Server) Active() int64 { return s.active.Load() }

// conn is one viewer connection: its session and outgoing queues.
type conn struct {
	srv      *Server
	ws       *websocket.Conn
	sess     *viewer.Session
	log      logrus.FieldLogger
	encoding atomic.Value // string
	sub      viewerproto.SubscribeMsg

	frameMu sync.Mutex
	out     chan []byte // control and info messages, in order
	frames  chan []byte // only the newest frame matters
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := decodeSubscribe(msg)
		if !ok {
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sess := viewer.New(s.session)
		defer sess.Close()
		s.active.Add(1)
		defer s.active.Add(-1)

		c := &conn{
			srv:    s,
			ws:     ws,
			sess:   sess,
			log:    s.log.WithField("session", sess.ID()),
			out:    make(chan []byte, 32),
			frames: make(chan []byte, 1),
		}
		c.log.WithField("remote", r.RemoteAddr).Info("viewer connected")
		s.event(persistlog.SessionEvent{Session: sess.ID(), Type: persistlog.EventConnect, Remote: r.RemoteAddr})

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() { writeErr <- c.writeLoop(ctx) }()

		// Timeline forwarder: every clock change produces a TIMELINE and a FRAME.
		states, unsubscribe := sess.Subscribe()
		defer unsubscribe()
		go c.forward(ctx, states)

		c.subscribe(ctx, sub)

		// Reader loop.
		for {
			_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := ws.ReadMessage()
			if err != nil {
				break
			}
			c.handle(ctx, msg)
		}

		cancel()
		sess.Close()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		s.event(persistlog.SessionEvent{Session: sess.ID(), Type: persistlog.EventDisconnect})
		c.log.Info("viewer disconnected")
	}
}

func decodeSubscribe(msg []byte) (viewerproto.SubscribeMsg, bool) {
	var sub viewerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != viewerproto.TypeSubscribe || sub.ProtocolVersion != viewerproto.Version {
		return sub, false
	}
	if sub.Encoding != viewerproto.EncodingPNG {
		sub.Encoding = viewerproto.EncodingRGBA8
	}
	return sub, true
}

func (c *conn) handle(ctx context.Context, msg []byte) {
	base, err := viewerproto.DecodeBase(msg)
	if err != nil || base.ProtocolVersion != viewerproto.Version {
		return
	}
	if base.Type == viewerproto.TypeSubscribe {
		if sub, ok := decodeSubscribe(msg); ok {
			c.subscribe(ctx, sub)
		}
		return
	}
	var ctl viewerproto.ControlMsg
	if err := json.Unmarshal(msg, &ctl); err != nil {
		return
	}
	switch ctl.Type {
	case viewerproto.TypePlay:
		c.sess.Play()
	case viewerproto.TypePause:
		c.sess.Pause()
	case viewerproto.TypeToggle:
		c.sess.Toggle()
	case viewerproto.TypeScrub:
		c.sess.ScrubTo(ctl.Step)
	case viewerproto.TypeHover:
		c.sess.SetHovered(ctl.Hovered)
		c.pushFrame()
	case viewerproto.TypeDismiss:
		c.sess.Dismiss(ctl.NoticeID)
	}
}

// subscribe points the session at a tile and simulation. A result that cannot be shown
// unloads the session, answers UNAVAILABLE and leaves the connection open for another
// SUBSCRIBE.
func (c *conn) subscribe(ctx context.Context, sub viewerproto.SubscribeMsg) {
	c.encoding.Store(sub.Encoding)
	c.sub = sub
	log := c.log.WithFields(logrus.Fields{"tile": sub.TileID, "simulation": sub.SimulationID})

	tile, err := c.srv.resolver.Tile(ctx, sub.TileID)
	if err != nil {
		c.reject(err, fmt.Sprintf("tile %s", sub.TileID))
		log.WithError(err).Warn("subscribe: tile")
		return
	}
	if err := c.sess.SetTile(tile.Address()); err != nil {
		c.reject(err, err.Error())
		return
	}
	res, err := c.srv.resolver.Result(ctx, sub.SimulationID)
	if err != nil {
		if protocol.Classify(err) == protocol.ErrBackend {
			c.notice(fmt.Sprintf("simulation %s: backend unavailable", sub.SimulationID))
		}
		c.reject(err, fmt.Sprintf("simulation %s", sub.SimulationID))
		log.WithError(err).Warn("subscribe: result")
		return
	}
	if err := c.sess.Show(res.Tensor, res.EpisodeLength); err != nil {
		c.reject(err, err.Error())
		return
	}

	addr := tile.Address()
	quad := tilegeo.QuadFor(addr)
	t := res.Tensor
	c.send(viewerproto.ReadyMsg{
		Type:            viewerproto.TypeReady,
		ProtocolVersion: viewerproto.Version,
		SessionID:       c.sess.ID(),
		Tile: viewerproto.TileInfo{
			ID:          tile.ID,
			Name:        tile.DisplayName(),
			Address:     addr.Key(),
			Coordinates: quad.Pairs(),
			Outline:     quad.Ring(),
		},
		SimulationID:  res.ID,
		Steps:         t.Steps,
		Species:       t.Species,
		EpisodeLength: res.EpisodeLength,
		Shape:         [4]int{t.N, t.H, t.W, t.S},
	})
	c.srv.event(persistlog.SessionEvent{
		Session:      c.sess.ID(),
		Type:         persistlog.EventSubscribe,
		TileID:       tile.ID,
		SimulationID: res.ID,
		TensorKey:    t.Key,
	})
	c.pushTimeline(c.sess.Timeline())
	c.pushFrame()
}

func (c *conn) forward(ctx context.Context, states <-chan pb.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			c.pushTimeline(st)
			c.pushFrame()
		}
	}
}

func (c *conn) pushTimeline(st pb.State) {
	c.send(viewerproto.TimelineMsg{
		Type:            viewerproto.TypeTimeline,
		ProtocolVersion: viewerproto.Version,
		CurrentStep:     st.CurrentStep,
		MaxStep:         st.MaxStep,
		Playing:         st.Playing,
	})
}

func (c *conn) pushFrame() {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	encoding, _ := c.encoding.Load().(string)
	var msg viewerproto.FrameMsg
	var encErr error
	err := c.sess.WithOverlay(func(o *viewer.Overlay) error {
		msg = viewerproto.FrameMsg{
			Type:            viewerproto.TypeFrame,
			ProtocolVersion: viewerproto.Version,
			Step:            o.Step,
			Frame:           o.Frame,
			Width:           o.Width,
			Height:          o.Height,
			Coordinates:     o.Coordinates.Pairs(),
			Opacity:         o.Opacity,
			Resampling:      o.Resampling,
			Encoding:        encoding,
		}
		msg.Data, encErr = encodeFrame(o, encoding)
		return nil
	})
	if err != nil {
		// No result loaded (already answered UNAVAILABLE) or closed.
		return
	}
	if encErr != nil {
		c.notice(fmt.Sprintf("frame %d: %v", msg.Frame, encErr))
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	sendLatest(c.frames, b)
}

// reject drops whatever the session was showing before answering UNAVAILABLE, so the
// previous simulation stops animating.
func (c *conn) reject(err error, reason string) {
	c.sess.Unload()
	c.unavailable(err, reason)
	c.pushTimeline(c.sess.Timeline())
}

func (c *conn) unavailable(err error, reason string) {
	if errors.Is(err, viewer.ErrClosed) {
		return
	}
	code := protocol.Classify(err)
	c.send(viewerproto.UnavailableMsg{
		Type:            viewerproto.TypeUnavailable,
		ProtocolVersion: viewerproto.Version,
		Code:            code,
		Reason:          reason,
	})
	c.srv.event(persistlog.SessionEvent{
		Session:      c.sess.ID(),
		Type:         persistlog.EventUnavailable,
		TileID:       c.sub.TileID,
		SimulationID: c.sub.SimulationID,
		Code:         code,
		Detail:       err.Error(),
	})
}

func (c *conn) notice(msg string) {
	n := c.sess.Notify(msg)
	c.send(viewerproto.NoticeMsg{
		Type:            viewerproto.TypeNotice,
		ProtocolVersion: viewerproto.Version,
		ID:              n.ID,
		Message:         n.Message,
	})
}

func (c *conn) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	default:
		// Writer is stalled; the client may resubscribe.
		c.log.Warn("outgoing queue full; message dropped")
	}
}

func (c *conn) writeLoop(ctx context.Context) error {
	for {
		// Control messages go first so a TIMELINE never trails the FRAME it describes.
		select {
		case b := <-c.out:
			if err := c.write(b); err != nil {
				return err
			}
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-c.out:
			if err := c.write(b); err != nil {
				return err
			}
		case b := <-c.frames:
			if err := c.write(b); err != nil {
				return err
			}
		}
	}
}

func (c *conn) write(b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func encodeFrame(o *viewer.Overlay, encoding string) (string, error) {
	if encoding != viewerproto.EncodingPNG {
		return base64.StdEncoding.EncodeToString(o.Raster), nil
	}
	img := &image.RGBA{Pix: o.Raster, Stride: o.Width * 4, Rect: image.Rect(0, 0, o.Width, o.Height)}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
