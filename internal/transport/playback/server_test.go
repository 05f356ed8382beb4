package playback

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ecotwin.ai/internal/biomass/tensor"
	"ecotwin.ai/internal/catalog"
	"ecotwin.ai/internal/logging"
	persistlog "ecotwin.ai/internal/persistence/log"
	pb "ecotwin.ai/internal/playback"
	"ecotwin.ai/internal/protocol"
	"ecotwin.ai/internal/records"
	"ecotwin.ai/internal/viewer"
	"ecotwin.ai/internal/viewerproto"
)

type fakeResolver struct {
	result *catalog.Result
}

func (f *fakeResolver) Tile(_ context.Context, id string) (records.Tile, error) {
	if id != "kattegat" {
		return records.Tile{}, catalog.ErrNotFound
	}
	return records.Tile{ID: id, Name: "Kattegat", X: 35, Y: 18, Zoom: 6}, nil
}

func (f *fakeResolver) Result(_ context.Context, id string) (*catalog.Result, error) {
	switch id {
	case "sim1":
		return f.result, nil
	case "broken":
		return nil, tensor.ErrInvalid
	}
	return nil, catalog.ErrNotFound
}

type chanTicker struct{ ch chan time.Time }

func (c *chanTicker) C() <-chan time.Time { return c.ch }
func (c *chanTicker) Stop()               {}

type tickerSource struct {
	mu  sync.Mutex
	all []*chanTicker
}

func (ts *tickerSource) new(time.Duration) pb.Ticker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &chanTicker{ch: make(chan time.Time, 16)}
	ts.all = append(ts.all, t)
	return t
}

func (ts *tickerSource) last() *chanTicker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.all) == 0 {
		return nil
	}
	return ts.all[len(ts.all)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	events []persistlog.SessionEvent
}

func (r *recordingSink) WriteEvent(e persistlog.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestServer(t *testing.T) (*httptest.Server, *tickerSource) {
	srv, ts, _ := newRecordingServer(t)
	return srv, ts
}

func newRecordingServer(t *testing.T) (*httptest.Server, *tickerSource, *recordingSink) {
	t.Helper()
	res := tensor.SimulationResult{
		Shape:   []float64{2, 2, 2, 2},
		Steps:   []float64{0, 10},
		Species: []string{"A", "B"},
		BiomassB64: tensor.Encode([]float32{
			4, 1, 4, 1, 4, 1, 4, 1,
			1, 4, 1, 4, 1, 4, 1, 4,
		}),
	}
	dec, err := tensor.Decode(res)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	resolver := &fakeResolver{result: &catalog.Result{ID: "sim1", Tensor: dec, EpisodeLength: tensor.EpisodeLength(res, dec)}}

	ts := &tickerSource{}
	s := NewServer(resolver, viewer.Options{NewTicker: ts.new, Log: logging.Discard()}, nil, logging.Discard())
	sink := &recordingSink{}
	s.RecordEvents(sink)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, ts, sink
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads messages until one of type typ satisfies pred.
func readUntil(t *testing.T, c *websocket.Conn, typ string, pred func([]byte) bool) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		base, err := viewerproto.DecodeBase(msg)
		if err != nil {
			t.Fatalf("bad message %s: %v", msg, err)
		}
		if base.Type == typ && (pred == nil || pred(msg)) {
			return msg
		}
	}
}

func subscribe(tile, sim string) viewerproto.SubscribeMsg {
	return viewerproto.SubscribeMsg{
		Type:            viewerproto.TypeSubscribe,
		ProtocolVersion: viewerproto.Version,
		TileID:          tile,
		SimulationID:    sim,
	}
}

func control(typ string, step int) viewerproto.ControlMsg {
	return viewerproto.ControlMsg{Type: typ, ProtocolVersion: viewerproto.Version, Step: step}
}

func frameWhere(pred func(viewerproto.FrameMsg) bool) func([]byte) bool {
	return func(b []byte) bool {
		var f viewerproto.FrameMsg
		return json.Unmarshal(b, &f) == nil && pred(f)
	}
}

func timelineWhere(pred func(viewerproto.TimelineMsg) bool) func([]byte) bool {
	return func(b []byte) bool {
		var m viewerproto.TimelineMsg
		return json.Unmarshal(b, &m) == nil && pred(m)
	}
}

func TestHandler_SubscribeAndScrub(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)
	sendJSON(t, c, subscribe("kattegat", "sim1"))

	var ready viewerproto.ReadyMsg
	if err := json.Unmarshal(readUntil(t, c, viewerproto.TypeReady, nil), &ready); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if ready.SessionID == "" || ready.Tile.Address != "6/35/18" || ready.EpisodeLength != 11 || ready.Shape != [4]int{2, 2, 2, 2} {
		t.Fatalf("ready=%+v", ready)
	}
	if len(ready.Tile.Outline) != 5 {
		t.Fatalf("outline=%v", ready.Tile.Outline)
	}

	readUntil(t, c, viewerproto.TypeTimeline, timelineWhere(func(m viewerproto.TimelineMsg) bool {
		return m.MaxStep == 10 && m.CurrentStep == 0 && !m.Playing
	}))
	var frame viewerproto.FrameMsg
	_ = json.Unmarshal(readUntil(t, c, viewerproto.TypeFrame, nil), &frame)
	if frame.Frame != 0 || frame.Width != 2 || frame.Height != 2 || frame.Encoding != viewerproto.EncodingRGBA8 {
		t.Fatalf("frame=%+v", frame)
	}
	px, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil || len(px) != 16 {
		t.Fatalf("frame data len=%d err=%v", len(px), err)
	}

	sendJSON(t, c, control(viewerproto.TypeScrub, 10))
	readUntil(t, c, viewerproto.TypeFrame, frameWhere(func(f viewerproto.FrameMsg) bool {
		return f.Step == 10 && f.Frame == 1
	}))
}

func TestHandler_PlayAdvancesOnTick(t *testing.T) {
	srv, ts := newTestServer(t)
	c := dial(t, srv)
	sendJSON(t, c, subscribe("kattegat", "sim1"))
	readUntil(t, c, viewerproto.TypeReady, nil)

	sendJSON(t, c, control(viewerproto.TypePlay, 0))
	readUntil(t, c, viewerproto.TypeTimeline, timelineWhere(func(m viewerproto.TimelineMsg) bool { return m.Playing }))

	tk := ts.last()
	if tk == nil {
		t.Fatalf("no ticker started")
	}
	tk.ch <- time.Now()
	readUntil(t, c, viewerproto.TypeTimeline, timelineWhere(func(m viewerproto.TimelineMsg) bool {
		return m.CurrentStep == 1 && m.Playing
	}))

	sendJSON(t, c, control(viewerproto.TypePause, 0))
	readUntil(t, c, viewerproto.TypeTimeline, timelineWhere(func(m viewerproto.TimelineMsg) bool {
		return m.CurrentStep == 1 && !m.Playing
	}))
}

func TestHandler_Unavailable(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)

	sendJSON(t, c, subscribe("kattegat", "broken"))
	var u viewerproto.UnavailableMsg
	_ = json.Unmarshal(readUntil(t, c, viewerproto.TypeUnavailable, nil), &u)
	if u.Code != protocol.ErrDataUnavailable {
		t.Fatalf("unavailable=%+v", u)
	}

	// The connection stays usable.
	sendJSON(t, c, subscribe("nowhere", "sim1"))
	_ = json.Unmarshal(readUntil(t, c, viewerproto.TypeUnavailable, nil), &u)
	if u.Code != protocol.ErrNotFound {
		t.Fatalf("unavailable=%+v", u)
	}

	sendJSON(t, c, subscribe("kattegat", "sim1"))
	readUntil(t, c, viewerproto.TypeFrame, nil)
}

func TestHandler_FailedResubscribeStopsPreviousSimulation(t *testing.T) {
	srv, ts := newTestServer(t)
	c := dial(t, srv)
	sendJSON(t, c, subscribe("kattegat", "sim1"))
	readUntil(t, c, viewerproto.TypeReady, nil)

	sendJSON(t, c, control(viewerproto.TypePlay, 0))
	readUntil(t, c, viewerproto.TypeTimeline, timelineWhere(func(m viewerproto.TimelineMsg) bool { return m.Playing }))
	tk := ts.last()
	if tk == nil {
		t.Fatalf("no ticker started")
	}
	tk.ch <- time.Now()
	readUntil(t, c, viewerproto.TypeFrame, frameWhere(func(f viewerproto.FrameMsg) bool { return f.Step == 1 }))

	sendJSON(t, c, subscribe("kattegat", "broken"))
	readUntil(t, c, viewerproto.TypeUnavailable, nil)
	readUntil(t, c, viewerproto.TypeTimeline, timelineWhere(func(m viewerproto.TimelineMsg) bool {
		return !m.Playing && m.MaxStep == 0 && m.CurrentStep == 0
	}))

	tk.ch <- time.Now()
	_ = c.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			break
		}
		base, err := viewerproto.DecodeBase(msg)
		if err != nil {
			t.Fatalf("bad message %s: %v", msg, err)
		}
		if base.Type == viewerproto.TypeFrame {
			t.Fatalf("frame after failed subscribe: %s", msg)
		}
		var tl viewerproto.TimelineMsg
		if base.Type == viewerproto.TypeTimeline && json.Unmarshal(msg, &tl) == nil && tl.Playing {
			t.Fatalf("still playing after failed subscribe: %s", msg)
		}
	}
}

func TestHandler_RecordsSessionEvents(t *testing.T) {
	srv, _, sink := newRecordingServer(t)
	c := dial(t, srv)
	sendJSON(t, c, subscribe("kattegat", "broken"))
	readUntil(t, c, viewerproto.TypeUnavailable, nil)
	sendJSON(t, c, subscribe("kattegat", "sim1"))
	readUntil(t, c, viewerproto.TypeReady, nil)
	_ = c.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		got := strings.Join(sink.types(), ",")
		if got == "connect,unavailable,subscribe,disconnect" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events=%s", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if u := sink.events[1]; u.Code != protocol.ErrDataUnavailable || u.SimulationID != "broken" {
		t.Fatalf("unavailable event=%+v", u)
	}
	if s := sink.events[2]; s.TensorKey == "" || s.TileID != "kattegat" {
		t.Fatalf("subscribe event=%+v", s)
	}
}

func TestHandler_RejectsMissingSubscribe(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)
	sendJSON(t, c, control(viewerproto.TypePlay, 0))

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestEncodeFramePNG(t *testing.T) {
	o := &viewer.Overlay{Raster: make([]byte, 2*3*4), Width: 2, Height: 3}
	data, err := encodeFrame(o, viewerproto.EncodingPNG)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil || !strings.HasPrefix(string(b), "\x89PNG") {
		t.Fatalf("not a png: err=%v", err)
	}
}
