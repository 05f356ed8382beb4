package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// LoggerOptions tunes segment rotation. OnClose receives each finished segment path, e.g. to
// mirror it off-host.
type LoggerOptions struct {
	// RotateLayout is a time layout; a new segment starts whenever its formatted value changes.
	RotateLayout string
	OnClose      func(path string)
}

// JSONLZstdWriter appends JSON lines to zstd segments named <prefix>-<segment>.jsonl.zst, hourly
// unless RotateLayout says otherwise.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	layout  string
	onClose func(string)
	now     func() time.Time

	mu     sync.Mutex
	curSeg string
	f      *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string, opts LoggerOptions) *JSONLZstdWriter {
	layout := opts.RotateLayout
	if layout == "" {
		layout = "2006-01-02-15"
	}
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		layout:  layout,
		onClose: opts.OnClose,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seg := w.now().UTC().Format(w.layout)
	if seg != w.curSeg {
		if err := w.rotateLocked(seg); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(seg string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.PathForSegment(seg), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 32*1024)
	w.curSeg = seg
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
		if w.onClose != nil {
			w.onClose(w.PathForSegment(w.curSeg))
		}
	}
	w.w = nil
	w.curSeg = ""
	return err1
}

func (w *JSONLZstdWriter) PathForSegment(seg string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, seg))
}

// Session event types.
const (
	EventConnect     = "connect"
	EventSubscribe   = "subscribe"
	EventUnavailable = "unavailable"
	EventDisconnect  = "disconnect"
)

// SessionEvent is one line of the playback session log.
type SessionEvent struct {
	At           time.Time `json:"at"`
	Session      string    `json:"session"`
	Type         string    `json:"type"`
	Remote       string    `json:"remote,omitempty"`
	TileID       string    `json:"tile_id,omitempty"`
	SimulationID string    `json:"simulation_id,omitempty"`
	TensorKey    string    `json:"tensor_key,omitempty"`
	Code         string    `json:"code,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// SessionLogger writes playback session events (compressed) under <dir>/sessions.
type SessionLogger struct{ w *JSONLZstdWriter }

func NewSessionLogger(dataDir string, opts LoggerOptions) *SessionLogger {
	return &SessionLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "sessions"), "sessions", opts)}
}

func (l *SessionLogger) WriteEvent(e SessionEvent) error {
	if e.At.IsZero() {
		e.At = l.w.now().UTC()
	}
	return l.w.Write(e)
}

func (l *SessionLogger) Close() error { return l.w.Close() }

// ReadSessionEvents decodes every event in one .jsonl.zst file.
func ReadSessionEvents(path string) ([]SessionEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []SessionEvent
	jd := json.NewDecoder(dec)
	for {
		var e SessionEvent
		if err := jd.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		out = append(out, e)
	}
}
