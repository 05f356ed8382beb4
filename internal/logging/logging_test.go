package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"ecotwin.ai/internal/config"
)

func TestNew_JSONComponentField(t *testing.T) {
	l, closer, err := New(config.LogConfig{Level: "debug", Format: "json"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()
	var buf bytes.Buffer
	l.SetOutput(&buf)

	Component(l, "catalog").WithField("tile", "t1").Info("loaded")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if entry["component"] != "catalog" || entry["tile"] != "t1" || entry["msg"] != "loaded" {
		t.Fatalf("entry=%v", entry)
	}
}

func TestNew_RotatingFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "logs", "viewer.log")
	l, closer, err := New(config.LogConfig{Level: "info", Format: "text", File: p, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(b, []byte("hello")) {
		t.Fatalf("log file missing entry: %q", b)
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBytes(t *testing.T) {
	if got := Bytes(2048); got != "2.0 KiB" {
		t.Fatalf("Bytes=%q", got)
	}
	if got := Bytes(-1); got != "0 B" {
		t.Fatalf("Bytes=%q", got)
	}
}
