// Package resultstore keeps fetched simulation result records on disk as zstd-compressed JSON,
// so a restart does not have to ask the backend to re-run a simulation.
//
// File layout: <dir>/<id>.json.zst holding one JSON header line followed by the raw record.
package resultstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/klauspost/compress/zstd"
)

const formatVersion = 1

// ErrNotFound is returned by Get when no file exists for the id.
var ErrNotFound = errors.New("result not stored")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

type Header struct {
	Version  int    `json:"v"`
	ID       string `json:"id"`
	StoredAt string `json:"stored_at"`
	Bytes    int    `json:"bytes"`
}

type Store struct {
	dir     string
	onWrite func(path string)
}

// OnWrite registers fn to run after every successful Put. Set it before the store is shared.
func (s *Store) OnWrite(fn func(path string)) { s.onWrite = fn }

func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty result dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Path(id string) string { return filepath.Join(s.dir, id+".json.zst") }

// Put writes raw under id, replacing any previous file atomically.
func (s *Store) Put(id string, raw []byte) (err error) {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("bad result id %q", id)
	}
	f, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if err := writeFile(f, Header{
		Version:  formatVersion,
		ID:       id,
		StoredAt: time.Now().UTC().Format(time.RFC3339),
		Bytes:    len(raw),
	}, raw); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.Path(id)); err != nil {
		return err
	}
	if s.onWrite != nil {
		s.onWrite(s.Path(id))
	}
	return nil
}

func writeFile(w io.Writer, h Header, raw []byte) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)
	hb, _ := json.Marshal(h)
	if _, err := bw.Write(hb); err != nil {
		enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		enc.Close()
		return err
	}
	if _, err := bw.Write(raw); err != nil {
		enc.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// Get returns the raw record stored for id.
func (s *Store) Get(id string) ([]byte, Header, error) {
	var h Header
	if !idPattern.MatchString(id) {
		return nil, h, fmt.Errorf("bad result id %q", id)
	}
	f, err := os.Open(s.Path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, h, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, h, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, h, fmt.Errorf("header: %w", err)
	}
	if h.Version != formatVersion {
		return nil, h, fmt.Errorf("unsupported result file version %d", h.Version)
	}
	raw, err := io.ReadAll(br)
	if err != nil {
		return nil, h, err
	}
	if len(raw) != h.Bytes {
		return nil, h, fmt.Errorf("result %s truncated: %d of %d bytes", id, len(raw), h.Bytes)
	}
	return raw, h, nil
}

// Has reports whether a result file exists for id.
func (s *Store) Has(id string) bool {
	if !idPattern.MatchString(id) {
		return false
	}
	_, err := os.Stat(s.Path(id))
	return err == nil
}
