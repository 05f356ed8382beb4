package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"ecotwin.ai/internal/records"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not indexed")

// SQLiteIndex is a local read model of tiles and the results the viewer has decoded.
// Tile upserts are synchronous; result metadata goes through a single writer goroutine.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqResult reqKind = iota + 1
	reqFlush
)

type req struct {
	kind   reqKind
	result ResultMeta
	done   chan struct{}
}

// ResultMeta describes a decoded simulation result.
type ResultMeta struct {
	ID            string   `json:"id"`
	SimulationID  string   `json:"simulation_id,omitempty"`
	N             int      `json:"n"`
	H             int      `json:"h"`
	W             int      `json:"w"`
	S             int      `json:"s"`
	Species       []string `json:"species,omitempty"`
	EpisodeLength int      `json:"episode_length"`
	Monotonic     bool     `json:"monotonic"`
	TensorKey     string   `json:"tensor_key"`
	PayloadBytes  int64    `json:"payload_bytes"`
	Fitness       *float64 `json:"fitness,omitempty"`
	EndReason     string   `json:"end_reason,omitempty"`
	RecordedAt    string   `json:"recorded_at,omitempty"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 1024),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tiles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			zoom INTEGER NOT NULL,
			meters_per_pixel REAL NOT NULL,
			heightmap TEXT NOT NULL,
			landcover TEXT NOT NULL,
			ocean_data TEXT NOT NULL,
			simulations_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tiles_xyz ON tiles(zoom, x, y);`,
		`CREATE TABLE IF NOT EXISTS results (
			id TEXT PRIMARY KEY,
			simulation_id TEXT NOT NULL,
			n INTEGER NOT NULL,
			h INTEGER NOT NULL,
			w INTEGER NOT NULL,
			s INTEGER NOT NULL,
			species_json TEXT NOT NULL,
			episode_length INTEGER NOT NULL,
			monotonic INTEGER NOT NULL,
			tensor_key TEXT NOT NULL,
			payload_bytes INTEGER NOT NULL,
			fitness REAL,
			end_reason TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_results_simulation ON results(simulation_id);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Dropped counts result records discarded because the writer fell behind.
func (s *SQLiteIndex) Dropped() uint64 { return s.dropped.Load() }

func (s *SQLiteIndex) UpsertTile(ctx context.Context, t records.Tile) error {
	if s == nil || s.closed.Load() {
		return fmt.Errorf("index closed")
	}
	sims := t.Simulations
	if sims == nil {
		sims = []string{}
	}
	simsJSON, _ := json.Marshal(sims)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tiles(id,name,x,y,zoom,meters_per_pixel,heightmap,landcover,ocean_data,simulations_json,updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.X, t.Y, t.Zoom, t.MetersPerPixel, t.Heightmap, t.Landcover, t.OceanData,
		string(simsJSON), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

const tileColumns = `id,name,x,y,zoom,meters_per_pixel,heightmap,landcover,ocean_data,simulations_json`

func scanTile(row interface{ Scan(...any) error }) (records.Tile, error) {
	var (
		t        records.Tile
		simsJSON string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.X, &t.Y, &t.Zoom, &t.MetersPerPixel, &t.Heightmap, &t.Landcover, &t.OceanData, &simsJSON); err != nil {
		return t, err
	}
	if simsJSON != "" {
		_ = json.Unmarshal([]byte(simsJSON), &t.Simulations)
	}
	if len(t.Simulations) == 0 {
		t.Simulations = nil
	}
	return t, nil
}

func (s *SQLiteIndex) Tile(ctx context.Context, id string) (records.Tile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tileColumns+` FROM tiles WHERE id=?`, id)
	t, err := scanTile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("%w: tile %s", ErrNotFound, id)
	}
	return t, err
}

func (s *SQLiteIndex) TileByXYZ(ctx context.Context, x, y, zoom int) (records.Tile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tileColumns+` FROM tiles WHERE zoom=? AND x=? AND y=? ORDER BY id LIMIT 1`, zoom, x, y)
	t, err := scanTile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("%w: tile %d/%d/%d", ErrNotFound, zoom, x, y)
	}
	return t, err
}

// ListTiles returns every indexed tile ordered by zoom, then x, then y.
func (s *SQLiteIndex) ListTiles(ctx context.Context) ([]records.Tile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tileColumns+` FROM tiles ORDER BY zoom, x, y, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []records.Tile
	for rows.Next() {
		t, err := scanTile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordResult queues result metadata. It never blocks; when the queue is full the record is
// dropped, since the result file itself stays the source of truth.
func (s *SQLiteIndex) RecordResult(m ResultMeta) {
	if s == nil || s.closed.Load() || m.ID == "" {
		return
	}
	if m.RecordedAt == "" {
		m.RecordedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case s.ch <- req{kind: reqResult, result: m}:
	default:
		s.dropped.Add(1)
	}
}

// Flush blocks until every queued record is committed or ctx ends.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Result(ctx context.Context, id string) (ResultMeta, error) {
	var (
		m           ResultMeta
		speciesJSON string
		monotonic   int
		fitness     sql.NullFloat64
	)
	row := s.db.QueryRowContext(ctx, `SELECT id,simulation_id,n,h,w,s,species_json,episode_length,monotonic,tensor_key,payload_bytes,fitness,end_reason,recorded_at
		FROM results WHERE id=?`, id)
	err := row.Scan(&m.ID, &m.SimulationID, &m.N, &m.H, &m.W, &m.S, &speciesJSON, &m.EpisodeLength, &monotonic,
		&m.TensorKey, &m.PayloadBytes, &fitness, &m.EndReason, &m.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("%w: result %s", ErrNotFound, id)
	}
	if err != nil {
		return m, err
	}
	_ = json.Unmarshal([]byte(speciesJSON), &m.Species)
	if len(m.Species) == 0 {
		m.Species = nil
	}
	m.Monotonic = monotonic != 0
	if fitness.Valid {
		f := fitness.Float64
		m.Fitness = &f
	}
	return m, nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertResult, _ := s.db.Prepare(`INSERT OR REPLACE INTO results(id,simulation_id,n,h,w,s,species_json,episode_length,monotonic,tensor_key,payload_bytes,fitness,end_reason,recorded_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertResult != nil {
			_ = insertResult.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 64
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqResult:
			m := r.result
			species := m.Species
			if species == nil {
				species = []string{}
			}
			speciesJSON, _ := json.Marshal(species)
			var fitness any
			if m.Fitness != nil {
				fitness = *m.Fitness
			}
			monotonic := 0
			if m.Monotonic {
				monotonic = 1
			}
			if insertResult != nil {
				if _, err := tx.Stmt(insertResult).Exec(
					m.ID, m.SimulationID, m.N, m.H, m.W, m.S, string(speciesJSON),
					m.EpisodeLength, monotonic, m.TensorKey, m.PayloadBytes, fitness, m.EndReason, m.RecordedAt,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		// Readers share the single connection, so an idle queue must not hold a tx open.
		if len(s.ch) == 0 || opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
