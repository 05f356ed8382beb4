// Package records holds the backend record shapes the viewer reads and checks raw records
// against embedded JSON schemas before they are decoded.
package records

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"ecotwin.ai/internal/biomass/tensor"
	"ecotwin.ai/internal/geo/tilegeo"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrInvalidRecord marks a tile or simulation record that failed schema validation.
var ErrInvalidRecord = errors.New("invalid record")

const (
	SchemaSimulationResult = "simulation_result.schema.json"
	SchemaTile             = "tile.schema.json"
	SchemaSimulation       = "simulation.schema.json"
)

// Tile is a slippy-map tile record with its linked asset ids.
type Tile struct {
	ID             string   `json:"id" yaml:"id"`
	CollectionID   string   `json:"collectionId,omitempty" yaml:"-"`
	CollectionName string   `json:"collectionName,omitempty" yaml:"-"`
	Created        string   `json:"created,omitempty" yaml:"-"`
	Updated        string   `json:"updated,omitempty" yaml:"-"`
	Name           string   `json:"name,omitempty" yaml:"name"`
	X              int      `json:"x" yaml:"x"`
	Y              int      `json:"y" yaml:"y"`
	Zoom           int      `json:"zoom" yaml:"zoom"`
	MetersPerPixel float64  `json:"metersPerPixel,omitempty" yaml:"meters_per_pixel"`
	Heightmap      string   `json:"heightmap,omitempty" yaml:"heightmap"`
	Landcover      string   `json:"landcover,omitempty" yaml:"landcover"`
	OceanData      string   `json:"oceanData,omitempty" yaml:"ocean_data"`
	Simulations    []string `json:"simulations,omitempty" yaml:"simulations"`
}

func (t Tile) Address() tilegeo.Address {
	return tilegeo.Address{X: t.X, Y: t.Y, Zoom: t.Zoom}
}

// DisplayName is the tile name, or its address when unnamed.
func (t Tile) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return "Tile " + t.Address().Key()
}

// Simulation is a simulation run record. ResultJSON names a cached result file on the record.
type Simulation struct {
	ID             string         `json:"id"`
	CollectionID   string         `json:"collectionId,omitempty"`
	CollectionName string         `json:"collectionName,omitempty"`
	Plan           string         `json:"plan,omitempty"`
	SimulationID   string         `json:"simulationId,omitempty"`
	ResultJSON     string         `json:"resultJson,omitempty"`
	ResultNpz      string         `json:"resultNpz,omitempty"`
	Options        map[string]any `json:"options,omitempty"`
}

// Agent returns the "agent" option, which selects the model the backend runs with.
func (s Simulation) Agent() string {
	if v, ok := s.Options["agent"].(string); ok {
		return v
	}
	return ""
}

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compiled(name string) (*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		names := []string{SchemaSimulationResult, SchemaTile, SchemaSimulation}
		for _, n := range names {
			b, err := schemaFS.ReadFile("schemas/" + n)
			if err != nil {
				schemasErr = err
				return
			}
			if err := c.AddResource(schemaURL(n), bytes.NewReader(b)); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", n, err)
				return
			}
		}
		out := make(map[string]*jsonschema.Schema, len(names))
		for _, n := range names {
			s, err := c.Compile(schemaURL(n))
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", n, err)
				return
			}
			out[n] = s
		}
		schemas = out
	})
	if schemasErr != nil {
		return nil, schemasErr
	}
	s, ok := schemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return s, nil
}

func schemaURL(name string) string { return "mem://ecotwin/schemas/" + name }

// Validate checks raw JSON against the named embedded schema.
func Validate(name string, raw []byte) error {
	s, err := compiled(name)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// ParseSimulationResult validates and unmarshals a result record. Every failure wraps
// tensor.ErrInvalid so callers treat it like an undecodable payload.
func ParseSimulationResult(raw []byte) (tensor.SimulationResult, error) {
	var res tensor.SimulationResult
	if err := Validate(SchemaSimulationResult, raw); err != nil {
		return res, fmt.Errorf("%w: %v", tensor.ErrInvalid, err)
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return tensor.SimulationResult{}, fmt.Errorf("%w: %v", tensor.ErrInvalid, err)
	}
	return res, nil
}

func ParseTile(raw []byte) (Tile, error) {
	var t Tile
	if err := Validate(SchemaTile, raw); err != nil {
		return t, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return Tile{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if !t.Address().Valid() {
		return Tile{}, fmt.Errorf("%w: tile %s address %s out of range", ErrInvalidRecord, t.ID, t.Address().Key())
	}
	return t, nil
}

func ParseSimulation(raw []byte) (Simulation, error) {
	var s Simulation
	if err := Validate(SchemaSimulation, raw); err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return Simulation{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return s, nil
}
