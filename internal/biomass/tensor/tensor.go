package tensor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"ecotwin.ai/internal/biomass/frameindex"
)

// ErrInvalid marks a simulation result that cannot be decoded. Every Decode failure wraps it.
var ErrInvalid = errors.New("invalid simulation result")

// SimulationResult is the record produced by the simulation backend.
// Shape and steps are kept as JSON numbers so that bad values are rejected by Decode
// instead of failing at unmarshal time.
type SimulationResult struct {
	SimulationID  string    `json:"simulation_id,omitempty"`
	WorldSize     int       `json:"world_size,omitempty"`
	Species       []string  `json:"species,omitempty"`
	SampleEvery   int       `json:"sample_every,omitempty"`
	IncludeFinal  bool      `json:"include_final,omitempty"`
	DType         string    `json:"dtype,omitempty"`
	Shape         []float64 `json:"shape"`
	Steps         []float64 `json:"steps,omitempty"`
	Fitness       *float64  `json:"fitness,omitempty"`
	EpisodeLength int       `json:"episode_length,omitempty"`
	EndReason     string    `json:"end_reason,omitempty"`
	BiomassB64    string    `json:"biomass_b64"`
}

// Tensor is a decoded, read-only view of a SimulationResult payload.
// Data is indexed [t][row][col][species] in row-major order.
type Tensor struct {
	N, H, W, S int

	Data    []float32
	Steps   []float64
	Species []string

	// Key identifies the payload+shape+species+steps combination the tensor was decoded from.
	Key string
	// Monotonic is false when Steps is not non-decreasing; frame lookups are then undefined.
	Monotonic bool
}

// Decode parses and validates res. It never returns a partially filled Tensor.
func Decode(res SimulationResult) (*Tensor, error) {
	n, h, w, s, err := parseShape(res.Shape)
	if err != nil {
		return nil, err
	}
	if !isFloat32DType(res.DType) {
		return nil, fmt.Errorf("%w: unsupported dtype %q", ErrInvalid, res.DType)
	}

	raw, err := base64.StdEncoding.DecodeString(res.BiomassB64)
	if err != nil {
		return nil, fmt.Errorf("%w: biomass_b64: %v", ErrInvalid, err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: payload length %d is not a multiple of 4", ErrInvalid, len(raw))
	}

	expected := n * h * w * s
	count := len(raw) / 4
	if count < expected {
		return nil, fmt.Errorf("%w: payload has %d floats, shape needs %d", ErrInvalid, count, expected)
	}

	data := make([]float32, count)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	steps := ResolveSteps(res.Steps, n)
	return &Tensor{
		N:         n,
		H:         h,
		W:         w,
		S:         s,
		Data:      data,
		Steps:     steps,
		Species:   append([]string(nil), res.Species...),
		Key:       Key(res),
		Monotonic: frameindex.Monotonic(steps),
	}, nil
}

// ResolveSteps returns steps when it has exactly n entries, else 0..n-1.
func ResolveSteps(steps []float64, n int) []float64 {
	if len(steps) == n {
		return append([]float64(nil), steps...)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

// Encode packs values as base64 little-endian float32, the inverse of the Decode payload step.
func Encode(values []float32) string {
	buf := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// Key digests the inputs that determine a decoded tensor. Identical results share a key.
func Key(res SimulationResult) string {
	h := sha256.New()
	var tmp [8]byte
	writeFloats := func(tag string, vs []float64) {
		h.Write([]byte(tag))
		binary.LittleEndian.PutUint64(tmp[:], uint64(len(vs)))
		h.Write(tmp[:])
		for _, v := range vs {
			binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
			h.Write(tmp[:])
		}
	}
	writeFloats("shape", res.Shape)
	writeFloats("steps", res.Steps)
	h.Write([]byte("species"))
	for _, name := range res.Species {
		binary.LittleEndian.PutUint64(tmp[:], uint64(len(name)))
		h.Write(tmp[:])
		h.Write([]byte(name))
	}
	h.Write([]byte("dtype" + res.DType))
	h.Write([]byte("payload"))
	h.Write([]byte(res.BiomassB64))
	return hex.EncodeToString(h.Sum(nil))
}

// FrameLen is the number of values in one timestep slice.
func (t *Tensor) FrameLen() int { return t.H * t.W * t.S }

// Frame returns the slice for timestep i. The caller must not modify it.
func (t *Tensor) Frame(i int) []float32 {
	if i < 0 || i >= t.N {
		return nil
	}
	off := i * t.FrameLen()
	return t.Data[off : off+t.FrameLen()]
}

// At returns the value at [ti][row][col][sp].
func (t *Tensor) At(ti, row, col, sp int) float32 {
	return t.Data[((ti*t.H+row)*t.W+col)*t.S+sp]
}

// SizeBytes is the decoded payload size used as the cache cost.
func (t *Tensor) SizeBytes() int64 { return int64(len(t.Data)) * 4 }

// EpisodeLength resolves the playback length for res: episode_length when set, else one past
// the last step label when steps were supplied, else the number of frames.
func EpisodeLength(res SimulationResult, t *Tensor) int {
	if res.EpisodeLength > 0 {
		return res.EpisodeLength
	}
	if t == nil {
		return 0
	}
	if len(res.Steps) == t.N && t.N > 0 {
		last := t.Steps[t.N-1]
		if !math.IsNaN(last) && !math.IsInf(last, 0) && last >= 0 {
			return int(math.Floor(last)) + 1
		}
	}
	return t.N
}

func parseShape(shape []float64) (n, h, w, s int, err error) {
	if len(shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%w: shape must have 4 dimensions, got %d", ErrInvalid, len(shape))
	}
	var dims [4]int
	for i, v := range shape {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 || v != math.Trunc(v) || v > math.MaxInt32 {
			return 0, 0, 0, 0, fmt.Errorf("%w: shape[%d]=%v is not a positive integer", ErrInvalid, i, v)
		}
		dims[i] = int(v)
	}
	total := uint64(1)
	for _, d := range dims {
		total *= uint64(d)
		if total > math.MaxInt32 {
			return 0, 0, 0, 0, fmt.Errorf("%w: shape %v is too large", ErrInvalid, shape)
		}
	}
	return dims[0], dims[1], dims[2], dims[3], nil
}

func isFloat32DType(dtype string) bool {
	switch strings.ToLower(strings.TrimSpace(dtype)) {
	case "", "float32", "f4", "<f4":
		return true
	default:
		return false
	}
}
