// Package tilegeo converts slippy-map tile addresses (x, y, zoom; y grows southward) to
// geographic coordinates on the spherical Web-Mercator projection.
package tilegeo

import (
	"fmt"
	"math"
)

// LngLat is a geographic position in degrees.
type LngLat struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Pair returns the position as [lng, lat], the order map image sources expect.
func (p LngLat) Pair() [2]float64 { return [2]float64{p.Lng, p.Lat} }

// Quad holds the corners of a tile in clockwise order: NW, NE, SE, SW.
// Pixel (0,0) of an image draped onto the quad sits at the NW corner.
type Quad [4]LngLat

// Pairs returns the corners as [lng, lat] pairs.
func (q Quad) Pairs() [4][2]float64 {
	return [4][2]float64{q[0].Pair(), q[1].Pair(), q[2].Pair(), q[3].Pair()}
}

// Ring returns the quad as a closed polygon ring (first corner repeated at the end).
func (q Quad) Ring() [][2]float64 {
	return [][2]float64{q[0].Pair(), q[1].Pair(), q[2].Pair(), q[3].Pair(), q[0].Pair()}
}

// Address is a tile grid address.
type Address struct {
	X    int `json:"x"`
	Y    int `json:"y"`
	Zoom int `json:"zoom"`
}

// Valid reports whether the address lies inside the 2^zoom grid.
func (a Address) Valid() bool {
	if a.Zoom < 0 || a.Zoom >= 31 {
		return false
	}
	n := 1 << a.Zoom
	return a.X >= 0 && a.X < n && a.Y >= 0 && a.Y < n
}

// Key formats the address as "zoom/x/y".
func (a Address) Key() string { return fmt.Sprintf("%d/%d/%d", a.Zoom, a.X, a.Y) }

// Center returns the geographic center of tile (x, y) at zoom.
func Center(x, y, zoom int) LngLat {
	return project(float64(x)+0.5, float64(y)+0.5, zoom)
}

// Corner returns the NW corner of tile (x, y) at zoom.
func Corner(x, y, zoom int) LngLat {
	return project(float64(x), float64(y), zoom)
}

// TileQuad returns the four corners of tile (x, y) at zoom.
func TileQuad(x, y, zoom int) Quad {
	return Quad{
		Corner(x, y, zoom),
		Corner(x+1, y, zoom),
		Corner(x+1, y+1, zoom),
		Corner(x, y+1, zoom),
	}
}

// Bounds returns the SW and NE corners of the tile, the shape fit-to-bounds helpers take.
func Bounds(a Address) (sw, ne LngLat) {
	nw := Corner(a.X, a.Y, a.Zoom)
	se := Corner(a.X+1, a.Y+1, a.Zoom)
	return LngLat{Lng: nw.Lng, Lat: se.Lat}, LngLat{Lng: se.Lng, Lat: nw.Lat}
}

// QuadFor is TileQuad for an Address.
func QuadFor(a Address) Quad { return TileQuad(a.X, a.Y, a.Zoom) }

// CenterFor is Center for an Address.
func CenterFor(a Address) LngLat { return Center(a.X, a.Y, a.Zoom) }

func project(fx, fy float64, zoom int) LngLat {
	n := math.Exp2(float64(zoom))
	lng := fx/n*360 - 180
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*fy/n)))
	return LngLat{Lng: lng, Lat: latRad * 180 / math.Pi}
}
