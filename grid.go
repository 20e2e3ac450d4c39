/*
Copyright © 2024 the downscale authors.
This file is part of downscale.

downscale is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

downscale is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with downscale.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package downscale harmonizes historical reanalysis grids with
// bias-corrected future-scenario projections to build a spatiotemporally
// consistent climate-variable database, using the anomaly (delta) method:
// the change predicted by a coarse model is applied to a fine
// observational baseline rather than using the coarse model's absolute
// values directly.
package downscale

import (
	"fmt"
	"math"
	"sort"
)

// Grid defines the cell centers of a regular latitude-longitude grid.
// Coordinates are strictly increasing and in degrees.
type Grid struct {
	// Lat and Lon are the cell-center coordinates [degrees north, degrees east].
	Lat, Lon []float64

	// Dy and Dx are the nominal cell edge lengths [degrees].
	Dy, Dx float64
}

// NewGrid creates a grid from cell-center coordinate sequences.
// Both sequences must be nonempty and strictly increasing.
func NewGrid(lat, lon []float64, dy, dx float64) (*Grid, error) {
	if len(lat) == 0 || len(lon) == 0 {
		return nil, fmt.Errorf("downscale: creating grid: empty coordinate sequence (%d lat, %d lon)", len(lat), len(lon))
	}
	for i := 1; i < len(lat); i++ {
		if lat[i] <= lat[i-1] {
			return nil, fmt.Errorf("downscale: creating grid: latitude not strictly increasing at index %d (%g <= %g)", i, lat[i], lat[i-1])
		}
	}
	for i := 1; i < len(lon); i++ {
		if lon[i] <= lon[i-1] {
			return nil, fmt.Errorf("downscale: creating grid: longitude not strictly increasing at index %d (%g <= %g)", i, lon[i], lon[i-1])
		}
	}
	return &Grid{Lat: lat, Lon: lon, Dy: dy, Dx: dx}, nil
}

// GlobalGrid returns a global grid with cell edge length res [degrees]
// and cell centers offset res/2 from the poles and the antimeridian,
// matching the reference reanalysis layout (e.g. centers at ±89.95,
// ±179.95 for res=0.1).
func GlobalGrid(res float64) *Grid {
	ny := int(math.Round(180 / res))
	nx := int(math.Round(360 / res))
	lat := make([]float64, ny)
	lon := make([]float64, nx)
	for j := range lat {
		lat[j] = -90 + res/2 + float64(j)*res
	}
	for i := range lon {
		lon[i] = -180 + res/2 + float64(i)*res
	}
	return &Grid{Lat: lat, Lon: lon, Dy: res, Dx: res}
}

// Ny is the number of grid cells in the South-North direction.
func (g *Grid) Ny() int { return len(g.Lat) }

// Nx is the number of grid cells in the West-East direction.
func (g *Grid) Nx() int { return len(g.Lon) }

// Cells is the total number of grid cells.
func (g *Grid) Cells() int { return len(g.Lat) * len(g.Lon) }

// Center returns the cell-center coordinates of cell (j, i).
func (g *Grid) Center(j, i int) (lat, lon float64) {
	return g.Lat[j], g.Lon[i]
}

// Compatible reports whether two grids have exactly matching coordinates.
// Fields on incompatible grids must be resampled before combination.
func (g *Grid) Compatible(o *Grid) bool {
	if o == nil || len(g.Lat) != len(o.Lat) || len(g.Lon) != len(o.Lon) {
		return false
	}
	for j, v := range g.Lat {
		if v != o.Lat[j] {
			return false
		}
	}
	for i, v := range g.Lon {
		if v != o.Lon[i] {
			return false
		}
	}
	return true
}

// nearest returns the index of the coordinate in c closest to x.
func nearest(c []float64, x float64) int {
	i := sort.SearchFloat64s(c, x)
	if i == 0 {
		return 0
	}
	if i == len(c) {
		return len(c) - 1
	}
	if x-c[i-1] <= c[i]-x {
		return i - 1
	}
	return i
}

// frac returns the lower bracketing index of x in c and the fractional
// distance toward the next coordinate. Locations outside the coordinate
// range are clamped to the edges.
func frac(c []float64, x float64) (int, float64) {
	i := sort.SearchFloat64s(c, x)
	switch {
	case i == 0:
		return 0, 0
	case i >= len(c):
		return len(c) - 1, 0
	}
	return i - 1, (x - c[i-1]) / (c[i] - c[i-1])
}
