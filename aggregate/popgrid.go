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

// Package aggregate reduces gridded climate fields to
// population-weighted values over administrative units and rolls them
// up location hierarchies.
package aggregate

import (
	"fmt"
	"math"

	"github.com/geohealth/downscale"
)

// A PopulationGrid holds person counts per grid cell, lat-major.
// Counts are nonnegative; cells with no data are zero, never NaN.
type PopulationGrid struct {
	Grid *downscale.Grid
	Data []float64
}

// NewPopulationGrid validates raw per-cell counts against the grid.
func NewPopulationGrid(grid *downscale.Grid, data []float64) (*PopulationGrid, error) {
	if len(data) != grid.Cells() {
		return nil, fmt.Errorf("aggregate: population grid has %d cells, grid has %d", len(data), grid.Cells())
	}
	for i, v := range data {
		if math.IsNaN(v) || v < 0 {
			return nil, fmt.Errorf("aggregate: invalid population %g in cell %d", v, i)
		}
	}
	return &PopulationGrid{Grid: grid, Data: data}, nil
}

// Total is the person count summed over all cells.
func (p *PopulationGrid) Total() float64 {
	var sum float64
	for _, v := range p.Data {
		sum += v
	}
	return sum
}

// Rake scales the counts within each masked unit so unit totals match
// authoritative totals, returning a new grid. A unit with a positive
// target but no gridded population cannot be raked.
func (p *PopulationGrid) Rake(masks *Masks, totals map[int]float64) (*PopulationGrid, error) {
	o := &PopulationGrid{Grid: p.Grid, Data: make([]float64, len(p.Data))}
	copy(o.Data, p.Data)
	for id, target := range totals {
		cells := masks.Cells(id)
		var current float64
		for _, c := range cells {
			current += p.Data[c]
		}
		if current == 0 {
			if target > 0 {
				return nil, fmt.Errorf("aggregate: raking unit %d: target %g but no gridded population", id, target)
			}
			continue
		}
		scale := target / current
		for _, c := range cells {
			o.Data[c] = p.Data[c] * scale
		}
	}
	return o, nil
}

// CheckRaked verifies that unit totals match targets to within a
// relative tolerance.
func (p *PopulationGrid) CheckRaked(masks *Masks, totals map[int]float64, tolerance float64) error {
	for id, target := range totals {
		var current float64
		for _, c := range masks.Cells(id) {
			current += p.Data[c]
		}
		if target == 0 {
			if current != 0 {
				return fmt.Errorf("aggregate: unit %d has population %g, want 0", id, current)
			}
			continue
		}
		if math.Abs(current-target)/target > tolerance {
			return fmt.Errorf("aggregate: unit %d has population %g, want %g", id, current, target)
		}
	}
	return nil
}
