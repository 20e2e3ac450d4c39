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

package downscale

import (
	"fmt"
	"math"
	"sort"

	"github.com/ctessum/sparse"
)

// A Climatology is a month-of-year field (12 slices) holding the
// per-cell monthly means of a variable over a contiguous multi-year
// reference window, for one source (the reference reanalysis or one
// projection model). Climatologies are recomputed only if the reference
// period or the source data changes.
type Climatology struct {
	Source string
	Field  *Field
}

// ClimatologyConfig controls climatology construction.
type ClimatologyConfig struct {
	// MinYears is the minimum number of contributing years; building
	// from fewer fails rather than silently averaging over a shorter
	// window. Zero means DefaultMinYears.
	MinYears int

	// MinValidYears is the per-cell threshold: a cell missing in some
	// contributing years is still averaged over the valid years if at
	// least this many are valid, and is marked missing otherwise.
	// Zero means DefaultMinValidYears.
	MinValidYears int
}

// Default thresholds for climatology construction. The source material
// leaves these unspecified; three of the five reference years keeps a
// cell's monthly mean from being dominated by a single year while
// tolerating transient gaps in the source archive.
const (
	DefaultMinYears      = 3
	DefaultMinValidYears = 3
)

// BuildClimatology reduces daily (or monthly) fields spanning a
// contiguous reference window into one monthly climatology for the
// given source. Samples are grouped by calendar month across all years
// in the window and averaged per grid cell. A cell missing in some
// contributing year is excluded for that year; if fewer than
// MinValidYears years remain valid for a (month, cell), the cell is
// marked missing for that month.
func BuildClimatology(source string, inputs []*Field, cfg ClimatologyConfig) (*Climatology, error) {
	if cfg.MinYears == 0 {
		cfg.MinYears = DefaultMinYears
	}
	if cfg.MinValidYears == 0 {
		cfg.MinValidYears = DefaultMinValidYears
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("downscale: building climatology for %s: no input fields", source)
	}
	v := inputs[0].Variable
	grid := inputs[0].Grid
	for _, f := range inputs {
		if f.Variable.Name != v.Name {
			return nil, fmt.Errorf("downscale: building climatology for %s: mixed variables %s and %s",
				source, v.Name, f.Variable.Name)
		}
		if !f.Grid.Compatible(grid) {
			return nil, fmt.Errorf("downscale: %s (%s): building climatology from incompatible grids; resample first",
				v.Name, source)
		}
		if f.Step != StepDay && f.Step != StepMonth {
			return nil, fmt.Errorf("downscale: %s (%s): climatology inputs must be daily or monthly, got %v",
				v.Name, source, f.Step)
		}
	}

	ncell := grid.Cells()
	// Per (year, month, cell) accumulation. Years in the reference
	// window are few, so a map of dense slabs is fine.
	type slab struct {
		sum     []float64
		count   []int
		missing []bool
	}
	slabs := make(map[int]*[12]*slab) // year -> month slabs
	for _, f := range inputs {
		for t, tm := range f.Times {
			y, m := tm.Year(), int(tm.Month())-1
			ys, ok := slabs[y]
			if !ok {
				ys = new([12]*slab)
				slabs[y] = ys
			}
			s := ys[m]
			if s == nil {
				s = &slab{
					sum:     make([]float64, ncell),
					count:   make([]int, ncell),
					missing: make([]bool, ncell),
				}
				ys[m] = s
			}
			for j := 0; j < grid.Ny(); j++ {
				for i := 0; i < grid.Nx(); i++ {
					c := j*grid.Nx() + i
					val := f.Data.Get(t, j, i)
					if math.IsNaN(val) {
						s.missing[c] = true
						continue
					}
					s.sum[c] += val
					s.count[c]++
				}
			}
		}
	}

	years := make([]int, 0, len(slabs))
	for y := range slabs {
		years = append(years, y)
	}
	sort.Ints(years)
	if len(years) < cfg.MinYears {
		return nil, InsufficientReferenceDataError{
			Variable: v.Name, Source: source, Years: len(years), MinYears: cfg.MinYears,
		}
	}
	for i := 1; i < len(years); i++ {
		if years[i] != years[i-1]+1 {
			return nil, fmt.Errorf("downscale: %s (%s): reference window not contiguous: gap between %d and %d",
				v.Name, source, years[i-1], years[i])
		}
	}

	data := sparse.ZerosDense(12, grid.Ny(), grid.Nx())
	for m := 0; m < 12; m++ {
		for c := 0; c < ncell; c++ {
			var sum float64
			var n, valid int
			for _, y := range years {
				s := slabs[y][m]
				if s == nil || s.missing[c] || s.count[c] == 0 {
					continue
				}
				sum += s.sum[c]
				n += s.count[c]
				valid++
			}
			j, i := c/grid.Nx(), c%grid.Nx()
			if valid < cfg.MinValidYears || n == 0 {
				data.Set(math.NaN(), m, j, i)
			} else {
				data.Set(sum/float64(n), m, j, i)
			}
		}
	}

	return &Climatology{
		Source: source,
		Field: &Field{
			Grid:     grid,
			Variable: v,
			Step:     StepMonthOfYear,
			Data:     data,
		},
	}, nil
}

// Variable is the climate variable this climatology describes.
func (c *Climatology) Variable() Variable { return c.Field.Variable }

// Value returns the climatological value for calendar month m (1-12)
// at cell (j, i).
func (c *Climatology) Value(m, j, i int) float64 { return c.Field.Data.Get(m-1, j, i) }
