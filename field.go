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
	"time"

	"github.com/ctessum/sparse"
)

// Step is the temporal granularity of a field.
type Step int

const (
	StepInstant Step = iota
	StepDay
	StepMonth
	// StepMonthOfYear is a climatological granularity: 12 slices, one
	// per calendar month, with no associated calendar dates.
	StepMonthOfYear
	StepYear
)

func (s Step) String() string {
	switch s {
	case StepInstant:
		return "instant"
	case StepDay:
		return "day"
	case StepMonth:
		return "month"
	case StepMonthOfYear:
		return "month-of-year"
	case StepYear:
		return "year"
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// A Field is a value sampled on a regular latitude-longitude grid for
// one variable across a sequence of time steps. Data is stored
// time-major as [time][lat][lon]; NaN is the explicit missing-value
// marker. Every cell of the declared grid holds either a value or NaN;
// partial grids are rejected at construction. Fields are immutable once
// produced: operations return new Fields.
type Field struct {
	Grid     *Grid
	Variable Variable
	Step     Step

	// Times holds the time instant or period start for each slice.
	// It is nil for StepMonthOfYear fields, which always hold 12 slices
	// indexed by calendar month.
	Times []time.Time

	Data *sparse.DenseArray
}

// InterpMethod selects a spatial resampling method.
type InterpMethod int

const (
	// Nearest assigns each target cell the value of the closest source
	// cell center. Used for categorical data and for inheriting coarse
	// values onto a finer grid without smoothing.
	Nearest InterpMethod = iota
	// Bilinear linearly interpolates between the four surrounding
	// source cell centers. Used for smooth anomaly fields; it never
	// invents sub-grid detail not present in the source.
	Bilinear
)

// NewField constructs a field from raw samples in time-major
// [time][lat][lon] order. It returns an IncompleteGridError if the
// samples do not cover every cell of the grid at every time step.
func NewField(grid *Grid, v Variable, step Step, times []time.Time, samples []float64) (*Field, error) {
	nt := len(times)
	if step == StepMonthOfYear {
		if times != nil {
			return nil, fmt.Errorf("downscale: %s: month-of-year fields carry no dates", v.Name)
		}
		nt = 12
	} else if nt == 0 {
		return nil, fmt.Errorf("downscale: %s: field with no time steps", v.Name)
	}
	want := nt * grid.Cells()
	if len(samples) != want {
		return nil, IncompleteGridError{Variable: v.Name, Want: want, Have: len(samples)}
	}
	data := sparse.ZerosDense(nt, grid.Ny(), grid.Nx())
	copy(data.Elements, samples)
	return &Field{Grid: grid, Variable: v, Step: step, Times: times, Data: data}, nil
}

// newFieldLike creates an empty field sharing f's metadata, on grid g
// with nt time slices.
func (f *Field) newFieldLike(g *Grid, nt int) *Field {
	return &Field{
		Grid:     g,
		Variable: f.Variable,
		Step:     f.Step,
		Times:    f.Times,
		Data:     sparse.ZerosDense(nt, g.Ny(), g.Nx()),
	}
}

// NT is the number of time slices.
func (f *Field) NT() int { return f.Data.Shape[0] }

// Value returns the value at time index t and cell (j, i).
func (f *Field) Value(t, j, i int) float64 { return f.Data.Get(t, j, i) }

// IsMissing reports whether the value at (t, j, i) is missing.
func (f *Field) IsMissing(t, j, i int) bool { return math.IsNaN(f.Data.Get(t, j, i)) }

// Resample returns a new field with f's values resampled onto target.
// Missing values are preserved: a bilinear estimate whose surrounding
// source values are partly missing falls back to the nearest valid
// surrounding value, and an all-missing neighborhood stays missing.
// Resampling offers no round-trip guarantee.
func (f *Field) Resample(target *Grid, method InterpMethod) *Field {
	if f.Grid.Compatible(target) {
		return f
	}
	o := f.newFieldLike(target, f.NT())
	switch method {
	case Nearest:
		f.resampleNearest(o)
	case Bilinear:
		f.resampleBilinear(o)
	}
	return o
}

func (f *Field) resampleNearest(o *Field) {
	jSrc := make([]int, o.Grid.Ny())
	iSrc := make([]int, o.Grid.Nx())
	for j, lat := range o.Grid.Lat {
		jSrc[j] = nearest(f.Grid.Lat, lat)
	}
	for i, lon := range o.Grid.Lon {
		iSrc[i] = nearest(f.Grid.Lon, lon)
	}
	for t := 0; t < f.NT(); t++ {
		for j := range jSrc {
			for i := range iSrc {
				o.Data.Set(f.Data.Get(t, jSrc[j], iSrc[i]), t, j, i)
			}
		}
	}
}

func (f *Field) resampleBilinear(o *Field) {
	ny, nx := f.Grid.Ny(), f.Grid.Nx()
	j0 := make([]int, o.Grid.Ny())
	fy := make([]float64, o.Grid.Ny())
	i0 := make([]int, o.Grid.Nx())
	fx := make([]float64, o.Grid.Nx())
	for j, lat := range o.Grid.Lat {
		j0[j], fy[j] = frac(f.Grid.Lat, lat)
	}
	for i, lon := range o.Grid.Lon {
		i0[i], fx[i] = frac(f.Grid.Lon, lon)
	}
	for t := 0; t < f.NT(); t++ {
		for j := range j0 {
			ja, jb := j0[j], min(j0[j]+1, ny-1)
			wy := fy[j]
			for i := range i0 {
				ia, ib := i0[i], min(i0[i]+1, nx-1)
				wx := fx[i]
				v00 := f.Data.Get(t, ja, ia)
				v01 := f.Data.Get(t, ja, ib)
				v10 := f.Data.Get(t, jb, ia)
				v11 := f.Data.Get(t, jb, ib)
				w00 := (1 - wy) * (1 - wx)
				w01 := (1 - wy) * wx
				w10 := wy * (1 - wx)
				w11 := wy * wx
				if !math.IsNaN(v00) && !math.IsNaN(v01) && !math.IsNaN(v10) && !math.IsNaN(v11) {
					o.Data.Set(w00*v00+w01*v01+w10*v10+w11*v11, t, j, i)
					continue
				}
				// Partly missing neighborhood: take the valid value
				// with the greatest interpolation weight.
				best, bestW := math.NaN(), -1.0
				for _, c := range [4]struct {
					v, w float64
				}{{v00, w00}, {v01, w01}, {v10, w10}, {v11, w11}} {
					if !math.IsNaN(c.v) && c.w > bestW {
						best, bestW = c.v, c.w
					}
				}
				o.Data.Set(best, t, j, i)
			}
		}
	}
}

// Combine merges f with other cell-by-cell, taking other's value
// wherever precedence marks the cell authoritative. The canonical use is
// letting a higher-resolution land product take precedence over a
// coarser global product. Both fields must be on the same grid with the
// same variable, granularity, and time steps; precedence is indexed
// lat-major with length Grid.Cells().
func (f *Field) Combine(other *Field, precedence []bool) (*Field, error) {
	if f.Variable.Name != other.Variable.Name {
		return nil, fmt.Errorf("downscale: combining fields of different variables %s and %s",
			f.Variable.Name, other.Variable.Name)
	}
	if f.Step != other.Step || f.NT() != other.NT() {
		return nil, fmt.Errorf("downscale: %s: combining fields with different time steps", f.Variable.Name)
	}
	if !f.Grid.Compatible(other.Grid) {
		return nil, fmt.Errorf("downscale: %s: combining fields on incompatible grids; resample first", f.Variable.Name)
	}
	if len(precedence) != f.Grid.Cells() {
		return nil, fmt.Errorf("downscale: %s: precedence mask has %d cells, grid has %d",
			f.Variable.Name, len(precedence), f.Grid.Cells())
	}
	o := f.newFieldLike(f.Grid, f.NT())
	nx := f.Grid.Nx()
	for t := 0; t < f.NT(); t++ {
		for j := 0; j < f.Grid.Ny(); j++ {
			for i := 0; i < nx; i++ {
				if precedence[j*nx+i] {
					o.Data.Set(other.Data.Get(t, j, i), t, j, i)
				} else {
					o.Data.Set(f.Data.Get(t, j, i), t, j, i)
				}
			}
		}
	}
	return o, nil
}

// DataMask returns a lat-major mask that is true for cells holding a
// valid value at every time step. A land product's data mask is the
// precedence mask for Combine.
func (f *Field) DataMask() []bool {
	mask := make([]bool, f.Grid.Cells())
	nx := f.Grid.Nx()
	for j := 0; j < f.Grid.Ny(); j++ {
		for i := 0; i < nx; i++ {
			ok := true
			for t := 0; t < f.NT(); t++ {
				if math.IsNaN(f.Data.Get(t, j, i)) {
					ok = false
					break
				}
			}
			mask[j*nx+i] = ok
		}
	}
	return mask
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
