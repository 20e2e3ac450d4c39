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

package aggregate

import (
	"fmt"
	"math"
	"sort"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"

	"github.com/geohealth/downscale"
)

// Masks assigns grid cells to administrative units: a cell belongs to
// the unit whose polygon contains its center. Cells are identified by
// lat-major index into the grid.
type Masks struct {
	Grid  *downscale.Grid
	cells map[int][]int
}

type unitGeom struct {
	geom.Polygonal
	id int
}

// BuildUnitMasks assigns every cell of grid whose center falls inside
// one of the given units. A center on a shared border is assigned to
// the unit with the smallest ID, so no person is counted twice. Units
// are typically the leaves of a hierarchy; coarser levels come from
// rolling leaf values up, not from their own masks.
func BuildUnitMasks(units []*Unit, grid *downscale.Grid) *Masks {
	tree := rtree.NewTree(25, 50)
	for _, u := range units {
		tree.Insert(unitGeom{Polygonal: u.Polygonal, id: u.ID})
	}
	m := &Masks{Grid: grid, cells: make(map[int][]int)}
	nx := grid.Nx()
	for j := 0; j < grid.Ny(); j++ {
		for i := 0; i < nx; i++ {
			lat, lon := grid.Center(j, i)
			p := geom.Point{X: lon, Y: lat}
			owner := -1
			for _, uI := range tree.SearchIntersect(p.Bounds()) {
				u := uI.(unitGeom)
				if p.Within(u.Polygonal) == geom.Outside {
					continue
				}
				if owner < 0 || u.id < owner {
					owner = u.id
				}
			}
			if owner >= 0 {
				m.cells[owner] = append(m.cells[owner], j*nx+i)
			}
		}
	}
	for _, c := range m.cells {
		sort.Ints(c)
	}
	return m
}

// Cells returns the cell indices assigned to a unit.
func (m *Masks) Cells(id int) []int { return m.cells[id] }

// UnitPopulations sums gridded population over each unit's mask.
func UnitPopulations(pop *PopulationGrid, masks *Masks) (map[int]float64, error) {
	if !pop.Grid.Compatible(masks.Grid) {
		return nil, fmt.Errorf("aggregate: population grid does not match mask grid")
	}
	totals := make(map[int]float64, len(masks.cells))
	for id, cells := range masks.cells {
		var sum float64
		for _, c := range cells {
			sum += pop.Data[c]
		}
		totals[id] = sum
	}
	return totals, nil
}

// WeightedMeans reduces a one-slice field to its population-weighted
// mean over each masked unit. The field is first resampled to the
// population grid with nearest-neighbor interpolation so each person is
// paired with the climate value at their location. Cells with missing
// climate contribute neither weight nor value; a unit with no
// population, or with population only under missing cells, gets NaN.
func WeightedMeans(f *downscale.Field, pop *PopulationGrid, masks *Masks) (map[int]float64, error) {
	if f.NT() != 1 {
		return nil, fmt.Errorf("aggregate: %s: weighted means need a single-slice field, got %d slices",
			f.Variable.Name, f.NT())
	}
	if !pop.Grid.Compatible(masks.Grid) {
		return nil, fmt.Errorf("aggregate: population grid does not match mask grid")
	}
	clim := f.Resample(pop.Grid, downscale.Nearest)
	nx := pop.Grid.Nx()
	means := make(map[int]float64, len(masks.cells))
	for id, cells := range masks.cells {
		var num, den float64
		for _, c := range cells {
			v := clim.Data.Get(0, c/nx, c%nx)
			if math.IsNaN(v) {
				continue
			}
			w := pop.Data[c]
			num += w * v
			den += w
		}
		if den == 0 {
			means[id] = math.NaN()
		} else {
			means[id] = num / den
		}
	}
	return means, nil
}
