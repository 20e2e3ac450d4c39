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

	"github.com/geohealth/downscale"
)

// Rollup aggregates leaf-level values up a hierarchy: every non-leaf
// unit gets the population-weighted mean of its children, computed
// level by level from the deepest level upward, and every unit gets the
// summed population of its children. Children with missing values
// contribute neither weight nor value to their parent; a parent whose
// children are all missing or unpopulated is missing. Every leaf must
// appear in values and weights.
func Rollup(h *Hierarchy, values, weights map[int]float64) (map[int]float64, map[int]float64, error) {
	outV := make(map[int]float64, len(h.units))
	outW := make(map[int]float64, len(h.units))
	for _, u := range h.Leaves() {
		v, ok := values[u.ID]
		if !ok {
			return nil, nil, HierarchyIntegrityError{Hierarchy: h.Name,
				Reason: fmt.Sprintf("no value for leaf unit %d (%s)", u.ID, u.Name)}
		}
		w, ok := weights[u.ID]
		if !ok {
			return nil, nil, HierarchyIntegrityError{Hierarchy: h.Name,
				Reason: fmt.Sprintf("no weight for leaf unit %d (%s)", u.ID, u.Name)}
		}
		outV[u.ID] = v
		outW[u.ID] = w
	}
	levels := h.Levels()
	for li := len(levels) - 1; li >= 0; li-- {
		for _, u := range h.AtLevel(levels[li]) {
			children := h.Children(u.ID)
			if len(children) == 0 {
				continue
			}
			var num, den, wsum float64
			for _, c := range children {
				cv, okV := outV[c.ID]
				cw, okW := outW[c.ID]
				if !okV || !okW {
					// Children sit at deeper levels, which are processed
					// first; a miss means the hierarchy is malformed.
					return nil, nil, HierarchyIntegrityError{Hierarchy: h.Name,
						Reason: fmt.Sprintf("child %d of unit %d was never aggregated", c.ID, u.ID)}
				}
				wsum += cw
				if math.IsNaN(cv) || cw == 0 {
					continue
				}
				num += cw * cv
				den += cw
			}
			if den == 0 {
				outV[u.ID] = math.NaN()
			} else {
				outV[u.ID] = num / den
			}
			outW[u.ID] = wsum
		}
	}
	return outV, outW, nil
}

// AggregateField runs the full reduction for one single-slice field:
// population-weighted means over the hierarchy's leaves, rolled up to
// every unit. It returns per-unit values and populations.
func AggregateField(f *downscale.Field, pop *PopulationGrid, h *Hierarchy, masks *Masks) (map[int]float64, map[int]float64, error) {
	leafValues, err := WeightedMeans(f, pop, masks)
	if err != nil {
		return nil, nil, err
	}
	leafWeights, err := UnitPopulations(pop, masks)
	if err != nil {
		return nil, nil, err
	}
	// Leaves outside the masks (islands smaller than a cell, say) still
	// need entries; they carry no people and no value.
	for _, u := range h.Leaves() {
		if _, ok := leafValues[u.ID]; !ok {
			leafValues[u.ID] = math.NaN()
		}
		if _, ok := leafWeights[u.ID]; !ok {
			leafWeights[u.ID] = 0
		}
	}
	return Rollup(h, leafValues, leafWeights)
}
