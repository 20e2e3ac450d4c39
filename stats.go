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

	"github.com/GaryBoone/GoStats/stats"
	gostat "gonum.org/v1/gonum/stat"
)

// An EnsembleSummary holds per-cell summary surfaces computed across
// the draws of an ensemble: the draw mean, the draw standard deviation,
// and a central uncertainty interval.
type EnsembleSummary struct {
	Mean, StdDev *Field
	Lower, Upper *Field
}

// Default uncertainty interval bounds (a central 95% interval).
const (
	DefaultLowerQuantile = 0.025
	DefaultUpperQuantile = 0.975
)

// SummarizeDraws reduces per-draw fields for one variable, year, and
// scenario to ensemble summary surfaces. All draws must share a grid,
// variable, and time-step count. A cell missing in some draws is
// summarized over the valid draws; a cell missing in every draw is
// missing in every summary surface. lo and hi of zero select the
// default 95% interval.
func SummarizeDraws(draws []*Field, lo, hi float64) (*EnsembleSummary, error) {
	if len(draws) == 0 {
		return nil, fmt.Errorf("downscale: summarizing zero draws")
	}
	if lo == 0 && hi == 0 {
		lo, hi = DefaultLowerQuantile, DefaultUpperQuantile
	}
	if !(lo >= 0 && lo < hi && hi <= 1) {
		return nil, fmt.Errorf("downscale: summary quantiles [%g, %g] out of order", lo, hi)
	}
	first := draws[0]
	for _, d := range draws[1:] {
		if d.Variable.Name != first.Variable.Name || d.NT() != first.NT() || !d.Grid.Compatible(first.Grid) {
			return nil, fmt.Errorf("downscale: %s: summarizing draws with mismatched shape", first.Variable.Name)
		}
	}
	s := &EnsembleSummary{
		Mean:   first.newFieldLike(first.Grid, first.NT()),
		StdDev: first.newFieldLike(first.Grid, first.NT()),
		Lower:  first.newFieldLike(first.Grid, first.NT()),
		Upper:  first.newFieldLike(first.Grid, first.NT()),
	}
	vals := make([]float64, 0, len(draws))
	for t := 0; t < first.NT(); t++ {
		for j := 0; j < first.Grid.Ny(); j++ {
			for i := 0; i < first.Grid.Nx(); i++ {
				vals = vals[:0]
				for _, d := range draws {
					if v := d.Data.Get(t, j, i); !math.IsNaN(v) {
						vals = append(vals, v)
					}
				}
				if len(vals) == 0 {
					nan := math.NaN()
					s.Mean.Data.Set(nan, t, j, i)
					s.StdDev.Data.Set(nan, t, j, i)
					s.Lower.Data.Set(nan, t, j, i)
					s.Upper.Data.Set(nan, t, j, i)
					continue
				}
				s.Mean.Data.Set(stats.StatsMean(vals), t, j, i)
				if len(vals) > 1 {
					s.StdDev.Data.Set(stats.StatsSampleStandardDeviation(vals), t, j, i)
				} else {
					s.StdDev.Data.Set(0, t, j, i)
				}
				sort.Float64s(vals)
				s.Lower.Data.Set(gostat.Quantile(lo, gostat.Empirical, vals, nil), t, j, i)
				s.Upper.Data.Set(gostat.Quantile(hi, gostat.Empirical, vals, nil), t, j, i)
			}
		}
	}
	return s, nil
}
