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
)

// DefaultDenominatorOffset is added to both numerator and denominator
// of multiplicative anomalies. The source material leaves the near-zero
// guard unspecified; an offset of 1 (1 mm of precipitation, 1 m/s of
// wind) bounds the ratio for near-zero baselines, pulling extreme
// ratios over tiny denominators toward 1 instead of letting them blow
// up. The same offset must be used for anomaly computation and any
// inverse operation.
const DefaultDenominatorOffset = 1.0

// A BiasCorrector converts daily projection fields on a coarse model
// grid into bias-corrected, downscaled daily fields on the fine
// reference grid using the anomaly (delta) method. It is deterministic
// and pure: identical inputs produce bit-identical outputs.
type BiasCorrector struct {
	// Coarse is the projection model's own reference-period climatology,
	// on the model grid. Fine is the reference (reanalysis) climatology
	// on the fine target grid; re-biasing against it is what injects the
	// reference's fine-scale spatial pattern into the model signal.
	Coarse, Fine *Climatology

	// DenominatorOffset guards multiplicative anomalies against
	// near-zero reference values. Zero means DefaultDenominatorOffset.
	DenominatorOffset float64
}

// NewBiasCorrector validates that the two climatologies describe the
// same variable with the same calendar-month indexing.
func NewBiasCorrector(coarse, fine *Climatology) (*BiasCorrector, error) {
	if coarse.Field.Variable.Name != fine.Field.Variable.Name {
		return nil, ClimatologyMismatchError{
			Variable: coarse.Field.Variable.Name,
			Source:   coarse.Source,
			Reason: fmt.Sprintf("fine climatology describes %s, not %s",
				fine.Field.Variable.Name, coarse.Field.Variable.Name),
		}
	}
	for _, c := range []*Climatology{coarse, fine} {
		if c.Field.Step != StepMonthOfYear || c.Field.NT() != 12 {
			return nil, ClimatologyMismatchError{
				Variable: c.Field.Variable.Name,
				Source:   c.Source,
				Reason:   fmt.Sprintf("climatology has %d slices with granularity %v; want 12 month-of-year slices", c.Field.NT(), c.Field.Step),
			}
		}
	}
	return &BiasCorrector{Coarse: coarse, Fine: fine}, nil
}

func (bc *BiasCorrector) offset() float64 {
	if bc.DenominatorOffset == 0 {
		return DefaultDenominatorOffset
	}
	return bc.DenominatorOffset
}

// Anomaly computes the per-day anomaly of projection against the coarse
// climatology for the matching calendar month: a difference for
// additive variables, an offset ratio for multiplicative ones.
// The projection must be on the coarse climatology's grid.
func (bc *BiasCorrector) Anomaly(projection *Field) (*Field, error) {
	clim := bc.Coarse
	if projection.Variable.Name != clim.Field.Variable.Name {
		return nil, ClimatologyMismatchError{
			Variable: projection.Variable.Name,
			Source:   clim.Source,
			Reason:   fmt.Sprintf("projection variable does not match climatology variable %s", clim.Field.Variable.Name),
		}
	}
	if projection.Step != StepDay && projection.Step != StepMonth {
		return nil, ClimatologyMismatchError{
			Variable: projection.Variable.Name,
			Source:   clim.Source,
			Reason:   fmt.Sprintf("projection granularity %v cannot index a monthly climatology", projection.Step),
		}
	}
	if !projection.Grid.Compatible(clim.Field.Grid) {
		return nil, ClimatologyMismatchError{
			Variable: projection.Variable.Name,
			Source:   clim.Source,
			Reason:   "projection and coarse climatology are on incompatible grids",
		}
	}
	δ := bc.offset()
	o := projection.newFieldLike(projection.Grid, projection.NT())
	for t, tm := range projection.Times {
		m := int(tm.Month()) - 1
		for j := 0; j < projection.Grid.Ny(); j++ {
			for i := 0; i < projection.Grid.Nx(); i++ {
				p := projection.Data.Get(t, j, i)
				c := clim.Field.Data.Get(m, j, i)
				var a float64
				switch {
				case math.IsNaN(p) || math.IsNaN(c):
					a = math.NaN()
				case projection.Variable.Kind == Additive:
					a = p - c
				default:
					a = (p + δ) / (c + δ)
				}
				o.Data.Set(a, t, j, i)
			}
		}
	}
	return o, nil
}

// Downscale resamples an anomaly field from the coarse model grid onto
// the fine reference grid with bilinear interpolation, preserving the
// smooth large-scale signal.
func (bc *BiasCorrector) Downscale(anomaly *Field) *Field {
	return anomaly.Resample(bc.Fine.Field.Grid, Bilinear)
}

// Rebias applies a downscaled anomaly to the fine-grid reference
// climatology: addition for additive variables, multiplication for
// multiplicative ones. The anomaly must already be on the fine grid.
func (bc *BiasCorrector) Rebias(anomaly *Field) (*Field, error) {
	fine := bc.Fine
	if !anomaly.Grid.Compatible(fine.Field.Grid) {
		return nil, ClimatologyMismatchError{
			Variable: anomaly.Variable.Name,
			Source:   fine.Source,
			Reason:   "anomaly is not on the fine reference grid; downscale first",
		}
	}
	o := anomaly.newFieldLike(anomaly.Grid, anomaly.NT())
	for t, tm := range anomaly.Times {
		m := int(tm.Month()) - 1
		for j := 0; j < anomaly.Grid.Ny(); j++ {
			for i := 0; i < anomaly.Grid.Nx(); i++ {
				a := anomaly.Data.Get(t, j, i)
				c := fine.Field.Data.Get(m, j, i)
				var v float64
				switch {
				case math.IsNaN(a) || math.IsNaN(c):
					v = math.NaN()
				case anomaly.Variable.Kind == Additive:
					v = c + a
				default:
					v = c * a
				}
				o.Data.Set(v, t, j, i)
			}
		}
	}
	return o, nil
}

// Correct runs the full anomaly-downscale-rebias sequence for one daily
// projection field, producing a bias-corrected field on the fine grid.
func (bc *BiasCorrector) Correct(projection *Field) (*Field, error) {
	anomaly, err := bc.Anomaly(projection)
	if err != nil {
		return nil, err
	}
	return bc.Rebias(bc.Downscale(anomaly))
}

// ModelAnomaly combines the anomaly fields of one model's variants into
// a single variant-weighted mean anomaly on the target grid. Variants
// of the same model may be published on slightly different grids, so
// anomalies are first summed within groups of identical grids, each
// group sum is downscaled, and the downscaled sums are averaged with
// one weight per variant.
func ModelAnomaly(variantAnomalies []*Field, target *Grid) (*Field, error) {
	if len(variantAnomalies) == 0 {
		return nil, fmt.Errorf("downscale: model anomaly from zero variants")
	}
	type group struct {
		sum   *Field
		count int
	}
	var groups []*group
	for _, a := range variantAnomalies {
		var g *group
		for _, gg := range groups {
			if gg.sum.Grid.Compatible(a.Grid) {
				g = gg
				break
			}
		}
		if g == nil {
			groups = append(groups, &group{sum: a.clone(), count: 1})
			continue
		}
		if err := g.sum.addInPlace(a); err != nil {
			return nil, err
		}
		g.count++
	}
	var total *Field
	var n int
	for _, g := range groups {
		down := g.sum.Resample(target, Bilinear)
		if total == nil {
			total = down.clone()
		} else if err := total.addInPlace(down); err != nil {
			return nil, err
		}
		n += g.count
	}
	total.scaleInPlace(1 / float64(n))
	return total, nil
}

// EnsembleMeanAnomaly averages per-model mean anomalies with equal
// weight per model regardless of variant count, producing the ensemble
// anomaly used for the mean scenario surface. Models are processed in
// sorted name order so the result is deterministic.
func EnsembleMeanAnomaly(modelAnomalies map[string][]*Field, target *Grid) (*Field, error) {
	if len(modelAnomalies) == 0 {
		return nil, fmt.Errorf("downscale: ensemble anomaly from zero models")
	}
	names := make([]string, 0, len(modelAnomalies))
	for name := range modelAnomalies {
		names = append(names, name)
	}
	sort.Strings(names)
	var total *Field
	for _, name := range names {
		ma, err := ModelAnomaly(modelAnomalies[name], target)
		if err != nil {
			return nil, fmt.Errorf("downscale: ensemble anomaly for model %s: %w", name, err)
		}
		if total == nil {
			total = ma.clone()
		} else if err := total.addInPlace(ma); err != nil {
			return nil, fmt.Errorf("downscale: ensemble anomaly for model %s: %w", name, err)
		}
	}
	total.scaleInPlace(1 / float64(len(names)))
	return total, nil
}

// clone deep-copies a field; the in-place arithmetic helpers below are
// only used on freshly cloned accumulators so published Fields stay
// immutable.
func (f *Field) clone() *Field {
	return &Field{
		Grid:     f.Grid,
		Variable: f.Variable,
		Step:     f.Step,
		Times:    f.Times,
		Data:     f.Data.Copy(),
	}
}

func (f *Field) addInPlace(o *Field) error {
	if f.NT() != o.NT() || !f.Grid.Compatible(o.Grid) {
		return fmt.Errorf("downscale: %s: adding fields with mismatched shape", f.Variable.Name)
	}
	for i, v := range o.Data.Elements {
		f.Data.Elements[i] += v
	}
	return nil
}

func (f *Field) scaleInPlace(s float64) {
	for i := range f.Data.Elements {
		f.Data.Elements[i] *= s
	}
}
