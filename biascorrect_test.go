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
	"math"
	"testing"
	"time"
)

// constantClimatology builds a 12-month climatology holding value in
// every cell and month.
func constantClimatology(t *testing.T, g *Grid, v Variable, source string, value float64) *Climatology {
	t.Helper()
	samples := make([]float64, 12*g.Cells())
	for i := range samples {
		samples[i] = value
	}
	f, err := NewField(g, v, StepMonthOfYear, nil, samples)
	if err != nil {
		t.Fatal(err)
	}
	return &Climatology{Source: source, Field: f}
}

// constantDays builds a few days of daily samples holding value.
func constantDays(t *testing.T, g *Grid, v Variable, value float64) *Field {
	t.Helper()
	times := []time.Time{day(2050, 1, 15), day(2050, 7, 15)}
	samples := make([]float64, len(times)*g.Cells())
	for i := range samples {
		samples[i] = value
	}
	return mustField(t, g, v, StepDay, times, samples)
}

func TestCorrectAdditiveShift(t *testing.T) {
	coarse := mustGrid(t, []float64{0, 2, 4}, []float64{0, 2, 4}, 2, 2)
	fine := mustGrid(t, []float64{1, 2, 3}, []float64{1, 2, 3}, 1, 1)
	bc, err := NewBiasCorrector(
		constantClimatology(t, coarse, MeanTemperature, "model", 15),
		constantClimatology(t, fine, MeanTemperature, "era5", 10))
	if err != nil {
		t.Fatal(err)
	}

	// A projection equal to the model climatology has zero anomaly, so
	// the corrected field is the reference climatology.
	o, err := bc.Correct(constantDays(t, coarse, MeanTemperature, 15))
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range o.Data.Elements {
		if math.Abs(v-10) > testTolerance {
			t.Fatalf("zero-anomaly element %d = %g, want 10", i, v)
		}
	}

	// A uniform +2°C model signal survives downscaling exactly and
	// lands on top of the reference climatology.
	o, err = bc.Correct(constantDays(t, coarse, MeanTemperature, 17))
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range o.Data.Elements {
		if math.Abs(v-12) > testTolerance {
			t.Fatalf("shifted element %d = %g, want 12", i, v)
		}
	}
	if !o.Grid.Compatible(fine) {
		t.Error("corrected field is not on the fine grid")
	}
}

func TestCorrectMultiplicativeIdentity(t *testing.T) {
	g := mustGrid(t, []float64{0, 1}, []float64{0, 1}, 1, 1)
	bc, err := NewBiasCorrector(
		constantClimatology(t, g, TotalPrecipitation, "model", 3),
		constantClimatology(t, g, TotalPrecipitation, "era5", 7))
	if err != nil {
		t.Fatal(err)
	}
	// projection == model climatology gives ratio 1, so the corrected
	// value is exactly the reference climatology.
	o, err := bc.Correct(constantDays(t, g, TotalPrecipitation, 3))
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range o.Data.Elements {
		if math.Abs(v-7) > testTolerance {
			t.Fatalf("element %d = %g, want 7", i, v)
		}
	}
}

func TestAnomalyMultiplicativeOffset(t *testing.T) {
	g := mustGrid(t, []float64{0}, []float64{0}, 1, 1)
	bc, err := NewBiasCorrector(
		constantClimatology(t, g, TotalPrecipitation, "model", 0),
		constantClimatology(t, g, TotalPrecipitation, "era5", 0))
	if err != nil {
		t.Fatal(err)
	}
	// A zero reference would make a plain ratio blow up; the offset
	// bounds it: (4+1)/(0+1) = 5.
	a, err := bc.Anomaly(constantDays(t, g, TotalPrecipitation, 4))
	if err != nil {
		t.Fatal(err)
	}
	if got := a.Value(0, 0, 0); math.Abs(got-5) > testTolerance {
		t.Errorf("anomaly = %g, want 5", got)
	}
}

func TestAnomalyMissingPropagates(t *testing.T) {
	g := mustGrid(t, []float64{0, 1}, []float64{0, 1}, 1, 1)
	bc, err := NewBiasCorrector(
		constantClimatology(t, g, MeanTemperature, "model", 15),
		constantClimatology(t, g, MeanTemperature, "era5", 10))
	if err != nil {
		t.Fatal(err)
	}
	p := mustField(t, g, MeanTemperature, StepDay, []time.Time{day(2050, 1, 1)},
		[]float64{math.NaN(), 15, 15, 15})
	a, err := bc.Anomaly(p)
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(a.Value(0, 0, 0)) {
		t.Error("missing projection cell produced a valid anomaly")
	}
	if math.IsNaN(a.Value(0, 0, 1)) {
		t.Error("valid projection cell produced a missing anomaly")
	}
}

func TestCorrectorValidation(t *testing.T) {
	g := mustGrid(t, []float64{0}, []float64{0}, 1, 1)
	coarse := constantClimatology(t, g, MeanTemperature, "model", 15)
	fine := constantClimatology(t, g, TotalPrecipitation, "era5", 10)
	if _, err := NewBiasCorrector(coarse, fine); err == nil {
		t.Error("no error for mismatched climatology variables")
	}

	bc, err := NewBiasCorrector(coarse, constantClimatology(t, g, MeanTemperature, "era5", 10))
	if err != nil {
		t.Fatal(err)
	}
	other := mustGrid(t, []float64{5}, []float64{5}, 1, 1)
	if _, err := bc.Anomaly(constantDays(t, other, MeanTemperature, 15)); err == nil {
		t.Error("no error for projection on the wrong grid")
	}
}

func TestModelAnomalyVariantWeights(t *testing.T) {
	g := mustGrid(t, []float64{0, 1}, []float64{0, 1}, 1, 1)
	a1 := constantDays(t, g, MeanTemperature, 1)
	a2 := constantDays(t, g, MeanTemperature, 3)
	ma, err := ModelAnomaly([]*Field{a1, a2}, g)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range ma.Data.Elements {
		if math.Abs(v-2) > testTolerance {
			t.Fatalf("element %d = %g, want 2", i, v)
		}
	}
}

func TestEnsembleMeanAnomalyModelWeights(t *testing.T) {
	g := mustGrid(t, []float64{0, 1}, []float64{0, 1}, 1, 1)
	// Model a has two variants (mean anomaly 2), model b has one
	// (anomaly 5). Equal model weighting gives 3.5, not the 3 that
	// per-variant weighting would give.
	anomalies := map[string][]*Field{
		"a": {constantDays(t, g, MeanTemperature, 1), constantDays(t, g, MeanTemperature, 3)},
		"b": {constantDays(t, g, MeanTemperature, 5)},
	}
	em, err := EnsembleMeanAnomaly(anomalies, g)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range em.Data.Elements {
		if math.Abs(v-3.5) > testTolerance {
			t.Fatalf("element %d = %g, want 3.5", i, v)
		}
	}
}
