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
	"errors"
	"math"
	"testing"
	"time"
)

func mustGrid(t *testing.T, lat, lon []float64, dy, dx float64) *Grid {
	t.Helper()
	g, err := NewGrid(lat, lon, dy, dx)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func mustField(t *testing.T, g *Grid, v Variable, step Step, times []time.Time, samples []float64) *Field {
	t.Helper()
	f, err := NewField(g, v, step, times, samples)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNewFieldIncompleteGrid(t *testing.T) {
	g := mustGrid(t, []float64{0, 1}, []float64{0, 1}, 1, 1)
	_, err := NewField(g, MeanTemperature, StepDay, []time.Time{day(2024, 1, 1)}, []float64{1, 2, 3})
	var ige IncompleteGridError
	if !errors.As(err, &ige) {
		t.Fatalf("got %v, want IncompleteGridError", err)
	}
	if ige.Want != 4 || ige.Have != 3 {
		t.Errorf("error reports want %d have %d, expected 4 and 3", ige.Want, ige.Have)
	}
}

func TestResampleNearest(t *testing.T) {
	coarse := mustGrid(t, []float64{0, 2}, []float64{0, 2}, 2, 2)
	f := mustField(t, coarse, MeanTemperature, StepDay,
		[]time.Time{day(2024, 1, 1)}, []float64{1, 2, 3, 4})
	fine := mustGrid(t, []float64{-0.5, 0.5, 1.5, 2.5}, []float64{-0.5, 0.5, 1.5, 2.5}, 1, 1)
	o := f.Resample(fine, Nearest)
	// Cell centers at or below 1 take the low source cell, above 1 the
	// high one.
	want := [4][4]float64{
		{1, 1, 2, 2},
		{1, 1, 2, 2},
		{3, 3, 4, 4},
		{3, 3, 4, 4},
	}
	for j := 0; j < 4; j++ {
		for i := 0; i < 4; i++ {
			if got := o.Value(0, j, i); got != want[j][i] {
				t.Errorf("cell (%d, %d) = %g, want %g", j, i, got, want[j][i])
			}
		}
	}
}

func TestResampleBilinearLinearField(t *testing.T) {
	coarse := mustGrid(t, []float64{0, 2, 4}, []float64{0, 2, 4}, 2, 2)
	samples := make([]float64, 9)
	for j, lat := range coarse.Lat {
		for i, lon := range coarse.Lon {
			samples[j*3+i] = 2*lat + 3*lon
		}
	}
	f := mustField(t, coarse, MeanTemperature, StepDay, []time.Time{day(2024, 1, 1)}, samples)
	fine := mustGrid(t, []float64{1, 2, 3}, []float64{1, 2, 3}, 1, 1)
	o := f.Resample(fine, Bilinear)
	// Bilinear interpolation reproduces a linear surface exactly at
	// interior points.
	for j, lat := range fine.Lat {
		for i, lon := range fine.Lon {
			want := 2*lat + 3*lon
			if got := o.Value(0, j, i); math.Abs(got-want) > testTolerance {
				t.Errorf("cell (%d, %d) = %g, want %g", j, i, got, want)
			}
		}
	}
}

func TestResampleBilinearMissing(t *testing.T) {
	coarse := mustGrid(t, []float64{0, 2}, []float64{0, 2}, 2, 2)
	nan := math.NaN()
	f := mustField(t, coarse, MeanTemperature, StepDay,
		[]time.Time{day(2024, 1, 1)}, []float64{nan, 2, 3, 4})
	fine := mustGrid(t, []float64{0.5}, []float64{0.5}, 1, 1)
	// The missing corner has the greatest weight; the estimate falls
	// back to the heaviest valid corner instead.
	o := f.Resample(fine, Bilinear)
	got := o.Value(0, 0, 0)
	if math.IsNaN(got) {
		t.Fatal("partly missing neighborhood produced a missing value")
	}
	// Corners 2 and 3 share the second-greatest weight; either is an
	// acceptable fallback.
	if got != 2 && got != 3 {
		t.Errorf("fallback value = %g, want 2 or 3", got)
	}

	all := mustField(t, coarse, MeanTemperature, StepDay,
		[]time.Time{day(2024, 1, 1)}, []float64{nan, nan, nan, nan})
	if v := all.Resample(fine, Bilinear).Value(0, 0, 0); !math.IsNaN(v) {
		t.Errorf("all-missing neighborhood = %g, want NaN", v)
	}
}

func TestResampleCompatibleGridReturnsSame(t *testing.T) {
	g := mustGrid(t, []float64{0, 1}, []float64{0, 1}, 1, 1)
	f := mustField(t, g, MeanTemperature, StepDay, []time.Time{day(2024, 1, 1)}, []float64{1, 2, 3, 4})
	g2 := mustGrid(t, []float64{0, 1}, []float64{0, 1}, 1, 1)
	if o := f.Resample(g2, Bilinear); o != f {
		t.Error("resampling onto a compatible grid should be a no-op")
	}
}

func TestCombine(t *testing.T) {
	g := mustGrid(t, []float64{0, 1}, []float64{0, 1}, 1, 1)
	global := mustField(t, g, MeanTemperature, StepDay, []time.Time{day(2024, 1, 1)}, []float64{1, 1, 1, 1})
	land := mustField(t, g, MeanTemperature, StepDay, []time.Time{day(2024, 1, 1)},
		[]float64{9, math.NaN(), 9, math.NaN()})
	o, err := global.Combine(land, land.DataMask())
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{9, 1, 9, 1}
	for i, w := range want {
		if got := o.Data.Elements[i]; got != w {
			t.Errorf("cell %d = %g, want %g", i, got, w)
		}
	}

	if _, err := global.Combine(land, []bool{true}); err == nil {
		t.Error("no error for wrong-length precedence mask")
	}
	other := mustField(t, g, TotalPrecipitation, StepDay, []time.Time{day(2024, 1, 1)}, []float64{1, 1, 1, 1})
	if _, err := global.Combine(other, land.DataMask()); err == nil {
		t.Error("no error for mixed variables")
	}
}
