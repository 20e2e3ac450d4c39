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

// monthlyYear builds one year of monthly samples where every cell holds
// value, except cells listed in missing which hold NaN in every month.
func monthlyYear(t *testing.T, g *Grid, year int, value float64, missing ...int) *Field {
	t.Helper()
	times := make([]time.Time, 12)
	for m := range times {
		times[m] = time.Date(year, time.Month(m+1), 1, 0, 0, 0, 0, time.UTC)
	}
	samples := make([]float64, 12*g.Cells())
	for i := range samples {
		samples[i] = value
	}
	for _, c := range missing {
		for m := 0; m < 12; m++ {
			samples[m*g.Cells()+c] = math.NaN()
		}
	}
	return mustField(t, g, MeanTemperature, StepMonth, times, samples)
}

func TestBuildClimatology(t *testing.T) {
	g := mustGrid(t, []float64{0, 1}, []float64{0, 1}, 1, 1)
	var inputs []*Field
	// Values 0..4 over 2019..2023; the pooled mean is 2.
	for y := 2019; y <= 2023; y++ {
		inputs = append(inputs, monthlyYear(t, g, y, float64(y-2019)))
	}
	c, err := BuildClimatology("era5", inputs, ClimatologyConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Field.Step != StepMonthOfYear || c.Field.NT() != 12 {
		t.Fatalf("climatology has %d slices with granularity %v", c.Field.NT(), c.Field.Step)
	}
	for m := 1; m <= 12; m++ {
		if got := c.Value(m, 0, 0); math.Abs(got-2) > testTolerance {
			t.Errorf("month %d = %g, want 2", m, got)
		}
	}
}

func TestBuildClimatologyMissingCells(t *testing.T) {
	g := mustGrid(t, []float64{0, 1}, []float64{0, 1}, 1, 1)
	// Cell 0 is missing in three of five years, leaving two valid years:
	// below the three-year threshold, so the cell is missing. Cell 1 is
	// missing in two years and keeps its mean over the remaining three.
	inputs := []*Field{
		monthlyYear(t, g, 2019, 1, 0),
		monthlyYear(t, g, 2020, 2, 0),
		monthlyYear(t, g, 2021, 3, 0, 1),
		monthlyYear(t, g, 2022, 4, 1),
		monthlyYear(t, g, 2023, 5),
	}
	c, err := BuildClimatology("era5", inputs, ClimatologyConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Value(6, 0, 0); !math.IsNaN(got) {
		t.Errorf("cell with two valid years = %g, want NaN", got)
	}
	want := (1.0 + 2 + 5) / 3
	if got := c.Value(6, 0, 1); math.Abs(got-want) > testTolerance {
		t.Errorf("cell with three valid years = %g, want %g", got, want)
	}
}

func TestBuildClimatologyTooFewYears(t *testing.T) {
	g := mustGrid(t, []float64{0}, []float64{0}, 1, 1)
	inputs := []*Field{
		monthlyYear(t, g, 2022, 1),
		monthlyYear(t, g, 2023, 2),
	}
	_, err := BuildClimatology("era5", inputs, ClimatologyConfig{})
	var ire InsufficientReferenceDataError
	if !errors.As(err, &ire) {
		t.Fatalf("got %v, want InsufficientReferenceDataError", err)
	}
	if ire.Years != 2 || ire.MinYears != DefaultMinYears {
		t.Errorf("error reports %d years with minimum %d", ire.Years, ire.MinYears)
	}
}

func TestBuildClimatologyGapYears(t *testing.T) {
	g := mustGrid(t, []float64{0}, []float64{0}, 1, 1)
	inputs := []*Field{
		monthlyYear(t, g, 2019, 1),
		monthlyYear(t, g, 2021, 2),
		monthlyYear(t, g, 2022, 3),
	}
	if _, err := BuildClimatology("era5", inputs, ClimatologyConfig{}); err == nil {
		t.Error("no error for non-contiguous reference window")
	}
}

func TestBuildClimatologyMixedGrids(t *testing.T) {
	g1 := mustGrid(t, []float64{0}, []float64{0}, 1, 1)
	g2 := mustGrid(t, []float64{5}, []float64{5}, 1, 1)
	inputs := []*Field{
		monthlyYear(t, g1, 2021, 1),
		monthlyYear(t, g2, 2022, 2),
		monthlyYear(t, g1, 2023, 3),
	}
	if _, err := BuildClimatology("era5", inputs, ClimatologyConfig{}); err == nil {
		t.Error("no error for inputs on incompatible grids")
	}
}
