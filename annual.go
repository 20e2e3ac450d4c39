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
	"gonum.org/v1/gonum/interp"
)

// Default thresholds for annual metrics.
const (
	// DefaultMeanCompleteness is the minimum fraction of valid days for
	// a mean-based annual value; below it the cell is marked missing.
	DefaultMeanCompleteness = 0.9

	// DefaultMaxMissingDays is the largest number of missing days a
	// sum-based annual value tolerates (treating them as zero) before
	// the cell is marked missing. 37 days is roughly 10% of a year.
	DefaultMaxMissingDays = 37

	// HotDayThreshold [°C] and WetDayThreshold [mm] are the documented
	// strict-inequality thresholds for days-over counts.
	HotDayThreshold = 30.0
	WetDayThreshold = 0.1
)

// TemperatureThresholds [°C] is the ladder of days-over temperature
// thresholds in the standard annual measure set.
var TemperatureThresholds = []int{20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32, 33, 34}

// TemperatureBands [°C] are the standard {lower, upper} pairs for
// days-within-band counts.
var TemperatureBands = [][2]int{{15, 30}, {20, 30}, {15, 35}, {20, 35}}

// A Metric reduces a full calendar year of daily fields for one source
// variable to one annual field. Reductions are pure: they never reread
// or mutate their inputs.
type Metric interface {
	// Name is the output measure name (e.g. "days_over_30C").
	Name() string
	// Source is the daily variable the metric is computed from.
	Source() Variable
	// Reduce computes the annual field. The input must hold exactly one
	// full calendar year of daily slices, else IncompleteYearError.
	Reduce(days *Field) (*Field, error)
}

// fullYear validates that days holds one complete calendar year of
// consecutive daily slices and returns that year.
func fullYear(days *Field) (int, error) {
	if days.Step != StepDay || len(days.Times) == 0 {
		return 0, IncompleteYearError{Variable: days.Variable.Name, Have: len(days.Times)}
	}
	year := days.Times[0].Year()
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	want := int(end.Sub(start).Hours() / 24)
	if len(days.Times) != want {
		return 0, IncompleteYearError{Variable: days.Variable.Name, Year: year, Want: want, Have: len(days.Times)}
	}
	for t, tm := range days.Times {
		if !tm.Equal(start.AddDate(0, 0, t)) {
			return 0, IncompleteYearError{Variable: days.Variable.Name, Year: year, Want: want, Have: t}
		}
	}
	return year, nil
}

// annualField wraps a single lat-lon slab as a one-slice annual field
// carrying the metric's output variable.
func annualField(days *Field, out Variable, year int, data *sparse.DenseArray) *Field {
	return &Field{
		Grid:     days.Grid,
		Variable: out,
		Step:     StepYear,
		Times:    []time.Time{time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)},
		Data:     data,
	}
}

// reduceCells runs f over the daily values of every cell.
func reduceCells(days *Field, out Variable, f func(vals []float64) float64) (*Field, error) {
	year, err := fullYear(days)
	if err != nil {
		return nil, err
	}
	grid := days.Grid
	nt := days.NT()
	data := sparse.ZerosDense(1, grid.Ny(), grid.Nx())
	vals := make([]float64, nt)
	for j := 0; j < grid.Ny(); j++ {
		for i := 0; i < grid.Nx(); i++ {
			for t := 0; t < nt; t++ {
				vals[t] = days.Data.Get(t, j, i)
			}
			data.Set(f(vals), 0, j, i)
		}
	}
	return annualField(days, out, year, data), nil
}

type meanMetric struct {
	name         string
	source       Variable
	completeness float64
}

// NewMeanMetric returns a mean-based annual metric (mean temperature,
// wind speed, humidity). Missing days are excluded from both numerator
// and denominator; if fewer than completeness×days are valid the annual
// value is marked missing. completeness <= 0 means
// DefaultMeanCompleteness.
func NewMeanMetric(name string, source Variable, completeness float64) Metric {
	if completeness <= 0 {
		completeness = DefaultMeanCompleteness
	}
	return &meanMetric{name: name, source: source, completeness: completeness}
}

func (m *meanMetric) Name() string     { return m.name }
func (m *meanMetric) Source() Variable { return m.source }

func (m *meanMetric) Reduce(days *Field) (*Field, error) {
	out := m.source
	out.Name = m.name
	return reduceCells(days, out, func(vals []float64) float64 {
		var sum float64
		var n int
		for _, v := range vals {
			if !math.IsNaN(v) {
				sum += v
				n++
			}
		}
		if float64(n) < m.completeness*float64(len(vals)) {
			return math.NaN()
		}
		return sum / float64(n)
	})
}

type sumMetric struct {
	name       string
	source     Variable
	maxMissing int
}

// NewSumMetric returns a sum-based annual metric (total precipitation).
// Missing days count as zero unless more than maxMissing days are
// missing, in which case the annual value is marked missing.
// maxMissing <= 0 means DefaultMaxMissingDays.
func NewSumMetric(name string, source Variable, maxMissing int) Metric {
	if maxMissing <= 0 {
		maxMissing = DefaultMaxMissingDays
	}
	return &sumMetric{name: name, source: source, maxMissing: maxMissing}
}

func (m *sumMetric) Name() string     { return m.name }
func (m *sumMetric) Source() Variable { return m.source }

func (m *sumMetric) Reduce(days *Field) (*Field, error) {
	// Annual totals need more range than daily values; trade encoding
	// resolution for it.
	out := m.source
	out.Name = m.name
	out.EncodingScale = 1
	out.EncodingOffset = 0
	return reduceCells(days, out, func(vals []float64) float64 {
		var sum float64
		var missing int
		for _, v := range vals {
			if math.IsNaN(v) {
				missing++
				continue
			}
			sum += v
		}
		if missing > m.maxMissing {
			return math.NaN()
		}
		return sum
	})
}

type countMetric struct {
	name      string
	source    Variable
	threshold float64
}

// NewThresholdCountMetric returns a metric counting days whose value
// strictly exceeds threshold (days over 30°C, precipitation days over
// 0.1 mm). Missing days are not counted; a cell with no valid days is
// marked missing.
func NewThresholdCountMetric(name string, source Variable, threshold float64) Metric {
	return &countMetric{name: name, source: source, threshold: threshold}
}

func (m *countMetric) Name() string     { return m.name }
func (m *countMetric) Source() Variable { return m.source }

func (m *countMetric) Reduce(days *Field) (*Field, error) {
	out := Variable{Name: m.name, Kind: m.source.Kind, Units: "days", EncodingScale: 1}
	return reduceCells(days, out, func(vals []float64) float64 {
		var count, valid int
		for _, v := range vals {
			if math.IsNaN(v) {
				continue
			}
			valid++
			if v > m.threshold {
				count++
			}
		}
		if valid == 0 {
			return math.NaN()
		}
		return float64(count)
	})
}

type bandMetric struct {
	name         string
	source       Variable
	lower, upper float64
}

// NewThresholdBandMetric returns a metric counting days whose value
// lies strictly between lower and upper (days under 30°C over 20°C).
// Missing days are not counted; a cell with no valid days is marked
// missing.
func NewThresholdBandMetric(name string, source Variable, lower, upper float64) Metric {
	return &bandMetric{name: name, source: source, lower: lower, upper: upper}
}

func (m *bandMetric) Name() string     { return m.name }
func (m *bandMetric) Source() Variable { return m.source }

func (m *bandMetric) Reduce(days *Field) (*Field, error) {
	out := Variable{Name: m.name, Kind: m.source.Kind, Units: "days", EncodingScale: 1}
	return reduceCells(days, out, func(vals []float64) float64 {
		var count, valid int
		for _, v := range vals {
			if math.IsNaN(v) {
				continue
			}
			valid++
			if v > m.lower && v < m.upper {
				count++
			}
		}
		if valid == 0 {
			return math.NaN()
		}
		return float64(count)
	})
}

// A SuitabilityCurve is a precomputed nonlinear transform from daily
// temperature to a disease-transmission suitability value, evaluated by
// piecewise-linear interpolation and clamped to the curve's temperature
// range.
type SuitabilityCurve struct {
	min, max float64
	pl       interp.PiecewiseLinear
}

// NewSuitabilityCurve fits a curve through (temperature, suitability)
// knots. Temperatures must be strictly increasing.
func NewSuitabilityCurve(temps, suitability []float64) (*SuitabilityCurve, error) {
	c := new(SuitabilityCurve)
	if err := c.pl.Fit(temps, suitability); err != nil {
		return nil, fmt.Errorf("downscale: fitting suitability curve: %v", err)
	}
	c.min, c.max = temps[0], temps[len(temps)-1]
	return c, nil
}

// At evaluates the curve at temperature t [°C].
func (c *SuitabilityCurve) At(t float64) float64 {
	if t < c.min {
		t = c.min
	} else if t > c.max {
		t = c.max
	}
	return c.pl.Predict(t)
}

type suitabilityMetric struct {
	name       string
	source     Variable
	curve      *SuitabilityCurve
	maxMissing int
}

// NewSuitabilityMetric returns a metric summing a per-day suitability
// transform of temperature over the year. Missing-day handling matches
// sum metrics.
func NewSuitabilityMetric(name string, source Variable, curve *SuitabilityCurve) Metric {
	return &suitabilityMetric{name: name, source: source, curve: curve, maxMissing: DefaultMaxMissingDays}
}

func (m *suitabilityMetric) Name() string     { return m.name }
func (m *suitabilityMetric) Source() Variable { return m.source }

func (m *suitabilityMetric) Reduce(days *Field) (*Field, error) {
	out := Variable{Name: m.name, Kind: m.source.Kind}
	return reduceCells(days, out, func(vals []float64) float64 {
		var sum float64
		var missing int
		for _, v := range vals {
			if math.IsNaN(v) {
				missing++
				continue
			}
			sum += m.curve.At(v)
		}
		if missing > m.maxMissing {
			return math.NaN()
		}
		return sum
	})
}

// StandardMetrics returns the documented annual measure set. curves
// supplies the per-disease suitability transforms; diseases without a
// curve are skipped.
func StandardMetrics(curves map[string]*SuitabilityCurve) []Metric {
	ms := []Metric{
		NewMeanMetric("mean_temperature", MeanTemperature, 0),
		NewMeanMetric("mean_high_temperature", MaxTemperature, 0),
		NewMeanMetric("mean_low_temperature", MinTemperature, 0),
	}
	for _, temp := range TemperatureThresholds {
		ms = append(ms, NewThresholdCountMetric(
			fmt.Sprintf("days_over_%dC", temp), MeanTemperature, float64(temp)))
	}
	for _, b := range TemperatureBands {
		ms = append(ms, NewThresholdBandMetric(
			fmt.Sprintf("days_under_%dC_over_%dC", b[1], b[0]),
			MeanTemperature, float64(b[0]), float64(b[1])))
	}
	ms = append(ms,
		NewMeanMetric("wind_speed", WindSpeed, 0),
		NewMeanMetric("relative_humidity", RelativeHumidity, 0),
		NewSumMetric("total_precipitation", TotalPrecipitation, 0),
		NewThresholdCountMetric("precipitation_days", TotalPrecipitation, WetDayThreshold),
	)
	for _, disease := range []string{"malaria", "dengue"} {
		if c, ok := curves[disease]; ok {
			ms = append(ms, NewSuitabilityMetric(disease+"_suitability", MeanTemperature, c))
		}
	}
	return ms
}
