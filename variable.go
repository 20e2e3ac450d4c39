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

	"github.com/ctessum/unit"
)

// Kind determines how a variable combines with a reference climatology:
// additive variables use differences (temperature-like) and
// multiplicative variables use ratios (precipitation-like).
type Kind int

const (
	Additive Kind = iota
	Multiplicative
)

func (k Kind) String() string {
	if k == Multiplicative {
		return "multiplicative"
	}
	return "additive"
}

// Variable identifies a climate variable and its processing semantics.
type Variable struct {
	Name string
	Kind Kind

	// Units are the target units after ingestion conversion.
	Units string

	// EncodingScale and EncodingOffset are applied when serializing
	// field values to their on-disk integer-scaled representation.
	EncodingScale, EncodingOffset float64
}

// The variable set is fixed by the data sources.
var (
	MeanTemperature    = Variable{Name: "mean_temperature", Kind: Additive, Units: "degC", EncodingScale: 0.01}
	MaxTemperature     = Variable{Name: "max_temperature", Kind: Additive, Units: "degC", EncodingScale: 0.01}
	MinTemperature     = Variable{Name: "min_temperature", Kind: Additive, Units: "degC", EncodingScale: 0.01}
	WindSpeed          = Variable{Name: "wind_speed", Kind: Multiplicative, Units: "m s-1", EncodingScale: 0.01}
	RelativeHumidity   = Variable{Name: "relative_humidity", Kind: Multiplicative, Units: "percent", EncodingScale: 0.01}
	TotalPrecipitation = Variable{Name: "total_precipitation", Kind: Multiplicative, Units: "mm", EncodingScale: 0.1}
)

// Variables lists all supported climate variables.
var Variables = []Variable{
	MeanTemperature,
	MaxTemperature,
	MinTemperature,
	WindSpeed,
	RelativeHumidity,
	TotalPrecipitation,
}

// VariableByName returns the variable with the given name.
func VariableByName(name string) (Variable, error) {
	for _, v := range Variables {
		if v.Name == name {
			return v, nil
		}
	}
	return Variable{}, fmt.Errorf("downscale: unknown variable %q", name)
}

// Ingestion unit conversions. Raw reanalysis and projection data arrive
// in source units; everything downstream of ingestion works in the
// target units declared on each Variable. The unit package checks
// dimensions at the ingestion boundary so that, for example, a pressure
// field cannot be mistakenly converted as a temperature.

var (
	kelvin            = unit.Dimensions{unit.TemperatureDim: 1}
	meters            = unit.Dimensions{unit.LengthDim: 1}
	metersPerSecond   = unit.Dimensions{unit.LengthDim: 1, unit.TimeDim: -1}
	precipitationFlux = unit.Dimensions{unit.MassDim: 1, unit.LengthDim: -2, unit.TimeDim: -1}
)

// KelvinToCelsius converts a temperature to degrees Celsius.
func KelvinToCelsius(t *unit.Unit) (float64, error) {
	if err := t.Check(kelvin); err != nil {
		return math.NaN(), fmt.Errorf("downscale: converting temperature: %v", err)
	}
	return t.Value() - 273.15, nil
}

// MeterToMillimeter converts accumulated rainfall depth to millimeters.
func MeterToMillimeter(d *unit.Unit) (float64, error) {
	if err := d.Check(meters); err != nil {
		return math.NaN(), fmt.Errorf("downscale: converting rainfall depth: %v", err)
	}
	return d.Value() * 1000, nil
}

// PrecipitationFluxToRainfall converts precipitation flux [kg m-2 s-1]
// to daily rainfall [mm/day].
func PrecipitationFluxToRainfall(p *unit.Unit) (float64, error) {
	if err := p.Check(precipitationFlux); err != nil {
		return math.NaN(), fmt.Errorf("downscale: converting precipitation flux: %v", err)
	}
	const secondsPerDay = 86400
	return p.Value() * secondsPerDay, nil
}

// windHeightScale converts 10 m wind speed to 2 m wind speed assuming a
// logarithmic profile with 1 cm roughness length (Bröde et al. 2012).
var windHeightScale = math.Log10(2/0.01) / math.Log10(10/0.01)

// ScaleWindSpeedHeight converts a 10 m wind speed (or signed velocity
// component) to the corresponding 2 m value.
func ScaleWindSpeedHeight(w *unit.Unit) (float64, error) {
	if err := w.Check(metersPerSecond); err != nil {
		return math.NaN(), fmt.Errorf("downscale: converting wind speed: %v", err)
	}
	return w.Value() * windHeightScale, nil
}

// VectorMagnitude returns the magnitude of a two-component vector.
func VectorMagnitude(x, y float64) float64 {
	return math.Sqrt(x*x + y*y)
}

// BuckVaporPressure approximates the vapor pressure of water [hPa] at
// temperature t [°C] using the Arden Buck equation, with separate
// coefficients over water and over ice.
func BuckVaporPressure(t float64) float64 {
	if t > 0 {
		return 6.1121 * math.Exp((18.678-t/234.5)*(t/(257.14+t)))
	}
	return 6.1115 * math.Exp((23.036-t/333.7)*(t/(279.82+t)))
}

// RelativeHumidityPercent calculates relative humidity [%] from
// temperature and dewpoint temperature [°C].
func RelativeHumidityPercent(t, dewpoint float64) float64 {
	return 100 * BuckVaporPressure(dewpoint) / BuckVaporPressure(t)
}

// HarmonizeField converts a raw ingested field to v's standard units.
// Fields already in standard units pass through unchanged; missing
// cells stay missing. Source units outside the conversion table are an
// error, never a silent pass-through.
func HarmonizeField(f *Field, v Variable) (*Field, error) {
	if f.Variable.Units == v.Units {
		return f, nil
	}
	var dims unit.Dimensions
	var convert func(*unit.Unit) (float64, error)
	switch {
	case f.Variable.Units == "K" && v.Units == "degC":
		dims, convert = kelvin, KelvinToCelsius
	case f.Variable.Units == "m" && v.Units == "mm":
		dims, convert = meters, MeterToMillimeter
	case f.Variable.Units == "kg m-2 s-1" && v.Units == "mm":
		dims, convert = precipitationFlux, PrecipitationFluxToRainfall
	default:
		return nil, fmt.Errorf("downscale: %s: no conversion from %q to %q",
			f.Variable.Name, f.Variable.Units, v.Units)
	}
	o := f.clone()
	o.Variable = v
	for i, e := range f.Data.Elements {
		if math.IsNaN(e) {
			continue
		}
		c, err := convert(unit.New(e, dims))
		if err != nil {
			return nil, err
		}
		o.Data.Elements[i] = c
	}
	return o, nil
}
