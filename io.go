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
	"os"
	"path/filepath"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// fillValue marks missing cells in packed int16 variables.
const fillValue = math.MinInt16

// WriteField writes f to w as a NetCDF (classic) file. Values are
// packed to int16 with the variable's encoding scale and offset when
// one is declared, and stored as float32 otherwise. Times are stored
// as int32 yyyymmdd; month-of-year fields store the month numbers 1-12.
func WriteField(w *os.File, f *Field) error {
	grid := f.Grid
	h := cdf.NewHeader(
		[]string{"time", "lat", "lon"},
		[]int{f.NT(), grid.Ny(), grid.Nx()})
	h.AddAttribute("", "granularity", f.Step.String())
	h.AddAttribute("", "dy", []float64{grid.Dy})
	h.AddAttribute("", "dx", []float64{grid.Dx})
	h.AddVariable("time", []string{"time"}, []int32{0})
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	v := f.Variable
	if v.EncodingScale != 0 {
		h.AddVariable(v.Name, []string{"time", "lat", "lon"}, []int16{0})
		h.AddAttribute(v.Name, "scale_factor", []float64{v.EncodingScale})
		h.AddAttribute(v.Name, "add_offset", []float64{v.EncodingOffset})
		h.AddAttribute(v.Name, "_FillValue", []int16{fillValue})
	} else {
		h.AddVariable(v.Name, []string{"time", "lat", "lon"}, []float32{0})
	}
	h.AddAttribute(v.Name, "units", v.Units)
	h.AddAttribute(v.Name, "anomaly_kind", v.Kind.String())
	h.Define()
	if errs := h.Check(); len(errs) > 0 {
		return fmt.Errorf("downscale: %s: invalid netcdf header: %v", v.Name, errs)
	}
	ff, err := cdf.Create(w, h)
	if err != nil {
		return fmt.Errorf("downscale: %s: creating netcdf file: %v", v.Name, err)
	}
	times := make([]int32, f.NT())
	if f.Step == StepMonthOfYear {
		for m := range times {
			times[m] = int32(m + 1)
		}
	} else {
		for t, tm := range f.Times {
			times[t] = int32(tm.Year()*10000 + int(tm.Month())*100 + tm.Day())
		}
	}
	if err := writeVar(ff, "time", times); err != nil {
		return err
	}
	if err := writeVar(ff, "lat", grid.Lat); err != nil {
		return err
	}
	if err := writeVar(ff, "lon", grid.Lon); err != nil {
		return err
	}
	if v.EncodingScale != 0 {
		packed := make([]int16, len(f.Data.Elements))
		for i, e := range f.Data.Elements {
			if math.IsNaN(e) {
				packed[i] = fillValue
				continue
			}
			packed[i] = int16(math.Round((e - v.EncodingOffset) / v.EncodingScale))
		}
		if err := writeVar(ff, v.Name, packed); err != nil {
			return err
		}
	} else {
		data32 := make([]float32, len(f.Data.Elements))
		for i, e := range f.Data.Elements {
			data32[i] = float32(e)
		}
		if err := writeVar(ff, v.Name, data32); err != nil {
			return err
		}
	}
	if err := cdf.UpdateNumRecs(w); err != nil {
		return fmt.Errorf("downscale: %s: updating netcdf record count: %v", v.Name, err)
	}
	return nil
}

func writeVar(f *cdf.File, name string, data interface{}) error {
	end := f.Header.Lengths(name)
	start := make([]int, len(end))
	w := f.Writer(name, start, end)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("downscale: writing netcdf variable %s: %v", name, err)
	}
	return nil
}

func readVar(f *cdf.File, name string) (interface{}, error) {
	r := f.Reader(name, nil, nil)
	buf := r.Zero(-1)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("downscale: reading netcdf variable %s: %v", name, err)
	}
	return buf, nil
}

func stepFromString(s string) (Step, error) {
	for _, step := range []Step{StepInstant, StepDay, StepMonth, StepMonthOfYear, StepYear} {
		if step.String() == s {
			return step, nil
		}
	}
	return 0, fmt.Errorf("downscale: unknown granularity %q", s)
}

// ReadField reads a field written by WriteField. Files are
// self-describing: the variable's name, units, anomaly kind, and
// encoding are reconstructed from the file's attributes.
func ReadField(r *os.File) (*Field, error) {
	ff, err := cdf.Open(r)
	if err != nil {
		return nil, fmt.Errorf("downscale: opening netcdf file: %v", err)
	}
	gran, _ := ff.Header.GetAttribute("", "granularity").(string)
	step, err := stepFromString(gran)
	if err != nil {
		return nil, err
	}
	var v Variable
	for _, name := range ff.Header.Variables() {
		if name == "time" || name == "lat" || name == "lon" {
			continue
		}
		v.Name = name
		v.Units, _ = ff.Header.GetAttribute(name, "units").(string)
		if kind, _ := ff.Header.GetAttribute(name, "anomaly_kind").(string); kind == Multiplicative.String() {
			v.Kind = Multiplicative
		}
		if s, ok := ff.Header.GetAttribute(name, "scale_factor").([]float64); ok && len(s) > 0 {
			v.EncodingScale = s[0]
		}
		if o, ok := ff.Header.GetAttribute(name, "add_offset").([]float64); ok && len(o) > 0 {
			v.EncodingOffset = o[0]
		}
		break
	}
	if v.Name == "" {
		return nil, fmt.Errorf("downscale: netcdf file holds no data variable")
	}
	latBuf, err := readVar(ff, "lat")
	if err != nil {
		return nil, err
	}
	lonBuf, err := readVar(ff, "lon")
	if err != nil {
		return nil, err
	}
	dy, okY := ff.Header.GetAttribute("", "dy").([]float64)
	dx, okX := ff.Header.GetAttribute("", "dx").([]float64)
	if !okY || !okX || len(dy) == 0 || len(dx) == 0 {
		return nil, fmt.Errorf("downscale: netcdf file carries no grid resolution attributes")
	}
	lats, okLat := latBuf.([]float64)
	lons, okLon := lonBuf.([]float64)
	if !okLat || !okLon {
		return nil, fmt.Errorf("downscale: netcdf coordinate variables are not float64")
	}
	grid, err := NewGrid(lats, lons, dy[0], dx[0])
	if err != nil {
		return nil, err
	}
	timeBuf, err := readVar(ff, "time")
	if err != nil {
		return nil, err
	}
	rawTimes, ok := timeBuf.([]int32)
	if !ok {
		return nil, fmt.Errorf("downscale: netcdf time variable is not int32")
	}
	var times []time.Time
	if step != StepMonthOfYear {
		times = make([]time.Time, len(rawTimes))
		for i, yyyymmdd := range rawTimes {
			times[i] = time.Date(int(yyyymmdd)/10000, time.Month(int(yyyymmdd)/100%100),
				int(yyyymmdd)%100, 0, 0, 0, 0, time.UTC)
		}
	}
	dataBuf, err := readVar(ff, v.Name)
	if err != nil {
		return nil, err
	}
	nt := len(rawTimes)
	data := sparse.ZerosDense(nt, grid.Ny(), grid.Nx())
	if n := ff.Header.Lengths(v.Name); len(n) != 3 || n[0]*n[1]*n[2] != nt*grid.Cells() {
		return nil, IncompleteGridError{Variable: v.Name, Want: nt * grid.Cells(), Have: prod(n)}
	}
	switch d := dataBuf.(type) {
	case []int16:
		if v.EncodingScale == 0 {
			return nil, fmt.Errorf("downscale: %s: file is packed but carries no scale_factor", v.Name)
		}
		for i, e := range d {
			if e == fillValue {
				data.Elements[i] = math.NaN()
				continue
			}
			data.Elements[i] = float64(e)*v.EncodingScale + v.EncodingOffset
		}
	case []float32:
		for i, e := range d {
			data.Elements[i] = float64(e)
		}
	default:
		return nil, fmt.Errorf("downscale: %s: unsupported netcdf data type %T", v.Name, dataBuf)
	}
	return &Field{Grid: grid, Variable: v, Step: step, Times: times, Data: data}, nil
}

func prod(n []int) int {
	p := 1
	for _, v := range n {
		p *= v
	}
	return p
}

// A Store lays out the on-disk archive: one NetCDF file per variable,
// scenario, draw, and year, under a fixed directory scheme rooted at
// Root. Writes go through a temporary file and rename, so a crashed
// run never leaves a truncated file at a final path.
type Store struct {
	Root string
}

func NewStore(root string) *Store { return &Store{Root: root} }

// DrawMean is the draw label for ensemble-mean surfaces; sampled draws
// are labeled by their zero-padded index ("000" through "099").
const DrawMean = "mean"

// DrawLabel formats a sampled draw index as its storage label.
func DrawLabel(draw int) string { return fmt.Sprintf("%03d", draw) }

// DailyPath is the location of bias-corrected daily data for one
// variable, scenario, draw, and year.
func (s *Store) DailyPath(variable, scenario, draw string, year int) string {
	return filepath.Join(s.Root, "daily", scenario, variable, draw, fmt.Sprintf("%d.nc", year))
}

// AnnualPath is the location of one annual measure for one scenario,
// draw, and year.
func (s *Store) AnnualPath(measure, scenario, draw string, year int) string {
	return filepath.Join(s.Root, "annual", scenario, measure, draw, fmt.Sprintf("%d.nc", year))
}

// ClimatologyPath is the location of a monthly climatology for one
// source and variable.
func (s *Store) ClimatologyPath(source, variable string) string {
	return filepath.Join(s.Root, "climatology", source, variable+".nc")
}

// EnsemblePath is the location of the persisted ensemble draws.
func (s *Store) EnsemblePath() string {
	return filepath.Join(s.Root, "ensemble.gob")
}

// WriteField writes f at path, creating parent directories as needed.
func (s *Store) WriteField(path string, f *Field) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("downscale: %v", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("downscale: %v", err)
	}
	defer os.Remove(tmp.Name())
	if err := WriteField(tmp, f); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("downscale: %v", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("downscale: %v", err)
	}
	return nil
}

// ReadField reads the field stored at path.
func (s *Store) ReadField(path string) (*Field, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("downscale: %v", err)
	}
	defer r.Close()
	return ReadField(r)
}

// WriteClimatology persists a climatology under the store's scheme.
func (s *Store) WriteClimatology(c *Climatology) error {
	return s.WriteField(s.ClimatologyPath(c.Source, c.Field.Variable.Name), c.Field)
}

// ReadClimatology reads a climatology persisted by WriteClimatology.
func (s *Store) ReadClimatology(source string, v Variable) (*Climatology, error) {
	f, err := s.ReadField(s.ClimatologyPath(source, v.Name))
	if err != nil {
		return nil, err
	}
	if f.Variable.Name != v.Name {
		return nil, ClimatologyMismatchError{
			Variable: v.Name, Source: source,
			Reason: fmt.Sprintf("stored climatology describes %s", f.Variable.Name),
		}
	}
	if f.Step != StepMonthOfYear || f.NT() != 12 {
		return nil, ClimatologyMismatchError{
			Variable: v.Name, Source: source,
			Reason: fmt.Sprintf("stored climatology has %d slices with granularity %v", f.NT(), f.Step),
		}
	}
	return &Climatology{Source: source, Field: f}, nil
}

// WriteEnsemble persists the ensemble draws for reuse across scenarios
// and variables.
func (s *Store) WriteEnsemble(e *Ensemble) error {
	path := s.EnsemblePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("downscale: %v", err)
	}
	w, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("downscale: %v", err)
	}
	defer w.Close()
	return e.Write(w)
}

// ReadEnsemble reads the persisted ensemble draws.
func (s *Store) ReadEnsemble() (*Ensemble, error) {
	r, err := os.Open(s.EnsemblePath())
	if err != nil {
		return nil, fmt.Errorf("downscale: %v", err)
	}
	defer r.Close()
	return ReadEnsemble(r)
}
