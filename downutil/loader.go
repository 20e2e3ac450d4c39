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

package downutil

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"

	"github.com/geohealth/downscale"
	"github.com/geohealth/downscale/aggregate"
)

// An ArchiveLoader reads raw daily NetCDF files from local source
// archives: reference files laid out as variable/year.nc under
// ReferenceRoot and projection files as
// scenario/model/variant/variable/year.nc under ProjectionRoot.
type ArchiveLoader struct {
	ReferenceRoot, ProjectionRoot string
}

func (l *ArchiveLoader) readField(path string, v downscale.Variable) (*downscale.Field, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("downutil: %v", err)
	}
	defer r.Close()
	f, err := downscale.ReadField(r)
	if err != nil {
		return nil, err
	}
	if f.Variable.Name != v.Name {
		return nil, fmt.Errorf("downutil: %s holds %s, want %s", path, f.Variable.Name, v.Name)
	}
	// Archives may hold source units (Kelvin, meters of accumulation);
	// everything downstream works in the variable's standard units.
	return downscale.HarmonizeField(f, v)
}

// ReferenceDaily implements downscale.Loader.
func (l *ArchiveLoader) ReferenceDaily(ctx context.Context, v downscale.Variable, year int) (*downscale.Field, error) {
	return l.readField(filepath.Join(l.ReferenceRoot, v.Name, fmt.Sprintf("%d.nc", year)), v)
}

// ProjectionDaily implements downscale.Loader.
func (l *ArchiveLoader) ProjectionDaily(ctx context.Context, mv downscale.ModelVariant, scenario string, v downscale.Variable, year int) (*downscale.Field, error) {
	return l.readField(filepath.Join(l.ProjectionRoot, scenario, mv.Model, mv.Variant,
		v.Name, fmt.Sprintf("%d.nc", year)), v)
}

// ReadCatalog reads a model-variant catalog from CSV rows of
// model, variant, semicolon-separated scenarios, first year, last year.
// A header row is skipped if present.
func ReadCatalog(r io.Reader) (*downscale.Catalog, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 5
	c := &downscale.Catalog{}
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("downutil: reading catalog: %v", err)
		}
		if line == 1 && strings.EqualFold(rec[0], "model") {
			continue
		}
		c.Entries = append(c.Entries, downscale.CatalogEntry{
			ModelVariant: downscale.ModelVariant{Model: rec[0], Variant: rec[1]},
			Scenarios:    strings.Split(rec[2], ";"),
			FirstYear:    cast.ToInt(rec[3]),
			LastYear:     cast.ToInt(rec[4]),
		})
	}
	return c, nil
}

// ReadCatalogFile reads a catalog from the named CSV file.
func ReadCatalogFile(filename string) (*downscale.Catalog, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("downutil: %v", err)
	}
	defer f.Close()
	return ReadCatalog(f)
}

// ReadPopulation reads a gridded population NetCDF file written with a
// single time slice of person counts.
func ReadPopulation(filename string) (*aggregate.PopulationGrid, error) {
	r, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("downutil: %v", err)
	}
	defer r.Close()
	f, err := downscale.ReadField(r)
	if err != nil {
		return nil, err
	}
	if f.NT() != 1 {
		return nil, fmt.Errorf("downutil: %s: population file has %d time slices, want 1", filename, f.NT())
	}
	return aggregate.NewPopulationGrid(f.Grid, f.Data.Elements)
}

// ReadSuitabilityCurves reads disease suitability curves from CSV rows
// of disease, temperature, suitability. Rows for each disease must be
// in increasing temperature order. A header row is skipped if present.
func ReadSuitabilityCurves(r io.Reader) (map[string]*downscale.SuitabilityCurve, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	temps := make(map[string][]float64)
	suits := make(map[string][]float64)
	var order []string
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("downutil: reading suitability curves: %v", err)
		}
		if line == 1 && strings.EqualFold(rec[0], "disease") {
			continue
		}
		d := rec[0]
		if _, ok := temps[d]; !ok {
			order = append(order, d)
		}
		temps[d] = append(temps[d], cast.ToFloat64(rec[1]))
		suits[d] = append(suits[d], cast.ToFloat64(rec[2]))
	}
	curves := make(map[string]*downscale.SuitabilityCurve, len(order))
	for _, d := range order {
		c, err := downscale.NewSuitabilityCurve(temps[d], suits[d])
		if err != nil {
			return nil, fmt.Errorf("downutil: curve for %s: %v", d, err)
		}
		curves[d] = c
	}
	return curves, nil
}

// ReadSuitabilityCurveFile reads suitability curves from the named CSV
// file; an empty name means no curves.
func ReadSuitabilityCurveFile(filename string) (map[string]*downscale.SuitabilityCurve, error) {
	if filename == "" {
		return nil, nil
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("downutil: %v", err)
	}
	defer f.Close()
	return ReadSuitabilityCurves(f)
}
