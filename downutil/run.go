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
	"math"
	"math/rand"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/geohealth/downscale"
	"github.com/geohealth/downscale/aggregate"
)

// Draws samples the model-variant ensemble and persists it under the
// store. Only variants reporting every scenario over the full timespan
// qualify.
func Draws(storeRoot, catalogFile string, scenarios []string, firstYear, lastYear, draws int, seed int64) error {
	catalog, err := ReadCatalogFile(catalogFile)
	if err != nil {
		return err
	}
	if err := catalog.CheckConsistency(scenarios); err != nil {
		return err
	}
	qualifying := catalog.Qualifying(scenarios, firstYear, lastYear)
	rng := rand.New(rand.NewSource(seed))
	e, err := downscale.SampleEnsemble(qualifying, draws, rng)
	if err != nil {
		return err
	}
	for model, freq := range e.ModelFrequencies() {
		logrus.Infof("model %s selected in %.0f%% of draws", model, 100*freq)
	}
	return downscale.NewStore(storeRoot).WriteEnsemble(e)
}

func configVariables() ([]downscale.Variable, error) {
	names := Cfg.GetStringSlice("Variables")
	vars := make([]downscale.Variable, len(names))
	for i, name := range names {
		v, err := downscale.VariableByName(name)
		if err != nil {
			return nil, err
		}
		vars[i] = v
	}
	return vars, nil
}

func shapefileConfig() aggregate.ShapefileConfig {
	return aggregate.ShapefileConfig{
		IDColumn:     Cfg.GetString("Shapefile.IDColumn"),
		NameColumn:   Cfg.GetString("Shapefile.NameColumn"),
		LevelColumn:  Cfg.GetString("Shapefile.LevelColumn"),
		ParentColumn: Cfg.GetString("Shapefile.ParentColumn"),
	}
}

// RunStage runs the daily or annual pipeline stage over the configured
// variables, scenarios, years, and draws.
func RunStage(ctx context.Context, stage downscale.Stage) error {
	store := downscale.NewStore(Cfg.GetString("StoreRoot"))
	ensemble, err := store.ReadEnsemble()
	if err != nil {
		return err
	}
	vars, err := configVariables()
	if err != nil {
		return err
	}
	scenarios := Cfg.GetStringSlice("Scenarios")
	firstYear, lastYear := Cfg.GetInt("FirstYear"), Cfg.GetInt("LastYear")
	p := &downscale.Pipeline{
		Loader: &ArchiveLoader{
			ReferenceRoot:  os.ExpandEnv(Cfg.GetString("Archive.ReferenceRoot")),
			ProjectionRoot: os.ExpandEnv(Cfg.GetString("Archive.ProjectionRoot")),
		},
		Store:              store,
		Ensemble:           ensemble,
		ReferenceSource:    Cfg.GetString("Reference.Source"),
		ReferenceScenario:  Cfg.GetString("Reference.Scenario"),
		ReferenceFirstYear: Cfg.GetInt("Reference.FirstYear"),
		ReferenceLastYear:  Cfg.GetInt("Reference.LastYear"),
		NProcs:             Cfg.GetInt("NProcs"),
		Logger:             logrus.StandardLogger(),
	}
	if stage == downscale.StageDaily {
		catalog, err := ReadCatalogFile(os.ExpandEnv(Cfg.GetString("Catalog")))
		if err != nil {
			return err
		}
		if err := catalog.CheckConsistency(scenarios); err != nil {
			return err
		}
		p.Catalog = catalog.Qualifying(scenarios, firstYear, lastYear)
	}
	if stage == downscale.StageAnnual {
		curves, err := ReadSuitabilityCurveFile(os.ExpandEnv(Cfg.GetString("SuitabilityCurves")))
		if err != nil {
			return err
		}
		p.Metrics = downscale.StandardMetrics(curves)
	}
	jobs := downscale.Jobs(stage, vars, scenarios, firstYear, lastYear, Cfg.GetInt("Draws"))
	failed, err := p.Run(ctx, jobs)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("downutil: %d of %d jobs failed; first failure: %w", len(failed), len(jobs), failed[0])
	}
	return nil
}

// Aggregate reduces stored annual measures to population-weighted
// values over an administrative hierarchy and writes one CSV row per
// unit, measure, scenario, year, and draw.
func Aggregate(ctx context.Context, storeRoot, shapefile string, shpCfg aggregate.ShapefileConfig,
	populationFile string, measures, scenarios []string, firstYear, lastYear, draws int, outputFile string) error {
	units, err := aggregate.LoadUnits(shapefile, shpCfg)
	if err != nil {
		return err
	}
	hierarchy, err := aggregate.NewHierarchy("locations", units)
	if err != nil {
		return err
	}
	pop, err := ReadPopulation(populationFile)
	if err != nil {
		return err
	}
	logrus.Infof("assigning %d grid cells to %d administrative units", pop.Grid.Cells(), len(units))
	masks := aggregate.BuildUnitMasks(hierarchy.Leaves(), pop.Grid)

	store := downscale.NewStore(storeRoot)
	w, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("downutil: %v", err)
	}
	defer w.Close()
	cw := csv.NewWriter(w)
	defer cw.Flush()
	if err := cw.Write([]string{"measure", "scenario", "year", "draw",
		"location_id", "location_name", "level", "population", "value"}); err != nil {
		return fmt.Errorf("downutil: %v", err)
	}

	drawLabels := []string{downscale.DrawMean}
	for d := 0; d < draws; d++ {
		drawLabels = append(drawLabels, downscale.DrawLabel(d))
	}
	for _, measure := range measures {
		for _, scenario := range scenarios {
			for year := firstYear; year <= lastYear; year++ {
				for _, draw := range drawLabels {
					if err := ctx.Err(); err != nil {
						return err
					}
					f, err := store.ReadField(store.AnnualPath(measure, scenario, draw, year))
					if err != nil {
						return err
					}
					values, weights, err := aggregate.AggregateField(f, pop, hierarchy, masks)
					if err != nil {
						return err
					}
					for _, u := range hierarchy.Units() {
						v := values[u.ID]
						vs := ""
						if !math.IsNaN(v) {
							vs = strconv.FormatFloat(v, 'g', -1, 64)
						}
						err := cw.Write([]string{measure, scenario, strconv.Itoa(year), draw,
							strconv.Itoa(u.ID), u.Name, strconv.Itoa(u.Level),
							strconv.FormatFloat(weights[u.ID], 'f', 0, 64), vs})
						if err != nil {
							return fmt.Errorf("downutil: %v", err)
						}
					}
				}
			}
		}
	}
	return nil
}
