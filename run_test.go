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
	"context"
	"math"
	"testing"
	"time"
)

// fakeLoader serves synthetic daily data: the reference holds refValue
// everywhere, models hold histValue during the reference scenario and
// projValue otherwise.
type fakeLoader struct {
	fine, coarse *Grid

	refValue, histValue, projValue float64
}

func yearOfDays(g *Grid, year int, value float64) *Field {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	n := int(start.AddDate(1, 0, 0).Sub(start).Hours() / 24)
	times := make([]time.Time, n)
	samples := make([]float64, n*g.Cells())
	for d := 0; d < n; d++ {
		times[d] = start.AddDate(0, 0, d)
	}
	for i := range samples {
		samples[i] = value
	}
	f, err := NewField(g, MeanTemperature, StepDay, times, samples)
	if err != nil {
		panic(err)
	}
	return f
}

func (l *fakeLoader) ReferenceDaily(ctx context.Context, v Variable, year int) (*Field, error) {
	return yearOfDays(l.fine, year, l.refValue), nil
}

func (l *fakeLoader) ProjectionDaily(ctx context.Context, mv ModelVariant, scenario string, v Variable, year int) (*Field, error) {
	if scenario == "historical" {
		return yearOfDays(l.coarse, year, l.histValue), nil
	}
	return yearOfDays(l.coarse, year, l.projValue), nil
}

func testPipeline(t *testing.T) (*Pipeline, *Store) {
	t.Helper()
	coarse := mustGrid(t, []float64{0, 2}, []float64{0, 2}, 2, 2)
	fine := mustGrid(t, []float64{0.5, 1.5}, []float64{0.5, 1.5}, 1, 1)
	catalog := &Catalog{Entries: []CatalogEntry{
		{ModelVariant: ModelVariant{"modelA", "r1"}, Scenarios: []string{"historical", "ssp245"}, FirstYear: 1950, LastYear: 2100},
		{ModelVariant: ModelVariant{"modelB", "r1"}, Scenarios: []string{"historical", "ssp245"}, FirstYear: 1950, LastYear: 2100},
	}}
	store := NewStore(t.TempDir())
	p := &Pipeline{
		// Reference 10, model history 15, model projection 17: the +2
		// anomaly on top of the reference gives 12 everywhere.
		Loader:             &fakeLoader{fine: fine, coarse: coarse, refValue: 10, histValue: 15, projValue: 17},
		Store:              store,
		Catalog:            catalog,
		Ensemble:           &Ensemble{Draws: []ModelVariant{{"modelA", "r1"}, {"modelB", "r1"}}},
		ReferenceSource:    "era5",
		ReferenceScenario:  "historical",
		ReferenceFirstYear: 2019,
		ReferenceLastYear:  2023,
		NProcs:             2,
		Metrics: []Metric{
			NewMeanMetric("mean_temperature", MeanTemperature, 0),
			NewThresholdCountMetric("days_over_30C", MeanTemperature, HotDayThreshold),
		},
	}
	return p, store
}

func TestPipelineDailyAndAnnual(t *testing.T) {
	p, store := testPipeline(t)
	ctx := context.Background()

	jobs := Jobs(StageDaily, []Variable{MeanTemperature}, []string{"ssp245"}, 2050, 2050, 2)
	if len(jobs) != 3 { // mean + two draws
		t.Fatalf("built %d daily jobs, want 3", len(jobs))
	}
	failed, err := p.Run(ctx, jobs)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) > 0 {
		t.Fatalf("daily jobs failed: %v", failed)
	}
	for _, draw := range []string{DrawMean, DrawLabel(0), DrawLabel(1)} {
		f, err := store.ReadField(store.DailyPath("mean_temperature", "ssp245", draw, 2050))
		if err != nil {
			t.Fatal(err)
		}
		for i, v := range f.Data.Elements {
			if math.Abs(v-12) > MeanTemperature.EncodingScale/2 {
				t.Fatalf("draw %s element %d = %g, want 12", draw, i, v)
			}
		}
	}

	jobs = Jobs(StageAnnual, []Variable{MeanTemperature}, []string{"ssp245"}, 2050, 2050, 2)
	failed, err = p.Run(ctx, jobs)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) > 0 {
		t.Fatalf("annual jobs failed: %v", failed)
	}
	mean, err := store.ReadField(store.AnnualPath("mean_temperature", "ssp245", DrawMean, 2050))
	if err != nil {
		t.Fatal(err)
	}
	if got := mean.Value(0, 0, 0); math.Abs(got-12) > 2*MeanTemperature.EncodingScale {
		t.Errorf("annual mean = %g, want 12", got)
	}
	count, err := store.ReadField(store.AnnualPath("days_over_30C", "ssp245", DrawLabel(1), 2050))
	if err != nil {
		t.Fatal(err)
	}
	if got := count.Value(0, 0, 0); got != 0 {
		t.Errorf("days over 30°C = %g, want 0", got)
	}
}

func TestPipelineJobFailureDoesNotHalt(t *testing.T) {
	p, _ := testPipeline(t)
	// The annual stage reads stored daily data; nothing was stored, so
	// every job fails individually while Run itself succeeds.
	jobs := Jobs(StageAnnual, []Variable{MeanTemperature}, []string{"ssp245"}, 2050, 2050, 1)
	failed, err := p.Run(context.Background(), jobs)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != len(jobs) {
		t.Fatalf("%d of %d jobs failed, want all", len(failed), len(jobs))
	}
	if failed[0].Err == nil || failed[0].Job.Stage != StageAnnual {
		t.Errorf("failure does not identify its job: %+v", failed[0])
	}
}

func TestPipelineCancellation(t *testing.T) {
	p, _ := testPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	jobs := Jobs(StageDaily, []Variable{MeanTemperature}, []string{"ssp245"}, 2050, 2052, 2)
	if _, err := p.Run(ctx, jobs); err == nil {
		t.Error("no error after context cancellation")
	}
}

func TestJobString(t *testing.T) {
	j := Job{Variable: MeanTemperature, Scenario: "ssp126", Year: 2077, Draw: MeanDraw}
	if got := j.String(); got != "mean_temperature ssp126 2077 draw mean" {
		t.Errorf("job string = %q", got)
	}
}
