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
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ctessum/requestcache"
	"github.com/sirupsen/logrus"
)

// MeanDraw is the draw index of the ensemble-mean surface.
const MeanDraw = -1

// Stage selects which pipeline stage a job runs.
type Stage int

const (
	// StageDaily produces bias-corrected, downscaled daily fields.
	StageDaily Stage = iota
	// StageAnnual reduces stored daily fields to annual measures.
	StageAnnual
)

// A Job is one independent unit of pipeline work: one variable,
// scenario, year, and draw at one stage. Jobs never write overlapping
// outputs, so any number of them may run concurrently.
type Job struct {
	Stage    Stage
	Variable Variable
	Scenario string
	Year     int
	// Draw indexes the ensemble, or is MeanDraw for the ensemble-mean
	// surface.
	Draw int
}

func (j Job) String() string {
	return fmt.Sprintf("%s %s %d draw %s", j.Variable.Name, j.Scenario, j.Year, drawLabel(j.Draw))
}

func drawLabel(draw int) string {
	if draw < 0 {
		return DrawMean
	}
	return DrawLabel(draw)
}

// A JobError records the failure of a single job. Job failures do not
// halt the pipeline; the surviving jobs still produce their outputs.
type JobError struct {
	Job Job
	Err error
}

func (e JobError) Error() string { return fmt.Sprintf("downscale: job %v: %v", e.Job, e.Err) }
func (e JobError) Unwrap() error { return e.Err }

// A Loader provides raw daily fields from the source archives. Loaders
// must be safe for concurrent use; transient read failures are retried
// by the pipeline.
type Loader interface {
	// ProjectionDaily returns one calendar year of a model variant's
	// daily fields on the variant's native grid, in standard units.
	ProjectionDaily(ctx context.Context, mv ModelVariant, scenario string, v Variable, year int) (*Field, error)
	// ReferenceDaily returns one calendar year of reference reanalysis
	// daily fields on the fine grid, in standard units.
	ReferenceDaily(ctx context.Context, v Variable, year int) (*Field, error)
}

// A Pipeline runs the downscaling stages over a catalog of model
// variants, writing results to a Store. The zero value is not usable;
// all exported fields except NProcs and Logger must be set.
type Pipeline struct {
	Loader Loader
	Store  *Store

	// Catalog lists the available model variants; the ensemble-mean
	// surface averages over every qualifying variant, while sampled
	// draws come from Ensemble.
	Catalog  *Catalog
	Ensemble *Ensemble

	// ReferenceScenario is the scenario climatologies are built from,
	// over the years [ReferenceFirstYear, ReferenceLastYear].
	ReferenceScenario                     string
	ReferenceFirstYear, ReferenceLastYear int

	// ReferenceSource names the reference reanalysis in stored
	// climatology paths.
	ReferenceSource string

	// Metrics are the annual reductions run by StageAnnual jobs; each
	// job runs the metrics whose source matches its variable.
	Metrics []Metric

	// NProcs is the number of concurrent workers. Zero means
	// runtime.GOMAXPROCS(0).
	NProcs int

	Logger *logrus.Logger

	climCache *requestcache.Cache
	climInit  sync.Once
}

func (p *Pipeline) nprocs() int {
	if p.NProcs <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return p.NProcs
}

func (p *Pipeline) logger() *logrus.Logger {
	if p.Logger == nil {
		return logrus.StandardLogger()
	}
	return p.Logger
}

// retry runs op with exponential backoff, logging each transient
// failure. It gives up when the backoff schedule or the context
// expires.
func (p *Pipeline) retry(ctx context.Context, what string, op func() error) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.RetryNotify(op, b,
		func(err error, d time.Duration) {
			p.logger().WithError(err).Warnf("%s: retrying in %v", what, d)
		})
}

type climRequest struct {
	source   string
	mv       ModelVariant // zero for the reference reanalysis
	variable string
}

// climatology returns the reference-window monthly climatology for one
// source and variable, computing it at most once per process. Reference
// periods change rarely, so recomputation across runs is avoided by the
// store; recomputation within a run is avoided here.
func (p *Pipeline) climatology(ctx context.Context, source string, mv ModelVariant, v Variable) (*Climatology, error) {
	p.climInit.Do(func() {
		p.climCache = requestcache.NewCache(func(ctx context.Context, request interface{}) (interface{}, error) {
			r := request.(climRequest)
			vv, err := VariableByName(r.variable)
			if err != nil {
				return nil, err
			}
			return p.buildClimatology(ctx, r.source, r.mv, vv)
		}, p.nprocs(), requestcache.Deduplicate(), requestcache.Memory(4*len(Variables)))
	})
	req := p.climCache.NewRequest(ctx,
		climRequest{source: source, mv: mv, variable: v.Name},
		fmt.Sprintf("%s_%s", source, v.Name))
	result, err := req.Result()
	if err != nil {
		return nil, err
	}
	return result.(*Climatology), nil
}

func (p *Pipeline) buildClimatology(ctx context.Context, source string, mv ModelVariant, v Variable) (*Climatology, error) {
	if c, err := p.Store.ReadClimatology(source, v); err == nil {
		return c, nil
	}
	var inputs []*Field
	for year := p.ReferenceFirstYear; year <= p.ReferenceLastYear; year++ {
		var f *Field
		err := p.retry(ctx, fmt.Sprintf("loading %s %s %d", source, v.Name, year), func() error {
			var err error
			if source == p.ReferenceSource {
				f, err = p.Loader.ReferenceDaily(ctx, v, year)
			} else {
				f, err = p.Loader.ProjectionDaily(ctx, mv, p.ReferenceScenario, v, year)
			}
			return err
		})
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, f)
	}
	c, err := BuildClimatology(source, inputs, ClimatologyConfig{})
	if err != nil {
		return nil, err
	}
	if err := p.Store.WriteClimatology(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Pipeline) fineClimatology(ctx context.Context, v Variable) (*Climatology, error) {
	return p.climatology(ctx, p.ReferenceSource, ModelVariant{}, v)
}

// corrector assembles the bias corrector for one model variant and
// variable from the variant's own climatology and the reference
// climatology.
func (p *Pipeline) corrector(ctx context.Context, mv ModelVariant, v Variable) (*BiasCorrector, error) {
	coarse, err := p.climatology(ctx, mv.String(), mv, v)
	if err != nil {
		return nil, err
	}
	fine, err := p.fineClimatology(ctx, v)
	if err != nil {
		return nil, err
	}
	return NewBiasCorrector(coarse, fine)
}

// Jobs expands the cross product of stages, variables, scenarios, and
// years into the job list for Run, with draws sampled draws plus the
// ensemble mean per combination.
func Jobs(stage Stage, variables []Variable, scenarios []string, firstYear, lastYear, draws int) []Job {
	var jobs []Job
	for _, v := range variables {
		for _, s := range scenarios {
			for y := firstYear; y <= lastYear; y++ {
				jobs = append(jobs, Job{Stage: stage, Variable: v, Scenario: s, Year: y, Draw: MeanDraw})
				for d := 0; d < draws; d++ {
					jobs = append(jobs, Job{Stage: stage, Variable: v, Scenario: s, Year: y, Draw: d})
				}
			}
		}
	}
	return jobs
}

// Run executes jobs on a pool of NProcs workers. Individual job
// failures are returned as JobErrors after all jobs finish; only
// context cancellation halts the pipeline early.
func (p *Pipeline) Run(ctx context.Context, jobs []Job) ([]JobError, error) {
	nprocs := p.nprocs()
	jobChan := make(chan Job, len(jobs))
	errChan := make(chan []JobError)
	for w := 0; w < nprocs; w++ {
		go func() {
			var failed []JobError
			for job := range jobChan {
				if ctx.Err() != nil {
					break
				}
				p.logger().Infof("running job %v", job)
				if err := p.runJob(ctx, job); err != nil {
					p.logger().WithError(err).Errorf("job %v failed", job)
					failed = append(failed, JobError{Job: job, Err: err})
				}
			}
			errChan <- failed
		}()
	}
	for _, job := range jobs {
		jobChan <- job
	}
	close(jobChan)
	var failed []JobError
	for w := 0; w < nprocs; w++ {
		failed = append(failed, <-errChan...)
	}
	if err := ctx.Err(); err != nil {
		return failed, fmt.Errorf("downscale: pipeline halted: %w", err)
	}
	return failed, nil
}

func (p *Pipeline) runJob(ctx context.Context, job Job) error {
	switch job.Stage {
	case StageDaily:
		if job.Draw == MeanDraw {
			return p.runDailyMean(ctx, job)
		}
		return p.runDailyDraw(ctx, job)
	case StageAnnual:
		return p.runAnnual(ctx, job)
	}
	return fmt.Errorf("unknown stage %d", job.Stage)
}

// runDailyDraw bias-corrects one year of one sampled draw's daily data.
func (p *Pipeline) runDailyDraw(ctx context.Context, job Job) error {
	mv := p.Ensemble.Draws[job.Draw]
	bc, err := p.corrector(ctx, mv, job.Variable)
	if err != nil {
		return err
	}
	var projection *Field
	err = p.retry(ctx, fmt.Sprintf("loading %v %s %s %d", mv, job.Scenario, job.Variable.Name, job.Year), func() error {
		var err error
		projection, err = p.Loader.ProjectionDaily(ctx, mv, job.Scenario, job.Variable, job.Year)
		return err
	})
	if err != nil {
		return err
	}
	corrected, err := bc.Correct(projection)
	if err != nil {
		return err
	}
	return p.Store.WriteField(
		p.Store.DailyPath(job.Variable.Name, job.Scenario, drawLabel(job.Draw), job.Year), corrected)
}

// runDailyMean builds the ensemble-mean surface: per-variant anomalies
// averaged with equal model weight, downscaled, and re-biased against
// the reference climatology.
func (p *Pipeline) runDailyMean(ctx context.Context, job Job) error {
	fine, err := p.fineClimatology(ctx, job.Variable)
	if err != nil {
		return err
	}
	modelAnomalies := make(map[string][]*Field)
	for _, entry := range p.Catalog.Entries {
		mv := entry.ModelVariant
		bc, err := p.corrector(ctx, mv, job.Variable)
		if err != nil {
			return err
		}
		var projection *Field
		err = p.retry(ctx, fmt.Sprintf("loading %v %s %s %d", mv, job.Scenario, job.Variable.Name, job.Year), func() error {
			var err error
			projection, err = p.Loader.ProjectionDaily(ctx, mv, job.Scenario, job.Variable, job.Year)
			return err
		})
		if err != nil {
			return err
		}
		anomaly, err := bc.Anomaly(projection)
		if err != nil {
			return err
		}
		modelAnomalies[mv.Model] = append(modelAnomalies[mv.Model], anomaly)
	}
	mean, err := EnsembleMeanAnomaly(modelAnomalies, fine.Field.Grid)
	if err != nil {
		return err
	}
	rebiaser := &BiasCorrector{Coarse: fine, Fine: fine}
	corrected, err := rebiaser.Rebias(mean)
	if err != nil {
		return err
	}
	return p.Store.WriteField(
		p.Store.DailyPath(job.Variable.Name, job.Scenario, DrawMean, job.Year), corrected)
}

// runAnnual reduces one stored year of daily data with every metric
// sourced from the job's variable.
func (p *Pipeline) runAnnual(ctx context.Context, job Job) error {
	daily, err := p.Store.ReadField(
		p.Store.DailyPath(job.Variable.Name, job.Scenario, drawLabel(job.Draw), job.Year))
	if err != nil {
		return err
	}
	for _, m := range p.Metrics {
		if m.Source().Name != job.Variable.Name {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		annual, err := m.Reduce(daily)
		if err != nil {
			return err
		}
		path := p.Store.AnnualPath(m.Name(), job.Scenario, drawLabel(job.Draw), job.Year)
		if err := p.Store.WriteField(path, annual); err != nil {
			return err
		}
	}
	return nil
}
