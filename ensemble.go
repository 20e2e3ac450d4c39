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
	"encoding/gob"
	"fmt"
	"io"
	"math/rand"
	"sort"
)

// DefaultDraws is the documented ensemble size.
const DefaultDraws = 100

// A ModelVariant identifies a scenario source as a general circulation
// model plus one of its ensemble member identifiers (e.g. "MIROC6",
// "r1i1p1f1").
type ModelVariant struct {
	Model, Variant string
}

func (mv ModelVariant) String() string { return mv.Model + "_" + mv.Variant }

// A CatalogEntry describes one model variant's available scenario
// coverage and timespan.
type CatalogEntry struct {
	ModelVariant
	Scenarios           []string
	FirstYear, LastYear int
}

// A Catalog lists the model variants available for ensemble sampling.
type Catalog struct {
	Entries []CatalogEntry
}

func (e CatalogEntry) hasScenario(s string) bool {
	for _, es := range e.Scenarios {
		if es == s {
			return true
		}
	}
	return false
}

// Qualifying returns the catalog restricted to variants that report all
// required scenarios and cover the full scenario timespan. A model
// whose variants all fail to qualify disappears from the catalog
// entirely, so it can never be selected: exclusion happens here, never
// as a zero-weight at draw time.
func (c *Catalog) Qualifying(scenarios []string, firstYear, lastYear int) *Catalog {
	o := &Catalog{}
	for _, e := range c.Entries {
		if e.FirstYear > firstYear || e.LastYear < lastYear {
			continue
		}
		ok := true
		for _, s := range scenarios {
			if !e.hasScenario(s) {
				ok = false
				break
			}
		}
		if ok {
			o.Entries = append(o.Entries, e)
		}
	}
	return o
}

// CheckConsistency verifies that every catalog variant reports every
// required scenario, returning a CatalogConsistencyError naming the
// missing (scenario, variant) pairs otherwise. Sampling from an
// inconsistent catalog would quietly drop models from the ensemble, so
// callers check before Qualifying rather than relying on the filter.
func (c *Catalog) CheckConsistency(scenarios []string) error {
	missing := make(map[string][]ModelVariant)
	for _, e := range c.Entries {
		for _, s := range scenarios {
			if !e.hasScenario(s) {
				missing[s] = append(missing[s], e.ModelVariant)
			}
		}
	}
	if len(missing) > 0 {
		return CatalogConsistencyError{Missing: missing}
	}
	return nil
}

// variantsByModel returns the catalog's variants grouped by model, with
// models and variants in sorted order for deterministic sampling.
func (c *Catalog) variantsByModel() ([]string, map[string][]string) {
	byModel := make(map[string][]string)
	for _, e := range c.Entries {
		byModel[e.Model] = append(byModel[e.Model], e.Variant)
	}
	models := make([]string, 0, len(byModel))
	for m, vs := range byModel {
		models = append(models, m)
		sort.Strings(vs)
	}
	sort.Strings(models)
	return models, byModel
}

// An Ensemble is an ordered sequence of model-variant selections.
// Draw i uses the same (model, variant) pair for every scenario, so it
// represents one internally consistent possible future.
type Ensemble struct {
	Draws []ModelVariant
}

// SampleEnsemble draws k model variants from the catalog: for each draw
// a model is chosen with equal probability across models regardless of
// variant count, then a variant uniformly within the chosen model.
// Draws are independent. The random source is passed explicitly and
// must be seeded by the caller; repeated runs with the same seed
// reproduce the same draw sequence exactly, which downstream
// uncertainty analyses rely on.
func SampleEnsemble(c *Catalog, k int, rng *rand.Rand) (*Ensemble, error) {
	models, byModel := c.variantsByModel()
	if len(models) == 0 {
		return nil, fmt.Errorf("downscale: sampling ensemble: no qualifying model variants in catalog")
	}
	e := &Ensemble{Draws: make([]ModelVariant, k)}
	for d := 0; d < k; d++ {
		m := models[rng.Intn(len(models))]
		vs := byModel[m]
		e.Draws[d] = ModelVariant{Model: m, Variant: vs[rng.Intn(len(vs))]}
	}
	return e, nil
}

// ModelFrequencies returns the empirical selection frequency of each
// model across the draws.
func (e *Ensemble) ModelFrequencies() map[string]float64 {
	freq := make(map[string]float64)
	for _, d := range e.Draws {
		freq[d.Model]++
	}
	for m := range freq {
		freq[m] /= float64(len(e.Draws))
	}
	return freq
}

// Write persists the ensemble so the same draws can be reused across
// scenarios and variables.
func (e *Ensemble) Write(w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("downscale: writing ensemble: %v", err)
	}
	return nil
}

// ReadEnsemble reads an ensemble persisted by Write.
func ReadEnsemble(r io.Reader) (*Ensemble, error) {
	e := new(Ensemble)
	if err := gob.NewDecoder(r).Decode(e); err != nil {
		return nil, fmt.Errorf("downscale: reading ensemble: %v", err)
	}
	return e, nil
}
