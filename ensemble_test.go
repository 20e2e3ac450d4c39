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
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"
)

func testCatalog() *Catalog {
	return &Catalog{Entries: []CatalogEntry{
		{ModelVariant: ModelVariant{"ACCESS-CM2", "r1i1p1f1"},
			Scenarios: []string{"ssp126", "ssp245"}, FirstYear: 1950, LastYear: 2100},
		{ModelVariant: ModelVariant{"MIROC6", "r1i1p1f1"},
			Scenarios: []string{"ssp126", "ssp245"}, FirstYear: 1950, LastYear: 2100},
		{ModelVariant: ModelVariant{"MIROC6", "r2i1p1f1"},
			Scenarios: []string{"ssp126", "ssp245"}, FirstYear: 1950, LastYear: 2100},
		{ModelVariant: ModelVariant{"MIROC6", "r3i1p1f1"},
			Scenarios: []string{"ssp126", "ssp245"}, FirstYear: 1950, LastYear: 2100},
	}}
}

func TestQualifying(t *testing.T) {
	c := &Catalog{Entries: []CatalogEntry{
		{ModelVariant: ModelVariant{"a", "r1"}, Scenarios: []string{"ssp126", "ssp245"}, FirstYear: 1950, LastYear: 2100},
		{ModelVariant: ModelVariant{"b", "r1"}, Scenarios: []string{"ssp126"}, FirstYear: 1950, LastYear: 2100},
		{ModelVariant: ModelVariant{"c", "r1"}, Scenarios: []string{"ssp126", "ssp245"}, FirstYear: 1950, LastYear: 2080},
	}}
	q := c.Qualifying([]string{"ssp126", "ssp245"}, 1950, 2100)
	if len(q.Entries) != 1 || q.Entries[0].Model != "a" {
		t.Fatalf("qualifying entries = %v, want only model a", q.Entries)
	}
}

func TestCheckConsistency(t *testing.T) {
	c := &Catalog{Entries: []CatalogEntry{
		{ModelVariant: ModelVariant{"a", "r1"}, Scenarios: []string{"ssp126"}, FirstYear: 1950, LastYear: 2100},
		{ModelVariant: ModelVariant{"b", "r1"}, Scenarios: []string{"ssp126", "ssp585"}, FirstYear: 1950, LastYear: 2100},
	}}
	err := c.CheckConsistency([]string{"ssp126", "ssp585"})
	var cce CatalogConsistencyError
	if !errors.As(err, &cce) {
		t.Fatalf("got %v, want CatalogConsistencyError", err)
	}
	missing := cce.Missing["ssp585"]
	if len(missing) != 1 || missing[0].Model != "a" {
		t.Errorf("ssp585 missing variants = %v, want model a only", missing)
	}
	if _, ok := cce.Missing["ssp126"]; ok {
		t.Error("fully covered scenario reported as missing variants")
	}
	if err := c.CheckConsistency([]string{"ssp126"}); err != nil {
		t.Errorf("consistent catalog rejected: %v", err)
	}
	if err := testCatalog().CheckConsistency([]string{"ssp126", "ssp245"}); err != nil {
		t.Errorf("consistent catalog rejected: %v", err)
	}
}

func TestSampleEnsembleDeterminism(t *testing.T) {
	c := testCatalog()
	e1, err := SampleEnsemble(c, 50, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatal(err)
	}
	e2, err := SampleEnsemble(c, 50, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatal(err)
	}
	for i := range e1.Draws {
		if e1.Draws[i] != e2.Draws[i] {
			t.Fatalf("draw %d differs between identically seeded runs: %v != %v",
				i, e1.Draws[i], e2.Draws[i])
		}
	}
}

func TestSampleEnsembleModelFairness(t *testing.T) {
	// One model has three variants and the other one, but each model
	// should still be drawn half the time.
	c := testCatalog()
	e, err := SampleEnsemble(c, 10000, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	freq := e.ModelFrequencies()
	for _, model := range []string{"ACCESS-CM2", "MIROC6"} {
		if math.Abs(freq[model]-0.5) > 0.03 {
			t.Errorf("model %s frequency = %g, want 0.5 ± 0.03", model, freq[model])
		}
	}
}

func TestSampleEnsembleEmptyCatalog(t *testing.T) {
	if _, err := SampleEnsemble(&Catalog{}, 10, rand.New(rand.NewSource(1))); err == nil {
		t.Error("no error for empty catalog")
	}
}

func TestEnsemblePersistence(t *testing.T) {
	e, err := SampleEnsemble(testCatalog(), 20, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := e.Write(&buf); err != nil {
		t.Fatal(err)
	}
	e2, err := ReadEnsemble(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(e2.Draws) != len(e.Draws) {
		t.Fatalf("read %d draws, want %d", len(e2.Draws), len(e.Draws))
	}
	for i := range e.Draws {
		if e.Draws[i] != e2.Draws[i] {
			t.Fatalf("draw %d = %v after reload, want %v", i, e2.Draws[i], e.Draws[i])
		}
	}
}
