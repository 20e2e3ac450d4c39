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
	"sort"
	"strings"
)

// IncompleteGridError is returned when field data does not cover every
// cell of its declared grid.
type IncompleteGridError struct {
	Variable   string
	Want, Have int // number of values
}

func (e IncompleteGridError) Error() string {
	return fmt.Sprintf("downscale: %s: incomplete grid coverage: want %d values, have %d",
		e.Variable, e.Want, e.Have)
}

// IncompleteYearError is returned when an annual reduction receives
// anything other than a full calendar year of daily data.
type IncompleteYearError struct {
	Variable string
	Year     int
	Want     int // days in the calendar year
	Have     int
}

func (e IncompleteYearError) Error() string {
	return fmt.Sprintf("downscale: %s year %d: incomplete year: want %d days, have %d",
		e.Variable, e.Year, e.Want, e.Have)
}

// InsufficientReferenceDataError is returned when a climatology would be
// built from fewer contributing years than the configured minimum.
type InsufficientReferenceDataError struct {
	Variable string
	Source   string
	Years    int
	MinYears int
}

func (e InsufficientReferenceDataError) Error() string {
	return fmt.Sprintf("downscale: %s (%s): insufficient reference data: %d years available, %d required",
		e.Variable, e.Source, e.Years, e.MinYears)
}

// CatalogConsistencyError indicates model variants that are absent
// from some required scenarios. Draw i must use the same variant in
// every scenario, so a catalog with uneven scenario coverage is a
// data-catalog bug and halts sampling rather than silently shrinking
// the ensemble.
type CatalogConsistencyError struct {
	// Missing maps each affected scenario to the variants absent from
	// it, in catalog order.
	Missing map[string][]ModelVariant
}

func (e CatalogConsistencyError) Error() string {
	scenarios := make([]string, 0, len(e.Missing))
	for s := range e.Missing {
		scenarios = append(scenarios, s)
	}
	sort.Strings(scenarios)
	msg := "downscale: model variants missing from some scenarios:"
	for _, s := range scenarios {
		msg += fmt.Sprintf(" %s: %v;", s, e.Missing[s])
	}
	return strings.TrimSuffix(msg, ";")
}

// ClimatologyMismatchError indicates a data-catalog inconsistency between
// a projection and the climatology it is corrected against. It is fatal
// for the whole pipeline stage: downstream results would be silently
// wrong if processing continued.
type ClimatologyMismatchError struct {
	Variable string
	Source   string
	Reason   string
}

func (e ClimatologyMismatchError) Error() string {
	return fmt.Sprintf("downscale: %s (%s): climatology mismatch: %s",
		e.Variable, e.Source, e.Reason)
}
