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

package aggregate

import (
	"fmt"
	"sort"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
	"github.com/spf13/cast"
)

// latlonProj is the spatial reference climate grids are defined in.
const latlonProj = "+proj=longlat +datum=WGS84 +no_defs"

// A Unit is one administrative area in a location hierarchy.
type Unit struct {
	geom.Polygonal

	ID    int
	Name  string
	Level int
	// ParentID is NoParent for root units.
	ParentID int
}

// NoParent marks a root unit.
const NoParent = -1

// A HierarchyIntegrityError reports a malformed location hierarchy.
// Aggregating against a broken hierarchy would silently misattribute
// people, so these errors halt processing instead of being skipped.
type HierarchyIntegrityError struct {
	Hierarchy string
	Reason    string
}

func (e HierarchyIntegrityError) Error() string {
	return fmt.Sprintf("aggregate: hierarchy %s: %s", e.Hierarchy, e.Reason)
}

// A Hierarchy is a validated tree (or forest) of administrative units.
// Several independent hierarchies may exist over the same units; each
// carries its own parent links.
type Hierarchy struct {
	Name string

	units    map[int]*Unit
	children map[int][]int
	levels   []int
}

// NewHierarchy validates units and indexes them by ID and level.
// Every non-root unit's parent must exist and sit at a strictly
// shallower level, which also rules out cycles.
func NewHierarchy(name string, units []*Unit) (*Hierarchy, error) {
	h := &Hierarchy{
		Name:     name,
		units:    make(map[int]*Unit, len(units)),
		children: make(map[int][]int),
	}
	for _, u := range units {
		if _, ok := h.units[u.ID]; ok {
			return nil, HierarchyIntegrityError{Hierarchy: name,
				Reason: fmt.Sprintf("duplicate unit ID %d", u.ID)}
		}
		h.units[u.ID] = u
	}
	levels := make(map[int]bool)
	for _, u := range units {
		levels[u.Level] = true
		if u.ParentID == NoParent {
			continue
		}
		parent, ok := h.units[u.ParentID]
		if !ok {
			return nil, HierarchyIntegrityError{Hierarchy: name,
				Reason: fmt.Sprintf("unit %d (%s) references missing parent %d", u.ID, u.Name, u.ParentID)}
		}
		if parent.Level >= u.Level {
			return nil, HierarchyIntegrityError{Hierarchy: name,
				Reason: fmt.Sprintf("unit %d at level %d has parent %d at level %d", u.ID, u.Level, parent.ID, parent.Level)}
		}
		h.children[u.ParentID] = append(h.children[u.ParentID], u.ID)
	}
	for _, c := range h.children {
		sort.Ints(c)
	}
	for l := range levels {
		h.levels = append(h.levels, l)
	}
	sort.Ints(h.levels)
	return h, nil
}

// Unit returns the unit with the given ID.
func (h *Hierarchy) Unit(id int) (*Unit, bool) {
	u, ok := h.units[id]
	return u, ok
}

// Units returns all units sorted by ID.
func (h *Hierarchy) Units() []*Unit {
	us := make([]*Unit, 0, len(h.units))
	for _, u := range h.units {
		us = append(us, u)
	}
	sort.Slice(us, func(i, j int) bool { return us[i].ID < us[j].ID })
	return us
}

// Levels returns the distinct levels present, shallowest first.
func (h *Hierarchy) Levels() []int { return h.levels }

// AtLevel returns the units at one level, sorted by ID.
func (h *Hierarchy) AtLevel(level int) []*Unit {
	var us []*Unit
	for _, u := range h.Units() {
		if u.Level == level {
			us = append(us, u)
		}
	}
	return us
}

// Children returns a unit's direct children, sorted by ID.
func (h *Hierarchy) Children(id int) []*Unit {
	ids := h.children[id]
	us := make([]*Unit, len(ids))
	for i, cid := range ids {
		us[i] = h.units[cid]
	}
	return us
}

// Leaves returns the units with no children, sorted by ID.
func (h *Hierarchy) Leaves() []*Unit {
	var us []*Unit
	for _, u := range h.Units() {
		if len(h.children[u.ID]) == 0 {
			us = append(us, u)
		}
	}
	return us
}

// Subset returns the hierarchy restricted to root and its descendants.
// root becomes a root unit of the subset.
func (h *Hierarchy) Subset(root int) (*Hierarchy, error) {
	u, ok := h.units[root]
	if !ok {
		return nil, HierarchyIntegrityError{Hierarchy: h.Name,
			Reason: fmt.Sprintf("subset root %d not in hierarchy", root)}
	}
	ru := *u
	ru.ParentID = NoParent
	units := []*Unit{&ru}
	var walk func(id int)
	walk = func(id int) {
		for _, c := range h.Children(id) {
			units = append(units, c)
			walk(c.ID)
		}
	}
	walk(root)
	return NewHierarchy(fmt.Sprintf("%s[%d]", h.Name, root), units)
}

// ShapefileConfig names the attribute columns administrative units are
// read from.
type ShapefileConfig struct {
	IDColumn     string
	NameColumn   string
	LevelColumn  string
	ParentColumn string
}

// LoadUnits reads administrative units from a shapefile, reprojecting
// geometry to geographic coordinates.
func LoadUnits(filename string, cfg ShapefileConfig) ([]*Unit, error) {
	d, err := shp.NewDecoder(filename)
	if err != nil {
		return nil, fmt.Errorf("aggregate: opening %s: %v", filename, err)
	}
	defer d.Close()
	srcSR, err := d.SR()
	if err != nil {
		return nil, fmt.Errorf("aggregate: reading projection of %s: %v", filename, err)
	}
	dstSR, err := proj.Parse(latlonProj)
	if err != nil {
		return nil, err
	}
	trans, err := srcSR.NewTransform(dstSR)
	if err != nil {
		return nil, err
	}
	var units []*Unit
	for {
		g, fields, more := d.DecodeRowFields(cfg.IDColumn, cfg.NameColumn, cfg.LevelColumn, cfg.ParentColumn)
		if !more {
			break
		}
		gg, err := g.Transform(trans)
		if err != nil {
			return nil, err
		}
		poly, ok := gg.(geom.Polygonal)
		if !ok {
			return nil, fmt.Errorf("aggregate: %s: administrative units must be polygons, got %T", filename, gg)
		}
		u := &Unit{
			Polygonal: poly,
			ID:        cast.ToInt(fields[cfg.IDColumn]),
			Name:      cast.ToString(fields[cfg.NameColumn]),
			Level:     cast.ToInt(fields[cfg.LevelColumn]),
			ParentID:  NoParent,
		}
		if s, ok := fields[cfg.ParentColumn]; ok && s != "" {
			u.ParentID = cast.ToInt(s)
		}
		units = append(units, u)
	}
	if err := d.Error(); err != nil {
		return nil, fmt.Errorf("aggregate: reading %s: %v", filename, err)
	}
	return units, nil
}
