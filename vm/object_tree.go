package vm

import "fmt"

// Well-known type paths the engine attaches behaviors to.
const (
	PathRoot    = "/"
	PathDatum   = "/datum"
	PathWorld   = "/world"
	PathList    = "/list"
	PathAtom    = "/atom"
	PathArea    = "/area"
	PathTurf    = "/turf"
	PathMovable = "/atom/movable"
	PathObj     = "/obj"
	PathMob     = "/mob"
	PathFilter  = "/dm_filter"
)

// ObjectTree is the loaded type tree: every definition and proc of the
// program, indexed by id.
type ObjectTree struct {
	Types   []*ObjectDefinition
	Procs   []Proc
	Strings *StringTable

	Root    *ObjectDefinition
	Datum   *ObjectDefinition
	World   *ObjectDefinition
	List    *ObjectDefinition
	Atom    *ObjectDefinition
	Area    *ObjectDefinition
	Turf    *ObjectDefinition
	Movable *ObjectDefinition
	Obj     *ObjectDefinition
	Mob     *ObjectDefinition
	Filter  *ObjectDefinition

	// GlobalProcs maps global proc names to proc ids.
	GlobalProcs map[string]int

	GlobalInitProc Proc

	byPath map[string]*ObjectDefinition
}

func newObjectTree() *ObjectTree {
	return &ObjectTree{
		Strings:     NewStringTable(nil),
		GlobalProcs: make(map[string]int),
		byPath:      make(map[string]*ObjectDefinition),
	}
}

// addType registers def under its path and id.
func (t *ObjectTree) addType(def *ObjectDefinition) {
	def.ID = len(t.Types)
	t.Types = append(t.Types, def)
	t.byPath[def.Type] = def
}

// GetType returns the definition for a type path.
func (t *ObjectTree) GetType(path string) (*ObjectDefinition, bool) {
	def, ok := t.byPath[path]
	return def, ok
}

// TypeByID returns the definition with the given id.
func (t *ObjectTree) TypeByID(id int) (*ObjectDefinition, bool) {
	if id < 0 || id >= len(t.Types) {
		return nil, false
	}
	return t.Types[id], true
}

// ProcByID returns the proc with the given id.
func (t *ObjectTree) ProcByID(id int) (Proc, bool) {
	if id < 0 || id >= len(t.Procs) || t.Procs[id] == nil {
		return nil, false
	}
	return t.Procs[id], true
}

// LookupProc finds a proc by name on def, inherited procs included.
func (t *ObjectTree) LookupProc(def *ObjectDefinition, name string) (Proc, bool) {
	if def == nil {
		return nil, false
	}
	id, ok := def.Procs[name]
	if !ok {
		return nil, false
	}
	return t.ProcByID(id)
}

// LookupGlobalProc finds a global proc by name.
func (t *ObjectTree) LookupGlobalProc(name string) (Proc, bool) {
	id, ok := t.GlobalProcs[name]
	if !ok {
		return nil, false
	}
	return t.ProcByID(id)
}

// Subtypes returns def and every definition descending from it.
func (t *ObjectTree) Subtypes(def *ObjectDefinition) []*ObjectDefinition {
	var out []*ObjectDefinition
	for _, d := range t.Types {
		if d.IsSubtypeOf(def) {
			out = append(out, d)
		}
	}
	return out
}

// addProc appends p and gives it the next proc id.
func (t *ObjectTree) addProc(p Proc) {
	p.setID(len(t.Procs))
	t.Procs = append(t.Procs, p)
}

// resolveWellKnown binds the well-known definitions. The root, datum and
// world types are required.
func (t *ObjectTree) resolveWellKnown() error {
	bind := func(dst **ObjectDefinition, path string, required bool) error {
		def, ok := t.byPath[path]
		if !ok && required {
			return fmt.Errorf("program has no %s type", path)
		}
		*dst = def
		return nil
	}
	for _, b := range []struct {
		dst      **ObjectDefinition
		path     string
		required bool
	}{
		{&t.Root, PathRoot, true},
		{&t.Datum, PathDatum, true},
		{&t.World, PathWorld, true},
		{&t.List, PathList, false},
		{&t.Atom, PathAtom, false},
		{&t.Area, PathArea, false},
		{&t.Turf, PathTurf, false},
		{&t.Movable, PathMovable, false},
		{&t.Obj, PathObj, false},
		{&t.Mob, PathMob, false},
		{&t.Filter, PathFilter, false},
	} {
		if err := bind(b.dst, b.path, b.required); err != nil {
			return err
		}
	}
	return nil
}

// SetBehavior attaches b to def and every descendant of def. b's parent is
// the behavior def inherited before this call, so calling SetBehavior from
// the root of the tree downward builds the chain.
func (t *ObjectTree) SetBehavior(def *ObjectDefinition, b TypeBehavior) {
	if def == nil {
		return
	}
	b.SetParentBehavior(def.Behavior)
	inherited := def.Behavior
	for _, d := range t.Types {
		if d.IsSubtypeOf(def) && d.Behavior == inherited {
			d.Behavior = b
		}
	}
}
