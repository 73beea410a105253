package vm

import (
	"fmt"
	"sort"
	"strings"
)

// Directions used for an atom's dir var.
const (
	DirNorth = 1
	DirSouth = 2
	DirEast  = 4
	DirWest  = 8
)

// ---------------------------------------------------------------------------
// Appearance: an atom's renderable snapshot
// ---------------------------------------------------------------------------

// Appearance is the visual state of one atom. Snapshots handed out by an
// AppearanceManager are never mutated in place; UpdateAppearance publishes a
// modified copy instead.
type Appearance struct {
	Icon         string // resource path, "" for none
	IconState    string
	PixelX       int
	PixelY       int
	Layer        float64
	Invisibility int
	Opacity      bool
	MouseOpacity int
	Color        string
	Dir          int
	Overlays     []int // appearance ids
	Underlays    []int
	Filters      []*Filter
}

// DefaultAppearance returns the appearance of an atom with no visual vars set.
func DefaultAppearance() *Appearance {
	return &Appearance{Color: "white", Dir: DirSouth, MouseOpacity: 1}
}

// Clone returns a copy with its own slices. Attached filters are shared:
// a filter in a published chain is never modified, only replaced.
func (a *Appearance) Clone() *Appearance {
	c := *a
	c.Overlays = append([]int(nil), a.Overlays...)
	c.Underlays = append([]int(nil), a.Underlays...)
	c.Filters = append([]*Filter(nil), a.Filters...)
	return &c
}

// key is a canonical encoding used to intern equal appearances.
func (a *Appearance) key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%d|%d|%g|%d|%t|%d|%s|%d|%v|%v|",
		a.Icon, a.IconState, a.PixelX, a.PixelY, a.Layer, a.Invisibility,
		a.Opacity, a.MouseOpacity, a.Color, a.Dir, a.Overlays, a.Underlays)
	for _, f := range a.Filters {
		b.WriteString(f.key())
		b.WriteByte(';')
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Filter: one entry of an atom's filter chain
// ---------------------------------------------------------------------------

// Filter is a value-like visual filter ("blur", "outline", ...) with its
// parameters. Adding a filter to an atom attaches a copy.
type Filter struct {
	Type   string
	Params map[string]Value
}

// Clone returns a copy with its own parameter map.
func (f *Filter) Clone() *Filter {
	c := &Filter{Type: f.Type, Params: make(map[string]Value, len(f.Params))}
	for k, v := range f.Params {
		c.Params[k] = v
	}
	return c
}

// Equal reports whether f and other have the same type and parameters.
func (f *Filter) Equal(other *Filter) bool {
	return f.key() == other.key()
}

func (f *Filter) key() string {
	names := make([]string, 0, len(f.Params))
	for k := range f.Params {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(f.Type)
	for _, k := range names {
		fmt.Fprintf(&b, ",%s=%s", k, f.Params[k])
	}
	return b.String()
}

func (f *Filter) String() string {
	return "filter(" + f.key() + ")"
}

// ---------------------------------------------------------------------------
// AppearanceManager: the rendering collaborator boundary
// ---------------------------------------------------------------------------

// AppearanceManager owns atom appearances. The engine changes an appearance
// only through UpdateAppearance, which applies mutate to a private copy of
// the current snapshot and then publishes that copy.
type AppearanceManager interface {
	GetAppearance(atom *Object) (*Appearance, bool)
	UpdateAppearance(atom *Object, mutate func(a *Appearance))
	RemoveAppearance(atom *Object)

	// AddAppearance interns a and returns its id.
	AddAppearance(a *Appearance) int

	// AppearanceID returns the id of an interned appearance equal to a.
	AppearanceID(a *Appearance) (int, bool)
}

// AppearanceTable is the in-process AppearanceManager.
type AppearanceTable struct {
	current map[*Object]*Appearance
	ids     map[string]int
	byID    []*Appearance

	// Published counts snapshots published through UpdateAppearance.
	Published int
}

// NewAppearanceTable creates an empty table.
func NewAppearanceTable() *AppearanceTable {
	return &AppearanceTable{
		current: make(map[*Object]*Appearance),
		ids:     make(map[string]int),
	}
}

// GetAppearance implements AppearanceManager.
func (t *AppearanceTable) GetAppearance(atom *Object) (*Appearance, bool) {
	a, ok := t.current[atom]
	return a, ok
}

// UpdateAppearance implements AppearanceManager.
func (t *AppearanceTable) UpdateAppearance(atom *Object, mutate func(a *Appearance)) {
	cur, ok := t.current[atom]
	if !ok {
		cur = DefaultAppearance()
	}
	next := cur.Clone()
	mutate(next)
	t.current[atom] = next
	t.Published++
}

// RemoveAppearance implements AppearanceManager.
func (t *AppearanceTable) RemoveAppearance(atom *Object) {
	delete(t.current, atom)
}

// AddAppearance implements AppearanceManager.
func (t *AppearanceTable) AddAppearance(a *Appearance) int {
	k := a.key()
	if id, ok := t.ids[k]; ok {
		return id
	}
	id := len(t.byID)
	t.byID = append(t.byID, a.Clone())
	t.ids[k] = id
	return id
}

// AppearanceID implements AppearanceManager.
func (t *AppearanceTable) AppearanceID(a *Appearance) (int, bool) {
	id, ok := t.ids[a.key()]
	return id, ok
}

// AppearanceByID returns an interned appearance.
func (t *AppearanceTable) AppearanceByID(id int) (*Appearance, bool) {
	if id < 0 || id >= len(t.byID) {
		return nil, false
	}
	return t.byID[id], true
}
