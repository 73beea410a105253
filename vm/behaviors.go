package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

// installBehaviors attaches the built-in dispatch chain nodes. Nodes are
// attached from the root downward so each picks up its parent type's node.
func (e *Engine) installBehaviors() {
	t := e.Tree
	t.SetBehavior(t.Datum, &DatumBehavior{engine: e})
	if t.Atom != nil {
		e.atoms = newAtomBehavior(e)
		t.SetBehavior(t.Atom, e.atoms)
	}
	t.SetBehavior(t.World, &WorldBehavior{engine: e})
	e.lists = &ListBehavior{}
	t.SetBehavior(t.List, e.lists)
	t.SetBehavior(t.Filter, &FilterBehavior{engine: e})
}

// ---------------------------------------------------------------------------
// DatumBehavior: /datum
// ---------------------------------------------------------------------------

// DatumBehavior keeps the tag index in step with every datum's tag var.
type DatumBehavior struct {
	BaseBehavior
	engine *Engine
}

func (b *DatumBehavior) OnObjectCreated(obj *Object, args ProcArguments) error {
	if tag, ok := obj.rawVariable("tag"); ok {
		if s, ok := tag.TryString(); ok {
			b.engine.Tags.Add(s, obj)
		}
	}
	return b.BaseBehavior.OnObjectCreated(obj, args)
}

func (b *DatumBehavior) OnVariableSet(obj *Object, name string, value, old Value) (Value, bool, error) {
	if name == "tag" {
		if s, ok := old.TryString(); ok {
			b.engine.Tags.Remove(s, obj)
		}
		if s, ok := value.TryString(); ok {
			b.engine.Tags.Add(s, obj)
		}
	}
	return b.BaseBehavior.OnVariableSet(obj, name, value, old)
}

// ---------------------------------------------------------------------------
// ListBehavior: /list
// ---------------------------------------------------------------------------

// ListBehavior governs new /list(...): the result is an owning List, and no
// New proc runs.
type ListBehavior struct {
	BaseBehavior
}

func (b *ListBehavior) ShouldCallNew() bool { return false }

// CreateList builds the list for new /list(size). Further size arguments
// nest lists, as in new /list(2, 3).
func (b *ListBehavior) CreateList(args ProcArguments) (*List, error) {
	return createSizedList(args.Ordered)
}

func createSizedList(sizes []Value) (*List, error) {
	if len(sizes) == 0 {
		return NewList(0), nil
	}
	n, ok := sizes[0].TryInteger()
	if !ok && !sizes[0].IsNull() {
		return nil, fmt.Errorf("list size must be a number, got %s: %w", sizes[0].Kind(), ErrTypeMismatch)
	}
	if n < 0 {
		return nil, fmt.Errorf("list size %d: %w", n, ErrOutOfBounds)
	}
	l := &List{values: make([]Value, n)}
	if len(sizes) > 1 {
		for i := range l.values {
			inner, err := createSizedList(sizes[1:])
			if err != nil {
				return nil, err
			}
			l.values[i] = NewListValue(inner)
		}
	}
	return l, nil
}

// ---------------------------------------------------------------------------
// WorldBehavior: /world
// ---------------------------------------------------------------------------

// WorldBehavior validates world vars and serves the computed ones.
type WorldBehavior struct {
	BaseBehavior
	engine *Engine
}

func (b *WorldBehavior) OnVariableSet(obj *Object, name string, value, old Value) (Value, bool, error) {
	switch name {
	case "view":
		if _, err := ParseViewRange(value); err != nil {
			return old, false, err
		}
	case "tick_lag":
		if f, ok := value.TryFloat(); !ok || f <= 0 {
			return old, false, fmt.Errorf("world.tick_lag must be a positive number: %w", ErrTypeMismatch)
		}
	case "fps":
		f, ok := value.TryFloat()
		if !ok || f <= 0 {
			return old, false, fmt.Errorf("world.fps must be a positive number: %w", ErrTypeMismatch)
		}
		if obj.HasVariable("tick_lag") {
			if err := obj.SetVariableValue("tick_lag", NewFloat(10/f)); err != nil {
				return old, false, err
			}
		}
	case "cpu", "time", "contents", "game_id":
		return old, false, nil
	}
	return b.BaseBehavior.OnVariableSet(obj, name, value, old)
}

func (b *WorldBehavior) OnVariableGet(obj *Object, name string, value Value) (Value, error) {
	switch name {
	case "contents":
		return NewListValue(b.engine.WorldContents), nil
	case "cpu":
		return NewFloat(b.engine.CPU()), nil
	case "time":
		return NewFloat(b.engine.Time()), nil
	case "game_id":
		return NewString(b.engine.GameID.String()), nil
	case "fps":
		return NewFloat(10 / b.engine.tickLag()), nil
	}
	return b.BaseBehavior.OnVariableGet(obj, name, value)
}

// ---------------------------------------------------------------------------
// AtomBehavior: /atom
// ---------------------------------------------------------------------------

// AtomBehavior registers atoms with the spatial index, maintains their
// verbs and filter lists, and mirrors visual vars into the appearance.
type AtomBehavior struct {
	BaseBehavior
	engine *Engine

	filterLists map[*Object]*FilterList
	overlays    *overlayObserver
	underlays   *overlayObserver

	log commonlog.Logger
}

func newAtomBehavior(e *Engine) *AtomBehavior {
	b := &AtomBehavior{
		engine:      e,
		filterLists: make(map[*Object]*FilterList),
		log:         commonlog.GetLogger("dreamvm.atom"),
	}
	b.overlays = &overlayObserver{atoms: b, owners: make(map[*List]*Object)}
	b.underlays = &overlayObserver{atoms: b, owners: make(map[*List]*Object), underlay: true}
	return b
}

// FilterList returns atom's filter view.
func (b *AtomBehavior) FilterList(atom *Object) (*FilterList, bool) {
	l, ok := b.filterLists[atom]
	return l, ok
}

func (b *AtomBehavior) OnObjectCreated(obj *Object, args ProcArguments) error {
	e := b.engine
	// Turfs are placed by the map loader.
	if e.Tree.Turf == nil || !obj.IsSubtypeOf(e.Tree.Turf) {
		e.Spatial.AddAtom(obj)
	}

	if verbs := obj.Definition.Verbs; len(verbs) > 0 && obj.HasVariable("verbs") {
		l := NewList(0)
		for _, id := range verbs {
			if p, ok := e.Tree.ProcByID(id); ok {
				l.values = append(l.values, NewProcValue(p))
			}
		}
		if err := obj.SetVariableValue("verbs", NewListValue(l)); err != nil {
			return err
		}
	}

	b.filterLists[obj] = NewFilterList(e, obj)

	e.Appearances.UpdateAppearance(obj, func(a *Appearance) {
		for _, name := range appearanceVars {
			if v, ok := obj.rawVariable(name); ok {
				b.applyVisual(a, name, v)
			}
		}
	})

	for _, o := range []*overlayObserver{b.overlays, b.underlays} {
		if !obj.HasVariable(o.varName()) {
			continue
		}
		v, _ := obj.rawVariable(o.varName())
		if err := obj.SetVariableValue(o.varName(), NewListValue(o.attach(obj, v))); err != nil {
			return err
		}
	}

	return b.BaseBehavior.OnObjectCreated(obj, args)
}

func (b *AtomBehavior) OnObjectDeleted(obj *Object) error {
	e := b.engine
	delete(b.filterLists, obj)
	e.Spatial.RemoveAtom(obj)
	var detachErr error
	for _, o := range []*overlayObserver{b.overlays, b.underlays} {
		if v, ok := obj.rawVariable(o.varName()); ok {
			if err := o.detach(v); err != nil && detachErr == nil {
				detachErr = err
			}
		}
	}
	e.Appearances.RemoveAppearance(obj)
	if err := b.BaseBehavior.OnObjectDeleted(obj); err != nil {
		return err
	}
	return detachErr
}

func (b *AtomBehavior) OnVariableSet(obj *Object, name string, value, old Value) (Value, bool, error) {
	value, store, err := b.BaseBehavior.OnVariableSet(obj, name, value, old)
	if err != nil || !store {
		return value, store, err
	}

	switch name {
	case "invisibility":
		n, _ := value.TryInteger()
		value = NewInt(clampInt(n, -127, 127))
	case "overlays", "underlays":
		o := b.overlays
		if name == "underlays" {
			o = b.underlays
		}
		if err := o.detach(old); err != nil {
			return old, false, err
		}
		return NewListValue(o.attach(obj, value)), true, nil
	case "filters":
		fl, ok := b.filterLists[obj]
		if !ok {
			return value, true, nil
		}
		if err := fl.Cut(1, 0); err != nil {
			return old, false, err
		}
		if l, ok := value.TryList(); ok {
			vals, err := l.Values()
			if err != nil {
				return old, false, err
			}
			for _, v := range vals {
				if err := fl.Add(v); err != nil {
					return old, false, err
				}
			}
		} else if !value.IsNull() {
			if err := fl.Add(value); err != nil {
				return old, false, err
			}
		}
		return old, false, nil
	}

	if isAppearanceVar(name) {
		v := value
		b.engine.Appearances.UpdateAppearance(obj, func(a *Appearance) {
			b.applyVisual(a, name, v)
		})
	}
	return value, true, nil
}

func (b *AtomBehavior) OnVariableGet(obj *Object, name string, value Value) (Value, error) {
	if name == "filters" {
		if fl, ok := b.filterLists[obj]; ok {
			return NewListValue(fl), nil
		}
	}
	return b.BaseBehavior.OnVariableGet(obj, name, value)
}

var appearanceVars = []string{
	"icon", "icon_state", "pixel_x", "pixel_y", "layer", "invisibility",
	"opacity", "mouse_opacity", "color", "dir",
}

func isAppearanceVar(name string) bool {
	for _, n := range appearanceVars {
		if n == name {
			return true
		}
	}
	return false
}

// applyVisual copies one visual var into an appearance.
func (b *AtomBehavior) applyVisual(a *Appearance, name string, v Value) {
	switch name {
	case "icon":
		a.Icon = b.iconPath(v)
	case "icon_state":
		a.IconState, _ = v.TryString()
	case "pixel_x":
		a.PixelX, _ = v.TryInteger()
	case "pixel_y":
		a.PixelY, _ = v.TryInteger()
	case "layer":
		a.Layer, _ = v.TryFloat()
	case "invisibility":
		n, _ := v.TryInteger()
		a.Invisibility = clampInt(n, -127, 127)
	case "opacity":
		n, _ := v.TryInteger()
		a.Opacity = n != 0
	case "mouse_opacity":
		a.MouseOpacity, _ = v.TryInteger()
	case "color":
		if s, ok := v.TryString(); ok {
			a.Color = s
		} else {
			a.Color = "white"
		}
	case "dir":
		if n, ok := v.TryInteger(); ok {
			a.Dir = n
		} else {
			a.Dir = DirSouth
		}
	}
}

func (b *AtomBehavior) iconPath(v Value) string {
	if r, ok := v.TryResource(); ok {
		return r.Path
	}
	if s, ok := v.TryString(); ok && s != "" {
		r, err := b.engine.Resources.Load(s)
		if err != nil {
			b.log.Warningf("icon %q: %v", s, err)
			return ""
		}
		return r.Path
	}
	return ""
}

// appearanceOf builds the appearance an overlay value stands for.
func (b *AtomBehavior) appearanceOf(atom *Object, v Value) (*Appearance, error) {
	base := DefaultAppearance()
	switch v.Kind() {
	case KindString:
		if cur, ok := b.engine.Appearances.GetAppearance(atom); ok {
			base.Icon = cur.Icon
		}
		base.IconState, _ = v.TryString()
		return base, nil
	case KindResource:
		r, _ := v.TryResource()
		base.Icon = r.Path
		return base, nil
	case KindObject:
		obj, _ := v.TryObject()
		if cur, ok := b.engine.Appearances.GetAppearance(obj); ok {
			return cur.Clone(), nil
		}
		for _, name := range appearanceVars {
			if val, ok := obj.rawVariable(name); ok {
				b.applyVisual(base, name, val)
			}
		}
		return base, nil
	case KindType:
		def, _ := v.TryType()
		for _, name := range appearanceVars {
			if val, ok := def.Variables[name]; ok {
				b.applyVisual(base, name, val)
			}
		}
		return base, nil
	}
	return nil, fmt.Errorf("invalid overlay %s: %w", v, ErrTypeMismatch)
}

func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// overlayObserver mirrors an atom's overlays (or underlays) list into its
// appearance through list notifications.
type overlayObserver struct {
	atoms    *AtomBehavior
	owners   map[*List]*Object
	underlay bool
}

func (o *overlayObserver) varName() string {
	if o.underlay {
		return "underlays"
	}
	return "overlays"
}

// attach starts observing the list in v (a fresh list if v is not an
// owning list) on behalf of atom, and returns it.
func (o *overlayObserver) attach(atom *Object, v Value) *List {
	l, _ := v.TryList()
	list, ok := l.(*List)
	if !ok {
		list = NewList(0)
	}
	list.Observe(o)
	o.owners[list] = atom
	for _, item := range list.values {
		o.OnValueAssigned(list, Null, item)
	}
	return list
}

// detach clears the list in v, then stops observing it. The list is
// released even when clearing fails.
func (o *overlayObserver) detach(v Value) error {
	l, _ := v.TryList()
	list, ok := l.(*List)
	if !ok {
		return nil
	}
	if _, owned := o.owners[list]; !owned {
		return nil
	}
	err := list.Cut(1, 0)
	list.Unobserve(o)
	delete(o.owners, list)
	if err != nil {
		return fmt.Errorf("clear %s: %w", o.varName(), err)
	}
	return nil
}

func (o *overlayObserver) ids(a *Appearance) *[]int {
	if o.underlay {
		return &a.Underlays
	}
	return &a.Overlays
}

func (o *overlayObserver) OnValueAssigned(l *List, _, value Value) {
	atom, ok := o.owners[l]
	if !ok || value.IsNull() {
		return
	}
	app, err := o.atoms.appearanceOf(atom, value)
	if err != nil {
		o.atoms.log.Warningf("%s of %s: %v", o.varName(), atom.Definition.Type, err)
		return
	}
	id := o.atoms.engine.Appearances.AddAppearance(app)
	o.atoms.engine.Appearances.UpdateAppearance(atom, func(a *Appearance) {
		ids := o.ids(a)
		*ids = append(*ids, id)
	})
}

func (o *overlayObserver) OnBeforeValueRemoved(l *List, _, value Value) {
	atom, ok := o.owners[l]
	if !ok || value.IsNull() {
		return
	}
	app, err := o.atoms.appearanceOf(atom, value)
	if err != nil {
		return
	}
	id, ok := o.atoms.engine.Appearances.AppearanceID(app)
	if !ok {
		return
	}
	o.atoms.engine.Appearances.UpdateAppearance(atom, func(a *Appearance) {
		ids := o.ids(a)
		for i, x := range *ids {
			if x == id {
				*ids = append((*ids)[:i], (*ids)[i+1:]...)
				return
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Filters: /dm_filter objects and the filters they stand for
// ---------------------------------------------------------------------------

// FilterRegistry maps filter objects to filter values, and attached filter
// values to the filter list holding them. Each attached filter has at most
// one view object, handed out by every read of its filter list.
type FilterRegistry struct {
	byObject map[*Object]*Filter
	attached map[*Filter]*FilterList
	views    map[*Filter]*Object
}

// NewFilterRegistry creates an empty registry.
func NewFilterRegistry() *FilterRegistry {
	return &FilterRegistry{
		byObject: make(map[*Object]*Filter),
		attached: make(map[*Filter]*FilterList),
		views:    make(map[*Filter]*Object),
	}
}

// FilterOf returns the filter obj stands for.
func (r *FilterRegistry) FilterOf(obj *Object) (*Filter, bool) {
	f, ok := r.byObject[obj]
	return f, ok
}

// AttachedTo returns the filter list f is attached to.
func (r *FilterRegistry) AttachedTo(f *Filter) (*FilterList, bool) {
	l, ok := r.attached[f]
	return l, ok
}

// Len returns the number of live filter objects.
func (r *FilterRegistry) Len() int { return len(r.byObject) }

func (r *FilterRegistry) bind(obj *Object, f *Filter) { r.byObject[obj] = f }

func (r *FilterRegistry) unbind(obj *Object) {
	if f, ok := r.byObject[obj]; ok && r.views[f] == obj {
		delete(r.views, f)
	}
	delete(r.byObject, obj)
}

func (r *FilterRegistry) attach(f *Filter, l *FilterList) { r.attached[f] = l }

func (r *FilterRegistry) detach(f *Filter) {
	delete(r.attached, f)
	delete(r.views, f)
}

// view returns the live view object of f.
func (r *FilterRegistry) view(f *Filter) (*Object, bool) {
	obj, ok := r.views[f]
	if !ok || obj.Deleted() {
		return nil, false
	}
	return obj, true
}

// FilterBehavior backs /dm_filter objects. Creating one builds a filter from
// its arguments; writing a var of one attached to an atom replaces the
// atom's filter through the appearance manager.
type FilterBehavior struct {
	BaseBehavior
	engine *Engine
}

func (b *FilterBehavior) ShouldCallNew() bool { return false }

func (b *FilterBehavior) OnObjectCreated(obj *Object, args ProcArguments) error {
	f := &Filter{Params: make(map[string]Value, len(args.Named))}
	for k, v := range args.Named {
		if k == "type" {
			f.Type, _ = v.TryString()
			continue
		}
		f.Params[k] = v
	}
	if f.Type == "" {
		if t, ok := args.GetArgument(0, "type").TryString(); ok {
			f.Type = t
		}
	}
	b.engine.Filters.bind(obj, f)
	return b.BaseBehavior.OnObjectCreated(obj, args)
}

func (b *FilterBehavior) OnObjectDeleted(obj *Object) error {
	b.engine.Filters.unbind(obj)
	return b.BaseBehavior.OnObjectDeleted(obj)
}

func (b *FilterBehavior) OnVariableSet(obj *Object, name string, value, old Value) (Value, bool, error) {
	reg := b.engine.Filters
	if f, ok := reg.FilterOf(obj); ok {
		updated := f.Clone()
		if name == "type" {
			updated.Type, _ = value.TryString()
		} else {
			updated.Params[name] = value
		}
		isView := reg.views[f] == obj
		reg.bind(obj, updated)
		if l, ok := reg.AttachedTo(f); ok {
			if i := l.IndexOf(f); i > 0 {
				l.SetFilter(i, updated)
				if isView {
					reg.views[updated] = obj
				}
			}
		}
	}
	return b.BaseBehavior.OnVariableSet(obj, name, value, old)
}

func (b *FilterBehavior) OnVariableGet(obj *Object, name string, value Value) (Value, error) {
	if f, ok := b.engine.Filters.FilterOf(obj); ok {
		if name == "type" {
			return NewString(f.Type), nil
		}
		if v, ok := f.Params[name]; ok {
			return v, nil
		}
	}
	return b.BaseBehavior.OnVariableGet(obj, name, value)
}
