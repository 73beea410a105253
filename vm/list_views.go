package vm

import "fmt"

// Live views implement Container over state they do not own. Each
// operation reads or writes the foreign state directly; a view holds no
// values of its own.

// ---------------------------------------------------------------------------
// VarsList: an object's var bag (datum.vars)
// ---------------------------------------------------------------------------

// VarsList projects an object's vars, global vars of its type included.
// Keys are var names; unknown names are an error rather than Null.
type VarsList struct {
	obj *Object
}

// NewVarsList creates the vars view of obj.
func NewVarsList(obj *Object) *VarsList { return &VarsList{obj: obj} }

func (l *VarsList) Kind() ContainerKind { return ContainerVars }
func (l *VarsList) IsAssociative() bool { return true }
func (l *VarsList) Len() int            { return len(l.obj.VariableNames()) }

func (l *VarsList) varName(key Value) (string, error) {
	name, ok := key.TryString()
	if !ok {
		return "", fmt.Errorf("invalid var index %s: %w", key, ErrTypeMismatch)
	}
	return name, nil
}

func (l *VarsList) Get(key Value) (Value, error) {
	name, err := l.varName(key)
	if err != nil {
		return Null, err
	}
	return l.obj.GetVariable(name)
}

func (l *VarsList) Set(key, value Value, _ bool) error {
	name, err := l.varName(key)
	if err != nil {
		return err
	}
	return l.obj.SetVariable(name, value)
}

func (l *VarsList) ContainsKey(key Value) bool {
	name, ok := key.TryString()
	return ok && l.obj.HasVariable(name)
}

func (l *VarsList) Contains(value Value) bool { return l.ContainsKey(value) }

func (l *VarsList) Values() ([]Value, error) {
	names := l.obj.VariableNames()
	out := make([]Value, len(names))
	for i, n := range names {
		out[i] = NewString(n)
	}
	return out, nil
}

func (l *VarsList) AssocValues() (map[Value]Value, error) {
	names := l.obj.VariableNames()
	out := make(map[Value]Value, len(names))
	for _, n := range names {
		v, err := l.obj.GetVariable(n)
		if err != nil {
			return nil, err
		}
		out[NewString(n)] = v
	}
	return out, nil
}

func (l *VarsList) Find(value Value, start, end int) (int, error) { return findIn(l, value, start, end) }
func (l *VarsList) Copy(start, end int) (*List, error)            { return copyOf(l, start, end) }
func (l *VarsList) Union(other Container) (*List, error)          { return unionOf(l, other) }

func (l *VarsList) Add(Value) error {
	return fmt.Errorf("add to vars list: %w", ErrUnsupportedOperation)
}

func (l *VarsList) Remove(Value) (bool, error) {
	return false, fmt.Errorf("remove from vars list: %w", ErrUnsupportedOperation)
}

func (l *VarsList) Cut(int, int) error {
	return fmt.Errorf("cut vars list: %w", ErrUnsupportedOperation)
}

func (l *VarsList) Insert(int, Value) error {
	return fmt.Errorf("insert into vars list: %w", ErrUnsupportedOperation)
}

func (l *VarsList) Swap(int, int) error {
	return fmt.Errorf("swap in vars list: %w", ErrUnsupportedOperation)
}

func (l *VarsList) Resize(int) error {
	return fmt.Errorf("resize vars list: %w", ErrUnsupportedOperation)
}

// ---------------------------------------------------------------------------
// GlobalVarsList: the program globals (global.vars)
// ---------------------------------------------------------------------------

// GlobalVarsList projects the global table through the root type's
// global-name map. Slot 0 holds the world and is left out of enumeration.
type GlobalVarsList struct {
	globals *GlobalTable
	root    *ObjectDefinition
}

// NewGlobalVarsList creates the global vars view.
func NewGlobalVarsList(globals *GlobalTable, root *ObjectDefinition) *GlobalVarsList {
	return &GlobalVarsList{globals: globals, root: root}
}

func (l *GlobalVarsList) Kind() ContainerKind { return ContainerGlobalVars }
func (l *GlobalVarsList) IsAssociative() bool { return true }

func (l *GlobalVarsList) names() []string {
	names := l.root.GlobalVariableNames()
	if len(names) > 0 && l.root.GlobalVariables[names[0]] == 0 {
		return names[1:]
	}
	return names
}

func (l *GlobalVarsList) Len() int { return len(l.names()) }

func (l *GlobalVarsList) slot(key Value) (int, error) {
	name, ok := key.TryString()
	if !ok {
		return 0, fmt.Errorf("invalid global index %s: %w", key, ErrTypeMismatch)
	}
	id, ok := l.root.GlobalVariables[name]
	if !ok {
		return 0, fmt.Errorf("global %q: %w", name, ErrUndefinedGlobal)
	}
	return id, nil
}

func (l *GlobalVarsList) Get(key Value) (Value, error) {
	id, err := l.slot(key)
	if err != nil {
		return Null, err
	}
	return l.globals.Get(id)
}

func (l *GlobalVarsList) Set(key, value Value, _ bool) error {
	id, err := l.slot(key)
	if err != nil {
		return err
	}
	return l.globals.Set(id, value)
}

func (l *GlobalVarsList) ContainsKey(key Value) bool {
	_, err := l.slot(key)
	return err == nil
}

func (l *GlobalVarsList) Contains(value Value) bool { return l.ContainsKey(value) }

func (l *GlobalVarsList) Values() ([]Value, error) {
	names := l.names()
	out := make([]Value, len(names))
	for i, n := range names {
		out[i] = NewString(n)
	}
	return out, nil
}

func (l *GlobalVarsList) AssocValues() (map[Value]Value, error) {
	names := l.names()
	out := make(map[Value]Value, len(names))
	for _, n := range names {
		v, err := l.globals.Get(l.root.GlobalVariables[n])
		if err != nil {
			return nil, err
		}
		out[NewString(n)] = v
	}
	return out, nil
}

func (l *GlobalVarsList) Find(value Value, start, end int) (int, error) {
	return findIn(l, value, start, end)
}
func (l *GlobalVarsList) Copy(start, end int) (*List, error)   { return copyOf(l, start, end) }
func (l *GlobalVarsList) Union(other Container) (*List, error) { return unionOf(l, other) }

func (l *GlobalVarsList) Add(Value) error {
	return fmt.Errorf("add to global vars: %w", ErrUnsupportedOperation)
}

func (l *GlobalVarsList) Remove(Value) (bool, error) {
	return false, fmt.Errorf("remove from global vars: %w", ErrUnsupportedOperation)
}

func (l *GlobalVarsList) Cut(int, int) error {
	return fmt.Errorf("cut global vars: %w", ErrUnsupportedOperation)
}

func (l *GlobalVarsList) Insert(int, Value) error {
	return fmt.Errorf("insert into global vars: %w", ErrUnsupportedOperation)
}

func (l *GlobalVarsList) Swap(int, int) error {
	return fmt.Errorf("swap in global vars: %w", ErrUnsupportedOperation)
}

func (l *GlobalVarsList) Resize(int) error {
	return fmt.Errorf("resize global vars: %w", ErrUnsupportedOperation)
}

// ---------------------------------------------------------------------------
// FilterList: an atom's filter chain (atom.filters)
// ---------------------------------------------------------------------------

// FilterList projects the filter chain of an atom's appearance. Elements
// are read as filter objects; every write goes through the appearance
// manager's UpdateAppearance.
type FilterList struct {
	atom   *Object
	engine *Engine
}

// NewFilterList creates the filter view of atom.
func NewFilterList(e *Engine, atom *Object) *FilterList {
	return &FilterList{atom: atom, engine: e}
}

func (l *FilterList) Kind() ContainerKind { return ContainerFilters }
func (l *FilterList) IsAssociative() bool { return false }

// Atom returns the atom whose chain this list projects.
func (l *FilterList) Atom() *Object { return l.atom }

func (l *FilterList) chain() []*Filter {
	if a, ok := l.engine.Appearances.GetAppearance(l.atom); ok {
		return a.Filters
	}
	return nil
}

func (l *FilterList) Len() int { return len(l.chain()) }

func (l *FilterList) index(key Value) (int, error) {
	i, ok := key.TryInteger()
	if !ok {
		return 0, fmt.Errorf("invalid index into filter list: %s: %w", key, ErrTypeMismatch)
	}
	if n := l.Len(); i < 1 || i > n {
		return 0, fmt.Errorf("atom has %d filter(s), cannot index %d: %w", n, i, ErrOutOfBounds)
	}
	return i, nil
}

// filterOf returns the filter a filter object stands for.
func (l *FilterList) filterOf(v Value) (*Filter, error) {
	if obj, ok := v.TryObject(); ok {
		if f, ok := l.engine.Filters.FilterOf(obj); ok {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%s is not a filter: %w", v, ErrTypeMismatch)
}

// IndexOf returns the 1-based position of f in the chain, or 0.
func (l *FilterList) IndexOf(f *Filter) int {
	for i, g := range l.chain() {
		if g == f || g.Equal(f) {
			return i + 1
		}
	}
	return 0
}

func (l *FilterList) Get(key Value) (Value, error) {
	i, err := l.index(key)
	if err != nil {
		return Null, err
	}
	obj, err := l.engine.filterObject(l.chain()[i-1])
	if err != nil {
		return Null, err
	}
	return NewObjectValue(obj), nil
}

func (l *FilterList) Set(key, value Value, _ bool) error {
	f, err := l.filterOf(value)
	if err != nil {
		return err
	}
	i, err := l.index(key)
	if err != nil {
		return err
	}
	l.SetFilter(i, f.Clone())
	return nil
}

// SetFilter replaces the filter at a 1-based position.
func (l *FilterList) SetFilter(i int, f *Filter) {
	reg := l.engine.Filters
	l.engine.Appearances.UpdateAppearance(l.atom, func(a *Appearance) {
		if i < 1 || i > len(a.Filters) {
			return
		}
		reg.detach(a.Filters[i-1])
		a.Filters[i-1] = f
		reg.attach(f, l)
	})
}

// Add attaches a copy of the filter.
func (l *FilterList) Add(value Value) error {
	f, err := l.filterOf(value)
	if err != nil {
		return err
	}
	c := f.Clone()
	l.engine.Filters.attach(c, l)
	l.engine.Appearances.UpdateAppearance(l.atom, func(a *Appearance) {
		a.Filters = append(a.Filters, c)
	})
	return nil
}

func (l *FilterList) Insert(index int, value Value) error {
	f, err := l.filterOf(value)
	if err != nil {
		return err
	}
	if n := l.Len(); index < 1 || index > n+1 {
		return fmt.Errorf("insert at %d into %d filter(s): %w", index, n, ErrOutOfBounds)
	}
	c := f.Clone()
	l.engine.Filters.attach(c, l)
	l.engine.Appearances.UpdateAppearance(l.atom, func(a *Appearance) {
		a.Filters = append(a.Filters, nil)
		copy(a.Filters[index:], a.Filters[index-1:])
		a.Filters[index-1] = c
	})
	return nil
}

func (l *FilterList) Remove(value Value) (bool, error) {
	f, err := l.filterOf(value)
	if err != nil {
		return false, err
	}
	chain := l.chain()
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Equal(f) {
			return true, l.Cut(i+1, i+2)
		}
	}
	return false, nil
}

func (l *FilterList) Cut(start, end int) error {
	n := l.Len()
	if start == 0 {
		start = 1
	}
	if end == 0 || end > n+1 {
		end = n + 1
	}
	if start < 1 || start > end {
		return fmt.Errorf("cut [%d, %d) of %d filter(s): %w", start, end, n, ErrOutOfBounds)
	}
	if start == end {
		return nil
	}
	reg := l.engine.Filters
	l.engine.Appearances.UpdateAppearance(l.atom, func(a *Appearance) {
		for _, f := range a.Filters[start-1 : end-1] {
			reg.detach(f)
		}
		a.Filters = append(a.Filters[:start-1], a.Filters[end-1:]...)
	})
	return nil
}

func (l *FilterList) Swap(i, j int) error {
	n := l.Len()
	if i < 1 || i > n || j < 1 || j > n {
		return fmt.Errorf("swap %d and %d in %d filter(s): %w", i, j, n, ErrOutOfBounds)
	}
	l.engine.Appearances.UpdateAppearance(l.atom, func(a *Appearance) {
		a.Filters[i-1], a.Filters[j-1] = a.Filters[j-1], a.Filters[i-1]
	})
	return nil
}

func (l *FilterList) Resize(n int) error {
	switch cur := l.Len(); {
	case n < 0:
		return fmt.Errorf("resize filter list to %d: %w", n, ErrOutOfBounds)
	case n < cur:
		return l.Cut(n+1, 0)
	case n > cur:
		return fmt.Errorf("grow filter list: %w", ErrUnsupportedOperation)
	}
	return nil
}

func (l *FilterList) Contains(value Value) bool {
	f, err := l.filterOf(value)
	return err == nil && l.IndexOf(f) > 0
}

func (l *FilterList) ContainsKey(key Value) bool {
	_, err := l.index(key)
	return err == nil
}

func (l *FilterList) Find(value Value, start, end int) (int, error) {
	f, err := l.filterOf(value)
	if err != nil {
		return 0, nil
	}
	chain := l.chain()
	keys := make([]Value, len(chain))
	for i := range chain {
		keys[i] = NewInt(i + 1)
	}
	start, end, err = NewListOf(keys...).normalizeRange(start, end)
	if err != nil {
		return 0, err
	}
	for i := start; i < end; i++ {
		if chain[i-1].Equal(f) {
			return i, nil
		}
	}
	return 0, nil
}

func (l *FilterList) Values() ([]Value, error) {
	chain := l.chain()
	out := make([]Value, len(chain))
	for i, f := range chain {
		obj, err := l.engine.filterObject(f)
		if err != nil {
			return nil, err
		}
		out[i] = NewObjectValue(obj)
	}
	return out, nil
}

func (l *FilterList) AssocValues() (map[Value]Value, error) { return nil, nil }
func (l *FilterList) Copy(start, end int) (*List, error)    { return copyOf(l, start, end) }
func (l *FilterList) Union(other Container) (*List, error)  { return unionOf(l, other) }

// ---------------------------------------------------------------------------
// WorldContentsList: every placed atom (world.contents)
// ---------------------------------------------------------------------------

// WorldContentsList is a read-only projection over the spatial index's flat
// atom table. Full enumeration is not supported.
type WorldContentsList struct {
	spatial SpatialIndex
}

// NewWorldContentsList creates the view over spatial.
func NewWorldContentsList(spatial SpatialIndex) *WorldContentsList {
	return &WorldContentsList{spatial: spatial}
}

func (l *WorldContentsList) Kind() ContainerKind { return ContainerWorldContents }
func (l *WorldContentsList) IsAssociative() bool { return false }
func (l *WorldContentsList) Len() int            { return l.spatial.AtomCount() }

func (l *WorldContentsList) Get(key Value) (Value, error) {
	i, ok := key.TryInteger()
	if !ok {
		return Null, fmt.Errorf("invalid index into world contents: %s: %w", key, ErrTypeMismatch)
	}
	atom, ok := l.spatial.AtomAt(i - 1)
	if !ok {
		return Null, fmt.Errorf("index %d on world contents of length %d: %w", i, l.Len(), ErrOutOfBounds)
	}
	return NewObjectValue(atom), nil
}

func (l *WorldContentsList) ContainsKey(key Value) bool {
	i, ok := key.TryInteger()
	return ok && i >= 1 && i <= l.Len()
}

func (l *WorldContentsList) Contains(value Value) bool {
	i, _ := l.Find(value, 1, 0)
	return i > 0
}

func (l *WorldContentsList) Find(value Value, start, end int) (int, error) {
	n := l.Len()
	if start == 0 {
		start = 1
	}
	if end == 0 || end > n+1 {
		end = n + 1
	}
	if start < 1 || start > end {
		return 0, fmt.Errorf("range [%d, %d) on world contents of length %d: %w", start, end, n, ErrOutOfBounds)
	}
	obj, ok := value.TryObject()
	if !ok {
		return 0, nil
	}
	for i := start; i < end; i++ {
		if atom, _ := l.spatial.AtomAt(i - 1); atom == obj {
			return i, nil
		}
	}
	return 0, nil
}

func (l *WorldContentsList) Values() ([]Value, error) {
	return nil, fmt.Errorf("enumerate world contents: %w", ErrUnsupportedOperation)
}

func (l *WorldContentsList) AssocValues() (map[Value]Value, error) { return nil, nil }

func (l *WorldContentsList) Copy(int, int) (*List, error) {
	return nil, fmt.Errorf("copy world contents: %w", ErrUnsupportedOperation)
}

func (l *WorldContentsList) Union(Container) (*List, error) {
	return nil, fmt.Errorf("union with world contents: %w", ErrUnsupportedOperation)
}

func (l *WorldContentsList) Set(Value, Value, bool) error {
	return fmt.Errorf("cannot set the value of world contents: %w", ErrReadOnlyContainer)
}

func (l *WorldContentsList) Add(Value) error {
	return fmt.Errorf("cannot append to world contents: %w", ErrReadOnlyContainer)
}

func (l *WorldContentsList) Remove(Value) (bool, error) {
	return false, fmt.Errorf("cannot remove from world contents: %w", ErrReadOnlyContainer)
}

func (l *WorldContentsList) Cut(int, int) error {
	return fmt.Errorf("cannot cut world contents: %w", ErrReadOnlyContainer)
}

func (l *WorldContentsList) Insert(int, Value) error {
	return fmt.Errorf("cannot insert into world contents: %w", ErrReadOnlyContainer)
}

func (l *WorldContentsList) Swap(int, int) error {
	return fmt.Errorf("cannot swap in world contents: %w", ErrReadOnlyContainer)
}

func (l *WorldContentsList) Resize(int) error {
	return fmt.Errorf("cannot resize world contents: %w", ErrReadOnlyContainer)
}
