package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// ObjectDefinition: the immutable per-type schema
// ---------------------------------------------------------------------------

// ObjectDefinition is the schema shared by every instance of one type.
// It is built once while a program loads and never changes afterwards.
type ObjectDefinition struct {
	ID     int
	Type   string // type path, e.g. "/obj/item"
	Parent *ObjectDefinition

	// Variables holds the default of every instance var, inherited ones included.
	Variables map[string]Value

	// GlobalVariables maps the type's global var names to global slot ids.
	GlobalVariables map[string]int

	// Procs maps proc names (inherited ones included) to proc ids.
	Procs map[string]int

	// Verbs lists proc ids attached to atoms of this type as verbs.
	Verbs []int

	// InitProc is the var-initializer proc id, or -1.
	InitProc int

	// Behavior is the head of this type's dispatch chain.
	Behavior TypeBehavior

	varNames    []string
	globalNames []string
}

// IsSubtypeOf reports whether def is ancestor or one of its descendants.
func (def *ObjectDefinition) IsSubtypeOf(ancestor *ObjectDefinition) bool {
	if ancestor == nil {
		return false
	}
	for d := def; d != nil; d = d.Parent {
		if d == ancestor {
			return true
		}
	}
	return false
}

// HasVariable reports whether name is an instance or global var of the type.
func (def *ObjectDefinition) HasVariable(name string) bool {
	if _, ok := def.Variables[name]; ok {
		return true
	}
	_, ok := def.GlobalVariables[name]
	return ok
}

// VariableNames returns the instance var names in a stable order.
func (def *ObjectDefinition) VariableNames() []string {
	return def.varNames
}

// GlobalVariableNames returns the global var names in slot order.
func (def *ObjectDefinition) GlobalVariableNames() []string {
	return def.globalNames
}

// sealNames fixes the enumeration order once the var maps are complete.
func (def *ObjectDefinition) sealNames() {
	def.varNames = make([]string, 0, len(def.Variables))
	for name := range def.Variables {
		def.varNames = append(def.varNames, name)
	}
	sort.Strings(def.varNames)

	def.globalNames = make([]string, 0, len(def.GlobalVariables))
	for name := range def.GlobalVariables {
		def.globalNames = append(def.globalNames, name)
	}
	sort.Slice(def.globalNames, func(i, j int) bool {
		return def.GlobalVariables[def.globalNames[i]] < def.GlobalVariables[def.globalNames[j]]
	})
}

func (def *ObjectDefinition) String() string {
	return def.Type
}

// ---------------------------------------------------------------------------
// GlobalTable: the process-wide global value slots
// ---------------------------------------------------------------------------

// GlobalTable holds every program global. Slot 0 is always the world.
type GlobalTable struct {
	values []Value
}

// Len returns the number of slots.
func (g *GlobalTable) Len() int { return len(g.values) }

// Get returns the value in slot id.
func (g *GlobalTable) Get(id int) (Value, error) {
	if id < 0 || id >= len(g.values) {
		return Null, fmt.Errorf("global slot %d: %w", id, ErrUndefinedGlobal)
	}
	return g.values[id], nil
}

// Set stores v in slot id.
func (g *GlobalTable) Set(id int, v Value) error {
	if id < 0 || id >= len(g.values) {
		return fmt.Errorf("global slot %d: %w", id, ErrUndefinedGlobal)
	}
	if id == 0 {
		return fmt.Errorf("global slot 0 is reserved for world: %w", ErrReadOnlyContainer)
	}
	g.values[id] = v
	return nil
}

// ---------------------------------------------------------------------------
// Object: one live instance
// ---------------------------------------------------------------------------

// Object is a field bag over one ObjectDefinition. Vars that were never
// written read through to the definition's defaults.
type Object struct {
	Definition *ObjectDefinition

	vars    map[string]Value
	globals *GlobalTable
	deleted bool
}

// Deleted reports whether the object has been deleted.
func (o *Object) Deleted() bool { return o.deleted }

// HasVariable reports whether the object's type defines name.
func (o *Object) HasVariable(name string) bool {
	return o.Definition.HasVariable(name)
}

// VariableNames lists instance vars followed by global vars.
func (o *Object) VariableNames() []string {
	inst := o.Definition.VariableNames()
	glob := o.Definition.GlobalVariableNames()
	out := make([]string, 0, len(inst)+len(glob))
	out = append(out, inst...)
	return append(out, glob...)
}

// GetVariable reads a var through the dispatch chain's OnVariableGet.
func (o *Object) GetVariable(name string) (Value, error) {
	if o.deleted {
		return Null, fmt.Errorf("read %s.%s: %w", o.Definition.Type, name, ErrUseAfterDelete)
	}
	v, ok := o.rawVariable(name)
	if !ok {
		return Null, fmt.Errorf("cannot read var %q on type %s: %w", name, o.Definition.Type, ErrUndefinedField)
	}
	if b := o.Definition.Behavior; b != nil {
		return b.OnVariableGet(o, name, v)
	}
	return v, nil
}

// SetVariable writes a var. The dispatch chain's OnVariableSet runs before
// the write becomes visible and decides the stored value.
func (o *Object) SetVariable(name string, value Value) error {
	if o.deleted {
		return fmt.Errorf("write %s.%s: %w", o.Definition.Type, name, ErrUseAfterDelete)
	}
	old, ok := o.rawVariable(name)
	if !ok {
		return fmt.Errorf("cannot set var %q on type %s: %w", name, o.Definition.Type, ErrUndefinedField)
	}
	if b := o.Definition.Behavior; b != nil {
		stored, store, err := b.OnVariableSet(o, name, value, old)
		if err != nil {
			return err
		}
		if !store {
			return nil
		}
		value = stored
	}
	return o.SetVariableValue(name, value)
}

// SetVariableValue writes a var without running the dispatch chain.
func (o *Object) SetVariableValue(name string, value Value) error {
	if id, ok := o.Definition.GlobalVariables[name]; ok {
		return o.globals.Set(id, value)
	}
	if _, ok := o.Definition.Variables[name]; !ok {
		return fmt.Errorf("cannot set var %q on type %s: %w", name, o.Definition.Type, ErrUndefinedField)
	}
	if o.vars == nil {
		o.vars = make(map[string]Value, 4)
	}
	o.vars[name] = value
	return nil
}

// rawVariable reads a var without hooks or the deleted check.
func (o *Object) rawVariable(name string) (Value, bool) {
	if v, ok := o.vars[name]; ok {
		return v, true
	}
	if v, ok := o.Definition.Variables[name]; ok {
		return v, true
	}
	if id, ok := o.Definition.GlobalVariables[name]; ok && o.globals != nil {
		v, err := o.globals.Get(id)
		return v, err == nil
	}
	return Null, false
}

// IsSubtypeOf reports whether the object's type descends from def.
func (o *Object) IsSubtypeOf(def *ObjectDefinition) bool {
	return o.Definition.IsSubtypeOf(def)
}

func (o *Object) String() string {
	if o.deleted {
		return o.Definition.Type + " (deleted)"
	}
	return o.Definition.Type
}
