package vm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Compiled program format
// ---------------------------------------------------------------------------

// CompiledProgram is the JSON artifact the compiler emits: the type tree,
// procs, string table, global layout and the map's initial atoms.
type CompiledProgram struct {
	Strings        []string       `json:"strings"`
	Types          []CompiledType `json:"types"`
	Procs          []CompiledProc `json:"procs"`
	GlobalInitProc *int           `json:"global_init_proc,omitempty"`
	Globals        CompiledGlobals `json:"globals"`
	Maps           []CompiledAtom `json:"maps,omitempty"`
}

// CompiledType declares one type. Parents must be declared before their
// children; vars and global vars are the type's own, inherited ones are
// merged in while loading.
type CompiledType struct {
	Path       string                     `json:"path"`
	Parent     string                     `json:"parent,omitempty"`
	Vars       map[string]json.RawMessage `json:"vars,omitempty"`
	GlobalVars map[string]int             `json:"global_vars,omitempty"`
	Verbs      []int                      `json:"verbs,omitempty"`
	InitProc   *int                       `json:"init_proc,omitempty"`
}

// CompiledProc declares one proc. Owner is a type path, or empty for a
// global proc. A native proc has no body and is bound by path to the
// engine's NativeRegistry.
type CompiledProc struct {
	Owner     string              `json:"owner,omitempty"`
	Name      string              `json:"name"`
	Params    []CompiledParam     `json:"params,omitempty"`
	Native    bool                `json:"native,omitempty"`
	Locals    int                 `json:"locals,omitempty"`
	Code      [][]json.RawMessage `json:"code,omitempty"`
	Constants []json.RawMessage   `json:"constants,omitempty"`
}

// CompiledParam is one declared parameter.
type CompiledParam struct {
	Name    string          `json:"name"`
	Default json.RawMessage `json:"default,omitempty"`
}

// CompiledGlobals is the global slot layout. Slot 0 is always world.
type CompiledGlobals struct {
	Names  []string                   `json:"names"`
	Values map[string]json.RawMessage `json:"values,omitempty"`
}

// CompiledAtom is one atom placed on the compiled-in map.
type CompiledAtom struct {
	Type string                     `json:"type"`
	X    int                        `json:"x"`
	Y    int                        `json:"y"`
	Z    int                        `json:"z"`
	Vars map[string]json.RawMessage `json:"vars,omitempty"`
}

// MapAtom is a decoded CompiledAtom.
type MapAtom struct {
	Type    string
	X, Y, Z int
	Args    map[string]Value
}

// Named returns the construction arguments: the atom's var overrides plus
// its coordinates.
func (m MapAtom) Named() map[string]Value {
	named := make(map[string]Value, len(m.Args)+3)
	for k, v := range m.Args {
		named[k] = v
	}
	named["x"] = NewInt(m.X)
	named["y"] = NewInt(m.Y)
	named["z"] = NewInt(m.Z)
	return named
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeNames))
	for op, name := range opcodeNames {
		m[name] = op
	}
	return m
}()

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LoadProgramFile loads a compiled program from path.
func (e *Engine) LoadProgramFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("load program: %w", err)
	}
	defer f.Close()
	if err := e.LoadProgram(f); err != nil {
		return fmt.Errorf("load program %s: %w", path, err)
	}
	return nil
}

// LoadProgram decodes a compiled program and installs it.
func (e *Engine) LoadProgram(r io.Reader) error {
	var prog CompiledProgram
	dec := json.NewDecoder(r)
	if err := dec.Decode(&prog); err != nil {
		return fmt.Errorf("decode compiled program: %w", err)
	}
	return e.LoadCompiled(&prog)
}

// LoadCompiled installs an already decoded program. Any error leaves the
// engine without a program.
func (e *Engine) LoadCompiled(prog *CompiledProgram) error {
	if e.Tree != nil {
		return fmt.Errorf("a program is already loaded")
	}
	l := &loader{engine: e, prog: prog, tree: newObjectTree()}
	tree, globals, maps, err := l.load()
	if err != nil {
		return err
	}
	return e.install(tree, globals, maps)
}

type loader struct {
	engine  *Engine
	prog    *CompiledProgram
	tree    *ObjectTree
	globals int
}

func (l *loader) load() (*ObjectTree, *GlobalTable, []MapAtom, error) {
	t := l.tree
	t.Strings = NewStringTable(l.prog.Strings)

	if err := l.loadTypes(); err != nil {
		return nil, nil, nil, err
	}
	if err := t.resolveWellKnown(); err != nil {
		return nil, nil, nil, err
	}
	if err := l.declareProcs(); err != nil {
		return nil, nil, nil, err
	}
	globals, err := l.loadGlobals()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := l.loadVars(); err != nil {
		return nil, nil, nil, err
	}
	if err := l.defineProcs(); err != nil {
		return nil, nil, nil, err
	}
	l.bindUndeclaredNatives()
	if err := l.linkTypes(); err != nil {
		return nil, nil, nil, err
	}
	if id := l.prog.GlobalInitProc; id != nil {
		p, ok := t.ProcByID(*id)
		if !ok {
			return nil, nil, nil, fmt.Errorf("global init proc %d does not exist", *id)
		}
		t.GlobalInitProc = p
	}
	maps, err := l.loadMaps()
	if err != nil {
		return nil, nil, nil, err
	}
	return t, globals, maps, nil
}

// loadTypes creates every definition and links parents.
func (l *loader) loadTypes() error {
	for i, ct := range l.prog.Types {
		if ct.Path == "" {
			return fmt.Errorf("type %d has no path", i)
		}
		if _, dup := l.tree.byPath[ct.Path]; dup {
			return fmt.Errorf("type %s declared twice", ct.Path)
		}
		def := &ObjectDefinition{
			Type:            ct.Path,
			Variables:       make(map[string]Value),
			GlobalVariables: make(map[string]int),
			Procs:           make(map[string]int),
			InitProc:        -1,
		}
		if ct.Parent != "" {
			parent, ok := l.tree.byPath[ct.Parent]
			if !ok {
				return fmt.Errorf("type %s: parent %s is not declared before it", ct.Path, ct.Parent)
			}
			def.Parent = parent
		}
		l.tree.addType(def)
	}
	return nil
}

// loadGlobals builds the global table and gives the root type the global
// name map every type inherits.
func (l *loader) loadGlobals() (*GlobalTable, error) {
	names := l.prog.Globals.Names
	if len(names) == 0 {
		names = []string{"world"}
	}
	if names[0] != "world" {
		return nil, fmt.Errorf("global slot 0 must be world, got %q", names[0])
	}
	globals := &GlobalTable{values: make([]Value, len(names))}
	l.globals = len(names)
	for i, name := range names {
		l.tree.Root.GlobalVariables[name] = i
	}
	for k, raw := range l.prog.Globals.Values {
		slot, err := strconv.Atoi(k)
		if err != nil || slot <= 0 || slot >= len(names) {
			return nil, fmt.Errorf("global value for invalid slot %q", k)
		}
		v, err := l.decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("global %s: %w", names[slot], err)
		}
		globals.values[slot] = v
	}
	return globals, nil
}

// loadVars flattens var defaults and global var maps down the tree. The
// root's global map names every program global and is not inherited.
func (l *loader) loadVars() error {
	for i, ct := range l.prog.Types {
		def := l.tree.Types[i]
		if p := def.Parent; p != nil {
			for k, v := range p.Variables {
				def.Variables[k] = v
			}
			if p != l.tree.Root {
				for k, v := range p.GlobalVariables {
					def.GlobalVariables[k] = v
				}
			}
		}
		for name, raw := range ct.Vars {
			v, err := l.decodeValue(raw)
			if err != nil {
				return fmt.Errorf("%s var %s: %w", ct.Path, name, err)
			}
			def.Variables[name] = v
		}
		for name, slot := range ct.GlobalVars {
			if slot <= 0 || slot >= l.globals {
				return fmt.Errorf("%s global var %s: slot %d does not exist", ct.Path, name, slot)
			}
			def.GlobalVariables[name] = slot
		}
	}
	return nil
}

// declareProcs allocates every proc and its id before any value is
// decoded, so var defaults, globals, parameter defaults and constants can
// all name procs by id. Bodies and parameters are filled in by defineProcs.
func (l *loader) declareProcs() error {
	for i, cp := range l.prog.Procs {
		var owner *ObjectDefinition
		if cp.Owner != "" {
			def, ok := l.tree.byPath[cp.Owner]
			if !ok {
				return fmt.Errorf("proc %d (%s): unknown owner %s", i, cp.Name, cp.Owner)
			}
			owner = def
		}

		var proc Proc
		if cp.Native {
			key := nativeKey(cp.Owner, cp.Name)
			spec, ok := l.engine.Natives.Lookup(key)
			if !ok {
				return fmt.Errorf("native proc %s is not registered", key)
			}
			proc = NewNativeProc(owner, cp.Name, nil, spec.Handler)
		} else {
			proc = NewBytecodeProc(owner, cp.Name, nil, nil, nil, cp.Locals)
		}
		l.tree.addProc(proc)
		if owner == nil {
			l.tree.GlobalProcs[cp.Name] = proc.ID()
		}
	}
	return nil
}

func (l *loader) defineProcs() error {
	for i, cp := range l.prog.Procs {
		proc := l.tree.Procs[i]
		params := make([]ProcParameter, len(cp.Params))
		for j, p := range cp.Params {
			params[j].Name = p.Name
			if len(p.Default) > 0 {
				v, err := l.decodeValue(p.Default)
				if err != nil {
					return fmt.Errorf("proc %s param %s: %w", cp.Name, p.Name, err)
				}
				params[j].Default = v
			}
		}

		switch p := proc.(type) {
		case *NativeProc:
			if len(params) == 0 {
				spec, _ := l.engine.Natives.Lookup(nativeKey(cp.Owner, cp.Name))
				params = spec.Params
			}
			p.setParams(params)
		case *BytecodeProc:
			p.setParams(params)
			if err := l.compileBody(p, cp); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *loader) compileBody(p *BytecodeProc, cp CompiledProc) error {
	code := make([]Instruction, len(cp.Code))
	for pc, raw := range cp.Code {
		if len(raw) == 0 || len(raw) > 3 {
			return fmt.Errorf("proc %s: pc %d: malformed instruction", cp.Name, pc)
		}
		var name string
		if err := json.Unmarshal(raw[0], &name); err != nil {
			return fmt.Errorf("proc %s: pc %d: opcode: %w", cp.Name, pc, err)
		}
		op, ok := opcodesByName[strings.ToUpper(name)]
		if !ok {
			return fmt.Errorf("proc %s: pc %d: unknown opcode %q", cp.Name, pc, name)
		}
		ins := Instruction{Op: op}
		for k, dst := range []*int{&ins.A, &ins.B} {
			if k+1 < len(raw) {
				if err := json.Unmarshal(raw[k+1], dst); err != nil {
					return fmt.Errorf("proc %s: pc %d: operand: %w", cp.Name, pc, err)
				}
			}
		}
		code[pc] = ins
	}
	constants := make([]Value, len(cp.Constants))
	for i, raw := range cp.Constants {
		v, err := l.decodeValue(raw)
		if err != nil {
			return fmt.Errorf("proc %s: constant %d: %w", cp.Name, i, err)
		}
		constants[i] = v
	}
	p.Code, p.Constants = code, constants
	return p.Verify()
}

// bindUndeclaredNatives adds registered natives the program does not
// declare itself, such as the /list procs.
func (l *loader) bindUndeclaredNatives() {
	keys := l.engine.Natives.Keys()
	sort.Strings(keys)
	for _, key := range keys {
		owner, name := splitNativeKey(key)
		spec, _ := l.engine.Natives.Lookup(key)
		if owner == "" {
			if _, ok := l.tree.GlobalProcs[name]; ok {
				continue
			}
			p := NewNativeProc(nil, name, spec.Params, spec.Handler)
			l.tree.addProc(p)
			l.tree.GlobalProcs[name] = p.ID()
			continue
		}
		def, ok := l.tree.byPath[owner]
		if !ok || l.declares(owner, name) {
			continue
		}
		p := NewNativeProc(def, name, spec.Params, spec.Handler)
		l.tree.addProc(p)
	}
}

func (l *loader) declares(owner, name string) bool {
	for _, p := range l.tree.Procs {
		if p.Name() == name && p.OwningType() != nil && p.OwningType().Type == owner {
			return true
		}
	}
	return false
}

// linkTypes builds each type's proc table (inherited, then own), verbs and
// init proc, then fixes var enumeration order.
func (l *loader) linkTypes() error {
	own := make(map[*ObjectDefinition][]Proc)
	for _, p := range l.tree.Procs {
		if o := p.OwningType(); o != nil {
			own[o] = append(own[o], p)
		}
	}
	for i, ct := range l.prog.Types {
		def := l.tree.Types[i]
		if p := def.Parent; p != nil {
			for k, v := range p.Procs {
				def.Procs[k] = v
			}
		}
		for _, p := range own[def] {
			def.Procs[p.Name()] = p.ID()
		}
		for _, id := range ct.Verbs {
			if _, ok := l.tree.ProcByID(id); !ok {
				return fmt.Errorf("%s: verb proc %d does not exist", ct.Path, id)
			}
		}
		def.Verbs = append([]int(nil), ct.Verbs...)
		if ct.InitProc != nil {
			if _, ok := l.tree.ProcByID(*ct.InitProc); !ok {
				return fmt.Errorf("%s: init proc %d does not exist", ct.Path, *ct.InitProc)
			}
			def.InitProc = *ct.InitProc
		}
		def.sealNames()
	}
	return nil
}

func (l *loader) loadMaps() ([]MapAtom, error) {
	maps := make([]MapAtom, 0, len(l.prog.Maps))
	for _, ca := range l.prog.Maps {
		if _, ok := l.tree.byPath[ca.Type]; !ok {
			return nil, fmt.Errorf("map atom at (%d,%d,%d): unknown type %s", ca.X, ca.Y, ca.Z, ca.Type)
		}
		m := MapAtom{Type: ca.Type, X: ca.X, Y: ca.Y, Z: ca.Z}
		if len(ca.Vars) > 0 {
			m.Args = make(map[string]Value, len(ca.Vars))
			for k, raw := range ca.Vars {
				v, err := l.decodeValue(raw)
				if err != nil {
					return nil, fmt.Errorf("map atom %s var %s: %w", ca.Type, k, err)
				}
				m.Args[k] = v
			}
		}
		maps = append(maps, m)
	}
	// Row-major placement order: (1,1), (2,1), (1,2), ...
	sort.SliceStable(maps, func(i, j int) bool {
		a, b := maps[i], maps[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return maps, nil
}

// ---------------------------------------------------------------------------
// JSON values
// ---------------------------------------------------------------------------

// compiledValue is the tagged form of non-scalar constants:
//
//	{"kind": "resource", "path": "icons/mob.dmi"}
//	{"kind": "type", "path": "/obj/item"}
//	{"kind": "list", "values": [...], "assoc": [[key, value], ...]}
//	{"kind": "proc", "id": 3}
type compiledValue struct {
	Kind   string              `json:"kind"`
	Path   string              `json:"path,omitempty"`
	ID     int                 `json:"id,omitempty"`
	Values []json.RawMessage   `json:"values,omitempty"`
	Assoc  [][]json.RawMessage `json:"assoc,omitempty"`
}

func (l *loader) decodeValue(raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Null, nil
	}
	switch raw[0] {
	case 'n':
		return Null, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Null, err
		}
		return NewBool(b), nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Null, err
		}
		return NewString(s), nil
	case '{':
		var cv compiledValue
		if err := json.Unmarshal(raw, &cv); err != nil {
			return Null, err
		}
		return l.decodeTagged(cv)
	case '[':
		return Null, fmt.Errorf("bare JSON array is not a value; use a list object")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return Null, err
	}
	return NewFloat(f), nil
}

func (l *loader) decodeTagged(cv compiledValue) (Value, error) {
	switch cv.Kind {
	case "resource":
		r, err := l.engine.Resources.Load(cv.Path)
		if err != nil {
			return Null, err
		}
		return NewResourceValue(r), nil
	case "type":
		def, ok := l.tree.byPath[cv.Path]
		if !ok {
			return Null, fmt.Errorf("unknown type %s", cv.Path)
		}
		return NewTypeValue(def), nil
	case "proc":
		p, ok := l.tree.ProcByID(cv.ID)
		if !ok {
			return Null, fmt.Errorf("unknown proc %d", cv.ID)
		}
		return NewProcValue(p), nil
	case "list":
		list := NewList(0)
		for _, raw := range cv.Values {
			v, err := l.decodeValue(raw)
			if err != nil {
				return Null, err
			}
			list.values = append(list.values, v)
		}
		for _, pair := range cv.Assoc {
			if len(pair) != 2 {
				return Null, fmt.Errorf("list association must be a [key, value] pair")
			}
			k, err := l.decodeValue(pair[0])
			if err != nil {
				return Null, err
			}
			v, err := l.decodeValue(pair[1])
			if err != nil {
				return Null, err
			}
			if err := list.Set(k, v, false); err != nil {
				return Null, err
			}
		}
		return NewListValue(list), nil
	}
	return Null, fmt.Errorf("unknown value kind %q", cv.Kind)
}

// nativeKey is the registry key of a native proc: "/list/proc/Add" for a
// type proc, "/proc/abs" for a global one.
func nativeKey(owner, name string) string {
	if owner == "" || owner == PathRoot {
		return "/proc/" + name
	}
	return owner + "/proc/" + name
}

func splitNativeKey(key string) (owner, name string) {
	i := strings.LastIndex(key, "/proc/")
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+len("/proc/"):]
}
