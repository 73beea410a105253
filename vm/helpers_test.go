package vm

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test program scaffolding
// ---------------------------------------------------------------------------

func raw(s string) json.RawMessage { return json.RawMessage(s) }

// testProgram is a minimal program with the well-known types and a /mob
// with a speed var.
func testProgram() *CompiledProgram {
	atomVars := map[string]json.RawMessage{
		"icon": raw("null"), "icon_state": raw("null"), "pixel_x": raw("0"), "pixel_y": raw("0"),
		"layer": raw("2"), "invisibility": raw("0"), "opacity": raw("0"), "mouse_opacity": raw("1"),
		"color": raw("null"), "dir": raw("2"), "overlays": raw("null"), "underlays": raw("null"),
		"filters": raw("null"), "verbs": raw("null"), "x": raw("0"), "y": raw("0"), "z": raw("0"),
	}
	return &CompiledProgram{
		Types: []CompiledType{
			{Path: "/"},
			{Path: "/datum", Parent: "/", Vars: map[string]json.RawMessage{"tag": raw("null"), "name": raw("null")}},
			{Path: "/world", Parent: "/", Vars: map[string]json.RawMessage{
				"name": raw(`"test world"`), "tick_lag": raw("1"), "fps": raw("10"), "view": raw("5"),
				"cpu": raw("0"), "time": raw("0"), "contents": raw("null"), "game_id": raw("null"),
			}},
			{Path: "/list", Parent: "/"},
			{Path: "/atom", Parent: "/datum", Vars: atomVars},
			{Path: "/turf", Parent: "/atom"},
			{Path: "/atom/movable", Parent: "/atom"},
			{Path: "/obj", Parent: "/atom/movable"},
			{Path: "/mob", Parent: "/atom/movable", Vars: map[string]json.RawMessage{"speed": raw("0")}},
			{Path: "/dm_filter", Parent: "/datum", Vars: map[string]json.RawMessage{
				"type": raw("null"), "size": raw("null"), "x": raw("null"), "y": raw("null"),
			}},
			{Path: "/datum/counter", Parent: "/datum", Vars: map[string]json.RawMessage{"count": raw("0")}},
		},
		Globals: CompiledGlobals{Names: []string{"world", "score"}},
	}
}

// newTestEngine loads prog (testProgram when nil) into a fresh engine.
func newTestEngine(t *testing.T, prog *CompiledProgram) *Engine {
	t.Helper()
	if prog == nil {
		prog = testProgram()
	}
	e := NewEngine(Options{})
	if err := e.LoadCompiled(prog); err != nil {
		t.Fatalf("LoadCompiled: %v", err)
	}
	return e
}

func mustType(t *testing.T, e *Engine, path string) *ObjectDefinition {
	t.Helper()
	def, ok := e.Tree.GetType(path)
	if !ok {
		t.Fatalf("type %s not loaded", path)
	}
	return def
}

func mustNew(t *testing.T, e *Engine, path string) *Object {
	t.Helper()
	obj, err := e.NewObject(mustType(t, e, path), nil, ProcArguments{})
	if err != nil {
		t.Fatalf("new %s: %v", path, err)
	}
	return obj
}

// addProc assembles a body and installs it as name on owner (nil for a
// global proc).
func addProc(t *testing.T, e *Engine, owner *ObjectDefinition, name string, params []string, locals int, build func(a *Assembler)) *BytecodeProc {
	t.Helper()
	a := NewAssembler()
	build(a)
	code, constants, err := a.Build()
	if err != nil {
		t.Fatalf("assemble %s: %v", name, err)
	}
	ps := make([]ProcParameter, len(params))
	for i, p := range params {
		ps[i].Name = p
	}
	p := NewBytecodeProc(owner, name, ps, code, constants, locals)
	if err := p.Verify(); err != nil {
		t.Fatalf("verify %s: %v", name, err)
	}
	e.Tree.addProc(p)
	if owner == nil {
		e.Tree.GlobalProcs[name] = p.ID()
		return p
	}
	for _, d := range e.Tree.Subtypes(owner) {
		if d == owner || !procDeclaredOn(e, d, name) {
			d.Procs[name] = p.ID()
		}
	}
	return p
}

func procDeclaredOn(e *Engine, def *ObjectDefinition, name string) bool {
	id, ok := def.Procs[name]
	if !ok {
		return false
	}
	p, ok := e.Tree.ProcByID(id)
	return ok && p.OwningType() == def
}

func addNative(e *Engine, owner *ObjectDefinition, name string, handler NativeHandler, params ...string) *NativeProc {
	ps := make([]ProcParameter, len(params))
	for i, p := range params {
		ps[i].Name = p
	}
	p := NewNativeProc(owner, name, ps, handler)
	e.Tree.addProc(p)
	if owner == nil {
		e.Tree.GlobalProcs[name] = p.ID()
	} else {
		for _, d := range e.Tree.Subtypes(owner) {
			d.Procs[name] = p.ID()
		}
	}
	return p
}

func mustResult(t *testing.T, th *Thread) Value {
	t.Helper()
	if !th.Done() {
		t.Fatalf("thread not done")
	}
	v, err := th.Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return v
}

func values(t *testing.T, c Container) []Value {
	t.Helper()
	vals, err := c.Values()
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	return vals
}

func equalValues(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ints(ns ...int) []Value {
	out := make([]Value, len(ns))
	for i, n := range ns {
		out[i] = NewInt(n)
	}
	return out
}
