package vm

import (
	"errors"
	"testing"
)

type setCall struct {
	name       string
	value, old Value
}

// countingBehavior records every hook that reaches it, then defers to its
// parent node.
type countingBehavior struct {
	BaseBehavior
	sets    []setCall
	created int
	deleted int
}

func (b *countingBehavior) OnObjectCreated(obj *Object, args ProcArguments) error {
	b.created++
	return b.BaseBehavior.OnObjectCreated(obj, args)
}

func (b *countingBehavior) OnObjectDeleted(obj *Object) error {
	b.deleted++
	if !obj.Deleted() {
		panic("teardown ran before the object was marked deleted")
	}
	return b.BaseBehavior.OnObjectDeleted(obj)
}

func (b *countingBehavior) OnVariableSet(obj *Object, name string, value, old Value) (Value, bool, error) {
	b.sets = append(b.sets, setCall{name: name, value: value, old: old})
	return b.BaseBehavior.OnVariableSet(obj, name, value, old)
}

func appearanceOf(t *testing.T, e *Engine, atom *Object) *Appearance {
	t.Helper()
	a, ok := e.Appearances.GetAppearance(atom)
	if !ok {
		t.Fatalf("%s has no appearance", atom)
	}
	return a
}

// ---------------------------------------------------------------------------
// Dispatch chain
// ---------------------------------------------------------------------------

func TestVarsListWriteRunsChainOnce(t *testing.T) {
	e := newTestEngine(t, nil)
	counting := &countingBehavior{}
	e.Tree.SetBehavior(mustType(t, e, "/mob"), counting)
	if _, ok := counting.Parent.(*AtomBehavior); !ok {
		t.Fatalf("counting node's parent is %T, want *AtomBehavior", counting.Parent)
	}

	mob := mustNew(t, e, "/mob")
	if counting.created != 1 {
		t.Errorf("OnObjectCreated ran %d times, want 1", counting.created)
	}
	if _, ok := e.Appearances.GetAppearance(mob); !ok {
		t.Error("atom node did not run under the counting node")
	}

	vars := NewVarsList(mob)
	if err := vars.Set(NewString("speed"), NewInt(5), false); err != nil {
		t.Fatalf("vars[speed] = 5: %v", err)
	}
	if len(counting.sets) != 1 {
		t.Fatalf("OnVariableSet ran %d times, want 1", len(counting.sets))
	}
	got := counting.sets[0]
	if got.name != "speed" || got.old != NewInt(0) || got.value != NewInt(5) {
		t.Errorf("OnVariableSet(%s, new %v, old %v), want (speed, new 5, old 0)", got.name, got.value, got.old)
	}
	if v, _ := vars.Get(NewString("speed")); v != NewInt(5) {
		t.Errorf("vars[speed] = %v, want 5", v)
	}
	if v, _ := mob.GetVariable("speed"); v != NewInt(5) {
		t.Errorf("mob.speed = %v, want 5", v)
	}
}

func TestVarsListErrors(t *testing.T) {
	e := newTestEngine(t, nil)
	mob := mustNew(t, e, "/mob")
	vars := NewVarsList(mob)

	if _, err := vars.Get(NewString("mana")); !errors.Is(err, ErrUndefinedField) {
		t.Errorf("vars[mana] error = %v, want ErrUndefinedField", err)
	}
	if _, err := vars.Get(NewInt(1)); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("vars[1] error = %v, want ErrTypeMismatch", err)
	}
	if err := vars.Add(NewString("x")); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("vars.Add error = %v, want ErrUnsupportedOperation", err)
	}
	if !vars.ContainsKey(NewString("speed")) || vars.ContainsKey(NewString("mana")) {
		t.Error("ContainsKey disagrees with the type's vars")
	}
	if vars.Len() != len(mob.VariableNames()) {
		t.Errorf("Len() = %d, want %d", vars.Len(), len(mob.VariableNames()))
	}
}

func TestDeleteOrder(t *testing.T) {
	e := newTestEngine(t, nil)
	counting := &countingBehavior{}
	mobDef := mustType(t, e, "/mob")
	e.Tree.SetBehavior(mobDef, counting)
	// Del copies src.speed into score, so src must still be usable.
	addProc(t, e, mobDef, "Del", nil, 0, func(a *Assembler) {
		a.Named(OpGetSrcField, "speed").Emit(OpStoreGlobal, 1)
	})

	mob := mustNew(t, e, "/mob")
	_ = mob.SetVariable("speed", NewInt(3))
	if err := e.DeleteObject(mob); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if v, _ := e.Globals.Get(1); v != NewInt(3) {
		t.Errorf("Del saw speed = %v, want 3", v)
	}
	if counting.deleted != 1 || !mob.Deleted() {
		t.Errorf("teardown ran %d times, deleted = %v", counting.deleted, mob.Deleted())
	}
	if e.WorldContents.Contains(NewObjectValue(mob)) {
		t.Error("deleted atom still in world contents")
	}
	if _, ok := e.Appearances.GetAppearance(mob); ok {
		t.Error("deleted atom kept its appearance")
	}
	if _, err := mob.GetVariable("speed"); !errors.Is(err, ErrUseAfterDelete) {
		t.Errorf("read after delete error = %v, want ErrUseAfterDelete", err)
	}
	if err := e.DeleteObject(mob); !errors.Is(err, ErrUseAfterDelete) {
		t.Errorf("second delete error = %v, want ErrUseAfterDelete", err)
	}
	if err := e.DeleteObject(e.World); !errors.Is(err, ErrReadOnlyContainer) {
		t.Errorf("delete world error = %v, want ErrReadOnlyContainer", err)
	}
}

func TestNewSkipsNewProcForLists(t *testing.T) {
	e := newTestEngine(t, nil)
	addProc(t, e, e.Tree.List, "New", nil, 0, func(a *Assembler) {
		a.PushConst(NewInt(1)).Emit(OpStoreGlobal, 1)
	})
	v, err := e.NewInstance(e.Tree.List, nil, Args(NewInt(3)))
	if err != nil {
		t.Fatalf("new /list(3): %v", err)
	}
	l, _ := v.TryList()
	if l.Len() != 3 {
		t.Errorf("len = %d, want 3", l.Len())
	}
	if g, _ := e.Globals.Get(1); !g.IsNull() {
		t.Error("/list New proc ran")
	}
}

// ---------------------------------------------------------------------------
// World
// ---------------------------------------------------------------------------

func TestWorldVars(t *testing.T) {
	e := newTestEngine(t, nil)
	w := e.World

	if err := w.SetVariable("fps", NewInt(20)); err != nil {
		t.Fatalf("fps = 20: %v", err)
	}
	if v, _ := w.GetVariable("tick_lag"); v != NewFloat(0.5) {
		t.Errorf("tick_lag = %v, want 0.5", v)
	}
	if v, _ := w.GetVariable("fps"); v != NewInt(20) {
		t.Errorf("fps = %v, want 20", v)
	}

	if err := w.SetVariable("cpu", NewInt(99)); err != nil {
		t.Errorf("cpu write: %v", err)
	}
	if v, _ := w.GetVariable("cpu"); v == NewInt(99) {
		t.Error("cpu write was not vetoed")
	}

	if v, _ := w.GetVariable("game_id"); v != NewString(e.GameID.String()) {
		t.Errorf("game_id = %v, want %s", v, e.GameID)
	}
	v, _ := w.GetVariable("contents")
	if l, ok := v.TryList(); !ok || l.Kind() != ContainerWorldContents {
		t.Errorf("contents = %v, want the world contents view", v)
	}

	tests := []struct {
		name  string
		value Value
		ok    bool
	}{
		{"view", NewInt(7), true},
		{"view", NewString("15x11"), true},
		{"view", NewString("wide"), false},
		{"view", NewInt(-1), false},
		{"tick_lag", NewInt(0), false},
		{"tick_lag", NewString("fast"), false},
		{"fps", NewInt(-5), false},
	}
	for _, tt := range tests {
		err := w.SetVariable(tt.name, tt.value)
		if (err == nil) != tt.ok {
			t.Errorf("world.%s = %v error = %v, want ok %v", tt.name, tt.value, err, tt.ok)
		}
	}
	if v, _ := w.GetVariable("view"); v != NewString("15x11") {
		t.Errorf("view = %v after rejected writes, want 15x11", v)
	}
}

func TestSleepUsesTickLag(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.World.SetVariable("tick_lag", NewInt(2)); err != nil {
		t.Fatal(err)
	}
	// sleep(5) at 2 deciseconds per tick is 3 ticks.
	p := addProc(t, e, nil, "nap", nil, 0, func(a *Assembler) {
		a.PushConst(NewInt(5)).Emit(OpSleep)
	})
	th := e.Call(p, Null, nil, ProcArguments{})
	e.Update()
	e.Update()
	if th.Done() {
		t.Fatal("woke after 2 ticks")
	}
	e.Update()
	if !th.Done() {
		t.Error("still asleep after 3 ticks")
	}
	if got := e.Time(); got != 6 {
		t.Errorf("Time() = %v, want 6", got)
	}
}

// ---------------------------------------------------------------------------
// Atoms and appearances
// ---------------------------------------------------------------------------

func TestAtomAppearanceFollowsVars(t *testing.T) {
	e := newTestEngine(t, nil)
	mob := mustNew(t, e, "/mob")
	table := e.Appearances.(*AppearanceTable)

	before := appearanceOf(t, e, mob)
	if before.Layer != 2 || before.Dir != DirSouth {
		t.Errorf("initial appearance = %+v", before)
	}

	published := table.Published
	if err := mob.SetVariable("icon_state", NewString("walk")); err != nil {
		t.Fatal(err)
	}
	after := appearanceOf(t, e, mob)
	if after.IconState != "walk" {
		t.Errorf("IconState = %q, want walk", after.IconState)
	}
	if before.IconState != "" {
		t.Error("published snapshot was mutated in place")
	}
	if table.Published != published+1 {
		t.Errorf("Published = %d, want %d", table.Published, published+1)
	}

	if err := mob.SetVariable("invisibility", NewInt(500)); err != nil {
		t.Fatal(err)
	}
	if v, _ := mob.GetVariable("invisibility"); v != NewInt(127) {
		t.Errorf("invisibility = %v, want clamped to 127", v)
	}
	if a := appearanceOf(t, e, mob); a.Invisibility != 127 {
		t.Errorf("appearance invisibility = %d, want 127", a.Invisibility)
	}

	// Non-visual vars do not publish.
	published = table.Published
	_ = mob.SetVariable("speed", NewInt(1))
	if table.Published != published {
		t.Error("speed write published an appearance")
	}
}

func TestAtomOverlays(t *testing.T) {
	e := newTestEngine(t, nil)
	mob := mustNew(t, e, "/mob")
	v, _ := mob.GetVariable("overlays")
	overlays, ok := v.TryList()
	if !ok {
		t.Fatalf("overlays = %v, want a list", v)
	}

	if err := overlays.Add(NewString("sword")); err != nil {
		t.Fatal(err)
	}
	a := appearanceOf(t, e, mob)
	if len(a.Overlays) != 1 {
		t.Fatalf("Overlays = %v, want one id", a.Overlays)
	}
	ov, _ := e.Appearances.(*AppearanceTable).AppearanceByID(a.Overlays[0])
	if ov.IconState != "sword" {
		t.Errorf("overlay icon_state = %q, want sword", ov.IconState)
	}

	if err := overlays.Cut(1, 0); err != nil {
		t.Fatal(err)
	}
	if a := appearanceOf(t, e, mob); len(a.Overlays) != 0 {
		t.Errorf("Overlays after Cut = %v, want none", a.Overlays)
	}

	_ = overlays.Add(NewString("shield"))
	if err := mob.SetVariable("overlays", Null); err != nil {
		t.Fatal(err)
	}
	if a := appearanceOf(t, e, mob); len(a.Overlays) != 0 {
		t.Errorf("Overlays after reset = %v, want none", a.Overlays)
	}
	v, _ = mob.GetVariable("overlays")
	if l, ok := v.TryList(); !ok || l.Len() != 0 {
		t.Errorf("overlays after reset = %v, want an empty list", v)
	}
}

func TestOverlayListReleased(t *testing.T) {
	e := newTestEngine(t, nil)
	mob := mustNew(t, e, "/mob")
	v, _ := mob.GetVariable("overlays")
	old, _ := v.TryList()
	_ = old.Add(NewString("sword"))

	fresh := NewListOf(NewString("shield"))
	if err := mob.SetVariable("overlays", NewListValue(fresh)); err != nil {
		t.Fatalf("replace overlays: %v", err)
	}
	if old.Len() != 0 {
		t.Errorf("replaced overlays list has %d items, want 0", old.Len())
	}
	_ = old.Add(NewString("helmet"))
	if a := appearanceOf(t, e, mob); len(a.Overlays) != 1 {
		t.Errorf("Overlays = %v, want only the shield", a.Overlays)
	}

	if err := e.DeleteObject(mob); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if fresh.Len() != 0 {
		t.Errorf("overlays of a deleted atom has %d items, want 0", fresh.Len())
	}
	if err := fresh.Add(NewString("cape")); err != nil {
		t.Errorf("Add to a released overlays list: %v", err)
	}
}

func TestAtomFilters(t *testing.T) {
	e := newTestEngine(t, nil)
	mob := mustNew(t, e, "/mob")

	fv, err := callGlobal(t, e, "filter", ProcArguments{Named: map[string]Value{
		"type": NewString("blur"), "size": NewInt(2),
	}})
	if err != nil {
		t.Fatalf("filter(): %v", err)
	}
	fobj, _ := fv.TryObject()
	if v, _ := fobj.GetVariable("type"); v != NewString("blur") {
		t.Errorf("filter type = %v", v)
	}

	v, _ := mob.GetVariable("filters")
	filters, ok := v.TryList()
	if !ok || filters.Kind() != ContainerFilters {
		t.Fatalf("filters = %v, want the filter view", v)
	}
	if err := filters.Add(fv); err != nil {
		t.Fatalf("filters += blur: %v", err)
	}
	chain := appearanceOf(t, e, mob).Filters
	if len(chain) != 1 || chain[0].Type != "blur" || chain[0].Params["size"] != NewInt(2) {
		t.Fatalf("chain = %v", chain)
	}

	// The chain holds a copy: the original filter object is detached.
	if err := fobj.SetVariable("size", NewInt(9)); err != nil {
		t.Fatal(err)
	}
	if got := appearanceOf(t, e, mob).Filters[0].Params["size"]; got != NewInt(2) {
		t.Errorf("attached size = %v after editing the original, want 2", got)
	}

	// Editing through the list replaces the attached entry.
	attached, err := filters.Get(NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	aobj, _ := attached.TryObject()
	old := appearanceOf(t, e, mob).Filters[0]
	if err := aobj.SetVariable("size", NewInt(5)); err != nil {
		t.Fatal(err)
	}
	now := appearanceOf(t, e, mob).Filters[0]
	if now.Params["size"] != NewInt(5) {
		t.Errorf("attached size = %v, want 5", now.Params["size"])
	}
	if old.Params["size"] != NewInt(2) {
		t.Error("replaced filter was modified in place")
	}

	if !filters.Contains(attached) {
		t.Error("Contains(attached filter) = false")
	}
	if _, err := filters.Get(NewInt(2)); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("filters[2] error = %v, want ErrOutOfBounds", err)
	}
	if err := filters.Add(NewInt(3)); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("filters += 3 error = %v, want ErrTypeMismatch", err)
	}

	if err := mob.SetVariable("filters", Null); err != nil {
		t.Fatal(err)
	}
	if n := len(appearanceOf(t, e, mob).Filters); n != 0 {
		t.Errorf("%d filter(s) left after filters = null", n)
	}
}

func TestFilterListReadsShareOneObject(t *testing.T) {
	e := newTestEngine(t, nil)
	mob := mustNew(t, e, "/mob")
	fv, err := callGlobal(t, e, "filter", ProcArguments{Named: map[string]Value{"type": NewString("blur")}})
	if err != nil {
		t.Fatalf("filter(): %v", err)
	}
	v, _ := mob.GetVariable("filters")
	filters, _ := v.TryList()
	if err := filters.Add(fv); err != nil {
		t.Fatal(err)
	}

	first, err := filters.Get(NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	n := e.Filters.Len()
	for i := 0; i < 3; i++ {
		again, _ := filters.Get(NewInt(1))
		if again != first {
			t.Errorf("filters[1] = %v, want the first view %v", again, first)
		}
		if _, err := filters.Values(); err != nil {
			t.Fatal(err)
		}
	}
	if got := e.Filters.Len(); got != n {
		t.Errorf("filter objects = %d after repeated reads, want %d", got, n)
	}

	// Editing through the view keeps the view bound to the new entry.
	obj, _ := first.TryObject()
	if err := obj.SetVariable("size", NewInt(4)); err != nil {
		t.Fatal(err)
	}
	if again, _ := filters.Get(NewInt(1)); again != first {
		t.Errorf("filters[1] after edit = %v, want %v", again, first)
	}

	// A removed filter no longer hands out its view.
	if err := filters.Cut(1, 0); err != nil {
		t.Fatal(err)
	}
	if err := filters.Add(fv); err != nil {
		t.Fatal(err)
	}
	if again, _ := filters.Get(NewInt(1)); again == first {
		t.Error("re-added filter reused the view of a removed one")
	}
}

// ---------------------------------------------------------------------------
// Global views
// ---------------------------------------------------------------------------

func TestGlobalVarsList(t *testing.T) {
	e := newTestEngine(t, nil)
	g := e.GlobalVars
	if got := values(t, g); !equalValues(got, []Value{NewString("score")}) {
		t.Errorf("global names = %v, want [score] without world", got)
	}
	if err := g.Set(NewString("score"), NewInt(5), false); err != nil {
		t.Fatal(err)
	}
	if v, _ := e.Globals.Get(1); v != NewInt(5) {
		t.Errorf("slot 1 = %v, want 5", v)
	}
	if v, _ := g.Get(NewString("world")); v != NewObjectValue(e.World) {
		t.Errorf("global.vars[world] = %v", v)
	}
	if err := g.Set(NewString("world"), Null, false); !errors.Is(err, ErrReadOnlyContainer) {
		t.Errorf("global.vars[world] = null error = %v, want ErrReadOnlyContainer", err)
	}
	if _, err := g.Get(NewString("nope")); !errors.Is(err, ErrUndefinedGlobal) {
		t.Errorf("unknown global error = %v, want ErrUndefinedGlobal", err)
	}
}

func TestWorldContentsList(t *testing.T) {
	e := newTestEngine(t, nil)
	a := mustNew(t, e, "/mob")
	b := mustNew(t, e, "/obj")
	c := e.WorldContents

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	if v, _ := c.Get(NewInt(2)); v != NewObjectValue(b) {
		t.Errorf("contents[2] = %v, want the obj", v)
	}
	if i, _ := c.Find(NewObjectValue(a), 1, 0); i != 1 {
		t.Errorf("Find(mob) = %d, want 1", i)
	}
	if _, err := c.Get(NewInt(3)); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("contents[3] error = %v, want ErrOutOfBounds", err)
	}
	if _, err := c.Values(); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("Values() error = %v, want ErrUnsupportedOperation", err)
	}
	if err := c.Cut(1, 0); !errors.Is(err, ErrReadOnlyContainer) {
		t.Errorf("Cut error = %v, want ErrReadOnlyContainer", err)
	}

	_ = e.DeleteObject(a)
	if v, _ := c.Get(NewInt(1)); v != NewObjectValue(b) {
		t.Errorf("after delete contents[1] = %v, want the obj moved into the gap", v)
	}
}
