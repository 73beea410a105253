package vm

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// DefaultMaxCallDepth bounds nested waited calls.
const DefaultMaxCallDepth = 512

// StatUpdater is the stat/telemetry collaborator. It runs once per tick
// after the scheduler.
type StatUpdater interface {
	UpdateStats(e *Engine, stats TickStats)
}

// Options configures an Engine's collaborators. Nil fields get in-process
// defaults.
type Options struct {
	Natives      *NativeRegistry
	Spatial      SpatialIndex
	Appearances  AppearanceManager
	Resources    ResourceLoader
	Stat         StatUpdater
	WorldLog     io.Writer
	MaxCallDepth int
}

// ---------------------------------------------------------------------------
// Engine: the top-level runtime context
// ---------------------------------------------------------------------------

// Engine owns every process-wide table of a running program: the object
// tree, the globals, the reference registry and the scheduler, plus the
// collaborators it calls into. All access happens on one goroutine.
type Engine struct {
	Tree        *ObjectTree
	Globals     *GlobalTable
	Refs        *ReferenceRegistry
	Tags        *TagIndex
	Scheduler   *Scheduler
	Natives     *NativeRegistry
	Filters     *FilterRegistry
	Resources   *ResourceCache
	Spatial     SpatialIndex
	Appearances AppearanceManager
	Stat        StatUpdater

	World         *Object
	WorldContents *WorldContentsList
	GlobalVars    *GlobalVarsList

	// GameID identifies this engine run.
	GameID uuid.UUID

	MaxCallDepth int

	// LastError is the most recent uncaught proc error.
	LastError error

	// OnError, when set, receives every uncaught proc error.
	OnError func(error)

	maps     []MapAtom
	atoms    *AtomBehavior
	lists    *ListBehavior
	deleting map[*Object]bool
	depth    int
	cpu      float64
	started  bool
	worldLog io.Writer

	nativePool   []*NativeState
	bytecodePool []*BytecodeState

	log commonlog.Logger
}

// NewEngine creates an engine with no program loaded.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		Tags:         NewTagIndex(),
		Scheduler:    NewScheduler(),
		Natives:      opts.Natives,
		Filters:      NewFilterRegistry(),
		Resources:    NewResourceCache(opts.Resources),
		Spatial:      opts.Spatial,
		Appearances:  opts.Appearances,
		Stat:         opts.Stat,
		GameID:       uuid.New(),
		MaxCallDepth: opts.MaxCallDepth,
		deleting:     make(map[*Object]bool),
		worldLog:     opts.WorldLog,
		log:          commonlog.GetLogger("dreamvm.engine"),
	}
	if e.Natives == nil {
		e.Natives = NewNativeRegistry()
		RegisterBuiltins(e.Natives)
	}
	if e.Spatial == nil {
		e.Spatial = NewAtomList()
	}
	if e.Appearances == nil {
		e.Appearances = NewAppearanceTable()
	}
	if e.MaxCallDepth <= 0 {
		e.MaxCallDepth = DefaultMaxCallDepth
	}
	e.WorldContents = NewWorldContentsList(e.Spatial)
	return e
}

// install binds a loaded tree and global table to the engine, attaches the
// built-in behaviors and creates the world object.
func (e *Engine) install(tree *ObjectTree, globals *GlobalTable, maps []MapAtom) error {
	e.Tree = tree
	e.Globals = globals
	e.maps = maps
	e.Refs = NewReferenceRegistry(tree, e.Resources, e.Tags)
	e.GlobalVars = NewGlobalVarsList(globals, tree.Root)
	e.installBehaviors()

	world := e.allocObject(tree.World)
	if b := tree.World.Behavior; b != nil {
		if err := b.OnObjectCreated(world, ProcArguments{}); err != nil {
			return fmt.Errorf("create world: %w", err)
		}
	}
	e.World = world
	if len(globals.values) == 0 {
		globals.values = append(globals.values, Null)
	}
	globals.values[0] = NewObjectValue(world)
	return nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// StartWorld runs the global initializer, creates the map's atoms and
// queues world.New.
func (e *Engine) StartWorld() error {
	if e.Tree == nil {
		return fmt.Errorf("start world: no program loaded")
	}
	if e.started {
		return fmt.Errorf("start world: already started")
	}
	e.started = true

	if p := e.Tree.GlobalInitProc; p != nil {
		if _, err := e.invoke(p, Null, nil, ProcArguments{}); err != nil {
			return fmt.Errorf("global init: %w", err)
		}
	}

	for _, m := range e.maps {
		def, ok := e.Tree.GetType(m.Type)
		if !ok {
			return fmt.Errorf("map atom at (%d,%d,%d): unknown type %s", m.X, m.Y, m.Z, m.Type)
		}
		obj, err := e.construct(def, nil, ProcArguments{}, m.Named())
		if err != nil {
			return fmt.Errorf("map atom %s: %w", m.Type, err)
		}
		if obj.IsSubtypeOf(e.Tree.Turf) {
			e.Spatial.AddAtom(obj)
		}
	}

	if p, ok := e.Tree.LookupProc(e.Tree.World, "New"); ok {
		e.Spawn(p, NewObjectValue(e.World), nil, ProcArguments{})
	}
	e.log.Noticef("world started (game %s, %d atoms)", e.GameID, e.Spatial.AtomCount())
	return nil
}

// Update advances one tick: the scheduler runs, then the stat and spatial
// collaborators, then world.cpu is recomputed.
func (e *Engine) Update() TickStats {
	start := time.Now()
	stats := e.Scheduler.Process(e.run)
	if e.Stat != nil {
		e.Stat.UpdateStats(e, stats)
	}
	e.Spatial.Update(stats.Tick)

	if budget := e.TickInterval(); budget > 0 {
		e.cpu = float64(time.Since(start)) / float64(budget) * 100
	}
	return stats
}

// TickInterval is the wall-clock length of one tick, from world.tick_lag.
func (e *Engine) TickInterval() time.Duration {
	return time.Duration(e.tickLag() * float64(100*time.Millisecond))
}

// CPU returns the share of the last tick's budget spent in Update, in percent.
func (e *Engine) CPU() float64 { return e.cpu }

// Time returns the world time in deciseconds.
func (e *Engine) Time() float64 {
	return float64(e.Scheduler.Tick()) * e.tickLag()
}

// Shutdown cancels and drops every pending proc.
func (e *Engine) Shutdown() {
	dropped := e.Scheduler.Clear()
	for _, st := range dropped {
		st.Cancel()
		st.Dispose()
	}
	e.log.Infof("engine shut down, %d pending proc(s) dropped", len(dropped))
}

// WriteWorldLog writes msg to the world log at the given level.
func (e *Engine) WriteWorldLog(level commonlog.Level, msg string) {
	log := commonlog.GetLogger("dreamvm.world")
	switch level {
	case commonlog.Critical:
		log.Critical(msg)
	case commonlog.Error:
		log.Error(msg)
	case commonlog.Warning:
		log.Warning(msg)
	case commonlog.Notice:
		log.Notice(msg)
	case commonlog.Debug:
		log.Debug(msg)
	default:
		log.Info(msg)
	}
	if e.worldLog != nil {
		fmt.Fprintln(e.worldLog, msg)
	}
}

// tickLag is world.tick_lag in deciseconds, defaulting to 1.
func (e *Engine) tickLag() float64 {
	if e.World == nil {
		return 1
	}
	if v, ok := e.World.rawVariable("tick_lag"); ok {
		if f, ok := v.TryFloat(); ok && f > 0 {
			return f
		}
	}
	return 1
}

// ticksFor converts a sleep delay in deciseconds to whole ticks.
func (e *Engine) ticksFor(deciseconds float64) int {
	if deciseconds <= 0 || math.IsNaN(deciseconds) {
		return 0
	}
	return int(math.Ceil(deciseconds / e.tickLag()))
}

// ---------------------------------------------------------------------------
// Procs and threads
// ---------------------------------------------------------------------------

// Thread is a host-side handle on one top-level proc activation.
type Thread struct {
	engine   *Engine
	state    ProcState
	done     bool
	sync     bool
	result   Value
	err      error
	callback func(Value, error)
}

// Done reports whether the activation has terminated.
func (t *Thread) Done() bool { return t.done }

// Result returns the outcome; it is (Null, nil) until Done.
func (t *Thread) Result() (Value, error) { return t.result, t.err }

// Cancel cancels the activation, and any child it is waiting on, if it has
// not finished.
func (t *Thread) Cancel() {
	if !t.done {
		t.engine.Cancel(t.state)
	}
}

func (t *Thread) complete(result Value, err error) {
	t.done = true
	t.result = result
	t.err = err
	t.state = nil
	if err != nil && !t.sync && !isCancellation(err) {
		t.engine.reportError(err)
	}
	if t.callback != nil {
		t.callback(result, err)
	}
}

func (e *Engine) newThread(proc Proc, src Value, usr *Object, args ProcArguments) *Thread {
	st := proc.CreateState(e, src, usr, args)
	t := &Thread{engine: e, state: st}
	st.base().onDone = t.complete
	return t
}

// Call runs proc until it terminates or first suspends. A suspended
// activation continues under the scheduler.
func (e *Engine) Call(proc Proc, src Value, usr *Object, args ProcArguments) *Thread {
	t := e.newThread(proc, src, usr, args)
	t.sync = true
	e.run(t.state)
	t.sync = false
	return t
}

// CallWithCallback is Call with a completion callback, which runs
// immediately if the proc finishes synchronously.
func (e *Engine) CallWithCallback(proc Proc, src Value, usr *Object, args ProcArguments, cb func(Value, error)) *Thread {
	t := e.newThread(proc, src, usr, args)
	t.callback = cb
	t.sync = true
	e.run(t.state)
	t.sync = false
	return t
}

// Spawn queues proc to start on the next tick and returns without running
// any of it.
func (e *Engine) Spawn(proc Proc, src Value, usr *Object, args ProcArguments) *Thread {
	t := e.newThread(proc, src, usr, args)
	e.Scheduler.Schedule(t.state)
	return t
}

// CallMethod resolves name on target and calls it.
func (e *Engine) CallMethod(target Value, name string, usr *Object, args ProcArguments) (*Thread, error) {
	proc, err := e.ResolveProc(target, name)
	if err != nil {
		return nil, err
	}
	return e.Call(proc, target, usr, args), nil
}

// Cancel marks st and every child it is waiting on as cancelled.
func (e *Engine) Cancel(st ProcState) {
	for s := st; s != nil; s = s.base().awaiting {
		e.Scheduler.Cancel(s)
	}
}

// invoke is a synchronous call whose error belongs to the caller. It
// counts toward MaxCallDepth like a waited call, so New or Del procs
// that construct or delete recursively fail instead of exhausting the
// goroutine stack.
func (e *Engine) invoke(proc Proc, src Value, usr *Object, args ProcArguments) (Value, error) {
	if e.depth >= e.MaxCallDepth {
		return Null, fmt.Errorf("call %s: %w", procPath(proc), ErrStackOverflow)
	}
	e.depth++
	t := e.Call(proc, src, usr, args)
	e.depth--
	if !t.done {
		return Null, nil
	}
	return t.result, t.err
}

// resume runs st once, turning a panic in the body into an error.
func (e *Engine) resume(st ProcState) (status ProcStatus) {
	defer func() {
		if r := recover(); r != nil {
			b := st.base()
			b.err = wrapProcError(fmt.Errorf("panic: %v", r), stackFrame(st))
			b.status = StatusErrored
			status = StatusErrored
		}
	}()
	return st.Resume()
}

// run resumes st and routes the outcome: suspensions go back to the
// scheduler, terminal states are finished.
func (e *Engine) run(st ProcState) ProcStatus {
	status := e.resume(st)
	switch status {
	case StatusSleeping:
		e.Scheduler.Sleep(st, st.base().sleepTicks)
	case StatusDeferred:
		e.Scheduler.Schedule(st)
	case StatusAwaitingChild:
	default:
		if status.IsTerminal() {
			e.finish(st)
		}
	}
	return status
}

// finish disposes a terminated state and hands its outcome on: to the
// host thread, and to a waiting caller which is resumed immediately.
func (e *Engine) finish(st ProcState) {
	b := st.base()
	status, result, err := st.Status(), st.Result(), st.Err()
	if status == StatusCancelled && err == nil {
		err = ErrCancelled
	}
	caller, onDone := b.caller, b.onDone
	if caller == nil && onDone == nil && status == StatusErrored {
		e.reportError(err)
	}
	st.Dispose()

	if onDone != nil {
		onDone(result, err)
	}
	if caller != nil {
		caller.base().deliver(result, err)
		e.run(caller)
	}
}

// callChild runs a waited call from caller. When the child suspends, done
// is false and the child will resume caller when it finishes.
func (e *Engine) callChild(caller ProcState, proc Proc, src Value, usr *Object, args ProcArguments) (Value, bool, error) {
	if e.depth >= e.MaxCallDepth {
		return Null, true, fmt.Errorf("call %s: %w", procPath(proc), ErrStackOverflow)
	}
	child := proc.CreateState(e, src, usr, args)
	e.depth++
	status := e.resume(child)
	e.depth--

	switch status {
	case StatusSleeping:
		e.Scheduler.Sleep(child, child.base().sleepTicks)
	case StatusDeferred:
		e.Scheduler.Schedule(child)
	case StatusAwaitingChild:
	default:
		result, err := child.Result(), child.Err()
		if status == StatusCancelled && err == nil {
			err = ErrCancelled
		}
		child.Dispose()
		return result, true, err
	}
	child.base().caller = caller
	caller.base().awaiting = child
	return Null, false, nil
}

func (e *Engine) reportError(err error) {
	e.LastError = err
	e.log.Errorf("uncaught proc error: %v", err)
	if e.OnError != nil {
		e.OnError(err)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// ResolveProc finds the proc named name for target: an object's type,
// the /list type for lists.
func (e *Engine) ResolveProc(target Value, name string) (Proc, error) {
	switch target.Kind() {
	case KindObject:
		obj, _ := target.TryObject()
		if obj.Deleted() {
			return nil, fmt.Errorf("call %s on %s: %w", name, obj.Definition.Type, ErrUseAfterDelete)
		}
		if p, ok := e.Tree.LookupProc(obj.Definition, name); ok {
			return p, nil
		}
		return nil, fmt.Errorf("%s has no proc %s: %w", obj.Definition.Type, name, ErrUndefinedProc)
	case KindList:
		if p, ok := e.Tree.LookupProc(e.Tree.List, name); ok {
			return p, nil
		}
		return nil, fmt.Errorf("/list has no proc %s: %w", name, ErrUndefinedProc)
	}
	return nil, fmt.Errorf("cannot call %s on %s: %w", name, target.Kind(), ErrTypeMismatch)
}

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

// allocObject creates an instance with defaults applied and no hooks run.
// List defaults are copied so instances never share a list.
func (e *Engine) allocObject(def *ObjectDefinition) *Object {
	obj := &Object{Definition: def, globals: e.Globals}
	for name, v := range def.Variables {
		if l, ok := v.TryList(); ok {
			if owned, ok := l.(*List); ok {
				if obj.vars == nil {
					obj.vars = make(map[string]Value)
				}
				obj.vars[name] = NewListValue(owned.clone())
			}
		}
	}
	return obj
}

// NewObject constructs an instance of def: defaults, the var initializer,
// the dispatch chain's OnObjectCreated, then New unless the chain opts out.
func (e *Engine) NewObject(def *ObjectDefinition, usr *Object, args ProcArguments) (*Object, error) {
	return e.construct(def, usr, args, nil)
}

// construct is NewObject with preset var values, written after the var
// initializer and before any hook runs. Map atoms use it for their
// coordinates and instance overrides.
func (e *Engine) construct(def *ObjectDefinition, usr *Object, args ProcArguments, preset map[string]Value) (*Object, error) {
	if def == nil {
		return nil, fmt.Errorf("new: nil type: %w", ErrTypeMismatch)
	}
	obj := e.allocObject(def)
	src := NewObjectValue(obj)

	if def.InitProc >= 0 {
		if p, ok := e.Tree.ProcByID(def.InitProc); ok {
			if _, err := e.invoke(p, src, usr, ProcArguments{}); err != nil {
				return nil, fmt.Errorf("init %s: %w", def.Type, err)
			}
		}
	}
	for name, v := range preset {
		if !obj.HasVariable(name) {
			continue
		}
		if err := obj.SetVariableValue(name, v); err != nil {
			return nil, fmt.Errorf("new %s: %w", def.Type, err)
		}
	}
	if b := def.Behavior; b != nil {
		if err := b.OnObjectCreated(obj, args); err != nil {
			return nil, fmt.Errorf("create %s: %w", def.Type, err)
		}
	}
	if def.Behavior == nil || def.Behavior.ShouldCallNew() {
		if p, ok := e.Tree.LookupProc(def, "New"); ok {
			if _, err := e.invoke(p, src, usr, args); err != nil {
				return obj, fmt.Errorf("%s/New: %w", def.Type, err)
			}
		}
	}
	return obj, nil
}

// NewInstance is the language's new: lists for /list types, objects
// otherwise.
func (e *Engine) NewInstance(def *ObjectDefinition, usr *Object, args ProcArguments) (Value, error) {
	if e.Tree.List != nil && def.IsSubtypeOf(e.Tree.List) {
		l, err := e.lists.CreateList(args)
		if err != nil {
			return Null, err
		}
		return NewListValue(l), nil
	}
	obj, err := e.NewObject(def, usr, args)
	if err != nil {
		return Null, err
	}
	return NewObjectValue(obj), nil
}

// DeleteObject deletes obj: its Del proc runs, it is marked deleted, the
// dispatch chain's teardown runs, and it is dropped from the reference
// registry, tag index and spatial index.
func (e *Engine) DeleteObject(obj *Object) error {
	if obj.Deleted() {
		return fmt.Errorf("delete %s: %w", obj.Definition.Type, ErrUseAfterDelete)
	}
	if obj == e.World {
		return fmt.Errorf("delete world: %w", ErrReadOnlyContainer)
	}
	if e.deleting[obj] {
		return nil
	}
	e.deleting[obj] = true
	defer delete(e.deleting, obj)

	if p, ok := e.Tree.LookupProc(obj.Definition, "Del"); ok {
		if _, err := e.invoke(p, NewObjectValue(obj), nil, ProcArguments{}); err != nil {
			e.log.Warningf("%s/Del: %v", obj.Definition.Type, err)
		}
	}

	obj.deleted = true
	var teardownErr error
	if b := obj.Definition.Behavior; b != nil {
		teardownErr = b.OnObjectDeleted(obj)
	}
	e.Refs.forget(obj)
	if tag, ok := obj.rawVariable("tag"); ok {
		if s, ok := tag.TryString(); ok {
			e.Tags.Remove(s, obj)
		}
	}
	e.Spatial.RemoveAtom(obj)
	return teardownErr
}

// VarsOf returns the vars view of obj.
func (e *Engine) VarsOf(obj *Object) *VarsList { return NewVarsList(obj) }

// GetField reads name from target through the dispatch chain.
func (e *Engine) GetField(target Value, name string) (Value, error) {
	switch target.Kind() {
	case KindObject:
		obj, _ := target.TryObject()
		if name == "vars" && !obj.HasVariable(name) {
			if obj.Deleted() {
				return Null, fmt.Errorf("read %s.vars: %w", obj.Definition.Type, ErrUseAfterDelete)
			}
			return NewListValue(NewVarsList(obj)), nil
		}
		return obj.GetVariable(name)
	case KindList:
		l, _ := target.TryList()
		if name == "len" {
			return NewInt(l.Len()), nil
		}
		return Null, fmt.Errorf("cannot read var %q on /list: %w", name, ErrUndefinedField)
	case KindType:
		def, _ := target.TryType()
		if v, ok := def.Variables[name]; ok {
			return v, nil
		}
		return Null, fmt.Errorf("cannot read var %q on type %s: %w", name, def.Type, ErrUndefinedField)
	}
	return Null, fmt.Errorf("cannot read %q of %s: %w", name, target.Kind(), ErrTypeMismatch)
}

// SetField writes name on target through the dispatch chain.
func (e *Engine) SetField(target Value, name string, v Value) error {
	switch target.Kind() {
	case KindObject:
		obj, _ := target.TryObject()
		return obj.SetVariable(name, v)
	case KindList:
		l, _ := target.TryList()
		if name == "len" {
			n, ok := v.TryInteger()
			if !ok {
				return fmt.Errorf("list len must be a number: %w", ErrTypeMismatch)
			}
			return l.Resize(n)
		}
		return fmt.Errorf("cannot set var %q on /list: %w", name, ErrUndefinedField)
	}
	return fmt.Errorf("cannot set %q of %s: %w", name, target.Kind(), ErrTypeMismatch)
}

// filterObject returns the object standing for the attached filter f,
// creating it on first use.
func (e *Engine) filterObject(f *Filter) (*Object, error) {
	if obj, ok := e.Filters.view(f); ok {
		return obj, nil
	}
	if e.Tree.Filter == nil {
		return nil, fmt.Errorf("program has no %s type: %w", PathFilter, ErrUnsupportedOperation)
	}
	obj := e.allocObject(e.Tree.Filter)
	e.Filters.bind(obj, f)
	e.Filters.views[f] = obj
	return obj, nil
}

// ---------------------------------------------------------------------------
// References
// ---------------------------------------------------------------------------

// CreateRef returns the stable handle of v.
func (e *Engine) CreateRef(v Value) (string, error) {
	return e.Refs.Create(v)
}

// LocateRef resolves a handle produced by CreateRef, or a tag name.
func (e *Engine) LocateRef(ref string) (Value, error) {
	return e.Refs.Locate(ref)
}
