package vm

import (
	"strings"
)

// ---------------------------------------------------------------------------
// Proc: an immutable callable descriptor
// ---------------------------------------------------------------------------

// Proc is a callable unit, either engine-provided (NativeProc) or compiled
// (BytecodeProc). Procs are created while the program loads and shared by
// every invocation.
type Proc interface {
	ID() int
	Name() string
	OwningType() *ObjectDefinition
	ArgumentNames() []string

	// CreateState prepares one activation. Declared argument defaults are
	// merged into args before the state is returned.
	CreateState(e *Engine, src Value, usr *Object, args ProcArguments) ProcState

	setID(id int)
}

// ProcParameter is one declared parameter.
type ProcParameter struct {
	Name    string
	Default Value
}

// procHeader carries the fields every proc kind shares.
type procHeader struct {
	id       int
	name     string
	owner    *ObjectDefinition
	argNames []string
	defaults map[string]Value
}

func newProcHeader(owner *ObjectDefinition, name string, params []ProcParameter) procHeader {
	h := procHeader{id: -1, name: name, owner: owner, argNames: make([]string, len(params))}
	for i, p := range params {
		h.argNames[i] = p.Name
		if !p.Default.IsNull() {
			if h.defaults == nil {
				h.defaults = make(map[string]Value)
			}
			h.defaults[p.Name] = p.Default
		}
	}
	return h
}

func (h *procHeader) ID() int { return h.id }
func (h *procHeader) Name() string { return h.name }
func (h *procHeader) OwningType() *ObjectDefinition { return h.owner }
func (h *procHeader) ArgumentNames() []string { return h.argNames }
func (h *procHeader) setID(id int) { h.id = id }

// setParams replaces the parameter list of a declared proc, keeping its id.
func (h *procHeader) setParams(params []ProcParameter) {
	id := h.id
	*h = newProcHeader(h.owner, h.name, params)
	h.id = id
}

// withDefaults fills every defaulted parameter the caller left null. The
// caller's argument slices and maps are never modified.
func (h *procHeader) withDefaults(args ProcArguments) ProcArguments {
	if len(h.defaults) == 0 {
		return args
	}
	out := args
	copied := false
	for i, name := range h.argNames {
		def, ok := h.defaults[name]
		if !ok || !args.GetArgument(i, name).IsNull() {
			continue
		}
		if !copied {
			out.Ordered = append([]Value(nil), args.Ordered...)
			out.Named = make(map[string]Value, len(args.Named)+len(h.defaults))
			for k, v := range args.Named {
				out.Named[k] = v
			}
			copied = true
		}
		if i < len(out.Ordered) {
			out.Ordered[i] = def
		} else {
			out.Named[name] = def
		}
	}
	return out
}

func procPath(p Proc) string {
	if owner := p.OwningType(); owner != nil && owner.Type != PathRoot {
		return owner.Type + "/proc/" + p.Name()
	}
	return "/proc/" + p.Name()
}

// ---------------------------------------------------------------------------
// ProcArguments
// ---------------------------------------------------------------------------

// ProcArguments is a positional plus named argument set.
type ProcArguments struct {
	Ordered []Value
	Named   map[string]Value
}

// Args builds positional arguments.
func Args(values ...Value) ProcArguments {
	return ProcArguments{Ordered: values}
}

// GetArgument returns the positional argument at index if present,
// otherwise the named argument, otherwise Null.
func (a ProcArguments) GetArgument(index int, name string) Value {
	if index >= 0 && index < len(a.Ordered) {
		return a.Ordered[index]
	}
	if v, ok := a.Named[name]; ok {
		return v
	}
	return Null
}

// Count returns the number of supplied arguments.
func (a ProcArguments) Count() int {
	return len(a.Ordered) + len(a.Named)
}

// ---------------------------------------------------------------------------
// ProcStatus and ProcState
// ---------------------------------------------------------------------------

// ProcStatus is where an activation stands in its lifecycle:
// Created -> Running <-> Suspended -> Returned | Errored | Cancelled.
// Sleeping, AwaitingChild and Deferred are the suspended statuses.
type ProcStatus int

const (
	StatusCreated ProcStatus = iota
	StatusRunning
	StatusSleeping
	StatusAwaitingChild
	StatusDeferred
	StatusReturned
	StatusErrored
	StatusCancelled
)

var statusNames = [...]string{"created", "running", "sleeping", "awaiting", "deferred", "returned", "errored", "cancelled"}

func (s ProcStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// IsTerminal reports whether the status ends the activation.
func (s ProcStatus) IsTerminal() bool {
	return s == StatusReturned || s == StatusErrored || s == StatusCancelled
}

// IsSuspended reports whether the activation is waiting to be resumed.
func (s ProcStatus) IsSuspended() bool {
	return s == StatusSleeping || s == StatusAwaitingChild || s == StatusDeferred
}

// ProcState is one activation of a proc. Resume runs it until it returns,
// errors, or asks to be suspended.
type ProcState interface {
	Proc() Proc
	Status() ProcStatus
	Resume() ProcStatus
	Result() Value
	Err() error

	// Cancel marks the state cancelled; it takes effect the next time the
	// state would run or reaches a cancellation check.
	Cancel()
	Cancelled() bool

	// Dispose clears the state and returns it to its pool.
	Dispose()

	AppendStackFrame(b *strings.Builder)

	base() *stateBase
}

// stateBase carries the bookkeeping every state kind shares.
type stateBase struct {
	engine    *Engine
	status    ProcStatus
	result    Value
	err       error
	cancelled bool

	// caller is the state blocked on this one, if any; awaiting is the
	// child this state is blocked on.
	caller   ProcState
	awaiting ProcState

	// delivered holds a finished child's outcome until the caller resumes.
	delivered   bool
	childResult Value
	childErr    error
	sleepTicks  int
	onDone      func(Value, error)
}

func (s *stateBase) init(e *Engine) {
	s.engine = e
	s.status = StatusCreated
}

func (s *stateBase) reset() {
	*s = stateBase{}
}

func (s *stateBase) base() *stateBase { return s }
func (s *stateBase) Status() ProcStatus { return s.status }
func (s *stateBase) Result() Value { return s.result }
func (s *stateBase) Err() error { return s.err }
func (s *stateBase) Cancel() { s.cancelled = true }
func (s *stateBase) Cancelled() bool { return s.cancelled }

// deliver hands a finished child's outcome to this (awaiting) state.
func (s *stateBase) deliver(result Value, err error) {
	s.delivered = true
	s.childResult = result
	s.childErr = err
}

// stackFrame renders st as one stack trace line.
func stackFrame(st ProcState) string {
	var b strings.Builder
	st.AppendStackFrame(&b)
	return b.String()
}
