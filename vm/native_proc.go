package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// NativeProc: engine-provided procs
// ---------------------------------------------------------------------------

// NativeHandler implements a native proc. It runs to completion inside a
// single Resume and never suspends.
type NativeHandler func(ctx *NativeContext) (Value, error)

// NativeContext is what a native handler sees of its activation.
type NativeContext struct {
	Engine *Engine
	Src    Value
	Usr    *Object
	Args   ProcArguments

	proc  *NativeProc
	state *NativeState
}

// Arg returns the declared parameter name, positional or named.
func (c *NativeContext) Arg(name string) Value {
	for i, n := range c.proc.argNames {
		if n == name {
			return c.Args.GetArgument(i, name)
		}
	}
	return c.Args.Named[name]
}

// SrcObject returns src as an object.
func (c *NativeContext) SrcObject() (*Object, error) {
	obj, ok := c.Src.TryObject()
	if !ok {
		return nil, fmt.Errorf("%s: src is %s, not an object: %w", c.proc.name, c.Src.Kind(), ErrTypeMismatch)
	}
	return obj, nil
}

// SrcList returns src as a list.
func (c *NativeContext) SrcList() (Container, error) {
	l, ok := c.Src.TryList()
	if !ok {
		return nil, fmt.Errorf("%s: src is %s, not a list: %w", c.proc.name, c.Src.Kind(), ErrTypeMismatch)
	}
	return l, nil
}

// Cancelled reports whether the running state has been cancelled.
func (c *NativeContext) Cancelled() bool {
	return c.state.cancelled
}

// NativeProc is a proc whose body is a Go function.
type NativeProc struct {
	procHeader
	Handler NativeHandler
}

// NewNativeProc creates a native proc owned by owner (nil for a global proc).
func NewNativeProc(owner *ObjectDefinition, name string, params []ProcParameter, handler NativeHandler) *NativeProc {
	return &NativeProc{procHeader: newProcHeader(owner, name, params), Handler: handler}
}

// CreateState takes a pooled state and binds it to this proc.
func (p *NativeProc) CreateState(e *Engine, src Value, usr *Object, args ProcArguments) ProcState {
	args = p.withDefaults(args)

	var s *NativeState
	if n := len(e.nativePool); n > 0 {
		s = e.nativePool[n-1]
		e.nativePool = e.nativePool[:n-1]
	} else {
		s = &NativeState{}
	}
	s.init(e)
	s.proc = p
	s.ctx = NativeContext{Engine: e, Src: src, Usr: usr, Args: args, proc: p, state: s}
	return s
}

// NativeState is the activation of a NativeProc.
type NativeState struct {
	stateBase
	proc *NativeProc
	ctx  NativeContext
}

// Proc implements ProcState.
func (s *NativeState) Proc() Proc { return s.proc }

// Resume runs the handler. A native state always terminates on its first
// resumption.
func (s *NativeState) Resume() ProcStatus {
	if s.cancelled {
		s.status = StatusCancelled
		return s.status
	}
	s.status = StatusRunning
	result, err := s.proc.Handler(&s.ctx)
	if err != nil {
		s.err = wrapProcError(err, stackFrame(s))
		s.status = StatusErrored
		return s.status
	}
	s.result = result
	s.status = StatusReturned
	return s.status
}

// AppendStackFrame implements ProcState.
func (s *NativeState) AppendStackFrame(b *strings.Builder) {
	if s.proc == nil {
		b.WriteString("<anonymous proc>")
		return
	}
	b.WriteString(procPath(s.proc))
}

// Dispose clears the state and returns it to the engine's pool.
func (s *NativeState) Dispose() {
	e := s.engine
	s.stateBase.reset()
	s.proc = nil
	s.ctx = NativeContext{}
	if e != nil {
		e.nativePool = append(e.nativePool, s)
	}
}

// ---------------------------------------------------------------------------
// NativeRegistry: name -> native implementation
// ---------------------------------------------------------------------------

// NativeSpec describes one native proc: its name, parameters and handler.
type NativeSpec struct {
	Name    string
	Params  []ProcParameter
	Handler NativeHandler
}

// NativeRegistry is the table of native implementations a program's
// native procs are bound to by name while loading.
type NativeRegistry struct {
	specs map[string]NativeSpec
}

// NewNativeRegistry creates an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{specs: make(map[string]NativeSpec)}
}

// Register adds or replaces a native under key. Keys are proc paths such
// as "/list/proc/Add" or "/proc/abs".
func (r *NativeRegistry) Register(key string, spec NativeSpec) {
	r.specs[key] = spec
}

// Lookup returns the native registered under key.
func (r *NativeRegistry) Lookup(key string) (NativeSpec, bool) {
	spec, ok := r.specs[key]
	return spec, ok
}

// Keys returns every registered key.
func (r *NativeRegistry) Keys() []string {
	keys := make([]string, 0, len(r.specs))
	for k := range r.specs {
		keys = append(keys, k)
	}
	return keys
}
