package vm

import (
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// BytecodeState: a resumable stack machine activation
// ---------------------------------------------------------------------------

// BytecodeState is the activation of a BytecodeProc. All of its progress
// lives in explicit fields (pc, operand stack, locals), so a suspended state
// is resumed simply by calling Resume again.
type BytecodeState struct {
	stateBase
	proc   *BytecodeProc
	src    Value
	usr    *Object
	argv   []Value
	locals []Value
	stack  []Value
	pc     int
}

// Proc implements ProcState.
func (s *BytecodeState) Proc() Proc { return s.proc }

// bindArguments resolves every declared parameter into argv. Extra
// positional arguments are kept after the declared ones.
func (s *BytecodeState) bindArguments(args ProcArguments) {
	n := len(s.proc.argNames)
	if len(args.Ordered) > n {
		n = len(args.Ordered)
	}
	if cap(s.argv) >= n {
		s.argv = s.argv[:n]
	} else {
		s.argv = make([]Value, n)
	}
	for i := range s.argv {
		name := ""
		if i < len(s.proc.argNames) {
			name = s.proc.argNames[i]
		}
		s.argv[i] = args.GetArgument(i, name)
	}
}

func (s *BytecodeState) push(v Value) {
	s.stack = append(s.stack, v)
}

func (s *BytecodeState) pop() Value {
	n := len(s.stack)
	if n == 0 {
		panic(fmt.Sprintf("%s: operand stack underflow at pc %d", procPath(s.proc), s.pc-1))
	}
	v := s.stack[n-1]
	s.stack[n-1] = Null
	s.stack = s.stack[:n-1]
	return v
}

func (s *BytecodeState) popN(n int) []Value {
	if n == 0 {
		return nil
	}
	if n > len(s.stack) {
		panic(fmt.Sprintf("%s: operand stack underflow at pc %d", procPath(s.proc), s.pc-1))
	}
	out := make([]Value, n)
	copy(out, s.stack[len(s.stack)-n:])
	for i := len(s.stack) - n; i < len(s.stack); i++ {
		s.stack[i] = Null
	}
	s.stack = s.stack[:len(s.stack)-n]
	return out
}

func (s *BytecodeState) top() Value {
	if len(s.stack) == 0 {
		panic(fmt.Sprintf("%s: operand stack underflow at pc %d", procPath(s.proc), s.pc-1))
	}
	return s.stack[len(s.stack)-1]
}

func (s *BytecodeState) constName(i int) string {
	name, _ := s.proc.Constants[i].TryString()
	return name
}

func (s *BytecodeState) fail(err error) ProcStatus {
	s.err = wrapProcError(err, stackFrame(s))
	s.status = StatusErrored
	return s.status
}

func (s *BytecodeState) ret(v Value) ProcStatus {
	s.result = v
	s.status = StatusReturned
	return s.status
}

// Resume runs the body until it returns, errors, or suspends.
func (s *BytecodeState) Resume() ProcStatus {
	if s.cancelled {
		s.status = StatusCancelled
		return s.status
	}
	s.status = StatusRunning

	if s.delivered {
		result, err := s.childResult, s.childErr
		s.delivered = false
		s.awaiting = nil
		s.childResult, s.childErr = Null, nil
		if err != nil {
			return s.fail(err)
		}
		s.push(result)
	}

	e := s.engine
	code := s.proc.Code
	for s.pc < len(code) {
		if s.cancelled {
			s.status = StatusCancelled
			return s.status
		}
		ins := code[s.pc]
		s.pc++

		switch ins.Op {
		case OpNop:
		case OpPop:
			s.pop()
		case OpDup:
			s.push(s.top())

		case OpPushNull:
			s.push(Null)
		case OpPushConst:
			s.push(s.proc.Constants[ins.A])
		case OpPushSrc:
			s.push(s.src)
		case OpPushUsr:
			s.push(NewObjectValue(s.usr))
		case OpPushWorld:
			s.push(NewObjectValue(e.World))

		case OpPushArg:
			if ins.A < len(s.argv) {
				s.push(s.argv[ins.A])
			} else {
				s.push(Null)
			}
		case OpStoreArg:
			v := s.pop()
			for len(s.argv) <= ins.A {
				s.argv = append(s.argv, Null)
			}
			s.argv[ins.A] = v
		case OpPushLocal:
			s.push(s.locals[ins.A])
		case OpStoreLocal:
			s.locals[ins.A] = s.pop()

		case OpGetField:
			target := s.pop()
			v, err := e.GetField(target, s.constName(ins.A))
			if err != nil {
				return s.fail(err)
			}
			s.push(v)
		case OpSetField:
			v := s.pop()
			target := s.pop()
			if err := e.SetField(target, s.constName(ins.A), v); err != nil {
				return s.fail(err)
			}
		case OpGetSrcField:
			v, err := e.GetField(s.src, s.constName(ins.A))
			if err != nil {
				return s.fail(err)
			}
			s.push(v)
		case OpSetSrcField:
			if err := e.SetField(s.src, s.constName(ins.A), s.pop()); err != nil {
				return s.fail(err)
			}
		case OpPushGlobal:
			v, err := e.Globals.Get(ins.A)
			if err != nil {
				return s.fail(err)
			}
			s.push(v)
		case OpStoreGlobal:
			if err := e.Globals.Set(ins.A, s.pop()); err != nil {
				return s.fail(err)
			}

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			b := s.pop()
			a := s.pop()
			v, err := arithmetic(ins.Op, a, b)
			if err != nil {
				return s.fail(err)
			}
			s.push(v)
		case OpEq:
			b := s.pop()
			s.push(NewBool(s.pop().Equal(b)))
		case OpNe:
			b := s.pop()
			s.push(NewBool(!s.pop().Equal(b)))
		case OpLt, OpGt, OpLe, OpGe:
			b := s.pop()
			a := s.pop()
			v, err := compare(ins.Op, a, b)
			if err != nil {
				return s.fail(err)
			}
			s.push(v)
		case OpNot:
			s.push(NewBool(!s.pop().Truthy()))
		case OpNegate:
			f, err := toNumber(s.pop())
			if err != nil {
				return s.fail(err)
			}
			s.push(NewFloat(-f))

		case OpJump:
			s.pc = ins.A
		case OpJumpIfFalse:
			if !s.pop().Truthy() {
				s.pc = ins.A
			}
		case OpJumpIfTrue:
			if s.pop().Truthy() {
				s.pc = ins.A
			}

		case OpNewList:
			s.push(NewListValue(NewListOf(s.popN(ins.A)...)))
		case OpListGet:
			key := s.pop()
			c, err := asContainer(s.pop())
			if err != nil {
				return s.fail(err)
			}
			v, err := c.Get(key)
			if err != nil {
				return s.fail(err)
			}
			s.push(v)
		case OpListSet:
			v := s.pop()
			key := s.pop()
			c, err := asContainer(s.pop())
			if err != nil {
				return s.fail(err)
			}
			if err := c.Set(key, v, false); err != nil {
				return s.fail(err)
			}
		case OpNewObject:
			args := s.popN(ins.B)
			def, ok := e.Tree.TypeByID(ins.A)
			if !ok {
				return s.fail(fmt.Errorf("new: unknown type id %d: %w", ins.A, ErrTypeMismatch))
			}
			v, err := e.NewInstance(def, s.usr, Args(args...))
			if err != nil {
				return s.fail(err)
			}
			s.push(v)
		case OpDelete:
			v := s.pop()
			if obj, ok := v.TryObject(); ok {
				if err := e.DeleteObject(obj); err != nil {
					return s.fail(err)
				}
			}
		case OpIsType:
			v := s.pop()
			def, _ := e.Tree.TypeByID(ins.A)
			s.push(NewBool(isType(v, def)))

		case OpCall:
			args := s.popN(ins.B)
			proc, ok := e.Tree.ProcByID(ins.A)
			if !ok {
				return s.fail(fmt.Errorf("call: unknown proc id %d: %w", ins.A, ErrUndefinedProc))
			}
			if st, done := s.await(proc, Null, Args(args...)); !done {
				return st
			}
		case OpCallMethod, OpCallSelf:
			args := s.popN(ins.B)
			target := s.src
			if ins.Op == OpCallMethod {
				target = s.pop()
			}
			proc, err := e.ResolveProc(target, s.constName(ins.A))
			if err != nil {
				return s.fail(err)
			}
			if st, done := s.await(proc, target, Args(args...)); !done {
				return st
			}
		case OpSpawn:
			args := s.popN(ins.B)
			proc, ok := e.Tree.ProcByID(ins.A)
			if !ok {
				return s.fail(fmt.Errorf("spawn: unknown proc id %d: %w", ins.A, ErrUndefinedProc))
			}
			e.Spawn(proc, s.src, s.usr, Args(args...))
		case OpSpawnMethod:
			args := s.popN(ins.B)
			target := s.pop()
			proc, err := e.ResolveProc(target, s.constName(ins.A))
			if err != nil {
				return s.fail(err)
			}
			e.Spawn(proc, target, s.usr, Args(args...))
		case OpSleep:
			delay, err := toNumber(s.pop())
			if err != nil {
				return s.fail(err)
			}
			if ticks := e.ticksFor(delay); ticks > 0 {
				s.sleepTicks = ticks
				s.status = StatusSleeping
			} else {
				s.status = StatusDeferred
			}
			return s.status
		case OpReturn:
			return s.ret(s.pop())
		case OpThrow:
			return s.fail(&RuntimeError{Value: s.pop()})

		default:
			return s.fail(fmt.Errorf("unknown opcode %s at pc %d", ins.Op, s.pc-1))
		}
	}
	return s.ret(Null)
}

// await performs a waited call. When the child finishes synchronously its
// result is pushed and done is true; otherwise the returned status must be
// returned from Resume.
func (s *BytecodeState) await(proc Proc, src Value, args ProcArguments) (ProcStatus, bool) {
	result, done, err := s.engine.callChild(s, proc, src, s.usr, args)
	if err != nil {
		return s.fail(err), false
	}
	if !done {
		s.status = StatusAwaitingChild
		return s.status, false
	}
	s.push(result)
	return s.status, true
}

// AppendStackFrame implements ProcState.
func (s *BytecodeState) AppendStackFrame(b *strings.Builder) {
	if s.proc == nil {
		b.WriteString("<anonymous proc>")
		return
	}
	b.WriteString(procPath(s.proc))
}

// Dispose clears the state and returns it to the engine's pool.
func (s *BytecodeState) Dispose() {
	e := s.engine
	s.stateBase.reset()
	s.proc = nil
	s.src = Null
	s.usr = nil
	for i := range s.stack {
		s.stack[i] = Null
	}
	s.stack = s.stack[:0]
	for i := range s.argv {
		s.argv[i] = Null
	}
	s.argv = s.argv[:0]
	for i := range s.locals {
		s.locals[i] = Null
	}
	s.locals = s.locals[:0]
	s.pc = 0
	if e != nil {
		e.bytecodePool = append(e.bytecodePool, s)
	}
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

func toNumber(v Value) (float64, error) {
	switch v.Kind() {
	case KindNull:
		return 0, nil
	case KindFloat:
		return v.num, nil
	}
	return 0, fmt.Errorf("expected a number, got %s: %w", v.Kind(), ErrTypeMismatch)
}

func arithmetic(op Opcode, a, b Value) (Value, error) {
	if l, ok := a.TryList(); ok {
		return listArithmetic(op, l, b)
	}
	if op == OpAdd && (a.Kind() == KindString || b.Kind() == KindString) {
		return NewString(stringOperand(a) + stringOperand(b)), nil
	}
	x, err := toNumber(a)
	if err != nil {
		return Null, fmt.Errorf("%s: %w", op, err)
	}
	y, err := toNumber(b)
	if err != nil {
		return Null, fmt.Errorf("%s: %w", op, err)
	}
	switch op {
	case OpAdd:
		return NewFloat(x + y), nil
	case OpSub:
		return NewFloat(x - y), nil
	case OpMul:
		return NewFloat(x * y), nil
	case OpDiv:
		if y == 0 {
			return Null, ErrDivisionByZero
		}
		return NewFloat(x / y), nil
	case OpMod:
		d := math.Trunc(y)
		if d == 0 {
			return Null, ErrDivisionByZero
		}
		return NewFloat(math.Mod(math.Trunc(x), d)), nil
	}
	return Null, fmt.Errorf("%s is not arithmetic", op)
}

func stringOperand(v Value) string {
	if v.IsNull() {
		return ""
	}
	return v.Stringify()
}

// listArithmetic implements list + value (copy with value or other list
// appended) and list - value (copy without it).
func listArithmetic(op Opcode, l Container, b Value) (Value, error) {
	out, err := l.Copy(1, 0)
	if err != nil {
		return Null, err
	}
	var operands []Value
	if other, ok := b.TryList(); ok {
		if operands, err = other.Values(); err != nil {
			return Null, err
		}
	} else {
		operands = []Value{b}
	}
	switch op {
	case OpAdd:
		for _, v := range operands {
			if err := out.Add(v); err != nil {
				return Null, err
			}
		}
	case OpSub:
		for _, v := range operands {
			if _, err := out.Remove(v); err != nil {
				return Null, err
			}
		}
	default:
		return Null, fmt.Errorf("%s on a list: %w", op, ErrTypeMismatch)
	}
	return NewListValue(out), nil
}

func compare(op Opcode, a, b Value) (Value, error) {
	var c int
	if as, ok := a.TryString(); ok {
		bs, ok := b.TryString()
		if !ok {
			return Null, fmt.Errorf("%s: cannot compare string with %s: %w", op, b.Kind(), ErrTypeMismatch)
		}
		c = strings.Compare(as, bs)
	} else {
		x, err := toNumber(a)
		if err != nil {
			return Null, fmt.Errorf("%s: %w", op, err)
		}
		y, err := toNumber(b)
		if err != nil {
			return Null, fmt.Errorf("%s: %w", op, err)
		}
		switch {
		case x < y:
			c = -1
		case x > y:
			c = 1
		}
	}
	switch op {
	case OpLt:
		return NewBool(c < 0), nil
	case OpGt:
		return NewBool(c > 0), nil
	case OpLe:
		return NewBool(c <= 0), nil
	default:
		return NewBool(c >= 0), nil
	}
}

func asContainer(v Value) (Container, error) {
	c, ok := v.TryList()
	if !ok {
		return nil, fmt.Errorf("cannot index %s: %w", v.Kind(), ErrTypeMismatch)
	}
	return c, nil
}

// isType reports whether v is an instance of def (or, for a type value, a
// subtype of it).
func isType(v Value, def *ObjectDefinition) bool {
	if def == nil {
		return false
	}
	switch v.Kind() {
	case KindObject:
		obj, _ := v.TryObject()
		return obj.IsSubtypeOf(def)
	case KindType:
		t, _ := v.TryType()
		return t.IsSubtypeOf(def)
	case KindList:
		return def.Type == PathList || def.Type == PathRoot
	}
	return false
}
