package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Expression evaluation
// ---------------------------------------------------------------------------

func TestInterpreterArithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		a, b Value
		want Value
	}{
		{"add", OpAdd, NewInt(2), NewInt(3), NewInt(5)},
		{"sub", OpSub, NewInt(2), NewInt(3), NewInt(-1)},
		{"mul", OpMul, NewInt(4), NewFloat(2.5), NewInt(10)},
		{"div", OpDiv, NewInt(7), NewInt(2), NewFloat(3.5)},
		{"mod", OpMod, NewInt(7), NewInt(3), NewInt(1)},
		{"mod truncates", OpMod, NewFloat(7.9), NewInt(3), NewInt(1)},
		{"null as zero", OpAdd, Null, NewInt(4), NewInt(4)},
		{"concat", OpAdd, NewString("hp: "), NewInt(10), NewString("hp: 10")},
		{"concat null", OpAdd, NewString("a"), Null, NewString("a")},
		{"lt", OpLt, NewInt(1), NewInt(2), NewInt(1)},
		{"ge", OpGe, NewInt(1), NewInt(2), NewInt(0)},
		{"string lt", OpLt, NewString("a"), NewString("b"), NewInt(1)},
		{"eq", OpEq, NewString("x"), NewString("x"), NewInt(1)},
		{"ne", OpNe, NewInt(1), NewInt(1), NewInt(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, nil)
			p := addProc(t, e, nil, "f", nil, 0, func(a *Assembler) {
				a.PushConst(tt.a).PushConst(tt.b).Emit(tt.op).Emit(OpReturn)
			})
			got := mustResult(t, e.Call(p, Null, nil, ProcArguments{}))
			if got != tt.want {
				t.Errorf("%v %s %v = %v, want %v", tt.a, tt.op, tt.b, got, tt.want)
			}
		})
	}
}

func TestInterpreterArithmeticErrors(t *testing.T) {
	tests := []struct {
		name    string
		op      Opcode
		a, b    Value
		wantErr error
	}{
		{"div by zero", OpDiv, NewInt(1), NewInt(0), ErrDivisionByZero},
		{"mod by zero", OpMod, NewInt(1), NewFloat(0.5), ErrDivisionByZero},
		{"sub string", OpSub, NewString("a"), NewInt(1), ErrTypeMismatch},
		{"compare mixed", OpLt, NewString("a"), NewInt(1), ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, nil)
			p := addProc(t, e, nil, "f", nil, 0, func(a *Assembler) {
				a.PushConst(tt.a).PushConst(tt.b).Emit(tt.op).Emit(OpReturn)
			})
			th := e.Call(p, Null, nil, ProcArguments{})
			_, err := th.Result()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrProc) {
				t.Errorf("error = %v, want it wrapped as ErrProc", err)
			}
		})
	}
}

func TestInterpreterLoop(t *testing.T) {
	e := newTestEngine(t, nil)
	// i = 1; sum = 0; while (i <= 5) { sum += i; i++ }; return sum
	p := addProc(t, e, nil, "sum", nil, 2, func(a *Assembler) {
		a.PushConst(NewInt(1)).Emit(OpStoreLocal, 0)
		a.PushConst(NewInt(0)).Emit(OpStoreLocal, 1)
		a.Label("loop")
		a.Emit(OpPushLocal, 0).PushConst(NewInt(5)).Emit(OpGt).Jump(OpJumpIfTrue, "end")
		a.Emit(OpPushLocal, 1).Emit(OpPushLocal, 0).Emit(OpAdd).Emit(OpStoreLocal, 1)
		a.Emit(OpPushLocal, 0).PushConst(NewInt(1)).Emit(OpAdd).Emit(OpStoreLocal, 0)
		a.Jump(OpJump, "loop")
		a.Label("end")
		a.Emit(OpPushLocal, 1).Emit(OpReturn)
	})
	if got := mustResult(t, e.Call(p, Null, nil, ProcArguments{})); got != NewInt(15) {
		t.Errorf("sum = %v, want 15", got)
	}
}

func TestInterpreterFallsOffEndReturnsNull(t *testing.T) {
	e := newTestEngine(t, nil)
	p := addProc(t, e, nil, "f", nil, 0, func(a *Assembler) {
		a.Emit(OpNop)
	})
	if got := mustResult(t, e.Call(p, Null, nil, ProcArguments{})); !got.IsNull() {
		t.Errorf("result = %v, want null", got)
	}
}

func TestInterpreterUndefinedLabel(t *testing.T) {
	a := NewAssembler()
	a.Jump(OpJump, "nowhere")
	if _, _, err := a.Build(); err == nil {
		t.Error("Build with an undefined label should fail")
	}
}

func TestBytecodeVerify(t *testing.T) {
	tests := []struct {
		name string
		code []Instruction
	}{
		{"jump", []Instruction{{Op: OpJump, A: 5}}},
		{"constant", []Instruction{{Op: OpPushConst, A: 0}}},
		{"local", []Instruction{{Op: OpPushLocal, A: 1}}},
	}
	for _, tt := range tests {
		p := NewBytecodeProc(nil, tt.name, nil, tt.code, nil, 1)
		if err := p.Verify(); err == nil {
			t.Errorf("%s: Verify() = nil, want an error", tt.name)
		}
	}
}

// ---------------------------------------------------------------------------
// Arguments, fields and globals
// ---------------------------------------------------------------------------

func TestInterpreterArguments(t *testing.T) {
	e := newTestEngine(t, nil)
	p := NewBytecodeProc(nil, "greet", []ProcParameter{
		{Name: "who"},
		{Name: "greeting", Default: NewString("hello ")},
	}, []Instruction{
		{Op: OpPushArg, A: 1},
		{Op: OpPushArg, A: 0},
		{Op: OpAdd},
		{Op: OpReturn},
	}, nil, 0)
	e.Tree.addProc(p)

	tests := []struct {
		name string
		args ProcArguments
		want string
	}{
		{"positional", Args(NewString("bob"), NewString("hi ")), "hi bob"},
		{"default", Args(NewString("bob")), "hello bob"},
		{"named", ProcArguments{Named: map[string]Value{"who": NewString("amy")}}, "hello amy"},
		{"explicit null takes default", Args(NewString("bob"), Null), "hello bob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustResult(t, e.Call(p, Null, nil, tt.args))
			if got != NewString(tt.want) {
				t.Errorf("greet = %v, want %q", got, tt.want)
			}
		})
	}
}

func TestInterpreterSrcFields(t *testing.T) {
	e := newTestEngine(t, nil)
	mobType := mustType(t, e, "/mob")
	// speed = speed + amount; return speed
	p := addProc(t, e, mobType, "accelerate", []string{"amount"}, 0, func(a *Assembler) {
		a.Named(OpGetSrcField, "speed").Emit(OpPushArg, 0).Emit(OpAdd).Named(OpSetSrcField, "speed")
		a.Named(OpGetSrcField, "speed").Emit(OpReturn)
	})
	mob := mustNew(t, e, "/mob")
	got := mustResult(t, e.Call(p, NewObjectValue(mob), nil, Args(NewInt(3))))
	if got != NewInt(3) {
		t.Errorf("accelerate = %v, want 3", got)
	}
	if v, _ := mob.GetVariable("speed"); v != NewInt(3) {
		t.Errorf("speed = %v, want 3", v)
	}
}

func TestInterpreterUndefinedField(t *testing.T) {
	e := newTestEngine(t, nil)
	p := addProc(t, e, nil, "f", nil, 0, func(a *Assembler) {
		a.Emit(OpPushWorld).Named(OpGetField, "no_such_var").Emit(OpReturn)
	})
	_, err := e.Call(p, Null, nil, ProcArguments{}).Result()
	if !errors.Is(err, ErrUndefinedField) {
		t.Errorf("error = %v, want ErrUndefinedField", err)
	}
}

func TestInterpreterGlobals(t *testing.T) {
	e := newTestEngine(t, nil)
	p := addProc(t, e, nil, "f", nil, 0, func(a *Assembler) {
		a.PushConst(NewInt(99)).Emit(OpStoreGlobal, 1)
		a.Emit(OpPushGlobal, 1).Emit(OpReturn)
	})
	if got := mustResult(t, e.Call(p, Null, nil, ProcArguments{})); got != NewInt(99) {
		t.Errorf("result = %v, want 99", got)
	}
	if v, _ := e.GlobalVars.Get(NewString("score")); v != NewInt(99) {
		t.Errorf("global.vars[score] = %v, want 99", v)
	}

	world := addProc(t, e, nil, "g", nil, 0, func(a *Assembler) {
		a.Emit(OpPushNull).Emit(OpStoreGlobal, 0)
	})
	if _, err := e.Call(world, Null, nil, ProcArguments{}).Result(); err == nil {
		t.Error("storing into the world slot should fail")
	}
}

// ---------------------------------------------------------------------------
// Lists and objects
// ---------------------------------------------------------------------------

func TestInterpreterLists(t *testing.T) {
	e := newTestEngine(t, nil)
	// l = list(10, 20); l[2] = 30; return l[2] + l.len
	p := addProc(t, e, nil, "f", nil, 1, func(a *Assembler) {
		a.PushConst(NewInt(10)).PushConst(NewInt(20)).Emit(OpNewList, 2).Emit(OpStoreLocal, 0)
		a.Emit(OpPushLocal, 0).PushConst(NewInt(2)).PushConst(NewInt(30)).Emit(OpListSet)
		a.Emit(OpPushLocal, 0).PushConst(NewInt(2)).Emit(OpListGet)
		a.Emit(OpPushLocal, 0).Named(OpGetField, "len").Emit(OpAdd).Emit(OpReturn)
	})
	if got := mustResult(t, e.Call(p, Null, nil, ProcArguments{})); got != NewInt(32) {
		t.Errorf("result = %v, want 32", got)
	}
}

func TestInterpreterListArithmetic(t *testing.T) {
	e := newTestEngine(t, nil)
	src := NewListOf(ints(1, 2, 3)...)
	p := addProc(t, e, nil, "f", []string{"l"}, 0, func(a *Assembler) {
		a.Emit(OpPushArg, 0).PushConst(NewInt(2)).Emit(OpSub).PushConst(NewInt(4)).Emit(OpAdd).Emit(OpReturn)
	})
	got := mustResult(t, e.Call(p, Null, nil, Args(NewListValue(src))))
	l, ok := got.TryList()
	if !ok {
		t.Fatalf("result = %v, want a list", got)
	}
	if vals := values(t, l); !equalValues(vals, ints(1, 3, 4)) {
		t.Errorf("result = %v, want [1 3 4]", vals)
	}
	if src.Len() != 3 {
		t.Error("list arithmetic modified its operand")
	}
}

func TestInterpreterNewAndIsType(t *testing.T) {
	e := newTestEngine(t, nil)
	mobType := mustType(t, e, "/mob")
	objType := mustType(t, e, "/obj")
	addProc(t, e, mobType, "New", []string{"start"}, 0, func(a *Assembler) {
		a.Emit(OpPushArg, 0).Named(OpSetSrcField, "speed")
	})
	p := addProc(t, e, nil, "f", nil, 1, func(a *Assembler) {
		a.PushConst(NewInt(7)).Emit(OpNewObject, mobType.ID, 1).Emit(OpStoreLocal, 0)
		a.Emit(OpPushLocal, 0).Emit(OpIsType, objType.ID).Jump(OpJumpIfTrue, "wrong")
		a.Emit(OpPushLocal, 0).Emit(OpReturn)
		a.Label("wrong")
		a.Emit(OpPushNull).Emit(OpReturn)
	})
	got := mustResult(t, e.Call(p, Null, nil, ProcArguments{}))
	mob, ok := got.TryObject()
	if !ok || mob.Definition != mobType {
		t.Fatalf("result = %v, want a /mob", got)
	}
	if v, _ := mob.GetVariable("speed"); v != NewInt(7) {
		t.Errorf("speed = %v, want 7 from New", v)
	}
}

func TestInterpreterNewList(t *testing.T) {
	e := newTestEngine(t, nil)
	listType := mustType(t, e, "/list")
	p := addProc(t, e, nil, "f", nil, 0, func(a *Assembler) {
		a.PushConst(NewInt(2)).PushConst(NewInt(3)).Emit(OpNewObject, listType.ID, 2).Emit(OpReturn)
	})
	got := mustResult(t, e.Call(p, Null, nil, ProcArguments{}))
	l, ok := got.TryList()
	if !ok || l.Len() != 2 {
		t.Fatalf("new /list(2, 3) = %v, want a list of length 2", got)
	}
	inner, _ := l.Get(NewInt(1))
	if il, ok := inner.TryList(); !ok || il.Len() != 3 {
		t.Errorf("inner list = %v, want length 3", inner)
	}
}

func TestInterpreterDelete(t *testing.T) {
	e := newTestEngine(t, nil)
	p := addProc(t, e, nil, "f", []string{"o"}, 0, func(a *Assembler) {
		a.Emit(OpPushArg, 0).Emit(OpDelete)
		a.Emit(OpPushArg, 0).Named(OpGetField, "count").Emit(OpReturn)
	})
	obj := mustNew(t, e, "/datum/counter")
	_, err := e.Call(p, Null, nil, Args(NewObjectValue(obj))).Result()
	if !errors.Is(err, ErrUseAfterDelete) {
		t.Errorf("error = %v, want ErrUseAfterDelete", err)
	}
	if !obj.Deleted() {
		t.Error("object should be deleted")
	}
}

// ---------------------------------------------------------------------------
// Calls and errors
// ---------------------------------------------------------------------------

func TestInterpreterWaitedCall(t *testing.T) {
	e := newTestEngine(t, nil)
	double := addProc(t, e, nil, "double", []string{"x"}, 0, func(a *Assembler) {
		a.Emit(OpPushArg, 0).PushConst(NewInt(2)).Emit(OpMul).Emit(OpReturn)
	})
	p := addProc(t, e, nil, "f", nil, 0, func(a *Assembler) {
		a.PushConst(NewInt(21)).Emit(OpCall, double.ID(), 1).Emit(OpReturn)
	})
	if got := mustResult(t, e.Call(p, Null, nil, ProcArguments{})); got != NewInt(42) {
		t.Errorf("result = %v, want 42", got)
	}
}

func TestInterpreterCallMethod(t *testing.T) {
	e := newTestEngine(t, nil)
	counter := mustType(t, e, "/datum/counter")
	addProc(t, e, counter, "bump", []string{"by"}, 0, func(a *Assembler) {
		a.Named(OpGetSrcField, "count").Emit(OpPushArg, 0).Emit(OpAdd).Named(OpSetSrcField, "count")
		a.Named(OpGetSrcField, "count").Emit(OpReturn)
	})
	p := addProc(t, e, nil, "f", []string{"c"}, 0, func(a *Assembler) {
		a.Emit(OpPushArg, 0).PushConst(NewInt(5)).Named(OpCallMethod, "bump", 1).Emit(OpPop)
		a.Emit(OpPushArg, 0).PushConst(NewInt(5)).Named(OpCallMethod, "bump", 1).Emit(OpReturn)
	})
	obj := mustNew(t, e, "/datum/counter")
	if got := mustResult(t, e.Call(p, Null, nil, Args(NewObjectValue(obj)))); got != NewInt(10) {
		t.Errorf("result = %v, want 10", got)
	}

	missing := addProc(t, e, nil, "g", []string{"c"}, 0, func(a *Assembler) {
		a.Emit(OpPushArg, 0).Named(OpCallMethod, "nope", 0).Emit(OpReturn)
	})
	_, err := e.Call(missing, Null, nil, Args(NewObjectValue(obj))).Result()
	if !errors.Is(err, ErrUndefinedProc) {
		t.Errorf("error = %v, want ErrUndefinedProc", err)
	}
}

func TestInterpreterErrorPropagation(t *testing.T) {
	e := newTestEngine(t, nil)
	boom := addProc(t, e, nil, "boom", nil, 0, func(a *Assembler) {
		a.PushConst(NewString("bad thing")).Emit(OpThrow)
	})
	caller := addProc(t, e, nil, "caller", nil, 0, func(a *Assembler) {
		a.Emit(OpCall, boom.ID(), 0).Emit(OpReturn)
	})
	_, err := e.Call(caller, Null, nil, ProcArguments{}).Result()
	var rt *RuntimeError
	if !errors.As(err, &rt) || rt.Value != NewString("bad thing") {
		t.Fatalf("error = %v, want the thrown value", err)
	}
	var pe *ProcError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %T, want *ProcError", err)
	}
	want := []string{"/proc/boom", "/proc/caller"}
	if len(pe.Stack) != 2 || pe.Stack[0] != want[0] || pe.Stack[1] != want[1] {
		t.Errorf("stack = %v, want %v", pe.Stack, want)
	}
}

func TestInterpreterStackOverflow(t *testing.T) {
	e := NewEngine(Options{MaxCallDepth: 16})
	if err := e.LoadCompiled(testProgram()); err != nil {
		t.Fatal(err)
	}
	var rec *BytecodeProc
	rec = addProc(t, e, nil, "rec", nil, 0, func(a *Assembler) {
		// Placeholder id, patched below once the proc has one.
		a.Emit(OpCall, 0, 0).Emit(OpReturn)
	})
	rec.Code[0].A = rec.ID()
	_, err := e.Call(rec, Null, nil, ProcArguments{}).Result()
	if !errors.Is(err, ErrStackOverflow) {
		t.Errorf("error = %v, want ErrStackOverflow", err)
	}
}

func TestRecursiveNewOverflows(t *testing.T) {
	e := NewEngine(Options{MaxCallDepth: 16})
	if err := e.LoadCompiled(testProgram()); err != nil {
		t.Fatal(err)
	}
	counter := mustType(t, e, "/datum/counter")
	// New() { new /datum/counter }
	addProc(t, e, counter, "New", nil, 0, func(a *Assembler) {
		a.Emit(OpNewObject, counter.ID, 0).Emit(OpPop).PushConst(Null).Emit(OpReturn)
	})
	_, err := e.NewObject(counter, nil, ProcArguments{})
	if !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("error = %v, want ErrStackOverflow", err)
	}

	// The engine stays usable afterwards.
	p := addProc(t, e, nil, "ok", nil, 0, func(a *Assembler) {
		a.PushConst(NewInt(1)).Emit(OpReturn)
	})
	if got := mustResult(t, e.Call(p, Null, nil, ProcArguments{})); got != NewInt(1) {
		t.Errorf("result after overflow = %v, want 1", got)
	}
}

func TestRecursiveDelOverflows(t *testing.T) {
	e := NewEngine(Options{MaxCallDepth: 8})
	if err := e.LoadCompiled(testProgram()); err != nil {
		t.Fatal(err)
	}
	counter := mustType(t, e, "/datum/counter")
	// Del() { del new /datum/counter }
	addProc(t, e, counter, "Del", nil, 0, func(a *Assembler) {
		a.Emit(OpNewObject, counter.ID, 0).Emit(OpDelete).PushConst(Null).Emit(OpReturn)
	})
	obj := mustNew(t, e, "/datum/counter")
	if err := e.DeleteObject(obj); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if !obj.Deleted() {
		t.Error("object not deleted after its Del proc overflowed")
	}
}

func TestInterpreterStackUnderflowBecomesError(t *testing.T) {
	e := newTestEngine(t, nil)
	p := addProc(t, e, nil, "f", nil, 0, func(a *Assembler) {
		a.Emit(OpPop)
	})
	th := e.Call(p, Null, nil, ProcArguments{})
	if _, err := th.Result(); !errors.Is(err, ErrProc) {
		t.Errorf("error = %v, want ErrProc", err)
	}
}

// ---------------------------------------------------------------------------
// State pooling
// ---------------------------------------------------------------------------

func TestStatesArePooledPerKind(t *testing.T) {
	e := newTestEngine(t, nil)
	p := addProc(t, e, nil, "f", nil, 0, func(a *Assembler) {
		a.PushConst(NewInt(1)).Emit(OpReturn)
	})
	n := addNative(e, nil, "native_one", func(ctx *NativeContext) (Value, error) {
		return NewInt(1), nil
	})

	e.Call(p, Null, nil, ProcArguments{})
	e.Call(n, Null, nil, ProcArguments{})
	if len(e.bytecodePool) != 1 || len(e.nativePool) != 1 {
		t.Fatalf("pools = %d bytecode, %d native; want 1 and 1", len(e.bytecodePool), len(e.nativePool))
	}
	pooled := e.bytecodePool[0]
	st := p.CreateState(e, Null, nil, ProcArguments{})
	if st != ProcState(pooled) {
		t.Error("CreateState did not reuse the pooled state")
	}
	if st.Status() != StatusCreated || !st.Result().IsNull() {
		t.Errorf("reused state not reset: status %s, result %v", st.Status(), st.Result())
	}
}
