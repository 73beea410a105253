package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode uint8

// Stack Operations
const (
	OpNop Opcode = iota // no operation
	OpPop               // discard top of stack
	OpDup               // duplicate top of stack
)

// Push Constants
const (
	OpPushNull  Opcode = iota + 0x10 // push null
	OpPushConst                      // push constants[A]
	OpPushSrc                        // push src
	OpPushUsr                        // push usr
	OpPushWorld                      // push the world object
)

// Variable Operations
const (
	OpPushArg     Opcode = iota + 0x20 // push argument A
	OpStoreArg                         // pop into argument A
	OpPushLocal                        // push local A
	OpStoreLocal                       // pop into local A
	OpGetField                         // pop object, push its var named constants[A]
	OpSetField                         // pop value, pop object, set var constants[A]
	OpGetSrcField                      // push src var constants[A]
	OpSetSrcField                      // pop value into src var constants[A]
	OpPushGlobal                       // push global slot A
	OpStoreGlobal                      // pop into global slot A
)

// Arithmetic and Comparison
const (
	OpAdd Opcode = iota + 0x30
	OpSub
	OpMul
	OpDiv
	OpMod
	OpEq
	OpNe
	OpLt
	OpGt
	OpLe
	OpGe
	OpNot
	OpNegate
)

// Control Flow
const (
	OpJump        Opcode = iota + 0x40 // jump to A
	OpJumpIfFalse                      // pop, jump to A if falsy
	OpJumpIfTrue                       // pop, jump to A if truthy
)

// Lists and Objects
const (
	OpNewList   Opcode = iota + 0x50 // pop A values, push a list of them
	OpListGet                        // pop key, pop list, push list[key]
	OpListSet                        // pop value, pop key, pop list, list[key] = value
	OpNewObject                      // pop B args, push new instance of type A
	OpDelete                         // pop object, delete it
	OpIsType                         // pop value, push whether it is an instance of type A
)

// Calls and Suspension
const (
	OpCall        Opcode = iota + 0x60 // pop B args, call global proc A and wait
	OpCallMethod                       // pop B args, pop target, call target's proc constants[A] and wait
	OpCallSelf                         // pop B args, call src's proc constants[A] and wait
	OpSpawn                            // pop B args, queue global proc A with src
	OpSpawnMethod                      // pop B args, pop target, queue target's proc constants[A]
	OpSleep                            // pop delay (deciseconds), suspend
	OpReturn                           // pop, return it
	OpThrow                            // pop, raise it as an error
)

var opcodeNames = map[Opcode]string{
	OpNop: "NOP", OpPop: "POP", OpDup: "DUP",
	OpPushNull: "PUSH_NULL", OpPushConst: "PUSH_CONST", OpPushSrc: "PUSH_SRC", OpPushUsr: "PUSH_USR", OpPushWorld: "PUSH_WORLD",
	OpPushArg: "PUSH_ARG", OpStoreArg: "STORE_ARG", OpPushLocal: "PUSH_LOCAL", OpStoreLocal: "STORE_LOCAL",
	OpGetField: "GET_FIELD", OpSetField: "SET_FIELD", OpGetSrcField: "GET_SRC_FIELD", OpSetSrcField: "SET_SRC_FIELD",
	OpPushGlobal: "PUSH_GLOBAL", OpStoreGlobal: "STORE_GLOBAL",
	OpAdd: "ADD", OpSub: "SUB", OpMul: "MUL", OpDiv: "DIV", OpMod: "MOD",
	OpEq: "EQ", OpNe: "NE", OpLt: "LT", OpGt: "GT", OpLe: "LE", OpGe: "GE", OpNot: "NOT", OpNegate: "NEGATE",
	OpJump: "JUMP", OpJumpIfFalse: "JUMP_IF_FALSE", OpJumpIfTrue: "JUMP_IF_TRUE",
	OpNewList: "NEW_LIST", OpListGet: "LIST_GET", OpListSet: "LIST_SET", OpNewObject: "NEW_OBJECT",
	OpDelete: "DELETE", OpIsType: "IS_TYPE",
	OpCall: "CALL", OpCallMethod: "CALL_METHOD", OpCallSelf: "CALL_SELF", OpSpawn: "SPAWN",
	OpSpawnMethod: "SPAWN_METHOD", OpSleep: "SLEEP", OpReturn: "RETURN", OpThrow: "THROW",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OP(0x%02x)", uint8(op))
}

// Instruction is one decoded instruction with up to two operands.
type Instruction struct {
	Op Opcode
	A  int
	B  int
}

func (ins Instruction) String() string {
	return fmt.Sprintf("%s %d %d", ins.Op, ins.A, ins.B)
}

// ---------------------------------------------------------------------------
// BytecodeProc
// ---------------------------------------------------------------------------

// BytecodeProc is a compiled proc body.
type BytecodeProc struct {
	procHeader
	Code      []Instruction
	Constants []Value
	Locals    int
}

// NewBytecodeProc creates a compiled proc owned by owner (nil for a global proc).
func NewBytecodeProc(owner *ObjectDefinition, name string, params []ProcParameter, code []Instruction, constants []Value, locals int) *BytecodeProc {
	return &BytecodeProc{
		procHeader: newProcHeader(owner, name, params),
		Code:       code,
		Constants:  constants,
		Locals:     locals,
	}
}

// Verify checks jump targets and constant operands.
func (p *BytecodeProc) Verify() error {
	for pc, ins := range p.Code {
		switch ins.Op {
		case OpJump, OpJumpIfFalse, OpJumpIfTrue:
			if ins.A < 0 || ins.A > len(p.Code) {
				return fmt.Errorf("%s: pc %d: jump target %d out of range", p.name, pc, ins.A)
			}
		case OpPushConst, OpGetField, OpSetField, OpGetSrcField, OpSetSrcField, OpCallMethod, OpCallSelf, OpSpawnMethod:
			if ins.A < 0 || ins.A >= len(p.Constants) {
				return fmt.Errorf("%s: pc %d: constant %d out of range", p.name, pc, ins.A)
			}
		case OpPushLocal, OpStoreLocal:
			if ins.A < 0 || ins.A >= p.Locals {
				return fmt.Errorf("%s: pc %d: local %d out of range", p.name, pc, ins.A)
			}
		}
	}
	return nil
}

// CreateState takes a pooled state and binds it to this proc.
func (p *BytecodeProc) CreateState(e *Engine, src Value, usr *Object, args ProcArguments) ProcState {
	args = p.withDefaults(args)

	var s *BytecodeState
	if n := len(e.bytecodePool); n > 0 {
		s = e.bytecodePool[n-1]
		e.bytecodePool = e.bytecodePool[:n-1]
	} else {
		s = &BytecodeState{}
	}
	s.init(e)
	s.proc = p
	s.src = src
	s.usr = usr
	s.bindArguments(args)
	if cap(s.locals) >= p.Locals {
		s.locals = s.locals[:p.Locals]
		for i := range s.locals {
			s.locals[i] = Null
		}
	} else {
		s.locals = make([]Value, p.Locals)
	}
	return s
}

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

// Assembler builds bytecode bodies, deduplicating constants.
type Assembler struct {
	code      []Instruction
	constants []Value
	constIdx  map[Value]int
	labels    map[string]int
	fixups    map[int]string
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		constIdx: make(map[Value]int),
		labels:   make(map[string]int),
		fixups:   make(map[int]string),
	}
}

// Const returns the constant index of v.
func (a *Assembler) Const(v Value) int {
	if i, ok := a.constIdx[v]; ok {
		return i
	}
	i := len(a.constants)
	a.constants = append(a.constants, v)
	a.constIdx[v] = i
	return i
}

// Emit appends an instruction.
func (a *Assembler) Emit(op Opcode, operands ...int) *Assembler {
	ins := Instruction{Op: op}
	if len(operands) > 0 {
		ins.A = operands[0]
	}
	if len(operands) > 1 {
		ins.B = operands[1]
	}
	a.code = append(a.code, ins)
	return a
}

// PushConst emits a constant push.
func (a *Assembler) PushConst(v Value) *Assembler {
	return a.Emit(OpPushConst, a.Const(v))
}

// Named emits op whose A operand is the constant index of name.
func (a *Assembler) Named(op Opcode, name string, b ...int) *Assembler {
	operands := []int{a.Const(NewString(name))}
	return a.Emit(op, append(operands, b...)...)
}

// Label marks the next instruction's position.
func (a *Assembler) Label(name string) *Assembler {
	a.labels[name] = len(a.code)
	return a
}

// Jump emits a jump whose target is resolved from a label at Build time.
func (a *Assembler) Jump(op Opcode, label string) *Assembler {
	a.fixups[len(a.code)] = label
	return a.Emit(op, -1)
}

// Build resolves labels and returns the code and constants.
func (a *Assembler) Build() ([]Instruction, []Value, error) {
	for pc, label := range a.fixups {
		target, ok := a.labels[label]
		if !ok {
			return nil, nil, fmt.Errorf("undefined label %q", label)
		}
		a.code[pc].A = target
	}
	return a.code, a.constants, nil
}
