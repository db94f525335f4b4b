// Package bytecode defines Grace's bytecode format and opcodes.
//
// The bytecode is the flat, linear intermediate representation the Grace
// virtual machine executes. It consists of a sequence of instructions, each
// carrying a single opcode and a source line, plus a parallel constant list
// that supplies operands: every op that needs data (a local slot, a jump
// target, a selector) advances a constant cursor by a fixed count specific
// to that op, rather than storing the operand on the Instruction itself.
//
// Architecture:
//
// The instruction set is a variable-operand stack machine:
//  1. Values are pushed onto and popped from the VM's value stack.
//  2. Operands live in the constant list, fetched in lock-step with ops.
//  3. Locals live in a flat, per-call-frame slice indexed by slot.
//  4. Calls to Grace functions (Call/MemberCall) push a new frame of locals
//     and cursors while the caller's frame keeps its own resume point;
//     NativeCall, and a Call that resolves to a native, push no frame.
//
// Linearisation:
//
// The compiler builds one Function per declared function/constructor,
// each with its own Ops and Consts buffers addressed from zero. Before
// execution, Program.Linearise concatenates every function's buffers into
// one global op list and one global constant list, recording each
// function's starting offsets (OpStart, ConstStart) so that its
// zero-based jump targets can be translated to absolute positions by
// simple addition. main is placed first so execution begins at offset 0.
package bytecode

import "github.com/gracelang/grace/pkg/value"

// Op identifies a bytecode instruction. Opcodes are single bytes.
type Op byte

const (
	// --- Arithmetic ---
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpPow
	OpNegate
	// AddAssign and friends read a local slot, apply the arithmetic op
	// against the value on top of the stack, and write the result back to
	// the slot as well as leaving it on the stack (compound assignment).
	OpAddAssign
	OpSubAssign
	OpMulAssign
	OpDivAssign
	OpModAssign

	// --- Logical / bitwise ---
	OpAnd
	OpOr
	OpNot
	OpEqual
	OpNotEqual
	OpGreater
	OpGreaterEqual
	OpLess
	OpLessEqual
	OpBitwiseAnd
	OpBitwiseOr
	OpBitwiseXOr
	OpBitwiseNot
	OpShiftLeft
	OpShiftRight

	// --- Load / store ---
	// OpLoadConstant reads one constant from the constant cursor and
	// pushes it onto the value stack.
	OpLoadConstant
	// OpLoadLocal's operand (the next constant, an Int) is the slot index.
	OpLoadLocal
	// OpAssignLocal, OpAssignMember, OpAssignSubscript and the compound
	// *Assign family all pop their stored value's operands and the new
	// value off the stack, perform the store, and push the stored value
	// back — assignment is an expression, so every statement-level use
	// ends with one OpPop to discard it.
	OpAssignLocal
	OpDeclareLocal
	OpPop
	OpPopLocal
	// OpPopLocals truncates the locals frame back to a target size,
	// standardised on the unguarded single-operand form.
	OpPopLocals

	// --- Calls ---
	OpCall
	OpNativeCall
	OpMemberCall
	OpReturn
	OpExit

	// --- Namespacing ---
	OpStartNewNamespace
	OpAppendNamespace

	// --- Control ---
	OpJump
	OpJumpIfFalse
	OpJumpIfTrue

	// --- Iteration ---
	OpAssignIteratorBegin
	OpCheckIteratorEnd
	OpIncrementIterator
	OpDestroyHeldIterator

	// --- Collections ---
	OpCreateList
	OpCreateListFromCast
	OpCreateDictionary
	OpCreateSet
	OpCreateRange
	OpCreateInstance
	OpGetSubscript
	OpAssignSubscript
	OpLoadMember
	OpAssignMember

	// --- Types ---
	OpCast
	OpCheckType
	OpIsObject
	OpTypename

	// --- Diagnostics ---
	OpPrint
	OpPrintLn
	OpPrintTab
	OpPrintEmptyLine
	OpEPrint
	OpEPrintLn
	OpEPrintTab
	OpEPrintEmptyLine

	// --- Exceptions ---
	OpEnterTry
	OpExitTry
	OpThrow
	OpAssert
	OpAssertWithMessage
)

var opNames = map[Op]string{
	OpAdd: "ADD", OpSub: "SUB", OpMul: "MUL", OpDiv: "DIV", OpMod: "MOD", OpPow: "POW", OpNegate: "NEGATE",
	OpAddAssign: "ADD_ASSIGN", OpSubAssign: "SUB_ASSIGN", OpMulAssign: "MUL_ASSIGN", OpDivAssign: "DIV_ASSIGN", OpModAssign: "MOD_ASSIGN",
	OpAnd: "AND", OpOr: "OR", OpNot: "NOT", OpEqual: "EQUAL", OpNotEqual: "NOT_EQUAL",
	OpGreater: "GREATER", OpGreaterEqual: "GREATER_EQUAL", OpLess: "LESS", OpLessEqual: "LESS_EQUAL",
	OpBitwiseAnd: "BITWISE_AND", OpBitwiseOr: "BITWISE_OR", OpBitwiseXOr: "BITWISE_XOR", OpBitwiseNot: "BITWISE_NOT",
	OpShiftLeft: "SHIFT_LEFT", OpShiftRight: "SHIFT_RIGHT",
	OpLoadConstant: "LOAD_CONSTANT", OpLoadLocal: "LOAD_LOCAL", OpAssignLocal: "ASSIGN_LOCAL", OpDeclareLocal: "DECLARE_LOCAL",
	OpPop: "POP", OpPopLocal: "POP_LOCAL", OpPopLocals: "POP_LOCALS",
	OpCall: "CALL", OpNativeCall: "NATIVE_CALL", OpMemberCall: "MEMBER_CALL", OpReturn: "RETURN", OpExit: "EXIT",
	OpStartNewNamespace: "START_NEW_NAMESPACE", OpAppendNamespace: "APPEND_NAMESPACE",
	OpJump: "JUMP", OpJumpIfFalse: "JUMP_IF_FALSE", OpJumpIfTrue: "JUMP_IF_TRUE",
	OpAssignIteratorBegin: "ASSIGN_ITERATOR_BEGIN", OpCheckIteratorEnd: "CHECK_ITERATOR_END",
	OpIncrementIterator: "INCREMENT_ITERATOR", OpDestroyHeldIterator: "DESTROY_HELD_ITERATOR",
	OpCreateList: "CREATE_LIST", OpCreateListFromCast: "CREATE_LIST_FROM_CAST", OpCreateDictionary: "CREATE_DICTIONARY",
	OpCreateSet: "CREATE_SET", OpCreateRange: "CREATE_RANGE", OpCreateInstance: "CREATE_INSTANCE",
	OpGetSubscript: "GET_SUBSCRIPT", OpAssignSubscript: "ASSIGN_SUBSCRIPT", OpLoadMember: "LOAD_MEMBER", OpAssignMember: "ASSIGN_MEMBER",
	OpCast: "CAST", OpCheckType: "CHECK_TYPE", OpIsObject: "IS_OBJECT", OpTypename: "TYPENAME",
	OpPrint: "PRINT", OpPrintLn: "PRINTLN", OpPrintTab: "PRINT_TAB", OpPrintEmptyLine: "PRINT_EMPTY_LINE",
	OpEPrint: "EPRINT", OpEPrintLn: "EPRINTLN", OpEPrintTab: "EPRINT_TAB", OpEPrintEmptyLine: "EPRINT_EMPTY_LINE",
	OpEnterTry: "ENTER_TRY", OpExitTry: "EXIT_TRY", OpThrow: "THROW", OpAssert: "ASSERT", OpAssertWithMessage: "ASSERT_WITH_MESSAGE",
}

func (op Op) String() string {
	if n, ok := opNames[op]; ok {
		return n
	}
	return "UNKNOWN"
}

// Instruction is one entry in a function's op buffer: the opcode plus the
// source line it was emitted from, for diagnostics pairs").
type Instruction struct {
	Op   Op
	Line int
}

// Function is the linked, executable form of a compiled function,
// constructor, or extension method: {name, arity, defining-file, exported?,
// op-buffer, const-buffer, assigned op-start, assigned const-start}
// The compiler owns it until Program.Linearise runs; the VM
// owns it afterwards.
type Function struct {
	Name         string
	Arity        int
	File         string
	Exported     bool
	IsExtension  bool
	ReceiverHash uint64

	Ops    []Instruction
	Consts []value.Value

	// OpStart and ConstStart are filled in by Program.Linearise: the
	// absolute offsets, within the global op/const lists, at which this
	// function's zero-based buffers begin.
	OpStart    int
	ConstStart int
}

func NewFunction(name string, arity int, file string, exported bool) *Function {
	return &Function{Name: name, Arity: arity, File: file, Exported: exported}
}

// Emit appends an instruction to the function's op buffer and returns its
// zero-based index within that buffer (used by the compiler to record jump
// patch sites before the target is known).
func (f *Function) Emit(op Op, line int) int {
	f.Ops = append(f.Ops, Instruction{Op: op, Line: line})
	return len(f.Ops) - 1
}

// AddConstant appends v to the function's constant buffer and returns its
// zero-based index.
func (f *Function) AddConstant(v value.Value) int {
	f.Consts = append(f.Consts, v)
	return len(f.Consts) - 1
}

// ClassInfo records a compiled class: its synthesised constructor function
// (registered under the class name) plus the ordered
// member names the constructor declares as locals before its parameters.
type ClassInfo struct {
	Name       string
	SuperClass string
	FieldNames []string
	File       string
}

// Program is the compiler's output for an entire compilation (entry file
// plus everything it transitively imports): one function table and one
// class table per file: a per-file map of functions and classes.
type Program struct {
	// Functions maps file path -> function name -> Function.
	Functions map[string]map[string]*Function
	// Classes maps file path -> class name -> ClassInfo.
	Classes map[string]map[string]*ClassInfo
	// Extensions maps a receiver-type hash -> function name -> Function,
	// the extension-method table keyed by receiver type.
	Extensions map[uint64]map[string]*Function
	// EntryFile is the file whose main is the one permitted main: calling
	// main from any other file is a compile error (see parseCallOrNamespace).
	EntryFile string

	// Linearised output, populated by Linearise.
	Ops    []Instruction
	Consts []value.Value
}

func NewProgram(entryFile string) *Program {
	return &Program{
		Functions:  map[string]map[string]*Function{},
		Classes:    map[string]map[string]*ClassInfo{},
		Extensions: map[uint64]map[string]*Function{},
		EntryFile:  entryFile,
	}
}

func (p *Program) DeclareFunction(file string, fn *Function) {
	if p.Functions[file] == nil {
		p.Functions[file] = map[string]*Function{}
	}
	p.Functions[file][fn.Name] = fn
}

func (p *Program) DeclareClass(file string, ci *ClassInfo) {
	if p.Classes[file] == nil {
		p.Classes[file] = map[string]*ClassInfo{}
	}
	p.Classes[file][ci.Name] = ci
}

func (p *Program) DeclareExtension(receiverHash uint64, fn *Function) {
	if p.Extensions[receiverHash] == nil {
		p.Extensions[receiverHash] = map[string]*Function{}
	}
	p.Extensions[receiverHash][fn.Name] = fn
}

func (p *Program) LookupFunction(file, name string) (*Function, bool) {
	fns, ok := p.Functions[file]
	if !ok {
		return nil, false
	}
	fn, ok := fns[name]
	return fn, ok
}

// Linearise concatenates every function's op/constant buffers into one
// global stream, recording (OpStart, ConstStart) on each Function, with
// main placed first so execution begins at offset 0.
func (p *Program) Linearise() {
	entryMain, hasEntryMain := p.Functions[p.EntryFile]["main"]

	var order []*Function
	if hasEntryMain {
		order = append(order, entryMain)
	}
	for file, fns := range p.Functions {
		for name, fn := range fns {
			if file == p.EntryFile && name == "main" {
				continue
			}
			order = append(order, fn)
		}
	}
	for _, fns := range p.Extensions {
		for _, fn := range fns {
			order = append(order, fn)
		}
	}

	for _, fn := range order {
		fn.OpStart = len(p.Ops)
		fn.ConstStart = len(p.Consts)
		p.Ops = append(p.Ops, fn.Ops...)
		p.Consts = append(p.Consts, fn.Consts...)
	}
}
