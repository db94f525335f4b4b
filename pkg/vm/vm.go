// Package vm implements Grace's bytecode virtual machine: a stack-based
// interpreter over the flat, linearised Program a compiler.Compiler
// produces. It is the last stage of the pipeline:
//
//	source -> scanner -> compiler (parse + emit, no AST) -> bytecode.Program -> vm.VM
//
// Execution model:
//
// Every active call keeps a frame recording which Function it is running,
// an instruction cursor and a constant cursor into the Program's global
// Ops/Consts arrays, and the base offset into the VM's single, shared
// locals array at which its own locals begin. Jump-family ops (Jump,
// JumpIfFalse, JumpIfTrue, EnterTry) carry targets the compiler recorded
// relative to their own function's zero-based buffers; the VM turns one
// back into an absolute index by adding the current frame's Function.OpStart
// / ConstStart before using it.
//
// Values of Object kind are reference counted (pkg/value's Retain/Release).
// The discipline this file follows throughout: popping a value off the
// stack hands its existing reference to the popping code, which must
// either release it (discarding), hand it untouched into a raw slot
// replacement (locals, a List element, an Instance field - ownership
// transfer, no extra retain/release), or release it once more immediately
// after passing it into an API that retains on its own behalf (NewList,
// Dictionary.Set, Set.Add, Instance construction) to cancel the surplus
// reference that call created. Copying a value *out* of a persistent home
// onto the stack (LoadLocal, GetSubscript, LoadMember, iterator Current)
// always retains, since two places now reference it.
package vm

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strings"

	"github.com/gracelang/grace/pkg/bytecode"
	"github.com/gracelang/grace/pkg/value"
)

// maxFrames bounds call depth; exceeding it is treated as an unrecoverable
// fatal error rather than a catchable exception; there is no ErrorKind for
// it, so unbounded recursion is never try/catch-able.
const maxFrames = 1024

// frame is one active call: which function, where execution is within its
// share of the global Ops/Consts arrays, and where its locals begin in the
// VM's single shared locals array.
type frame struct {
	fn         *bytecode.Function
	opIP       int
	constIP    int
	localsBase int
	line       int
}

// heldIterator pairs a live Iterator with the container Value it was built
// from, so DestroyHeldIterator can release the one reference keeping that
// container alive for the loop's duration: releasing it any earlier
// would let the source be collected while still being iterated.
type heldIterator struct {
	it     *value.Iterator
	source value.Value
}

// tryHandler is the state EnterTry snapshots so a later throw can unwind
// back to exactly this point: how many frames, locals and stack values
// existed, and where in the protecting frame's own code to resume.
type tryHandler struct {
	frameDepth   int
	localsDepth  int
	stackDepth   int
	iterDepth    int
	handlerOp    int
	handlerConst int
}

// NativeFunc is the calling convention pkg/natives implements: receive the
// call's arguments by value (read-only; Retain anything you return that
// came from an argument) and return a result or a *value.Exception.
type NativeFunc func(args []value.Value) (value.Value, error)

// VM executes one linearised bytecode.Program.
type VM struct {
	prog *bytecode.Program

	stack  []value.Value
	locals []value.Value
	frames []frame

	tryStack []tryHandler
	iterTop  []heldIterator
	nsSegs   []string

	natives map[string]NativeFunc

	halted bool

	Stdout            io.Writer
	Stderr            io.Writer
	ShowFullCallStack bool
}

// New creates a VM over prog, writing print output to os.Stdout/os.Stderr
// and honouring GRACE_SHOW_FULL_CALLSTACK for stack-trace length.
func New(prog *bytecode.Program) *VM {
	return &VM{
		prog:              prog,
		natives:           map[string]NativeFunc{},
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
		ShowFullCallStack: os.Getenv("GRACE_SHOW_FULL_CALLSTACK") != "",
	}
}

// RegisterNative installs a native function pkg/natives's table provides,
// callable from Grace source as name(args...): the compiler emits a plain
// OpCall, and doCall falls back to the native table when no Grace function
// of that name resolves.
func (vm *VM) RegisterNative(name string, fn NativeFunc) {
	vm.natives[name] = fn
}

// Run starts execution at the entry file's main, binding args as the
// __ARGS local every zero-parameter main receives.
func (vm *VM) Run(args []string) error {
	mainFn, ok := vm.prog.Functions[vm.prog.EntryFile]["main"]
	if !ok {
		return fmt.Errorf("no main function in %s", vm.prog.EntryFile)
	}

	argVals := make([]value.Value, len(args))
	for i, a := range args {
		argVals[i] = value.StringValue(a)
	}
	vm.locals = append(vm.locals, value.ObjectValue(value.NewList(argVals)))
	vm.frames = append(vm.frames, frame{fn: mainFn, opIP: mainFn.OpStart, constIP: mainFn.ConstStart, localsBase: 0})

	return vm.run()
}

// run is the dispatch loop: fetch one instruction from the top frame,
// execute it, and either continue, unwind a thrown value into an active
// try handler, or stop.
func (vm *VM) run() error {
	for {
		if len(vm.frames) == 0 || vm.halted {
			return nil
		}
		idx := len(vm.frames) - 1
		fr := &vm.frames[idx]
		if fr.opIP >= len(vm.prog.Ops) {
			return fmt.Errorf("instruction pointer ran past the end of the program in %s", fr.fn.Name)
		}
		instr := vm.prog.Ops[fr.opIP]
		fr.opIP++
		fr.line = instr.Line

		err := vm.step(fr, instr.Op)
		if err == nil {
			continue
		}
		if thrownVal, ok := asThrown(err); ok {
			if vm.unwind(thrownVal) {
				continue
			}
			return vm.fatal(thrownVal)
		}
		return err
	}
}

// asThrown recognises the two shapes a "throw" surfaces as: a raw Grace
// Value (from OpThrow, via thrownError) or a *value.Exception (the error
// type every pkg/value op function already returns for a bad operand).
func asThrown(err error) (value.Value, bool) {
	switch e := err.(type) {
	case *thrownError:
		return e.val, true
	case *value.Exception:
		return value.ObjectValue(e), true
	}
	return value.Value{}, false
}

type thrownError struct{ val value.Value }

func (t *thrownError) Error() string { return t.val.String() }

// unwind pops the innermost try handler (if any), discards everything
// deeper than the frame/locals/stack depths it recorded, pushes v as the
// caught value, and resumes the protecting frame at its handler target.
func (vm *VM) unwind(v value.Value) bool {
	if len(vm.tryStack) == 0 {
		return false
	}
	h := vm.tryStack[len(vm.tryStack)-1]
	vm.tryStack = vm.tryStack[:len(vm.tryStack)-1]

	vm.frames = vm.frames[:h.frameDepth]
	vm.locals = vm.locals[:h.localsDepth]
	vm.stack = vm.stack[:h.stackDepth]

	for i := len(vm.iterTop) - 1; i >= h.iterDepth; i-- {
		value.Release(vm.iterTop[i].source.O)
	}
	vm.iterTop = vm.iterTop[:h.iterDepth]

	vm.push(v)
	fr := &vm.frames[len(vm.frames)-1]
	fr.opIP = h.handlerOp
	fr.constIP = h.handlerConst
	return true
}

// fatal builds the unhandled-exception error, capturing the call stack
// that was live at the moment of the throw (unwind only returns false
// before touching vm.frames, so it is still the stack in effect).
func (vm *VM) fatal(v value.Value) error {
	trace := make([]StackFrame, len(vm.frames))
	for i, fr := range vm.frames {
		trace[len(vm.frames)-1-i] = StackFrame{Function: fr.fn.Name, File: fr.fn.File, Line: fr.line}
	}
	msg := v.String()
	if ex, ok := v.O.(*value.Exception); ok {
		msg = ex.Error()
	}
	return newRuntimeError(msg, trace, vm.ShowFullCallStack)
}

// --- stack helpers ---

func (vm *VM) push(v value.Value) { vm.stack = append(vm.stack, v) }

func (vm *VM) pop() value.Value {
	n := len(vm.stack) - 1
	v := vm.stack[n]
	vm.stack = vm.stack[:n]
	return v
}

// --- locals helpers ---

// ensureLocalSlot grows vm.locals with Null placeholders up to slot: loop
// iterator variables are allocated a compile-time slot number without a
// corresponding runtime OpDeclareLocal, and a catch-clause local's slot can
// lie past the end of vm.locals once an unwind has dropped locals declared
// inside the try body, so the first write to them must make room itself.
func (vm *VM) ensureLocalSlot(fr *frame, slot int) {
	need := fr.localsBase + slot + 1
	for len(vm.locals) < need {
		vm.locals = append(vm.locals, value.NullValue())
	}
}

// storeLocal transfers v's existing reference into slot, releasing
// whatever was there before. v must not carry an extra reference beyond
// the one it already has from wherever it came from (pop, or a fresh
// Retain the caller performed) - this call does not itself retain.
func (vm *VM) storeLocal(fr *frame, slot int, v value.Value) {
	vm.ensureLocalSlot(fr, slot)
	i := fr.localsBase + slot
	old := vm.locals[i]
	vm.locals[i] = v
	value.Release(old.O)
}

// loadLocal copies a local out onto the stack, retaining it: the slot and
// the stack now both reference it.
func (vm *VM) loadLocal(fr *frame, slot int) value.Value {
	vm.ensureLocalSlot(fr, slot)
	v := vm.locals[fr.localsBase+slot]
	value.Retain(v.O)
	return v
}

func raiseErr(kind value.ErrorKind, format string, args ...interface{}) error {
	return value.NewException(kind, fmt.Sprintf(format, args...))
}

// step executes one instruction against fr, consuming whatever constants
// and stack values that op's encoding calls for.
func (vm *VM) step(fr *frame, op bytecode.Op) error {
	nextConst := func() value.Value {
		v := vm.prog.Consts[fr.constIP]
		fr.constIP++
		return v
	}
	jumpTarget := func() (int, int) {
		relOp := int(nextConst().I)
		relConst := int(nextConst().I)
		return fr.fn.OpStart + relOp, fr.fn.ConstStart + relConst
	}

	switch op {

	// --- arithmetic ---
	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod, bytecode.OpPow:
		b := vm.pop()
		a := vm.pop()
		var r value.Value
		var err error
		switch op {
		case bytecode.OpAdd:
			r, err = value.Add(a, b)
		case bytecode.OpSub:
			r, err = value.Sub(a, b)
		case bytecode.OpMul:
			r, err = value.Mul(a, b)
		case bytecode.OpDiv:
			r, err = value.Div(a, b)
		case bytecode.OpMod:
			r, err = value.Mod(a, b)
		case bytecode.OpPow:
			r, err = value.Pow(a, b)
		}
		value.Release(a.O)
		value.Release(b.O)
		if err != nil {
			return err
		}
		vm.push(r)

	case bytecode.OpNegate:
		a := vm.pop()
		r, err := value.Negate(a)
		value.Release(a.O)
		if err != nil {
			return err
		}
		vm.push(r)

	case bytecode.OpAddAssign, bytecode.OpSubAssign, bytecode.OpMulAssign, bytecode.OpDivAssign, bytecode.OpModAssign:
		slot := int(nextConst().I)
		rhs := vm.pop()
		cur := vm.loadLocal(fr, slot) // retained copy; released below regardless of outcome
		var r value.Value
		var err error
		switch op {
		case bytecode.OpAddAssign:
			r, err = value.Add(cur, rhs)
		case bytecode.OpSubAssign:
			r, err = value.Sub(cur, rhs)
		case bytecode.OpMulAssign:
			r, err = value.Mul(cur, rhs)
		case bytecode.OpDivAssign:
			r, err = value.Div(cur, rhs)
		case bytecode.OpModAssign:
			r, err = value.Mod(cur, rhs)
		}
		value.Release(cur.O)
		value.Release(rhs.O)
		if err != nil {
			return err
		}
		value.Retain(r.O) // fresh result, first owner is the locals slot
		vm.storeLocal(fr, slot, r)
		value.Retain(r.O) // second owner: the stack copy left for the expression's value
		vm.push(r)

	// --- logical / bitwise ---
	case bytecode.OpAnd:
		b := vm.pop()
		a := vm.pop()
		r := value.BoolValue(value.Truthy(a) && value.Truthy(b))
		value.Release(a.O)
		value.Release(b.O)
		vm.push(r)
	case bytecode.OpOr:
		b := vm.pop()
		a := vm.pop()
		r := value.BoolValue(value.Truthy(a) || value.Truthy(b))
		value.Release(a.O)
		value.Release(b.O)
		vm.push(r)
	case bytecode.OpNot:
		a := vm.pop()
		r := value.BoolValue(!value.Truthy(a))
		value.Release(a.O)
		vm.push(r)
	case bytecode.OpEqual, bytecode.OpNotEqual:
		b := vm.pop()
		a := vm.pop()
		eq := value.Equal(a, b)
		value.Release(a.O)
		value.Release(b.O)
		if op == bytecode.OpNotEqual {
			eq = !eq
		}
		vm.push(value.BoolValue(eq))
	case bytecode.OpGreater, bytecode.OpGreaterEqual, bytecode.OpLess, bytecode.OpLessEqual:
		b := vm.pop()
		a := vm.pop()
		cmp, err := value.Compare(a, b)
		value.Release(a.O)
		value.Release(b.O)
		if err != nil {
			return err
		}
		var r bool
		switch op {
		case bytecode.OpGreater:
			r = cmp > 0
		case bytecode.OpGreaterEqual:
			r = cmp >= 0
		case bytecode.OpLess:
			r = cmp < 0
		case bytecode.OpLessEqual:
			r = cmp <= 0
		}
		vm.push(value.BoolValue(r))
	case bytecode.OpBitwiseAnd, bytecode.OpBitwiseOr, bytecode.OpBitwiseXOr, bytecode.OpShiftLeft, bytecode.OpShiftRight:
		b := vm.pop()
		a := vm.pop()
		var r value.Value
		var err error
		switch op {
		case bytecode.OpBitwiseAnd:
			r, err = value.BitAnd(a, b)
		case bytecode.OpBitwiseOr:
			r, err = value.BitOr(a, b)
		case bytecode.OpBitwiseXOr:
			r, err = value.BitXor(a, b)
		case bytecode.OpShiftLeft:
			r, err = value.ShiftLeft(a, b)
		case bytecode.OpShiftRight:
			r, err = value.ShiftRight(a, b)
		}
		value.Release(a.O)
		value.Release(b.O)
		if err != nil {
			return err
		}
		vm.push(r)
	case bytecode.OpBitwiseNot:
		a := vm.pop()
		r, err := value.BitNot(a)
		value.Release(a.O)
		if err != nil {
			return err
		}
		vm.push(r)

	// --- load / store ---
	case bytecode.OpLoadConstant:
		vm.push(nextConst())
	case bytecode.OpLoadLocal:
		slot := int(nextConst().I)
		vm.push(vm.loadLocal(fr, slot))
	case bytecode.OpDeclareLocal:
		vm.locals = append(vm.locals, value.NullValue())
	case bytecode.OpAssignLocal:
		slot := int(nextConst().I)
		v := vm.pop()
		vm.storeLocal(fr, slot, v)
		value.Retain(v.O)
		vm.push(v)
	case bytecode.OpPop:
		v := vm.pop()
		value.Release(v.O)
	case bytecode.OpPopLocal:
		if len(vm.locals) > fr.localsBase {
			v := vm.locals[len(vm.locals)-1]
			vm.locals = vm.locals[:len(vm.locals)-1]
			value.Release(v.O)
		}
	case bytecode.OpPopLocals:
		n := int(nextConst().I)
		cut := fr.localsBase + n
		for i := cut; i < len(vm.locals); i++ {
			value.Release(vm.locals[i].O)
		}
		if cut < len(vm.locals) {
			vm.locals = vm.locals[:cut]
		}

	// --- calls ---
	case bytecode.OpCall:
		name := nextConst().S
		arity := int(nextConst().I)
		return vm.doCall(fr, name, arity)
	case bytecode.OpNativeCall:
		name := nextConst().S
		arity := int(nextConst().I)
		return vm.doNativeCall(name, arity)
	case bytecode.OpMemberCall:
		name := nextConst().S
		arity := int(nextConst().I)
		return vm.doMemberCall(name, arity)
	case bytecode.OpReturn:
		vm.frames = vm.frames[:len(vm.frames)-1]
	case bytecode.OpExit:
		vm.halted = true

	// --- namespacing ---
	case bytecode.OpStartNewNamespace:
		vm.nsSegs = vm.nsSegs[:0]
	case bytecode.OpAppendNamespace:
		text := nextConst().S
		nextConst() // hash, unused: the VM resolves namespaces by joined path, not by hash
		vm.nsSegs = append(vm.nsSegs, text)

	// --- control ---
	case bytecode.OpJump:
		opT, constT := jumpTarget()
		fr.opIP, fr.constIP = opT, constT
	case bytecode.OpJumpIfFalse:
		opT, constT := jumpTarget()
		v := vm.pop()
		taken := !value.Truthy(v)
		value.Release(v.O)
		if taken {
			fr.opIP, fr.constIP = opT, constT
		}
	case bytecode.OpJumpIfTrue:
		opT, constT := jumpTarget()
		v := vm.pop()
		taken := value.Truthy(v)
		value.Release(v.O)
		if taken {
			fr.opIP, fr.constIP = opT, constT
		}

	// --- iteration ---
	case bytecode.OpAssignIteratorBegin:
		twoVars := nextConst().B
		slot1 := int(nextConst().I)
		slot2 := int(nextConst().I)
		v := vm.pop()
		it, err := makeIterator(v)
		if err != nil {
			value.Release(v.O)
			return err
		}
		vm.iterTop = append(vm.iterTop, heldIterator{it: it, source: v})
		if err := vm.bindIterator(fr, it, twoVars, slot1, slot2); err != nil {
			return err
		}
	case bytecode.OpCheckIteratorEnd:
		top := vm.iterTop[len(vm.iterTop)-1]
		vm.push(value.BoolValue(top.it.HasNext()))
	case bytecode.OpIncrementIterator:
		twoVars := nextConst().B
		slot1 := int(nextConst().I)
		slot2 := int(nextConst().I)
		top := vm.iterTop[len(vm.iterTop)-1]
		top.it.Advance()
		if err := vm.bindIterator(fr, top.it, twoVars, slot1, slot2); err != nil {
			return err
		}
	case bytecode.OpDestroyHeldIterator:
		top := vm.iterTop[len(vm.iterTop)-1]
		vm.iterTop = vm.iterTop[:len(vm.iterTop)-1]
		value.Release(top.source.O)

	// --- collections ---
	case bytecode.OpCreateList:
		n := int(nextConst().I)
		elems := make([]value.Value, n)
		for i := n - 1; i >= 0; i-- {
			elems[i] = vm.pop()
		}
		lst := value.NewList(elems)
		for _, e := range elems {
			value.Release(e.O)
		}
		vm.push(value.ObjectValue(lst))
	case bytecode.OpCreateListFromCast:
		v := vm.pop()
		lst, err := castToList(v)
		value.Release(v.O)
		if err != nil {
			return err
		}
		vm.push(value.ObjectValue(lst))
	case bytecode.OpCreateDictionary:
		n := int(nextConst().I)
		type pair struct{ k, v value.Value }
		pairs := make([]pair, n)
		for i := n - 1; i >= 0; i-- {
			v := vm.pop()
			k := vm.pop()
			pairs[i] = pair{k: k, v: v}
		}
		d := value.NewDictionary()
		for _, p := range pairs {
			d.Set(p.k, p.v)
			value.Release(p.k.O)
			value.Release(p.v.O)
		}
		vm.push(value.ObjectValue(d))
	case bytecode.OpCreateSet:
		n := int(nextConst().I)
		elems := make([]value.Value, n)
		for i := n - 1; i >= 0; i-- {
			elems[i] = vm.pop()
		}
		s := value.NewSet()
		for _, e := range elems {
			s.Add(e)
			value.Release(e.O)
		}
		vm.push(value.ObjectValue(s))
	case bytecode.OpCreateRange:
		inc := vm.pop()
		maxV := vm.pop()
		minV := vm.pop()
		value.Release(inc.O)
		value.Release(maxV.O)
		value.Release(minV.O)
		if minV.Tag != value.Int || maxV.Tag != value.Int || inc.Tag != value.Int {
			return raiseErr(value.InvalidType, "range bounds and step must be Int")
		}
		vm.push(value.ObjectValue(value.NewRange(minV.I, maxV.I, inc.I)))
	case bytecode.OpCreateInstance:
		count := int(nextConst().I)
		className := nextConst().S
		names := make([]string, count)
		for i := count - 1; i >= 0; i-- {
			names[i] = vm.pop().S
		}
		fields := make(map[string]value.Value, count)
		for i, n := range names {
			fields[n] = vm.locals[fr.localsBase+i]
		}
		inst := value.NewInstance(className, names, fields)
		vm.push(value.ObjectValue(inst))
	case bytecode.OpGetSubscript:
		index := vm.pop()
		obj := vm.pop()
		r, err := getSubscript(obj, index)
		value.Release(index.O)
		value.Release(obj.O)
		if err != nil {
			return err
		}
		vm.push(r)
	case bytecode.OpAssignSubscript:
		newVal := vm.pop()
		index := vm.pop()
		obj := vm.pop()
		if err := assignSubscript(obj, index, newVal); err != nil {
			value.Release(index.O)
			value.Release(obj.O)
			value.Release(newVal.O)
			return err
		}
		value.Release(index.O)
		value.Release(obj.O)
		value.Retain(newVal.O)
		vm.push(newVal)
	case bytecode.OpLoadMember:
		name := nextConst().S
		obj := vm.pop()
		r, err := loadMember(obj, name)
		value.Release(obj.O)
		if err != nil {
			return err
		}
		vm.push(r)
	case bytecode.OpAssignMember:
		name := nextConst().S
		newVal := vm.pop()
		obj := vm.pop()
		if err := assignMember(obj, name, newVal); err != nil {
			value.Release(obj.O)
			value.Release(newVal.O)
			return err
		}
		value.Release(obj.O)
		value.Retain(newVal.O)
		vm.push(newVal)

	// --- types ---
	case bytecode.OpCast:
		typeName := nextConst().S
		v := vm.pop()
		r, err := castTo(v, typeName)
		value.Release(v.O)
		if err != nil {
			return err
		}
		vm.push(r)
	case bytecode.OpCheckType:
		typeName := nextConst().S
		v := vm.pop()
		r := v.Typename() == typeName
		value.Release(v.O)
		vm.push(value.BoolValue(r))
	case bytecode.OpIsObject:
		v := vm.pop()
		r := v.IsObject()
		value.Release(v.O)
		vm.push(value.BoolValue(r))
	case bytecode.OpTypename:
		v := vm.pop()
		r := v.Typename()
		value.Release(v.O)
		vm.push(value.StringValue(r))

	// --- diagnostics ---
	case bytecode.OpPrint:
		v := vm.pop()
		fmt.Fprint(vm.Stdout, v.String())
		value.Release(v.O)
	case bytecode.OpPrintLn:
		v := vm.pop()
		fmt.Fprintln(vm.Stdout, v.String())
		value.Release(v.O)
	case bytecode.OpPrintTab:
		fmt.Fprint(vm.Stdout, "\t")
	case bytecode.OpPrintEmptyLine:
		fmt.Fprintln(vm.Stdout)
	case bytecode.OpEPrint:
		v := vm.pop()
		fmt.Fprint(vm.Stderr, v.String())
		value.Release(v.O)
	case bytecode.OpEPrintLn:
		v := vm.pop()
		fmt.Fprintln(vm.Stderr, v.String())
		value.Release(v.O)
	case bytecode.OpEPrintTab:
		fmt.Fprint(vm.Stderr, "\t")
	case bytecode.OpEPrintEmptyLine:
		fmt.Fprintln(vm.Stderr)

	// --- exceptions ---
	case bytecode.OpEnterTry:
		opT, constT := jumpTarget()
		vm.tryStack = append(vm.tryStack, tryHandler{
			frameDepth:   len(vm.frames),
			localsDepth:  len(vm.locals),
			stackDepth:   len(vm.stack),
			iterDepth:    len(vm.iterTop),
			handlerOp:    opT,
			handlerConst: constT,
		})
	case bytecode.OpExitTry:
		nextConst() // locals-at-exit count, informational only
		if len(vm.tryStack) > 0 {
			vm.tryStack = vm.tryStack[:len(vm.tryStack)-1]
		}
	case bytecode.OpThrow:
		v := vm.pop()
		return &thrownError{val: v}
	case bytecode.OpAssert:
		v := vm.pop()
		ok := value.Truthy(v)
		value.Release(v.O)
		if !ok {
			return raiseErr(value.AssertionFailed, "assertion failed")
		}
	case bytecode.OpAssertWithMessage:
		msg := vm.pop()
		v := vm.pop()
		ok := value.Truthy(v)
		value.Release(v.O)
		if !ok {
			m := msg.String()
			value.Release(msg.O)
			return raiseErr(value.AssertionFailed, "%s", m)
		}
		value.Release(msg.O)

	default:
		return fmt.Errorf("unimplemented opcode %s", op)
	}
	return nil
}

// bindIterator binds the iterator's current value(s) into the declared
// loop locals, if there is a current value; an exhausted iterator leaves
// them untouched, since CheckIteratorEnd will exit the loop before the
// body reads them again.
// bindIterator binds the loop variable(s) for the iterable it currently
// points at. Only Dictionary supports the two-variable (key, value) form;
// requesting it over a List, Set or Range is InvalidCollectionOperation,
// not a silently-dropped second variable.
func (vm *VM) bindIterator(fr *frame, it *value.Iterator, twoVars bool, slot1, slot2 int) error {
	if twoVars && it.Kind != "Dictionary" {
		return raiseErr(value.InvalidCollectionOperation, "`%s` does not support multiple iterators", it.Kind)
	}
	if !it.HasNext() {
		return nil
	}
	if twoVars {
		k, v := it.CurrentPair()
		vm.bindLoopVar(fr, slot1, k)
		vm.bindLoopVar(fr, slot2, v)
		return nil
	}
	vm.bindLoopVar(fr, slot1, it.Current())
	return nil
}

func (vm *VM) bindLoopVar(fr *frame, slot int, v value.Value) {
	value.Retain(v.O)
	vm.storeLocal(fr, slot, v)
}

func makeIterator(v value.Value) (*value.Iterator, error) {
	if v.Tag == value.Obj {
		switch o := v.O.(type) {
		case *value.List:
			return value.NewListIterator(o), nil
		case *value.Dictionary:
			return value.NewDictionaryIterator(o), nil
		case *value.Set:
			return value.NewSetIterator(o), nil
		case *value.Range:
			return value.NewRangeIterator(o), nil
		}
	}
	return nil, raiseErr(value.InvalidIterator, "cannot iterate over a %s", v.Typename())
}

func getSubscript(obj, index value.Value) (value.Value, error) {
	if obj.Tag == value.String {
		runes := []rune(obj.S)
		if index.Tag != value.Int {
			return value.Value{}, raiseErr(value.InvalidType, "String index must be an Int")
		}
		if index.I < 0 || index.I >= int64(len(runes)) {
			return value.Value{}, raiseErr(value.IndexOutOfRange, "index %d out of range for String of length %d", index.I, len(runes))
		}
		return value.CharValue(runes[index.I]), nil
	}
	if obj.Tag != value.Obj {
		return value.Value{}, raiseErr(value.InvalidCollectionOperation, "cannot subscript a %s", obj.Typename())
	}
	switch o := obj.O.(type) {
	case *value.List:
		if index.Tag != value.Int {
			return value.Value{}, raiseErr(value.InvalidType, "List index must be an Int")
		}
		if index.I < 0 || index.I >= int64(len(o.Elements)) {
			return value.Value{}, raiseErr(value.IndexOutOfRange, "index %d out of range for List of length %d", index.I, len(o.Elements))
		}
		v := o.Elements[index.I]
		value.Retain(v.O)
		return v, nil
	case *value.Dictionary:
		v, ok := o.Get(index)
		if !ok {
			return value.Value{}, raiseErr(value.KeyNotFound, "key not found: %s", index.String())
		}
		value.Retain(v.O)
		return v, nil
	}
	return value.Value{}, raiseErr(value.InvalidCollectionOperation, "cannot subscript a %s", obj.Typename())
}

func assignSubscript(obj, index, newVal value.Value) error {
	if obj.Tag != value.Obj {
		return raiseErr(value.InvalidCollectionOperation, "cannot subscript-assign a %s", obj.Typename())
	}
	switch o := obj.O.(type) {
	case *value.List:
		if index.Tag != value.Int {
			return raiseErr(value.InvalidType, "List index must be an Int")
		}
		if index.I < 0 || index.I >= int64(len(o.Elements)) {
			return raiseErr(value.IndexOutOfRange, "index %d out of range for List of length %d", index.I, len(o.Elements))
		}
		old := o.Elements[index.I]
		value.Retain(newVal.O)
		o.Elements[index.I] = newVal
		value.Release(old.O)
		return nil
	case *value.Dictionary:
		o.Set(index, newVal)
		return nil
	}
	return raiseErr(value.InvalidCollectionOperation, "cannot subscript-assign a %s", obj.Typename())
}

func loadMember(obj value.Value, name string) (value.Value, error) {
	if obj.Tag != value.Obj {
		return value.Value{}, raiseErr(value.MemberNotFound, "no member '%s' on %s", name, obj.Typename())
	}
	switch o := obj.O.(type) {
	case *value.Instance:
		v, ok := o.Fields[name]
		if !ok {
			return value.Value{}, raiseErr(value.MemberNotFound, "no field '%s' on %s", name, o.ClassName)
		}
		value.Retain(v.O)
		return v, nil
	case *value.KeyValuePair:
		switch name {
		case "key":
			value.Retain(o.Key.O)
			return o.Key, nil
		case "value":
			value.Retain(o.Val.O)
			return o.Val, nil
		}
	}
	return value.Value{}, raiseErr(value.MemberNotFound, "no member '%s' on %s", name, obj.Typename())
}

func assignMember(obj value.Value, name string, newVal value.Value) error {
	if obj.Tag != value.Obj {
		return raiseErr(value.MemberNotFound, "no member '%s' on %s", name, obj.Typename())
	}
	inst, ok := obj.O.(*value.Instance)
	if !ok {
		return raiseErr(value.MemberNotFound, "no member '%s' on %s", name, obj.Typename())
	}
	if _, ok := inst.Fields[name]; !ok {
		return raiseErr(value.MemberNotFound, "no field '%s' on %s", name, inst.ClassName)
	}
	old := inst.Fields[name]
	value.Retain(newVal.O)
	inst.Fields[name] = newVal
	value.Release(old.O)
	return nil
}

// castTo and castToList implement OpCast/OpCreateListFromCast: neither is
// reachable from compiled Grace source yet (no cast syntax is wired into
// pkg/compiler), but both are implemented so the full declared opcode set
// is executable, in case pkg/natives or a future surface form emits them.
func castTo(v value.Value, typeName string) (value.Value, error) {
	switch typeName {
	case "String":
		return value.StringValue(v.String()), nil
	case "Int":
		switch v.Tag {
		case value.Int:
			return v, nil
		case value.Float:
			return value.IntValue(int64(v.F)), nil
		case value.String:
			var n int64
			if _, err := fmt.Sscanf(v.S, "%d", &n); err != nil {
				return value.Value{}, raiseErr(value.InvalidCast, "cannot cast %q to Int", v.S)
			}
			return value.IntValue(n), nil
		}
	case "Float":
		switch v.Tag {
		case value.Float:
			return v, nil
		case value.Int:
			return value.FloatValue(float64(v.I)), nil
		case value.String:
			var f float64
			if _, err := fmt.Sscanf(v.S, "%g", &f); err != nil {
				return value.Value{}, raiseErr(value.InvalidCast, "cannot cast %q to Float", v.S)
			}
			return value.FloatValue(f), nil
		}
	}
	return value.Value{}, raiseErr(value.InvalidCast, "cannot cast %s to %s", v.Typename(), typeName)
}

func castToList(v value.Value) (*value.List, error) {
	if v.Tag != value.Obj {
		return nil, raiseErr(value.InvalidCast, "cannot cast %s to List", v.Typename())
	}
	switch o := v.O.(type) {
	case *value.Set:
		return value.NewList(o.Values()), nil
	case *value.Dictionary:
		var elems []value.Value
		for _, p := range o.Pairs() {
			elems = append(elems, value.ObjectValue(value.NewKeyValuePair(p.Key, p.Val)))
		}
		return value.NewList(elems), nil
	case *value.Range:
		var elems []value.Value
		if o.Increment >= 0 {
			for i := o.Min; i < o.Max; i += o.Increment {
				elems = append(elems, value.IntValue(i))
			}
		} else {
			for i := o.Min; i > o.Max; i += o.Increment {
				elems = append(elems, value.IntValue(i))
			}
		}
		return value.NewList(elems), nil
	case *value.List:
		return o, nil
	}
	return nil, raiseErr(value.InvalidCast, "cannot cast %s to List", v.Typename())
}

// --- calls ---

// lookupFunction resolves a bare or namespaced call name against the
// program's function tables: a namespace prefix (built by StartNewNamespace
// / AppendNamespace) names a specific file; otherwise the current frame's
// own file is tried first, then every other file, where a match must be
// exported to be callable from outside its defining file.
func (vm *VM) lookupFunction(fr *frame, name string) (*bytecode.Function, error) {
	if len(vm.nsSegs) > 0 {
		filePath := strings.Join(vm.nsSegs, "/") + ".gr"
		vm.nsSegs = vm.nsSegs[:0]
		fn, ok := vm.prog.Functions[filePath][name]
		if !ok {
			return nil, raiseErr(value.NamespaceNotFound, "no function '%s' in namespace '%s'", name, filePath)
		}
		return fn, nil
	}
	if fn, ok := vm.prog.Functions[fr.fn.File][name]; ok {
		return fn, nil
	}
	for file, fns := range vm.prog.Functions {
		if file == fr.fn.File {
			continue
		}
		if fn, ok := fns[name]; ok {
			if !fn.Exported {
				return nil, raiseErr(value.FunctionNotExported, "function '%s' in '%s' is not exported", name, file)
			}
			return fn, nil
		}
	}
	return nil, raiseErr(value.FunctionNotFound, "function '%s' not found", name)
}

func (vm *VM) popArgs(arity int) []value.Value {
	args := make([]value.Value, arity)
	for i := arity - 1; i >= 0; i-- {
		args[i] = vm.pop()
	}
	return args
}

func releaseAll(vs []value.Value) {
	for _, v := range vs {
		value.Release(v.O)
	}
}

func (vm *VM) doCall(fr *frame, name string, arity int) error {
	args := vm.popArgs(arity)
	fn, err := vm.lookupFunction(fr, name)
	if err != nil {
		// The compiler has no static view of pkg/natives's table, so every
		// call compiles to OpCall regardless of whether it names a Grace
		// function or a native one; an unresolved name falls back here
		// before becoming FunctionNotFound.
		if native, ok := vm.natives[name]; ok {
			r, nerr := native(args)
			releaseAll(args)
			if nerr != nil {
				return nerr
			}
			vm.push(r)
			return nil
		}
		releaseAll(args)
		return err
	}
	if fn.Arity != arity {
		releaseAll(args)
		return raiseErr(value.IncorrectArgCount, "'%s' expects %d argument(s), got %d", name, fn.Arity, arity)
	}
	if len(vm.frames) >= maxFrames {
		releaseAll(args)
		return fmt.Errorf("stack overflow: call depth exceeded %d", maxFrames)
	}
	localsBase := len(vm.locals)
	vm.locals = append(vm.locals, args...)
	vm.frames = append(vm.frames, frame{fn: fn, opIP: fn.OpStart, constIP: fn.ConstStart, localsBase: localsBase})
	return nil
}

func (vm *VM) doMemberCall(name string, arity int) error {
	args := vm.popArgs(arity)
	receiver := vm.pop()
	hash := hashTypeName(receiver.Typename())
	fn, ok := vm.prog.Extensions[hash][name]
	if !ok {
		releaseAll(args)
		value.Release(receiver.O)
		return raiseErr(value.MemberNotFound, "no method '%s' on %s", name, receiver.Typename())
	}
	if fn.Arity != arity+1 {
		releaseAll(args)
		value.Release(receiver.O)
		return raiseErr(value.IncorrectArgCount, "'%s' expects %d argument(s), got %d", name, fn.Arity-1, arity)
	}
	if len(vm.frames) >= maxFrames {
		releaseAll(args)
		value.Release(receiver.O)
		return fmt.Errorf("stack overflow: call depth exceeded %d", maxFrames)
	}
	localsBase := len(vm.locals)
	vm.locals = append(vm.locals, receiver)
	vm.locals = append(vm.locals, args...)
	vm.frames = append(vm.frames, frame{fn: fn, opIP: fn.OpStart, constIP: fn.ConstStart, localsBase: localsBase})
	return nil
}

func (vm *VM) doNativeCall(name string, arity int) error {
	args := vm.popArgs(arity)
	fn, ok := vm.natives[name]
	if !ok {
		releaseAll(args)
		return raiseErr(value.FunctionNotFound, "native function '%s' not found", name)
	}
	r, err := fn(args)
	releaseAll(args)
	if err != nil {
		return err
	}
	vm.push(r)
	return nil
}

// hashTypeName mirrors pkg/compiler's hashName so extension-method dispatch
// agrees with how `this Type` declarations were keyed at compile time.
func hashTypeName(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}
