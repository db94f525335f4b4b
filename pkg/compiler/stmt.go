package compiler

import (
	"github.com/gracelang/grace/pkg/bytecode"
	"github.com/gracelang/grace/pkg/scanner"
	"github.com/gracelang/grace/pkg/value"
)

// compileBlockUntilEnd compiles statements until the next `end`, `else` or
// `catch` keyword (or EOF), returning whether the last statement compiled
// was a `return` (used to decide whether an implicit return is needed at
// function exit).
func (c *Compiler) compileBlockUntilEnd() bool {
	endedInReturn := false
	for !c.check(scanner.End) && !c.check(scanner.Else) && !c.check(scanner.Catch) && !c.check(scanner.EOF) {
		endedInReturn = c.compileStatement()
	}
	return endedInReturn
}

// compileStatement compiles one statement and reports whether it was a
// `return`.
func (c *Compiler) compileStatement() bool {
	switch c.cur.Kind {
	case scanner.Var, scanner.Final:
		c.compileVarDecl()
		return false
	case scanner.If:
		c.compileIf()
		return false
	case scanner.While:
		c.compileWhile()
		return false
	case scanner.For:
		c.compileFor()
		return false
	case scanner.Try:
		c.compileTry()
		return false
	case scanner.Throw:
		c.compileThrow()
		return false
	case scanner.Return:
		c.compileReturn()
		return true
	case scanner.EPrint, scanner.EPrintLn, scanner.Print, scanner.PrintLn:
		c.compilePrintStatement()
		return false
	case scanner.Break:
		c.compileBreak()
		return false
	case scanner.Continue:
		c.compileContinue()
		return false
	default:
		c.compileExpressionStatement()
		return false
	}
}

func (c *Compiler) compileExpressionStatement() {
	c.compileExpression()
	c.emit(bytecode.OpPop)
	c.expect(scanner.Semicolon, "expected ';' after expression")
}

// compileVarDecl parses `var name = expr;` or `final name = expr;`
// (initialiser mandatory for final). Emits DeclareLocal, the initialiser
// expression, then AssignLocal slot.
func (c *Compiler) compileVarDecl() {
	isFinal := c.cur.Kind == scanner.Final
	c.advance()
	name := c.expect(scanner.Identifier, "expected variable name").Text

	slot := c.declareLocal(name, isFinal)
	c.emit(bytecode.OpDeclareLocal)

	if c.match(scanner.Assign) {
		c.compileExpression()
		c.fn.AddConstant(value.IntValue(int64(slot)))
		c.emit(bytecode.OpAssignLocal)
		c.emit(bytecode.OpPop)
	} else if isFinal {
		c.errorAt(c.cur, "'final' requires an initialiser")
	}
	c.expect(scanner.Semicolon, "expected ';' after variable declaration")
}

// compileIf parses `if cond: body (else if cond: body)* (else: body)? end`.
func (c *Compiler) compileIf() {
	c.advance() // if
	c.compileExpression()
	c.expect(scanner.Colon, "expected ':' after if condition")

	elseJump := c.reserveJump(bytecode.OpJumpIfFalse)
	c.contexts = append(c.contexts, ctxIf)
	c.compileBlockUntilEnd()
	c.contexts = c.contexts[:len(c.contexts)-1]

	endJump := c.reserveJump(bytecode.OpJump)
	c.patchJump(elseJump)

	if c.check(scanner.Else) {
		c.advance()
		if c.check(scanner.If) {
			c.compileIf()
		} else {
			c.expect(scanner.Colon, "expected ':' after else")
			c.contexts = append(c.contexts, ctxIf)
			c.compileBlockUntilEnd()
			c.contexts = c.contexts[:len(c.contexts)-1]
			c.expect(scanner.End, "expected 'end' to close else body")
		}
	} else {
		c.expect(scanner.End, "expected 'end' to close if body")
	}
	c.patchJump(endJump)
}

// compileWhile parses `while cond: body end`, lowering to a back-jump loop
// with break/continue patch stacks.
func (c *Compiler) compileWhile() {
	c.advance() // while
	loopOpStart, loopConstStart := len(c.fn.Ops), len(c.fn.Consts)
	c.compileExpression()
	c.expect(scanner.Colon, "expected ':' after while condition")

	exitJump := c.reserveJump(bytecode.OpJumpIfFalse)

	lp := &loopPatches{}
	c.loops = append(c.loops, lp)
	c.contexts = append(c.contexts, ctxWhileLoop)
	c.compileBlockUntilEnd()
	c.contexts = c.contexts[:len(c.contexts)-1]
	c.loops = c.loops[:len(c.loops)-1]
	c.expect(scanner.End, "expected 'end' to close while body")

	for _, site := range lp.continues {
		c.patchJump(site)
	}
	c.emitJumpTo(loopOpStart, loopConstStart)
	c.patchJump(exitJump)
	for _, site := range lp.breaks {
		c.patchJump(site)
	}
}

// compileFor parses `for x [, y] in iterable: body end`, the one-or-two
// iterator variable form (two for Dictionary key/value unpacking).
func (c *Compiler) compileFor() {
	c.advance() // for
	v1 := c.expect(scanner.Identifier, "expected iterator variable").Text
	twoVars := false
	v2 := ""
	if c.match(scanner.Comma) {
		twoVars = true
		v2 = c.expect(scanner.Identifier, "expected second iterator variable").Text
	}
	c.expect(scanner.In, "expected 'in' in for loop")
	c.compileExpression()
	c.expect(scanner.Colon, "expected ':' after for-loop iterable")

	bindVar := func(name string) int {
		if l, ok := c.findLocal(name); ok {
			c.warn(c.cur, "for loop rebinds existing local '"+name+"'")
			return l.slot
		}
		return c.declareLocal(name, false)
	}
	slot1 := bindVar(v1)
	c.locals[slot1].isIterator = true
	slot2 := -1
	if twoVars {
		slot2 = bindVar(v2)
		c.locals[slot2].isIterator = true
	}

	c.fn.AddConstant(value.BoolValue(twoVars))
	c.fn.AddConstant(value.IntValue(int64(slot1)))
	c.fn.AddConstant(value.IntValue(int64(slot2)))
	c.emit(bytecode.OpAssignIteratorBegin)

	headerOp, headerConst := len(c.fn.Ops), len(c.fn.Consts)
	c.emit(bytecode.OpCheckIteratorEnd)
	exitJump := c.reserveJump(bytecode.OpJumpIfFalse)

	lp := &loopPatches{}
	c.loops = append(c.loops, lp)
	c.contexts = append(c.contexts, ctxForLoop)
	c.compileBlockUntilEnd()
	c.contexts = c.contexts[:len(c.contexts)-1]
	c.loops = c.loops[:len(c.loops)-1]
	c.expect(scanner.End, "expected 'end' to close for body")

	for _, site := range lp.continues {
		c.patchJump(site)
	}
	c.fn.AddConstant(value.BoolValue(twoVars))
	c.fn.AddConstant(value.IntValue(int64(slot1)))
	c.fn.AddConstant(value.IntValue(int64(slot2)))
	c.emit(bytecode.OpIncrementIterator)
	c.emitJumpTo(headerOp, headerConst)

	c.patchJump(exitJump)
	for _, site := range lp.breaks {
		c.patchJump(site)
	}
	c.emit(bytecode.OpDestroyHeldIterator)
}

// compileTry parses `try: body catch e: body end`. EnterTry records a
// VM-state snapshot and the handler location; ExitTry discards it on normal
// exit.
func (c *Compiler) compileTry() {
	c.advance() // try
	c.expect(scanner.Colon, "expected ':' after try")

	handlerSite := c.reserveJump(bytecode.OpEnterTry)

	c.contexts = append(c.contexts, ctxTry)
	c.compileBlockUntilEnd()
	c.contexts = c.contexts[:len(c.contexts)-1]

	numLocalsAfterTry := len(c.locals)
	c.fn.AddConstant(value.IntValue(int64(numLocalsAfterTry)))
	c.emit(bytecode.OpExitTry)
	skipHandler := c.reserveJump(bytecode.OpJump)

	c.patchJump(handlerSite)
	c.expect(scanner.Catch, "expected 'catch' to close try body")
	excName := c.expect(scanner.Identifier, "expected exception variable name after catch").Text
	excSlot := c.declareLocal(excName, false)
	c.emit(bytecode.OpDeclareLocal)
	c.fn.AddConstant(value.IntValue(int64(excSlot)))
	c.emit(bytecode.OpAssignLocal)
	c.emit(bytecode.OpPop)

	c.expect(scanner.Colon, "expected ':' after catch variable")
	c.contexts = append(c.contexts, ctxCatch)
	c.compileBlockUntilEnd()
	c.contexts = c.contexts[:len(c.contexts)-1]
	c.expect(scanner.End, "expected 'end' to close catch body")

	c.patchJump(skipHandler)
}

func (c *Compiler) compileThrow() {
	c.advance() // throw
	c.expect(scanner.LParen, "expected '(' after throw")
	c.compileExpression()
	c.expect(scanner.RParen, "expected ')' after throw expression")
	c.expect(scanner.Semicolon, "expected ';' after throw")
	c.emit(bytecode.OpThrow)
}

func (c *Compiler) compileReturn() {
	c.advance() // return
	if !c.inContext(ctxFunction) && !c.inContext(ctxConstructor) {
		c.errorAt(c.cur, "'return' is only legal inside a function")
	}
	if c.check(scanner.Semicolon) {
		c.fn.AddConstant(value.NullValue())
		c.emit(bytecode.OpLoadConstant)
	} else {
		c.compileExpression()
	}
	c.expect(scanner.Semicolon, "expected ';' after return")
	c.fn.AddConstant(value.IntValue(0))
	c.emit(bytecode.OpPopLocals)
	c.emit(bytecode.OpReturn)
}

func (c *Compiler) compileBreak() {
	if len(c.loops) == 0 {
		c.errorAt(c.cur, "'break' outside a loop")
	}
	c.advance()
	c.expect(scanner.Semicolon, "expected ';' after break")
	site := c.reserveJump(bytecode.OpJump)
	if len(c.loops) > 0 {
		lp := c.loops[len(c.loops)-1]
		lp.breaks = append(lp.breaks, site)
	}
}

func (c *Compiler) compileContinue() {
	if len(c.loops) == 0 {
		c.errorAt(c.cur, "'continue' outside a loop")
	}
	c.advance()
	c.expect(scanner.Semicolon, "expected ';' after continue")
	site := c.reserveJump(bytecode.OpJump)
	if len(c.loops) > 0 {
		lp := c.loops[len(c.loops)-1]
		lp.continues = append(lp.continues, site)
	}
}

// compilePrintStatement parses `print(expr);` / `println(expr);` and their
// stderr eprint/eprintln counterparts.
func (c *Compiler) compilePrintStatement() {
	kind := c.cur.Kind
	c.advance()
	c.expect(scanner.LParen, "expected '(' after print")
	hasArg := !c.check(scanner.RParen)
	if hasArg {
		c.compileExpression()
	}
	c.expect(scanner.RParen, "expected ')' after print argument")
	c.expect(scanner.Semicolon, "expected ';' after print statement")

	switch kind {
	case scanner.Print:
		if hasArg {
			c.emit(bytecode.OpPrint)
		} else {
			c.emit(bytecode.OpPrintEmptyLine)
		}
	case scanner.PrintLn:
		if hasArg {
			c.emit(bytecode.OpPrintLn)
		} else {
			c.emit(bytecode.OpPrintEmptyLine)
		}
	case scanner.EPrint:
		if hasArg {
			c.emit(bytecode.OpEPrint)
		} else {
			c.emit(bytecode.OpEPrintEmptyLine)
		}
	case scanner.EPrintLn:
		if hasArg {
			c.emit(bytecode.OpEPrintLn)
		} else {
			c.emit(bytecode.OpEPrintEmptyLine)
		}
	}
}
