package compiler

import (
	"strconv"

	"github.com/gracelang/grace/pkg/bytecode"
	"github.com/gracelang/grace/pkg/scanner"
	"github.com/gracelang/grace/pkg/value"
)

// targetKind classifies what, if anything, the expression just parsed can
// be assigned to. Only a bare local, a `.member` access or a `[index]`
// subscript are legal assignment targets; everything else
// parses to a value already sitting on the stack.
type targetKind int

const (
	targetNone targetKind = iota
	targetLocal
	targetMember
	targetSubscript
)

type assignTarget struct {
	kind targetKind
	slot int
	name string
}

func isAssignOp(k scanner.Kind) bool {
	switch k {
	case scanner.Assign, scanner.PlusAssign, scanner.MinusAssign, scanner.StarAssign, scanner.SlashAssign, scanner.PercentAssign:
		return true
	}
	return false
}

// compileExpression parses one expression at assignment precedence (the
// lowest), emitting directly into the current function with no
// intermediate AST.
func (c *Compiler) compileExpression() {
	c.parseAssignment(true)
}

func (c *Compiler) parseAssignment(canAssign bool) assignTarget {
	target := c.parseOr(canAssign)
	if canAssign && target.kind != targetNone && isAssignOp(c.cur.Kind) {
		op := c.cur.Kind
		c.advance()
		c.parseAssignment(false)
		c.emitAssignment(target, op)
		return assignTarget{}
	}
	return target
}

// emitAssignment lowers a resolved target plus operator into code. Compound
// assignment (+=, -=, ...) is restricted to locals: member and subscript
// targets only support plain `=`, since re-reading their current value
// would require re-evaluating (and duplicating the side effects of) the
// receiver/index sub-expressions already left on the stack.
func (c *Compiler) emitAssignment(t assignTarget, op scanner.Kind) {
	if op != scanner.Assign && t.kind != targetLocal {
		c.errorAt(c.cur, "compound assignment is only supported on local variables")
		return
	}
	switch t.kind {
	case targetLocal:
		c.fn.AddConstant(value.IntValue(int64(t.slot)))
		switch op {
		case scanner.Assign:
			c.emit(bytecode.OpAssignLocal)
		case scanner.PlusAssign:
			c.emit(bytecode.OpAddAssign)
		case scanner.MinusAssign:
			c.emit(bytecode.OpSubAssign)
		case scanner.StarAssign:
			c.emit(bytecode.OpMulAssign)
		case scanner.SlashAssign:
			c.emit(bytecode.OpDivAssign)
		case scanner.PercentAssign:
			c.emit(bytecode.OpModAssign)
		}
	case targetMember:
		c.fn.AddConstant(value.StringValue(t.name))
		c.emit(bytecode.OpAssignMember)
	case targetSubscript:
		c.emit(bytecode.OpAssignSubscript)
	}
}

// --- binary precedence ladder ---
// or > and > bitor > bitxor > bitand > equality > compare/instanceof >
// shift > range > term > factor > unary > call > primary.

func (c *Compiler) parseOr(canAssign bool) assignTarget {
	t := c.parseAnd(canAssign)
	for c.check(scanner.Or) {
		c.advance()
		c.parseAnd(false)
		c.emit(bytecode.OpOr)
		t = assignTarget{}
	}
	return t
}

func (c *Compiler) parseAnd(canAssign bool) assignTarget {
	t := c.parseBitOr(canAssign)
	for c.check(scanner.And) {
		c.advance()
		c.parseBitOr(false)
		c.emit(bytecode.OpAnd)
		t = assignTarget{}
	}
	return t
}

func (c *Compiler) parseBitOr(canAssign bool) assignTarget {
	t := c.parseBitXor(canAssign)
	for c.check(scanner.Pipe) {
		c.advance()
		c.parseBitXor(false)
		c.emit(bytecode.OpBitwiseOr)
		t = assignTarget{}
	}
	return t
}

func (c *Compiler) parseBitXor(canAssign bool) assignTarget {
	t := c.parseBitAnd(canAssign)
	for c.check(scanner.Caret) {
		c.advance()
		c.parseBitAnd(false)
		c.emit(bytecode.OpBitwiseXOr)
		t = assignTarget{}
	}
	return t
}

func (c *Compiler) parseBitAnd(canAssign bool) assignTarget {
	t := c.parseEquality(canAssign)
	for c.check(scanner.Amp) {
		c.advance()
		c.parseEquality(false)
		c.emit(bytecode.OpBitwiseAnd)
		t = assignTarget{}
	}
	return t
}

func (c *Compiler) parseEquality(canAssign bool) assignTarget {
	t := c.parseCompare(canAssign)
	for c.check(scanner.Equal) || c.check(scanner.NotEqual) {
		op := c.cur.Kind
		c.advance()
		c.parseCompare(false)
		if op == scanner.Equal {
			c.emit(bytecode.OpEqual)
		} else {
			c.emit(bytecode.OpNotEqual)
		}
		t = assignTarget{}
	}
	return t
}

// parseCompare also handles postfix `expr instanceof Type`, binding at the
// same precedence as the relational operators.
func (c *Compiler) parseCompare(canAssign bool) assignTarget {
	t := c.parseShift(canAssign)
	for {
		switch c.cur.Kind {
		case scanner.Less:
			c.advance()
			c.parseShift(false)
			c.emit(bytecode.OpLess)
			t = assignTarget{}
		case scanner.LessEqual:
			c.advance()
			c.parseShift(false)
			c.emit(bytecode.OpLessEqual)
			t = assignTarget{}
		case scanner.Greater:
			c.advance()
			c.parseShift(false)
			c.emit(bytecode.OpGreater)
			t = assignTarget{}
		case scanner.GreaterEqual:
			c.advance()
			c.parseShift(false)
			c.emit(bytecode.OpGreaterEqual)
			t = assignTarget{}
		case scanner.Instanceof:
			c.advance()
			if c.check(scanner.Null) {
				c.warn(c.cur, "use '== null' instead of 'instanceof null'")
				c.advance()
				c.fn.AddConstant(value.StringValue("Null"))
				c.emit(bytecode.OpCheckType)
				t = assignTarget{}
				continue
			}
			typeName := c.expect(scanner.Identifier, "expected a type name after 'instanceof'").Text
			c.fn.AddConstant(value.StringValue(typeName))
			c.emit(bytecode.OpCheckType)
			t = assignTarget{}
		default:
			return t
		}
	}
}

func (c *Compiler) parseShift(canAssign bool) assignTarget {
	t := c.parseRange(canAssign)
	for c.check(scanner.ShiftLeft) || c.check(scanner.ShiftRight) {
		op := c.cur.Kind
		c.advance()
		c.parseRange(false)
		if op == scanner.ShiftLeft {
			c.emit(bytecode.OpShiftLeft)
		} else {
			c.emit(bytecode.OpShiftRight)
		}
		t = assignTarget{}
	}
	return t
}

// parseRange handles `min..max` and `min..max by step` range expressions,
// binding tighter than shift/bitwise/comparison but looser than arithmetic
// CreateRange pops (min, max, increment) off the stack.
func (c *Compiler) parseRange(canAssign bool) assignTarget {
	t := c.parseTerm(canAssign)
	if c.match(scanner.DotDot) {
		c.parseTerm(false)
		if c.match(scanner.By) {
			c.parseTerm(false)
		} else {
			c.emitLoadConstant(value.IntValue(1))
		}
		c.emit(bytecode.OpCreateRange)
		t = assignTarget{}
	}
	return t
}

func (c *Compiler) parseTerm(canAssign bool) assignTarget {
	t := c.parseFactor(canAssign)
	for c.check(scanner.Plus) || c.check(scanner.Minus) {
		op := c.cur.Kind
		c.advance()
		c.parseFactor(false)
		if op == scanner.Plus {
			c.emit(bytecode.OpAdd)
		} else {
			c.emit(bytecode.OpSub)
		}
		t = assignTarget{}
	}
	return t
}

func (c *Compiler) parseFactor(canAssign bool) assignTarget {
	t := c.parseUnary(canAssign)
	for c.check(scanner.Star) || c.check(scanner.StarStar) || c.check(scanner.Slash) || c.check(scanner.Percent) {
		op := c.cur.Kind
		c.advance()
		c.parseUnary(false)
		switch op {
		case scanner.Star:
			c.emit(bytecode.OpMul)
		case scanner.StarStar:
			c.emit(bytecode.OpPow)
		case scanner.Slash:
			c.emit(bytecode.OpDiv)
		case scanner.Percent:
			c.emit(bytecode.OpMod)
		}
		t = assignTarget{}
	}
	return t
}

func (c *Compiler) parseUnary(canAssign bool) assignTarget {
	switch c.cur.Kind {
	case scanner.Minus:
		c.advance()
		c.parseUnary(false)
		c.emit(bytecode.OpNegate)
		return assignTarget{}
	case scanner.Bang:
		c.advance()
		c.parseUnary(false)
		c.emit(bytecode.OpNot)
		return assignTarget{}
	case scanner.Tilde:
		c.advance()
		c.parseUnary(false)
		c.emit(bytecode.OpBitwiseNot)
		return assignTarget{}
	}
	return c.parseCall(canAssign)
}

// parseCall parses a primary expression followed by any chain of `.member`,
// `[index]` and `(args)` postfix operators, deferring the final accessor's
// emission when it is itself an assignment target.
func (c *Compiler) parseCall(canAssign bool) assignTarget {
	base := c.parsePrimary(canAssign)
	return c.parsePostfix(base, canAssign)
}

func (c *Compiler) flushPendingLoad(t assignTarget) {
	if t.kind == targetLocal {
		c.fn.AddConstant(value.IntValue(int64(t.slot)))
		c.emit(bytecode.OpLoadLocal)
	}
}

func (c *Compiler) parsePostfix(base assignTarget, canAssign bool) assignTarget {
	cur := base
	for {
		switch c.cur.Kind {
		case scanner.Dot:
			c.advance()
			name := c.expect(scanner.Identifier, "expected member name after '.'").Text
			c.flushPendingLoad(cur)
			if c.check(scanner.LParen) {
				arity := c.compileArgList()
				c.fn.AddConstant(value.StringValue(name))
				c.fn.AddConstant(value.IntValue(int64(arity)))
				c.emit(bytecode.OpMemberCall)
				cur = assignTarget{}
				continue
			}
			if canAssign && isAssignOp(c.cur.Kind) {
				return assignTarget{kind: targetMember, name: name}
			}
			c.fn.AddConstant(value.StringValue(name))
			c.emit(bytecode.OpLoadMember)
			cur = assignTarget{}
		case scanner.LBracket:
			c.advance()
			c.flushPendingLoad(cur)
			cur = assignTarget{}
			c.compileExpression()
			c.expect(scanner.RBracket, "expected ']' after subscript index")
			if canAssign && isAssignOp(c.cur.Kind) {
				return assignTarget{kind: targetSubscript}
			}
			c.emit(bytecode.OpGetSubscript)
		default:
			if cur.kind == targetLocal && canAssign && isAssignOp(c.cur.Kind) {
				return cur
			}
			c.flushPendingLoad(cur)
			return assignTarget{}
		}
	}
}

// compileArgList parses `(expr, expr, ...)` leaving each argument value on
// the stack left-to-right, and returns the argument count.
func (c *Compiler) compileArgList() int {
	c.expect(scanner.LParen, "expected '('")
	n := 0
	if !c.check(scanner.RParen) {
		for {
			c.compileExpression()
			n++
			if !c.match(scanner.Comma) {
				break
			}
		}
	}
	c.expect(scanner.RParen, "expected ')' after arguments")
	return n
}

// parsePrimary parses literals, grouping, `this`, collection literals and
// bare identifiers (locals, resolved consts, free-function/namespaced
// calls). It returns a pending assignTarget only for a bare local variable
// reference; every other form leaves its value on the stack.
func (c *Compiler) parsePrimary(canAssign bool) assignTarget {
	tok := c.cur
	switch tok.Kind {
	case scanner.Integer:
		c.advance()
		c.emitLoadConstant(value.IntValue(parseIntLiteral(tok.Text)))
		return assignTarget{}
	case scanner.Float:
		c.advance()
		f, _ := strconv.ParseFloat(tok.Text, 64)
		c.emitLoadConstant(value.FloatValue(f))
		return assignTarget{}
	case scanner.String:
		c.advance()
		c.emitLoadConstant(value.StringValue(tok.Text))
		return assignTarget{}
	case scanner.Char:
		c.advance()
		r := []rune(tok.Text)
		if len(r) == 0 {
			c.emitLoadConstant(value.CharValue(0))
		} else {
			c.emitLoadConstant(value.CharValue(r[0]))
		}
		return assignTarget{}
	case scanner.True:
		c.advance()
		c.emitLoadConstant(value.BoolValue(true))
		return assignTarget{}
	case scanner.False:
		c.advance()
		c.emitLoadConstant(value.BoolValue(false))
		return assignTarget{}
	case scanner.Null:
		c.advance()
		c.emitLoadConstant(value.NullValue())
		return assignTarget{}
	case scanner.This:
		c.advance()
		if l, ok := c.findLocal("this"); ok {
			return assignTarget{kind: targetLocal, slot: l.slot}
		}
		c.errorAt(tok, "'this' is only valid inside an extension method")
		return assignTarget{}
	case scanner.Typename:
		c.advance()
		c.expect(scanner.LParen, "expected '(' after typename")
		c.compileExpression()
		c.expect(scanner.RParen, "expected ')' after typename argument")
		c.emit(bytecode.OpTypename)
		return assignTarget{}
	case scanner.Isobject:
		c.advance()
		c.expect(scanner.LParen, "expected '(' after isobject")
		c.compileExpression()
		c.expect(scanner.RParen, "expected ')' after isobject argument")
		c.emit(bytecode.OpIsObject)
		return assignTarget{}
	case scanner.LParen:
		c.advance()
		c.compileExpression()
		c.expect(scanner.RParen, "expected ')' after expression")
		return assignTarget{}
	case scanner.LBracket:
		c.advance()
		n := 0
		if !c.check(scanner.RBracket) {
			for {
				c.compileExpression()
				n++
				if !c.match(scanner.Comma) {
					break
				}
			}
		}
		c.expect(scanner.RBracket, "expected ']' to close list literal")
		c.fn.AddConstant(value.IntValue(int64(n)))
		c.emit(bytecode.OpCreateList)
		return assignTarget{}
	case scanner.LBrace:
		c.advance()
		n := 0
		if !c.check(scanner.RBrace) {
			for {
				c.compileExpression()
				c.expect(scanner.Colon, "expected ':' between dictionary key and value")
				c.compileExpression()
				n++
				if !c.match(scanner.Comma) {
					break
				}
			}
		}
		c.expect(scanner.RBrace, "expected '}' to close dictionary literal")
		c.fn.AddConstant(value.IntValue(int64(n)))
		c.emit(bytecode.OpCreateDictionary)
		return assignTarget{}
	case scanner.Identifier:
		name := tok.Text
		c.advance()
		if l, ok := c.findLocal(name); ok {
			return assignTarget{kind: targetLocal, slot: l.slot}
		}
		if v, ok := c.resolveConst(c.file, name); ok {
			c.emitLoadConstant(v)
			return assignTarget{}
		}
		return c.parseCallOrNamespace(name, tok)
	}
	c.errorAt(tok, "expected an expression")
	c.advance()
	return assignTarget{}
}

// parseCallOrNamespace handles a bare identifier that resolved to neither a
// local nor a const: a free-function call `name(args)`, or a `::`-qualified
// namespaced call `a::b::name(args)`.
func (c *Compiler) parseCallOrNamespace(firstName string, tok scanner.Token) assignTarget {
	if c.check(scanner.ColonColon) {
		c.emit(bytecode.OpStartNewNamespace)
		last := firstName
		for c.match(scanner.ColonColon) {
			c.fn.AddConstant(value.StringValue(last))
			c.fn.AddConstant(value.IntValue(int64(hashName(last))))
			c.emit(bytecode.OpAppendNamespace)
			last = c.expect(scanner.Identifier, "expected identifier after '::'").Text
		}
		// A namespaced call always targets some other file's function table,
		// so a namespaced call to "main" is always a call into an imported
		// file's main - exactly what's disallowed below for the bare form.
		if last == "main" {
			c.errorAt(tok, "cannot call 'main' from an imported file")
		}
		arity := c.compileArgList()
		c.fn.AddConstant(value.StringValue(last))
		c.fn.AddConstant(value.IntValue(int64(arity)))
		c.emit(bytecode.OpCall)
		return assignTarget{}
	}
	if c.check(scanner.LParen) {
		// main is callable only from the entry file itself: a bare call
		// from any other file could only resolve to some file's own main
		// (this one's, if it declares one) or another exported main
		// elsewhere, and both are "an imported file's main".
		if firstName == "main" && c.file != c.prog.EntryFile {
			c.errorAt(tok, "cannot call 'main' from an imported file")
		}
		arity := c.compileArgList()
		c.fn.AddConstant(value.StringValue(firstName))
		c.fn.AddConstant(value.IntValue(int64(arity)))
		c.emit(bytecode.OpCall)
		return assignTarget{}
	}
	c.errorAt(tok, "undefined name '"+firstName+"'")
	return assignTarget{}
}
