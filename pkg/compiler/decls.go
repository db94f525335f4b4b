package compiler

import (
	"github.com/gracelang/grace/pkg/bytecode"
	"github.com/gracelang/grace/pkg/scanner"
	"github.com/gracelang/grace/pkg/value"
)

// compileFuncDecl parses `func [export] name(params) [:: return-type]:`
// ... `end`. A leading `this Type` parameter registers the function as an
// extension method keyed by the hash of Type; `main` is special-cased to
// synthesise an __ARGS local when it takes zero parameters.
func (c *Compiler) compileFuncDecl() {
	c.advance() // func
	exported := c.match(scanner.Export)
	name := c.expect(scanner.Identifier, "expected function name").Text

	c.expect(scanner.LParen, "expected '(' after function name")

	fn := bytecode.NewFunction(name, 0, c.file, exported)
	savedFn, savedLocals := c.fn, c.locals
	c.fn = fn
	c.locals = nil

	var receiverType string
	var receiverHash uint64
	isExtension := false

	if !c.check(scanner.RParen) {
		for {
			isFinal := c.match(scanner.Final)
			if c.check(scanner.This) {
				c.advance()
				receiverType = c.expect(scanner.Identifier, "expected type name after 'this'").Text
				receiverHash = hashName(receiverType)
				isExtension = true
				c.declareLocal("this", isFinal)
			} else {
				pname := c.expect(scanner.Identifier, "expected parameter name").Text
				c.declareLocal(pname, isFinal)
				if c.match(scanner.ColonColon) {
					c.expect(scanner.Identifier, "expected type name") // type annotation, parsed and discarded
				}
			}
			if !c.match(scanner.Comma) {
				break
			}
		}
	}
	c.expect(scanner.RParen, "expected ')' after parameters")
	if c.match(scanner.ColonColon) {
		c.expect(scanner.Identifier, "expected return type") // discarded
	}
	c.expect(scanner.Colon, "expected ':' to begin function body")

	fn.Arity = len(c.locals)
	fn.IsExtension = isExtension
	fn.ReceiverHash = receiverHash

	if name == "main" && fn.Arity == 0 {
		c.declareLocal("__ARGS", true)
		fn.Arity = 0 // __ARGS is bound by the VM at call time, not by the caller
	}

	c.contexts = append(c.contexts, ctxFunction)
	endedInReturn := c.compileBlockUntilEnd()
	c.contexts = c.contexts[:len(c.contexts)-1]
	c.expect(scanner.End, "expected 'end' to close function body")

	if !endedInReturn {
		c.emit(bytecode.OpPopLocals)
		c.fn.AddConstant(value.IntValue(0))
		if name == "main" {
			c.emit(bytecode.OpExit)
		} else {
			c.fn.AddConstant(value.NullValue())
			c.emit(bytecode.OpLoadConstant)
			c.emit(bytecode.OpReturn)
		}
	}

	if isExtension {
		c.prog.DeclareExtension(receiverHash, fn)
	} else {
		c.prog.DeclareFunction(c.file, fn)
	}

	c.fn, c.locals = savedFn, savedLocals
}

// compileClassDecl parses a class: member `var` declarations, then at most
// one `constructor(params):` block. The class is registered as a function
// under the class name: the constructor body runs as a normal function
// whose locals are the members (declared via DeclareLocal) followed by the
// constructor parameters.
func (c *Compiler) compileClassDecl() {
	c.advance() // class
	className := c.expect(scanner.Identifier, "expected class name").Text
	var superClass string
	if c.match(scanner.Colon) {
		if c.check(scanner.Identifier) {
			superClass = c.cur.Text
			c.advance()
		}
	}

	var fieldNames []string
	c.contexts = append(c.contexts, ctxClass)
	for c.check(scanner.Var) {
		c.advance()
		fieldNames = append(fieldNames, c.expect(scanner.Identifier, "expected field name").Text)
		c.expect(scanner.Semicolon, "expected ';' after field declaration")
	}

	fn := bytecode.NewFunction(className, 0, c.file, true)
	savedFn, savedLocals := c.fn, c.locals
	c.fn = fn
	c.locals = nil

	for _, fname := range fieldNames {
		c.declareLocal(fname, false)
		c.emit(bytecode.OpDeclareLocal)
	}

	if c.check(scanner.Constructor) {
		c.advance()
		c.expect(scanner.LParen, "expected '(' after constructor")
		if !c.check(scanner.RParen) {
			for {
				isFinal := c.match(scanner.Final)
				pname := c.expect(scanner.Identifier, "expected parameter name").Text
				c.declareLocal(pname, isFinal)
				if !c.match(scanner.Comma) {
					break
				}
			}
		}
		c.expect(scanner.RParen, "expected ')' after constructor parameters")
		c.expect(scanner.Colon, "expected ':' to begin constructor body")
		fn.Arity = len(c.locals) - len(fieldNames)
		// Arguments arrive ahead of the fields' DeclareLocal slots: move each past the fields, then null its old slot.
		for i := fn.Arity - 1; i >= 0; i-- {
			c.fn.AddConstant(value.IntValue(int64(i)))
			c.emit(bytecode.OpLoadLocal)
			c.fn.AddConstant(value.IntValue(int64(len(fieldNames) + i)))
			c.emit(bytecode.OpAssignLocal)
			c.emit(bytecode.OpPop)
			if i < len(fieldNames) {
				c.emitLoadConstant(value.NullValue())
				c.fn.AddConstant(value.IntValue(int64(i)))
				c.emit(bytecode.OpAssignLocal)
				c.emit(bytecode.OpPop)
			}
		}

		c.contexts = append(c.contexts, ctxConstructor)
		c.compileBlockUntilEnd()
		c.contexts = c.contexts[:len(c.contexts)-1]
		c.expect(scanner.End, "expected 'end' to close constructor body")
	}

	// Field names are pushed onto the value stack (not carried as constant
	// operands) so CreateInstance can pair each one, in order, with the
	// current value of the correspondingly-numbered local: field locals
	// are always declared first, in fieldNames order, in the synthesised
	// constructor above, so locals[0:len(fieldNames)] holds their values.
	for _, fname := range fieldNames {
		c.fn.AddConstant(value.StringValue(fname))
		c.emit(bytecode.OpLoadConstant)
	}
	c.fn.AddConstant(value.IntValue(int64(len(fieldNames))))
	c.fn.AddConstant(value.StringValue(className))
	c.emit(bytecode.OpCreateInstance)

	c.emit(bytecode.OpPopLocals)
	c.fn.AddConstant(value.IntValue(0))
	c.emit(bytecode.OpReturn)

	c.prog.DeclareFunction(c.file, fn)
	c.prog.DeclareClass(c.file, &bytecode.ClassInfo{Name: className, SuperClass: superClass, FieldNames: fieldNames, File: c.file})

	c.fn, c.locals = savedFn, savedLocals

	c.expect(scanner.End, "expected 'end' to close class body")
	c.contexts = c.contexts[:len(c.contexts)-1]
}

// declareLocal pushes a new Local for the current function. Shadowing is a
// compile error; names starting with __ are reserved.
func (c *Compiler) declareLocal(name string, isFinal bool) int {
	for _, l := range c.locals {
		if l.name == name {
			c.errorAt(c.cur, "redeclaration of local '"+name+"'")
		}
	}
	slot := len(c.locals)
	c.locals = append(c.locals, local{name: name, isFinal: isFinal, slot: slot})
	return slot
}

func (c *Compiler) findLocal(name string) (local, bool) {
	for i := len(c.locals) - 1; i >= 0; i-- {
		if c.locals[i].name == name {
			return c.locals[i], true
		}
	}
	return local{}, false
}

// inContext reports whether ctx appears anywhere on the context stack,
// used to gate break/continue/return legality.
func (c *Compiler) inContext(ctx context) bool {
	for _, c2 := range c.contexts {
		if c2 == ctx {
			return true
		}
	}
	return false
}
