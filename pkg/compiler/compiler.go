// Package compiler implements Grace's single-pass recursive-descent
// compiler. It consumes one token at a time and, at every production that
// produces a runtime effect, emits directly into the current function's op
// and constant buffers — there is no separate AST stage.
package compiler

import (
	"fmt"
	"hash/fnv"
	"path"
	"strconv"
	"strings"

	"github.com/gracelang/grace/pkg/bytecode"
	"github.com/gracelang/grace/pkg/scanner"
	"github.com/gracelang/grace/pkg/value"
)

// context is a lexical context on the compiler's context stack, gating
// where statements and declarations are permitted.
type context int

const (
	ctxTopLevel context = iota
	ctxFunction
	ctxConstructor
	ctxClass
	ctxIf
	ctxForLoop
	ctxWhileLoop
	ctxTry
	ctxCatch
)

// local is a compile-time Local slot: {name, is-final, is-iterator,
// slot-index}.
type local struct {
	name       string
	isFinal    bool
	isIterator bool
	slot       int
}

// constEntry is a const table entry: {value, exported?}.
type constEntry struct {
	value    value.Value
	exported bool
}

// loopPatches tracks the break/continue jump-patch sites for one active
// loop, so nested loops patch the correct jumps.
type loopPatches struct {
	breaks    []jumpSite
	continues []jumpSite
}

// jumpSite is a reserved pair of constant slots for a forward/back jump:
// the compiler writes placeholder values at emission time and patches them
// once the target location (within the current function) is known
// .
type jumpSite struct {
	opConstIdx    int // index into fn.Consts holding the target op index
	constConstIdx int // index into fn.Consts holding the target const index
}

// Importer resolves an import path to source text. cmd/grace wires this to
// the filesystem (consulting GRACE_STD_PATH for std::... imports); tests
// wire it to an in-memory map. Import resolution/file I/O are named as
// external collaborators, so Importer is the seam between
// the compiler's pure logic and that I/O.
type Importer interface {
	Load(path string) (string, error)
}

// MapImporter is a trivial Importer backed by an in-memory map, used by
// tests and by single-file compilations with no imports.
type MapImporter map[string]string

func (m MapImporter) Load(p string) (string, error) {
	src, ok := m[p]
	if !ok {
		return "", fmt.Errorf("import: no such file %q", p)
	}
	return src, nil
}

// Compiler is the single-pass recursive-descent compiler. One Compiler
// compiles an entry file and everything it transitively imports into one
// bytecode.Program.
type Compiler struct {
	importer Importer
	prog     *bytecode.Program
	loaded   map[string]bool

	file string
	scan *scanner.Scanner
	cur  scanner.Token
	peek scanner.Token

	fn     *bytecode.Function
	locals []local

	contexts []context
	loops    []*loopPatches

	constTable map[string]map[string]constEntry

	warningsAsErrors bool
	errors           []string
	warnings         []string
	panicMode        bool
}

// New creates a Compiler that resolves imports through importer.
func New(importer Importer) *Compiler {
	return &Compiler{
		importer:   importer,
		loaded:     map[string]bool{},
		constTable: map[string]map[string]constEntry{},
	}
}

// SetWarningsAsErrors implements the -we / --warnings-error CLI flag
// .
func (c *Compiler) SetWarningsAsErrors(v bool) { c.warningsAsErrors = v }

func (c *Compiler) Errors() []string   { return c.errors }
func (c *Compiler) Warnings() []string { return c.warnings }

// Compile compiles entryFile (and everything it imports) into a linearised
// *bytecode.Program ready for the VM, or returns the accumulated compile
// errors.
func (c *Compiler) Compile(entryFile string) (*bytecode.Program, error) {
	c.prog = bytecode.NewProgram(entryFile)
	if err := c.compileFile(entryFile); err != nil {
		return nil, err
	}
	if len(c.errors) > 0 {
		return nil, fmt.Errorf("compile failed:\n%s", strings.Join(c.errors, "\n"))
	}
	c.prog.Linearise()
	return c.prog, nil
}

// compileFile pushes a fresh scanner for path, compiles every top-level
// declaration, then restores the caller's parse state. Re-importing an
// already-loaded file is silently ignored.
func (c *Compiler) compileFile(filePath string) error {
	if c.loaded[filePath] {
		return nil
	}
	c.loaded[filePath] = true

	src, err := c.importer.Load(filePath)
	if err != nil {
		return err
	}

	savedFile, savedScan, savedCur, savedPeek := c.file, c.scan, c.cur, c.peek
	c.file = filePath
	c.scan = scanner.New(filePath, src)
	c.advance()
	c.advance()

	c.contexts = append(c.contexts, ctxTopLevel)
	seenDecl := false
	for c.cur.Kind != scanner.EOF {
		if c.cur.Kind == scanner.Import {
			if seenDecl {
				c.errorAt(c.cur, "import must precede any other top-level declaration")
			}
			c.compileImport()
			continue
		}
		seenDecl = true
		switch c.cur.Kind {
		case scanner.Const:
			c.compileConstDecl()
		case scanner.Class:
			c.compileClassDecl()
		case scanner.Func:
			c.compileFuncDecl()
		default:
			c.errorAt(c.cur, "expected import, const, class or func at top level")
			c.synchronise()
		}
	}
	c.contexts = c.contexts[:len(c.contexts)-1]

	c.file, c.scan, c.cur, c.peek = savedFile, savedScan, savedCur, savedPeek
	return nil
}

// --- token stream helpers ---

func (c *Compiler) advance() {
	c.cur = c.peek
	c.peek = c.scan.NextToken()
	for c.peek.Kind == scanner.Error {
		c.errorAt(c.peek, c.peek.Message)
		c.peek = c.scan.NextToken()
	}
}

func (c *Compiler) check(k scanner.Kind) bool { return c.cur.Kind == k }

func (c *Compiler) match(k scanner.Kind) bool {
	if !c.check(k) {
		return false
	}
	c.advance()
	return true
}

func (c *Compiler) expect(k scanner.Kind, msg string) scanner.Token {
	if c.cur.Kind != k {
		c.errorAt(c.cur, msg)
		return c.cur
	}
	tok := c.cur
	c.advance()
	return tok
}

// errorAt records a compile-time diagnostic with file/line/column and the
// offending source line; panic mode suppresses cascading
// errors until resynchronisation.
func (c *Compiler) errorAt(tok scanner.Token, msg string) {
	if c.panicMode {
		return
	}
	c.panicMode = true
	line := c.scan.GetCodeAtLine(tok.Line)
	caret := strings.Repeat(" ", max(tok.Column-1, 0)) + "^"
	c.errors = append(c.errors, fmt.Sprintf("%s:%d:%d: error: %s\n  %s\n  %s", c.file, tok.Line, tok.Column, msg, line, caret))
}

func (c *Compiler) warn(tok scanner.Token, msg string) {
	if c.warningsAsErrors {
		c.errorAt(tok, msg)
		return
	}
	c.warnings = append(c.warnings, fmt.Sprintf("%s:%d:%d: warning: %s", c.file, tok.Line, tok.Column, msg))
}

// synchronise resynchronises at the next statement-starting keyword or
// semicolon so multiple errors can be reported per run.
func (c *Compiler) synchronise() {
	c.panicMode = false
	for c.cur.Kind != scanner.EOF {
		if c.cur.Kind == scanner.Semicolon {
			c.advance()
			return
		}
		switch c.cur.Kind {
		case scanner.Class, scanner.Func, scanner.Var, scanner.Final, scanner.If,
			scanner.While, scanner.For, scanner.Return, scanner.Import, scanner.Const, scanner.Try:
			return
		}
		c.advance()
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// --- emission helpers ---

func (c *Compiler) emit(op bytecode.Op) int { return c.fn.Emit(op, c.cur.Line) }

func (c *Compiler) constInt(i int64) int  { return c.fn.AddConstant(value.IntValue(i)) }
func (c *Compiler) constStr(s string) int { return c.fn.AddConstant(value.StringValue(s)) }
func (c *Compiler) constBool(b bool) int  { return c.fn.AddConstant(value.BoolValue(b)) }

// emitLoadConstant emits LoadConstant v and returns nothing: v is pushed
// onto the value stack at run time.
func (c *Compiler) emitLoadConstant(v value.Value) {
	c.fn.AddConstant(v)
	c.emit(bytecode.OpLoadConstant)
}

// hashName is Grace's symbol hash: FNV-1a 64-bit over the UTF-8 bytes of
// name, used for class names, defining-file paths, namespace segments and
// extension-method receiver types.
func hashName(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// --- jump patching ---

// reserveJump emits a jump-family op and reserves two constant slots for its
// (op-index, const-index) target, to be filled in later by patchJump
// .
func (c *Compiler) reserveJump(op bytecode.Op) jumpSite {
	opIdx := c.fn.AddConstant(value.IntValue(-1))
	constIdx := c.fn.AddConstant(value.IntValue(-1))
	c.emit(op)
	return jumpSite{opConstIdx: opIdx, constConstIdx: constIdx}
}

// patchJump fills in a previously reserved jump's target with the current
// (zero-based) op/const position in the current function.
func (c *Compiler) patchJump(site jumpSite) {
	c.fn.Consts[site.opConstIdx] = value.IntValue(int64(len(c.fn.Ops)))
	c.fn.Consts[site.constConstIdx] = value.IntValue(int64(len(c.fn.Consts)))
}

// emitJumpTo emits an unconditional jump back to a known (op, const)
// position, used for loop back-edges.
func (c *Compiler) emitJumpTo(opPos, constPos int) {
	c.fn.AddConstant(value.IntValue(int64(opPos)))
	c.fn.AddConstant(value.IntValue(int64(constPos)))
	c.emit(bytecode.OpJump)
}

// --- imports ---

// compileImport parses `import a::b::c;`, translating the namespace path to
// a file path (a/b/c.gr) resolved relative to the current file's directory,
// or against std::... for the standard library.
func (c *Compiler) compileImport() {
	c.advance() // import
	var segments []string
	segments = append(segments, c.expect(scanner.Identifier, "expected identifier after import").Text)
	for c.match(scanner.ColonColon) {
		segments = append(segments, c.expect(scanner.Identifier, "expected identifier after ::").Text)
	}
	c.expect(scanner.Semicolon, "expected ';' after import")

	rel := strings.Join(segments, "/") + ".gr"
	var resolved string
	if segments[0] == "std" {
		resolved = rel
	} else {
		resolved = path.Join(path.Dir(c.file), rel)
	}

	// Save and restore the importer file's parse state around the
	// recursive compile, since compileFile pushes/pops its own scanner.
	if err := c.compileFile(resolved); err != nil {
		c.errorAt(c.cur, err.Error())
	}
}

// --- const declarations ---

// compileConstDecl parses `const name = literal;`, storing the value in the
// file-keyed constant table rather than emitting code.
func (c *Compiler) compileConstDecl() {
	c.advance() // const
	exported := c.match(scanner.Export)
	_ = exported
	name := c.expect(scanner.Identifier, "expected const name").Text
	c.expect(scanner.Assign, "expected '=' in const declaration")

	neg := c.match(scanner.Minus)
	v, ok := c.parseLiteralValue()
	if !ok {
		c.errorAt(c.cur, "const initialiser must be a literal")
	}
	if neg {
		nv, err := value.Negate(v)
		if err == nil {
			v = nv
		}
	}
	c.expect(scanner.Semicolon, "expected ';' after const declaration")

	if c.constTable[c.file] == nil {
		c.constTable[c.file] = map[string]constEntry{}
	}
	c.constTable[c.file][name] = constEntry{value: v, exported: exported}
}

// parseLiteralValue consumes one of the six literal forms, without emitting
// any code, for use by const declarations.
func (c *Compiler) parseLiteralValue() (value.Value, bool) {
	tok := c.cur
	switch tok.Kind {
	case scanner.Integer:
		c.advance()
		n := parseIntLiteral(tok.Text)
		return value.IntValue(n), true
	case scanner.Float:
		c.advance()
		f, _ := strconv.ParseFloat(tok.Text, 64)
		return value.FloatValue(f), true
	case scanner.String:
		c.advance()
		return value.StringValue(tok.Text), true
	case scanner.Char:
		c.advance()
		return value.CharValue([]rune(tok.Text)[0]), true
	case scanner.True:
		c.advance()
		return value.BoolValue(true), true
	case scanner.False:
		c.advance()
		return value.BoolValue(false), true
	case scanner.Null:
		c.advance()
		return value.NullValue(), true
	}
	return value.NullValue(), false
}

func parseIntLiteral(text string) int64 {
	neg := strings.HasPrefix(text, "-")
	if neg {
		text = text[1:]
	}
	var n int64
	switch {
	case strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X"):
		u, _ := strconv.ParseUint(text[2:], 16, 64)
		n = int64(u)
	case strings.HasPrefix(text, "0b") || strings.HasPrefix(text, "0B"):
		u, _ := strconv.ParseUint(text[2:], 2, 64)
		n = int64(u)
	default:
		n, _ = strconv.ParseInt(text, 10, 64)
	}
	if neg {
		n = -n
	}
	return n
}

// resolveConst looks up name in file's (or an imported file's) constant
// table, for inline substitution as a LoadConstant op.
func (c *Compiler) resolveConst(file, name string) (value.Value, bool) {
	tbl, ok := c.constTable[file]
	if !ok {
		return value.Value{}, false
	}
	e, ok := tbl[name]
	return e.value, ok
}
