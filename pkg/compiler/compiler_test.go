package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gracelang/grace/pkg/bytecode"
)

func compileSource(t *testing.T, src string) *bytecode.Program {
	t.Helper()
	imp := MapImporter{"main.gr": src}
	c := New(imp)
	prog, err := c.Compile("main.gr")
	require.NoError(t, err, "compile errors: %v", c.Errors())
	return prog
}

func TestCompile_MainReturnsWithExit(t *testing.T) {
	prog := compileSource(t, `
func main():
	print(1);
end
`)
	mainFn, ok := prog.LookupFunction("main.gr", "main")
	require.True(t, ok)
	assert.Equal(t, bytecode.OpExit, mainFn.Ops[len(mainFn.Ops)-1].Op)
}

func TestCompile_VarDeclAndArithmetic(t *testing.T) {
	prog := compileSource(t, `
func main():
	var x = 1 + 2 * 3;
	print(x);
end
`)
	mainFn, ok := prog.LookupFunction("main.gr", "main")
	require.True(t, ok)

	var ops []bytecode.Op
	for _, instr := range mainFn.Ops {
		ops = append(ops, instr.Op)
	}
	assert.Contains(t, ops, bytecode.OpDeclareLocal)
	assert.Contains(t, ops, bytecode.OpMul)
	assert.Contains(t, ops, bytecode.OpAdd)
	assert.Contains(t, ops, bytecode.OpAssignLocal)
	assert.Contains(t, ops, bytecode.OpPrint)
}

func TestCompile_IfElseEmitsJumps(t *testing.T) {
	prog := compileSource(t, `
func main():
	if 1 < 2:
		print(1);
	else:
		print(2);
	end
end
`)
	mainFn, ok := prog.LookupFunction("main.gr", "main")
	require.True(t, ok)

	var ops []bytecode.Op
	for _, instr := range mainFn.Ops {
		ops = append(ops, instr.Op)
	}
	assert.Contains(t, ops, bytecode.OpJumpIfFalse)
	assert.Contains(t, ops, bytecode.OpJump)
	assert.Contains(t, ops, bytecode.OpLess)
}

func TestCompile_WhileLoopBackEdge(t *testing.T) {
	prog := compileSource(t, `
func main():
	var i = 0;
	while i < 10:
		i += 1;
	end
end
`)
	mainFn, ok := prog.LookupFunction("main.gr", "main")
	require.True(t, ok)

	var ops []bytecode.Op
	for _, instr := range mainFn.Ops {
		ops = append(ops, instr.Op)
	}
	assert.Contains(t, ops, bytecode.OpAddAssign)
	assert.Contains(t, ops, bytecode.OpJumpIfFalse)
	assert.Contains(t, ops, bytecode.OpJump)
}

func TestCompile_ForLoopOverList(t *testing.T) {
	prog := compileSource(t, `
func main():
	for x in [1, 2, 3]:
		print(x);
	end
end
`)
	mainFn, ok := prog.LookupFunction("main.gr", "main")
	require.True(t, ok)

	var ops []bytecode.Op
	for _, instr := range mainFn.Ops {
		ops = append(ops, instr.Op)
	}
	assert.Contains(t, ops, bytecode.OpCreateList)
	assert.Contains(t, ops, bytecode.OpAssignIteratorBegin)
	assert.Contains(t, ops, bytecode.OpCheckIteratorEnd)
	assert.Contains(t, ops, bytecode.OpIncrementIterator)
	assert.Contains(t, ops, bytecode.OpDestroyHeldIterator)
}

func TestCompile_TryCatchThrow(t *testing.T) {
	prog := compileSource(t, `
func main():
	try:
		throw("boom");
	catch e:
		print(e);
	end
end
`)
	mainFn, ok := prog.LookupFunction("main.gr", "main")
	require.True(t, ok)

	var ops []bytecode.Op
	for _, instr := range mainFn.Ops {
		ops = append(ops, instr.Op)
	}
	assert.Contains(t, ops, bytecode.OpEnterTry)
	assert.Contains(t, ops, bytecode.OpExitTry)
	assert.Contains(t, ops, bytecode.OpThrow)
}

func TestCompile_ClassDeclaresConstructor(t *testing.T) {
	prog := compileSource(t, `
class Point:
	var x;
	var y;
	constructor(px, py):
		x = px;
		y = py;
	end
end

func main():
	var p = Point(1, 2);
end
`)
	ctor, ok := prog.LookupFunction("main.gr", "Point")
	require.True(t, ok)
	assert.Equal(t, bytecode.OpReturn, ctor.Ops[len(ctor.Ops)-1].Op)

	classes, ok := prog.Classes["main.gr"]
	require.True(t, ok)
	ci, ok := classes["Point"]
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, ci.FieldNames)
}

func TestCompile_MemberAssignment(t *testing.T) {
	prog := compileSource(t, `
class Box:
	var value;
end

func main():
	var b = Box();
	b.value = 42;
	print(b.value);
end
`)
	mainFn, ok := prog.LookupFunction("main.gr", "main")
	require.True(t, ok)

	var ops []bytecode.Op
	for _, instr := range mainFn.Ops {
		ops = append(ops, instr.Op)
	}
	assert.Contains(t, ops, bytecode.OpAssignMember)
	assert.Contains(t, ops, bytecode.OpLoadMember)
}

func TestCompile_SubscriptAssignment(t *testing.T) {
	prog := compileSource(t, `
func main():
	var xs = [1, 2, 3];
	xs[0] = 9;
	print(xs[0]);
end
`)
	mainFn, ok := prog.LookupFunction("main.gr", "main")
	require.True(t, ok)

	var ops []bytecode.Op
	for _, instr := range mainFn.Ops {
		ops = append(ops, instr.Op)
	}
	assert.Contains(t, ops, bytecode.OpAssignSubscript)
	assert.Contains(t, ops, bytecode.OpGetSubscript)
}

func TestCompile_ImportResolvesRelativePath(t *testing.T) {
	imp := MapImporter{
		"main.gr": `
import helpers::math;
func main():
	print(1);
end
`,
		"helpers/math.gr": `
func export square(n):
	return n * n;
end
`,
	}
	c := New(imp)
	_, err := c.Compile("main.gr")
	require.NoError(t, err, "compile errors: %v", c.Errors())
	_, ok := c.prog.LookupFunction("helpers/math.gr", "square")
	assert.True(t, ok)
}

func TestCompile_ReimportIsNoop(t *testing.T) {
	imp := MapImporter{
		"main.gr": `
import a;
import a;
func main():
	print(1);
end
`,
		"a.gr": `
const export one = 1;
`,
	}
	c := New(imp)
	_, err := c.Compile("main.gr")
	require.NoError(t, err, "compile errors: %v", c.Errors())
}

func TestCompile_RedeclaredLocalIsError(t *testing.T) {
	imp := MapImporter{"main.gr": `
func main():
	var x = 1;
	var x = 2;
end
`}
	c := New(imp)
	_, err := c.Compile("main.gr")
	require.Error(t, err)
	assert.NotEmpty(t, c.Errors())
}

func TestCompile_ConstFoldsIntoLoadConstant(t *testing.T) {
	prog := compileSource(t, `
const limit = 10;
func main():
	print(limit);
end
`)
	mainFn, ok := prog.LookupFunction("main.gr", "main")
	require.True(t, ok)

	found := false
	for _, v := range mainFn.Consts {
		if v.Tag.String() == "Int" && v.I == 10 {
			found = true
		}
	}
	assert.True(t, found, "expected an Int constant for the folded const reference")
}

func TestCompile_BreakOutsideLoopIsError(t *testing.T) {
	imp := MapImporter{"main.gr": `
func main():
	break;
end
`}
	c := New(imp)
	_, err := c.Compile("main.gr")
	require.Error(t, err)
}

func TestCompile_RangeLiteral(t *testing.T) {
	prog := compileSource(t, `
func main():
	for i in 1..5:
		print(i);
	end
end
`)
	mainFn, ok := prog.LookupFunction("main.gr", "main")
	require.True(t, ok)

	var ops []bytecode.Op
	for _, instr := range mainFn.Ops {
		ops = append(ops, instr.Op)
	}
	assert.Contains(t, ops, bytecode.OpCreateRange)
}
