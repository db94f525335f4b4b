package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gracelang/grace/pkg/compiler"
	"github.com/gracelang/grace/pkg/value"
)

// run compiles src as main.gr and executes it, returning whatever it wrote
// to stdout.
func run(t *testing.T, src string) string {
	t.Helper()
	imp := compiler.MapImporter{"main.gr": src}
	c := compiler.New(imp)
	prog, err := c.Compile("main.gr")
	require.NoError(t, err, "compile errors: %v", c.Errors())

	var out bytes.Buffer
	machine := New(prog)
	machine.Stdout = &out
	require.NoError(t, machine.Run(nil))
	return out.String()
}

func TestVM_ArithmeticAndPrint(t *testing.T) {
	out := run(t, `
func main():
	var x = 1 + 2 * 3;
	println(x);
end
`)
	assert.Equal(t, "7\n", out)
}

func TestVM_IfElse(t *testing.T) {
	out := run(t, `
func main():
	if 1 < 2:
		println("yes");
	else:
		println("no");
	end
end
`)
	assert.Equal(t, "yes\n", out)
}

func TestVM_WhileLoop(t *testing.T) {
	out := run(t, `
func main():
	var i = 0;
	while i < 5:
		print(i);
		i += 1;
	end
end
`)
	assert.Equal(t, "01234", out)
}

func TestVM_ForLoopOverList(t *testing.T) {
	out := run(t, `
func main():
	for x in [1, 2, 3]:
		print(x);
	end
end
`)
	assert.Equal(t, "123", out)
}

func TestVM_ForLoopTwoVarsOverDictionary(t *testing.T) {
	out := run(t, `
func main():
	var d = {"a": 1};
	for k, v in d:
		print(k);
		print(v);
	end
end
`)
	assert.Equal(t, "a1", out)
}

func TestVM_ForLoopOverRange(t *testing.T) {
	out := run(t, `
func main():
	for i in 1..4:
		print(i);
	end
end
`)
	assert.Equal(t, "123", out)
}

func TestVM_TryCatchRecoversFromThrow(t *testing.T) {
	out := run(t, `
func main():
	try:
		throw("boom");
	catch e:
		println(e);
	end
	println("after");
end
`)
	assert.Equal(t, "boom\nafter\n", out)
}

func TestVM_UnhandledThrowReturnsRuntimeError(t *testing.T) {
	imp := compiler.MapImporter{"main.gr": `
func main():
	throw("boom");
end
`}
	c := compiler.New(imp)
	prog, err := c.Compile("main.gr")
	require.NoError(t, err)

	machine := New(prog)
	var out bytes.Buffer
	machine.Stdout = &out
	runErr := machine.Run(nil)
	require.Error(t, runErr)
	_, ok := runErr.(*RuntimeError)
	assert.True(t, ok, "expected a *RuntimeError, got %T", runErr)
}

func TestVM_ClassConstructorAndFields(t *testing.T) {
	out := run(t, `
class Point:
	var x;
	var y;
	constructor(px, py):
		x = px;
		y = py;
	end
end

func main():
	var p = Point(3, 4);
	println(p.x);
	p.x = 9;
	println(p.x);
end
`)
	assert.Equal(t, "3\n9\n", out)
}

func TestVM_SubscriptAssignment(t *testing.T) {
	out := run(t, `
func main():
	var xs = [1, 2, 3];
	xs[1] = 42;
	println(xs[1]);
end
`)
	assert.Equal(t, "42\n", out)
}

func TestVM_CompoundAssignment(t *testing.T) {
	out := run(t, `
func main():
	var total = 10;
	total -= 3;
	println(total);
end
`)
	assert.Equal(t, "7\n", out)
}

func TestVM_FunctionCallAndReturn(t *testing.T) {
	out := run(t, `
func square(n):
	return n * n;
end

func main():
	println(square(6));
end
`)
	assert.Equal(t, "36\n", out)
}

func TestVM_ExtensionMethodCall(t *testing.T) {
	out := run(t, `
func doubled(this Int):
	return this * 2;
end

func main():
	var x = 5;
	println(x.doubled());
end
`)
	assert.Equal(t, "10\n", out)
}

func TestVM_TwoVarIterationOverListRaisesInvalidCollectionOperation(t *testing.T) {
	imp := compiler.MapImporter{"main.gr": `
func main():
	for k, v in [1, 2, 3]:
		println(k);
	end
end
`}
	c := compiler.New(imp)
	prog, err := c.Compile("main.gr")
	require.NoError(t, err)

	machine := New(prog)
	var out bytes.Buffer
	machine.Stdout = &out
	runErr := machine.Run(nil)
	require.Error(t, runErr)
	_, ok := runErr.(*RuntimeError)
	require.True(t, ok, "expected a *RuntimeError, got %T", runErr)
	assert.Contains(t, runErr.Error(), string(value.InvalidCollectionOperation))
}

func TestVM_ThrowInsideForLoopInsideTryReleasesHeldIterator(t *testing.T) {
	out := run(t, `
func main():
	var xs = [1, 2, 3];
	try:
		for x in xs:
			if x == 2:
				throw("boom");
			end
			print(x);
		end
	catch e:
		println(e);
	end
	for x in xs:
		print(x);
	end
end
`)
	assert.Equal(t, "1boom\n123", out)
}

func TestVM_CallingMainFromImportedFileIsCompileError(t *testing.T) {
	imp := compiler.MapImporter{
		"main.gr": `
import other;

func main():
	other::main();
end
`,
		"other.gr": `
func main():
	println("hi");
end
`,
	}
	c := compiler.New(imp)
	_, err := c.Compile("main.gr")
	require.Error(t, err)
	assert.Contains(t, c.Errors()[0], "cannot call 'main' from an imported file")
}

func TestVM_BreakAndContinue(t *testing.T) {
	out := run(t, `
func main():
	var i = 0;
	while i < 10:
		i += 1;
		if i == 2:
			continue;
		end
		if i == 5:
			break;
		end
		print(i);
	end
end
`)
	assert.Equal(t, "134", out)
}
