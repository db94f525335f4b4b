// Package test provides end-to-end integration tests that exercise the
// full scanner -> compiler -> VM pipeline against realistic Grace programs.
package test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gracelang/grace/pkg/compiler"
	"github.com/gracelang/grace/pkg/natives"
	"github.com/gracelang/grace/pkg/vm"
)

// runProgram compiles src as the entry file of imp and executes it,
// returning captured stdout.
func runProgram(t *testing.T, imp compiler.MapImporter, entry string) string {
	t.Helper()
	c := compiler.New(imp)
	prog, err := c.Compile(entry)
	require.NoError(t, err, "compile errors: %v", c.Errors())

	machine := vm.New(prog)
	natives.Register(machine)
	var out bytes.Buffer
	machine.Stdout = &out
	require.NoError(t, machine.Run(nil))
	return out.String()
}

func TestFibonacciRecursive(t *testing.T) {
	out := runProgram(t, compiler.MapImporter{"main.gr": `
func fib(n):
	if n < 2:
		return n;
	end
	return fib(n - 1) + fib(n - 2);
end

func main():
	println(fib(10));
end
`}, "main.gr")
	assert.Equal(t, "55\n", out)
}

func TestSumListWithForLoop(t *testing.T) {
	out := runProgram(t, compiler.MapImporter{"main.gr": `
func main():
	var total = 0;
	for x in [10, 20, 30, 40]:
		total += x;
	end
	println(total);
end
`}, "main.gr")
	assert.Equal(t, "100\n", out)
}

func TestDictionaryIterationAccumulatesKeys(t *testing.T) {
	out := runProgram(t, compiler.MapImporter{"main.gr": `
func main():
	var scores = {"a": 1, "b": 2, "c": 3};
	var total = 0;
	for k, v in scores:
		total += v;
	end
	println(total);
end
`}, "main.gr")
	assert.Equal(t, "6\n", out)
}

func TestTryCatchWithThrowRecovers(t *testing.T) {
	out := runProgram(t, compiler.MapImporter{"main.gr": `
func divide(a, b):
	if b == 0:
		throw("division by zero");
	end
	return a / b;
end

func main():
	try:
		println(divide(10, 0));
	catch e:
		println(e);
	end
	println(divide(10, 2));
end
`}, "main.gr")
	assert.Equal(t, "division by zero\n5\n", out)
}

func TestPointClassConstructorAndExtensionMethod(t *testing.T) {
	out := runProgram(t, compiler.MapImporter{"main.gr": `
class Point:
	var x;
	var y;
	constructor(px, py):
		x = px;
		y = py;
	end
end

func distanceSquared(this Point, other):
	var dx = this.x - other.x;
	var dy = this.y - other.y;
	return dx * dx + dy * dy;
end

func main():
	var a = Point(0, 0);
	var b = Point(3, 4);
	println(a.distanceSquared(b));
end
`}, "main.gr")
	assert.Equal(t, "25\n", out)
}

func TestImportAcrossFiles(t *testing.T) {
	imp := compiler.MapImporter{
		"main.gr": `
import helpers;

func main():
	println(helpers::square(7));
end
`,
		"helpers.gr": `
func export square(n):
	return n * n;
end
`,
	}
	out := runProgram(t, imp, "main.gr")
	assert.Equal(t, "49\n", out)
}

func TestNativeStringHelpersFromGraceSource(t *testing.T) {
	out := runProgram(t, compiler.MapImporter{"main.gr": `
func main():
	println(uppercase("grace"));
	println(length("grace"));
end
`}, "main.gr")
	assert.Equal(t, "GRACE\n5\n", out)
}

func TestUnhandledThrowSurfacesAsRuntimeError(t *testing.T) {
	imp := compiler.MapImporter{"main.gr": `
func main():
	throw("fatal");
end
`}
	c := compiler.New(imp)
	prog, err := c.Compile("main.gr")
	require.NoError(t, err)

	machine := vm.New(prog)
	natives.Register(machine)
	runErr := machine.Run(nil)
	require.Error(t, runErr)
	_, ok := runErr.(*vm.RuntimeError)
	assert.True(t, ok, "expected *vm.RuntimeError, got %T", runErr)
}
