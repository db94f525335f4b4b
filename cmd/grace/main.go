// Command grace runs a single .gr source file: compile it (and everything
// it transitively imports) into a linearised bytecode.Program, then execute
// that program on the VM: read source -> compile -> run.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gracelang/grace/pkg/compiler"
	"github.com/gracelang/grace/pkg/natives"
	"github.com/gracelang/grace/pkg/vm"
)

const version = "0.1.0"

// filesystemImporter resolves compiler.Importer requests against disk:
// "std/..." paths are rooted at GRACE_STD_PATH, everything else is read
// relative to the current working directory (compileImport already joins
// relative imports against the importing file's directory before calling
// Load).
type filesystemImporter struct {
	stdPath string
}

func (f filesystemImporter) Load(path string) (string, error) {
	resolved := path
	if rest, ok := strings.CutPrefix(path, "std/"); ok {
		base := f.stdPath
		if base == "" {
			base = "std"
		}
		resolved = filepath.Join(base, rest)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("import: %w", err)
	}
	return string(data), nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		file      string
		verbose   bool
		warnAsErr bool
		extra     []string
	)

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch a {
		case "-v", "--verbose":
			verbose = true
		case "-we", "--warnings-error":
			warnAsErr = true
		case "-V", "--version":
			fmt.Printf("grace version %s\n", version)
			return 0
		case "-h", "--help":
			printUsage()
			return 0
		default:
			if file == "" {
				file = a
			} else {
				extra = append(extra, a)
			}
		}
	}

	if file == "" {
		printUsage()
		return 2
	}

	importer := filesystemImporter{stdPath: os.Getenv("GRACE_STD_PATH")}
	c := compiler.New(importer)
	c.SetWarningsAsErrors(warnAsErr)

	prog, err := c.Compile(file)
	if verbose {
		for _, w := range c.Warnings() {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
	}
	if err != nil {
		for _, e := range c.Errors() {
			fmt.Fprintf(os.Stderr, "%s\n", e)
		}
		return 1
	}

	machine := vm.New(prog)
	natives.Register(machine)

	if err := machine.Run(extra); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Println("grace - the Grace scripting language")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  grace <file.gr> [args...] [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -v,  --verbose          print compile warnings")
	fmt.Println("  -we, --warnings-error   elevate warnings to errors")
	fmt.Println("  -V,  --version          print version")
	fmt.Println("  -h,  --help             show this help")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  GRACE_STD_PATH            root of the standard library for std::... imports")
	fmt.Println("  GRACE_SHOW_FULL_CALLSTACK if set, print the entire call stack on runtime error")
}
