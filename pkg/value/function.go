package value

// CodeBuffer is an opaque op-buffer slot typed as interface{}, so pkg/value
// needs no import of pkg/bytecode (which itself imports pkg/value for the
// constant pool).
type CodeBuffer interface{}

// Function is {name, arity, defining-file, exported?, op-buffer,
// const-buffer, assigned op-start, assigned const-start}.
// Code is opaque here so pkg/value has no import dependency on
// pkg/bytecode. The compiler and VM work with bytecode.Function directly
// and do not create these objects.
type Function struct {
	Name         string
	Arity        int
	File         string
	Exported     bool
	IsExtension  bool
	ReceiverType string
	Code         CodeBuffer
	rc           int
}

func NewFunction(name string, arity int, file string, exported bool) *Function {
	return &Function{Name: name, Arity: arity, File: file, Exported: exported}
}

func (f *Function) ObjectName() string { return "Function" }
func (f *Function) refs() *int         { return &f.rc }
func (f *Function) children() []*Value { return nil }

func (f *Function) toString() string { return "<function " + f.Name + ">" }
