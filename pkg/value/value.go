// Package value implements Grace's runtime value representation: a tagged
// union over the primitive kinds plus the heap object kinds the bytecode
// depends on (List, Dictionary, Set, Range, KeyValuePair, Instance,
// Exception, Function, Iterator).
package value

import (
	"fmt"
	"strings"
)

// Tag identifies which alternative of the Value union is populated.
type Tag byte

const (
	Bool Tag = iota
	Char
	Int
	Float
	String
	Null
	Obj
)

func (t Tag) String() string {
	switch t {
	case Bool:
		return "Bool"
	case Char:
		return "Char"
	case Int:
		return "Int"
	case Float:
		return "Float"
	case String:
		return "String"
	case Null:
		return "Null"
	case Obj:
		return "Object"
	default:
		return "Unknown"
	}
}

// Value is Grace's dynamically-typed runtime value. Exactly one of the
// payload fields is meaningful, selected by Tag. Values are copied by value;
// copying a Value of kind Obj increments the referenced Object's refcount
// (see Retain/Release in cycle.go) and dropping it decrements it.
type Value struct {
	Tag Tag
	B   bool
	C   rune
	I   int64
	F   float64
	S   string
	O   Object
}

func NullValue() Value           { return Value{Tag: Null} }
func BoolValue(b bool) Value     { return Value{Tag: Bool, B: b} }
func CharValue(c rune) Value     { return Value{Tag: Char, C: c} }
func IntValue(i int64) Value     { return Value{Tag: Int, I: i} }
func FloatValue(f float64) Value { return Value{Tag: Float, F: f} }
func StringValue(s string) Value { return Value{Tag: String, S: s} }

// ObjectValue wraps a heap Object and retains it, matching the copy-retains
// discipline the reference-counting scheme requires.
func ObjectValue(o Object) Value {
	Retain(o)
	return Value{Tag: Obj, O: o}
}

// Object is the common interface every heap object kind satisfies. Refcount
// bookkeeping lives alongside each concrete type so destruction can cascade
// into contained Values (see Release in cycle.go).
type Object interface {
	// ObjectName returns the kind name Typename/typename(x) report, e.g.
	// "List", "Dictionary", "Point" for a user-defined class instance.
	ObjectName() string
	refs() *int
	children() []*Value
}

func (v Value) IsObject() bool { return v.Tag == Obj }

// Typename returns the name Grace's typename() builtin and the Typename op
// report: the canonical primitive name, or the object's ObjectName.
func (v Value) Typename() string {
	switch v.Tag {
	case Bool:
		return "Bool"
	case Char:
		return "Char"
	case Int:
		return "Int"
	case Float:
		return "Float"
	case String:
		return "String"
	case Null:
		return "Null"
	case Obj:
		return v.O.ObjectName()
	default:
		return "Unknown"
	}
}

func (v Value) String() string {
	switch v.Tag {
	case Bool:
		if v.B {
			return "true"
		}
		return "false"
	case Char:
		return string(v.C)
	case Int:
		return fmt.Sprintf("%d", v.I)
	case Float:
		return fmt.Sprintf("%g", v.F)
	case String:
		return v.S
	case Null:
		return "null"
	case Obj:
		return objectString(v.O, map[Object]bool{})
	default:
		return "<invalid>"
	}
}

// elementString renders v the way it appears nested inside a container:
// String/Char are quoted (matching a dict/list literal's own syntax), and an
// Object that is already in ancestors - meaning rendering it would recurse
// back into a container currently being printed - is replaced by a bracket
// placeholder instead of being followed, the cycle-safe substitution
// grace_list.cpp's ToString performs.
func elementString(v Value, ancestors map[Object]bool) string {
	switch v.Tag {
	case String:
		return `"` + v.S + `"`
	case Char:
		return "'" + string(v.C) + "'"
	case Obj:
		if ancestors[v.O] {
			switch v.O.(type) {
			case *List:
				return "[...]"
			case *Dictionary, *Set:
				return "{...}"
			case *KeyValuePair:
				return "(...)"
			}
		}
		return objectString(v.O, ancestors)
	default:
		return v.String()
	}
}

// objectString dispatches to each Object kind's own rendering. ancestors
// tracks every container currently being rendered on this call stack so
// elementString can substitute a placeholder instead of looping forever on
// a self-referencing structure.
func objectString(o Object, ancestors map[Object]bool) string {
	switch t := o.(type) {
	case *List:
		return t.toString(ancestors)
	case *Dictionary:
		return t.toString(ancestors)
	case *Set:
		return t.toString(ancestors)
	case *KeyValuePair:
		return t.toString(ancestors)
	case *Instance:
		return t.toString(ancestors)
	case *Range:
		return t.toString()
	case *Exception:
		return t.Error()
	case *Function:
		return t.toString()
	case *Iterator:
		return t.toString()
	default:
		return o.ObjectName()
	}
}

// List is an ordered sequence of Values. It tracks outstanding iterators so
// that Append, its one structural mutation, invalidates them.
type List struct {
	Elements  []Value
	rc        int
	iterators []*Iterator
}

func NewList(elems []Value) *List {
	l := &List{Elements: elems}
	for i := range l.Elements {
		Retain(l.Elements[i].O)
	}
	return l
}

func (l *List) ObjectName() string { return "List" }
func (l *List) refs() *int         { return &l.rc }
func (l *List) children() []*Value {
	cs := make([]*Value, len(l.Elements))
	for i := range l.Elements {
		cs[i] = &l.Elements[i]
	}
	return cs
}

// invalidateIterators marks every iterator currently bound to this List as
// stale; called on any structural mutation, per the iteration contract.
func (l *List) invalidateIterators() {
	for _, it := range l.iterators {
		it.Valid = false
	}
	l.iterators = nil
}

func (l *List) Append(v Value) {
	Retain(v.O)
	l.Elements = append(l.Elements, v)
	l.invalidateIterators()
}

func (l *List) registerIterator(it *Iterator) { l.iterators = append(l.iterators, it) }

// toString renders "[e1, e2, ...]", substituting a placeholder for any
// element that would recurse back into l or one of its own ancestors.
func (l *List) toString(ancestors map[Object]bool) string {
	ancestors[l] = true
	defer delete(ancestors, l)

	var b strings.Builder
	b.WriteByte('[')
	for i, el := range l.Elements {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(elementString(el, ancestors))
	}
	b.WriteByte(']')
	return b.String()
}

// CellState is the open-addressing slot state shared by Dictionary and Set.
type CellState byte

const (
	NeverUsed CellState = iota
	Tombstone
	Occupied
)

// KeyValuePair is a (key, value) cell with independent lifetimes; owned by
// the Dictionary that created it, not the other way round.
type KeyValuePair struct {
	Key, Val Value
	rc       int
}

func NewKeyValuePair(k, v Value) *KeyValuePair {
	Retain(k.O)
	Retain(v.O)
	return &KeyValuePair{Key: k, Val: v}
}

func (p *KeyValuePair) ObjectName() string { return "KeyValuePair" }
func (p *KeyValuePair) refs() *int         { return &p.rc }
func (p *KeyValuePair) children() []*Value { return []*Value{&p.Key, &p.Val} }

// toString renders "{key: val}", the same delimiter a Dictionary wraps each
// of its entries in.
func (p *KeyValuePair) toString(ancestors map[Object]bool) string {
	ancestors[p] = true
	defer delete(ancestors, p)
	return "{" + elementString(p.Key, ancestors) + ": " + elementString(p.Val, ancestors) + "}"
}

type dictCell struct {
	state CellState
	key   Value
	val   Value
}

// Dictionary is an open-addressed hash table of key/value cells. It grows
// when the load factor reaches 0.75 and rehashing invalidates outstanding
// iterators.
type Dictionary struct {
	cells     []dictCell
	count     int
	tombs     int
	rc        int
	iterators []*Iterator
}

const initialTableSize = 8

func NewDictionary() *Dictionary {
	return &Dictionary{cells: make([]dictCell, initialTableSize)}
}

func (d *Dictionary) ObjectName() string { return "Dictionary" }
func (d *Dictionary) refs() *int         { return &d.rc }
func (d *Dictionary) children() []*Value {
	cs := make([]*Value, 0, d.count*2)
	for i := range d.cells {
		if d.cells[i].state == Occupied {
			cs = append(cs, &d.cells[i].key, &d.cells[i].val)
		}
	}
	return cs
}

func (d *Dictionary) invalidateIterators() {
	for _, it := range d.iterators {
		it.Valid = false
	}
	d.iterators = nil
}

func (d *Dictionary) registerIterator(it *Iterator) { d.iterators = append(d.iterators, it) }

func (d *Dictionary) findSlot(k Value) (idx int, found bool) {
	h := HashKey(k)
	firstTomb := -1
	n := len(d.cells)
	for i := 0; i < n; i++ {
		slot := int((h + uint64(i)) % uint64(n))
		c := &d.cells[slot]
		switch c.state {
		case NeverUsed:
			if firstTomb >= 0 {
				return firstTomb, false
			}
			return slot, false
		case Tombstone:
			if firstTomb < 0 {
				firstTomb = slot
			}
		case Occupied:
			if Equal(c.key, k) {
				return slot, true
			}
		}
	}
	return firstTomb, false
}

func (d *Dictionary) maybeGrow() {
	if float64(d.count+d.tombs+1) < 0.75*float64(len(d.cells)) {
		return
	}
	old := d.cells
	d.cells = make([]dictCell, len(old)*2)
	d.count = 0
	d.tombs = 0
	for _, c := range old {
		if c.state == Occupied {
			d.Set(c.key, c.val)
		}
	}
	d.invalidateIterators()
}

// Set inserts or replaces the value for k, retaining both per the copy
// discipline.
func (d *Dictionary) Set(k, v Value) {
	d.maybeGrow()
	idx, found := d.findSlot(k)
	if found {
		Release(d.cells[idx].val.O)
		Retain(v.O)
		d.cells[idx].val = v
		return
	}
	Retain(k.O)
	Retain(v.O)
	if d.cells[idx].state == Tombstone {
		d.tombs--
	}
	d.cells[idx] = dictCell{state: Occupied, key: k, val: v}
	d.count++
	d.invalidateIterators()
}

func (d *Dictionary) Get(k Value) (Value, bool) {
	idx, found := d.findSlot(k)
	if !found {
		return Value{}, false
	}
	return d.cells[idx].val, true
}

func (d *Dictionary) Delete(k Value) bool {
	idx, found := d.findSlot(k)
	if !found {
		return false
	}
	Release(d.cells[idx].key.O)
	Release(d.cells[idx].val.O)
	d.cells[idx] = dictCell{state: Tombstone}
	d.count--
	d.tombs++
	d.invalidateIterators()
	return true
}

func (d *Dictionary) Len() int { return d.count }

// Pairs returns the occupied cells in storage order, for iteration.
func (d *Dictionary) Pairs() []KeyValuePair {
	out := make([]KeyValuePair, 0, d.count)
	for _, c := range d.cells {
		if c.state == Occupied {
			out = append(out, KeyValuePair{Key: c.key, Val: c.val})
		}
	}
	return out
}

// toString renders "{k1: v1, k2: v2, ...}", substituting a placeholder for
// any key or value that would recurse back into d or one of its ancestors.
func (d *Dictionary) toString(ancestors map[Object]bool) string {
	ancestors[d] = true
	defer delete(ancestors, d)

	var b strings.Builder
	b.WriteByte('{')
	i := 0
	for _, c := range d.cells {
		if c.state != Occupied {
			continue
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(elementString(c.key, ancestors))
		b.WriteString(": ")
		b.WriteString(elementString(c.val, ancestors))
		i++
	}
	b.WriteByte('}')
	return b.String()
}

// Set is a hash set sharing the Dictionary's open-addressing cell discipline,
// storing bare Values rather than key/value pairs.
type Set struct {
	cells     []setCell
	count     int
	tombs     int
	rc        int
	iterators []*Iterator
}

type setCell struct {
	state CellState
	val   Value
}

func NewSet() *Set {
	return &Set{cells: make([]setCell, initialTableSize)}
}

func (s *Set) ObjectName() string { return "Set" }
func (s *Set) refs() *int         { return &s.rc }
func (s *Set) children() []*Value {
	cs := make([]*Value, 0, s.count)
	for i := range s.cells {
		if s.cells[i].state == Occupied {
			cs = append(cs, &s.cells[i].val)
		}
	}
	return cs
}

func (s *Set) invalidateIterators() {
	for _, it := range s.iterators {
		it.Valid = false
	}
	s.iterators = nil
}

func (s *Set) registerIterator(it *Iterator) { s.iterators = append(s.iterators, it) }

func (s *Set) findSlot(v Value) (int, bool) {
	h := HashKey(v)
	firstTomb := -1
	n := len(s.cells)
	for i := 0; i < n; i++ {
		slot := int((h + uint64(i)) % uint64(n))
		c := &s.cells[slot]
		switch c.state {
		case NeverUsed:
			if firstTomb >= 0 {
				return firstTomb, false
			}
			return slot, false
		case Tombstone:
			if firstTomb < 0 {
				firstTomb = slot
			}
		case Occupied:
			if Equal(c.val, v) {
				return slot, true
			}
		}
	}
	return firstTomb, false
}

func (s *Set) maybeGrow() {
	if float64(s.count+s.tombs+1) < 0.75*float64(len(s.cells)) {
		return
	}
	old := s.cells
	s.cells = make([]setCell, len(old)*2)
	s.count = 0
	s.tombs = 0
	for _, c := range old {
		if c.state == Occupied {
			s.Add(c.val)
		}
	}
	s.invalidateIterators()
}

func (s *Set) Add(v Value) bool {
	s.maybeGrow()
	idx, found := s.findSlot(v)
	if found {
		return false
	}
	Retain(v.O)
	if s.cells[idx].state == Tombstone {
		s.tombs--
	}
	s.cells[idx] = setCell{state: Occupied, val: v}
	s.count++
	s.invalidateIterators()
	return true
}

func (s *Set) Contains(v Value) bool {
	_, found := s.findSlot(v)
	return found
}

func (s *Set) Delete(v Value) bool {
	idx, found := s.findSlot(v)
	if !found {
		return false
	}
	Release(s.cells[idx].val.O)
	s.cells[idx] = setCell{state: Tombstone}
	s.count--
	s.tombs++
	s.invalidateIterators()
	return true
}

func (s *Set) Len() int { return s.count }

func (s *Set) Values() []Value {
	out := make([]Value, 0, s.count)
	for _, c := range s.cells {
		if c.state == Occupied {
			out = append(out, c.val)
		}
	}
	return out
}

// toString renders "{v1, v2, ...}", substituting a placeholder for any
// member that would recurse back into s or one of its ancestors.
func (s *Set) toString(ancestors map[Object]bool) string {
	ancestors[s] = true
	defer delete(ancestors, s)

	var b strings.Builder
	b.WriteByte('{')
	i := 0
	for _, c := range s.cells {
		if c.state != Occupied {
			continue
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(elementString(c.val, ancestors))
		i++
	}
	b.WriteByte('}')
	return b.String()
}

// Range is a lazy arithmetic progression. Direction is inferred from the
// sign of Increment; iteration stops at Max, exclusive.
type Range struct {
	Min, Max, Increment int64
	rc                  int
}

func NewRange(min, max, inc int64) *Range { return &Range{Min: min, Max: max, Increment: inc} }

func (r *Range) ObjectName() string { return "Range" }
func (r *Range) refs() *int         { return &r.rc }
func (r *Range) children() []*Value { return nil }

// toString renders "[min..max by increment]"; a Range has no children so it
// can never take part in a reference cycle.
func (r *Range) toString() string {
	return fmt.Sprintf("[%d..%d by %d]", r.Min, r.Max, r.Increment)
}

// Instance is {class-name, ordered members}, produced by a class's
// synthesised constructor function.
type Instance struct {
	ClassName  string
	FieldNames []string
	Fields     map[string]Value
	rc         int
}

func NewInstance(className string, fieldNames []string, fields map[string]Value) *Instance {
	for _, n := range fieldNames {
		Retain(fields[n].O)
	}
	return &Instance{ClassName: className, FieldNames: fieldNames, Fields: fields}
}

func (i *Instance) ObjectName() string { return i.ClassName }
func (i *Instance) refs() *int         { return &i.rc }
func (i *Instance) children() []*Value {
	cs := make([]*Value, 0, len(i.FieldNames))
	for _, n := range i.FieldNames {
		v := i.Fields[n]
		cs = append(cs, &v)
	}
	return cs
}

// toString renders "ClassName [ field: value, ... ]".
func (i *Instance) toString(ancestors map[Object]bool) string {
	ancestors[i] = true
	defer delete(ancestors, i)

	var b strings.Builder
	b.WriteString(i.ClassName)
	b.WriteString(" [ ")
	for idx, n := range i.FieldNames {
		if idx > 0 {
			b.WriteString(", ")
		}
		b.WriteString(n)
		b.WriteString(": ")
		b.WriteString(elementString(i.Fields[n], ancestors))
	}
	b.WriteString(" ]")
	return b.String()
}

// ErrorKind is the closed taxonomy of runtime error conditions from
// a closed set, not an open-ended error string.
type ErrorKind string

const (
	AssertionFailed            ErrorKind = "AssertionFailed"
	FunctionNotFound           ErrorKind = "FunctionNotFound"
	FunctionNotExported        ErrorKind = "FunctionNotExported"
	NamespaceNotFound          ErrorKind = "NamespaceNotFound"
	IncorrectArgCount          ErrorKind = "IncorrectArgCount"
	InvalidArgument            ErrorKind = "InvalidArgument"
	InvalidType                ErrorKind = "InvalidType"
	InvalidOperand             ErrorKind = "InvalidOperand"
	InvalidCast                ErrorKind = "InvalidCast"
	InvalidCollectionOperation ErrorKind = "InvalidCollectionOperation"
	InvalidIterator            ErrorKind = "InvalidIterator"
	IndexOutOfRange            ErrorKind = "IndexOutOfRange"
	KeyNotFound                ErrorKind = "KeyNotFound"
	MemberNotFound             ErrorKind = "MemberNotFound"
	FileWriteFailed            ErrorKind = "FileWriteFailed"
	ThrownException            ErrorKind = "ThrownException"
)

// Exception is {kind-tag, message}; both a runtime-raised error value and a
// first-class Grace Value so it can be caught and bound by name
// in a catch clause.
type Exception struct {
	Kind    ErrorKind
	Message string
	rc      int
}

func NewException(kind ErrorKind, message string) *Exception {
	return &Exception{Kind: kind, Message: message}
}

func (e *Exception) ObjectName() string { return "Exception" }
func (e *Exception) refs() *int         { return &e.rc }
func (e *Exception) children() []*Value { return nil }
func (e *Exception) Error() string      { return string(e.Kind) + ": " + e.Message }

// Throw wraps an Exception as the Value the VM pushes/propagates.
func Throw(kind ErrorKind, format string, args ...interface{}) Value {
	return ObjectValue(NewException(kind, fmt.Sprintf(format, args...)))
}
