package value

// Iterator references its iterable, holds a cursor, and remembers which
// iterable kind it came from; invalidated by structural mutation of the
// iterable. Valid is cleared by the owning container's
// invalidateIterators whenever the container is mutated.
type Iterator struct {
	Kind     string // "List", "Dictionary", "Set", "Range"
	Valid    bool
	cursor   int
	list     *List
	dict     *Dictionary
	dictRows []KeyValuePair
	set      *Set
	setRows  []Value
	rng      *Range
	rngCur   int64
	rc       int
}

func (it *Iterator) ObjectName() string { return "Iterator" }
func (it *Iterator) refs() *int         { return &it.rc }
func (it *Iterator) children() []*Value { return nil }

// toString renders the value at the iterator's current position, matching
// GraceIterator::ToString delegating to GetValue().
func (it *Iterator) toString() string {
	if !it.Valid || !it.HasNext() {
		return "<iterator>"
	}
	return it.Current().String()
}

// NewListIterator begins iteration over l and registers with it so
// mutation invalidates this iterator.
func NewListIterator(l *List) *Iterator {
	it := &Iterator{Kind: "List", Valid: true, list: l}
	l.registerIterator(it)
	return it
}

func NewDictionaryIterator(d *Dictionary) *Iterator {
	it := &Iterator{Kind: "Dictionary", Valid: true, dict: d, dictRows: d.Pairs()}
	d.registerIterator(it)
	return it
}

func NewSetIterator(s *Set) *Iterator {
	it := &Iterator{Kind: "Set", Valid: true, set: s, setRows: s.Values()}
	s.registerIterator(it)
	return it
}

func NewRangeIterator(r *Range) *Iterator {
	return &Iterator{Kind: "Range", Valid: true, rng: r, rngCur: r.Min}
}

// HasNext reports whether CheckIteratorEnd should push true. For Range the
// cursor is held directly on the iterator and compared against Max
// (exclusive).
func (it *Iterator) HasNext() bool {
	switch it.Kind {
	case "List":
		return it.cursor < len(it.list.Elements)
	case "Dictionary":
		return it.cursor < len(it.dictRows)
	case "Set":
		return it.cursor < len(it.setRows)
	case "Range":
		if it.rng.Increment >= 0 {
			return it.rngCur < it.rng.Max
		}
		return it.rngCur > it.rng.Max
	}
	return false
}

// Current returns the value the single iterator-variable form binds, and for
// Dictionary the KeyValuePair it yields (callers needing the two-variable
// unpacking form use CurrentPair instead).
func (it *Iterator) Current() Value {
	switch it.Kind {
	case "List":
		return it.list.Elements[it.cursor]
	case "Dictionary":
		p := it.dictRows[it.cursor]
		return ObjectValue(NewKeyValuePair(p.Key, p.Val))
	case "Set":
		return it.setRows[it.cursor]
	case "Range":
		return IntValue(it.rngCur)
	}
	return NullValue()
}

// CurrentPair returns the (key, value) pair for the two-iterator-variable
// Dictionary form.
func (it *Iterator) CurrentPair() (Value, Value) {
	p := it.dictRows[it.cursor]
	return p.Key, p.Val
}

func (it *Iterator) Advance() {
	switch it.Kind {
	case "Range":
		it.rngCur += it.rng.Increment
	default:
		it.cursor++
	}
}
