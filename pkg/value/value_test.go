package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValue_StringPrimitives(t *testing.T) {
	assert.Equal(t, "true", BoolValue(true).String())
	assert.Equal(t, "42", IntValue(42).String())
	assert.Equal(t, "hello", StringValue("hello").String())
	assert.Equal(t, "null", NullValue().String())
}

func TestValue_ListStringQuotesNestedStringsAndChars(t *testing.T) {
	l := NewList([]Value{IntValue(1), StringValue("a"), CharValue('x')})
	got := ObjectValue(l).String()
	assert.Equal(t, `[1, "a", 'x']`, got)
}

func TestValue_DictionaryStringRendersKeyColonValue(t *testing.T) {
	d := NewDictionary()
	d.Set(StringValue("a"), IntValue(1))
	got := ObjectValue(d).String()
	assert.Equal(t, `{"a": 1}`, got)
}

func TestValue_SetStringRendersBraceList(t *testing.T) {
	s := NewSet()
	s.Add(IntValue(1))
	got := ObjectValue(s).String()
	assert.Equal(t, "{1}", got)
}

func TestValue_RangeString(t *testing.T) {
	r := NewRange(1, 5, 1)
	assert.Equal(t, "[1..5 by 1]", ObjectValue(r).String())
}

func TestValue_InstanceString(t *testing.T) {
	i := NewInstance("Point", []string{"x", "y"}, map[string]Value{
		"x": IntValue(3),
		"y": IntValue(4),
	})
	assert.Equal(t, "Point [ x: 3, y: 4 ]", ObjectValue(i).String())
}

// A list that contains itself must render the cycle placeholder instead of
// recursing forever.
func TestValue_ListStringSubstitutesPlaceholderForSelfReference(t *testing.T) {
	l := NewList([]Value{IntValue(1)})
	self := ObjectValue(l)
	l.Append(self)
	Release(self.O)

	got := ObjectValue(l).String()
	assert.Equal(t, "[1, [...]]", got)
}

func TestValue_DictionaryStringSubstitutesPlaceholderForSelfReference(t *testing.T) {
	d := NewDictionary()
	self := ObjectValue(d)
	d.Set(StringValue("self"), self)
	Release(self.O)

	got := ObjectValue(d).String()
	assert.Equal(t, `{"self": {...}}`, got)
}
