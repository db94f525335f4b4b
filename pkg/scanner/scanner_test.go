package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextToken_Punctuation(t *testing.T) {
	tests := []struct {
		input    string
		expected Kind
	}{
		{"(", LParen}, {")", RParen}, {"[", LBracket}, {"]", RBracket},
		{"{", LBrace}, {"}", RBrace}, {"::", ColonColon}, {":", Colon},
		{"..", DotDot}, {".", Dot}, {"==", Equal}, {"=", Assign},
		{"!=", NotEqual}, {"<=", LessEqual}, {"<<", ShiftLeft}, {"<", Less},
		{">=", GreaterEqual}, {">>", ShiftRight}, {">", Greater},
		{"**", StarStar}, {"+=", PlusAssign}, {"+", Plus},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			s := New("t.gr", tt.input)
			tok := s.NextToken()
			assert.Equal(t, tt.expected, tok.Kind)
		})
	}
}

func TestNextToken_Keywords(t *testing.T) {
	s := New("t.gr", "func if else end while for import class const")
	want := []Kind{Func, If, Else, End, While, For, Import, Class, Const, EOF}
	for _, k := range want {
		tok := s.NextToken()
		assert.Equal(t, k, tok.Kind)
	}
}

func TestNextToken_Numbers(t *testing.T) {
	s := New("t.gr", "42 3.14 0x1F 0b101")
	tok := s.NextToken()
	require.Equal(t, Integer, tok.Kind)
	assert.Equal(t, "42", tok.Text)

	tok = s.NextToken()
	require.Equal(t, Float, tok.Kind)
	assert.Equal(t, "3.14", tok.Text)

	tok = s.NextToken()
	require.Equal(t, Integer, tok.Kind)
	assert.Equal(t, "0x1F", tok.Text)

	tok = s.NextToken()
	require.Equal(t, Integer, tok.Kind)
	assert.Equal(t, "0b101", tok.Text)
}

func TestNextToken_StringAndChar(t *testing.T) {
	s := New("t.gr", `"hello\nworld" 'c' '\n'`)
	tok := s.NextToken()
	require.Equal(t, String, tok.Kind)
	assert.Equal(t, "hello\nworld", tok.Text)

	tok = s.NextToken()
	require.Equal(t, Char, tok.Kind)
	assert.Equal(t, "c", tok.Text)

	tok = s.NextToken()
	require.Equal(t, Char, tok.Kind)
	assert.Equal(t, "\n", tok.Text)
}

func TestNextToken_SkipsComments(t *testing.T) {
	s := New("t.gr", "// a line comment\n/* a block\ncomment */ 42")
	tok := s.NextToken()
	require.Equal(t, Integer, tok.Kind)
	assert.Equal(t, "42", tok.Text)
}

func TestTokenize_UnterminatedStringIsError(t *testing.T) {
	s := New("t.gr", `"oops`)
	_, err := s.Tokenize()
	require.Error(t, err)
}

func TestGetCodeAtLine(t *testing.T) {
	s := New("t.gr", "line one\nline two\nline three")
	assert.Equal(t, "line two", s.GetCodeAtLine(2))
}

func TestStack_PushPop(t *testing.T) {
	var st Stack
	a := New("a.gr", "")
	b := New("b.gr", "")
	st.Push(a)
	st.Push(b)
	require.Equal(t, 2, st.Len())
	assert.Equal(t, b, st.Top())
	assert.Equal(t, b, st.Pop())
	assert.Equal(t, a, st.Pop())
	assert.Equal(t, 0, st.Len())
}
