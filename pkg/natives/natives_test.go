package natives

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gracelang/grace/pkg/value"
)

func call(t *testing.T, name string, args ...value.Value) value.Value {
	t.Helper()
	for _, n := range Table {
		if n.Name == name {
			v, err := n.Fn(args)
			require.NoError(t, err)
			return v
		}
	}
	t.Fatalf("no native registered as %q", name)
	return value.Value{}
}

func TestHashing(t *testing.T) {
	sha := call(t, "sha256_hex", value.StringValue("test"))
	assert.Len(t, sha.S, 64)

	md5 := call(t, "md5_hex", value.StringValue("test"))
	assert.Len(t, md5.S, 32)
}

func TestGzipRoundTrip(t *testing.T) {
	compressed := call(t, "gzip_compress", value.StringValue("hello, grace"))
	decompressed := call(t, "gzip_decompress", compressed)
	assert.Equal(t, "hello, grace", decompressed.S)
}

func TestJSONRoundTrip(t *testing.T) {
	list := value.ObjectValue(value.NewList([]value.Value{value.IntValue(1), value.IntValue(2), value.IntValue(3)}))
	encoded := call(t, "json_encode", list)
	assert.Equal(t, "[1,2,3]", encoded.S)

	decoded := call(t, "json_decode", value.StringValue(`{"a":1,"b":"two"}`))
	require.True(t, decoded.IsObject())
	dict, ok := decoded.O.(*value.Dictionary)
	require.True(t, ok)
	a, found := dict.Get(value.StringValue("a"))
	require.True(t, found)
	assert.Equal(t, int64(1), a.I)
	b, found := dict.Get(value.StringValue("b"))
	require.True(t, found)
	assert.Equal(t, "two", b.S)
}

func TestRegex(t *testing.T) {
	matched := call(t, "regex_match", value.StringValue(`^\d+$`), value.StringValue("12345"))
	assert.True(t, matched.B)

	all := call(t, "regex_find_all", value.StringValue(`\d+`), value.StringValue("a1 b22 c333"))
	list := all.O.(*value.List)
	require.Len(t, list.Elements, 3)
	assert.Equal(t, "333", list.Elements[2].S)

	replaced := call(t, "regex_replace", value.StringValue(`\s+`), value.StringValue("a  b   c"), value.StringValue("_"))
	assert.Equal(t, "a_b_c", replaced.S)
}

func TestTimeFormatAndParseRoundTrip(t *testing.T) {
	ts := call(t, "time_unix", value.StringValue("2024-01-15"), value.StringValue("date"))
	formatted := call(t, "time_format", ts, value.StringValue("date"))
	assert.Equal(t, "2024-01-15", formatted.S)
}

func TestRandomIntWithinBounds(t *testing.T) {
	for i := 0; i < 20; i++ {
		n := call(t, "random_int", value.IntValue(5), value.IntValue(10))
		assert.GreaterOrEqual(t, n.I, int64(5))
		assert.LessOrEqual(t, n.I, int64(10))
	}
}

func TestFileReadWriteExistsDelete(t *testing.T) {
	path := t.TempDir() + "/native.txt"
	call(t, "file_write", value.StringValue(path), value.StringValue("payload"))

	exists := call(t, "file_exists", value.StringValue(path))
	assert.True(t, exists.B)

	content := call(t, "file_read", value.StringValue(path))
	assert.Equal(t, "payload", content.S)

	call(t, "file_delete", value.StringValue(path))
	exists = call(t, "file_exists", value.StringValue(path))
	assert.False(t, exists.B)
}

func TestStringHelpers(t *testing.T) {
	assert.Equal(t, int64(5), call(t, "length", value.StringValue("héllo")).I)
	assert.Equal(t, "HELLO", call(t, "uppercase", value.StringValue("Hello")).S)
	assert.Equal(t, "hello", call(t, "lowercase", value.StringValue("Hello")).S)
	assert.Equal(t, int64(1), call(t, "find", value.StringValue("héllo"), value.StringValue("é")).I)
	assert.Equal(t, int64(-1), call(t, "find", value.StringValue("hello"), value.StringValue("z")).I)
	assert.Equal(t, "heLLo", call(t, "replace", value.StringValue("hello"), value.StringValue("ll"), value.StringValue("LL")).S)
	assert.Equal(t, "ell", call(t, "splice", value.StringValue("hello"), value.IntValue(1), value.IntValue(4)).S)
}

func TestSpliceOutOfRangeRaisesIndexOutOfRange(t *testing.T) {
	for _, n := range Table {
		if n.Name == "splice" {
			_, err := n.Fn([]value.Value{value.StringValue("hi"), value.IntValue(0), value.IntValue(9)})
			require.Error(t, err)
			ex, ok := err.(*value.Exception)
			require.True(t, ok)
			assert.Equal(t, value.IndexOutOfRange, ex.Kind)
			return
		}
	}
	t.Fatal("splice not registered")
}
