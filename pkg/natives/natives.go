// Package natives is the native-function registry: small Go-native
// functions invoked as opaque leaf calls from Grace source, covering the
// surface a scripting VM leaves to its host rather than reimplementing
// (file I/O, JSON, regex, date/time, random numbers, hashing, compression,
// a single synchronous HTTP GET, and string utilities). Every entry is
// {name, arity, func(args []value.Value) (value.Value, error)}; Register
// installs the whole table into a *vm.VM via RegisterNative. A
// *value.Exception returned from Fn is thrown as a catchable Grace
// exception; any other Go error stops the VM's Run and is returned from it
// as is.
package natives

import (
	"compress/gzip"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/gracelang/grace/pkg/value"
	"github.com/gracelang/grace/pkg/vm"
)

// Native is one registry entry: its Grace-visible name, its expected
// argument count (for documentation; Fn itself validates at call time), and
// the implementation.
type Native struct {
	Name  string
	Arity int
	Fn    func(args []value.Value) (value.Value, error)
}

// Register installs every Native in Table into machine, so Grace source can
// call them as ordinary unqualified function calls.
func Register(machine *vm.VM) {
	for _, n := range Table {
		machine.RegisterNative(n.Name, n.Fn)
	}
}

// Table is the full native-function surface.
var Table = []Native{
	{"file_read", 1, fileRead},
	{"file_write", 2, fileWrite},
	{"file_exists", 1, fileExists},
	{"file_delete", 1, fileDelete},

	{"json_encode", 1, jsonEncode},
	{"json_decode", 1, jsonDecode},

	{"regex_match", 2, regexMatch},
	{"regex_find_all", 2, regexFindAll},
	{"regex_replace", 3, regexReplace},

	{"time_now", 0, timeNow},
	{"time_unix", 2, timeUnix},
	{"time_format", 2, timeFormat},

	{"random_int", 2, randomInt},
	{"random_bytes", 1, randomBytes},

	{"sha256_hex", 1, sha256Hex},
	{"md5_hex", 1, md5Hex},

	{"gzip_compress", 1, gzipCompress},
	{"gzip_decompress", 1, gzipDecompress},

	{"http_get", 1, httpGet},

	{"system_exit", 1, systemExit},

	{"length", 1, length},
	{"uppercase", 1, uppercase},
	{"lowercase", 1, lowercase},
	{"find", 2, find},
	{"replace", 3, replace},
	{"splice", 3, splice},
}

func arity(name string, args []value.Value, want int) error {
	if len(args) != want {
		return value.NewException(value.IncorrectArgCount,
			fmt.Sprintf("%s expects %d argument(s), got %d", name, want, len(args)))
	}
	return nil
}

func argString(name string, args []value.Value, i int) (string, error) {
	v := args[i]
	if v.Tag != value.String {
		return "", value.NewException(value.InvalidArgument,
			fmt.Sprintf("%s: argument %d must be a String, got %s", name, i, v.Typename()))
	}
	return v.S, nil
}

func argInt(name string, args []value.Value, i int) (int64, error) {
	v := args[i]
	if v.Tag != value.Int {
		return 0, value.NewException(value.InvalidArgument,
			fmt.Sprintf("%s: argument %d must be an Int, got %s", name, i, v.Typename()))
	}
	return v.I, nil
}

// --- File I/O ---

func fileRead(args []value.Value) (value.Value, error) {
	if err := arity("file_read", args, 1); err != nil {
		return value.Value{}, err
	}
	path, err := argString("file_read", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return value.Value{}, value.NewException(value.FileWriteFailed, fmt.Sprintf("failed to read %q: %v", path, rerr))
	}
	return value.StringValue(string(data)), nil
}

func fileWrite(args []value.Value) (value.Value, error) {
	if err := arity("file_write", args, 2); err != nil {
		return value.Value{}, err
	}
	path, err := argString("file_write", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	content, err := argString("file_write", args, 1)
	if err != nil {
		return value.Value{}, err
	}
	if werr := os.WriteFile(path, []byte(content), 0644); werr != nil {
		return value.Value{}, value.NewException(value.FileWriteFailed, fmt.Sprintf("failed to write %q: %v", path, werr))
	}
	return value.NullValue(), nil
}

func fileExists(args []value.Value) (value.Value, error) {
	if err := arity("file_exists", args, 1); err != nil {
		return value.Value{}, err
	}
	path, err := argString("file_exists", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	_, statErr := os.Stat(path)
	return value.BoolValue(statErr == nil), nil
}

func fileDelete(args []value.Value) (value.Value, error) {
	if err := arity("file_delete", args, 1); err != nil {
		return value.Value{}, err
	}
	path, err := argString("file_delete", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	if rerr := os.Remove(path); rerr != nil {
		return value.Value{}, value.NewException(value.FileWriteFailed, fmt.Sprintf("failed to delete %q: %v", path, rerr))
	}
	return value.NullValue(), nil
}

// --- JSON ---

// toJSONInterface converts a Grace Value into plain Go data json.Marshal
// understands. Dictionary keys are stringified via Value.String since JSON
// object keys are always strings.
func toJSONInterface(v value.Value) (interface{}, error) {
	switch v.Tag {
	case value.Null:
		return nil, nil
	case value.Bool:
		return v.B, nil
	case value.Int:
		return v.I, nil
	case value.Float:
		return v.F, nil
	case value.String, value.Char:
		return v.String(), nil
	case value.Obj:
		switch o := v.O.(type) {
		case *value.List:
			out := make([]interface{}, len(o.Elements))
			for i, e := range o.Elements {
				conv, err := toJSONInterface(e)
				if err != nil {
					return nil, err
				}
				out[i] = conv
			}
			return out, nil
		case *value.Dictionary:
			out := make(map[string]interface{}, o.Len())
			for _, p := range o.Pairs() {
				conv, err := toJSONInterface(p.Val)
				if err != nil {
					return nil, err
				}
				out[p.Key.String()] = conv
			}
			return out, nil
		}
	}
	return nil, value.NewException(value.InvalidArgument, fmt.Sprintf("cannot encode %s as JSON", v.Typename()))
}

// fromJSONInterface is toJSONInterface's inverse: JSON numbers decode to
// Int when they carry no fractional part, Float otherwise.
func fromJSONInterface(v interface{}) value.Value {
	switch x := v.(type) {
	case nil:
		return value.NullValue()
	case bool:
		return value.BoolValue(x)
	case float64:
		if x == float64(int64(x)) {
			return value.IntValue(int64(x))
		}
		return value.FloatValue(x)
	case string:
		return value.StringValue(x)
	case []interface{}:
		elems := make([]value.Value, len(x))
		for i, e := range x {
			elems[i] = fromJSONInterface(e)
		}
		return value.ObjectValue(value.NewList(elems))
	case map[string]interface{}:
		d := value.NewDictionary()
		for k, val := range x {
			d.Set(value.StringValue(k), fromJSONInterface(val))
		}
		return value.ObjectValue(d)
	default:
		return value.NullValue()
	}
}

func jsonEncode(args []value.Value) (value.Value, error) {
	if err := arity("json_encode", args, 1); err != nil {
		return value.Value{}, err
	}
	conv, err := toJSONInterface(args[0])
	if err != nil {
		return value.Value{}, err
	}
	data, merr := json.Marshal(conv)
	if merr != nil {
		return value.Value{}, value.NewException(value.InvalidArgument, fmt.Sprintf("failed to encode JSON: %v", merr))
	}
	return value.StringValue(string(data)), nil
}

func jsonDecode(args []value.Value) (value.Value, error) {
	if err := arity("json_decode", args, 1); err != nil {
		return value.Value{}, err
	}
	s, err := argString("json_decode", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	var result interface{}
	if uerr := json.Unmarshal([]byte(s), &result); uerr != nil {
		return value.Value{}, value.NewException(value.InvalidArgument, fmt.Sprintf("failed to decode JSON: %v", uerr))
	}
	return fromJSONInterface(result), nil
}

// --- Regex ---

func regexMatch(args []value.Value) (value.Value, error) {
	if err := arity("regex_match", args, 2); err != nil {
		return value.Value{}, err
	}
	pattern, err := argString("regex_match", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	text, err := argString("regex_match", args, 1)
	if err != nil {
		return value.Value{}, err
	}
	matched, merr := regexp.MatchString(pattern, text)
	if merr != nil {
		return value.Value{}, value.NewException(value.InvalidArgument, fmt.Sprintf("invalid regex pattern: %v", merr))
	}
	return value.BoolValue(matched), nil
}

func regexFindAll(args []value.Value) (value.Value, error) {
	if err := arity("regex_find_all", args, 2); err != nil {
		return value.Value{}, err
	}
	pattern, err := argString("regex_find_all", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	text, err := argString("regex_find_all", args, 1)
	if err != nil {
		return value.Value{}, err
	}
	re, cerr := regexp.Compile(pattern)
	if cerr != nil {
		return value.Value{}, value.NewException(value.InvalidArgument, fmt.Sprintf("invalid regex pattern: %v", cerr))
	}
	matches := re.FindAllString(text, -1)
	elems := make([]value.Value, len(matches))
	for i, m := range matches {
		elems[i] = value.StringValue(m)
	}
	return value.ObjectValue(value.NewList(elems)), nil
}

func regexReplace(args []value.Value) (value.Value, error) {
	if err := arity("regex_replace", args, 3); err != nil {
		return value.Value{}, err
	}
	pattern, err := argString("regex_replace", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	text, err := argString("regex_replace", args, 1)
	if err != nil {
		return value.Value{}, err
	}
	replacement, err := argString("regex_replace", args, 2)
	if err != nil {
		return value.Value{}, err
	}
	re, cerr := regexp.Compile(pattern)
	if cerr != nil {
		return value.Value{}, value.NewException(value.InvalidArgument, fmt.Sprintf("invalid regex pattern: %v", cerr))
	}
	return value.StringValue(re.ReplaceAllString(text, replacement)), nil
}

// --- Date/time ---

func timeNow(args []value.Value) (value.Value, error) {
	if err := arity("time_now", args, 0); err != nil {
		return value.Value{}, err
	}
	return value.IntValue(time.Now().Unix()), nil
}

func timeLayout(format string) string {
	switch format {
	case "iso8601", "ISO8601", "rfc3339", "RFC3339":
		return time.RFC3339
	case "date":
		return "2006-01-02"
	case "time":
		return "15:04:05"
	case "datetime":
		return "2006-01-02 15:04:05"
	default:
		return format
	}
}

// timeUnix parses a formatted date string back into a Unix timestamp.
func timeUnix(args []value.Value) (value.Value, error) {
	if err := arity("time_unix", args, 2); err != nil {
		return value.Value{}, err
	}
	dateStr, err := argString("time_unix", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	format, err := argString("time_unix", args, 1)
	if err != nil {
		return value.Value{}, err
	}
	t, perr := time.Parse(timeLayout(format), dateStr)
	if perr != nil {
		return value.Value{}, value.NewException(value.InvalidArgument, fmt.Sprintf("failed to parse date %q: %v", dateStr, perr))
	}
	return value.IntValue(t.Unix()), nil
}

func timeFormat(args []value.Value) (value.Value, error) {
	if err := arity("time_format", args, 2); err != nil {
		return value.Value{}, err
	}
	ts, err := argInt("time_format", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	format, err := argString("time_format", args, 1)
	if err != nil {
		return value.Value{}, err
	}
	return value.StringValue(time.Unix(ts, 0).UTC().Format(timeLayout(format))), nil
}

// --- Random (crypto/rand, not math/rand: no component needs a seedable
// deterministic PRNG, so the stronger default costs nothing) ---

func randomInt(args []value.Value) (value.Value, error) {
	if err := arity("random_int", args, 2); err != nil {
		return value.Value{}, err
	}
	min, err := argInt("random_int", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	max, err := argInt("random_int", args, 1)
	if err != nil {
		return value.Value{}, err
	}
	if min > max {
		return value.Value{}, value.NewException(value.InvalidArgument, "random_int: min must be <= max")
	}
	n, rerr := rand.Int(rand.Reader, big.NewInt(max-min+1))
	if rerr != nil {
		return value.Value{}, fmt.Errorf("failed to generate random number: %v", rerr)
	}
	return value.IntValue(n.Int64() + min), nil
}

func randomBytes(args []value.Value) (value.Value, error) {
	if err := arity("random_bytes", args, 1); err != nil {
		return value.Value{}, err
	}
	n, err := argInt("random_bytes", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	if n < 0 {
		return value.Value{}, value.NewException(value.InvalidArgument, "random_bytes: length must be >= 0")
	}
	buf := make([]byte, n)
	if _, rerr := io.ReadFull(rand.Reader, buf); rerr != nil {
		return value.Value{}, fmt.Errorf("failed to generate random bytes: %v", rerr)
	}
	return value.StringValue(base64.StdEncoding.EncodeToString(buf)), nil
}

// --- Hashing ---

func sha256Hex(args []value.Value) (value.Value, error) {
	if err := arity("sha256_hex", args, 1); err != nil {
		return value.Value{}, err
	}
	s, err := argString("sha256_hex", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	sum := sha256.Sum256([]byte(s))
	return value.StringValue(hex.EncodeToString(sum[:])), nil
}

func md5Hex(args []value.Value) (value.Value, error) {
	if err := arity("md5_hex", args, 1); err != nil {
		return value.Value{}, err
	}
	s, err := argString("md5_hex", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	sum := md5.Sum([]byte(s))
	return value.StringValue(hex.EncodeToString(sum[:])), nil
}

// --- Compression ---

func gzipCompress(args []value.Value) (value.Value, error) {
	if err := arity("gzip_compress", args, 1); err != nil {
		return value.Value{}, err
	}
	s, err := argString("gzip_compress", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	var buf strings.Builder
	w := gzip.NewWriter(&buf)
	if _, werr := w.Write([]byte(s)); werr != nil {
		return value.Value{}, fmt.Errorf("failed to gzip: %v", werr)
	}
	if werr := w.Close(); werr != nil {
		return value.Value{}, fmt.Errorf("failed to close gzip writer: %v", werr)
	}
	return value.StringValue(base64.StdEncoding.EncodeToString([]byte(buf.String()))), nil
}

func gzipDecompress(args []value.Value) (value.Value, error) {
	if err := arity("gzip_decompress", args, 1); err != nil {
		return value.Value{}, err
	}
	s, err := argString("gzip_decompress", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	raw, derr := base64.StdEncoding.DecodeString(s)
	if derr != nil {
		return value.Value{}, value.NewException(value.InvalidArgument, fmt.Sprintf("failed to decode base64: %v", derr))
	}
	r, gerr := gzip.NewReader(strings.NewReader(string(raw)))
	if gerr != nil {
		return value.Value{}, value.NewException(value.InvalidArgument, fmt.Sprintf("failed to open gzip stream: %v", gerr))
	}
	defer r.Close()
	out, rerr := io.ReadAll(r)
	if rerr != nil {
		return value.Value{}, fmt.Errorf("failed to read gzip stream: %v", rerr)
	}
	return value.StringValue(string(out)), nil
}

// --- HTTP (single synchronous GET: native calls block the whole VM, so
// this is the one shape that's safe to offer without a scheduler) ---

func httpGet(args []value.Value) (value.Value, error) {
	if err := arity("http_get", args, 1); err != nil {
		return value.Value{}, err
	}
	url, err := argString("http_get", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	resp, gerr := http.Get(url)
	if gerr != nil {
		return value.Value{}, value.NewException(value.InvalidArgument, fmt.Sprintf("HTTP GET %q failed: %v", url, gerr))
	}
	defer resp.Body.Close()
	body, rerr := io.ReadAll(resp.Body)
	if rerr != nil {
		return value.Value{}, fmt.Errorf("failed to read response body: %v", rerr)
	}
	return value.StringValue(string(body)), nil
}

// systemExit implements __NATIVE_SYSTEM_EXIT(n): it terminates the process
// directly rather than returning, since the VM's call convention has no
// other way to hand an exit code back past a deeply nested call stack.
func systemExit(args []value.Value) (value.Value, error) {
	if err := arity("system_exit", args, 1); err != nil {
		return value.Value{}, err
	}
	code, err := argInt("system_exit", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	os.Exit(int(code))
	return value.NullValue(), nil
}

// --- Strings (rune-indexed, matching the VM's Char/String subscript rules) ---

func length(args []value.Value) (value.Value, error) {
	if err := arity("length", args, 1); err != nil {
		return value.Value{}, err
	}
	s, err := argString("length", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	return value.IntValue(int64(len([]rune(s)))), nil
}

func uppercase(args []value.Value) (value.Value, error) {
	if err := arity("uppercase", args, 1); err != nil {
		return value.Value{}, err
	}
	s, err := argString("uppercase", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	return value.StringValue(strings.ToUpper(s)), nil
}

func lowercase(args []value.Value) (value.Value, error) {
	if err := arity("lowercase", args, 1); err != nil {
		return value.Value{}, err
	}
	s, err := argString("lowercase", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	return value.StringValue(strings.ToLower(s)), nil
}

func find(args []value.Value) (value.Value, error) {
	if err := arity("find", args, 2); err != nil {
		return value.Value{}, err
	}
	s, err := argString("find", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	sub, err := argString("find", args, 1)
	if err != nil {
		return value.Value{}, err
	}
	byteIdx := strings.Index(s, sub)
	if byteIdx < 0 {
		return value.IntValue(-1), nil
	}
	return value.IntValue(int64(len([]rune(s[:byteIdx])))), nil
}

func replace(args []value.Value) (value.Value, error) {
	if err := arity("replace", args, 3); err != nil {
		return value.Value{}, err
	}
	s, err := argString("replace", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	old, err := argString("replace", args, 1)
	if err != nil {
		return value.Value{}, err
	}
	repl, err := argString("replace", args, 2)
	if err != nil {
		return value.Value{}, err
	}
	return value.StringValue(strings.ReplaceAll(s, old, repl)), nil
}

func splice(args []value.Value) (value.Value, error) {
	if err := arity("splice", args, 3); err != nil {
		return value.Value{}, err
	}
	s, err := argString("splice", args, 0)
	if err != nil {
		return value.Value{}, err
	}
	start, err := argInt("splice", args, 1)
	if err != nil {
		return value.Value{}, err
	}
	end, err := argInt("splice", args, 2)
	if err != nil {
		return value.Value{}, err
	}
	runes := []rune(s)
	if start < 0 || end > int64(len(runes)) || start > end {
		return value.Value{}, value.NewException(value.IndexOutOfRange,
			fmt.Sprintf("splice(%d, %d) out of range for string of length %d", start, end, len(runes)))
	}
	return value.StringValue(string(runes[start:end])), nil
}
