// Package canonical renders structured values into one deterministic byte
// sequence so that digests computed in different processes, on different
// platforms, years apart, agree.
//
// The output is JSON shaped after RFC 8785 (JCS):
//   - object keys sorted by their UTF-8 bytes at every level
//   - arrays keep their order
//   - no insignificant whitespace
//   - numbers depend only on their exact value: integral values (ints,
//     integral floats, json.Number in any spelling such as 1e21) are exact
//     decimal integers; other values use the ECMAScript shortest round-trip
//     form of their float64 value
//   - strings are UTF-8 with the minimal JCS escape set
//
// Accepted inputs are nil, bool, every integer kind, float32/float64,
// json.Number, string, slices/arrays, maps with string keys, pointers and
// interfaces to those, and structs (through their encoding/json form).
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// maxDepth bounds nesting so hostile payloads cannot exhaust the stack.
const maxDepth = 512

// maxExponent bounds the decimal exponent of a json.Number. Exact expansion of
// 1e1000000000 would allocate without limit.
const maxExponent = 1000

var numberType = reflect.TypeOf(json.Number(""))

// UnsupportedValueError reports a value with no canonical representation.
// Path is a JSON-pointer style location of the offending value.
type UnsupportedValueError struct {
	Path   string
	Type   string
	Reason string
}

func (e *UnsupportedValueError) Error() string {
	path := e.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("canonical: unsupported value at %s (%s): %s", path, e.Type, e.Reason)
}

// IsUnsupported reports whether err is (or wraps) an UnsupportedValueError.
func IsUnsupported(err error) bool {
	var target *UnsupportedValueError
	return errors.As(err, &target)
}

// Canonicalize returns the canonical bytes of v.
func Canonicalize(v any) ([]byte, error) {
	e := &encoder{seen: make(map[any]struct{})}
	if err := e.encode(reflect.ValueOf(v), "", 0); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

type encoder struct {
	buf  bytes.Buffer
	seen map[any]struct{}
}

// sliceKey identifies a slice by backing array and length, matching how
// encoding/json detects self-referencing slices.
type sliceKey struct {
	ptr uintptr
	len int
}

func unsupported(path string, v reflect.Value, reason string) error {
	typ := "nil"
	if v.IsValid() {
		typ = v.Type().String()
	}
	return &UnsupportedValueError{Path: path, Type: typ, Reason: reason}
}

func (e *encoder) encode(v reflect.Value, path string, depth int) error {
	if depth > maxDepth {
		return unsupported(path, v, "nesting exceeds maximum depth")
	}
	if !v.IsValid() {
		e.buf.WriteString("null")
		return nil
	}
	if v.Type() == numberType {
		return e.encodeNumber(json.Number(v.String()), path, v)
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		return e.encode(v.Elem(), path, depth+1)

	case reflect.Pointer:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		key := v.Pointer()
		if _, cyclic := e.seen[key]; cyclic {
			return unsupported(path, v, "cyclic reference")
		}
		e.seen[key] = struct{}{}
		defer delete(e.seen, key)
		return e.encode(v.Elem(), path, depth+1)

	case reflect.Bool:
		e.buf.WriteString(strconv.FormatBool(v.Bool()))
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.buf.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil

	case reflect.Float32, reflect.Float64:
		return e.encodeFloat(v.Float(), path, v)

	case reflect.String:
		return e.encodeString(v.String(), path, v)

	case reflect.Slice:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return unsupported(path, v, "byte slices have no canonical form; encode them explicitly")
		}
		key := sliceKey{ptr: v.Pointer(), len: v.Len()}
		if _, cyclic := e.seen[key]; cyclic {
			return unsupported(path, v, "cyclic reference")
		}
		e.seen[key] = struct{}{}
		defer delete(e.seen, key)
		return e.encodeArray(v, path, depth)

	case reflect.Array:
		return e.encodeArray(v, path, depth)

	case reflect.Map:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		if v.Type().Key().Kind() != reflect.String {
			return unsupported(path, v, "map keys must be strings")
		}
		key := v.Pointer()
		if _, cyclic := e.seen[key]; cyclic {
			return unsupported(path, v, "cyclic reference")
		}
		e.seen[key] = struct{}{}
		defer delete(e.seen, key)
		return e.encodeMap(v, path, depth)

	case reflect.Struct:
		return e.encodeStruct(v, path, depth)

	default:
		// func, chan, complex, unsafe pointers
		return unsupported(path, v, "kind "+v.Kind().String()+" has no canonical form")
	}
}

func (e *encoder) encodeArray(v reflect.Value, path string, depth int) error {
	e.buf.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encode(v.Index(i), path+"/"+strconv.Itoa(i), depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

func (e *encoder) encodeMap(v reflect.Value, path string, depth int) error {
	keys := make([]string, 0, v.Len())
	values := make(map[string]reflect.Value, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key().String()
		keys = append(keys, k)
		values[k] = iter.Value()
	}
	// Go string comparison is bytewise, which is UTF-8 byte order.
	sort.Strings(keys)

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		childPath := path + "/" + escapePointer(k)
		if err := e.encodeString(k, childPath, reflect.ValueOf(k)); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.encode(values[k], childPath, depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

// encodeStruct canonicalizes a struct through its encoding/json form so field
// tags decide the key names.
func (e *encoder) encodeStruct(v reflect.Value, path string, depth int) error {
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		var unsupportedErr *json.UnsupportedValueError
		var typeErr *json.UnsupportedTypeError
		if errors.As(err, &unsupportedErr) || errors.As(err, &typeErr) {
			return unsupported(path, v, err.Error())
		}
		return unsupported(path, v, "marshal: "+err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return unsupported(path, v, "decode: "+err.Error())
	}
	return e.encode(reflect.ValueOf(generic), path, depth+1)
}

func (e *encoder) encodeFloat(f float64, path string, v reflect.Value) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return unsupported(path, v, "NaN and Inf have no canonical form")
	}
	if f == math.Trunc(f) {
		i, _ := new(big.Float).SetFloat64(f).Int(nil)
		e.buf.WriteString(i.String())
		return nil
	}
	s, err := jsoncanonicalizer.NumberToJSON(f)
	if err != nil {
		return unsupported(path, v, err.Error())
	}
	e.buf.WriteString(s)
	return nil
}

// encodeNumber evaluates the literal exactly. Integral values print as exact
// integers whatever their spelling ("1e21", "1000000000000000000000.0");
// the rest take the float form.
func (e *encoder) encodeNumber(n json.Number, path string, v reflect.Value) error {
	s := n.String()
	if s == "" {
		return unsupported(path, v, "empty number")
	}
	if !numberLiteral(s) {
		return unsupported(path, v, "malformed number "+strconv.Quote(s))
	}
	if exp, ok := exponent(s); !ok || exp > maxExponent || exp < -maxExponent {
		return unsupported(path, v, "number exponent out of range "+strconv.Quote(s))
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return unsupported(path, v, "malformed number "+strconv.Quote(s))
	}
	if r.IsInt() {
		e.buf.WriteString(r.Num().String())
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return unsupported(path, v, "malformed number "+strconv.Quote(s))
	}
	return e.encodeFloat(f, path, v)
}

// numberLiteral reports whether s is a JSON number. big.Rat alone would also
// accept forms such as "1/3" and "0x10".
func numberLiteral(s string) bool {
	i := 0
	if i < len(s) && s[i] == '-' {
		i++
	}
	digits := func() int {
		start := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		return i - start
	}
	if digits() == 0 {
		return false
	}
	if i < len(s) && s[i] == '.' {
		i++
		if digits() == 0 {
			return false
		}
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		if digits() == 0 {
			return false
		}
	}
	return i == len(s)
}

// exponent returns the decimal exponent of a number literal, zero if it has
// none.
func exponent(s string) (int, bool) {
	i := strings.IndexAny(s, "eE")
	if i < 0 {
		return 0, true
	}
	exp, err := strconv.Atoi(strings.TrimPrefix(s[i+1:], "+"))
	if err != nil {
		return 0, false
	}
	return exp, true
}

const hexDigits = "0123456789abcdef"

func (e *encoder) encodeString(s string, path string, v reflect.Value) error {
	if !utf8.ValidString(s) {
		return unsupported(path, v, "string is not valid UTF-8")
	}
	e.buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\b':
			e.buf.WriteString(`\b`)
		case '\f':
			e.buf.WriteString(`\f`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		default:
			if c < 0x20 {
				e.buf.WriteString(`\u00`)
				e.buf.WriteByte(hexDigits[c>>4])
				e.buf.WriteByte(hexDigits[c&0xF])
				continue
			}
			e.buf.WriteByte(c)
		}
	}
	e.buf.WriteByte('"')
	return nil
}

// escapePointer applies RFC 6901 escaping to a key for error paths.
func escapePointer(key string) string {
	key = strings.ReplaceAll(key, "~", "~0")
	return strings.ReplaceAll(key, "/", "~1")
}
