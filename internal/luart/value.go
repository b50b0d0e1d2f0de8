// Package luart implements the Lua value model, the GC heap, and the
// runtime context shared by the compiler and the VM.
package luart

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Tag distinguishes the variants of a Value, per spec §3 ("A tagged
// union with variants: nil, boolean, integer, float, and four
// heap-object references").
type Tag uint8

const (
	TagNil Tag = iota
	TagBool
	TagInt
	TagFloat
	TagString
	TagTable
	TagFunction
	TagUserdata
	TagThread
)

// Value is a Lua value. Heap-referencing variants store their payload
// in Obj, which is always a pointer to one of the heap types that
// embed the Object header (object.go). Keeping Value a plain tagged
// struct (rather than reviving the teacher's unsafe NaN-boxed uint64)
// means the Go runtime's own GC can never clash with ours — see
// DESIGN.md.
type Value struct {
	tag Tag
	b   bool
	i   int64
	f   float64
	Obj GCObject
}

// Nil is the zero Value.
var Nil = Value{}

func Bool(b bool) Value   { return Value{tag: TagBool, b: b} }
func Int(i int64) Value   { return Value{tag: TagInt, i: i} }
func Float(f float64) Value { return Value{tag: TagFloat, f: f} }

func FromString(s *LuaString) Value   { return Value{tag: TagString, Obj: s} }
func FromTable(t *Table) Value        { return Value{tag: TagTable, Obj: t} }
func FromClosure(c *Closure) Value    { return Value{tag: TagFunction, Obj: c} }
func FromGoFunc(g *GoFunction) Value  { return Value{tag: TagFunction, Obj: g} }
func FromUserdata(u *Userdata) Value  { return Value{tag: TagUserdata, Obj: u} }
func FromThread(t *Thread) Value      { return Value{tag: TagThread, Obj: t} }

func (v Value) Tag() Tag { return v.tag }
func (v Value) IsNil() bool    { return v.tag == TagNil }
func (v Value) IsBool() bool   { return v.tag == TagBool }
func (v Value) IsInt() bool    { return v.tag == TagInt }
func (v Value) IsFloat() bool  { return v.tag == TagFloat }
func (v Value) IsNumber() bool { return v.tag == TagInt || v.tag == TagFloat }
func (v Value) IsString() bool { return v.tag == TagString }
func (v Value) IsTable() bool  { return v.tag == TagTable }
func (v Value) IsFunction() bool { return v.tag == TagFunction }
func (v Value) IsThread() bool { return v.tag == TagThread }

// Truthy implements spec §3 invariant (iii): nil and false are the
// only falsy values.
func (v Value) Truthy() bool {
	if v.tag == TagNil {
		return false
	}
	if v.tag == TagBool {
		return v.b
	}
	return true
}

func (v Value) AsBool() bool { return v.b }

// AsInt returns the raw int64 payload; only valid when Tag()==TagInt.
func (v Value) AsInt() int64 { return v.i }

// AsFloat returns the raw float64 payload; only valid when
// Tag()==TagFloat.
func (v Value) AsFloat() float64 { return v.f }

func (v Value) AsString() *LuaString   { return v.Obj.(*LuaString) }
func (v Value) AsTable() *Table        { return v.Obj.(*Table) }
func (v Value) AsUserdata() *Userdata  { return v.Obj.(*Userdata) }
func (v Value) AsThread() *Thread      { return v.Obj.(*Thread) }

// AsClosure returns the bytecode closure, or nil if v is a native
// function.
func (v Value) AsClosure() *Closure {
	c, _ := v.Obj.(*Closure)
	return c
}

// AsGoFunc returns the native function, or nil if v is a bytecode
// closure.
func (v Value) AsGoFunc() *GoFunction {
	g, _ := v.Obj.(*GoFunction)
	return g
}

func (v Value) Str() string {
	if v.tag != TagString {
		panic("Str called on non-string Value")
	}
	return v.Obj.(*LuaString).s
}

// TypeName returns the Lua type name used by `type(v)`.
func (v Value) TypeName() string {
	switch v.tag {
	case TagNil:
		return "nil"
	case TagBool:
		return "boolean"
	case TagInt, TagFloat:
		return "number"
	case TagString:
		return "string"
	case TagTable:
		return "table"
	case TagFunction:
		return "function"
	case TagUserdata:
		return "userdata"
	case TagThread:
		return "thread"
	}
	return "unknown"
}

// ToFloat coerces a number Value to float64; ok is false for
// non-numbers.
func (v Value) ToFloat() (float64, bool) {
	switch v.tag {
	case TagInt:
		return float64(v.i), true
	case TagFloat:
		return v.f, true
	}
	return 0, false
}

// ToInt coerces a number Value to int64 with an exact-representation
// check, per spec §4.1 ("floats with integer value are accepted,
// others raise").
func (v Value) ToInt() (int64, bool) {
	switch v.tag {
	case TagInt:
		return v.i, true
	case TagFloat:
		if math.Floor(v.f) != v.f || math.IsInf(v.f, 0) || math.IsNaN(v.f) {
			return 0, false
		}
		if v.f < -9223372036854775808.0 || v.f >= 9223372036854775808.0 {
			return 0, false
		}
		return int64(v.f), true
	}
	return 0, false
}

// ToNumber attempts the full Lua "coercible to number" rule used by
// arithmetic and tonumber(): numbers pass through, strings are parsed
// as integer or float literals.
func (v Value) ToNumber() (Value, bool) {
	switch v.tag {
	case TagInt, TagFloat:
		return v, true
	case TagString:
		return ParseNumber(strings.TrimSpace(v.Str()))
	}
	return Nil, false
}

// ParseNumber parses a Lua numeral (decimal or 0x-hex, integer or
// float) the way the lexer does, exposed for tonumber()/coercion.
func ParseNumber(s string) (Value, bool) {
	if s == "" {
		return Nil, false
	}
	neg := false
	body := s
	if strings.HasPrefix(body, "-") {
		neg = true
		body = body[1:]
	} else if strings.HasPrefix(body, "+") {
		body = body[1:]
	}
	if strings.HasPrefix(body, "0x") || strings.HasPrefix(body, "0X") {
		if !strings.ContainsAny(body, ".pP") {
			u, err := strconv.ParseUint(body[2:], 16, 64)
			if err != nil {
				return Nil, false
			}
			i := int64(u)
			if neg {
				i = -i
			}
			return Int(i), true
		}
		f, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return Nil, false
		}
		if neg {
			f = -f
		}
		return Float(f), true
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Float(f), true
	}
	return Nil, false
}

// ToStringValue renders v the way tostring()/print() do for values
// without a __tostring metamethod.
func (v Value) ToStringValue() string {
	switch v.tag {
	case TagNil:
		return "nil"
	case TagBool:
		if v.b {
			return "true"
		}
		return "false"
	case TagInt:
		return strconv.FormatInt(v.i, 10)
	case TagFloat:
		return formatFloat(v.f)
	case TagString:
		return v.Str()
	case TagTable:
		return fmt.Sprintf("table: %p", v.Obj)
	case TagFunction:
		return fmt.Sprintf("function: %p", v.Obj)
	case TagUserdata:
		return fmt.Sprintf("userdata: %p", v.Obj)
	case TagThread:
		return fmt.Sprintf("thread: %p", v.Obj)
	}
	return "?"
}

func formatFloat(f float64) string {
	if math.IsNaN(f) {
		return "nan"
	}
	if math.IsInf(f, 1) {
		return "inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'g', 14, 64)
}

// RawEqual implements spec §4.1 raw equality: primitive equality plus
// pointer equality for heap objects, with numbers cross-comparing by
// mathematical value per spec §3 invariant (i).
func RawEqual(a, b Value) bool {
	if a.tag == b.tag {
		switch a.tag {
		case TagNil:
			return true
		case TagBool:
			return a.b == b.b
		case TagInt:
			return a.i == b.i
		case TagFloat:
			return a.f == b.f
		case TagString:
			return a.Obj.(*LuaString).s == b.Obj.(*LuaString).s
		default:
			return a.Obj == b.Obj
		}
	}
	if a.IsNumber() && b.IsNumber() {
		af, _ := a.ToFloat()
		bf, _ := b.ToFloat()
		return af == bf
	}
	return false
}

// Less implements the primitive `<` ordering for numbers and strings;
// the VM falls back to __lt for everything else.
func Less(a, b Value) (bool, bool) {
	if a.IsNumber() && b.IsNumber() {
		if a.tag == TagInt && b.tag == TagInt {
			return a.i < b.i, true
		}
		af, _ := a.ToFloat()
		bf, _ := b.ToFloat()
		return af < bf, true
	}
	if a.tag == TagString && b.tag == TagString {
		return a.Str() < b.Str(), true
	}
	return false, false
}

func LessEqual(a, b Value) (bool, bool) {
	if a.IsNumber() && b.IsNumber() {
		if a.tag == TagInt && b.tag == TagInt {
			return a.i <= b.i, true
		}
		af, _ := a.ToFloat()
		bf, _ := b.ToFloat()
		return af <= bf, true
	}
	if a.tag == TagString && b.tag == TagString {
		return a.Str() <= b.Str(), true
	}
	return false, false
}

// Hashable reports whether v may be used as a table key: spec §3
// invariant (a) forbids nil and NaN keys.
func (v Value) Hashable() bool {
	if v.tag == TagNil {
		return false
	}
	if v.tag == TagFloat && math.IsNaN(v.f) {
		return false
	}
	return true
}

// hashKey normalizes a Value into a comparable Go value suitable as a
// map key, collapsing integer-valued floats onto their integer
// counterpart so that t[1] and t[1.0] name the same slot, per the
// manual's number-key normalization rule.
func hashKey(v Value) interface{} {
	switch v.tag {
	case TagNil:
		return nil
	case TagBool:
		return v.b
	case TagInt:
		return v.i
	case TagFloat:
		if i, ok := v.ToInt(); ok {
			return i
		}
		return v.f
	case TagString:
		return v.Obj.(*LuaString).s
	default:
		return v.Obj
	}
}
