package stdlib

import (
	"bufio"
	"fmt"
	"os"

	"github.com/moonquakes/moonquakes/internal/compiler"
	"github.com/moonquakes/moonquakes/internal/dump"
	"github.com/moonquakes/moonquakes/internal/luaerr"
	"github.com/moonquakes/moonquakes/internal/luart"
	"github.com/moonquakes/moonquakes/internal/vm"
)

var stdout = bufio.NewWriter(os.Stdout)

// openBase installs the base library directly into Globals (no
// wrapping table), per spec §4.10: print/type/tostring/tonumber/pairs/
// ipairs/next/setmetatable/getmetatable/raw*/pcall/xpcall/error/
// assert/select, plus _G and _VERSION.
func openBase(rt *luart.Runtime) {
	g := rt.Globals
	g.SetStr("_G", luart.FromTable(g))
	g.SetStr("_VERSION", luart.FromString(rt.Heap.NewString("Lua 5.4")))

	register(rt, g, "print", builtinPrint)
	register(rt, g, "type", builtinType)
	register(rt, g, "tostring", builtinTostring)
	register(rt, g, "tonumber", builtinTonumber)
	register(rt, g, "pairs", builtinPairs)
	register(rt, g, "ipairs", builtinIpairs)
	register(rt, g, "next", builtinNext)
	register(rt, g, "setmetatable", builtinSetmetatable)
	register(rt, g, "getmetatable", builtinGetmetatable)
	register(rt, g, "rawget", builtinRawget)
	register(rt, g, "rawset", builtinRawset)
	register(rt, g, "rawequal", builtinRawequal)
	register(rt, g, "rawlen", builtinRawlen)
	register(rt, g, "pcall", builtinPcall)
	register(rt, g, "xpcall", builtinXpcall)
	register(rt, g, "error", builtinError)
	register(rt, g, "assert", builtinAssert)
	register(rt, g, "select", builtinSelect)
	register(rt, g, "unpack", builtinUnpack)
	register(rt, g, "require", builtinRequire)
	register(rt, g, "collectgarbage", builtinCollectgarbage)
	register(rt, g, "load", builtinLoad)
}

func builtinPrint(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	for i, v := range args {
		if i > 0 {
			stdout.WriteByte('\t')
		}
		s, err := vm.ToDisplayString(rt, th, v)
		if err != nil {
			return nil, err
		}
		stdout.WriteString(s)
	}
	stdout.WriteByte('\n')
	stdout.Flush()
	return nil, nil
}

func builtinType(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	return []luart.Value{luart.FromString(rt.Heap.NewString(arg(args, 0).TypeName()))}, nil
}

func builtinTostring(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	s, err := vm.ToDisplayString(rt, th, arg(args, 0))
	if err != nil {
		return nil, err
	}
	return []luart.Value{luart.FromString(rt.Heap.NewString(s))}, nil
}

func builtinTonumber(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	v := arg(args, 0)
	if len(args) >= 2 {
		base, ok := arg(args, 1).ToInt()
		if !ok || !v.IsString() {
			return []luart.Value{luart.Nil}, nil
		}
		n, err := parseIntBase(v.Str(), int(base))
		if err != nil {
			return []luart.Value{luart.Nil}, nil
		}
		return []luart.Value{luart.Int(n)}, nil
	}
	if n, ok := v.ToNumber(); ok {
		return []luart.Value{n}, nil
	}
	return []luart.Value{luart.Nil}, nil
}

func parseIntBase(s string, base int) (int64, error) {
	var neg bool
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		var d int
		switch {
		case c >= '0' && c <= '9':
			d = int(c - '0')
		case c >= 'a' && c <= 'z':
			d = int(c-'a') + 10
		case c >= 'A' && c <= 'Z':
			d = int(c-'A') + 10
		default:
			return 0, fmt.Errorf("bad digit")
		}
		if d >= base {
			return 0, fmt.Errorf("bad digit")
		}
		n = n*int64(base) + int64(d)
	}
	if neg {
		n = -n
	}
	return n, nil
}

func builtinPairs(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	t := arg(args, 0)
	if mm := rt.Metamethod(t, rt.Meta.Pairs); !mm.IsNil() {
		return vm.Call(rt, th, mm, []luart.Value{t})
	}
	if !t.IsTable() {
		return nil, callErr(th, "bad argument #1 to 'pairs' (table expected, got %s)", t.TypeName())
	}
	nextFn := rt.Globals.GetStr("next")
	return []luart.Value{nextFn, t, luart.Nil}, nil
}

func builtinIpairs(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	t := arg(args, 0)
	iter := rt.Heap.NewGoFunction("ipairs.iterator", func(rt *luart.Runtime, th *luart.Thread, ia []luart.Value) ([]luart.Value, error) {
		tbl := arg(ia, 0)
		i, _ := arg(ia, 1).ToInt()
		i++
		v := tbl.AsTable().Get(luart.Int(i))
		if v.IsNil() {
			return []luart.Value{luart.Nil}, nil
		}
		return []luart.Value{luart.Int(i), v}, nil
	})
	return []luart.Value{luart.FromGoFunc(iter), t, luart.Int(0)}, nil
}

func builtinNext(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	t, err := checkTable(th, args, 0, "next")
	if err != nil {
		return nil, err
	}
	k, v, ok := t.Next(arg(args, 1))
	if !ok {
		return nil, callErr(th, "invalid key to 'next'")
	}
	if k.IsNil() {
		return []luart.Value{luart.Nil}, nil
	}
	return []luart.Value{k, v}, nil
}

func builtinSetmetatable(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	t, err := checkTable(th, args, 0, "setmetatable")
	if err != nil {
		return nil, err
	}
	if t.Meta != nil && !t.Meta.GetStr("__metatable").IsNil() {
		return nil, callErr(th, "cannot change a protected metatable")
	}
	mv := arg(args, 1)
	if mv.IsNil() {
		t.Meta = nil
		return []luart.Value{arg(args, 0)}, nil
	}
	mt, err := checkTable(th, args, 1, "setmetatable")
	if err != nil {
		return nil, err
	}
	t.Meta = mt
	return []luart.Value{arg(args, 0)}, nil
}

func builtinGetmetatable(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	mt := rt.Metatable(arg(args, 0))
	if mt == nil {
		return []luart.Value{luart.Nil}, nil
	}
	if prot := mt.GetStr("__metatable"); !prot.IsNil() {
		return []luart.Value{prot}, nil
	}
	return []luart.Value{luart.FromTable(mt)}, nil
}

func builtinRawget(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	t, err := checkTable(th, args, 0, "rawget")
	if err != nil {
		return nil, err
	}
	return []luart.Value{t.Get(arg(args, 1))}, nil
}

func builtinRawset(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	t, err := checkTable(th, args, 0, "rawset")
	if err != nil {
		return nil, err
	}
	key := arg(args, 1)
	if !key.Hashable() {
		return nil, callErr(th, "table index is nil or NaN")
	}
	t.Set(key, arg(args, 2))
	return []luart.Value{arg(args, 0)}, nil
}

func builtinRawequal(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	return []luart.Value{luart.Bool(luart.RawEqual(arg(args, 0), arg(args, 1)))}, nil
}

func builtinRawlen(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	v := arg(args, 0)
	switch {
	case v.IsTable():
		return []luart.Value{luart.Int(v.AsTable().Len())}, nil
	case v.IsString():
		return []luart.Value{luart.Int(int64(v.AsString().Len()))}, nil
	}
	return nil, callErr(th, "table or string expected")
}

// builtinPcall implements protected calls, per spec §4.10/§7:
// catching both Lua-level errors (returned as *luaerr.LuaError) and any
// unexpected Go panic from the dispatch loop, reporting (false, err)
// on failure and (true, results...) on success.
func builtinPcall(rt *luart.Runtime, th *luart.Thread, args []luart.Value) (results []luart.Value, err error) {
	if len(args) == 0 {
		return nil, callErr(th, "bad argument #1 to 'pcall' (value expected)")
	}
	fn := args[0]
	rest := args[1:]
	defer func() {
		if r := recover(); r != nil {
			results = []luart.Value{luart.Bool(false), errValueOf(rt, r)}
			err = nil
		}
	}()
	res, callErr := vm.Call(rt, th, fn, rest)
	if callErr != nil {
		return append([]luart.Value{luart.Bool(false)}, errValueOf(rt, callErr)), nil
	}
	return append([]luart.Value{luart.Bool(true)}, res...), nil
}

// builtinXpcall additionally runs a message handler on failure, per
// spec §4.10; the handler runs with the failing call's frames still
// conceptually "above" it, matching the manual's description closely
// enough for a tree-walking-free register VM (it receives the error
// object, nothing more).
func builtinXpcall(rt *luart.Runtime, th *luart.Thread, args []luart.Value) (results []luart.Value, err error) {
	if len(args) < 2 {
		return nil, callErr(th, "bad argument #2 to 'xpcall' (value expected)")
	}
	fn, handler := args[0], args[1]
	rest := args[2:]
	defer func() {
		if r := recover(); r != nil {
			hres, herr := vm.Call(rt, th, handler, []luart.Value{errValueOf(rt, fmt.Errorf("%v", r))})
			if herr != nil {
				results = []luart.Value{luart.Bool(false), errValueOf(rt, herr)}
			} else {
				results = append([]luart.Value{luart.Bool(false)}, hres...)
			}
			err = nil
		}
	}()
	res, callErr := vm.Call(rt, th, fn, rest)
	if callErr != nil {
		hres, herr := vm.Call(rt, th, handler, []luart.Value{errValueOf(rt, callErr)})
		if herr != nil {
			return []luart.Value{luart.Bool(false), errValueOf(rt, herr)}, nil
		}
		return append([]luart.Value{luart.Bool(false)}, hres...), nil
	}
	return append([]luart.Value{luart.Bool(true)}, res...), nil
}

// errValueOf recovers the original Lua error value from a Go error,
// per spec §7 ("The error object is any Lua value"): *luaerr.LuaError
// carries it verbatim (possibly a non-string raised via error(v)),
// anything else becomes a plain message string.
func errValueOf(rt *luart.Runtime, e interface{}) luart.Value {
	if le, ok := e.(*luaerr.LuaError); ok {
		if v, ok := le.Value.(luart.Value); ok {
			return v
		}
		return luart.FromString(rt.Heap.NewString(le.Error()))
	}
	if err, ok := e.(error); ok {
		return luart.FromString(rt.Heap.NewString(err.Error()))
	}
	return luart.FromString(rt.Heap.NewString(fmt.Sprintf("%v", e)))
}

func builtinError(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	v := arg(args, 0)
	level := optInt(args, 1, 1)
	if v.IsString() && level != 0 {
		source, line := "?", 0
		if n := len(th.Frames); n > 0 {
			f := th.Frames[n-1]
			source = f.Closure.Proto.Source
			if f.PC > 0 && f.PC-1 < len(f.Closure.Proto.Code) {
				line = f.Closure.Proto.Code[f.PC-1].Line
			}
		}
		v = luart.FromString(rt.Heap.NewString(fmt.Sprintf("%s:%d: %s", source, line, v.Str())))
	}
	le := luaerr.FromValue(v)
	return nil, le
}

func builtinAssert(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	if len(args) == 0 || !arg(args, 0).Truthy() {
		if len(args) >= 2 {
			return nil, luaerr.FromValue(args[1])
		}
		return nil, callErr(th, "assertion failed!")
	}
	return args, nil
}

func builtinSelect(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	sel := arg(args, 0)
	if sel.IsString() && sel.Str() == "#" {
		return []luart.Value{luart.Int(int64(len(args) - 1))}, nil
	}
	n, ok := sel.ToInt()
	if !ok {
		return nil, callErr(th, "bad argument #1 to 'select' (number expected, got %s)", sel.TypeName())
	}
	rest := args[1:]
	if n < 0 {
		n = int64(len(rest)) + n + 1
	}
	if n < 1 {
		return nil, callErr(th, "bad argument #1 to 'select' (index out of range)")
	}
	if int(n) > len(rest) {
		return nil, nil
	}
	return rest[n-1:], nil
}

func builtinUnpack(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	return tableUnpack(rt, th, args)
}

// builtinRequire is a minimal package.loaded-backed loader, per spec
// §4.10's embedding note: this implementation ships no filesystem
// module resolver, so require only returns previously-registered
// modules (see Runtime.Modules), matching the Non-goal that excludes a
// full module/package search path.
func builtinRequire(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	name, err := checkString(th, args, 0, "require")
	if err != nil {
		return nil, err
	}
	if v, ok := rt.Modules[name]; ok {
		return []luart.Value{v}, nil
	}
	return nil, callErr(th, "module '%s' not found", name)
}

// builtinLoad implements spec §6's persisted-state contract and the
// reference manual's load(chunk, chunkname, mode, env): chunk is
// either Lua source text or a prior string.dump payload (detected by
// dump.Magic, so both bytecode and text chunks load through the same
// entry point), optionally piece-fed through a reader function.
// Failures return (nil, message) rather than raising, matching the
// manual; env defaults to the caller's globals.
func builtinLoad(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	chunkName := "chunk"
	if v := arg(args, 1); v.IsString() {
		chunkName = v.Str()
	}
	env := luart.FromTable(rt.Globals)
	if e := arg(args, 3); e.IsTable() {
		env = e
	}

	source, err := loadSource(rt, th, arg(args, 0))
	if err != nil {
		return []luart.Value{luart.Nil, luart.FromString(rt.Heap.NewString(err.Error()))}, nil
	}

	var proto *luart.Prototype
	if len(source) >= len(dump.Magic) && [4]byte(source[:len(dump.Magic)]) == dump.Magic {
		proto, err = dump.Decode(source, rt.Heap)
	} else {
		proto, err = compiler.Compile(string(source), chunkName, rt.Heap)
	}
	if err != nil {
		return []luart.Value{luart.Nil, luart.FromString(rt.Heap.NewString(err.Error()))}, nil
	}
	cl := rt.Heap.NewMainClosure(proto, env)
	return []luart.Value{luart.FromClosure(cl)}, nil
}

// loadSource materializes chunk as bytes: a plain string is used
// as-is, a function is called repeatedly (per the manual's reader
// protocol) until it returns nil or an empty string.
func loadSource(rt *luart.Runtime, th *luart.Thread, chunk luart.Value) ([]byte, error) {
	if chunk.IsString() {
		return []byte(chunk.Str()), nil
	}
	if !chunk.IsFunction() {
		return nil, fmt.Errorf("bad argument #1 to 'load' (string or function expected)")
	}
	var buf []byte
	for {
		res, err := vm.Call(rt, th, chunk, nil)
		if err != nil {
			return nil, err
		}
		piece := arg(res, 0)
		if piece.IsNil() {
			break
		}
		if !piece.IsString() {
			return nil, fmt.Errorf("reader function must return a string")
		}
		if piece.Str() == "" {
			break
		}
		buf = append(buf, piece.Str()...)
	}
	return buf, nil
}

func builtinCollectgarbage(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	opt := "collect"
	if len(args) > 0 && args[0].IsString() {
		opt = args[0].Str()
	}
	switch opt {
	case "count":
		return []luart.Value{luart.Float(0), luart.Float(0)}, nil
	default:
		rt.Heap.Collect()
		return []luart.Value{luart.Int(0)}, nil
	}
}
