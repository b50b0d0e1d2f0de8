// Package stdlib registers the Lua standard library tables (base,
// string, table, math, os, io, coroutine) described in spec §4.10 into
// a Runtime's globals, grounded in the teacher's RegisterStdlib
// dispatch-table pattern (vmregister/stdlib.go: one registerGlobal call
// per native function, many sharing small generic constructors like
// createStringFunc/createMathFunc), generalized from Sentra's ad hoc
// global namespace to Lua's library-table layout.
package stdlib

import (
	"fmt"

	"github.com/moonquakes/moonquakes/internal/luaerr"
	"github.com/moonquakes/moonquakes/internal/luart"
)

// Open installs every standard library into rt.Globals, and must run
// once per Runtime before any user chunk executes.
func Open(rt *luart.Runtime) {
	openBase(rt)
	openString(rt)
	openTable(rt)
	openMath(rt)
	openOS(rt)
	openIO(rt)
	openCoroutine(rt)
}

// register wraps fn as a GoFunction and stores it in t under name.
func register(rt *luart.Runtime, t *luart.Table, name string, fn luart.NativeFn) {
	t.SetStr(name, luart.FromGoFunc(rt.Heap.NewGoFunction(name, fn)))
}

func newLib(rt *luart.Runtime, globalName string) *luart.Table {
	t := rt.Heap.NewTable(0, 16)
	rt.Globals.SetStr(globalName, luart.FromTable(t))
	return t
}

// argErr builds "bad argument #n to 'fname' (...)" the way the
// reference library functions do, location-prefixed from the calling
// Lua frame the same way the VM's own runtime errors are.
func argErr(th *luart.Thread, n int, fname, format string, args ...interface{}) error {
	return locatedErr(th, "bad argument #%d to '%s' (%s)", n, fname, fmt.Sprintf(format, args...))
}

func callErr(th *luart.Thread, format string, args ...interface{}) error {
	return locatedErr(th, format, args...)
}

func locatedErr(th *luart.Thread, format string, args ...interface{}) error {
	source, line := "?", 0
	if n := len(th.Frames); n > 0 {
		f := th.Frames[n-1]
		source = f.Closure.Proto.Source
		if f.PC > 0 && f.PC-1 < len(f.Closure.Proto.Code) {
			line = f.Closure.Proto.Code[f.PC-1].Line
		}
	}
	return luaerr.New(source, line, format, args...)
}

func arg(args []luart.Value, i int) luart.Value {
	if i < len(args) {
		return args[i]
	}
	return luart.Nil
}

func checkString(th *luart.Thread, args []luart.Value, i int, fname string) (string, error) {
	v := arg(args, i)
	if v.IsString() {
		return v.Str(), nil
	}
	if v.IsNumber() {
		return v.ToStringValue(), nil
	}
	return "", argErr(th, i+1, fname, "string expected, got %s", v.TypeName())
}

func checkTable(th *luart.Thread, args []luart.Value, i int, fname string) (*luart.Table, error) {
	v := arg(args, i)
	if !v.IsTable() {
		return nil, argErr(th, i+1, fname, "table expected, got %s", v.TypeName())
	}
	return v.AsTable(), nil
}

func checkInt(th *luart.Thread, args []luart.Value, i int, fname string) (int64, error) {
	v := arg(args, i)
	if n, ok := v.ToInt(); ok {
		return n, nil
	}
	if v.IsNumber() {
		return 0, argErr(th, i+1, fname, "number has no integer representation")
	}
	return 0, argErr(th, i+1, fname, "number expected, got %s", v.TypeName())
}

func optInt(args []luart.Value, i int, def int64) int64 {
	v := arg(args, i)
	if v.IsNil() {
		return def
	}
	if n, ok := v.ToInt(); ok {
		return n
	}
	return def
}

func checkNumber(th *luart.Thread, args []luart.Value, i int, fname string) (float64, error) {
	v := arg(args, i)
	if f, ok := v.ToFloat(); ok {
		return f, nil
	}
	return 0, argErr(th, i+1, fname, "number expected, got %s", v.TypeName())
}
