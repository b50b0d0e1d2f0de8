package stdlib

import (
	"github.com/moonquakes/moonquakes/internal/luart"
	"github.com/moonquakes/moonquakes/internal/vm"
)

// openCoroutine installs the `coroutine` library of spec §4.9 on top of
// the goroutine-per-thread engine in internal/vm/coroutine.go.
func openCoroutine(rt *luart.Runtime) {
	c := newLib(rt, "coroutine")
	register(rt, c, "create", coroCreate)
	register(rt, c, "resume", coroResume)
	register(rt, c, "yield", coroYield)
	register(rt, c, "status", coroStatus)
	register(rt, c, "wrap", coroWrap)
	register(rt, c, "isyieldable", coroIsYieldable)
	register(rt, c, "running", coroRunning)
	register(rt, c, "close", coroClose)
}

func coroCreate(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	fn := arg(args, 0)
	if !fn.IsFunction() {
		return nil, argErr(th, 1, "create", "function expected, got %s", fn.TypeName())
	}
	co := vm.NewCoroutine(rt, fn)
	return []luart.Value{luart.FromThread(co)}, nil
}

func coroResume(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	v := arg(args, 0)
	if !v.IsThread() {
		return nil, argErr(th, 1, "resume", "coroutine expected, got %s", v.TypeName())
	}
	co := v.AsThread()
	results, ok, err := vm.Resume(rt, th, co, args[1:])
	if !ok {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		return []luart.Value{luart.Bool(false), luart.FromString(rt.Heap.NewString(msg))}, nil
	}
	return append([]luart.Value{luart.Bool(true)}, results...), nil
}

func coroYield(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	return vm.Yield(th, args)
}

func coroStatus(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	v := arg(args, 0)
	if !v.IsThread() {
		return nil, argErr(th, 1, "status", "coroutine expected, got %s", v.TypeName())
	}
	return []luart.Value{luart.FromString(rt.Heap.NewString(vm.Status(rt, v.AsThread())))}, nil
}

// coroWrap implements coroutine.wrap(f): same as create+resume, except
// errors propagate by raising rather than returning a false/msg pair,
// per the manual's distinction between resume and wrap.
func coroWrap(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	fn := arg(args, 0)
	if !fn.IsFunction() {
		return nil, argErr(th, 1, "wrap", "function expected, got %s", fn.TypeName())
	}
	co := vm.NewCoroutine(rt, fn)
	wrapped := rt.Heap.NewGoFunction("wrapped coroutine", func(rt *luart.Runtime, th *luart.Thread, wargs []luart.Value) ([]luart.Value, error) {
		results, ok, err := vm.Resume(rt, th, co, wargs)
		if !ok {
			if err != nil {
				return nil, err
			}
			return nil, callErr(th, "coroutine error")
		}
		return results, nil
	})
	return []luart.Value{luart.FromGoFunc(wrapped)}, nil
}

func coroIsYieldable(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	return []luart.Value{luart.Bool(th.Coroutine)}, nil
}

func coroRunning(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	return []luart.Value{luart.FromThread(rt.Current), luart.Bool(rt.Current == rt.Main)}, nil
}

func coroClose(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	v := arg(args, 0)
	if !v.IsThread() {
		return nil, argErr(th, 1, "close", "coroutine expected, got %s", v.TypeName())
	}
	if err := vm.Close(rt, th, v.AsThread()); err != nil {
		return nil, err
	}
	return []luart.Value{luart.Bool(true)}, nil
}
