// Package vm implements the register-machine dispatch loop of spec
// §4.7/§4.8: executing the Prototype/Instruction stream the compiler
// emits, call/frame management, and the coroutine engine (coroutine.go).
//
// Grounded in the teacher's internal/vmregister.VM dispatch loop
// (vmregister/vm.go, a switch-on-opcode interpreter over a fixed
// register file), generalized from Sentra's NaN-boxed Value and
// int-indexed opcode set to luart.Value/luart.Thread and spec §4.5's
// instruction set. Call/return and tailcall bookkeeping is grounded in
// vmregister/vm.go's CallFrame push/pop around "callFunction".
package vm

import (
	"github.com/moonquakes/moonquakes/internal/luart"
)

// maxCallDepth guards against unbounded Go-stack recursion from
// runaway Lua recursion, since nested Lua calls recurse through Go's
// own call stack (see execClosure's doc comment). Grounded in the
// teacher's vmregister.VM "max call depth" guard (vmregister/vm.go).
const maxCallDepth = 220

// Call invokes a Lua value as a function, per spec §4.8. Native
// functions (GoFunction) run directly; bytecode closures run the
// dispatch loop in a fresh frame; anything else is chased through its
// __call metamethod, per spec §5.
func Call(rt *luart.Runtime, th *luart.Thread, fn luart.Value, args []luart.Value) ([]luart.Value, error) {
	if rt.Heap.ShouldCollect() {
		rt.Heap.Collect()
	}
	for depth := 0; ; depth++ {
		if depth > maxMetaChain {
			return nil, runtimeErr(th, "'__call' chain too long; possible loop")
		}
		if fn.IsFunction() {
			if g := fn.AsGoFunc(); g != nil {
				return g.Fn(rt, th, args)
			}
			if len(th.Frames) >= maxCallDepth {
				return nil, runtimeErr(th, "stack overflow")
			}
			return execClosure(rt, th, fn.AsClosure(), args)
		}
		mm := rt.Metamethod(fn, rt.Meta.Call)
		if mm.IsNil() {
			return nil, runtimeErr(th, "attempt to call a %s value", fn.TypeName())
		}
		newArgs := make([]luart.Value, 0, len(args)+1)
		newArgs = append(newArgs, fn)
		newArgs = append(newArgs, args...)
		fn, args = mm, newArgs
	}
}
