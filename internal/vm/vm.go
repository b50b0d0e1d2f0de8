package vm

import (
	"fmt"
	"math"

	"github.com/moonquakes/moonquakes/internal/luaerr"
	"github.com/moonquakes/moonquakes/internal/luart"
)

// execClosure runs cl's bytecode in a fresh frame on th, per spec
// §4.7/§4.8. Nested (non-tail) Lua calls recurse through Call, so the
// Go call stack mirrors the Lua call stack one-for-one there;
// maxCallDepth in call.go bounds that recursion. A tail call
// (OP_TAILCALL) into another bytecode closure instead replaces the
// current frame in place — closing it exactly as a normal return
// would, then restarting the outer callLoop with the callee — so a
// tail-recursive Lua loop runs in constant Go-stack depth regardless
// of how many times it calls itself. Tail calls into a native
// function or through a __call metamethod still go through Call,
// since neither recurses back into this frame-reuse loop.
func execClosure(rt *luart.Runtime, th *luart.Thread, cl *luart.Closure, args []luart.Value) ([]luart.Value, error) {
callLoop:
	for {
		proto := cl.Proto
		base := len(th.Stack)
		need := base + int(proto.MaxStack)
		growStack(th, need)

		np := int(proto.NumParams)
		for i := 0; i < np; i++ {
			if i < len(args) {
				th.Stack[base+i] = args[i]
			} else {
				th.Stack[base+i] = luart.Nil
			}
		}
		var extra []luart.Value
		if proto.IsVararg && len(args) > np {
			extra = append([]luart.Value(nil), args[np:]...)
		}

		frame := &luart.CallFrame{Closure: cl, Base: base, ReturnReg: -1, NumWanted: -1, VarargExtra: extra}
		th.Frames = append(th.Frames, frame)
		top := need

		R := func(i int) luart.Value { return th.Stack[base+i] }
		setR := func(i int, v luart.Value) { th.Stack[base+i] = v }
		ensureTop := func(t int) {
			if t < need {
				t = need
			}
			growStack(th, t)
			if t > top {
				top = t
			}
		}

		finish := func(results []luart.Value, err error) ([]luart.Value, error) {
			closeFrameTBC(rt, th, frame, base, err)
			if err != nil {
				err = appendFrame(err, proto, frame.PC)
			}
			th.CloseUpvalsFrom(base)
			th.Stack = th.Stack[:base]
			th.Frames = th.Frames[:len(th.Frames)-1]
			return results, err
		}

		// tailInto closes the current frame exactly as finish would,
		// then hands cl/args to the next callLoop iteration in place of
		// returning, so the callee reuses this Go stack frame.
		tailInto := func(callee *luart.Closure, callArgs []luart.Value) error {
			if err := closeFrameTBC(rt, th, frame, base, nil); err != nil {
				return appendFrame(err, proto, frame.PC)
			}
			th.CloseUpvalsFrom(base)
			th.Stack = th.Stack[:base]
			th.Frames = th.Frames[:len(th.Frames)-1]
			cl, args = callee, callArgs
			return nil
		}

		pc := 0
		code := proto.Code
		for {
			ins := code[pc]
			pc++
			frame.PC = pc

			switch ins.Op {
			case luart.OpLoadNil:
				for i := 0; i < int(ins.B); i++ {
					setR(int(ins.A)+i, luart.Nil)
				}
			case luart.OpLoadTrue:
				setR(int(ins.A), luart.Bool(true))
			case luart.OpLoadFalse:
				setR(int(ins.A), luart.Bool(false))
			case luart.OpLoadK:
				setR(int(ins.A), proto.Constants[ins.Bx])
			case luart.OpLoadInt:
				setR(int(ins.A), luart.Int(int64(ins.SBx)))

			case luart.OpMove:
				setR(int(ins.A), R(int(ins.B)))

			case luart.OpGetUpval:
				setR(int(ins.A), cl.Upvalues[ins.B].Get())
			case luart.OpSetUpval:
				cl.Upvalues[ins.A].Set(R(int(ins.B)))
			case luart.OpGetTabUp:
				v, err := index(rt, th, cl.Upvalues[ins.B].Get(), proto.Constants[ins.C])
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpSetTabUp:
				if err := newindex(rt, th, cl.Upvalues[ins.A].Get(), proto.Constants[ins.B], R(int(ins.C))); err != nil {
					return finish(nil, err)
				}

			case luart.OpNewTable:
				setR(int(ins.A), luart.FromTable(rt.Heap.NewTable(0, 0)))
			case luart.OpGetTable:
				v, err := index(rt, th, R(int(ins.B)), R(int(ins.C)))
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpSetTable:
				if err := newindex(rt, th, R(int(ins.A)), R(int(ins.B)), R(int(ins.C))); err != nil {
					return finish(nil, err)
				}
			case luart.OpGetField:
				v, err := index(rt, th, R(int(ins.B)), proto.Constants[ins.C])
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpSetField:
				if err := newindex(rt, th, R(int(ins.A)), proto.Constants[ins.B], R(int(ins.C))); err != nil {
					return finish(nil, err)
				}
			case luart.OpGetI:
				v, err := index(rt, th, R(int(ins.B)), luart.Int(int64(ins.C)))
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpSetI:
				if err := newindex(rt, th, R(int(ins.A)), luart.Int(int64(ins.B)), R(int(ins.C))); err != nil {
					return finish(nil, err)
				}
			case luart.OpSelf:
				obj := R(int(ins.B))
				m, err := index(rt, th, obj, proto.Constants[ins.C])
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A)+1, obj)
				setR(int(ins.A), m)
			case luart.OpSetList:
				a := int(ins.A)
				var vals []luart.Value
				if ins.B > 0 {
					vals = make([]luart.Value, ins.B)
					for i := range vals {
						vals[i] = R(a + 1 + i)
					}
				} else {
					for i := base + a + 1; i < top; i++ {
						vals = append(vals, th.Stack[i])
					}
				}
				tbl := R(a).AsTable()
				for i, v := range vals {
					tbl.Set(luart.Int(int64(ins.C)+int64(i)+1), v)
				}

			case luart.OpAdd:
				v, err := arith(rt, th, R(int(ins.B)), R(int(ins.C)), luart.Add, rt.Meta.Add, "")
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpSub:
				v, err := arith(rt, th, R(int(ins.B)), R(int(ins.C)), luart.Sub, rt.Meta.Sub, "")
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpMul:
				v, err := arith(rt, th, R(int(ins.B)), R(int(ins.C)), luart.Mul, rt.Meta.Mul, "")
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpDiv:
				v, err := arith(rt, th, R(int(ins.B)), R(int(ins.C)), luart.Div, rt.Meta.Div, "")
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpMod:
				v, err := arith(rt, th, R(int(ins.B)), R(int(ins.C)), luart.Mod, rt.Meta.Mod, "n%%0")
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpPow:
				v, err := arith(rt, th, R(int(ins.B)), R(int(ins.C)), luart.Pow, rt.Meta.Pow, "")
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpIDiv:
				v, err := arith(rt, th, R(int(ins.B)), R(int(ins.C)), luart.IDiv, rt.Meta.Idiv, "n//0")
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpAddK:
				v, err := arith(rt, th, R(int(ins.B)), proto.Constants[ins.C], luart.Add, rt.Meta.Add, "")
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpSubK:
				v, err := arith(rt, th, R(int(ins.B)), proto.Constants[ins.C], luart.Sub, rt.Meta.Sub, "")
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpMulK:
				v, err := arith(rt, th, R(int(ins.B)), proto.Constants[ins.C], luart.Mul, rt.Meta.Mul, "")
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpDivK:
				v, err := arith(rt, th, R(int(ins.B)), proto.Constants[ins.C], luart.Div, rt.Meta.Div, "")
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpModK:
				v, err := arith(rt, th, R(int(ins.B)), proto.Constants[ins.C], luart.Mod, rt.Meta.Mod, "n%%0")
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpPowK:
				v, err := arith(rt, th, R(int(ins.B)), proto.Constants[ins.C], luart.Pow, rt.Meta.Pow, "")
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpIDivK:
				v, err := arith(rt, th, R(int(ins.B)), proto.Constants[ins.C], luart.IDiv, rt.Meta.Idiv, "n//0")
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)

			case luart.OpBAnd:
				v, err := bitwise(rt, th, R(int(ins.B)), R(int(ins.C)), luart.BAnd, rt.Meta.Band)
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpBOr:
				v, err := bitwise(rt, th, R(int(ins.B)), R(int(ins.C)), luart.BOr, rt.Meta.Bor)
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpBXor:
				v, err := bitwise(rt, th, R(int(ins.B)), R(int(ins.C)), luart.BXor, rt.Meta.Bxor)
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpShl:
				v, err := bitwise(rt, th, R(int(ins.B)), R(int(ins.C)), luart.Shl, rt.Meta.Shl)
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpShr:
				v, err := bitwise(rt, th, R(int(ins.B)), R(int(ins.C)), luart.Shr, rt.Meta.Shr)
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpBNot:
				v, err := bnotOp(rt, th, R(int(ins.B)))
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)

			case luart.OpUnm:
				v, err := unmOp(rt, th, R(int(ins.B)))
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpNot:
				setR(int(ins.A), luart.Bool(!R(int(ins.B)).Truthy()))
			case luart.OpLen:
				v, err := lenOp(rt, th, R(int(ins.B)))
				if err != nil {
					return finish(nil, err)
				}
				setR(int(ins.A), v)
			case luart.OpConcat:
				acc := R(int(ins.B))
				var err error
				for i := int(ins.B) + 1; i <= int(ins.C); i++ {
					acc, err = concatOp(rt, th, acc, R(i))
					if err != nil {
						return finish(nil, err)
					}
				}
				setR(int(ins.A), acc)

			case luart.OpEq:
				cond, err := eqOp(rt, th, R(int(ins.B)), R(int(ins.C)))
				if err != nil {
					return finish(nil, err)
				}
				if cond == (ins.A != 0) {
					pc++
				}
			case luart.OpLt:
				cond, err := ltOp(rt, th, R(int(ins.B)), R(int(ins.C)))
				if err != nil {
					return finish(nil, err)
				}
				if cond == (ins.A != 0) {
					pc++
				}
			case luart.OpLe:
				cond, err := leOp(rt, th, R(int(ins.B)), R(int(ins.C)))
				if err != nil {
					return finish(nil, err)
				}
				if cond == (ins.A != 0) {
					pc++
				}

			case luart.OpJmp:
				pc += int(ins.SBx)
				if ins.SBx < 0 && rt.Heap.ShouldCollect() {
					rt.Heap.Collect()
				}
			case luart.OpTest:
				if R(int(ins.A)).Truthy() != (ins.C != 0) {
					pc++
				}
			case luart.OpTestSet:
				if R(int(ins.B)).Truthy() == (ins.C != 0) {
					setR(int(ins.A), R(int(ins.B)))
				} else {
					pc++
				}

			case luart.OpCall, luart.OpTailCall:
				a := int(ins.A)
				fn := R(a)
				var callArgs []luart.Value
				if ins.B > 0 {
					n := int(ins.B) - 1
					callArgs = make([]luart.Value, n)
					for i := 0; i < n; i++ {
						callArgs[i] = R(a + 1 + i)
					}
				} else {
					for i := base + a + 1; i < top; i++ {
						callArgs = append(callArgs, th.Stack[i])
					}
				}
				if ins.Op == luart.OpTailCall {
					if callee := fn.AsClosure(); callee != nil {
						if err := tailInto(callee, callArgs); err != nil {
							return nil, err
						}
						continue callLoop
					}
					results, err := Call(rt, th, fn, callArgs)
					if err != nil {
						return finish(nil, err)
					}
					return finish(results, nil)
				}
				results, err := Call(rt, th, fn, callArgs)
				if err != nil {
					return finish(nil, err)
				}
				if ins.C > 0 {
					want := int(ins.C) - 1
					for i := 0; i < want; i++ {
						if i < len(results) {
							setR(a+i, results[i])
						} else {
							setR(a+i, luart.Nil)
						}
					}
				} else {
					ensureTop(base + a + len(results))
					for i, v := range results {
						setR(a+i, v)
					}
					top = base + a + len(results)
				}
			case luart.OpReturn:
				a := int(ins.A)
				var results []luart.Value
				if ins.B > 0 {
					n := int(ins.B) - 1
					results = make([]luart.Value, n)
					for i := 0; i < n; i++ {
						results[i] = R(a + i)
					}
				} else {
					for i := base + a; i < top; i++ {
						results = append(results, th.Stack[i])
					}
				}
				return finish(results, nil)

			case luart.OpClosure:
				childProto := proto.Protos[ins.Bx]
				child := rt.Heap.NewClosure(childProto)
				for i, ud := range childProto.Upvalues {
					if ud.IsLocal {
						child.Upvalues[i] = th.FindUpvalue(base + int(ud.Index))
					} else {
						child.Upvalues[i] = cl.Upvalues[ud.Index]
					}
				}
				setR(int(ins.A), luart.FromClosure(child))

			case luart.OpForPrep:
				a := int(ins.A)
				cont, err := forPrep(th, R(a), R(a+1), R(a+2), setR, a)
				if err != nil {
					return finish(nil, err)
				}
				if !cont {
					pc += int(ins.SBx)
				}
			case luart.OpForLoop:
				a := int(ins.A)
				cont, err := forStep(th, R(a), R(a+1), R(a+2), setR, a)
				if err != nil {
					return finish(nil, err)
				}
				if cont {
					pc += int(ins.SBx)
					if rt.Heap.ShouldCollect() {
						rt.Heap.Collect()
					}
				}
			case luart.OpTForCall:
				a := int(ins.A)
				nvars := int(ins.C)
				results, err := Call(rt, th, R(a), []luart.Value{R(a + 1), R(a + 2)})
				if err != nil {
					return finish(nil, err)
				}
				for i := 0; i < nvars; i++ {
					if i < len(results) {
						setR(a+3+i, results[i])
					} else {
						setR(a+3+i, luart.Nil)
					}
				}
			case luart.OpTForLoop:
				a := int(ins.A)
				first := R(a + 1)
				if !first.IsNil() {
					setR(a, first)
					pc += int(ins.SBx)
				}

			case luart.OpVararg:
				a := int(ins.A)
				if ins.C > 0 {
					want := int(ins.C) - 1
					for i := 0; i < want; i++ {
						if i < len(frame.VarargExtra) {
							setR(a+i, frame.VarargExtra[i])
						} else {
							setR(a+i, luart.Nil)
						}
					}
				} else {
					n := len(frame.VarargExtra)
					ensureTop(base + a + n)
					for i := 0; i < n; i++ {
						setR(a+i, frame.VarargExtra[i])
					}
					top = base + a + n
				}
			case luart.OpVarargPrep:
				// Fixed-arity params are already bound by the call-entry copy
				// above; nothing else to do.

			case luart.OpClose:
				boundary := base + int(ins.A)
				if err := closeFrameTBC(rt, th, frame, boundary, nil); err != nil {
					return finish(nil, err)
				}
				th.CloseUpvalsFrom(boundary)
			case luart.OpTBC:
				reg := int(ins.A)
				v := R(reg)
				if !v.IsNil() && v.Truthy() {
					if rt.Metamethod(v, rt.Meta.Close).IsNil() {
						return finish(nil, runtimeErr(th, "variable has no 'close' metamethod"))
					}
				}
				frame.TBC = append(frame.TBC, reg)
			}
		}
	}
}

// growStack extends th.Stack to length n, preserving contents and
// nil-filling new slots, used both for the initial per-frame
// allocation and for open (multret) result spans.
func growStack(th *luart.Thread, n int) {
	if n <= len(th.Stack) {
		return
	}
	if n <= cap(th.Stack) {
		old := len(th.Stack)
		th.Stack = th.Stack[:n]
		for i := old; i < n; i++ {
			th.Stack[i] = luart.Nil
		}
		return
	}
	grown := make([]luart.Value, n, n*2+8)
	copy(grown, th.Stack)
	th.Stack = grown
}

// closeFrameTBC runs __close on every to-be-closed register in frame
// at or above boundary, innermost (highest register) first, per spec
// §4.6/§5: "on any exit path — fall-through, break, return, goto, or
// error — the __close metamethod... is invoked in LIFO order." propagating,
// when non-nil, is forwarded as the metamethod's second argument when closing due to
// a propagating error.
func closeFrameTBC(rt *luart.Runtime, th *luart.Thread, frame *luart.CallFrame, boundary int, propagating error) error {
	kept := frame.TBC[:0]
	var closeErrs []int
	for _, reg := range frame.TBC {
		if frame.Base+reg >= boundary {
			closeErrs = append(closeErrs, reg)
		} else {
			kept = append(kept, reg)
		}
	}
	frame.TBC = kept
	for i := len(closeErrs) - 1; i >= 0; i-- {
		reg := closeErrs[i]
		v := th.Stack[frame.Base+reg]
		if v.IsNil() || !v.Truthy() {
			continue
		}
		mm := rt.Metamethod(v, rt.Meta.Close)
		if mm.IsNil() {
			continue
		}
		var errArg luart.Value
		if propagating != nil {
			errArg = luaErrValue(rt, propagating)
		}
		if _, err := Call(rt, th, mm, []luart.Value{v, errArg}); err != nil && propagating == nil {
			return err
		}
	}
	return nil
}

// forPrep evaluates the initial condition of a numeric for loop and,
// if it holds, materializes the visible loop variable at a+3, per the
// FORPREP/FORLOOP contract documented in internal/compiler/stmt.go.
func forPrep(th *luart.Thread, init, limit, step luart.Value, setR func(int, luart.Value), a int) (bool, error) {
	if init.IsInt() && limit.IsInt() && step.IsInt() {
		i, l, s := init.AsInt(), limit.AsInt(), step.AsInt()
		if s == 0 {
			return false, runtimeErr(th, "'for' step is zero")
		}
		cont := (s > 0 && i <= l) || (s < 0 && i >= l)
		if cont {
			setR(a+3, luart.Int(i))
		}
		return cont, nil
	}
	fi, _ := init.ToFloat()
	fl, _ := limit.ToFloat()
	fs, _ := step.ToFloat()
	if fs == 0 {
		return false, runtimeErr(th, "'for' step is zero")
	}
	cont := (fs > 0 && fi <= fl) || (fs < 0 && fi >= fl)
	if cont {
		setR(a+3, luart.Float(fi))
	}
	return cont, nil
}

// forStep advances a numeric for loop's hidden counter by one step,
// per the FORLOOP half of the contract in stmt.go.
func forStep(th *luart.Thread, counter, limit, step luart.Value, setR func(int, luart.Value), a int) (bool, error) {
	if counter.IsInt() && step.IsInt() {
		c, s := counter.AsInt(), step.AsInt()
		next := c + s
		l := limit
		var cont bool
		if l.IsInt() {
			li := l.AsInt()
			cont = (s > 0 && next <= li) || (s < 0 && next >= li)
		} else {
			lf, _ := l.ToFloat()
			nf := float64(next)
			cont = (s > 0 && nf <= lf) || (s < 0 && nf >= lf)
		}
		if cont {
			setR(a, luart.Int(next))
			setR(a+3, luart.Int(next))
		}
		return cont, nil
	}
	cf, _ := counter.ToFloat()
	sf, _ := step.ToFloat()
	lf, _ := limit.ToFloat()
	next := cf + sf
	cont := !math.IsNaN(next) && ((sf > 0 && next <= lf) || (sf < 0 && next >= lf))
	if cont {
		setR(a, luart.Float(next))
		setR(a+3, luart.Float(next))
	}
	return cont, nil
}

// appendFrame records one activation record onto a propagating error's
// traceback, innermost frame first, per spec §7's "stack traceback
// assembled from frame debug info". Non-LuaError failures (native Go
// errors bubbling out of a NativeFn) are promoted to a runtime LuaError
// first so every frame the error crosses gets recorded.
func appendFrame(err error, proto *luart.Prototype, pc int) error {
	le, ok := err.(*luaerr.LuaError)
	if !ok {
		le = luaerr.FromValue(err.Error())
	}
	line := 0
	if pc > 0 && pc-1 < len(proto.Code) {
		line = proto.Code[pc-1].Line
	}
	name := fmt.Sprintf("function <%s:%d>", proto.Source, proto.LineDefined)
	frames := append(le.Traceback, luaerr.Frame{Function: name, Source: proto.Source, Line: line})
	return le.WithTraceback(frames)
}

// luaErrValue extracts the original Lua error value carried by err,
// falling back to a string value for plain Go errors, per spec §4.3's
// error-propagation contract ("the error object is any Lua value").
func luaErrValue(rt *luart.Runtime, err error) luart.Value {
	if le, ok := err.(*luaerr.LuaError); ok {
		switch v := le.Value.(type) {
		case luart.Value:
			return v
		case string:
			return luart.FromString(rt.Heap.NewString(v))
		}
	}
	return luart.FromString(rt.Heap.NewString(err.Error()))
}
