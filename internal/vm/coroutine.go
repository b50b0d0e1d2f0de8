package vm

import (
	"github.com/moonquakes/moonquakes/internal/luaerr"
	"github.com/moonquakes/moonquakes/internal/luart"
)

// Coroutines are grounded in the teacher's FiberObj/OP_FIBER/OP_YIELD/
// OP_RESUME design (vmregister/value.go:184-196), which models a
// coroutine as its own saved register file and frame stack. The
// teacher's own dispatch loop never actually suspends mid-instruction
// (its OP_YIELD is a stub returning an error), so this file realizes
// the rest of spec §4.9/§9 for real: execClosure/Call already recurse
// through the Go call stack for every nested Lua call, so the only way
// to park one mid-call-chain without unwinding it — including across a
// pcall boundary, per the manual — is to give each coroutine its own
// goroutine and hand values across a pair of unbuffered channels.
// Resuming sends on ResumeCh and blocks for a ThreadResult on YieldCh;
// yielding is the mirror image from the coroutine's side. Neither side
// ever touches the other's Go stack, so this needs no continuation or
// stack-copying trick to get right.

// NewCoroutine creates a new coroutine thread around fn, per spec
// §4.9's coroutine.create: the thread starts Suspended and fn is not
// invoked until the first resume.
func NewCoroutine(rt *luart.Runtime, fn luart.Value) *luart.Thread {
	th := rt.Heap.NewThread(rt)
	th.Coroutine = true
	th.Entry = fn
	th.Resumer = nil
	return th
}

// Resume implements coroutine.resume(co, ...): transfers control (and
// args) to co, running until it yields, returns, or errors, per spec
// §4.9's status transition table.
func Resume(rt *luart.Runtime, from *luart.Thread, co *luart.Thread, args []luart.Value) (results []luart.Value, ok bool, err error) {
	if co.Status == luart.ThreadDead {
		return nil, false, luaerr.New("?", 0, "cannot resume dead coroutine")
	}
	if co.Status == luart.ThreadRunning || co.Status == luart.ThreadNormal {
		return nil, false, luaerr.New("?", 0, "cannot resume non-suspended coroutine")
	}

	co.Resumer = from
	from.Status = luart.ThreadNormal
	co.Status = luart.ThreadRunning
	prevCurrent := rt.Current
	rt.Current = co

	var res luart.ThreadResult
	if !co.Started {
		co.Started = true
		co.ResumeCh = make(chan []luart.Value)
		co.YieldCh = make(chan luart.ThreadResult)
		entry, entryArgs := co.Entry, args
		go runCoroutine(rt, co, entry, entryArgs)
	} else {
		co.ResumeCh <- args
	}
	res = <-co.YieldCh

	rt.Current = prevCurrent
	from.Status = luart.ThreadRunning
	if res.Done {
		co.Status = luart.ThreadDead
	} else {
		co.Status = luart.ThreadSuspended
	}
	return res.Values, res.Err == nil, res.Err
}

// runCoroutine is the body of a coroutine's dedicated goroutine: call
// its entry function to completion (or error), then report back on
// YieldCh with Done set so Resume knows not to expect another yield.
func runCoroutine(rt *luart.Runtime, co *luart.Thread, entry luart.Value, args []luart.Value) {
	defer func() {
		if r := recover(); r != nil {
			co.YieldCh <- luart.ThreadResult{Err: luaerr.New(co.Entry.TypeName(), 0, "%v", r), Done: true}
		}
	}()
	results, callErr := Call(rt, co, entry, args)
	co.YieldCh <- luart.ThreadResult{Values: results, Err: callErr, Done: true}
}

// Yield implements coroutine.yield(...) as called from inside th's own
// goroutine: hand values back to whoever is resuming us and block for
// the next resume's arguments. Because this is a plain channel
// round-trip rather than a Go-level unwind, it works identically
// whether or not the yield is lexically inside a protected call, per
// the Open Question resolution recorded for pcall/yield interaction.
func Yield(th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	if !th.Coroutine || th.YieldCh == nil {
		return nil, luaerr.New("?", 0, "attempt to yield from outside a coroutine")
	}
	th.YieldCh <- luart.ThreadResult{Values: args, Done: false}
	return <-th.ResumeCh, nil
}

// Status implements coroutine.status(co), per spec §4.9: a thread that
// resumed another and is waiting for it to yield or finish reports
// "normal" (Resume marks the resumer ThreadNormal).
func Status(rt *luart.Runtime, co *luart.Thread) string {
	if co == rt.Current {
		return "running"
	}
	return co.Status.String()
}

// Close implements coroutine.close(co), per spec §4.9: "close on a
// suspended coroutine drives it through its to-be-closed variables in
// reverse and marks it dead." co's goroutine is parked on ResumeCh
// with nothing of its own actively executing, so the closers run on
// the calling thread rt/from — their frame and register context still
// comes from co's own (suspended) frame stack, innermost frame first.
func Close(rt *luart.Runtime, from *luart.Thread, co *luart.Thread) error {
	if co.Status == luart.ThreadRunning || co.Status == luart.ThreadNormal {
		return luaerr.New("?", 0, "cannot close a %s coroutine", co.Status.String())
	}
	for i := len(co.Frames) - 1; i >= 0; i-- {
		frame := co.Frames[i]
		for j := len(frame.TBC) - 1; j >= 0; j-- {
			reg := frame.TBC[j]
			v := co.Stack[frame.Base+reg]
			if v.IsNil() || !v.Truthy() {
				continue
			}
			mm := rt.Metamethod(v, rt.Meta.Close)
			if mm.IsNil() {
				continue
			}
			if _, err := Call(rt, from, mm, []luart.Value{v, luart.Nil}); err != nil {
				co.Status = luart.ThreadDead
				return err
			}
		}
		frame.TBC = nil
	}
	co.Status = luart.ThreadDead
	return nil
}
