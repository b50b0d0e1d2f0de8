package luart

// ThreadStatus enumerates a coroutine's execution state, per spec §3
// and the transition table in spec §4.9.
type ThreadStatus uint8

const (
	ThreadSuspended ThreadStatus = iota
	ThreadRunning
	ThreadNormal
	ThreadDead
)

func (s ThreadStatus) String() string {
	switch s {
	case ThreadSuspended:
		return "suspended"
	case ThreadRunning:
		return "running"
	case ThreadNormal:
		return "normal"
	case ThreadDead:
		return "dead"
	}
	return "unknown"
}

// CallFrame is one bytecode activation record, grounded in the
// teacher's CallFrame (vmregister/vm.go:138-149), generalized with the
// to-be-closed bookkeeping and tailcall marker spec §4.7/§4.8 require.
type CallFrame struct {
	Closure     *Closure
	Base        int // first register of this frame, absolute index into Stack
	PC          int
	ReturnReg   int // caller's register to receive the first result
	NumWanted   int // caller-requested result count; -1 means "all"
	IsTailCall  bool
	VarargExtra []Value // fixed-arity args beyond NumParams, for OP_VARARG
	TBC         []int   // registers (relative to Base) marked <close>, in declaration order
}

// Thread is a coroutine's execution state, per spec §3: "a growable
// value stack, a call-frame stack, its open-upvalue list, its status,
// and a handle back to the Runtime." Grounded in the teacher's
// FiberObj (vmregister/value.go:184-196), generalized to a full
// independent stack instead of the teacher's fixed [256]Value/[64]
// CallFrame arrays.
type Thread struct {
	Object
	Stack      []Value
	Frames     []*CallFrame
	OpenUpvals *Upvalue // sorted ascending by index
	Status     ThreadStatus
	RT         *Runtime
	Resumer    *Thread // who resumed us, for status propagation
	Coroutine  bool    // false for the main thread

	// Entry is the function a coroutine thread begins executing on its
	// first resume, per spec §4.9 ("coroutine.create(f)... f is not
	// called until the first resume").
	Entry Value

	// Started reports whether this thread's goroutine has been spawned
	// yet. A coroutine thread runs its own interpreter invocation on a
	// dedicated goroutine (per spec §9), blocked on ResumeCh/YieldCh
	// between handoffs so that a yield deep inside nested Lua calls —
	// including across a pcall boundary — suspends without unwinding
	// any Go call stack.
	Started  bool
	ResumeCh chan []Value
	YieldCh  chan ThreadResult

	// yieldValues holds the most recently yielded/returned values for
	// GC tracing purposes while they're in flight between goroutines.
	yieldValues []Value
}

// ThreadResult is what a coroutine's goroutine sends back across
// YieldCh: either a yield (Done false) or its final return/error
// (Done true), per spec §4.9's resume/yield data contract.
type ThreadResult struct {
	Values []Value
	Err    error
	Done   bool
}

func NewThread(rt *Runtime) *Thread {
	t := &Thread{
		Stack:  make([]Value, 0, 256),
		Status: ThreadSuspended,
		RT:     rt,
	}
	t.Kind = KindThread
	return t
}

// EnsureStack grows the value stack so index n is valid.
func (t *Thread) EnsureStack(n int) {
	if n < len(t.Stack) {
		return
	}
	grown := make([]Value, n+1)
	copy(grown, t.Stack)
	t.Stack = grown
}

func (t *Thread) trace(gray []GCObject) []GCObject {
	for _, v := range t.Stack {
		if v.Obj != nil {
			gray = append(gray, v.Obj)
		}
	}
	for _, f := range t.Frames {
		if f.Closure != nil {
			gray = append(gray, f.Closure)
		}
	}
	for uv := t.OpenUpvals; uv != nil; uv = uv.next {
		gray = append(gray, uv)
	}
	for _, v := range t.yieldValues {
		if v.Obj != nil {
			gray = append(gray, v.Obj)
		}
	}
	return gray
}

// FindUpvalue returns the open upvalue for the given absolute stack
// index, creating and linking one in sorted order if none exists yet —
// spec §4.6: "open upvalue created or shared if one already exists for
// that slot."
func (t *Thread) FindUpvalue(index int) *Upvalue {
	var prev *Upvalue
	cur := t.OpenUpvals
	for cur != nil && cur.index < index {
		prev = cur
		cur = cur.next
	}
	if cur != nil && cur.index == index {
		return cur
	}
	uv := &Upvalue{open: true, thread: t, index: index}
	uv.Kind = KindUpvalue
	uv.next = cur
	if prev == nil {
		t.OpenUpvals = uv
	} else {
		prev.next = uv
	}
	return uv
}

// CloseUpvalsFrom closes every open upvalue with index >= from, per
// spec §4.6: "closing at register A walks the list closing all with
// index ≥ A."
func (t *Thread) CloseUpvalsFrom(from int) {
	var prev *Upvalue
	cur := t.OpenUpvals
	for cur != nil {
		if cur.index >= from {
			next := cur.next
			cur.Close()
			cur.next = nil
			if prev == nil {
				t.OpenUpvals = next
			} else {
				prev.next = next
			}
			cur = next
			continue
		}
		prev = cur
		cur = cur.next
	}
}
