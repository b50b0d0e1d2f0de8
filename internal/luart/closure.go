package luart

// Upvalue is the cell described in spec §3: "Either 'open' (pointer
// into a thread's live register stack) or 'closed' (owns a Value
// inline)." Open cells form a sorted singly-linked list per thread,
// keyed by stack index (spec §4.6).
type Upvalue struct {
	Object
	open   bool
	thread *Thread // owning thread, while open
	index  int     // absolute register index into thread.Stack, while open
	closed Value   // owned value, once closed
	next   *Upvalue // next-higher-index open upvalue on the same thread
}

func (u *Upvalue) Get() Value {
	if u.open {
		return u.thread.Stack[u.index]
	}
	return u.closed
}

func (u *Upvalue) Set(v Value) {
	if u.open {
		u.thread.Stack[u.index] = v
		return
	}
	u.closed = v
}

// Close promotes an open cell's referenced value into the cell and
// unlinks it from the thread, per spec §3: "closing promotes the
// referenced value into the cell and unlinks."
func (u *Upvalue) Close() {
	if !u.open {
		return
	}
	u.closed = u.thread.Stack[u.index]
	u.open = false
	u.thread = nil
}

func (u *Upvalue) trace(gray []GCObject) []GCObject {
	if !u.open && u.closed.Obj != nil {
		gray = append(gray, u.closed.Obj)
	}
	return gray
}

// Closure pairs a Prototype with a vector of Upvalue cells, per spec
// §3: "Two closures of the same Prototype have distinct upvalue
// vectors."
type Closure struct {
	Object
	Proto    *Prototype
	Upvalues []*Upvalue
}

func NewClosure(p *Prototype) *Closure {
	c := &Closure{Proto: p, Upvalues: make([]*Upvalue, len(p.Upvalues))}
	c.Kind = KindClosure
	return c
}

func (c *Closure) trace(gray []GCObject) []GCObject {
	for _, uv := range c.Upvalues {
		if uv != nil {
			gray = append(gray, uv)
		}
	}
	return gray
}

// NativeFn is the contract native library functions implement, per
// spec §4.10: "receives a reference to the active thread and an
// argument slice; returns a variadic result slice."
type NativeFn func(rt *Runtime, th *Thread, args []Value) ([]Value, error)

// GoFunction wraps a NativeFn as a first-class Lua function value.
type GoFunction struct {
	Object
	Name string
	Fn   NativeFn
}

func NewGoFunction(name string, fn NativeFn) *GoFunction {
	g := &GoFunction{Name: name, Fn: fn}
	g.Kind = KindGoFunction
	return g
}

func (g *GoFunction) trace(gray []GCObject) []GCObject { return gray }

// Userdata wraps an opaque Go value with an optional metatable, per
// spec §3.
type Userdata struct {
	Object
	Data interface{}
	Meta *Table
}

func (u *Userdata) trace(gray []GCObject) []GCObject {
	if u.Meta != nil {
		gray = append(gray, u.Meta)
	}
	return gray
}
