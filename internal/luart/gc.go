package luart

// Heap is the tracing, non-incremental, stop-the-world mark-and-sweep
// collector of spec §4.2, grounded in the teacher's all-objects linked
// list and gcRoots idiom (vmregister/vm.go:60,
// vmregister/value.go:86-90), generalized into the operations spec
// §4.2 names (allocate/mark/sweep/finalize/weak-table processing).
//
// Value deliberately stores a GCObject interface rather than an
// unsafe *Object pointer (see DESIGN.md), so the heap keeps a side
// table from *Object header back to its owning GCObject wherever a
// bare header would otherwise be ambiguous (weak-table bookkeeping,
// finalizer dispatch).
type Heap struct {
	all       *Object // intrusive all-objects list head
	owners    map[*Object]GCObject
	bytes     int64
	threshold int64

	roots []RootProvider

	// interned holds short strings by content, per spec §3.
	interned map[string]*LuaString

	weakTables []*Table

	// toFinalize holds white objects with a __gc metamethod, queued by
	// sweep and drained by Finalize, per spec §4.2.
	toFinalize []GCObject

	// WarnFunc receives finalizer errors, per spec §4.2 ("errors from
	// finalizers are caught and reported through the warn hook, never
	// propagated").
	WarnFunc func(msg string)

	// callGC invokes a __gc metamethod; supplied by the Runtime to
	// avoid an import cycle with the VM's call machinery.
	callGC func(fn Value, arg Value) error
}

const defaultGCThreshold = 1 << 20 // 1 MiB of accounted allocation

// RootProvider is consulted by mark() to seed the gray worklist, per
// spec §4.2 ("Runtime, each Thread, pinned native call frames").
type RootProvider interface {
	GCRoots() []GCObject
}

func NewHeap() *Heap {
	return &Heap{
		owners:    make(map[*Object]GCObject),
		threshold: defaultGCThreshold,
		interned:  make(map[string]*LuaString),
		WarnFunc:  func(string) {},
	}
}

func (h *Heap) AddRoot(r RootProvider) { h.roots = append(h.roots, r) }

// SetGCCallback wires the function the Runtime uses to invoke __gc
// metamethods (spec §4.2 Finalize).
func (h *Heap) SetGCCallback(fn func(Value, Value) error) { h.callGC = fn }

func (h *Heap) link(o GCObject) {
	hdr := o.header()
	hdr.allNext = h.all
	h.all = hdr
	h.owners[hdr] = o
}

func (h *Heap) account(n int64) { h.bytes += n }

// ShouldCollect reports whether accounted allocation has crossed the
// dynamic threshold, per spec §4.2 ("schedules a full collection when
// total exceeds a dynamic threshold").
func (h *Heap) ShouldCollect() bool { return h.bytes > h.threshold }

// NewString allocates or returns an interned short string, per spec
// §3: "short strings... are interned; long strings are not interned
// but carry the same header."
func (h *Heap) NewString(s string) *LuaString {
	if isShort(s) {
		if ls, ok := h.interned[s]; ok {
			return ls
		}
		ls := &LuaString{s: s, hash: fnvHash(s)}
		ls.Kind = KindString
		h.interned[s] = ls
		h.link(ls)
		h.account(int64(len(s)) + 32)
		return ls
	}
	ls := &LuaString{s: s, hash: fnvHash(s)}
	ls.Kind = KindString
	h.link(ls)
	h.account(int64(len(s)) + 32)
	return ls
}

func (h *Heap) NewTable(arrayHint, hashHint int) *Table {
	t := NewTable(arrayHint, hashHint)
	h.link(t)
	h.account(64)
	return t
}

func (h *Heap) NewClosure(p *Prototype) *Closure {
	c := NewClosure(p)
	h.link(c)
	h.account(int64(48 + 8*len(c.Upvalues)))
	return c
}

// NewMainClosure wraps a top-level chunk Prototype as a Closure whose
// sole upvalue ("_ENV", per spec §4.4/§4.6) is a pre-closed cell
// holding env, since a main chunk has no enclosing frame to open an
// upvalue against.
func (h *Heap) NewMainClosure(p *Prototype, env Value) *Closure {
	c := h.NewClosure(p)
	uv := &Upvalue{closed: env}
	uv.Kind = KindUpvalue
	h.link(uv)
	h.account(24)
	if len(c.Upvalues) > 0 {
		c.Upvalues[0] = uv
	}
	return c
}

func (h *Heap) NewGoFunction(name string, fn NativeFn) *GoFunction {
	g := NewGoFunction(name, fn)
	h.link(g)
	h.account(32)
	return g
}

func (h *Heap) NewUserdata(data interface{}, meta *Table) *Userdata {
	u := &Userdata{Data: data, Meta: meta}
	u.Kind = KindUserdata
	h.link(u)
	h.account(32)
	return u
}

func (h *Heap) NewThread(rt *Runtime) *Thread {
	t := NewThread(rt)
	h.link(t)
	h.account(256 * 16)
	return t
}

// NewUpvalue returns the (possibly freshly linked) open upvalue for
// the given thread/register, per spec §4.6 sharing rule.
func (h *Heap) NewUpvalue(th *Thread, index int) *Upvalue {
	uv := th.FindUpvalue(index)
	if _, linked := h.owners[&uv.Object]; !linked {
		h.link(uv)
		h.account(24)
	}
	return uv
}

// SetWeakness marks t's weakness mode and registers it for weak-table
// processing, per spec §3.
func (h *Heap) SetWeakness(t *Table, mode WeakMode) {
	t.Weak = mode
	if mode != WeakNone {
		h.weakTables = append(h.weakTables, t)
	}
}

// Collect runs one full stop-the-world cycle: mark, weak-table
// processing, sweep — the only entry point callers (the VM's safe
// points) use.
func (h *Heap) Collect() {
	h.mark()
	h.processWeakTables()
	h.sweep()
	h.Finalize()
}

// mark walks every registered root provider to seed the gray
// worklist, then drains it by tracing children, per spec §4.2.
func (h *Heap) mark() {
	var worklist []GCObject
	for _, r := range h.roots {
		for _, o := range r.GCRoots() {
			worklist = markOne(o, worklist)
		}
	}
	for len(worklist) > 0 {
		n := len(worklist) - 1
		o := worklist[n]
		worklist = worklist[:n]
		for _, c := range o.trace(nil) {
			worklist = markOne(c, worklist)
		}
		o.header().mark = black
	}
}

func markOne(o GCObject, worklist []GCObject) []GCObject {
	if o == nil {
		return worklist
	}
	hdr := o.header()
	if hdr.mark != white {
		return worklist
	}
	hdr.mark = gray
	return append(worklist, o)
}

// processWeakTables implements spec §4.2's ephemeron pass: "for each
// weak-keyed table, entries with white keys are cleared; similarly for
// weak-valued... Ephemeron-style propagation is required... by
// repeatedly scanning weak-key tables and re-marking values of
// live-key entries until fixpoint."
func (h *Heap) processWeakTables() {
	for {
		changed := false
		for _, t := range h.weakTables {
			if t.Weak == WeakKeys || t.Weak == WeakBoth {
				for k, e := range t.hash {
					if isWhite(e.key.Obj) {
						delete(t.hash, k)
						changed = true
					}
				}
			}
			if t.Weak == WeakValues || t.Weak == WeakBoth {
				for k, e := range t.hash {
					if isWhite(e.val.Obj) {
						delete(t.hash, k)
						changed = true
					}
				}
				for i, v := range t.array {
					if isWhite(v.Obj) {
						t.array[i] = Nil
						changed = true
					}
				}
			}
			if t.Weak == WeakKeys {
				for _, e := range t.hash {
					if !isWhite(e.key.Obj) && isWhite(e.val.Obj) {
						markReachable(e.val.Obj)
						changed = true
					}
				}
			}
		}
		if !changed {
			break
		}
	}
}

func isWhite(o GCObject) bool {
	return o != nil && o.header().mark == white
}

// markReachable force-marks a single object and its transitive
// children black, used by the ephemeron fixpoint to resurrect a value
// whose key turned out to be reachable after all.
func markReachable(o GCObject) {
	if o == nil || o.header().mark != white {
		return
	}
	o.header().mark = black
	gray := o.trace(nil)
	for len(gray) > 0 {
		n := len(gray) - 1
		c := gray[n]
		gray = gray[:n]
		if c.header().mark == white {
			c.header().mark = black
			gray = c.trace(gray)
		}
	}
}

// sweep frees white objects (queuing finalizable ones instead) and
// repaints survivors white for the next cycle, per spec §4.2.
func (h *Heap) sweep() {
	var prev *Object
	cur := h.all
	newWeak := h.weakTables[:0]
	for cur != nil {
		next := cur.allNext
		if cur.mark == white {
			owner := h.owners[cur]
			if m := metaOf(owner); m != nil && !m.GetStr("__gc").IsNil() && !cur.Finalized {
				prev = cur
				cur = next
				h.toFinalize = append(h.toFinalize, owner)
				continue
			}
			delete(h.owners, cur)
			if prev == nil {
				h.all = next
			} else {
				prev.allNext = next
			}
			cur = next
			continue
		}
		cur.mark = white
		if owner, ok := h.owners[cur]; ok {
			if t, ok := owner.(*Table); ok && t.Weak != WeakNone {
				newWeak = append(newWeak, t)
			}
		}
		prev = cur
		cur = next
	}
	h.weakTables = newWeak
}

// metaOf returns the metatable attached to a heap object, if the
// concrete type carries one.
func metaOf(o GCObject) *Table {
	switch v := o.(type) {
	case *Table:
		return v.Meta
	case *Userdata:
		return v.Meta
	default:
		return nil
	}
}

func valueOf(o GCObject) Value {
	switch v := o.(type) {
	case *Table:
		return FromTable(v)
	case *Userdata:
		return FromUserdata(v)
	default:
		return Nil
	}
}

// Finalize runs queued __gc metamethods, per spec §4.2: "a dedicated
// path that tolerates arbitrary user code, including re-entrance and
// allocation; errors... are caught and reported through the warn
// hook, never propagated." sweep leaves a finalizable object linked in
// the all-objects chain rather than freeing it; Finalize only flips its
// Finalized bit, so the object's next white sweep unlinks and frees it
// for real, per spec §3's lifecycle note.
func (h *Heap) Finalize() {
	pending := h.toFinalize
	h.toFinalize = nil
	for _, obj := range pending {
		obj.header().Finalized = true
		m := metaOf(obj)
		if m == nil || h.callGC == nil {
			continue
		}
		fn := m.GetStr("__gc")
		if fn.IsNil() {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.WarnFunc("error in __gc finalizer (recovered)")
				}
			}()
			if err := h.callGC(fn, valueOf(obj)); err != nil {
				h.WarnFunc("error in __gc finalizer: " + err.Error())
			}
		}()
	}
}
