package luart

// Runtime is the process-wide singleton of spec §3/§4.3: "the GC heap,
// string intern table, the globals table, a registry table..., an
// array of interned metamethod name strings, the currently running
// thread, and the main thread."
type Runtime struct {
	Heap     *Heap
	Globals  *Table
	Registry *Table
	Meta     MetaKeys

	Main    *Thread
	Current *Thread

	// StringMeta is the shared metatable installed on all strings by
	// the string library (spec §4.10: "__index pointing at the string
	// table, enabling method syntax s:upper()").
	StringMeta *Table

	// Modules records loaded package.loaded entries for require(),
	// generalizing the teacher's ModuleObj/modules map
	// (vmregister/vm.go "module system" fields) to Lua's package lib.
	Modules map[string]Value
}

// MetaKeys interns the well-known metamethod name strings once at
// startup, per spec §4.3 ("interns metamethod keys... once at startup
// and caches them for O(1) lookup by VM hot paths"). Grounded in the
// teacher's design note §9 ("Cache the interned names of all
// metamethods in the Runtime so the hot arithmetic paths compare by
// pointer, not by string content").
type MetaKeys struct {
	Index, NewIndex                     *LuaString
	Add, Sub, Mul, Div, Mod, Pow, Idiv   *LuaString
	Unm                                  *LuaString
	Band, Bor, Bxor, Shl, Shr, Bnot      *LuaString
	Concat, Len                          *LuaString
	Eq, Lt, Le                           *LuaString
	Call                                 *LuaString
	ToString, Metatable, GC, Close       *LuaString
	Pairs                                *LuaString
	Mode                                 *LuaString
}

func NewRuntime() *Runtime {
	h := NewHeap()
	rt := &Runtime{
		Heap:     h,
		Globals:  h.NewTable(0, 64),
		Registry: h.NewTable(0, 8),
		Modules:  make(map[string]Value),
	}
	rt.internMetaKeys()
	rt.Main = h.NewThread(rt)
	rt.Main.Status = ThreadRunning
	rt.Current = rt.Main
	h.AddRoot(rt)
	return rt
}

func (rt *Runtime) internMetaKeys() {
	in := rt.Heap.NewString
	rt.Meta = MetaKeys{
		Index: in("__index"), NewIndex: in("__newindex"),
		Add: in("__add"), Sub: in("__sub"), Mul: in("__mul"), Div: in("__div"),
		Mod: in("__mod"), Pow: in("__pow"), Idiv: in("__idiv"),
		Unm: in("__unm"),
		Band: in("__band"), Bor: in("__bor"), Bxor: in("__bxor"),
		Shl: in("__shl"), Shr: in("__shr"), Bnot: in("__bnot"),
		Concat: in("__concat"), Len: in("__len"),
		Eq: in("__eq"), Lt: in("__lt"), Le: in("__le"),
		Call:      in("__call"),
		ToString:  in("__tostring"),
		Metatable: in("__metatable"),
		GC:        in("__gc"),
		Close:     in("__close"),
		Pairs:     in("__pairs"),
		Mode:      in("__mode"),
	}
}

// GCRoots implements RootProvider: the Runtime itself roots the
// globals table, the registry, the main thread, and every value
// recorded in Modules.
func (rt *Runtime) GCRoots() []GCObject {
	roots := []GCObject{rt.Globals, rt.Registry}
	if rt.Main != nil {
		roots = append(roots, rt.Main)
	}
	for _, v := range rt.Modules {
		if v.Obj != nil {
			roots = append(roots, v.Obj)
		}
	}
	return roots
}

// Metatable returns the metatable governing v, per spec: tables and
// userdata carry their own; every other type shares none in this
// implementation (Lua optionally allows a global metatable for
// strings/numbers/booleans — the string library installs one, tracked
// separately in StringMeta).
func (rt *Runtime) Metatable(v Value) *Table {
	switch v.Tag() {
	case TagTable:
		return v.AsTable().Meta
	case TagUserdata:
		return v.AsUserdata().Meta
	case TagString:
		return rt.StringMeta
	}
	return nil
}

// Metamethod looks up a metamethod by its interned name on v's
// metatable, returning Nil if v has no metatable or no such entry.
func (rt *Runtime) Metamethod(v Value, name *LuaString) Value {
	mt := rt.Metatable(v)
	if mt == nil {
		return Nil
	}
	return mt.GetStr(name.s)
}
